package offline

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/MarcoPoloResearchLab/ledger/internal/kvstore"
	"go.uber.org/zap"
)

const (
	fieldTable  = "table"
	fieldUserID = "user_id"
	fieldKey    = "key"
)

// CacheConfig describes a Cache.
type CacheConfig struct {
	Store  kvstore.Store
	Prefix string
	Logger *zap.Logger
}

// Cache keeps the last successful fetch per (user, table) as a read fallback.
type Cache struct {
	store  kvstore.Store
	prefix string
	logger *zap.Logger
}

// NewCache validates cfg and returns a Cache.
func NewCache(cfg CacheConfig) (*Cache, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opCacheNew, "missing_store", errMissingStore)
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = DefaultCachePrefix
	}
	return &Cache{
		store:  cfg.Store,
		prefix: prefix,
		logger: loggerOrNop(cfg.Logger),
	}, nil
}

// Key returns the namespaced store key for a (table, user) pair.
func (c *Cache) Key(table, userID string) string {
	return c.userPrefix(userID) + table
}

func (c *Cache) userPrefix(userID string) string {
	return c.prefix + "-" + userID + "-"
}

// Get returns the stored snapshot. The boolean is false when nothing usable is
// stored; store failures and corrupt values degrade to absent.
func (c *Cache) Get(ctx context.Context, table, userID string) (json.RawMessage, bool) {
	tableName, err := NewTableName(table)
	if err != nil {
		return nil, false
	}
	user, err := NewUserID(userID)
	if err != nil {
		return nil, false
	}
	key := c.Key(tableName.String(), user.String())
	raw, found, err := c.store.Get(ctx, key)
	if err != nil {
		logWarn(c.logger, "failed to read cached snapshot", opFetch, reasonStoreRead, err, zap.String(fieldKey, key))
		return nil, false
	}
	if !found {
		return nil, false
	}
	if !json.Valid(raw) {
		logWarn(c.logger, "cached snapshot corrupt", opFetch, reasonCorruptValue, nil, zap.String(fieldKey, key))
		return nil, false
	}
	return json.RawMessage(raw), true
}

// Set replaces the snapshot for (table, user) wholesale.
func (c *Cache) Set(ctx context.Context, table, userID string, collection interface{}) error {
	tableName, err := NewTableName(table)
	if err != nil {
		return newServiceError(opCacheSet, reasonInvalidTable, err)
	}
	user, err := NewUserID(userID)
	if err != nil {
		return newServiceError(opCacheSet, reasonInvalidUserID, err)
	}
	encoded, err := json.Marshal(collection)
	if err != nil {
		return newServiceError(opCacheSet, reasonEncodeFailed, err)
	}
	key := c.Key(tableName.String(), user.String())
	if err := c.store.Set(ctx, key, encoded); err != nil {
		logError(c.logger, "failed to write cached snapshot", opCacheSet, reasonStoreWrite, err, zap.String(fieldKey, key))
		return newServiceError(opCacheSet, reasonStoreWrite, err)
	}
	return nil
}

// ClearAll removes every cached snapshot of userID and reports how many were removed.
func (c *Cache) ClearAll(ctx context.Context, userID string) (int64, error) {
	user, err := NewUserID(userID)
	if err != nil {
		return 0, newServiceError(opCacheClear, reasonInvalidUserID, err)
	}
	removed, err := c.store.DeletePrefix(ctx, c.userPrefix(user.String()))
	if err != nil {
		logError(c.logger, "failed to clear offline cache", opCacheClear, reasonStoreWrite, err, zap.String(fieldUserID, user.String()))
		return 0, newServiceError(opCacheClear, reasonStoreWrite, err)
	}
	c.logger.Info("offline cache cleared", zap.String(fieldUserID, user.String()), zap.Int64("entries", removed))
	return removed, nil
}
