package database

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ledger/internal/kvstore"
	"github.com/MarcoPoloResearchLab/ledger/internal/offline"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationRenameLegacyOfflineKeys = "2026-03-01_rename_legacy_offline_keys"

const (
	legacyQueueKey    = "app-offline-queue"
	legacyLastSyncKey = "app-last-sync"
	legacyCachePrefix = "app-cache-"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB, *zap.Logger) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationRenameLegacyOfflineKeys, apply: renameLegacyOfflineKeys},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx, logger); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// renameLegacyOfflineKeys moves the app-* keys written by earlier clients into
// the offline-* namespace. A legacy key whose target already exists is left in
// place so no queued change is overwritten.
func renameLegacyOfflineKeys(db *gorm.DB, logger *zap.Logger) error {
	ctx := context.Background()
	store, err := kvstore.NewSQLiteStore(db, time.Now)
	if err != nil {
		return err
	}

	renames := map[string]string{
		legacyQueueKey:    offline.QueueKey,
		legacyLastSyncKey: offline.LastSyncKey,
	}
	cacheKeys, err := store.Keys(ctx, legacyCachePrefix)
	if err != nil {
		return err
	}
	for _, key := range cacheKeys {
		renames[key] = offline.DefaultCachePrefix + "-" + strings.TrimPrefix(key, legacyCachePrefix)
	}

	for from, to := range renames {
		value, found, err := store.Get(ctx, from)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		_, exists, err := store.Get(ctx, to)
		if err != nil {
			return err
		}
		if exists {
			if logger != nil {
				logger.Warn("legacy offline key kept", zap.String("key", from), zap.String("target", to))
			}
			continue
		}
		if err := store.Set(ctx, to, value); err != nil {
			return err
		}
		if err := store.Delete(ctx, from); err != nil {
			return err
		}
	}
	return nil
}
