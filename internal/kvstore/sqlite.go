package kvstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingDatabase = errors.New("kvstore: database handle is required")

const (
	columnEntryKey   = "entry_key"
	columnEntryValue = "entry_value"
	columnUpdatedAt  = "updated_at_ms"
	likeEscape       = `\`
)

// Entry stores one persisted value.
type Entry struct {
	Key             string `gorm:"column:entry_key;primaryKey;size:512;not null"`
	Value           []byte `gorm:"column:entry_value;type:blob;not null"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "kv_entries"
}

// Lease records the current holder of a named lease.
type Lease struct {
	Name            string `gorm:"column:name;primaryKey;size:190;not null"`
	Owner           string `gorm:"column:owner;size:190;not null"`
	ExpiresAtMillis int64  `gorm:"column:expires_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Lease) TableName() string {
	return "sync_leases"
}

// SQLiteStore is a Store and Leaser backed by a gorm SQLite connection. Several
// processes opening the same database file share entries and leases.
type SQLiteStore struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewSQLiteStore wraps an already migrated database handle.
func NewSQLiteStore(db *gorm.DB, clock func() time.Time) (*SQLiteStore, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	if clock == nil {
		clock = time.Now
	}
	return &SQLiteStore{db: db, clock: clock}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := validateKey(key); err != nil {
		return nil, false, err
	}
	var entry Entry
	err := s.db.WithContext(ctx).Where(columnEntryKey+" = ?", key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return entry.Value, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	entry := Entry{
		Key:             key,
		Value:           value,
		UpdatedAtMillis: s.clock().UTC().UnixMilli(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: columnEntryKey}},
		DoUpdates: clause.AssignmentColumns([]string{columnEntryValue, columnUpdatedAt}),
	}).Create(&entry).Error
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Where(columnEntryKey+" = ?", key).Delete(&Entry{}).Error
}

func (s *SQLiteStore) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	if err := validateKey(prefix); err != nil {
		return 0, err
	}
	result := s.db.WithContext(ctx).
		Where(columnEntryKey+" LIKE ? ESCAPE '"+likeEscape+"'", escapeLike(prefix)+"%").
		Delete(&Entry{})
	return result.RowsAffected, result.Error
}

// Keys lists stored keys with the given prefix in lexical order.
func (s *SQLiteStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.db.WithContext(ctx).Model(&Entry{}).
		Where(columnEntryKey+" LIKE ? ESCAPE '"+likeEscape+"'", escapeLike(prefix)+"%").
		Order(columnEntryKey+" ASC").
		Pluck(columnEntryKey, &keys).Error
	return keys, err
}

func (s *SQLiteStore) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	if err := validateLease(name, owner, ttl); err != nil {
		return false, err
	}
	now := s.clock().UTC()
	expiresAt := now.Add(ttl).UnixMilli()

	created := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&Lease{
		Name:            name,
		Owner:           owner,
		ExpiresAtMillis: expiresAt,
	})
	if created.Error != nil {
		return false, created.Error
	}
	if created.RowsAffected == 1 {
		return true, nil
	}

	updated := s.db.WithContext(ctx).Model(&Lease{}).
		Where("name = ? AND (owner = ? OR expires_at_ms <= ?)", name, owner, now.UnixMilli()).
		Updates(map[string]interface{}{
			"owner":         owner,
			"expires_at_ms": expiresAt,
		})
	if updated.Error != nil {
		return false, updated.Error
	}
	return updated.RowsAffected == 1, nil
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, name, owner string) error {
	return s.db.WithContext(ctx).
		Where("name = ? AND owner = ?", name, owner).
		Delete(&Lease{}).Error
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(likeEscape, likeEscape+likeEscape, "%", likeEscape+"%", "_", likeEscape+"_")
	return replacer.Replace(value)
}
