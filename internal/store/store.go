// Package store provides the durable local record store backing the offline queue and caches.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrStorageUnavailable indicates that local persistence could not be opened or used.
	ErrStorageUnavailable = errors.New("store: storage unavailable")
	// ErrMissingKey indicates that a record was written without its key.
	ErrMissingKey = errors.New("store: record key is required")
)

// Record is implemented by the row types owned by this package.
type Record interface {
	TableName() string
	recordKey() string
	keyColumn() string
}

// Table exposes keyed access to one logical table.
// Writes to the same key are serialized by the underlying connection; the last write wins.
type Table[R Record] struct {
	db *gorm.DB
}

// Put upserts the record by key.
func (table *Table[R]) Put(ctx context.Context, record R) error {
	if err := table.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(record.recordKey()) == "" {
		return ErrMissingKey
	}
	if err := table.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&record).Error; err != nil {
		return fmt.Errorf("store: put %s: %w", record.TableName(), err)
	}
	return nil
}

// Get returns the record stored under key, or nil when absent.
func (table *Table[R]) Get(ctx context.Context, key string) (*R, error) {
	if err := table.ready(ctx); err != nil {
		return nil, err
	}
	var record R
	err := table.db.WithContext(ctx).
		Where(record.keyColumn()+" = ?", key).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %s: %w", record.TableName(), err)
	}
	return &record, nil
}

// Delete removes the record stored under key. Deleting an absent key is not an error.
func (table *Table[R]) Delete(ctx context.Context, key string) error {
	if err := table.ready(ctx); err != nil {
		return err
	}
	var model R
	if err := table.db.WithContext(ctx).
		Where(model.keyColumn()+" = ?", key).
		Delete(&model).Error; err != nil {
		return fmt.Errorf("store: delete %s: %w", model.TableName(), err)
	}
	return nil
}

// ListAll returns every record in key order. Callers filter and sort.
func (table *Table[R]) ListAll(ctx context.Context) ([]R, error) {
	if err := table.ready(ctx); err != nil {
		return nil, err
	}
	var model R
	var records []R
	if err := table.db.WithContext(ctx).
		Order(model.keyColumn() + " ASC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("store: list %s: %w", model.TableName(), err)
	}
	return records, nil
}

// Clear empties the table.
func (table *Table[R]) Clear(ctx context.Context) error {
	if err := table.ready(ctx); err != nil {
		return err
	}
	var model R
	if err := table.db.WithContext(ctx).
		Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&model).Error; err != nil {
		return fmt.Errorf("store: clear %s: %w", model.TableName(), err)
	}
	return nil
}

func (table *Table[R]) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if table == nil || table.db == nil {
		return ErrStorageUnavailable
	}
	return nil
}

// Store groups the queue and cache tables over a single database handle.
type Store struct {
	queue *Table[QueueRecord]
	cache *Table[CacheRecord]
}

// Open binds the store to an already migrated database handle.
func Open(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: database handle is required", ErrStorageUnavailable)
	}
	return &Store{
		queue: &Table[QueueRecord]{db: db},
		cache: &Table[CacheRecord]{db: db},
	}, nil
}

// Queue returns the sync queue table.
func (s *Store) Queue() *Table[QueueRecord] {
	if s == nil {
		return nil
	}
	return s.queue
}

// Cache returns the TTL cache table.
func (s *Store) Cache() *Table[CacheRecord] {
	if s == nil {
		return nil
	}
	return s.cache
}
