// Package cache keeps read-mostly domain data in the durable store with optional expiry.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/sitesync/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrInvalidKey indicates a blank cache key.
	ErrInvalidKey = errors.New("cache: key is required")

	errMissingTable = errors.New("cache table is required")
)

// Entry describes a cached value without its payload.
type Entry struct {
	Key       string
	Timestamp time.Time
	// ExpiresAt is nil when the entry never expires; staleness is then the caller's call.
	ExpiresAt *time.Time
}

// IsStale reports whether the entry was written more than maxAge before now.
func (entry Entry) IsStale(maxAge time.Duration, now time.Time) bool {
	return now.Sub(entry.Timestamp) > maxAge
}

// Config describes the dependencies of a Cache.
type Config struct {
	Table  *store.Table[store.CacheRecord]
	Clock  func() time.Time
	Logger *zap.Logger
}

// Cache stores JSON-encoded values under caller-chosen keys.
type Cache struct {
	table  *store.Table[store.CacheRecord]
	clock  func() time.Time
	logger *zap.Logger
}

// New validates cfg and returns a Cache.
func New(cfg Config) (*Cache, error) {
	if cfg.Table == nil {
		return nil, errMissingTable
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{table: cfg.Table, clock: clock, logger: logger}, nil
}

// Set stores value under key. A ttl of zero or less never expires.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrInvalidKey
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}
	now := c.clock().UTC()
	record := store.CacheRecord{
		CacheKey:        key,
		DataJSON:        string(encoded),
		TimestampMillis: now.UnixMilli(),
	}
	if ttl > 0 {
		expiresAt := now.Add(ttl).UnixMilli()
		record.ExpiresAtMillis = &expiresAt
	}
	return c.table.Put(ctx, record)
}

// Get decodes the value stored under key into dst. Expired entries are evicted and
// reported as a miss.
func (c *Cache) Get(ctx context.Context, key string, dst any) (Entry, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Entry{}, false, ErrInvalidKey
	}
	record, err := c.table.Get(ctx, key)
	if err != nil {
		return Entry{}, false, err
	}
	if record == nil {
		return Entry{}, false, nil
	}
	entry := toEntry(*record)
	if entry.ExpiresAt != nil && !c.clock().UTC().Before(*entry.ExpiresAt) {
		if err := c.table.Delete(ctx, key); err != nil {
			c.logger.Warn("cache eviction failed", zap.String("key", key), zap.Error(err))
		}
		return Entry{}, false, nil
	}
	if dst != nil {
		if err := json.Unmarshal([]byte(record.DataJSON), dst); err != nil {
			return Entry{}, false, fmt.Errorf("cache: decode %s: %w", key, err)
		}
	}
	return entry, true, nil
}

// Invalidate removes key. Missing keys are ignored.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	return c.table.Delete(ctx, strings.TrimSpace(key))
}

// Clear drops every cached entry.
func (c *Cache) Clear(ctx context.Context) error {
	return c.table.Clear(ctx)
}

func toEntry(record store.CacheRecord) Entry {
	entry := Entry{
		Key:       record.CacheKey,
		Timestamp: time.UnixMilli(record.TimestampMillis).UTC(),
	}
	if record.ExpiresAtMillis != nil {
		expiresAt := time.UnixMilli(*record.ExpiresAtMillis).UTC()
		entry.ExpiresAt = &expiresAt
	}
	return entry
}
