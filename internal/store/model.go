package store

// QueueRecord persists a queued mutation awaiting remote application.
type QueueRecord struct {
	OperationID        string `gorm:"column:operation_id;primaryKey;size:190;not null"`
	OperationType      string `gorm:"column:op;size:16;not null"`
	CollectionPath     string `gorm:"column:collection_path;size:512;not null"`
	DocumentID         string `gorm:"column:document_id;size:190;not null"`
	PayloadJSON        string `gorm:"column:payload_json;type:text;not null"`
	EnqueuedAtNanos    int64  `gorm:"column:enqueued_at_ns;not null;index:idx_sync_queue_status_enqueued,priority:2"`
	RetryCount         int    `gorm:"column:retry_count;not null"`
	Status             string `gorm:"column:status;size:16;not null;index:idx_sync_queue_status_enqueued,priority:1"`
	LastError          string `gorm:"column:last_error;type:text;not null"`
	NeedsResolution    bool   `gorm:"column:needs_resolution;not null"`
	ResolutionStrategy string `gorm:"column:resolution_strategy;size:32;not null"`
}

// TableName provides the explicit table binding for GORM.
func (QueueRecord) TableName() string {
	return "sync_queue"
}

func (record QueueRecord) recordKey() string {
	return record.OperationID
}

func (QueueRecord) keyColumn() string {
	return "operation_id"
}

// CacheRecord stores a cached value with an optional absolute expiry.
type CacheRecord struct {
	CacheKey        string `gorm:"column:cache_key;primaryKey;size:190;not null"`
	DataJSON        string `gorm:"column:data_json;type:text;not null"`
	TimestampMillis int64  `gorm:"column:timestamp_ms;not null"`
	ExpiresAtMillis *int64 `gorm:"column:expires_at_ms"`
}

// TableName provides the explicit table binding for GORM.
func (CacheRecord) TableName() string {
	return "cache_entries"
}

func (record CacheRecord) recordKey() string {
	return record.CacheKey
}

func (CacheRecord) keyColumn() string {
	return "cache_key"
}

// Models lists the schema owned by the durable store for migration.
func Models() []any {
	return []any{&QueueRecord{}, &CacheRecord{}}
}
