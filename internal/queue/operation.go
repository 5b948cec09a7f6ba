package queue

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// OperationType enumerates the remote writes a queued operation can request.
type OperationType string

const (
	// OperationCreate creates or replaces a document; repeating it is harmless.
	OperationCreate OperationType = "create"
	// OperationUpdate merges a partial record into an existing document.
	OperationUpdate OperationType = "update"
	// OperationDelete removes a document.
	OperationDelete OperationType = "delete"
)

// ParseOperationType validates a raw operation type.
func ParseOperationType(raw string) (OperationType, error) {
	switch OperationType(strings.ToLower(strings.TrimSpace(raw))) {
	case OperationCreate:
		return OperationCreate, nil
	case OperationUpdate:
		return OperationUpdate, nil
	case OperationDelete:
		return OperationDelete, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOperationType, raw)
	}
}

// Status is the lifecycle state of a queued operation. Synced operations are deleted.
type Status string

const (
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusFailed  Status = "failed"
)

// MaxRetries is the number of failed attempts after which an operation stops retrying.
const MaxRetries = 5

const (
	// PayloadQueuedAtKey holds the local enqueue time in unix milliseconds.
	PayloadQueuedAtKey = "queuedAtTimestamp"
	// PayloadLocalIDKey holds the caller's local placeholder identifier, when present.
	PayloadLocalIDKey = "localId"
)

// Operation is a mutation awaiting remote application.
type Operation struct {
	ID                 string
	Type               OperationType
	CollectionPath     string
	DocumentID         string
	Payload            map[string]any
	EnqueuedAt         time.Time
	RetryCount         int
	Status             Status
	LastError          string
	NeedsResolution    bool
	ResolutionStrategy string
}

// QueuedAt returns the payload's enqueue stamp, falling back to EnqueuedAt.
func (op Operation) QueuedAt() time.Time {
	if millis, ok := numberAsInt64(op.Payload[PayloadQueuedAtKey]); ok {
		return time.UnixMilli(millis).UTC()
	}
	return op.EnqueuedAt
}

// StripInternal returns a copy of payload without the fields that never leave the device.
func StripInternal(payload map[string]any) map[string]any {
	stripped := make(map[string]any, len(payload))
	for key, value := range payload {
		if IsInternalField(key) {
			continue
		}
		stripped[key] = value
	}
	return stripped
}

// IsInternalField reports whether key is bookkeeping added by the queue or its callers.
func IsInternalField(key string) bool {
	return key == PayloadQueuedAtKey || key == PayloadLocalIDKey
}

func copyPayload(payload map[string]any) map[string]any {
	copied := make(map[string]any, len(payload)+1)
	for key, value := range payload {
		copied[key] = value
	}
	return copied
}

func numberAsInt64(value any) (int64, bool) {
	switch typed := value.(type) {
	case int64:
		return typed, true
	case int:
		return int64(typed), true
	case float64:
		if math.IsNaN(typed) || math.IsInf(typed, 0) {
			return 0, false
		}
		return int64(typed), true
	case json.Number:
		parsed, err := typed.Int64()
		return parsed, err == nil
	default:
		return 0, false
	}
}
