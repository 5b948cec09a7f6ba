// Package queue is the durable FIFO staging area for mutations awaiting remote application.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/sitesync/internal/identifier"
	"github.com/MarcoPoloResearchLab/sitesync/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrOperationNotFound indicates that no queued operation has the requested id.
	ErrOperationNotFound = errors.New("queue: operation not found")
	// ErrRetryLimitExceeded indicates that an operation reached MaxRetries and stopped retrying.
	ErrRetryLimitExceeded = errors.New("queue: retry limit exceeded")
	// ErrInvalidOperationType indicates an operation type outside create, update and delete.
	ErrInvalidOperationType = errors.New("queue: invalid operation type")
	// ErrInvalidTarget indicates a blank collection path or document id.
	ErrInvalidTarget = errors.New("queue: collection path and document id are required")

	errMissingTable      = errors.New("queue table is required")
	errMissingIDProvider = errors.New("id provider is required")
)

// ServiceError carries a stable "<operation>.<reason>" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opNew        = "queue.new"
	opEnqueue    = "queue.enqueue"
	opDequeue    = "queue.dequeue"
	opMark       = "queue.mark"
	opGet        = "queue.get"
	opList       = "queue.list"
	opRetry      = "queue.retry"
	opRemove     = "queue.remove"
	opRecover    = "queue.recover"
	opClear      = "queue.clear"
	opSetPayload = "queue.set_payload"

	reasonInvalidInput = "invalid_input"
	reasonIDFailed     = "id_generation_failed"
	reasonEncodeFailed = "encode_failed"
	reasonDecodeFailed = "decode_failed"
	reasonStoreFailed  = "store_failed"
	reasonNotFound     = "not_found"
	reasonRetryLimit   = "retry_limit_exceeded"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: operation + "." + reason, err: cause}
}

// Config describes the dependencies of a Queue.
type Config struct {
	Table      *store.Table[store.QueueRecord]
	IDProvider identifier.Provider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Stats tallies queued operations by status.
type Stats struct {
	Pending   int
	Syncing   int
	Failed    int
	Conflicts int
	Total     int
}

// Queue persists operations in the store's queue table.
// Read-modify-write transitions are serialized within the process.
type Queue struct {
	table      *store.Table[store.QueueRecord]
	idProvider identifier.Provider
	clock      func() time.Time
	logger     *zap.Logger

	mu                sync.Mutex
	seeded            bool
	lastEnqueuedNanos int64
}

// New validates cfg and returns a Queue.
func New(cfg Config) (*Queue, error) {
	if cfg.Table == nil {
		return nil, newServiceError(opNew, "missing_table", errMissingTable)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		table:      cfg.Table,
		idProvider: cfg.IDProvider,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Enqueue persists a pending operation and returns its id.
func (q *Queue) Enqueue(ctx context.Context, opType OperationType, collectionPath, documentID string, payload map[string]any) (string, error) {
	parsedType, err := ParseOperationType(string(opType))
	if err != nil {
		return "", newServiceError(opEnqueue, reasonInvalidInput, err)
	}
	collectionPath = strings.Trim(strings.TrimSpace(collectionPath), "/")
	documentID = strings.TrimSpace(documentID)
	if collectionPath == "" || documentID == "" {
		return "", newServiceError(opEnqueue, reasonInvalidInput, ErrInvalidTarget)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	enqueuedAt, err := q.nextEnqueueTimeLocked(ctx)
	if err != nil {
		q.logError(opEnqueue, reasonStoreFailed, err)
		return "", newServiceError(opEnqueue, reasonStoreFailed, err)
	}
	operationID, err := q.idProvider.NewID()
	if err != nil {
		q.logError(opEnqueue, reasonIDFailed, err)
		return "", newServiceError(opEnqueue, reasonIDFailed, err)
	}

	stamped := copyPayload(payload)
	stamped[PayloadQueuedAtKey] = enqueuedAt.UnixMilli()

	operation := Operation{
		ID:             operationID,
		Type:           parsedType,
		CollectionPath: collectionPath,
		DocumentID:     documentID,
		Payload:        stamped,
		EnqueuedAt:     enqueuedAt,
		Status:         StatusPending,
	}
	if err := q.putLocked(ctx, opEnqueue, operation); err != nil {
		q.logError(opEnqueue, reasonStoreFailed, err, zap.String("operation_id", operationID))
		return "", err
	}
	q.logger.Debug("operation queued",
		zap.String("operation_id", operationID),
		zap.String("type", string(parsedType)),
		zap.String("collection_path", collectionPath),
		zap.String("document_id", documentID))
	return operationID, nil
}

// Dequeue deletes the operation after confirmed remote success. Unknown ids are ignored.
func (q *Queue) Dequeue(ctx context.Context, operationID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.table.Delete(ctx, operationID); err != nil {
		q.logError(opDequeue, reasonStoreFailed, err, zap.String("operation_id", operationID))
		return newServiceError(opDequeue, reasonStoreFailed, err)
	}
	return nil
}

// Remove deletes the operation regardless of status. Unknown ids are ignored.
func (q *Queue) Remove(ctx context.Context, operationID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.table.Delete(ctx, operationID); err != nil {
		q.logError(opRemove, reasonStoreFailed, err, zap.String("operation_id", operationID))
		return newServiceError(opRemove, reasonStoreFailed, err)
	}
	return nil
}

// Get returns the operation, or ErrOperationNotFound.
func (q *Queue) Get(ctx context.Context, operationID string) (Operation, error) {
	record, err := q.table.Get(ctx, operationID)
	if err != nil {
		return Operation{}, newServiceError(opGet, reasonStoreFailed, err)
	}
	if record == nil {
		return Operation{}, newServiceError(opGet, reasonNotFound, ErrOperationNotFound)
	}
	operation, err := decodeRecord(*record)
	if err != nil {
		return Operation{}, newServiceError(opGet, reasonDecodeFailed, err)
	}
	return operation, nil
}

// MarkSyncing records that the operation was picked up by a drain.
func (q *Queue) MarkSyncing(ctx context.Context, operationID string) (Operation, error) {
	return q.transition(ctx, opMark, operationID, func(operation *Operation) error {
		operation.Status = StatusSyncing
		return nil
	})
}

// MarkFailed records a failed attempt. The operation returns to pending until it has failed
// MaxRetries times, after which it is failed and ErrRetryLimitExceeded is returned with it.
func (q *Queue) MarkFailed(ctx context.Context, operationID string, cause error) (Operation, error) {
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	operation, err := q.transition(ctx, opMark, operationID, func(operation *Operation) error {
		if operation.RetryCount < MaxRetries {
			operation.RetryCount++
		}
		operation.LastError = message
		if operation.RetryCount >= MaxRetries {
			operation.Status = StatusFailed
		} else {
			operation.Status = StatusPending
		}
		return nil
	})
	if err != nil {
		return Operation{}, err
	}
	if operation.Status == StatusFailed {
		return operation, newServiceError(opMark, reasonRetryLimit, ErrRetryLimitExceeded)
	}
	return operation, nil
}

// MarkConflict parks the operation until a resolution strategy is supplied. The retry count is kept.
func (q *Queue) MarkConflict(ctx context.Context, operationID, reason string) (Operation, error) {
	return q.transition(ctx, opMark, operationID, func(operation *Operation) error {
		operation.Status = StatusFailed
		operation.NeedsResolution = true
		operation.LastError = reason
		return nil
	})
}

// SetPayload replaces the operation's payload, keeping its enqueue stamp.
func (q *Queue) SetPayload(ctx context.Context, operationID string, payload map[string]any) (Operation, error) {
	return q.transition(ctx, opSetPayload, operationID, func(operation *Operation) error {
		replacement := copyPayload(payload)
		if stamp, ok := operation.Payload[PayloadQueuedAtKey]; ok {
			replacement[PayloadQueuedAtKey] = stamp
		}
		operation.Payload = replacement
		return nil
	})
}

// Retry resets a failed operation to pending with a cleared retry count and error.
// Operations that are not failed are returned unchanged.
func (q *Queue) Retry(ctx context.Context, operationID string) (Operation, error) {
	return q.transition(ctx, opRetry, operationID, func(operation *Operation) error {
		if operation.Status != StatusFailed {
			return errNoChange
		}
		resetForRetry(operation)
		return nil
	})
}

// Resolve retries a failed operation and records the strategy to apply on its next conflict check.
func (q *Queue) Resolve(ctx context.Context, operationID, strategy string) (Operation, error) {
	return q.transition(ctx, opRetry, operationID, func(operation *Operation) error {
		if operation.Status != StatusFailed {
			return errNoChange
		}
		resetForRetry(operation)
		operation.ResolutionStrategy = strategy
		return nil
	})
}

// ListAll returns every operation, oldest first.
func (q *Queue) ListAll(ctx context.Context) ([]Operation, error) {
	records, err := q.table.ListAll(ctx)
	if err != nil {
		q.logError(opList, reasonStoreFailed, err)
		return nil, newServiceError(opList, reasonStoreFailed, err)
	}
	operations := make([]Operation, 0, len(records))
	for _, record := range records {
		operation, decodeErr := decodeRecord(record)
		if decodeErr != nil {
			q.logError(opList, reasonDecodeFailed, decodeErr, zap.String("operation_id", record.OperationID))
			continue
		}
		operations = append(operations, operation)
	}
	sort.SliceStable(operations, func(i, j int) bool {
		if operations[i].EnqueuedAt.Equal(operations[j].EnqueuedAt) {
			return operations[i].ID < operations[j].ID
		}
		return operations[i].EnqueuedAt.Before(operations[j].EnqueuedAt)
	})
	return operations, nil
}

// ListPending returns pending operations, oldest first.
func (q *Queue) ListPending(ctx context.Context) ([]Operation, error) {
	return q.listByStatus(ctx, StatusPending)
}

// ListFailed returns failed operations, oldest first.
func (q *Queue) ListFailed(ctx context.Context) ([]Operation, error) {
	return q.listByStatus(ctx, StatusFailed)
}

// Stats tallies the queue. Conflicts are failed operations awaiting a resolution.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	operations, err := q.ListAll(ctx)
	if err != nil {
		return Stats{}, err
	}
	var stats Stats
	for _, operation := range operations {
		stats.Total++
		switch operation.Status {
		case StatusPending:
			stats.Pending++
		case StatusSyncing:
			stats.Syncing++
		case StatusFailed:
			if operation.NeedsResolution {
				stats.Conflicts++
			} else {
				stats.Failed++
			}
		}
	}
	return stats, nil
}

// RecoverInterrupted returns operations left syncing by a previous process to pending.
func (q *Queue) RecoverInterrupted(ctx context.Context) (int, error) {
	operations, err := q.ListAll(ctx)
	if err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	recovered := 0
	for _, operation := range operations {
		if operation.Status != StatusSyncing {
			continue
		}
		operation.Status = StatusPending
		if err := q.putLocked(ctx, opRecover, operation); err != nil {
			q.logError(opRecover, reasonStoreFailed, err, zap.String("operation_id", operation.ID))
			return recovered, err
		}
		recovered++
	}
	if recovered > 0 {
		q.logger.Info("recovered interrupted operations", zap.Int("count", recovered))
	}
	return recovered, nil
}

// Clear drops every queued operation.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.table.Clear(ctx); err != nil {
		q.logError(opClear, reasonStoreFailed, err)
		return newServiceError(opClear, reasonStoreFailed, err)
	}
	return nil
}

var errNoChange = errors.New("no change")

func (q *Queue) transition(ctx context.Context, operationName, operationID string, mutate func(*Operation) error) (Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	record, err := q.table.Get(ctx, operationID)
	if err != nil {
		q.logError(operationName, reasonStoreFailed, err, zap.String("operation_id", operationID))
		return Operation{}, newServiceError(operationName, reasonStoreFailed, err)
	}
	if record == nil {
		return Operation{}, newServiceError(operationName, reasonNotFound, ErrOperationNotFound)
	}
	operation, err := decodeRecord(*record)
	if err != nil {
		q.logError(operationName, reasonDecodeFailed, err, zap.String("operation_id", operationID))
		return Operation{}, newServiceError(operationName, reasonDecodeFailed, err)
	}
	if err := mutate(&operation); err != nil {
		if errors.Is(err, errNoChange) {
			return operation, nil
		}
		return Operation{}, err
	}
	if err := q.putLocked(ctx, operationName, operation); err != nil {
		q.logError(operationName, reasonStoreFailed, err, zap.String("operation_id", operationID))
		return Operation{}, err
	}
	return operation, nil
}

func (q *Queue) putLocked(ctx context.Context, operationName string, operation Operation) error {
	record, err := encodeRecord(operation)
	if err != nil {
		return newServiceError(operationName, reasonEncodeFailed, err)
	}
	if err := q.table.Put(ctx, record); err != nil {
		return newServiceError(operationName, reasonStoreFailed, err)
	}
	return nil
}

// nextEnqueueTimeLocked keeps enqueue times strictly increasing, including across restarts.
func (q *Queue) nextEnqueueTimeLocked(ctx context.Context) (time.Time, error) {
	if !q.seeded {
		records, err := q.table.ListAll(ctx)
		if err != nil {
			return time.Time{}, err
		}
		for _, record := range records {
			if record.EnqueuedAtNanos > q.lastEnqueuedNanos {
				q.lastEnqueuedNanos = record.EnqueuedAtNanos
			}
		}
		q.seeded = true
	}
	nanos := q.clock().UTC().UnixNano()
	if nanos <= q.lastEnqueuedNanos {
		nanos = q.lastEnqueuedNanos + 1
	}
	q.lastEnqueuedNanos = nanos
	return time.Unix(0, nanos).UTC(), nil
}

func (q *Queue) listByStatus(ctx context.Context, status Status) ([]Operation, error) {
	operations, err := q.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	filtered := operations[:0]
	for _, operation := range operations {
		if operation.Status == status {
			filtered = append(filtered, operation)
		}
	}
	return filtered, nil
}

func resetForRetry(operation *Operation) {
	operation.Status = StatusPending
	operation.RetryCount = 0
	operation.LastError = ""
	operation.NeedsResolution = false
}

func encodeRecord(operation Operation) (store.QueueRecord, error) {
	payload := operation.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return store.QueueRecord{}, err
	}
	return store.QueueRecord{
		OperationID:        operation.ID,
		OperationType:      string(operation.Type),
		CollectionPath:     operation.CollectionPath,
		DocumentID:         operation.DocumentID,
		PayloadJSON:        string(encoded),
		EnqueuedAtNanos:    operation.EnqueuedAt.UnixNano(),
		RetryCount:         operation.RetryCount,
		Status:             string(operation.Status),
		LastError:          operation.LastError,
		NeedsResolution:    operation.NeedsResolution,
		ResolutionStrategy: operation.ResolutionStrategy,
	}, nil
}

func decodeRecord(record store.QueueRecord) (Operation, error) {
	payload := map[string]any{}
	if record.PayloadJSON != "" {
		if err := json.Unmarshal([]byte(record.PayloadJSON), &payload); err != nil {
			return Operation{}, err
		}
	}
	return Operation{
		ID:                 record.OperationID,
		Type:               OperationType(record.OperationType),
		CollectionPath:     record.CollectionPath,
		DocumentID:         record.DocumentID,
		Payload:            payload,
		EnqueuedAt:         time.Unix(0, record.EnqueuedAtNanos).UTC(),
		RetryCount:         record.RetryCount,
		Status:             Status(record.Status),
		LastError:          record.LastError,
		NeedsResolution:    record.NeedsResolution,
		ResolutionStrategy: record.ResolutionStrategy,
	}, nil
}

func (q *Queue) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	q.logger.Error("sync queue error", attrs...)
}
