package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/sitesync/internal/store"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type sequenceIDGenerator struct {
	next int
}

func (g *sequenceIDGenerator) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("op-%03d", g.next), nil
}

func openTestStore(t *testing.T, path string) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(store.Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	opened, err := store.Open(db)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	return opened
}

func newTestQueue(t *testing.T, clock func() time.Time) *Queue {
	t.Helper()
	opened := openTestStore(t, filepath.Join(t.TempDir(), "queue.db"))
	queue, err := New(Config{
		Table:      opened.Queue(),
		IDProvider: &sequenceIDGenerator{},
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("failed to construct queue: %v", err)
	}
	return queue
}

func frozenClock() func() time.Time {
	frozen := time.Unix(1700000000, 0).UTC()
	return func() time.Time { return frozen }
}

func TestEnqueueStampsPayloadAndDefaults(t *testing.T) {
	queue := newTestQueue(t, frozenClock())
	payload := map[string]any{"status": "done"}

	id, err := queue.Enqueue(context.Background(), OperationUpdate, "projects/p1/tasks", "t1", payload)
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}
	if _, ok := payload[PayloadQueuedAtKey]; ok {
		t.Fatalf("expected caller payload to stay untouched")
	}

	operation, err := queue.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if operation.Status != StatusPending || operation.RetryCount != 0 || operation.LastError != "" {
		t.Fatalf("unexpected defaults %+v", operation)
	}
	if operation.Payload["status"] != "done" {
		t.Fatalf("unexpected payload %#v", operation.Payload)
	}
	if !operation.QueuedAt().Equal(time.Unix(1700000000, 0).UTC()) {
		t.Fatalf("unexpected queued at %v", operation.QueuedAt())
	}
}

func TestEnqueueValidatesInput(t *testing.T) {
	queue := newTestQueue(t, nil)
	if _, err := queue.Enqueue(context.Background(), "upsert", "projects", "p1", nil); !errors.Is(err, ErrInvalidOperationType) {
		t.Fatalf("expected invalid type, got %v", err)
	}
	if _, err := queue.Enqueue(context.Background(), OperationCreate, " ", "p1", nil); !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("expected invalid target, got %v", err)
	}
	if _, err := queue.Enqueue(context.Background(), OperationCreate, "projects", "", nil); !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("expected invalid target, got %v", err)
	}
}

func TestListPendingPreservesEnqueueOrderUnderFrozenClock(t *testing.T) {
	queue := newTestQueue(t, frozenClock())
	var ids []string
	for index := 0; index < 5; index++ {
		id, err := queue.Enqueue(context.Background(), OperationCreate, "logs", fmt.Sprintf("doc-%d", 4-index), nil)
		if err != nil {
			t.Fatalf("unexpected enqueue error: %v", err)
		}
		ids = append(ids, id)
	}

	pending, err := queue.ListPending(context.Background())
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(pending) != len(ids) {
		t.Fatalf("expected %d pending, got %d", len(ids), len(pending))
	}
	for index, operation := range pending {
		if operation.ID != ids[index] {
			t.Fatalf("expected FIFO order %v, got %s at %d", ids, operation.ID, index)
		}
		if index > 0 && !operation.EnqueuedAt.After(pending[index-1].EnqueuedAt) {
			t.Fatalf("expected strictly increasing enqueue times")
		}
	}
}

func TestMarkFailedExhaustsAtFiveAttempts(t *testing.T) {
	queue := newTestQueue(t, nil)
	id, err := queue.Enqueue(context.Background(), OperationCreate, "logs", "d1", map[string]any{"a": 1})
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}

	for attempt := 1; attempt < MaxRetries; attempt++ {
		operation, markErr := queue.MarkFailed(context.Background(), id, errors.New("boom"))
		if markErr != nil {
			t.Fatalf("attempt %d: unexpected error: %v", attempt, markErr)
		}
		if operation.Status != StatusPending || operation.RetryCount != attempt {
			t.Fatalf("attempt %d: unexpected state %+v", attempt, operation)
		}
	}

	operation, err := queue.MarkFailed(context.Background(), id, errors.New("boom"))
	if !errors.Is(err, ErrRetryLimitExceeded) {
		t.Fatalf("expected ErrRetryLimitExceeded, got %v", err)
	}
	if operation.Status != StatusFailed || operation.RetryCount != MaxRetries || operation.LastError != "boom" {
		t.Fatalf("unexpected terminal state %+v", operation)
	}

	operation, _ = queue.MarkFailed(context.Background(), id, errors.New("again"))
	if operation.RetryCount != MaxRetries {
		t.Fatalf("expected retry count to stay at %d, got %d", MaxRetries, operation.RetryCount)
	}

	failed, err := queue.ListFailed(context.Background())
	if err != nil || len(failed) != 1 {
		t.Fatalf("expected one failed operation, got %d (%v)", len(failed), err)
	}
}

func TestRetryResetsOnlyFailedOperations(t *testing.T) {
	queue := newTestQueue(t, nil)
	id, _ := queue.Enqueue(context.Background(), OperationCreate, "logs", "d1", nil)

	operation, err := queue.Retry(context.Background(), id)
	if err != nil {
		t.Fatalf("unexpected retry error: %v", err)
	}
	if operation.Status != StatusPending {
		t.Fatalf("expected pending operation to stay pending")
	}

	for attempt := 0; attempt < MaxRetries; attempt++ {
		_, _ = queue.MarkFailed(context.Background(), id, errors.New("boom"))
	}
	operation, err = queue.Retry(context.Background(), id)
	if err != nil {
		t.Fatalf("unexpected retry error: %v", err)
	}
	if operation.Status != StatusPending || operation.RetryCount != 0 || operation.LastError != "" {
		t.Fatalf("unexpected reset state %+v", operation)
	}

	if _, err := queue.Retry(context.Background(), "missing"); !errors.Is(err, ErrOperationNotFound) {
		t.Fatalf("expected ErrOperationNotFound, got %v", err)
	}
}

func TestMarkConflictAndResolve(t *testing.T) {
	queue := newTestQueue(t, nil)
	id, _ := queue.Enqueue(context.Background(), OperationUpdate, "projects", "p1", map[string]any{"a": 1})
	if _, err := queue.MarkFailed(context.Background(), id, errors.New("transient")); err != nil {
		t.Fatalf("unexpected mark failed error: %v", err)
	}

	operation, err := queue.MarkConflict(context.Background(), id, "remote changed")
	if err != nil {
		t.Fatalf("unexpected conflict error: %v", err)
	}
	if operation.Status != StatusFailed || !operation.NeedsResolution || operation.RetryCount != 1 {
		t.Fatalf("unexpected conflict state %+v", operation)
	}

	stats, err := queue.Stats(context.Background())
	if err != nil {
		t.Fatalf("unexpected stats error: %v", err)
	}
	if stats.Conflicts != 1 || stats.Failed != 0 || stats.Total != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	operation, err = queue.Resolve(context.Background(), id, "merge")
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if operation.Status != StatusPending || operation.NeedsResolution || operation.ResolutionStrategy != "merge" {
		t.Fatalf("unexpected resolved state %+v", operation)
	}
}

func TestSetPayloadKeepsEnqueueStamp(t *testing.T) {
	queue := newTestQueue(t, frozenClock())
	id, _ := queue.Enqueue(context.Background(), OperationUpdate, "projects", "p1", map[string]any{"a": 1})

	operation, err := queue.SetPayload(context.Background(), id, map[string]any{"a": 1, "b": 2})
	if err != nil {
		t.Fatalf("unexpected set payload error: %v", err)
	}
	if operation.Payload["b"] != 2 {
		t.Fatalf("unexpected payload %#v", operation.Payload)
	}
	if !operation.QueuedAt().Equal(time.Unix(1700000000, 0).UTC()) {
		t.Fatalf("expected enqueue stamp to survive, got %v", operation.QueuedAt())
	}
}

func TestDequeueAndRemoveAreIdempotent(t *testing.T) {
	queue := newTestQueue(t, nil)
	first, _ := queue.Enqueue(context.Background(), OperationCreate, "logs", "d1", nil)
	second, _ := queue.Enqueue(context.Background(), OperationCreate, "logs", "d2", nil)

	for attempt := 0; attempt < 2; attempt++ {
		if err := queue.Dequeue(context.Background(), first); err != nil {
			t.Fatalf("dequeue attempt %d: %v", attempt, err)
		}
		if err := queue.Remove(context.Background(), second); err != nil {
			t.Fatalf("remove attempt %d: %v", attempt, err)
		}
	}
	all, err := queue.ListAll(context.Background())
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected empty queue, got %d", len(all))
	}
}

func TestRecoverInterruptedAndStateSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	first := openTestStore(t, path)
	queue, err := New(Config{Table: first.Queue(), IDProvider: &sequenceIDGenerator{}})
	if err != nil {
		t.Fatalf("failed to construct queue: %v", err)
	}
	pendingID, _ := queue.Enqueue(context.Background(), OperationCreate, "logs", "d1", nil)
	syncingID, _ := queue.Enqueue(context.Background(), OperationCreate, "logs", "d2", nil)
	failedID, _ := queue.Enqueue(context.Background(), OperationCreate, "logs", "d3", nil)
	if _, err := queue.MarkSyncing(context.Background(), syncingID); err != nil {
		t.Fatalf("unexpected mark syncing error: %v", err)
	}
	_, _ = queue.MarkFailed(context.Background(), failedID, errors.New("boom"))

	second := openTestStore(t, path)
	reopened, err := New(Config{Table: second.Queue(), IDProvider: &sequenceIDGenerator{next: 100}})
	if err != nil {
		t.Fatalf("failed to construct reopened queue: %v", err)
	}
	failed, err := reopened.Get(context.Background(), failedID)
	if err != nil || failed.RetryCount != 1 || failed.LastError != "boom" {
		t.Fatalf("expected failure state to survive reopen, got %+v (%v)", failed, err)
	}

	recovered, err := reopened.RecoverInterrupted(context.Background())
	if err != nil {
		t.Fatalf("unexpected recover error: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("expected one recovered operation, got %d", recovered)
	}
	pending, _ := reopened.ListPending(context.Background())
	if len(pending) != 3 || pending[0].ID != pendingID || pending[1].ID != syncingID {
		t.Fatalf("unexpected pending order after recovery %+v", pending)
	}

	newest, _ := reopened.Enqueue(context.Background(), OperationCreate, "logs", "d4", nil)
	all, _ := reopened.ListAll(context.Background())
	if all[len(all)-1].ID != newest {
		t.Fatalf("expected new operation to sort after recovered ones")
	}
}

func TestClearEmptiesQueue(t *testing.T) {
	queue := newTestQueue(t, nil)
	_, _ = queue.Enqueue(context.Background(), OperationDelete, "logs", "d1", nil)
	if err := queue.Clear(context.Background()); err != nil {
		t.Fatalf("unexpected clear error: %v", err)
	}
	stats, _ := queue.Stats(context.Background())
	if stats.Total != 0 {
		t.Fatalf("expected empty queue after clear, got %+v", stats)
	}
}

func TestStoreFailuresAreLogged(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	queue, err := New(Config{
		Table:      &store.Table[store.QueueRecord]{},
		IDProvider: &sequenceIDGenerator{},
		Logger:     zap.New(core),
	})
	if err != nil {
		t.Fatalf("failed to construct queue: %v", err)
	}

	_, err = queue.Enqueue(context.Background(), OperationCreate, "logs", "d1", nil)
	if !errors.Is(err, store.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
	entries := logs.FilterField(zap.String("operation", "queue.enqueue")).All()
	if len(entries) == 0 {
		t.Fatalf("expected enqueue failure to be logged")
	}
}

func TestStripInternal(t *testing.T) {
	stripped := StripInternal(map[string]any{"a": 1, PayloadQueuedAtKey: 5, PayloadLocalIDKey: "tmp-1"})
	if len(stripped) != 1 || stripped["a"] != 1 {
		t.Fatalf("unexpected stripped payload %#v", stripped)
	}
}

func TestRemoveRacingTransitionsNeverResurrects(t *testing.T) {
	queue := newTestQueue(t, frozenClock())
	ctx := context.Background()

	const operationCount = 20
	ids := make([]string, 0, operationCount)
	for index := 0; index < operationCount; index++ {
		id, err := queue.Enqueue(ctx, OperationUpdate, "projects/p1/tasks", fmt.Sprintf("t%d", index), map[string]any{"n": index})
		if err != nil {
			t.Fatalf("unexpected enqueue error: %v", err)
		}
		ids = append(ids, id)
	}

	var wg sync.WaitGroup
	for index, id := range ids {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = queue.MarkFailed(ctx, id, errors.New("offline"))
		}()
		go func() {
			defer wg.Done()
			if index%2 == 0 {
				_ = queue.Remove(ctx, id)
				return
			}
			_ = queue.Dequeue(ctx, id)
		}()
	}
	wg.Wait()

	remaining, err := queue.ListAll(ctx)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected removed operations to stay gone, got %d", len(remaining))
	}
}
