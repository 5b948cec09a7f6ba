package conflict

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/sitesync/internal/queue"
	"github.com/MarcoPoloResearchLab/sitesync/internal/remote/remotetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var queuedAt = time.Unix(1700000000, 0).UTC()

func queuedUpdate(payload map[string]any) queue.Operation {
	stamped := map[string]any{queue.PayloadQueuedAtKey: float64(queuedAt.UnixMilli())}
	for key, value := range payload {
		stamped[key] = value
	}
	return queue.Operation{
		ID:             "op-1",
		Type:           queue.OperationUpdate,
		CollectionPath: "projects/p1/tasks",
		DocumentID:     "y",
		Payload:        stamped,
		EnqueuedAt:     queuedAt,
		Status:         queue.StatusSyncing,
	}
}

func TestParseStrategy(t *testing.T) {
	testCases := map[string]Strategy{
		"":             StrategyServerWins,
		"server_wins":  StrategyServerWins,
		" CLIENT_WINS": StrategyClientWins,
		"merge":        StrategyMerge,
		"manual":       StrategyManual,
	}
	for input, want := range testCases {
		got, err := ParseStrategy(input)
		if err != nil {
			t.Fatalf("ParseStrategy(%q) error: %v", input, err)
		}
		if got != want {
			t.Fatalf("ParseStrategy(%q) = %q, want %q", input, got, want)
		}
	}
	if _, err := ParseStrategy("coin_flip"); !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("expected ErrUnknownStrategy, got %v", err)
	}
}

func TestCheckSkipsNonUpdates(t *testing.T) {
	store := remotetest.NewMemoryStore(nil)
	store.FailReads = errors.New("must not be read")
	resolver := NewResolver(store, nil)

	for _, opType := range []queue.OperationType{queue.OperationCreate, queue.OperationDelete} {
		operation := queuedUpdate(map[string]any{"a": 1})
		operation.Type = opType
		resolution := resolver.Check(context.Background(), operation, StrategyManual)
		if resolution.Decision != DecisionContinue {
			t.Fatalf("%s: expected continue, got %s", opType, resolution.Decision)
		}
	}
}

func TestCheckSkipsUpdateOfMissingDocument(t *testing.T) {
	resolver := NewResolver(remotetest.NewMemoryStore(nil), nil)
	resolution := resolver.Check(context.Background(), queuedUpdate(map[string]any{"a": 1}), StrategyClientWins)
	if resolution.Decision != DecisionSkip {
		t.Fatalf("expected skip, got %s", resolution.Decision)
	}
}

func TestCheckContinuesOnReadFailure(t *testing.T) {
	store := remotetest.NewMemoryStore(nil)
	store.FailReads = errors.New("connection reset")
	core, logs := observer.New(zapcore.WarnLevel)
	resolver := NewResolver(store, zap.New(core))

	resolution := resolver.Check(context.Background(), queuedUpdate(map[string]any{"a": 1}), StrategyServerWins)
	if resolution.Decision != DecisionContinue {
		t.Fatalf("expected optimistic continue, got %s", resolution.Decision)
	}
	if logs.FilterMessage("conflict check read failed, continuing").Len() != 1 {
		t.Fatalf("expected read failure to be logged at warn")
	}
}

func TestCheckContinuesWhenRemoteIsOlder(t *testing.T) {
	store := remotetest.NewMemoryStore(nil)
	store.Seed("projects/p1/tasks", "y", map[string]any{"status": "open"}, queuedAt)
	resolver := NewResolver(store, nil)

	resolution := resolver.Check(context.Background(), queuedUpdate(map[string]any{"status": "done"}), StrategyServerWins)
	if resolution.Decision != DecisionContinue || resolution.Conflict != nil {
		t.Fatalf("expected continue without conflict, got %+v", resolution)
	}
}

func TestCheckServerWinsSkipsNewerRemote(t *testing.T) {
	store := remotetest.NewMemoryStore(nil)
	store.Seed("projects/p1/tasks", "y", map[string]any{"status": "blocked"}, queuedAt.Add(time.Second))
	resolver := NewResolver(store, nil)

	resolution := resolver.Check(context.Background(), queuedUpdate(map[string]any{"status": "done"}), StrategyServerWins)
	if resolution.Decision != DecisionSkip {
		t.Fatalf("expected skip, got %s", resolution.Decision)
	}
	if resolution.Conflict == nil || !resolution.Conflict.RemoteUpdatedAt.After(resolution.Conflict.QueuedAt) {
		t.Fatalf("expected conflict details, got %+v", resolution.Conflict)
	}
}

func TestCheckClientWinsKeepsLocalPayload(t *testing.T) {
	store := remotetest.NewMemoryStore(nil)
	store.Seed("projects/p1/tasks", "y", map[string]any{"status": "blocked"}, queuedAt.Add(time.Second))
	resolver := NewResolver(store, nil)

	resolution := resolver.Check(context.Background(), queuedUpdate(map[string]any{"status": "done"}), StrategyClientWins)
	if resolution.Decision != DecisionContinue || resolution.Payload["status"] != "done" {
		t.Fatalf("unexpected resolution %+v", resolution)
	}
}

func TestCheckMergeOverlaysLocalFields(t *testing.T) {
	store := remotetest.NewMemoryStore(nil)
	store.Seed("projects/p1/tasks", "y", map[string]any{"a": 0, "b": 2}, queuedAt.Add(time.Second))
	resolver := NewResolver(store, nil)

	resolution := resolver.Check(context.Background(), queuedUpdate(map[string]any{"a": 1}), StrategyMerge)
	if resolution.Decision != DecisionContinue {
		t.Fatalf("expected continue, got %s", resolution.Decision)
	}
	applied := queue.StripInternal(resolution.Payload)
	if len(applied) != 2 || applied["a"] != 1 || applied["b"] != 2 {
		t.Fatalf("expected {a:1 b:2}, got %#v", applied)
	}
}

func TestCheckManualReportsConflict(t *testing.T) {
	store := remotetest.NewMemoryStore(nil)
	store.Seed("projects/p1/tasks", "y", map[string]any{"a": 0}, queuedAt.Add(time.Second))
	resolver := NewResolver(store, nil)

	resolution := resolver.Check(context.Background(), queuedUpdate(map[string]any{"a": 1}), StrategyManual)
	if resolution.Decision != DecisionConflict || resolution.Conflict == nil {
		t.Fatalf("expected conflict, got %+v", resolution)
	}
	if _, ok := resolution.Conflict.LocalPayload[queue.PayloadQueuedAtKey]; ok {
		t.Fatalf("expected bookkeeping fields to be hidden from the conflict")
	}
}

func TestMergeIgnoresRemoteBookkeeping(t *testing.T) {
	merged := Merge(map[string]any{"a": 0, queue.PayloadLocalIDKey: "remote"}, map[string]any{"b": 1})
	if _, ok := merged[queue.PayloadLocalIDKey]; ok {
		t.Fatalf("expected remote bookkeeping to be dropped, got %#v", merged)
	}
	if merged["a"] != 0 || merged["b"] != 1 {
		t.Fatalf("unexpected merge %#v", merged)
	}
}
