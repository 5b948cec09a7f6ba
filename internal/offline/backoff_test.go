package offline

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoffDoublesUpToMax(t *testing.T) {
	policy := Backoff{Initial: 100 * time.Millisecond, Max: 250 * time.Millisecond}
	want := []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond, 250 * time.Millisecond, 250 * time.Millisecond}
	for attempt, expected := range want {
		if got := policy.Delay(attempt); got != expected {
			t.Fatalf("Delay(%d) = %v, want %v", attempt, got, expected)
		}
	}
}

func TestBackoffJitterStaysWithinBounds(t *testing.T) {
	policy := Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Jitter: 0.5}
	for run := 0; run < 50; run++ {
		got := policy.Delay(2)
		if got < 100*time.Millisecond || got > 300*time.Millisecond {
			t.Fatalf("Delay(2) = %v outside [100ms, 300ms]", got)
		}
	}
}

func TestDefaultBackoffIsPositive(t *testing.T) {
	if DefaultBackoff().Delay(1) <= 0 {
		t.Fatalf("expected a positive default delay")
	}
	if (Backoff{}).Delay(1) <= 0 {
		t.Fatalf("expected zero-value backoff to fall back to defaults")
	}
}

func TestSleepContextHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := sleepContext(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
