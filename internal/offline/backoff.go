package offline

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultBackoffInitial = 500 * time.Millisecond
	defaultBackoffMax     = 30 * time.Second
	defaultBackoffJitter  = 0.5
	backoffMultiplier     = 2
)

// Backoff spaces out repeated attempts of the same operation: the base delay doubles per
// attempt up to Max, then Jitter randomizes it by that fraction in either direction.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  float64
}

// DefaultBackoff returns the delays used when none are configured.
func DefaultBackoff() Backoff {
	return Backoff{Initial: defaultBackoffInitial, Max: defaultBackoffMax, Jitter: defaultBackoffJitter}
}

// Delay returns the wait before the attempt following attempt failures. Zero failures wait nothing.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	normalized := b.normalized()
	policy := &backoff.ExponentialBackOff{
		InitialInterval:     normalized.Initial,
		RandomizationFactor: normalized.Jitter,
		Multiplier:          backoffMultiplier,
		MaxInterval:         normalized.Max,
	}
	policy.Reset()

	var delay time.Duration
	for step := 0; step < attempt; step++ {
		delay = policy.NextBackOff()
	}
	if delay == backoff.Stop || delay < 0 {
		return normalized.Max
	}
	return delay
}

func (b Backoff) normalized() Backoff {
	normalized := b
	if normalized.Initial <= 0 {
		normalized.Initial = defaultBackoffInitial
	}
	if normalized.Max <= 0 {
		normalized.Max = defaultBackoffMax
	}
	if normalized.Max < normalized.Initial {
		normalized.Max = normalized.Initial
	}
	if normalized.Jitter < 0 {
		normalized.Jitter = 0
	}
	if normalized.Jitter > 1 {
		normalized.Jitter = 1
	}
	return normalized
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
