package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/nugget/mcplink/internal/mcperr"
)

// Retry defaults.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 200 * time.Millisecond
	DefaultMaxDelay    = 5 * time.Second
	DefaultMultiplier  = 2.0
	DefaultJitter      = 0.2
)

// RetryPolicy bounds re-attempts of retryable failures. Zero fields
// take defaults; MaxAttempts of 1 disables retry.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// Jitter is the random fraction (0..1] by which each delay is
	// spread around its nominal value. Zero means DefaultJitter; a
	// negative value disables it.
	Jitter float64
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultMultiplier
	}
	switch {
	case p.Jitter < 0:
		p.Jitter = 0
	case p.Jitter == 0 || p.Jitter > 1:
		p.Jitter = DefaultJitter
	}
	return p
}

// Delay returns the wait before attempt+1 after attempt failed with
// err. A retry-after hint on err is honored when it is longer than the
// backoff.
func (p RetryPolicy) Delay(attempt int, err error) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	d = math.Min(d, float64(p.MaxDelay))
	if p.Jitter > 0 {
		d *= 1 + p.Jitter*(2*rand.Float64()-1)
	}
	delay := time.Duration(d)
	if hint := mcperr.RetryAfter(err); hint > delay {
		delay = hint
	}
	return delay
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
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
