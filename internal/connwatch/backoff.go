package connwatch

import (
	"context"
	"math/rand/v2"
	"time"
)

// BackoffConfig is an exponential schedule shared by startup probing
// and reconnect loops. Zero fields take the values of
// [DefaultBackoffConfig].
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// MaxRetries bounds the attempts made by [Retry] and by a watcher's
	// startup phase.
	MaxRetries int

	// PollInterval is the steady-state probe period.
	PollInterval time.Duration

	// ProbeTimeout bounds a single probe call.
	ProbeTimeout time.Duration

	// Jitter spreads each delay by up to this fraction in either
	// direction so that many servers failing together do not retry in
	// lockstep. Zero disables it.
	Jitter float64
}

// DefaultBackoffConfig returns 1s, 2s, 4s, ... capped at 30s, with 8
// startup attempts and 30-second background polling.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   8,
		PollInterval: 30 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	pick := func(v, def time.Duration) time.Duration {
		if v > 0 {
			return v
		}
		return def
	}
	c.InitialDelay = pick(c.InitialDelay, d.InitialDelay)
	c.MaxDelay = pick(c.MaxDelay, d.MaxDelay)
	c.PollInterval = pick(c.PollInterval, d.PollInterval)
	c.ProbeTimeout = pick(c.ProbeTimeout, d.ProbeTimeout)
	if c.Multiplier <= 0 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = 0
	}
	return c
}

// Delay returns the pause after the given failed attempt (1-based),
// before jitter.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	c = c.withDefaults()
	d := float64(c.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= c.Multiplier
		if d >= float64(c.MaxDelay) {
			return c.MaxDelay
		}
	}
	return time.Duration(d)
}

func (c BackoffConfig) jittered(d time.Duration) time.Duration {
	if c.Jitter == 0 {
		return d
	}
	spread := float64(d) * c.Jitter
	return time.Duration(float64(d) - spread + rand.Float64()*2*spread)
}

// Retry calls fn until it succeeds, ctx ends, or cfg.MaxRetries
// attempts have failed. It returns the number of attempts made and the
// last error; a cancelled wait returns ctx.Err().
func Retry(ctx context.Context, cfg BackoffConfig, fn func(ctx context.Context, attempt int) error) (int, error) {
	cfg = cfg.withDefaults()
	for attempt := 1; ; attempt++ {
		err := fn(ctx, attempt)
		if err == nil || attempt >= cfg.MaxRetries {
			return attempt, err
		}
		if !sleepCtx(ctx, cfg.jittered(cfg.Delay(attempt))) {
			return attempt, ctx.Err()
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
