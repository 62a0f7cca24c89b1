// Package resilience holds the reliability policy applied around every
// outbound call: a rate limiter, a per-server circuit breaker and a
// retry loop, composed once by [Call] so individual operations never
// decide retryability themselves.
//
// Order per call: the rate limit is checked once and refuses fast with
// a retry-after hint; then each attempt asks the breaker, runs, and
// records its outcome; retryable failures are re-attempted with
// exponential backoff and jitter.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nugget/mcplink/internal/config"
	"github.com/nugget/mcplink/internal/events"
	"github.com/nugget/mcplink/internal/mcperr"
)

// GuardOptions configures a Guard.
type GuardOptions struct {
	Server string

	// MaxCalls per Window; zero disables rate limiting.
	MaxCalls int
	Window   time.Duration
	// PerTool keys the rate limit by (server, target).
	PerTool bool

	Breaker BreakerConfig
	Retry   RetryPolicy

	Bus    *events.Bus
	Logger *slog.Logger
}

// Guard applies the policy for one server.
type Guard struct {
	server  string
	limiter *Limiter
	perTool bool
	breaker *Breaker
	retry   RetryPolicy
	logger  *slog.Logger
	sleep   func(context.Context, time.Duration) error

	calls        atomic.Int64
	retries      atomic.Int64
	rateLimited  atomic.Int64
	shortCircuit atomic.Int64
}

// GuardStats counts what a Guard has done.
type GuardStats struct {
	Calls        int64         `json:"calls"`
	Retries      int64         `json:"retries"`
	RateLimited  int64         `json:"rate_limited"`
	ShortCircuit int64         `json:"short_circuited"`
	Breaker      BreakerStatus `json:"breaker"`
}

// NewGuard builds a guard. Breaker transitions are logged and published
// on opts.Bus.
func NewGuard(opts GuardOptions) *Guard {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("mcp_server", opts.Server)

	g := &Guard{
		server:  opts.Server,
		limiter: NewLimiter(opts.MaxCalls, opts.Window),
		perTool: opts.PerTool,
		retry:   opts.Retry.withDefaults(),
		logger:  logger,
		sleep:   sleep,
	}
	g.breaker = NewBreaker(opts.Server, opts.Breaker, func(from, to State) {
		level := slog.LevelInfo
		if to == StateOpen {
			level = slog.LevelWarn
		}
		logger.Log(context.Background(), level, "circuit breaker transition",
			"from", from.String(), "to", to.String())
		opts.Bus.Emit(events.SourceBreaker, events.KindCircuitChange, map[string]any{
			"server": opts.Server,
			"from":   from.String(),
			"to":     to.String(),
		})
	})
	return g
}

// ForServer builds the guard described by a server's config.
func ForServer(desc config.ServerConfig, bus *events.Bus, logger *slog.Logger) *Guard {
	return NewGuard(GuardOptions{
		Server:   desc.Name,
		MaxCalls: desc.RateLimit.MaxCalls,
		Window:   desc.RateLimit.Window,
		PerTool:  desc.RateLimit.PerTool,
		Breaker: BreakerConfig{
			Threshold: desc.Breaker.Threshold,
			Window:    desc.Breaker.Window,
			Cooldown:  desc.Breaker.Cooldown,
		},
		Retry: RetryPolicy{
			MaxAttempts: desc.Retry.MaxAttempts,
			BaseDelay:   desc.Retry.BaseDelay,
			MaxDelay:    desc.Retry.MaxDelay,
			Multiplier:  desc.Retry.Multiplier,
			Jitter:      desc.Retry.Jitter,
		},
		Bus:    bus,
		Logger: logger,
	})
}

// Breaker exposes the guard's circuit breaker.
func (g *Guard) Breaker() *Breaker { return g.breaker }

// Stats returns counters and the breaker snapshot.
func (g *Guard) Stats() GuardStats {
	return GuardStats{
		Calls:        g.calls.Load(),
		Retries:      g.retries.Load(),
		RateLimited:  g.rateLimited.Load(),
		ShortCircuit: g.shortCircuit.Load(),
		Breaker:      g.breaker.Status(),
	}
}

func (g *Guard) limitKey(target string) string {
	if g.perTool && target != "" {
		return g.server + "/" + target
	}
	return g.server
}

// Call runs fn under g's policy. target names the tool, uri or prompt
// for per-tool limits and error context. A nil guard runs fn directly.
func Call[T any](ctx context.Context, g *Guard, target string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if g == nil {
		return fn(ctx)
	}
	g.calls.Add(1)

	if ok, wait := g.limiter.Allow(g.limitKey(target)); !ok {
		g.rateLimited.Add(1)
		return zero, &mcperr.Error{
			Kind:       mcperr.KindRateLimit,
			Server:     g.server,
			Op:         "call",
			Target:     target,
			Err:        errors.New("rate limit exceeded"),
			RetryAfter: wait,
		}
	}

	for attempt := 1; ; attempt++ {
		if err := g.breaker.Allow(); err != nil {
			g.shortCircuit.Add(1)
			var e *mcperr.Error
			if errors.As(err, &e) && target != "" {
				return zero, e.WithTarget(target)
			}
			return zero, err
		}

		v, err := fn(ctx)
		if err != nil && ctx.Err() != nil {
			// The caller gave up; the server is not to blame.
			g.breaker.Release()
			return zero, err
		}
		g.breaker.Record(err)
		if err == nil {
			return v, nil
		}

		if !mcperr.IsRetryable(err) || attempt >= g.retry.MaxAttempts {
			return zero, err
		}
		delay := g.retry.Delay(attempt, err)
		g.retries.Add(1)
		g.logger.Debug("retrying call",
			"target", target,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		if g.sleep(ctx, delay) != nil {
			return zero, err
		}
	}
}
