package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/mcplink/internal/config"
	"github.com/nugget/mcplink/internal/events"
	"github.com/nugget/mcplink/internal/mcperr"
)

// clock is a manually advanced time source.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func connErr() error {
	return mcperr.Errorf(mcperr.KindConnection, "x", "tools/call", "connection refused")
}

func TestLimiter_ExactlyMaxThenRetryAfter(t *testing.T) {
	t.Parallel()
	clk := newClock()
	l := NewLimiter(3, time.Second)
	l.now = clk.Now

	for i := range 3 {
		if ok, _ := l.Allow("x"); !ok {
			t.Fatalf("call %d refused within budget", i+1)
		}
	}
	ok, wait := l.Allow("x")
	if ok {
		t.Fatal("call 4 allowed, want refusal")
	}
	if wait != time.Second {
		t.Errorf("retry-after = %v, want 1s", wait)
	}

	// Halfway through the window nothing has been given back.
	clk.Advance(500 * time.Millisecond)
	ok, wait = l.Allow("x")
	if ok {
		t.Fatal("mid-window call allowed, want refusal")
	}
	if wait != 500*time.Millisecond {
		t.Errorf("mid-window retry-after = %v, want 500ms", wait)
	}

	// Refused calls count for nothing: once the window closes the full
	// budget is back.
	clk.Advance(wait)
	for i := range 3 {
		if ok, _ := l.Allow("x"); !ok {
			t.Errorf("call %d refused in the next window", i+1)
		}
	}
	if ok, _ := l.Allow("x"); ok {
		t.Error("fourth call of the next window allowed")
	}

	// Keys are independent.
	if ok, _ := l.Allow("y"); !ok {
		t.Error("fresh key refused")
	}
}

func TestLimiter_FullRefillAfterWindow(t *testing.T) {
	t.Parallel()
	clk := newClock()
	l := NewLimiter(2, time.Minute)
	l.now = clk.Now
	l.Allow("k")
	l.Allow("k")
	clk.Advance(time.Minute)
	for i := range 2 {
		if ok, _ := l.Allow("k"); !ok {
			t.Errorf("call %d refused after a full window", i+1)
		}
	}
}

func TestLimiter_DisabledAndEvict(t *testing.T) {
	t.Parallel()
	disabled := NewLimiter(0, time.Second)
	if disabled != nil {
		t.Fatal("zero MaxCalls should disable the limiter")
	}
	if ok, _ := disabled.Allow("x"); !ok {
		t.Error("nil limiter refused")
	}

	clk := newClock()
	l := NewLimiter(1, time.Second)
	l.now = clk.Now
	l.Allow("old")
	clk.Advance(2 * time.Hour)
	l.Allow("new")
	if n := l.Evict(time.Hour); n != 1 {
		t.Errorf("Evict = %d, want 1", n)
	}
	if l.Len() != 1 {
		t.Errorf("Len = %d, want 1", l.Len())
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	t.Parallel()
	clk := newClock()
	b := NewBreaker("x", BreakerConfig{Threshold: 5, Cooldown: 10 * time.Second}, nil)
	b.now = clk.Now

	for i := range 4 {
		if err := b.Allow(); err != nil {
			t.Fatalf("Allow %d: %v", i+1, err)
		}
		b.Record(connErr())
	}
	if b.State() != StateClosed {
		t.Fatalf("state after 4 failures = %v, want closed", b.State())
	}
	b.Allow()
	b.Record(connErr())
	if b.State() != StateOpen {
		t.Fatalf("state after 5 failures = %v, want open", b.State())
	}

	err := b.Allow()
	if !errors.Is(err, mcperr.ErrCircuitOpen) {
		t.Fatalf("Allow while open = %v, want circuit open", err)
	}
	if ra := mcperr.RetryAfter(err); ra != 10*time.Second {
		t.Errorf("RetryAfter = %v, want 10s", ra)
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	t.Parallel()
	b := NewBreaker("x", BreakerConfig{Threshold: 3}, nil)
	for range 2 {
		b.Allow()
		b.Record(connErr())
	}
	b.Allow()
	b.Record(nil)
	for range 2 {
		b.Allow()
		b.Record(connErr())
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed: failures were not consecutive", b.State())
	}
}

func TestBreaker_WindowLapseRestartsCount(t *testing.T) {
	t.Parallel()
	clk := newClock()
	b := NewBreaker("x", BreakerConfig{Threshold: 3, Window: time.Minute}, nil)
	b.now = clk.Now
	for range 2 {
		b.Allow()
		b.Record(connErr())
	}
	clk.Advance(2 * time.Minute)
	b.Allow()
	b.Record(connErr())
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed after the window lapsed", b.State())
	}
	if got := b.Status().Failures; got != 1 {
		t.Errorf("failures = %d, want 1", got)
	}
}

func TestBreaker_CallerMistakesDoNotCount(t *testing.T) {
	t.Parallel()
	b := NewBreaker("x", BreakerConfig{Threshold: 2}, nil)
	for _, err := range []error{
		mcperr.Errorf(mcperr.KindValidation, "x", "tools/call", "bad args"),
		mcperr.Errorf(mcperr.KindToolNotFound, "x", "tools/call", "missing"),
		mcperr.Errorf(mcperr.KindTool, "x", "tools/call", "tool said no"),
		mcperr.Errorf(mcperr.KindValidation, "x", "tools/call", "bad args"),
	} {
		b.Allow()
		b.Record(err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestBreaker_HalfOpenAdmitsExactlyOneTrial(t *testing.T) {
	t.Parallel()
	clk := newClock()
	var transitions []string
	var mu sync.Mutex
	b := NewBreaker("x", BreakerConfig{Threshold: 1, Cooldown: time.Second}, func(from, to State) {
		mu.Lock()
		transitions = append(transitions, from.String()+">"+to.String())
		mu.Unlock()
	})
	b.now = clk.Now

	b.Allow()
	b.Record(connErr())
	clk.Advance(time.Second)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Allow() == nil {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	if n := admitted.Load(); n != 1 {
		t.Fatalf("admitted %d calls after cooldown, want exactly 1", n)
	}

	// Failed trial reopens and restarts the cooldown.
	b.Record(connErr())
	if b.State() != StateOpen {
		t.Fatalf("state after failed trial = %v, want open", b.State())
	}
	if err := b.Allow(); !errors.Is(err, mcperr.ErrCircuitOpen) {
		t.Fatalf("Allow right after reopen = %v", err)
	}

	// Successful trial closes.
	clk.Advance(time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("second trial refused: %v", err)
	}
	b.Record(nil)
	if b.State() != StateClosed {
		t.Errorf("state after good trial = %v, want closed", b.State())
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"closed>open", "open>half-open", "half-open>open", "open>half-open", "half-open>closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestBreaker_ReleaseFreesTrial(t *testing.T) {
	t.Parallel()
	clk := newClock()
	b := NewBreaker("x", BreakerConfig{Threshold: 1, Cooldown: time.Second}, nil)
	b.now = clk.Now
	b.Allow()
	b.Record(connErr())
	clk.Advance(time.Second)

	if err := b.Allow(); err != nil {
		t.Fatal(err)
	}
	b.Release()
	if err := b.Allow(); err != nil {
		t.Errorf("trial slot not freed by Release: %v", err)
	}
}

func TestRetryPolicy_Delay(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, Jitter: 0.2}.withDefaults()

	for attempt, nominal := range map[int]time.Duration{1: 100 * time.Millisecond, 2: 200 * time.Millisecond, 3: 400 * time.Millisecond, 10: time.Second} {
		for range 20 {
			d := p.Delay(attempt, errors.New("x"))
			lo, hi := time.Duration(float64(nominal)*0.8), time.Duration(float64(nominal)*1.2)
			if d < lo || d > hi {
				t.Fatalf("Delay(%d) = %v, want within [%v, %v]", attempt, d, lo, hi)
			}
		}
	}

	hinted := &mcperr.Error{Kind: mcperr.KindRateLimit, RetryAfter: 3 * time.Second}
	if d := p.Delay(1, hinted); d != 3*time.Second {
		t.Errorf("Delay with retry-after = %v, want 3s", d)
	}
}

// testGuard builds a guard whose sleeps are recorded instead of taken.
func testGuard(t *testing.T, opts GuardOptions) (*Guard, *[]time.Duration) {
	t.Helper()
	g := NewGuard(opts)
	var slept []time.Duration
	g.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return g, &slept
}

func TestCall_RetriesOnlyRetryable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		err       error
		wantCalls int
	}{
		{"timeout", mcperr.Errorf(mcperr.KindTimeout, "x", "tools/call", "slow"), 3},
		{"transport", mcperr.Errorf(mcperr.KindTransport, "x", "write", "broken pipe"), 3},
		{"flagged tool", &mcperr.Error{Kind: mcperr.KindTool, Flagged: true}, 3},
		{"validation", mcperr.Errorf(mcperr.KindValidation, "x", "tools/call", "bad"), 1},
		{"not found", mcperr.Errorf(mcperr.KindToolNotFound, "x", "tools/call", "nope"), 1},
		{"protocol", mcperr.Errorf(mcperr.KindProtocol, "x", "tools/call", "garbage"), 1},
		{"permanent transport", &mcperr.Error{Kind: mcperr.KindTransport, Permanent: true}, 1},
		{"untyped", errors.New("mystery"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g, slept := testGuard(t, GuardOptions{Server: "x", Retry: RetryPolicy{MaxAttempts: 3}, Breaker: BreakerConfig{Threshold: 100}})
			calls := 0
			_, err := Call(context.Background(), g, "echo", func(context.Context) (int, error) {
				calls++
				return 0, tt.err
			})
			if !errors.Is(err, tt.err) {
				t.Errorf("err = %v, want %v", err, tt.err)
			}
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if len(*slept) != tt.wantCalls-1 {
				t.Errorf("sleeps = %d, want %d", len(*slept), tt.wantCalls-1)
			}
		})
	}
}

func TestCall_SucceedsAfterTransientFailure(t *testing.T) {
	t.Parallel()
	g, _ := testGuard(t, GuardOptions{Server: "x"})
	calls := 0
	v, err := Call(context.Background(), g, "", func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", connErr()
		}
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("Call = (%q, %v)", v, err)
	}
	if st := g.Stats(); st.Retries != 1 || st.Breaker.Failures != 0 {
		t.Errorf("stats = %+v", st)
	}
}

// Five consecutive connection errors open the breaker; the sixth call
// never reaches the server; after the cooldown one call goes through.
func TestCall_BreakerShortCircuitsWithoutTouchingServer(t *testing.T) {
	t.Parallel()
	clk := newClock()
	bus := events.New()
	sub := bus.Subscribe(8, events.KindCircuitChange)
	g, _ := testGuard(t, GuardOptions{
		Server:  "x",
		Retry:   RetryPolicy{MaxAttempts: 1},
		Breaker: BreakerConfig{Threshold: 5, Cooldown: 30 * time.Second},
		Bus:     bus,
	})
	g.breaker.now = clk.Now

	var touched atomic.Int32
	failing := func(context.Context) (struct{}, error) {
		touched.Add(1)
		return struct{}{}, connErr()
	}
	for range 5 {
		Call(context.Background(), g, "t", failing)
	}
	if touched.Load() != 5 {
		t.Fatalf("server touched %d times, want 5", touched.Load())
	}

	_, err := Call(context.Background(), g, "t", failing)
	if !errors.Is(err, mcperr.ErrCircuitOpen) {
		t.Fatalf("6th call err = %v, want circuit open", err)
	}
	if touched.Load() != 5 {
		t.Error("6th call reached the server")
	}
	var e *mcperr.Error
	if errors.As(err, &e) && e.Target != "t" {
		t.Errorf("circuit error target = %q", e.Target)
	}

	select {
	case ev := <-sub:
		if ev.Data["to"] != "open" || ev.Data["server"] != "x" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Error("no circuit_change event published")
	}

	clk.Advance(30 * time.Second)
	Call(context.Background(), g, "t", failing)
	if touched.Load() != 6 {
		t.Errorf("after cooldown server touched %d times, want 6", touched.Load())
	}
}

func TestCall_RateLimitFailsFast(t *testing.T) {
	t.Parallel()
	g, _ := testGuard(t, GuardOptions{Server: "x", MaxCalls: 2, Window: time.Minute, PerTool: true})
	ok := func(context.Context) (int, error) { return 1, nil }

	for range 2 {
		if _, err := Call(context.Background(), g, "a", ok); err != nil {
			t.Fatal(err)
		}
	}
	_, err := Call(context.Background(), g, "a", ok)
	if !errors.Is(err, mcperr.ErrRateLimit) {
		t.Fatalf("err = %v, want rate limit", err)
	}
	if mcperr.RetryAfter(err) <= 0 {
		t.Error("rate limit error lacks retry-after")
	}
	if _, err := Call(context.Background(), g, "b", ok); err != nil {
		t.Errorf("per-tool limit leaked across tools: %v", err)
	}
	if g.Stats().RateLimited != 1 {
		t.Errorf("RateLimited = %d", g.Stats().RateLimited)
	}
}

func TestCall_CallerCancelNotCounted(t *testing.T) {
	t.Parallel()
	g, _ := testGuard(t, GuardOptions{Server: "x", Breaker: BreakerConfig{Threshold: 1}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Call(ctx, g, "", func(ctx context.Context) (int, error) { return 0, ctx.Err() })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if g.Breaker().State() != StateClosed {
		t.Error("caller cancellation tripped the breaker")
	}
}

func TestForServer(t *testing.T) {
	t.Parallel()
	g := ForServer(config.ServerConfig{
		Name:      "docs",
		RateLimit: config.RateLimitConfig{MaxCalls: 10, Window: time.Second},
		Breaker:   config.BreakerConfig{Threshold: 2},
		Retry:     config.RetryConfig{MaxAttempts: 4},
	}, nil, nil)
	if g.limiter == nil || g.retry.MaxAttempts != 4 || g.breaker.cfg.Threshold != 2 {
		t.Errorf("guard not built from config: limiter=%v retry=%+v breaker=%+v", g.limiter, g.retry, g.breaker.cfg)
	}
	if g.retry.BaseDelay != DefaultBaseDelay {
		t.Errorf("BaseDelay = %v, want default", g.retry.BaseDelay)
	}
	if g.retry.Jitter != DefaultJitter {
		t.Errorf("Jitter = %v, want default %v", g.retry.Jitter, DefaultJitter)
	}

	// An unconfigured server still spreads its retries.
	distinct := make(map[time.Duration]bool)
	for range 50 {
		distinct[g.retry.Delay(2, errors.New("x"))] = true
	}
	if len(distinct) < 2 {
		t.Errorf("50 default delays produced %d distinct values, want jitter", len(distinct))
	}
}

func TestRetryPolicy_JitterDisabled(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, Multiplier: 2, Jitter: -1}.withDefaults()
	for range 10 {
		if d := p.Delay(2, errors.New("x")); d != 200*time.Millisecond {
			t.Fatalf("Delay(2) = %v, want exactly 200ms with jitter off", d)
		}
	}
}

func TestCall_NilGuard(t *testing.T) {
	t.Parallel()
	v, err := Call(context.Background(), nil, "", func(context.Context) (int, error) { return 7, nil })
	if v != 7 || err != nil {
		t.Errorf("Call(nil guard) = (%d, %v)", v, err)
	}
}
