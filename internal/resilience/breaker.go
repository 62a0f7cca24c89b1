package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nugget/mcplink/internal/mcperr"
)

// State is a circuit breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Breaker defaults.
const (
	DefaultThreshold = 5
	DefaultWindow    = time.Minute
	DefaultCooldown  = 30 * time.Second
)

// BreakerConfig tunes a Breaker. Zero fields take defaults.
type BreakerConfig struct {
	// Threshold is the number of consecutive failures that opens the
	// circuit.
	Threshold int
	// Window bounds how far apart those failures may be; a failure
	// after the window has lapsed starts a new count.
	Window   time.Duration
	Cooldown time.Duration
}

// BreakerStatus is a point-in-time view of a breaker.
type BreakerStatus struct {
	State     string    `json:"state"`
	Failures  int       `json:"failures"`
	Trips     int       `json:"trips"`
	OpenedAt  time.Time `json:"opened_at,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Breaker is a per-server circuit breaker. Only server faults (see
// mcperr.IsServerFault) count as failures; caller mistakes and local
// short-circuits leave the count untouched.
type Breaker struct {
	name     string
	cfg      BreakerConfig
	now      func() time.Time
	onChange func(from, to State)

	mu          sync.Mutex
	state       State
	failures    int
	windowStart time.Time
	openedAt    time.Time
	trial       bool
	trips       int
	lastErr     string
}

// NewBreaker creates a closed breaker for the named server. onChange,
// if non-nil, is called synchronously after every transition and must
// not call back into the breaker.
func NewBreaker(name string, cfg BreakerConfig, onChange func(from, to State)) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	return &Breaker{name: name, cfg: cfg, now: time.Now, onChange: onChange}
}

// Allow reports whether a call may proceed. While open it returns a
// circuit-open error carrying the remaining cooldown. Once the cooldown
// has elapsed exactly one trial call is admitted; others are refused
// until that trial is recorded.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	now := b.now()
	var from State
	changed := false

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return nil
	case StateOpen:
		remaining := b.openedAt.Add(b.cfg.Cooldown).Sub(now)
		if remaining > 0 {
			b.mu.Unlock()
			return b.refusal(remaining)
		}
		from, changed = b.state, true
		b.state = StateHalfOpen
		b.trial = true
	case StateHalfOpen:
		if b.trial {
			b.mu.Unlock()
			return b.refusal(0)
		}
		b.trial = true
	}
	b.mu.Unlock()

	if changed {
		b.notify(from, StateHalfOpen)
	}
	return nil
}

func (b *Breaker) refusal(retryAfter time.Duration) error {
	msg := "circuit open: trial call in progress"
	if retryAfter > 0 {
		msg = fmt.Sprintf("circuit open for another %s", retryAfter.Round(time.Millisecond))
	}
	return &mcperr.Error{
		Kind:       mcperr.KindCircuitOpen,
		Server:     b.name,
		Op:         "call",
		Err:        errors.New(msg),
		RetryAfter: retryAfter,
	}
}

// Record reports the outcome of a call admitted by Allow.
func (b *Breaker) Record(err error) {
	fault := mcperr.IsServerFault(err)

	b.mu.Lock()
	now := b.now()
	from := b.state
	to := from

	switch b.state {
	case StateHalfOpen:
		b.trial = false
		if fault {
			to = b.open(now, err)
		} else {
			b.state, to = StateClosed, StateClosed
			b.failures = 0
		}
	case StateClosed:
		if !fault {
			b.failures = 0
			break
		}
		if b.failures == 0 || now.Sub(b.windowStart) > b.cfg.Window {
			b.failures = 0
			b.windowStart = now
		}
		b.failures++
		b.lastErr = err.Error()
		if b.failures >= b.cfg.Threshold {
			to = b.open(now, err)
		}
	case StateOpen:
		// Outcome of a call admitted before the circuit opened.
	}
	b.mu.Unlock()

	if to != from {
		b.notify(from, to)
	}
}

// Release abandons an admitted call without recording an outcome, as
// when the caller gave up. A pending half-open trial slot is freed.
func (b *Breaker) Release() {
	b.mu.Lock()
	if b.state == StateHalfOpen {
		b.trial = false
	}
	b.mu.Unlock()
}

// open trips the breaker. Caller must hold b.mu.
func (b *Breaker) open(now time.Time, err error) State {
	b.state = StateOpen
	b.openedAt = now
	b.failures = 0
	b.trips++
	b.lastErr = err.Error()
	return StateOpen
}

func (b *Breaker) notify(from, to State) {
	if b.onChange != nil {
		b.onChange(from, to)
	}
}

// State returns the current position. An open breaker whose cooldown
// has elapsed still reports open until the next Allow.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status returns a snapshot.
func (b *Breaker) Status() BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := BreakerStatus{
		State:     b.state.String(),
		Failures:  b.failures,
		Trips:     b.trips,
		LastError: b.lastErr,
	}
	if b.state != StateClosed {
		s.OpenedAt = b.openedAt
	}
	return s
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures = 0
	b.trial = false
	b.lastErr = ""
	b.mu.Unlock()
	if from != StateClosed {
		b.notify(from, StateClosed)
	}
}
