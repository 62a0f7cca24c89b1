package security

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/mcplink/internal/mcperr"
)

var (
	// ErrOutputLimit is the cause when a subprocess writes too much.
	ErrOutputLimit = errors.New("output limit exceeded")
	// ErrRuntimeLimit is the cause when a subprocess runs too long.
	ErrRuntimeLimit = errors.New("runtime limit exceeded")
)

// Limits bound a running subprocess. Zero fields are unlimited.
type Limits struct {
	MaxOutputBytes int64
	MaxRuntime     time.Duration
}

// Monitor enforces Limits. When a limit trips, kill is called exactly
// once with a permanent security error.
type Monitor struct {
	limits Limits
	kill   func(error)
	used   atomic.Int64

	once  sync.Once
	mu    sync.Mutex
	timer *time.Timer
}

// NewMonitor creates a monitor. kill must be safe to call from any
// goroutine.
func NewMonitor(l Limits, kill func(error)) *Monitor {
	return &Monitor{limits: l, kill: kill}
}

// Start arms the runtime limit.
func (m *Monitor) Start() {
	if m.limits.MaxRuntime <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timer = time.AfterFunc(m.limits.MaxRuntime, func() {
		m.trip(fmt.Errorf("%w: ran longer than %s", ErrRuntimeLimit, m.limits.MaxRuntime))
	})
}

// Stop disarms the runtime limit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
	}
}

// Add counts n output bytes and reports whether the process is still
// within its limits.
func (m *Monitor) Add(n int) bool {
	total := m.used.Add(int64(n))
	if m.limits.MaxOutputBytes > 0 && total > m.limits.MaxOutputBytes {
		m.trip(fmt.Errorf("%w: %d bytes > %d", ErrOutputLimit, total, m.limits.MaxOutputBytes))
		return false
	}
	return true
}

// Used returns the output volume counted so far.
func (m *Monitor) Used() int64 {
	return m.used.Load()
}

// Reader wraps r so every byte read is counted.
func (m *Monitor) Reader(r io.Reader) io.Reader {
	return &countingReader{r: r, m: m}
}

func (m *Monitor) trip(cause error) {
	m.once.Do(func() {
		m.Stop()
		m.kill(&mcperr.Error{
			Kind:      mcperr.KindSecurity,
			Op:        "monitor",
			Err:       cause,
			Permanent: true,
		})
	})
}

type countingReader struct {
	r io.Reader
	m *Monitor
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 && !c.m.Add(n) {
		return n, ErrOutputLimit
	}
	return n, err
}
