// Package connwatch supervises the health of live server connections.
//
// A [Watcher] probes one connection on its own timer, independent of
// in-flight calls. Until the first success it probes on the backoff
// schedule (skipped with StartReady when the connection is already up);
// after that it polls at a fixed interval and reports ready/down
// transitions through callbacks. [Retry] exposes the same backoff
// schedule for reconnect loops.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether a server is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// WatcherConfig configures a single watcher. Name and Probe are
// required.
type WatcherConfig struct {
	Name    string
	Probe   ProbeFunc
	Backoff BackoffConfig

	// StartReady skips the startup phase for a connection that is
	// already established; the first failed poll reports it down.
	StartReady bool

	// OnReady and OnDown run on their own goroutine at each transition.
	OnReady func()
	OnDown  func(err error)

	Logger *slog.Logger
}

// ServiceStatus is a watcher's last observation.
type ServiceStatus struct {
	Name      string        `json:"name"`
	Ready     bool          `json:"ready"`
	LastCheck time.Time     `json:"last_check"`
	Latency   time.Duration `json:"latency"`
	Failures  int           `json:"consecutive_failures"`
	LastError string        `json:"last_error,omitempty"`
}

// Watcher monitors one connection.
type Watcher struct {
	cfg    WatcherConfig
	log    *slog.Logger
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status ServiceStatus
	err    error
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool { return w.ready.Load() }

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Status returns a copy of the current observation.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.status
	s.Ready = w.ready.Load()
	return s
}

// Wait blocks until the watcher goroutine exits.
func (w *Watcher) Wait() { <-w.done }

// Stop cancels the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	if w.cfg.StartReady {
		w.ready.Store(true)
	} else if !w.startup(ctx) {
		return
	}

	tick := time.NewTicker(w.cfg.Backoff.PollInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		err := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		w.transition(err)
	}
}

// startup probes on the backoff schedule until the first success. It
// returns false when ctx ended.
func (w *Watcher) startup(ctx context.Context) bool {
	max := w.cfg.Backoff.MaxRetries
	n, err := Retry(ctx, w.cfg.Backoff, func(ctx context.Context, attempt int) error {
		err := w.probe(ctx)
		if err != nil && attempt < max {
			w.log.Debug("startup probe failed",
				"mcp_server", w.cfg.Name, "attempt", attempt, "max_retries", max, "error", err)
		}
		return err
	})
	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		w.log.Info("server unreachable at startup, polling in background",
			"mcp_server", w.cfg.Name, "attempts", n, "error", err)
		return true
	}
	w.ready.Store(true)
	w.log.Info("server reachable", "mcp_server", w.cfg.Name, "after_attempts", n)
	if w.cfg.OnReady != nil {
		go w.cfg.OnReady()
	}
	return true
}

// transition applies one poll result and fires the matching callback
// when readiness flips.
func (w *Watcher) transition(err error) {
	up := err == nil
	was := w.ready.Swap(up)
	switch {
	case was == up && up:
	case was == up:
		w.log.Debug("server still unhealthy", "mcp_server", w.cfg.Name, "error", err)
	case up:
		w.log.Info("server recovered", "mcp_server", w.cfg.Name)
		if w.cfg.OnReady != nil {
			go w.cfg.OnReady()
		}
	default:
		w.log.Info("server health check failed", "mcp_server", w.cfg.Name, "error", err)
		if w.cfg.OnDown != nil {
			go w.cfg.OnDown(err)
		}
	}
}

// probe runs one bounded probe and records its outcome.
func (w *Watcher) probe(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, w.cfg.Backoff.ProbeTimeout)
	defer cancel()

	start := time.Now()
	err := w.cfg.Probe(pctx)
	now := time.Now()

	w.mu.Lock()
	defer w.mu.Unlock()
	w.err = err
	w.status.LastCheck = now
	w.status.Latency = now.Sub(start)
	w.status.LastError = ""
	if err != nil {
		w.status.Failures++
		w.status.LastError = err.Error()
	} else {
		w.status.Failures = 0
	}
	return err
}

// Manager owns the watchers of a pool, one per server name.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager returns an empty manager. A nil logger means slog.Default().
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{watchers: make(map[string]*Watcher), logger: logger}
}

// Watch starts a watcher, replacing and stopping any watcher already
// registered under the same name. It runs until ctx ends or it is
// stopped. An empty Name or nil Probe panics.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	cfg.Backoff = cfg.Backoff.withDefaults()
	log := cfg.Logger
	if log == nil {
		log = m.logger
	}

	wctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		cfg:    cfg,
		log:    log,
		cancel: cancel,
		done:   make(chan struct{}),
		status: ServiceStatus{Name: cfg.Name},
	}

	m.mu.Lock()
	old := m.watchers[cfg.Name]
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	go w.run(wctx)
	return w
}

// Unwatch stops and forgets the named watcher, reporting whether one
// was registered.
func (m *Manager) Unwatch(name string) bool {
	m.mu.Lock()
	w, ok := m.watchers[name]
	delete(m.watchers, name)
	m.mu.Unlock()
	if ok {
		w.Stop()
	}
	return ok
}

// Get returns the named watcher.
func (m *Manager) Get(name string) (*Watcher, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.watchers[name]
	return w, ok
}

// Status snapshots every watcher.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		out[name] = w.Status()
	}
	return out
}

// Stop shuts down every watcher and waits for them.
func (m *Manager) Stop() {
	m.mu.Lock()
	ws := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		ws = append(ws, w)
	}
	clear(m.watchers)
	m.mu.Unlock()

	for _, w := range ws {
		w.Stop()
	}
}
