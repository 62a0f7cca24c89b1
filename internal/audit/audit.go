// Package audit keeps an append-only, bounded record of every
// connection-level operation: connects, disconnects, tool invocations,
// resource reads and prompt fetches. Metadata is redacted before it is
// stored, so credentials passed as tool arguments never reach memory or
// any sink in cleartext.
//
// Entries are retained in memory up to a fixed count, oldest dropped
// first, and optionally forwarded to external sinks (SQLite, a Redis
// stream, MQTT) through a bounded asynchronous queue.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Type classifies an audited operation.
type Type string

const (
	TypeConnect    Type = "connect"
	TypeDisconnect Type = "disconnect"
	TypeInvoke     Type = "invoke"
	TypeRead       Type = "read"
	TypePrompt     Type = "prompt"
	TypeList       Type = "list"
)

// Defaults.
const (
	DefaultMaxEntries = 10000
	DefaultQueueSize  = 1024
	sinkTimeout       = 5 * time.Second
)

// Entry is one immutable audit record.
type Entry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      Type           `json:"type"`
	Server    string         `json:"server"`
	Target    string         `json:"target,omitempty"`
	Success   bool           `json:"success"`
	Duration  time.Duration  `json:"duration"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Sink receives forwarded entries. Write is called from a single
// goroutine; Close is called once after the last Write.
type Sink interface {
	Name() string
	Write(ctx context.Context, e Entry) error
	Close() error
}

// Config sizes a Log. Zero values take defaults.
type Config struct {
	MaxEntries int
	// QueueSize bounds entries waiting to be forwarded to sinks.
	QueueSize int
	Logger    *slog.Logger
}

// Log is the audit log. A nil *Log records nothing.
type Log struct {
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	buf     []Entry
	head    int // index of the oldest entry once buf is full
	max     int
	closed  bool
	sinks   []Sink
	queue   chan Entry
	done    chan struct{}
	dropped atomic.Int64
	forward atomic.Int64
	failed  atomic.Int64
}

// New creates a log forwarding to sinks.
func New(cfg Config, sinks ...Sink) *Log {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	l := &Log{
		logger: logger,
		now:    time.Now,
		max:    cfg.MaxEntries,
		sinks:  sinks,
		done:   make(chan struct{}),
	}
	if len(sinks) > 0 {
		l.queue = make(chan Entry, cfg.QueueSize)
		go l.run()
	} else {
		close(l.done)
	}
	return l
}

// Record stores e and returns the stored copy. The id and timestamp are
// filled in when empty and the metadata is replaced by a redacted deep
// copy; the caller's map is never retained or modified.
func (l *Log) Record(e Entry) Entry {
	if l == nil {
		return e
	}
	if e.ID == "" {
		if id, err := uuid.NewV7(); err == nil {
			e.ID = id.String()
		} else {
			e.ID = uuid.NewString()
		}
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	e.Metadata = Redact(e.Metadata)

	l.mu.Lock()
	if len(l.buf) < l.max {
		l.buf = append(l.buf, e)
	} else {
		l.buf[l.head] = e
		l.head = (l.head + 1) % l.max
	}
	if l.queue != nil && !l.closed {
		select {
		case l.queue <- e:
		default:
			l.dropped.Add(1)
			l.logger.Warn("audit sink queue full, entry not forwarded",
				"id", e.ID, "type", e.Type, "server", e.Server)
		}
	}
	l.mu.Unlock()
	return e
}

// ordered returns entries oldest first. Caller holds l.mu.
func (l *Log) ordered() []Entry {
	out := make([]Entry, 0, len(l.buf))
	out = append(out, l.buf[l.head:]...)
	out = append(out, l.buf[:l.head]...)
	return out
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	if l == nil {
		return 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buf)
}

// Filter selects entries. Zero fields match everything.
type Filter struct {
	Type   Type
	Server string
	Target string
	Since  time.Time
	Until  time.Time
	// Success, if non-nil, keeps only successes or only failures.
	Success *bool
	// Limit keeps the most recent N matches.
	Limit int
}

func (f Filter) match(e Entry) bool {
	switch {
	case f.Type != "" && e.Type != f.Type:
		return false
	case f.Server != "" && e.Server != f.Server:
		return false
	case f.Target != "" && e.Target != f.Target:
		return false
	case !f.Since.IsZero() && e.Timestamp.Before(f.Since):
		return false
	case !f.Until.IsZero() && !e.Timestamp.Before(f.Until):
		return false
	case f.Success != nil && e.Success != *f.Success:
		return false
	}
	return true
}

// Query returns matching entries, oldest first.
func (l *Log) Query(f Filter) []Entry {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	all := l.ordered()
	l.mu.RUnlock()

	out := all[:0]
	for _, e := range all {
		if f.match(e) {
			out = append(out, e)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// Stats aggregates retained entries.
type Stats struct {
	Total        int            `json:"total"`
	Succeeded    int            `json:"succeeded"`
	Failed       int            `json:"failed"`
	SuccessRate  float64        `json:"success_rate"`
	AvgDuration  time.Duration  `json:"avg_duration"`
	ByType       map[Type]int   `json:"by_type"`
	ByServer     map[string]int `json:"by_server"`
	Forwarded    int64          `json:"forwarded"`
	ForwardDrops int64          `json:"forward_drops"`
	SinkErrors   int64          `json:"sink_errors"`
}

// Stats aggregates the entries selected by f.
func (l *Log) Stats(f Filter) Stats {
	s := Stats{ByType: map[Type]int{}, ByServer: map[string]int{}}
	if l == nil {
		return s
	}
	var total time.Duration
	for _, e := range l.Query(f) {
		s.Total++
		if e.Success {
			s.Succeeded++
		} else {
			s.Failed++
		}
		s.ByType[e.Type]++
		s.ByServer[e.Server]++
		total += e.Duration
	}
	if s.Total > 0 {
		s.SuccessRate = float64(s.Succeeded) / float64(s.Total)
		s.AvgDuration = total / time.Duration(s.Total)
	}
	s.Forwarded = l.forward.Load()
	s.ForwardDrops = l.dropped.Load()
	s.SinkErrors = l.failed.Load()
	return s
}

// run forwards queued entries to every sink in order.
func (l *Log) run() {
	defer close(l.done)
	for e := range l.queue {
		for _, s := range l.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
			err := s.Write(ctx, e)
			cancel()
			if err != nil {
				l.failed.Add(1)
				l.logger.Warn("audit sink write failed", "sink", s.Name(), "id", e.ID, "error", err)
			}
		}
		l.forward.Add(1)
	}
}

// Close stops forwarding after the queue drains and closes every sink.
// Entries recorded afterwards are kept in memory only.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	if l.queue != nil {
		close(l.queue)
	}
	l.mu.Unlock()

	<-l.done
	var errs []error
	for _, s := range l.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
