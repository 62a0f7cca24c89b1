// Package events is the runtime's publish/subscribe channel for
// operational signals: connection state changes, server notifications,
// capability refreshes, breaker transitions. Publishing never blocks;
// a slow subscriber misses events instead of stalling a connection's
// dispatch loop. A nil *Bus is valid and discards everything.
package events

import (
	"slices"
	"sync"
	"time"
)

// Sources.
const (
	// SourceConnection is a single server connection.
	SourceConnection = "connection"
	// SourcePool is the connection pool.
	SourcePool = "pool"
	// SourceBreaker is a per-server circuit breaker.
	SourceBreaker = "breaker"
	// SourceConfig is the config file watcher.
	SourceConfig = "config"
)

// Kinds.
const (
	// KindStateChange: server, from, to, error.
	KindStateChange = "state_change"
	// KindNotification: server, method, params.
	KindNotification = "notification"
	// KindCapabilitiesChanged: server, tools, resources, prompts.
	KindCapabilitiesChanged = "capabilities_changed"
	// KindLateResponse: server, id. A response arrived for an id that
	// was no longer pending and was dropped.
	KindLateResponse = "late_response"
	// KindProtocolError: server, error. An inbound frame failed to decode.
	KindProtocolError = "protocol_error"
	// KindCircuitChange: server, from, to.
	KindCircuitChange = "circuit_change"
	// KindServerAdded and KindServerRemoved: server.
	KindServerAdded   = "server_added"
	KindServerRemoved = "server_removed"
	// KindReloaded: servers.
	KindReloaded = "reloaded"
)

// Event is one published signal.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

type subscription struct {
	ch    chan Event
	kinds []string
}

func (s subscription) wants(kind string) bool {
	return len(s.kinds) == 0 || slices.Contains(s.kinds, kind)
}

// Bus is a non-blocking broadcast bus.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]subscription
}

// New creates a bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]subscription)}
}

// Publish delivers e to every interested subscriber whose buffer has
// room. A zero Timestamp is stamped with the current time.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Kind) {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Emit is shorthand for publishing a freshly stamped event.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel receiving events of the listed kinds, or
// of every kind when none are listed. Release it with Unsubscribe.
func (b *Bus) Subscribe(bufSize int, kinds ...string) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = subscription{ch: ch, kinds: kinds}
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(s.ch)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
