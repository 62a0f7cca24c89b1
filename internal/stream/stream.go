// Package stream accumulates partial results of long-running tool calls.
// A Collector exposes the growing partial value while the call runs and
// a completion signal once the final result (or error) arrives. Chunks
// that carry a sequence number are reordered before they become
// visible; chunks without one are appended in arrival order.
package stream

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
)

// Unsequenced marks a chunk without a sequence number.
const Unsequenced = -1

// Chunk is one partial piece of a result.
type Chunk struct {
	Seq      int             `json:"seq"`
	Text     string          `json:"text,omitempty"`
	Progress float64         `json:"progress,omitempty"`
	Total    float64         `json:"total,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Collector gathers the chunks of one streamed result.
type Collector struct {
	mu      sync.Mutex
	next    int
	pending map[int]Chunk
	parts   []Chunk
	updates chan struct{}

	done   chan struct{}
	result json.RawMessage
	err    error
}

// NewCollector returns a collector expecting sequenced chunks to start
// at first.
func NewCollector(first int) *Collector {
	return &Collector{
		next:    first,
		pending: make(map[int]Chunk),
		updates: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Add records a chunk. Chunks arriving after completion, or duplicates
// of an already delivered sequence number, are ignored.
func (c *Collector) Add(ch Chunk) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isDone() {
		return
	}
	if ch.Seq == Unsequenced {
		c.parts = append(c.parts, ch)
		c.notify()
		return
	}
	if ch.Seq < c.next {
		return
	}
	c.pending[ch.Seq] = ch

	advanced := false
	for {
		nc, ok := c.pending[c.next]
		if !ok {
			break
		}
		delete(c.pending, c.next)
		c.parts = append(c.parts, nc)
		c.next++
		advanced = true
	}
	if advanced {
		c.notify()
	}
}

// notify signals Updates without blocking. Caller holds c.mu.
func (c *Collector) notify() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

// Updates receives a value whenever new in-order chunks become visible.
// Signals coalesce; read Partial after each one.
func (c *Collector) Updates() <-chan struct{} {
	return c.updates
}

// Partial returns a copy of the in-order chunks received so far.
func (c *Collector) Partial() []Chunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Chunk(nil), c.parts...)
}

// Text joins the text of the in-order chunks received so far.
func (c *Collector) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var b strings.Builder
	for _, p := range c.parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

// Buffered reports how many out-of-order chunks are waiting for a gap
// to fill.
func (c *Collector) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Complete records the final result and closes Done. Only the first
// call has effect. Chunks still waiting on a gap are flushed in
// sequence order so nothing received is lost.
func (c *Collector) Complete(result json.RawMessage, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isDone() {
		return
	}
	for len(c.pending) > 0 {
		lowest := -1
		for seq := range c.pending {
			if lowest == -1 || seq < lowest {
				lowest = seq
			}
		}
		c.parts = append(c.parts, c.pending[lowest])
		delete(c.pending, lowest)
	}
	c.result = result
	c.err = err
	close(c.done)
	c.notify()
}

// Done is closed once the final result is known.
func (c *Collector) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until completion or ctx is done.
func (c *Collector) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.result, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// isDone reports completion. Caller holds c.mu.
func (c *Collector) isDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
