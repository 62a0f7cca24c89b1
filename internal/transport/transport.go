// Package transport moves raw protocol frames between the client and a
// capability server. Three variants share one contract: a subprocess
// pipe ([Stdio]), a server-sent event stream with a POST back-channel
// ([SSE]), and a full-duplex socket ([WebSocket]).
//
// A transport never interprets frames. Inbound frames arrive on
// Messages, non-fatal failures on Errors, and the end of the session is
// signalled by Done, after which Err reports why. Consumers run a
// single dispatch loop over these channels instead of registering
// callbacks.
package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// Buffer sizes for the inbound channels.
const (
	messageBuffer = 64
	errorBuffer   = 16
)

// ErrClosed is returned by Send after the transport has closed.
var ErrClosed = errors.New("transport closed")

// ErrNotOpen is returned by Send before Open has completed.
var ErrNotOpen = errors.New("transport not open")

// Transport is the frame pipe a connection owns.
//
// Guarantees shared by every implementation:
//   - nothing is delivered on Messages before Open returns nil;
//   - Close is idempotent and always leaves Done closed;
//   - errors raised after Close are dropped, and Err reports nil when
//     the session ended because Close was called.
type Transport interface {
	// Open establishes the session. It may be called once.
	Open(ctx context.Context) error

	// Send writes one whole frame.
	Send(ctx context.Context, frame []byte) error

	// Messages yields inbound frames in arrival order. The channel is
	// never closed; select on Done alongside it.
	Messages() <-chan []byte

	// Errors yields non-fatal failures (a dropped stream that is being
	// resumed, an unreadable line). Slow readers lose errors, not frames.
	Errors() <-chan error

	// Done is closed when the session has ended.
	Done() <-chan struct{}

	// Err reports why the session ended, or nil if it was closed
	// locally or is still running.
	Err() error

	Close() error
}

// base carries the channel plumbing and close bookkeeping every
// variant embeds. init must run before use.
type base struct {
	msgs   chan []byte
	errs   chan error
	opened chan struct{}
	done   chan struct{}

	openOnce   sync.Once
	finishOnce sync.Once
	closing    atomic.Bool

	mu  sync.Mutex
	err error
}

func (b *base) init() {
	b.msgs = make(chan []byte, messageBuffer)
	b.errs = make(chan error, errorBuffer)
	b.opened = make(chan struct{})
	b.done = make(chan struct{})
}

func (b *base) Messages() <-chan []byte { return b.msgs }
func (b *base) Errors() <-chan error    { return b.errs }
func (b *base) Done() <-chan struct{}   { return b.done }

func (b *base) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// markOpen releases frames held back by deliver.
func (b *base) markOpen() {
	b.openOnce.Do(func() { close(b.opened) })
}

func (b *base) isOpen() bool {
	select {
	case <-b.opened:
		return true
	default:
		return false
	}
}

func (b *base) isDone() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// deliver hands a frame to the consumer, blocking until Open has
// completed and the consumer has room. It returns false once the
// session has ended.
func (b *base) deliver(frame []byte) bool {
	select {
	case <-b.opened:
	case <-b.done:
		return false
	}
	select {
	case b.msgs <- frame:
		return true
	case <-b.done:
		return false
	}
}

// report surfaces a non-fatal error unless the transport is closing.
func (b *base) report(err error) {
	if err == nil || b.closing.Load() || b.isDone() {
		return
	}
	select {
	case b.errs <- err:
	default:
	}
}

// beginClose marks a local close and reports whether this call was the
// first.
func (b *base) beginClose() bool {
	return b.closing.CompareAndSwap(false, true)
}

// finish ends the session once. A cause is recorded only if the end was
// not initiated by Close.
func (b *base) finish(cause error) {
	b.finishOnce.Do(func() {
		if !b.closing.Load() {
			b.mu.Lock()
			b.err = cause
			b.mu.Unlock()
		}
		close(b.done)
	})
}

func (b *base) sendable() error {
	if b.closing.Load() || b.isDone() {
		return ErrClosed
	}
	if !b.isOpen() {
		return ErrNotOpen
	}
	return nil
}
