package transport

import (
	"context"
	"errors"
	"testing"
	"time"
)

// recvFrame waits for one inbound frame.
func recvFrame(t *testing.T, tr Transport) string {
	t.Helper()
	select {
	case f := <-tr.Messages():
		return string(f)
	case <-tr.Done():
		// Frames queued before the end are still readable.
		select {
		case f := <-tr.Messages():
			return string(f)
		default:
		}
		t.Fatalf("transport ended while waiting for a frame: %v", tr.Err())
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a frame")
	}
	return ""
}

func waitDone(t *testing.T, tr Transport) {
	t.Helper()
	select {
	case <-tr.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("transport did not finish")
	}
}

func TestBase_DeliverWaitsForOpen(t *testing.T) {
	t.Parallel()
	var b base
	b.init()

	delivered := make(chan bool, 1)
	go func() { delivered <- b.deliver([]byte("x")) }()

	select {
	case <-b.msgs:
		t.Fatal("frame delivered before open")
	case <-time.After(50 * time.Millisecond):
	}

	b.markOpen()
	if got := string(<-b.msgs); got != "x" {
		t.Errorf("frame = %q, want x", got)
	}
	if !<-delivered {
		t.Error("deliver reported failure")
	}
}

func TestBase_DeliverAfterFinish(t *testing.T) {
	t.Parallel()
	var b base
	b.init()
	b.finish(nil)
	if b.deliver([]byte("x")) {
		t.Error("deliver succeeded after finish")
	}
}

func TestBase_ErrorsAfterCloseSwallowed(t *testing.T) {
	t.Parallel()
	var b base
	b.init()
	b.markOpen()

	b.report(errors.New("before"))
	if err := <-b.errs; err.Error() != "before" {
		t.Fatalf("report = %v", err)
	}

	b.beginClose()
	b.report(errors.New("after"))
	b.finish(errors.New("cause"))

	select {
	case err := <-b.errs:
		t.Errorf("error surfaced after close: %v", err)
	default:
	}
	if b.Err() != nil {
		t.Errorf("Err() = %v, want nil after local close", b.Err())
	}
}

func TestBase_FinishRecordsCauseOnce(t *testing.T) {
	t.Parallel()
	var b base
	b.init()
	first := errors.New("first")
	b.finish(first)
	b.finish(errors.New("second"))
	if !errors.Is(b.Err(), first) {
		t.Errorf("Err() = %v, want first", b.Err())
	}
}

func TestBase_Sendable(t *testing.T) {
	t.Parallel()
	var b base
	b.init()
	if err := b.sendable(); !errors.Is(err, ErrNotOpen) {
		t.Errorf("before open: %v, want ErrNotOpen", err)
	}
	b.markOpen()
	if err := b.sendable(); err != nil {
		t.Errorf("open: %v", err)
	}
	b.beginClose()
	if err := b.sendable(); !errors.Is(err, ErrClosed) {
		t.Errorf("closing: %v, want ErrClosed", err)
	}
}

// Every variant must tolerate Close before Open and repeated Close.
func TestCloseIdempotentBeforeOpen(t *testing.T) {
	t.Parallel()
	variants := map[string]Transport{
		"stdio":     NewStdio(StdioConfig{Command: "true"}),
		"sse":       NewSSE(SSEConfig{URL: "http://example.invalid/sse"}),
		"websocket": NewWebSocket(WebSocketConfig{URL: "ws://example.invalid/ws"}),
	}
	for name, tr := range variants {
		t.Run(name, func(t *testing.T) {
			if err := tr.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
			if err := tr.Close(); err != nil {
				t.Fatalf("second Close: %v", err)
			}
			waitDone(t, tr)
			if err := tr.Open(context.Background()); !errors.Is(err, ErrClosed) {
				t.Errorf("Open after Close = %v, want ErrClosed", err)
			}
			if err := tr.Send(context.Background(), []byte("{}")); !errors.Is(err, ErrClosed) {
				t.Errorf("Send after Close = %v, want ErrClosed", err)
			}
		})
	}
}
