package stream

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestCollector_ReordersSequencedChunks(t *testing.T) {
	c := NewCollector(0)
	c.Add(Chunk{Seq: 2, Text: "c"})
	c.Add(Chunk{Seq: 0, Text: "a"})

	if got := c.Text(); got != "a" {
		t.Errorf("Text() with gap = %q, want %q", got, "a")
	}
	if c.Buffered() != 1 {
		t.Errorf("Buffered() = %d, want 1", c.Buffered())
	}

	c.Add(Chunk{Seq: 1, Text: "b"})
	if got := c.Text(); got != "abc" {
		t.Errorf("Text() = %q, want %q", got, "abc")
	}
	if c.Buffered() != 0 {
		t.Errorf("Buffered() = %d, want 0", c.Buffered())
	}
}

func TestCollector_IgnoresDuplicatesAndLateChunks(t *testing.T) {
	c := NewCollector(1)
	c.Add(Chunk{Seq: 1, Text: "x"})
	c.Add(Chunk{Seq: 1, Text: "dup"})
	c.Complete(json.RawMessage(`{"ok":true}`), nil)
	c.Add(Chunk{Seq: 2, Text: "late"})

	if got := c.Text(); got != "x" {
		t.Errorf("Text() = %q, want %q", got, "x")
	}
}

func TestCollector_UnsequencedKeepsArrivalOrder(t *testing.T) {
	c := NewCollector(0)
	for _, s := range []string{"one ", "two ", "three"} {
		c.Add(Chunk{Seq: Unsequenced, Text: s})
	}
	if got := c.Text(); got != "one two three" {
		t.Errorf("Text() = %q", got)
	}
	if len(c.Partial()) != 3 {
		t.Errorf("Partial() len = %d, want 3", len(c.Partial()))
	}
}

func TestCollector_CompleteFlushesBufferedInOrder(t *testing.T) {
	c := NewCollector(0)
	c.Add(Chunk{Seq: 5, Text: "e"})
	c.Add(Chunk{Seq: 3, Text: "c"})
	c.Complete(nil, nil)

	if got := c.Text(); got != "ce" {
		t.Errorf("Text() = %q, want %q", got, "ce")
	}
}

func TestCollector_WaitAndUpdates(t *testing.T) {
	c := NewCollector(0)

	go func() {
		c.Add(Chunk{Seq: 0, Text: "partial"})
		time.Sleep(10 * time.Millisecond)
		c.Complete(json.RawMessage(`"final"`), nil)
	}()

	select {
	case <-c.Updates():
	case <-time.After(time.Second):
		t.Fatal("no update signal")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := c.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if string(res) != `"final"` {
		t.Errorf("result = %s, want \"final\"", res)
	}
	if c.Text() != "partial" {
		t.Errorf("Text() = %q, want partial", c.Text())
	}
}

func TestCollector_CompleteOnce(t *testing.T) {
	c := NewCollector(0)
	first := errors.New("first")
	c.Complete(nil, first)
	c.Complete(json.RawMessage(`1`), nil)

	_, err := c.Wait(context.Background())
	if !errors.Is(err, first) {
		t.Errorf("err = %v, want first", err)
	}
}

func TestCollector_WaitHonorsContext(t *testing.T) {
	c := NewCollector(0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}
