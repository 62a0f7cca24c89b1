package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nugget/mcplink/internal/config"
	"github.com/nugget/mcplink/internal/jsonrpc"
	"github.com/nugget/mcplink/internal/transport"
)

// reply is a scripted answer. A nil reply means the server never
// answers.
type reply struct {
	result any
	err    *jsonrpc.Error
}

type handlerFunc func(req *jsonrpc.Message) *reply

// fakeServer is a scripted MCP server reachable through fakeTransport.
type fakeServer struct {
	mu        sync.Mutex
	caps      map[string]any
	tools     []map[string]any
	resources []map[string]any
	prompts   []map[string]any
	pageSize  int
	handlers  map[string]handlerFunc
	received  []*jsonrpc.Message
	reads     map[string]int
	current   *fakeTransport
	dials     int
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		caps: map[string]any{
			"tools":     map[string]any{"listChanged": true},
			"resources": map[string]any{},
			"prompts":   map[string]any{},
		},
		handlers: make(map[string]handlerFunc),
		reads:    make(map[string]int),
	}
}

func (s *fakeServer) setTools(names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools = nil
	for _, n := range names {
		s.tools = append(s.tools, map[string]any{
			"name":        n,
			"description": "tool " + n,
			"inputSchema": map[string]any{"type": "object"},
		})
	}
}

func (s *fakeServer) addTool(tool map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools = append(s.tools, tool)
}

func (s *fakeServer) on(method string, h handlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// dial is a DialFunc handing out a fresh transport per session.
func (s *fakeServer) dial(context.Context, config.ServerConfig) (transport.Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials++
	s.current = &fakeTransport{
		srv:  s,
		msgs: make(chan []byte, 256),
		errs: make(chan error, 16),
		done: make(chan struct{}),
	}
	return s.current, nil
}

func (s *fakeServer) transport() *fakeTransport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// requests returns the received requests and notifications named method.
func (s *fakeServer) requests(method string) []*jsonrpc.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*jsonrpc.Message
	for _, m := range s.received {
		if m.Method == method {
			out = append(out, m)
		}
	}
	return out
}

func (s *fakeServer) readCount(uri string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads[uri]
}

func (s *fakeServer) handle(req *jsonrpc.Message) *reply {
	s.mu.Lock()
	h := s.handlers[req.Method]
	s.mu.Unlock()
	if h != nil {
		return h(req)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch req.Method {
	case "initialize":
		return &reply{result: map[string]any{
			"protocolVersion": protocolVersion,
			"serverInfo":      map[string]any{"name": "fake", "version": "1.0"},
			"capabilities":    s.caps,
		}}
	case "ping":
		return &reply{result: map[string]any{}}
	case "tools/list":
		return &reply{result: s.page(req, "tools", s.tools)}
	case "resources/list":
		return &reply{result: s.page(req, "resources", s.resources)}
	case "prompts/list":
		return &reply{result: s.page(req, "prompts", s.prompts)}
	case "tools/call":
		var p struct {
			Name string `json:"name"`
		}
		_ = json.Unmarshal(req.Params, &p)
		return &reply{result: map[string]any{
			"content": []map[string]any{{"type": "text", "text": "ran " + p.Name}},
		}}
	case "resources/read":
		var p struct {
			URI string `json:"uri"`
		}
		_ = json.Unmarshal(req.Params, &p)
		s.reads[p.URI]++
		return &reply{result: map[string]any{
			"contents": []map[string]any{{"uri": p.URI, "text": fmt.Sprintf("read %d", s.reads[p.URI])}},
		}}
	case "prompts/get":
		return &reply{result: map[string]any{
			"messages": []map[string]any{{"role": "user", "content": map[string]any{"type": "text", "text": "hello"}}},
		}}
	}
	return &reply{err: &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: "method not found"}}
}

// page serves items in pages of s.pageSize addressed by "page-N"
// cursors. Caller holds s.mu.
func (s *fakeServer) page(req *jsonrpc.Message, field string, items []map[string]any) map[string]any {
	if items == nil {
		items = []map[string]any{}
	}
	if s.pageSize <= 0 {
		return map[string]any{field: items}
	}
	var p struct {
		Cursor string `json:"cursor"`
	}
	_ = json.Unmarshal(req.Params, &p)
	start := 0
	if p.Cursor != "" {
		fmt.Sscanf(p.Cursor, "page-%d", &start)
	}
	end := min(start+s.pageSize, len(items))
	out := map[string]any{field: items[start:end]}
	if end < len(items) {
		out["nextCursor"] = fmt.Sprintf("page-%d", end)
	}
	return out
}

// fakeTransport answers requests synchronously from its server script.
type fakeTransport struct {
	srv  *fakeServer
	msgs chan []byte
	errs chan error

	mu        sync.Mutex
	done      chan struct{}
	closed    bool
	err       error
	closeOnce sync.Once
}

func (f *fakeTransport) Open(context.Context) error { return nil }

func (f *fakeTransport) Send(_ context.Context, frame []byte) error {
	select {
	case <-f.done:
		return transport.ErrClosed
	default:
	}

	msg, err := jsonrpc.Decode(frame)
	if err != nil {
		return err
	}
	f.srv.mu.Lock()
	f.srv.received = append(f.srv.received, msg)
	f.srv.mu.Unlock()

	if msg.Kind() != jsonrpc.KindRequest {
		return nil
	}
	r := f.srv.handle(msg)
	if r == nil {
		return nil
	}
	var resp *jsonrpc.Message
	if r.err != nil {
		resp = jsonrpc.NewErrorResponse(msg.ID, r.err.Code, r.err.Message)
	} else {
		resp, err = jsonrpc.NewResult(msg.ID, r.result)
		if err != nil {
			return err
		}
	}
	data, err := jsonrpc.Encode(resp)
	if err != nil {
		return err
	}
	f.push(data)
	return nil
}

// push delivers a frame from the server side.
func (f *fakeTransport) push(frame []byte) {
	select {
	case f.msgs <- frame:
	case <-f.done:
	}
}

func (f *fakeTransport) pushJSON(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	f.push(data)
}

func (f *fakeTransport) Messages() <-chan []byte { return f.msgs }
func (f *fakeTransport) Errors() <-chan error    { return f.errs }
func (f *fakeTransport) Done() <-chan struct{}   { return f.done }

func (f *fakeTransport) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.done) })
	return nil
}

// drop ends the session from the server side.
func (f *fakeTransport) drop(cause error) {
	f.mu.Lock()
	f.err = cause
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.done) })
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
