package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/mcplink/internal/audit"
	"github.com/nugget/mcplink/internal/config"
	"github.com/nugget/mcplink/internal/jsonrpc"
	"github.com/nugget/mcplink/internal/transport"
)

// fakeServer scripts every server the pool dials. Each dial yields a
// fresh transport answering synchronously from the script.
type fakeServer struct {
	tools     []string
	resources int

	// gate, when set, holds every dial until closed.
	gate chan struct{}
	// dialErr makes every dial fail.
	dialErr error
	// refuse names one server whose dials fail.
	refuse string

	dials atomic.Int64
	calls atomic.Int64
}

func (s *fakeServer) dial(ctx context.Context, desc config.ServerConfig) (transport.Transport, error) {
	s.dials.Add(1)
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.dialErr != nil {
		return nil, s.dialErr
	}
	if desc.Name == s.refuse {
		return nil, errors.New("connection refused")
	}
	return &fakeTransport{
		srv:  s,
		name: desc.Name,
		msgs: make(chan []byte, 64),
		errs: make(chan error, 1),
		done: make(chan struct{}),
	}, nil
}

func (s *fakeServer) handle(server string, req *jsonrpc.Message) (any, *jsonrpc.Error, bool) {
	switch req.Method {
	case "initialize":
		return map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]any{"name": server, "version": "1"},
			"capabilities":    map[string]any{"tools": map[string]any{}, "resources": map[string]any{}, "prompts": map[string]any{}},
		}, nil, true
	case "ping":
		return map[string]any{}, nil, true
	case "tools/list":
		tools := make([]map[string]any, 0, len(s.tools))
		for _, n := range s.tools {
			tools = append(tools, map[string]any{"name": n, "inputSchema": map[string]any{"type": "object"}})
		}
		return map[string]any{"tools": tools}, nil, true
	case "resources/list":
		res := make([]map[string]any, 0, s.resources)
		for i := range s.resources {
			res = append(res, map[string]any{"uri": fmt.Sprintf("mem://%s/%02d", server, i), "name": fmt.Sprint(i)})
		}
		return map[string]any{"resources": res}, nil, true
	case "prompts/list":
		return map[string]any{"prompts": []map[string]any{{"name": "greet"}}}, nil, true
	case "prompts/get":
		return map[string]any{"messages": []map[string]any{{"role": "user", "content": map[string]any{"type": "text", "text": "hi"}}}}, nil, true
	case "resources/read":
		var p struct {
			URI string `json:"uri"`
		}
		_ = json.Unmarshal(req.Params, &p)
		return map[string]any{"contents": []map[string]any{{"uri": p.URI, "text": "body"}}}, nil, true
	case "tools/call":
		s.calls.Add(1)
		var p struct {
			Name string `json:"name"`
		}
		_ = json.Unmarshal(req.Params, &p)
		switch p.Name {
		case "hang":
			return nil, nil, false
		case "fail":
			return map[string]any{
				"isError": true,
				"content": []map[string]any{{"type": "text", "text": "upstream exploded"}},
			}, nil, true
		}
		return map[string]any{"content": []map[string]any{{"type": "text", "text": server + ":" + p.Name}}}, nil, true
	}
	return nil, &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: "method not found"}, true
}

type fakeTransport struct {
	srv  *fakeServer
	name string
	msgs chan []byte
	errs chan error
	done chan struct{}
	once sync.Once
}

func (f *fakeTransport) Open(context.Context) error { return nil }

func (f *fakeTransport) Send(_ context.Context, frame []byte) error {
	select {
	case <-f.done:
		return transport.ErrClosed
	default:
	}
	req, err := jsonrpc.Decode(frame)
	if err != nil {
		return err
	}
	if req.Kind() != jsonrpc.KindRequest {
		return nil
	}
	result, rpcErr, answer := f.srv.handle(f.name, req)
	if !answer {
		return nil
	}
	var resp *jsonrpc.Message
	if rpcErr != nil {
		resp = jsonrpc.NewErrorResponse(req.ID, rpcErr.Code, rpcErr.Message)
	} else if resp, err = jsonrpc.NewResult(req.ID, result); err != nil {
		return err
	}
	data, err := jsonrpc.Encode(resp)
	if err != nil {
		return err
	}
	select {
	case f.msgs <- data:
	case <-f.done:
	}
	return nil
}

func (f *fakeTransport) Messages() <-chan []byte { return f.msgs }
func (f *fakeTransport) Errors() <-chan error    { return f.errs }
func (f *fakeTransport) Done() <-chan struct{}   { return f.done }
func (f *fakeTransport) Err() error              { return nil }

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func server(name string) config.ServerConfig {
	return config.ServerConfig{
		Name:      name,
		Transport: config.TransportStdio,
		Command:   "fake-" + name,
		Retry:     config.RetryConfig{MaxAttempts: 1},
	}
}

// newTestPool builds a pool over srv with an in-memory audit log.
func newTestPool(t *testing.T, srv *fakeServer, opts Options, servers ...config.ServerConfig) (*Pool, *audit.Log) {
	t.Helper()
	log := audit.New(audit.Config{Logger: quietLogger()})
	opts.Dial = srv.dial
	opts.Audit = log
	opts.Logger = quietLogger()
	p := New(servers, opts)
	t.Cleanup(func() {
		p.DisposeAll()
		log.Close()
	})
	return p, log
}

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
