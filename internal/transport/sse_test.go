package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tmaxmax/go-sse"

	"github.com/nugget/mcplink/internal/mcperr"
)

// echoSSEServer advertises /message as its endpoint and echoes every
// POSTed frame back as a message event.
type echoSSEServer struct {
	*httptest.Server
	frames   chan string
	sessions atomic.Int32
}

func newEchoSSEServer(t *testing.T) *echoSSEServer {
	t.Helper()
	s := &echoSSEServer{frames: make(chan string, 16)}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sse", func(w http.ResponseWriter, r *http.Request) {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.sessions.Add(1)
		msg := sse.Message{Type: sse.Type("endpoint")}
		msg.AppendData("/message?session=1")
		if err := sess.Send(&msg); err != nil {
			return
		}
		if err := sess.Flush(); err != nil {
			return
		}
		for {
			select {
			case f := <-s.frames:
				m := sse.Message{Type: sse.Type("message")}
				m.AppendData(f)
				if sess.Send(&m) != nil || sess.Flush() != nil {
					return
				}
			case <-r.Context().Done():
				return
			}
		}
	})
	mux.HandleFunc("POST /message", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("session") != "1" {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		body, _ := io.ReadAll(r.Body)
		s.frames <- string(body)
		w.Header().Set(sessionHeader, "sess-42")
		w.WriteHeader(http.StatusAccepted)
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func openSSE(t *testing.T, url string) *SSE {
	t.Helper()
	tr := NewSSE(SSEConfig{URL: url, ReconnectDelay: 10 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestSSE_EndpointAndEcho(t *testing.T) {
	t.Parallel()
	srv := newEchoSSEServer(t)
	tr := openSSE(t, srv.URL+"/sse")

	if err := tr.Send(context.Background(), []byte(`{"id":1}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := recvFrame(t, tr); got != `{"id":1}` {
		t.Errorf("frame = %q", got)
	}

	tr.mu.Lock()
	sid := tr.sessionID
	tr.mu.Unlock()
	if sid != "sess-42" {
		t.Errorf("session id = %q, want sess-42", sid)
	}

	tr.Close()
	waitDone(t, tr)
	if tr.Err() != nil {
		t.Errorf("Err() after Close = %v", tr.Err())
	}
}

func TestSSE_InlineJSONResponse(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sse", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: endpoint\ndata: /rpc\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	mux.HandleFunc("POST /rpc", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{}}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	tr := openSSE(t, srv.URL+"/sse")
	if err := tr.Send(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := recvFrame(t, tr); got != `{"jsonrpc":"2.0","id":1,"result":{}}` {
		t.Errorf("frame = %q", got)
	}
}

func TestSSE_PostStatusClassification(t *testing.T) {
	t.Parallel()
	var status atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sse", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: endpoint\ndata: /rpc\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	mux.HandleFunc("POST /rpc", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", int(status.Load()))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	tr := openSSE(t, srv.URL+"/sse")

	tests := []struct {
		code      int
		retryable bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
	}
	for _, tt := range tests {
		status.Store(int32(tt.code))
		err := tr.Send(context.Background(), []byte(`{}`))
		if !errors.Is(err, mcperr.ErrTransport) {
			t.Fatalf("status %d: err = %v, want transport error", tt.code, err)
		}
		if got := mcperr.IsRetryable(err); got != tt.retryable {
			t.Errorf("status %d: retryable = %v, want %v", tt.code, got, tt.retryable)
		}
	}
}

func TestSSE_ResumesWithLastEventID(t *testing.T) {
	t.Parallel()
	var (
		mu      sync.Mutex
		resumed string
		calls   int
	)
	gotResume := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		if n > 1 {
			resumed = r.Header.Get("Last-Event-ID")
		}
		mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		if n == 1 {
			// First stream: endpoint, one identified message, then drop.
			fmt.Fprint(w, "event: endpoint\ndata: /rpc\n\n")
			fmt.Fprint(w, "id: 7\nevent: message\ndata: {\"seq\":1}\n\n")
			w.(http.Flusher).Flush()
			return
		}
		fmt.Fprint(w, "id: 8\nevent: message\ndata: {\"seq\":2}\n\n")
		w.(http.Flusher).Flush()
		close(gotResume)
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	tr := openSSE(t, srv.URL+"/sse")
	if got := recvFrame(t, tr); got != `{"seq":1}` {
		t.Errorf("first frame = %q", got)
	}
	if got := recvFrame(t, tr); got != `{"seq":2}` {
		t.Errorf("resumed frame = %q", got)
	}
	<-gotResume

	mu.Lock()
	defer mu.Unlock()
	if resumed != "7" {
		t.Errorf("Last-Event-ID on resume = %q, want 7", resumed)
	}
}

func TestSSE_GivesUpAfterMaxReconnects(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) > 1 {
			http.Error(w, "gone", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: endpoint\ndata: /rpc\n\n")
		w.(http.Flusher).Flush()
	}))
	t.Cleanup(srv.Close)

	tr := NewSSE(SSEConfig{URL: srv.URL, MaxReconnects: 2, ReconnectDelay: time.Millisecond})
	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tr.Close()
	waitDone(t, tr)

	if !errors.Is(tr.Err(), mcperr.ErrTransport) {
		t.Errorf("Err() = %v, want transport error", tr.Err())
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("GET calls = %d, want 1 + 2 reconnects", got)
	}
}

func TestSSE_RejectsCrossOriginEndpoint(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: endpoint\ndata: http://169.254.169.254/latest\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	tr := NewSSE(SSEConfig{URL: srv.URL, MaxReconnects: -1})
	defer tr.Close()
	err := tr.Open(context.Background())
	if !errors.Is(err, mcperr.ErrProtocol) {
		t.Errorf("Open = %v, want protocol error", err)
	}
}

func TestSSE_OpenRejectsNonStream(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	tr := NewSSE(SSEConfig{URL: srv.URL})
	defer tr.Close()
	err := tr.Open(context.Background())
	if !errors.Is(err, mcperr.ErrTransport) || mcperr.IsRetryable(err) {
		t.Errorf("Open = %v, want permanent transport error", err)
	}
}
