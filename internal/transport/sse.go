package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"

	"github.com/nugget/mcplink/internal/httpkit"
	"github.com/nugget/mcplink/internal/mcperr"
)

// Event-stream defaults.
const (
	DefaultMaxEventSize   = 4 << 20
	DefaultMaxReconnects  = 5
	DefaultReconnectDelay = 500 * time.Millisecond
	maxReconnectDelay     = 30 * time.Second
	maxPostResponse       = 10 << 20
)

// sessionHeader carries the server-assigned session id on POSTs.
const sessionHeader = "Mcp-Session-Id"

// SSEConfig configures an event-stream transport.
type SSEConfig struct {
	// URL is the GET endpoint of the event stream.
	URL string

	// Client issues the POST back-channel requests. Nil uses a default
	// httpkit client.
	Client *http.Client

	// Stream issues the long-lived GET. It must not carry an overall
	// timeout. Nil uses a default httpkit client without one.
	Stream *http.Client

	MaxEventSize int

	// MaxReconnects bounds consecutive failed attempts to resume a
	// dropped stream. Negative disables resumption.
	MaxReconnects  int
	ReconnectDelay time.Duration

	Logger *slog.Logger
}

// SSE receives frames as server-sent events on a GET stream and sends
// frames as POST requests to the endpoint the stream advertises. A
// dropped stream is resumed with Last-Event-ID.
type SSE struct {
	base

	config SSEConfig
	logger *slog.Logger
	stream *url.URL

	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	ready     chan error

	mu          sync.Mutex
	endpoint    string
	lastEventID string
	sessionID   string
}

// NewSSE creates an event-stream transport.
func NewSSE(cfg SSEConfig) *SSE {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Client == nil {
		cfg.Client = httpkit.NewClient(httpkit.WithLogger(logger))
	}
	if cfg.Stream == nil {
		cfg.Stream = httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithLogger(logger))
	}
	if cfg.MaxEventSize <= 0 {
		cfg.MaxEventSize = DefaultMaxEventSize
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = DefaultMaxReconnects
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &SSE{
		config: cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		ready:  make(chan error, 1),
	}
	t.init()
	return t
}

// Open connects the event stream and waits for the server to advertise
// its message endpoint.
func (t *SSE) Open(ctx context.Context) error {
	if t.closing.Load() {
		return ErrClosed
	}
	u, err := url.Parse(t.config.URL)
	if err != nil {
		return &mcperr.Error{Kind: mcperr.KindTransport, Op: "open", Err: fmt.Errorf("parse stream url: %w", err), Permanent: true}
	}
	t.stream = u

	started := false
	t.startOnce.Do(func() { started = true })
	if !started {
		return errors.New("transport already opened")
	}

	// The stream outlives ctx; ctx bounds only the wait for readiness.
	body, err := t.connect(ctx)
	if err != nil {
		return err
	}
	go t.run(body)

	select {
	case err := <-t.ready:
		if err != nil {
			t.cancel()
			return err
		}
		return nil
	case <-ctx.Done():
		t.cancel()
		return ctx.Err()
	case <-t.done:
		select {
		case err := <-t.ready:
			return err
		default:
		}
		if err := t.Err(); err != nil {
			return err
		}
		return ErrClosed
	}
}

// connect issues the GET and returns the open event-stream body.
func (t *SSE) connect(ctx context.Context) (io.ReadCloser, error) {
	// Bind the request to the transport lifetime, but abandon the dial
	// if ctx ends first.
	reqCtx, cancel := context.WithCancel(t.ctx)
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, t.stream.String(), nil)
	if err != nil {
		cancel()
		return nil, &mcperr.Error{Kind: mcperr.KindTransport, Op: "open", Err: err, Permanent: true}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	t.mu.Lock()
	if t.lastEventID != "" {
		req.Header.Set("Last-Event-ID", t.lastEventID)
	}
	t.mu.Unlock()

	resp, err := t.config.Stream.Do(req)
	if err != nil {
		cancel()
		return nil, &mcperr.Error{Kind: mcperr.KindTransport, Op: "open", Err: fmt.Errorf("GET %s: %w", t.stream.Redacted(), err)}
	}
	if resp.StatusCode != http.StatusOK {
		msg := httpkit.ReadErrorBody(resp.Body, 4096)
		cancel()
		return nil, statusError("open", resp.StatusCode, msg)
	}
	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt != "text/event-stream" {
		httpkit.DrainAndClose(resp.Body, 4096)
		cancel()
		return nil, &mcperr.Error{Kind: mcperr.KindProtocol, Op: "open", Err: fmt.Errorf("unexpected content type %q", mt)}
	}
	return &cancelBody{ReadCloser: resp.Body, cancel: cancel}, nil
}

// run reads the stream and resumes it after drops until Close or until
// resumption gives up.
func (t *SSE) run(body io.ReadCloser) {
	for {
		err := t.read(body)
		if t.closing.Load() || t.ctx.Err() != nil {
			t.finish(nil)
			return
		}
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		if !t.isOpen() {
			t.ready <- &mcperr.Error{Kind: mcperr.KindTransport, Op: "open", Err: fmt.Errorf("stream ended before endpoint: %w", err)}
			t.finish(err)
			return
		}
		t.report(&mcperr.Error{Kind: mcperr.KindTransport, Op: "stream", Err: fmt.Errorf("event stream dropped: %w", err)})

		body, err = t.resume()
		if err != nil {
			t.finish(err)
			return
		}
	}
}

// resume reconnects with exponential backoff.
func (t *SSE) resume() (io.ReadCloser, error) {
	if t.config.MaxReconnects < 0 {
		return nil, &mcperr.Error{Kind: mcperr.KindTransport, Op: "stream", Err: errors.New("event stream dropped")}
	}
	delay := t.config.ReconnectDelay
	var lastErr error
	for attempt := 1; attempt <= t.config.MaxReconnects; attempt++ {
		select {
		case <-time.After(delay):
		case <-t.ctx.Done():
			return nil, ErrClosed
		}
		t.logger.Info("resuming event stream", "attempt", attempt, "url", t.stream.Redacted())
		body, err := t.connect(t.ctx)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !mcperr.IsRetryable(err) {
			break
		}
		delay = min(delay*2, maxReconnectDelay)
	}
	return nil, &mcperr.Error{Kind: mcperr.KindTransport, Op: "stream", Err: fmt.Errorf("resume event stream: %w", lastErr)}
}

// read consumes one GET response until it ends.
func (t *SSE) read(body io.ReadCloser) error {
	defer body.Close()
	for ev, err := range sse.Read(body, &sse.ReadConfig{MaxEventSize: t.config.MaxEventSize}) {
		if err != nil {
			return err
		}
		if ev.LastEventID != "" {
			t.mu.Lock()
			t.lastEventID = ev.LastEventID
			t.mu.Unlock()
		}

		switch ev.Type {
		case "endpoint":
			ep, err := t.resolveEndpoint(ev.Data)
			if err != nil {
				if !t.isOpen() {
					t.ready <- &mcperr.Error{Kind: mcperr.KindProtocol, Op: "open", Err: err}
					t.cancel()
					return err
				}
				t.report(&mcperr.Error{Kind: mcperr.KindProtocol, Op: "stream", Err: err})
				continue
			}
			t.mu.Lock()
			t.endpoint = ep
			t.mu.Unlock()
			if !t.isOpen() {
				t.markOpen()
				t.ready <- nil
			}
		case "", "message":
			if !t.isOpen() {
				t.logger.Warn("dropping event received before endpoint")
				continue
			}
			if !t.deliver([]byte(ev.Data)) {
				return nil
			}
		default:
			t.logger.Debug("ignoring event", "type", ev.Type)
		}
	}
	return nil
}

// resolveEndpoint resolves the advertised endpoint against the stream
// url. The endpoint must share the stream's origin.
func (t *SSE) resolveEndpoint(data string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(data))
	if err != nil {
		return "", fmt.Errorf("parse endpoint url: %w", err)
	}
	u := t.stream.ResolveReference(ref)
	if u.Scheme != t.stream.Scheme || u.Host != t.stream.Host {
		return "", fmt.Errorf("endpoint %s is not on the stream origin", u.Redacted())
	}
	return u.String(), nil
}

// Send POSTs frame to the advertised endpoint. A JSON or event-stream
// response body is treated as inbound frames.
func (t *SSE) Send(ctx context.Context, frame []byte) error {
	if err := t.sendable(); err != nil {
		return err
	}

	t.mu.Lock()
	endpoint, session := t.endpoint, t.sessionID
	t.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(frame))
	if err != nil {
		return &mcperr.Error{Kind: mcperr.KindTransport, Op: "post", Err: err, Permanent: true}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if session != "" {
		req.Header.Set(sessionHeader, session)
	}

	resp, err := t.config.Client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &mcperr.Error{Kind: mcperr.KindTransport, Op: "post", Err: err}
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if sid := resp.Header.Get(sessionHeader); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError("post", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch mt {
	case "application/json":
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxPostResponse))
		if err != nil {
			return &mcperr.Error{Kind: mcperr.KindTransport, Op: "post", Err: fmt.Errorf("read response body: %w", err)}
		}
		if data = bytes.TrimSpace(data); len(data) > 0 {
			t.deliver(data)
		}
	case "text/event-stream":
		for ev, err := range sse.Read(resp.Body, &sse.ReadConfig{MaxEventSize: t.config.MaxEventSize}) {
			if err != nil {
				return &mcperr.Error{Kind: mcperr.KindTransport, Op: "post", Err: err}
			}
			if ev.Type == "" || ev.Type == "message" {
				t.deliver([]byte(ev.Data))
			}
		}
	}
	return nil
}

// Close cancels the stream and any pending resumption.
func (t *SSE) Close() error {
	t.beginClose()
	t.cancel()
	t.finish(nil)
	return nil
}

// statusError classifies a non-2xx reply: 4xx responses are final,
// everything else may be retried.
func statusError(op string, code int, body string) error {
	err := fmt.Errorf("server returned %d", code)
	if body != "" {
		err = fmt.Errorf("server returned %d: %s", code, body)
	}
	return &mcperr.Error{
		Kind:      mcperr.KindTransport,
		Op:        op,
		Err:       err,
		Permanent: code >= 400 && code < 500 && code != http.StatusTooManyRequests && code != http.StatusRequestTimeout,
	}
}

// cancelBody releases the request context with the body.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
