package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/oauth2"

	"github.com/nugget/mcplink/internal/buildinfo"
	"github.com/nugget/mcplink/internal/httpkit"
	"github.com/nugget/mcplink/internal/mcperr"
)

// Socket defaults.
const (
	DefaultReadLimit        = 100 << 20
	DefaultPingInterval     = 30 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	writeWait               = 10 * time.Second
)

// WebSocketConfig configures a socket transport.
type WebSocketConfig struct {
	URL    string
	Header http.Header

	// Guard vets every resolved address before it is dialed.
	Guard httpkit.DialGuard

	// Tokens, if set, authorizes the upgrade request with a bearer token.
	Tokens oauth2.TokenSource

	// ReadLimit caps one inbound frame.
	ReadLimit int64

	// PingInterval is the keepalive period. A peer that stays silent
	// for two intervals is considered gone. Negative disables pings.
	PingInterval     time.Duration
	HandshakeTimeout time.Duration

	Logger *slog.Logger
}

// WebSocket exchanges one frame per text message over a full-duplex
// socket.
type WebSocket struct {
	base

	config WebSocketConfig
	logger *slog.Logger

	startOnce sync.Once
	closeOnce sync.Once
	writeMu   sync.Mutex
	conn      *websocket.Conn
	stopPing  chan struct{}
}

// NewWebSocket creates a socket transport.
func NewWebSocket(cfg WebSocketConfig) *WebSocket {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultReadLimit
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	t := &WebSocket{config: cfg, logger: logger, stopPing: make(chan struct{})}
	t.init()
	return t
}

// Open dials the socket.
func (t *WebSocket) Open(ctx context.Context) error {
	if t.closing.Load() {
		return ErrClosed
	}
	err := errors.New("transport already opened")
	t.startOnce.Do(func() { err = t.dial(ctx) })
	return err
}

func (t *WebSocket) dial(ctx context.Context) error {
	dialer := websocket.Dialer{
		NetDialContext:   httpkit.NewDialer(t.config.Guard).DialContext,
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: t.config.HandshakeTimeout,
		ReadBufferSize:   64 * 1024,
		WriteBufferSize:  64 * 1024,
	}

	header := t.config.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if header.Get("User-Agent") == "" {
		header.Set("User-Agent", buildinfo.UserAgent())
	}
	if t.config.Tokens != nil {
		tok, err := t.config.Tokens.Token()
		if err != nil {
			return &mcperr.Error{Kind: mcperr.KindTransport, Op: "open", Err: fmt.Errorf("fetch token: %w", err)}
		}
		header.Set("Authorization", tok.Type()+" "+tok.AccessToken)
	}

	t.logger.Info("connecting to capability server socket", "url", t.config.URL)

	conn, resp, err := dialer.DialContext(ctx, t.config.URL, header)
	if err != nil {
		if resp != nil {
			return statusError("open", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &mcperr.Error{Kind: mcperr.KindTransport, Op: "open", Err: fmt.Errorf("dial websocket: %w", err)}
	}
	conn.SetReadLimit(t.config.ReadLimit)
	t.conn = conn

	if t.config.PingInterval > 0 {
		idle := 2 * t.config.PingInterval
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(idle))
		})
		go t.pingLoop()
	}

	go t.readLoop()
	t.markOpen()
	return nil
}

// readLoop delivers text and binary messages as frames until the socket
// ends.
func (t *WebSocket) readLoop() {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if t.closing.Load() {
				t.finish(nil)
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Info("socket closed by server")
			} else {
				t.logger.Warn("socket read error, connection lost", "error", err)
			}
			t.finish(&mcperr.Error{Kind: mcperr.KindTransport, Op: "read", Err: err})
			return
		}
		if t.config.PingInterval > 0 {
			_ = t.conn.SetReadDeadline(time.Now().Add(2 * t.config.PingInterval))
		}
		if !t.deliver(data) {
			return
		}
	}
}

func (t *WebSocket) pingLoop() {
	ticker := time.NewTicker(t.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				t.report(&mcperr.Error{Kind: mcperr.KindTransport, Op: "ping", Err: err})
			}
		case <-t.stopPing:
			return
		case <-t.done:
			return
		}
	}
}

// Send writes frame as one text message.
func (t *WebSocket) Send(ctx context.Context, frame []byte) error {
	if err := t.sendable(); err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = t.conn.SetWriteDeadline(deadline)
	if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		if t.closing.Load() {
			return ErrClosed
		}
		return &mcperr.Error{Kind: mcperr.KindTransport, Op: "write", Err: err}
	}
	return nil
}

// Close sends a normal-closure frame and tears the socket down.
func (t *WebSocket) Close() error {
	t.beginClose()
	t.closeOnce.Do(func() {
		close(t.stopPing)
		opened := true
		t.startOnce.Do(func() { opened = false })
		if opened && t.conn != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			_ = t.conn.Close()
		}
		t.finish(nil)
	})
	return nil
}
