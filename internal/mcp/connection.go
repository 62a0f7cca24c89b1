package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/nugget/mcplink/internal/buildinfo"
	"github.com/nugget/mcplink/internal/config"
	"github.com/nugget/mcplink/internal/connwatch"
	"github.com/nugget/mcplink/internal/events"
	"github.com/nugget/mcplink/internal/mcperr"
	"github.com/nugget/mcplink/internal/security"
	"github.com/nugget/mcplink/internal/stream"
	"github.com/nugget/mcplink/internal/transport"
)

// Defaults.
const (
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultCallTimeout      = 60 * time.Second
)

// DialFunc builds the transport for a server. It must not spawn or
// dial anything; that happens in Transport.Open.
type DialFunc func(ctx context.Context, desc config.ServerConfig) (transport.Transport, error)

// Options configures a Connection. Zero values take defaults.
type Options struct {
	// Catalog receives discovered capabilities. Connections sharing a
	// catalog share registries and caches.
	Catalog *Catalog

	// Policy validates the descriptor before the default Dial builds a
	// transport.
	Policy *security.Policy

	// Dial overrides transport construction.
	Dial DialFunc

	HandshakeTimeout time.Duration
	// CallTimeout applies when neither the caller nor the descriptor
	// sets one.
	CallTimeout time.Duration

	// HealthInterval is the period of ping probes. Zero disables them.
	HealthInterval time.Duration
	// Watch hosts the health watcher. Nil gives the connection its own
	// manager.
	Watch *connwatch.Manager

	// Reconnect is the backoff used when the descriptor enables
	// automatic reconnects.
	Reconnect connwatch.BackoffConfig

	// OnNotification receives every server notification in arrival
	// order. It runs on the dispatch goroutine and must not block.
	OnNotification func(method string, params json.RawMessage)

	Bus    *events.Bus
	Logger *slog.Logger
}

// Connection is a client connection to one MCP server. It is safe for
// concurrent use; calls issued concurrently are correlated by id and may
// complete in any order.
type Connection struct {
	name             string
	desc             config.ServerConfig
	catalog          *Catalog
	ownsCatalog      bool
	dial             DialFunc
	handshakeTimeout time.Duration
	callTimeout      time.Duration
	healthInterval   time.Duration
	watch            *connwatch.Manager
	reconnectBackoff connwatch.BackoffConfig
	onNotification   func(string, json.RawMessage)
	filter           toolFilter
	bus              *events.Bus
	logger           *slog.Logger

	// ctx scopes background work (reconnects, rediscovery, health) and
	// is cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// nextID is never reset, so an id is never reused for the life of
	// the connection, across reconnects included.
	nextID atomic.Int64
	openMu sync.Mutex

	mu          sync.Mutex
	state       State
	disposed    bool
	sess        *session
	gen         uint64
	pending     map[int64]*pendingCall
	progress    map[string]*stream.Collector
	info        initializeResult
	schemas     map[string]*jsonschema.Resolved
	watcher     *connwatch.Watcher
	lastErr     error
	connectedAt time.Time

	// rediscovering is held by the running refresh; stale is set by
	// every change notification and cleared when a refresh starts.
	rediscovering atomic.Bool
	stale         atomic.Bool

	requests       atomic.Int64
	failures       atomic.Int64
	timeouts       atomic.Int64
	late           atomic.Int64
	protocolErrors atomic.Int64
	reconnects     atomic.Int64
}

// session is one opened transport. gen increases with every session so
// stale frames and pending calls can be told apart from current ones.
type session struct {
	gen uint64
	tr  transport.Transport
}

// pendingCall is an outstanding request. It leaves the pending table
// exactly once, and whoever removes it is the only writer of done.
type pendingCall struct {
	id       int64
	method   string
	target   string
	gen      uint64
	issued   time.Time
	deadline time.Time
	done     chan outcome
}

type outcome struct {
	result json.RawMessage
	err    error
}

// New creates a disconnected connection for desc. The descriptor is
// copied; later edits to the caller's value are not seen.
func New(desc config.ServerConfig, opts Options) *Connection {
	desc = desc.Clone()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	catalog := opts.Catalog
	if catalog == nil {
		catalog = NewCatalog(config.CacheConfig{})
	}
	dial := opts.Dial
	if dial == nil {
		policy := opts.Policy
		dial = func(ctx context.Context, d config.ServerConfig) (transport.Transport, error) {
			return transport.New(ctx, d, policy, logger.With("mcp_server", d.Name))
		}
	}
	handshake := opts.HandshakeTimeout
	if handshake <= 0 {
		handshake = DefaultHandshakeTimeout
	}
	callTimeout := desc.Timeout
	if callTimeout <= 0 {
		callTimeout = opts.CallTimeout
	}
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	watch := opts.Watch
	if watch == nil {
		watch = connwatch.NewManager(logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		name:             desc.Name,
		desc:             desc,
		catalog:          catalog,
		ownsCatalog:      opts.Catalog == nil,
		dial:             dial,
		handshakeTimeout: handshake,
		callTimeout:      callTimeout,
		healthInterval:   opts.HealthInterval,
		watch:            watch,
		reconnectBackoff: opts.Reconnect,
		onNotification:   opts.OnNotification,
		filter:           newToolFilter(desc.IncludeTools, desc.ExcludeTools),
		bus:              opts.Bus,
		logger:           logger.With("mcp_server", desc.Name),
		ctx:              ctx,
		cancel:           cancel,
		pending:          make(map[int64]*pendingCall),
		progress:         make(map[string]*stream.Collector),
	}
}

// Name returns the server name.
func (c *Connection) Name() string {
	return c.name
}

// Descriptor returns a copy of the server description.
func (c *Connection) Descriptor() config.ServerConfig {
	return c.desc.Clone()
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open connects, performs the initialize handshake, and discovers the
// server's capabilities. It returns nil at once if the connection is
// already usable. Concurrent calls are serialized.
func (c *Connection) Open(ctx context.Context) error {
	c.openMu.Lock()
	defer c.openMu.Unlock()

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return c.disposedError("open", "")
	}
	usable := c.state.Usable()
	c.mu.Unlock()
	if usable {
		return nil
	}
	return c.connect(ctx)
}

func (c *Connection) connect(ctx context.Context) error {
	c.transition(StateConnecting, nil)
	start := time.Now()

	tr, err := c.dial(ctx, c.desc)
	if err != nil {
		return c.openFailed(err)
	}
	if err := tr.Open(ctx); err != nil {
		_ = tr.Close()
		return c.openFailed(err)
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		_ = tr.Close()
		return c.disposedError("open", "")
	}
	c.gen++
	s := &session{gen: c.gen, tr: tr}
	c.sess = s
	c.mu.Unlock()

	c.wg.Add(1)
	go c.dispatch(s)

	c.transition(StateHandshaking, nil)
	if err := c.handshake(ctx); err != nil {
		c.abortSession(s, err)
		return c.openFailed(err)
	}

	c.mu.Lock()
	if c.sess != s {
		// The transport dropped between discovery and now.
		c.mu.Unlock()
		return c.openFailed(c.errorf(mcperr.KindConnection, "open", "", "session ended during handshake"))
	}
	from := c.state
	c.state = StateConnected
	c.connectedAt = time.Now()
	c.mu.Unlock()
	c.announce(from, StateConnected, nil)

	c.logger.Info("MCP server connected", "elapsed", time.Since(start).Round(time.Millisecond))
	c.startHealth()
	return nil
}

// handshake performs initialize, the initialized notification, and
// capability discovery.
func (c *Connection) handshake(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      buildinfo.ClientInfo(),
	}

	raw, err := c.request(ctx, "initialize", "", params, c.handshakeTimeout)
	if err != nil {
		return err
	}

	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return c.errorf(mcperr.KindProtocol, "initialize", "", "unmarshal initialize result: %v", err)
	}

	c.mu.Lock()
	c.info = result
	c.mu.Unlock()

	c.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)

	// Send the initialized notification to complete the handshake.
	if err := c.notify(ctx, "notifications/initialized", nil); err != nil {
		return err
	}

	_, err = c.discover(ctx)
	return err
}

// openFailed records a failed open attempt and returns it as a typed
// error.
func (c *Connection) openFailed(err error) error {
	var e *mcperr.Error
	if !errors.As(err, &e) {
		err = &mcperr.Error{Kind: mcperr.KindConnection, Server: c.name, Op: "open", Err: err}
	}
	c.transition(StateError, err)
	c.logger.Warn("MCP server open failed", "error", err)
	return err
}

// abortSession tears down s if it is still current, rejecting its
// pending calls with cause.
func (c *Connection) abortSession(s *session, cause error) {
	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
	}
	orphans := c.takeSessionLocked(s.gen)
	c.mu.Unlock()

	c.reject(orphans, cause)
	_ = s.tr.Close()
}

// sessionEnded runs on the dispatch goroutine once the transport of s
// is done. Pending calls of the session are rejected as retryable
// connection errors and, if the descriptor asks for it, a reconnect is
// scheduled.
func (c *Connection) sessionEnded(s *session, cause error) {
	c.mu.Lock()
	if c.sess != s {
		// Closed locally or already replaced.
		c.mu.Unlock()
		return
	}
	c.sess = nil
	wasUsable := c.state.Usable()
	orphans := c.takeSessionLocked(s.gen)
	c.mu.Unlock()

	if cause == nil {
		cause = errors.New("transport closed by peer")
	}
	err := &mcperr.Error{Kind: mcperr.KindConnection, Server: c.name, Op: "session", Err: cause}
	c.logger.Warn("MCP server connection lost", "error", cause, "pending", len(orphans))

	c.reject(orphans, err)
	c.stopHealth()
	c.catalog.withdraw(c.name)
	c.transition(StateError, err)

	if wasUsable && c.desc.Reconnect {
		c.wg.Add(1)
		go c.reconnect()
	}
}

func (c *Connection) reconnect() {
	defer c.wg.Done()

	attempts, err := connwatch.Retry(c.ctx, c.reconnectBackoff, func(ctx context.Context, attempt int) error {
		c.logger.Info("reconnecting to MCP server", "attempt", attempt)
		return c.Open(ctx)
	})
	if err != nil {
		if c.ctx.Err() == nil {
			c.logger.Error("MCP server reconnect failed", "attempts", attempts, "error", err)
		}
		return
	}
	c.reconnects.Add(1)
	c.logger.Info("MCP server reconnected", "attempts", attempts)
}

// Close disposes of the connection: every pending call is rejected with
// a disposal error, the transport is closed, background work stops, and
// the server's capabilities are withdrawn from the catalog. Close is
// idempotent; a closed connection cannot be reopened.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.disposed = true
	s := c.sess
	c.sess = nil
	orphans := make([]*pendingCall, 0, len(c.pending))
	for id, p := range c.pending {
		orphans = append(orphans, p)
		delete(c.pending, id)
	}
	collectors := c.progress
	c.progress = make(map[string]*stream.Collector)
	c.mu.Unlock()

	c.cancel()
	for _, p := range orphans {
		p.done <- outcome{err: c.disposedError(p.method, p.target)}
	}
	for _, col := range collectors {
		col.Complete(nil, c.disposedError("tools/call", ""))
	}
	c.stopHealth()

	var err error
	if s != nil {
		err = s.tr.Close()
	}
	c.wg.Wait()

	c.catalog.withdraw(c.name)
	if c.ownsCatalog {
		c.catalog.Close()
	}
	c.transition(StateDisconnected, nil)
	c.logger.Info("MCP server connection closed", "rejected", len(orphans))
	return err
}

// transition moves to state to. After disposal only the final move to
// disconnected is honoured.
func (c *Connection) transition(to State, cause error) {
	c.mu.Lock()
	if c.disposed && to != StateDisconnected {
		c.mu.Unlock()
		return
	}
	from := c.state
	c.state = to
	if cause != nil {
		c.lastErr = cause
	}
	c.mu.Unlock()
	c.announce(from, to, cause)
}

func (c *Connection) announce(from, to State, cause error) {
	if from == to {
		return
	}
	c.logger.Debug("connection state change", "from", from.String(), "to", to.String())
	data := map[string]any{
		"server": c.name,
		"from":   from.String(),
		"to":     to.String(),
	}
	if cause != nil {
		data["error"] = cause.Error()
	}
	c.bus.Emit(events.SourceConnection, events.KindStateChange, data)
}

// startHealth registers the periodic ping probe. A failed probe marks
// the connection degraded; a later success marks it connected again.
func (c *Connection) startHealth() {
	if c.healthInterval <= 0 {
		return
	}
	w := c.watch.Watch(c.ctx, connwatch.WatcherConfig{
		Name:  c.name,
		Probe: c.Ping,
		Backoff: connwatch.BackoffConfig{
			PollInterval: c.healthInterval,
		},
		StartReady: true,
		OnReady:    func() { c.setHealthy(true, nil) },
		OnDown:     func(err error) { c.setHealthy(false, err) },
		Logger:     c.logger,
	})
	c.mu.Lock()
	c.watcher = w
	c.mu.Unlock()
}

func (c *Connection) stopHealth() {
	c.mu.Lock()
	w := c.watcher
	c.watcher = nil
	c.mu.Unlock()
	if w == nil {
		return
	}
	if cur, ok := c.watch.Get(c.name); ok && cur == w {
		c.watch.Unwatch(c.name)
		return
	}
	w.Stop()
}

func (c *Connection) setHealthy(healthy bool, cause error) {
	c.mu.Lock()
	if c.disposed || !c.state.Usable() {
		c.mu.Unlock()
		return
	}
	from := c.state
	to := StateDegraded
	if healthy {
		to = StateConnected
	} else {
		c.lastErr = cause
	}
	c.state = to
	c.mu.Unlock()
	c.announce(from, to, cause)
}

// Health returns the health watcher's view, if health checks run.
func (c *Connection) Health() (connwatch.ServiceStatus, bool) {
	c.mu.Lock()
	w := c.watcher
	c.mu.Unlock()
	if w == nil {
		return connwatch.ServiceStatus{}, false
	}
	return w.Status(), true
}

// Stats is a point-in-time view of a connection.
type Stats struct {
	Server         string    `json:"server"`
	Transport      string    `json:"transport"`
	State          State     `json:"state"`
	Requests       int64     `json:"requests"`
	Failures       int64     `json:"failures"`
	Timeouts       int64     `json:"timeouts"`
	LateResponses  int64     `json:"late_responses"`
	ProtocolErrors int64     `json:"protocol_errors"`
	Reconnects     int64     `json:"reconnects"`
	Pending        int       `json:"pending"`
	Session        uint64    `json:"session"`
	ConnectedAt    time.Time `json:"connected_at,omitzero"`
	LastError      string    `json:"last_error,omitempty"`
}

// Stats returns counters and state.
func (c *Connection) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Server:         c.name,
		Transport:      string(c.desc.Transport),
		State:          c.state,
		Requests:       c.requests.Load(),
		Failures:       c.failures.Load(),
		Timeouts:       c.timeouts.Load(),
		LateResponses:  c.late.Load(),
		ProtocolErrors: c.protocolErrors.Load(),
		Reconnects:     c.reconnects.Load(),
		Pending:        len(c.pending),
		Session:        c.gen,
	}
	if c.state.Usable() {
		s.ConnectedAt = c.connectedAt
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

// Pending returns the number of outstanding calls.
func (c *Connection) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// ServerInfo returns what the server reported during initialize.
func (c *Connection) ServerInfo() ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info.ServerInfo
}

func (c *Connection) errorf(kind mcperr.Kind, op, target, format string, args ...any) *mcperr.Error {
	return &mcperr.Error{Kind: kind, Server: c.name, Op: op, Target: target, Err: fmt.Errorf(format, args...)}
}

func (c *Connection) disposedError(op, target string) *mcperr.Error {
	return &mcperr.Error{Kind: mcperr.KindDisposed, Server: c.name, Op: op, Target: target, Err: errors.New("connection disposed")}
}
