// Package pool owns the set of named MCP server connections. It opens
// them lazily on first use or eagerly at startup, enforces a cap on
// concurrently open connections, deduplicates concurrent opens of the
// same server, and routes every operation through the server's
// resilience guard and the audit log.
//
// [Pool.DisposeAll] is the only safe shutdown path: it closes every
// connection, rejecting their pending calls with a disposal error.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/nugget/mcplink/internal/audit"
	"github.com/nugget/mcplink/internal/config"
	"github.com/nugget/mcplink/internal/connwatch"
	"github.com/nugget/mcplink/internal/events"
	"github.com/nugget/mcplink/internal/mcp"
	"github.com/nugget/mcplink/internal/mcperr"
	"github.com/nugget/mcplink/internal/resilience"
	"github.com/nugget/mcplink/internal/security"
)

// Options configures a Pool. Zero values take defaults.
type Options struct {
	// Policy is config.PolicyLazy (default) or config.PolicyEager.
	Policy string
	// MaxConnections caps open connections. Zero is unlimited.
	MaxConnections int

	HandshakeTimeout time.Duration
	CallTimeout      time.Duration
	HealthInterval   time.Duration
	Reconnect        connwatch.BackoffConfig

	Security *security.Policy
	Catalog  *mcp.Catalog
	Audit    *audit.Log
	Bus      *events.Bus
	Logger   *slog.Logger

	// Dial overrides transport construction for every connection.
	Dial mcp.DialFunc
}

// FromConfig builds Options from a loaded config.
func FromConfig(cfg *config.Config, log *audit.Log, bus *events.Bus, logger *slog.Logger) Options {
	reconnect := connwatch.DefaultBackoffConfig()
	reconnect.Jitter = 0.2
	return Options{
		Policy:           cfg.Pool.Policy,
		MaxConnections:   cfg.Pool.MaxConnections,
		HandshakeTimeout: cfg.Pool.HandshakeTimeout,
		CallTimeout:      cfg.Pool.CallTimeout,
		HealthInterval:   cfg.Pool.HealthInterval,
		Reconnect:        reconnect,
		Security:         security.FromConfig(cfg.Security),
		Catalog:          mcp.NewCatalog(cfg.Cache),
		Audit:            log,
		Bus:              bus,
		Logger:           logger,
	}
}

// entry is one configured server. conn is set from the moment an open
// starts; opening is non-nil until that open finishes.
type entry struct {
	desc    config.ServerConfig
	guard   *resilience.Guard
	conn    *mcp.Connection
	opening *openCall
}

type openCall struct {
	done chan struct{}
	conn *mcp.Connection
	err  error
}

// Pool is a keyed set of connections. It is safe for concurrent use.
type Pool struct {
	opts    Options
	catalog *mcp.Catalog
	watch   *connwatch.Manager
	logger  *slog.Logger

	mu       sync.Mutex
	entries  map[string]*entry
	open     int
	disposed bool
}

// New creates a pool for servers. Nothing is opened until [Pool.Start]
// or the first call.
func New(servers []config.ServerConfig, opts Options) *Pool {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Policy == "" {
		opts.Policy = config.PolicyLazy
	}
	if opts.Security == nil {
		opts.Security = security.DefaultPolicy()
	}
	catalog := opts.Catalog
	if catalog == nil {
		catalog = mcp.NewCatalog(config.CacheConfig{})
	}
	p := &Pool{
		opts:    opts,
		catalog: catalog,
		watch:   connwatch.NewManager(logger),
		logger:  logger,
		entries: make(map[string]*entry, len(servers)),
	}
	for _, desc := range servers {
		p.entries[desc.Name] = p.newEntry(desc)
	}
	return p
}

func (p *Pool) newEntry(desc config.ServerConfig) *entry {
	desc = desc.Clone()
	return &entry{
		desc:  desc,
		guard: resilience.ForServer(desc, p.opts.Bus, p.logger),
	}
}

func (p *Pool) newConnection(desc config.ServerConfig) *mcp.Connection {
	return mcp.New(desc, mcp.Options{
		Catalog:          p.catalog,
		Policy:           p.opts.Security,
		Dial:             p.opts.Dial,
		HandshakeTimeout: p.opts.HandshakeTimeout,
		CallTimeout:      p.opts.CallTimeout,
		HealthInterval:   p.opts.HealthInterval,
		Watch:            p.watch,
		Reconnect:        p.opts.Reconnect,
		Bus:              p.opts.Bus,
		Logger:           p.logger,
	})
}

// Catalog returns the registries and caches shared by every connection.
func (p *Pool) Catalog() *mcp.Catalog { return p.catalog }

// Servers returns the configured server names, sorted.
func (p *Pool) Servers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.entries))
	for name := range p.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Descriptor returns the configuration of one server.
func (p *Pool) Descriptor(name string) (config.ServerConfig, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[name]
	if !ok {
		return config.ServerConfig{}, false
	}
	return e.desc.Clone(), true
}

func (p *Pool) notFound(name, op string) error {
	return &mcperr.Error{Kind: mcperr.KindServerNotFound, Server: name, Op: op, Err: errors.New("no such server")}
}

func (p *Pool) disposedErr(name, op string) error {
	return &mcperr.Error{Kind: mcperr.KindDisposed, Server: name, Op: op, Err: errors.New("pool disposed")}
}

// Get returns the connection for name, opening it if needed. Concurrent
// callers for a server that is still opening wait for that single open
// and share its outcome. When the pool is at MaxConnections a new open
// fails immediately with a pool-exhausted error.
func (p *Pool) Get(ctx context.Context, name string) (*mcp.Connection, error) {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return nil, p.disposedErr(name, "get")
	}
	e, ok := p.entries[name]
	if !ok {
		p.mu.Unlock()
		return nil, p.notFound(name, "get")
	}

	if op := e.opening; op != nil {
		p.mu.Unlock()
		select {
		case <-op.done:
			return op.conn, op.err
		case <-ctx.Done():
			return nil, &mcperr.Error{Kind: mcperr.KindTimeout, Server: name, Op: "open", Err: ctx.Err()}
		}
	}

	if c := e.conn; c != nil {
		p.mu.Unlock()
		// A connection that dropped without reconnecting is reopened
		// in place; Open is a no-op while it is usable.
		if err := c.Open(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}

	if p.opts.MaxConnections > 0 && p.open >= p.opts.MaxConnections {
		limit := p.opts.MaxConnections
		p.mu.Unlock()
		return nil, &mcperr.Error{
			Kind:   mcperr.KindPoolExhausted,
			Server: name,
			Op:     "open",
			Err:    fmt.Errorf("%d of %d connections in use", limit, limit),
		}
	}

	conn := p.newConnection(e.desc)
	op := &openCall{done: make(chan struct{})}
	e.conn = conn
	e.opening = op
	p.open++
	p.mu.Unlock()

	start := time.Now()
	err := conn.Open(ctx)

	p.mu.Lock()
	e.opening = nil
	owned := e.conn == conn
	if err != nil || !owned || p.disposed {
		if owned {
			e.conn = nil
			p.open--
		}
		p.mu.Unlock()
		conn.Close()
		if err == nil {
			err = p.disposedErr(name, "open")
		}
		conn = nil
	} else {
		p.mu.Unlock()
	}
	op.conn, op.err = conn, err
	close(op.done)

	p.record(audit.TypeConnect, name, "", start, err, nil)
	return conn, err
}

// Start opens every server when the policy is eager and is a no-op
// otherwise. Failures are logged per server and skipped; the joined
// errors are returned.
func (p *Pool) Start(ctx context.Context) error {
	if p.opts.Policy != config.PolicyEager {
		return nil
	}
	return p.Connect(ctx)
}

// Connect opens every configured server concurrently. A server that
// fails does not stop the others.
func (p *Pool) Connect(ctx context.Context) error {
	names := p.Servers()
	errs := make([]error, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Get(ctx, name); err != nil {
				p.logger.Warn("MCP server open failed", "mcp_server", name, "error", err)
				errs[i] = err
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Add registers a new server. It fails if the name is taken or the
// descriptor is invalid. Under the eager policy the server is opened
// before Add returns.
func (p *Pool) Add(ctx context.Context, desc config.ServerConfig) error {
	if err := desc.Validate(); err != nil {
		return &mcperr.Error{Kind: mcperr.KindValidation, Server: desc.Name, Op: "add", Err: err}
	}
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return p.disposedErr(desc.Name, "add")
	}
	if _, ok := p.entries[desc.Name]; ok {
		p.mu.Unlock()
		return &mcperr.Error{Kind: mcperr.KindValidation, Server: desc.Name, Op: "add", Err: errors.New("server already exists")}
	}
	p.entries[desc.Name] = p.newEntry(desc)
	p.mu.Unlock()

	p.logger.Info("MCP server added", "mcp_server", desc.Name, "transport", desc.Transport)
	p.opts.Bus.Emit(events.SourcePool, events.KindServerAdded, map[string]any{"server": desc.Name})

	if p.opts.Policy == config.PolicyEager {
		if _, err := p.Get(ctx, desc.Name); err != nil {
			return err
		}
	}
	return nil
}

// Remove closes and forgets a server. Its pending calls are rejected
// with a disposal error and its capabilities leave the registries.
func (p *Pool) Remove(name string) error {
	p.mu.Lock()
	e, ok := p.entries[name]
	if !ok {
		p.mu.Unlock()
		return p.notFound(name, "remove")
	}
	delete(p.entries, name)
	conn := e.conn
	if conn != nil {
		e.conn = nil
		p.open--
	}
	p.mu.Unlock()

	p.closeConn(name, conn)
	p.logger.Info("MCP server removed", "mcp_server", name)
	p.opts.Bus.Emit(events.SourcePool, events.KindServerRemoved, map[string]any{"server": name})
	return nil
}

func (p *Pool) closeConn(name string, conn *mcp.Connection) {
	if conn == nil {
		return
	}
	start := time.Now()
	err := conn.Close()
	p.record(audit.TypeDisconnect, name, "", start, err, nil)
}

// SyncResult lists what [Pool.Sync] changed.
type SyncResult struct {
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
	Updated []string `json:"updated,omitempty"`
}

// Sync reconciles the pool with a new server set. Servers absent from
// descs are removed, new ones added, and servers whose descriptor
// changed are closed and replaced. Unchanged servers keep their
// connection and breaker state.
func (p *Pool) Sync(ctx context.Context, descs []config.ServerConfig) (SyncResult, error) {
	want := make(map[string]config.ServerConfig, len(descs))
	for _, d := range descs {
		want[d.Name] = d
	}

	var res SyncResult
	var errs []error
	for _, name := range p.Servers() {
		d, keep := want[name]
		if !keep {
			if err := p.Remove(name); err == nil {
				res.Removed = append(res.Removed, name)
			}
			continue
		}
		cur, _ := p.Descriptor(name)
		if reflect.DeepEqual(cur, d.Clone()) {
			delete(want, name)
			continue
		}
		if err := p.Remove(name); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := p.Add(ctx, d); err != nil {
			errs = append(errs, err)
		}
		res.Updated = append(res.Updated, name)
		delete(want, name)
	}

	added := make([]string, 0, len(want))
	for name := range want {
		added = append(added, name)
	}
	sort.Strings(added)
	for _, name := range added {
		if err := p.Add(ctx, want[name]); err != nil {
			errs = append(errs, err)
			continue
		}
		res.Added = append(res.Added, name)
	}

	p.logger.Info("MCP server set reloaded",
		"added", len(res.Added),
		"removed", len(res.Removed),
		"updated", len(res.Updated),
	)
	p.opts.Bus.Emit(events.SourcePool, events.KindReloaded, map[string]any{
		"servers": p.Servers(),
		"added":   res.Added,
		"removed": res.Removed,
		"updated": res.Updated,
	})
	return res, errors.Join(errs...)
}

// DisposeAll closes every connection concurrently and refuses further
// use of the pool. Pending calls on every connection fail with a
// disposal error distinct from a timeout. It is safe to call twice.
func (p *Pool) DisposeAll() error {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return nil
	}
	p.disposed = true
	conns := make(map[string]*mcp.Connection)
	for name, e := range p.entries {
		if e.conn != nil {
			conns[name] = e.conn
			e.conn = nil
		}
	}
	p.open = 0
	p.mu.Unlock()

	var wg sync.WaitGroup
	for name, c := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.closeConn(name, c)
		}()
	}
	wg.Wait()
	p.watch.Stop()
	p.catalog.Close()

	p.logger.Info("connection pool disposed", "connections", len(conns))
	return nil
}

// record writes one audit entry for an operation that started at start.
func (p *Pool) record(typ audit.Type, server, target string, start time.Time, err error, md map[string]any) {
	e := audit.Entry{
		Type:     typ,
		Server:   server,
		Target:   target,
		Success:  err == nil,
		Duration: time.Since(start),
		Metadata: md,
	}
	if err != nil {
		e.Error = err.Error()
		if md == nil {
			e.Metadata = map[string]any{}
		}
		e.Metadata["kind"] = mcperr.KindOf(err).String()
	}
	p.opts.Audit.Record(e)
}
