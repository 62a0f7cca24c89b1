package pool

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nugget/mcplink/internal/audit"
	"github.com/nugget/mcplink/internal/mcp"
	"github.com/nugget/mcplink/internal/mcperr"
	"github.com/nugget/mcplink/internal/paging"
	"github.com/nugget/mcplink/internal/resilience"
	"github.com/nugget/mcplink/internal/stream"
)

func (p *Pool) guard(name, op string) (*resilience.Guard, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return nil, p.disposedErr(name, op)
	}
	e, ok := p.entries[name]
	if !ok {
		return nil, p.notFound(name, op)
	}
	return e.guard, nil
}

// guarded runs fn against server's connection under the server's rate
// limit, breaker and retry policy. The connection is fetched inside the
// guarded call so failed opens count against the breaker too.
func guarded[T any](ctx context.Context, p *Pool, server, op, target string, fn func(context.Context, *mcp.Connection) (T, error)) (T, error) {
	var zero T
	g, err := p.guard(server, op)
	if err != nil {
		return zero, err
	}
	return resilience.Call(ctx, g, target, func(ctx context.Context) (T, error) {
		c, err := p.Get(ctx, server)
		if err != nil {
			return zero, err
		}
		return fn(ctx, c)
	})
}

// InvokeTool calls tool on server. A zero timeout uses the server's
// configured call timeout.
func (p *Pool) InvokeTool(ctx context.Context, server, tool string, args map[string]any, timeout time.Duration) (*mcp.ToolResult, error) {
	start := time.Now()
	res, err := guarded(ctx, p, server, "tools/call", tool, func(ctx context.Context, c *mcp.Connection) (*mcp.ToolResult, error) {
		return c.InvokeTool(ctx, tool, args, timeout)
	})
	p.record(audit.TypeInvoke, server, tool, start, err, map[string]any{"args": args})
	return res, err
}

// InvokeToolStream starts tool on server and returns a collector that
// receives its progress output. The returned collector completes when
// the call does; only starting the call is guarded.
func (p *Pool) InvokeToolStream(ctx context.Context, server, tool string, args map[string]any, timeout time.Duration) (*stream.Collector, error) {
	start := time.Now()
	col, err := guarded(ctx, p, server, "tools/call", tool, func(ctx context.Context, c *mcp.Connection) (*stream.Collector, error) {
		return c.InvokeToolStream(ctx, tool, args, timeout)
	})
	if err != nil {
		p.record(audit.TypeInvoke, server, tool, start, err, map[string]any{"args": args, "stream": true})
		return nil, err
	}
	go func() {
		_, err := col.Wait(context.WithoutCancel(ctx))
		p.record(audit.TypeInvoke, server, tool, start, err, map[string]any{"args": args, "stream": true})
	}()
	return col, nil
}

// ReadResource reads uri from server.
func (p *Pool) ReadResource(ctx context.Context, server, uri string) (*mcp.ResourceResult, error) {
	start := time.Now()
	res, err := guarded(ctx, p, server, "resources/read", uri, func(ctx context.Context, c *mcp.Connection) (*mcp.ResourceResult, error) {
		return c.ReadResource(ctx, uri)
	})
	p.record(audit.TypeRead, server, uri, start, err, nil)
	return res, err
}

// ListPrompts returns the prompts server offers.
func (p *Pool) ListPrompts(ctx context.Context, server string) ([]mcp.Prompt, error) {
	start := time.Now()
	res, err := guarded(ctx, p, server, "prompts/list", "", func(ctx context.Context, c *mcp.Connection) ([]mcp.Prompt, error) {
		return c.ListPrompts(ctx)
	})
	p.record(audit.TypeList, server, "prompts", start, err, nil)
	return res, err
}

// GetPrompt renders prompt name on server.
func (p *Pool) GetPrompt(ctx context.Context, server, name string, args map[string]string) (*mcp.PromptResult, error) {
	start := time.Now()
	res, err := guarded(ctx, p, server, "prompts/get", name, func(ctx context.Context, c *mcp.Connection) (*mcp.PromptResult, error) {
		return c.GetPrompt(ctx, name, args)
	})
	md := make(map[string]any, 1)
	if len(args) > 0 {
		md["args"] = args
	}
	p.record(audit.TypePrompt, server, name, start, err, md)
	return res, err
}

// Snapshot returns server's capability set, opening it if needed.
func (p *Pool) Snapshot(ctx context.Context, server string) (*mcp.Snapshot, error) {
	start := time.Now()
	res, err := guarded(ctx, p, server, "snapshot", "", func(ctx context.Context, c *mcp.Connection) (*mcp.Snapshot, error) {
		return c.Snapshot(ctx)
	})
	p.record(audit.TypeList, server, "capabilities", start, err, nil)
	return res, err
}

// ResolveTool maps a namespaced tool name (mcp_<server>_<tool>) back
// to its server and tool.
func (p *Pool) ResolveTool(namespaced string) (server, tool string, err error) {
	for _, e := range p.catalog.Tools.All() {
		if mcp.ToolName(e.Key.Server, e.Key.Name) == namespaced {
			return e.Key.Server, e.Key.Name, nil
		}
	}
	return "", "", &mcperr.Error{
		Kind:   mcperr.KindToolNotFound,
		Op:     "resolve",
		Target: namespaced,
		Err:    errors.New("no registered tool has this name"),
	}
}

// InvokeNamespaced invokes a tool by its namespaced name.
func (p *Pool) InvokeNamespaced(ctx context.Context, namespaced string, args map[string]any, timeout time.Duration) (*mcp.ToolResult, error) {
	server, tool, err := p.ResolveTool(namespaced)
	if err != nil {
		return nil, err
	}
	return p.InvokeTool(ctx, server, tool, args, timeout)
}

// ListTools pages through every registered tool across servers, ordered
// by server then name.
func (p *Pool) ListTools(cursor string, size int) (paging.Page[mcp.Tool], error) {
	entries := p.catalog.Tools.All()
	tools := make([]mcp.Tool, len(entries))
	for i, e := range entries {
		tools[i] = e.Value
	}
	page, err := paging.Paginate(tools, cursor, size, func(t mcp.Tool) string { return t.Server + "/" + t.Name })
	return page, cursorError(err, "tools")
}

// ListResources pages through every registered resource across servers.
func (p *Pool) ListResources(cursor string, size int) (paging.Page[mcp.Resource], error) {
	entries := p.catalog.Resources.All()
	res := make([]mcp.Resource, len(entries))
	for i, e := range entries {
		res[i] = e.Value
	}
	page, err := paging.Paginate(res, cursor, size, func(r mcp.Resource) string { return r.Server + "/" + r.URI })
	return page, cursorError(err, "resources")
}

func cursorError(err error, what string) error {
	if err == nil {
		return nil
	}
	return &mcperr.Error{Kind: mcperr.KindValidation, Op: "list", Target: what, Err: err}
}

// FindTools returns registered tools whose "server/name" matches a glob
// pattern, or whose name contains pattern when it has no glob syntax.
func (p *Pool) FindTools(pattern string) ([]mcp.Tool, error) {
	var tools []mcp.Tool
	if !strings.ContainsAny(pattern, "*?[{") {
		for _, e := range p.catalog.Tools.Search(pattern) {
			tools = append(tools, e.Value)
		}
		return tools, nil
	}
	entries, err := p.catalog.Tools.Match(pattern)
	if err != nil {
		return nil, &mcperr.Error{Kind: mcperr.KindValidation, Op: "find", Target: pattern, Err: err}
	}
	for _, e := range entries {
		tools = append(tools, e.Value)
	}
	return tools, nil
}
