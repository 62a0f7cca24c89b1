package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"

	"github.com/nugget/mcplink/internal/mcperr"
	"github.com/nugget/mcplink/internal/security"
	"github.com/nugget/mcplink/internal/stream"
)

// ready refuses calls on a connection that is not usable.
func (c *Connection) ready(op, target string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return c.disposedError(op, target)
	}
	if !c.state.Usable() {
		return c.errorf(mcperr.KindConnection, op, target, "not connected (state %s)", c.state)
	}
	return nil
}

// observe counts a failed public operation.
func (c *Connection) observe(err error) error {
	if err != nil {
		c.failures.Add(1)
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
	}
	return err
}

// InvokeTool calls a tool and waits for its result. A zero timeout uses
// the connection's default. Arguments are checked against the tool's
// input schema before anything is sent.
func (c *Connection) InvokeTool(ctx context.Context, name string, args map[string]any, timeout time.Duration) (*ToolResult, error) {
	res, err := c.invokeTool(ctx, name, args, timeout, "")
	return res, c.observe(err)
}

// InvokeToolStream starts a tool call and returns at once. Progress
// notifications for the call accumulate in the collector; its
// completion carries the JSON-encoded ToolResult or the call's error.
func (c *Connection) InvokeToolStream(ctx context.Context, name string, args map[string]any, timeout time.Duration) (*stream.Collector, error) {
	if err := c.ready("tools/call", name); err != nil {
		return nil, err
	}

	token := uuid.NewString()
	col := stream.NewCollector(0)

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil, c.disposedError("tools/call", name)
	}
	c.progress[token] = col
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.progress, token)
			c.mu.Unlock()
		}()

		res, err := c.invokeTool(ctx, name, args, timeout, token)
		if err != nil {
			col.Complete(nil, c.observe(err))
			return
		}
		raw, err := json.Marshal(res)
		col.Complete(raw, err)
	}()
	return col, nil
}

func (c *Connection) invokeTool(ctx context.Context, name string, args map[string]any, timeout time.Duration, progressToken string) (*ToolResult, error) {
	const op = "tools/call"
	if err := c.ready(op, name); err != nil {
		return nil, err
	}

	tool, ok := c.catalog.Tools.Get(c.name, name)
	if !ok {
		return nil, c.errorf(mcperr.KindToolNotFound, op, name, "tool is not registered")
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := c.validateArgs(tool, args); err != nil {
		return nil, err
	}

	params := map[string]any{
		"name":      name,
		"arguments": args,
	}
	if progressToken != "" {
		params["_meta"] = map[string]any{"progressToken": progressToken}
	}

	raw, err := c.request(ctx, op, name, params, timeout)
	if err != nil {
		return nil, err
	}

	var result ToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, c.errorf(mcperr.KindProtocol, op, name, "unmarshal tool result: %v", err)
	}
	if result.IsError {
		msg := result.Text()
		if msg == "" {
			msg = "tool reported an error"
		}
		return nil, &mcperr.Error{Kind: mcperr.KindTool, Server: c.name, Op: op, Target: name, Err: errors.New(msg)}
	}
	return &result, nil
}

// validateArgs checks args against the tool's input schema. Schemas
// the validator cannot compile are skipped and left to the server.
func (c *Connection) validateArgs(tool Tool, args map[string]any) error {
	if len(tool.InputSchema) == 0 {
		return nil
	}
	resolved, err := c.schemaFor(tool)
	if err != nil {
		c.logger.Debug("skipping argument validation", "tool", tool.Name, "error", err)
		return nil
	}

	// Normalize through JSON so numbers and nested values take the
	// shapes the validator expects.
	data, err := json.Marshal(args)
	if err != nil {
		return &mcperr.Error{Kind: mcperr.KindValidation, Server: c.name, Op: "tools/call", Target: tool.Name, Err: err}
	}
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return &mcperr.Error{Kind: mcperr.KindValidation, Server: c.name, Op: "tools/call", Target: tool.Name, Err: err}
	}
	if err := resolved.Validate(instance); err != nil {
		return &mcperr.Error{Kind: mcperr.KindValidation, Server: c.name, Op: "tools/call", Target: tool.Name, Err: err}
	}
	return nil
}

// schemaFor compiles and memoizes a tool's input schema until the next
// discovery.
func (c *Connection) schemaFor(tool Tool) (*jsonschema.Resolved, error) {
	c.mu.Lock()
	if rs, ok := c.schemas[tool.Name]; ok {
		c.mu.Unlock()
		return rs, nil
	}
	c.mu.Unlock()

	data, err := json.Marshal(tool.InputSchema)
	if err != nil {
		return nil, err
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, err
	}
	rs, err := schema.Resolve(nil)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.schemas == nil {
		c.schemas = make(map[string]*jsonschema.Resolved)
	}
	c.schemas[tool.Name] = rs
	c.mu.Unlock()
	return rs, nil
}

// ReadResource reads a resource, serving repeated reads of the same uri
// from the content cache until it expires or the server reports it
// updated. file:// uris must resolve inside the descriptor's resource
// root.
func (c *Connection) ReadResource(ctx context.Context, uri string) (*ResourceResult, error) {
	const op = "resources/read"
	if err := c.ready(op, uri); err != nil {
		return nil, c.observe(err)
	}
	if _, _, err := security.ResolveResourcePath(c.desc.ResourceRoot, uri); err != nil {
		return nil, c.observe(&mcperr.Error{Kind: mcperr.KindSecurity, Server: c.name, Op: op, Target: uri, Err: err, Permanent: true})
	}

	res, err := c.catalog.Contents.GetOrLoad(resourceKey(c.name, uri), func() (*ResourceResult, error) {
		raw, err := c.request(ctx, op, uri, map[string]any{"uri": uri}, 0)
		if err != nil {
			return nil, err
		}
		var result ResourceResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, c.errorf(mcperr.KindProtocol, op, uri, "unmarshal resource: %v", err)
		}
		return &result, nil
	})
	return res, c.observe(err)
}

// Snapshot returns the server's capability set, from cache when fresh
// and by rediscovery otherwise.
func (c *Connection) Snapshot(ctx context.Context) (*Snapshot, error) {
	if err := c.ready("snapshot", ""); err != nil {
		return nil, err
	}
	snap, err := c.catalog.Snapshots.GetOrLoad(snapshotKey(c.name), func() (*Snapshot, error) {
		return c.discover(ctx)
	})
	return snap, c.observe(err)
}

// ListTools returns the server's tools after include/exclude filtering.
func (c *Connection) ListTools(ctx context.Context) ([]Tool, error) {
	snap, err := c.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Tools, nil
}

// ListResources returns the server's resources.
func (c *Connection) ListResources(ctx context.Context) ([]Resource, error) {
	snap, err := c.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Resources, nil
}

// ListPrompts returns the server's prompts.
func (c *Connection) ListPrompts(ctx context.Context) ([]Prompt, error) {
	snap, err := c.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Prompts, nil
}

// GetPrompt renders a prompt with the given arguments.
func (c *Connection) GetPrompt(ctx context.Context, name string, args map[string]string) (*PromptResult, error) {
	const op = "prompts/get"
	if err := c.ready(op, name); err != nil {
		return nil, c.observe(err)
	}
	if _, ok := c.catalog.Prompts.Get(c.name, name); !ok {
		return nil, c.observe(c.errorf(mcperr.KindPromptNotFound, op, name, "prompt is not registered"))
	}

	params := map[string]any{"name": name}
	if len(args) > 0 {
		params["arguments"] = args
	}
	raw, err := c.request(ctx, op, name, params, 0)
	if err != nil {
		return nil, c.observe(err)
	}
	var result PromptResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, c.observe(c.errorf(mcperr.KindProtocol, op, name, "unmarshal prompt: %v", err))
	}
	return &result, nil
}

// Ping checks the server responds. It uses its own request id and
// never waits behind other calls.
func (c *Connection) Ping(ctx context.Context) error {
	if err := c.ready("ping", ""); err != nil {
		return err
	}
	_, err := c.request(ctx, "ping", "", nil, 0)
	return err
}
