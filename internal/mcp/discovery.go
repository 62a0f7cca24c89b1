package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nugget/mcplink/internal/jsonrpc"
	"github.com/nugget/mcplink/internal/mcperr"
)

// maxListPages stops a server that keeps returning cursors.
const maxListPages = 1000

// discover lists every capability the server advertised and publishes
// the result to the catalog, replacing the previous set wholesale.
func (c *Connection) discover(ctx context.Context) (*Snapshot, error) {
	c.mu.Lock()
	info := c.info
	c.mu.Unlock()

	snap := &Snapshot{
		Server:          c.name,
		ServerInfo:      info.ServerInfo,
		ProtocolVersion: info.ProtocolVersion,
		Instructions:    info.Instructions,
		Tools:           []Tool{},
		Resources:       []Resource{},
		Prompts:         []Prompt{},
		DiscoveredAt:    time.Now(),
	}
	caps := info.Capabilities

	if caps.Tools != nil {
		tools, err := listOptional[Tool](ctx, c, "tools/list", "tools")
		if err != nil {
			return nil, err
		}
		for i := range tools {
			tools[i].Server = c.name
		}
		kept := c.filter.apply(tools)
		if skipped := len(tools) - len(kept); skipped > 0 {
			c.logger.Debug("filtered MCP tools", "skipped", skipped)
		}
		snap.Tools = kept
	}

	if caps.Resources != nil {
		resources, err := listOptional[Resource](ctx, c, "resources/list", "resources")
		if err != nil {
			return nil, err
		}
		for i := range resources {
			resources[i].Server = c.name
		}
		snap.Resources = resources
	}

	if caps.Prompts != nil {
		prompts, err := listOptional[Prompt](ctx, c, "prompts/list", "prompts")
		if err != nil {
			return nil, err
		}
		for i := range prompts {
			prompts[i].Server = c.name
		}
		snap.Prompts = prompts
	}

	c.mu.Lock()
	c.schemas = nil
	c.mu.Unlock()
	c.catalog.publish(snap)

	c.logger.Info("MCP capabilities discovered",
		"tools", len(snap.Tools),
		"resources", len(snap.Resources),
		"prompts", len(snap.Prompts),
	)
	return snap, nil
}

// listOptional runs one capability listing. A server that answers the
// listing with an error response keeps its other capabilities: the
// failure is logged and the listing comes back empty. Transport
// failures and timeouts still abort discovery.
func listOptional[T any](ctx context.Context, c *Connection, method, field string) ([]T, error) {
	items, err := listAll[T](ctx, c, method, field)
	if err == nil {
		return items, nil
	}
	var rpcErr *jsonrpc.Error
	if !errors.As(err, &rpcErr) {
		return nil, err
	}
	c.logger.Warn("MCP capability listing failed, skipping",
		"method", method,
		"code", rpcErr.Code,
		"error", rpcErr.Message,
	)
	return []T{}, nil
}

// listAll follows nextCursor until the server stops returning one and
// returns the concatenated items found under field.
func listAll[T any](ctx context.Context, c *Connection, method, field string) ([]T, error) {
	var all []T
	cursor := ""
	for range maxListPages {
		var params any
		if cursor != "" {
			params = map[string]string{"cursor": cursor}
		}
		raw, err := c.request(ctx, method, "", params, c.handshakeTimeout)
		if err != nil {
			return nil, err
		}

		var body map[string]json.RawMessage
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, c.errorf(mcperr.KindProtocol, method, "", "unmarshal result: %v", err)
		}
		if v, ok := body[field]; ok {
			var items []T
			if err := json.Unmarshal(v, &items); err != nil {
				return nil, c.errorf(mcperr.KindProtocol, method, "", "unmarshal %s: %v", field, err)
			}
			all = append(all, items...)
		}

		cursor = ""
		if v, ok := body["nextCursor"]; ok {
			_ = json.Unmarshal(v, &cursor)
		}
		if cursor == "" {
			return all, nil
		}
	}
	return nil, c.errorf(mcperr.KindProtocol, method, "", "listing exceeded %d pages", maxListPages)
}
