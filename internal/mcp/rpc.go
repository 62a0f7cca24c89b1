package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/nugget/mcplink/internal/config"
	"github.com/nugget/mcplink/internal/jsonrpc"
	"github.com/nugget/mcplink/internal/mcperr"
	"github.com/nugget/mcplink/internal/transport"
)

// cancelTimeout bounds the best-effort notifications/cancelled send.
const cancelTimeout = 5 * time.Second

// request sends method and waits for its response, the timeout, ctx, or
// disposal, whichever comes first. The pending entry is removed exactly
// once on every path.
func (c *Connection) request(ctx context.Context, method, target string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.callTimeout
	}

	id := c.nextID.Add(1)
	msg, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, &mcperr.Error{Kind: mcperr.KindValidation, Server: c.name, Op: method, Target: target, Err: err}
	}
	frame, err := jsonrpc.Encode(msg)
	if err != nil {
		return nil, &mcperr.Error{Kind: mcperr.KindValidation, Server: c.name, Op: method, Target: target, Err: err}
	}

	now := time.Now()
	p := &pendingCall{
		id:       id,
		method:   method,
		target:   target,
		issued:   now,
		deadline: now.Add(timeout),
		done:     make(chan outcome, 1),
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil, c.disposedError(method, target)
	}
	s := c.sess
	if s == nil || !(c.state == StateHandshaking || c.state.Usable()) {
		state := c.state
		c.mu.Unlock()
		return nil, c.errorf(mcperr.KindConnection, method, target, "not connected (state %s)", state)
	}
	p.gen = s.gen
	c.pending[id] = p
	c.mu.Unlock()
	c.requests.Add(1)

	c.logger.Log(ctx, config.LevelTrace, "MCP send", "id", id, "method", method, "frame", string(frame))
	if err := s.tr.Send(ctx, frame); err != nil {
		if c.take(id) {
			return nil, c.sendError(method, target, err)
		}
		// Already resolved (disposal raced the send); report that.
		out := <-p.done
		return out.result, out.err
	}

	timer := time.NewTimer(time.Until(p.deadline))
	defer timer.Stop()

	select {
	case out := <-p.done:
		return out.result, out.err
	case <-timer.C:
		return c.abandon(p, s, &mcperr.Error{
			Kind:   mcperr.KindTimeout,
			Server: c.name,
			Op:     method,
			Target: target,
			Err:    errors.New("no response within " + timeout.String()),
		})
	case <-ctx.Done():
		var err error
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = &mcperr.Error{Kind: mcperr.KindTimeout, Server: c.name, Op: method, Target: target, Err: ctx.Err()}
		} else {
			err = &mcperr.Error{Kind: mcperr.KindUnknown, Server: c.name, Op: method, Target: target, Err: ctx.Err()}
		}
		return c.abandon(p, s, err)
	}
}

// abandon gives up on p. If the response won the race its outcome is
// returned instead; otherwise the server is told to stop working on it.
func (c *Connection) abandon(p *pendingCall, s *session, err error) (json.RawMessage, error) {
	if !c.take(p.id) {
		out := <-p.done
		return out.result, out.err
	}
	if mcperr.KindOf(err) == mcperr.KindTimeout {
		c.timeouts.Add(1)
		c.logger.Warn("MCP request timed out",
			"id", p.id,
			"method", p.method,
			"target", p.target,
			"elapsed", time.Since(p.issued).Round(time.Millisecond),
		)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
		defer cancel()
		msg, nerr := jsonrpc.NewNotification("notifications/cancelled", map[string]any{
			"requestId": p.id,
			"reason":    err.Error(),
		})
		if nerr != nil {
			return
		}
		frame, nerr := jsonrpc.Encode(msg)
		if nerr != nil {
			return
		}
		if nerr := s.tr.Send(ctx, frame); nerr != nil {
			c.logger.Debug("cancel notification not sent", "id", p.id, "error", nerr)
		}
	}()
	return nil, err
}

// take removes id from the pending table and reports whether it was
// still there.
func (c *Connection) take(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}

// takeSessionLocked removes and returns every pending call issued on
// session gen. Caller holds c.mu.
func (c *Connection) takeSessionLocked(gen uint64) []*pendingCall {
	var out []*pendingCall
	for id, p := range c.pending {
		if p.gen == gen {
			out = append(out, p)
			delete(c.pending, id)
		}
	}
	return out
}

// reject resolves calls already removed from the table with err.
func (c *Connection) reject(calls []*pendingCall, err error) {
	for _, p := range calls {
		e := err
		var me *mcperr.Error
		if errors.As(err, &me) {
			cp := *me
			cp.Op = p.method
			cp.Target = p.target
			e = &cp
		}
		p.done <- outcome{err: e}
	}
}

// notify sends a notification on the current session.
func (c *Connection) notify(ctx context.Context, method string, params any) error {
	msg, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return &mcperr.Error{Kind: mcperr.KindValidation, Server: c.name, Op: method, Err: err}
	}
	frame, err := jsonrpc.Encode(msg)
	if err != nil {
		return &mcperr.Error{Kind: mcperr.KindValidation, Server: c.name, Op: method, Err: err}
	}

	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		return c.errorf(mcperr.KindConnection, method, "", "not connected")
	}
	c.logger.Log(ctx, config.LevelTrace, "MCP send", "method", method, "frame", string(frame))
	if err := s.tr.Send(ctx, frame); err != nil {
		return c.sendError(method, "", err)
	}
	return nil
}

// sendError classifies a transport send failure.
func (c *Connection) sendError(method, target string, err error) error {
	var e *mcperr.Error
	if errors.As(err, &e) {
		cp := *e
		if cp.Server == "" {
			cp.Server = c.name
		}
		cp.Target = target
		return &cp
	}
	kind := mcperr.KindTransport
	if errors.Is(err, transport.ErrClosed) || errors.Is(err, transport.ErrNotOpen) {
		kind = mcperr.KindConnection
	}
	return &mcperr.Error{Kind: kind, Server: c.name, Op: method, Target: target, Err: err}
}

// rpcFailure maps a JSON-RPC error response onto the error taxonomy.
func (c *Connection) rpcFailure(method, target string, rpcErr *jsonrpc.Error) error {
	err := &mcperr.Error{Server: c.name, Op: method, Target: target, Err: rpcErr}
	switch rpcErr.Code {
	case jsonrpc.CodeInvalidParams:
		err.Kind = mcperr.KindValidation
	case jsonrpc.CodeCapabilityNotFound:
		err.Kind = notFoundKind(method)
	case jsonrpc.CodeToolExecutionFailed:
		err.Kind = mcperr.KindTool
	case jsonrpc.CodeInternalError:
		// An internal error is a transient server fault worth retrying.
		err.Kind = operationKind(method)
		err.Flagged = true
	case jsonrpc.CodeParseError, jsonrpc.CodeInvalidRequest, jsonrpc.CodeMethodNotFound:
		err.Kind = mcperr.KindProtocol
	default:
		err.Kind = operationKind(method)
	}
	return err
}

func operationKind(method string) mcperr.Kind {
	switch {
	case strings.HasPrefix(method, "tools/"):
		return mcperr.KindTool
	case strings.HasPrefix(method, "resources/"):
		return mcperr.KindResource
	}
	return mcperr.KindUnknown
}

func notFoundKind(method string) mcperr.Kind {
	switch {
	case strings.HasPrefix(method, "tools/"):
		return mcperr.KindToolNotFound
	case strings.HasPrefix(method, "resources/"):
		return mcperr.KindResourceNotFound
	case strings.HasPrefix(method, "prompts/"):
		return mcperr.KindPromptNotFound
	}
	return mcperr.KindProtocol
}
