package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/mcplink/internal/config"
	"github.com/nugget/mcplink/internal/events"
	"github.com/nugget/mcplink/internal/jsonrpc"
	"github.com/nugget/mcplink/internal/stream"
)

// replyTimeout bounds answers to server-initiated requests.
const replyTimeout = 10 * time.Second

// dispatch is the single consumer of a session's inbound channels.
// Frames are handled in arrival order, so notifications reach
// OnNotification in the order the server sent them.
func (c *Connection) dispatch(s *session) {
	defer c.wg.Done()
	tr := s.tr
	for {
		select {
		case frame := <-tr.Messages():
			c.handleFrame(s, frame)
		case err := <-tr.Errors():
			c.logger.Warn("MCP transport error", "error", err)
		case <-tr.Done():
			c.drain(s)
			c.sessionEnded(s, tr.Err())
			return
		}
	}
}

// drain handles frames that were queued before the transport finished.
func (c *Connection) drain(s *session) {
	for {
		select {
		case frame := <-s.tr.Messages():
			c.handleFrame(s, frame)
		default:
			return
		}
	}
}

func (c *Connection) handleFrame(s *session, frame []byte) {
	c.logger.Log(context.Background(), config.LevelTrace, "MCP recv", "frame", string(frame))

	msg, err := jsonrpc.Decode(frame)
	if err != nil {
		c.protocolErrors.Add(1)
		c.logger.Warn("discarding malformed MCP frame", "error", err)
		c.bus.Emit(events.SourceConnection, events.KindProtocolError, map[string]any{
			"server": c.name,
			"error":  err.Error(),
		})
		return
	}

	switch msg.Kind() {
	case jsonrpc.KindResponse:
		c.handleResponse(s, msg)
	case jsonrpc.KindNotification:
		c.handleNotification(msg)
	case jsonrpc.KindRequest:
		c.handleRequest(s, msg)
	}
}

// handleResponse resolves the pending call matching msg. A response for
// an id that is no longer pending, or that belongs to an earlier
// session, is dropped.
func (c *Connection) handleResponse(s *session, msg *jsonrpc.Message) {
	id, ok := msg.IDInt()
	if !ok {
		c.protocolErrors.Add(1)
		if msg.Error != nil {
			c.logger.Warn("MCP server reported an uncorrelated error",
				"code", msg.Error.Code, "message", msg.Error.Message)
		} else {
			c.logger.Warn("discarding MCP response with unusable id", "id", string(msg.ID))
		}
		return
	}

	c.mu.Lock()
	p, found := c.pending[id]
	if found && p.gen == s.gen {
		delete(c.pending, id)
	} else {
		p = nil
	}
	c.mu.Unlock()

	if p == nil {
		c.late.Add(1)
		c.logger.Debug("discarding late MCP response", "id", id, "session", s.gen)
		c.bus.Emit(events.SourceConnection, events.KindLateResponse, map[string]any{
			"server": c.name,
			"id":     id,
		})
		return
	}

	if msg.Error != nil {
		p.done <- outcome{err: c.rpcFailure(p.method, p.target, msg.Error)}
		return
	}
	p.done <- outcome{result: msg.Result}
}

// handleRequest answers server-initiated requests. Only ping is
// supported; anything else gets method-not-found with the id echoed.
func (c *Connection) handleRequest(s *session, msg *jsonrpc.Message) {
	var reply *jsonrpc.Message
	switch msg.Method {
	case "ping":
		r, err := jsonrpc.NewResult(msg.ID, struct{}{})
		if err != nil {
			return
		}
		reply = r
	default:
		c.logger.Debug("rejecting MCP server request", "method", msg.Method)
		reply = jsonrpc.NewErrorResponse(msg.ID, jsonrpc.CodeMethodNotFound, "method not found: "+msg.Method)
	}

	frame, err := jsonrpc.Encode(reply)
	if err != nil {
		c.logger.Warn("encode MCP reply", "error", err)
		return
	}
	// Sending may block on the transport, which may in turn be waiting
	// for this loop to take a frame; reply off the loop.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
		defer cancel()
		if err := s.tr.Send(ctx, frame); err != nil {
			c.logger.Debug("MCP reply not sent", "method", msg.Method, "error", err)
		}
	}()
}

func (c *Connection) handleNotification(msg *jsonrpc.Message) {
	switch msg.Method {
	case "notifications/tools/list_changed",
		"notifications/resources/list_changed",
		"notifications/prompts/list_changed":
		c.catalog.Snapshots.Invalidate(snapshotKey(c.name))
		c.scheduleRediscovery(msg.Method)

	case "notifications/resources/updated":
		var p struct {
			URI string `json:"uri"`
		}
		if err := json.Unmarshal(msg.Params, &p); err == nil && p.URI != "" {
			c.catalog.Contents.Invalidate(resourceKey(c.name, p.URI))
		}

	case "notifications/progress":
		c.handleProgress(msg.Params)

	case "notifications/message":
		c.logServerMessage(msg.Params)
	}

	if c.onNotification != nil {
		c.onNotification(msg.Method, msg.Params)
	}
	c.bus.Emit(events.SourceConnection, events.KindNotification, map[string]any{
		"server": c.name,
		"method": msg.Method,
		"params": msg.Params,
	})
}

// handleProgress routes a progress notification to the collector
// registered under its token. A notification may carry "seq" to have
// its chunk reordered; without it chunks are taken in arrival order.
func (c *Connection) handleProgress(params json.RawMessage) {
	var p struct {
		ProgressToken any     `json:"progressToken"`
		Progress      float64 `json:"progress"`
		Total         float64 `json:"total"`
		Message       string  `json:"message"`
		Seq           *int    `json:"seq"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.ProgressToken == nil {
		return
	}
	token := fmt.Sprint(p.ProgressToken)

	c.mu.Lock()
	col := c.progress[token]
	c.mu.Unlock()
	if col == nil {
		c.logger.Debug("progress for unknown token", "token", token)
		return
	}

	seq := stream.Unsequenced
	if p.Seq != nil {
		seq = *p.Seq
	}
	col.Add(stream.Chunk{
		Seq:      seq,
		Text:     p.Message,
		Progress: p.Progress,
		Total:    p.Total,
		Data:     params,
	})
}

// logServerMessage re-logs a notifications/message entry at the
// matching level.
func (c *Connection) logServerMessage(params json.RawMessage) {
	var p struct {
		Level  string          `json:"level"`
		Logger string          `json:"logger"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	level := slog.LevelInfo
	switch p.Level {
	case "debug":
		level = slog.LevelDebug
	case "warning":
		level = slog.LevelWarn
	case "error", "critical", "alert", "emergency":
		level = slog.LevelError
	}
	c.logger.Log(context.Background(), level, "MCP server log",
		"logger", p.Logger,
		"data", string(p.Data),
	)
}

// scheduleRediscovery refreshes the capability set in the background.
// Discovery issues requests whose responses arrive through the dispatch
// loop, so it must never run on it. Bursts of change notifications
// collapse into one refresh; a notification that lands while a refresh
// is running forces another pass once it finishes.
func (c *Connection) scheduleRediscovery(reason string) {
	c.stale.Store(true)
	if !c.rediscovering.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			c.stale.Store(false)
			c.rediscover(reason)
			c.rediscovering.Store(false)

			if c.ctx.Err() != nil || !c.stale.Load() {
				return
			}
			if !c.rediscovering.CompareAndSwap(false, true) {
				return
			}
			reason = "changed during refresh"
		}
	}()
}

func (c *Connection) rediscover(reason string) {
	ctx, cancel := context.WithTimeout(c.ctx, c.handshakeTimeout)
	defer cancel()
	snap, err := c.discover(ctx)
	if err != nil {
		c.logger.Warn("MCP rediscovery failed", "reason", reason, "error", err)
		return
	}
	c.bus.Emit(events.SourceConnection, events.KindCapabilitiesChanged, map[string]any{
		"server":    c.name,
		"tools":     len(snap.Tools),
		"resources": len(snap.Resources),
		"prompts":   len(snap.Prompts),
	})
}
