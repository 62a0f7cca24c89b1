package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nugget/mcplink/internal/audit"
	"github.com/nugget/mcplink/internal/buildinfo"
	"github.com/nugget/mcplink/internal/config"
	"github.com/nugget/mcplink/internal/events"
	"github.com/nugget/mcplink/internal/mcp"
)

// runServe opens the pool, follows config edits and logs events and
// periodic health until SIGINT or SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	rt, err := setup(ctx, stdout, configPath)
	if err != nil {
		return err
	}
	defer rt.close()
	logger := rt.logger

	logger.Info("starting mcplink",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"config", rt.cfgPath,
		"servers", len(rt.cfg.Servers),
		"policy", rt.cfg.Pool.Policy,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rt.pool.Start(ctx); err != nil {
		logger.Warn("some servers failed to open", "error", err)
	}

	evs := rt.bus.Subscribe(256)
	defer rt.bus.Unsubscribe(evs)

	go func() {
		err := config.Watch(ctx, rt.cfgPath, logger, func(cfg *config.Config) {
			if lv, err := config.ParseLogLevel(cfg.LogLevel); err == nil {
				rt.level.Set(lv)
			}
			rt.bus.Emit(events.SourceConfig, events.KindReloaded, map[string]any{"path": rt.cfgPath})
			if _, err := rt.pool.Sync(ctx, cfg.Servers); err != nil {
				logger.Warn("config reload partially applied", "error", err)
			}
		})
		if err != nil {
			logger.Warn("config watching disabled", "error", err)
		}
	}()

	interval := rt.cfg.Pool.HealthInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received")
			return nil
		case ev := <-evs:
			logEvent(logger, ev)
		case <-ticker.C:
			h := rt.pool.Health()
			logger.Info("pool health",
				"status", h.Status,
				"healthy", h.Healthy,
				"degraded", h.Degraded,
				"down", h.Down,
				"idle", h.Idle,
			)
		}
	}
}

func logEvent(logger *slog.Logger, ev events.Event) {
	attrs := []any{"source", ev.Source, "kind", ev.Kind}
	for k, v := range ev.Data {
		if k == "params" {
			continue
		}
		attrs = append(attrs, k, v)
	}
	switch ev.Kind {
	case events.KindNotification, events.KindLateResponse:
		logger.Debug("event", attrs...)
	default:
		logger.Info("event", attrs...)
	}
}

func runTools(ctx context.Context, out output, logw io.Writer, configPath, pattern string) error {
	rt, err := setup(ctx, logw, configPath)
	if err != nil {
		return err
	}
	defer rt.close()

	if err := rt.pool.Connect(ctx); err != nil {
		rt.logger.Warn("some servers failed to open", "error", err)
	}

	var tools []mcp.Tool
	if pattern != "" {
		if tools, err = rt.pool.FindTools(pattern); err != nil {
			return err
		}
	} else {
		for _, e := range rt.pool.Catalog().Tools.All() {
			tools = append(tools, e.Value)
		}
	}

	if out.json {
		if tools == nil {
			tools = []mcp.Tool{}
		}
		return out.encode(tools)
	}
	if len(tools) == 0 {
		fmt.Fprintln(out.w, "no tools")
		return nil
	}
	for _, t := range tools {
		fmt.Fprintf(out.w, "%-40s %s\n", mcp.ToolName(t.Server, t.Name), t.Description)
	}
	return nil
}

func runCall(ctx context.Context, out output, logw io.Writer, configPath, server, tool, raw string) error {
	var args map[string]any
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return fmt.Errorf("parse tool arguments: %w", err)
		}
	}

	rt, err := setup(ctx, logw, configPath)
	if err != nil {
		return err
	}
	defer rt.close()

	res, err := rt.pool.InvokeTool(ctx, server, tool, args, 0)
	if err != nil {
		return err
	}
	if out.json {
		return out.encode(res)
	}
	fmt.Fprintln(out.w, res.Text())
	return nil
}

func runRead(ctx context.Context, out output, logw io.Writer, configPath, server, uri string) error {
	rt, err := setup(ctx, logw, configPath)
	if err != nil {
		return err
	}
	defer rt.close()

	res, err := rt.pool.ReadResource(ctx, server, uri)
	if err != nil {
		return err
	}
	if out.json {
		return out.encode(res)
	}
	for _, c := range res.Contents {
		if c.Text != "" {
			fmt.Fprintln(out.w, c.Text)
			continue
		}
		fmt.Fprintf(out.w, "[%s, %d bytes base64]\n", c.MIMEType, len(c.Blob))
	}
	return nil
}

func runPrompts(ctx context.Context, out output, logw io.Writer, configPath, server string) error {
	rt, err := setup(ctx, logw, configPath)
	if err != nil {
		return err
	}
	defer rt.close()

	prompts, err := rt.pool.ListPrompts(ctx, server)
	if err != nil {
		return err
	}
	if out.json {
		return out.encode(prompts)
	}
	for _, p := range prompts {
		fmt.Fprintf(out.w, "%-30s %s\n", p.Name, p.Description)
		for _, a := range p.Arguments {
			req := ""
			if a.Required {
				req = " (required)"
			}
			fmt.Fprintf(out.w, "    %s%s\n", a.Name, req)
		}
	}
	return nil
}

// runAudit summarizes the persisted audit log. The in-memory log of a
// one-shot command is always empty, so only the SQLite sink is useful.
func runAudit(ctx context.Context, out output, configPath, hours string) error {
	h, err := strconv.Atoi(hours)
	if err != nil || h <= 0 {
		return fmt.Errorf("invalid hours %q", hours)
	}
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	path := cfg.AuditSQLitePath()
	if path == "" {
		return fmt.Errorf("audit.sqlite_path is not configured")
	}
	sink, err := audit.OpenSQLite(path)
	if err != nil {
		return err
	}
	defer sink.Close()

	end := time.Now()
	summary, err := sink.Summary(ctx, end.Add(-time.Duration(h)*time.Hour), end)
	if err != nil {
		return err
	}
	if out.json {
		if summary == nil {
			summary = []audit.ServerSummary{}
		}
		return out.encode(summary)
	}
	if len(summary) == 0 {
		fmt.Fprintf(out.w, "no audit entries in the last %dh\n", h)
		return nil
	}
	fmt.Fprintf(out.w, "%-24s %8s %8s %10s\n", "SERVER", "CALLS", "FAILED", "AVG MS")
	for _, s := range summary {
		fmt.Fprintf(out.w, "%-24s %8d %8d %10.1f\n", s.Server, s.Total, s.Failed, s.AvgDurationMS)
	}
	return nil
}
