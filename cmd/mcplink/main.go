// Mcplink is a client runtime for MCP capability servers.
//
// It connects to the servers listed in its configuration over a
// subprocess pipe, a server-sent event stream or a WebSocket, discovers
// their tools, resources and prompts, and brokers calls to them under a
// per-server rate limit, circuit breaker and retry policy. Every
// operation is recorded in an audit log that can be forwarded to
// SQLite, a Redis stream or MQTT.
//
// Usage:
//
//	mcplink serve                         Connect to every server and supervise them
//	mcplink tools [pattern]               List discovered tools
//	mcplink call <server> <tool> [json]   Invoke a tool
//	mcplink read <server> <uri>           Read a resource
//	mcplink prompts <server>              List a server's prompts
//	mcplink audit [hours]                 Summarize the SQLite audit log
//	mcplink schema                        Print the config JSON Schema
//	mcplink version                       Print version and build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nugget/mcplink/internal/audit"
	"github.com/nugget/mcplink/internal/buildinfo"
	"github.com/nugget/mcplink/internal/config"
	"github.com/nugget/mcplink/internal/events"
	"github.com/nugget/mcplink/internal/pool"
)

// main only wires the OS environment into [run] so the whole command
// can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand so that
// run holds no package-level flag state and can be called concurrently
// from tests.
//
// Command output goes to stdout. Logs go to stdout for serve and to
// stderr for one-shot commands, keeping their output machine-readable.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}
	out := output{w: stdout, json: outputFmt == "json"}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "tools":
		pattern := ""
		if len(cmdArgs) > 0 {
			pattern = cmdArgs[0]
		}
		return runTools(ctx, out, stderr, configPath, pattern)
	case "call":
		if len(cmdArgs) < 2 {
			return fmt.Errorf("usage: mcplink call <server> <tool> [json-args]")
		}
		raw := ""
		if len(cmdArgs) > 2 {
			raw = strings.Join(cmdArgs[2:], " ")
		}
		return runCall(ctx, out, stderr, configPath, cmdArgs[0], cmdArgs[1], raw)
	case "read":
		if len(cmdArgs) < 2 {
			return fmt.Errorf("usage: mcplink read <server> <uri>")
		}
		return runRead(ctx, out, stderr, configPath, cmdArgs[0], cmdArgs[1])
	case "prompts":
		if len(cmdArgs) < 1 {
			return fmt.Errorf("usage: mcplink prompts <server>")
		}
		return runPrompts(ctx, out, stderr, configPath, cmdArgs[0])
	case "audit":
		hours := "24"
		if len(cmdArgs) > 0 {
			hours = cmdArgs[0]
		}
		return runAudit(ctx, out, configPath, hours)
	case "schema":
		return runSchema(stdout)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// output renders command results as text or indented JSON.
type output struct {
	w    io.Writer
	json bool
}

func (o output) encode(v any) error {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func runSchema(w io.Writer) error {
	data, err := config.Schema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "mcplink - MCP client runtime")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: mcplink [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                        Connect to every server and supervise them")
	fmt.Fprintln(w, "  tools [pattern]              List discovered tools (glob or substring)")
	fmt.Fprintln(w, "  call <server> <tool> [json]  Invoke a tool with JSON arguments")
	fmt.Fprintln(w, "  read <server> <uri>          Read a resource")
	fmt.Fprintln(w, "  prompts <server>             List a server's prompts")
	fmt.Fprintln(w, "  audit [hours]                Summarize the SQLite audit log (default: 24)")
	fmt.Fprintln(w, "  schema                       Print the config file JSON Schema")
	fmt.Fprintln(w, "  version                      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	for _, p := range config.DefaultSearchPaths() {
		fmt.Fprintf(w, "  %s\n", p)
	}
	return nil
}

func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// runtime is everything a command needs, built from one config.
type runtime struct {
	cfg     *config.Config
	cfgPath string
	level   *slog.LevelVar
	logger  *slog.Logger
	audit   *audit.Log
	bus     *events.Bus
	pool    *pool.Pool
}

// setup loads the config and builds the audit log and pool. Logs go to
// logw. close must be called to dispose of the pool and flush sinks.
func setup(ctx context.Context, logw io.Writer, configPath string) (*runtime, error) {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	level := new(slog.LevelVar)
	lv, _ := config.ParseLogLevel(cfg.LogLevel)
	level.Set(lv)
	logger := config.NewLogger(logw, level, cfg.LogFormat)

	sinks, err := audit.OpenSinks(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open audit sinks: %w", err)
	}
	log := audit.New(audit.Config{MaxEntries: cfg.Audit.MaxEntries, Logger: logger}, sinks...)
	bus := events.New()

	rt := &runtime{
		cfg:     cfg,
		cfgPath: cfgPath,
		level:   level,
		logger:  logger,
		audit:   log,
		bus:     bus,
		pool:    pool.New(cfg.Servers, pool.FromConfig(cfg, log, bus, logger)),
	}
	logger.Debug("config loaded", "path", cfgPath, "servers", len(cfg.Servers), "sinks", len(sinks))
	return rt, nil
}

func (rt *runtime) close() {
	if err := rt.pool.DisposeAll(); err != nil {
		rt.logger.Warn("pool dispose failed", "error", err)
	}
	if err := rt.audit.Close(); err != nil {
		rt.logger.Warn("audit close failed", "error", err)
	}
}
