package config

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const sampleConfig = `
log_level: debug
pool:
  policy: eager
  max_connections: 4
audit:
  sqlite_path: audit.db
data_dir: /var/lib/mcplink
servers:
  - name: fs
    transport: stdio
    command: npx
    args: ["-y", "@modelcontextprotocol/server-filesystem", "/tmp"]
    env:
      DEBUG: "1"
    resource_root: /tmp
    retry:
      max_attempts: 3
      base_delay: 100ms
    rate_limit:
      max_calls: 10
      window: 1s
  - name: remote
    transport: sse
    url: https://mcp.example.com/sse
    headers:
      Authorization: Bearer ${MCPLINK_TEST_TOKEN}
    timeout: 5s
`

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "servers: []\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	if _, err := FindConfig("/nonexistent/config.yaml"); err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("MCPLINK_TEST_TOKEN", "tok-123")
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Pool.Policy != PolicyEager || cfg.Pool.MaxConnections != 4 {
		t.Errorf("pool = %+v, want eager/4", cfg.Pool)
	}
	if len(cfg.Servers) != 2 {
		t.Fatalf("servers = %d, want 2", len(cfg.Servers))
	}

	fs := cfg.Servers[0]
	if fs.Transport != TransportStdio || fs.Command != "npx" || len(fs.Args) != 3 {
		t.Errorf("fs server = %+v", fs)
	}
	if fs.Retry.BaseDelay != 100*time.Millisecond {
		t.Errorf("retry.base_delay = %v, want 100ms", fs.Retry.BaseDelay)
	}
	if fs.RateLimit.Window != time.Second || fs.RateLimit.MaxCalls != 10 {
		t.Errorf("rate_limit = %+v", fs.RateLimit)
	}
	if fs.Timeout != cfg.Pool.CallTimeout {
		t.Errorf("fs timeout = %v, want pool default %v", fs.Timeout, cfg.Pool.CallTimeout)
	}

	remote := cfg.Servers[1]
	if remote.Headers["Authorization"] != "Bearer tok-123" {
		t.Errorf("Authorization = %q, want env-expanded token", remote.Headers["Authorization"])
	}
	if remote.Timeout != 5*time.Second {
		t.Errorf("remote timeout = %v, want 5s", remote.Timeout)
	}

	if got := cfg.AuditSQLitePath(); got != "/var/lib/mcplink/audit.db" {
		t.Errorf("AuditSQLitePath() = %q", got)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "servers: []\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pool.Policy != PolicyLazy {
		t.Errorf("policy = %q, want lazy", cfg.Pool.Policy)
	}
	if cfg.Pool.HealthInterval != 30*time.Second {
		t.Errorf("health_interval = %v, want 30s", cfg.Pool.HealthInterval)
	}
	if cfg.Audit.MaxEntries != 10000 {
		t.Errorf("audit.max_entries = %d, want 10000", cfg.Audit.MaxEntries)
	}
	if cfg.LogFormat != "text" {
		t.Errorf("log_format = %q, want text", cfg.LogFormat)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MCPLINK_LOG_LEVEL", "warn")
	t.Setenv("MCPLINK_POOL_POLICY", "eager")
	t.Setenv("MCPLINK_MAX_CONNECTIONS", "9")

	cfg, err := Load(writeConfig(t, "log_level: debug\nservers: []\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("log_level = %q, want env override warn", cfg.LogLevel)
	}
	if cfg.Pool.Policy != PolicyEager || cfg.Pool.MaxConnections != 9 {
		t.Errorf("pool = %+v, want eager/9", cfg.Pool)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown transport", "servers:\n  - name: a\n    transport: carrier-pigeon\n", "unknown transport"},
		{"missing command", "servers:\n  - name: a\n    transport: stdio\n", "requires command"},
		{"missing url", "servers:\n  - name: a\n    transport: websocket\n", "requires url"},
		{"duplicate", "servers:\n  - {name: a, transport: stdio, command: x}\n  - {name: a, transport: stdio, command: y}\n", "duplicate"},
		{"bad policy", "pool:\n  policy: sometimes\n", "pool policy"},
		{"bad yaml", "servers: [\n", "parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("Load succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestServerConfig_CloneIsDeep(t *testing.T) {
	orig := ServerConfig{
		Name:    "a",
		Args:    []string{"x"},
		Env:     map[string]string{"K": "v"},
		Headers: map[string]string{"H": "v"},
		OAuth:   &OAuthConfig{Scopes: []string{"read"}},
	}
	c := orig.Clone()
	c.Args[0] = "changed"
	c.Env["K"] = "changed"
	c.Headers["H"] = "changed"
	c.OAuth.Scopes[0] = "changed"

	if orig.Args[0] != "x" || orig.Env["K"] != "v" || orig.Headers["H"] != "v" || orig.OAuth.Scopes[0] != "read" {
		t.Errorf("mutating clone changed original: %+v", orig)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
		err  bool
	}{
		{"", slog.LevelInfo, false},
		{"TRACE", LevelTrace, false},
		{" debug ", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.err || got != tt.want {
			t.Errorf("ParseLogLevel(%q) = (%v, %v), want (%v, err=%v)", tt.in, got, err, tt.want, tt.err)
		}
	}
}

func TestNewLogger_TraceAndLevelVar(t *testing.T) {
	var buf bytes.Buffer
	var lv slog.LevelVar
	lv.Set(LevelTrace)
	logger := NewLogger(&buf, &lv, "json")

	logger.Log(context.Background(), LevelTrace, "frame")
	if !strings.Contains(buf.String(), `"level":"TRACE"`) {
		t.Errorf("output = %q, want TRACE level name", buf.String())
	}

	buf.Reset()
	lv.Set(slog.LevelInfo)
	logger.Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("debug logged after raising level: %q", buf.String())
	}
}

func TestSchema(t *testing.T) {
	data, err := Schema()
	if err != nil {
		t.Fatalf("Schema: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	props, ok := doc["properties"].(map[string]any)
	if !ok {
		t.Fatalf("schema has no properties: %s", data)
	}
	for _, key := range []string{"servers", "pool", "audit", "log_level"} {
		if _, ok := props[key]; !ok {
			t.Errorf("schema missing property %q", key)
		}
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, "servers: []\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, nil, func(c *Config) { got <- c })
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	body := "servers:\n  - {name: late, transport: stdio, command: echo}\n"
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-got:
		if len(cfg.Servers) != 1 || cfg.Servers[0].Name != "late" {
			t.Errorf("reloaded servers = %+v", cfg.Servers)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch returned %v", err)
	}
}
