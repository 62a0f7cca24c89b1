package audit

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/nugget/mcplink/internal/config"
)

func defaultConfig(t *testing.T) *config.Config {
	t.Helper()
	return config.Default()
}

func TestTopicFor(t *testing.T) {
	tests := []struct {
		prefix string
		server string
		typ    Type
		want   string
	}{
		{"mcplink/audit", "fs", TypeInvoke, "mcplink/audit/fs/invoke"},
		{"mcplink/audit/", "fs", TypeRead, "mcplink/audit/fs/read"},
		{"a", "x/y", TypeConnect, "a/x_y/connect"},
		{"a", "+#", TypeList, "a/__/list"},
		{"a", "", TypeList, "a/_/list"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := topicFor(tt.prefix, Entry{Server: tt.server, Type: tt.typ})
			if got != tt.want {
				t.Errorf("topicFor() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStreamArgs(t *testing.T) {
	e := Entry{ID: "1", Server: "fs", Type: TypeInvoke}
	args := streamArgs("mcplink:audit", 100, e, []byte(`{}`))
	if args.Stream != "mcplink:audit" || args.MaxLen != 100 || !args.Approx {
		t.Errorf("args = %+v", args)
	}
	values := args.Values.(map[string]any)
	if values["server"] != "fs" || values["type"] != "invoke" {
		t.Errorf("values = %v", values)
	}

	unbounded := streamArgs("s", 0, e, nil)
	if unbounded.MaxLen != 0 || unbounded.Approx {
		t.Errorf("unbounded args = %+v", unbounded)
	}
}

func TestRedisSink(t *testing.T) {
	addr := os.Getenv("MCPLINK_TEST_REDIS")
	if addr == "" {
		addr = "localhost:6379"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stream := "mcplink:audit:test:" + time.Now().Format("150405.000000")
	s, err := NewRedisSink(ctx, config.RedisSinkConfig{Addr: addr, Stream: stream, MaxLen: 10})
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer s.Close()
	defer s.client.Del(context.Background(), stream)

	e := Entry{ID: "abc", Timestamp: time.Now(), Type: TypeInvoke, Server: "fs", Success: true}
	if err := s.Write(ctx, e); err != nil {
		t.Fatalf("Write: %v", err)
	}

	msgs, err := s.client.XRange(ctx, stream, "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("stream has %d messages, want 1", len(msgs))
	}
	var got Entry
	if err := json.Unmarshal([]byte(msgs[0].Values["data"].(string)), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "abc" || got.Server != "fs" {
		t.Errorf("entry = %+v", got)
	}
}
