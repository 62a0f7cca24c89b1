package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/nugget/mcplink/internal/config"
)

// RedisSink appends entries to a Redis stream.
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisSink connects to the configured Redis server. The connection
// is verified with PING so misconfiguration surfaces at startup.
func NewRedisSink(ctx context.Context, cfg config.RedisSinkConfig) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return &RedisSink{client: client, stream: cfg.Stream, maxLen: cfg.MaxLen}, nil
}

// Name implements [Sink].
func (s *RedisSink) Name() string { return "redis" }

// Write implements [Sink].
func (s *RedisSink) Write(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	return s.client.XAdd(ctx, streamArgs(s.stream, s.maxLen, e, data)).Err()
}

func streamArgs(stream string, maxLen int64, e Entry, data []byte) *redis.XAddArgs {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{
			"server": e.Server,
			"type":   string(e.Type),
			"data":   data,
		},
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	return args
}

// Close implements [Sink].
func (s *RedisSink) Close() error { return s.client.Close() }
