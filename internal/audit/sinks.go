package audit

import (
	"context"
	"log/slog"

	"github.com/nugget/mcplink/internal/config"
)

// OpenSinks builds every sink the configuration enables. On error the
// sinks already opened are closed.
func OpenSinks(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]Sink, error) {
	var sinks []Sink
	fail := func(err error) ([]Sink, error) {
		for _, s := range sinks {
			s.Close()
		}
		return nil, err
	}

	if p := cfg.AuditSQLitePath(); p != "" {
		s, err := OpenSQLite(p)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, s)
	}
	if cfg.Audit.Redis.Configured() {
		s, err := NewRedisSink(ctx, cfg.Audit.Redis)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, s)
	}
	if cfg.Audit.MQTT.Configured() {
		s, err := NewMQTTSink(ctx, cfg.Audit.MQTT, logger)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}
