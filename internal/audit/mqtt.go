package audit

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/mcplink/internal/config"
)

// MQTTSink publishes each entry as JSON to <prefix>/<server>/<type>.
type MQTTSink struct {
	cm     *autopaho.ConnectionManager
	prefix string
	logger *slog.Logger
}

// NewMQTTSink starts a managed connection to the broker. The initial
// connection is awaited briefly; autopaho keeps retrying in the
// background if the broker is not reachable yet.
func NewMQTTSink(ctx context.Context, cfg config.MQTTSinkConfig, logger *slog.Logger) (*MQTTSink, error) {
	brokerURL, err := url.Parse(cfg.Broker)
	if err != nil {
		return nil, fmt.Errorf("parse mqtt broker URL: %w", err)
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "mcplink-audit"
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: cfg.Username,
		ConnectPassword: []byte(cfg.Password),
		OnConnectionUp: func(*autopaho.ConnectionManager, *paho.Connack) {
			logger.Info("audit mqtt connected", "broker", cfg.Broker)
		},
		OnConnectError: func(err error) {
			logger.Warn("audit mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(context.WithoutCancel(ctx), pahoCfg)
	if err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(waitCtx); err != nil {
		logger.Warn("audit mqtt initial connection timed out, will retry in background", "error", err)
	}
	return &MQTTSink{cm: cm, prefix: cfg.TopicPrefix, logger: logger}, nil
}

// Name implements [Sink].
func (s *MQTTSink) Name() string { return "mqtt" }

// Write implements [Sink].
func (s *MQTTSink) Write(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	_, err = s.cm.Publish(ctx, &paho.Publish{
		Topic:   topicFor(s.prefix, e),
		Payload: data,
		QoS:     0,
	})
	return err
}

// topicFor builds the publish topic. MQTT wildcard and separator
// characters in the server name are replaced so each server maps to
// exactly one topic level.
func topicFor(prefix string, e Entry) string {
	server := strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(e.Server)
	if server == "" {
		server = "_"
	}
	return strings.TrimSuffix(prefix, "/") + "/" + server + "/" + string(e.Type)
}

// Close implements [Sink].
func (s *MQTTSink) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.cm.Disconnect(ctx)
}
