package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/nugget/mcplink/internal/config"
	"github.com/nugget/mcplink/internal/httpkit"
	"github.com/nugget/mcplink/internal/mcperr"
	"github.com/nugget/mcplink/internal/security"
)

// New validates desc against policy and builds the matching transport.
// Nothing is spawned or dialed until Open; a refusal here is a
// permanent security error.
func New(ctx context.Context, desc config.ServerConfig, policy *security.Policy, logger *slog.Logger) (Transport, error) {
	if policy == nil {
		policy = security.DefaultPolicy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := policy.ValidateServer(ctx, desc); err != nil {
		return nil, err
	}

	switch desc.Transport {
	case config.TransportStdio:
		env, err := policy.SanitizeEnv(nil, desc.Env, desc.Trusted)
		if err != nil {
			return nil, &mcperr.Error{Kind: mcperr.KindSecurity, Server: desc.Name, Op: "validate", Err: err, Permanent: true}
		}
		return NewStdio(StdioConfig{
			Command: desc.Command,
			Args:    desc.Args,
			Env:     env,
			Dir:     desc.WorkDir,
			Limits:  policy.Limits,
			Logger:  logger,
		}), nil

	case config.TransportSSE:
		opts := networkOptions(desc, policy, logger)
		return NewSSE(SSEConfig{
			URL:    desc.URL,
			Client: httpkit.NewClient(opts...),
			Stream: httpkit.NewClient(append(opts, httpkit.WithTimeout(0))...),
			Logger: logger,
		}), nil

	case config.TransportWebSocket:
		header := http.Header{}
		for k, v := range desc.Headers {
			header.Set(k, v)
		}
		return NewWebSocket(WebSocketConfig{
			URL:    desc.URL,
			Header: header,
			Guard:  dialGuard(desc, policy),
			Tokens: tokenSource(desc, policy),
			Logger: logger,
		}), nil
	}

	return nil, &mcperr.Error{
		Kind:      mcperr.KindTransport,
		Server:    desc.Name,
		Op:        "dial",
		Err:       fmt.Errorf("unknown transport %q", desc.Transport),
		Permanent: true,
	}
}

// dialGuard re-checks resolved addresses at connect time unless the
// server or policy permits private targets.
func dialGuard(desc config.ServerConfig, policy *security.Policy) httpkit.DialGuard {
	if desc.AllowPrivate || policy.AllowPrivate {
		return nil
	}
	return security.CheckDialAddress
}

func networkOptions(desc config.ServerConfig, policy *security.Policy, logger *slog.Logger) []httpkit.ClientOption {
	opts := []httpkit.ClientOption{
		httpkit.WithDialGuard(dialGuard(desc, policy)),
		httpkit.WithHeaders(desc.Headers),
		httpkit.WithLogger(logger),
	}
	if src := tokenSource(desc, policy); src != nil {
		opts = append(opts, httpkit.WithTokenSource(src))
	}
	return opts
}

// tokenSource builds a cached client-credentials token source. Token
// requests go through a guarded client as well.
func tokenSource(desc config.ServerConfig, policy *security.Policy) oauth2.TokenSource {
	if desc.OAuth == nil {
		return nil
	}
	cc := clientcredentials.Config{
		ClientID:     desc.OAuth.ClientID,
		ClientSecret: desc.OAuth.ClientSecret,
		TokenURL:     desc.OAuth.TokenURL,
		Scopes:       desc.OAuth.Scopes,
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient,
		httpkit.NewClient(httpkit.WithDialGuard(dialGuard(desc, policy))))
	return cc.TokenSource(ctx)
}
