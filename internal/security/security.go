// Package security runs the pre-flight checks that decide whether a
// connection may open at all: subprocess command vetting, network target
// vetting (anti-SSRF), environment sanitization, and file path
// confinement for resource uris. It also provides the output and
// runtime monitor that bounds a running subprocess.
//
// Every refusal is a permanent *mcperr.Error of KindSecurity, so the
// retry layer never re-attempts it.
package security

import (
	"context"
	"fmt"
	"net"
	"slices"

	"github.com/nugget/mcplink/internal/config"
	"github.com/nugget/mcplink/internal/mcperr"
)

// DefaultDeniedPatterns block destructive commands and fork bombs on a
// subprocess command line. Single words match program names only.
var DefaultDeniedPatterns = []string{
	"rm -rf /",
	"rm -rf /*",
	"rm -rf ~",
	"mkfs",
	"dd if=",
	"> /dev/sd",
	"chmod -R 777 /",
	":(){ :|:& };:",
	"shutdown",
	"reboot",
	"curl | sh",
	"wget | sh",
}

// DefaultAllowedCommands are launchers commonly used to run capability
// servers.
var DefaultAllowedCommands = []string{
	"node", "npx", "npm",
	"python", "python3", "uv", "uvx", "pipx",
	"deno", "bun", "docker",
}

// DefaultAllowedSchemes for network transports.
var DefaultAllowedSchemes = []string{"http", "https", "ws", "wss"}

// DefaultEnvAllowlist is the host environment passed to subprocesses.
var DefaultEnvAllowlist = []string{
	"PATH", "HOME", "USER", "LOGNAME", "SHELL",
	"LANG", "LC_ALL", "LC_CTYPE", "TZ", "TMPDIR", "TERM",
	"SYSTEMROOT",
}

// Resolver looks up host addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Policy holds every validator setting.
type Policy struct {
	DeniedPatterns  []string
	AllowedCommands []string
	AllowedSchemes  []string
	// AllowPrivate permits private network targets for every server.
	AllowPrivate bool
	EnvAllowlist []string
	Limits       Limits

	// Resolver is used for hostname checks. nil uses net.DefaultResolver.
	Resolver Resolver
}

// DefaultPolicy returns a policy using the built-in lists.
func DefaultPolicy() *Policy {
	return &Policy{
		DeniedPatterns:  slices.Clone(DefaultDeniedPatterns),
		AllowedCommands: slices.Clone(DefaultAllowedCommands),
		AllowedSchemes:  slices.Clone(DefaultAllowedSchemes),
		EnvAllowlist:    slices.Clone(DefaultEnvAllowlist),
		Limits:          Limits{MaxOutputBytes: 64 << 20},
	}
}

// FromConfig builds a policy from the defaults extended by cfg.
func FromConfig(cfg config.SecurityConfig) *Policy {
	p := DefaultPolicy()
	p.DeniedPatterns = append(p.DeniedPatterns, cfg.DeniedPatterns...)
	p.AllowedCommands = append(p.AllowedCommands, cfg.AllowedCommands...)
	if len(cfg.AllowedSchemes) > 0 {
		p.AllowedSchemes = slices.Clone(cfg.AllowedSchemes)
	}
	p.AllowPrivate = cfg.AllowPrivateNetworks
	p.EnvAllowlist = append(p.EnvAllowlist, cfg.EnvAllowlist...)
	if cfg.MaxOutputBytes > 0 {
		p.Limits.MaxOutputBytes = cfg.MaxOutputBytes
	}
	p.Limits.MaxRuntime = cfg.MaxRuntime
	return p
}

// ValidateServer runs the checks appropriate to the server's transport.
// It must pass before any process is spawned or socket dialed.
func (p *Policy) ValidateServer(ctx context.Context, s config.ServerConfig) error {
	var err error
	switch s.Transport {
	case config.TransportStdio:
		err = p.ValidateCommand(s.Command, s.Args, s.Trusted)
		if err == nil {
			_, err = p.SanitizeEnv(nil, s.Env, s.Trusted)
		}
	case config.TransportSSE, config.TransportWebSocket:
		err = p.ValidateURL(ctx, s.URL, s.AllowPrivate)
	default:
		err = fmt.Errorf("unknown transport %q", s.Transport)
	}
	if err != nil {
		return refuse(s.Name, err)
	}
	return nil
}

// refuse wraps a validator failure as a permanent security error.
func refuse(server string, err error) error {
	if e, ok := err.(*mcperr.Error); ok {
		c := *e
		c.Server = server
		return &c
	}
	return &mcperr.Error{
		Kind:      mcperr.KindSecurity,
		Server:    server,
		Op:        "validate",
		Err:       err,
		Permanent: true,
	}
}
