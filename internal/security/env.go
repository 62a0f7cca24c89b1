package security

import (
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"
)

// loaderVars change what code a child process loads. Only trusted
// servers may set them.
var loaderVars = []string{
	"LD_PRELOAD", "LD_LIBRARY_PATH", "LD_AUDIT",
	"DYLD_INSERT_LIBRARIES", "DYLD_LIBRARY_PATH", "DYLD_FRAMEWORK_PATH",
	"NODE_OPTIONS", "PYTHONSTARTUP",
}

// SanitizeEnv builds the environment for a subprocess. From host (nil
// means os.Environ) only allow-listed variables survive; extra holds the
// server's explicitly configured variables, which are always passed
// unless they are loader hooks on an untrusted server. The result is
// sorted "KEY=VALUE" pairs.
func (p *Policy) SanitizeEnv(host []string, extra map[string]string, trusted bool) ([]string, error) {
	if host == nil {
		host = os.Environ()
	}

	env := make(map[string]string)
	for _, kv := range host {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		if slices.Contains(p.EnvAllowlist, k) {
			env[k] = v
		}
	}

	for k, v := range extra {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			return nil, fmt.Errorf("invalid environment variable name %q", k)
		}
		if !trusted && slices.Contains(loaderVars, strings.ToUpper(k)) {
			return nil, fmt.Errorf("environment variable %s blocked by security policy for untrusted server", k)
		}
		env[k] = v
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}
