// Package mcperr defines the typed error taxonomy shared by every layer
// of the client. Components mark their failures with a Kind; whether a
// failure is retried is decided centrally from that Kind (see
// [Error.Retryable]) and never at the call site.
package mcperr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies a failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnection
	KindTimeout
	KindTool
	KindResource
	KindValidation
	KindRateLimit
	KindProtocol
	KindServerNotFound
	KindToolNotFound
	KindResourceNotFound
	KindPromptNotFound
	KindTransport
	KindSecurity
	KindCircuitOpen
	KindPoolExhausted
	KindDisposed
)

var kindNames = map[Kind]string{
	KindUnknown:          "unknown",
	KindConnection:       "connection",
	KindTimeout:          "timeout",
	KindTool:             "tool",
	KindResource:         "resource",
	KindValidation:       "validation",
	KindRateLimit:        "rate_limit",
	KindProtocol:         "protocol",
	KindServerNotFound:   "server_not_found",
	KindToolNotFound:     "tool_not_found",
	KindResourceNotFound: "resource_not_found",
	KindPromptNotFound:   "prompt_not_found",
	KindTransport:        "transport",
	KindSecurity:         "security",
	KindCircuitOpen:      "circuit_open",
	KindPoolExhausted:    "pool_exhausted",
	KindDisposed:         "disposed",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinels for errors.Is matching by kind. errors.Is(err, ErrTimeout)
// is true for any *Error of KindTimeout regardless of server or cause.
var (
	ErrConnection       = &Error{Kind: KindConnection}
	ErrTimeout          = &Error{Kind: KindTimeout}
	ErrTool             = &Error{Kind: KindTool}
	ErrResource         = &Error{Kind: KindResource}
	ErrValidation       = &Error{Kind: KindValidation}
	ErrRateLimit        = &Error{Kind: KindRateLimit}
	ErrProtocol         = &Error{Kind: KindProtocol}
	ErrServerNotFound   = &Error{Kind: KindServerNotFound}
	ErrToolNotFound     = &Error{Kind: KindToolNotFound}
	ErrResourceNotFound = &Error{Kind: KindResourceNotFound}
	ErrPromptNotFound   = &Error{Kind: KindPromptNotFound}
	ErrTransport        = &Error{Kind: KindTransport}
	ErrSecurity         = &Error{Kind: KindSecurity}
	ErrCircuitOpen      = &Error{Kind: KindCircuitOpen}
	ErrPoolExhausted    = &Error{Kind: KindPoolExhausted}
	ErrDisposed         = &Error{Kind: KindDisposed}
)

// Error is a classified failure with enough context for a caller to
// decide whether to surface it or retry at a higher level.
type Error struct {
	Kind   Kind
	Server string
	// Op is the operation that failed (e.g. "tools/call", "open").
	Op string
	// Target is the tool name, resource uri, or prompt name involved.
	Target string
	Err    error

	// RetryAfter is the earliest sensible retry time for rate-limit errors.
	RetryAfter time.Duration

	// Flagged marks a tool or resource error as retryable, e.g. for
	// internal-error responses that indicate a transient server fault.
	Flagged bool

	// Permanent marks an otherwise retryable transport error as final,
	// e.g. a spawn refused by a security validator or an HTTP 4xx.
	Permanent bool
}

// New builds an Error of the given kind.
func New(kind Kind, server, op string, err error) *Error {
	return &Error{Kind: kind, Server: server, Op: op, Err: err}
}

// Errorf builds an Error whose cause is a formatted message.
func Errorf(kind Kind, server, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Server: server, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	b.WriteString(" error")
	if e.Server != "" {
		fmt.Fprintf(&b, " [server=%s]", e.Server)
	}
	if e.Op != "" {
		fmt.Fprintf(&b, " %s", e.Op)
	}
	if e.Target != "" {
		fmt.Fprintf(&b, " %q", e.Target)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.RetryAfter > 0 {
		fmt.Fprintf(&b, " (retry after %s)", e.RetryAfter)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinels: a target *Error with no Server, Op, or cause
// matches any Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Server == "" && t.Op == "" && t.Err == nil {
		return e.Kind == t.Kind
	}
	return e == t
}

// Retryable reports whether the retry policy may re-attempt the
// operation that produced this error.
func (e *Error) Retryable() bool {
	if e.Permanent {
		return false
	}
	switch e.Kind {
	case KindConnection, KindTimeout, KindRateLimit, KindTransport:
		return true
	case KindTool, KindResource:
		return e.Flagged
	default:
		return false
	}
}

// WithTarget returns a copy of e naming target.
func (e *Error) WithTarget(target string) *Error {
	c := *e
	c.Target = target
	return &c
}

// KindOf returns the Kind of the first *Error in err's chain, or
// KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err is a typed error marked retryable.
// Untyped errors are not retried.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

// RetryAfter returns the retry-after hint carried by err, if any.
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// IsServerFault reports whether err indicates the server or the path to
// it is unhealthy. Caller mistakes (validation, not-found) and local
// short-circuits (rate limit, open circuit) are not server faults.
func IsServerFault(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindConnection, KindTimeout, KindTransport, KindProtocol, KindUnknown:
		return true
	case KindTool, KindResource:
		var e *Error
		errors.As(err, &e)
		return e.Flagged
	default:
		return false
	}
}
