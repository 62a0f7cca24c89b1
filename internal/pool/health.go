package pool

import (
	"slices"
	"strings"

	"github.com/nugget/mcplink/internal/connwatch"
	"github.com/nugget/mcplink/internal/mcp"
	"github.com/nugget/mcplink/internal/resilience"
)

// Aggregate and per-server health classes.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusDown     = "down"
	// StatusIdle is a lazily opened server that has not been used yet.
	StatusIdle = "idle"
)

// ServerHealth is the view of one server.
type ServerHealth struct {
	Server string                   `json:"server"`
	Status string                   `json:"status"`
	State  mcp.State                `json:"state"`
	Guard  resilience.GuardStats    `json:"guard"`
	Probe  *connwatch.ServiceStatus `json:"probe,omitempty"`
	Stats  *mcp.Stats               `json:"stats,omitempty"`
}

// Health is the pool-wide view.
type Health struct {
	Status   string         `json:"status"`
	Healthy  int            `json:"healthy"`
	Degraded int            `json:"degraded"`
	Down     int            `json:"down"`
	Idle     int            `json:"idle"`
	Servers  []ServerHealth `json:"servers"`
}

// Health reports every server. The aggregate is healthy when nothing is
// degraded or down, down when no opened server is usable, and degraded
// otherwise. Idle servers do not affect it.
func (p *Pool) Health() Health {
	type snap struct {
		name  string
		guard *resilience.Guard
		conn  *mcp.Connection
	}
	p.mu.Lock()
	snaps := make([]snap, 0, len(p.entries))
	for name, e := range p.entries {
		snaps = append(snaps, snap{name: name, guard: e.guard, conn: e.conn})
	}
	p.mu.Unlock()

	slices.SortFunc(snaps, func(a, b snap) int { return strings.Compare(a.name, b.name) })

	h := Health{Servers: make([]ServerHealth, 0, len(snaps))}
	for _, s := range snaps {
		sh := serverHealth(s.name, s.guard, s.conn)
		switch sh.Status {
		case StatusHealthy:
			h.Healthy++
		case StatusDegraded:
			h.Degraded++
		case StatusDown:
			h.Down++
		default:
			h.Idle++
		}
		h.Servers = append(h.Servers, sh)
	}

	switch {
	case h.Degraded == 0 && h.Down == 0:
		h.Status = StatusHealthy
	case h.Healthy == 0 && h.Degraded == 0:
		h.Status = StatusDown
	default:
		h.Status = StatusDegraded
	}
	return h
}

func serverHealth(name string, g *resilience.Guard, c *mcp.Connection) ServerHealth {
	sh := ServerHealth{Server: name, Guard: g.Stats(), Status: StatusIdle}
	if c == nil {
		return sh
	}
	stats := c.Stats()
	sh.State = stats.State
	sh.Stats = &stats
	if probe, ok := c.Health(); ok {
		sh.Probe = &probe
	}

	breakerClosed := sh.Guard.Breaker.State == resilience.StateClosed.String()
	switch {
	case stats.State == mcp.StateConnected && breakerClosed:
		sh.Status = StatusHealthy
	case stats.State.Usable():
		sh.Status = StatusDegraded
	case stats.State == mcp.StateConnecting || stats.State == mcp.StateHandshaking:
		sh.Status = StatusDegraded
	default:
		sh.Status = StatusDown
	}
	return sh
}

// Stats returns per-connection counters for every opened server.
func (p *Pool) Stats() []mcp.Stats {
	p.mu.Lock()
	conns := make([]*mcp.Connection, 0, len(p.entries))
	for _, e := range p.entries {
		if e.conn != nil {
			conns = append(conns, e.conn)
		}
	}
	p.mu.Unlock()

	out := make([]mcp.Stats, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Stats())
	}
	slices.SortFunc(out, func(a, b mcp.Stats) int { return strings.Compare(a.Server, b.Server) })
	return out
}

// Open reports the number of connections counted against the cap.
func (p *Pool) Open() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}
