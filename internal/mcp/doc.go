// Package mcp implements one client connection to a Model Context
// Protocol capability server.
//
// A [Connection] owns a single [transport.Transport] and drives it
// through a small state machine:
//
//	disconnected → connecting → handshaking → connected ⇄ degraded
//	                                 ↓             ↓
//	                               error ←─────────┘ (reconnect → connecting)
//
// Outbound requests are correlated with responses through a pending
// table keyed by a per-connection id counter that is never reset, and
// every pending entry remembers the transport session it was issued on.
// A single dispatch goroutine per session consumes inbound frames,
// resolves pending calls, answers server pings, and delivers
// notifications in arrival order.
//
// Discovered tools, resources and prompts are published to a shared
// [Catalog] so that callers can search across every connection.
// Tool names can be namespaced as "mcp_{server}_{tool}" with [ToolName]
// to avoid collisions between servers.
package mcp
