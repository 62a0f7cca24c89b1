package mcp

import (
	"fmt"
	"regexp"
	"strings"
)

// sanitizeRe matches characters that are not lowercase alphanumeric or underscore.
var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// ToolName generates a namespaced tool name from a server name and the
// server's own tool name. Both components are sanitized to contain only
// lowercase alphanumeric characters and underscores, so names from
// different servers never collide in a flat tool list.
func ToolName(serverName, toolName string) string {
	server := sanitize(serverName)
	tool := sanitize(toolName)
	return fmt.Sprintf("mcp_%s_%s", server, tool)
}

// sanitize converts a name to lowercase and replaces non-alphanumeric
// characters (except underscore) with underscores. Consecutive
// underscores are collapsed and leading/trailing underscores are trimmed.
func sanitize(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, "-", "_")
	s = sanitizeRe.ReplaceAllString(s, "_")

	// Collapse consecutive underscores.
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}

	return strings.Trim(s, "_")
}

// toolFilter decides which discovered tools a connection publishes.
//   - If include is non-empty, only tools whose names appear in it pass.
//   - Otherwise tools whose names appear in exclude are dropped.
//   - If both are empty, every tool passes.
type toolFilter struct {
	include map[string]bool
	exclude map[string]bool
}

func newToolFilter(include, exclude []string) toolFilter {
	return toolFilter{include: toSet(include), exclude: toSet(exclude)}
}

func (f toolFilter) allows(name string) bool {
	if len(f.include) > 0 {
		return f.include[name]
	}
	return !f.exclude[name]
}

// apply returns the tools that pass the filter.
func (f toolFilter) apply(tools []Tool) []Tool {
	if len(f.include) == 0 && len(f.exclude) == 0 {
		return tools
	}
	kept := tools[:0:0]
	for _, t := range tools {
		if f.allows(t.Name) {
			kept = append(kept, t)
		}
	}
	return kept
}

// toSet converts a string slice to a set for O(1) lookups.
func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
