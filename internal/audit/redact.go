package audit

import (
	"encoding/json"
	"regexp"
)

// Redacted replaces the value of every sensitive key.
const Redacted = "[REDACTED]"

// sensitiveKey matches metadata keys whose values must never be stored.
var sensitiveKey = regexp.MustCompile(`(?i)(password|passwd|secret|token|key|auth|credential)`)

// Redact returns a deep copy of md in which the value of every key that
// looks sensitive is replaced by [Redacted], at any depth of nested
// maps and slices. Values are normalized through JSON first so that
// structs and typed maps are walked the same way as plain maps.
func Redact(md map[string]any) map[string]any {
	if md == nil {
		return nil
	}
	data, err := json.Marshal(md)
	if err != nil {
		return map[string]any{"_unserializable": err.Error()}
	}
	var copied map[string]any
	if err := json.Unmarshal(data, &copied); err != nil {
		return map[string]any{"_unserializable": err.Error()}
	}
	return redactValue(copied).(map[string]any)
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, inner := range t {
			if sensitiveKey.MatchString(k) {
				t[k] = Redacted
				continue
			}
			t[k] = redactValue(inner)
		}
		return t
	case []any:
		for i, inner := range t {
			t[i] = redactValue(inner)
		}
		return t
	default:
		return v
	}
}
