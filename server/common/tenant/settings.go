package tenant

import (
	"fmt"
	"strings"
)

// Settings is a hierarchical key/value tree. Keys are addressed with ':'
// separators ("MessageBroker:SubscriptionName") and matched case-insensitively.
type Settings map[string]any

func (s Settings) Lookup(key string) (any, bool) {
	var node any = map[string]any(s)
	for _, part := range strings.Split(key, ":") {
		part = strings.TrimSpace(part)
		m, ok := asMap(node)
		if !ok {
			return nil, false
		}
		next, found := lookupFold(m, part)
		if !found {
			return nil, false
		}
		node = next
	}
	return cloneValue(node), true
}

// String returns the leaf at key rendered as a string, or fallback when the
// key is missing, not a leaf, or blank.
func (s Settings) String(key, fallback string) string {
	v, ok := s.Lookup(key)
	if !ok || v == nil {
		return fallback
	}
	if _, isMap := asMap(v); isMap {
		return fallback
	}
	out := strings.TrimSpace(fmt.Sprint(v))
	if out == "" {
		return fallback
	}
	return out
}

func (s Settings) clone() Settings {
	if s == nil {
		return Settings{}
	}
	return cloneMap(s)
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	if m, ok := asMap(v); ok {
		return cloneMap(m)
	}
	if list, ok := v.([]any); ok {
		out := make([]any, len(list))
		for i, item := range list {
			out[i] = cloneValue(item)
		}
		return out
	}
	return v
}

func lookupFold(m map[string]any, key string) (any, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Settings:
		return m, true
	default:
		return nil, false
	}
}
