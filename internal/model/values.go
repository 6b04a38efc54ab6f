package model

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

func cloneMap(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = cloneValue(v)
	}
	return dst
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out
	default:
		return v
	}
}

// normalizeScopes returns a sorted set of non-blank scopes. Never nil.
func normalizeScopes(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// claimsFromMetadata accepts the shapes the claims slot shows up in: a decoded
// JSON object, a flat string map, or raw JSON text.
func claimsFromMetadata(v any) (map[string]any, error) {
	switch t := v.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return cloneMap(t), nil
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out, nil
	case json.RawMessage:
		return decodeClaims(t)
	case []byte:
		return decodeClaims(t)
	case string:
		if strings.TrimSpace(t) == "" {
			return map[string]any{}, nil
		}
		return decodeClaims([]byte(t))
	default:
		return nil, fmt.Errorf("unsupported claims type %T", v)
	}
}

func decodeClaims(b []byte) (map[string]any, error) {
	out := map[string]any{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("failed to decode claims: %w", err)
	}
	return out, nil
}

func timeFromMetadata(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, !t.IsZero()
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	default:
		return time.Time{}, false
	}
}

// jsonContains reports whether candidate is structurally contained in value,
// following the same rules as the Postgres jsonb @> operator: objects match
// when every candidate key is contained, arrays when every candidate element
// is contained in some element, scalars by equality.
func jsonContains(value, candidate any) bool {
	return containsNormalized(normalizeJSON(value), normalizeJSON(candidate))
}

func normalizeJSON(v any) any {
	switch v.(type) {
	case nil, string, bool, float64:
		return v
	}
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

func containsNormalized(value, candidate any) bool {
	switch c := candidate.(type) {
	case map[string]any:
		m, ok := value.(map[string]any)
		if !ok {
			return false
		}
		for k, cv := range c {
			mv, ok := m[k]
			if !ok || !containsNormalized(mv, cv) {
				return false
			}
		}
		return true
	case []any:
		arr, ok := value.([]any)
		if !ok {
			return false
		}
		for _, cv := range c {
			found := false
			for _, av := range arr {
				if containsNormalized(av, cv) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(value, candidate)
	}
}
