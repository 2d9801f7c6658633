package channel

import (
	"fmt"
	"sort"
	"strings"
)

// ReadString returns the first non-empty string value found under keys.
func ReadString(raw map[string]any, keys ...string) string {
	if raw == nil {
		return ""
	}
	for _, key := range keys {
		value, ok := raw[key]
		if !ok || value == nil {
			continue
		}
		var s string
		switch v := value.(type) {
		case string:
			s = v
		case fmt.Stringer:
			s = v.String()
		default:
			s = fmt.Sprint(v)
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

// ReadBool returns the first boolean value found under keys.
func ReadBool(raw map[string]any, keys ...string) (bool, bool) {
	for _, key := range keys {
		switch v := raw[key].(type) {
		case bool:
			return v, true
		case string:
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "true", "1", "yes":
				return true, true
			case "false", "0", "no":
				return false, true
			}
		}
	}
	return false, false
}

// ValidateRequired checks that every required field of schema is present in
// the channel's credentials.
func ValidateRequired(schema ConfigSchema, ch Channel) error {
	missing := make([]string, 0)
	for name, field := range schema.Fields {
		if !field.Required {
			continue
		}
		if ReadString(ch.Credentials, name) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("missing required credentials: %s", strings.Join(missing, ", "))
}

func cloneAnyMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// MergeMetadata returns base overlaid with update; nil when both are empty.
func MergeMetadata(base, update map[string]any) (map[string]any, bool) {
	changed := false
	out := cloneAnyMap(base)
	for k, v := range update {
		if out == nil {
			out = map[string]any{}
		}
		if existing, ok := out[k]; ok && fmt.Sprint(existing) == fmt.Sprint(v) {
			continue
		}
		out[k] = v
		changed = true
	}
	return out, changed
}
