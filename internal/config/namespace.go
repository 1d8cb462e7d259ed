package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Namespace is the option block of one component. Values come straight from
// YAML, so getters accept any scalar representation and fall back to the
// default when the key is missing or cannot be converted.
type Namespace map[string]any

// Enabled reports the "enabled" key, false by default.
func (n Namespace) Enabled() bool {
	return n.Bool("enabled", false)
}

// String returns the value of key as a string.
func (n Namespace) String(key, def string) string {
	v, ok := n[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, p := range t {
			parts = append(parts, fmt.Sprint(p))
		}
		return strings.Join(parts, ",")
	}
	return fmt.Sprint(v)
}

// Strings returns a comma separated value or a YAML list as a slice with
// empty entries removed.
func (n Namespace) Strings(key string) []string {
	var out []string
	for _, s := range strings.Split(n.String(key, ""), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Int returns the value of key as an int.
func (n Namespace) Int(key string, def int) int {
	switch t := n[key].(type) {
	case int:
		return t
	case int64:
		return int(t)
	case uint64:
		return int(t)
	case float64:
		return int(t)
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return i
		}
	}
	return def
}

// Float returns the value of key as a float64.
func (n Namespace) Float(key string, def float64) float64 {
	switch t := n[key].(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case uint64:
		return float64(t)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return f
		}
	}
	return def
}

// Bool returns the value of key as a bool.
func (n Namespace) Bool(key string, def bool) bool {
	switch t := n[key].(type) {
	case bool:
		return t
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(t)); err == nil {
			return b
		}
	}
	return def
}
