package remediation

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/miradorstack/mirador-heal/internal/utils"
)

// Config is a fix's configuration map with typed accessors. Values may come from JSON (float64),
// YAML (int) or environment strings, so every accessor accepts all three.
type Config map[string]any

func (c Config) lookup(key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// Float returns key as a float64 or def.
func (c Config) Float(key string, def float64) float64 {
	v, ok := c.lookup(key)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case int32:
		return float64(n)
	case uint64:
		return float64(n)
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return f
		}
	}
	return def
}

// Int returns key truncated to an int or def.
func (c Config) Int(key string, def int) int {
	if _, ok := c.lookup(key); !ok {
		return def
	}
	return int(c.Float(key, float64(def)))
}

// Seconds returns key, expressed in seconds, as a duration.
func (c Config) Seconds(key string, def float64) time.Duration {
	return utils.Seconds(c.Float(key, def))
}

// String returns key as a string or def.
func (c Config) String(key, def string) string {
	v, ok := c.lookup(key)
	if !ok {
		return def
	}
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

// Bool returns key as a bool or def.
func (c Config) Bool(key string, def bool) bool {
	v, ok := c.lookup(key)
	if !ok {
		return def
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		if parsed, err := strconv.ParseBool(b); err == nil {
			return parsed
		}
	}
	return def
}

// Strings returns key as a string list. A single comma-separated string is split.
func (c Config) Strings(key string) []string {
	v, ok := c.lookup(key)
	if !ok {
		return nil
	}
	var out []string
	switch list := v.(type) {
	case []string:
		out = append(out, list...)
	case []any:
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	case string:
		out = strings.Split(list, ",")
	}
	cleaned := out[:0]
	for _, s := range out {
		if s = strings.TrimSpace(s); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	return cleaned
}
