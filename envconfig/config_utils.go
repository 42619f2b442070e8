// config_utils.go - utility helpers and configuration export
//
// This file holds:
// - BoolWithDefault/Bool: boolean getters with defaults
// - String: string getter
// - Uint/Uint64: integer getters with defaults
// - EnvVar: environment variable metadata
// - AsMap: all known settings as a map
// - Values: all setting values as a string map
package envconfig

import (
	"fmt"
	"log/slog"
	"strconv"
)

// BoolWithDefault returns a function reading a bool with a default
func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return defaultValue
	}
}

// Bool returns a function reading a bool (default: false)
func Bool(k string) func() bool {
	withDefault := BoolWithDefault(k)
	return func() bool {
		return withDefault(false)
	}
}

// String returns a function reading a string
func String(s string) func() string {
	return func() string {
		return Var(s)
	}
}

// Uint returns a function reading a uint with a default
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

// Uint64 returns a function reading a uint64 with a default
func Uint64(key string, defaultValue uint64) func() uint64 {
	return func() uint64 {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return n
			}
		}
		return defaultValue
	}
}

// EnvVar describes one environment variable
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap returns every known setting with its name, current value and
// description
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"SMALLMIND_DEBUG":        {"SMALLMIND_DEBUG", LogLevel(), "Show additional debug information (e.g. SMALLMIND_DEBUG=1)"},
		"SMALLMIND_NUM_THREADS":  {"SMALLMIND_NUM_THREADS", NumThreads(), "Number of worker threads for matmul row partitioning (default: logical core count)"},
		"SMALLMIND_MMAP":         {"SMALLMIND_MMAP", MMap(), "Memory-map tensor data instead of reading it into buffers"},
		"SMALLMIND_PREFIX_SLOTS": {"SMALLMIND_PREFIX_SLOTS", PrefixSlots(), "Maximum number of shared KV prefixes kept for reuse (0 disables)"},
		"SMALLMIND_KEEP_ALIVE":   {"SMALLMIND_KEEP_ALIVE", KeepAlive(), "How long idle sessions keep their workspaces (default \"5m\")"},
	}
}

// Values returns every setting's current value as a string map
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}
