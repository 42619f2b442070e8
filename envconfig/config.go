// config.go - main configuration functions for SmallMind
//
// This file holds:
// - NumThreads: worker count for matmul parallelism (SMALLMIND_NUM_THREADS)
// - LogLevel: log level (SMALLMIND_DEBUG)
// - MMap: memory mapping at load time (SMALLMIND_MMAP)
// - PrefixSlots: prefix cache slot limit (SMALLMIND_PREFIX_SLOTS)
// - KeepAlive: idle session lifetime (SMALLMIND_KEEP_ALIVE)
//
// Further configuration lives in:
// - config_utils.go: utility helpers and AsMap/Values
package envconfig

import (
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// NumThreads returns the worker count for row-partitioned kernels
// Configurable via SMALLMIND_NUM_THREADS
// Default: logical core count
func NumThreads() int {
	if s := Var("SMALLMIND_NUM_THREADS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
		slog.Warn("invalid SMALLMIND_NUM_THREADS, using default", "value", s)
	}
	return runtime.NumCPU()
}

// LogLevel returns the log level
// Configurable via SMALLMIND_DEBUG
// Values: 0/false = INFO (default), 1/true = DEBUG, 2 = TRACE
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("SMALLMIND_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

// MMap reports whether tensor data should be read memory-mapped
// Configurable via SMALLMIND_MMAP (default: false)
var MMap = Bool("SMALLMIND_MMAP")

// PrefixSlots returns the KV prefix cache slot limit
// Configurable via SMALLMIND_PREFIX_SLOTS (default: 16; 0 disables)
var PrefixSlots = Uint("SMALLMIND_PREFIX_SLOTS", 16)

// KeepAlive returns how long an idle session keeps its workspaces
// before an embedding server may release them
// Configurable via SMALLMIND_KEEP_ALIVE (default: 5m, negative = forever)
func KeepAlive() time.Duration {
	keepAlive := 5 * time.Minute
	if s := Var("SMALLMIND_KEEP_ALIVE"); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			keepAlive = d
		} else if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			keepAlive = time.Duration(n) * time.Second
		}
	}

	if keepAlive < 0 {
		return time.Duration(1<<63 - 1)
	}
	return keepAlive
}

// Var returns an environment variable
// Strips leading/trailing quotes and whitespace
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
