package envconfig

import (
	"log/slog"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNumThreads(t *testing.T) {
	t.Setenv("SMALLMIND_NUM_THREADS", "")
	assert.Equal(t, runtime.NumCPU(), NumThreads())

	t.Setenv("SMALLMIND_NUM_THREADS", "3")
	assert.Equal(t, 3, NumThreads())

	t.Setenv("SMALLMIND_NUM_THREADS", "zero")
	assert.Equal(t, runtime.NumCPU(), NumThreads())

	t.Setenv("SMALLMIND_NUM_THREADS", "-2")
	assert.Equal(t, runtime.NumCPU(), NumThreads())
}

func TestLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":      slog.LevelInfo,
		"false": slog.LevelInfo,
		"1":     slog.LevelDebug,
		"true":  slog.LevelDebug,
		"2":     slog.Level(-8),
	}
	for value, want := range cases {
		t.Setenv("SMALLMIND_DEBUG", value)
		assert.Equal(t, want, LogLevel(), "SMALLMIND_DEBUG=%q", value)
	}
}

func TestKeepAlive(t *testing.T) {
	cases := map[string]time.Duration{
		"":    5 * time.Minute,
		"10m": 10 * time.Minute,
		"30":  30 * time.Second,
		"-1":  time.Duration(1<<63 - 1),
	}
	for value, want := range cases {
		t.Setenv("SMALLMIND_KEEP_ALIVE", value)
		assert.Equal(t, want, KeepAlive(), "SMALLMIND_KEEP_ALIVE=%q", value)
	}
}

func TestVarStripsQuotes(t *testing.T) {
	t.Setenv("SMALLMIND_NUM_THREADS", `  "4"  `)
	assert.Equal(t, 4, NumThreads())
}

func TestPrefixSlots(t *testing.T) {
	t.Setenv("SMALLMIND_PREFIX_SLOTS", "")
	assert.Equal(t, uint(16), PrefixSlots())

	t.Setenv("SMALLMIND_PREFIX_SLOTS", "0")
	assert.Equal(t, uint(0), PrefixSlots())
}
