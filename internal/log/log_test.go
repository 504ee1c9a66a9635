package log

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T, l Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(l)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		SetLevel(LevelInfo)
	})
	return &buf
}

func TestLevels(t *testing.T) {
	buf := capture(t, LevelWarn)

	Debug("hidden")
	Info("hidden")
	Warn("shown", "quadrant", "M1")
	Error("failed", errors.New("bus down"), "op", "display")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "[WARN] shown quadrant=M1")
	assert.Contains(t, lines[1], `[ERROR] failed err="bus down" op=display`)
}

func TestFormatKVs(t *testing.T) {
	assert.Equal(t, " a=1 b=x", formatKVs("a", 1, "b", "x", "dangling"))
	assert.Equal(t, " b=2", formatKVs(3, "skipped", "b", 2))
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{
		"debug": LevelDebug,
		" Info": LevelInfo,
		"WARN":  LevelWarn,
		"error": LevelError,
		"":      LevelInfo,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}
