package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, b []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		if line == "" {
			continue
		}
		m := map[string]any{}
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

func TestWriterFieldsAndLevel(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "test"))

	log.Debug("hidden")
	log.Info("hello", Job("a.b"), Int("n", 3))

	lines := decodeLines(t, buf.Bytes())
	require.Len(t, lines, 1)
	assert.Equal(t, "hello", lines[0]["message"])
	assert.Equal(t, "test", lines[0]["comp"])
	assert.Equal(t, "a.b", lines[0]["job"])
	assert.EqualValues(t, 3, lines[0]["n"])
	assert.Contains(t, lines[0]["caller"], "logging_test.go:")
	assert.False(t, log.Enabled(LevelDebug))
	assert.True(t, log.Enabled(LevelWarn))
}

func TestWithDoesNotAlias(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	base := NewWriter(&buf, "debug").With(String("a", "1"))
	x := base.With(String("x", "1"))
	_ = base.With(String("y", "1"))

	x.Info("m")
	lines := decodeLines(t, buf.Bytes())
	require.Len(t, lines, 1)
	assert.NotContains(t, lines[0], "y")
	assert.Equal(t, "1", lines[0]["x"])
}

func TestTraceOnContext(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	ctx := WithTrace(context.Background(), "abc")
	assert.Equal(t, "abc", TraceID(ctx))
	assert.Empty(t, TraceID(context.Background()))

	NewWriter(&buf, "debug").FromContext(ctx).Info("m")
	lines := decodeLines(t, buf.Bytes())
	require.Len(t, lines, 1)
	assert.Equal(t, "abc", lines[0]["trace"])
}

func TestValidLevel(t *testing.T) {
	t.Parallel()
	for _, s := range []string{"", "debug", " INFO ", "warning", "error", "trace"} {
		assert.True(t, ValidLevel(s), s)
	}
	assert.False(t, ValidLevel("verbose"))
}

// New writes zerolog globals, so this test stays sequential.
func TestServiceApplyFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	svc, log := New(Config{Level: "warn", File: FileConfig{Enabled: true, Path: path}})

	log.Info("dropped")
	log.Warn("kept")

	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	log.Debug("now visible")
	require.NoError(t, svc.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := decodeLines(t, b)
	require.Len(t, lines, 2)
	assert.Equal(t, "kept", lines[0]["message"])
	assert.Equal(t, "now visible", lines[1]["message"])
}

func TestNopIsSilent(t *testing.T) {
	t.Parallel()
	log := Nop()
	assert.False(t, log.IsZero())
	log.Error("nothing")
	assert.True(t, Logger{}.IsZero())
}
