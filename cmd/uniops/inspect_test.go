package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uniops/internal/storage"
	logx "uniops/pkg/logx"
)

func seedStore(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	storePath := filepath.Join(dir, "store")
	st, err := storage.Open(storage.Config{Driver: "file", Path: storePath}, logx.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	for _, m := range []string{"nightly", "hourly"} {
		c := &storage.JobConfig{
			Owner: "reports", Method: m, Cron: "0 0 * * *",
			FixedDelayMs: -1, FixedRateMs: -1, InitialDelayMs: -1,
			Enabled: true, Monitor: storage.MonitorEnabled,
		}
		require.NoError(t, st.InsertConfig(ctx, c))
	}
	r := &storage.RunRecord{
		Owner: "reports", Method: "nightly", TriggerTime: time.Now().Add(-time.Minute),
		Status: storage.RunRunning, TriggerType: storage.TriggerScheduled, TraceID: "t-1",
	}
	require.NoError(t, st.InsertRun(ctx, r))
	r.Status, r.DurationMs, r.ExceptionMsg = storage.RunFailed, 1200, "exit status 2\nstderr: boom"
	require.NoError(t, st.UpdateRun(ctx, *r))
	require.NoError(t, st.Close())

	cfgPath := filepath.Join(dir, "uniops.yaml")
	body := "app_name: test\nstorage:\n  driver: file\n  path: " + storePath + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o600))
	return cfgPath
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

// Commands share package-level flag state, so these cases run sequentially.
func TestInspectionCommands(t *testing.T) {
	cfg := seedStore(t)

	out := execute(t, "validate", "-c", cfg)
	assert.Contains(t, out, "ok (0 declared jobs")

	out = execute(t, "jobs", "-c", cfg, "--name", "NIGHT", "--json")
	var page struct {
		Items []storage.JobConfig `json:"items"`
		Total int                 `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &page))
	require.Equal(t, 1, page.Total)
	assert.Equal(t, "nightly", page.Items[0].Method)

	out = execute(t, "failures", "-c", cfg, "--json=false")
	assert.Contains(t, out, "reports.nightly")
	assert.Contains(t, out, "exit status 2 stderr: boom")
	assert.Contains(t, out, "1.2s")

	out = execute(t, "stats", "-c", cfg, "--json=false")
	assert.Contains(t, out, "total 1, success 0, failed 1, running 0")
}

func TestOneLine(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "a b c", oneLine("a\n b\tc", 10))
	assert.Equal(t, "abc...", oneLine("abcdef", 3))
	assert.Equal(t, "abc", oneLine("abc", 3))
}
