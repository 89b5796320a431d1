package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uniops/internal/config"
	"uniops/internal/housekeeping"
	"uniops/internal/ops"
	"uniops/internal/storage"
	logx "uniops/pkg/logx"
)

func TestMapHousekeeping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		hk         config.HousekeepingConfig
		timeout    time.Duration
		wantJitter time.Duration
		wantRet    time.Duration
		wantErr    bool
	}{
		{"defaults", config.HousekeepingConfig{}, 0, housekeeping.DefaultJitter, housekeeping.DefaultRetention, false},
		{"default jitter capped by timeout", config.HousekeepingConfig{}, 10 * time.Minute, 5 * time.Minute, housekeeping.DefaultRetention, false},
		{"explicit jitter kept", config.HousekeepingConfig{Jitter: "30s", Retention: "48h"}, 10 * time.Minute, 30 * time.Second, 48 * time.Hour, false},
		{"bad cron", config.HousekeepingConfig{Cron: "every night"}, 0, 0, 0, true},
		{"bad retention", config.HousekeepingConfig{Retention: "a week"}, 0, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := mapHousekeeping(&config.Config{Housekeeping: tt.hk}, tt.timeout)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantJitter, got.Jitter)
			assert.Equal(t, tt.wantRet, got.Retention)
		})
	}
}

func TestMapJobs(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		job     config.JobConfig
		wantErr string
	}{
		{"command", config.JobConfig{Owner: "a", Method: "b", Schedule: "delay:1s", Command: []string{"true"}}, ""},
		{"url", config.JobConfig{Owner: "a", Method: "b", Schedule: "rate:1m,initial:5s", URL: "http://x", HTTPMethod: "get"}, ""},
		{"bad schedule", config.JobConfig{Owner: "a", Method: "b", Schedule: "rate:-1s", URL: "http://x"}, "jobs[a.b].schedule"},
		{"neither", config.JobConfig{Owner: "a", Method: "b", Schedule: "rate:1s"}, "exactly one of command, url or unit"},
		{"both", config.JobConfig{Owner: "a", Method: "b", Schedule: "rate:1s", URL: "http://x", Command: []string{"true"}}, "exactly one"},
		{"verb", config.JobConfig{Owner: "a", Method: "b", Schedule: "rate:1s", URL: "http://x", HTTPMethod: "BREW"}, "http_method"},
		{"unit", config.JobConfig{Owner: "a", Method: "b", Schedule: "cron:0 */5 * * * *", Unit: "nginx", UnitAction: "restart"}, ""},
		{"unit and url", config.JobConfig{Owner: "a", Method: "b", Schedule: "rate:1s", Unit: "nginx", URL: "http://x"}, "exactly one"},
		{"unit action", config.JobConfig{Owner: "a", Method: "b", Schedule: "rate:1s", Unit: "nginx", UnitAction: "reload"}, "unit_action"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := mapJobs(&config.Config{Jobs: []config.JobConfig{tt.job}})
			if tt.wantErr == "" {
				require.NoError(t, err)
				require.Len(t, got, 1)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMapStorageDefaultsSQLitePath(t *testing.T) {
	t.Parallel()
	sc, err := MapStorage(&config.Config{Storage: config.StorageConfig{BusyTimeout: "2s"}})
	require.NoError(t, err)
	assert.Equal(t, "./uniops.db", sc.Path)
	assert.Equal(t, 2*time.Second, sc.BusyTimeout)

	sc, err = MapStorage(&config.Config{Storage: config.StorageConfig{Driver: "Memory"}})
	require.NoError(t, err)
	assert.Equal(t, "memory", sc.Driver)
	assert.Empty(t, sc.Path)
}

func TestAppRunsDeclaredJob(t *testing.T) {
	if testing.Short() {
		t.Skip("starts the full daemon")
	}
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "uniops.yaml")
	body := `
app_name: test
logging:
  level: error
storage:
  driver: file
  path: ` + filepath.Join(dir, "store") + `
housekeeping:
  enabled: false
jobs:
  - owner: probe
    method: ping
    schedule: "rate:100ms"
    url: ` + srv.URL + `
    http_method: GET
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := New(ctx, cfgPath)
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))

	require.Eventually(t, func() bool { return hits.Load() >= 2 }, 5*time.Second, 20*time.Millisecond)

	page, err := a.Ops().ListJobs(ctx, ops.JobFilter{NamePattern: "probe"}, 1, 0)
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, "test", page.Items[0].AppName)
	assert.Equal(t, int64(100), page.Items[0].FixedRateMs)

	require.Eventually(t, func() bool {
		runs, err := a.Ops().ListRuns(ctx, ops.RunFilter{JobKey: "probe.ping"}, 1, 10)
		return err == nil && runs.Total >= 2 && runs.Items[0].Status != ""
	}, 5*time.Second, 20*time.Millisecond)

	ready, detail := a.health()
	assert.True(t, ready)
	assert.Equal(t, 1, detail["live_handles"])

	require.NoError(t, a.Ops().DisableJob(ctx, "probe.ping"))
	st, err := a.Ops().JobStatus(ctx, "probe.ping")
	require.NoError(t, err)
	assert.False(t, st.Live)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopSignal))

	// the file store persisted the disabled flag
	st2, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "store")}, logx.Nop())
	require.NoError(t, err)
	defer st2.Close()
	cfg, err := st2.GetConfig(context.Background(), "probe.ping")
	require.NoError(t, err)
	assert.False(t, cfg.Enabled)
}
