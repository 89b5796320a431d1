package storage

import (
	"context"
	"strings"
	"time"

	"uniops/internal/errors"
	"uniops/internal/task/scheduler"
)

var (
	ErrNotFound  = errors.New("storage: not found")
	ErrDuplicate = errors.New("storage: duplicate job config")
	ErrClosed    = errors.New("storage: closed")
)

// Config configures storage.
type Config struct {
	Driver       string
	Path         string        // sqlite, file
	DSN          string        // postgres
	BusyTimeout  time.Duration // sqlite only; 0 means 5s
	MaxOpenConns int           // postgres only; 0 means 10
}

type MonitorStatus string

const (
	MonitorEnabled  MonitorStatus = "ENABLED"
	MonitorDisabled MonitorStatus = "DISABLED"
)

type RunStatus string

const (
	RunRunning RunStatus = "RUNNING"
	RunSuccess RunStatus = "SUCCESS"
	RunFailed  RunStatus = "FAILED"
)

type TriggerType string

const (
	TriggerScheduled TriggerType = "SCHEDULED"
	TriggerManual    TriggerType = "MANUAL"
)

// JobConfig is the persisted, operator-overridable schedule of one job.
// One row per key; rows are never deleted by control operations.
type JobConfig struct {
	ID             int64         `json:"id"`
	Owner          string        `json:"owner"`
	Method         string        `json:"method"`
	AppName        string        `json:"app_name"`
	Cron           string        `json:"cron"`
	FixedDelayMs   int64         `json:"fixed_delay_ms"`
	FixedRateMs    int64         `json:"fixed_rate_ms"`
	InitialDelayMs int64         `json:"initial_delay_ms"`
	Enabled        bool          `json:"enabled"`
	Monitor        MonitorStatus `json:"monitor_status"`
	RestorePending bool          `json:"restore_pending"`
	Description    string        `json:"description"`
	LastFireAt     time.Time     `json:"last_fire_at"`
	NextFireAt     time.Time     `json:"next_fire_at"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

func (c JobConfig) Key() string { return c.Owner + "." + c.Method }

// Spec converts the persisted trigger columns into a schedule spec.
func (c JobConfig) Spec() scheduler.Spec {
	return scheduler.SpecFromMillis(c.Cron, c.FixedDelayMs, c.FixedRateMs, c.InitialDelayMs)
}

// SetSpec overwrites all trigger columns from s.
func (c *JobConfig) SetSpec(s scheduler.Spec) {
	c.Cron = strings.TrimSpace(s.Cron)
	c.FixedDelayMs, c.FixedRateMs, c.InitialDelayMs = s.Millis()
}

// MonitorEnabled reports whether Run Records should be stored for this job.
// Rows written before the column existed carry an empty value and count as enabled.
func (c JobConfig) MonitorEnabled() bool { return c.Monitor != MonitorDisabled }

// RunRecord is one invocation of a job.
type RunRecord struct {
	ID           int64       `json:"id"`
	Owner        string      `json:"owner"`
	Method       string      `json:"method"`
	AppName      string      `json:"app_name"`
	TriggerTime  time.Time   `json:"trigger_time"`
	Status       RunStatus   `json:"status"`
	DurationMs   int64       `json:"duration_ms"`
	ExceptionMsg string      `json:"exception_msg,omitempty"`
	TriggerType  TriggerType `json:"trigger_type"`
	TraceID      string      `json:"trace_id"`
}

func (r RunRecord) JobKey() string { return r.Owner + "." + r.Method }

// JobFilter narrows ListConfigs. Zero fields match everything.
type JobFilter struct {
	ID int64
	// NamePattern matches owner or method, case-insensitive substring.
	NamePattern string
	Enabled     *bool
}

func (f JobFilter) match(c JobConfig) bool {
	if f.ID > 0 && c.ID != f.ID {
		return false
	}
	if f.Enabled != nil && c.Enabled != *f.Enabled {
		return false
	}
	if p := strings.ToLower(strings.TrimSpace(f.NamePattern)); p != "" {
		if !strings.Contains(strings.ToLower(c.Owner), p) && !strings.Contains(strings.ToLower(c.Method), p) {
			return false
		}
	}
	return true
}

// RunFilter narrows ListRuns. Zero fields match everything.
type RunFilter struct {
	JobKey  string
	AppName string
	Status  RunStatus
}

func (f RunFilter) match(r RunRecord) bool {
	if f.JobKey != "" && r.JobKey() != f.JobKey {
		return false
	}
	if f.AppName != "" && r.AppName != f.AppName {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}

// Summary counts Run Records by status.
type Summary struct {
	Total   int64 `json:"total"`
	Success int64 `json:"success"`
	Failed  int64 `json:"failed"`
	Running int64 `json:"running"`
}

func (s *Summary) add(status RunStatus, n int64) {
	s.Total += n
	switch status {
	case RunSuccess:
		s.Success += n
	case RunFailed:
		s.Failed += n
	case RunRunning:
		s.Running += n
	}
}

// HourlyCount is one hour bucket of Run Records.
type HourlyCount struct {
	Start   time.Time `json:"start"`
	Total   int64     `json:"total"`
	Success int64     `json:"success"`
	Failed  int64     `json:"failed"`
}

func newHourly(from time.Time, hours int) []HourlyCount {
	out := make([]HourlyCount, hours)
	for i := range out {
		out[i].Start = from.Add(time.Duration(i) * time.Hour)
	}
	return out
}

func (h *HourlyCount) add(status RunStatus, n int64) {
	h.Total += n
	switch status {
	case RunSuccess:
		h.Success += n
	case RunFailed:
		h.Failed += n
	}
}

// Store is the persistence API used by the task manager, recorder and ops.
type Store interface {
	// GetConfig returns ErrNotFound when no row exists for key.
	GetConfig(ctx context.Context, key string) (JobConfig, error)
	// InsertConfig assigns ID and timestamps; it returns ErrDuplicate when a row for the key exists.
	InsertConfig(ctx context.Context, c *JobConfig) error
	// UpdateConfig rewrites the mutable columns of the row matching c's key.
	UpdateConfig(ctx context.Context, c *JobConfig) error
	ListConfigs(ctx context.Context, f JobFilter, offset, limit int) ([]JobConfig, int, error)
	// TouchFire records the last fire and next planned fire; a zero next clears it.
	TouchFire(ctx context.Context, key string, last, next time.Time) error
	// SetNextFire rewrites only the planned next fire; last fire is left as is.
	SetNextFire(ctx context.Context, key string, next time.Time) error

	InsertRun(ctx context.Context, r *RunRecord) error
	// UpdateRun stores the terminal status, duration and message of a run.
	UpdateRun(ctx context.Context, r RunRecord) error
	// ListRuns orders by trigger time, newest first.
	ListRuns(ctx context.Context, f RunFilter, offset, limit int) ([]RunRecord, int, error)
	RecentFailures(ctx context.Context, limit int) ([]RunRecord, error)
	// PurgeRuns deletes records triggered before the cutoff.
	PurgeRuns(ctx context.Context, before time.Time) (int64, error)
	Summary(ctx context.Context) (Summary, error)
	// HourlyCounts returns exactly hours buckets starting at from.
	HourlyCounts(ctx context.Context, from time.Time, hours int) ([]HourlyCount, error)

	Close() error
}

func splitKey(key string) (owner, method string, err error) {
	i := strings.LastIndexByte(key, '.')
	if i <= 0 || i == len(key)-1 {
		return "", "", errors.Newf("storage: malformed job key %q", key)
	}
	return key[:i], key[i+1:], nil
}

func clampPage(offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = 20
	}
	return offset, limit
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func nullMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
