package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "10s", "168h").
type Config struct {
	// AppName tags Job Configs and Run Records written by this instance.
	AppName string `json:"app_name"`

	Logging      LoggingConfig      `json:"logging"`
	Scheduler    SchedulerConfig    `json:"scheduler"`
	Storage      StorageConfig      `json:"storage"`
	Housekeeping HousekeepingConfig `json:"housekeeping"`
	HTTP         HTTPConfig         `json:"http"`

	Analytics *AnalyticsConfig `json:"analytics,omitempty"`
	Alerts    *AlertsConfig    `json:"alerts,omitempty"`

	// Jobs declares exec and HTTP jobs alongside the ones registered in code.
	Jobs []JobConfig `json:"jobs,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	Format  string      `json:"format,omitempty"` // console (default) or json
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig covers both trigger and execution settings.
//
// Defaults (when omitted or zero):
//   - workers: 10
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
type SchedulerConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	MaxHandles     int    `json:"max_handles,omitempty"`
}

// StorageConfig selects the Config Store backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./uniops.db" }
type StorageConfig struct {
	Driver       string `json:"driver"` // sqlite (default), postgres, file, memory
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"` // postgres only; never logged
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// HousekeepingConfig controls run-record retention. Enabled defaults to true.
type HousekeepingConfig struct {
	Enabled   *bool  `json:"enabled,omitempty"`
	Retention string `json:"retention,omitempty"` // default 168h
	Cron      string `json:"cron,omitempty"`      // default "0 0 0 * * *"
	Jitter    string `json:"jitter,omitempty"`    // default 1h
}

func (h HousekeepingConfig) On() bool { return h.Enabled == nil || *h.Enabled }

// HTTPConfig controls the diagnostics server.
//
// Security note: a non-loopback addr needs a token or allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9464"
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Metrics       bool   `json:"metrics"`
	Pprof         bool   `json:"pprof"`
	PprofPrefix   string `json:"pprof_prefix,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// AnalyticsConfig keeps per-job run counters in Redis.
type AnalyticsConfig struct {
	Enabled   bool   `json:"enabled"`
	RedisAddr string `json:"redis_addr"`
	Password  string `json:"password,omitempty"` // do not log
	DB        int    `json:"db,omitempty"`
	Prefix    string `json:"prefix,omitempty"`
	Window    string `json:"window,omitempty"`    // 1m, 5m or 1h (default)
	Retention string `json:"retention,omitempty"` // default 168h
}

// AlertsConfig sends failed-run alerts to a Telegram chat.
type AlertsConfig struct {
	Enabled       bool   `json:"enabled"`
	TelegramToken string `json:"telegram_token"` // do not log
	ChatID        int64  `json:"chat_id"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	// MinInterval suppresses repeats of the same job and error inside the window.
	MinInterval string `json:"min_interval,omitempty"` // default 10m
}

// JobConfig declares one job. Exactly one of command or url is set.
type JobConfig struct {
	Owner       string `json:"owner"`
	Method      string `json:"method"`
	Description string `json:"description,omitempty"`
	// Schedule: "cron:0 */5 * * * *", "delay:30s" or "rate:1m,initial:10s".
	Schedule string `json:"schedule"`

	Command []string `json:"command,omitempty"`
	Dir     string   `json:"dir,omitempty"`
	Env     []string `json:"env,omitempty"`

	URL        string `json:"url,omitempty"`
	HTTPMethod string `json:"http_method,omitempty"`
	Body       string `json:"body,omitempty"`
	Timeout    string `json:"timeout,omitempty"`

	// Unit is a systemd unit; UnitAction is start, stop, restart or
	// ensure-active (default).
	Unit       string `json:"unit,omitempty"`
	UnitAction string `json:"unit_action,omitempty"`
}
