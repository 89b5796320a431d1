package config

import (
	"strings"
	"time"

	"uniops/internal/errors"
	logx "uniops/pkg/logx"
)

// Validate checks everything that can be checked without other packages.
// Schedule syntax is checked by the caller, which owns the parser.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if !logx.ValidLevel(cfg.Logging.Level) {
		return errors.Newf("logging.level: unknown level %q", cfg.Logging.Level)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "", "console", "json":
	default:
		return errors.Newf("logging.format: want console or json, got %q", cfg.Logging.Format)
	}

	s := cfg.Scheduler
	for name, v := range map[string]int{
		"scheduler.workers":      s.Workers,
		"scheduler.queue_size":   s.QueueSize,
		"scheduler.history_size": s.HistorySize,
		"scheduler.max_handles":  s.MaxHandles,
	} {
		if v < 0 {
			return errors.Newf("%s must be >= 0", name)
		}
	}
	if tz := strings.TrimSpace(s.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return errors.Wrapf(err, "scheduler.timezone: invalid %q", tz)
		}
	}
	timeout, err := ParseDurationField("scheduler.default_timeout", s.DefaultTimeout)
	if err != nil {
		return err
	}
	if _, err := ParseDurationField("scheduler.max_queue_delay", s.MaxQueueDelay); err != nil {
		return err
	}

	if err := validateStorage(cfg.Storage); err != nil {
		return err
	}
	if err := validateHousekeeping(cfg.Housekeeping, timeout); err != nil {
		return err
	}

	for _, f := range []struct{ path, raw string }{
		{"http.read_timeout", cfg.HTTP.ReadTimeout},
		{"http.write_timeout", cfg.HTTP.WriteTimeout},
		{"http.idle_timeout", cfg.HTTP.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}

	if a := cfg.Analytics; a != nil && a.Enabled {
		if strings.TrimSpace(a.RedisAddr) == "" {
			return errors.New("analytics.redis_addr is required when analytics.enabled=true")
		}
		switch strings.TrimSpace(a.Window) {
		case "", "1m", "5m", "1h":
		default:
			return errors.Newf("analytics.window: want 1m, 5m or 1h, got %q", a.Window)
		}
		if _, err := ParseDurationField("analytics.retention", a.Retention); err != nil {
			return err
		}
	}

	if a := cfg.Alerts; a != nil && a.Enabled {
		if strings.TrimSpace(a.TelegramToken) == "" || a.ChatID == 0 {
			return errors.New("alerts.telegram_token and alerts.chat_id are required when alerts.enabled=true")
		}
		if a.RatePerSec < 0 || a.RetryMax < 0 || a.QueueSize < 0 {
			return errors.New("alerts: rate_per_sec, retry_max and queue_size must be >= 0")
		}
		if _, err := ParseDurationField("alerts.min_interval", a.MinInterval); err != nil {
			return err
		}
	}

	seen := make(map[string]int, len(cfg.Jobs))
	for i, j := range cfg.Jobs {
		key := strings.TrimSpace(j.Owner) + "." + strings.TrimSpace(j.Method)
		if prev, dup := seen[key]; dup {
			return errors.Newf("jobs[%d]: duplicate key %s (also jobs[%d])", i, key, prev)
		}
		seen[key] = i
		if _, err := ParseDurationField("jobs["+key+"].timeout", j.Timeout); err != nil {
			return err
		}
	}
	return nil
}

func validateStorage(sc StorageConfig) error {
	switch strings.ToLower(strings.TrimSpace(sc.Driver)) {
	case "", "sqlite", "sqlite3":
	case "postgres", "postgresql":
		if strings.TrimSpace(sc.DSN) == "" {
			return errors.New("storage.dsn is required when storage.driver=postgres")
		}
	case "file":
		if strings.TrimSpace(sc.Path) == "" {
			return errors.New("storage.path is required when storage.driver=file")
		}
	case "memory":
	default:
		return errors.Newf("unknown storage.driver: %s", sc.Driver)
	}
	if sc.MaxOpenConns < 0 {
		return errors.New("storage.max_open_conns must be >= 0")
	}
	_, err := ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	return err
}

// validateHousekeeping rejects a jitter the run timeout would cut short.
func validateHousekeeping(h HousekeepingConfig, runTimeout time.Duration) error {
	if _, err := ParseDurationField("housekeeping.retention", h.Retention); err != nil {
		return err
	}
	jitter, err := ParseDurationField("housekeeping.jitter", h.Jitter)
	if err != nil {
		return err
	}
	if h.On() && runTimeout > 0 && jitter >= runTimeout {
		return errors.Newf("housekeeping.jitter (%s) must be shorter than scheduler.default_timeout (%s)", jitter, runTimeout)
	}
	return nil
}
