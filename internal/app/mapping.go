package app

import (
	"net/http"
	"strings"
	"time"

	"uniops/internal/analytics"
	"uniops/internal/config"
	"uniops/internal/errors"
	"uniops/internal/housekeeping"
	"uniops/internal/jobs"
	"uniops/internal/notifier"
	"uniops/internal/observability/httpd"
	"uniops/internal/storage"
	"uniops/internal/task/engine"
	"uniops/internal/task/scheduler"
	"uniops/internal/units"
	logx "uniops/pkg/logx"
)

const (
	defaultWorkers     = 10
	defaultQueueSize   = 256
	defaultHistorySize = 200
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapEngine(cfg *config.Config) (engine.Config, error) {
	s := cfg.Scheduler
	timeout, err := config.ParseDurationField("scheduler.default_timeout", s.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("scheduler.max_queue_delay", s.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	out := engine.Config{
		Workers:        s.Workers,
		QueueSize:      s.QueueSize,
		DefaultTimeout: timeout,
		MaxQueueDelay:  maxDelay,
		HistorySize:    s.HistorySize,
	}
	if out.Workers <= 0 {
		out.Workers = defaultWorkers
	}
	if out.QueueSize <= 0 {
		out.QueueSize = defaultQueueSize
	}
	if out.HistorySize <= 0 {
		out.HistorySize = defaultHistorySize
	}
	return out, nil
}

func mapScheduler(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Timezone:   strings.TrimSpace(cfg.Scheduler.Timezone),
		MaxHandles: cfg.Scheduler.MaxHandles,
	}
}

// MapStorage turns the storage section into a storage.Config. The CLI uses it
// to open the same store as the daemon.
func MapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	out := storage.Config{
		Driver:       strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:         strings.TrimSpace(sc.Path),
		DSN:          strings.TrimSpace(sc.DSN),
		BusyTimeout:  busy,
		MaxOpenConns: sc.MaxOpenConns,
	}
	if (out.Driver == "" || out.Driver == "sqlite" || out.Driver == "sqlite3") && out.Path == "" {
		out.Path = "./uniops.db"
	}
	return out, nil
}

// mapHousekeeping fills defaults. An unset jitter is capped below the run
// timeout so the purge is not cut off while waiting.
func mapHousekeeping(cfg *config.Config, runTimeout time.Duration) (housekeeping.Config, error) {
	h := cfg.Housekeeping
	retention, err := config.ParseDurationOrDefault("housekeeping.retention", h.Retention, housekeeping.DefaultRetention)
	if err != nil {
		return housekeeping.Config{}, err
	}
	jitter := housekeeping.DefaultJitter
	if strings.TrimSpace(h.Jitter) != "" {
		if jitter, err = config.ParseDurationField("housekeeping.jitter", h.Jitter); err != nil {
			return housekeeping.Config{}, err
		}
	} else if runTimeout > 0 && jitter >= runTimeout {
		jitter = runTimeout / 2
	}
	out := housekeeping.Config{Retention: retention, Cron: strings.TrimSpace(h.Cron), Jitter: jitter}
	if out.Cron != "" {
		if err := scheduler.Validate(scheduler.Spec{Cron: out.Cron}); err != nil {
			return housekeeping.Config{}, errors.Wrap(err, "housekeeping.cron")
		}
	}
	return out, nil
}

func mapHTTP(cfg *config.Config) (httpd.Config, error) {
	h := cfg.HTTP
	out := httpd.Config{
		Enabled:              h.Enabled,
		Addr:                 strings.TrimSpace(h.Addr),
		Token:                strings.TrimSpace(h.Token),
		AllowInsecure:        h.AllowInsecure,
		Metrics:              h.Metrics,
		Pprof:                h.Pprof,
		PprofPrefix:          h.PprofPrefix,
		MutexProfileFraction: h.MutexProfileFraction,
		BlockProfileRate:     h.BlockProfileRate,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 10*time.Second); err != nil {
		return httpd.Config{}, err
	}
	// 0 keeps /debug/pprof/profile usable; it streams for 30s by default.
	if out.WriteTimeout, err = config.ParseDurationField("http.write_timeout", h.WriteTimeout); err != nil {
		return httpd.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, time.Minute); err != nil {
		return httpd.Config{}, err
	}
	return out, nil
}

func mapAnalytics(cfg *config.Config) (analytics.Config, bool, error) {
	a := cfg.Analytics
	if a == nil || !a.Enabled {
		return analytics.Config{}, false, nil
	}
	window, err := config.ParseDurationOrDefault("analytics.window", a.Window, time.Hour)
	if err != nil {
		return analytics.Config{}, false, err
	}
	retention, err := config.ParseDurationField("analytics.retention", a.Retention)
	if err != nil {
		return analytics.Config{}, false, err
	}
	return analytics.Config{Prefix: a.Prefix, Window: window, Retention: retention}, true, nil
}

func mapAlerts(cfg *config.Config) (notifier.Config, error) {
	a := cfg.Alerts
	if a == nil {
		return notifier.Config{}, nil
	}
	interval, err := config.ParseDurationOrDefault("alerts.min_interval", a.MinInterval, 10*time.Minute)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:     a.Enabled,
		ChatID:      a.ChatID,
		QueueSize:   a.QueueSize,
		RatePerSec:  a.RatePerSec,
		RetryMax:    a.RetryMax,
		DedupWindow: interval,
	}, nil
}

// mapJobs converts declared jobs. Schedules are parsed here so a bad one
// fails validation instead of being skipped at discovery.
func mapJobs(cfg *config.Config) ([]jobs.Declared, error) {
	out := make([]jobs.Declared, 0, len(cfg.Jobs))
	for _, j := range cfg.Jobs {
		key := jobs.Key(j.Owner, j.Method)
		if _, err := scheduler.ParseSpec(j.Schedule); err != nil {
			return nil, errors.Wrapf(err, "jobs[%s].schedule", key)
		}
		d := jobs.Declared{Command: j.Command, URL: j.URL, Unit: j.Unit}
		if d.Kinds() != 1 {
			return nil, errors.Newf("jobs[%s]: exactly one of command, url or unit is required", key)
		}
		if !units.ValidAction(j.UnitAction) {
			return nil, errors.Newf("jobs[%s].unit_action: unsupported %q", key, j.UnitAction)
		}
		if j.HTTPMethod != "" {
			switch strings.ToUpper(j.HTTPMethod) {
			case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodHead:
			default:
				return nil, errors.Newf("jobs[%s].http_method: unsupported %q", key, j.HTTPMethod)
			}
		}
		timeout, err := config.ParseDurationField("jobs["+key+"].timeout", j.Timeout)
		if err != nil {
			return nil, err
		}
		out = append(out, jobs.Declared{
			Owner:       j.Owner,
			Method:      j.Method,
			Description: j.Description,
			Schedule:    j.Schedule,
			Command:     j.Command,
			Dir:         j.Dir,
			Env:         j.Env,
			URL:         j.URL,
			HTTPVerb:    j.HTTPMethod,
			Body:        j.Body,
			Timeout:     timeout,
			Unit:        j.Unit,
			UnitAction:  j.UnitAction,
		})
	}
	return out, nil
}

// validate is the config manager's hook: the static checks plus everything
// the mappers reject.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	eng, err := mapEngine(cfg)
	if err != nil {
		return err
	}
	if _, err := MapStorage(cfg); err != nil {
		return err
	}
	if _, err := mapHousekeeping(cfg, eng.DefaultTimeout); err != nil {
		return err
	}
	if _, err := mapHTTP(cfg); err != nil {
		return err
	}
	if _, _, err := mapAnalytics(cfg); err != nil {
		return err
	}
	if _, err := mapAlerts(cfg); err != nil {
		return err
	}
	_, err = mapJobs(cfg)
	return err
}
