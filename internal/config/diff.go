package config

import (
	"reflect"
	"sort"
	"strings"

	logx "uniops/pkg/logx"
)

// RestartSections need a process restart to take effect; only logging is applied live.
var RestartSections = map[string]bool{
	"scheduler":    true,
	"storage":      true,
	"housekeeping": true,
	"http":         true,
	"analytics":    true,
	"alerts":       true,
	"jobs":         true,
	"app_name":     true,
}

// SummarizeConfigChange returns the changed section names (sorted) and safe
// structured fields for logging. Secrets are reported only as "_set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.AppName != newCfg.AppName {
		changed = append(changed, "app_name")
		attrs = append(attrs, logx.String("app_name", newCfg.AppName))
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		s := newCfg.Scheduler
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Int("scheduler.workers", s.Workers),
			logx.Int("scheduler.queue_size", s.QueueSize),
			logx.String("scheduler.timezone", strings.TrimSpace(s.Timezone)),
			logx.String("scheduler.default_timeout", strings.TrimSpace(s.DefaultTimeout)),
		)
	}

	// DSN may carry a password; compare it but never log it.
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Housekeeping, newCfg.Housekeeping) {
		h := newCfg.Housekeeping
		changed = append(changed, "housekeeping")
		attrs = append(attrs,
			logx.Bool("housekeeping.enabled", h.On()),
			logx.String("housekeeping.retention", h.Retention),
			logx.String("housekeeping.cron", h.Cron),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		h := newCfg.HTTP
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", h.Enabled),
			logx.String("http.addr", strings.TrimSpace(h.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(h.Token) != ""),
			logx.Bool("http.metrics", h.Metrics),
			logx.Bool("http.pprof", h.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Analytics, newCfg.Analytics) {
		changed = append(changed, "analytics")
		if a := newCfg.Analytics; a != nil {
			attrs = append(attrs, logx.Bool("analytics.enabled", a.Enabled), logx.String("analytics.window", a.Window))
		}
	}

	if !reflect.DeepEqual(oldCfg.Alerts, newCfg.Alerts) {
		changed = append(changed, "alerts")
		if a := newCfg.Alerts; a != nil {
			attrs = append(attrs,
				logx.Bool("alerts.enabled", a.Enabled),
				logx.Bool("alerts.token_set", strings.TrimSpace(a.TelegramToken) != ""),
				logx.String("alerts.min_interval", a.MinInterval),
			)
		}
	}

	if jobs := diffJobs(oldCfg.Jobs, newCfg.Jobs); len(jobs) > 0 {
		changed = append(changed, "jobs")
		attrs = append(attrs, logx.Int("jobs.changed_count", len(jobs)), logx.Any("jobs.changed", jobs))
	}

	sort.Strings(changed)
	return changed, attrs
}

// NeedsRestart reports whether any changed section is not applied live.
func NeedsRestart(sections []string) bool {
	for _, s := range sections {
		if RestartSections[s] {
			return true
		}
	}
	return false
}

// diffJobs returns the keys of declared jobs that were added, removed or edited.
func diffJobs(oldJobs, newJobs []JobConfig) []string {
	index := func(list []JobConfig) map[string]uint64 {
		m := make(map[string]uint64, len(list))
		for _, j := range list {
			m[j.Owner+"."+j.Method] = hashJSON(j)
		}
		return m
	}
	o, n := index(oldJobs), index(newJobs)
	out := make([]string, 0)
	for k, h := range n {
		if prev, ok := o[k]; !ok || prev != h {
			out = append(out, k)
		}
	}
	for k := range o {
		if _, ok := n[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
