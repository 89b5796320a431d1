package manager

import (
	"context"
	"sort"
	"time"

	"uniops/internal/errors"
	"uniops/internal/storage"
	"uniops/internal/task/scheduler"
)

type State string

const (
	StateDiscovered State = "DISCOVERED"
	StateRegistered State = "REGISTERED"
	StateScheduled  State = "SCHEDULED"
	StateSuspended  State = "SUSPENDED"
)

// Status is a read-only projection of one job.
type Status struct {
	Key            string                `json:"key"`
	State          State                 `json:"state"`
	Live           bool                  `json:"live"`
	Declared       bool                  `json:"declared"`
	Enabled        bool                  `json:"enabled"`
	Spec           scheduler.Spec        `json:"spec"`
	Monitor        storage.MonitorStatus `json:"monitor_status,omitempty"`
	RestorePending bool                  `json:"restore_pending,omitempty"`
	LastFireAt     time.Time             `json:"last_fire_at,omitempty"`
	NextFireAt     time.Time             `json:"next_fire_at,omitempty"`
	Fires          uint64                `json:"fires"`
}

// Status reports one job. Keys without a persisted config fail with ErrConfigNotFound.
func (m *Manager) Status(ctx context.Context, key string) (Status, error) {
	cfg, err := m.config(ctx, key)
	if err != nil {
		return Status{}, err
	}
	return m.project(key, &cfg), nil
}

// StatusAll reports every persisted job plus declared jobs not yet registered, ordered by key.
func (m *Manager) StatusAll(ctx context.Context) ([]Status, error) {
	const pageSize = 500
	seen := map[string]bool{}
	var out []Status
	for offset := 0; ; offset += pageSize {
		cfgs, total, err := m.store.ListConfigs(ctx, storage.JobFilter{}, offset, pageSize)
		if err != nil {
			return nil, errors.Wrap(err, "list configs")
		}
		for i := range cfgs {
			key := cfgs[i].Key()
			seen[key] = true
			out = append(out, m.project(key, &cfgs[i]))
		}
		if offset+pageSize >= total || len(cfgs) == 0 {
			break
		}
	}

	m.mu.Lock()
	var pending []string
	for key := range m.defs {
		if !seen[key] {
			pending = append(pending, key)
		}
	}
	m.mu.Unlock()
	for _, key := range pending {
		out = append(out, m.project(key, nil))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *Manager) project(key string, cfg *storage.JobConfig) Status {
	def, declared := m.definition(key)
	st := Status{Key: key, Declared: declared}
	if cfg == nil {
		st.State = StateDiscovered
		st.Spec = def.Spec
		return st
	}
	st.Enabled = cfg.Enabled
	st.Spec = cfg.Spec()
	st.Monitor = cfg.Monitor
	st.RestorePending = cfg.RestorePending
	st.LastFireAt = cfg.LastFireAt
	st.NextFireAt = cfg.NextFireAt

	if a := m.live(key); a != nil && !a.handle.Cancelled() {
		st.Live = true
		st.Fires = a.handle.Fires()
		if next := a.handle.Next(); !next.IsZero() {
			st.NextFireAt = next
		}
	}
	switch {
	case !cfg.Enabled:
		st.State = StateSuspended
	case st.Live:
		st.State = StateScheduled
	default:
		st.State = StateRegistered
	}
	return st
}
