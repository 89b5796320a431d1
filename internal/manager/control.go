package manager

import (
	"context"

	"uniops/internal/errors"
	"uniops/internal/storage"
	"uniops/internal/task/scheduler"
	logx "uniops/pkg/logx"
)

// UpdateSchedule replaces the persisted spec of key and, when the job is enabled
// and declared, swaps its live handle. An invalid spec changes nothing. When the
// new handle cannot be installed the prior config row and handle stay in place.
func (m *Manager) UpdateSchedule(ctx context.Context, key string, spec scheduler.Spec) error {
	if !m.ready.Load() {
		return errors.NotReady("update schedule")
	}
	if err := scheduler.Validate(spec); err != nil {
		return err
	}
	unlock := m.lock(key)
	defer unlock()

	cfg, err := m.config(ctx, key)
	if err != nil {
		return err
	}
	prev := cfg
	cfg.SetSpec(spec)
	cfg.RestorePending = false
	if err := m.store.UpdateConfig(ctx, &cfg); err != nil {
		return errors.Wrapf(err, "persist config %s", key)
	}
	m.log.Info("job schedule updated", logx.Job(key), logx.String("from", prev.Spec().String()), logx.String("to", spec.String()))

	def, declared := m.definition(key)
	if !cfg.Enabled || !declared {
		return nil
	}
	if err := m.installLocked(ctx, def, cfg); err != nil {
		m.rollback(ctx, prev)
		return err
	}
	return nil
}

// Enable marks key enabled and installs a handle from the persisted spec when
// none is live. A pending restore swaps the persisted spec back to the declared one first.
func (m *Manager) Enable(ctx context.Context, key string) error {
	if !m.ready.Load() {
		return errors.NotReady("enable")
	}
	unlock := m.lock(key)
	defer unlock()

	cfg, err := m.config(ctx, key)
	if err != nil {
		return err
	}
	prev := cfg
	def, declared := m.definition(key)

	changed := false
	if cfg.RestorePending && declared {
		cfg.SetSpec(def.Spec)
		cfg.RestorePending = false
		changed = true
	}
	if !cfg.Enabled {
		cfg.Enabled = true
		changed = true
	}
	if changed {
		if err := m.store.UpdateConfig(ctx, &cfg); err != nil {
			return errors.Wrapf(err, "persist config %s", key)
		}
	}

	if !declared {
		m.log.Warn("job enabled but not declared by this process", logx.Job(key))
		return nil
	}
	if a := m.live(key); a != nil && a.spec == cfg.Spec() {
		return nil
	}
	if err := m.installLocked(ctx, def, cfg); err != nil {
		if changed {
			m.rollback(ctx, prev)
		}
		return err
	}
	return nil
}

// Disable marks key disabled and cancels its handle. Idempotent.
func (m *Manager) Disable(ctx context.Context, key string) error {
	if !m.ready.Load() {
		return errors.NotReady("disable")
	}
	unlock := m.lock(key)
	defer unlock()

	cfg, err := m.config(ctx, key)
	if err != nil {
		return err
	}
	if cfg.Enabled {
		cfg.Enabled = false
		if err := m.store.UpdateConfig(ctx, &cfg); err != nil {
			return errors.Wrapf(err, "persist config %s", key)
		}
	}
	m.cancelLocked(key, "disabled")
	return nil
}

// Restore disables key and marks it so that the next Enable reinstates the
// declared spec instead of the persisted override.
func (m *Manager) Restore(ctx context.Context, key string) error {
	if !m.ready.Load() {
		return errors.NotReady("restore")
	}
	unlock := m.lock(key)
	defer unlock()

	cfg, err := m.config(ctx, key)
	if err != nil {
		return err
	}
	if cfg.Enabled || !cfg.RestorePending {
		cfg.Enabled = false
		cfg.RestorePending = true
		if err := m.store.UpdateConfig(ctx, &cfg); err != nil {
			return errors.Wrapf(err, "persist config %s", key)
		}
	}
	m.cancelLocked(key, "restore")
	return nil
}

// SetMonitor toggles Run Record storage for key. The job keeps running either way.
func (m *Manager) SetMonitor(ctx context.Context, key string, enabled bool) error {
	if !m.ready.Load() {
		return errors.NotReady("set monitor")
	}
	unlock := m.lock(key)
	defer unlock()

	cfg, err := m.config(ctx, key)
	if err != nil {
		return err
	}
	want := storage.MonitorDisabled
	if enabled {
		want = storage.MonitorEnabled
	}
	if cfg.Monitor == want {
		return nil
	}
	cfg.Monitor = want
	if err := m.store.UpdateConfig(ctx, &cfg); err != nil {
		return errors.Wrapf(err, "persist config %s", key)
	}
	return nil
}

// TriggerManual runs key once on the shared pool and waits for the result.
// It ignores the enabled flag and the live handle; a manual run may overlap a
// scheduled run of the same job. The job's own failure is returned as ErrInvocation.
func (m *Manager) TriggerManual(ctx context.Context, key string) error {
	if !m.ready.Load() {
		return errors.NotReady("trigger")
	}
	def, ok := m.definition(key)
	if !ok {
		return errors.ConfigNotFound(key)
	}
	m.log.Info("manual trigger", logx.Job(key))
	return m.sched.Execute(ctx, key, func(ctx context.Context) error {
		return m.rec.Invoke(ctx, def, storage.TriggerManual)
	})
}

func (m *Manager) config(ctx context.Context, key string) (storage.JobConfig, error) {
	cfg, err := m.store.GetConfig(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.JobConfig{}, errors.ConfigNotFound(key)
	}
	if err != nil {
		return storage.JobConfig{}, errors.Wrapf(err, "load config %s", key)
	}
	return cfg, nil
}

func (m *Manager) rollback(ctx context.Context, prev storage.JobConfig) {
	if err := m.store.UpdateConfig(context.WithoutCancel(ctx), &prev); err != nil {
		m.log.Error("rollback config failed", logx.Job(prev.Key()), logx.Err(err))
	}
}
