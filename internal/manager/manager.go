// Package manager is the dynamic task manager: it reconciles discovered jobs
// with their persisted configs, owns the live handle table and serves the
// control operations (update, enable, disable, restore, trigger, status).
//
// Per job key the lifecycle is
//
//	Discovered -> Registered -> Scheduled <-> Suspended
//
// Only the persisted part survives a restart; handles are rebuilt by Reconcile.
package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"uniops/internal/errors"
	"uniops/internal/eventbus"
	"uniops/internal/jobs"
	"uniops/internal/storage"
	"uniops/internal/task/scheduler"
	logx "uniops/pkg/logx"
)

// Scheduler installs triggers and runs one-off invocations on the shared pool.
type Scheduler interface {
	Schedule(name string, spec scheduler.Spec, fn func(ctx context.Context) error) (*scheduler.Handle, error)
	Execute(ctx context.Context, name string, fn func(ctx context.Context) error) error
	Next(spec scheduler.Spec, t time.Time) time.Time
}

// Registry produces the job definitions to reconcile.
type Registry interface {
	Discover(ctx context.Context) []jobs.Definition
}

// Invoker wraps job callables with run recording.
type Invoker interface {
	Wrap(def jobs.Definition) func(ctx context.Context) error
	Invoke(ctx context.Context, def jobs.Definition, trigger storage.TriggerType) error
}

type active struct {
	handle *scheduler.Handle
	spec   scheduler.Spec
}

type Manager struct {
	reg   Registry
	store storage.Store
	sched Scheduler
	rec   Invoker
	bus   eventbus.Bus
	log   logx.Logger

	reconcileMu sync.Mutex
	ready       atomic.Bool

	// mu guards the maps below and is never held across store calls.
	mu      sync.Mutex
	defs    map[string]jobs.Definition
	handles map[string]*active
	keyLock map[string]*sync.Mutex

	now func() time.Time
}

func New(reg Registry, store storage.Store, sched Scheduler, rec Invoker, bus eventbus.Bus, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		reg:     reg,
		store:   store,
		sched:   sched,
		rec:     rec,
		bus:     bus,
		log:     log.With(logx.String("comp", "manager")),
		defs:    map[string]jobs.Definition{},
		handles: map[string]*active{},
		keyLock: map[string]*sync.Mutex{},
		now:     time.Now,
	}
}

// Ready reports whether Reconcile has completed at least once.
func (m *Manager) Ready() bool { return m.ready.Load() }

// Reconcile discovers jobs and brings the handle table in line with their
// persisted configs. It is idempotent. Configs whose job is no longer declared
// are left untouched. A failing job is logged and does not stop the others;
// the returned error summarizes the failures.
func (m *Manager) Reconcile(ctx context.Context) error {
	m.reconcileMu.Lock()
	defer m.reconcileMu.Unlock()

	defs := m.reg.Discover(ctx)
	m.mu.Lock()
	for _, d := range defs {
		m.defs[d.Key()] = d
	}
	m.mu.Unlock()

	var failed []string
	for _, d := range defs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.reconcileOne(ctx, d); err != nil {
			failed = append(failed, d.Key())
			m.log.Error("reconcile job failed", logx.Job(d.Key()), logx.Err(err))
		}
	}
	m.ready.Store(true)
	m.log.Info("reconcile complete", logx.Int("jobs", len(defs)), logx.Int("failed", len(failed)), logx.Int("live", m.liveCount()))
	if len(failed) > 0 {
		return errors.Newf("reconcile: %d of %d jobs failed: %v", len(failed), len(defs), failed)
	}
	return nil
}

func (m *Manager) reconcileOne(ctx context.Context, def jobs.Definition) error {
	key := def.Key()
	unlock := m.lock(key)
	defer unlock()

	cfg, err := m.store.GetConfig(ctx, key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		cfg = defaultConfig(def)
		if err := m.store.InsertConfig(ctx, &cfg); err != nil {
			if !errors.Is(err, storage.ErrDuplicate) {
				return errors.Wrapf(err, "persist default config %s", key)
			}
			if cfg, err = m.store.GetConfig(ctx, key); err != nil {
				return errors.Wrapf(err, "load config %s", key)
			}
		} else {
			m.log.Info("job registered", logx.Job(key), logx.String("spec", def.Spec.String()))
		}
	case err != nil:
		return errors.Wrapf(err, "load config %s", key)
	}

	if !cfg.Enabled {
		m.cancelLocked(key, "disabled")
		return nil
	}
	if cfg.RestorePending {
		cfg.SetSpec(def.Spec)
		cfg.RestorePending = false
		if err := m.store.UpdateConfig(ctx, &cfg); err != nil {
			return errors.Wrapf(err, "restore config %s", key)
		}
	}
	if m.liveWith(key, cfg.Spec()) {
		return nil
	}
	return m.installLocked(ctx, def, cfg)
}

func defaultConfig(def jobs.Definition) storage.JobConfig {
	cfg := storage.JobConfig{
		Owner:       def.Owner,
		Method:      def.Method,
		AppName:     def.AppName,
		Enabled:     true,
		Monitor:     storage.MonitorEnabled,
		Description: def.Description,
	}
	cfg.SetSpec(def.Spec)
	return cfg
}

// installLocked schedules cfg's spec and swaps it into the table, cancelling
// the previous handle only once the new one is installed. Caller holds the key lock.
func (m *Manager) installLocked(ctx context.Context, def jobs.Definition, cfg storage.JobConfig) error {
	key := def.Key()
	spec := cfg.Spec()
	h, err := m.sched.Schedule(key, spec, m.rec.Wrap(def))
	if err != nil {
		return err
	}

	m.mu.Lock()
	prev := m.handles[key]
	m.handles[key] = &active{handle: h, spec: spec}
	m.mu.Unlock()
	if prev != nil {
		prev.handle.Cancel()
	}

	next := h.Next()
	if err := m.store.SetNextFire(ctx, key, next); err != nil {
		m.log.Warn("persist next fire failed", logx.Job(key), logx.Err(err))
	}
	m.publish(eventbus.JobScheduled, eventbus.JobEvent{JobKey: key, Spec: spec.String(), Next: next})
	m.log.Info("job scheduled", logx.Job(key), logx.String("spec", spec.String()), logx.Time("next", next))
	return nil
}

// cancelLocked removes and cancels the live handle for key, if any. Caller holds the key lock.
func (m *Manager) cancelLocked(key, reason string) {
	m.mu.Lock()
	prev := m.handles[key]
	delete(m.handles, key)
	m.mu.Unlock()
	if prev == nil {
		return
	}
	prev.handle.Cancel()
	m.publish(eventbus.JobSuspended, eventbus.JobEvent{JobKey: key, Spec: prev.spec.String(), Reason: reason})
	m.log.Info("job suspended", logx.Job(key), logx.String("reason", reason))
}

func (m *Manager) liveWith(key string, spec scheduler.Spec) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.handles[key]
	return a != nil && a.spec == spec && !a.handle.Cancelled()
}

func (m *Manager) live(key string) *active {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handles[key]
}

func (m *Manager) liveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

func (m *Manager) definition(key string) (jobs.Definition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.defs[key]
	return d, ok
}

// lock takes the per-key mutex and returns its release.
func (m *Manager) lock(key string) func() {
	m.mu.Lock()
	l, ok := m.keyLock[key]
	if !ok {
		l = &sync.Mutex{}
		m.keyLock[key] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// NextFire is the recorder's next-fire lookup: the planned fire of the live
// handle, or an estimate when the handle re-arms only after completion.
func (m *Manager) NextFire(key string, end time.Time) time.Time {
	a := m.live(key)
	if a == nil {
		return time.Time{}
	}
	if next := a.handle.Next(); next.After(end) {
		return next
	}
	switch a.spec.Kind() {
	case scheduler.KindFixedDelay:
		return end.Add(a.spec.FixedDelay)
	case scheduler.KindCron:
		return m.sched.Next(a.spec, end)
	default:
		return a.handle.Next()
	}
}

// Shutdown cancels every live handle. Configs are left as they are.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	hs := m.handles
	m.handles = map[string]*active{}
	m.mu.Unlock()
	for _, a := range hs {
		a.handle.Cancel()
	}
	m.ready.Store(false)
}

func (m *Manager) publish(typ string, ev eventbus.JobEvent) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Time: m.now(), Data: ev})
}
