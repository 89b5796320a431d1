package manager

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uniops/internal/errors"
	"uniops/internal/jobs"
	"uniops/internal/recorder"
	"uniops/internal/storage"
	"uniops/internal/task/engine"
	"uniops/internal/task/scheduler"
	logx "uniops/pkg/logx"
)

type harness struct {
	m     *Manager
	store storage.Store
	sched *scheduler.Service
	reg   *jobs.Registry
}

func newHarness(t *testing.T, defs ...jobs.Definition) *harness {
	t.Helper()
	return newHarnessWithStore(t, storage.NewMemory(), defs...)
}

func newHarnessWithStore(t *testing.T, st storage.Store, defs ...jobs.Definition) *harness {
	t.Helper()
	ctx := context.Background()
	pool := engine.New(engine.Config{Workers: 4, QueueSize: 64}, logx.Nop(), nil)
	pool.Start(ctx)
	sched, err := scheduler.New(scheduler.Config{}, pool, logx.Nop())
	require.NoError(t, err)
	sched.Start(ctx)

	reg := jobs.NewRegistry("test", logx.Nop())
	for _, d := range defs {
		reg.MustRegister(d)
	}
	rec := recorder.New(st, nil, logx.Nop(), recorder.Options{})
	m := New(reg, st, sched, rec, nil, logx.Nop())
	rec.SetNextFire(m.NextFire)

	t.Cleanup(func() {
		m.Shutdown()
		sched.Stop(ctx)
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		pool.Stop(sctx)
	})
	return &harness{m: m, store: st, sched: sched, reg: reg}
}

func (h *harness) runs(t *testing.T, key string, trigger storage.TriggerType) []storage.RunRecord {
	t.Helper()
	all, _, err := h.store.ListRuns(context.Background(), storage.RunFilter{JobKey: key}, 0, 10_000)
	if err != nil {
		t.Errorf("list runs: %v", err)
		return nil
	}
	var out []storage.RunRecord
	for _, r := range all {
		if trigger == "" || r.TriggerType == trigger {
			out = append(out, r)
		}
	}
	// oldest first
	sort.Slice(out, func(i, j int) bool { return out[i].TriggerTime.Before(out[j].TriggerTime) })
	return out
}

func countStatus(rs []storage.RunRecord, status storage.RunStatus) int {
	n := 0
	for _, r := range rs {
		if r.Status == status {
			n++
		}
	}
	return n
}

func def(owner, method string, spec scheduler.Spec, run func(context.Context) error) jobs.Definition {
	if run == nil {
		run = func(context.Context) error { return nil }
	}
	return jobs.Definition{Owner: owner, Method: method, Spec: spec, Run: run}
}

var hourly = scheduler.Spec{FixedDelay: time.Hour, InitialDelay: time.Hour}

func TestControlRejectedBeforeReconcile(t *testing.T) {
	t.Parallel()
	h := newHarness(t, def("a", "b", hourly, nil))
	ctx := context.Background()

	assert.True(t, errors.IsNotReady(h.m.Enable(ctx, "a.b")))
	assert.True(t, errors.IsNotReady(h.m.Disable(ctx, "a.b")))
	assert.True(t, errors.IsNotReady(h.m.Restore(ctx, "a.b")))
	assert.True(t, errors.IsNotReady(h.m.UpdateSchedule(ctx, "a.b", hourly)))
	assert.True(t, errors.IsNotReady(h.m.TriggerManual(ctx, "a.b")))
	assert.False(t, h.m.Ready())
}

func TestReconcileCreatesDefaultsAndIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t,
		def("reporting", "generate", scheduler.Spec{Cron: "0 0 3 * * *"}, nil),
		def("cache", "warm", hourly, nil),
	)
	ctx := context.Background()

	require.NoError(t, h.m.Reconcile(ctx))
	require.NoError(t, h.m.Reconcile(ctx))
	assert.Equal(t, 2, h.sched.Len())

	cfg, err := h.store.GetConfig(ctx, "reporting.generate")
	require.NoError(t, err)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "0 0 3 * * *", cfg.Cron)
	assert.Equal(t, scheduler.Unset, cfg.FixedDelayMs)
	assert.Equal(t, "test", cfg.AppName)
	assert.False(t, cfg.NextFireAt.IsZero())

	st, err := h.m.Status(ctx, "cache.warm")
	require.NoError(t, err)
	assert.Equal(t, StateScheduled, st.State)
	assert.True(t, st.Live)
	assert.Equal(t, hourly, st.Spec)
}

func TestReconcilePrefersPersistedSpec(t *testing.T) {
	t.Parallel()
	h := newHarness(t,
		def("reporting", "generate", scheduler.Spec{Cron: "0 0 3 * * *"}, nil),
		def("billing", "invoice", hourly, nil),
	)
	ctx := context.Background()

	override := storage.JobConfig{Owner: "reporting", Method: "generate", Enabled: true}
	override.SetSpec(scheduler.Spec{FixedRate: 90 * time.Minute, InitialDelay: time.Hour})
	require.NoError(t, h.store.InsertConfig(ctx, &override))

	suspended := storage.JobConfig{Owner: "billing", Method: "invoice", Enabled: false}
	suspended.SetSpec(hourly)
	require.NoError(t, h.store.InsertConfig(ctx, &suspended))

	orphan := storage.JobConfig{Owner: "legacy", Method: "sweep", Enabled: true}
	orphan.SetSpec(hourly)
	require.NoError(t, h.store.InsertConfig(ctx, &orphan))

	require.NoError(t, h.m.Reconcile(ctx))

	st, err := h.m.Status(ctx, "reporting.generate")
	require.NoError(t, err)
	assert.Equal(t, scheduler.Spec{FixedRate: 90 * time.Minute, InitialDelay: time.Hour}, st.Spec)
	assert.True(t, st.Live)

	st, err = h.m.Status(ctx, "billing.invoice")
	require.NoError(t, err)
	assert.Equal(t, StateSuspended, st.State)
	assert.False(t, st.Live)

	st, err = h.m.Status(ctx, "legacy.sweep")
	require.NoError(t, err)
	assert.Equal(t, StateRegistered, st.State)
	assert.False(t, st.Declared)
	assert.Equal(t, 1, h.sched.Len())

	all, err := h.m.StatusAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "billing.invoice", all[0].Key)
}

func TestUnknownKeyIsConfigNotFound(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.m.Reconcile(ctx))

	for name, err := range map[string]error{
		"enable":  h.m.Enable(ctx, "nope.missing"),
		"disable": h.m.Disable(ctx, "nope.missing"),
		"restore": h.m.Restore(ctx, "nope.missing"),
		"update":  h.m.UpdateSchedule(ctx, "nope.missing", hourly),
		"trigger": h.m.TriggerManual(ctx, "nope.missing"),
	} {
		assert.True(t, errors.IsConfigNotFound(err), "%s: %v", name, err)
	}
	_, err := h.m.Status(ctx, "nope.missing")
	assert.True(t, errors.IsConfigNotFound(err))
}

func TestInvalidUpdateLeavesStateUntouched(t *testing.T) {
	t.Parallel()
	h := newHarness(t, def("a", "b", hourly, nil))
	ctx := context.Background()
	require.NoError(t, h.m.Reconcile(ctx))
	before, err := h.m.Status(ctx, "a.b")
	require.NoError(t, err)

	for _, bad := range []scheduler.Spec{
		{FixedDelay: time.Second, FixedRate: time.Second},
		{Cron: "0 * * * * *", FixedDelay: time.Second},
		{Cron: "not a cron"},
		{},
	} {
		err := h.m.UpdateSchedule(ctx, "a.b", bad)
		require.True(t, errors.IsInvalidSpec(err), "spec %+v: %v", bad, err)
	}

	after, err := h.m.Status(ctx, "a.b")
	require.NoError(t, err)
	assert.Equal(t, before.Spec, after.Spec)
	assert.True(t, after.Live)
	assert.Equal(t, 1, h.sched.Len())
}

// interleavingStore lets a run finish between a control op's config write and its install.
type interleavingStore struct {
	storage.Store
	afterUpdate func()
}

func (s *interleavingStore) UpdateConfig(ctx context.Context, c *storage.JobConfig) error {
	err := s.Store.UpdateConfig(ctx, c)
	if s.afterUpdate != nil {
		s.afterUpdate()
	}
	return err
}

func TestInstallKeepsConcurrentLastFire(t *testing.T) {
	t.Parallel()
	st := &interleavingStore{Store: storage.NewMemory()}
	h := newHarnessWithStore(t, st, def("a", "b", hourly, nil))
	ctx := context.Background()
	require.NoError(t, h.m.Reconcile(ctx))

	ranAt := time.UnixMilli(1_700_000_000_000)
	st.afterUpdate = func() {
		require.NoError(t, st.Store.TouchFire(ctx, "a.b", ranAt, ranAt.Add(time.Hour)))
	}
	require.NoError(t, h.m.UpdateSchedule(ctx, "a.b", scheduler.Spec{FixedDelay: 2 * time.Hour, InitialDelay: time.Hour}))

	cfg, err := h.store.GetConfig(ctx, "a.b")
	require.NoError(t, err)
	assert.True(t, cfg.LastFireAt.Equal(ranAt), "last fire = %v", cfg.LastFireAt)
	assert.False(t, cfg.NextFireAt.Equal(ranAt.Add(time.Hour)), "next fire comes from the new handle")
}

func TestDisableEnableIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, def("a", "b", hourly, nil))
	ctx := context.Background()
	require.NoError(t, h.m.Reconcile(ctx))

	override := scheduler.Spec{FixedRate: 45 * time.Minute, InitialDelay: time.Hour}
	require.NoError(t, h.m.UpdateSchedule(ctx, "a.b", override))

	require.NoError(t, h.m.Disable(ctx, "a.b"))
	once, err := h.m.Status(ctx, "a.b")
	require.NoError(t, err)
	require.NoError(t, h.m.Disable(ctx, "a.b"))
	twice, err := h.m.Status(ctx, "a.b")
	require.NoError(t, err)
	assert.Equal(t, once, twice)
	assert.Equal(t, StateSuspended, twice.State)
	assert.Equal(t, 0, h.sched.Len())

	require.NoError(t, h.m.Enable(ctx, "a.b"))
	require.NoError(t, h.m.Enable(ctx, "a.b"))
	st, err := h.m.Status(ctx, "a.b")
	require.NoError(t, err)
	assert.Equal(t, override, st.Spec)
	assert.Equal(t, StateScheduled, st.State)
	assert.Equal(t, 1, h.sched.Len())
}

func TestUpdateWhileDisabledKeepsSuspended(t *testing.T) {
	t.Parallel()
	h := newHarness(t, def("a", "b", hourly, nil))
	ctx := context.Background()
	require.NoError(t, h.m.Reconcile(ctx))
	require.NoError(t, h.m.Disable(ctx, "a.b"))

	next := scheduler.Spec{Cron: "0 15 * * * *"}
	require.NoError(t, h.m.UpdateSchedule(ctx, "a.b", next))
	st, err := h.m.Status(ctx, "a.b")
	require.NoError(t, err)
	assert.Equal(t, StateSuspended, st.State)
	assert.Equal(t, next, st.Spec)
	assert.Equal(t, 0, h.sched.Len())
}

func TestRestoreRevertsToDeclaredSpecOnEnable(t *testing.T) {
	t.Parallel()
	declared := scheduler.Spec{Cron: "0 0 3 * * *"}
	h := newHarness(t, def("reporting", "generate", declared, nil))
	ctx := context.Background()
	require.NoError(t, h.m.Reconcile(ctx))

	require.NoError(t, h.m.UpdateSchedule(ctx, "reporting.generate", hourly))
	require.NoError(t, h.m.Restore(ctx, "reporting.generate"))

	st, err := h.m.Status(ctx, "reporting.generate")
	require.NoError(t, err)
	assert.Equal(t, StateSuspended, st.State)
	assert.True(t, st.RestorePending)
	assert.Equal(t, hourly, st.Spec)

	require.NoError(t, h.m.Enable(ctx, "reporting.generate"))
	st, err = h.m.Status(ctx, "reporting.generate")
	require.NoError(t, err)
	assert.Equal(t, declared, st.Spec)
	assert.False(t, st.RestorePending)
	assert.True(t, st.Live)
}

func TestManualTriggerOnSuspendedJobIsRecorded(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	fail := atomic.Bool{}
	h := newHarness(t, def("a", "b", hourly, func(context.Context) error {
		calls.Add(1)
		if fail.Load() {
			return errors.New("upstream timeout")
		}
		return nil
	}))
	ctx := context.Background()
	require.NoError(t, h.m.Reconcile(ctx))
	require.NoError(t, h.m.Disable(ctx, "a.b"))

	require.NoError(t, h.m.TriggerManual(ctx, "a.b"))
	manual := h.runs(t, "a.b", storage.TriggerManual)
	require.Len(t, manual, 1)
	assert.Equal(t, storage.RunSuccess, manual[0].Status)

	fail.Store(true)
	err := h.m.TriggerManual(ctx, "a.b")
	require.True(t, errors.IsInvocation(err), "%v", err)
	manual = h.runs(t, "a.b", storage.TriggerManual)
	require.Len(t, manual, 2)
	assert.Equal(t, storage.RunFailed, manual[1].Status)
	assert.Equal(t, "upstream timeout", manual[1].ExceptionMsg)

	st, err := h.m.Status(ctx, "a.b")
	require.NoError(t, err)
	assert.Equal(t, StateSuspended, st.State)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSetMonitorGatesRunRecords(t *testing.T) {
	t.Parallel()
	h := newHarness(t, def("a", "b", hourly, nil))
	ctx := context.Background()
	require.NoError(t, h.m.Reconcile(ctx))

	require.NoError(t, h.m.SetMonitor(ctx, "a.b", false))
	require.NoError(t, h.m.TriggerManual(ctx, "a.b"))
	assert.Empty(t, h.runs(t, "a.b", ""))

	require.NoError(t, h.m.SetMonitor(ctx, "a.b", true))
	require.NoError(t, h.m.TriggerManual(ctx, "a.b"))
	assert.Len(t, h.runs(t, "a.b", ""), 1)
}

// flakyScheduler refuses installs while fail is set.
type flakyScheduler struct {
	*scheduler.Service
	fail atomic.Bool
}

func (f *flakyScheduler) Schedule(name string, spec scheduler.Spec, fn func(context.Context) error) (*scheduler.Handle, error) {
	if f.fail.Load() {
		return nil, errors.SchedulingFailure(engine.ErrQueueFull, name)
	}
	return f.Service.Schedule(name, spec, fn)
}

func TestSchedulingFailureKeepsPriorState(t *testing.T) {
	t.Parallel()
	h := newHarness(t, def("a", "b", hourly, nil))
	ctx := context.Background()
	flaky := &flakyScheduler{Service: h.sched}
	h.m.sched = flaky
	require.NoError(t, h.m.Reconcile(ctx))

	prior, err := h.m.Status(ctx, "a.b")
	require.NoError(t, err)

	flaky.fail.Store(true)
	err = h.m.UpdateSchedule(ctx, "a.b", scheduler.Spec{Cron: "0 */5 * * * *"})
	require.True(t, errors.IsSchedulingFailure(err), "%v", err)

	after, err := h.m.Status(ctx, "a.b")
	require.NoError(t, err)
	assert.Equal(t, prior.Spec, after.Spec)
	assert.True(t, after.Live)
	assert.Equal(t, 1, h.sched.Len())

	require.NoError(t, h.m.Disable(ctx, "a.b"))
	err = h.m.Enable(ctx, "a.b")
	require.True(t, errors.IsSchedulingFailure(err))
	after, err = h.m.Status(ctx, "a.b")
	require.NoError(t, err)
	assert.False(t, after.Enabled)
	assert.Equal(t, StateSuspended, after.State)
}

func TestAtMostOneHandlePerKey(t *testing.T) {
	t.Parallel()
	h := newHarness(t, def("a", "b", hourly, nil))
	ctx := context.Background()
	require.NoError(t, h.m.Reconcile(ctx))

	specs := []scheduler.Spec{
		hourly,
		{FixedRate: time.Hour, InitialDelay: time.Hour},
		{Cron: "0 0 4 * * *"},
	}
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				switch (w + i) % 4 {
				case 0:
					_ = h.m.UpdateSchedule(ctx, "a.b", specs[i%len(specs)])
				case 1:
					_ = h.m.Disable(ctx, "a.b")
				default:
					_ = h.m.Enable(ctx, "a.b")
				}
				// observe between operations, never mid-swap
				unlock := h.m.lock("a.b")
				n := h.sched.Len()
				unlock()
				if n > 1 {
					t.Errorf("live handles = %d", n)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	st, err := h.m.Status(ctx, "a.b")
	require.NoError(t, err)
	if st.Enabled {
		assert.Equal(t, 1, h.sched.Len())
	} else {
		assert.Equal(t, 0, h.sched.Len())
	}
}

func assertNoScheduledOverlap(t *testing.T, rs []storage.RunRecord) {
	t.Helper()
	for i := 1; i < len(rs); i++ {
		prevEnd := rs[i-1].TriggerTime.Add(time.Duration(rs[i-1].DurationMs) * time.Millisecond)
		// millisecond truncation of durations
		if rs[i].TriggerTime.Add(time.Millisecond).Before(prevEnd) {
			t.Fatalf("runs %d and %d overlap: %v starts before %v", i-1, i, rs[i].TriggerTime, prevEnd)
		}
	}
}

func TestScheduledRunsNeverOverlap(t *testing.T) {
	t.Parallel()
	slow := func(context.Context) error { time.Sleep(40 * time.Millisecond); return nil }
	h := newHarness(t,
		def("rate", "slow", scheduler.Spec{FixedRate: 15 * time.Millisecond}, slow),
		def("delay", "slow", scheduler.Spec{FixedDelay: 5 * time.Millisecond}, slow),
		def("cron", "slow", scheduler.Spec{Cron: "* * * * * *"}, func(context.Context) error {
			time.Sleep(1500 * time.Millisecond)
			return nil
		}),
	)
	require.NoError(t, h.m.Reconcile(context.Background()))
	time.Sleep(3500 * time.Millisecond)

	for _, key := range []string{"rate.slow", "delay.slow", "cron.slow"} {
		rs := h.runs(t, key, storage.TriggerScheduled)
		require.GreaterOrEqual(t, len(rs), 2, key)
		assertNoScheduledOverlap(t, rs)
	}
}

func TestScenarioCronDisableEnable(t *testing.T) {
	if testing.Short() {
		t.Skip("runs against the wall clock for ~35s")
	}
	t.Parallel()
	h := newHarness(t, def("reporting", "generate", scheduler.Spec{Cron: "0/5 * * * * ?"}, nil))
	ctx := context.Background()
	require.NoError(t, h.m.Reconcile(ctx))

	time.Sleep(12 * time.Second)
	rs := h.runs(t, "reporting.generate", "")
	require.GreaterOrEqual(t, countStatus(rs, storage.RunSuccess), 2)

	require.NoError(t, h.m.Disable(ctx, "reporting.generate"))
	// a run dispatched just before the disable may still be finishing
	time.Sleep(100 * time.Millisecond)
	frozen := len(h.runs(t, "reporting.generate", ""))
	time.Sleep(10 * time.Second)
	assert.Len(t, h.runs(t, "reporting.generate", ""), frozen)

	require.NoError(t, h.m.Enable(ctx, "reporting.generate"))
	enabledAt := time.Now()
	require.Eventually(t, func() bool {
		return len(h.runs(t, "reporting.generate", "")) > frozen
	}, 6*time.Second, 50*time.Millisecond)
	assert.Less(t, time.Since(enabledAt), 5*time.Second+500*time.Millisecond)
}

func TestScenarioUpdateCronToFixedDelay(t *testing.T) {
	if testing.Short() {
		t.Skip("runs against the wall clock for ~8s")
	}
	t.Parallel()
	h := newHarness(t, def("reporting", "generate", scheduler.Spec{Cron: "0/5 * * * * ?"}, nil))
	ctx := context.Background()
	require.NoError(t, h.m.Reconcile(ctx))

	require.NoError(t, h.m.UpdateSchedule(ctx, "reporting.generate", scheduler.Spec{FixedDelay: 2000 * time.Millisecond}))
	updatedAt := time.Now()
	time.Sleep(7 * time.Second)

	var after []storage.RunRecord
	for _, r := range h.runs(t, "reporting.generate", storage.TriggerScheduled) {
		if !r.TriggerTime.Before(updatedAt) {
			after = append(after, r)
		}
	}
	// fixed-delay fires at once and then every ~2s; cron would give at most 2 in 7s
	require.GreaterOrEqual(t, len(after), 3)
	for i := 1; i < len(after); i++ {
		gap := after[i].TriggerTime.Sub(after[i-1].TriggerTime)
		assert.InDelta(t, 2000, gap.Milliseconds(), 300, "gap %d", i)
	}

	st, err := h.m.Status(ctx, "reporting.generate")
	require.NoError(t, err)
	assert.Equal(t, scheduler.Spec{FixedDelay: 2 * time.Second}, st.Spec)
	assert.Equal(t, 1, h.sched.Len())
}
