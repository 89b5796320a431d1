package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"uniops/internal/errors"
	"uniops/internal/task/engine"
	logx "uniops/pkg/logx"
)

// Handle is one installed trigger. Cancel stops future fires; a dispatched run
// always completes.
type Handle struct {
	id    uint64
	name  string
	spec  Spec
	kind  Kind
	cron  cron.Schedule
	run   func(ctx context.Context) error
	svc   *Service
	state *engine.RunState

	mu        sync.Mutex
	timer     *time.Timer
	gen       uint64
	next      time.Time
	cancelled bool
	pending   bool // fixed-rate beat that fell inside a running invocation
	fires     uint64
}

func (h *Handle) Name() string { return h.name }
func (h *Handle) Spec() Spec   { return h.spec }

// Next returns the planned next fire time; zero when none is planned
// (cancelled, waiting on a fixed-delay completion, or a cron with no future match).
func (h *Handle) Next() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.next
}

// Fires counts dispatched runs.
func (h *Handle) Fires() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fires
}

func (h *Handle) Cancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

// Cancel is idempotent.
func (h *Handle) Cancel() {
	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		return
	}
	h.cancelled = true
	h.pending = false
	h.next = time.Time{}
	h.gen++
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.mu.Unlock()

	h.svc.forget(h)
	h.svc.log.Debug("schedule cancelled", logx.String("name", h.name))
}

func (h *Handle) startLocked(now time.Time) {
	switch h.kind {
	case KindCron:
		h.armLocked(h.nextCron(now))
	case KindFixedDelay, KindFixedRate:
		h.armLocked(now.Add(h.spec.InitialDelay))
	}
}

func (h *Handle) nextCron(after time.Time) time.Time {
	return h.cron.Next(after.In(h.svc.loc))
}

// armLocked replaces any pending timer. Timers from older generations are ignored when they fire.
func (h *Handle) armLocked(at time.Time) {
	if h.cancelled {
		return
	}
	h.gen++
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.next = at
	if at.IsZero() {
		h.svc.log.Warn("schedule has no future fire time", logx.String("name", h.name), logx.String("spec", h.spec.String()))
		return
	}
	gen := h.gen
	h.timer = time.AfterFunc(max(at.Sub(h.svc.now()), 0), func() { h.fire(gen) })
}

func (h *Handle) fire(gen uint64) {
	h.mu.Lock()
	if h.cancelled || gen != h.gen {
		h.mu.Unlock()
		return
	}
	now := h.svc.now()
	planned := h.next
	h.timer = nil
	h.next = time.Time{}
	switch h.kind {
	case KindCron:
		h.armLocked(h.nextCron(now))
	case KindFixedRate:
		// Next beat is relative to the planned start; beats missed while the
		// process was descheduled collapse into the next future one.
		next := planned.Add(h.spec.FixedRate)
		for !next.After(now) {
			next = next.Add(h.spec.FixedRate)
		}
		h.armLocked(next)
	}
	h.mu.Unlock()

	h.dispatch()
}

func (h *Handle) dispatch() {
	err := h.svc.exec.Enqueue(engine.Task{
		Name:    h.name,
		Timeout: h.svc.cfg.Timeout,
		Run:     h.run,
		Opt:     engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning},
		State:   h.state,
		OnDone:  h.completed,
	})
	switch {
	case err == nil:
		h.mu.Lock()
		h.fires++
		h.pending = false
		h.mu.Unlock()
	case errors.Is(err, engine.ErrOverlapSkip):
		switch h.kind {
		case KindCron:
			h.svc.log.Debug("fire skipped: previous run still in flight", logx.String("name", h.name))
			return
		case KindFixedDelay:
			// The gate is held by a run of a replaced handle; its completion is not ours to observe.
			h.mu.Lock()
			h.armLocked(h.svc.now().Add(h.spec.FixedDelay))
			h.mu.Unlock()
			return
		}
		h.mu.Lock()
		h.pending = !h.cancelled
		h.mu.Unlock()
		h.svc.log.Debug("fixed-rate overrun: run deferred to completion", logx.String("name", h.name))
		// The run may have finished between Enqueue and setting pending.
		if !h.state.Busy() {
			h.flushPending()
		}
	default:
		h.svc.reportDispatchError(h.name, err)
		if h.kind == KindFixedDelay {
			h.mu.Lock()
			h.armLocked(h.svc.now().Add(h.spec.FixedDelay))
			h.mu.Unlock()
		}
	}
}

// completed runs on the worker after the overlap gate is released.
func (h *Handle) completed(error) {
	h.mu.Lock()
	if !h.cancelled && h.kind == KindFixedDelay {
		h.armLocked(h.svc.now().Add(h.spec.FixedDelay))
	}
	h.mu.Unlock()

	// A replacement of h shares the gate and may hold a beat this run deferred.
	h.svc.gateReleased(h.name)
}

func (h *Handle) flushPending() {
	h.mu.Lock()
	if !h.pending || h.cancelled {
		h.mu.Unlock()
		return
	}
	h.pending = false
	h.mu.Unlock()
	h.dispatch()
}
