// Package recorder wraps job callables so every invocation leaves a Run Record
// and updates the job's fire times.
package recorder

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"uniops/internal/errors"
	"uniops/internal/eventbus"
	"uniops/internal/jobs"
	"uniops/internal/storage"
	"uniops/internal/task/engine"
	logx "uniops/pkg/logx"
)

// Store is the subset of storage.Store the recorder writes to.
type Store interface {
	GetConfig(ctx context.Context, key string) (storage.JobConfig, error)
	InsertRun(ctx context.Context, r *storage.RunRecord) error
	UpdateRun(ctx context.Context, r storage.RunRecord) error
	TouchFire(ctx context.Context, key string, last, next time.Time) error
}

// NextFireFunc reports the planned fire after end for key; zero when unknown.
type NextFireFunc func(key string, end time.Time) time.Time

type Options struct {
	// WriteTimeout bounds each persistence call. Default 5s.
	WriteTimeout time.Duration
	// MaxMessage caps stored exception messages in bytes. Default 4000.
	MaxMessage int
	// Persistence-failure warnings allowed per second, with a small burst.
	WarnPerSec float64
}

type Recorder struct {
	store Store
	bus   eventbus.Bus
	log   logx.Logger
	opt   Options

	nextMu sync.RWMutex
	next   NextFireFunc

	warn       *rate.Limiter
	suppressed atomic.Uint64

	now func() time.Time
}

func New(store Store, bus eventbus.Bus, log logx.Logger, opt Options) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opt.WriteTimeout <= 0 {
		opt.WriteTimeout = 5 * time.Second
	}
	if opt.MaxMessage <= 0 {
		opt.MaxMessage = 4000
	}
	if opt.WarnPerSec <= 0 {
		opt.WarnPerSec = 0.2
	}
	return &Recorder{
		store: store,
		bus:   bus,
		log:   log.With(logx.String("comp", "recorder")),
		opt:   opt,
		warn:  rate.NewLimiter(rate.Limit(opt.WarnPerSec), 3),
		now:   time.Now,
	}
}

// SetNextFire installs the lookup used to persist next-fire after each run.
func (r *Recorder) SetNextFire(fn NextFireFunc) {
	r.nextMu.Lock()
	r.next = fn
	r.nextMu.Unlock()
}

// Wrap returns the callable installed in the scheduler for def.
// Errors of scheduled runs are recorded and logged, never returned.
func (r *Recorder) Wrap(def jobs.Definition) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_ = r.Invoke(ctx, def, storage.TriggerScheduled)
		return nil
	}
}

// Invoke runs def once and records it. For manual triggers the job's error is
// returned as ErrInvocation; scheduled runs only log it. Persistence failures
// never fail or delay the run beyond the write timeout.
func (r *Recorder) Invoke(ctx context.Context, def jobs.Definition, trigger storage.TriggerType) error {
	key := def.Key()
	traceID := uuid.NewString()
	ctx = logx.WithTrace(ctx, traceID)
	log := r.log.FromContext(ctx).With(logx.Job(key), logx.String("trigger", string(trigger)))

	start := r.now()
	var rec *storage.RunRecord
	if r.monitored(ctx, key, log) {
		rec = &storage.RunRecord{
			Owner:       def.Owner,
			Method:      def.Method,
			AppName:     def.AppName,
			TriggerTime: start,
			Status:      storage.RunRunning,
			TriggerType: trigger,
			TraceID:     traceID,
		}
		if err := r.detached(ctx, func(wctx context.Context) error { return r.store.InsertRun(wctx, rec) }); err != nil {
			r.persistFailed(log, "insert run record", err)
			rec = nil
		}
	}

	ev := eventbus.RunEvent{JobKey: key, AppName: def.AppName, TraceID: traceID, TriggerType: string(trigger), TriggerTime: start}
	r.publish(eventbus.RunStarted, ev)
	log.Debug("job started")

	err := call(ctx, def.Run)
	end := r.now()
	dur := end.Sub(start)

	if rec != nil {
		rec.DurationMs = dur.Milliseconds()
		rec.Status = storage.RunSuccess
		if err != nil {
			rec.Status = storage.RunFailed
			rec.ExceptionMsg = truncate(err.Error(), r.opt.MaxMessage)
		}
		if werr := r.detached(ctx, func(wctx context.Context) error { return r.store.UpdateRun(wctx, *rec) }); werr != nil {
			r.persistFailed(log, "update run record", werr)
		}
	}
	if werr := r.detached(ctx, func(wctx context.Context) error {
		return r.store.TouchFire(wctx, key, start, r.nextFire(key, end))
	}); werr != nil && !errors.Is(werr, storage.ErrNotFound) {
		r.persistFailed(log, "update fire times", werr)
	}

	ev.Duration = dur
	if err != nil {
		ev.Error = err.Error()
		r.publish(eventbus.RunFailed, ev)
		fields := []logx.Field{logx.Duration("took", dur), logx.Err(err)}
		var pe *engine.PanicError
		if errors.As(err, &pe) {
			fields = append(fields, logx.Stack(pe.Stack))
		}
		log.Warn("job failed", fields...)
		if trigger == storage.TriggerManual {
			return errors.Invocation(err, key)
		}
		return nil
	}
	r.publish(eventbus.RunFinished, ev)
	log.Debug("job finished", logx.Duration("took", dur))
	return nil
}

// monitored reads the job's monitor status. Unknown keys and read errors count as monitored.
func (r *Recorder) monitored(ctx context.Context, key string, log logx.Logger) bool {
	var cfg storage.JobConfig
	err := r.detached(ctx, func(wctx context.Context) error {
		var err error
		cfg, err = r.store.GetConfig(wctx, key)
		return err
	})
	switch {
	case err == nil:
		return cfg.MonitorEnabled()
	case errors.Is(err, storage.ErrNotFound):
		return true
	default:
		r.persistFailed(log, "read monitor status", err)
		return true
	}
}

func (r *Recorder) nextFire(key string, end time.Time) time.Time {
	r.nextMu.RLock()
	fn := r.next
	r.nextMu.RUnlock()
	if fn == nil {
		return time.Time{}
	}
	return fn(key, end)
}

// detached runs fn detached from ctx cancellation so a timed-out job still gets recorded.
func (r *Recorder) detached(ctx context.Context, fn func(context.Context) error) error {
	if r.store == nil {
		return storage.ErrClosed
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opt.WriteTimeout)
	defer cancel()
	return fn(wctx)
}

func (r *Recorder) persistFailed(log logx.Logger, op string, err error) {
	if !r.warn.Allow() {
		r.suppressed.Add(1)
		return
	}
	fields := []logx.Field{logx.String("op", op), logx.Err(err)}
	if n := r.suppressed.Swap(0); n > 0 {
		fields = append(fields, logx.Int64("suppressed", int64(n)))
	}
	log.Warn("run record persistence failed", fields...)
}

func (r *Recorder) publish(typ string, ev eventbus.RunEvent) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, Time: r.now(), Data: ev})
}

func call(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &engine.PanicError{Value: v, Stack: logx.StackTrace(3, 32)}
		}
	}()
	if fn == nil {
		return errors.New("callable is nil")
	}
	return fn(ctx)
}

// truncate caps s at max bytes without splitting a rune. Invalid bytes are
// replaced so the stored message is valid UTF-8 and never empties out.
func truncate(s string, max int) string {
	if len(s) > max {
		cut := max
		for i := 0; i < utf8.UTFMax-1 && cut > 0 && !utf8.RuneStart(s[cut]); i++ {
			cut--
		}
		s = s[:cut]
	}
	return strings.ToValidUTF8(s, "?")
}
