// Package supervisor runs the daemon's long-lived goroutines (workers,
// consumers, servers) under one cancellable context.
package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"uniops/internal/errors"
	logx "uniops/pkg/logx"
)

// Supervisor tracks named goroutines, recovers their panics and records the
// first failure. With cancel-on-error the first failure stops everything.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool
	firstErr    atomic.Pointer[error]

	started  atomic.Uint64
	active   atomic.Int64
	restarts atomic.Uint64
	panics   atomic.Uint64

	wg       sync.WaitGroup
	waitOnce sync.Once
	done     chan struct{}
}

type Option func(*Supervisor)

// Counters is reported on /healthz.
type Counters struct {
	Active   int64  `json:"active"`
	Started  uint64 `json:"started"`
	Restarts uint64 `json:"restarts"`
	Panics   uint64 `json:"panics"`
}

func WithLogger(log logx.Logger) Option { return func(s *Supervisor) { s.log = log } }

func WithCancelOnError(on bool) Option { return func(s *Supervisor) { s.cancelOnErr = on } }

func NewSupervisor(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, done: make(chan struct{})}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel stops the context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err is the first failure seen, or nil.
func (s *Supervisor) Err() error {
	if p := s.firstErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *Supervisor) Counters() Counters {
	return Counters{
		Active:   s.active.Load(),
		Started:  s.started.Load(),
		Restarts: s.restarts.Load(),
		Panics:   s.panics.Load(),
	}
}

// Go runs fn once. A returned error other than context.Canceled counts as a failure.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		s.log.Debug("goroutine started", logx.String("name", name))
		if err := s.call(name, fn); err != nil && !errors.Is(err, context.Canceled) {
			s.fail(errors.Wrap(err, name))
		}
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

// call runs fn, turning a panic into an error.
func (s *Supervisor) call(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(logx.StackTrace(3, 24)))
			err = errors.Newf("panic: %v", r)
		}
	}()
	return fn(s.ctx)
}

func (s *Supervisor) fail(err error) {
	s.record(err)
	if s.cancelOnErr {
		s.cancel()
	}
}

func (s *Supervisor) record(err error) {
	if err != nil {
		s.firstErr.CompareAndSwap(nil, &err)
	}
}

type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff   time.Duration
	maxBackoff   time.Duration
	maxRestarts  int // <=0: unlimited
	publishFirst bool
}

func WithRestartBackoff(lo, hi time.Duration) RestartOption {
	return func(c *restartCfg) {
		if lo > 0 {
			c.minBackoff = lo
		}
		if hi > 0 {
			c.maxBackoff = hi
		}
	}
}

// WithMaxRestarts makes GoRestart give up, and fail the supervisor, after n restarts.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// WithPublishFirstError records the first error or panic in Err even though
// the goroutine is restarted.
func WithPublishFirstError(on bool) RestartOption {
	return func(c *restartCfg) { c.publishFirst = on }
}

// stableRun resets the backoff when a run lasted at least this long.
const stableRun = 30 * time.Second

// GoRestart keeps fn running, restarting it with jittered exponential backoff
// after an error or panic. A nil return or context.Canceled ends it cleanly.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	cfg.maxBackoff = max(cfg.maxBackoff, cfg.minBackoff)

	s.Go(name, func(ctx context.Context) error {
		backoff := cfg.minBackoff
		for n := 1; ; n++ {
			began := time.Now()
			err := s.call(name, fn)
			if ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
				return nil
			}
			err = errors.Wrap(err, name)
			if cfg.publishFirst {
				s.record(err)
			}
			if cfg.maxRestarts > 0 && n > cfg.maxRestarts {
				s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", n-1), logx.Err(err))
				s.fail(err)
				return nil
			}
			s.restarts.Add(1)
			if time.Since(began) >= stableRun {
				backoff = cfg.minBackoff
			}
			wait := backoff
			if j := int64(wait) / 5; j > 0 {
				wait += time.Duration(time.Now().UnixNano() % (j + 1))
			}
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
			backoff = min(backoff*2, cfg.maxBackoff)
		}
	})
}

// Stop cancels and waits.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine returned or ctx ends. It returns Err.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}
