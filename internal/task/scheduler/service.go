package scheduler

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"uniops/internal/errors"
	"uniops/internal/task/engine"
	logx "uniops/pkg/logx"
)

// Executor is the worker pool the scheduler dispatches into.
type Executor interface {
	Enqueue(t engine.Task) error
	Submit(ctx context.Context, t engine.Task) error
	Running() bool
}

// Config controls the trigger service.
type Config struct {
	Timezone string // IANA TZ for cron evaluation, e.g. "Asia/Shanghai"; empty means local

	// MaxHandles caps live handles; 0 is unlimited.
	MaxHandles int

	// Timeout bounds each scheduled or manual run; 0 leaves it to the pool default.
	Timeout time.Duration
}

type Service struct {
	mu sync.Mutex

	log  logx.Logger
	cfg  Config
	loc  *time.Location
	exec Executor

	handles map[uint64]*Handle
	seq     uint64
	// Overlap gates by handle name; a replacement handle inherits its predecessor's gate.
	gates map[string]*engine.RunState
	stopped bool

	now func() time.Time

	// Dispatch error throttling: key is handle name.
	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

func New(cfg Config, exec Executor, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, errors.Wrapf(err, "scheduler timezone %q", tz)
		}
		loc = l
	}
	return &Service{
		log:      log,
		cfg:      cfg,
		loc:      loc,
		exec:     exec,
		handles:  map[uint64]*Handle{},
		gates:    map[string]*engine.RunState{},
		now:      time.Now,
		lastWarn: map[string]time.Time{},
	}, nil
}

// Location is the zone cron expressions are evaluated in.
func (s *Service) Location() *time.Location { return s.loc }

// Validate checks spec without installing anything.
func (s *Service) Validate(spec Spec) error { return Validate(spec) }

// Schedule installs a trigger for fn and returns its cancellable handle.
//
// Invalid specs fail with ErrInvalidSpec; a stopped service, a stopped pool or
// the handle cap fail with ErrSchedulingFailure. Nothing is installed on error.
func (s *Service) Schedule(name string, spec Spec, fn func(ctx context.Context) error) (*Handle, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("schedule name is required")
	}
	if fn == nil {
		return nil, errors.Newf("schedule %s: callable is nil", name)
	}
	cs, err := compile(spec)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.stopped:
		return nil, errors.SchedulingFailure(errors.New("scheduler stopped"), name)
	case s.exec == nil || !s.exec.Running():
		return nil, errors.SchedulingFailure(engine.ErrStopped, name)
	case s.cfg.MaxHandles > 0 && len(s.handles) >= s.cfg.MaxHandles:
		return nil, errors.SchedulingFailure(errors.Newf("handle limit %d reached", s.cfg.MaxHandles), name)
	}

	s.seq++
	h := &Handle{
		id:    s.seq,
		name:  name,
		spec:  spec,
		kind:  spec.Kind(),
		cron:  cs,
		run:   fn,
		svc:   s,
		state: s.gateLocked(name),
	}
	s.handles[h.id] = h

	h.mu.Lock()
	h.startLocked(s.now())
	next := h.next
	h.mu.Unlock()

	s.log.Debug("schedule installed", logx.String("name", name), logx.String("spec", spec.String()), logx.Time("next", next))
	return h, nil
}

// Execute runs fn once on the pool outside any trigger and waits for its result.
// It bypasses the overlap gate. Pool refusal is reported as ErrSchedulingFailure;
// if ctx ends first, ctx.Err() is returned and the run still completes.
func (s *Service) Execute(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if fn == nil {
		return errors.Newf("execute %s: callable is nil", name)
	}
	if s.exec == nil {
		return errors.SchedulingFailure(engine.ErrStopped, name)
	}
	result := make(chan error, 1)
	err := s.exec.Submit(ctx, engine.Task{
		Name:    name,
		Timeout: s.cfg.Timeout,
		Run:     fn,
		Opt:     engine.TaskOptions{Overlap: engine.OverlapAllow},
		OnDone:  func(err error) { result <- err },
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return errors.SchedulingFailure(err, name)
	}
	select {
	case err := <-result:
		var pe *engine.PanicError
		if errors.As(err, &pe) {
			return errors.Wrap(err, name)
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next estimates the first fire time of spec after t, as a fresh handle would.
func (s *Service) Next(spec Spec, t time.Time) time.Time {
	cs, err := compile(spec)
	if err != nil {
		return time.Time{}
	}
	switch spec.Kind() {
	case KindCron:
		return cs.Next(t.In(s.loc))
	default:
		return t.Add(spec.InitialDelay)
	}
}

// Start allows new handles after a Stop.
func (s *Service) Start(ctx context.Context) {
	_ = ctx
	s.mu.Lock()
	s.stopped = false
	s.mu.Unlock()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()))
}

// Stop cancels every handle. In-flight runs are left to the pool.
func (s *Service) Stop(ctx context.Context) {
	_ = ctx
	s.mu.Lock()
	s.stopped = true
	hs := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		hs = append(hs, h)
	}
	s.mu.Unlock()

	for _, h := range hs {
		h.Cancel()
	}
	s.log.Info("scheduler stopped", logx.Int("cancelled", len(hs)))
}

// Len returns the number of live handles.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// HandleInfo is a diagnostics row.
type HandleInfo struct {
	Name  string
	Spec  string
	Next  time.Time
	Fires uint64
}

func (s *Service) Snapshot() []HandleInfo {
	s.mu.Lock()
	hs := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		hs = append(hs, h)
	}
	s.mu.Unlock()

	out := make([]HandleInfo, 0, len(hs))
	for _, h := range hs {
		h.mu.Lock()
		out = append(out, HandleInfo{Name: h.name, Spec: h.spec.String(), Next: h.next, Fires: h.fires})
		h.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) gateLocked(name string) *engine.RunState {
	g, ok := s.gates[name]
	if !ok {
		g = &engine.RunState{}
		s.gates[name] = g
	}
	return g
}

// gateReleased flushes deferred fixed-rate beats of every live handle on name.
func (s *Service) gateReleased(name string) {
	s.mu.Lock()
	var waiting []*Handle
	for _, h := range s.handles {
		if h.name == name && h.kind == KindFixedRate {
			waiting = append(waiting, h)
		}
	}
	s.mu.Unlock()
	for _, h := range waiting {
		h.flushPending()
	}
}

func (s *Service) forget(h *Handle) {
	s.mu.Lock()
	delete(s.handles, h.id)
	s.mu.Unlock()
}

const dispatchWarnThrottle = 5 * time.Second

func (s *Service) reportDispatchError(name string, err error) {
	now := s.now()
	s.warnMu.Lock()
	last := s.lastWarn[name]
	if !last.IsZero() && now.Sub(last) < dispatchWarnThrottle {
		s.warnMu.Unlock()
		return
	}
	s.lastWarn[name] = now
	s.warnMu.Unlock()

	// Queue full / stopping are important but can be bursty.
	s.log.Warn("schedule failed to dispatch run", logx.String("name", name), logx.Err(err))
}
