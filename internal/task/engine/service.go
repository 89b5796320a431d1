package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"uniops/internal/eventbus"
	logx "uniops/pkg/logx"

	rtsup "uniops/internal/runtime/supervisor"
)

const warnThrottleEvery = 5 * time.Second

// Service is a fixed-size worker pool fed by a bounded queue.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q chan queuedTask

	inFlight int32

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	hmu     sync.Mutex
	history []HistoryItem

	idSeq uint64

	dropped          uint64
	droppedQueueFull uint64
	droppedStale     uint64

	lastQueueFullWarnAt int64
	lastStaleWarnAt     int64
}

type queuedTask struct {
	task Task

	enqueuedAt time.Time
	timeout    time.Duration

	track bool
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log,
		bus: bus,
	}
}

// Running reports whether the pool accepts work.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCh != nil && s.stopDone == nil
}

// Supervisor returns the pool's internal supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg

	// Start is idempotent.
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh
	queue := s.q
	workers := cfg.Workers
	atomic.StoreInt32(&s.inFlight, 0)

	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "workers"))),
		// a crashed worker restarts; it never takes the process down.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		},
			rtsup.WithPublishFirstError(true),
		)
	}

	s.log.Info("worker pool started", logx.Int("workers", workers), logx.Int("queue", cap(queue)))
}

// Stop stops accepting work and waits (bounded by ctx) for in-flight tasks.
// Queued tasks that never started get OnDone(ErrStopped).
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	queue := s.q
	s.mu.Unlock()

	go func() {
		// Workers finish their current task, then observe stopCh.
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.drain(queue)
		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		atomic.StoreInt32(&s.inFlight, 0)
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("worker pool stopped")
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
		s.log.Warn("worker pool stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Service) drain(queue chan queuedTask) {
	for {
		select {
		case qt := <-queue:
			if qt.track {
				qt.task.State.release()
			}
			finish(qt.task, ErrStopped)
		default:
			return
		}
	}
}

// Enqueue tries to enqueue a task without blocking. If the queue is full, the task is dropped.
//
// Use Submit() when you want backpressure instead of dropping.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit enqueues a task and blocks until it is accepted, ctx is canceled, or the pool stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return ErrNoRun
	}
	name := strings.TrimSpace(t.Name)
	if name == "" {
		return ErrNoName
	}
	t.Name = name

	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = s.newTaskID(now)
	}

	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	stopCh := s.stopCh
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if q == nil || stopCh == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	timeout := t.Timeout
	if timeout <= 0 && cfg.DefaultTimeout > 0 {
		timeout = cfg.DefaultTimeout
	}

	track := false
	if t.Opt.Overlap == OverlapSkipIfRunning && t.State != nil {
		track = true
		if !t.State.tryAcquire() {
			s.publish(eventbus.TaskSkipped, TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "overlap_skip"})
			s.log.Debug("task skipped due to overlap", logx.String("task", t.Name), logx.String("id", t.ID))
			return ErrOverlapSkip
		}
	}

	qt := queuedTask{task: t, enqueuedAt: now, timeout: timeout, track: track}

	if !block {
		select {
		case q <- qt:
			return nil
		default:
			if track {
				t.State.release()
			}
			s.onQueueFullDropped(now, t, q)
			return ErrQueueFull
		}
	}

	select {
	case q <- qt:
		return nil
	case <-ctx.Done():
		if track {
			t.State.release()
		}
		return ctx.Err()
	case <-stopCh:
		if track {
			t.State.release()
		}
		return ErrStopping
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	ql, qc := 0, 0
	if q != nil {
		ql = len(q)
		qc = cap(q)
	}

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Running:          running,
		Workers:          cfg.Workers,
		QueueLen:         ql,
		QueueCap:         qc,
		InFlight:         int(atomic.LoadInt32(&s.inFlight)),
		Dropped:          atomic.LoadUint64(&s.dropped),
		DroppedQueueFull: atomic.LoadUint64(&s.droppedQueueFull),
		DroppedStale:     atomic.LoadUint64(&s.droppedStale),
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxQueueDelay:    cfg.MaxQueueDelay,
		History:          h,
	}
}

func (s *Service) newTaskID(now time.Time) string {
	seq := atomic.AddUint64(&s.idSeq, 1)
	return fmt.Sprintf("tsk-%x-%x", now.UnixNano(), seq)
}

func (s *Service) publish(typ string, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

func (s *Service) shouldWarn(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}

func (s *Service) onQueueFullDropped(now time.Time, t Task, q chan queuedTask) {
	atomic.AddUint64(&s.dropped, 1)
	atomic.AddUint64(&s.droppedQueueFull, 1)
	s.publish(eventbus.TaskDropped, TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "queue_full"})

	if s.shouldWarn(&s.lastQueueFullWarnAt, now) {
		s.log.Warn(
			"task dropped: queue full",
			logx.String("task", t.Name),
			logx.String("id", t.ID),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)),
			logx.Int64("dropped_queue_full", int64(atomic.LoadUint64(&s.droppedQueueFull))),
		)
	}
}

func (s *Service) onStaleDropped(now time.Time, t Task, queueDelay time.Duration) {
	atomic.AddUint64(&s.dropped, 1)
	atomic.AddUint64(&s.droppedStale, 1)
	s.publish(eventbus.TaskDropped, TaskEvent{ID: t.ID, Name: t.Name, Started: now, QueueDelay: queueDelay, Error: "stale_queue_delay"})

	if s.shouldWarn(&s.lastStaleWarnAt, now) {
		s.log.Warn(
			"task dropped: stale queue",
			logx.String("task", t.Name),
			logx.String("id", t.ID),
			logx.Duration("queue_delay", queueDelay),
		)
	}
}

func (s *Service) remember(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func finish(t Task, err error) {
	if t.OnDone != nil {
		t.OnDone(err)
	}
}
