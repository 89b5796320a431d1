package notifier

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"uniops/internal/errors"
	"uniops/internal/eventbus"
	rtsup "uniops/internal/runtime/supervisor"
	logx "uniops/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Service is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender
	bus    eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan Alert
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem

	now func() time.Time
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		log:    log.With(logx.String("comp", "notifier")),
		bus:    bus,
		dedup:  map[string]time.Time{},
		now:    time.Now,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 1000
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start is idempotent and a no-op while disabled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan Alert, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		// alert delivery is best-effort and must not stop the scheduler
		rtsup.WithCancelOnError(false),
	)
	sup, q, workers := s.sup, s.queue, s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("notifier worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
}

// Stop stops intake and drains the queue until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil {
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
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Notify enqueues an alert. A duplicate inside the dedup window is dropped silently.
func (s *Service) Notify(ctx context.Context, a Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window, maxEntries := s.cfg.DedupWindow, s.cfg.DedupMaxEntries
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	if window > 0 && a.Key != "" && !s.dedupAllow(a.Key, window, maxEntries) {
		s.publish(EventDeduped, a.Key, nil)
		return nil
	}

	select {
	case q <- a:
		return nil
	default:
		s.publish(EventDropped, a.Key, ErrQueueFull)
		return ErrQueueFull
	}
}

// Snapshot returns recently delivered alerts, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: s.now(), Text: text})
	if len(s.history) > 100 {
		s.history = s.history[len(s.history)-100:]
	}
	s.hmu.Unlock()
}

func (s *Service) workerLoop(ctx context.Context, q <-chan Alert) {
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, a)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, a Alert) {
	s.mu.Lock()
	cfg, lim, sender := s.cfg, s.limiter, s.sender
	s.mu.Unlock()
	if sender == nil || a.Text == "" {
		return
	}

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := sender.Send(callCtx, cfg.ChatID, a.Text)
		cancel()
		if err == nil {
			s.appendHistory(a.Text)
			s.publish(EventSent, a.Key, nil)
			return
		}
		lastErr = err
		s.log.Debug("alert send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt == attempts {
			break
		}

		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	s.log.Warn("alert dropped after retries", logx.String("key", a.Key), logx.Err(lastErr))
	s.publish(EventFailed, a.Key, lastErr)
}

func (s *Service) publish(typ, key string, err error) {
	if s.bus == nil {
		return
	}
	ev := AlertEvent{Key: key, At: s.now()}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

func (s *Service) dedupAllow(key string, window time.Duration, maxEntries int) bool {
	now := s.now()
	s.dmu.Lock()
	defer s.dmu.Unlock()

	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)

	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > maxEntries {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range s.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.dedup, minKey)
	}
	return true
}

// retryDelay is the wait before attempt+1: base * 2^(attempt-1), jittered 0.7..1.3, capped.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
