package engine

import (
	"context"
	"runtime/debug"
	"sync/atomic"
	"time"

	"uniops/internal/eventbus"
	logx "uniops/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t, ok := <-queue:
			if !ok {
				return
			}
			atomic.AddInt32(&s.inFlight, 1)
			s.execOne(ctx, t)
			atomic.AddInt32(&s.inFlight, -1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, qt queuedTask) {
	start := time.Now()
	queueDelay := time.Duration(0)
	if !qt.enqueuedAt.IsZero() {
		queueDelay = max(start.Sub(qt.enqueuedAt), 0)
	}

	s.mu.Lock()
	maxDelay := s.cfg.MaxQueueDelay
	s.mu.Unlock()

	if maxDelay > 0 && queueDelay > maxDelay {
		if qt.track {
			qt.task.State.release()
		}
		s.onStaleDropped(start, qt.task, queueDelay)
		s.remember(HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"})
		finish(qt.task, ErrStale)
		return
	}

	// Runs must not inherit worker cancellation: a stop lets in-flight work finish.
	runCtx := context.WithoutCancel(ctx)
	var cancel context.CancelFunc
	if qt.timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, qt.timeout)
	}

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				err = &PanicError{Value: r, Stack: stack}
				s.log.Error("task panicked", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.Stack(stack))
				s.publish(eventbus.TaskPanic, TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, Error: err.Error()})
			}
		}()
		err = qt.task.Run(runCtx)
	}()
	if cancel != nil {
		cancel()
	}

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, Duration: dur, QueueDelay: queueDelay}
	if err != nil {
		item.Error = err.Error()
	}
	s.log.Trace("task finished", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Err(err))
	s.remember(item)

	if qt.track {
		qt.task.State.release()
	}
	finish(qt.task, err)
}
