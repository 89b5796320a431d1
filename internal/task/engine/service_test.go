package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"uniops/internal/eventbus"
	logx "uniops/pkg/logx"
)

func startPool(t *testing.T, cfg Config) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), eventbus.New())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestEnqueueRunsAndReportsDone(t *testing.T) {
	t.Parallel()
	s := startPool(t, Config{Workers: 2, QueueSize: 4})

	done := make(chan error, 1)
	err := s.Enqueue(Task{
		Name:   "ok",
		Run:    func(ctx context.Context) error { return nil },
		OnDone: func(err error) { done <- err },
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("OnDone err = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task did not finish")
	}
}

func TestOverlapSkipIfRunning(t *testing.T) {
	t.Parallel()
	s := startPool(t, Config{Workers: 2, QueueSize: 4})

	st := &RunState{}
	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan struct{})

	err := s.Enqueue(Task{
		Name:  "slow",
		State: st,
		Opt:   TaskOptions{Overlap: OverlapSkipIfRunning},
		Run: func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		},
		OnDone: func(error) {
			if st.Busy() {
				t.Error("OnDone must run after the overlap gate is released")
			}
			close(done)
		},
	})
	if err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	<-started

	err = s.Enqueue(Task{Name: "slow", State: st, Opt: TaskOptions{Overlap: OverlapSkipIfRunning}, Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second Enqueue err = %v, want ErrOverlapSkip", err)
	}

	// OverlapAllow ignores the gate.
	allowed := make(chan struct{})
	if err := s.Enqueue(Task{Name: "slow", State: st, Run: func(context.Context) error { close(allowed); return nil }}); err != nil {
		t.Fatalf("OverlapAllow Enqueue: %v", err)
	}
	<-allowed

	close(release)
	<-done
}

func TestPanicBecomesError(t *testing.T) {
	t.Parallel()
	s := startPool(t, Config{Workers: 1, QueueSize: 1})

	done := make(chan error, 1)
	_ = s.Enqueue(Task{
		Name:   "boom",
		Run:    func(context.Context) error { panic("kaboom") },
		OnDone: func(err error) { done <- err },
	})
	err := <-done
	var pe *PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *PanicError", err)
	}

	// The worker survives the panic.
	ok := make(chan error, 1)
	_ = s.Enqueue(Task{Name: "after", Run: func(context.Context) error { return nil }, OnDone: func(err error) { ok <- err }})
	if err := <-ok; err != nil {
		t.Fatalf("after panic err = %v", err)
	}
}

func TestQueueFull(t *testing.T) {
	t.Parallel()
	s := startPool(t, Config{Workers: 1, QueueSize: 1})

	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{})
	_ = s.Enqueue(Task{Name: "hold", Run: func(context.Context) error { close(started); <-block; return nil }})
	<-started
	_ = s.Enqueue(Task{Name: "queued", Run: func(context.Context) error { return nil }})

	err := s.Enqueue(Task{Name: "overflow", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	if got := s.Snapshot().DroppedQueueFull; got != 1 {
		t.Fatalf("DroppedQueueFull = %d, want 1", got)
	}
}

func TestBoundedConcurrency(t *testing.T) {
	t.Parallel()
	s := startPool(t, Config{Workers: 3, QueueSize: 32})

	var cur, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		err := s.Submit(context.Background(), Task{
			Name: "n",
			Run: func(context.Context) error {
				n := atomic.AddInt32(&cur, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&cur, -1)
				return nil
			},
			OnDone: func(error) { wg.Done() },
		})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	wg.Wait()
	if p := atomic.LoadInt32(&peak); p > 3 {
		t.Fatalf("peak concurrency = %d, want <= 3", p)
	}
}

func TestStoppedRejects(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	if s.Running() {
		t.Fatal("pool must not run before Start")
	}
	err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestEnqueueRejectsIncompleteTask(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	noop := func(context.Context) error { return nil }

	tests := []struct {
		name string
		task Task
		want error
	}{
		{"no run", Task{Name: "x"}, ErrNoRun},
		{"blank name", Task{Name: "  ", Run: noop}, ErrNoName},
	}
	for _, tt := range tests {
		if err := s.Enqueue(tt.task); !errors.Is(err, tt.want) {
			t.Fatalf("%s: err = %v, want %v", tt.name, err, tt.want)
		}
	}
}
