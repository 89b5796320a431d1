package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRestartRecoversPanics(t *testing.T) {
	t.Parallel()
	sup := NewSupervisor(context.Background())

	var runs int32
	done := make(chan struct{})
	sup.GoRestart("flaky", func(ctx context.Context) error {
		if atomic.AddInt32(&runs, 1) < 3 {
			panic("transient")
		}
		close(done)
		<-ctx.Done()
		return ctx.Err()
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond), WithPublishFirstError(true))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("goroutine was not restarted")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sup.Stop(ctx); err == nil {
		t.Fatal("expected first error to be published")
	}
	c := sup.Counters()
	if c.Panics != 2 || c.Restarts != 2 {
		t.Fatalf("counters = %+v, want 2 panics and 2 restarts", c)
	}
	if c.Active != 0 {
		t.Fatalf("active = %d after Stop", c.Active)
	}
}

func TestCancelOnError(t *testing.T) {
	t.Parallel()
	sup := NewSupervisor(context.Background(), WithCancelOnError(true))
	sup.Go("fails", func(context.Context) error { return errors.New("bad") })

	select {
	case <-sup.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled on error")
	}
	if err := sup.Wait(context.Background()); err == nil {
		t.Fatal("Wait must report the first error")
	}
}

func TestGoRestartGivesUp(t *testing.T) {
	t.Parallel()
	sup := NewSupervisor(context.Background(), WithCancelOnError(true))
	var runs atomic.Int32
	sup.GoRestart("broken", func(context.Context) error {
		runs.Add(1)
		return errors.New("still broken")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	select {
	case <-sup.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor not cancelled after giving up")
	}
	err := sup.Wait(context.Background())
	if err == nil || !strings.Contains(err.Error(), "still broken") {
		t.Fatalf("Wait = %v", err)
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
	if c := sup.Counters(); c.Restarts != 2 {
		t.Fatalf("restarts = %d, want 2", c.Restarts)
	}
}
