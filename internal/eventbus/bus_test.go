package eventbus

import (
	"testing"
	"time"
)

func TestSubscribeFiltersByType(t *testing.T) {
	t.Parallel()
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	runs, unsubRuns := b.Subscribe(4, RunFailed)
	defer unsubRuns()

	b.Publish(Event{Type: RunFinished})
	b.Publish(Event{Type: RunFailed, Data: RunEvent{JobKey: "a.b"}})

	if got := len(all); got != 2 {
		t.Fatalf("unfiltered subscriber got %d events, want 2", got)
	}
	select {
	case e := <-runs:
		if e.Type != RunFailed {
			t.Fatalf("filtered subscriber got %q", e.Type)
		}
		if e.Time.IsZero() {
			t.Fatal("Publish must stamp Time")
		}
	case <-time.After(time.Second):
		t.Fatal("filtered subscriber got nothing")
	}
	if len(runs) != 0 {
		t.Fatal("filtered subscriber received an unwanted event")
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	b.Publish(Event{Type: "x"})
	b.Publish(Event{Type: "x"})
	if got := Dropped(b); got != 1 {
		t.Fatalf("Dropped = %d, want 1", got)
	}
	unsub()
	unsub()
	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: "x"})
}
