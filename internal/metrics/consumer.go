package metrics

import (
	"context"
	"time"

	"uniops/internal/eventbus"
	"uniops/internal/task/engine"
)

// Consume feeds bus events into sink until ctx ends.
func Consume(ctx context.Context, bus eventbus.Bus, sink Sink) error {
	ch, unsub := bus.Subscribe(256,
		eventbus.RunStarted, eventbus.RunFinished, eventbus.RunFailed,
		eventbus.JobScheduled, eventbus.JobSuspended,
		eventbus.TaskDropped, eventbus.TaskSkipped, eventbus.TaskPanic,
	)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			apply(sink, ev)
		}
	}
}

func apply(sink Sink, ev eventbus.Event) {
	switch ev.Type {
	case eventbus.RunStarted:
		if r, ok := ev.Data.(eventbus.RunEvent); ok {
			sink.RunStarted(r.JobKey, r.TriggerType)
		}
	case eventbus.RunFinished, eventbus.RunFailed:
		if r, ok := ev.Data.(eventbus.RunEvent); ok {
			sink.RunCompleted(r.JobKey, r.TriggerType, ev.Type == eventbus.RunFailed, r.Duration)
		}
	case eventbus.JobScheduled:
		if j, ok := ev.Data.(eventbus.JobEvent); ok {
			sink.JobScheduled(j.JobKey)
		}
	case eventbus.JobSuspended:
		if j, ok := ev.Data.(eventbus.JobEvent); ok {
			sink.JobSuspended(j.JobKey)
		}
	case eventbus.TaskDropped:
		reason := "unknown"
		if t, ok := ev.Data.(engine.TaskEvent); ok && t.Error != "" {
			reason = t.Error
		}
		sink.TaskDropped(reason)
	case eventbus.TaskSkipped:
		sink.TaskSkipped()
	case eventbus.TaskPanic:
		sink.TaskPanicked()
	}
}

// Sample calls stats every interval and reports it to sink until ctx ends.
func Sample(ctx context.Context, every time.Duration, stats func() Stats, sink Sink) error {
	if every <= 0 {
		every = 15 * time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	sink.Observe(stats())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			sink.Observe(stats())
		}
	}
}
