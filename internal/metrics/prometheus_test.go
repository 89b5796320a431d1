package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"uniops/internal/eventbus"
	"uniops/internal/task/engine"
	logx "uniops/pkg/logx"
)

func newTestSink(t *testing.T) (*PrometheusSink, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewPrometheusSink(reg, logx.Nop()), reg
}

func find(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if matchLabels(m.GetLabel(), labels) {
				return m
			}
		}
	}
	return nil
}

func matchLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, p := range pairs {
		if v, ok := want[p.GetName()]; !ok || v != p.GetValue() {
			return false
		}
	}
	return true
}

func counter(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	m := find(t, reg, name, labels)
	if m == nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func TestRunMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.RunStarted("reporting.generate", "SCHEDULED")
	sink.RunCompleted("reporting.generate", "SCHEDULED", false, 250*time.Millisecond)
	sink.RunCompleted("reporting.generate", "SCHEDULED", true, time.Second)

	if got := counter(t, reg, "uniops_job_runs_started_total", map[string]string{"job": "reporting.generate", "trigger": "SCHEDULED"}); got != 1 {
		t.Errorf("started = %v, want 1", got)
	}
	for _, oc := range []string{OutcomeSuccess, OutcomeFailed} {
		labels := map[string]string{"job": "reporting.generate", "trigger": "SCHEDULED", "outcome": oc}
		if got := counter(t, reg, "uniops_job_runs_completed_total", labels); got != 1 {
			t.Errorf("completed{%s} = %v, want 1", oc, got)
		}
	}
	h := find(t, reg, "uniops_job_run_duration_seconds", map[string]string{"job": "reporting.generate"})
	if h == nil || h.GetHistogram().GetSampleCount() != 2 {
		t.Fatalf("duration histogram = %v", h)
	}
}

func TestObserveSetsGauges(t *testing.T) {
	sink, reg := newTestSink(t)
	sink.Observe(Stats{QueueLen: 3, QueueCap: 64, InFlight: 2, Workers: 10, LiveHandles: 7, BusDropped: 5})

	for name, want := range map[string]float64{
		"uniops_pool_queue_length":       3,
		"uniops_pool_queue_capacity":     64,
		"uniops_pool_in_flight":          2,
		"uniops_pool_workers":            10,
		"uniops_scheduler_live_handles":  7,
		"uniops_eventbus_dropped_events": 5,
	} {
		m := find(t, reg, name, map[string]string{})
		if m == nil || m.GetGauge().GetValue() != want {
			t.Errorf("%s = %v, want %v", name, m, want)
		}
	}
}

func TestDuplicateRegistrationDoesNotPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	_ = NewPrometheusSink(reg, logx.Nop())
	second := NewPrometheusSink(reg, logx.Nop())
	second.TaskSkipped()
	second.Observe(Stats{})
}

func TestConsumeMapsBusEvents(t *testing.T) {
	sink, reg := newTestSink(t)
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = Consume(ctx, bus, sink)
		close(done)
	}()

	// wait for the subscription before publishing
	deadline := time.Now().Add(time.Second)
	for {
		bus.Publish(eventbus.Event{Type: eventbus.TaskSkipped, Data: engine.TaskEvent{Name: "probe"}})
		if counter(t, reg, "uniops_pool_tasks_skipped_total", map[string]string{}) > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	bus.Publish(eventbus.Event{Type: eventbus.RunFailed, Data: eventbus.RunEvent{JobKey: "a.b", TriggerType: "MANUAL", Duration: time.Second}})
	bus.Publish(eventbus.Event{Type: eventbus.JobScheduled, Data: eventbus.JobEvent{JobKey: "a.b"}})
	bus.Publish(eventbus.Event{Type: eventbus.TaskDropped, Data: engine.TaskEvent{Error: "queue_full"}})

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if counter(t, reg, "uniops_pool_tasks_dropped_total", map[string]string{"reason": "queue_full"}) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if got := counter(t, reg, "uniops_job_runs_completed_total", map[string]string{"job": "a.b", "trigger": "MANUAL", "outcome": OutcomeFailed}); got != 1 {
		t.Errorf("failed runs = %v, want 1", got)
	}
	if got := counter(t, reg, "uniops_job_transitions_total", map[string]string{"job": "a.b", "state": "scheduled"}); got != 1 {
		t.Errorf("scheduled = %v, want 1", got)
	}
	if got := counter(t, reg, "uniops_pool_tasks_dropped_total", map[string]string{"reason": "queue_full"}); got != 1 {
		t.Errorf("dropped = %v, want 1", got)
	}
}

func TestNoopSink(t *testing.T) {
	var s Sink = NewNoopSink()
	s.RunStarted("a", "b")
	s.RunCompleted("a", "b", true, time.Second)
	s.Observe(Stats{})
}
