package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	logx "uniops/pkg/logx"
)

// PrometheusSink implements Sink with the Prometheus client.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	log logx.Logger

	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	transitions   *prometheus.CounterVec

	tasksDropped *prometheus.CounterVec
	tasksSkipped prometheus.Counter
	taskPanics   prometheus.Counter

	queueLen    prometheus.Gauge
	queueCap    prometheus.Gauge
	inFlight    prometheus.Gauge
	workers     prometheus.Gauge
	liveHandles prometheus.Gauge
	busDropped  prometheus.Gauge
}

func NewPrometheusSink(reg prometheus.Registerer, log logx.Logger) *PrometheusSink {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &PrometheusSink{log: log.With(logx.String("comp", "metrics"))}
	s.initRunMetrics(reg)
	s.initPoolMetrics(reg)
	return s
}

func (s *PrometheusSink) initRunMetrics(reg prometheus.Registerer) {
	s.runsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "uniops_job_runs_started_total",
		Help: "Job invocations started.",
	}, []string{"job", "trigger"})
	s.runsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "uniops_job_runs_completed_total",
		Help: "Job invocations completed, by outcome.",
	}, []string{"job", "trigger", "outcome"})
	s.runDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "uniops_job_run_duration_seconds",
		Help:    "Job invocation duration in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 1800},
	}, []string{"job"})
	s.transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "uniops_job_transitions_total",
		Help: "Handle installs and cancellations by the task manager.",
	}, []string{"job", "state"})

	s.register(reg, s.runsStarted, "uniops_job_runs_started_total")
	s.register(reg, s.runsCompleted, "uniops_job_runs_completed_total")
	s.register(reg, s.runDuration, "uniops_job_run_duration_seconds")
	s.register(reg, s.transitions, "uniops_job_transitions_total")
}

func (s *PrometheusSink) initPoolMetrics(reg prometheus.Registerer) {
	s.tasksDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "uniops_pool_tasks_dropped_total",
		Help: "Tasks dropped by the worker pool.",
	}, []string{"reason"})
	s.tasksSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "uniops_pool_tasks_skipped_total",
		Help: "Fires skipped because the previous run was still in flight.",
	})
	s.taskPanics = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "uniops_pool_task_panics_total",
		Help: "Tasks that panicked on a worker.",
	})
	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
		s.register(reg, g, name)
		return g
	}
	s.register(reg, s.tasksDropped, "uniops_pool_tasks_dropped_total")
	s.register(reg, s.tasksSkipped, "uniops_pool_tasks_skipped_total")
	s.register(reg, s.taskPanics, "uniops_pool_task_panics_total")

	s.queueLen = gauge("uniops_pool_queue_length", "Tasks waiting in the pool queue.")
	s.queueCap = gauge("uniops_pool_queue_capacity", "Pool queue capacity.")
	s.inFlight = gauge("uniops_pool_in_flight", "Tasks executing on workers.")
	s.workers = gauge("uniops_pool_workers", "Configured workers.")
	s.liveHandles = gauge("uniops_scheduler_live_handles", "Installed schedule handles.")
	s.busDropped = gauge("uniops_eventbus_dropped_events", "Events dropped by slow subscribers since start.")
}

func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if reg == nil {
		return
	}
	if err := reg.Register(c); err != nil {
		s.log.Warn("metric registration failed", logx.String("metric", name), logx.Err(err))
	}
}

func (s *PrometheusSink) RunStarted(job, trigger string) {
	s.runsStarted.WithLabelValues(job, trigger).Inc()
}

func (s *PrometheusSink) RunCompleted(job, trigger string, failed bool, d time.Duration) {
	s.runsCompleted.WithLabelValues(job, trigger, outcome(failed)).Inc()
	s.runDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (s *PrometheusSink) JobScheduled(job string) { s.transitions.WithLabelValues(job, "scheduled").Inc() }
func (s *PrometheusSink) JobSuspended(job string) { s.transitions.WithLabelValues(job, "suspended").Inc() }

func (s *PrometheusSink) TaskDropped(reason string) { s.tasksDropped.WithLabelValues(reason).Inc() }
func (s *PrometheusSink) TaskSkipped()              { s.tasksSkipped.Inc() }
func (s *PrometheusSink) TaskPanicked()             { s.taskPanics.Inc() }

func (s *PrometheusSink) Observe(st Stats) {
	s.queueLen.Set(float64(st.QueueLen))
	s.queueCap.Set(float64(st.QueueCap))
	s.inFlight.Set(float64(st.InFlight))
	s.workers.Set(float64(st.Workers))
	s.liveHandles.Set(float64(st.LiveHandles))
	s.busDropped.Set(float64(st.BusDropped))
}
