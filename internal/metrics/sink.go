// Package metrics exports scheduler activity. Sinks are fire-and-forget:
// implementations must not block or return errors.
package metrics

import "time"

type Sink interface {
	RunStarted(job, trigger string)
	RunCompleted(job, trigger string, failed bool, d time.Duration)

	JobScheduled(job string)
	JobSuspended(job string)

	// Pool events.
	TaskDropped(reason string)
	TaskSkipped()
	TaskPanicked()

	Observe(s Stats)
}

// Stats is a periodic gauge sample.
type Stats struct {
	QueueLen    int
	QueueCap    int
	InFlight    int
	Workers     int
	LiveHandles int
	BusDropped  uint64
}

const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)

func outcome(failed bool) string {
	if failed {
		return OutcomeFailed
	}
	return OutcomeSuccess
}
