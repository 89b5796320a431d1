package eventbus

import "time"

// Event types published by the scheduler.
const (
	RunStarted  = "run.started"
	RunFinished = "run.finished"
	RunFailed   = "run.failed"

	JobScheduled = "job.scheduled"
	JobSuspended = "job.suspended"

	TaskDropped = "task.dropped"
	TaskSkipped = "task.skipped"
	TaskPanic   = "task.panic"
)

// RunEvent is the payload of run.* events.
type RunEvent struct {
	JobKey      string        `json:"job_key"`
	AppName     string        `json:"app_name"`
	TraceID     string        `json:"trace_id"`
	TriggerType string        `json:"trigger_type"`
	TriggerTime time.Time     `json:"trigger_time"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
}

// JobEvent is the payload of job.* events.
type JobEvent struct {
	JobKey string    `json:"job_key"`
	Spec   string    `json:"spec,omitempty"`
	Next   time.Time `json:"next,omitempty"`
	Reason string    `json:"reason,omitempty"`
}
