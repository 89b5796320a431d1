package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the worker pool.
//
// The scheduler is trigger-only; execution settings belong here.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0. 0 disables it.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops tasks that have been queued longer than this duration.
	// 0 disables stale-queue dropping.
	MaxQueueDelay time.Duration

	HistorySize int
}

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	OverlapSkipIfRunning
)

type TaskOptions struct {
	Overlap OverlapPolicy
}

// RunState tracks whether a task is already in-flight.
// "SkipIfRunning" means skip if running OR already queued, which keeps a fast
// trigger from piling up work behind a slow run.
type RunState struct {
	mu       sync.Mutex
	inflight int
}

func (s *RunState) tryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *RunState) release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

// Busy reports whether a gated run is queued or executing.
func (s *RunState) Busy() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight > 0
}

type HistoryItem struct {
	ID         string
	Name       string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Error      string
}

// TaskEvent is published on the event bus for pool-level events (drops, skips, panics).
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Task is a unit of work executed by the pool.
//
// SkipIfRunning uses State (if provided) to gate overlap. OnDone runs on the
// worker after the overlap gate has been released, once per accepted task,
// including tasks dropped after dequeue.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Opt     TaskOptions
	State   *RunState
	OnDone  func(err error)
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running  bool
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int

	Dropped          uint64
	DroppedQueueFull uint64
	DroppedStale     uint64

	DefaultTimeout time.Duration
	MaxQueueDelay  time.Duration

	History []HistoryItem
}
