package engine

import (
	"errors"
	"fmt"
)

var (
	ErrStopped     = errors.New("worker pool stopped")
	ErrStopping    = errors.New("worker pool stopping")
	ErrQueueFull   = errors.New("worker pool queue full")
	ErrOverlapSkip = errors.New("task skipped due to overlap policy")
	ErrStale       = errors.New("task dropped: queued too long")
	ErrNoRun       = errors.New("task Run is nil")
	ErrNoName      = errors.New("task Name is required")
)

// PanicError is handed to OnDone when Run panicked.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }
