package notifier

import (
	"context"
	"time"
)

// Config controls the async alert pipeline.
type Config struct {
	Enabled         bool
	ChatID          int64
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// Alert is one message for the configured chat.
type Alert struct {
	Text string
	// Key groups alerts for deduplication. Empty disables it.
	Key string
}

// Sender delivers a text message to a chat.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

type HistoryItem struct {
	At   time.Time
	Text string
}

// Event types published on the bus.
const (
	EventSent    = "alert.sent"
	EventDeduped = "alert.deduped"
	EventDropped = "alert.dropped"
	EventFailed  = "alert.failed"
)

// AlertEvent is the payload of alert.* events.
type AlertEvent struct {
	Key   string    `json:"key"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}
