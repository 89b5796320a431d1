// Package notifier delivers operator alerts for failed job runs.
//
// Alerts go through a bounded queue drained by a small worker pool. Sends are
// rate limited, retried with jittered backoff and deduplicated for a window,
// so a job failing every few seconds produces one message rather than a flood.
//
// # Transport
//
// Delivery is delegated to a Sender. The Telegram sender (telebot) is the one
// shipped here; tests use an in-memory fake.
package notifier
