package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uniops/internal/eventbus"
	logx "uniops/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	fails int
	sent  []string
	calls int
}

func (f *fakeSender) Send(_ context.Context, _ int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fails > 0 {
		f.fails--
		return errors.New("telegram unavailable")
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSender) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func fastConfig() Config {
	return Config{
		Enabled:       true,
		ChatID:        42,
		RatePerSec:    1000,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		DedupWindow:   time.Minute,
	}
}

func TestNotifyDisabled(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &fakeSender{}, logx.Nop(), nil)
	s.Start(context.Background())
	require.ErrorIs(t, s.Notify(context.Background(), Alert{Text: "x"}), ErrDisabled)
}

func TestNotifyBeforeStart(t *testing.T) {
	t.Parallel()
	s := New(fastConfig(), &fakeSender{}, logx.Nop(), nil)
	require.ErrorIs(t, s.Notify(context.Background(), Alert{Text: "x"}), ErrStopped)
}

func TestNotifyRetriesThenDelivers(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{fails: 2}
	s := New(fastConfig(), sender, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	require.NoError(t, s.Notify(context.Background(), Alert{Text: "boom", Key: "a"}))
	require.Eventually(t, func() bool { return len(sender.messages()) == 1 }, time.Second, 2*time.Millisecond)
	assert.Len(t, s.Snapshot(), 1)
}

func TestNotifyDeduplicates(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	deduped, unsub := bus.Subscribe(8, EventDeduped)
	defer unsub()

	sender := &fakeSender{}
	s := New(fastConfig(), sender, logx.Nop(), bus)
	s.Start(context.Background())

	ctx := context.Background()
	require.NoError(t, s.Notify(ctx, Alert{Text: "one", Key: "a.b|x"}))
	require.NoError(t, s.Notify(ctx, Alert{Text: "two", Key: "a.b|x"}))
	require.NoError(t, s.Notify(ctx, Alert{Text: "three", Key: "c.d|x"}))

	stop, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	s.Stop(stop)

	assert.ElementsMatch(t, []string{"one", "three"}, sender.messages())
	assert.Len(t, deduped, 1)
}

func TestDedupExpires(t *testing.T) {
	t.Parallel()
	s := New(fastConfig(), &fakeSender{}, logx.Nop(), nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	assert.True(t, s.dedupAllow("k", time.Minute, 10))
	assert.False(t, s.dedupAllow("k", time.Minute, 10))
	now = now.Add(time.Minute)
	assert.True(t, s.dedupAllow("k", time.Minute, 10))
}

func TestDedupCapEvictsEarliest(t *testing.T) {
	t.Parallel()
	s := New(fastConfig(), &fakeSender{}, logx.Nop(), nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	for _, k := range []string{"a", "b", "c"} {
		require.True(t, s.dedupAllow(k, time.Hour, 2))
		now = now.Add(time.Second)
	}
	assert.Len(t, s.dedup, 2)
	assert.NotContains(t, s.dedup, "a")
}

func TestRetryDelayCapped(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Second)
	}
}

func TestWatchFailures(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	sender := &fakeSender{}
	s := New(fastConfig(), sender, logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	go func() { _ = WatchFailures(ctx, bus, s) }()

	ev := eventbus.RunEvent{
		JobKey:      "reports.daily",
		AppName:     "billing",
		TraceID:     "t-1",
		TriggerType: "SCHEDULED",
		TriggerTime: time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC),
		Duration:    1500 * time.Millisecond,
		Error:       "disk full",
	}
	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: eventbus.RunFailed, Data: ev})
		return len(sender.messages()) > 0
	}, time.Second, 10*time.Millisecond)

	msg := sender.messages()[0]
	assert.True(t, strings.HasPrefix(msg, "job reports.daily failed [billing]"))
	assert.Contains(t, msg, "trigger: scheduled")
	assert.Contains(t, msg, "duration: 1.5s")
	assert.Contains(t, msg, "error: disk full")
}

func TestFormatFailureTruncatesError(t *testing.T) {
	t.Parallel()
	msg := formatFailure(eventbus.RunEvent{JobKey: "a.b", Error: strings.Repeat("x", maxErrorText+50)})
	assert.True(t, strings.HasSuffix(msg, "..."))
	assert.NotContains(t, msg, "trace:")
}
