package notifier

import (
	"context"
	"fmt"
	"strings"

	"uniops/internal/eventbus"
)

const maxErrorText = 500

// WatchFailures turns run.failed events into alerts until ctx ends.
// Repeated failures of one job with the same error share a dedup key.
func WatchFailures(ctx context.Context, bus eventbus.Bus, svc *Service) error {
	ch, unsub := bus.Subscribe(64, eventbus.RunFailed)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			run, ok := ev.Data.(eventbus.RunEvent)
			if !ok {
				continue
			}
			_ = svc.Notify(ctx, Alert{Text: formatFailure(run), Key: run.JobKey + "|" + run.Error})
		}
	}
}

func formatFailure(run eventbus.RunEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "job %s failed", run.JobKey)
	if run.AppName != "" {
		fmt.Fprintf(&b, " [%s]", run.AppName)
	}
	fmt.Fprintf(&b, "\ntrigger: %s at %s", strings.ToLower(run.TriggerType), run.TriggerTime.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&b, "\nduration: %s", run.Duration.Round(1e6))
	if run.TraceID != "" {
		fmt.Fprintf(&b, "\ntrace: %s", run.TraceID)
	}
	if msg := run.Error; msg != "" {
		if len(msg) > maxErrorText {
			msg = msg[:maxErrorText] + "..."
		}
		b.WriteString("\nerror: " + msg)
	}
	return b.String()
}
