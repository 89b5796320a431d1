package analytics

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"uniops/internal/eventbus"
	logx "uniops/pkg/logx"
)

// Consume writes every finished or failed run to w until ctx ends.
// Write failures are logged at most once per 30s.
func Consume(ctx context.Context, bus eventbus.Bus, w Writer, log logx.Logger) error {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "analytics"))
	limiter := rate.NewLimiter(rate.Every(30*time.Second), 1)

	ch, unsub := bus.Subscribe(256, eventbus.RunFinished, eventbus.RunFailed)
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
			wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := w.Write(wctx, run, ev.Type == eventbus.RunFailed)
			cancel()
			if err != nil && limiter.Allow() {
				log.Warn("analytics write failed", logx.Job(run.JobKey), logx.Err(err))
			}
		}
	}
}
