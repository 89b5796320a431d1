// Package housekeeping declares the run-record retention job. It is an
// ordinary periodic job; the task manager treats it like any other.
package housekeeping

import (
	"context"
	"math/rand/v2"
	"time"

	"uniops/internal/errors"
	"uniops/internal/jobs"
	"uniops/internal/task/scheduler"
	logx "uniops/pkg/logx"
)

const (
	Owner  = "housekeeping"
	Method = "purgeRuns"

	DefaultRetention = 7 * 24 * time.Hour
	DefaultCron      = "0 0 0 * * *"
	DefaultJitter    = time.Hour
)

// Purger deletes Run Records older than a cutoff.
type Purger interface {
	PurgeRuns(ctx context.Context, before time.Time) (int64, error)
}

type Config struct {
	Retention time.Duration
	Cron      string
	// Jitter is the upper bound of a random wait before purging, so a fleet
	// sharing one database does not purge at the same instant.
	Jitter time.Duration
}

func (c Config) withDefaults() Config {
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.Cron == "" {
		c.Cron = DefaultCron
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	return c
}

type Job struct {
	cfg   Config
	store Purger
	log   logx.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	rand  func(n int64) int64
}

func New(cfg Config, store Purger, log logx.Logger) *Job {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Job{
		cfg:   cfg.withDefaults(),
		store: store,
		log:   log.With(logx.String("comp", "housekeeping")),
		now:   time.Now,
		sleep: sleepCtx,
		rand:  rand.Int64N,
	}
}

// Definition registers the purge as "housekeeping.purgeRuns".
func (j *Job) Definition() jobs.Definition {
	return jobs.Definition{
		Owner:       Owner,
		Method:      Method,
		Description: "delete run records older than " + j.cfg.Retention.String(),
		Spec:        scheduler.Spec{Cron: j.cfg.Cron},
		Run:         j.Run,
	}
}

// Run waits a random jitter, then purges records triggered before now-retention.
// The record of the current run is newer than the cutoff and survives.
func (j *Job) Run(ctx context.Context) error {
	if j.cfg.Jitter > 0 {
		wait := time.Duration(j.rand(int64(j.cfg.Jitter)))
		if err := j.sleep(ctx, wait); err != nil {
			return err
		}
	}
	cutoff := j.now().Add(-j.cfg.Retention)
	n, err := j.store.PurgeRuns(ctx, cutoff)
	if err != nil {
		return errors.Wrap(err, "purge run records")
	}
	j.log.FromContext(ctx).Info("run records purged", logx.Int64("deleted", n), logx.Time("before", cutoff))
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
