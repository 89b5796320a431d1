// Package analytics keeps per-job run counters in Redis, bucketed by time window.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"uniops/internal/errors"
	"uniops/internal/eventbus"
)

type Config struct {
	Prefix    string
	Window    time.Duration // 1m, 5m or 1h
	Retention time.Duration
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = "uniops"
	}
	if c.Window <= 0 {
		c.Window = time.Hour
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	return c
}

// Writer records one completed run.
type Writer interface {
	Write(ctx context.Context, ev eventbus.RunEvent, failed bool) error
}

type RedisSink struct {
	client redis.Cmdable
	cfg    Config
}

func NewRedisSink(client redis.Cmdable, cfg Config) *RedisSink {
	return &RedisSink{client: client, cfg: cfg.withDefaults()}
}

// Write increments the job and app counters for the run's bucket.
func (s *RedisSink) Write(ctx context.Context, ev eventbus.RunEvent, failed bool) error {
	outcome := "success"
	if failed {
		outcome = "failed"
	}
	keys := []string{buildKey(s.cfg.Prefix, "j", ev.JobKey, outcome, ev.TriggerTime, s.cfg.Window)}
	if ev.AppName != "" {
		keys = append(keys, buildKey(s.cfg.Prefix, "a", ev.AppName, outcome, ev.TriggerTime, s.cfg.Window))
	}

	pipe := s.client.Pipeline()
	for _, k := range keys {
		pipe.Incr(ctx, k)
		pipe.Expire(ctx, k, s.cfg.Retention)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "redis pipeline")
	}
	return nil
}

// Count reads one bucket counter; a missing key counts as zero.
func (s *RedisSink) Count(ctx context.Context, job, outcome string, at time.Time) (int64, error) {
	n, err := s.client.Get(ctx, buildKey(s.cfg.Prefix, "j", job, outcome, at, s.cfg.Window)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func buildKey(prefix, scope, id, outcome string, t time.Time, window time.Duration) string {
	return fmt.Sprintf("%s:%s:%s:%s:%s", prefix, scope, id, outcome, truncateToBucket(t, window))
}

func truncateToBucket(t time.Time, window time.Duration) string {
	t = t.UTC()
	switch window {
	case time.Minute:
		return t.Format("200601021504")
	case 5 * time.Minute:
		minute := (t.Minute() / 5) * 5
		return t.Format("2006010215") + fmt.Sprintf("%02d", minute)
	case time.Hour:
		return t.Format("2006010215")
	default:
		return t.Format("200601021504")
	}
}
