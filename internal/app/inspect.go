package app

import (
	"context"
	"strings"
	"time"

	"uniops/internal/config"
	"uniops/internal/errors"
	"uniops/internal/ops"
	"uniops/internal/storage"
	logx "uniops/pkg/logx"
)

// Inspector is a read-only view over the store a daemon writes to. Control
// operations need the daemon's handle table and are not available here.
type Inspector struct {
	Config *config.Config
	store  storage.Store
	ops    *ops.Service
}

// LoadConfig parses and validates the file without starting anything.
func LoadConfig(ctx context.Context, cfgPath string) (*config.Config, error) {
	m := config.NewManager(cfgPath, logx.Nop())
	m.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })
	return m.Load(ctx)
}

func OpenInspector(ctx context.Context, cfgPath string, log logx.Logger) (*Inspector, error) {
	cfg, err := LoadConfig(ctx, cfgPath)
	if err != nil {
		return nil, err
	}
	sc, err := MapStorage(cfg)
	if err != nil {
		return nil, err
	}
	if sc.Driver == "memory" {
		return nil, errors.New("storage.driver=memory is private to the daemon process")
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return nil, errors.Wrap(err, "scheduler.timezone")
		}
	}
	st, err := storage.Open(sc, log)
	if err != nil {
		return nil, err
	}
	return &Inspector{Config: cfg, store: st, ops: ops.New(st, nil, loc)}, nil
}

func (i *Inspector) ListJobs(ctx context.Context, f ops.JobFilter, page, size int) (ops.Page[storage.JobConfig], error) {
	return i.ops.ListJobs(ctx, f, page, size)
}

func (i *Inspector) ListRuns(ctx context.Context, f ops.RunFilter, page, size int) (ops.Page[storage.RunRecord], error) {
	return i.ops.ListRuns(ctx, f, page, size)
}

func (i *Inspector) RecentFailures(ctx context.Context, limit int) ([]storage.RunRecord, error) {
	return i.ops.RecentFailures(ctx, limit)
}

func (i *Inspector) Summary(ctx context.Context) (storage.Summary, error) { return i.ops.Summary(ctx) }

func (i *Inspector) HourlyStats(ctx context.Context, day time.Time) ([]storage.HourlyCount, error) {
	return i.ops.HourlyStats(ctx, day)
}

// Location is the zone HourlyStats uses for day boundaries.
func (i *Inspector) Location() *time.Location { return i.ops.Location() }

func (i *Inspector) Close() error { return i.store.Close() }
