// Package app wires the scheduler daemon together and owns its lifecycle.
package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"uniops/internal/analytics"
	"uniops/internal/config"
	"uniops/internal/eventbus"
	"uniops/internal/housekeeping"
	"uniops/internal/jobs"
	"uniops/internal/manager"
	"uniops/internal/metrics"
	"uniops/internal/notifier"
	"uniops/internal/observability/httpd"
	"uniops/internal/ops"
	"uniops/internal/recorder"
	rtsup "uniops/internal/runtime/supervisor"
	"uniops/internal/storage"
	"uniops/internal/task/engine"
	"uniops/internal/task/scheduler"
	"uniops/internal/units"
	logx "uniops/pkg/logx"
)

const sampleEvery = 15 * time.Second

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	engine *engine.Service
	sched  *scheduler.Service
	reg    *jobs.Registry
	rec    *recorder.Recorder
	mgr    *manager.Manager
	ops    *ops.Service

	prom  *prometheus.Registry
	sink  metrics.Sink
	httpd *httpd.Service
	notif *notifier.Service
	redis *redis.Client
	stats analytics.Writer
	units *units.Manager
}

// New loads the config and builds every component. Nothing runs until Start.
// Jobs defined in code are added through Registry before Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.NewConsole("INFO"))
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	cfgm.SetLogger(log)

	a := &App{cfgm: cfgm, log: log.With(logx.String("comp", "app")), logs: logSvc, bus: eventbus.New()}
	if err := a.build(cfg); err != nil {
		a.closeEarly()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	log := a.logs.Logger()

	sc, err := MapStorage(cfg)
	if err != nil {
		return err
	}
	if a.store, err = storage.Open(sc, log); err != nil {
		return err
	}

	engCfg, err := mapEngine(cfg)
	if err != nil {
		return err
	}
	a.engine = engine.New(engCfg, log.With(logx.String("comp", "engine")), a.bus)
	if a.sched, err = scheduler.New(mapScheduler(cfg), a.engine, log.With(logx.String("comp", "scheduler"))); err != nil {
		return err
	}

	a.reg = jobs.NewRegistry(cfg.AppName, log.With(logx.String("comp", "registry")))
	if cfg.Housekeeping.On() {
		hk, err := mapHousekeeping(cfg, engCfg.DefaultTimeout)
		if err != nil {
			return err
		}
		if err := a.reg.Register(housekeeping.New(hk, a.store, log).Definition()); err != nil {
			return err
		}
	}
	declared, err := mapJobs(cfg)
	if err != nil {
		return err
	}
	if len(declared) > 0 {
		rn := jobs.Runners{HTTP: &http.Client{Timeout: 60 * time.Second}}
		for _, d := range declared {
			if d.Unit != "" {
				a.units = units.New()
				rn.Units = a.units
				break
			}
		}
		a.reg.AddSource("config", jobs.DeclaredSource(declared, rn))
	}

	a.rec = recorder.New(a.store, a.bus, log, recorder.Options{})
	a.mgr = manager.New(a.reg, a.store, a.sched, a.rec, a.bus, log)
	a.rec.SetNextFire(a.mgr.NextFire)
	a.ops = ops.New(a.store, a.mgr, a.sched.Location())

	a.prom = prometheus.NewRegistry()
	a.prom.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.sink = metrics.NewPrometheusSink(a.prom, log)

	hc, err := mapHTTP(cfg)
	if err != nil {
		return err
	}
	a.httpd = httpd.New(hc, a.prom, a.health, log)

	nc, err := mapAlerts(cfg)
	if err != nil {
		return err
	}
	if nc.Enabled {
		sender, err := notifier.NewTelegramSender(cfg.Alerts.TelegramToken)
		if err != nil {
			return err
		}
		a.notif = notifier.New(nc, sender, log, a.bus)
	}

	ac, on, err := mapAnalytics(cfg)
	if err != nil {
		return err
	}
	if on {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Analytics.RedisAddr,
			Password: cfg.Analytics.Password,
			DB:       cfg.Analytics.DB,
		})
		a.stats = analytics.NewRedisSink(a.redis, ac)
	}
	return nil
}

// Registry accepts code-defined jobs until Start.
func (a *App) Registry() *jobs.Registry { return a.reg }

// Ops is the control surface for embedding callers.
func (a *App) Ops() *ops.Service { return a.ops }

// Done is closed when the app supervisor stops (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs the pool, reconciles every job and starts the side services.
// A reconcile error for individual jobs is logged; the daemon keeps running.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.engine.Start(run)
	a.sched.Start(run)

	a.sup.Go("metrics.consume", func(c context.Context) error { return metrics.Consume(c, a.bus, a.sink) })
	a.sup.Go("metrics.sample", func(c context.Context) error {
		return metrics.Sample(c, sampleEvery, a.sample, a.sink)
	})
	if a.stats != nil {
		a.sup.Go("analytics.consume", func(c context.Context) error {
			return analytics.Consume(c, a.bus, a.stats, a.log)
		})
	}
	if a.notif != nil {
		a.notif.Start(run)
		a.sup.Go("alerts.watch", func(c context.Context) error { return notifier.WatchFailures(c, a.bus, a.notif) })
	}
	a.httpd.Start(run)
	a.startEventLog()

	if err := a.mgr.Reconcile(ctx); err != nil {
		a.log.Warn("reconcile finished with errors", logx.Err(err))
	}
	a.log.Info("jobs reconciled", logx.Int("live", a.sched.Len()))

	a.startConfigReload()
	a.sup.Go("config.watch", a.cfgm.Watch)

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started")
	return nil
}

func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(128, eventbus.JobScheduled, eventbus.JobSuspended)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				if je, ok := e.Data.(eventbus.JobEvent); ok {
					a.log.Debug("event", logx.String("type", e.Type), logx.Job(je.JobKey), logx.String("spec", je.Spec))
				}
			}
		}
	})
}

// startConfigReload applies logging changes live. Other sections are logged
// as needing a restart.
func (a *App) startConfigReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				sections, attrs := config.SummarizeConfigChange(last, next)
				last = next
				if len(sections) == 0 {
					a.log.Info("config reloaded (no changes)")
					continue
				}
				a.logs.Apply(mapLogging(next))
				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config reloaded", fields...)
				if config.NeedsRestart(sections) {
					a.log.Warn("config sections changed that apply on restart", logx.String("sections", strings.Join(sections, ",")))
				}
			}
		}
	})
}

func (a *App) sample() metrics.Stats {
	snap := a.engine.Snapshot()
	return metrics.Stats{
		QueueLen:    snap.QueueLen,
		QueueCap:    snap.QueueCap,
		InFlight:    snap.InFlight,
		Workers:     snap.Workers,
		LiveHandles: a.sched.Len(),
		BusDropped:  eventbus.Dropped(a.bus),
	}
}

func (a *App) health() (bool, map[string]any) {
	ready := a.mgr.Ready() && a.engine.Running()
	out := map[string]any{
		"reconciled":   a.mgr.Ready(),
		"engine":       a.engine.Running(),
		"live_handles": a.sched.Len(),
	}
	if a.sup != nil {
		out["goroutines"] = a.sup.Counters()
	}
	return ready, out
}

// Stop shuts components down in reverse dependency order. Each step is
// bounded so one stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeEarly()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.sup.Cancel()

	a.step(ctx, "manager", time.Second, func(context.Context) error { a.mgr.Shutdown(); return nil })
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "engine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "httpd", time.Second, func(c context.Context) error { a.httpd.Stop(c); return nil })
	if a.notif != nil {
		a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	}
	if a.redis != nil {
		a.step(ctx, "redis", time.Second, func(context.Context) error { return a.redis.Close() })
	}
	if a.units != nil {
		a.step(ctx, "units", time.Second, func(context.Context) error { return a.units.Close() })
	}
	a.step(ctx, "storage", 2*time.Second, func(context.Context) error { return a.store.Close() })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}

func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}

// closeEarly releases what build managed to open.
func (a *App) closeEarly() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
