package jobs

import (
	"context"
	"strings"
	"sync"

	"uniops/internal/errors"
	logx "uniops/pkg/logx"
)

// Source yields candidate definitions at discovery time (e.g. the jobs list of
// the config file). A Source may fail as a whole; individual bad candidates are
// filtered by Discover.
type Source func(ctx context.Context) ([]Definition, error)

type namedSource struct {
	name string
	fn   Source
}

type Registry struct {
	mu      sync.Mutex
	log     logx.Logger
	appName string

	defs    map[string]Definition
	order   []string
	sources []namedSource
}

func NewRegistry(appName string, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		log:     log,
		appName: strings.TrimSpace(appName),
		defs:    map[string]Definition{},
	}
}

// Register adds a definition. It fails on invalid definitions and duplicate keys.
func (r *Registry) Register(def Definition) error {
	def = r.normalize(def)
	if err := def.validate(); err != nil {
		return err
	}
	key := def.Key()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.defs[key]; dup {
		return errors.Newf("job %s already registered", key)
	}
	r.defs[key] = def
	r.order = append(r.order, key)
	r.log.Debug("job registered", logx.Job(key), logx.String("spec", def.Spec.String()))
	return nil
}

// MustRegister is Register for static wiring; it panics on error.
func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// AddSource adds a candidate provider consulted by every Discover.
func (r *Registry) AddSource(name string, src Source) {
	if src == nil {
		return
	}
	r.mu.Lock()
	r.sources = append(r.sources, namedSource{name: name, fn: src})
	r.mu.Unlock()
}

// Discover returns every registered definition followed by valid source
// candidates. It neither schedules nor persists. A failing candidate or
// source is logged and skipped; the rest are still returned.
func (r *Registry) Discover(ctx context.Context) []Definition {
	r.mu.Lock()
	out := make([]Definition, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.defs[k])
	}
	sources := append([]namedSource(nil), r.sources...)
	r.mu.Unlock()

	seen := make(map[string]struct{}, len(out))
	for _, d := range out {
		seen[d.Key()] = struct{}{}
	}

	for _, src := range sources {
		cands, err := r.collect(ctx, src)
		if err != nil {
			r.log.Warn("job source failed; skipped", logx.String("source", src.name), logx.Err(err))
			continue
		}
		for _, d := range cands {
			d = r.normalize(d)
			if err := d.validate(); err != nil {
				r.log.Warn("job candidate skipped", logx.String("source", src.name), logx.Job(d.Key()), logx.Err(err))
				continue
			}
			if _, dup := seen[d.Key()]; dup {
				r.log.Warn("job candidate skipped: duplicate key", logx.String("source", src.name), logx.Job(d.Key()))
				continue
			}
			seen[d.Key()] = struct{}{}
			out = append(out, d)
		}
	}

	r.log.Debug("discovery finished", logx.Int("jobs", len(out)))
	return out
}

func (r *Registry) collect(ctx context.Context, src namedSource) (defs []Definition, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Newf("source panicked: %v", p)
		}
	}()
	return src.fn(ctx)
}

func (r *Registry) normalize(d Definition) Definition {
	d.Owner = strings.TrimSpace(d.Owner)
	d.Method = strings.TrimSpace(d.Method)
	if strings.TrimSpace(d.AppName) == "" {
		d.AppName = r.appName
	}
	return d
}
