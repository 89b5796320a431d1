// Package httpd serves the diagnostics endpoints: /healthz, /metrics and pprof.
package httpd

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"uniops/internal/errors"
	rtsup "uniops/internal/runtime/supervisor"
	logx "uniops/pkg/logx"
)

// Config controls the diagnostics server.
//
// Non-loopback binds need Token or AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Metrics       bool
	Pprof         bool
	PprofPrefix   string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	MutexProfileFraction int
	BlockProfileRate     int
}

// Health reports readiness. A nil Health is always ready.
type Health func() (ready bool, detail map[string]any)

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config

	gatherer prometheus.Gatherer
	health   Health

	srv      *http.Server
	addr     string
	sup      *rtsup.Supervisor
	stopDone chan struct{}
}

func New(cfg Config, gatherer prometheus.Gatherer, health Health, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, gatherer: gatherer, health: health, log: log.With(logx.String("comp", "httpd"))}
}

// Addr returns the bound listen address, empty when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start is idempotent. The listener runs under a restart loop.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.sup != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	if s.cfg.Pprof {
		applyRuntimeRates(s.cfg)
	}
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("http.serve", s.serveOnce,
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv, sup := s.srv, s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		if srv != nil {
			_ = srv.Shutdown(ctx)
			_ = srv.Close()
		}
		sup.Cancel()
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.srv, s.sup, s.stopDone, s.addr = nil, nil, nil, ""
		s.mu.Unlock()
		s.log.Info("diagnostics server stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = "127.0.0.1:9464"
	}
	if !cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(addr) {
		s.log.Error("refusing non-loopback bind without token or allow_insecure", logx.String("addr", addr))
		return errors.New("httpd refused to start: insecure bind")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return errors.Wrapf(err, "listen %s", addr)
	}
	defer func() { _ = ln.Close() }()

	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  cur.ReadTimeout,
		WriteTimeout: cur.WriteTimeout,
		IdleTimeout:  cur.IdleTimeout,
	}
	defer func() { _ = srv.Close() }()

	s.mu.Lock()
	s.srv = srv
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("diagnostics server started", logx.String("addr", ln.Addr().String()),
		logx.Bool("metrics", cur.Metrics), logx.Bool("pprof", cur.Pprof), logx.Bool("token_set", cur.Token != ""))

	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv, s.addr = nil, ""
	}
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("httpd server exited unexpectedly")
	}
	return err
}

// Handler builds the mux for the current config.
func (s *Service) Handler() http.Handler {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()

	mux := http.NewServeMux()
	wrap := func(h http.Handler) http.Handler { return withAuth(cur.Token, h) }

	// liveness probes stay unauthenticated
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ready, detail := true, map[string]any(nil)
		if s.health != nil {
			ready, detail = s.health()
		}
		body := map[string]any{"ready": ready}
		for k, v := range detail {
			body[k] = v
		}
		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(body)
	})

	if cur.Metrics && s.gatherer != nil {
		mux.Handle("/metrics", wrap(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	if cur.Pprof {
		prefix := normalizePrefix(cur.PprofPrefix)
		base := strings.TrimSuffix(prefix, "/")
		mux.Handle(prefix, wrap(pprofIndexAt(prefix)))
		mux.Handle(base+"/cmdline", wrap(http.HandlerFunc(hpprof.Cmdline)))
		mux.Handle(base+"/profile", wrap(http.HandlerFunc(hpprof.Profile)))
		mux.Handle(base+"/symbol", wrap(http.HandlerFunc(hpprof.Symbol)))
		mux.Handle(base+"/trace", wrap(http.HandlerFunc(hpprof.Trace)))
	}
	return mux
}

func applyRuntimeRates(cfg Config) {
	if cfg.MutexProfileFraction > 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			got = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		}
		if got != tok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = "/debug/pprof/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// pprof.Index only serves paths rooted at /debug/pprof/.
func pprofIndexAt(prefix string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + strings.TrimPrefix(r.URL.Path, prefix)
		hpprof.Index(w, r2)
	})
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil || h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
