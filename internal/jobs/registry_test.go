package jobs

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uniops/internal/task/scheduler"
	logx "uniops/pkg/logx"
)

func noop(context.Context) error { return nil }

func TestKeyRoundTrip(t *testing.T) {
	t.Parallel()
	key := Key("reporting", "generate")
	assert.Equal(t, "reporting.generate", key)

	owner, method, ok := SplitKey("billing.invoices.close")
	require.True(t, ok)
	assert.Equal(t, "billing.invoices", owner)
	assert.Equal(t, "close", method)

	for _, bad := range []string{"", "nodot", ".x", "x."} {
		_, _, ok := SplitKey(bad)
		assert.False(t, ok, bad)
	}
}

func TestRegisterValidates(t *testing.T) {
	t.Parallel()
	r := NewRegistry("uniops", logx.Nop())
	good := Definition{Owner: "reporting", Method: "generate", Spec: scheduler.Spec{Cron: "0/5 * * * * ?"}, Run: noop}

	require.NoError(t, r.Register(good))
	assert.Error(t, r.Register(good), "duplicate key")

	tests := []struct {
		name string
		def  Definition
	}{
		{"no owner", Definition{Method: "m", Spec: scheduler.Spec{FixedDelay: time.Second}, Run: noop}},
		{"no method", Definition{Owner: "o", Spec: scheduler.Spec{FixedDelay: time.Second}, Run: noop}},
		{"dotted method", Definition{Owner: "o", Method: "a.b", Spec: scheduler.Spec{FixedDelay: time.Second}, Run: noop}},
		{"nil callable", Definition{Owner: "o", Method: "m", Spec: scheduler.Spec{FixedDelay: time.Second}}},
		{"bad spec", Definition{Owner: "o", Method: "m", Spec: scheduler.Spec{Cron: "x", FixedRate: time.Second}, Run: noop}},
	}
	for _, tt := range tests {
		assert.Error(t, r.Register(tt.def), tt.name)
	}

	defs := r.Discover(context.Background())
	require.Len(t, defs, 1)
	assert.Equal(t, "uniops", defs[0].AppName, "app name defaults to the registry's")
}

func TestDiscoverSkipsBadCandidates(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	r := NewRegistry("app", logx.NewWriter(&buf, "debug"))
	r.MustRegister(Definition{Owner: "a", Method: "one", Spec: scheduler.Spec{FixedDelay: time.Second}, Run: noop})

	r.AddSource("broken", func(context.Context) ([]Definition, error) {
		return nil, errors.New("metadata unreadable")
	})
	r.AddSource("panicky", func(context.Context) ([]Definition, error) { panic("oops") })
	r.AddSource("mixed", func(context.Context) ([]Definition, error) {
		return []Definition{
			{Owner: "b", Method: "two", Spec: scheduler.Spec{FixedRate: time.Second}, Run: noop},
			{Owner: "b", Method: "bad", Spec: scheduler.Spec{Cron: "nope"}, Run: noop},
			{Owner: "a", Method: "one", Spec: scheduler.Spec{FixedRate: time.Second}, Run: noop},
			{Owner: "c", Method: "three", Spec: scheduler.Spec{Cron: "@hourly"}, Run: noop},
		}, nil
	})

	defs := r.Discover(context.Background())
	keys := make([]string, 0, len(defs))
	for _, d := range defs {
		keys = append(keys, d.Key())
	}
	assert.Equal(t, []string{"a.one", "b.two", "c.three"}, keys)

	logs := buf.String()
	assert.Contains(t, logs, "job source failed")
	assert.Contains(t, logs, "b.bad")
	assert.Contains(t, logs, "duplicate key")
}

func TestDeclaredHTTPJob(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path == "/fail" {
			http.Error(w, "nope", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	src := DeclaredSource([]Declared{
		{Owner: "hooks", Method: "ok", Schedule: "rate:1m", URL: srv.URL + "/ok"},
		{Owner: "hooks", Method: "fail", Schedule: "rate:1m", URL: srv.URL + "/fail", HTTPVerb: "get"},
		{Owner: "hooks", Method: "both", Schedule: "rate:1m", URL: srv.URL, Command: []string{"true"}},
		{Owner: "hooks", Method: "badspec", Schedule: "rate:soon", URL: srv.URL},
	}, Runners{HTTP: srv.Client()})

	r := NewRegistry("app", logx.Nop())
	r.AddSource("config", src)
	defs := r.Discover(context.Background())
	require.Len(t, defs, 2)

	require.NoError(t, defs[0].Run(context.Background()))
	err := defs[1].Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
	assert.Equal(t, int32(2), hits.Load())
}

func TestCommandAction(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	t.Parallel()
	require.NoError(t, Command([]string{"sh", "-c", "exit 0"}, "", nil)(context.Background()))

	err := Command([]string{"sh", "-c", "echo broken pipe >&2; exit 3"}, "", nil)(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "broken pipe"), err.Error())
}

type unitCalls struct{ got []string }

func (u *unitCalls) Do(_ context.Context, unit, action string) error {
	u.got = append(u.got, unit+":"+action)
	return nil
}

func TestUnitJobs(t *testing.T) {
	t.Parallel()
	decl := []Declared{{Owner: "ops", Method: "nginx", Schedule: "rate:1m", Unit: "nginx", UnitAction: "restart"}}

	var logs bytes.Buffer
	r := NewRegistry("app", logx.NewWriter(&logs, "warn"))
	r.AddSource("config", DeclaredSource(decl, Runners{}))
	require.Empty(t, r.Discover(context.Background()), "unit job without a controller is skipped")
	assert.Contains(t, logs.String(), "unit jobs are unavailable")
	assert.NotContains(t, logs.String(), "callable is nil")

	uc := &unitCalls{}
	r = NewRegistry("app", logx.Nop())
	r.AddSource("config", DeclaredSource(decl, Runners{Units: uc}))
	defs := r.Discover(context.Background())
	require.Len(t, defs, 1)
	require.NoError(t, defs[0].Run(context.Background()))
	assert.Equal(t, []string{"nginx:restart"}, uc.got)
}

func TestDeclaredBuildErrorIsLogged(t *testing.T) {
	t.Parallel()
	var logs bytes.Buffer
	r := NewRegistry("app", logx.NewWriter(&logs, "warn"))
	r.AddSource("config", DeclaredSource([]Declared{
		{Owner: "hooks", Method: "badspec", Schedule: "rate:soon", URL: "http://127.0.0.1:1"},
		{Owner: "hooks", Method: "none", Schedule: "rate:1m"},
	}, Runners{}))
	require.Empty(t, r.Discover(context.Background()))

	out := logs.String()
	assert.Contains(t, out, "job hooks.badspec: schedule")
	assert.Contains(t, out, "exactly one of command, url or unit is required")
	assert.NotContains(t, out, "callable is nil")
}
