package jobs

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"uniops/internal/errors"
	"uniops/internal/task/scheduler"
)

// Declared is a job described in configuration rather than code.
// Exactly one of Command, URL or Unit is set.
type Declared struct {
	Owner       string
	Method      string
	Description string
	Schedule    string // scheduler.ParseSpec syntax

	Command []string
	Dir     string
	Env     []string

	URL      string
	HTTPVerb string
	Body     string
	Timeout  time.Duration

	Unit       string
	UnitAction string
}

// UnitController runs an action against a systemd unit.
type UnitController interface {
	Do(ctx context.Context, unit, action string) error
}

// Runners carries the clients declared jobs run through.
type Runners struct {
	HTTP  *http.Client
	Units UnitController
}

// DeclaredSource turns a declared list into a discovery Source. Entries that
// cannot be built carry the reason, so Discover logs it and skips them.
func DeclaredSource(list []Declared, rn Runners) Source {
	return func(context.Context) ([]Definition, error) {
		out := make([]Definition, 0, len(list))
		for _, d := range list {
			def := Definition{Owner: d.Owner, Method: d.Method, Description: d.Description}
			spec, err := scheduler.ParseSpec(d.Schedule)
			if err != nil {
				err = errors.Wrapf(err, "job %s: schedule", Key(d.Owner, d.Method))
			} else {
				def.Spec = spec
				def.Run, err = d.action(rn)
			}
			if err != nil {
				def.Run, def.buildErr = nil, err
			}
			out = append(out, def)
		}
		return out, nil
	}
}

// Kinds counts how many of command, url and unit are set.
func (d Declared) Kinds() int {
	n := 0
	for _, set := range []bool{len(d.Command) > 0, strings.TrimSpace(d.URL) != "", strings.TrimSpace(d.Unit) != ""} {
		if set {
			n++
		}
	}
	return n
}

func (d Declared) action(rn Runners) (func(ctx context.Context) error, error) {
	if d.Kinds() != 1 {
		return nil, errors.Newf("job %s: exactly one of command, url or unit is required", Key(d.Owner, d.Method))
	}
	switch {
	case len(d.Command) > 0:
		return Command(d.Command, d.Dir, d.Env), nil
	case strings.TrimSpace(d.URL) != "":
		return HTTPCall(rn.HTTP, d.HTTPVerb, d.URL, d.Body, d.Timeout), nil
	default:
		if rn.Units == nil {
			return nil, errors.Newf("job %s: unit jobs are unavailable", Key(d.Owner, d.Method))
		}
		return UnitCall(rn.Units, d.Unit, d.UnitAction, d.Timeout), nil
	}
}

// UnitCall applies action to unit; the run fails when systemd's job does.
func UnitCall(uc UnitController, unit, action string, timeout time.Duration) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return uc.Do(ctx, unit, action)
	}
}

// Command runs argv as a child process; a non-zero exit fails the run with the
// tail of its combined output.
func Command(argv []string, dir string, env []string) func(ctx context.Context) error {
	argv = append([]string(nil), argv...)
	return func(ctx context.Context) error {
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Dir = dir
		if len(env) > 0 {
			cmd.Env = append(os.Environ(), env...)
		}
		out, err := cmd.CombinedOutput()
		if err != nil {
			return errors.Wrapf(err, "%s: %s", argv[0], tail(out, 512))
		}
		return nil
	}
}

// HTTPCall issues one request; any non-2xx status fails the run.
func HTTPCall(client *http.Client, verb, url, body string, timeout time.Duration) func(ctx context.Context) error {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	verb = strings.ToUpper(strings.TrimSpace(verb))
	if verb == "" {
		verb = http.MethodPost
	}
	return func(ctx context.Context) error {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		var rd io.Reader
		if body != "" {
			rd = strings.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, verb, url, rd)
		if err != nil {
			return errors.Wrap(err, "build request")
		}
		if body != "" {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := client.Do(req)
		if err != nil {
			return errors.Wrapf(err, "%s %s", verb, url)
		}
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return errors.Newf("%s %s: status %d: %s", verb, url, resp.StatusCode, bytes.TrimSpace(snippet))
		}
		return nil
	}
}

func tail(b []byte, n int) string {
	b = bytes.TrimSpace(b)
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}
