// Package jobs is the Job Registry: application code registers periodic jobs
// explicitly and Discover produces the definitions the task manager reconciles.
package jobs

import (
	"context"
	"strings"

	"uniops/internal/errors"
	"uniops/internal/task/scheduler"
)

// Definition is a periodic job known to the process. Immutable after registration.
type Definition struct {
	Owner       string
	Method      string
	AppName     string
	Description string

	// Spec is the statically declared schedule. Persisted configs override it.
	Spec scheduler.Spec

	Run func(ctx context.Context) error

	// buildErr is why a source could not build this candidate.
	buildErr error
}

// Key is "<owner>.<method>".
func (d Definition) Key() string { return Key(d.Owner, d.Method) }

func Key(owner, method string) string {
	return strings.TrimSpace(owner) + "." + strings.TrimSpace(method)
}

// SplitKey splits a job key at its last dot.
func SplitKey(key string) (owner, method string, ok bool) {
	i := strings.LastIndexByte(key, '.')
	if i <= 0 || i == len(key)-1 {
		return "", "", false
	}
	return key[:i], key[i+1:], true
}

func (d Definition) validate() error {
	if d.buildErr != nil {
		return d.buildErr
	}
	owner, method := strings.TrimSpace(d.Owner), strings.TrimSpace(d.Method)
	switch {
	case owner == "":
		return errors.New("job owner is required")
	case method == "":
		return errors.Newf("job %s: method is required", owner)
	case strings.ContainsAny(method, ". \t"):
		return errors.Newf("job %s: method %q must not contain dots or spaces", owner, method)
	case d.Run == nil:
		return errors.Newf("job %s: callable is nil", d.Key())
	}
	if err := scheduler.Validate(d.Spec); err != nil {
		return errors.Wrapf(err, "job %s", d.Key())
	}
	return nil
}
