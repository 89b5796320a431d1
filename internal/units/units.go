// Package units controls systemd units over D-Bus for unit jobs.
//
// The system bus connection is opened on first use and dropped after a bus
// error, so hosts without systemd only fail the runs that need it.
package units

import (
	"context"
	"strings"
	"sync"

	"github.com/coreos/go-systemd/v22/dbus"

	"uniops/internal/errors"
)

// Actions accepted by Do.
const (
	ActionStart        = "start"
	ActionStop         = "stop"
	ActionRestart      = "restart"
	ActionEnsureActive = "ensure-active"
)

// ValidAction reports whether a is a known action; empty means ensure-active.
func ValidAction(a string) bool {
	switch strings.ToLower(strings.TrimSpace(a)) {
	case "", ActionStart, ActionStop, ActionRestart, ActionEnsureActive:
		return true
	}
	return false
}

// Conn is the part of *dbus.Conn used here.
type Conn interface {
	StartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	StopUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	RestartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	GetUnitPropertyContext(ctx context.Context, unit, propertyName string) (*dbus.Property, error)
	Close()
}

type Manager struct {
	mu   sync.Mutex
	conn Conn
	dial func(ctx context.Context) (Conn, error)
}

func New() *Manager {
	return NewWithDialer(func(ctx context.Context) (Conn, error) {
		c, err := dbus.NewSystemConnectionContext(ctx)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

func NewWithDialer(dial func(ctx context.Context) (Conn, error)) *Manager {
	return &Manager{dial: dial}
}

// Name appends ".service" when unit has no type suffix.
func Name(unit string) string {
	unit = strings.TrimSpace(unit)
	if unit == "" || strings.Contains(unit, ".") {
		return unit
	}
	return unit + ".service"
}

func (m *Manager) get(ctx context.Context) (Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		return m.conn, nil
	}
	c, err := m.dial(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "connect to systemd")
	}
	m.conn = c
	return c, nil
}

// drop forgets c after a bus error; the next call redials.
func (m *Manager) drop(c Conn) {
	m.mu.Lock()
	if m.conn == c {
		m.conn = nil
		c.Close()
	}
	m.mu.Unlock()
}

// Do runs action against unit and waits for systemd's job result.
func (m *Manager) Do(ctx context.Context, unit, action string) error {
	name := Name(unit)
	if name == "" {
		return errors.New("unit name required")
	}
	switch a := strings.ToLower(strings.TrimSpace(action)); a {
	case ActionStart:
		return m.job(ctx, name, a, Conn.StartUnitContext)
	case ActionStop:
		return m.job(ctx, name, a, Conn.StopUnitContext)
	case ActionRestart:
		return m.job(ctx, name, a, Conn.RestartUnitContext)
	case "", ActionEnsureActive:
		return m.ensureActive(ctx, name)
	default:
		return errors.Newf("unit %s: unknown action %q", name, action)
	}
}

// ActiveState returns the unit's ActiveState property (active, failed, ...).
func (m *Manager) ActiveState(ctx context.Context, unit string) (string, error) {
	c, err := m.get(ctx)
	if err != nil {
		return "", err
	}
	p, err := c.GetUnitPropertyContext(ctx, Name(unit), "ActiveState")
	if err != nil {
		m.dropOnBusError(c, err)
		return "", errors.Wrapf(err, "unit %s: read state", Name(unit))
	}
	s, _ := p.Value.Value().(string)
	return s, nil
}

func (m *Manager) ensureActive(ctx context.Context, name string) error {
	st, err := m.ActiveState(ctx, name)
	if err != nil {
		return err
	}
	switch st {
	case "active", "activating", "reloading":
		return nil
	}
	if err := m.job(ctx, name, ActionRestart, Conn.RestartUnitContext); err != nil {
		return errors.Wrapf(err, "unit was %s", st)
	}
	return nil
}

type jobFunc func(c Conn, ctx context.Context, name, mode string, ch chan<- string) (int, error)

func (m *Manager) job(ctx context.Context, name, action string, fn jobFunc) error {
	c, err := m.get(ctx)
	if err != nil {
		return err
	}
	done := make(chan string, 1)
	if _, err := fn(c, ctx, name, "replace", done); err != nil {
		m.dropOnBusError(c, err)
		return errors.Wrapf(err, "unit %s: %s", name, action)
	}
	select {
	case res := <-done:
		if res != "done" {
			return errors.Newf("unit %s: %s job %s", name, action, res)
		}
		return nil
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "unit %s: %s", name, action)
	}
}

// Unit errors come back as D-Bus error replies; only transport failures
// warrant a new connection.
func (m *Manager) dropOnBusError(c Conn, err error) {
	if strings.Contains(err.Error(), "org.freedesktop.systemd1.") {
		return
	}
	m.drop(c)
}

func (m *Manager) Close() error {
	m.mu.Lock()
	c := m.conn
	m.conn = nil
	m.mu.Unlock()
	if c != nil {
		c.Close()
	}
	return nil
}
