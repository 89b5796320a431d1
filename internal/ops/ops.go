// Package ops is the control surface offered to admin layers: paginated
// listings over the config store plus the task manager's control operations.
package ops

import (
	"context"
	"time"

	"uniops/internal/errors"
	"uniops/internal/manager"
	"uniops/internal/storage"
	"uniops/internal/task/scheduler"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 500
	DefaultFailures = 10
)

type (
	JobFilter = storage.JobFilter
	RunFilter = storage.RunFilter
)

// Controller is the task manager as seen by ops.
type Controller interface {
	UpdateSchedule(ctx context.Context, key string, spec scheduler.Spec) error
	Enable(ctx context.Context, key string) error
	Disable(ctx context.Context, key string) error
	Restore(ctx context.Context, key string) error
	SetMonitor(ctx context.Context, key string, enabled bool) error
	TriggerManual(ctx context.Context, key string) error
	Status(ctx context.Context, key string) (manager.Status, error)
	StatusAll(ctx context.Context) ([]manager.Status, error)
}

// Page is one page of a listing. Page numbers start at 1.
type Page[T any] struct {
	Items    []T `json:"items"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
	Pages    int `json:"pages"`
}

type Service struct {
	store storage.Store
	ctl   Controller
	loc   *time.Location
}

// New builds the control surface. loc sets day boundaries for HourlyStats; nil means local.
func New(store storage.Store, ctl Controller, loc *time.Location) *Service {
	if loc == nil {
		loc = time.Local
	}
	return &Service{store: store, ctl: ctl, loc: loc}
}

func normalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	switch {
	case size <= 0:
		size = DefaultPageSize
	case size > MaxPageSize:
		size = MaxPageSize
	}
	return page, size
}

func newPage[T any](items []T, total, page, size int) Page[T] {
	if items == nil {
		items = []T{}
	}
	return Page[T]{Items: items, Total: total, Page: page, PageSize: size, Pages: (total + size - 1) / size}
}

// ListJobs lists Job Configs ordered by id.
func (s *Service) ListJobs(ctx context.Context, f JobFilter, page, pageSize int) (Page[storage.JobConfig], error) {
	page, pageSize = normalizePage(page, pageSize)
	items, total, err := s.store.ListConfigs(ctx, f, (page-1)*pageSize, pageSize)
	if err != nil {
		return Page[storage.JobConfig]{}, errors.Wrap(err, "list jobs")
	}
	return newPage(items, total, page, pageSize), nil
}

// ListRuns lists Run Records, newest trigger first.
func (s *Service) ListRuns(ctx context.Context, f RunFilter, page, pageSize int) (Page[storage.RunRecord], error) {
	page, pageSize = normalizePage(page, pageSize)
	items, total, err := s.store.ListRuns(ctx, f, (page-1)*pageSize, pageSize)
	if err != nil {
		return Page[storage.RunRecord]{}, errors.Wrap(err, "list runs")
	}
	return newPage(items, total, page, pageSize), nil
}

// RecentFailures returns up to limit FAILED runs, newest first.
func (s *Service) RecentFailures(ctx context.Context, limit int) ([]storage.RunRecord, error) {
	switch {
	case limit <= 0:
		limit = DefaultFailures
	case limit > MaxPageSize:
		limit = MaxPageSize
	}
	out, err := s.store.RecentFailures(ctx, limit)
	if err != nil {
		return nil, errors.Wrap(err, "recent failures")
	}
	if out == nil {
		out = []storage.RunRecord{}
	}
	return out, nil
}

func (s *Service) UpdateConfig(ctx context.Context, key string, spec scheduler.Spec) error {
	return s.ctl.UpdateSchedule(ctx, key, spec)
}

func (s *Service) EnableJob(ctx context.Context, key string) error  { return s.ctl.Enable(ctx, key) }
func (s *Service) DisableJob(ctx context.Context, key string) error { return s.ctl.Disable(ctx, key) }
func (s *Service) RestoreJob(ctx context.Context, key string) error { return s.ctl.Restore(ctx, key) }

// TriggerJob runs key now and waits for it.
func (s *Service) TriggerJob(ctx context.Context, key string) error {
	return s.ctl.TriggerManual(ctx, key)
}

func (s *Service) SetMonitor(ctx context.Context, key string, enabled bool) error {
	return s.ctl.SetMonitor(ctx, key, enabled)
}

func (s *Service) JobStatus(ctx context.Context, key string) (manager.Status, error) {
	return s.ctl.Status(ctx, key)
}

func (s *Service) Jobs(ctx context.Context) ([]manager.Status, error) {
	return s.ctl.StatusAll(ctx)
}
