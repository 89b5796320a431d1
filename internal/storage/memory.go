package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memStore keeps everything in maps. The file driver layers a journal on top of it.
type memStore struct {
	mu sync.RWMutex

	configs map[int64]*JobConfig
	byKey   map[string]int64
	runs    map[int64]*RunRecord

	nextConfigID int64
	nextRunID    int64

	now func() time.Time
}

// NewMemory returns an empty process-local store.
func NewMemory() Store { return newMemStore() }

func newMemStore() *memStore {
	return &memStore{
		configs: map[int64]*JobConfig{},
		byKey:   map[string]int64{},
		runs:    map[int64]*RunRecord{},
		now:     time.Now,
	}
}

func (m *memStore) Close() error { return nil }

func (m *memStore) GetConfig(_ context.Context, key string) (JobConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byKey[key]
	if !ok {
		return JobConfig{}, ErrNotFound
	}
	return *m.configs[id], nil
}

func (m *memStore) InsertConfig(ctx context.Context, c *JobConfig) error {
	_, err := m.insertConfig(ctx, c)
	return err
}

func (m *memStore) insertConfig(_ context.Context, c *JobConfig) (JobConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byKey[c.Key()]; ok {
		return JobConfig{}, ErrDuplicate
	}
	m.nextConfigID++
	now := m.now()
	c.ID = m.nextConfigID
	c.CreatedAt, c.UpdatedAt = now, now
	if c.Monitor == "" {
		c.Monitor = MonitorEnabled
	}
	cp := *c
	m.configs[cp.ID] = &cp
	m.byKey[cp.Key()] = cp.ID
	return cp, nil
}

func (m *memStore) UpdateConfig(ctx context.Context, c *JobConfig) error {
	_, err := m.updateConfig(ctx, c)
	return err
}

func (m *memStore) updateConfig(_ context.Context, c *JobConfig) (JobConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[c.Key()]
	if !ok {
		return JobConfig{}, ErrNotFound
	}
	cur := m.configs[id]
	c.ID, c.CreatedAt = cur.ID, cur.CreatedAt
	c.UpdatedAt = m.now()
	// fire times belong to TouchFire
	c.LastFireAt, c.NextFireAt = cur.LastFireAt, cur.NextFireAt
	cp := *c
	m.configs[id] = &cp
	return cp, nil
}

func (m *memStore) ListConfigs(_ context.Context, f JobFilter, offset, limit int) ([]JobConfig, int, error) {
	offset, limit = clampPage(offset, limit)
	m.mu.RLock()
	out := make([]JobConfig, 0, len(m.configs))
	for _, c := range m.configs {
		if f.match(*c) {
			out = append(out, *c)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return window(out, offset, limit), len(out), nil
}

func (m *memStore) TouchFire(ctx context.Context, key string, last, next time.Time) error {
	_, err := m.touchFire(ctx, key, last, next)
	return err
}

func (m *memStore) touchFire(_ context.Context, key string, last, next time.Time) (JobConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[key]
	if !ok {
		return JobConfig{}, ErrNotFound
	}
	c := m.configs[id]
	c.LastFireAt, c.NextFireAt = last, next
	return *c, nil
}

func (m *memStore) SetNextFire(ctx context.Context, key string, next time.Time) error {
	_, err := m.setNextFire(ctx, key, next)
	return err
}

func (m *memStore) setNextFire(_ context.Context, key string, next time.Time) (JobConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[key]
	if !ok {
		return JobConfig{}, ErrNotFound
	}
	c := m.configs[id]
	c.NextFireAt = next
	return *c, nil
}

func (m *memStore) InsertRun(ctx context.Context, r *RunRecord) error {
	_, err := m.insertRun(ctx, r)
	return err
}

func (m *memStore) insertRun(_ context.Context, r *RunRecord) (RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRunID++
	r.ID = m.nextRunID
	if r.TriggerTime.IsZero() {
		r.TriggerTime = m.now()
	}
	cp := *r
	m.runs[cp.ID] = &cp
	return cp, nil
}

func (m *memStore) UpdateRun(ctx context.Context, r RunRecord) error {
	_, err := m.updateRun(ctx, r)
	return err
}

func (m *memStore) updateRun(_ context.Context, r RunRecord) (RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.runs[r.ID]
	if !ok {
		return RunRecord{}, ErrNotFound
	}
	cur.Status, cur.DurationMs, cur.ExceptionMsg = r.Status, r.DurationMs, r.ExceptionMsg
	return *cur, nil
}

func (m *memStore) ListRuns(_ context.Context, f RunFilter, offset, limit int) ([]RunRecord, int, error) {
	offset, limit = clampPage(offset, limit)
	out := m.filterRuns(f)
	return window(out, offset, limit), len(out), nil
}

func (m *memStore) RecentFailures(_ context.Context, limit int) ([]RunRecord, error) {
	_, limit = clampPage(0, limit)
	return window(m.filterRuns(RunFilter{Status: RunFailed}), 0, limit), nil
}

func (m *memStore) filterRuns(f RunFilter) []RunRecord {
	m.mu.RLock()
	out := make([]RunRecord, 0, len(m.runs))
	for _, r := range m.runs {
		if f.match(*r) {
			out = append(out, *r)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TriggerTime.Equal(out[j].TriggerTime) {
			return out[i].TriggerTime.After(out[j].TriggerTime)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (m *memStore) PurgeRuns(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, r := range m.runs {
		if r.TriggerTime.Before(before) {
			delete(m.runs, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) Summary(context.Context) (Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var s Summary
	for _, r := range m.runs {
		s.add(r.Status, 1)
	}
	return s, nil
}

func (m *memStore) HourlyCounts(_ context.Context, from time.Time, hours int) ([]HourlyCount, error) {
	out := newHourly(from, hours)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.runs {
		d := r.TriggerTime.Sub(from)
		if d < 0 {
			continue
		}
		if h := int(d / time.Hour); h < hours {
			out[h].add(r.Status, 1)
		}
	}
	return out, nil
}

// snapshot and restore are used by the file driver.
func (m *memStore) snapshot() fileSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := fileSnapshot{NextConfigID: m.nextConfigID, NextRunID: m.nextRunID}
	for _, c := range m.configs {
		s.Configs = append(s.Configs, *c)
	}
	for _, r := range m.runs {
		s.Runs = append(s.Runs, *r)
	}
	sort.Slice(s.Configs, func(i, j int) bool { return s.Configs[i].ID < s.Configs[j].ID })
	sort.Slice(s.Runs, func(i, j int) bool { return s.Runs[i].ID < s.Runs[j].ID })
	return s
}

func (m *memStore) putConfig(c JobConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := c
	m.configs[c.ID] = &cp
	m.byKey[c.Key()] = c.ID
	if c.ID > m.nextConfigID {
		m.nextConfigID = c.ID
	}
}

func (m *memStore) putRun(r RunRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := r
	m.runs[r.ID] = &cp
	if r.ID > m.nextRunID {
		m.nextRunID = r.ID
	}
}

func window[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
