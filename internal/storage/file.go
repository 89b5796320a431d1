package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"uniops/internal/errors"
	logx "uniops/pkg/logx"
)

// fileStore persists the in-memory state without a database.
//
// Files:
//   - <prefix>.snapshot.json (full state, replaced atomically)
//   - <prefix>.journal.jsonl (append-only changes since the snapshot)
//
// The journal is compacted into the snapshot every compactEvery writes,
// after a purge and on Close.
type fileStore struct {
	*memStore

	log logx.Logger

	mu           sync.Mutex
	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int
}

type fileSnapshot struct {
	Configs      []JobConfig `json:"configs"`
	Runs         []RunRecord `json:"runs"`
	NextConfigID int64       `json:"next_config_id"`
	NextRunID    int64       `json:"next_run_id"`
}

type journalOp string

const (
	opConfig journalOp = "config"
	opRun    journalOp = "run"
	opPurge  journalOp = "purge"
)

type journalRecord struct {
	Op     journalOp  `json:"op"`
	Config *JobConfig `json:"config,omitempty"`
	Run    *RunRecord `json:"run,omitempty"`
	Before int64      `json:"before,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	mem := newMemStore()
	if err := loadSnapshot(snapPath, mem); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "load %s", snapPath)
	}
	if err := replayJournal(journalPath, mem); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "replay %s", journalPath)
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		memStore:     mem,
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		compactEvery: 1000,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

func (s *fileStore) InsertConfig(ctx context.Context, c *JobConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	cp, err := s.memStore.insertConfig(ctx, c)
	if err != nil {
		return err
	}
	return s.appendLocked(journalRecord{Op: opConfig, Config: &cp})
}

func (s *fileStore) UpdateConfig(ctx context.Context, c *JobConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	cp, err := s.memStore.updateConfig(ctx, c)
	if err != nil {
		return err
	}
	return s.appendLocked(journalRecord{Op: opConfig, Config: &cp})
}

func (s *fileStore) TouchFire(ctx context.Context, key string, last, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	cp, err := s.memStore.touchFire(ctx, key, last, next)
	if err != nil {
		return err
	}
	return s.appendLocked(journalRecord{Op: opConfig, Config: &cp})
}

func (s *fileStore) SetNextFire(ctx context.Context, key string, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	cp, err := s.memStore.setNextFire(ctx, key, next)
	if err != nil {
		return err
	}
	return s.appendLocked(journalRecord{Op: opConfig, Config: &cp})
}

func (s *fileStore) InsertRun(ctx context.Context, r *RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	cp, err := s.memStore.insertRun(ctx, r)
	if err != nil {
		return err
	}
	return s.appendLocked(journalRecord{Op: opRun, Run: &cp})
}

func (s *fileStore) UpdateRun(ctx context.Context, r RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	cp, err := s.memStore.updateRun(ctx, r)
	if err != nil {
		return err
	}
	return s.appendLocked(journalRecord{Op: opRun, Run: &cp})
}

func (s *fileStore) PurgeRuns(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return 0, ErrClosed
	}
	n, err := s.memStore.PurgeRuns(ctx, before)
	if err != nil || n == 0 {
		return n, err
	}
	if err := s.compactLocked(); err != nil {
		// the journal still lets a restart reach the same state
		s.log.Warn("file store compact failed", logx.Err(err))
		return n, s.appendLocked(journalRecord{Op: opPurge, Before: before.UnixMilli()})
	}
	return n, nil
}

func (s *fileStore) appendLocked(rec journalRecord) error {
	if err := json.NewEncoder(s.journal).Encode(rec); err != nil {
		return err
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("file store compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	snap := s.memStore.snapshot()

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, into *memStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, c := range snap.Configs {
		into.putConfig(c)
	}
	for _, r := range snap.Runs {
		into.putRun(r)
	}
	if snap.NextConfigID > into.nextConfigID {
		into.nextConfigID = snap.NextConfigID
	}
	if snap.NextRunID > into.nextRunID {
		into.nextRunID = snap.NextRunID
	}
	return nil
}

// replayJournal applies records in order. A torn trailing line is ignored.
func replayJournal(path string, into *memStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var rec journalRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		switch rec.Op {
		case opConfig:
			if rec.Config != nil && rec.Config.ID > 0 {
				into.putConfig(*rec.Config)
			}
		case opRun:
			if rec.Run != nil && rec.Run.ID > 0 {
				into.putRun(*rec.Run)
			}
		case opPurge:
			_, _ = into.PurgeRuns(context.Background(), time.UnixMilli(rec.Before))
		}
	}
	return sc.Err()
}
