package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"notifyd/internal/notification"
	logx "notifyd/pkg/logx"
)

// fileStore keeps every outcome in memory and makes it durable with two files:
//   - <prefix>.outcomes.snapshot.json (full state, rewritten on compaction)
//   - <prefix>.outcomes.journal.jsonl (append-only put/delete records)
//
// Open loads the snapshot and replays the journal on top of it.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	m            map[string]notification.Outcome

	writes       int
	compactEvery int
}

type journalRecord struct {
	Op      string                `json:"op"` // "put" | "del"
	ID      string                `json:"id,omitempty"`
	Outcome *notification.Outcome `json:"outcome,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".outcomes.snapshot.json"
	journalPath := prefix + ".outcomes.journal.jsonl"

	m := map[string]notification.Outcome{}
	if err := loadSnapshot(snapPath, m); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	replayed, err := replayJournal(journalPath, m)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	log.Debug("file store opened", logx.String("path", prefix), logx.Int("outcomes", len(m)), logx.Int("replayed", replayed))

	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		m:            m,
		compactEvery: 1000,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) Put(ctx context.Context, o notification.Outcome) error {
	_ = ctx
	if strings.TrimSpace(o.ID) == "" {
		return ErrInvalidID
	}
	cp := o.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(journalRecord{Op: "put", Outcome: &cp}); err != nil {
		return err
	}
	s.m[cp.ID] = cp

	s.writes++
	if s.compactEvery > 0 && s.writes%s.compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("outcome compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Get(ctx context.Context, id string) (notification.Outcome, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return notification.Outcome{}, false, ErrClosed
	}
	o, ok := s.m[id]
	if !ok {
		return notification.Outcome{}, false, nil
	}
	return o.Clone(), true, nil
}

func (s *fileStore) List(ctx context.Context, limit int) ([]notification.Outcome, error) {
	_ = ctx
	s.mu.Lock()
	if s.journal == nil {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	out := make([]notification.Outcome, 0, len(s.m))
	for _, o := range s.m {
		out = append(out, o.Clone())
	}
	s.mu.Unlock()

	sortNewestFirst(out)
	return out[:clampLimit(limit, len(out))], nil
}

// Prune drops victims from memory and compacts, so deleted outcomes never
// come back on replay.
func (s *fileStore) Prune(ctx context.Context, olderThan time.Time, keep int) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return 0, ErrClosed
	}
	all := make([]notification.Outcome, 0, len(s.m))
	for _, o := range s.m {
		all = append(all, o)
	}
	sortNewestFirst(all)
	victims := pruneVictims(all, olderThan, keep)
	if len(victims) == 0 {
		return 0, nil
	}
	for _, id := range victims {
		delete(s.m, id)
	}
	if err := s.compactLocked(); err != nil {
		// Fall back to tombstones so the journal still converges.
		enc := json.NewEncoder(s.journal)
		for _, id := range victims {
			if werr := enc.Encode(journalRecord{Op: "del", ID: id}); werr != nil {
				return len(victims), errors.Join(err, werr)
			}
		}
		s.log.Warn("outcome compact failed; wrote tombstones", logx.Err(err))
	}
	return len(victims), nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := json.NewEncoder(w).Encode(s.m); err != nil {
		_ = f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func loadSnapshot(path string, out map[string]notification.Outcome) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]notification.Outcome
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]notification.Outcome) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	n := 0
	for s.Scan() {
		var r journalRecord
		if err := json.Unmarshal(s.Bytes(), &r); err != nil {
			// Torn tail after a crash; skip.
			continue
		}
		switch r.Op {
		case "put":
			if r.Outcome != nil && r.Outcome.ID != "" {
				out[r.Outcome.ID] = *r.Outcome
				n++
			}
		case "del":
			delete(out, r.ID)
			n++
		}
	}
	return n, s.Err()
}
