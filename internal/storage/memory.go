package storage

import (
	"context"
	"strings"
	"sync"
	"time"

	"notifyd/internal/notification"
)

// memoryStore is a lock-guarded map. Entries are cloned on the way in and out.
type memoryStore struct {
	mu     sync.RWMutex
	m      map[string]notification.Outcome
	closed bool
}

func NewMemory() Store {
	return &memoryStore{m: map[string]notification.Outcome{}}
}

func (s *memoryStore) Put(ctx context.Context, o notification.Outcome) error {
	_ = ctx
	if strings.TrimSpace(o.ID) == "" {
		return ErrInvalidID
	}
	cp := o.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.m[o.ID] = cp
	return nil
}

func (s *memoryStore) Get(ctx context.Context, id string) (notification.Outcome, bool, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return notification.Outcome{}, false, ErrClosed
	}
	o, ok := s.m[id]
	if !ok {
		return notification.Outcome{}, false, nil
	}
	return o.Clone(), true, nil
}

func (s *memoryStore) List(ctx context.Context, limit int) ([]notification.Outcome, error) {
	_ = ctx
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	out := make([]notification.Outcome, 0, len(s.m))
	for _, o := range s.m {
		out = append(out, o.Clone())
	}
	s.mu.RUnlock()

	sortNewestFirst(out)
	return out[:clampLimit(limit, len(out))], nil
}

func (s *memoryStore) Prune(ctx context.Context, olderThan time.Time, keep int) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	all := make([]notification.Outcome, 0, len(s.m))
	for _, o := range s.m {
		all = append(all, o)
	}
	sortNewestFirst(all)
	victims := pruneVictims(all, olderThan, keep)
	for _, id := range victims {
		delete(s.m, id)
	}
	return len(victims), nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.m = map[string]notification.Outcome{}
	s.mu.Unlock()
	return nil
}
