package storage

import (
	"context"
	"errors"
	"sort"
	"time"

	"notifyd/internal/notification"
)

var (
	ErrClosed    = errors.New("storage closed")
	ErrInvalidID = errors.New("outcome id is required")
)

// Config configures storage.
//
// Driver values:
//   - "memory" (or empty): in-process map
//   - "file": jsonl journal + snapshot under Path
//   - "sqlite": SQLite database file at Path
//   - "redis": server at URL, keys under KeyPrefix
type Config struct {
	Driver      string
	Path        string
	URL         string
	KeyPrefix   string
	BusyTimeout time.Duration // sqlite only; 0 means default
	DialTimeout time.Duration // redis only; 0 means 5s
}

// Store keeps outcomes by id.
//
// Get reports absence with found=false and a nil error.
// List returns newest first (created_at desc), at most limit entries.
// Prune removes outcomes created before olderThan (zero means no age limit)
// and then the oldest entries beyond keep (0 means no count limit).
type Store interface {
	Put(ctx context.Context, o notification.Outcome) error
	Get(ctx context.Context, id string) (o notification.Outcome, found bool, err error)
	List(ctx context.Context, limit int) ([]notification.Outcome, error)
	Prune(ctx context.Context, olderThan time.Time, keep int) (removed int, err error)
	Close() error
}

// sortNewestFirst orders by created_at desc; ids break ties so pages are stable.
func sortNewestFirst(out []notification.Outcome) {
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
}

// pruneVictims picks ids to drop from a newest-first slice.
func pruneVictims(sorted []notification.Outcome, olderThan time.Time, keep int) []string {
	var ids []string
	kept := 0
	for _, o := range sorted {
		if !olderThan.IsZero() && o.CreatedAt.Before(olderThan) {
			ids = append(ids, o.ID)
			continue
		}
		if keep > 0 && kept >= keep {
			ids = append(ids, o.ID)
			continue
		}
		kept++
	}
	return ids
}

func clampLimit(limit, n int) int {
	if limit <= 0 || limit > n {
		return n
	}
	return limit
}
