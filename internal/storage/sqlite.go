package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"notifyd/internal/notification"
	logx "notifyd/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// sqliteStore keeps one row per outcome: indexed columns for ordering and
// pruning, the full record as JSON in data.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Put(ctx context.Context, o notification.Outcome) error {
	if strings.TrimSpace(o.ID) == "" {
		return ErrInvalidID
	}
	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	var sentAt any
	if o.SentAt != nil {
		sentAt = o.SentAt.UnixNano()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO outcomes(id, status, created_at, sent_at, data) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, created_at=excluded.created_at,
		   sent_at=excluded.sent_at, data=excluded.data`,
		o.ID, string(o.Status), o.CreatedAt.UnixNano(), sentAt, string(data),
	)
	return err
}

func (s *sqliteStore) Get(ctx context.Context, id string) (notification.Outcome, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM outcomes WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return notification.Outcome{}, false, nil
	}
	if err != nil {
		return notification.Outcome{}, false, err
	}
	var o notification.Outcome
	if err := json.Unmarshal([]byte(data), &o); err != nil {
		return notification.Outcome{}, false, fmt.Errorf("decode outcome %s: %w", id, err)
	}
	return o, true, nil
}

func (s *sqliteStore) List(ctx context.Context, limit int) ([]notification.Outcome, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, data FROM outcomes ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []notification.Outcome{}
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		var o notification.Outcome
		if err := json.Unmarshal([]byte(data), &o); err != nil {
			s.log.Warn("skipping undecodable outcome", logx.String("id", id), logx.Err(err))
			continue
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Prune(ctx context.Context, olderThan time.Time, keep int) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var removed int64
	if !olderThan.IsZero() {
		res, err := tx.ExecContext(ctx, `DELETE FROM outcomes WHERE created_at < ?`, olderThan.UnixNano())
		if err != nil {
			return 0, err
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	if keep > 0 {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM outcomes WHERE id IN (
			   SELECT id FROM outcomes ORDER BY created_at DESC, id DESC LIMIT -1 OFFSET ?)`, keep)
		if err != nil {
			return 0, err
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(removed), nil
}
