package capabilities

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteReplayStore persists consumed ids in SQLite. The primary key makes
// the insert itself the atomic check.
type SQLiteReplayStore struct {
	db *sql.DB
}

// NewSQLiteReplayStore wraps db and creates the table if needed.
func NewSQLiteReplayStore(db *sql.DB) (*SQLiteReplayStore, error) {
	s := &SQLiteReplayStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteReplayStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS consumed_ids (
		id TEXT PRIMARY KEY,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_consumed_ids_expires ON consumed_ids(expires_at);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("capabilities: migrate replay store: %w", err)
	}
	return nil
}

// Consume implements ReplayStore.
func (s *SQLiteReplayStore) Consume(ctx context.Context, id string, expiresAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO consumed_ids (id, expires_at) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`,
		id, expiresAt.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("capabilities: consume: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("capabilities: consume: %w", err)
	}
	return n == 1, nil
}

// Prune implements ReplayStore.
func (s *SQLiteReplayStore) Prune(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM consumed_ids WHERE expires_at < ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("capabilities: prune: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
