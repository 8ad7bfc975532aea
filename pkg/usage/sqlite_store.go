package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStorage implements Storage on an embedded SQLite database.
// Timestamps are stored as unix milliseconds.
type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLiteStorage(db *sql.DB) (*SQLiteStorage, error) {
	s := &SQLiteStorage{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS usage_ledger (
		ledger_id TEXT PRIMARY KEY,
		window_start INTEGER NOT NULL,
		executions_this_window INTEGER NOT NULL DEFAULT 0,
		day_start INTEGER NOT NULL,
		executions_today INTEGER NOT NULL DEFAULT 0,
		stored_items INTEGER NOT NULL DEFAULT 0
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStorage) Get(ctx context.Context, id string) (*Data, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT window_start, executions_this_window, day_start, executions_today, stored_items FROM usage_ledger WHERE ledger_id = ?",
		id)
	var d Data
	var windowStart, dayStart int64
	err := row.Scan(&windowStart, &d.ExecutionsThisWindow, &dayStart, &d.ExecutionsToday, &d.StoredItems)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}
	d.WindowStart = time.UnixMilli(windowStart).UTC()
	d.DayStart = time.UnixMilli(dayStart).UTC()
	return &d, nil
}

func (s *SQLiteStorage) Set(ctx context.Context, id string, d *Data) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_ledger (ledger_id, window_start, executions_this_window, day_start, executions_today, stored_items)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(ledger_id) DO UPDATE SET
			window_start = excluded.window_start,
			executions_this_window = excluded.executions_this_window,
			day_start = excluded.day_start,
			executions_today = excluded.executions_today,
			stored_items = excluded.stored_items`,
		id, d.WindowStart.UnixMilli(), d.ExecutionsThisWindow, d.DayStart.UnixMilli(), d.ExecutionsToday, d.StoredItems)
	if err != nil {
		return fmt.Errorf("failed to persist usage: %w", err)
	}
	return nil
}
