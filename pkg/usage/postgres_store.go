package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStorage implements Storage using PostgreSQL.
type PostgresStorage struct {
	db *sql.DB
}

func NewPostgresStorage(db *sql.DB) *PostgresStorage {
	return &PostgresStorage{db: db}
}

// Migrate creates the usage table if it does not exist.
func (s *PostgresStorage) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS usage_ledger (
			ledger_id TEXT PRIMARY KEY,
			window_start TIMESTAMPTZ NOT NULL,
			executions_this_window BIGINT NOT NULL DEFAULT 0,
			day_start TIMESTAMPTZ NOT NULL,
			executions_today BIGINT NOT NULL DEFAULT 0,
			stored_items BIGINT NOT NULL DEFAULT 0
		)`)
	if err != nil {
		return fmt.Errorf("failed to migrate usage ledger: %w", err)
	}
	return nil
}

func (s *PostgresStorage) Get(ctx context.Context, id string) (*Data, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT window_start, executions_this_window, day_start, executions_today, stored_items FROM usage_ledger WHERE ledger_id = $1",
		id)

	var d Data
	err := row.Scan(&d.WindowStart, &d.ExecutionsThisWindow, &d.DayStart, &d.ExecutionsToday, &d.StoredItems)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}
	d.WindowStart = d.WindowStart.UTC()
	d.DayStart = d.DayStart.UTC()
	return &d, nil
}

func (s *PostgresStorage) Set(ctx context.Context, id string, d *Data) error {
	query := `
		INSERT INTO usage_ledger (ledger_id, window_start, executions_this_window, day_start, executions_today, stored_items)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (ledger_id) DO UPDATE SET
			window_start = EXCLUDED.window_start,
			executions_this_window = EXCLUDED.executions_this_window,
			day_start = EXCLUDED.day_start,
			executions_today = EXCLUDED.executions_today,
			stored_items = EXCLUDED.stored_items
	`
	_, err := s.db.ExecContext(ctx, query, id, d.WindowStart, d.ExecutionsThisWindow, d.DayStart, d.ExecutionsToday, d.StoredItems)
	if err != nil {
		return fmt.Errorf("failed to persist usage: %w", err)
	}
	return nil
}
