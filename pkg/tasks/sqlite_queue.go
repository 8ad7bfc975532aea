package tasks

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteQueue persists records in SQLite keyed by dedup key.
type SQLiteQueue struct {
	db    *sql.DB
	clock func() time.Time
}

func NewSQLiteQueue(db *sql.DB) (*SQLiteQueue, error) {
	q := &SQLiteQueue{db: db, clock: time.Now}
	if err := q.migrate(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS background_tasks (
		dedup_key TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		payload_ref TEXT NOT NULL,
		enqueued_at INTEGER NOT NULL,
		seq INTEGER NOT NULL
	);`
	_, err := q.db.ExecContext(context.Background(), query)
	return err
}

func (q *SQLiteQueue) Enqueue(ctx context.Context, kind Kind, payloadRef string) (Record, bool, error) {
	rec, err := newRecord(kind, payloadRef, q.clock())
	if err != nil {
		return Record{}, false, err
	}
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO background_tasks (dedup_key, kind, payload_ref, enqueued_at, seq)
		VALUES (?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM background_tasks))
		ON CONFLICT(dedup_key) DO NOTHING`,
		rec.DedupKey, string(rec.Kind), rec.PayloadRef, rec.EnqueuedAt.UnixMilli())
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to enqueue task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Record{}, false, err
	}
	if n == 1 {
		return rec, true, nil
	}
	existing, err := q.get(ctx, rec.DedupKey)
	if err != nil {
		return Record{}, false, err
	}
	return existing, false, nil
}

func (q *SQLiteQueue) get(ctx context.Context, key string) (Record, error) {
	var rec Record
	var kind string
	var at int64
	err := q.db.QueryRowContext(ctx,
		`SELECT dedup_key, kind, payload_ref, enqueued_at FROM background_tasks WHERE dedup_key = ?`, key).
		Scan(&rec.DedupKey, &kind, &rec.PayloadRef, &at)
	if err != nil {
		return Record{}, fmt.Errorf("failed to load task: %w", err)
	}
	rec.Kind = Kind(kind)
	rec.EnqueuedAt = time.UnixMilli(at).UTC()
	return rec, nil
}

func (q *SQLiteQueue) Pending(ctx context.Context) ([]Record, error) {
	return q.list(ctx, -1)
}

func (q *SQLiteQueue) list(ctx context.Context, limit int) ([]Record, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT dedup_key, kind, payload_ref, enqueued_at FROM background_tasks ORDER BY seq ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var rec Record
		var kind string
		var at int64
		if err := rows.Scan(&rec.DedupKey, &kind, &rec.PayloadRef, &at); err != nil {
			return nil, err
		}
		rec.Kind = Kind(kind)
		rec.EnqueuedAt = time.UnixMilli(at).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (q *SQLiteQueue) Drain(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT dedup_key, kind, payload_ref, enqueued_at FROM background_tasks ORDER BY seq ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	var out []Record
	for rows.Next() {
		var rec Record
		var kind string
		var at int64
		if err := rows.Scan(&rec.DedupKey, &kind, &rec.PayloadRef, &at); err != nil {
			_ = rows.Close()
			return nil, err
		}
		rec.Kind = Kind(kind)
		rec.EnqueuedAt = time.UnixMilli(at).UTC()
		out = append(out, rec)
	}
	_ = rows.Close()

	for _, rec := range out {
		if _, err := tx.ExecContext(ctx, `DELETE FROM background_tasks WHERE dedup_key = ?`, rec.DedupKey); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}
