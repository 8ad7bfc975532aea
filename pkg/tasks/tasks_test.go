package tasks

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queues(t *testing.T) map[string]Queue {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	sq, err := NewSQLiteQueue(db)
	require.NoError(t, err)
	return map[string]Queue{"memory": NewMemoryQueue(), "sqlite": sq}
}

func TestDedupKey(t *testing.T) {
	a := DedupKey(KindRefreshInboxDigest, "ref-1")
	assert.Len(t, a, 64)
	assert.Equal(t, a, DedupKey(KindRefreshInboxDigest, "ref-1"))
	assert.NotEqual(t, a, DedupKey(KindRefreshTaskDigest, "ref-1"))
	// the separator keeps (kind, ref) boundaries unambiguous
	assert.NotEqual(t, DedupKey("ab", "c"), DedupKey("a", "bc"))
}

func TestQueue_EnqueueIdempotent(t *testing.T) {
	ctx := context.Background()
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			rec, created, err := q.Enqueue(ctx, KindRefreshCalendarDigest, "ref-1")
			require.NoError(t, err)
			assert.True(t, created)

			again, created, err := q.Enqueue(ctx, KindRefreshCalendarDigest, "ref-1")
			require.NoError(t, err)
			assert.False(t, created)
			assert.Equal(t, rec.DedupKey, again.DedupKey)

			_, created, err = q.Enqueue(ctx, KindRefreshInboxDigest, "ref-1")
			require.NoError(t, err)
			assert.True(t, created)

			pending, err := q.Pending(ctx)
			require.NoError(t, err)
			require.Len(t, pending, 2)
			assert.Equal(t, KindRefreshCalendarDigest, pending[0].Kind)
		})
	}
}

func TestQueue_RejectsUnsafe(t *testing.T) {
	ctx := context.Background()
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			_, _, err := q.Enqueue(ctx, "sendEmail", "ref")
			assert.ErrorIs(t, err, ErrUnsafeKind)
			_, _, err = q.Enqueue(ctx, KindRefreshTaskDigest, "")
			assert.ErrorIs(t, err, ErrEmptyPayloadRef)
		})
	}
}

func TestQueue_Drain(t *testing.T) {
	ctx := context.Background()
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			for _, ref := range []string{"a", "b", "c"} {
				_, _, err := q.Enqueue(ctx, KindRefreshTaskDigest, ref)
				require.NoError(t, err)
			}
			got, err := q.Drain(ctx, 2)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "a", got[0].PayloadRef)
			assert.Equal(t, "b", got[1].PayloadRef)

			rest, err := q.Pending(ctx)
			require.NoError(t, err)
			require.Len(t, rest, 1)
			assert.Equal(t, "c", rest[0].PayloadRef)

			none, err := q.Drain(ctx, 0)
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}
