package tasks

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue.
type MemoryQueue struct {
	mu      sync.Mutex
	order   []string
	records map[string]Record
	clock   func() time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{records: make(map[string]Record), clock: time.Now}
}

func (q *MemoryQueue) Enqueue(_ context.Context, kind Kind, payloadRef string) (Record, bool, error) {
	rec, err := newRecord(kind, payloadRef, q.clock())
	if err != nil {
		return Record{}, false, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if existing, ok := q.records[rec.DedupKey]; ok {
		return existing, false, nil
	}
	q.records[rec.DedupKey] = rec
	q.order = append(q.order, rec.DedupKey)
	return rec, true, nil
}

func (q *MemoryQueue) Pending(_ context.Context) ([]Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Record, 0, len(q.order))
	for _, k := range q.order {
		out = append(out, q.records[k])
	}
	return out, nil
}

func (q *MemoryQueue) Drain(_ context.Context, limit int) ([]Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := min(limit, len(q.order))
	if n <= 0 {
		return nil, nil
	}
	out := make([]Record, 0, n)
	for _, k := range q.order[:n] {
		out = append(out, q.records[k])
		delete(q.records, k)
	}
	q.order = append([]string(nil), q.order[n:]...)
	return out, nil
}
