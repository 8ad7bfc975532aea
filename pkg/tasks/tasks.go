// Package tasks queues safe, idempotent background work such as refreshing a
// digest after an external change notification.
//
// Records only ever name a kind and an opaque reference. Nothing in this
// package runs side effects; a queued record waits until a user-triggered
// call drains it.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/steward/pkg/canonicalize"
)

// Kind is a background task kind. Only kinds in the safe set are accepted.
type Kind string

const (
	KindRefreshCalendarDigest Kind = "refreshCalendarDigest"
	KindRefreshInboxDigest    Kind = "refreshInboxDigest"
	KindRefreshTaskDigest     Kind = "refreshTaskDigest"
)

var safeKinds = map[Kind]bool{
	KindRefreshCalendarDigest: true,
	KindRefreshInboxDigest:    true,
	KindRefreshTaskDigest:     true,
}

// Safe reports whether k may be queued.
func (k Kind) Safe() bool { return safeKinds[k] }

var (
	ErrUnsafeKind      = errors.New("tasks: kind is not in the safe set")
	ErrEmptyPayloadRef = errors.New("tasks: payload reference must not be empty")
)

// Record is one queued task.
type Record struct {
	Kind       Kind      `json:"kind"`
	PayloadRef string    `json:"payloadRef"`
	DedupKey   string    `json:"dedupKey"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// DedupKey derives the idempotency key of (kind, payloadRef).
func DedupKey(kind Kind, payloadRef string) string {
	return canonicalize.HashString(string(kind) + "\x00" + payloadRef)
}

// Queue stores records. Enqueue is idempotent on DedupKey: enqueuing the
// same (kind, payloadRef) twice stores one record and reports created=false
// the second time.
type Queue interface {
	Enqueue(ctx context.Context, kind Kind, payloadRef string) (rec Record, created bool, err error)
	Pending(ctx context.Context) ([]Record, error)
	// Drain removes and returns up to limit records in enqueue order.
	Drain(ctx context.Context, limit int) ([]Record, error)
}

func newRecord(kind Kind, payloadRef string, now time.Time) (Record, error) {
	if !kind.Safe() {
		return Record{}, fmt.Errorf("%w: %q", ErrUnsafeKind, kind)
	}
	if payloadRef == "" {
		return Record{}, ErrEmptyPayloadRef
	}
	return Record{Kind: kind, PayloadRef: payloadRef, DedupKey: DedupKey(kind, payloadRef), EnqueuedAt: now.UTC()}, nil
}
