// Package usage tracks executions and stored items against tier quotas.
//
// Counters live in a pluggable Storage. Windows roll over lazily: there is no
// timer, the ledger resets a window the first time it is read after expiry.
package usage

import (
	"context"
	"time"
)

// LedgerID is the key under which the single local principal's counters are stored.
const LedgerID = "local"

// Data is the persisted counter state.
type Data struct {
	WindowStart          time.Time `json:"windowStart"`
	ExecutionsThisWindow int64     `json:"executionsThisWindow"`
	DayStart             time.Time `json:"dayStart"`
	ExecutionsToday      int64     `json:"executionsToday"`
	StoredItems          int64     `json:"storedItems"`
}

// LimitDecision is the outcome of a quota check. A denial is a value, not an
// error: callers show Reason and, when set, ResetsAt to the user.
type LimitDecision struct {
	Allowed   bool       `json:"allowed"`
	Reason    string     `json:"reason,omitempty"`
	Remaining *int64     `json:"remaining,omitempty"`
	ResetsAt  *time.Time `json:"resetsAt,omitempty"`
}

// Storage handles persistence of usage data.
type Storage interface {
	// Get returns nil, nil when nothing has been stored for id yet.
	Get(ctx context.Context, id string) (*Data, error)
	Set(ctx context.Context, id string, d *Data) error
}
