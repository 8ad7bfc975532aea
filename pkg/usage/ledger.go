package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/steward/pkg/tiers"
)

const day = 24 * time.Hour

// Ledger is the single owner of the usage counters. All reads and writes go
// through its mutex so callers always see a consistent snapshot.
type Ledger struct {
	mu      sync.Mutex
	storage Storage
	id      string
	window  time.Duration
	clock   func() time.Time
	logger  *slog.Logger
}

// NewLedger creates a ledger over storage.
func NewLedger(storage Storage) *Ledger {
	return &Ledger{
		storage: storage,
		id:      LedgerID,
		window:  tiers.WindowDuration,
		clock:   time.Now,
		logger:  slog.Default().With("component", "usage"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// WithWindow overrides the quota window length.
func (l *Ledger) WithWindow(d time.Duration) *Ledger {
	l.window = d
	return l
}

// WithLogger sets the logger.
func (l *Ledger) WithLogger(lg *slog.Logger) *Ledger {
	l.logger = lg
	return l
}

// CanExecute reports whether tier still has executions left in the current
// window. Storage failures deny.
func (l *Ledger) CanExecute(ctx context.Context, tier tiers.TierID) (LimitDecision, error) {
	t := tiers.Get(tier)
	if t == nil {
		return deny(fmt.Sprintf("unknown tier %q", tier), nil), nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	d, err := l.loadLocked(ctx)
	if err != nil {
		return deny("usage storage unavailable", nil), err
	}

	quota := t.Limits.WindowExecutions
	if tiers.IsUnlimited(quota) {
		return LimitDecision{Allowed: true}, nil
	}
	resets := d.WindowStart.Add(l.window)
	remaining := max(0, quota-d.ExecutionsThisWindow)
	if d.ExecutionsThisWindow >= quota {
		return deny("execution quota reached for this window", &resets), nil
	}
	return LimitDecision{Allowed: true, Remaining: &remaining, ResetsAt: &resets}, nil
}

// CanExecuteToday enforces a per-day cap such as an operator policy's
// maxExecutionsPerDay. A nil limit always allows.
func (l *Ledger) CanExecuteToday(ctx context.Context, limit *int) (LimitDecision, error) {
	if limit == nil {
		return LimitDecision{Allowed: true}, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	d, err := l.loadLocked(ctx)
	if err != nil {
		return deny("usage storage unavailable", nil), err
	}
	resets := d.DayStart.Add(day)
	remaining := max(0, int64(*limit)-d.ExecutionsToday)
	if d.ExecutionsToday >= int64(*limit) {
		return deny("daily execution limit reached", &resets), nil
	}
	return LimitDecision{Allowed: true, Remaining: &remaining, ResetsAt: &resets}, nil
}

// RecordExecution counts one completed execution.
func (l *Ledger) RecordExecution(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	d, err := l.loadLocked(ctx)
	if err != nil {
		return err
	}
	d.ExecutionsThisWindow++
	d.ExecutionsToday++
	if err := l.storage.Set(ctx, l.id, d); err != nil {
		return err
	}
	l.logger.Debug("execution recorded", "window_count", d.ExecutionsThisWindow, "today", d.ExecutionsToday)
	return nil
}

// Reserve checks the tier's window quota and the optional daily limit and, when
// both allow, counts one execution before releasing the lock. Concurrent
// callers therefore cannot all pass the check against the same headroom.
//
// The returned release undoes the reservation when the execution does not
// happen. It is safe to call more than once and is nil when the decision
// denies.
func (l *Ledger) Reserve(ctx context.Context, tier tiers.TierID, daily *int) (LimitDecision, func(context.Context), error) {
	t := tiers.Get(tier)
	if t == nil {
		return deny(fmt.Sprintf("unknown tier %q", tier), nil), nil, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	d, err := l.loadLocked(ctx)
	if err != nil {
		return deny("usage storage unavailable", nil), nil, err
	}

	dec := LimitDecision{Allowed: true}
	if quota := t.Limits.WindowExecutions; !tiers.IsUnlimited(quota) {
		resets := d.WindowStart.Add(l.window)
		if d.ExecutionsThisWindow >= quota {
			return deny("execution quota reached for this window", &resets), nil, nil
		}
		remaining := quota - d.ExecutionsThisWindow - 1
		dec.Remaining, dec.ResetsAt = &remaining, &resets
	}
	if daily != nil && d.ExecutionsToday >= int64(*daily) {
		resets := d.DayStart.Add(day)
		return deny("daily execution limit reached", &resets), nil, nil
	}

	d.ExecutionsThisWindow++
	d.ExecutionsToday++
	if err := l.storage.Set(ctx, l.id, d); err != nil {
		return deny("usage storage unavailable", nil), nil, err
	}
	l.logger.DebugContext(ctx, "execution reserved", "window_count", d.ExecutionsThisWindow, "today", d.ExecutionsToday)

	window, today := d.WindowStart, d.DayStart
	var once sync.Once
	release := func(ctx context.Context) {
		once.Do(func() { l.release(ctx, window, today) })
	}
	return dec, release, nil
}

// release gives back one reserved execution. Counters that rolled over since
// the reservation are left alone.
func (l *Ledger) release(ctx context.Context, window, today time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	d, err := l.loadLocked(ctx)
	if err != nil {
		return
	}
	if d.WindowStart.Equal(window) && d.ExecutionsThisWindow > 0 {
		d.ExecutionsThisWindow--
	}
	if d.DayStart.Equal(today) && d.ExecutionsToday > 0 {
		d.ExecutionsToday--
	}
	if err := l.storage.Set(ctx, l.id, d); err != nil {
		l.logger.ErrorContext(ctx, "usage release failed", "error", err)
	}
}

// CanStore checks whether additional items fit the tier's stored-item quota.
// This check has no time window.
func (l *Ledger) CanStore(ctx context.Context, tier tiers.TierID, additional int64) (LimitDecision, error) {
	t := tiers.Get(tier)
	if t == nil {
		return deny(fmt.Sprintf("unknown tier %q", tier), nil), nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	d, err := l.loadLocked(ctx)
	if err != nil {
		return deny("usage storage unavailable", nil), err
	}
	quota := t.Limits.StoredItems
	if tiers.IsUnlimited(quota) {
		return LimitDecision{Allowed: true}, nil
	}
	remaining := max(0, quota-d.StoredItems)
	if d.StoredItems+additional > quota {
		return deny("stored item quota reached", nil), nil
	}
	return LimitDecision{Allowed: true, Remaining: &remaining}, nil
}

// AdjustStoredItems adds delta (which may be negative) to the stored-item count.
func (l *Ledger) AdjustStoredItems(ctx context.Context, delta int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, err := l.loadLocked(ctx)
	if err != nil {
		return err
	}
	d.StoredItems = max(0, d.StoredItems+delta)
	return l.storage.Set(ctx, l.id, d)
}

// TryAdjustStoredItems adds delta to the stored-item count only if the
// result fits the tier's quota. The check and the write happen under one
// lock. Negative deltas always apply.
func (l *Ledger) TryAdjustStoredItems(ctx context.Context, tier tiers.TierID, delta int64) (LimitDecision, error) {
	t := tiers.Get(tier)
	if t == nil {
		return deny(fmt.Sprintf("unknown tier %q", tier), nil), nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	d, err := l.loadLocked(ctx)
	if err != nil {
		return deny("usage storage unavailable", nil), err
	}
	dec := LimitDecision{Allowed: true}
	if quota := t.Limits.StoredItems; delta > 0 && !tiers.IsUnlimited(quota) {
		if d.StoredItems+delta > quota {
			return deny("stored item quota reached", nil), nil
		}
		remaining := quota - d.StoredItems - delta
		dec.Remaining = &remaining
	}
	d.StoredItems = max(0, d.StoredItems+delta)
	if err := l.storage.Set(ctx, l.id, d); err != nil {
		return deny("usage storage unavailable", nil), err
	}
	return dec, nil
}

// Snapshot returns the current counters after any pending rollover.
func (l *Ledger) Snapshot(ctx context.Context) (Data, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, err := l.loadLocked(ctx)
	if err != nil {
		return Data{}, err
	}
	return *d, nil
}

// loadLocked reads the counters, initialising and rolling windows as needed.
// Changes are written back before returning. Callers hold l.mu.
func (l *Ledger) loadLocked(ctx context.Context) (*Data, error) {
	if l.storage == nil {
		return nil, fmt.Errorf("usage: no storage configured")
	}
	now := l.clock().UTC()
	d, err := l.storage.Get(ctx, l.id)
	if err != nil {
		l.logger.Error("usage load failed", "error", err)
		return nil, err
	}
	dirty := false
	if d == nil {
		d = &Data{WindowStart: now, DayStart: now.Truncate(day)}
		dirty = true
	}
	if now.Sub(d.WindowStart) >= l.window {
		d.WindowStart = now
		d.ExecutionsThisWindow = 0
		dirty = true
	}
	if today := now.Truncate(day); !d.DayStart.Equal(today) {
		d.DayStart = today
		d.ExecutionsToday = 0
		dirty = true
	}
	if dirty {
		if err := l.storage.Set(ctx, l.id, d); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func deny(reason string, resets *time.Time) LimitDecision {
	zero := int64(0)
	return LimitDecision{Allowed: false, Reason: reason, Remaining: &zero, ResetsAt: resets}
}
