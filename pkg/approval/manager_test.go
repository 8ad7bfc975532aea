package approval

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/steward/pkg/contracts"
)

type stubPolicy struct {
	denied   map[contracts.SideEffectType]bool
	explicit bool
}

func (s stubPolicy) CheckEffect(e contracts.SideEffectType, _ contracts.RiskTier) error {
	if s.denied[e] {
		return errors.New("category disabled")
	}
	return nil
}

func (s stubPolicy) ExplicitConfirmation() bool { return s.explicit }

func TestManager_OpenApproveExecute(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	c, err := m.Open(ctx, proposal("p1", 1, contracts.EffectEmailDraft), stubPolicy{explicit: true})
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingApproval, c.State)
	assert.False(t, m.CanExecute("p1"))

	_, err = m.Approve(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, m.CanExecute("p1"))

	_, err = m.Approve(ctx, "p1")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestManager_PolicyDeniesBeforeConstruction(t *testing.T) {
	m := NewManager()
	_, err := m.Open(context.Background(), proposal("p1", 1, contracts.EffectCalendarCreate),
		stubPolicy{denied: map[contracts.SideEffectType]bool{contracts.EffectCalendarCreate: true}})
	assert.ErrorIs(t, err, ErrEffectDenied)

	_, err = m.Get("p1")
	assert.ErrorIs(t, err, ErrGateNotFound)
}

func TestManager_NilPolicyFailsClosed(t *testing.T) {
	m := NewManager()
	_, err := m.Open(context.Background(), proposal("p1", 1, contracts.EffectTaskCreate), nil)
	assert.ErrorIs(t, err, ErrEffectDenied)

	// No effects means nothing to deny.
	c, err := m.Open(context.Background(), proposal("p2", 1), nil)
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingApproval, c.State)
}

func TestManager_AutoApproveRespectsRisk(t *testing.T) {
	m := NewManager()
	lax := stubPolicy{explicit: false}

	c, err := m.Open(context.Background(), proposal("low", 1, contracts.EffectTaskCreate), lax)
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, c.State)

	p := proposal("med", 1, contracts.EffectTaskCreate)
	p.RiskTier = contracts.RiskMedium
	c, err = m.Open(context.Background(), p, lax)
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingApproval, c.State)
}

func TestManager_LazyExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager().WithClock(func() time.Time { return now }).WithTTL(time.Minute)

	_, err := m.Open(context.Background(), proposal("p1", 1, contracts.EffectTaskCreate), stubPolicy{explicit: true})
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = m.Approve(context.Background(), "p1")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	c, err := m.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, StateExpired, c.State)
	assert.Equal(t, 1, m.Sweep())
	assert.Equal(t, 0, m.OpenCount())
}

func TestManager_DuplicateOpenRejected(t *testing.T) {
	m := NewManager()
	p := proposal("p1", 1)
	_, err := m.Open(context.Background(), p, nil)
	require.NoError(t, err)
	_, err = m.Open(context.Background(), p, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestManager_ConcurrentApprovalsSerialized(t *testing.T) {
	m := NewManager()
	_, err := m.Open(context.Background(), proposal("p1", 1, contracts.EffectTaskCreate), stubPolicy{explicit: true})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Approve(context.Background(), "p1"); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
}

func TestManager_SnapshotsAreCopies(t *testing.T) {
	m := NewManager()
	c, err := m.Open(context.Background(), proposal("p1", 1, contracts.EffectEmailSend), stubPolicy{explicit: true},
		WithConfidence(0.8))
	require.NoError(t, err)
	c.SideEffects[0].SecondConfirmationGranted = true
	*c.ConfidenceSnapshot = 0

	stored, err := m.Get("p1")
	require.NoError(t, err)
	assert.False(t, stored.SideEffects[0].SecondConfirmationGranted)
	assert.InDelta(t, 0.8, *stored.ConfidenceSnapshot, 1e-9)
}

type traceKey struct{}

// ctxHandler records the trace value carried by each log call's context.
type ctxHandler struct {
	mu     sync.Mutex
	traces []any
}

func (h *ctxHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h *ctxHandler) WithAttrs([]slog.Attr) slog.Handler        { return h }
func (h *ctxHandler) WithGroup(string) slog.Handler             { return h }

func (h *ctxHandler) Handle(ctx context.Context, _ slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.traces = append(h.traces, ctx.Value(traceKey{}))
	return nil
}

func TestManager_LogsWithCallerContext(t *testing.T) {
	h := &ctxHandler{}
	m := NewManager().WithLogger(slog.New(h))
	ctx := context.WithValue(context.Background(), traceKey{}, "req-1")

	_, err := m.Open(ctx, proposal("p1", 1, contracts.EffectTaskCreate), stubPolicy{explicit: true})
	require.NoError(t, err)
	_, err = m.Approve(ctx, "p1")
	require.NoError(t, err)

	require.Len(t, h.traces, 2)
	for _, v := range h.traces {
		assert.Equal(t, "req-1", v)
	}
}
