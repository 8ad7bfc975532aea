package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/steward/pkg/contracts"
)

// DefaultTTL bounds how long a gate may stay open after submission.
const DefaultTTL = 15 * time.Minute

// Policy is the part of the live operator policy the gate consults. Effects
// are checked before they are added to a context, not merely before
// execution.
type Policy interface {
	CheckEffect(effect contracts.SideEffectType, risk contracts.RiskTier) error
	ExplicitConfirmation() bool
}

type gate struct {
	mu        sync.Mutex
	ctx       Context
	expiresAt time.Time
}

// Manager owns the gates of all open proposals. Transitions for one proposal
// are serialized by that gate's mutex.
type Manager struct {
	mu     sync.Mutex
	gates  map[string]*gate
	ttl    time.Duration
	clock  func() time.Time
	logger *slog.Logger
}

// NewManager creates a new gate manager.
func NewManager() *Manager {
	return &Manager{
		gates:  make(map[string]*gate),
		ttl:    DefaultTTL,
		clock:  time.Now,
		logger: slog.Default().With("component", "approval"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// WithTTL overrides the gate time-to-live.
func (m *Manager) WithTTL(ttl time.Duration) *Manager {
	m.ttl = ttl
	return m
}

// WithLogger sets the logger.
func (m *Manager) WithLogger(l *slog.Logger) *Manager {
	m.logger = l
	return m
}

// OpenOption adjusts a context before submission.
type OpenOption func(*Context)

// WithConfidence attaches a confidence snapshot to the gate.
func WithConfidence(v float64) OpenOption {
	return func(c *Context) { c.ConfidenceSnapshot = &v }
}

// Open validates p against policy, builds its gate and submits it. A nil
// policy denies every side effect.
func (m *Manager) Open(ctx context.Context, p *contracts.Proposal, policy Policy, opts ...OpenOption) (Context, error) {
	if err := p.Validate(); err != nil {
		return Context{}, err
	}
	for _, a := range p.Actions() {
		if policy == nil {
			return Context{}, fmt.Errorf("%w: %s (no policy)", ErrEffectDenied, a)
		}
		if err := policy.CheckEffect(a, p.RiskTier); err != nil {
			return Context{}, fmt.Errorf("%w: %s: %v", ErrEffectDenied, a, err)
		}
	}

	c := NewContext(p)
	for _, o := range opts {
		o(&c)
	}
	auto := policy != nil && !policy.ExplicitConfirmation() && p.RiskTier == contracts.RiskLow
	c, err := Transition(c, Submit{AutoApprove: auto})
	if err != nil {
		return Context{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.gates[p.ID]; exists {
		return Context{}, fmt.Errorf("%w: gate for proposal %q already open", ErrInvalidTransition, p.ID)
	}
	m.gates[p.ID] = &gate{ctx: c, expiresAt: m.clock().Add(m.ttl)}
	m.logger.InfoContext(ctx, "gate opened", "proposal_id", p.ID, "state", c.State, "risk", p.RiskTier, "effects", len(c.SideEffects))
	return c.Clone(), nil
}

// Apply runs one event against the proposal's gate.
func (m *Manager) Apply(ctx context.Context, proposalID string, ev Event) (Context, error) {
	g, err := m.lookup(proposalID)
	if err != nil {
		return Context{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	m.expireLocked(proposalID, g)

	next, err := Transition(g.ctx, ev)
	if err != nil {
		return g.ctx.Clone(), fmt.Errorf("gate %q: %w", proposalID, err)
	}
	prev := g.ctx.State
	g.ctx = next
	m.logger.InfoContext(ctx, "gate transition", "proposal_id", proposalID, "event", ev.eventName(), "from", prev, "to", next.State)
	return next.Clone(), nil
}

// Approve is Apply(Approve{}).
func (m *Manager) Approve(ctx context.Context, proposalID string) (Context, error) {
	return m.Apply(ctx, proposalID, Approve{})
}

// Reject is Apply(Reject{}).
func (m *Manager) Reject(ctx context.Context, proposalID, reason string) (Context, error) {
	return m.Apply(ctx, proposalID, Reject{Reason: reason})
}

// ConfirmSecond is Apply(ConfirmSecond{}).
func (m *Manager) ConfirmSecond(ctx context.Context, proposalID string, effect contracts.SideEffectType) (Context, error) {
	return m.Apply(ctx, proposalID, ConfirmSecond{Effect: effect})
}

// Get returns a snapshot of the gate, applying lazy expiry first.
func (m *Manager) Get(proposalID string) (Context, error) {
	g, err := m.lookup(proposalID)
	if err != nil {
		return Context{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	m.expireLocked(proposalID, g)
	return g.ctx.Clone(), nil
}

// CanExecute reports whether the gate currently allows execution. Unknown
// proposals are never executable.
func (m *Manager) CanExecute(proposalID string) bool {
	c, err := m.Get(proposalID)
	if err != nil {
		return false
	}
	return CanExecute(c)
}

// Sweep forgets gates that reached a terminal state and returns how many
// were dropped.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, g := range m.gates {
		g.mu.Lock()
		m.expireLocked(id, g)
		terminal := g.ctx.State.Terminal()
		g.mu.Unlock()
		if terminal {
			delete(m.gates, id)
			n++
		}
	}
	return n
}

// OpenCount returns the number of gates in a non-terminal state.
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, g := range m.gates {
		g.mu.Lock()
		m.expireLocked(id, g)
		if !g.ctx.State.Terminal() {
			n++
		}
		g.mu.Unlock()
	}
	return n
}

func (m *Manager) lookup(proposalID string) (*gate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gates[proposalID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrGateNotFound, proposalID)
	}
	return g, nil
}

// expireLocked must be called with g.mu held.
func (m *Manager) expireLocked(proposalID string, g *gate) {
	if g.ctx.State.Terminal() || m.clock().Before(g.expiresAt) {
		return
	}
	next, err := Transition(g.ctx, Expire{})
	if err != nil {
		return
	}
	g.ctx = next
	m.logger.Info("gate expired", "proposal_id", proposalID)
}
