package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/steward/pkg/contracts"
)

var (
	ErrNoHandler        = errors.New("executor: no handler registered")
	ErrDuplicateHandler = errors.New("executor: handler already registered")
)

// Request is what a handler receives: which proposal and which step. Content
// for the step is resolved by the handler from its own local store.
type Request struct {
	ProposalID string
	Step       contracts.ExecutionStep
}

// Outcome identifies what a handler produced, e.g. the id of a created task.
type Outcome struct {
	Ref string `json:"ref,omitempty"`
}

// Handler performs one side effect.
type Handler interface {
	Handle(ctx context.Context, req Request) (Outcome, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) (Outcome, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, req Request) (Outcome, error) { return f(ctx, req) }

// Registration binds a handler to a side-effect type.
type Registration struct {
	Effect    contracts.SideEffectType
	Networked bool // true when the handler reaches a remote service
	Handler   Handler
}

// Registry maps side-effect types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[contracts.SideEffectType]Registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[contracts.SideEffectType]Registration)}
}

// Register adds a handler. Each effect type has at most one handler.
func (r *Registry) Register(effect contracts.SideEffectType, h Handler, networked bool) error {
	if !effect.Valid() {
		return fmt.Errorf("executor: unknown side effect %q", effect)
	}
	if h == nil {
		return fmt.Errorf("executor: nil handler for %s", effect)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[effect]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, effect)
	}
	r.handlers[effect] = Registration{Effect: effect, Networked: networked, Handler: h}
	return nil
}

// Lookup returns the registration for effect.
func (r *Registry) Lookup(effect contracts.SideEffectType) (Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handlers[effect]
	if !ok {
		return Registration{}, fmt.Errorf("%w: %s", ErrNoHandler, effect)
	}
	return reg, nil
}
