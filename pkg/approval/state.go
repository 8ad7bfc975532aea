// Package approval implements the gate every side-effecting proposal must
// pass before it can be executed.
//
// The gate is a closed state machine. Context values only change through
// Transition, so no caller can assemble an invalid combination such as
// "confirmed but never approved".
//
//	Drafted → AwaitingApproval → Rejected
//	                           → AwaitingSecondConfirmation → Confirmed   (dual effects present)
//	                           → Confirmed                               (no dual effects)
//	Confirmed → Executable → Executed | Expired
package approval

import (
	"errors"
	"fmt"
	"slices"

	"github.com/Mindburn-Labs/steward/pkg/contracts"
)

// State is the gate state.
type State string

const (
	StateDrafted                    State = "DRAFTED"
	StateAwaitingApproval           State = "AWAITING_APPROVAL"
	StateRejected                   State = "REJECTED"
	StateAwaitingSecondConfirmation State = "AWAITING_SECOND_CONFIRMATION"
	StateConfirmed                  State = "CONFIRMED"
	StateExecutable                 State = "EXECUTABLE"
	StateExecuted                   State = "EXECUTED"
	StateExpired                    State = "EXPIRED"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateRejected, StateExecuted, StateExpired:
		return true
	}
	return false
}

var (
	ErrInvalidTransition = errors.New("approval: invalid transition")
	ErrNotDualEffect     = errors.New("approval: side effect does not require second confirmation")
	ErrGateNotFound      = errors.New("approval: gate not found")
	ErrEffectDenied      = errors.New("approval: side effect denied by policy")
)

// Event is one input to the state machine. The set of events is closed.
type Event interface {
	eventName() string
}

// Submit moves a draft into review. AutoApprove skips explicit approval and is
// only honoured when no side effect needs a second confirmation.
type Submit struct{ AutoApprove bool }

// Approve records the user's explicit approval.
type Approve struct{}

// Reject records the user's refusal.
type Reject struct{ Reason string }

// ConfirmSecond records the second confirmation for one side-effect type.
type ConfirmSecond struct{ Effect contracts.SideEffectType }

// Issue records that a capability token was issued for the gate.
type Issue struct{ TokenID string }

// Complete records a successful execution.
type Complete struct{}

// Expire records that the gate's time-to-live passed.
type Expire struct{}

// Fail records a handler failure; the gate cannot be retried.
type Fail struct{ Reason string }

func (Submit) eventName() string        { return "submit" }
func (Approve) eventName() string       { return "approve" }
func (Reject) eventName() string        { return "reject" }
func (ConfirmSecond) eventName() string { return "confirmSecond" }
func (Issue) eventName() string         { return "issue" }
func (Complete) eventName() string      { return "complete" }
func (Expire) eventName() string        { return "expire" }
func (Fail) eventName() string          { return "fail" }

// SideEffect is a write-capable action under review together with whether it
// needs a second confirmation in this context.
type SideEffect struct {
	contracts.SideEffect
	RequiresSecondConfirmation bool `json:"requiresSecondConfirmation"`
}

// Context is the approval state of exactly one proposal.
type Context struct {
	State                   State                      `json:"state"`
	Draft                   *contracts.Proposal        `json:"draft"`
	SideEffects             []SideEffect               `json:"sideEffects"`
	AcknowledgedSideEffects []contracts.SideEffectType `json:"acknowledgedSideEffects,omitempty"`
	ConfidenceSnapshot      *float64                   `json:"confidenceSnapshot,omitempty"`
	TokenID                 string                     `json:"tokenId,omitempty"`
	Reason                  string                     `json:"reason,omitempty"`
}

// NewContext builds a Drafted context for p. Effects outside the base dual
// set join it when the proposal demands two or more signers.
func NewContext(p *contracts.Proposal) Context {
	allDual := p.ToolPlan.RequiredApprovals.MultiSignerCount >= 2
	var effects []SideEffect
	for _, a := range p.Actions() {
		effects = append(effects, SideEffect{
			SideEffect:                 contracts.SideEffect{Type: a},
			RequiresSecondConfirmation: allDual || a.RequiresDualConfirmation(),
		})
	}
	return Context{State: StateDrafted, Draft: p, SideEffects: effects}
}

// ApprovalGranted reports whether the user approved the proposal.
func (c Context) ApprovalGranted() bool {
	switch c.State {
	case StateAwaitingSecondConfirmation, StateConfirmed, StateExecutable, StateExecuted:
		return true
	}
	return false
}

// PendingSecondConfirmations lists effects still waiting for confirmation.
func (c Context) PendingSecondConfirmations() []contracts.SideEffectType {
	var out []contracts.SideEffectType
	for _, e := range c.SideEffects {
		if e.RequiresSecondConfirmation && !e.SecondConfirmationGranted {
			out = append(out, e.Type)
		}
	}
	return out
}

func (c Context) hasDual() bool {
	for _, e := range c.SideEffects {
		if e.RequiresSecondConfirmation {
			return true
		}
	}
	return false
}

// CanExecute is true iff approval was granted, every side effect in the dual
// set has an explicit second confirmation, and the gate is not terminal.
func CanExecute(c Context) bool {
	if c.State.Terminal() || !c.ApprovalGranted() {
		return false
	}
	for _, e := range c.SideEffects {
		if e.RequiresSecondConfirmation && !e.SecondConfirmationGranted {
			return false
		}
	}
	return true
}

// Clone returns a deep copy so callers cannot mutate a stored context.
func (c Context) Clone() Context {
	out := c
	out.SideEffects = slices.Clone(c.SideEffects)
	out.AcknowledgedSideEffects = slices.Clone(c.AcknowledgedSideEffects)
	if c.ConfidenceSnapshot != nil {
		v := *c.ConfidenceSnapshot
		out.ConfidenceSnapshot = &v
	}
	return out
}

// Transition applies ev to c and returns the next context. It never mutates c.
func Transition(c Context, ev Event) (Context, error) {
	next := c.Clone()
	invalid := func() (Context, error) {
		return c, fmt.Errorf("%w: cannot %s in state %s", ErrInvalidTransition, ev.eventName(), c.State)
	}

	switch e := ev.(type) {
	case Submit:
		if c.State != StateDrafted {
			return invalid()
		}
		next.State = StateAwaitingApproval
		if e.AutoApprove && !c.hasDual() {
			next.State = StateConfirmed
			next.AcknowledgedSideEffects = effectTypes(c.SideEffects)
		}

	case Approve:
		if c.State != StateAwaitingApproval {
			return invalid()
		}
		next.AcknowledgedSideEffects = effectTypes(c.SideEffects)
		next.State = StateConfirmed
		if c.hasDual() {
			next.State = StateAwaitingSecondConfirmation
		}

	case Reject:
		if c.State != StateAwaitingApproval && c.State != StateAwaitingSecondConfirmation {
			return invalid()
		}
		next.State = StateRejected
		next.Reason = e.Reason

	case ConfirmSecond:
		if c.State != StateAwaitingSecondConfirmation {
			return invalid()
		}
		found := false
		for i := range next.SideEffects {
			se := &next.SideEffects[i]
			if se.Type == e.Effect && se.RequiresSecondConfirmation {
				se.SecondConfirmationGranted = true
				found = true
			}
		}
		if !found {
			return c, fmt.Errorf("%w: %s", ErrNotDualEffect, e.Effect)
		}
		if len(next.PendingSecondConfirmations()) == 0 {
			next.State = StateConfirmed
		}

	case Issue:
		if c.State != StateConfirmed || !CanExecute(c) || e.TokenID == "" {
			return invalid()
		}
		next.State = StateExecutable
		next.TokenID = e.TokenID

	case Complete:
		if c.State != StateExecutable {
			return invalid()
		}
		next.State = StateExecuted

	case Expire:
		if c.State.Terminal() {
			return invalid()
		}
		next.State = StateExpired

	case Fail:
		if c.State != StateExecutable {
			return invalid()
		}
		next.State = StateExpired
		next.Reason = e.Reason

	default:
		return c, fmt.Errorf("%w: unknown event %T", ErrInvalidTransition, ev)
	}
	return next, nil
}

func effectTypes(se []SideEffect) []contracts.SideEffectType {
	out := make([]contracts.SideEffectType, 0, len(se))
	for _, e := range se {
		out = append(out, e.Type)
	}
	return out
}
