package approval

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/steward/pkg/contracts"
)

func proposal(id string, signers int, actions ...contracts.SideEffectType) *contracts.Proposal {
	steps := make([]contracts.ExecutionStep, 0, len(actions))
	for i, a := range actions {
		steps = append(steps, contracts.ExecutionStep{Ordinal: i, Action: a})
	}
	return &contracts.Proposal{
		ID:       id,
		RiskTier: contracts.RiskLow,
		ToolPlan: contracts.ToolPlan{
			ExecutionSteps:    steps,
			RequiredApprovals: contracts.RequiredApprovals{MultiSignerCount: signers},
		},
	}
}

func mustApply(t *testing.T, c Context, evs ...Event) Context {
	t.Helper()
	var err error
	for _, ev := range evs {
		c, err = Transition(c, ev)
		require.NoError(t, err)
	}
	return c
}

func TestTransition_SingleConfirmationPath(t *testing.T) {
	c := NewContext(proposal("p", 1, contracts.EffectEmailDraft))
	assert.False(t, CanExecute(c))

	c = mustApply(t, c, Submit{}, Approve{})
	assert.Equal(t, StateConfirmed, c.State)
	assert.True(t, CanExecute(c))
	assert.Equal(t, []contracts.SideEffectType{contracts.EffectEmailDraft}, c.AcknowledgedSideEffects)

	c = mustApply(t, c, Issue{TokenID: "tok"}, Complete{})
	assert.Equal(t, StateExecuted, c.State)
	assert.False(t, CanExecute(c))
}

func TestTransition_DualConfirmation(t *testing.T) {
	c := NewContext(proposal("p", 1, contracts.EffectEmailDraft, contracts.EffectEmailSend))
	c = mustApply(t, c, Submit{}, Approve{})
	assert.Equal(t, StateAwaitingSecondConfirmation, c.State)
	assert.True(t, c.ApprovalGranted())
	assert.False(t, CanExecute(c))
	assert.Equal(t, []contracts.SideEffectType{contracts.EffectEmailSend}, c.PendingSecondConfirmations())

	_, err := Transition(c, ConfirmSecond{Effect: contracts.EffectEmailDraft})
	assert.ErrorIs(t, err, ErrNotDualEffect)

	_, err = Transition(c, Issue{TokenID: "tok"})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	c = mustApply(t, c, ConfirmSecond{Effect: contracts.EffectEmailSend})
	assert.Equal(t, StateConfirmed, c.State)
	assert.True(t, CanExecute(c))
}

func TestTransition_MultiSignerMakesEveryEffectDual(t *testing.T) {
	c := NewContext(proposal("p", 2, contracts.EffectTaskCreate))
	require.True(t, c.SideEffects[0].RequiresSecondConfirmation)
	c = mustApply(t, c, Submit{AutoApprove: true})
	assert.Equal(t, StateAwaitingApproval, c.State, "auto-approve must not bypass dual confirmation")
}

func TestTransition_AutoApprove(t *testing.T) {
	c := mustApply(t, NewContext(proposal("p", 1, contracts.EffectTaskCreate)), Submit{AutoApprove: true})
	assert.Equal(t, StateConfirmed, c.State)
	assert.True(t, CanExecute(c))
}

func TestTransition_TerminalStatesAreFinal(t *testing.T) {
	c := mustApply(t, NewContext(proposal("p", 1, contracts.EffectTaskCreate)), Submit{}, Reject{Reason: "no"})
	assert.Equal(t, StateRejected, c.State)
	for _, ev := range []Event{Submit{}, Approve{}, Reject{}, Issue{TokenID: "t"}, Complete{}, Expire{}, Fail{}} {
		_, err := Transition(c, ev)
		assert.ErrorIs(t, err, ErrInvalidTransition, "%T", ev)
	}
}

func TestTransition_FailExpiresGate(t *testing.T) {
	c := mustApply(t, NewContext(proposal("p", 1, contracts.EffectTaskCreate)),
		Submit{}, Approve{}, Issue{TokenID: "tok"}, Fail{Reason: "handler"})
	assert.Equal(t, StateExpired, c.State)
	assert.False(t, CanExecute(c))
}

func TestTransition_DoesNotMutateInput(t *testing.T) {
	c := mustApply(t, NewContext(proposal("p", 1, contracts.EffectEmailSend)), Submit{}, Approve{})
	_ = mustApply(t, c, ConfirmSecond{Effect: contracts.EffectEmailSend})
	assert.False(t, c.SideEffects[0].SecondConfirmationGranted)
}

func TestCanExecute_FailClosedOnZeroValue(t *testing.T) {
	assert.False(t, CanExecute(Context{}))
}

// Whatever event sequence is applied, CanExecute implies approval and every
// required second confirmation.
func TestCanExecute_Property(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 300
	properties := gopter.NewProperties(params)

	events := []Event{
		Submit{}, Submit{AutoApprove: true}, Approve{}, Reject{},
		ConfirmSecond{Effect: contracts.EffectEmailSend},
		ConfirmSecond{Effect: contracts.EffectCalendarDelete},
		Issue{TokenID: "tok"}, Complete{}, Expire{}, Fail{},
	}

	properties.Property("executable implies approved and confirmed", prop.ForAll(
		func(seq []int, signers int) bool {
			c := NewContext(proposal("p", signers,
				contracts.EffectEmailSend, contracts.EffectCalendarDelete, contracts.EffectTaskCreate))
			for _, i := range seq {
				if next, err := Transition(c, events[i]); err == nil {
					c = next
				}
				if CanExecute(c) {
					if !c.ApprovalGranted() || len(c.PendingSecondConfirmations()) > 0 {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, len(events)-1)),
		gen.IntRange(1, 3),
	))

	properties.TestingRun(t)
}
