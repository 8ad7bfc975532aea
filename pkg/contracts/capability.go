package contracts

import (
	"slices"
	"time"
)

// CapabilityScope limits what a capability token authorizes: a single
// proposal and the listed actions of that proposal.
type CapabilityScope struct {
	ProposalID string           `json:"proposalId"`
	Actions    []SideEffectType `json:"actions"`
}

// Covers reports whether the scope authorizes every action in want.
func (s CapabilityScope) Covers(proposalID string, want []SideEffectType) bool {
	if s.ProposalID == "" || s.ProposalID != proposalID {
		return false
	}
	for _, a := range want {
		if !slices.Contains(s.Actions, a) {
			return false
		}
	}
	return true
}

// CapabilityToken is a single-use authorization artifact. Encoded is the
// signed wire form handed to the execution engine.
type CapabilityToken struct {
	ID        string          `json:"id"`
	Scope     CapabilityScope `json:"scope"`
	ExpiresAt time.Time       `json:"expiresAt"`
	Encoded   string          `json:"-"`
}

// Expired reports whether the token is past its expiry at now.
func (t *CapabilityToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}
