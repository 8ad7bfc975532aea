// Package contracts defines the data model shared by the control plane:
// proposals produced by the skill pipeline, the side effects they request,
// and the capability scopes that authorize them.
//
// Nothing in this package carries user content. Proposals describe what an
// action would do in terms of categories and risk, never the text
// that caused it.
package contracts

import (
	"fmt"
	"time"
)

// RiskTier classifies how much harm a proposal could cause if executed wrongly.
type RiskTier string

// RiskTier constants, ordered low → high.
const (
	RiskLow    RiskTier = "low"
	RiskMedium RiskTier = "medium"
	RiskHigh   RiskTier = "high"
)

// Rank returns the ordinal of the tier. Unknown tiers rank as high so that
// comparisons fail closed.
func (r RiskTier) Rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	default:
		return 2
	}
}

// AtLeast reports whether r is at or above other.
func (r RiskTier) AtLeast(other RiskTier) bool {
	return r.Rank() >= other.Rank()
}

// MaxRisk returns the higher of two tiers.
func MaxRisk(a, b RiskTier) RiskTier {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ParseRiskTier parses a wire value.
func ParseRiskTier(s string) (RiskTier, error) {
	switch RiskTier(s) {
	case RiskLow, RiskMedium, RiskHigh:
		return RiskTier(s), nil
	}
	return "", fmt.Errorf("contracts: unknown risk tier %q", s)
}

// ExecutionStep is one ordered action in a tool plan.
type ExecutionStep struct {
	Ordinal int            `json:"ordinal"`
	Action  SideEffectType `json:"action"`
}

// RequiredApprovals states how many distinct confirmations a proposal needs.
type RequiredApprovals struct {
	MultiSignerCount int `json:"multiSignerCount"`
}

// ToolPlan is the ordered set of actions a proposal would perform.
type ToolPlan struct {
	ExecutionSteps    []ExecutionStep   `json:"executionSteps"`
	RequiredApprovals RequiredApprovals `json:"requiredApprovals"`
}

// CostEstimate describes resource implications of a proposal.
type CostEstimate struct {
	RequiresCloudCall bool `json:"requiresCloudCall"`
}

// Proposal is a risk-scored, not-yet-executed description of an action.
// It is immutable after creation; callers must treat it as read-only.
type Proposal struct {
	ID           string       `json:"id"`
	IntentType   string       `json:"intentType"`
	OutputType   string       `json:"outputType"`
	RiskTier     RiskTier     `json:"riskTier"`
	ToolPlan     ToolPlan     `json:"toolPlan"`
	CostEstimate CostEstimate `json:"costEstimate"`
	HumanSummary string       `json:"humanSummary"`
	CreatedAt    time.Time    `json:"-"`
}

// Actions returns the side-effect types of the plan in step order.
func (p *Proposal) Actions() []SideEffectType {
	out := make([]SideEffectType, 0, len(p.ToolPlan.ExecutionSteps))
	for _, s := range p.ToolPlan.ExecutionSteps {
		out = append(out, s.Action)
	}
	return out
}

// Validate checks structural invariants of a proposal.
func (p *Proposal) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("contracts: proposal id must not be empty")
	}
	if _, err := ParseRiskTier(string(p.RiskTier)); err != nil {
		return err
	}
	if p.ToolPlan.RequiredApprovals.MultiSignerCount < 1 {
		return fmt.Errorf("contracts: proposal %s: multiSignerCount must be >= 1", p.ID)
	}
	for i, s := range p.ToolPlan.ExecutionSteps {
		if !s.Action.Valid() {
			return fmt.Errorf("contracts: proposal %s: step %d has unknown action %q", p.ID, i, s.Action)
		}
	}
	return nil
}
