// Package governance resolves operator policy: immutable, versioned templates
// and custom policies become a LivePolicy that is consulted before any side
// effect is constructed.
package governance

import (
	"errors"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/steward/pkg/contracts"
)

var (
	ErrCategoryDenied    = errors.New("governance: category disabled by policy")
	ErrRuleDenied        = errors.New("governance: denied by policy rule")
	ErrUnsafePolicy      = errors.New("governance: policy sets no guardrail")
	ErrLocalOnly         = errors.New("governance: local processing only")
	ErrTemplateImmutable = errors.New("governance: template version already registered with different content")
	ErrTemplateNotFound  = errors.New("governance: template not found")
)

// OperatorPolicy is the set of allow flags and guardrails an operator chose.
type OperatorPolicy struct {
	AllowEmailDrafts            bool     `json:"allowEmailDrafts" yaml:"allowEmailDrafts"`
	AllowCalendarWrites         bool     `json:"allowCalendarWrites" yaml:"allowCalendarWrites"`
	AllowTaskCreation           bool     `json:"allowTaskCreation" yaml:"allowTaskCreation"`
	AllowMemoryWrites           bool     `json:"allowMemoryWrites" yaml:"allowMemoryWrites"`
	RequireExplicitConfirmation bool     `json:"requireExplicitConfirmation" yaml:"requireExplicitConfirmation"`
	MaxExecutionsPerDay         *int     `json:"maxExecutionsPerDay,omitempty" yaml:"maxExecutionsPerDay,omitempty"`
	LocalProcessingOnly         bool     `json:"localProcessingOnly" yaml:"localProcessingOnly"`
	DenyWhen                    []string `json:"denyWhen,omitempty" yaml:"denyWhen,omitempty"`
}

// HasGuardrail reports whether at least one of explicit confirmation, a
// daily cap or local-only processing is set.
func (p OperatorPolicy) HasGuardrail() bool {
	return p.RequireExplicitConfirmation || p.MaxExecutionsPerDay != nil || p.LocalProcessingOnly
}

// AllowsCategory reports whether side effects of category c may be built.
// Unknown categories are denied.
func (p OperatorPolicy) AllowsCategory(c contracts.Category) bool {
	switch c {
	case contracts.CategoryEmail:
		return p.AllowEmailDrafts
	case contracts.CategoryCalendar:
		return p.AllowCalendarWrites
	case contracts.CategoryTask:
		return p.AllowTaskCreation
	case contracts.CategoryMemory:
		return p.AllowMemoryWrites
	}
	return false
}

// LivePolicy is a resolved policy with its deny rules compiled.
type LivePolicy struct {
	Source  string // "template:<id>@<version>" or "custom"
	Policy  OperatorPolicy
	denyPrg []cel.Program
}

// CheckEffect returns nil when effect may be constructed at the given risk.
func (l *LivePolicy) CheckEffect(effect contracts.SideEffectType, risk contracts.RiskTier) error {
	if l == nil {
		return fmt.Errorf("%w: no policy", ErrCategoryDenied)
	}
	cat := effect.Category()
	if !l.Policy.AllowsCategory(cat) {
		return fmt.Errorf("%w: %s", ErrCategoryDenied, cat)
	}
	input := map[string]any{
		"effect":   string(effect),
		"category": string(cat),
		"risk":     string(risk),
	}
	for i, prg := range l.denyPrg {
		out, _, err := prg.Eval(input)
		if err != nil {
			// evaluation errors deny
			return fmt.Errorf("%w: rule %d: %v", ErrRuleDenied, i, err)
		}
		if deny, ok := out.Value().(bool); !ok || deny {
			return fmt.Errorf("%w: rule %d", ErrRuleDenied, i)
		}
	}
	return nil
}

// ExplicitConfirmation reports whether every proposal needs explicit approval.
// A nil policy requires it.
func (l *LivePolicy) ExplicitConfirmation() bool {
	return l == nil || l.Policy.RequireExplicitConfirmation
}

// CheckHandler rejects networked handlers under local-only processing.
func (l *LivePolicy) CheckHandler(networked bool) error {
	if l == nil {
		return fmt.Errorf("%w: no policy", ErrLocalOnly)
	}
	if networked && l.Policy.LocalProcessingOnly {
		return ErrLocalOnly
	}
	return nil
}

// CheckProposal rejects proposals that need a cloud call under local-only processing.
func (l *LivePolicy) CheckProposal(p *contracts.Proposal) error {
	return l.CheckHandler(p.CostEstimate.RequiresCloudCall)
}

// DailyLimit returns the per-day execution cap, or nil for none.
func (l *LivePolicy) DailyLimit() *int {
	if l == nil {
		return nil
	}
	return l.Policy.MaxExecutionsPerDay
}
