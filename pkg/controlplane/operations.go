package controlplane

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/steward/pkg/approval"
	"github.com/Mindburn-Labs/steward/pkg/audit"
	"github.com/Mindburn-Labs/steward/pkg/canonicalize"
	"github.com/Mindburn-Labs/steward/pkg/config"
	"github.com/Mindburn-Labs/steward/pkg/contracts"
	"github.com/Mindburn-Labs/steward/pkg/executor"
	"github.com/Mindburn-Labs/steward/pkg/governance"
	"github.com/Mindburn-Labs/steward/pkg/tiers"
	"github.com/Mindburn-Labs/steward/pkg/webhook"
)

// Draft is a proposal together with the gate opened for it.
type Draft struct {
	Proposal *contracts.Proposal `json:"proposal"`
	Gate     approval.Context    `json:"-"`
	State    approval.State      `json:"state"`
	Lineage  *audit.Lineage      `json:"lineage,omitempty"`
}

// Tier returns the configured tier.
func (s *Service) Tier() tiers.TierID { return s.tier }

// Flags returns the current feature flag snapshot. Webhooks are reported
// disabled when the tier does not include them.
func (s *Service) Flags() config.Flags {
	f := *s.flags.Load()
	if !tiers.Get(s.tier).HasFeature("webhooks") {
		f.WebhooksEnabled = false
	}
	return f
}

// SetFlags replaces the feature flags. In-flight operations keep the
// snapshot they started with.
func (s *Service) SetFlags(f config.Flags) {
	s.flags.Store(&f)
	s.logger.Info("feature flags changed",
		"webhooks", f.WebhooksEnabled,
		"audit_purge", f.AuditPurgeEnabled,
		"execution", f.ExecutionEnabled,
	)
}

// Policy returns the live policy.
func (s *Service) Policy() *governance.LivePolicy { return s.policy.Load() }

// UseTemplate makes template id@version the live policy. An empty version
// selects the latest.
func (s *Service) UseTemplate(id, version string) (*governance.LivePolicy, error) {
	live, err := s.Policies.ResolveTemplate(id, version)
	if err != nil {
		return nil, err
	}
	s.policy.Store(live)
	s.logger.Info("live policy changed", "source", live.Source)
	return live, nil
}

// UseCustomPolicy makes p the live policy. Policies without a guardrail
// are rejected.
func (s *Service) UseCustomPolicy(p governance.OperatorPolicy) (*governance.LivePolicy, error) {
	live, err := s.Policies.ResolveCustom(p)
	if err != nil {
		return nil, err
	}
	s.policy.Store(live)
	s.logger.Info("live policy changed", "source", live.Source, "deny_rules", len(p.DenyWhen))
	return live, nil
}

// Propose runs the skill pipeline on text and opens an approval gate for
// the result. The text itself is never stored or logged.
func (s *Service) Propose(ctx context.Context, text string) (*Draft, error) {
	p := s.Pipeline.Propose(text)
	s.record(audit.Record{Kind: audit.KindProposalCreated, Ref: p.ID, Outcome: string(p.RiskTier)})

	policy := s.Policy()
	gc, err := s.Gates.Open(ctx, p, policy)
	if err != nil {
		s.record(audit.Record{Kind: audit.KindPolicyDecision, Ref: p.ID, Outcome: "denied"})
		return nil, err
	}
	decision := "allowed"
	if gc.State == approval.StateConfirmed {
		decision = "autoApproved"
	}
	s.record(audit.Record{Kind: audit.KindPolicyDecision, Ref: p.ID, Outcome: decision})

	lin, err := s.lineage(p, decision)
	if err != nil {
		return nil, err
	}
	s.record(audit.Record{Kind: audit.KindLineage, Ref: p.ID, Outcome: p.OutputType, Lineage: lin})

	s.logger.InfoContext(ctx, "proposal drafted",
		"proposal_id", p.ID,
		"risk", p.RiskTier,
		"steps", len(p.ToolPlan.ExecutionSteps),
		"state", gc.State,
	)
	return &Draft{Proposal: p, Gate: gc, State: gc.State, Lineage: lin}, nil
}

func (s *Service) lineage(p *contracts.Proposal, decision string) (*audit.Lineage, error) {
	procedure, err := canonicalize.CanonicalHash(p.ToolPlan)
	if err != nil {
		return nil, err
	}
	return audit.NewLineage(audit.LineageInput{
		ProcedureHash:  procedure,
		ContextSlot:    p.IntentType,
		OutcomeType:    p.OutputType,
		PolicyDecision: decision,
		TierAtTime:     string(s.tier),
		CreatedAt:      s.clock(),
	})
}

// Approve records the user's approval.
func (s *Service) Approve(ctx context.Context, proposalID string) (approval.Context, error) {
	gc, err := s.Gates.Approve(ctx, proposalID)
	s.decision(proposalID, "approved", err)
	return gc, err
}

// Reject records the user's rejection. The reason is kept on the gate only.
func (s *Service) Reject(ctx context.Context, proposalID, reason string) (approval.Context, error) {
	gc, err := s.Gates.Reject(ctx, proposalID, reason)
	s.decision(proposalID, "rejected", err)
	return gc, err
}

// ConfirmSecond records the second confirmation for one dual side effect.
func (s *Service) ConfirmSecond(ctx context.Context, proposalID string, effect contracts.SideEffectType) (approval.Context, error) {
	gc, err := s.Gates.ConfirmSecond(ctx, proposalID, effect)
	s.decision(proposalID, "confirmed:"+string(effect), err)
	return gc, err
}

func (s *Service) decision(proposalID, outcome string, err error) {
	if err != nil {
		if errors.Is(err, approval.ErrGateNotFound) {
			return
		}
		outcome = "invalid"
	}
	s.record(audit.Record{Kind: audit.KindApprovalDecision, Ref: proposalID, Outcome: outcome})
}

// Authorize issues the capability token for a confirmed proposal.
func (s *Service) Authorize(ctx context.Context, proposalID string) (*contracts.CapabilityToken, error) {
	return s.Engine.Authorize(ctx, s.Flags(), proposalID)
}

// Execute runs the proposal authorized by encodedToken under the live policy.
func (s *Service) Execute(ctx context.Context, encodedToken string) (*executor.Receipt, error) {
	return s.Engine.Execute(ctx, s.Flags(), s.tier, s.Policy(), encodedToken)
}

// HandleWebhook verifies an inbound payload and schedules its follow-on.
func (s *Service) HandleWebhook(ctx context.Context, p *webhook.Payload) (*webhook.Result, error) {
	return s.Webhooks.HandleInbound(ctx, s.Flags(), p)
}

// Relay returns the HTTP handler for inbound webhooks. Flags are read per
// request.
func (s *Service) Relay() *webhook.Relay {
	return webhook.NewRelay(s.Webhooks, s.Flags)
}

// CheckURL evaluates rawURL against the network policy.
func (s *Service) CheckURL(ctx context.Context, rawURL string) error {
	return s.Egress.Validate(ctx, rawURL)
}

// PurgeAudit clears the audit ledger when the feature is enabled and the
// caller confirmed.
func (s *Service) PurgeAudit(confirmed bool) audit.PurgeResult {
	return s.Audit.Purge(s.Flags(), confirmed)
}

// Sweep expires stale gates, drops every gate in a terminal state and
// prunes spent replay entries. It returns the number of gates dropped and
// entries pruned.
func (s *Service) Sweep(ctx context.Context) (dropped, pruned int, err error) {
	dropped = s.Gates.Sweep()
	pruned, err = s.Replay.Prune(ctx, s.clock())
	if err != nil {
		return dropped, 0, fmt.Errorf("controlplane: prune replay store: %w", err)
	}
	if dropped > 0 || pruned > 0 {
		s.logger.InfoContext(ctx, "sweep", "dropped_gates", dropped, "pruned_entries", pruned)
	}
	return dropped, pruned, nil
}

func (s *Service) record(r audit.Record) {
	if _, err := s.Audit.Append(r); err != nil {
		s.logger.Error("audit append failed", "kind", string(r.Kind), "error", err)
	}
}
