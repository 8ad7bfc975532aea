// Package executor performs approved side effects exactly once.
//
// A call executes only with a verified, unexpired, unconsumed capability
// token whose scope covers the proposal, a gate in the Executable state,
// a policy that still allows every effect and quota headroom. Any failed
// check denies the call.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/steward/pkg/approval"
	"github.com/Mindburn-Labs/steward/pkg/audit"
	"github.com/Mindburn-Labs/steward/pkg/capabilities"
	"github.com/Mindburn-Labs/steward/pkg/config"
	"github.com/Mindburn-Labs/steward/pkg/contracts"
	"github.com/Mindburn-Labs/steward/pkg/observability"
	"github.com/Mindburn-Labs/steward/pkg/tiers"
	"github.com/Mindburn-Labs/steward/pkg/usage"
)

var (
	ErrExecutionDisabled = errors.New("executor: execution disabled")
	ErrNotExecutable     = errors.New("executor: gate does not allow execution")
	ErrScopeMismatch     = errors.New("executor: token scope does not cover proposal")
	ErrTokenReplayed     = errors.New("executor: token already consumed")
	ErrQuotaExceeded     = errors.New("executor: quota exceeded")
	ErrPolicyDenied      = errors.New("executor: denied by policy")
	ErrHandlerFailed     = errors.New("executor: handler failed")
)

// LimitError carries the quota decision that denied an execution so the
// caller can show when the limit resets.
type LimitError struct {
	Decision usage.LimitDecision
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%v: %s", ErrQuotaExceeded, e.Decision.Reason)
}

func (e *LimitError) Unwrap() error { return ErrQuotaExceeded }

// Gates is the approval gate surface the engine needs.
type Gates interface {
	Get(proposalID string) (approval.Context, error)
	Apply(ctx context.Context, proposalID string, ev approval.Event) (approval.Context, error)
}

// Policy is the live policy surface the engine needs.
type Policy interface {
	CheckEffect(effect contracts.SideEffectType, risk contracts.RiskTier) error
	CheckHandler(networked bool) error
	CheckProposal(p *contracts.Proposal) error
	DailyLimit() *int
}

// Quota is the usage ledger surface the engine needs.
// Reserve counts the execution up front; the engine calls release when the
// execution does not go through.
type Quota interface {
	Reserve(ctx context.Context, tier tiers.TierID, daily *int) (usage.LimitDecision, func(context.Context), error)
}

// StepResult is the outcome of one executed step.
type StepResult struct {
	Ordinal int                      `json:"ordinal"`
	Effect  contracts.SideEffectType `json:"effect"`
	Ref     string                   `json:"ref,omitempty"`
}

// Receipt records a completed execution.
type Receipt struct {
	ProposalID string       `json:"proposalId"`
	TokenID    string       `json:"tokenId"`
	Steps      []StepResult `json:"steps"`
	ExecutedAt time.Time    `json:"executedAt"`
	AuditSeq   uint64       `json:"auditSequence,omitempty"`
}

// Deps are the collaborators of an Engine. Every field is required except
// Audit and Telemetry.
type Deps struct {
	Issuer    *capabilities.Issuer
	Replay    capabilities.ReplayStore
	Gates     Gates
	Quota     Quota
	Handlers  *Registry
	Audit     *audit.Ledger
	Telemetry *observability.Provider
}

// Engine is the execution engine.
type Engine struct {
	deps   Deps
	clock  func() time.Time
	logger *slog.Logger
}

// NewEngine creates an engine.
func NewEngine(deps Deps) *Engine {
	return &Engine{
		deps:   deps,
		clock:  time.Now,
		logger: slog.Default().With("component", "executor"),
	}
}

// WithClock overrides the time source.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// WithLogger sets the logger.
func (e *Engine) WithLogger(l *slog.Logger) *Engine {
	e.logger = l
	return e
}

// Authorize issues a capability token for a Confirmed gate and moves the
// gate to Executable. One gate yields at most one token.
func (e *Engine) Authorize(ctx context.Context, flags config.Flags, proposalID string) (*contracts.CapabilityToken, error) {
	if !flags.ExecutionEnabled {
		return nil, ErrExecutionDisabled
	}
	if e.deps.Issuer == nil || e.deps.Gates == nil {
		return nil, fmt.Errorf("%w: engine not configured", ErrNotExecutable)
	}
	gc, err := e.deps.Gates.Get(proposalID)
	if err != nil {
		return nil, err
	}
	if gc.State != approval.StateConfirmed || !approval.CanExecute(gc) {
		return nil, fmt.Errorf("%w: state %s", ErrNotExecutable, gc.State)
	}
	tok, err := e.deps.Issuer.Issue(proposalID, gc.Draft.Actions())
	if err != nil {
		return nil, err
	}
	if _, err := e.deps.Gates.Apply(ctx, proposalID, approval.Issue{TokenID: tok.ID}); err != nil {
		return nil, err
	}
	e.record(audit.KindTokenIssued, proposalID, "issued")
	e.logger.InfoContext(ctx, "capability token issued", "proposal_id", proposalID, "token_id", tok.ID, "expires_at", tok.ExpiresAt)
	return tok, nil
}

// Execute runs every step of the proposal the token authorizes. Checks run
// in order: token signature, expiry, gate, policy, quota, then single-use
// consumption. Nothing is dispatched unless all pass.
func (e *Engine) Execute(ctx context.Context, flags config.Flags, tier tiers.TierID, policy Policy, encodedToken string) (rcpt *Receipt, err error) {
	ctx, done := e.deps.Telemetry.TrackOperation(ctx, "execute", attribute.String("tier", string(tier)))
	defer func() { done(err) }()

	if !flags.ExecutionEnabled {
		return nil, ErrExecutionDisabled
	}
	if e.deps.Issuer == nil || e.deps.Replay == nil || e.deps.Gates == nil || e.deps.Quota == nil || e.deps.Handlers == nil {
		return nil, fmt.Errorf("%w: engine not configured", ErrNotExecutable)
	}

	tok, err := e.deps.Issuer.Verify(encodedToken)
	if err != nil {
		e.record(audit.KindExecutionDenied, "", "denied:token")
		return nil, err
	}
	now := e.clock()
	if tok.Expired(now) {
		e.record(audit.KindExecutionDenied, tok.Scope.ProposalID, "denied:expired")
		return nil, capabilities.ErrTokenExpired
	}
	proposalID := tok.Scope.ProposalID

	gc, err := e.deps.Gates.Get(proposalID)
	if err != nil {
		e.record(audit.KindExecutionDenied, proposalID, "denied:gate")
		return nil, fmt.Errorf("%w: %v", ErrNotExecutable, err)
	}
	if gc.State != approval.StateExecutable || !approval.CanExecute(gc) || gc.TokenID != tok.ID {
		e.record(audit.KindExecutionDenied, proposalID, "denied:gate")
		return nil, fmt.Errorf("%w: state %s", ErrNotExecutable, gc.State)
	}
	proposal := gc.Draft
	if !tok.Scope.Covers(proposalID, proposal.Actions()) {
		e.record(audit.KindExecutionDenied, proposalID, "denied:scope")
		return nil, ErrScopeMismatch
	}

	regs, err := e.checkPolicy(policy, proposal)
	if err != nil {
		e.record(audit.KindExecutionDenied, proposalID, "denied:policy")
		return nil, err
	}

	release, err := e.reserveQuota(ctx, tier, policy.DailyLimit())
	if err != nil {
		e.record(audit.KindExecutionDenied, proposalID, "denied:quota")
		return nil, err
	}

	fresh, err := e.deps.Replay.Consume(ctx, capabilities.TokenKey(tok.ID), tok.ExpiresAt)
	if err != nil {
		release(ctx)
		return nil, fmt.Errorf("executor: replay store: %w", err)
	}
	if !fresh {
		release(ctx)
		e.record(audit.KindExecutionDenied, proposalID, "denied:replay")
		return nil, ErrTokenReplayed
	}

	rcpt = &Receipt{ProposalID: proposalID, TokenID: tok.ID}
	steps := append([]contracts.ExecutionStep(nil), proposal.ToolPlan.ExecutionSteps...)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Ordinal < steps[j].Ordinal })
	for i, step := range steps {
		out, herr := regs[i].Handler.Handle(ctx, Request{ProposalID: proposalID, Step: step})
		if herr != nil {
			release(ctx)
			if _, ferr := e.deps.Gates.Apply(ctx, proposalID, approval.Fail{Reason: "handler failed"}); ferr != nil {
				e.logger.ErrorContext(ctx, "gate fail transition", "proposal_id", proposalID, "error", ferr)
			}
			e.record(audit.KindExecution, proposalID, "failed")
			e.logger.WarnContext(ctx, "execution failed", "proposal_id", proposalID, "effect", step.Action, "ordinal", step.Ordinal)
			return nil, fmt.Errorf("%w: %s step %d: %w", ErrHandlerFailed, step.Action, step.Ordinal, herr)
		}
		rcpt.Steps = append(rcpt.Steps, StepResult{Ordinal: step.Ordinal, Effect: step.Action, Ref: out.Ref})
	}

	if _, err := e.deps.Gates.Apply(ctx, proposalID, approval.Complete{}); err != nil {
		e.logger.ErrorContext(ctx, "gate complete transition", "proposal_id", proposalID, "error", err)
	}
	rcpt.ExecutedAt = e.clock().UTC()
	rcpt.AuditSeq = e.record(audit.KindExecution, proposalID, "executed")
	e.logger.InfoContext(ctx, "proposal executed", "proposal_id", proposalID, "steps", len(rcpt.Steps))
	return rcpt, nil
}

// checkPolicy returns the handler registrations in step order.
func (e *Engine) checkPolicy(policy Policy, p *contracts.Proposal) ([]Registration, error) {
	if policy == nil {
		return nil, fmt.Errorf("%w: no policy", ErrPolicyDenied)
	}
	if err := policy.CheckProposal(p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPolicyDenied, err)
	}
	steps := append([]contracts.ExecutionStep(nil), p.ToolPlan.ExecutionSteps...)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Ordinal < steps[j].Ordinal })

	regs := make([]Registration, 0, len(steps))
	for _, s := range steps {
		if err := policy.CheckEffect(s.Action, p.RiskTier); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPolicyDenied, err)
		}
		reg, err := e.deps.Handlers.Lookup(s.Action)
		if err != nil {
			return nil, err
		}
		if err := policy.CheckHandler(reg.Networked); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPolicyDenied, err)
		}
		regs = append(regs, reg)
	}
	return regs, nil
}

// reserveQuota holds one execution against the window quota and the daily
// limit until release is called.
func (e *Engine) reserveQuota(ctx context.Context, tier tiers.TierID, daily *int) (func(context.Context), error) {
	d, release, err := e.deps.Quota.Reserve(ctx, tier, daily)
	if err != nil {
		return nil, fmt.Errorf("executor: usage ledger: %w", err)
	}
	if !d.Allowed || release == nil {
		return nil, &LimitError{Decision: d}
	}
	return release, nil
}

// record appends to the audit ledger when one is configured and returns the
// assigned sequence number.
func (e *Engine) record(kind audit.Kind, ref, outcome string) uint64 {
	if e.deps.Audit == nil {
		return 0
	}
	ev, err := e.deps.Audit.Append(audit.Record{Kind: kind, Ref: ref, Outcome: outcome})
	if err != nil {
		e.logger.Error("audit append failed", "kind", string(kind), "error", err)
		return 0
	}
	return ev.SequenceNumber
}
