package skills

import (
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/steward/pkg/contracts"
)

// maxSigners caps the number of confirmations any proposal can demand.
const maxSigners = 3

type intentShape struct {
	intent  string
	output  string
	actions []contracts.SideEffectType
}

// actionable categories in tie-break order.
var actionable = []struct {
	cats  []SignalCategory
	shape intentShape
}{
	{[]SignalCategory{SignalCommunication}, intentShape{"replyDraft", "emailDraft", []contracts.SideEffectType{contracts.EffectEmailDraft}}},
	{[]SignalCategory{SignalScheduling}, intentShape{"scheduleEvent", "calendarEvent", []contracts.SideEffectType{contracts.EffectCalendarCreate}}},
	{[]SignalCategory{SignalTask, SignalDeadline}, intentShape{"createTask", "task", []contracts.SideEffectType{contracts.EffectTaskCreate}}},
	{[]SignalCategory{SignalMemory}, intentShape{"rememberFact", "note", []contracts.SideEffectType{contracts.EffectMemoryWrite}}},
}

var reviewOnly = intentShape{intent: "reviewOnly", output: "summary"}

// GenerateProposal builds a Proposal from an analysis. The proposal never
// requests a cloud call.
func (p *Pipeline) GenerateProposal(a Analysis) *contracts.Proposal {
	shape := dominantShape(a)

	steps := make([]contracts.ExecutionStep, 0, len(shape.actions))
	for i, act := range shape.actions {
		steps = append(steps, contracts.ExecutionStep{Ordinal: i, Action: act})
	}

	return &contracts.Proposal{
		ID:         p.newID(),
		IntentType: shape.intent,
		OutputType: shape.output,
		RiskTier:   a.RiskTier,
		ToolPlan: contracts.ToolPlan{
			ExecutionSteps:    steps,
			RequiredApprovals: contracts.RequiredApprovals{MultiSignerCount: signerCount(a)},
		},
		CostEstimate: contracts.CostEstimate{RequiresCloudCall: false},
		HumanSummary: summarize(a, shape),
		CreatedAt:    p.clock().UTC(),
	}
}

// Propose runs the whole pipeline on text.
func (p *Pipeline) Propose(text string) *contracts.Proposal {
	return p.GenerateProposal(p.Analyze(p.Observe(text)))
}

func dominantShape(a Analysis) intentShape {
	best, bestN := reviewOnly, 0
	for _, cand := range actionable {
		n := 0
		for _, c := range cand.cats {
			n += a.count(c)
		}
		if n > bestN {
			best, bestN = cand.shape, n
		}
	}
	return best
}

func signerCount(a Analysis) int {
	n := 1
	if a.RiskTier == contracts.RiskHigh && (a.Has(SignalIrreversible) || a.Has(SignalLegal)) {
		n = 2
	}
	if a.Has(SignalFanout) && a.RiskTier.AtLeast(contracts.RiskMedium) {
		n++
	}
	return min(n, maxSigners)
}

func summarize(a Analysis, shape intentShape) string {
	cats := make([]string, 0, len(a.Items))
	for _, it := range a.Items {
		cats = append(cats, string(it.Category))
	}
	return fmt.Sprintf("%s proposal (%s risk): %d signal categories [%s], %d action(s)",
		shape.intent, a.RiskTier, len(a.Items), strings.Join(cats, ", "), len(shape.actions))
}
