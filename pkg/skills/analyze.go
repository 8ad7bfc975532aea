package skills

import (
	"github.com/Mindburn-Labs/steward/pkg/contracts"
)

// AnalysisItem summarises one observed category.
type AnalysisItem struct {
	Category    SignalCategory `json:"category"`
	Occurrences int            `json:"occurrences"`
}

// Analysis is the output of Analyze.
type Analysis struct {
	Items    []AnalysisItem     `json:"items"`
	RiskTier contracts.RiskTier `json:"riskTier"`
}

// Has reports whether category c appears in the analysis.
func (a Analysis) Has(c SignalCategory) bool {
	return a.count(c) > 0
}

func (a Analysis) count(c SignalCategory) int {
	for _, it := range a.Items {
		if it.Category == c {
			return it.Occurrences
		}
	}
	return 0
}

// riskRule raises the tier to Floor when Match holds. Rules only ever raise;
// the result is the maximum over all matching rules.
type riskRule struct {
	Floor contracts.RiskTier
	Match func(Observation) bool
}

var riskRules = []riskRule{
	{contracts.RiskHigh, func(o Observation) bool { return o.Has(SignalLegal) }},
	{contracts.RiskHigh, func(o Observation) bool {
		return o.Has(SignalIrreversible) && o.Has(SignalFinancial)
	}},
	{contracts.RiskMedium, func(o Observation) bool {
		return o.Has(SignalFinancial) && o.Has(SignalDeadline)
	}},
}

// Analyze maps observed signals to a risk tier via the fixed precedence table.
func (p *Pipeline) Analyze(obs Observation) Analysis {
	items := make([]AnalysisItem, 0, len(categoryOrder))
	for _, c := range categoryOrder {
		if n := obs.Occurrences(c); n > 0 {
			items = append(items, AnalysisItem{Category: c, Occurrences: n})
		}
	}

	risk := contracts.RiskLow
	for _, r := range riskRules {
		if r.Match(obs) {
			risk = contracts.MaxRisk(risk, r.Floor)
		}
	}
	return Analysis{Items: items, RiskTier: risk}
}
