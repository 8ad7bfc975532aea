package audit

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/steward/pkg/canonicalize"
	"github.com/Mindburn-Labs/steward/pkg/contracts"
)

// Lineage is the metadata-only provenance of one drafted outcome.
type Lineage struct {
	ID                  string `json:"id"`
	ProcedureHash       string `json:"procedureHash"`
	ContextSlot         string `json:"contextSlot"`
	OutcomeType         string `json:"outcomeType"`
	PolicyDecision      string `json:"policyDecision"`
	TierAtTime          string `json:"tierAtTime"`
	EditCount           int    `json:"editCount"`
	CreatedAtDayRounded string `json:"createdAtDayRounded"`
	DeterministicHash   string `json:"deterministicHash"`
}

// lineageProjection is the hashed view of a Lineage: every semantic field,
// without the random id and without the hash itself.
type lineageProjection struct {
	ProcedureHash       string `json:"procedureHash"`
	ContextSlot         string `json:"contextSlot"`
	OutcomeType         string `json:"outcomeType"`
	PolicyDecision      string `json:"policyDecision"`
	TierAtTime          string `json:"tierAtTime"`
	EditCount           int    `json:"editCount"`
	CreatedAtDayRounded string `json:"createdAtDayRounded"`
}

// LineageInput carries the fields a caller supplies for a new lineage.
type LineageInput struct {
	ProcedureHash  string
	ContextSlot    string
	OutcomeType    string
	PolicyDecision string
	TierAtTime     string
	EditCount      int
	CreatedAt      time.Time
}

// NewLineage assigns an id, rounds the timestamp to its UTC day and
// computes the deterministic hash.
func NewLineage(in LineageInput) (*Lineage, error) {
	l := &Lineage{
		ID:                  uuid.NewString(),
		ProcedureHash:       in.ProcedureHash,
		ContextSlot:         in.ContextSlot,
		OutcomeType:         in.OutcomeType,
		PolicyDecision:      in.PolicyDecision,
		TierAtTime:          in.TierAtTime,
		EditCount:           in.EditCount,
		CreatedAtDayRounded: canonicalize.DayRounded(in.CreatedAt),
	}
	if err := contracts.AsError(l.Validate()); err != nil {
		return nil, err
	}
	h, err := l.ComputeHash()
	if err != nil {
		return nil, err
	}
	l.DeterministicHash = h
	return l, nil
}

// ComputeHash returns the SHA-256 of the canonical projection.
func (l *Lineage) ComputeHash() (string, error) {
	h, err := canonicalize.CanonicalHash(lineageProjection{
		ProcedureHash:       l.ProcedureHash,
		ContextSlot:         l.ContextSlot,
		OutcomeType:         l.OutcomeType,
		PolicyDecision:      l.PolicyDecision,
		TierAtTime:          l.TierAtTime,
		EditCount:           l.EditCount,
		CreatedAtDayRounded: l.CreatedAtDayRounded,
	})
	if err != nil {
		return "", fmt.Errorf("audit: lineage hash: %w", err)
	}
	return h, nil
}

// Verify reports whether DeterministicHash matches the current fields.
func (l *Lineage) Verify() bool {
	h, err := l.ComputeHash()
	return err == nil && h == l.DeterministicHash
}

// Edited returns a copy with the edit count incremented and a fresh hash.
func (l *Lineage) Edited() (*Lineage, error) {
	cp := *l
	cp.EditCount++
	h, err := cp.ComputeHash()
	if err != nil {
		return nil, err
	}
	cp.DeterministicHash = h
	return &cp, nil
}

// Validate collects every structural problem with the lineage.
func (l *Lineage) Validate() []contracts.Violation {
	var vs []contracts.Violation
	if !canonicalize.IsHexSHA256(l.ProcedureHash) {
		vs = append(vs, contracts.Violation{Path: "procedureHash", Code: "format", Message: "must be lower-case hex SHA-256"})
	}
	for path, v := range map[string]string{
		"contextSlot":    l.ContextSlot,
		"outcomeType":    l.OutcomeType,
		"policyDecision": l.PolicyDecision,
		"tierAtTime":     l.TierAtTime,
	} {
		if !tokenPattern.MatchString(v) || v == "" {
			vs = append(vs, contracts.Violation{Path: path, Code: "format", Message: "must be a non-empty identifier"})
		}
	}
	if l.EditCount < 0 {
		vs = append(vs, contracts.Violation{Path: "editCount", Code: "range", Message: "must be non-negative"})
	}
	if _, err := canonicalize.ParseDay(l.CreatedAtDayRounded); err != nil {
		vs = append(vs, contracts.Violation{Path: "createdAtDayRounded", Code: "format", Message: "must be yyyy-MM-dd"})
	}
	sortViolations(vs)
	return vs
}
