// Package export builds metadata-only export packets and validates that no
// content can leave through them.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/steward/pkg/audit"
	"github.com/Mindburn-Labs/steward/pkg/canonicalize"
	"github.com/Mindburn-Labs/steward/pkg/contracts"
	"github.com/Mindburn-Labs/steward/pkg/governance"
	"github.com/Mindburn-Labs/steward/pkg/tiers"
	"github.com/Mindburn-Labs/steward/pkg/usage"
)

// SchemaVersion is the packet format version.
const SchemaVersion = 1

var ErrUnknownKind = errors.New("export: unknown packet kind")

// Kind names a packet type.
type Kind string

const (
	KindAudit  Kind = "audit"
	KindPolicy Kind = "policy"
	KindUsage  Kind = "usage"
)

// ParseKind parses a packet kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindAudit, KindPolicy, KindUsage:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Packet is the exported document.
type Packet struct {
	SchemaVersion int    `json:"schemaVersion"`
	Kind          Kind   `json:"kind"`
	ExportedOn    string `json:"exportedOn"`
	Data          any    `json:"data"`
}

// AuditData is the payload of an audit packet.
type AuditData struct {
	Head   string        `json:"head"`
	Events []audit.Event `json:"events"`
}

// PolicyData is the payload of a policy packet. Deny rules are exported as
// hashes because their expressions are free text.
type PolicyData struct {
	Source                      string   `json:"source"`
	AllowEmailDrafts            bool     `json:"allowEmailDrafts"`
	AllowCalendarWrites         bool     `json:"allowCalendarWrites"`
	AllowTaskCreation           bool     `json:"allowTaskCreation"`
	AllowMemoryWrites           bool     `json:"allowMemoryWrites"`
	RequireExplicitConfirmation bool     `json:"requireExplicitConfirmation"`
	MaxExecutionsPerDay         *int     `json:"maxExecutionsPerDay,omitempty"`
	LocalProcessingOnly         bool     `json:"localProcessingOnly"`
	DenyRuleHashes              []string `json:"denyRuleHashes,omitempty"`
}

// UsageData is the payload of a usage packet. Dates are day-rounded.
type UsageData struct {
	Tier                 tiers.TierID `json:"tier"`
	WindowStart          string       `json:"windowStart"`
	ExecutionsThisWindow int64        `json:"executionsThisWindow"`
	ExecutionsToday      int64        `json:"executionsToday"`
	StoredItems          int64        `json:"storedItems"`
}

func newPacket(kind Kind, now time.Time, data any) *Packet {
	return &Packet{
		SchemaVersion: SchemaVersion,
		Kind:          kind,
		ExportedOn:    canonicalize.DayRounded(now),
		Data:          data,
	}
}

// AuditPacket snapshots the audit ledger.
func AuditPacket(l *audit.Ledger, now time.Time) *Packet {
	events := l.Events()
	return newPacket(KindAudit, now, AuditData{Head: l.Head(), Events: events})
}

// PolicyPacket exports the live policy.
func PolicyPacket(p *governance.LivePolicy, now time.Time) (*Packet, error) {
	if p == nil {
		return nil, fmt.Errorf("export: no live policy")
	}
	d := PolicyData{
		Source:                      p.Source,
		AllowEmailDrafts:            p.Policy.AllowEmailDrafts,
		AllowCalendarWrites:         p.Policy.AllowCalendarWrites,
		AllowTaskCreation:           p.Policy.AllowTaskCreation,
		AllowMemoryWrites:           p.Policy.AllowMemoryWrites,
		RequireExplicitConfirmation: p.Policy.RequireExplicitConfirmation,
		MaxExecutionsPerDay:         p.Policy.MaxExecutionsPerDay,
		LocalProcessingOnly:         p.Policy.LocalProcessingOnly,
	}
	for _, rule := range p.Policy.DenyWhen {
		d.DenyRuleHashes = append(d.DenyRuleHashes, canonicalize.HashString(rule))
	}
	return newPacket(KindPolicy, now, d), nil
}

// UsagePacket exports the usage counters.
func UsagePacket(ctx context.Context, l *usage.Ledger, tier tiers.TierID, now time.Time) (*Packet, error) {
	snap, err := l.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("export: usage snapshot: %w", err)
	}
	return newPacket(KindUsage, now, UsageData{
		Tier:                 tier,
		WindowStart:          canonicalize.DayRounded(snap.WindowStart),
		ExecutionsThisWindow: snap.ExecutionsThisWindow,
		ExecutionsToday:      snap.ExecutionsToday,
		StoredItems:          snap.StoredItems,
	}), nil
}

// Encode validates p and returns its JSON encoding. A packet with any
// violation is never encoded.
func Encode(p *Packet) ([]byte, error) {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("export: encode: %w", err)
	}
	if err := contracts.AsError(ValidateBytes(data)); err != nil {
		return nil, err
	}
	return data, nil
}
