// Package audit is the bounded, hash-chained record of policy decisions and
// lineage.
//
// Events hold kinds and hashes only. The ledger assigns sequence numbers
// itself, so callers cannot forge ordering.
package audit

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/steward/pkg/canonicalize"
	"github.com/Mindburn-Labs/steward/pkg/config"
	"github.com/Mindburn-Labs/steward/pkg/contracts"
)

var (
	ErrChainBroken     = errors.New("audit: hash chain is broken")
	ErrInvalidRecord   = errors.New("audit: invalid record")
	ErrLineageTampered = errors.New("audit: lineage hash mismatch")
)

// DefaultCapacity is the ring buffer size.
const DefaultCapacity = 500

const genesisHash = "genesis"

// tokenPattern bounds identifier-like fields so free text cannot ride along.
var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9_.:@/+\-]{0,128}$`)

// Kind categorizes audit events.
type Kind string

const (
	KindProposalCreated  Kind = "proposal.created"
	KindPolicyDecision   Kind = "policy.decision"
	KindApprovalDecision Kind = "approval.decision"
	KindTokenIssued      Kind = "token.issued"
	KindExecution        Kind = "execution"
	KindExecutionDenied  Kind = "execution.denied"
	KindWebhookAccepted  Kind = "webhook.accepted"
	KindWebhookRejected  Kind = "webhook.rejected"
	KindLineage          Kind = "lineage"
)

// Record is what a caller submits. Sequence, hashes and ids are assigned by
// the ledger.
type Record struct {
	Kind    Kind
	Ref     string // proposal, token or task id
	Outcome string // short machine-readable outcome, e.g. "allowed"
	Lineage *Lineage
}

// Event is a stored audit entry.
type Event struct {
	ID             string   `json:"id"`
	SequenceNumber uint64   `json:"sequenceNumber"`
	Kind           Kind     `json:"kind"`
	Ref            string   `json:"ref,omitempty"`
	Outcome        string   `json:"outcome,omitempty"`
	RecordedOn     string   `json:"recordedOn"`
	Lineage        *Lineage `json:"lineage,omitempty"`
	PrevHash       string   `json:"prevHash"`
	EntryHash      string   `json:"entryHash"`
}

// PurgeResult is the outcome of a purge request.
type PurgeResult string

const (
	PurgeRequiresConfirmation PurgeResult = "requiresConfirmation"
	PurgeSuccess              PurgeResult = "success"
	PurgeNotEnabled           PurgeResult = "notEnabled"
)

// Ledger is a fixed-capacity ring buffer of hash-chained events.
type Ledger struct {
	mu       sync.RWMutex
	buf      []Event
	start    int
	count    int
	sequence uint64
	anchor   string // prevHash expected of the oldest retained event
	head     string
	clock    func() time.Time
	logger   *slog.Logger
}

// NewLedger creates a ledger. A capacity below 1 uses DefaultCapacity.
func NewLedger(capacity int) *Ledger {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Ledger{
		buf:    make([]Event, capacity),
		anchor: genesisHash,
		head:   genesisHash,
		clock:  time.Now,
		logger: slog.Default().With("component", "audit"),
	}
}

// WithClock overrides the time source.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// WithLogger sets the logger.
func (l *Ledger) WithLogger(logger *slog.Logger) *Ledger {
	l.logger = logger
	return l
}

// Capacity returns the ring size.
func (l *Ledger) Capacity() int { return len(l.buf) }

// Append validates and stores a record, evicting the oldest event when full.
func (l *Ledger) Append(r Record) (Event, error) {
	if err := contracts.AsError(validateRecord(r)); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	var lin *Lineage
	if r.Lineage != nil {
		if !r.Lineage.Verify() {
			return Event{}, ErrLineageTampered
		}
		cp := *r.Lineage
		lin = &cp
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e := Event{
		ID:             uuid.NewString(),
		SequenceNumber: l.sequence + 1,
		Kind:           r.Kind,
		Ref:            r.Ref,
		Outcome:        r.Outcome,
		RecordedOn:     canonicalize.DayRounded(l.clock()),
		Lineage:        lin,
		PrevHash:       l.head,
	}
	h, err := entryHash(&e)
	if err != nil {
		return Event{}, err
	}
	e.EntryHash = h

	capacity := len(l.buf)
	if l.count == capacity {
		evicted := l.buf[l.start]
		l.anchor = evicted.EntryHash
		l.buf[l.start] = e
		l.start = (l.start + 1) % capacity
	} else {
		l.buf[(l.start+l.count)%capacity] = e
		l.count++
	}
	l.sequence = e.SequenceNumber
	l.head = e.EntryHash

	l.logger.Debug("audit event appended", "sequence", e.SequenceNumber, "kind", string(e.Kind))
	return e, nil
}

// Events returns the retained events, oldest first.
func (l *Ledger) Events() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshotLocked()
}

// Since returns retained events with a sequence number greater than seq.
func (l *Ledger) Since(seq uint64) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	all := l.snapshotLocked()
	i := sort.Search(len(all), func(i int) bool { return all[i].SequenceNumber > seq })
	return all[i:]
}

func (l *Ledger) snapshotLocked() []Event {
	out := make([]Event, 0, l.count)
	for i := 0; i < l.count; i++ {
		e := l.buf[(l.start+i)%len(l.buf)]
		if e.Lineage != nil {
			cp := *e.Lineage
			e.Lineage = &cp
		}
		out = append(out, e)
	}
	return out
}

// Len returns the number of retained events.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}

// Head returns the hash of the newest event, or the anchor when empty.
func (l *Ledger) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

// Sequence returns the last assigned sequence number.
func (l *Ledger) Sequence() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sequence
}

// VerifyChain recomputes every retained hash and checks the links, starting
// from the anchor left by the last evicted or purged event.
func (l *Ledger) VerifyChain() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	expectedPrev := l.anchor
	for i := 0; i < l.count; i++ {
		e := l.buf[(l.start+i)%len(l.buf)]
		if e.PrevHash != expectedPrev {
			return fmt.Errorf("%w: sequence %d has prevHash %s but expected %s",
				ErrChainBroken, e.SequenceNumber, e.PrevHash, expectedPrev)
		}
		computed, err := entryHash(&e)
		if err != nil {
			return fmt.Errorf("%w: sequence %d: %w", ErrChainBroken, e.SequenceNumber, err)
		}
		if computed != e.EntryHash {
			return fmt.Errorf("%w: sequence %d hash mismatch", ErrChainBroken, e.SequenceNumber)
		}
		if e.Lineage != nil && !e.Lineage.Verify() {
			return fmt.Errorf("%w: sequence %d: %w", ErrChainBroken, e.SequenceNumber, ErrLineageTampered)
		}
		expectedPrev = e.EntryHash
	}
	return nil
}

// Purge clears the buffer. It never acts unless the feature is enabled and
// the caller has confirmed. Sequence numbering continues after a purge.
func (l *Ledger) Purge(flags config.Flags, confirmed bool) PurgeResult {
	if !flags.AuditPurgeEnabled {
		return PurgeNotEnabled
	}
	if !confirmed {
		return PurgeRequiresConfirmation
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	removed := l.count
	for i := range l.buf {
		l.buf[i] = Event{}
	}
	l.start, l.count = 0, 0
	l.anchor = l.head
	l.logger.Info("audit ledger purged", "removed", removed, "sequence", l.sequence)
	return PurgeSuccess
}

func entryHash(e *Event) (string, error) {
	lineageHash := ""
	if e.Lineage != nil {
		lineageHash = e.Lineage.DeterministicHash
	}
	h, err := canonicalize.CanonicalHash(struct {
		ID             string `json:"id"`
		SequenceNumber uint64 `json:"sequenceNumber"`
		Kind           Kind   `json:"kind"`
		Ref            string `json:"ref"`
		Outcome        string `json:"outcome"`
		RecordedOn     string `json:"recordedOn"`
		LineageHash    string `json:"lineageHash"`
		PrevHash       string `json:"prevHash"`
	}{e.ID, e.SequenceNumber, e.Kind, e.Ref, e.Outcome, e.RecordedOn, lineageHash, e.PrevHash})
	if err != nil {
		return "", fmt.Errorf("audit: entry hash: %w", err)
	}
	return h, nil
}

func validateRecord(r Record) []contracts.Violation {
	var vs []contracts.Violation
	if r.Kind == "" || !tokenPattern.MatchString(string(r.Kind)) {
		vs = append(vs, contracts.Violation{Path: "kind", Code: "format", Message: "must be a non-empty identifier"})
	}
	if !tokenPattern.MatchString(r.Ref) {
		vs = append(vs, contracts.Violation{Path: "ref", Code: "format", Message: "must be an identifier"})
	}
	if !tokenPattern.MatchString(r.Outcome) {
		vs = append(vs, contracts.Violation{Path: "outcome", Code: "format", Message: "must be an identifier"})
	}
	if r.Lineage != nil {
		for _, v := range r.Lineage.Validate() {
			v.Path = "lineage." + v.Path
			vs = append(vs, v)
		}
	}
	return vs
}

func sortViolations(vs []contracts.Violation) {
	sort.Slice(vs, func(i, j int) bool { return vs[i].Path < vs[j].Path })
}
