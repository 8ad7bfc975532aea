package audit

import (
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/steward/pkg/canonicalize"
	"github.com/Mindburn-Labs/steward/pkg/config"
)

var day = time.Date(2026, 5, 2, 14, 0, 0, 0, time.UTC)

func sampleInput() LineageInput {
	return LineageInput{
		ProcedureHash:  canonicalize.HashString("replyDraft"),
		ContextSlot:    "inbox",
		OutcomeType:    "emailDraft",
		PolicyDecision: "allowed",
		TierAtTime:     "free",
		EditCount:      0,
		CreatedAt:      day,
	}
}

func TestLineage_HashIgnoresIDAndTimeOfDay(t *testing.T) {
	a, err := NewLineage(sampleInput())
	require.NoError(t, err)

	in := sampleInput()
	in.CreatedAt = day.Add(9 * time.Hour)
	b, err := NewLineage(in)
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "2026-05-02", a.CreatedAtDayRounded)
	assert.Equal(t, a.DeterministicHash, b.DeterministicHash)
	assert.True(t, canonicalize.IsHexSHA256(a.DeterministicHash))
}

func TestLineage_EditChangesHash(t *testing.T) {
	a, err := NewLineage(sampleInput())
	require.NoError(t, err)

	edited, err := a.Edited()
	require.NoError(t, err)
	assert.Equal(t, 1, edited.EditCount)
	assert.NotEqual(t, a.DeterministicHash, edited.DeterministicHash)
	assert.Equal(t, 0, a.EditCount, "original is untouched")
	assert.True(t, edited.Verify())

	next := sampleInput()
	next.CreatedAt = day.Add(24 * time.Hour)
	c, err := NewLineage(next)
	require.NoError(t, err)
	assert.NotEqual(t, a.DeterministicHash, c.DeterministicHash)
}

func TestLineage_ValidateCollectsAll(t *testing.T) {
	_, err := NewLineage(LineageInput{ProcedureHash: "nope", ContextSlot: "free text here", EditCount: -1})
	require.Error(t, err)
	for _, path := range []string{"procedureHash", "contextSlot", "outcomeType", "policyDecision", "tierAtTime", "editCount"} {
		assert.Contains(t, err.Error(), path)
	}
}

func TestLineage_HashProperty(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("hash depends on semantics only", prop.ForAll(
		func(slot string, edits int, idA, idB string) bool {
			if slot == "" || len(slot) > 128 {
				return true
			}
			in := sampleInput()
			in.ContextSlot = slot
			in.EditCount = edits
			a, err := NewLineage(in)
			if err != nil {
				return false
			}
			b, err := NewLineage(in)
			if err != nil {
				return false
			}
			a.ID, b.ID = idA, idB
			ha, _ := a.ComputeHash()
			hb, _ := b.ComputeHash()
			if ha != hb {
				return false
			}
			e, err := a.Edited()
			return err == nil && e.DeterministicHash != ha
		},
		gen.Identifier(),
		gen.IntRange(0, 1000),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestLedger_SequenceAndChain(t *testing.T) {
	l := NewLedger(10).WithClock(func() time.Time { return day })
	lin, err := NewLineage(sampleInput())
	require.NoError(t, err)

	e1, err := l.Append(Record{Kind: KindProposalCreated, Ref: "p-1"})
	require.NoError(t, err)
	e2, err := l.Append(Record{Kind: KindLineage, Ref: "p-1", Lineage: lin})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), e1.SequenceNumber)
	assert.Equal(t, uint64(2), e2.SequenceNumber)
	assert.Equal(t, genesisHash, e1.PrevHash)
	assert.Equal(t, e1.EntryHash, e2.PrevHash)
	assert.Equal(t, e2.EntryHash, l.Head())
	assert.Equal(t, "2026-05-02", e2.RecordedOn)
	require.NoError(t, l.VerifyChain())

	assert.Len(t, l.Since(1), 1)
	assert.Len(t, l.Since(0), 2)
}

func TestLedger_RejectsTamperedLineageAndFreeText(t *testing.T) {
	l := NewLedger(10)
	lin, err := NewLineage(sampleInput())
	require.NoError(t, err)
	lin.EditCount = 7

	_, err = l.Append(Record{Kind: KindLineage, Lineage: lin})
	assert.ErrorIs(t, err, ErrLineageTampered)

	_, err = l.Append(Record{Kind: KindExecution, Ref: "Dear Bob, the contract is attached"})
	assert.ErrorIs(t, err, ErrInvalidRecord)

	_, err = l.Append(Record{})
	assert.ErrorIs(t, err, ErrInvalidRecord)
	assert.Zero(t, l.Len())
	assert.Zero(t, l.Sequence())
}

func TestLedger_RingBufferEvictsOldestFirst(t *testing.T) {
	const capacity = 500
	l := NewLedger(capacity)
	for i := 1; i <= capacity+37; i++ {
		_, err := l.Append(Record{Kind: KindExecution, Ref: fmt.Sprintf("p-%d", i)})
		require.NoError(t, err)
		require.LessOrEqual(t, l.Len(), capacity)
	}

	events := l.Events()
	require.Len(t, events, capacity)
	assert.Equal(t, uint64(38), events[0].SequenceNumber)
	assert.Equal(t, uint64(capacity+37), events[len(events)-1].SequenceNumber)
	assert.Equal(t, "p-38", events[0].Ref)
	require.NoError(t, l.VerifyChain())
}

func TestLedger_VerifyChainDetectsTampering(t *testing.T) {
	l := NewLedger(4)
	for i := 0; i < 3; i++ {
		_, err := l.Append(Record{Kind: KindExecution, Outcome: "executed"})
		require.NoError(t, err)
	}
	l.buf[1].Outcome = "denied"
	assert.ErrorIs(t, l.VerifyChain(), ErrChainBroken)
}

func TestLedger_EventsAreCopies(t *testing.T) {
	l := NewLedger(4)
	lin, _ := NewLineage(sampleInput())
	_, err := l.Append(Record{Kind: KindLineage, Lineage: lin})
	require.NoError(t, err)

	lin.EditCount = 99
	got := l.Events()
	got[0].Lineage.EditCount = 42
	require.NoError(t, l.VerifyChain())
}

func TestLedger_Purge(t *testing.T) {
	l := NewLedger(8)
	for i := 0; i < 3; i++ {
		_, err := l.Append(Record{Kind: KindExecution})
		require.NoError(t, err)
	}

	assert.Equal(t, PurgeNotEnabled, l.Purge(config.Flags{}, true))
	assert.Equal(t, PurgeNotEnabled, l.Purge(config.Flags{}, false))
	assert.Equal(t, 3, l.Len())

	on := config.Flags{AuditPurgeEnabled: true}
	assert.Equal(t, PurgeRequiresConfirmation, l.Purge(on, false))
	assert.Equal(t, 3, l.Len())

	assert.Equal(t, PurgeSuccess, l.Purge(on, true))
	assert.Zero(t, l.Len())

	e, err := l.Append(Record{Kind: KindExecution})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), e.SequenceNumber, "sequence continues after purge")
	require.NoError(t, l.VerifyChain())
}
