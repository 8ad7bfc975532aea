package capabilities

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/steward/pkg/contracts"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func TestNewIssuer_RejectsShortKey(t *testing.T) {
	_, err := NewIssuer([]byte("short"))
	assert.ErrorIs(t, err, ErrWeakKey)
}

func TestIssuer_IssueVerifyRoundTrip(t *testing.T) {
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	iss, err := NewIssuer(testKey)
	require.NoError(t, err)
	iss.WithClock(func() time.Time { return now })

	tok, err := iss.Issue("p-1", []contracts.SideEffectType{contracts.EffectEmailSend})
	require.NoError(t, err)
	assert.NotEmpty(t, tok.ID)
	assert.Equal(t, now.Add(DefaultTokenTTL), tok.ExpiresAt)

	got, err := iss.Verify(tok.Encoded)
	require.NoError(t, err)
	assert.Equal(t, tok.ID, got.ID)
	assert.Equal(t, tok.Scope, got.Scope)
	assert.True(t, got.Scope.Covers("p-1", []contracts.SideEffectType{contracts.EffectEmailSend}))
}

func TestIssuer_EachTokenUnique(t *testing.T) {
	iss, err := NewIssuer(testKey)
	require.NoError(t, err)
	a, err := iss.Issue("p-1", nil)
	require.NoError(t, err)
	b, err := iss.Issue("p-1", nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestIssuer_VerifyExpired(t *testing.T) {
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	iss, err := NewIssuer(testKey)
	require.NoError(t, err)
	iss.WithClock(func() time.Time { return now })

	tok, err := iss.Issue("p-1", nil)
	require.NoError(t, err)

	now = now.Add(DefaultTokenTTL + time.Second)
	_, err = iss.Verify(tok.Encoded)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestIssuer_VerifyRejectsTampering(t *testing.T) {
	iss, err := NewIssuer(testKey)
	require.NoError(t, err)
	tok, err := iss.Issue("p-1", nil)
	require.NoError(t, err)

	other, err := NewIssuer([]byte("ffffffffffffffffffffffffffffffff"))
	require.NoError(t, err)
	_, err = other.Verify(tok.Encoded)
	assert.ErrorIs(t, err, ErrInvalidToken)

	parts := strings.Split(tok.Encoded, ".")
	require.Len(t, parts, 3)
	_, err = iss.Verify(parts[0] + "." + parts[1] + ".AAAA")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = iss.Verify("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssuer_RequiresProposal(t *testing.T) {
	iss, err := NewIssuer(testKey)
	require.NoError(t, err)
	_, err = iss.Issue("", nil)
	assert.ErrorIs(t, err, ErrEmptyScope)
}
