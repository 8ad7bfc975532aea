// Package capabilities issues single-use capability tokens and records their
// consumption so that no token or nonce can be replayed.
package capabilities

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Mindburn-Labs/steward/pkg/contracts"
)

// DefaultTokenTTL is the lifetime of an issued token.
const DefaultTokenTTL = 2 * time.Minute

const (
	tokenIssuer   = "steward/capabilities"
	minSigningKey = 32
)

var (
	ErrInvalidToken = errors.New("capabilities: invalid token")
	ErrTokenExpired = errors.New("capabilities: token expired")
	ErrWeakKey      = errors.New("capabilities: signing key too short")
	ErrEmptyScope   = errors.New("capabilities: scope must name a proposal")
)

// Claims is the JWT body of a capability token. The JTI is the token id.
type Claims struct {
	jwt.RegisteredClaims
	Scope contracts.CapabilityScope `json:"scope"`
}

// Issuer mints and verifies HS256 capability tokens.
type Issuer struct {
	key   []byte
	ttl   time.Duration
	clock func() time.Time
	newID func() string
}

// NewIssuer creates an issuer. The key must be at least 32 bytes.
func NewIssuer(key []byte) (*Issuer, error) {
	if len(key) < minSigningKey {
		return nil, fmt.Errorf("%w: %d bytes", ErrWeakKey, len(key))
	}
	return &Issuer{
		key:   append([]byte(nil), key...),
		ttl:   DefaultTokenTTL,
		clock: time.Now,
		newID: func() string { return uuid.New().String() },
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (i *Issuer) WithClock(clock func() time.Time) *Issuer {
	i.clock = clock
	return i
}

// WithTTL overrides the token lifetime.
func (i *Issuer) WithTTL(ttl time.Duration) *Issuer {
	i.ttl = ttl
	return i
}

// Issue mints a token authorizing actions of one proposal.
func (i *Issuer) Issue(proposalID string, actions []contracts.SideEffectType) (*contracts.CapabilityToken, error) {
	if proposalID == "" {
		return nil, ErrEmptyScope
	}
	now := i.clock().UTC()
	tok := &contracts.CapabilityToken{
		ID: i.newID(),
		Scope: contracts.CapabilityScope{
			ProposalID: proposalID,
			Actions:    append([]contracts.SideEffectType(nil), actions...),
		},
		ExpiresAt: now.Add(i.ttl).Truncate(time.Second),
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tok.ID,
			Issuer:    tokenIssuer,
			Subject:   proposalID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(tok.ExpiresAt),
		},
		Scope: tok.Scope,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return nil, fmt.Errorf("capabilities: sign: %w", err)
	}
	tok.Encoded = signed
	return tok, nil
}

// Verify checks the signature and expiry of an encoded token. It does not
// consult the replay store; consumption is a separate step.
func (i *Issuer) Verify(encoded string) (*contracts.CapabilityToken, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(encoded, claims,
		func(t *jwt.Token) (any, error) { return i.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.ID == "" || claims.Scope.ProposalID == "" || claims.Scope.ProposalID != claims.Subject {
		return nil, fmt.Errorf("%w: missing id or scope", ErrInvalidToken)
	}
	return &contracts.CapabilityToken{
		ID:        claims.ID,
		Scope:     claims.Scope,
		ExpiresAt: claims.ExpiresAt.Time.UTC(),
		Encoded:   encoded,
	}, nil
}
