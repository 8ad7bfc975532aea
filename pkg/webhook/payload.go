// Package webhook verifies signed external events and turns accepted ones
// into safe, idempotent follow-on tasks.
//
// The package never reaches the execution engine: an accepted event can only
// enqueue a task from the safe-kind allowlist in pkg/tasks.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/Mindburn-Labs/steward/pkg/canonicalize"
)

var (
	ErrFeatureDisabled  = errors.New("webhook: feature disabled")
	ErrInvalidSignature = errors.New("webhook: invalid signature")
	ErrExpiredTimestamp = errors.New("webhook: expired timestamp")
	ErrReplayDetected   = errors.New("webhook: replay detected")
	ErrMalformed        = errors.New("webhook: malformed payload")
)

const (
	kdfSalt = "steward-webhook-kdf"
	kdfInfo = "webhook-hmac-v1"

	// DefaultFreshnessWindow bounds |now - timestamp| for accepted payloads.
	DefaultFreshnessWindow = 5 * time.Minute
)

// Payload is the wire shape of a webhook event.
type Payload struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Nonce     string         `json:"nonce"`
	Data      map[string]any `json:"data"`
	Signature string         `json:"signature"`
}

// signedView is the projection covered by the signature. The timestamp is
// rendered in UTC so that offsets in transit do not change the bytes.
type signedView struct {
	Type      string         `json:"type"`
	Timestamp string         `json:"timestamp"`
	Nonce     string         `json:"nonce"`
	Data      map[string]any `json:"data"`
}

// SigningBytes returns the RFC 8785 canonical bytes the signature covers.
func (p *Payload) SigningBytes() ([]byte, error) {
	data := p.Data
	if data == nil {
		data = map[string]any{}
	}
	return canonicalize.JCS(signedView{
		Type:      p.Type,
		Timestamp: p.Timestamp.UTC().Format(time.RFC3339Nano),
		Nonce:     p.Nonce,
		Data:      data,
	})
}

// DeriveKey expands a shared secret into the HMAC key. An empty secret
// yields a nil key.
func DeriveKey(secret []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, nil
	}
	r := hkdf.New(sha256.New, secret, []byte(kdfSalt), []byte(kdfInfo))
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("webhook: HKDF derivation failed: %w", err)
	}
	return key, nil
}

func sign(key []byte, p *Payload) (string, error) {
	msg, err := p.SigningBytes()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// verify recomputes the signature and compares in constant time. A missing
// key never verifies.
func verify(key []byte, p *Payload) bool {
	if len(key) == 0 || p.Signature == "" {
		return false
	}
	got, err := hex.DecodeString(p.Signature)
	if err != nil {
		return false
	}
	msg, err := p.SigningBytes()
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return hmac.Equal(got, mac.Sum(nil))
}
