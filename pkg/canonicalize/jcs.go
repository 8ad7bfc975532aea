// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and the hashing helpers built on it.
//
// Every content hash in the control plane is lower-case hex SHA-256 over the
// canonical bytes produced here.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// DayLayout is the wire format of day-rounded timestamps.
const DayLayout = "2006-01-02"

// JCS returns the RFC 8785 canonical JSON representation of v.
// v is first marshalled with encoding/json so struct tags are honoured.
func JCS(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON representation of v.
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 of data as lower-case hex.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashString is HashBytes for a string.
func HashString(s string) string {
	return HashBytes([]byte(s))
}

// DayRounded truncates t to its UTC calendar day and formats it as yyyy-MM-dd.
func DayRounded(t time.Time) string {
	return t.UTC().Format(DayLayout)
}

// ParseDay parses a yyyy-MM-dd value.
func ParseDay(s string) (time.Time, error) {
	return time.ParseInLocation(DayLayout, s, time.UTC)
}

// IsHexSHA256 reports whether s looks like a lower-case hex SHA-256 digest.
func IsHexSHA256(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
