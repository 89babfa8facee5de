// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and the truncated SHA-256 digests used to link circuit
// artifacts to one another.
//
// Every artifact hash in the system is a hex prefix of SHA-256 over the
// canonical form: 12 chars for bus event IDs, 16 for artifact hashes,
// 32 for audit-chain entries. Identical field contents always produce
// identical hashes.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Canonical returns the RFC 8785 canonical JSON representation of v.
//
// v is first marshalled with encoding/json (respecting struct tags),
// then transformed: lexicographically sorted keys, no insignificant
// whitespace, shortest round-trip number formatting.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform: %w", err)
	}
	return out, nil
}

// Hash returns the full 64-hex SHA-256 digest of the canonical form of v.
func Hash(v any) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// HashN returns the first n hex characters of the canonical digest.
// n must be even and at most 64.
func HashN(v any, n int) (string, error) {
	if n <= 0 || n > 64 || n%2 != 0 {
		return "", fmt.Errorf("canonicalize: digest prefix length %d out of range", n)
	}
	full, err := Hash(v)
	if err != nil {
		return "", err
	}
	return full[:n], nil
}

// HashBytes returns the full hex SHA-256 digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
