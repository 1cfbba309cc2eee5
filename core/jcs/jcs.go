// Package jcs canonicalizes JSON with RFC 8785 before hashing. Plan
// fingerprints, policy digests, receipt hashes and approval signatures all go
// through here so that key order and number formatting never change a digest.
package jcs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Canonicalize returns the canonical form of a JSON document.
func Canonicalize(document []byte) ([]byte, error) {
	canonical, err := jcs.Transform(document)
	if err != nil {
		return nil, fmt.Errorf("canonicalize json: %w", err)
	}
	return canonical, nil
}

// DigestJCS is the lowercase hex SHA-256 of Canonicalize(document).
func DigestJCS(document []byte) (string, error) {
	canonical, err := Canonicalize(document)
	if err != nil {
		return "", err
	}
	return SHA256Hex(canonical), nil
}

// DigestValue marshals value with encoding/json and digests the result.
func DigestValue(value any) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("marshal value: %w", err)
	}
	return DigestJCS(raw)
}

func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
