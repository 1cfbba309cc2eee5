package sign

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/davidahmann/skillgate/core/jcs"
)

// ErrDigestMismatch means the document no longer canonicalizes to the digest
// the signature was made over.
var ErrDigestMismatch = errors.New("signed_digest mismatch")

// SignValue marshals v, canonicalizes it with JCS and signs the digest. Key
// order and insignificant whitespace never affect the result.
func SignValue(priv ed25519.PrivateKey, v any) (Signature, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Signature{}, fmt.Errorf("marshal signable value: %w", err)
	}
	return SignJSON(priv, raw)
}

// VerifyValue is the counterpart of SignValue.
func VerifyValue(pub ed25519.PublicKey, sig Signature, v any) (bool, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("marshal signable value: %w", err)
	}
	return VerifyJSON(pub, sig, raw)
}

func SignJSON(priv ed25519.PrivateKey, document []byte) (Signature, error) {
	digest, err := jcs.DigestJCS(document)
	if err != nil {
		return Signature{}, err
	}
	return SignDigestHex(priv, digest)
}

// VerifyJSON recomputes the canonical digest of document and checks it both
// against sig.SignedDigest and cryptographically.
func VerifyJSON(pub ed25519.PublicKey, sig Signature, document []byte) (bool, error) {
	if sig.SignedDigest == "" {
		return false, ErrMissingDigest
	}
	digest, err := jcs.DigestJCS(document)
	if err != nil {
		return false, err
	}
	if digest != sig.SignedDigest {
		return false, ErrDigestMismatch
	}
	return VerifyDigestHex(pub, sig)
}
