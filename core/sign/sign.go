// Package sign holds the ed25519 primitives used for approval tokens and
// manifest signatures. Signatures always cover a SHA-256 digest, never raw
// documents.
package sign

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

const AlgEd25519 = "ed25519"

var (
	ErrUnsupportedAlg = errors.New("unsupported signature algorithm")
	ErrKeyIDMismatch  = errors.New("signature key id does not match verifying key")
	ErrMissingDigest  = errors.New("missing signed_digest")
)

type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

type Signature struct {
	Alg          string `json:"alg"`
	KeyID        string `json:"key_id"`
	Sig          string `json:"sig"`
	SignedDigest string `json:"signed_digest,omitempty"`
}

func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// KeyID is the hex SHA-256 of the raw public key.
func KeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// SignDigestHex signs the decoded bytes of a hex SHA-256 digest.
func SignDigestHex(priv ed25519.PrivateKey, digestHex string) (Signature, error) {
	digest, err := decodeDigest(digestHex)
	if err != nil {
		return Signature{}, err
	}
	if len(priv) != ed25519.PrivateKeySize {
		return Signature{}, fmt.Errorf("invalid private key length: %d", len(priv))
	}
	return Signature{
		Alg:          AlgEd25519,
		KeyID:        KeyID(priv.Public().(ed25519.PublicKey)),
		Sig:          base64.StdEncoding.EncodeToString(ed25519.Sign(priv, digest)),
		SignedDigest: digestHex,
	}, nil
}

// VerifyDigestHex reports whether sig is a valid signature by pub over its
// own signed_digest. Malformed signatures return an error.
func VerifyDigestHex(pub ed25519.PublicKey, sig Signature) (bool, error) {
	if sig.SignedDigest == "" {
		return false, ErrMissingDigest
	}
	digest, err := decodeDigest(sig.SignedDigest)
	if err != nil {
		return false, err
	}
	if sig.Alg != AlgEd25519 {
		return false, fmt.Errorf("%w: %q", ErrUnsupportedAlg, sig.Alg)
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key length: %d", len(pub))
	}
	if sig.KeyID != "" && sig.KeyID != KeyID(pub) {
		return false, ErrKeyIDMismatch
	}
	raw, err := base64.StdEncoding.DecodeString(sig.Sig)
	if err != nil {
		return false, fmt.Errorf("decode sig: %w", err)
	}
	if len(raw) != ed25519.SignatureSize {
		return false, fmt.Errorf("invalid signature length: %d", len(raw))
	}
	return ed25519.Verify(pub, digest, raw), nil
}

func decodeDigest(digestHex string) ([]byte, error) {
	digest, err := hex.DecodeString(digestHex)
	if err != nil {
		return nil, fmt.Errorf("decode digest: %w", err)
	}
	if len(digest) != sha256.Size {
		return nil, fmt.Errorf("invalid digest length: %d", len(digest))
	}
	return digest, nil
}
