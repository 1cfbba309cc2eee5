package sign

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/davidahmann/skillgate/core/fsx"
)

const (
	PrivateKeyFile = "skillgate_private.key"
	PublicKeyFile  = "skillgate_public.key"
)

// KeySource names where a base64 key lives. At most one of Path and Env may
// be set.
type KeySource struct {
	Path string
	Env  string
}

func (s KeySource) IsZero() bool {
	return strings.TrimSpace(s.Path) == "" && strings.TrimSpace(s.Env) == ""
}

// LookupEnv matches os.LookupEnv. Callers resolve it once and pass it down.
type LookupEnv func(string) (string, bool)

func LoadPrivateKey(source KeySource, lookupEnv LookupEnv) (ed25519.PrivateKey, error) {
	encoded, err := source.read("private", lookupEnv)
	if err != nil {
		return nil, err
	}
	return ParsePrivateKeyBase64(encoded)
}

func LoadPublicKey(source KeySource, lookupEnv LookupEnv) (ed25519.PublicKey, error) {
	encoded, err := source.read("public", lookupEnv)
	if err != nil {
		return nil, err
	}
	return ParsePublicKeyBase64(encoded)
}

// LoadVerifyKey prefers the public source and falls back to deriving the
// public half of the private source.
func LoadVerifyKey(public KeySource, private KeySource, lookupEnv LookupEnv) (ed25519.PublicKey, error) {
	if !public.IsZero() {
		return LoadPublicKey(public, lookupEnv)
	}
	if !private.IsZero() {
		priv, err := LoadPrivateKey(private, lookupEnv)
		if err != nil {
			return nil, err
		}
		return priv.Public().(ed25519.PublicKey), nil
	}
	return nil, fmt.Errorf("verify key not configured")
}

func ParsePrivateKeyBase64(encoded string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key length: %d", len(raw))
	}
	return ed25519.PrivateKey(raw), nil
}

func ParsePublicKeyBase64(encoded string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key length: %d", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// WriteKeyPair stores both halves base64 encoded under dir and returns their
// paths. Existing keys are never overwritten.
func WriteKeyPair(dir string, kp KeyPair) (string, string, error) {
	privatePath := filepath.Join(dir, PrivateKeyFile)
	publicPath := filepath.Join(dir, PublicKeyFile)
	for _, path := range []string{privatePath, publicPath} {
		if _, err := os.Stat(path); err == nil {
			return "", "", fmt.Errorf("key file already exists: %s", path)
		}
	}
	if err := fsx.WriteFileAtomic(privatePath, []byte(base64.StdEncoding.EncodeToString(kp.Private)+"\n"), 0o600); err != nil {
		return "", "", fmt.Errorf("write private key: %w", err)
	}
	if err := fsx.WriteFileAtomic(publicPath, []byte(base64.StdEncoding.EncodeToString(kp.Public)+"\n"), 0o644); err != nil {
		return "", "", fmt.Errorf("write public key: %w", err)
	}
	return privatePath, publicPath, nil
}

func (s KeySource) read(kind string, lookupEnv LookupEnv) (string, error) {
	path := strings.TrimSpace(s.Path)
	env := strings.TrimSpace(s.Env)
	switch {
	case path != "" && env != "":
		return "", fmt.Errorf("%s key source: set either path or env", kind)
	case path != "":
		// #nosec G304 -- key path is explicit local user input.
		content, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read %s key: %w", kind, err)
		}
		return string(content), nil
	case env != "":
		if lookupEnv == nil {
			lookupEnv = os.LookupEnv
		}
		value, ok := lookupEnv(env)
		if !ok || strings.TrimSpace(value) == "" {
			return "", fmt.Errorf("%s key env not set: %s", kind, env)
		}
		return value, nil
	default:
		return "", fmt.Errorf("%s key not configured", kind)
	}
}
