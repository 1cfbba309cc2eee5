package sign

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
)

func envMap(values map[string]string) LookupEnv {
	return func(name string) (string, bool) {
		value, ok := values[name]
		return value, ok
	}
}

func TestWriteKeyPairRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	dir := t.TempDir()
	privatePath, publicPath, err := WriteKeyPair(dir, kp)
	if err != nil {
		t.Fatalf("write keypair: %v", err)
	}

	priv, err := LoadPrivateKey(KeySource{Path: privatePath}, nil)
	if err != nil {
		t.Fatalf("load private: %v", err)
	}
	if !priv.Equal(kp.Private) {
		t.Fatal("private key changed on round trip")
	}
	pub, err := LoadPublicKey(KeySource{Path: publicPath}, nil)
	if err != nil {
		t.Fatalf("load public: %v", err)
	}
	if !pub.Equal(kp.Public) {
		t.Fatal("public key changed on round trip")
	}

	if _, _, err := WriteKeyPair(dir, kp); err == nil {
		t.Fatal("expected refusal to overwrite existing keys")
	}
}

func TestLoadKeysFromEnv(t *testing.T) {
	kp, _ := GenerateKeyPair()
	lookup := envMap(map[string]string{
		"SKILLGATE_PRIVATE_KEY": base64.StdEncoding.EncodeToString(kp.Private),
		"SKILLGATE_PUBLIC_KEY":  " " + base64.StdEncoding.EncodeToString(kp.Public) + "\n",
	})
	priv, err := LoadPrivateKey(KeySource{Env: "SKILLGATE_PRIVATE_KEY"}, lookup)
	if err != nil || !priv.Equal(kp.Private) {
		t.Fatalf("load private from env: %v", err)
	}
	pub, err := LoadPublicKey(KeySource{Env: "SKILLGATE_PUBLIC_KEY"}, lookup)
	if err != nil || !pub.Equal(kp.Public) {
		t.Fatalf("load public from env: %v", err)
	}
	if _, err := LoadPrivateKey(KeySource{Env: "MISSING"}, lookup); err == nil {
		t.Fatal("expected missing env error")
	}
}

func TestLoadVerifyKeyFallsBackToPrivate(t *testing.T) {
	kp, _ := GenerateKeyPair()
	lookup := envMap(map[string]string{"PRIV": base64.StdEncoding.EncodeToString(kp.Private)})
	pub, err := LoadVerifyKey(KeySource{}, KeySource{Env: "PRIV"}, lookup)
	if err != nil {
		t.Fatalf("load verify key: %v", err)
	}
	if !pub.Equal(kp.Public) {
		t.Fatal("expected derived public key")
	}
	if _, err := LoadVerifyKey(KeySource{}, KeySource{}, lookup); err == nil {
		t.Fatal("expected error without any source")
	}
}

func TestKeySourceRejectsAmbiguousAndInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "key")
	if err := os.WriteFile(path, []byte("not base64!"), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	lookup := envMap(map[string]string{"KEY": "AAAA"})
	if _, err := LoadPublicKey(KeySource{Path: path, Env: "KEY"}, lookup); err == nil {
		t.Fatal("expected ambiguous source error")
	}
	if _, err := LoadPublicKey(KeySource{Path: path}, lookup); err == nil {
		t.Fatal("expected decode error")
	}
	if _, err := LoadPublicKey(KeySource{Env: "KEY"}, lookup); err == nil {
		t.Fatal("expected length error")
	}
	if _, err := LoadPrivateKey(KeySource{Path: filepath.Join(dir, "missing")}, lookup); err == nil {
		t.Fatal("expected read error")
	}
	if _, err := LoadPrivateKey(KeySource{}, lookup); err == nil {
		t.Fatal("expected unconfigured error")
	}
}
