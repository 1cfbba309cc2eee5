package skilllock

import (
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	coreerrors "github.com/davidahmann/skillgate/core/errors"
	schemaskills "github.com/davidahmann/skillgate/core/schema/v1/skills"
)

func boolPtr(value bool) *bool {
	return &value
}

func TestReadMissingRegistry(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "skills.lock.json"))
	if !stderrors.Is(err, ErrRegistryMissing) {
		t.Fatalf("expected ErrRegistryMissing, got %v", err)
	}
	if !stderrors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected missing registry to wrap fs.ErrNotExist")
	}
}

func TestReadHashesRawBytes(t *testing.T) {
	raw := []byte(`{"skills":[{"name":"gmail-skill","status":"trusted"}],"generated_by":"ops"}`)
	path := filepath.Join(t.TempDir(), "skills.lock.json")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write lock: %v", err)
	}
	registry, err := Read(path)
	if err != nil {
		t.Fatalf("read lock: %v", err)
	}
	sum := sha256.Sum256(raw)
	if registry.Hash != hex.EncodeToString(sum[:]) {
		t.Fatalf("unexpected hash %s", registry.Hash)
	}
	if len(registry.Entries) != 1 || registry.Entries[0].Name != "gmail-skill" {
		t.Fatalf("unexpected entries: %#v", registry.Entries)
	}
}

func TestReadRereadsFileEachCall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "skills.lock.json")
	if err := os.WriteFile(path, []byte(`{"skills":[]}`), 0o600); err != nil {
		t.Fatalf("write lock: %v", err)
	}
	first, err := Read(path)
	if err != nil {
		t.Fatalf("first read: %v", err)
	}
	if err := os.WriteFile(path, []byte(`{"skills":[{"name":"a"}]}`), 0o600); err != nil {
		t.Fatalf("rewrite lock: %v", err)
	}
	second, err := Read(path)
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if first.Hash == second.Hash || len(second.Entries) != 1 {
		t.Fatalf("expected fresh read, got first=%s second=%s", first.Hash, second.Hash)
	}
}

func TestParseRejectsInvalidContent(t *testing.T) {
	cases := map[string]string{
		"not_json":       `{"skills":`,
		"no_skills":      `{"providers":[]}`,
		"skills_object":  `{"skills":{"name":"a"}}`,
		"missing_name":   `{"skills":[{"status":"trusted"}]}`,
		"empty_name":     `{"skills":[{"name":""}]}`,
		"revoked_string": `{"skills":[{"name":"a","revoked":"yes"}]}`,
		"array_root":     `[{"name":"a"}]`,
	}
	for name, raw := range cases {
		raw := raw
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			if err == nil {
				t.Fatalf("expected parse failure")
			}
			if coreerrors.CodeOf(err) != coreerrors.CodeRegistryInvalid {
				t.Fatalf("unexpected code %q", coreerrors.CodeOf(err))
			}
		})
	}
}

func TestMatchIsExactAndOrdered(t *testing.T) {
	registry := Registry{Entries: []schemaskills.LockEntry{
		{Name: "slack", Status: "trusted"},
		{Name: "Slack", Status: "revoked"},
		{Name: "slack", Status: "experimental"},
	}}
	matches := registry.Match("slack")
	if len(matches) != 2 || matches[0].Status != "trusted" || matches[1].Status != "experimental" {
		t.Fatalf("unexpected matches: %#v", matches)
	}
	if len(registry.Match("slack-skill")) != 0 {
		t.Fatalf("expected no prefix matching")
	}
}

func TestConflictDetail(t *testing.T) {
	revoked := schemaskills.LockEntry{Status: "revoked", Revoked: boolPtr(false)}
	if got := ConflictDetail(revoked); got != `lock status "revoked" contradicts revoked: false` {
		t.Fatalf("unexpected detail %q", got)
	}
	disabled := schemaskills.LockEntry{Status: "disabled", Disabled: boolPtr(false)}
	if got := ConflictDetail(disabled); got != `lock status "disabled" contradicts disabled: false` {
		t.Fatalf("unexpected detail %q", got)
	}
	if got := ConflictDetail(schemaskills.LockEntry{Status: "revoked"}); got != "" {
		t.Fatalf("expected no conflict, got %q", got)
	}
}

func TestNormalizeStatus(t *testing.T) {
	cases := []struct {
		name  string
		entry schemaskills.LockEntry
		want  schemaskills.Status
	}{
		{name: "trusted", entry: schemaskills.LockEntry{Status: "trusted"}, want: schemaskills.StatusTrusted},
		{name: "case_and_space", entry: schemaskills.LockEntry{Status: " Experimental "}, want: schemaskills.StatusExperimental},
		{name: "empty", entry: schemaskills.LockEntry{}, want: schemaskills.StatusUnknown},
		{name: "garbage", entry: schemaskills.LockEntry{Status: "beta"}, want: schemaskills.StatusUnknown},
		{name: "revoked_flag_over_trusted", entry: schemaskills.LockEntry{Status: "trusted", Revoked: boolPtr(true)}, want: schemaskills.StatusRevoked},
		{name: "disabled_flag_over_trusted", entry: schemaskills.LockEntry{Status: "trusted", Disabled: boolPtr(true)}, want: schemaskills.StatusDisabled},
		{name: "revoked_beats_disabled", entry: schemaskills.LockEntry{Revoked: boolPtr(true), Disabled: boolPtr(true)}, want: schemaskills.StatusRevoked},
		{name: "false_flag_contradicts_revoked_string", entry: schemaskills.LockEntry{Status: "revoked", Revoked: boolPtr(false)}, want: schemaskills.StatusConflict},
		{name: "false_flag_contradicts_disabled_string", entry: schemaskills.LockEntry{Status: "Disabled", Disabled: boolPtr(false)}, want: schemaskills.StatusConflict},
		{name: "true_flag_resolves_contradiction", entry: schemaskills.LockEntry{Status: "revoked", Revoked: boolPtr(false), Disabled: boolPtr(true)}, want: schemaskills.StatusDisabled},
		{name: "false_flag_keeps_trusted", entry: schemaskills.LockEntry{Status: "trusted", Disabled: boolPtr(false)}, want: schemaskills.StatusTrusted},
		{name: "disabled_string", entry: schemaskills.LockEntry{Status: "disabled"}, want: schemaskills.StatusDisabled},
	}
	for _, testCase := range cases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			if got := NormalizeStatus(testCase.entry); got != testCase.want {
				t.Fatalf("NormalizeStatus=%s want %s", got, testCase.want)
			}
		})
	}
}
