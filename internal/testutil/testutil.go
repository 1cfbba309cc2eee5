// Package testutil holds fixture helpers shared by package tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func RepoRoot(t *testing.T) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatalf("unable to locate testutil source file")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(filename), "..", ".."))
}

func WriteFile(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("create parent directory for %s: %v", path, err)
	}
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// WriteFixture marshals value into path. Strings and byte slices are written
// as-is so raw fixtures stay byte-exact.
func WriteFixture(t *testing.T, path string, value any) {
	t.Helper()
	switch raw := value.(type) {
	case string:
		WriteFile(t, path, []byte(raw))
		return
	case []byte:
		WriteFile(t, path, raw)
		return
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("marshal %s: %v", path, err)
	}
	WriteFile(t, path, encoded)
}

func MustReadFile(t *testing.T, path string) []byte {
	t.Helper()
	content, err := os.ReadFile(path) // #nosec G304 -- test helper for controlled paths.
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return content
}

// ReadJSONLines decodes every non-empty line of a JSONL ledger.
func ReadJSONLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	var records []map[string]any
	for index, line := range bytes.Split(MustReadFile(t, path), []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var record map[string]any
		if err := json.Unmarshal(line, &record); err != nil {
			t.Fatalf("decode %s line %d: %v", path, index+1, err)
		}
		records = append(records, record)
	}
	return records
}

// ReplaceLine rewrites one 1-based line of a text file.
func ReplaceLine(t *testing.T, path string, lineNumber int, replacement []byte) {
	t.Helper()
	lines := bytes.Split(MustReadFile(t, path), []byte("\n"))
	if lineNumber < 1 || lineNumber > len(lines) {
		t.Fatalf("line %d out of range for %s", lineNumber, path)
	}
	lines[lineNumber-1] = replacement
	WriteFile(t, path, bytes.Join(lines, []byte("\n")))
}
