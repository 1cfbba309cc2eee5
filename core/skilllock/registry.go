// Package skilllock reads the skills lock registry: the authoritative list of
// providers and their trust status.
package skilllock

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"

	coreerrors "github.com/davidahmann/skillgate/core/errors"
	schemaskills "github.com/davidahmann/skillgate/core/schema/v1/skills"
	"github.com/kaptinlin/jsonschema"
)

const DefaultPath = "skills.lock.json"

//go:embed skills_lock.schema.json
var lockSchemaJSON []byte

var (
	// ErrRegistryMissing reports an absent lock file. It wraps fs.ErrNotExist.
	ErrRegistryMissing = fmt.Errorf("skills lock not found: %w", fs.ErrNotExist)

	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

// Registry is one read of the lock file. It is never cached across reads.
type Registry struct {
	Path    string
	Entries []schemaskills.LockEntry
	Hash    string
}

// Read loads the lock file at path. Every call reads the file again.
func Read(path string) (Registry, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		trimmed = DefaultPath
	}
	// #nosec G304 -- lock path is explicit operator configuration.
	raw, err := os.ReadFile(trimmed)
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return Registry{Path: trimmed}, ErrRegistryMissing
		}
		return Registry{Path: trimmed}, coreerrors.Wrap(
			fmt.Errorf("read skills lock: %w", err),
			coreerrors.CategoryConfiguration,
			coreerrors.CodeRegistryInvalid,
			"check skills lock file permissions",
			false,
		)
	}
	registry, err := Parse(raw)
	registry.Path = trimmed
	return registry, err
}

// Parse validates raw lock content and returns its entries and content hash.
func Parse(raw []byte) (Registry, error) {
	sum := sha256.Sum256(raw)
	registry := Registry{Hash: hex.EncodeToString(sum[:])}

	schema, err := lockSchema()
	if err != nil {
		return registry, coreerrors.Wrap(err, coreerrors.CategoryInternalFailure, coreerrors.CodeRegistryInvalid, "rebuild skillgate", false)
	}
	var document any
	if err := json.Unmarshal(raw, &document); err != nil {
		return registry, invalidLock(fmt.Errorf("parse skills lock: %w", err))
	}
	if result := schema.ValidateJSON(raw); !result.IsValid() {
		return registry, invalidLock(fmt.Errorf("skills lock schema validation failed: %v", result.Errors))
	}
	var lockFile schemaskills.LockFile
	if err := json.Unmarshal(raw, &lockFile); err != nil {
		return registry, invalidLock(fmt.Errorf("decode skills lock: %w", err))
	}
	if lockFile.Skills == nil {
		return registry, invalidLock(fmt.Errorf("skills lock must contain a skills array"))
	}
	registry.Entries = lockFile.Skills
	return registry, nil
}

// Match returns the entries whose name equals provider exactly, in file order.
func (registry Registry) Match(provider string) []schemaskills.LockEntry {
	matches := make([]schemaskills.LockEntry, 0, 1)
	for _, entry := range registry.Entries {
		if entry.Name == provider {
			matches = append(matches, entry)
		}
	}
	return matches
}

// NormalizeStatus resolves an entry's effective status. A true revoked or
// disabled flag overrides the status string. A status string contradicted by
// an explicit false flag resolves to StatusConflict.
func NormalizeStatus(entry schemaskills.LockEntry) schemaskills.Status {
	if entry.Revoked != nil && *entry.Revoked {
		return schemaskills.StatusRevoked
	}
	if entry.Disabled != nil && *entry.Disabled {
		return schemaskills.StatusDisabled
	}
	status := schemaskills.Status(strings.ToLower(strings.TrimSpace(entry.Status)))
	switch status {
	case schemaskills.StatusRevoked:
		if entry.Revoked != nil {
			return schemaskills.StatusConflict
		}
		return status
	case schemaskills.StatusDisabled:
		if entry.Disabled != nil {
			return schemaskills.StatusConflict
		}
		return status
	case schemaskills.StatusTrusted, schemaskills.StatusExperimental:
		return status
	default:
		return schemaskills.StatusUnknown
	}
}

// ConflictDetail describes why NormalizeStatus returned StatusConflict, or
// returns "" when the entry is consistent.
func ConflictDetail(entry schemaskills.LockEntry) string {
	status := strings.TrimSpace(entry.Status)
	switch schemaskills.Status(strings.ToLower(status)) {
	case schemaskills.StatusRevoked:
		if entry.Revoked != nil && !*entry.Revoked && (entry.Disabled == nil || !*entry.Disabled) {
			return fmt.Sprintf("lock status %q contradicts revoked: false", status)
		}
	case schemaskills.StatusDisabled:
		if entry.Disabled != nil && !*entry.Disabled && (entry.Revoked == nil || !*entry.Revoked) {
			return fmt.Sprintf("lock status %q contradicts disabled: false", status)
		}
	}
	return ""
}

func invalidLock(err error) error {
	return coreerrors.Wrap(err, coreerrors.CategoryConfiguration, coreerrors.CodeRegistryInvalid, "fix the skills lock JSON", false)
}

func lockSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiledSchema, compileErr = compiler.Compile(lockSchemaJSON)
		if compileErr != nil {
			compileErr = fmt.Errorf("compile skills lock schema: %w", compileErr)
		}
	})
	return compiledSchema, compileErr
}
