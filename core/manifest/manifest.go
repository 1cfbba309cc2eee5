// Package manifest hashes a finalized run directory into a path to SHA-256
// map with a root hash, and re-verifies a directory against it.
package manifest

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/davidahmann/skillgate/core/fsx"
	schemamanifest "github.com/davidahmann/skillgate/core/schema/v1/manifest"
	"github.com/davidahmann/skillgate/core/sign"
	"golang.org/x/sync/errgroup"
)

const (
	ManifestFile     = "manifest.json"
	RootHashFile     = "ROOT_HASH"
	manifestSchemaID = "skillgate.manifest"
	manifestSchemaV1 = "1.0.0"
)

type BuildOptions struct {
	// Concurrency bounds parallel file hashing. Zero uses GOMAXPROCS.
	Concurrency int
	Now         time.Time
}

type WriteOptions struct {
	SigningKey ed25519.PrivateKey
}

type Entry struct {
	Path   string
	SHA256 string
}

// Build hashes every regular file under root. Paths are slash-separated and
// relative to root. Symlinks and the manifest artifacts themselves are not
// covered.
func Build(ctx context.Context, root string, opts BuildOptions) (schemamanifest.Manifest, error) {
	hashes, err := hashTree(ctx, root, opts.Concurrency)
	if err != nil {
		return schemamanifest.Manifest{}, err
	}
	createdAt := opts.Now.UTC()
	if opts.Now.IsZero() {
		createdAt = time.Now().UTC()
	}
	return schemamanifest.Manifest{
		SchemaID:      manifestSchemaID,
		SchemaVersion: manifestSchemaV1,
		CreatedAt:     createdAt,
		Files:         hashes,
		RootHash:      RootHash(hashes),
	}, nil
}

// RootHash folds the sorted entries as sha256 over path NUL hash LF.
func RootHash(files map[string]string) string {
	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	hasher := sha256.New()
	for _, path := range paths {
		_, _ = io.WriteString(hasher, path)
		_, _ = hasher.Write([]byte{0})
		_, _ = io.WriteString(hasher, strings.ToLower(files[path]))
		_, _ = hasher.Write([]byte{'\n'})
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

// Entries returns the manifest files sorted by path.
func Entries(m schemamanifest.Manifest) []Entry {
	out := make([]Entry, 0, len(m.Files))
	for path, digest := range m.Files {
		out = append(out, Entry{Path: path, SHA256: digest})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Write stores manifest.json and ROOT_HASH under root, signing the root hash
// when a key is given.
func Write(root string, m schemamanifest.Manifest, opts WriteOptions) (schemamanifest.Manifest, error) {
	out := m
	out.Signature = nil
	if len(opts.SigningKey) > 0 {
		signature, err := sign.SignDigestHex(opts.SigningKey, out.RootHash)
		if err != nil {
			return schemamanifest.Manifest{}, fmt.Errorf("sign root hash: %w", err)
		}
		out.Signature = &schemamanifest.Signature{
			Alg:          signature.Alg,
			KeyID:        signature.KeyID,
			Sig:          signature.Sig,
			SignedDigest: signature.SignedDigest,
		}
	}
	encoded, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return schemamanifest.Manifest{}, fmt.Errorf("marshal manifest: %w", err)
	}
	encoded = append(encoded, '\n')
	if err := fsx.WriteFileAtomic(filepath.Join(root, ManifestFile), encoded, 0o600); err != nil {
		return schemamanifest.Manifest{}, fmt.Errorf("write manifest: %w", err)
	}
	if err := fsx.WriteFileAtomic(filepath.Join(root, RootHashFile), []byte(out.RootHash+"\n"), 0o600); err != nil {
		return schemamanifest.Manifest{}, fmt.Errorf("write root hash: %w", err)
	}
	return out, nil
}

func Read(root string) (schemamanifest.Manifest, error) {
	// #nosec G304 -- manifest path is derived from an explicit run root.
	content, err := os.ReadFile(filepath.Join(root, ManifestFile))
	if err != nil {
		return schemamanifest.Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m schemamanifest.Manifest
	if err := json.Unmarshal(content, &m); err != nil {
		return schemamanifest.Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	if m.SchemaID != manifestSchemaID || m.SchemaVersion != manifestSchemaV1 {
		return schemamanifest.Manifest{}, fmt.Errorf("unsupported manifest schema %s@%s", m.SchemaID, m.SchemaVersion)
	}
	if m.Files == nil {
		m.Files = map[string]string{}
	}
	return m, nil
}

func hashTree(ctx context.Context, root string, concurrency int) (map[string]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat run root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("run root is not a directory: %s", root)
	}

	paths := make([]string, 0)
	walkErr := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || !entry.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == ManifestFile || rel == RootHashFile {
			return nil
		}
		paths = append(paths, rel)
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("walk run root: %w", walkErr)
	}

	if concurrency <= 0 {
		concurrency = runtime.GOMAXPROCS(0)
	}
	digests := make([]string, len(paths))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(concurrency)
	for index, rel := range paths {
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			digest, err := hashFile(filepath.Join(root, filepath.FromSlash(rel)))
			if err != nil {
				return fmt.Errorf("hash %s: %w", rel, err)
			}
			digests[index] = digest
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	files := make(map[string]string, len(paths))
	for index, rel := range paths {
		files[rel] = digests[index]
	}
	return files, nil
}

func hashFile(path string) (string, error) {
	// #nosec G304 -- path comes from walking the run root.
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = file.Close() }()
	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
