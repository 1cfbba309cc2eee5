package manifest

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	schemamanifest "github.com/davidahmann/skillgate/core/schema/v1/manifest"
	"github.com/davidahmann/skillgate/core/sign"
)

type VerifyOptions struct {
	// PublicKey is optional; verification itself needs no credentials.
	PublicKey        ed25519.PublicKey
	RequireSignature bool
	Concurrency      int
}

// Verify recomputes every hash under root and compares it with the recorded
// manifest. The report lists each discrepancy by path and kind.
func Verify(ctx context.Context, root string, opts VerifyOptions) (schemamanifest.Report, error) {
	recorded, err := Read(root)
	if err != nil {
		return schemamanifest.Report{}, err
	}
	actual, err := hashTree(ctx, root, opts.Concurrency)
	if err != nil {
		return schemamanifest.Report{}, err
	}

	report := schemamanifest.Report{
		FilesChecked:     len(recorded.Files),
		RecordedRootHash: recorded.RootHash,
		ComputedRootHash: RootHash(actual),
		SignatureStatus:  "missing",
	}

	for _, entry := range Entries(recorded) {
		actualDigest, ok := actual[entry.Path]
		result := schemamanifest.FileResult{Path: entry.Path, Expected: entry.SHA256, Actual: actualDigest}
		switch {
		case !ok:
			result.Status = schemamanifest.StatusMissing
		case !strings.EqualFold(actualDigest, entry.SHA256):
			result.Status = schemamanifest.StatusMismatch
		default:
			result.Status = schemamanifest.StatusMatch
		}
		report.Files = append(report.Files, result)
	}
	for path, digest := range actual {
		if _, ok := recorded.Files[path]; ok {
			continue
		}
		report.Files = append(report.Files, schemamanifest.FileResult{Path: path, Status: schemamanifest.StatusExtra, Actual: digest})
	}
	sort.Slice(report.Files, func(i, j int) bool { return report.Files[i].Path < report.Files[j].Path })
	for _, result := range report.Files {
		if result.Status != schemamanifest.StatusMatch {
			report.Discrepancies = append(report.Discrepancies, result)
		}
	}

	rootHashFile, err := readRootHashFile(root)
	if err != nil {
		return schemamanifest.Report{}, err
	}
	report.RootHashFile = rootHashFile
	listed := RootHash(recorded.Files)
	report.RootHashMatch = strings.EqualFold(report.ComputedRootHash, recorded.RootHash) &&
		strings.EqualFold(recorded.RootHash, listed) &&
		(rootHashFile == "" || strings.EqualFold(rootHashFile, recorded.RootHash))

	if !strings.EqualFold(recorded.RootHash, listed) {
		report.Discrepancies = append(report.Discrepancies, schemamanifest.FileResult{
			Path: ManifestFile, Status: schemamanifest.StatusRootHashInconsistent, Expected: listed, Actual: recorded.RootHash,
		})
	}
	switch {
	case rootHashFile == "":
		report.Discrepancies = append(report.Discrepancies, schemamanifest.FileResult{
			Path: RootHashFile, Status: schemamanifest.StatusRootHashMissing, Expected: recorded.RootHash,
		})
	case !strings.EqualFold(rootHashFile, recorded.RootHash):
		report.Discrepancies = append(report.Discrepancies, schemamanifest.FileResult{
			Path: RootHashFile, Status: schemamanifest.StatusRootHashMismatch, Expected: recorded.RootHash, Actual: rootHashFile,
		})
	}
	if status := verifySignature(&report, recorded, opts); status != "" {
		report.Discrepancies = append(report.Discrepancies, schemamanifest.FileResult{Path: ManifestFile, Status: status})
	}

	report.OK = len(report.Discrepancies) == 0 && report.RootHashMatch
	return report, nil
}

// verifySignature fills the signature fields of report and returns the
// discrepancy kind when the signature check fails.
func verifySignature(report *schemamanifest.Report, recorded schemamanifest.Manifest, opts VerifyOptions) schemamanifest.FileStatus {
	if recorded.Signature == nil {
		if opts.RequireSignature {
			report.SignatureErrors = append(report.SignatureErrors, "manifest has no signature")
			return schemamanifest.StatusSignatureMissing
		}
		return ""
	}
	if opts.PublicKey == nil {
		report.SignatureStatus = "skipped"
		if opts.RequireSignature {
			report.SignatureErrors = append(report.SignatureErrors, "no public key to check the signature with")
			return schemamanifest.StatusSignatureUnchecked
		}
		return ""
	}
	failed := func(message string) schemamanifest.FileStatus {
		report.SignatureStatus = "failed"
		report.SignatureErrors = append(report.SignatureErrors, message)
		return schemamanifest.StatusSignatureFailed
	}
	if !strings.EqualFold(recorded.Signature.SignedDigest, recorded.RootHash) {
		return failed("signature does not cover the recorded root hash")
	}
	ok, err := sign.VerifyDigestHex(opts.PublicKey, sign.Signature{
		Alg:          recorded.Signature.Alg,
		KeyID:        recorded.Signature.KeyID,
		Sig:          recorded.Signature.Sig,
		SignedDigest: recorded.Signature.SignedDigest,
	})
	if err != nil {
		return failed(err.Error())
	}
	if !ok {
		return failed("signature verification failed")
	}
	report.SignatureStatus = "verified"
	return ""
}

func readRootHashFile(root string) (string, error) {
	// #nosec G304 -- root hash path is derived from an explicit run root.
	content, err := os.ReadFile(filepath.Join(root, RootHashFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read root hash: %w", err)
	}
	return strings.TrimSpace(string(content)), nil
}
