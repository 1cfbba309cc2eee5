package manifest

import "time"

type Manifest struct {
	SchemaID      string            `json:"schema_id"`
	SchemaVersion string            `json:"schema_version"`
	CreatedAt     time.Time         `json:"created_at"`
	Files         map[string]string `json:"files"`
	RootHash      string            `json:"root_hash"`
	Signature     *Signature        `json:"signature,omitempty"`
}

// Signature signs the root hash digest.
type Signature struct {
	Alg          string `json:"alg"`
	KeyID        string `json:"key_id"`
	Sig          string `json:"sig"`
	SignedDigest string `json:"signed_digest,omitempty"`
}

type FileStatus string

const (
	StatusMatch    FileStatus = "match"
	StatusMismatch FileStatus = "mismatch"
	StatusMissing  FileStatus = "missing"
	StatusExtra    FileStatus = "extra"

	// Root-level checks. Path names the artifact that failed.
	StatusRootHashMissing      FileStatus = "root_hash_missing"
	StatusRootHashMismatch     FileStatus = "root_hash_mismatch"
	StatusRootHashInconsistent FileStatus = "root_hash_inconsistent"
	StatusSignatureMissing     FileStatus = "signature_missing"
	StatusSignatureUnchecked   FileStatus = "signature_unchecked"
	StatusSignatureFailed      FileStatus = "signature_failed"
)

type FileResult struct {
	Path     string     `json:"path"`
	Status   FileStatus `json:"status"`
	Expected string     `json:"expected,omitempty"`
	Actual   string     `json:"actual,omitempty"`
}

type Report struct {
	OK               bool         `json:"ok"`
	FilesChecked     int          `json:"files_checked"`
	RecordedRootHash string       `json:"recorded_root_hash"`
	ComputedRootHash string       `json:"computed_root_hash"`
	RootHashFile     string       `json:"root_hash_file,omitempty"`
	RootHashMatch    bool         `json:"root_hash_match"`
	Files            []FileResult `json:"files"`
	Discrepancies    []FileResult `json:"discrepancies,omitempty"`
	SignatureStatus  string       `json:"signature_status"`
	SignatureErrors  []string     `json:"signature_errors,omitempty"`
}
