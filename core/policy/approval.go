package policy

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/davidahmann/skillgate/core/fsx"
	schemapolicy "github.com/davidahmann/skillgate/core/schema/v1/policy"
	"github.com/davidahmann/skillgate/core/sign"
)

const (
	// #nosec G101 -- schema identifiers are fixed protocol constants, not credentials.
	approvalTokenSchemaID = "skillgate.policy.approval_token"
	approvalTokenSchemaV1 = "1.0.0"

	ApprovalCodeSchemaInvalid   = "APPROVAL_TOKEN_INVALID"
	ApprovalCodeSignatureMiss   = "APPROVAL_SIGNATURE_MISSING"
	ApprovalCodeSignatureFailed = "APPROVAL_SIGNATURE_INVALID"
	ApprovalCodeExpired         = "APPROVAL_EXPIRED"
	ApprovalCodePlanChanged     = CodeApprovalFingerprint
	ApprovalCodePolicyChanged   = "APPROVAL_POLICY_CHANGED"
)

type MintApprovalOptions struct {
	ApproverIdentity  string
	ReasonCode        string
	Plan              schemapolicy.Plan
	Policy            Policy
	TTL               time.Duration
	Now               time.Time
	SigningPrivateKey ed25519.PrivateKey
}

type ConfirmOptions struct {
	Plan      schemapolicy.Plan
	Policy    Policy
	PublicKey ed25519.PublicKey
	Now       time.Time
}

// ApprovalError explains why a confirmation was rejected. A rejected
// confirmation always needs a new approval request.
type ApprovalError struct {
	Code string
	Err  error
}

func (e *ApprovalError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return e.Code
	}
	return e.Code + ": " + e.Err.Error()
}

func (e *ApprovalError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// MintApproval signs an approval bound to the plan fingerprint and policy
// digest the approver inspected.
func MintApproval(opts MintApprovalOptions) (schemapolicy.ApprovalToken, error) {
	if len(opts.SigningPrivateKey) == 0 {
		return schemapolicy.ApprovalToken{}, fmt.Errorf("signing private key is required")
	}
	if opts.TTL <= 0 {
		return schemapolicy.ApprovalToken{}, fmt.Errorf("ttl must be greater than 0")
	}
	approver := strings.TrimSpace(opts.ApproverIdentity)
	if approver == "" {
		return schemapolicy.ApprovalToken{}, fmt.Errorf("approver identity is required")
	}
	reasonCode := strings.TrimSpace(opts.ReasonCode)
	if reasonCode == "" {
		return schemapolicy.ApprovalToken{}, fmt.Errorf("reason code is required")
	}
	fingerprint, err := PlanFingerprint(opts.Plan)
	if err != nil {
		return schemapolicy.ApprovalToken{}, err
	}
	policyDigest, err := PolicyDigest(opts.Policy)
	if err != nil {
		return schemapolicy.ApprovalToken{}, err
	}

	createdAt := opts.Now.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	expiresAt := createdAt.Add(opts.TTL)
	token := schemapolicy.ApprovalToken{
		SchemaID:         approvalTokenSchemaID,
		SchemaVersion:    approvalTokenSchemaV1,
		CreatedAt:        createdAt,
		TokenID:          computeApprovalTokenID(fingerprint, policyDigest, approver, reasonCode, expiresAt),
		ApproverIdentity: approver,
		ReasonCode:       reasonCode,
		PlanID:           strings.TrimSpace(opts.Plan.PlanID),
		PlanFingerprint:  fingerprint,
		PolicyDigest:     policyDigest,
		ExpiresAt:        expiresAt,
	}
	signature, err := sign.SignValue(opts.SigningPrivateKey, token)
	if err != nil {
		return schemapolicy.ApprovalToken{}, fmt.Errorf("sign approval token: %w", err)
	}
	token.Signature = &schemapolicy.Signature{
		Alg:          signature.Alg,
		KeyID:        signature.KeyID,
		Sig:          signature.Sig,
		SignedDigest: signature.SignedDigest,
	}
	return token, nil
}

// ConfirmApproval checks a token against the plan as it is now. It returns
// the confirmed fingerprint to pass as EvalOptions.ApprovedFingerprint.
func ConfirmApproval(token schemapolicy.ApprovalToken, opts ConfirmOptions) (string, error) {
	if token.SchemaID != approvalTokenSchemaID || token.SchemaVersion != approvalTokenSchemaV1 {
		return "", &ApprovalError{Code: ApprovalCodeSchemaInvalid, Err: fmt.Errorf("unsupported token schema %s@%s", token.SchemaID, token.SchemaVersion)}
	}
	if !isDigestHex(token.PlanFingerprint) || !isDigestHex(token.PolicyDigest) {
		return "", &ApprovalError{Code: ApprovalCodeSchemaInvalid, Err: fmt.Errorf("token digests must be sha256 hex")}
	}
	if len(opts.PublicKey) == 0 {
		return "", &ApprovalError{Code: ApprovalCodeSignatureFailed, Err: fmt.Errorf("verification public key is required")}
	}
	if token.Signature == nil {
		return "", &ApprovalError{Code: ApprovalCodeSignatureMiss, Err: fmt.Errorf("signature missing")}
	}
	signable := token
	signable.Signature = nil
	ok, err := sign.VerifyValue(opts.PublicKey, sign.Signature{
		Alg:          token.Signature.Alg,
		KeyID:        token.Signature.KeyID,
		Sig:          token.Signature.Sig,
		SignedDigest: token.Signature.SignedDigest,
	}, signable)
	if err != nil {
		return "", &ApprovalError{Code: ApprovalCodeSignatureFailed, Err: err}
	}
	if !ok {
		return "", &ApprovalError{Code: ApprovalCodeSignatureFailed, Err: fmt.Errorf("signature verification failed")}
	}

	now := opts.Now.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if !now.Before(token.ExpiresAt.UTC()) {
		return "", &ApprovalError{Code: ApprovalCodeExpired, Err: fmt.Errorf("approval expired at %s", token.ExpiresAt.UTC().Format(time.RFC3339))}
	}

	fingerprint, err := PlanFingerprint(opts.Plan)
	if err != nil {
		return "", &ApprovalError{Code: ApprovalCodeSchemaInvalid, Err: err}
	}
	if !strings.EqualFold(fingerprint, token.PlanFingerprint) {
		return "", &ApprovalError{Code: ApprovalCodePlanChanged, Err: fmt.Errorf("plan changed since approval was requested; request a new approval")}
	}
	policyDigest, err := PolicyDigest(opts.Policy)
	if err != nil {
		return "", &ApprovalError{Code: ApprovalCodeSchemaInvalid, Err: err}
	}
	if !strings.EqualFold(policyDigest, token.PolicyDigest) {
		return "", &ApprovalError{Code: ApprovalCodePolicyChanged, Err: fmt.Errorf("policy changed since approval was granted")}
	}
	return fingerprint, nil
}

func WriteApprovalToken(path string, token schemapolicy.ApprovalToken) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create approval token directory: %w", err)
		}
	}
	encoded, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal approval token: %w", err)
	}
	encoded = append(encoded, '\n')
	if err := fsx.WriteFileAtomic(path, encoded, 0o600); err != nil {
		return fmt.Errorf("write approval token: %w", err)
	}
	return nil
}

func ReadApprovalToken(path string) (schemapolicy.ApprovalToken, error) {
	// #nosec G304 -- approval token path is explicit local user input.
	content, err := os.ReadFile(path)
	if err != nil {
		return schemapolicy.ApprovalToken{}, fmt.Errorf("read approval token: %w", err)
	}
	var token schemapolicy.ApprovalToken
	if err := json.Unmarshal(content, &token); err != nil {
		return schemapolicy.ApprovalToken{}, fmt.Errorf("parse approval token: %w", err)
	}
	return token, nil
}

func isDigestHex(value string) bool {
	if len(value) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(value)
	return err == nil
}

func computeApprovalTokenID(fingerprint, policyDigest, approver, reasonCode string, expiresAt time.Time) string {
	raw := fingerprint + ":" + policyDigest + ":" + approver + ":" + reasonCode + ":" + expiresAt.UTC().Format(time.RFC3339Nano)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:12])
}
