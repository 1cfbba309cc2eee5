package policy

import (
	"time"

	schemaskills "github.com/davidahmann/skillgate/core/schema/v1/skills"
)

type Verdict string

const (
	VerdictAllowed          Verdict = "ALLOWED"
	VerdictDenied           Verdict = "DENIED"
	VerdictApprovalRequired Verdict = "APPROVAL_REQUIRED"
)

type Plan struct {
	PlanID               string            `json:"plan_id"`
	ThreadID             string            `json:"thread_id,omitempty"`
	Environment          string            `json:"environment,omitempty"`
	Steps                []PlanStep        `json:"steps,omitempty"`
	RequiredCapabilities []string          `json:"required_capabilities"`
	ResolvedCapabilities map[string]string `json:"resolved_capabilities"`
	EstimatedCost        float64           `json:"estimated_cost,omitempty"`
}

type PlanStep struct {
	Capability string         `json:"capability"`
	Args       map[string]any `json:"args,omitempty"`
}

type Outcome struct {
	Verdict         Verdict                    `json:"verdict"`
	Code            string                     `json:"code,omitempty"`
	Reasons         []string                   `json:"reasons"`
	PlanFingerprint string                     `json:"plan_fingerprint,omitempty"`
	PolicyDigest    string                     `json:"policy_digest,omitempty"`
	Gate            *schemaskills.GateDecision `json:"gate,omitempty"`
}

type ApprovalToken struct {
	SchemaID         string     `json:"schema_id"`
	SchemaVersion    string     `json:"schema_version"`
	CreatedAt        time.Time  `json:"created_at"`
	TokenID          string     `json:"token_id"`
	ApproverIdentity string     `json:"approver_identity"`
	ReasonCode       string     `json:"reason_code"`
	PlanID           string     `json:"plan_id"`
	PlanFingerprint  string     `json:"plan_fingerprint"`
	PolicyDigest     string     `json:"policy_digest"`
	ExpiresAt        time.Time  `json:"expires_at"`
	Signature        *Signature `json:"signature,omitempty"`
}

type Signature struct {
	Alg          string `json:"alg"`
	KeyID        string `json:"key_id"`
	Sig          string `json:"sig"`
	SignedDigest string `json:"signed_digest,omitempty"`
}
