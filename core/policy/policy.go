// Package policy combines the skill gate with run-level policy: environment
// guards, quarantine lists, budget limits and capabilities that always need a
// human approval.
package policy

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/davidahmann/skillgate/core/gate"
	"github.com/davidahmann/skillgate/core/jcs"
	schemapolicy "github.com/davidahmann/skillgate/core/schema/v1/policy"
	schemaskills "github.com/davidahmann/skillgate/core/schema/v1/skills"
	"github.com/goccy/go-yaml"
)

const (
	policySchemaID = "skillgate.policy"
	policySchemaV1 = "1.0.0"

	CodeEvaluationTimeout   = "EVALUATION_TIMEOUT"
	CodeEnvironmentDenied   = "ENVIRONMENT_DENIED"
	CodeQuarantined         = "QUARANTINED"
	CodeBudgetExceeded      = "BUDGET_EXCEEDED"
	CodeCapabilityApproval  = "CAPABILITY_REQUIRES_APPROVAL"
	CodePlanInvalid         = "PLAN_INVALID"
	CodeApprovalFingerprint = "APPROVAL_PLAN_CHANGED"
)

type Policy struct {
	SchemaID                    string            `yaml:"schema_id" json:"schema_id"`
	SchemaVersion               string            `yaml:"schema_version" json:"schema_version"`
	EnvironmentGuards           EnvironmentGuards `yaml:"environment_guards" json:"environment_guards"`
	Budget                      Budget            `yaml:"budget" json:"budget"`
	Quarantine                  []string          `yaml:"quarantine" json:"quarantine"`
	RequireApprovalCapabilities []string          `yaml:"require_approval_capabilities" json:"require_approval_capabilities"`
}

type EnvironmentGuards struct {
	Allowed []string `yaml:"allowed" json:"allowed"`
	Denied  []string `yaml:"denied" json:"denied"`
}

type Budget struct {
	MaxCost float64 `yaml:"max_cost" json:"max_cost"`
}

type EvalOptions struct {
	Gate gate.Options
	// ApprovedFingerprint is set once ConfirmApproval accepted a token for
	// this plan. It only counts when it equals the plan's current fingerprint.
	ApprovedFingerprint string
}

func LoadPolicyFile(path string) (Policy, error) {
	// #nosec G304 -- policy path is explicit local user input.
	content, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	return ParsePolicyYAML(content)
}

func ParsePolicyYAML(data []byte) (Policy, error) {
	var policy Policy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return Policy{}, fmt.Errorf("parse policy yaml: %w", err)
	}
	return normalizePolicy(policy)
}

// PolicyDigest is the JCS digest of the normalized policy.
func PolicyDigest(policy Policy) (string, error) {
	normalized, err := normalizePolicy(policy)
	if err != nil {
		return "", err
	}
	digest, err := jcs.DigestValue(normalized)
	if err != nil {
		return "", fmt.Errorf("digest policy: %w", err)
	}
	return digest, nil
}

// PlanFingerprint is the JCS digest of the normalized plan. Any change to the
// plan's steps, capabilities, providers, environment or cost changes it.
func PlanFingerprint(plan schemapolicy.Plan) (string, error) {
	normalized := normalizePlan(plan)
	digest, err := jcs.DigestValue(normalized)
	if err != nil {
		return "", fmt.Errorf("fingerprint plan: %w", err)
	}
	return digest, nil
}

// Evaluate returns a typed outcome for plan. It never returns an error:
// invalid input and cancelled contexts are DENIED.
func Evaluate(ctx context.Context, policy Policy, plan schemapolicy.Plan, opts EvalOptions) schemapolicy.Outcome {
	if err := ctx.Err(); err != nil {
		return denied(CodeEvaluationTimeout, timeoutReason(err))
	}
	normalizedPolicy, err := normalizePolicy(policy)
	if err != nil {
		return denied(CodePlanInvalid, "policy_invalid: "+err.Error())
	}
	policyDigest, err := PolicyDigest(normalizedPolicy)
	if err != nil {
		return denied(CodePlanInvalid, err.Error())
	}
	fingerprint, err := PlanFingerprint(plan)
	if err != nil {
		return denied(CodePlanInvalid, err.Error())
	}
	normalizedPlan := normalizePlan(plan)

	outcome := schemapolicy.Outcome{
		Reasons:         []string{},
		PlanFingerprint: fingerprint,
		PolicyDigest:    policyDigest,
	}
	deny := func(code string, reasons ...string) schemapolicy.Outcome {
		outcome.Verdict = schemapolicy.VerdictDenied
		outcome.Code = code
		outcome.Reasons = append(outcome.Reasons, reasons...)
		return outcome
	}

	environment := strings.ToLower(normalizedPlan.Environment)
	if contains(normalizedPolicy.EnvironmentGuards.Denied, environment) {
		return deny(CodeEnvironmentDenied, "environment_denied:"+environment)
	}
	if len(normalizedPolicy.EnvironmentGuards.Allowed) > 0 && !contains(normalizedPolicy.EnvironmentGuards.Allowed, environment) {
		return deny(CodeEnvironmentDenied, "environment_not_allowed:"+environment)
	}

	if hits := quarantineHits(normalizedPolicy.Quarantine, normalizedPlan); len(hits) > 0 {
		reasons := make([]string, 0, len(hits))
		for _, hit := range hits {
			reasons = append(reasons, "quarantined:"+hit)
		}
		return deny(CodeQuarantined, reasons...)
	}

	if normalizedPolicy.Budget.MaxCost > 0 && normalizedPlan.EstimatedCost > normalizedPolicy.Budget.MaxCost {
		return deny(CodeBudgetExceeded, fmt.Sprintf("estimated_cost %.4f exceeds max_cost %.4f", normalizedPlan.EstimatedCost, normalizedPolicy.Budget.MaxCost))
	}

	approved := opts.ApprovedFingerprint != "" && strings.EqualFold(opts.ApprovedFingerprint, fingerprint)
	if opts.ApprovedFingerprint != "" && !approved {
		outcome.Reasons = append(outcome.Reasons, CodeApprovalFingerprint)
	}

	if err := ctx.Err(); err != nil {
		return deny(CodeEvaluationTimeout, timeoutReason(err))
	}
	decision := gate.EvaluateSkills(gate.Request{
		RequiredCapabilities: normalizedPlan.RequiredCapabilities,
		ResolvedCapabilities: normalizedPlan.ResolvedCapabilities,
		IsApprovedExecution:  approved,
	}, opts.Gate)
	outcome.Gate = &decision

	switch decision.Decision {
	case schemaskills.DecisionDeny:
		return deny(gate.PrimaryCode(decision), gateReasons(decision)...)
	case schemaskills.DecisionApprovalRequired:
		outcome.Verdict = schemapolicy.VerdictApprovalRequired
		outcome.Code = gate.PrimaryCode(decision)
		outcome.Reasons = append(outcome.Reasons, gateReasons(decision)...)
		return outcome
	}

	if !approved {
		if gated := intersect(normalizedPolicy.RequireApprovalCapabilities, normalizedPlan.RequiredCapabilities); len(gated) > 0 {
			outcome.Verdict = schemapolicy.VerdictApprovalRequired
			outcome.Code = CodeCapabilityApproval
			for _, capability := range gated {
				outcome.Reasons = append(outcome.Reasons, "approval_required_capability:"+capability)
			}
			return outcome
		}
	}

	outcome.Verdict = schemapolicy.VerdictAllowed
	return outcome
}

func denied(code string, reason string) schemapolicy.Outcome {
	return schemapolicy.Outcome{
		Verdict: schemapolicy.VerdictDenied,
		Code:    code,
		Reasons: []string{reason},
	}
}

func timeoutReason(err error) string {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return "evaluation_deadline_exceeded"
	}
	return "evaluation_cancelled"
}

func gateReasons(decision schemaskills.GateDecision) []string {
	reasons := make([]string, 0, len(decision.Reasons)+1)
	for _, reason := range decision.Reasons {
		reasons = append(reasons, reason.Code+":"+reason.Skill)
	}
	if len(decision.Reasons) == 0 {
		for _, notice := range decision.Meta {
			if notice.Code == gate.CodeSkillsLockRequired || notice.Code == gate.CodeSkillsLockInvalid {
				reasons = append(reasons, notice.Code)
			}
		}
	}
	return reasons
}

func quarantineHits(quarantine []string, plan schemapolicy.Plan) []string {
	if len(quarantine) == 0 {
		return nil
	}
	hits := make([]string, 0)
	for _, capability := range plan.RequiredCapabilities {
		if contains(quarantine, capability) {
			hits = append(hits, capability)
		}
		if provider, ok := plan.ResolvedCapabilities[capability]; ok && contains(quarantine, provider) {
			hits = append(hits, provider)
		}
	}
	return uniqueSorted(hits)
}

func normalizePolicy(input Policy) (Policy, error) {
	output := input
	if output.SchemaID == "" {
		output.SchemaID = policySchemaID
	}
	if output.SchemaID != policySchemaID {
		return Policy{}, fmt.Errorf("unsupported policy schema_id: %s", output.SchemaID)
	}
	if output.SchemaVersion == "" {
		output.SchemaVersion = policySchemaV1
	}
	if output.SchemaVersion != policySchemaV1 {
		return Policy{}, fmt.Errorf("unsupported policy schema_version: %s", output.SchemaVersion)
	}
	if output.Budget.MaxCost < 0 {
		return Policy{}, fmt.Errorf("budget max_cost must be >= 0")
	}
	output.EnvironmentGuards.Allowed = normalizeStringListLower(output.EnvironmentGuards.Allowed)
	output.EnvironmentGuards.Denied = normalizeStringListLower(output.EnvironmentGuards.Denied)
	output.Quarantine = uniqueSorted(output.Quarantine)
	output.RequireApprovalCapabilities = uniqueSorted(output.RequireApprovalCapabilities)
	return output, nil
}

func normalizePlan(plan schemapolicy.Plan) schemapolicy.Plan {
	output := plan
	output.PlanID = strings.TrimSpace(output.PlanID)
	output.ThreadID = strings.TrimSpace(output.ThreadID)
	output.Environment = strings.ToLower(strings.TrimSpace(output.Environment))
	output.RequiredCapabilities = normalizeStringList(output.RequiredCapabilities)
	resolved := make(map[string]string, len(plan.ResolvedCapabilities))
	for capability, provider := range plan.ResolvedCapabilities {
		resolved[strings.TrimSpace(capability)] = strings.TrimSpace(provider)
	}
	output.ResolvedCapabilities = resolved
	output.Steps = append([]schemapolicy.PlanStep(nil), plan.Steps...)
	for index := range output.Steps {
		output.Steps[index].Capability = strings.TrimSpace(output.Steps[index].Capability)
	}
	if output.Steps == nil {
		output.Steps = []schemapolicy.PlanStep{}
	}
	return output
}

func normalizeStringList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return uniqueSorted(out)
}

func normalizeStringListLower(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.ToLower(strings.TrimSpace(value))
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return uniqueSorted(out)
}

func uniqueSorted(values []string) []string {
	if len(values) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	sort.Strings(out)
	return out
}

func intersect(left []string, right []string) []string {
	out := make([]string, 0)
	for _, value := range left {
		if contains(right, value) {
			out = append(out, value)
		}
	}
	return uniqueSorted(out)
}

func contains(values []string, wanted string) bool {
	for _, value := range values {
		if value == wanted {
			return true
		}
	}
	return false
}
