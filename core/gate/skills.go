package gate

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"

	schemaskills "github.com/davidahmann/skillgate/core/schema/v1/skills"
	"github.com/davidahmann/skillgate/core/skilllock"
)

const (
	CodeSkillsLockRequired  = "SKILLS_LOCK_REQUIRED"
	CodeSkillsLockMissing   = "SKILLS_LOCK_MISSING"
	CodeSkillsLockInvalid   = "SKILLS_LOCK_INVALID"
	CodeSkillsLockAmbiguous = "SKILLS_LOCK_AMBIGUOUS"
	CodeSkillNotInLock      = "SKILL_NOT_IN_LOCK"
	CodeSkillRevoked        = "SKILL_REVOKED"
	CodeSkillDisabled       = "SKILL_DISABLED"
	CodeSkillExperimental   = "SKILL_EXPERIMENTAL"
	CodeSkillStatusConflict = "SKILL_STATUS_CONFLICT"

	CodeSkillTrusted              = "SKILL_TRUSTED"
	CodeSkillStatusUnknown        = "SKILL_STATUS_UNKNOWN"
	CodeSkillExperimentalApproved = "SKILL_EXPERIMENTAL_APPROVED"
)

// Options carries the resolved gate configuration. It is built once at
// process start; the gate itself never reads the environment.
type Options struct {
	LockPath           string
	SkillsLockRequired bool
	AllowExperimental  bool
}

type Request struct {
	RequiredCapabilities []string
	ResolvedCapabilities map[string]string
	IsApprovedExecution  bool
}

// EvaluateSkills decides whether the providers resolved for the required
// capabilities may run. It reads the lock registry once and never returns an
// error: every read or parse failure becomes a DENY.
func EvaluateSkills(request Request, opts Options) (decision schemaskills.GateDecision) {
	used := UsedProviders(request.RequiredCapabilities, request.ResolvedCapabilities)
	decision = schemaskills.GateDecision{
		Decision: schemaskills.DecisionAllow,
		Checked:  used,
		Reasons:  []schemaskills.Reason{},
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			decision = schemaskills.GateDecision{
				Decision: schemaskills.DecisionDeny,
				Checked:  used,
				Reasons:  []schemaskills.Reason{},
				Meta: []schemaskills.Notice{{
					Code:   CodeSkillsLockInvalid,
					Detail: fmt.Sprintf("skills lock evaluation failed: %v", recovered),
				}},
			}
		}
	}()

	registry, err := skilllock.Read(opts.LockPath)
	if err != nil {
		if stderrors.Is(err, skilllock.ErrRegistryMissing) {
			if opts.SkillsLockRequired {
				decision.Decision = schemaskills.DecisionDeny
				decision.Meta = append(decision.Meta, schemaskills.Notice{
					Code:   CodeSkillsLockRequired,
					Detail: fmt.Sprintf("skills lock %s is required but missing", registry.Path),
				})
				return decision
			}
			decision.Meta = append(decision.Meta, schemaskills.Notice{
				Code:   CodeSkillsLockMissing,
				Detail: fmt.Sprintf("skills lock %s not found; provider trust not enforced", registry.Path),
			})
			return decision
		}
		decision.Decision = schemaskills.DecisionDeny
		decision.Meta = append(decision.Meta, schemaskills.Notice{
			Code:   CodeSkillsLockInvalid,
			Detail: err.Error(),
		})
		return decision
	}
	decision.RegistryHash = registry.Hash

	for _, provider := range used {
		matches := registry.Match(provider)
		switch len(matches) {
		case 0:
			decision.Meta = append(decision.Meta, schemaskills.Notice{
				Code:   CodeSkillNotInLock,
				Skill:  provider,
				Detail: "provider is not listed in the skills lock",
			})
			continue
		case 1:
		default:
			detail := fmt.Sprintf("provider matches %d lock entries", len(matches))
			decision.Reasons = append(decision.Reasons, schemaskills.Reason{
				Code:   CodeSkillsLockAmbiguous,
				Skill:  provider,
				Detail: detail,
			})
			decision.Meta = append(decision.Meta, schemaskills.Notice{
				Code:   CodeSkillsLockAmbiguous,
				Skill:  provider,
				Detail: detail,
			})
			continue
		}

		status := skilllock.NormalizeStatus(matches[0])
		switch status {
		case schemaskills.StatusRevoked:
			decision.Reasons = append(decision.Reasons, schemaskills.Reason{Code: CodeSkillRevoked, Skill: provider})
		case schemaskills.StatusDisabled:
			decision.Reasons = append(decision.Reasons, schemaskills.Reason{Code: CodeSkillDisabled, Skill: provider})
		case schemaskills.StatusExperimental:
			if opts.AllowExperimental || request.IsApprovedExecution {
				decision.Meta = append(decision.Meta, schemaskills.Notice{
					Code:   CodeSkillExperimentalApproved,
					Skill:  provider,
					Detail: experimentalApprovalDetail(opts.AllowExperimental),
				})
				continue
			}
			decision.Reasons = append(decision.Reasons, schemaskills.Reason{
				Code:   CodeSkillExperimental,
				Skill:  provider,
				Detail: "experimental provider requires approval",
			})
		case schemaskills.StatusConflict:
			detail := skilllock.ConflictDetail(matches[0])
			decision.Reasons = append(decision.Reasons, schemaskills.Reason{Code: CodeSkillStatusConflict, Skill: provider, Detail: detail})
			decision.Meta = append(decision.Meta, schemaskills.Notice{Code: CodeSkillStatusConflict, Skill: provider, Detail: detail})
		case schemaskills.StatusTrusted:
			decision.Meta = append(decision.Meta, schemaskills.Notice{Code: CodeSkillTrusted, Skill: provider, Detail: "trusted"})
		default:
			decision.Meta = append(decision.Meta, schemaskills.Notice{
				Code:   CodeSkillStatusUnknown,
				Skill:  provider,
				Detail: fmt.Sprintf("lock status %q is not recognized", strings.TrimSpace(matches[0].Status)),
			})
		}
	}

	decision.Decision = aggregate(decision.Reasons)
	return decision
}

// UsedProviders returns the sorted, de-duplicated providers resolved for the
// required capabilities. Capabilities without a non-empty provider are skipped.
func UsedProviders(required []string, resolved map[string]string) []string {
	seen := make(map[string]struct{}, len(required))
	out := make([]string, 0, len(required))
	for _, capability := range required {
		provider, ok := resolved[capability]
		if !ok {
			continue
		}
		provider = strings.TrimSpace(provider)
		if provider == "" {
			continue
		}
		if _, dup := seen[provider]; dup {
			continue
		}
		seen[provider] = struct{}{}
		out = append(out, provider)
	}
	sort.Strings(out)
	return out
}

// ReasonCodes lists the distinct reason codes of a decision in order.
func ReasonCodes(decision schemaskills.GateDecision) []string {
	codes := make([]string, 0, len(decision.Reasons))
	seen := map[string]struct{}{}
	for _, reason := range decision.Reasons {
		if _, ok := seen[reason.Code]; ok {
			continue
		}
		seen[reason.Code] = struct{}{}
		codes = append(codes, reason.Code)
	}
	return codes
}

// PrimaryCode is the code an operator should see first for a blocked decision.
func PrimaryCode(decision schemaskills.GateDecision) string {
	for _, reason := range decision.Reasons {
		if severity(reason.Code) == schemaskills.DecisionDeny {
			return reason.Code
		}
	}
	if len(decision.Reasons) > 0 {
		return decision.Reasons[0].Code
	}
	if decision.Decision == schemaskills.DecisionDeny && len(decision.Meta) > 0 {
		return decision.Meta[0].Code
	}
	return ""
}

func aggregate(reasons []schemaskills.Reason) schemaskills.Decision {
	result := schemaskills.DecisionAllow
	for _, reason := range reasons {
		switch severity(reason.Code) {
		case schemaskills.DecisionDeny:
			return schemaskills.DecisionDeny
		case schemaskills.DecisionApprovalRequired:
			result = schemaskills.DecisionApprovalRequired
		}
	}
	return result
}

func severity(code string) schemaskills.Decision {
	switch code {
	case CodeSkillExperimental:
		return schemaskills.DecisionApprovalRequired
	case CodeSkillRevoked, CodeSkillDisabled, CodeSkillsLockAmbiguous, CodeSkillStatusConflict:
		return schemaskills.DecisionDeny
	default:
		// unknown codes are blocking
		return schemaskills.DecisionDeny
	}
}

func experimentalApprovalDetail(allowExperimental bool) string {
	if allowExperimental {
		return "experimental provider allowed by configuration"
	}
	return "experimental provider allowed by approved execution"
}
