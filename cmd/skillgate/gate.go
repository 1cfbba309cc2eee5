package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/davidahmann/skillgate/core/gate"
	schemapolicy "github.com/davidahmann/skillgate/core/schema/v1/policy"
	schemaskills "github.com/davidahmann/skillgate/core/schema/v1/skills"
	"github.com/spf13/cobra"
)

type gateOutput struct {
	OK       bool                       `json:"ok"`
	PlanID   string                     `json:"plan_id,omitempty"`
	Decision *schemaskills.GateDecision `json:"decision,omitempty"`
	Error    string                     `json:"error,omitempty"`
}

func newGateCommand(a *app) *cobra.Command {
	var planPath string
	var lockPath string
	var approved bool

	cmd := &cobra.Command{
		Use:   "gate",
		Short: "Check the providers a plan resolves against the skills lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return a.fail(err, exitInvalidInput)
			}
			var plan schemapolicy.Plan
			if err := readJSONFile(planPath, &plan); err != nil {
				return a.fail(err, exitInvalidInput)
			}
			opts := gate.Options{
				LockPath:           cfg.Gate.SkillsLock,
				SkillsLockRequired: cfg.Gate.SkillsLockRequired,
				AllowExperimental:  cfg.Gate.AllowExperimental,
			}
			if strings.TrimSpace(lockPath) != "" {
				opts.LockPath = lockPath
			}
			decision := gate.EvaluateSkills(gate.Request{
				RequiredCapabilities: plan.RequiredCapabilities,
				ResolvedCapabilities: plan.ResolvedCapabilities,
				IsApprovedExecution:  approved,
			}, opts)

			return a.emit(gateOutput{OK: true, PlanID: plan.PlanID, Decision: &decision}, func(w io.Writer) {
				writeGateText(w, decision)
			}, exitForGateDecision(decision.Decision))
		},
	}
	cmd.Flags().StringVar(&planPath, "plan", "", "plan JSON file, or - for stdin")
	cmd.Flags().StringVar(&lockPath, "lock", "", "skills lock file (overrides gate.skills_lock)")
	cmd.Flags().BoolVar(&approved, "approved", false, "treat the execution as already approved")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func exitForGateDecision(decision schemaskills.Decision) int {
	switch decision {
	case schemaskills.DecisionAllow:
		return exitOK
	case schemaskills.DecisionApprovalRequired:
		return exitApprovalRequired
	default:
		return exitPolicyBlocked
	}
}

func writeGateText(w io.Writer, decision schemaskills.GateDecision) {
	_, _ = fmt.Fprintf(w, "decision: %s\n", decision.Decision)
	for _, reason := range decision.Reasons {
		_, _ = fmt.Fprintf(w, "  %s %s", reason.Code, reason.Skill)
		if reason.Detail != "" {
			_, _ = fmt.Fprintf(w, " (%s)", reason.Detail)
		}
		_, _ = fmt.Fprintln(w)
	}
	for _, notice := range decision.Meta {
		_, _ = fmt.Fprintf(w, "  note: %s %s\n", notice.Code, notice.Detail)
	}
}
