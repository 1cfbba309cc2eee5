package main

import (
	stderrors "errors"
	"fmt"
	"io"
	"strings"

	coreerrors "github.com/davidahmann/skillgate/core/errors"
	"github.com/davidahmann/skillgate/core/gate"
	"github.com/davidahmann/skillgate/core/ledger"
	"github.com/davidahmann/skillgate/core/pipeline"
	"github.com/davidahmann/skillgate/core/policy"
	schemapolicy "github.com/davidahmann/skillgate/core/schema/v1/policy"
	"github.com/davidahmann/skillgate/core/sign"
	"github.com/spf13/cobra"
)

type policyEvaluateOutput struct {
	OK       bool                  `json:"ok"`
	PlanID   string                `json:"plan_id,omitempty"`
	Outcome  *schemapolicy.Outcome `json:"outcome,omitempty"`
	Attempt  *ledger.PersistResult `json:"attempt,omitempty"`
	Approved bool                  `json:"approved,omitempty"`
	// ApprovalRejected holds the rejection code of an approval token that
	// did not confirm.
	ApprovalRejected string `json:"approval_rejected,omitempty"`
	Error            string `json:"error,omitempty"`
	ErrorCode        string `json:"error_code,omitempty"`
}

func newPolicyCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Evaluate plans against the execution policy",
	}
	cmd.AddCommand(newPolicyEvaluateCommand(a))
	return cmd
}

func newPolicyEvaluateCommand(a *app) *cobra.Command {
	var planPath string
	var policyPath string
	var approvalPath string
	var approvalKey sign.KeySource

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a plan and record an attempt receipt when it is stopped",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.openSession(cmd.Context(), true)
			if err != nil {
				return a.fail(err, exitInvalidInput)
			}
			defer s.close()

			var plan schemapolicy.Plan
			if err := readJSONFile(planPath, &plan); err != nil {
				return a.fail(err, exitInvalidInput)
			}
			if strings.TrimSpace(policyPath) == "" {
				policyPath = s.cfg.Policy.Path
			}
			pol, err := loadPolicy(policyPath)
			if err != nil {
				return a.fail(err, exitInvalidInput)
			}

			approvedFingerprint := ""
			var rejection error
			if strings.TrimSpace(approvalPath) != "" {
				if approvalKey.IsZero() {
					approvalKey.Path = s.cfg.Policy.ApprovalPublicKey
				}
				approvedFingerprint, err = confirmApproval(approvalPath, approvalKey, plan, pol, a)
				if err != nil {
					// Unreadable tokens and keys are input errors. A token that
					// reads but does not confirm still leaves an attempt receipt.
					if coreerrors.CategoryOf(err) != coreerrors.CategoryApprovalRequired {
						return a.fail(err, exitApprovalRequired)
					}
					rejection = err
				}
			}

			var dispatcher pipeline.Dispatcher
			if s.playbook != nil {
				dispatcher = s.playbook
			}
			p, err := pipeline.New(pipeline.Options{
				Policy: pol,
				Eval: policy.EvalOptions{Gate: gate.Options{
					LockPath:           s.cfg.Gate.SkillsLock,
					SkillsLockRequired: s.cfg.Gate.SkillsLockRequired,
					AllowExperimental:  s.cfg.Gate.AllowExperimental,
				}},
				Ledger:            s.ledger,
				Playbook:          dispatcher,
				Logger:            s.logger,
				EvaluationTimeout: s.cfg.EvaluationTimeout,
				Now:               a.now,
			})
			if err != nil {
				return a.fail(err, exitInternalFailure)
			}
			var auth pipeline.Authorization
			if rejection != nil {
				auth, err = p.AuthorizeRejected(cmd.Context(), plan, coreerrors.CodeOf(rejection))
			} else {
				auth, err = p.Authorize(cmd.Context(), plan, approvedFingerprint)
			}
			if err != nil {
				// The verdict still stands; only the attempt record failed.
				s.logger.Error("attempt receipt not fully recorded", "plan_id", plan.PlanID, "error", err)
			}

			output := policyEvaluateOutput{
				OK:       err == nil,
				PlanID:   plan.PlanID,
				Outcome:  &auth.Outcome,
				Attempt:  auth.Attempt,
				Approved: approvedFingerprint != "",
			}
			if rejection != nil {
				output.ApprovalRejected = coreerrors.CodeOf(rejection)
			}
			switch {
			case err != nil:
				output.Error = err.Error()
			case rejection != nil && auth.Outcome.Verdict != schemapolicy.VerdictAllowed:
				output.OK = false
				output.Error = rejection.Error()
				output.ErrorCode = coreerrors.CodeOf(rejection)
			}
			return a.emit(output, func(w io.Writer) {
				if rejection != nil {
					_, _ = fmt.Fprintf(w, "approval rejected: %s\n", rejection)
				}
				writeOutcomeText(w, auth)
			}, exitForVerdict(auth.Outcome.Verdict))
		},
	}
	cmd.Flags().StringVar(&planPath, "plan", "", "plan JSON file, or - for stdin")
	cmd.Flags().StringVar(&policyPath, "policy", "", "policy YAML file (overrides policy.path)")
	cmd.Flags().StringVar(&approvalPath, "approval", "", "signed approval token for this plan")
	cmd.Flags().StringVar(&approvalKey.Path, "approval-public-key", "", "approval verify key file (overrides policy.approval_public_key)")
	cmd.Flags().StringVar(&approvalKey.Env, "approval-public-key-env", "", "env var holding the approval verify key")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func loadPolicy(path string) (policy.Policy, error) {
	if strings.TrimSpace(path) == "" {
		return policy.Policy{}, nil
	}
	pol, err := policy.LoadPolicyFile(path)
	if err != nil {
		return policy.Policy{}, coreerrors.Wrap(err, coreerrors.CategoryConfiguration, "policy_invalid", "fix the policy file", false)
	}
	return pol, nil
}

func confirmApproval(path string, key sign.KeySource, plan schemapolicy.Plan, pol policy.Policy, a *app) (string, error) {
	token, err := policy.ReadApprovalToken(path)
	if err != nil {
		return "", coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "approval_unreadable", "", false)
	}
	publicKey, err := sign.LoadPublicKey(key, a.lookupEnv)
	if err != nil {
		return "", coreerrors.Wrap(err, coreerrors.CategoryConfiguration, "approval_key_invalid", "pass --approval-public-key", false)
	}
	fingerprint, err := policy.ConfirmApproval(token, policy.ConfirmOptions{
		Plan:      plan,
		Policy:    pol,
		PublicKey: publicKey,
		Now:       a.now(),
	})
	if err != nil {
		code := coreerrors.CodeApprovalRejected
		var approvalErr *policy.ApprovalError
		if stderrors.As(err, &approvalErr) {
			code = approvalErr.Code
		}
		return "", coreerrors.Wrap(err, coreerrors.CategoryApprovalRequired, code, "request a new approval for the current plan", false)
	}
	return fingerprint, nil
}

func exitForVerdict(verdict schemapolicy.Verdict) int {
	switch verdict {
	case schemapolicy.VerdictAllowed:
		return exitOK
	case schemapolicy.VerdictApprovalRequired:
		return exitApprovalRequired
	default:
		return exitPolicyBlocked
	}
}

func writeOutcomeText(w io.Writer, auth pipeline.Authorization) {
	_, _ = fmt.Fprintf(w, "verdict: %s\n", auth.Outcome.Verdict)
	if auth.Outcome.Code != "" {
		_, _ = fmt.Fprintf(w, "code: %s\n", auth.Outcome.Code)
	}
	for _, reason := range auth.Outcome.Reasons {
		_, _ = fmt.Fprintf(w, "  %s\n", reason)
	}
	if auth.Outcome.PlanFingerprint != "" {
		_, _ = fmt.Fprintf(w, "plan_fingerprint: %s\n", auth.Outcome.PlanFingerprint)
	}
	if auth.Attempt != nil {
		_, _ = fmt.Fprintf(w, "attempt: %s %s\n", auth.Attempt.State, auth.Attempt.Receipt.ReceiptID)
	}
}
