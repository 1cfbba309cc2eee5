package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	coreerrors "github.com/davidahmann/skillgate/core/errors"
	"github.com/davidahmann/skillgate/core/policy"
	schemapolicy "github.com/davidahmann/skillgate/core/schema/v1/policy"
	"github.com/davidahmann/skillgate/core/sign"
	"github.com/spf13/cobra"
)

type approveOutput struct {
	OK              bool   `json:"ok"`
	TokenPath       string `json:"token_path,omitempty"`
	TokenID         string `json:"token_id,omitempty"`
	PlanID          string `json:"plan_id,omitempty"`
	PlanFingerprint string `json:"plan_fingerprint,omitempty"`
	PolicyDigest    string `json:"policy_digest,omitempty"`
	ExpiresAt       string `json:"expires_at,omitempty"`
	Error           string `json:"error,omitempty"`
}

func newApproveCommand(a *app) *cobra.Command {
	var planPath string
	var policyPath string
	var approver string
	var reasonCode string
	var ttl time.Duration
	var outPath string
	var key sign.KeySource

	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Mint a signed approval token bound to a plan fingerprint and policy digest",
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
			if strings.TrimSpace(policyPath) == "" {
				policyPath = cfg.Policy.Path
			}
			pol, err := loadPolicy(policyPath)
			if err != nil {
				return a.fail(err, exitInvalidInput)
			}
			privateKey, err := sign.LoadPrivateKey(key, a.lookupEnv)
			if err != nil {
				return a.fail(coreerrors.Wrap(err, coreerrors.CategoryConfiguration, "approval_key_invalid", "pass --private-key or --private-key-env", false), exitInvalidInput)
			}

			token, err := policy.MintApproval(policy.MintApprovalOptions{
				ApproverIdentity:  approver,
				ReasonCode:        reasonCode,
				Plan:              plan,
				Policy:            pol,
				TTL:               ttl,
				Now:               a.now(),
				SigningPrivateKey: privateKey,
			})
			if err != nil {
				return a.fail(coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "approval_invalid", "", false), exitInvalidInput)
			}
			if strings.TrimSpace(outPath) == "" {
				outPath = "approval_" + token.TokenID + ".json"
			}
			if err := policy.WriteApprovalToken(outPath, token); err != nil {
				return a.fail(coreerrors.Wrap(err, coreerrors.CategoryPersistenceFailure, "approval_write_failed", "", false), exitInternalFailure)
			}

			output := approveOutput{
				OK:              true,
				TokenPath:       outPath,
				TokenID:         token.TokenID,
				PlanID:          token.PlanID,
				PlanFingerprint: token.PlanFingerprint,
				PolicyDigest:    token.PolicyDigest,
				ExpiresAt:       token.ExpiresAt.UTC().Format(time.RFC3339),
			}
			return a.emit(output, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "approval %s written to %s (expires %s)\n", token.TokenID, outPath, output.ExpiresAt)
			}, exitOK)
		},
	}
	cmd.Flags().StringVar(&planPath, "plan", "", "plan JSON file, or - for stdin")
	cmd.Flags().StringVar(&policyPath, "policy", "", "policy YAML file (overrides policy.path)")
	cmd.Flags().StringVar(&approver, "approver", "", "approver identity")
	cmd.Flags().StringVar(&reasonCode, "reason-code", "manual_approval", "approval reason code")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "approval lifetime")
	cmd.Flags().StringVar(&outPath, "out", "", "token output path")
	cmd.Flags().StringVar(&key.Path, "private-key", "", "approval signing key file")
	cmd.Flags().StringVar(&key.Env, "private-key-env", "", "env var holding the approval signing key")
	_ = cmd.MarkFlagRequired("plan")
	_ = cmd.MarkFlagRequired("approver")
	return cmd
}
