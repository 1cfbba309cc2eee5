package policy

import (
	stderrors "errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/davidahmann/skillgate/core/sign"
)

func TestMintAndConfirmApproval(t *testing.T) {
	kp, err := sign.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	policy := mustPolicy(t, "require_approval_capabilities: [email.send]\n")
	plan := basePlan()
	token, err := MintApproval(MintApprovalOptions{
		ApproverIdentity:  "ops@example.com",
		ReasonCode:        "reviewed_recipients",
		Plan:              plan,
		Policy:            policy,
		TTL:               time.Hour,
		Now:               now,
		SigningPrivateKey: kp.Private,
	})
	if err != nil {
		t.Fatalf("mint approval: %v", err)
	}

	path := filepath.Join(t.TempDir(), "approval.json")
	if err := WriteApprovalToken(path, token); err != nil {
		t.Fatalf("write token: %v", err)
	}
	loaded, err := ReadApprovalToken(path)
	if err != nil {
		t.Fatalf("read token: %v", err)
	}

	fingerprint, err := ConfirmApproval(loaded, ConfirmOptions{Plan: plan, Policy: policy, PublicKey: kp.Public, Now: now.Add(time.Minute)})
	if err != nil {
		t.Fatalf("confirm approval: %v", err)
	}
	if fingerprint != token.PlanFingerprint {
		t.Fatalf("unexpected confirmed fingerprint %s", fingerprint)
	}
}

func TestConfirmApprovalRejections(t *testing.T) {
	kp, err := sign.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	other, err := sign.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate other key: %v", err)
	}
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	policy := Policy{}
	plan := basePlan()
	token, err := MintApproval(MintApprovalOptions{
		ApproverIdentity:  "ops@example.com",
		ReasonCode:        "reviewed",
		Plan:              plan,
		Policy:            policy,
		TTL:               time.Hour,
		Now:               now,
		SigningPrivateKey: kp.Private,
	})
	if err != nil {
		t.Fatalf("mint approval: %v", err)
	}

	changedPlan := basePlan()
	changedPlan.ResolvedCapabilities["email.send"] = "smtp-skill"
	changedPolicy := mustPolicy(t, "quarantine: [legacy-skill]\n")
	unsigned := token
	unsigned.Signature = nil
	tampered := token
	tampered.ApproverIdentity = "intruder@example.com"

	cases := []struct {
		name  string
		token func() error
		code  string
	}{
		{name: "plan_changed", code: ApprovalCodePlanChanged, token: func() error {
			_, err := ConfirmApproval(token, ConfirmOptions{Plan: changedPlan, Policy: policy, PublicKey: kp.Public, Now: now})
			return err
		}},
		{name: "policy_changed", code: ApprovalCodePolicyChanged, token: func() error {
			_, err := ConfirmApproval(token, ConfirmOptions{Plan: plan, Policy: changedPolicy, PublicKey: kp.Public, Now: now})
			return err
		}},
		{name: "expired", code: ApprovalCodeExpired, token: func() error {
			_, err := ConfirmApproval(token, ConfirmOptions{Plan: plan, Policy: policy, PublicKey: kp.Public, Now: now.Add(2 * time.Hour)})
			return err
		}},
		{name: "wrong_key", code: ApprovalCodeSignatureFailed, token: func() error {
			_, err := ConfirmApproval(token, ConfirmOptions{Plan: plan, Policy: policy, PublicKey: other.Public, Now: now})
			return err
		}},
		{name: "unsigned", code: ApprovalCodeSignatureMiss, token: func() error {
			_, err := ConfirmApproval(unsigned, ConfirmOptions{Plan: plan, Policy: policy, PublicKey: kp.Public, Now: now})
			return err
		}},
		{name: "tampered", code: ApprovalCodeSignatureFailed, token: func() error {
			_, err := ConfirmApproval(tampered, ConfirmOptions{Plan: plan, Policy: policy, PublicKey: kp.Public, Now: now})
			return err
		}},
	}
	for _, testCase := range cases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			err := testCase.token()
			var approvalErr *ApprovalError
			if !stderrors.As(err, &approvalErr) {
				t.Fatalf("expected ApprovalError, got %v", err)
			}
			if approvalErr.Code != testCase.code {
				t.Fatalf("unexpected code %s want %s", approvalErr.Code, testCase.code)
			}
		})
	}
}

func TestMintApprovalValidatesInput(t *testing.T) {
	kp, err := sign.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	base := MintApprovalOptions{
		ApproverIdentity:  "ops@example.com",
		ReasonCode:        "reviewed",
		Plan:              basePlan(),
		TTL:               time.Hour,
		SigningPrivateKey: kp.Private,
	}
	noKey := base
	noKey.SigningPrivateKey = nil
	noTTL := base
	noTTL.TTL = 0
	noApprover := base
	noApprover.ApproverIdentity = " "
	for name, opts := range map[string]MintApprovalOptions{"no_key": noKey, "no_ttl": noTTL, "no_approver": noApprover} {
		if _, err := MintApproval(opts); err == nil {
			t.Fatalf("%s: expected mint error", name)
		}
	}
}
