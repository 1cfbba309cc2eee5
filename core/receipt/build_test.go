package receipt

import (
	"encoding/json"
	"testing"
	"time"

	schemapolicy "github.com/davidahmann/skillgate/core/schema/v1/policy"
	schemareceipt "github.com/davidahmann/skillgate/core/schema/v1/receipt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, time.March, 2, 9, 30, 0, 0, time.UTC)

func sampleRunLog() schemareceipt.RunLog {
	return schemareceipt.RunLog{
		"execution_id":   "exec-42",
		"thread_id":      "thread-7",
		"status":         "succeeded",
		"started_at":     "2026-03-02T09:00:00Z",
		"ended_at":       fixedNow,
		"plan_hash":      "abc123",
		"policy_outcome": map[string]any{"verdict": "ALLOWED"},
		"artifacts":      []any{"out/report.pdf", " ", "out/log.txt"},
		"capabilities":   map[string]any{"email.send": "gmail-skill", "bogus": 5},
		"runner_host":    "worker-3",
	}
}

func TestBuildProjectsReservedFields(t *testing.T) {
	built, err := Build(sampleRunLog(), BuildOptions{Now: fixedNow, ReceiptID: "r-1"})
	require.NoError(t, err)

	assert.Equal(t, "skillgate.receipt", built.SchemaID)
	assert.Equal(t, "r-1", built.ReceiptID)
	require.NotNil(t, built.ExecutionID)
	assert.Equal(t, "exec-42", *built.ExecutionID)
	require.NotNil(t, built.EndedAt)
	assert.Equal(t, "2026-03-02T09:30:00Z", *built.EndedAt)
	assert.Equal(t, []string{"out/report.pdf", "out/log.txt"}, built.Artifacts)
	assert.Equal(t, map[string]string{"email.send": "gmail-skill"}, built.Capabilities)
	assert.Equal(t, schemareceipt.OriginExecution, built.Origin)
	assert.Equal(t, "ALLOWED", built.PolicyOutcome["verdict"])
	assert.Nil(t, built.Extensions, "unknown run log fields are not copied without an extension payload")
}

func TestBuildMissingFieldsBecomeNull(t *testing.T) {
	built, err := Build(schemareceipt.RunLog{"status": 17, "artifacts": "not-a-list"}, BuildOptions{Now: fixedNow})
	require.NoError(t, err)
	assert.NotEmpty(t, built.ReceiptID)

	raw, err := json.Marshal(built)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	for _, key := range []string{"execution_id", "thread_id", "status", "started_at", "ended_at", "plan_hash", "policy_outcome", "artifacts", "capabilities", "prev_receipt_hash"} {
		value, ok := decoded[key]
		assert.True(t, ok, "expected key %s", key)
		assert.Nil(t, value, "expected %s to be null", key)
	}
	_, hasHash := decoded["receipt_hash"]
	assert.False(t, hasHash)
}

func TestBuildRejectsNilRunLogAndBadOrigin(t *testing.T) {
	_, err := Build(nil, BuildOptions{})
	require.Error(t, err)
	_, err = Build(schemareceipt.RunLog{}, BuildOptions{Origin: "replay"})
	require.Error(t, err)
}

func TestExtensionCannotOverrideReservedFields(t *testing.T) {
	runLog := sampleRunLog()
	runLog[schemareceipt.ExtensionKey] = map[string]any{
		"status":       "approved",
		"execution_id": "spoofed",
		"receipt_hash": "deadbeef",
		"origin":       "execution",
		"ticket":       "OPS-12",
	}
	built, err := Build(runLog, BuildOptions{Now: fixedNow, Origin: schemareceipt.OriginPlaybook})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ticket": "OPS-12"}, built.Extensions)

	raw, err := json.Marshal(built)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "succeeded", decoded["status"])
	assert.Equal(t, "exec-42", decoded["execution_id"])
	assert.Equal(t, "playbook", decoded["origin"])
	assert.Equal(t, "OPS-12", decoded["ticket"])
	_, hasHash := decoded["receipt_hash"]
	assert.False(t, hasHash)
}

func TestMarshalAlsoGuardsDirectExtensions(t *testing.T) {
	built, err := Build(sampleRunLog(), BuildOptions{Now: fixedNow})
	require.NoError(t, err)
	built.Extensions = map[string]any{"status": "forged", "note": "kept"}

	raw, err := json.Marshal(built)
	require.NoError(t, err)
	var decoded schemareceipt.Receipt
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.NotNil(t, decoded.Status)
	assert.Equal(t, "succeeded", *decoded.Status)
	assert.Equal(t, map[string]any{"note": "kept"}, decoded.Extensions)
}

func TestMergeReserved(t *testing.T) {
	merged := schemareceipt.MergeReserved(
		map[string]any{"status": "ok"},
		map[string]any{"status": "spoofed", "thread_id": "t", "custom": 1},
	)
	assert.Equal(t, map[string]any{"status": "ok", "custom": 1}, merged)
}

func TestSealChainsAndDigestIgnoresReceiptHash(t *testing.T) {
	built, err := Build(sampleRunLog(), BuildOptions{Now: fixedNow, ReceiptID: "r-1"})
	require.NoError(t, err)

	first, firstLine, err := Seal(built, "")
	require.NoError(t, err)
	assert.Nil(t, first.PrevReceiptHash)
	assert.Len(t, first.ReceiptHash, 64)

	lineDigest, err := DigestJSON(firstLine)
	require.NoError(t, err)
	assert.Equal(t, first.ReceiptHash, lineDigest)

	second, _, err := Seal(built, first.ReceiptHash)
	require.NoError(t, err)
	require.NotNil(t, second.PrevReceiptHash)
	assert.Equal(t, first.ReceiptHash, *second.PrevReceiptHash)
	assert.NotEqual(t, first.ReceiptHash, second.ReceiptHash)
}

func TestFromAttemptRecordsDeniedPlan(t *testing.T) {
	plan := schemapolicy.Plan{
		PlanID:               "plan-9",
		ThreadID:             "thread-1",
		RequiredCapabilities: []string{"email.send"},
		ResolvedCapabilities: map[string]string{"email.send": "gmail-skill"},
	}
	outcome := schemapolicy.Outcome{
		Verdict:         schemapolicy.VerdictDenied,
		Code:            "SKILL_DISABLED",
		Reasons:         []string{"SKILL_DISABLED:gmail-skill"},
		PlanFingerprint: "f00d",
	}
	built, err := FromAttempt(plan, outcome, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, schemareceipt.OriginAttempt, built.Origin)
	require.NotNil(t, built.Status)
	assert.Equal(t, "denied", *built.Status)
	require.NotNil(t, built.PlanHash)
	assert.Equal(t, "f00d", *built.PlanHash)
	assert.Equal(t, "SKILL_DISABLED", built.PolicyOutcome["code"])
	assert.Equal(t, map[string]string{"email.send": "gmail-skill"}, built.Capabilities)
}
