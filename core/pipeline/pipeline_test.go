package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/davidahmann/skillgate/core/gate"
	"github.com/davidahmann/skillgate/core/ledger"
	"github.com/davidahmann/skillgate/core/playbook"
	"github.com/davidahmann/skillgate/core/policy"
	schemapolicy "github.com/davidahmann/skillgate/core/schema/v1/policy"
	schemareceipt "github.com/davidahmann/skillgate/core/schema/v1/receipt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDispatcher struct {
	mu       sync.Mutex
	receipts []schemareceipt.Receipt
}

func (d *recordingDispatcher) Dispatch(r schemareceipt.Receipt) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.receipts = append(d.receipts, r)
	return true
}

func setup(t *testing.T, lock string, dispatcher Dispatcher) (*Pipeline, *ledger.JSONLStore) {
	t.Helper()
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "skills.lock.json")
	require.NoError(t, os.WriteFile(lockPath, []byte(lock), 0o600))
	store, err := ledger.NewJSONLStore(filepath.Join(dir, "receipts.jsonl"))
	require.NoError(t, err)
	l, err := ledger.New(ledger.Options{Local: store})
	require.NoError(t, err)
	p, err := New(Options{
		Eval:     policy.EvalOptions{Gate: gate.Options{LockPath: lockPath}},
		Ledger:   l,
		Playbook: dispatcher,
		Now:      func() time.Time { return time.Date(2026, time.March, 4, 10, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	return p, store
}

func emailPlan() schemapolicy.Plan {
	return schemapolicy.Plan{
		PlanID:               "plan-1",
		ThreadID:             "thread-1",
		RequiredCapabilities: []string{"email.send"},
		ResolvedCapabilities: map[string]string{"email.send": "gmail-skill"},
	}
}

func TestAuthorizeDeniedRecordsAttempt(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	p, store := setup(t, `{"skills":[{"name":"gmail-skill","status":"disabled"}]}`, dispatcher)

	auth, err := p.Authorize(context.Background(), emailPlan(), "")
	require.NoError(t, err)
	assert.Equal(t, schemapolicy.VerdictDenied, auth.Outcome.Verdict)
	assert.Equal(t, gate.CodeSkillDisabled, auth.Outcome.Code)
	require.NotNil(t, auth.Attempt)
	assert.Equal(t, ledger.StateRecorded, auth.Attempt.State)
	assert.Equal(t, schemareceipt.OriginAttempt, auth.Attempt.Receipt.Origin)

	receipts, err := ledger.ReadAll(context.Background(), store)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, "denied", *receipts[0].Status)
	assert.Equal(t, "plan-1", *receipts[0].ExecutionID)
	require.Len(t, dispatcher.receipts, 1)
}

func TestAuthorizeApprovalRequiredRecordsAttempt(t *testing.T) {
	p, store := setup(t, `{"skills":[{"name":"gmail-skill","status":"experimental"}]}`, nil)

	auth, err := p.Authorize(context.Background(), emailPlan(), "")
	require.NoError(t, err)
	assert.Equal(t, schemapolicy.VerdictApprovalRequired, auth.Outcome.Verdict)
	require.NotNil(t, auth.Attempt)

	approved, err := p.Authorize(context.Background(), emailPlan(), auth.Outcome.PlanFingerprint)
	require.NoError(t, err)
	assert.Equal(t, schemapolicy.VerdictAllowed, approved.Outcome.Verdict)
	assert.Nil(t, approved.Attempt)

	lines, err := store.Lines(context.Background())
	require.NoError(t, err)
	assert.Len(t, lines, 1)
}

func TestAuthorizeRejectedApprovalRecordsAttempt(t *testing.T) {
	p, store := setup(t, `{"skills":[{"name":"gmail-skill","status":"experimental"}]}`, nil)

	auth, err := p.AuthorizeRejected(context.Background(), emailPlan(), policy.ApprovalCodePlanChanged)
	require.NoError(t, err)
	assert.Equal(t, schemapolicy.VerdictApprovalRequired, auth.Outcome.Verdict)
	assert.Contains(t, auth.Outcome.Reasons, policy.ApprovalCodePlanChanged)
	require.NotNil(t, auth.Attempt)
	assert.Equal(t, ledger.StateRecorded, auth.Attempt.State)

	receipts, err := ledger.ReadAll(context.Background(), store)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, schemareceipt.OriginAttempt, receipts[0].Origin)
	assert.Equal(t, "approval_required", *receipts[0].Status)
	assert.Contains(t, receipts[0].PolicyOutcome["reasons"], policy.ApprovalCodePlanChanged)
}

func TestAuthorizeRejectedApprovalOnUnrestrictedPlan(t *testing.T) {
	p, store := setup(t, `{"skills":[{"name":"gmail-skill","status":"trusted"}]}`, nil)

	auth, err := p.AuthorizeRejected(context.Background(), emailPlan(), policy.ApprovalCodeExpired)
	require.NoError(t, err)
	assert.Equal(t, schemapolicy.VerdictAllowed, auth.Outcome.Verdict)
	assert.Nil(t, auth.Attempt)
	lines, err := store.Lines(context.Background())
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestAuthorizeAllowedWritesNothing(t *testing.T) {
	p, store := setup(t, `{"skills":[{"name":"gmail-skill","status":"trusted"}]}`, nil)
	auth, err := p.Authorize(context.Background(), emailPlan(), "")
	require.NoError(t, err)
	assert.Equal(t, schemapolicy.VerdictAllowed, auth.Outcome.Verdict)
	lines, err := store.Lines(context.Background())
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestAuthorizeTimeoutIsDenied(t *testing.T) {
	p, _ := setup(t, `{"skills":[{"name":"gmail-skill","status":"trusted"}]}`, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	auth, err := p.Authorize(ctx, emailPlan(), "")
	assert.Equal(t, schemapolicy.VerdictDenied, auth.Outcome.Verdict)
	assert.Equal(t, policy.CodeEvaluationTimeout, auth.Outcome.Code)
	require.NoError(t, err)
	require.NotNil(t, auth.Attempt)
	assert.Equal(t, ledger.StateRecorded, auth.Attempt.State)
}

func TestRecordPersistsThenDispatches(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	p, _ := setup(t, `{"skills":[]}`, dispatcher)
	result, err := p.Record(context.Background(), schemareceipt.RunLog{
		"execution_id": "exec-9",
		"status":       "succeeded",
		schemareceipt.ExtensionKey: map[string]any{
			"status": "forged",
			"cost":   3,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.StateRecorded, result.State)
	assert.Equal(t, "succeeded", *result.Receipt.Status)
	require.Len(t, dispatcher.receipts, 1)
	assert.Equal(t, result.Receipt.ReceiptHash, dispatcher.receipts[0].ReceiptHash)
}

func TestRecordWithPlaybookRunner(t *testing.T) {
	dir := t.TempDir()
	store, err := ledger.NewJSONLStore(filepath.Join(dir, "receipts.jsonl"))
	require.NoError(t, err)
	l, err := ledger.New(ledger.Options{Local: store})
	require.NoError(t, err)
	rules, err := playbook.ParseRules([]byte(`
rules:
  - id: follow-up
    when: receipt.status == "failed"
    emit:
      - status: retry_scheduled
`))
	require.NoError(t, err)
	evaluator, err := playbook.NewEvaluator(rules)
	require.NoError(t, err)
	runner := playbook.NewRunner(evaluator, l, playbook.RunnerOptions{})
	p, err := New(Options{Ledger: l, Playbook: runner})
	require.NoError(t, err)

	_, err = p.Record(context.Background(), schemareceipt.RunLog{"execution_id": "exec-1", "status": "failed"})
	require.NoError(t, err)
	runner.Close()

	receipts, err := ledger.ReadAll(context.Background(), store)
	require.NoError(t, err)
	require.Len(t, receipts, 2)
	assert.Equal(t, schemareceipt.OriginPlaybook, receipts[1].Origin)
	assert.Equal(t, "retry_scheduled", *receipts[1].Status)
}

func TestRecordRejectsNilRunLog(t *testing.T) {
	p, _ := setup(t, `{"skills":[]}`, nil)
	result, err := p.Record(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, ledger.StateNotRecorded, result.State)
}
