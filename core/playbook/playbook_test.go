package playbook

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/davidahmann/skillgate/core/ledger"
	"github.com/davidahmann/skillgate/core/receipt"
	schemareceipt "github.com/davidahmann/skillgate/core/schema/v1/receipt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const notifyRules = `
schema_id: skillgate.playbook
schema_version: 1.0.0
rules:
  - id: notify-denied
    when: receipt.status == "denied"
    emit:
      - status: queued
        capability: slack.notify
        provider: slack-skill
        extension:
          channel: "#ops"
  - id: always
    when: "true"
    emit:
      - status: audited
`

func mustEvaluator(t *testing.T, raw string) *Evaluator {
	t.Helper()
	file, err := ParseRules([]byte(raw))
	require.NoError(t, err)
	evaluator, err := NewEvaluator(file)
	require.NoError(t, err)
	return evaluator
}

func receiptWithStatus(t *testing.T, status string, origin schemareceipt.Origin) schemareceipt.Receipt {
	t.Helper()
	built, err := receipt.Build(schemareceipt.RunLog{
		"execution_id": "exec-1",
		"thread_id":    "thread-1",
		"status":       status,
	}, receipt.BuildOptions{Origin: origin, ReceiptID: "parent-1"})
	require.NoError(t, err)
	return built
}

func TestEvaluateMatchesRules(t *testing.T) {
	evaluator := mustEvaluator(t, notifyRules)

	derivatives, err := evaluator.Evaluate(context.Background(), receiptWithStatus(t, "denied", schemareceipt.OriginAttempt))
	require.NoError(t, err)
	require.Len(t, derivatives, 2)
	assert.Equal(t, "notify-denied", derivatives[0].RuleID)
	assert.Equal(t, "queued", derivatives[0].RunLog["status"])
	assert.Equal(t, "thread-1", derivatives[0].RunLog["thread_id"])
	assert.Equal(t, map[string]string{"slack.notify": "slack-skill"}, derivatives[0].RunLog["capabilities"])
	assert.Equal(t, "always", derivatives[1].RuleID)

	derivatives, err = evaluator.Evaluate(context.Background(), receiptWithStatus(t, "succeeded", schemareceipt.OriginExecution))
	require.NoError(t, err)
	require.Len(t, derivatives, 1)
	assert.Equal(t, "always", derivatives[0].RuleID)
}

func TestEvaluateRefusesPlaybookReceipts(t *testing.T) {
	evaluator := mustEvaluator(t, notifyRules)
	derivatives, err := evaluator.Evaluate(context.Background(), receiptWithStatus(t, "denied", schemareceipt.OriginPlaybook))
	require.NoError(t, err)
	assert.Empty(t, derivatives)
}

func TestEvaluateRuleErrorDoesNotStopOtherRules(t *testing.T) {
	evaluator := mustEvaluator(t, `
rules:
  - id: broken
    when: receipt.no_such_field == "x"
  - id: fine
    when: receipt.origin == "execution"
    emit:
      - status: followed_up
`)
	derivatives, err := evaluator.Evaluate(context.Background(), receiptWithStatus(t, "succeeded", schemareceipt.OriginExecution))
	require.Error(t, err)
	require.Len(t, derivatives, 1)
	assert.Equal(t, "fine", derivatives[0].RuleID)
}

func TestParseRulesValidation(t *testing.T) {
	for name, raw := range map[string]string{
		"missing_id":   "rules:\n  - when: \"true\"\n",
		"missing_when": "rules:\n  - id: a\n",
		"duplicate":    "rules:\n  - id: a\n    when: \"true\"\n  - id: a\n    when: \"false\"\n",
		"schema":       "schema_id: other\nrules: []\n",
	} {
		_, err := ParseRules([]byte(raw))
		assert.Error(t, err, name)
	}
	file, err := ParseRules([]byte("rules:\n  - id: a\n    when: receipt.status\n"))
	require.NoError(t, err)
	_, err = NewEvaluator(file)
	assert.NoError(t, err, "dyn-typed conditions are checked at evaluation time")

	file, err = ParseRules([]byte("rules:\n  - id: a\n    when: '\"text\"'\n"))
	require.NoError(t, err)
	_, err = NewEvaluator(file)
	assert.Error(t, err)
}

func newTestLedger(t *testing.T) (*ledger.Ledger, *ledger.JSONLStore) {
	t.Helper()
	store, err := ledger.NewJSONLStore(filepath.Join(t.TempDir(), "receipts.jsonl"))
	require.NoError(t, err)
	l, err := ledger.New(ledger.Options{Local: store})
	require.NoError(t, err)
	return l, store
}

func TestRunnerPersistsDerivativesOnce(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	parent, err := l.Persist(ctx, receiptWithStatus(t, "denied", schemareceipt.OriginAttempt))
	require.NoError(t, err)

	runner := NewRunner(mustEvaluator(t, notifyRules), l, RunnerOptions{})
	assert.True(t, runner.Dispatch(parent.Receipt))
	runner.Close()

	receipts, err := ledger.ReadAll(ctx, store)
	require.NoError(t, err)
	require.Len(t, receipts, 3, "the always-true rule must not re-trigger on derivative receipts")
	for _, derivative := range receipts[1:] {
		assert.Equal(t, schemareceipt.OriginPlaybook, derivative.Origin)
		require.NotNil(t, derivative.ParentReceiptID)
		assert.Equal(t, parent.Receipt.ReceiptID, *derivative.ParentReceiptID)
		require.NotNil(t, derivative.PlaybookRule)
	}
	assert.Equal(t, "#ops", receipts[1].Extensions["channel"])

	report, err := ledger.VerifyChain(ctx, store)
	require.NoError(t, err)
	assert.True(t, report.OK)
}

func TestRunnerIgnoresPlaybookOriginReceipts(t *testing.T) {
	l, store := newTestLedger(t)
	runner := NewRunner(mustEvaluator(t, notifyRules), l, RunnerOptions{})
	assert.False(t, runner.Dispatch(receiptWithStatus(t, "denied", schemareceipt.OriginPlaybook)))
	runner.Close()

	lines, err := store.Lines(context.Background())
	require.NoError(t, err)
	assert.Empty(t, lines)
	assert.False(t, runner.Dispatch(receiptWithStatus(t, "denied", schemareceipt.OriginExecution)), "closed runner rejects work")
}

type blockingPersister struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
	mu      sync.Mutex
	count   int
}

func (p *blockingPersister) Persist(_ context.Context, r schemareceipt.Receipt) (ledger.PersistResult, error) {
	p.once.Do(func() { close(p.started) })
	<-p.release
	p.mu.Lock()
	p.count++
	p.mu.Unlock()
	return ledger.PersistResult{State: ledger.StateRecorded, Receipt: r}, nil
}

func TestRunnerDispatchNeverBlocks(t *testing.T) {
	persister := &blockingPersister{started: make(chan struct{}), release: make(chan struct{})}
	runner := NewRunner(mustEvaluator(t, "rules:\n  - id: a\n    when: \"true\"\n    emit:\n      - status: x\n"), persister, RunnerOptions{QueueSize: 1})

	require.True(t, runner.Dispatch(receiptWithStatus(t, "ok", schemareceipt.OriginExecution)))
	select {
	case <-persister.started:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not start")
	}
	require.True(t, runner.Dispatch(receiptWithStatus(t, "ok", schemareceipt.OriginExecution)))
	assert.False(t, runner.Dispatch(receiptWithStatus(t, "ok", schemareceipt.OriginExecution)), "full queue drops instead of blocking")

	close(persister.release)
	runner.Close()
	persister.mu.Lock()
	defer persister.mu.Unlock()
	assert.Equal(t, 2, persister.count)
}

type failingPersister struct{}

func (failingPersister) Persist(context.Context, schemareceipt.Receipt) (ledger.PersistResult, error) {
	return ledger.PersistResult{State: ledger.StateNotRecorded}, assert.AnError
}

func TestRunnerSwallowsPersistFailures(t *testing.T) {
	runner := NewRunner(mustEvaluator(t, notifyRules), failingPersister{}, RunnerOptions{})
	assert.True(t, runner.Dispatch(receiptWithStatus(t, "denied", schemareceipt.OriginExecution)))
	assert.NotPanics(t, runner.Close)
}
