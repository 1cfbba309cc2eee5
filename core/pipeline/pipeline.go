// Package pipeline wires the policy engine, receipt builder, ledger and
// playbook runner into the two calls a runner makes: Authorize before a plan
// executes and Record after it ends.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	coreerrors "github.com/davidahmann/skillgate/core/errors"
	"github.com/davidahmann/skillgate/core/ledger"
	"github.com/davidahmann/skillgate/core/policy"
	"github.com/davidahmann/skillgate/core/receipt"
	schemapolicy "github.com/davidahmann/skillgate/core/schema/v1/policy"
	schemareceipt "github.com/davidahmann/skillgate/core/schema/v1/receipt"
)

type Dispatcher interface {
	Dispatch(r schemareceipt.Receipt) bool
}

type Options struct {
	Policy   policy.Policy
	Eval     policy.EvalOptions
	Ledger   *ledger.Ledger
	Playbook Dispatcher
	Logger   *slog.Logger
	// EvaluationTimeout bounds one Authorize call. Zero leaves the caller's
	// context as the only bound.
	EvaluationTimeout time.Duration
	Now               func() time.Time
}

type Pipeline struct {
	policy   policy.Policy
	eval     policy.EvalOptions
	ledger   *ledger.Ledger
	playbook Dispatcher
	logger   *slog.Logger
	timeout  time.Duration
	now      func() time.Time
}

type Authorization struct {
	Outcome schemapolicy.Outcome `json:"outcome"`
	// Attempt is set when the plan was stopped and its attempt receipt was
	// persisted.
	Attempt *ledger.PersistResult `json:"attempt,omitempty"`
}

func New(opts Options) (*Pipeline, error) {
	if opts.Ledger == nil {
		return nil, coreerrors.New(coreerrors.CategoryConfiguration, "pipeline_ledger_missing", "a ledger is required", "")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Pipeline{
		policy:   opts.Policy,
		eval:     opts.Eval,
		ledger:   opts.Ledger,
		playbook: opts.Playbook,
		logger:   logger,
		timeout:  opts.EvaluationTimeout,
		now:      now,
	}, nil
}

// Authorize evaluates plan. DENIED and APPROVAL_REQUIRED outcomes are
// recorded as attempt receipts; a failure to record them is returned with the
// outcome, which stays non-ALLOWED.
func (p *Pipeline) Authorize(ctx context.Context, plan schemapolicy.Plan, approvedFingerprint string) (Authorization, error) {
	return p.authorize(ctx, plan, approvedFingerprint, "")
}

// AuthorizeRejected evaluates plan after its approval token was rejected with
// rejectionCode. The plan is evaluated as unapproved and, when it is stopped,
// the attempt receipt carries rejectionCode among its reasons.
func (p *Pipeline) AuthorizeRejected(ctx context.Context, plan schemapolicy.Plan, rejectionCode string) (Authorization, error) {
	return p.authorize(ctx, plan, "", rejectionCode)
}

func (p *Pipeline) authorize(ctx context.Context, plan schemapolicy.Plan, approvedFingerprint, rejectionCode string) (Authorization, error) {
	evalCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		evalCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	opts := p.eval
	opts.ApprovedFingerprint = approvedFingerprint
	outcome := policy.Evaluate(evalCtx, p.policy, plan, opts)
	p.logger.Info("plan evaluated", "plan_id", plan.PlanID, "verdict", outcome.Verdict, "code", outcome.Code, "approval_rejected", rejectionCode)
	if outcome.Verdict == schemapolicy.VerdictAllowed {
		return Authorization{Outcome: outcome}, nil
	}
	if rejectionCode != "" && !slices.Contains(outcome.Reasons, rejectionCode) {
		outcome.Reasons = append(outcome.Reasons, rejectionCode)
	}

	attempt, err := receipt.FromAttempt(plan, outcome, p.now())
	if err != nil {
		return Authorization{Outcome: outcome}, err
	}
	// A timed-out evaluation is still an attempt worth recording.
	result, err := p.persist(context.WithoutCancel(ctx), attempt)
	if err != nil {
		return Authorization{Outcome: outcome, Attempt: &result}, fmt.Errorf("record attempt: %w", err)
	}
	return Authorization{Outcome: outcome, Attempt: &result}, nil
}

// Record builds and persists the receipt for a finished run. Playbook
// evaluation is dispatched only after the write completed.
func (p *Pipeline) Record(ctx context.Context, runLog schemareceipt.RunLog) (ledger.PersistResult, error) {
	built, err := receipt.Build(runLog, receipt.BuildOptions{Origin: schemareceipt.OriginExecution, Now: p.now()})
	if err != nil {
		return ledger.PersistResult{State: ledger.StateNotRecorded}, err
	}
	return p.persist(ctx, built)
}

func (p *Pipeline) persist(ctx context.Context, r schemareceipt.Receipt) (ledger.PersistResult, error) {
	result, err := p.ledger.Persist(ctx, r)
	if result.State != ledger.StateNotRecorded && p.playbook != nil {
		p.playbook.Dispatch(result.Receipt)
	}
	return result, err
}
