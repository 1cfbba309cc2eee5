package playbook

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/davidahmann/skillgate/core/ledger"
	"github.com/davidahmann/skillgate/core/receipt"
	schemareceipt "github.com/davidahmann/skillgate/core/schema/v1/receipt"
)

const (
	defaultQueueSize   = 64
	defaultItemTimeout = 30 * time.Second
)

type Persister interface {
	Persist(ctx context.Context, r schemareceipt.Receipt) (ledger.PersistResult, error)
}

type RunnerOptions struct {
	QueueSize   int
	ItemTimeout time.Duration
	Logger      *slog.Logger
	Now         func() time.Time
}

type workItem struct {
	origin  schemareceipt.Origin
	receipt schemareceipt.Receipt
}

// Runner evaluates persisted receipts on a single worker fed by a bounded
// queue. Derivative receipts are persisted but never queued, so a playbook
// receipt cannot trigger another evaluation.
type Runner struct {
	evaluator   *Evaluator
	persister   Persister
	logger      *slog.Logger
	itemTimeout time.Duration
	now         func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan workItem
	done   chan struct{}
}

func NewRunner(evaluator *Evaluator, persister Persister, opts RunnerOptions) *Runner {
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	timeout := opts.ItemTimeout
	if timeout <= 0 {
		timeout = defaultItemTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	runner := &Runner{
		evaluator:   evaluator,
		persister:   persister,
		logger:      logger,
		itemTimeout: timeout,
		now:         now,
		queue:       make(chan workItem, size),
		done:        make(chan struct{}),
	}
	go runner.work()
	return runner
}

// Dispatch queues r for evaluation without blocking. It reports false when r
// is playbook-originated, the queue is full or the runner is closed.
func (r *Runner) Dispatch(rec schemareceipt.Receipt) bool {
	if rec.Origin == schemareceipt.OriginPlaybook {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}
	select {
	case r.queue <- workItem{origin: rec.Origin, receipt: rec}:
		return true
	default:
		r.logger.Warn("playbook queue full; receipt not evaluated", "receipt_id", rec.ReceiptID)
		return false
	}
}

// Close stops accepting receipts, drains the queue and waits for the worker.
func (r *Runner) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	<-r.done
}

func (r *Runner) work() {
	defer close(r.done)
	for item := range r.queue {
		count, err := r.process(item)
		if err != nil {
			r.logger.Warn("playbook evaluation failed", "receipt_id", item.receipt.ReceiptID, "error", err)
			continue
		}
		if count > 0 {
			r.logger.Info("playbook receipts recorded", "receipt_id", item.receipt.ReceiptID, "count", count)
		}
	}
}

func (r *Runner) process(item workItem) (count int, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("playbook panic: %v", recovered)
		}
	}()
	if item.origin == schemareceipt.OriginPlaybook {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.itemTimeout)
	defer cancel()

	derivatives, evalErr := r.evaluator.Evaluate(ctx, item.receipt)
	if evalErr != nil {
		r.logger.Warn("playbook rule failed", "receipt_id", item.receipt.ReceiptID, "error", evalErr)
	}
	for _, derivative := range derivatives {
		built, buildErr := receipt.Build(derivative.RunLog, receipt.BuildOptions{
			Origin:          schemareceipt.OriginPlaybook,
			PlaybookRule:    derivative.RuleID,
			ParentReceiptID: item.receipt.ReceiptID,
			Now:             r.now(),
		})
		if buildErr != nil {
			r.logger.Warn("playbook receipt build failed", "rule", derivative.RuleID, "error", buildErr)
			continue
		}
		if _, persistErr := r.persister.Persist(ctx, built); persistErr != nil {
			r.logger.Warn("playbook receipt not persisted", "rule", derivative.RuleID, "receipt_id", built.ReceiptID, "error", persistErr)
			continue
		}
		count++
	}
	return count, nil
}
