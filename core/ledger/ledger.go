// Package ledger appends hash-chained receipts to a local store and forwards
// them to an optional remote collector.
//
// The local append is authoritative and always happens first. A failed local
// append leaves the receipt not recorded and the remote is never contacted. A
// failed remote forward after a successful local append leaves the receipt
// recorded locally only; the local line is kept and the error is returned.
package ledger

import (
	"context"
	"fmt"
	"log/slog"

	coreerrors "github.com/davidahmann/skillgate/core/errors"
	"github.com/davidahmann/skillgate/core/receipt"
	schemareceipt "github.com/davidahmann/skillgate/core/schema/v1/receipt"
)

type State string

const (
	StateRecorded          State = "recorded"
	StateRecordedLocalOnly State = "recorded_local_only"
	StateNotRecorded       State = "not_recorded"
)

type PersistResult struct {
	State   State                 `json:"state"`
	Receipt schemareceipt.Receipt `json:"receipt"`
}

type Options struct {
	Local  LocalStore
	Remote RemoteSink
	Logger *slog.Logger
}

type Ledger struct {
	local  LocalStore
	remote RemoteSink
	logger *slog.Logger
}

func New(opts Options) (*Ledger, error) {
	if opts.Local == nil {
		return nil, coreerrors.New(coreerrors.CategoryConfiguration, "ledger_local_missing", "a local receipt store is required", "")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Ledger{local: opts.Local, remote: opts.Remote, logger: logger}, nil
}

// Persist seals r onto the chain and writes it. The ledger does not
// deduplicate; callers supply stable execution ids.
func (l *Ledger) Persist(ctx context.Context, r schemareceipt.Receipt) (PersistResult, error) {
	var (
		sealed schemareceipt.Receipt
		line   []byte
	)
	err := l.local.Append(ctx, func(prevHash string) ([]byte, error) {
		var sealErr error
		sealed, line, sealErr = receipt.Seal(r, prevHash)
		return line, sealErr
	})
	if err != nil {
		l.logger.Error("receipt not recorded", "receipt_id", r.ReceiptID, "error", err)
		return PersistResult{State: StateNotRecorded, Receipt: r}, coreerrors.Wrap(
			fmt.Errorf("append receipt %s: %w", r.ReceiptID, err),
			coreerrors.CategoryPersistenceFailure,
			coreerrors.CodeLocalAppendFailed,
			"check the ledger path and retry",
			true,
		)
	}
	if l.remote == nil {
		l.logger.Debug("receipt recorded", "receipt_id", sealed.ReceiptID, "receipt_hash", sealed.ReceiptHash)
		return PersistResult{State: StateRecorded, Receipt: sealed}, nil
	}
	if err := l.remote.Send(ctx, line); err != nil {
		l.logger.Warn("receipt recorded locally only", "receipt_id", sealed.ReceiptID, "error", err)
		if coreerrors.CodeOf(err) == "" {
			err = coreerrors.Wrap(err, coreerrors.CategoryPersistenceFailure, coreerrors.CodeRemoteRejected, "receipt is recorded locally only", true)
		}
		return PersistResult{State: StateRecordedLocalOnly, Receipt: sealed}, fmt.Errorf("forward receipt %s: %w", sealed.ReceiptID, err)
	}
	l.logger.Debug("receipt recorded", "receipt_id", sealed.ReceiptID, "receipt_hash", sealed.ReceiptHash, "remote", true)
	return PersistResult{State: StateRecorded, Receipt: sealed}, nil
}

// ReadAll decodes every receipt in store order.
func ReadAll(ctx context.Context, store LocalStore) ([]schemareceipt.Receipt, error) {
	lines, err := store.Lines(ctx)
	if err != nil {
		return nil, err
	}
	receipts := make([]schemareceipt.Receipt, 0, len(lines))
	for index, line := range lines {
		var decoded schemareceipt.Receipt
		if err := decodeReceipt(line, &decoded); err != nil {
			return nil, fmt.Errorf("decode receipt %d: %w", index+1, err)
		}
		receipts = append(receipts, decoded)
	}
	return receipts, nil
}

// TailReader is implemented by stores that can read their newest lines
// without loading the whole ledger.
type TailReader interface {
	Tail(ctx context.Context, n int) ([][]byte, error)
}

// Tail returns up to n of the newest receipts, newest first.
func Tail(ctx context.Context, store LocalStore, n int) ([]schemareceipt.Receipt, error) {
	if n <= 0 {
		return []schemareceipt.Receipt{}, nil
	}
	var lines [][]byte
	if reader, ok := store.(TailReader); ok {
		tail, err := reader.Tail(ctx, n)
		if err != nil {
			return nil, err
		}
		lines = tail
	} else {
		all, err := store.Lines(ctx)
		if err != nil {
			return nil, err
		}
		for index := len(all) - 1; index >= 0 && len(lines) < n; index-- {
			lines = append(lines, all[index])
		}
	}
	receipts := make([]schemareceipt.Receipt, 0, len(lines))
	for index, line := range lines {
		var decoded schemareceipt.Receipt
		if err := decodeReceipt(line, &decoded); err != nil {
			return nil, fmt.Errorf("decode receipt %d from the end: %w", index+1, err)
		}
		receipts = append(receipts, decoded)
	}
	return receipts, nil
}
