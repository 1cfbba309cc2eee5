package main

import (
	"fmt"
	"io"

	"github.com/davidahmann/skillgate/core/ledger"
	"github.com/davidahmann/skillgate/core/pipeline"
	schemareceipt "github.com/davidahmann/skillgate/core/schema/v1/receipt"
	"github.com/spf13/cobra"
)

type receiptRecordOutput struct {
	OK          bool                   `json:"ok"`
	State       ledger.State           `json:"state,omitempty"`
	ReceiptID   string                 `json:"receipt_id,omitempty"`
	ReceiptHash string                 `json:"receipt_hash,omitempty"`
	Receipt     *schemareceipt.Receipt `json:"receipt,omitempty"`
	Error       string                 `json:"error,omitempty"`
	ErrorCode   string                 `json:"error_code,omitempty"`
	Category    string                 `json:"error_category,omitempty"`
	Retryable   *bool                  `json:"retryable,omitempty"`
	Hint        string                 `json:"hint,omitempty"`
}

func newReceiptCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "receipt",
		Short: "Record execution receipts",
	}
	cmd.AddCommand(newReceiptRecordCommand(a))
	return cmd
}

func newReceiptRecordCommand(a *app) *cobra.Command {
	var runLogPath string

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Build a receipt from a run log, append it to the ledger and run playbooks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.openSession(cmd.Context(), true)
			if err != nil {
				return a.fail(err, exitInvalidInput)
			}
			defer s.close()

			var runLog schemareceipt.RunLog
			if err := readJSONFile(runLogPath, &runLog); err != nil {
				return a.fail(err, exitInvalidInput)
			}
			var dispatcher pipeline.Dispatcher
			if s.playbook != nil {
				dispatcher = s.playbook
			}
			p, err := pipeline.New(pipeline.Options{
				Ledger:   s.ledger,
				Playbook: dispatcher,
				Logger:   s.logger,
				Now:      a.now,
			})
			if err != nil {
				return a.fail(err, exitInternalFailure)
			}

			result, err := p.Record(cmd.Context(), runLog)
			if err != nil && result.State == ledger.StateNotRecorded {
				return a.fail(err, exitInternalFailure)
			}
			output := receiptRecordOutput{
				OK:          err == nil,
				State:       result.State,
				ReceiptID:   result.Receipt.ReceiptID,
				ReceiptHash: result.Receipt.ReceiptHash,
				Receipt:     &result.Receipt,
			}
			exitCode := exitOK
			if err != nil {
				// Recorded locally; the remote forward failed.
				envelope := errorOutputFor(err)
				output.Error = envelope.Error
				output.ErrorCode = envelope.ErrorCode
				output.Category = envelope.ErrorCategory
				output.Retryable = envelope.Retryable
				output.Hint = envelope.Hint
				exitCode = exitCodeForError(err, exitInternalFailure)
			}
			return a.emit(output, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "receipt %s %s\n", result.Receipt.ReceiptID, result.State)
				if err != nil {
					_, _ = fmt.Fprintln(w, "remote:", err)
				}
			}, exitCode)
		},
	}
	cmd.Flags().StringVar(&runLogPath, "run-log", "", "run log JSON file, or - for stdin")
	_ = cmd.MarkFlagRequired("run-log")
	return cmd
}
