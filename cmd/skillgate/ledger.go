package main

import (
	"fmt"
	"io"

	coreerrors "github.com/davidahmann/skillgate/core/errors"
	"github.com/davidahmann/skillgate/core/ledger"
	schemareceipt "github.com/davidahmann/skillgate/core/schema/v1/receipt"
	"github.com/spf13/cobra"
)

type ledgerVerifyOutput struct {
	OK       bool                `json:"ok"`
	Backend  string              `json:"backend,omitempty"`
	Path     string              `json:"path,omitempty"`
	Receipts int                 `json:"receipts"`
	Head     string              `json:"head,omitempty"`
	Breaks   []ledger.ChainBreak `json:"breaks,omitempty"`
	Error    string              `json:"error,omitempty"`
}

type ledgerTailOutput struct {
	OK       bool                    `json:"ok"`
	Backend  string                  `json:"backend,omitempty"`
	Path     string                  `json:"path,omitempty"`
	Receipts []schemareceipt.Receipt `json:"receipts"`
	Error    string                  `json:"error,omitempty"`
}

func newLedgerCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the receipt ledger",
	}
	cmd.AddCommand(newLedgerVerifyCommand(a))
	cmd.AddCommand(newLedgerTailCommand(a))
	return cmd
}

func newLedgerVerifyCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Re-hash every receipt and check the chain links",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.openSession(cmd.Context(), false)
			if err != nil {
				return a.fail(err, exitInvalidInput)
			}
			defer s.close()

			report, err := ledger.VerifyChain(cmd.Context(), s.store)
			if err != nil {
				return a.fail(coreerrors.Wrap(err, coreerrors.CategoryPersistenceFailure, "ledger_unreadable", "check ledger.path", false), exitInternalFailure)
			}
			output := ledgerVerifyOutput{
				OK:       report.OK,
				Backend:  s.cfg.Ledger.Backend,
				Path:     s.cfg.Ledger.Path,
				Receipts: report.Receipts,
				Head:     report.Head,
				Breaks:   report.Breaks,
			}
			exitCode := exitOK
			if !report.OK {
				exitCode = exitVerifyFailed
				output.Error = fmt.Sprintf("%d chain break(s)", len(report.Breaks))
			}
			return a.emit(output, func(w io.Writer) {
				if report.OK {
					_, _ = fmt.Fprintf(w, "ledger ok: %d receipts, head %s\n", report.Receipts, report.Head)
					return
				}
				_, _ = fmt.Fprintf(w, "ledger broken: %d receipts, %d break(s)\n", report.Receipts, len(report.Breaks))
				for _, brk := range report.Breaks {
					_, _ = fmt.Fprintf(w, "  line %d %s %s\n", brk.Line, brk.Kind, brk.ReceiptID)
				}
			}, exitCode)
		},
	}
}

func newLedgerTailCommand(a *app) *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest receipts, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if lines <= 0 {
				return a.fail(coreerrors.New(coreerrors.CategoryInvalidInput, "tail_lines_invalid", "-n must be a positive count", "pass -n 10"), exitInvalidInput)
			}
			s, err := a.openSession(cmd.Context(), false)
			if err != nil {
				return a.fail(err, exitInvalidInput)
			}
			defer s.close()

			receipts, err := ledger.Tail(cmd.Context(), s.store, lines)
			if err != nil {
				return a.fail(coreerrors.Wrap(err, coreerrors.CategoryPersistenceFailure, "ledger_unreadable", "check ledger.path", false), exitInternalFailure)
			}
			output := ledgerTailOutput{
				OK:       true,
				Backend:  s.cfg.Ledger.Backend,
				Path:     s.cfg.Ledger.Path,
				Receipts: receipts,
			}
			return a.emit(output, func(w io.Writer) {
				for _, r := range receipts {
					_, _ = fmt.Fprintf(w, "%s %s %s %s\n", r.CreatedAt, r.ReceiptID, valueOr(r.Status, "-"), valueOr(r.ExecutionID, "-"))
				}
			}, exitOK)
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 10, "number of receipts to show")
	return cmd
}

func valueOr(value *string, fallback string) string {
	if value == nil || *value == "" {
		return fallback
	}
	return *value
}
