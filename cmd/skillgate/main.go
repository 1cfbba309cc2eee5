package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// version is stamped at release time via ldflags; default stays dev for local builds.
var version = "0.0.0-dev"

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr, os.LookupEnv))
}

func run(ctx context.Context, arguments []string, stdout io.Writer, stderr io.Writer, lookupEnv func(string) (string, bool)) int {
	a := &app{
		stdout:    stdout,
		stderr:    stderr,
		lookupEnv: lookupEnv,
		now:       time.Now,
	}
	root := newRootCommand(a)
	root.SetArgs(arguments)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	var exit *exitError
	if stderrors.As(err, &exit) {
		return exit.code
	}
	// Usage errors from cobra itself: unknown command, bad flag, missing args.
	if a.jsonOutput {
		return writeJSONOutput(stdout, errorOutput{OK: false, Error: err.Error()}, exitInvalidInput)
	}
	_, _ = fmt.Fprintln(stderr, "error:", err)
	return exitInvalidInput
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "skillgate",
		Short:         "Gate agent plans on a skills lock and policy, and keep a verifiable receipt ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to project config (default "+defaultConfigPathHint+")")
	root.PersistentFlags().BoolVar(&a.jsonOutput, "json", false, "emit JSON output")

	root.AddCommand(
		newGateCommand(a),
		newPolicyCommand(a),
		newApproveCommand(a),
		newReceiptCommand(a),
		newLedgerCommand(a),
		newManifestCommand(a),
		newKeysCommand(a),
		newVersionCommand(a),
	)
	return root
}

func newVersionCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the skillgate version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.jsonOutput {
				return withExit(writeJSONOutput(a.stdout, map[string]any{"ok": true, "version": version}, exitOK))
			}
			_, _ = fmt.Fprintln(a.stdout, "skillgate", version)
			return nil
		},
	}
}
