package main

import (
	"fmt"
	"io"
	"strings"

	coreerrors "github.com/davidahmann/skillgate/core/errors"
	"github.com/davidahmann/skillgate/core/manifest"
	schemamanifest "github.com/davidahmann/skillgate/core/schema/v1/manifest"
	"github.com/davidahmann/skillgate/core/sign"
	"github.com/spf13/cobra"
)

type manifestBuildOutput struct {
	OK       bool   `json:"ok"`
	Root     string `json:"root,omitempty"`
	Files    int    `json:"files"`
	RootHash string `json:"root_hash,omitempty"`
	Signed   bool   `json:"signed"`
	Error    string `json:"error,omitempty"`
}

type manifestVerifyOutput struct {
	schemamanifest.Report
	Root  string `json:"root,omitempty"`
	Error string `json:"error,omitempty"`
}

func newManifestCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Build and verify audit manifests for finished runs",
	}
	cmd.AddCommand(newManifestBuildCommand(a), newManifestVerifyCommand(a))
	return cmd
}

func newManifestBuildCommand(a *app) *cobra.Command {
	var key sign.KeySource

	cmd := &cobra.Command{
		Use:   "build <run-dir>",
		Short: "Hash every file of a finished run and write manifest.json and ROOT_HASH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return a.fail(err, exitInvalidInput)
			}
			if key.IsZero() {
				key = sign.KeySource{Path: cfg.Manifest.SigningKey, Env: cfg.Manifest.SigningKeyEnv}
			}
			opts := manifest.WriteOptions{}
			if !key.IsZero() {
				opts.SigningKey, err = sign.LoadPrivateKey(key, a.lookupEnv)
				if err != nil {
					return a.fail(coreerrors.Wrap(err, coreerrors.CategoryConfiguration, "manifest_key_invalid", "check the manifest signing key", false), exitInvalidInput)
				}
			}

			root := args[0]
			built, err := manifest.Build(cmd.Context(), root, manifest.BuildOptions{Concurrency: cfg.Manifest.Concurrency, Now: a.now()})
			if err != nil {
				return a.fail(coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "manifest_build_failed", "pass a finished run directory", false), exitInvalidInput)
			}
			written, err := manifest.Write(root, built, opts)
			if err != nil {
				return a.fail(coreerrors.Wrap(err, coreerrors.CategoryPersistenceFailure, "manifest_write_failed", "", false), exitInternalFailure)
			}
			output := manifestBuildOutput{
				OK:       true,
				Root:     root,
				Files:    len(written.Files),
				RootHash: written.RootHash,
				Signed:   written.Signature != nil,
			}
			return a.emit(output, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "manifest: %d files, root %s\n", output.Files, output.RootHash)
			}, exitOK)
		},
	}
	cmd.Flags().StringVar(&key.Path, "signing-key", "", "ed25519 private key file used to sign the root hash")
	cmd.Flags().StringVar(&key.Env, "signing-key-env", "", "env var holding the signing key")
	return cmd
}

func newManifestVerifyCommand(a *app) *cobra.Command {
	var publicKeyPath string
	var requireSignature bool

	cmd := &cobra.Command{
		Use:   "verify <run-dir>",
		Short: "Recompute every hash and report discrepancies against manifest.json",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return a.fail(err, exitInvalidInput)
			}
			opts := manifest.VerifyOptions{RequireSignature: requireSignature, Concurrency: cfg.Manifest.Concurrency}
			if strings.TrimSpace(publicKeyPath) != "" {
				opts.PublicKey, err = sign.LoadPublicKey(sign.KeySource{Path: publicKeyPath}, a.lookupEnv)
				if err != nil {
					return a.fail(coreerrors.Wrap(err, coreerrors.CategoryConfiguration, "manifest_key_invalid", "", false), exitInvalidInput)
				}
			}

			root := args[0]
			report, err := manifest.Verify(cmd.Context(), root, opts)
			if err != nil {
				return a.fail(coreerrors.Wrap(err, coreerrors.CategoryVerification, coreerrors.CodeManifestMismatch, "the run directory has no readable manifest", false), exitVerifyFailed)
			}
			output := manifestVerifyOutput{Report: report, Root: root}
			exitCode := exitOK
			if !report.OK {
				exitCode = exitVerifyFailed
				output.Error = fmt.Sprintf("%d discrepancies", len(report.Discrepancies))
			}
			return a.emit(output, func(w io.Writer) {
				writeManifestReportText(w, report)
			}, exitCode)
		},
	}
	cmd.Flags().StringVar(&publicKeyPath, "public-key", "", "ed25519 public key file for the root hash signature")
	cmd.Flags().BoolVar(&requireSignature, "require-signature", false, "fail when the manifest is unsigned or the signature is not checked")
	return cmd
}

func writeManifestReportText(w io.Writer, report schemamanifest.Report) {
	status := "ok"
	if !report.OK {
		status = "failed"
	}
	_, _ = fmt.Fprintf(w, "manifest %s: %d files checked, root hash match %t, signature %s\n",
		status, report.FilesChecked, report.RootHashMatch, report.SignatureStatus)
	for _, discrepancy := range report.Discrepancies {
		_, _ = fmt.Fprintf(w, "  %s %s\n", discrepancy.Status, discrepancy.Path)
	}
	for _, message := range report.SignatureErrors {
		_, _ = fmt.Fprintf(w, "  signature: %s\n", message)
	}
}
