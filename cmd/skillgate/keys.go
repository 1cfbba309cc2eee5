package main

import (
	"fmt"
	"io"

	coreerrors "github.com/davidahmann/skillgate/core/errors"
	"github.com/davidahmann/skillgate/core/sign"
	"github.com/spf13/cobra"
)

type keysInitOutput struct {
	OK             bool   `json:"ok"`
	PrivateKeyPath string `json:"private_key_path,omitempty"`
	PublicKeyPath  string `json:"public_key_path,omitempty"`
	KeyID          string `json:"key_id,omitempty"`
	Error          string `json:"error,omitempty"`
}

func newKeysCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage ed25519 keys for approvals and manifests",
	}
	cmd.AddCommand(newKeysInitCommand(a))
	return cmd
}

func newKeysInitCommand(a *app) *cobra.Command {
	var outDir string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a new ed25519 key pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kp, err := sign.GenerateKeyPair()
			if err != nil {
				return a.fail(err, exitInternalFailure)
			}
			privatePath, publicPath, err := sign.WriteKeyPair(outDir, kp)
			if err != nil {
				return a.fail(coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "keys_write_failed", "choose an empty --out-dir", false), exitInvalidInput)
			}
			output := keysInitOutput{
				OK:             true,
				PrivateKeyPath: privatePath,
				PublicKeyPath:  publicPath,
				KeyID:          sign.KeyID(kp.Public),
			}
			return a.emit(output, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "private key: %s\npublic key: %s\nkey id: %s\n", privatePath, publicPath, output.KeyID)
			}, exitOK)
		},
	}
	cmd.Flags().StringVar(&outDir, "out-dir", ".skillgate/keys", "directory for the key files")
	return cmd
}
