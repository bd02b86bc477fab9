package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/giantswarm/pod-oauth/keys"
	"github.com/giantswarm/pod-oauth/security"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a signing key and an at-rest encryption key",
	Long: `Generate a PKCS#8 signing key for the configured algorithm and print a
base64 encoded AES-256 key suitable for keys.encryption_key.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		alg, _ := cmd.Flags().GetString("algorithm")
		out, _ := cmd.Flags().GetString("out")

		pemBytes, err := keys.GenerateSigningKeyPEM(alg)
		if err != nil {
			return err
		}
		if out == "" || out == "-" {
			if _, err := cmd.OutOrStdout().Write(pemBytes); err != nil {
				return err
			}
		} else {
			if err := os.WriteFile(out, pemBytes, 0o600); err != nil {
				return fmt.Errorf("failed to write signing key: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s signing key to %s\n", alg, out)
		}

		encKey, err := security.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "encryption_key: %s\n", security.KeyToBase64(encKey))
		return nil
	},
}

func init() {
	keygenCmd.Flags().StringP("algorithm", "a", "ES256", "signing algorithm (RS256, ES256, ES384, EdDSA)")
	keygenCmd.Flags().StringP("out", "o", "", "file for the PEM key (default stdout)")
	rootCmd.AddCommand(keygenCmd)
}
