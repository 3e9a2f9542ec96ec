package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/alexjbarnes/zdc-sync/internal/auth"
	"github.com/alexjbarnes/zdc-sync/internal/zcrypto"
)

const keyFilePerm = 0o600

func newKeygenCmd() *cobra.Command {
	var apiKey bool

	cmd := &cobra.Command{
		Use:   "keygen [private-key-file]",
		Short: "Generate an account key pair, or an MCP API key with --api-key",
		Example: "  zdc-sync keygen ~/.zdc-sync/alice.key\n" +
			"  zdc-sync keygen --api-key",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			if apiKey {
				key, err := auth.GenerateAPIKey()
				if err != nil {
					return err
				}

				fmt.Fprintln(out, key)

				return nil
			}

			if len(args) != 1 {
				return errors.New("keygen needs the file to write the private key to")
			}

			kp, err := zcrypto.GenerateKeyPair()
			if err != nil {
				return err
			}
			defer zcrypto.ZeroKey(kp.Private[:])

			// O_EXCL so an existing account key is never replaced.
			f, err := os.OpenFile(args[0], os.O_WRONLY|os.O_CREATE|os.O_EXCL, keyFilePerm)
			if err != nil {
				return fmt.Errorf("creating key file: %w", err)
			}

			if _, err := fmt.Fprintln(f, hex.EncodeToString(kp.Private[:])); err != nil {
				f.Close()
				return fmt.Errorf("writing key file: %w", err)
			}

			if err := f.Close(); err != nil {
				return fmt.Errorf("writing key file: %w", err)
			}

			fmt.Fprintln(out, kp.PublicKeyHex())

			return nil
		},
	}

	cmd.Flags().BoolVar(&apiKey, "api-key", false, "print a new MCP API key instead")

	return cmd
}
