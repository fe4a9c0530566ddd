package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/harun/mnemosync/pkg/identity"
	"github.com/spf13/cobra"
)

var (
	keygenOut   string
	keygenAgent string
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an Ed25519 key pair for an agent or instance",
	Long: `Generate an Ed25519 key pair. The public key is printed as hex, ready for
the bootstrap file or the admin API. The private key seed is written to
--out with owner-only permissions, or printed when --out is empty.
With --agent the fingerprint of the first identity version of that agent
under the new key is printed too; reports from its instances carry it.`,
	Args: cobra.NoArgs,
	RunE: runKeygen,
}

func init() {
	keygenCmd.Flags().StringVar(&keygenOut, "out", "", "file to write the private key seed to")
	keygenCmd.Flags().StringVar(&keygenAgent, "agent", "", "agent id to compute the initial identity fingerprint for")
	rootCmd.AddCommand(keygenCmd)
}

func runKeygen(cmd *cobra.Command, args []string) error {
	signer, err := identity.GenerateSigner()
	if err != nil {
		return err
	}

	publicKey := identity.EncodeKey(signer.PublicKey())
	cmd.Printf("public_key: %s\n", publicKey)

	if keygenAgent != "" {
		id, err := identity.NewLineage(identity.Ed25519{}).Register(keygenAgent, publicKey)
		if err != nil {
			return err
		}
		cmd.Printf("fingerprint: %s\n", id.Fingerprint)
	}

	seed := identity.EncodeKey(signer.Seed())
	if keygenOut == "" {
		cmd.Printf("private_seed: %s\n", seed)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(keygenOut), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(keygenOut, []byte(seed+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	cmd.Printf("private_seed written to: %s\n", keygenOut)
	return nil
}
