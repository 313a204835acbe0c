package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/oktsec/riskgate/internal/keys"
)

func newKeygenCmd() *cobra.Command {
	var outDir string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create the master secret and pipeline attestation keypair",
		Long: `Create <dir>/master.key (pipeline encryption subkeys are derived from it) and
the Ed25519 attestation keypair that signs pipeline integrity tags. Existing
files are kept. Share attestation.pub with consumers that verify transfers.`,
		Example: `  riskgate keygen
  riskgate keygen --out /etc/riskgate/keys`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if outDir == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				outDir = cfg.Keys.Dir
			}
			if outDir == "" {
				return fmt.Errorf("no key directory: set keys.dir or pass --out")
			}

			_, created, err := keys.LoadOrCreateMaster(outDir)
			if err != nil {
				return err
			}
			fmt.Printf("Master secret: %s (%s)\n", filepath.Join(outDir, "master.key"), createdWord(created))

			kp, created, err := keys.LoadOrCreateKeypair(outDir, "attestation")
			if err != nil {
				return fmt.Errorf("attestation keypair: %w", err)
			}
			fp := keys.Fingerprint(kp.PublicKey)
			fmt.Printf("Attestation keypair (%s)\n", createdWord(created))
			fmt.Printf("  Private: %s\n", filepath.Join(outDir, "attestation.key"))
			fmt.Printf("  Public:  %s\n", filepath.Join(outDir, "attestation.pub"))
			fmt.Printf("  Fingerprint: %s\n", fp[:16]+"...")
			return nil
		},
	}

	cmd.Flags().StringVar(&outDir, "out", "", "output directory for keys (default: keys.dir from config)")
	return cmd
}

func createdWord(created bool) string {
	if created {
		return "created"
	}
	return "existing"
}
