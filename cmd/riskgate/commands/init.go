package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/oktsec/riskgate/internal/config"
)

func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Example: `  riskgate init
  riskgate init --config /etc/riskgate/riskgate.yaml --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(cfgFile); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgFile)
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}

			cfg := config.Defaults()
			if err := cfg.Save(cfgFile); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", cfgFile)
			fmt.Printf("  %d roles, %d vaults, %d pipelines, %d service policies\n",
				len(cfg.Roles), len(cfg.Vaults), len(cfg.Pipelines), len(cfg.Network.Policies))
			fmt.Println("\nNext: riskgate keygen && riskgate serve")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
