package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oktsec/riskgate/internal/engine"
)

func newRulesCmd() *cobra.Command {
	var explain string

	cmd := &cobra.Command{
		Use:   "rules",
		Short: "List or explain DLP content-scan rules",
		Example: `  riskgate rules
  riskgate rules --explain FIN-001`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			scanner := engine.NewScanner(cfg.DLP.CustomRulesDir)
			defer scanner.Close()

			if explain != "" {
				detail, err := scanner.ExplainRule(explain)
				if err != nil {
					return err
				}
				fmt.Printf("Rule: %s\n", detail.ID)
				fmt.Printf("Name: %s\n", detail.Name)
				fmt.Printf("Severity: %s\n", detail.Severity)
				fmt.Printf("Category: %s\n", detail.Category)
				fmt.Printf("Description: %s\n", detail.Description)
				fmt.Println("\nPatterns:")
				for _, p := range detail.Patterns {
					fmt.Printf("  %s\n", p)
				}
				return nil
			}

			all := scanner.ListRules()
			fmt.Printf("Loaded %d detection rules (%d embedded financial rule files):\n\n", len(all), engine.EmbeddedRuleFiles())
			for _, r := range all {
				fmt.Printf("  %-12s %-10s %s\n", r.ID, r.Severity, r.Name)
			}

			// Verify the engine is working
			n := scanner.RulesCount(cmd.Context())
			if n == 0 {
				return fmt.Errorf("engine check: no rules loaded")
			}
			fmt.Printf("\nEngine status: OK (%d rules loaded)\n", n)
			if !cfg.DLP.ScanContent {
				fmt.Println("Content scanning is disabled (dlp.scan_content: false).")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&explain, "explain", "", "explain a specific rule by ID")
	return cmd
}
