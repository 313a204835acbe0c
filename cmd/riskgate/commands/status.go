package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/oktsec/riskgate/internal/audit"
	"github.com/oktsec/riskgate/internal/config"
	"github.com/oktsec/riskgate/sdk"
)

func newStatusCmd() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration summary, audit stats and server health",
		Example: `  riskgate status
  riskgate status --server http://127.0.0.1:8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			fmt.Println()
			fmt.Println("  riskgate status")
			fmt.Println("  ────────────────────────────────────────")
			fmt.Printf("  Config:        %s\n", cfgFile)
			fmt.Printf("  Port:          %d\n", cfg.Server.Port)
			fmt.Printf("  Audit:         %s\n", auditTarget(cfg))
			fmt.Printf("  Roles:         %d\n", len(cfg.Roles))
			fmt.Printf("  Vaults:        %s\n", joinSorted(cfg.Vaults))
			fmt.Printf("  Pipelines:     %s\n", joinSorted(cfg.Pipelines))
			fmt.Printf("  Services:      %d policies\n", len(cfg.Network.Policies))
			fmt.Printf("  Sessions:      %s\n", sessionBackend(cfg))
			fmt.Printf("  Webhooks:      %d\n", len(cfg.Webhooks))

			if cfg.Audit.Driver == "sqlite" {
				store, err := audit.NewStore(cfg.Audit.Path, newLogger("error"))
				if err == nil {
					defer func() { _ = store.Close() }()
					if st, err := store.QueryStats(); err == nil {
						fmt.Println("  ────────────────────────────────────────")
						fmt.Printf("  Decisions:     %d\n", st.Total)
						fmt.Printf("  Allowed:       %d\n", st.Allowed)
						fmt.Printf("  Denied:        %d\n", st.Denied)
						for _, c := range sortedKeys(st.ByComponent) {
							fmt.Printf("    %-12s %d\n", c, st.ByComponent[c])
						}
					}
				}
			}

			if server != "" {
				ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
				defer cancel()
				fmt.Println("  ────────────────────────────────────────")
				h, err := sdk.NewClient(server).Health(ctx)
				if err != nil {
					fmt.Printf("  Server:        unreachable (%v)\n", err)
				} else {
					fmt.Printf("  Server:        %s (version %s)\n", h.Status, h.Version)
				}
			}

			fmt.Println()
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "also check the health of a running server at this URL")
	return cmd
}

func auditTarget(cfg *config.Config) string {
	switch cfg.Audit.Driver {
	case "sqlite":
		return "sqlite " + cfg.Audit.Path
	case "postgres":
		return "postgres"
	default:
		return cfg.Audit.Driver
	}
}

func sessionBackend(cfg *config.Config) string {
	if cfg.Redis.URL != "" {
		return "redis"
	}
	return "in-memory"
}

func joinSorted[V any](m map[string]V) string {
	if len(m) == 0 {
		return "none"
	}
	return strings.Join(sortedKeys(m), ", ")
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
