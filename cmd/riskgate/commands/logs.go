package commands

import (
	"fmt"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/oktsec/riskgate/internal/audit"
)

func newLogsCmd() *cobra.Command {
	var component, actor, outcome, since string
	var denied, live bool
	var limit int

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Query the SQLite audit log",
		Example: `  riskgate logs
  riskgate logs --component rbac --denied
  riskgate logs --actor alice
  riskgate logs --since 1h
  riskgate logs --live`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Audit.Driver != "sqlite" {
				return fmt.Errorf("logs reads the sqlite audit store; audit.driver is %q", cfg.Audit.Driver)
			}

			store, err := audit.NewStore(cfg.Audit.Path, newLogger("error"))
			if err != nil {
				return fmt.Errorf("opening audit db: %w", err)
			}
			defer store.Close() //nolint:errcheck // best-effort cleanup

			opts := audit.QueryOpts{
				Component: component,
				Actor:     actor,
				Outcome:   outcome,
				Denied:    denied,
				Limit:     limit,
			}
			if live {
				return streamLive(store, opts)
			}
			if since != "" {
				dur, err := time.ParseDuration(since)
				if err != nil {
					return fmt.Errorf("invalid duration %q: %w", since, err)
				}
				opts.Since = time.Now().Add(-dur)
			}

			entries, err := store.Query(opts)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No audit entries found.")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			printHeader(tw)
			for _, e := range entries {
				printEntry(tw, e)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&component, "component", "", "filter by component (zerotrust, intrusion, isolation, dlp, rbac, pipeline, threatintel)")
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor or subject")
	cmd.Flags().StringVar(&outcome, "outcome", "", "filter by outcome (ALLOW, DENY, BLOCK, ...)")
	cmd.Flags().BoolVar(&denied, "denied", false, "show only denied requests")
	cmd.Flags().StringVar(&since, "since", "", "show entries since duration (e.g. 1h, 30m)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries to return")
	cmd.Flags().BoolVar(&live, "live", false, "stream new audit entries in real-time")
	return cmd
}

func printHeader(tw *tabwriter.Writer) {
	fmt.Fprintf(tw, "TIME\tCOMPONENT\tACTOR\tSUBJECT\tOUTCOME\tRISK\tREASON\n") //nolint:errcheck // CLI output
}

func printEntry(tw *tabwriter.Writer, e audit.Entry) {
	out := e.Outcome
	if e.Allowed {
		out = color.GreenString(out)
	} else {
		out = color.RedString(out)
	}
	fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%.2f\t%s\n", //nolint:errcheck // CLI output
		e.Timestamp.Local().Format(time.DateTime), e.Component, e.Actor, e.Subject, out, e.RiskScore, e.Reason)
}

// streamLive polls the audit database every second and prints new entries.
// The server process owns the hub, so a separate CLI process polls instead.
func streamLive(store *audit.Store, opts audit.QueryOpts) error {
	fmt.Println("Streaming audit log (Ctrl+C to stop)...")
	fmt.Println()

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	printHeader(tw)
	_ = tw.Flush()

	seen := make(map[string]struct{})
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	defer signal.Stop(sig)

	opts.Since = time.Now().Add(-1 * time.Minute)
	opts.Limit = 100

	for {
		select {
		case <-sig:
			fmt.Println("\nStopped.")
			return nil
		case <-ticker.C:
			entries, err := store.Query(opts)
			if err != nil {
				continue
			}
			// Entries come DESC; reverse for chronological printing
			for i := len(entries) - 1; i >= 0; i-- {
				e := entries[i]
				if _, ok := seen[e.ID]; ok {
					continue
				}
				seen[e.ID] = struct{}{}
				printEntry(tw, e)
			}
			_ = tw.Flush()
		}
	}
}
