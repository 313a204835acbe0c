package commands

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/oktsec/riskgate/internal/threatintel"
)

func newFeedCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Validate and list threat indicators",
		Example: `  riskgate feed
  riskgate feed --file indicators.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if file != "" {
				cfg.ThreatIntel.FeedFile = file
			}
			feed, err := threatintel.NewFeed(cfg.ThreatIntel, newLogger("error"))
			if err != nil {
				return err
			}

			inds := feed.Indicators()
			src := "built-in"
			if cfg.ThreatIntel.FeedFile != "" {
				src = cfg.ThreatIntel.FeedFile
			}
			fmt.Printf("Loaded %d indicators (%s)\n\n", len(inds), src)

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "ID\tNAME\tTYPE\tSEVERITY\tCONFIDENCE\tKEYWORDS\n") //nolint:errcheck // CLI output
			for _, ind := range inds {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.2f\t%s\n", //nolint:errcheck // CLI output
					ind.ID, ind.Name, ind.Type, ind.Severity, ind.Confidence, strings.Join(ind.Keywords, ", "))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "indicator file to validate (default: threat_intel.feed_file)")
	return cmd
}
