package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/oktsec/riskgate/internal/decision"
	"github.com/oktsec/riskgate/internal/dlp"
	"github.com/oktsec/riskgate/internal/gate"
	"github.com/oktsec/riskgate/internal/isolation"
	"github.com/oktsec/riskgate/internal/rbac"
	"github.com/oktsec/riskgate/internal/safefile"
	"github.com/oktsec/riskgate/internal/threatintel"
)

var asJSON bool

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate a single request offline against the configured policy",
		Long: `Evaluate one request with an in-process gate. Nothing is persisted and no
history carries over between invocations, so behavioral signals start cold.`,
	}
	cmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print the raw result as JSON")
	cmd.AddCommand(
		newCheckAccessCmd(),
		newCheckCommunicationCmd(),
		newCheckTransmissionCmd(),
		newCheckActivityCmd(),
	)
	return cmd
}

// offlineGate builds a gate that writes nowhere and runs no background work.
func offlineGate(ctx context.Context) (*gate.Gate, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	cfg.Audit.Driver = "memory"
	cfg.Keys.Dir = ""
	cfg.Redis.URL = ""
	cfg.Telemetry.Metrics = false
	cfg.Telemetry.Tracing = false
	cfg.ThreatIntel.WatchFeed = false
	cfg.Webhooks = nil
	return gate.New(ctx, cfg, newLogger("error"))
}

func newCheckAccessCmd() *cobra.Command {
	var user, role, vault, action, ip, device string
	var encrypted bool
	var size int64

	cmd := &cobra.Command{
		Use:   "access",
		Short: "Check a vault access request",
		Example: `  riskgate check access --user alice --role data_analyst --vault analytics_vault --action read --encrypted
  riskgate check access --user bob --role developer --vault payment_vault --action read`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			g, err := offlineGate(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = g.Close() }()

			d := g.CheckAccess(ctx, user, role, vault, action, rbac.AccessContext{
				Encrypted: encrypted,
				DataSize:  size,
				IPAddress: ip,
				DeviceID:  device,
				Timestamp: time.Now(),
			})
			return printDecision(d)
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id")
	cmd.Flags().StringVar(&role, "role", "", "role name")
	cmd.Flags().StringVar(&vault, "vault", "", "vault name")
	cmd.Flags().StringVar(&action, "action", "read", "action (read, write, delete, admin, export)")
	cmd.Flags().StringVar(&ip, "ip", "", "client IP address")
	cmd.Flags().StringVar(&device, "device", "", "device id")
	cmd.Flags().BoolVar(&encrypted, "encrypted", false, "request travels over an encrypted channel")
	cmd.Flags().Int64Var(&size, "size", 0, "data size in bytes")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("role")
	_ = cmd.MarkFlagRequired("vault")
	return cmd
}

func newCheckCommunicationCmd() *cobra.Command {
	var from, to, protocol string
	var port int
	var encrypted bool
	var size int64

	cmd := &cobra.Command{
		Use:     "communication",
		Aliases: []string{"comm"},
		Short:   "Check a service-to-service call",
		Example: `  riskgate check communication --from checkout --to payment-service --port 443 --protocol https --encrypted`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			g, err := offlineGate(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = g.Close() }()

			d := g.CheckCommunication(ctx, from, to, isolation.CommunicationDetails{
				Port:      port,
				Protocol:  protocol,
				Encrypted: encrypted,
				Size:      size,
				Timestamp: time.Now(),
			})
			return printDecision(d)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "source service")
	cmd.Flags().StringVar(&to, "to", "", "target service")
	cmd.Flags().StringVar(&protocol, "protocol", "https", "protocol")
	cmd.Flags().IntVar(&port, "port", 443, "target port")
	cmd.Flags().BoolVar(&encrypted, "encrypted", false, "connection is encrypted")
	cmd.Flags().Int64Var(&size, "size", 0, "payload size in bytes")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newCheckTransmissionCmd() *cobra.Command {
	var user, dest, content, file string

	cmd := &cobra.Command{
		Use:     "transmission",
		Aliases: []string{"dlp"},
		Short:   "Check an outbound data transmission",
		Example: `  riskgate check transmission --user alice --dest partner@gmail.com --content "card 4111 1111 1111 1111"
  riskgate check transmission --user alice --dest s3://exports --file report.csv`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				data, err := safefile.ReadFileMax(file, safefile.MaxConfigBytes)
				if err != nil {
					return fmt.Errorf("reading %s: %w", file, err)
				}
				content = string(data)
			}
			ctx := cmd.Context()
			g, err := offlineGate(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = g.Close() }()

			an := g.AnalyzeTransmission(ctx, dlp.TransmissionEvent{
				UserID:      user,
				Destination: dest,
				Content:     content,
				Size:        int64(len(content)),
				Timestamp:   time.Now(),
			})
			if asJSON {
				return printJSON(an)
			}
			fmt.Printf("%s  risk %.2f (%s)\n", outcomeLabel(an.Action), an.RiskScore, an.RiskLevel)
			for _, v := range an.Violations {
				fmt.Printf("  - [%s] %s: %s\n", v.Severity, v.Type, v.Description)
			}
			printRecommendations(an.Recommendations)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id")
	cmd.Flags().StringVar(&dest, "dest", "", "destination address or URL")
	cmd.Flags().StringVar(&content, "content", "", "content to transmit")
	cmd.Flags().StringVar(&file, "file", "", "read content from a file")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("dest")
	return cmd
}

func newCheckActivityCmd() *cobra.Command {
	var typ, source, service, user, content string
	var attrs map[string]string

	cmd := &cobra.Command{
		Use:     "activity",
		Aliases: []string{"threat"},
		Short:   "Correlate an activity event against threat indicators",
		Example: `  riskgate check activity --type process --service checkout --content "vssadmin delete shadows; ryuk"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			g, err := offlineGate(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = g.Close() }()

			an := g.AnalyzeActivity(ctx, threatintel.ActivityEvent{
				Type:          typ,
				Source:        source,
				SourceService: service,
				UserID:        user,
				Content:       content,
				Attributes:    attrs,
				Timestamp:     time.Now(),
			})
			if asJSON {
				return printJSON(an)
			}
			fmt.Printf("%s  risk %.2f (%s)\n", actionLabel(an.Action), an.RiskScore, an.RiskLevel)
			for _, th := range an.Threats {
				fmt.Printf("  - [%s] %s (%s, confidence %.2f)", th.Severity, th.Name, th.Type, th.Confidence)
				if len(th.Matched) > 0 {
					fmt.Printf(": %s", strings.Join(th.Matched, ", "))
				}
				fmt.Println()
			}
			if an.IncidentID != "" {
				fmt.Printf("  incident: %s\n", an.IncidentID)
			}
			printRecommendations(an.Recommendations)
			return nil
		},
	}
	cmd.Flags().StringVar(&typ, "type", "process", "event type")
	cmd.Flags().StringVar(&source, "source", "", "event source (host, sensor)")
	cmd.Flags().StringVar(&service, "service", "", "service that produced the event")
	cmd.Flags().StringVar(&user, "user", "", "user id")
	cmd.Flags().StringVar(&content, "content", "", "event content")
	cmd.Flags().StringToStringVar(&attrs, "attr", nil, "extra attributes (key=value)")
	return cmd
}

func printDecision(d decision.Decision) error {
	if asJSON {
		return printJSON(d)
	}
	fmt.Printf("%s  risk %.2f (%s)\n", outcomeLabel(d.Outcome), d.RiskScore, d.RiskLevel)
	if d.Reason != "" {
		fmt.Printf("  %s\n", d.Reason)
	}
	for _, r := range d.Reasons {
		fmt.Printf("  - [%s] %s: %s\n", r.Severity, r.Type, r.Description)
	}
	printRecommendations(d.Recommendations)
	return nil
}

func printRecommendations(recs []string) {
	if len(recs) == 0 {
		return
	}
	fmt.Println("  recommendations:")
	for _, r := range recs {
		fmt.Printf("    * %s\n", r)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func outcomeLabel(o decision.Outcome) string {
	switch o {
	case decision.OutcomeAllow:
		return color.GreenString(string(o))
	case decision.OutcomeChallenge, decision.OutcomeReview:
		return color.YellowString(string(o))
	default:
		return color.New(color.FgRed, color.Bold).Sprint(string(o))
	}
}

func actionLabel(a threatintel.Action) string {
	switch a {
	case threatintel.ActionAllow, threatintel.ActionMonitor:
		return color.GreenString(string(a))
	case threatintel.ActionInvestigate:
		return color.YellowString(string(a))
	default:
		return color.New(color.FgRed, color.Bold).Sprint(string(a))
	}
}
