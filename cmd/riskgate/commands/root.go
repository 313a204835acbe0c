package commands

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/oktsec/riskgate/internal/config"
)

var cfgFile string

func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "riskgate",
		Short:         "Risk-based access decisions for financial services",
		Long:          "riskgate: zero-trust verification, intrusion detection, service isolation, DLP, vault RBAC, secure pipelines and threat correlation behind one decision API.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "riskgate.yaml", "config file path")

	root.AddCommand(
		newServeCmd(),
		newInitCmd(),
		newCheckCmd(),
		newLogsCmd(),
		newStatusCmd(),
		newKeygenCmd(),
		newFeedCmd(),
		newRulesCmd(),
		newVersionCmd(),
	)

	return root
}

// loadConfig reads cfgFile, falling back to defaults when it does not exist.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = config.Defaults()
	} else if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
