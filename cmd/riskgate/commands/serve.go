package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oktsec/riskgate/internal/api"
	"github.com/oktsec/riskgate/internal/config"
	"github.com/oktsec/riskgate/internal/gate"
)

func newServeCmd() *cobra.Command {
	var port int
	var bind string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the riskgate decision server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Server.Port = port
			}
			if bind != "" {
				cfg.Server.Bind = bind
			}

			logger := newLogger(cfg.Server.LogLevel)
			api.Version = version

			// Graceful shutdown on SIGINT/SIGTERM
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, err := gate.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := g.Close(); err != nil {
					logger.Error("closing gate", "error", err)
				}
			}()
			g.Start(ctx)

			srv, err := api.NewServer(cfg, g, logger)
			if err != nil {
				return err
			}
			printBanner(cfg)

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			}
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override server port")
	cmd.Flags().StringVar(&bind, "bind", "", "address to bind (default: 127.0.0.1)")
	return cmd
}

func printBanner(cfg *config.Config) {
	bindAddr := cfg.Server.Bind
	if bindAddr == "" {
		bindAddr = "127.0.0.1"
	}
	base := fmt.Sprintf("http://%s:%d", bindAddr, cfg.Server.Port)

	fmt.Println()
	fmt.Println("  riskgate")
	fmt.Println("  ────────────────────────────────────────")
	fmt.Printf("  API:        %s/v1/\n", base)
	fmt.Printf("  Health:     %s/health\n", base)
	if cfg.Telemetry.Metrics {
		fmt.Printf("  Metrics:    %s/metrics\n", base)
	}
	fmt.Println("  ────────────────────────────────────────")
	fmt.Printf("  Audit: %s  |  Vaults: %d  |  Pipelines: %d\n", cfg.Audit.Driver, len(cfg.Vaults), len(cfg.Pipelines))
	fmt.Println()
	fmt.Println("  Press Ctrl+C to stop.")
	fmt.Println()
}
