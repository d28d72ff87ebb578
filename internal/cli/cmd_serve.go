package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/swarmops/swarmops/internal/api"
	"github.com/swarmops/swarmops/internal/orchestrator"
)

// newServeCmd creates the serve command.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator and its webhook server",
		Long: `Run the orchestrator: resume persisted runs, start the phase poller
and progress watchdog, and serve the agent webhooks over HTTP.

Example:
  swarmops serve
  swarmops serve --listen 0.0.0.0:8642`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if v, _ := cmd.Flags().GetString("listen"); v != "" {
				cfg.Server.ListenAddr = v
			}
			logger := setupLogging()

			orch, err := orchestrator.New(cfg, orchestrator.Options{Logger: logger})
			if err != nil {
				return fmt.Errorf("build orchestrator: %w", err)
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				logger.Info("shutting down")
				cancel()
			}()

			if err := orch.Start(ctx); err != nil {
				return fmt.Errorf("start orchestrator: %w", err)
			}
			defer orch.Close()

			srv := api.New(cfg.Server, orch, api.WithLogger(logger))
			fmt.Fprintf(cmd.OutOrStdout(), "swarmops listening on %s (webhooks: %s)\n",
				cfg.Server.ListenAddr, cfg.WebhookBaseURL())
			fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl+C to stop")
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().String("listen", "", "listen address (overrides config)")

	return cmd
}
