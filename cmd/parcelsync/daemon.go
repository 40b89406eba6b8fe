package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/parcelsync/parcelsync/internal/config"
	"github.com/parcelsync/parcelsync/internal/daemon"
	"github.com/parcelsync/parcelsync/internal/reconcile"
	"github.com/parcelsync/parcelsync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Watch the exports and reconcile continuously (foreground)",
	Long: `Run in the foreground and reconcile whenever new exports land.

The daemon will:
  1. Run a full reconciliation at startup
  2. Watch each kind's export directory
  3. Reconcile a kind once its directory has been quiet for the debounce interval
  4. Run a full reconciliation every interval, retrying failed chunks
  5. Serve Prometheus metrics at /metrics when daemon.metrics_addr is set`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig((*config.Config).ValidateDaemon)
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		out := cmd.OutOrStdout()
		d, err := daemon.New(a.coordinator, cfg.Exports.Dir, a.coordinator.Kinds(), &daemon.Config{
			DebounceInterval: cfg.Daemon.Debounce,
			Interval:         cfg.Daemon.Interval,
			MetricsAddr:      cfg.Daemon.MetricsAddr,
			MetricsHandler:   a.metrics.Handler(),
			OnReport: func(r *reconcile.Report) {
				_ = r.Render(out)
			},
			Logger: a.logger,
		})
		if err != nil {
			return err
		}

		fmt.Fprintf(out, "%s Starting parcelsync daemon...\n", ui.RenderAccent("🚀"))
		fmt.Fprintf(out, "   Exports: %s\n", cfg.Exports.Dir)
		fmt.Fprintf(out, "   Store: %s\n", cfg.Store.Path)
		if cfg.Daemon.MetricsAddr != "" {
			fmt.Fprintf(out, "   Metrics: http://%s/metrics\n", cfg.Daemon.MetricsAddr)
		}
		fmt.Fprintf(out, "\nPress Ctrl+C to stop\n\n")

		// Start blocks until the signal context is done
		return d.Start(ctx)
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
