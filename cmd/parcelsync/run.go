package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/parcelsync/parcelsync/internal/config"
	"github.com/parcelsync/parcelsync/internal/reconcile"
	"github.com/parcelsync/parcelsync/internal/record"
	"github.com/parcelsync/parcelsync/internal/ui"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one reconciliation",
	Long: `Run one reconciliation of every configured record kind:
  1. Read new exports, skipping ids already synced
  2. Persist them with their parcels to the local store
  3. Commit unsynced records to Firestore in atomic chunks
  4. Flag committed records as synced

Exits 1 when any kind failed or only partially committed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig((*config.Config).ValidateRemote)
		if err != nil {
			return err
		}

		kinds, err := selectedKinds(cmd, cfg)
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

		report, err := a.coordinator.RunKinds(ctx, kinds...)
		if err != nil {
			return err
		}
		return printReport(cmd, report)
	},
}

// selectedKinds returns the --kind selection, or every configured kind.
func selectedKinds(cmd *cobra.Command, cfg *config.Config) ([]record.Kind, error) {
	names, _ := cmd.Flags().GetStringSlice("kind")
	if len(names) == 0 {
		return cfg.RecordKinds()
	}
	kinds, err := record.LookupAll(names)
	if err != nil {
		return nil, &config.ConfigurationError{Field: "kind", Reason: "unknown record kind", Err: err}
	}
	return kinds, nil
}

func printReport(cmd *cobra.Command, report *reconcile.Report) error {
	out := cmd.OutOrStdout()

	mark := ui.RenderPass("✓")
	if report.Failed() {
		mark = ui.RenderFail("✗")
	}
	fmt.Fprintf(out, "%s Reconciliation finished in %v\n", mark,
		report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	if err := report.Render(out); err != nil {
		return err
	}
	if report.Failed() {
		return errRunFailed
	}
	return nil
}

func init() {
	runCmd.Flags().StringSlice("kind", nil, "record kind to reconcile (repeatable; default all configured)")
	rootCmd.AddCommand(runCmd)
}
