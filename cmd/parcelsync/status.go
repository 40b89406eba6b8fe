package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/parcelsync/parcelsync/internal/config"
	"github.com/parcelsync/parcelsync/internal/record"
	"github.com/parcelsync/parcelsync/internal/store"
	"github.com/parcelsync/parcelsync/internal/ui"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the local store and its schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig((*config.Config).Validate)
		if err != nil {
			return err
		}
		kinds, err := cfg.RecordKinds()
		if err != nil {
			return err
		}

		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Initialize(cmd.Context(), kinds...); err != nil {
			return err
		}
		version, err := st.Version(cmd.Context())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s Local store ready\n", ui.RenderPass("✓"))
		fmt.Fprintf(out, "   Location: %s\n", st.Path())
		fmt.Fprintf(out, "   Schema version: %d\n", version)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local store status",
	Long: `Display per-kind counts from the local store: records, how many are
synced and pending, parcels, and when a record was last processed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig((*config.Config).Validate)
		if err != nil {
			return err
		}
		kinds, err := cfg.RecordKinds()
		if err != nil {
			return err
		}
		asJSON, _ := cmd.Flags().GetBool("json")
		out := cmd.OutOrStdout()

		if _, err := os.Stat(cfg.Store.Path); os.IsNotExist(err) {
			if asJSON {
				return json.NewEncoder(out).Encode([]store.Stats{})
			}
			fmt.Fprintf(out, "\n%s Local store not initialized\n", ui.RenderWarn("⚠"))
			fmt.Fprintf(out, "   Run 'parcelsync init' or 'parcelsync run' to create it\n\n")
			return nil
		}

		stats, err := collectStats(cmd, cfg.Store.Path, kinds)
		if err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		}

		fmt.Fprintf(out, "\n%s Local Store Status\n\n", ui.RenderAccent("📊"))
		fmt.Fprintf(out, "Location: %s\n\n", cfg.Store.Path)
		for _, s := range stats {
			pending := fmt.Sprintf("%d", s.Unsynced)
			if s.Unsynced > 0 {
				pending = ui.RenderWarn(pending)
			}
			fmt.Fprintf(out, "%s\n", ui.RenderAccent(s.Kind))
			fmt.Fprintf(out, "   Records: %d (synced %d, pending %s)\n", s.Records, s.Synced, pending)
			fmt.Fprintf(out, "   Parcels: %d\n", s.Parcels)
			if !s.LastProcessed.IsZero() {
				fmt.Fprintf(out, "   Last processed: %s\n", s.LastProcessed.Local().Format(time.DateTime))
			}
		}
		fmt.Fprintln(out)
		return nil
	},
}

func collectStats(cmd *cobra.Command, path string, kinds []record.Kind) ([]store.Stats, error) {
	st, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	stats := make([]store.Stats, 0, len(kinds))
	for _, k := range kinds {
		ok, err := st.HasKind(cmd.Context(), k)
		if err != nil {
			return nil, err
		}
		if !ok {
			stats = append(stats, store.Stats{Kind: k.Name})
			continue
		}
		s, err := st.Stats(cmd.Context(), k)
		if err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	return stats, nil
}

var unsyncedCmd = &cobra.Command{
	Use:   "unsynced",
	Short: "List ids persisted locally but not yet committed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig((*config.Config).Validate)
		if err != nil {
			return err
		}
		name, _ := cmd.Flags().GetString("kind")
		kind, err := record.Lookup(name)
		if err != nil {
			return &config.ConfigurationError{Field: "kind", Reason: "unknown record kind", Err: err}
		}

		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer st.Close()

		var ids []string
		ok, err := st.HasKind(cmd.Context(), kind)
		if err != nil {
			return err
		}
		if ok {
			if ids, err = st.UnsyncedIDs(cmd.Context(), kind); err != nil {
				return err
			}
		}

		out := cmd.OutOrStdout()
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			if ids == nil {
				ids = []string{}
			}
			return json.NewEncoder(out).Encode(ids)
		}
		for _, id := range ids {
			fmt.Fprintln(out, id)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "output as JSON")

	unsyncedCmd.Flags().String("kind", "", "record kind (invoices or return_notes)")
	unsyncedCmd.Flags().Bool("json", false, "output as a JSON array")
	_ = unsyncedCmd.MarkFlagRequired("kind")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(unsyncedCmd)
}
