package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/parcelsync/parcelsync/internal/config"
	"github.com/parcelsync/parcelsync/internal/logging"
	"github.com/parcelsync/parcelsync/internal/metrics"
	"github.com/parcelsync/parcelsync/internal/reconcile"
	"github.com/parcelsync/parcelsync/internal/remote"
	"github.com/parcelsync/parcelsync/internal/source"
	"github.com/parcelsync/parcelsync/internal/ui"
)

// Exit codes.
const (
	exitOK     = 0
	exitFailed = 1
	exitConfig = 2
)

// errRunFailed reports a run that finished with failed kinds. The report has
// already been printed.
var errRunFailed = errors.New("reconciliation finished with failures")

var (
	cfgFile string
	v       *viper.Viper
)

var rootCmd = &cobra.Command{
	Use:   "parcelsync",
	Short: "Reconcile exported invoices and return notes with Firestore",
	Long: `parcelsync persists exported invoices and return notes, with their parcels,
to a local SQLite store and commits them to Firestore in bounded atomic chunks.
A record is flagged synced only after Firestore confirms its chunk; anything
else is retried on the next run.

Configuration is read from parcelsync.yaml (or --config), PARCELSYNC_*
environment variables (a .env file is loaded when present) and flags.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	v = config.New()

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default ./parcelsync.yaml)")
	flags.String("store", "", "path to the local SQLite store")
	flags.String("exports", "", "root directory of the record exports")
	flags.String("log-level", "", "log level (trace, debug, info, warn, error)")
	flags.String("log-format", "", "log format (text or json)")

	for key, flag := range map[string]string{
		"store.path":  "store",
		"exports.dir": "exports",
		"log.level":   "log-level",
		"log.format":  "log-format",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}
}

func main() {
	os.Exit(execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	if !errors.Is(err, errRunFailed) {
		fmt.Fprintf(stderr, "%s %v\n", ui.RenderFail("✗"), err)
	}
	return exitCode(err)
}

func exitCode(err error) int {
	var cfgErr *config.ConfigurationError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &cfgErr):
		return exitConfig
	default:
		return exitFailed
	}
}

// loadConfig reads and validates the configuration with check.
func loadConfig(check func(*config.Config) error) (*config.Config, error) {
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return nil, err
	}
	if err := check(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// app bundles what the reconciling commands share.
type app struct {
	cfg         *config.Config
	logger      *logrus.Logger
	coordinator *reconcile.Coordinator
	metrics     *metrics.Metrics

	closers []io.Closer
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	kinds, err := cfg.RecordKinds()
	if err != nil {
		return nil, err
	}

	logger, logCloser, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, closers: []io.Closer{logCloser}}

	fs, err := remote.NewFirestoreClient(ctx, remote.FirestoreConfig{
		ProjectID:       cfg.Remote.ProjectID,
		DatabaseID:      cfg.Remote.DatabaseID,
		CredentialsFile: cfg.Remote.CredentialsFile,
		CredentialsJSON: cfg.Remote.CredentialsJSON,
	}, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	committer := remote.NewFirestoreCommitter(fs)
	a.closers = append(a.closers, committer)

	client, err := remote.NewClient(committer, remote.Options{
		MaxRecords:  cfg.Remote.MaxRecordsPerCommit,
		MaxWrites:   cfg.Remote.MaxWritesPerCommit,
		Concurrency: cfg.Remote.Concurrency,
		Timeout:     cfg.Remote.CommitTimeout,
	}, logger)
	if err != nil {
		a.Close()
		return nil, &config.ConfigurationError{Field: "remote", Reason: "invalid commit limits", Err: err}
	}

	a.metrics = metrics.New(nil)
	a.coordinator, err = reconcile.New(reconcile.Options{
		Open:    reconcile.StoreOpener(cfg.Store.Path),
		Source:  source.NewDirSource(cfg.Exports.Dir, logger),
		Remote:  client,
		Kinds:   kinds,
		Logger:  logger,
		Metrics: a.metrics,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil && a.logger != nil {
			a.logger.WithError(err).Warn("Error during shutdown")
		}
	}
}
