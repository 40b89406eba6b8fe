// Package daemon runs reconciliations whenever new exports land.
//
// The daemon:
//  1. Runs one full reconciliation at startup
//  2. Watches each record kind's export directory
//  3. After a quiet period (debounce), reconciles the kinds that changed
//  4. Periodically runs a full reconciliation so failed chunks are retried
//  5. Optionally serves Prometheus metrics
//
// Every trigger is a complete batch run of the affected kinds; runs never
// overlap.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/parcelsync/parcelsync/internal/reconcile"
	"github.com/parcelsync/parcelsync/internal/record"
	"github.com/parcelsync/parcelsync/internal/source"
)

// Runner runs a reconciliation of the given kinds. *reconcile.Coordinator
// implements it.
type Runner interface {
	RunKinds(ctx context.Context, kinds ...record.Kind) (*reconcile.Report, error)
}

// Config holds configuration for the daemon.
type Config struct {
	// DebounceInterval is how long a kind's directory must stay quiet
	// before it is reconciled. This batches an export burst into one run.
	DebounceInterval time.Duration

	// Interval between full reconciliations. Zero disables them.
	Interval time.Duration

	// MetricsAddr, when set, serves MetricsHandler at /metrics.
	MetricsAddr    string
	MetricsHandler http.Handler

	// OnReport is called after every run that produced a report.
	OnReport func(*reconcile.Report)

	// Logger for daemon activity
	Logger logrus.FieldLogger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	return &Config{
		DebounceInterval: 2 * time.Second,
		Interval:         15 * time.Minute,
		Logger:           l,
	}
}

// Daemon watches export directories and triggers reconciliations.
type Daemon struct {
	runner Runner
	kinds  []record.Kind
	dirs   map[string]record.Kind // export dir -> kind
	config *Config

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // kind name -> last event
	changeQueueMu sync.Mutex
	runMu         sync.Mutex

	server *http.Server

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a daemon for kinds whose exports live under exportsRoot.
// Missing export directories are created so they can be watched.
func New(runner Runner, exportsRoot string, kinds []record.Kind, config *Config) (*Daemon, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	if exportsRoot == "" {
		return nil, fmt.Errorf("exports root cannot be empty")
	}
	if len(kinds) == 0 {
		return nil, fmt.Errorf("at least one record kind is required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	if config.DebounceInterval <= 0 {
		return nil, fmt.Errorf("debounce interval must be positive")
	}

	dirs := make(map[string]record.Kind, len(kinds))
	for _, k := range kinds {
		dir := filepath.Clean(filepath.Join(exportsRoot, k.Dir))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create export directory %s: %w", dir, err)
		}
		dirs[dir] = k
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		runner:      runner,
		kinds:       kinds,
		dirs:        dirs,
		config:      config,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start runs the initial reconciliation, then watches until ctx is
// cancelled or Stop is called. Cancelling ctx also cancels a run in
// progress, including the initial one.
func (d *Daemon) Start(ctx context.Context) error {
	release := context.AfterFunc(ctx, d.cancel)
	defer release()

	log := d.config.Logger
	log.Info("Starting daemon")

	d.runOnce(d.kinds)
	if d.ctx.Err() != nil {
		log.Info("Shutdown signal received")
		return d.Stop()
	}

	for dir := range d.dirs {
		if err := d.watcher.Add(dir); err != nil {
			_ = d.Stop()
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		log.WithField("dir", dir).Info("Watching export directory")
	}

	if d.config.MetricsAddr != "" {
		if err := d.serveMetrics(); err != nil {
			_ = d.Stop()
			return err
		}
	}

	d.wg.Add(2)
	go d.watchFileEvents()
	go d.processChangeQueue()
	if d.config.Interval > 0 {
		d.wg.Add(1)
		go d.periodicRuns()
	}

	<-d.ctx.Done()
	if ctx.Err() != nil {
		log.Info("Shutdown signal received")
	}
	return d.Stop()
}

// Stop gracefully shuts down the daemon. A run in progress is cancelled;
// chunks it had not flagged yet are retried on the next run.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		log := d.config.Logger
		log.Info("Stopping daemon")

		d.cancel()

		if err := d.watcher.Close(); err != nil {
			log.WithError(err).Warn("Error closing watcher")
		}
		if d.server != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := d.server.Shutdown(shutdownCtx); err != nil {
				log.WithError(err).Warn("Error stopping metrics server")
			}
		}

		d.wg.Wait()
		log.Info("Daemon stopped")
	})
	return nil
}

// watchFileEvents monitors filesystem events and queues changed kinds.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}

			// Removals never create work
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if !source.IsExport(event.Name) {
				continue
			}

			kind, ok := d.dirs[filepath.Dir(filepath.Clean(event.Name))]
			if !ok {
				continue
			}

			d.config.Logger.WithFields(logrus.Fields{"op": event.Op.String(), "file": event.Name}).Debug("Export event")
			d.queueChange(kind)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.WithError(err).Warn("Watcher error")
		}
	}
}

func (d *Daemon) queueChange(kind record.Kind) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[kind.Name] = time.Now()
}

// processChangeQueue reconciles queued kinds once they have been quiet for
// the debounce interval.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	// NewTicker panics on a zero interval
	ticker := time.NewTicker(max(d.config.DebounceInterval/2, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			if kinds := d.dueKinds(time.Now()); len(kinds) > 0 {
				d.runOnce(kinds)
			}
		}
	}
}

// dueKinds removes and returns the queued kinds whose last event is older
// than the debounce interval, in configured order.
func (d *Daemon) dueKinds(now time.Time) []record.Kind {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	var due []record.Kind
	for _, k := range d.kinds {
		queuedAt, ok := d.changeQueue[k.Name]
		if !ok || now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		delete(d.changeQueue, k.Name)
		due = append(due, k)
	}
	return due
}

func (d *Daemon) periodicRuns() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.runOnce(d.kinds)
		}
	}
}

// runOnce runs one reconciliation. Failures are logged; the daemon keeps
// going and the next trigger retries.
func (d *Daemon) runOnce(kinds []record.Kind) {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	if d.ctx.Err() != nil {
		return
	}

	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = k.Name
	}
	log := d.config.Logger.WithField("kinds", names)

	report, err := d.runner.RunKinds(d.ctx, kinds...)
	if err != nil {
		log.WithError(err).Error("Reconciliation could not start")
		return
	}
	if report.Failed() {
		log.WithField("run_id", report.RunID).Warn("Reconciliation finished with failures")
	}
	if d.config.OnReport != nil {
		d.config.OnReport(report)
	}
}

func (d *Daemon) serveMetrics() error {
	handler := d.config.MetricsHandler
	if handler == nil {
		return fmt.Errorf("metrics address set without a metrics handler")
	}

	ln, err := net.Listen("tcp", d.config.MetricsAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.config.MetricsAddr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	d.server = &http.Server{
		Addr:              d.config.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.config.Logger.WithField("addr", d.config.MetricsAddr).Info("Serving metrics")
		if err := d.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.config.Logger.WithError(err).Error("Metrics server failed")
		}
	}()
	return nil
}
