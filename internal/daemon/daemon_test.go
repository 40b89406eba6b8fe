package daemon

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelsync/parcelsync/internal/reconcile"
	"github.com/parcelsync/parcelsync/internal/record"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string
	err   error
}

func (f *fakeRunner) RunKinds(ctx context.Context, kinds ...record.Kind) (*reconcile.Report, error) {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = k.Name
	}
	f.mu.Lock()
	f.calls = append(f.calls, names)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	report := &reconcile.Report{RunID: "run"}
	for _, n := range names {
		report.Kinds = append(report.Kinds, reconcile.KindReport{Kind: n, Stage: reconcile.StageDone})
	}
	return report, nil
}

func (f *fakeRunner) Calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.calls...)
}

func testConfig() *Config {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.WarnLevel)
	return &Config{DebounceInterval: 50 * time.Millisecond, Logger: l}
}

// startDaemon runs Start in the background and waits for the initial run.
func startDaemon(t *testing.T, d *Daemon, runner *fakeRunner) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop")
		}
	})

	require.Eventually(t, func() bool { return len(runner.Calls()) >= 1 }, 2*time.Second, 10*time.Millisecond)
	// Let the watches settle before the test writes files.
	time.Sleep(50 * time.Millisecond)
}

func TestNew(t *testing.T) {
	kinds := record.Kinds()
	runner := &fakeRunner{}

	tests := []struct {
		name    string
		runner  Runner
		root    string
		kinds   []record.Kind
		config  *Config
		wantErr bool
	}{
		{name: "valid", runner: runner, root: t.TempDir(), kinds: kinds, config: testConfig()},
		{name: "default config", runner: runner, root: t.TempDir(), kinds: kinds},
		{name: "nil runner", root: t.TempDir(), kinds: kinds, wantErr: true},
		{name: "empty root", runner: runner, kinds: kinds, wantErr: true},
		{name: "no kinds", runner: runner, root: t.TempDir(), wantErr: true},
		{name: "zero debounce", runner: runner, root: t.TempDir(), kinds: kinds, config: &Config{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := New(tt.runner, tt.root, tt.kinds, tt.config)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer d.Stop()

			for _, k := range tt.kinds {
				assert.DirExists(t, filepath.Join(tt.root, k.Dir))
			}
		})
	}
}

func TestInitialRunCoversAllKinds(t *testing.T) {
	runner := &fakeRunner{}
	d, err := New(runner, t.TempDir(), record.Kinds(), testConfig())
	require.NoError(t, err)

	startDaemon(t, d, runner)
	assert.Equal(t, []string{"invoices", "return_notes"}, runner.Calls()[0])
}

func TestExportTriggersDebouncedRun(t *testing.T) {
	root := t.TempDir()
	runner := &fakeRunner{}
	d, err := New(runner, root, record.Kinds(), testConfig())
	require.NoError(t, err)
	startDaemon(t, d, runner)

	dir := filepath.Join(root, record.ReturnNotes.Dir)
	for _, id := range []string{"RN-240115", "RN-240116", "RN-240117"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, id+".json"), []byte(`{"id":"`+id+`"}`), 0o644))
	}

	require.Eventually(t, func() bool { return len(runner.Calls()) >= 2 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)

	calls := runner.Calls()
	require.Len(t, calls, 2, "a burst of exports is one run")
	assert.Equal(t, []string{"return_notes"}, calls[1])
}

func TestIgnoresNonExportFiles(t *testing.T) {
	root := t.TempDir()
	runner := &fakeRunner{}
	d, err := New(runner, root, record.Kinds(), testConfig())
	require.NoError(t, err)
	startDaemon(t, d, runner)

	dir := filepath.Join(root, record.Invoices.Dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "INV-1.json.tmp"), []byte("x"), 0o644))

	time.Sleep(300 * time.Millisecond)
	assert.Len(t, runner.Calls(), 1)
}

func TestPeriodicRun(t *testing.T) {
	runner := &fakeRunner{}
	cfg := testConfig()
	cfg.Interval = 50 * time.Millisecond
	d, err := New(runner, t.TempDir(), []record.Kind{record.Invoices}, cfg)
	require.NoError(t, err)
	startDaemon(t, d, runner)

	require.Eventually(t, func() bool { return len(runner.Calls()) >= 3 }, 2*time.Second, 10*time.Millisecond)
	for _, c := range runner.Calls() {
		assert.Equal(t, []string{"invoices"}, c)
	}
}

func TestRunnerErrorKeepsDaemonAlive(t *testing.T) {
	root := t.TempDir()
	runner := &fakeRunner{err: assert.AnError}
	d, err := New(runner, root, record.Kinds(), testConfig())
	require.NoError(t, err)
	startDaemon(t, d, runner)

	dir := filepath.Join(root, record.Invoices.Dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "INV-1.yaml"), []byte("id: INV-1\n"), 0o644))

	require.Eventually(t, func() bool { return len(runner.Calls()) >= 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestOnReport(t *testing.T) {
	runner := &fakeRunner{}
	var mu sync.Mutex
	var reports []*reconcile.Report

	cfg := testConfig()
	cfg.OnReport = func(r *reconcile.Report) {
		mu.Lock()
		defer mu.Unlock()
		reports = append(reports, r)
	}
	d, err := New(runner, t.TempDir(), record.Kinds(), cfg)
	require.NoError(t, err)
	startDaemon(t, d, runner)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reports, 1)
	assert.Equal(t, "run", reports[0].RunID)
}

func TestStopIsIdempotent(t *testing.T) {
	d, err := New(&fakeRunner{}, t.TempDir(), record.Kinds(), testConfig())
	require.NoError(t, err)

	assert.NoError(t, d.Stop())
	assert.NoError(t, d.Stop())
}

func TestMetricsServer(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	runner := &fakeRunner{}
	cfg := testConfig()
	cfg.MetricsAddr = addr
	cfg.MetricsHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("parcelsync_runs_total 1\n"))
	})
	d, err := New(runner, t.TempDir(), record.Kinds(), cfg)
	require.NoError(t, err)
	startDaemon(t, d, runner)

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)
}

func TestMetricsAddrRequiresHandler(t *testing.T) {
	cfg := testConfig()
	cfg.MetricsAddr = "127.0.0.1:0"
	d, err := New(&fakeRunner{}, t.TempDir(), record.Kinds(), cfg)
	require.NoError(t, err)

	assert.Error(t, d.Start(context.Background()))
	assert.Error(t, d.ctx.Err(), "a failed start releases the daemon")
	assert.NoError(t, d.Stop())
}

func TestMetricsAddrInUse(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	cfg := testConfig()
	cfg.MetricsAddr = l.Addr().String()
	cfg.MetricsHandler = http.NotFoundHandler()
	d, err := New(&fakeRunner{}, t.TempDir(), record.Kinds(), cfg)
	require.NoError(t, err)

	assert.Error(t, d.Start(context.Background()))
	assert.Error(t, d.ctx.Err())
}

func TestStartFailsWhenDirectoryVanishes(t *testing.T) {
	root := t.TempDir()
	d, err := New(&fakeRunner{}, root, record.Kinds(), testConfig())
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(filepath.Join(root, record.Invoices.Dir)))

	assert.Error(t, d.Start(context.Background()))
	assert.Error(t, d.ctx.Err(), "a failed start releases the watcher")
	assert.NoError(t, d.Stop())
}

// blockingRunner holds every run until its context is cancelled.
type blockingRunner struct {
	started chan struct{}
	once    sync.Once
}

func (b *blockingRunner) RunKinds(ctx context.Context, kinds ...record.Kind) (*reconcile.Report, error) {
	b.once.Do(func() { close(b.started) })
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Second):
		return &reconcile.Report{}, nil
	}
}

func TestCancelDuringInitialRun(t *testing.T) {
	runner := &blockingRunner{started: make(chan struct{})}
	d, err := New(runner, t.TempDir(), record.Kinds(), testConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	select {
	case <-runner.started:
	case <-time.After(2 * time.Second):
		t.Fatal("initial run never started")
	}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after its context was cancelled")
	}
}

func TestTinyDebounceInterval(t *testing.T) {
	root := t.TempDir()
	runner := &fakeRunner{}
	cfg := testConfig()
	cfg.DebounceInterval = time.Nanosecond
	d, err := New(runner, root, record.Kinds(), cfg)
	require.NoError(t, err)
	startDaemon(t, d, runner)

	dir := filepath.Join(root, record.Invoices.Dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "INV-1.json"), []byte(`{"id":"INV-1"}`), 0o644))

	require.Eventually(t, func() bool { return len(runner.Calls()) >= 2 }, 2*time.Second, 10*time.Millisecond)
}
