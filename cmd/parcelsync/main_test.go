package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelsync/parcelsync/internal/config"
	"github.com/parcelsync/parcelsync/internal/record"
	"github.com/parcelsync/parcelsync/internal/store"
	"github.com/parcelsync/parcelsync/internal/ui"
)

func TestMain(m *testing.M) {
	ui.SetStyled(false)
	os.Exit(m.Run())
}

// cli runs the root command in an empty working directory and resets every
// flag afterwards, since commands are package globals.
func cli(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	t.Cleanup(func() { resetFlags(rootCmd) })

	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func workdir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func seedStore(t *testing.T, path string, kind record.Kind, synced []string, unsynced []string) {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.Initialize(ctx))

	var records []record.Record
	for _, id := range append(append([]string{}, synced...), unsynced...) {
		records = append(records, record.Record{
			ID:           id,
			Date:         "04-01-2025",
			DateReliable: true,
			ChildCount:   1,
			ProcessedAt:  time.Date(2025, 1, 4, 8, 0, 0, 0, time.UTC),
			Parcels:      []record.Parcel{{Number: "P-" + id, RecordID: id, Status: "Retourné", City: "Fès"}},
		})
	}
	require.NoError(t, st.Upsert(ctx, kind, records))
	require.NoError(t, st.MarkSynced(ctx, kind, synced))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitOK, exitCode(nil))
	assert.Equal(t, exitFailed, exitCode(errRunFailed))
	assert.Equal(t, exitFailed, exitCode(errors.New("boom")))
	assert.Equal(t, exitConfig, exitCode(&config.ConfigurationError{Field: "remote.project_id", Reason: "missing"}))
	assert.Equal(t, exitConfig, exitCode(fmt.Errorf("wrapped: %w", &config.ConfigurationError{Field: "kinds"})))
}

func TestNormalizeDate(t *testing.T) {
	code, out, _ := cli(t, "normalize-date", "RN-010125XYZ", "RN-301225XYZ")
	assert.Equal(t, exitOK, code)
	assert.Equal(t, "RN-010125XYZ\t04-01-2025\nRN-301225XYZ\t02-01-2026\n", out)
}

func TestNormalizeDate_Malformed(t *testing.T) {
	code, out, stderr := cli(t, "normalize-date", "RN-150625", "RN010125")
	assert.Equal(t, exitFailed, code)
	assert.Contains(t, out, "RN-150625\t18-06-2025\n")
	assert.Contains(t, out, "RN010125\tUnknown\tno delimiter\n")
	assert.Contains(t, stderr, "1 of 2 ids are malformed")
}

func TestNormalizeDate_RequiresArgs(t *testing.T) {
	code, _, _ := cli(t, "normalize-date")
	assert.Equal(t, exitFailed, code)
}

func TestRun_MissingProjectIsConfigError(t *testing.T) {
	dir := workdir(t)
	t.Setenv("PARCELSYNC_REMOTE_PROJECT_ID", "")

	code, _, stderr := cli(t, "run", "--store", filepath.Join(dir, "s.db"))
	assert.Equal(t, exitConfig, code)
	assert.Contains(t, stderr, "ProjectID")
	assert.NoFileExists(t, filepath.Join(dir, "s.db"), "nothing is attempted on a configuration error")
}

func TestRun_UnknownKindIsConfigError(t *testing.T) {
	dir := workdir(t)
	t.Setenv("PARCELSYNC_REMOTE_PROJECT_ID", "demo")

	code, _, stderr := cli(t, "run", "--store", filepath.Join(dir, "s.db"), "--kind", "credit_notes")
	assert.Equal(t, exitConfig, code)
	assert.Contains(t, stderr, "kind")
}

func TestInit(t *testing.T) {
	dir := workdir(t)
	path := filepath.Join(dir, "data", "parcelsync.db")

	code, out, stderr := cli(t, "init", "--store", path)
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, out, "Local store ready")
	assert.Contains(t, out, "Schema version: 1")
	assert.FileExists(t, path)
}

func TestStatus_NotInitialized(t *testing.T) {
	dir := workdir(t)

	code, out, _ := cli(t, "status", "--store", filepath.Join(dir, "missing.db"))
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "Local store not initialized")
}

func TestStatus_JSON(t *testing.T) {
	dir := workdir(t)
	path := filepath.Join(dir, "s.db")
	seedStore(t, path, record.ReturnNotes, []string{"RN-010125"}, []string{"RN-020125", "RN-030125"})

	code, out, stderr := cli(t, "status", "--store", path, "--json")
	require.Equal(t, exitOK, code, stderr)

	var stats []store.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	require.Len(t, stats, 2)
	assert.Equal(t, "invoices", stats[0].Kind)
	assert.Zero(t, stats[0].Records)
	assert.Equal(t, store.Stats{
		Kind:          "return_notes",
		Records:       3,
		Synced:        1,
		Unsynced:      2,
		Parcels:       3,
		LastProcessed: time.Date(2025, 1, 4, 8, 0, 0, 0, time.UTC),
	}, stats[1])
}

func TestStatus_Text(t *testing.T) {
	dir := workdir(t)
	path := filepath.Join(dir, "s.db")
	seedStore(t, path, record.Invoices, nil, []string{"INV-1"})

	code, out, stderr := cli(t, "status", "--store", path)
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, out, "Records: 1 (synced 0, pending 1)")
	assert.Contains(t, out, "Parcels: 1")
}

func TestUnsynced(t *testing.T) {
	dir := workdir(t)
	path := filepath.Join(dir, "s.db")
	seedStore(t, path, record.ReturnNotes, []string{"RN-010125"}, []string{"RN-020125", "RN-030125"})

	code, out, stderr := cli(t, "unsynced", "--store", path, "--kind", "return-notes")
	require.Equal(t, exitOK, code, stderr)
	assert.Equal(t, "RN-020125\nRN-030125\n", out)

	code, out, stderr = cli(t, "unsynced", "--store", path, "--kind", "invoices", "--json")
	require.Equal(t, exitOK, code, stderr)
	assert.JSONEq(t, `[]`, out)
}

func TestReadCommandsLeaveStoreUntouched(t *testing.T) {
	dir := workdir(t)
	path := filepath.Join(dir, "s.db")
	seedStore(t, path, record.Invoices, nil, []string{"INV-1"})

	db, err := sql.Open("sqlite3", "file:"+path)
	require.NoError(t, err)
	_, err = db.Exec("PRAGMA user_version = 9")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	code, _, stderr := cli(t, "status", "--store", path, "--json")
	require.Equal(t, exitOK, code, stderr)
	code, out, stderr := cli(t, "unsynced", "--store", path, "--kind", "invoices")
	require.Equal(t, exitOK, code, stderr)
	assert.Equal(t, "INV-1\n", out)

	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()
	v, err := st.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 9, v)
}

func TestUnsynced_MissingTables(t *testing.T) {
	dir := workdir(t)
	path := filepath.Join(dir, "fresh.db")

	code, out, stderr := cli(t, "unsynced", "--store", path, "--kind", "invoices", "--json")
	require.Equal(t, exitOK, code, stderr)
	assert.JSONEq(t, `[]`, out)

	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()
	ok, err := st.HasKind(context.Background(), record.Invoices)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUnsynced_RequiresKind(t *testing.T) {
	dir := workdir(t)

	code, _, _ := cli(t, "unsynced", "--store", filepath.Join(dir, "s.db"))
	assert.Equal(t, exitFailed, code)

	code, _, _ = cli(t, "unsynced", "--store", filepath.Join(dir, "s.db"), "--kind", "credit_notes")
	assert.Equal(t, exitConfig, code)
}

func TestConfigFileFlag(t *testing.T) {
	dir := workdir(t)
	path := filepath.Join(dir, "from-file.db")
	cfgPath := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("store:\n  path: "+path+"\n"), 0o644))

	code, _, stderr := cli(t, "init", "--config", cfgPath)
	require.Equal(t, exitOK, code, stderr)
	assert.FileExists(t, path)
}
