package reconcile

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/parcelsync/parcelsync/internal/record"
	"github.com/parcelsync/parcelsync/internal/remote"
	"github.com/parcelsync/parcelsync/internal/store"
)

var testNow = time.Date(2025, time.March, 10, 8, 30, 0, 0, time.UTC)

// fakeSource serves fixed raw records per kind and honors exclude unless
// ignoreExclude is set.
type fakeSource struct {
	mu            sync.Mutex
	records       map[string][]record.RawRecord
	failures      map[string][]error
	errs          map[string]error
	ignoreExclude bool
	excludes      map[string][]map[string]struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		records:  map[string][]record.RawRecord{},
		failures: map[string][]error{},
		errs:     map[string]error{},
		excludes: map[string][]map[string]struct{}{},
	}
}

func (s *fakeSource) add(kind record.Kind, raws ...record.RawRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[kind.Name] = append(s.records[kind.Name], raws...)
}

func (s *fakeSource) FetchCandidates(_ context.Context, kind record.Kind, exclude map[string]struct{}) (Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.excludes[kind.Name] = append(s.excludes[kind.Name], exclude)
	if err := s.errs[kind.Name]; err != nil {
		return Batch{}, err
	}

	var out []record.RawRecord
	for _, r := range s.records[kind.Name] {
		if _, skip := exclude[r.ID]; skip && !s.ignoreExclude {
			continue
		}
		out = append(out, r)
	}
	return Batch{Records: out, Failures: s.failures[kind.Name]}, nil
}

// fakeCommitter keeps committed documents in memory.
type fakeCommitter struct {
	mu      sync.Mutex
	failOn  map[string]error
	commits map[string][][]string
	docs    map[string]record.Document
}

func newFakeCommitter() *fakeCommitter {
	return &fakeCommitter{
		failOn:  map[string]error{},
		commits: map[string][][]string{},
		docs:    map[string]record.Document{},
	}
}

func (f *fakeCommitter) Commit(ctx context.Context, collection string, docs []record.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	for _, d := range docs {
		if err, ok := f.failOn[d.ID]; ok {
			return err
		}
	}
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
		f.docs[collection+"/"+d.ID] = d
	}
	f.commits[collection] = append(f.commits[collection], ids)
	return nil
}

func (f *fakeCommitter) doc(collection, id string) (record.Document, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[collection+"/"+id]
	return d, ok
}

// trackingStore wraps a LocalStore to inject failures and observe Close.
type trackingStore struct {
	LocalStore
	upsertErr map[string]error
	markErr   error
	closed    *bool
}

func (s trackingStore) Upsert(ctx context.Context, kind record.Kind, records []record.Record) error {
	if err := s.upsertErr[kind.Name]; err != nil {
		return err
	}
	return s.LocalStore.Upsert(ctx, kind, records)
}

func (s trackingStore) MarkSynced(ctx context.Context, kind record.Kind, ids []string) error {
	if s.markErr != nil {
		return s.markErr
	}
	return s.LocalStore.MarkSynced(ctx, kind, ids)
}

func (s trackingStore) Close() error {
	*s.closed = true
	return s.LocalStore.Close()
}

type harness struct {
	t         *testing.T
	path      string
	source    *fakeSource
	committer *fakeCommitter
	remote    *remote.Client
	closed    bool
	upsertErr map[string]error
	markErr   error
}

func newHarness(t *testing.T, maxRecords, concurrency int) *harness {
	t.Helper()
	logger, _ := test.NewNullLogger()
	fc := newFakeCommitter()
	client, err := remote.NewClient(fc, remote.Options{
		MaxRecords:  maxRecords,
		MaxWrites:   500,
		Concurrency: concurrency,
	}, logger)
	require.NoError(t, err)

	return &harness{
		t:         t,
		path:      filepath.Join(t.TempDir(), "parcelsync.db"),
		source:    newFakeSource(),
		committer: fc,
		remote:    client,
		upsertErr: map[string]error{},
	}
}

func (h *harness) opener() Opener {
	base := StoreOpener(h.path)
	return func(ctx context.Context) (LocalStore, error) {
		h.closed = false
		st, err := base(ctx)
		if err != nil {
			return nil, err
		}
		return trackingStore{LocalStore: st, upsertErr: h.upsertErr, markErr: h.markErr, closed: &h.closed}, nil
	}
}

func (h *harness) coordinator(kinds ...record.Kind) *Coordinator {
	h.t.Helper()
	logger, _ := test.NewNullLogger()
	c, err := New(Options{
		Open:   h.opener(),
		Source: h.source,
		Remote: h.remote,
		Kinds:  kinds,
		Logger: logger,
		Now:    func() time.Time { return testNow },
	})
	require.NoError(h.t, err)
	return c
}

func (h *harness) run(kinds ...record.Kind) *Report {
	h.t.Helper()
	rep, err := h.coordinator(kinds...).Run(context.Background())
	require.NoError(h.t, err)
	require.True(h.t, h.closed, "store must be closed after the run")
	return rep
}

// inspect opens the store after a run; the coordinator must have released it.
func (h *harness) inspect(fn func(st *store.Store)) {
	h.t.Helper()
	st, err := store.Open(h.path)
	require.NoError(h.t, err)
	defer st.Close()
	fn(st)
}

func (h *harness) unsynced(kind record.Kind) []string {
	var ids []string
	h.inspect(func(st *store.Store) {
		var err error
		ids, err = st.UnsyncedIDs(context.Background(), kind)
		require.NoError(h.t, err)
	})
	return ids
}

func (h *harness) synced(kind record.Kind) []string {
	var ids []string
	h.inspect(func(st *store.Store) {
		var err error
		ids, err = st.SyncedIDs(context.Background(), kind)
		require.NoError(h.t, err)
	})
	return ids
}

func rawInvoice(id string, parcels ...string) record.RawRecord {
	r := record.RawRecord{
		ID:    id,
		Date:  "01/03/2025",
		Total: fmt.Sprintf("%d DH", 100*len(parcels)),
	}
	for _, p := range parcels {
		r.Parcels = append(r.Parcels, record.RawParcel{Number: p, Status: "Livré", City: "Rabat", Amount: "100 DH"})
	}
	return r
}

func rawReturnNote(id string, parcels ...string) record.RawRecord {
	r := record.RawRecord{ID: id}
	for _, p := range parcels {
		r.Parcels = append(r.Parcels, record.RawParcel{Number: p, Status: "Retourné", City: "Tanger"})
	}
	return r
}
