package reconcile

import (
	"context"

	"github.com/parcelsync/parcelsync/internal/record"
	"github.com/parcelsync/parcelsync/internal/remote"
	"github.com/parcelsync/parcelsync/internal/store"
)

// Source is the extraction collaborator. FetchCandidates returns the raw
// records of kind that may need work, leaving out ids in exclude (records
// already confirmed remotely) so their extraction is skipped.
//
// Per-record extraction failures belong in Batch.Failures; the returned
// error is reserved for failures of the whole fetch.
type Source interface {
	FetchCandidates(ctx context.Context, kind record.Kind, exclude map[string]struct{}) (Batch, error)
}

// Batch is one fetch result.
type Batch struct {
	Records  []record.RawRecord
	Failures []error
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, kind record.Kind, exclude map[string]struct{}) (Batch, error)

// FetchCandidates implements Source.
func (f SourceFunc) FetchCandidates(ctx context.Context, kind record.Kind, exclude map[string]struct{}) (Batch, error) {
	return f(ctx, kind, exclude)
}

// LocalStore is the subset of *store.Store the coordinator uses.
type LocalStore interface {
	Initialize(ctx context.Context, kinds ...record.Kind) error
	Upsert(ctx context.Context, kind record.Kind, records []record.Record) error
	UnsyncedIDs(ctx context.Context, kind record.Kind) ([]string, error)
	SyncedIDs(ctx context.Context, kind record.Kind) ([]string, error)
	MarkSynced(ctx context.Context, kind record.Kind, ids []string) error
	Records(ctx context.Context, kind record.Kind, ids []string) ([]record.Record, error)
	Close() error
}

// Opener opens the local store for one run. The coordinator closes what it
// opens.
type Opener func(ctx context.Context) (LocalStore, error)

// StoreOpener opens the SQLite store at path.
func StoreOpener(path string) Opener {
	return func(context.Context) (LocalStore, error) {
		st, err := store.Open(path)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
}

// Remote commits documents in chunks. *remote.Client implements it.
type Remote interface {
	CommitBatch(ctx context.Context, collection string, docs []record.Document, onChunk func(remote.ChunkResult)) remote.Result
}
