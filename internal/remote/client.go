// Package remote commits records to the remote document store in bounded,
// independently atomic chunks.
//
// A batch of documents is split by Chunk; each chunk is handed to a
// Committer as one atomic commit. Chunks are independent: one failing does
// not stop, undo or reorder the others, and the caller learns the outcome of
// every chunk through ChunkResult callbacks as soon as it is known.
package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/parcelsync/parcelsync/internal/record"
)

// Committer writes docs (parents and their children) into collection as a
// single atomic commit: either every write lands or none does.
type Committer interface {
	Commit(ctx context.Context, collection string, docs []record.Document) error
}

// Options bound the size and parallelism of remote commits.
type Options struct {
	// MaxRecords is the chunk size limit in documents.
	MaxRecords int

	// MaxWrites caps the writes (document + children) per commit. Firestore
	// rejects commits above 500 writes.
	MaxWrites int

	// Concurrency is the number of chunks committed at once.
	Concurrency int

	// Timeout bounds each chunk commit. Zero means no timeout.
	Timeout time.Duration
}

// DefaultOptions returns conservative limits that fit Firestore.
func DefaultOptions() Options {
	return Options{
		MaxRecords:  50,
		MaxWrites:   500,
		Concurrency: 1,
		Timeout:     30 * time.Second,
	}
}

// ChunkResult is the outcome of committing one chunk.
type ChunkResult struct {
	Index    int
	IDs      []string
	Writes   int
	Duration time.Duration

	// Err is nil on success, otherwise a *RemoteCommitError.
	Err error
}

// Result collects every chunk outcome of one CommitBatch call, in chunk order.
type Result struct {
	Collection string
	Chunks     []ChunkResult
}

// CommittedIDs returns the ids of every successfully committed document.
func (r Result) CommittedIDs() []string {
	var ids []string
	for _, c := range r.Chunks {
		if c.Err == nil {
			ids = append(ids, c.IDs...)
		}
	}
	return ids
}

// Failed returns the chunks whose commit failed.
func (r Result) Failed() []ChunkResult {
	var failed []ChunkResult
	for _, c := range r.Chunks {
		if c.Err != nil {
			failed = append(failed, c)
		}
	}
	return failed
}

// Err joins the errors of all failed chunks, or returns nil.
func (r Result) Err() error {
	var errs []error
	for _, c := range r.Failed() {
		errs = append(errs, c.Err)
	}
	return errors.Join(errs...)
}

// Client commits documents through a Committer.
type Client struct {
	committer Committer
	opts      Options
	logger    logrus.FieldLogger
}

// NewClient validates opts and returns a Client. If logger is nil, a default
// logger writing to stderr is used.
func NewClient(committer Committer, opts Options, logger logrus.FieldLogger) (*Client, error) {
	if committer == nil {
		return nil, fmt.Errorf("remote client requires a committer")
	}
	if opts.MaxRecords < 1 {
		return nil, fmt.Errorf("max records per commit must be at least 1, got %d", opts.MaxRecords)
	}
	if opts.MaxWrites < 1 {
		return nil, fmt.Errorf("max writes per commit must be at least 1, got %d", opts.MaxWrites)
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if logger == nil {
		l := logrus.New()
		l.SetOutput(os.Stderr)
		logger = l
	}
	return &Client{committer: committer, opts: opts, logger: logger}, nil
}

// Options returns the client's effective options.
func (c *Client) Options() Options {
	return c.opts
}

// CommitBatch chunks docs and commits every chunk into collection.
//
// onChunk, when non-nil, is called once per chunk right after that chunk's
// commit returns. With Concurrency > 1 it is called from several goroutines
// at once and must be safe for that. A canceled ctx fails the chunks that
// have not been sent yet.
func (c *Client) CommitBatch(ctx context.Context, collection string, docs []record.Document, onChunk func(ChunkResult)) Result {
	chunks, _ := Chunk(docs, c.opts.MaxRecords, c.opts.MaxWrites) // limits validated by NewClient
	result := Result{Collection: collection, Chunks: make([]ChunkResult, len(chunks))}
	if len(chunks) == 0 {
		return result
	}

	log := c.logger.WithFields(logrus.Fields{
		"collection": collection,
		"documents":  len(docs),
		"chunks":     len(chunks),
	})
	log.Debug("Committing batch")

	var g errgroup.Group
	g.SetLimit(c.opts.Concurrency)

	for i, chunk := range chunks {
		g.Go(func() error {
			res := c.commitChunk(ctx, collection, i, chunk)
			result.Chunks[i] = res

			if res.Err != nil {
				log.WithField("chunk", i).WithError(res.Err).Warn("Chunk commit failed")
			} else {
				log.WithFields(logrus.Fields{"chunk": i, "records": len(res.IDs), "took": res.Duration}).Debug("Chunk committed")
			}
			if onChunk != nil {
				onChunk(res)
			}
			// chunk failures never cancel siblings
			return nil
		})
	}
	_ = g.Wait()

	return result
}

func (c *Client) commitChunk(ctx context.Context, collection string, index int, docs []record.Document) ChunkResult {
	res := ChunkResult{Index: index, IDs: docIDs(docs), Writes: writes(docs)}
	fail := func(err error) ChunkResult {
		res.Err = &RemoteCommitError{Collection: collection, Chunk: index, IDs: res.IDs, Err: err}
		return res
	}

	if res.Writes > c.opts.MaxWrites {
		return fail(fmt.Errorf("%w: %d writes, limit %d", ErrChunkTooLarge, res.Writes, c.opts.MaxWrites))
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := c.committer.Commit(ctx, collection, docs)
	res.Duration = time.Since(start)
	if err != nil {
		return fail(err)
	}
	return res
}

// CommitRecords maps items with toDocument and commits them with client.
func CommitRecords[T any](ctx context.Context, client *Client, collection string, items []T, toDocument func(T) record.Document, onChunk func(ChunkResult)) Result {
	docs := make([]record.Document, len(items))
	for i, item := range items {
		docs[i] = toDocument(item)
	}
	return client.CommitBatch(ctx, collection, docs, onChunk)
}
