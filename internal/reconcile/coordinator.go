// Package reconcile drives one reconciliation run: it moves candidate
// records from the extraction collaborator into the local store, commits
// them remotely in chunks, and flags them synced once each chunk is
// confirmed.
//
// Per record kind, a run walks this state machine:
//
//	start -> synced_ids_fetched -> candidates_filtered -> locally_persisted
//	      -> remotely_committed / flagged_synced (per chunk) -> done
//
// Any stage can end in failed. The local store is opened at the start of a
// run and closed on every exit path. Records that are persisted but not yet
// confirmed remotely stay unsynced and are committed again on the next run,
// whether or not the collaborator still lists them.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/parcelsync/parcelsync/internal/datenorm"
	"github.com/parcelsync/parcelsync/internal/metrics"
	"github.com/parcelsync/parcelsync/internal/record"
	"github.com/parcelsync/parcelsync/internal/remote"
)

// Options configure a Coordinator.
type Options struct {
	Open   Opener
	Source Source
	Remote Remote

	// Kinds reconciled by Run, in order. Empty means every known kind.
	Kinds []record.Kind

	// Logger defaults to a stderr logger.
	Logger logrus.FieldLogger

	// Metrics may be nil.
	Metrics *metrics.Metrics

	// Now defaults to time.Now; it stamps processedAt.
	Now func() time.Time
}

// Coordinator runs reconciliations. Runs are serialized: a second Run waits
// for the first to finish.
type Coordinator struct {
	mu      sync.Mutex
	open    Opener
	source  Source
	remote  Remote
	kinds   []record.Kind
	logger  logrus.FieldLogger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New validates opts and returns a Coordinator.
func New(opts Options) (*Coordinator, error) {
	if opts.Open == nil {
		return nil, errors.New("reconcile: store opener is required")
	}
	if opts.Source == nil {
		return nil, errors.New("reconcile: source is required")
	}
	if opts.Remote == nil {
		return nil, errors.New("reconcile: remote client is required")
	}
	if len(opts.Kinds) == 0 {
		opts.Kinds = record.Kinds()
	}
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(os.Stderr)
		opts.Logger = l
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		open:    opts.Open,
		source:  opts.Source,
		remote:  opts.Remote,
		kinds:   opts.Kinds,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Now,
	}, nil
}

// Kinds returns the kinds Run reconciles.
func (c *Coordinator) Kinds() []record.Kind {
	return append([]record.Kind(nil), c.kinds...)
}

// Run reconciles every configured kind.
func (c *Coordinator) Run(ctx context.Context) (*Report, error) {
	return c.RunKinds(ctx, c.kinds...)
}

// RunKinds reconciles the given kinds in order.
//
// The returned error is non-nil only when the run could not start (the
// local store failed to open or initialize); nothing was attempted then.
// Per-kind failures are recorded in the report and do not stop the other
// kinds.
func (c *Coordinator) RunKinds(ctx context.Context, kinds ...record.Kind) (*Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(kinds) == 0 {
		kinds = c.kinds
	}

	report := &Report{RunID: uuid.NewString(), StartedAt: c.now().UTC()}
	log := c.logger.WithField("run_id", report.RunID)

	st, err := c.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.WithError(err).Warn("Failed to close local store")
		}
	}()

	if err := st.Initialize(ctx, kinds...); err != nil {
		return nil, fmt.Errorf("failed to initialize local store: %w", err)
	}

	log.WithField("kinds", len(kinds)).Info("Reconciliation started")
	for _, kind := range kinds {
		report.Kinds = append(report.Kinds, c.reconcileKind(ctx, st, kind, log.WithField("kind", kind.Name)))
	}
	report.FinishedAt = c.now().UTC()

	log.WithFields(logrus.Fields{
		"failed": report.Failed(),
		"took":   report.FinishedAt.Sub(report.StartedAt),
	}).Info("Reconciliation finished")
	return report, nil
}

func (c *Coordinator) reconcileKind(ctx context.Context, st LocalStore, kind record.Kind, log logrus.FieldLogger) (kr KindReport) {
	kr = KindReport{Kind: kind.Name, Stage: StageStart}
	tracker := c.metrics.Track(kind.Name)
	start := time.Now()

	// Bookkeeping after a commit was confirmed must not be lost to a
	// canceled run.
	bg := context.WithoutCancel(ctx)

	defer func() {
		kr.Duration = time.Since(start)
		if ids, err := st.UnsyncedIDs(bg, kind); err == nil {
			kr.Unsynced = len(ids)
			c.metrics.SetUnsynced(kind.Name, kr.Unsynced)
		}
		_ = tracker.End(kr.Err)

		entry := log.WithFields(logrus.Fields{
			"status":        kr.Status(),
			"candidates":    kr.Candidates,
			"skipped":       kr.Skipped,
			"persisted":     kr.Persisted,
			"retried":       kr.Retried,
			"committed":     kr.Committed,
			"failed_chunks": kr.FailedChunks,
			"unsynced":      kr.Unsynced,
			"took":          kr.Duration,
		})
		if kr.Err != nil {
			entry.WithError(kr.Err).Warn("Record kind reconciled with errors")
		} else {
			entry.Info("Record kind reconciled")
		}
	}()

	advance := func(s Stage) {
		kr.Stage = s
		log.WithField("stage", s.String()).Debug("Stage reached")
	}
	fail := func(err error) KindReport {
		kr.Err = err
		log.WithField("stage", kr.Stage.String()).WithError(err).Error("Reconciliation step failed")
		kr.Stage = StageFailed
		return kr
	}

	// 1. Fix the synced/unsynced split before asking for candidates.
	syncedIDs, err := st.SyncedIDs(ctx, kind)
	if err != nil {
		return fail(err)
	}
	unsyncedIDs, err := st.UnsyncedIDs(ctx, kind)
	if err != nil {
		return fail(err)
	}
	advance(StageSyncedIDsFetched)

	// 2. Extract and filter candidates.
	batch, err := c.source.FetchCandidates(ctx, kind, toSet(syncedIDs))
	if err != nil {
		return fail(fmt.Errorf("failed to fetch candidates: %w", err))
	}
	for _, ferr := range batch.Failures {
		log.WithError(ferr).Warn("Extraction failed, record skipped")
	}
	kr.ExtractionFailures = len(batch.Failures)
	kr.Candidates = len(batch.Records)
	c.metrics.AddRecords(kind.Name, metrics.OutcomeFailed, kr.ExtractionFailures)

	candidates, seen := c.filter(kind, batch.Records, &kr, log)
	c.metrics.AddRecords(kind.Name, metrics.OutcomeSkipped, kr.Skipped)
	advance(StageCandidatesFiltered)

	// 3. Persist every candidate in one transaction.
	if err := st.Upsert(ctx, kind, candidates); err != nil {
		return fail(err)
	}
	kr.Persisted = len(candidates)
	c.metrics.AddRecords(kind.Name, metrics.OutcomePersisted, kr.Persisted)
	advance(StageLocallyPersisted)

	// Records persisted by an earlier run whose commit never confirmed.
	var pendingIDs []string
	for _, id := range unsyncedIDs {
		if _, ok := seen[id]; !ok {
			pendingIDs = append(pendingIDs, id)
		}
	}
	pending, err := st.Records(ctx, kind, pendingIDs)
	if err != nil {
		return fail(err)
	}
	kr.Retried = len(pending)
	if kr.Retried > 0 {
		log.WithField("records", kr.Retried).Info("Retrying records left unsynced by an earlier run")
	}

	work := append(candidates, pending...)
	if len(work) == 0 {
		advance(StageDone)
		return kr
	}

	// 4 + 5. Commit chunk by chunk; flag each chunk as soon as it is confirmed.
	var (
		mu       sync.Mutex
		markErrs []error
	)
	result := c.remote.CommitBatch(ctx, kind.Collection, kind.Documents(work), func(ch remote.ChunkResult) {
		c.metrics.ObserveChunk(kind.Name, ch.Err)
		if ch.Err != nil {
			c.metrics.AddRecords(kind.Name, metrics.OutcomeFailed, len(ch.IDs))
			return
		}
		c.metrics.AddRecords(kind.Name, metrics.OutcomeCommitted, len(ch.IDs))

		clog := log.WithField("chunk", ch.Index)
		clog.WithField("stage", StageRemotelyCommitted.String()).Debug("Stage reached")

		err := st.MarkSynced(bg, kind, ch.IDs)

		mu.Lock()
		defer mu.Unlock()
		kr.Committed += len(ch.IDs)
		if err != nil {
			clog.WithError(err).Error("Chunk committed remotely but not flagged synced; it will be committed again next run")
			markErrs = append(markErrs, err)
			return
		}
		clog.WithField("stage", StageFlaggedSynced.String()).Debug("Stage reached")
	})
	advance(StageRemotelyCommitted)

	kr.FailedChunks = len(result.Failed())
	if len(markErrs) > 0 {
		return fail(errors.Join(markErrs...))
	}
	if kr.Committed > 0 {
		advance(StageFlaggedSynced)
	}
	if err := result.Err(); err != nil {
		kr.Err = err
	}
	advance(StageDone)
	return kr
}

// filter normalizes raw candidates and drops those that must not be
// written. It returns the candidates in first-seen order (a repeated id
// keeps its last version) and the set of their ids.
func (c *Coordinator) filter(kind record.Kind, raws []record.RawRecord, kr *KindReport, log logrus.FieldLogger) ([]record.Record, map[string]struct{}) {
	now := c.now()
	index := make(map[string]int, len(raws))
	candidates := make([]record.Record, 0, len(raws))

	for _, raw := range raws {
		rec, warnings := kind.Normalize(raw, now)
		rlog := log.WithField("record_id", rec.ID)

		if rec.ID == "" {
			kr.Skipped++
			rlog.Warn("Candidate without id skipped")
			continue
		}
		if len(rec.Parcels) == 0 {
			// zero-parcel parents are never written
			kr.Skipped++
			rlog.Debug("Candidate has no parcels, skipped")
			continue
		}

		for _, w := range warnings {
			if errors.Is(w, datenorm.ErrMalformedIdentifier) {
				kr.MalformedDates++
				rlog.WithError(w).Warnf("Date unknown, stored as %q", datenorm.UnknownDate)
				continue
			}
			rlog.WithError(w).Warn("Candidate normalized with substitutions")
		}

		if i, dup := index[rec.ID]; dup {
			candidates[i] = rec
			continue
		}
		index[rec.ID] = len(candidates)
		candidates = append(candidates, rec)
	}

	seen := make(map[string]struct{}, len(index))
	for id := range index {
		seen[id] = struct{}{}
	}
	return candidates, seen
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
