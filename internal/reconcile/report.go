package reconcile

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// Kind statuses reported by KindReport.Status.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// Report summarizes one run.
type Report struct {
	RunID      string       `json:"run_id"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Kinds      []KindReport `json:"kinds"`
}

// KindReport summarizes one record kind within a run.
type KindReport struct {
	Kind  string `json:"kind"`
	Stage Stage  `json:"-"`

	// Candidates is the number of raw records the collaborator returned.
	Candidates         int `json:"candidates"`
	Skipped            int `json:"skipped"`
	ExtractionFailures int `json:"extraction_failures"`
	MalformedDates     int `json:"malformed_dates"`
	Persisted          int `json:"persisted"`

	// Retried counts records left unsynced by an earlier run and committed
	// again in this one.
	Retried      int `json:"retried"`
	Committed    int `json:"committed"`
	FailedChunks int `json:"failed_chunks"`

	// Unsynced is the number of records still pending after the run.
	Unsynced int `json:"unsynced"`

	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// Status classifies the outcome: failed when a step aborted or nothing could
// be committed, partial when some chunks failed, success otherwise.
func (k KindReport) Status() string {
	switch {
	case k.Stage == StageFailed:
		return StatusFailed
	case k.FailedChunks > 0 && k.Committed == 0:
		return StatusFailed
	case k.FailedChunks > 0:
		return StatusPartial
	case k.Err != nil:
		return StatusFailed
	default:
		return StatusSuccess
	}
}

// Failed reports whether any kind did not fully succeed.
func (r *Report) Failed() bool {
	for _, k := range r.Kinds {
		if k.Status() != StatusSuccess {
			return true
		}
	}
	return false
}

// Kind returns the report for kind, if it was part of the run.
func (r *Report) Kind(name string) (KindReport, bool) {
	for _, k := range r.Kinds {
		if k.Kind == name {
			return k, true
		}
	}
	return KindReport{}, false
}

// Render writes a plain-text per-kind summary.
func (r *Report) Render(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "run %s\n", r.RunID); err != nil {
		return err
	}
	for _, k := range r.Kinds {
		var b strings.Builder
		fmt.Fprintf(&b, "  %-12s %-7s persisted=%d committed=%d unsynced=%d candidates=%d skipped=%d retried=%d",
			k.Kind, k.Status(), k.Persisted, k.Committed, k.Unsynced, k.Candidates, k.Skipped, k.Retried)
		if k.ExtractionFailures > 0 {
			fmt.Fprintf(&b, " extraction_failures=%d", k.ExtractionFailures)
		}
		if k.MalformedDates > 0 {
			fmt.Fprintf(&b, " malformed_dates=%d", k.MalformedDates)
		}
		if k.FailedChunks > 0 {
			fmt.Fprintf(&b, " failed_chunks=%d", k.FailedChunks)
		}
		b.WriteByte('\n')
		if k.Err != nil {
			fmt.Fprintf(&b, "    error: %v\n", k.Err)
		}
		if _, err := io.WriteString(w, b.String()); err != nil {
			return err
		}
	}
	return nil
}
