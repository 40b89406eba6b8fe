package source

import "fmt"

// ExtractionError reports one record (or export file) that could not be
// extracted. It never aborts a fetch: the record is skipped and, since it
// was never marked synced, it is picked up again on the next run.
type ExtractionError struct {
	Kind     string
	RecordID string
	Path     string
	Line     int
	Err      error
}

func (e *ExtractionError) Error() string {
	loc := e.Path
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d", e.Path, e.Line)
	}
	if e.RecordID != "" {
		return fmt.Sprintf("extract %s %s (%s): %v", e.Kind, e.RecordID, loc, e.Err)
	}
	return fmt.Sprintf("extract %s (%s): %v", e.Kind, loc, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}
