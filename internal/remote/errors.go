package remote

import (
	"errors"
	"fmt"
	"strings"
)

// ErrChunkTooLarge is returned for a single document whose writes exceed the
// per-commit write limit. Such a document is never sent.
var ErrChunkTooLarge = errors.New("document exceeds the per-commit write limit")

// RemoteCommitError reports one failed chunk. None of the chunk's documents
// were written.
type RemoteCommitError struct {
	Collection string
	Chunk      int
	IDs        []string
	Err        error
}

func (e *RemoteCommitError) Error() string {
	return fmt.Sprintf("remote commit of %s chunk %d [%s]: %v",
		e.Collection, e.Chunk, strings.Join(e.IDs, ", "), e.Err)
}

func (e *RemoteCommitError) Unwrap() error {
	return e.Err
}
