package remote

import (
	"fmt"

	"github.com/parcelsync/parcelsync/internal/record"
)

// Chunk splits docs into ordered chunks of at most maxRecords documents and
// at most maxWrites document writes (a document plus its children). With
// maxRecords 2 and five single-parcel documents the chunk sizes are 2, 2, 1.
//
// A document that alone needs more than maxWrites writes is placed in a
// chunk of its own; committing that chunk fails with ErrChunkTooLarge.
// maxWrites <= 0 disables the write cap.
func Chunk(docs []record.Document, maxRecords, maxWrites int) ([][]record.Document, error) {
	if maxRecords < 1 {
		return nil, fmt.Errorf("chunk limit must be at least 1, got %d", maxRecords)
	}

	var (
		chunks  [][]record.Document
		current []record.Document
		writes  int
	)
	for _, d := range docs {
		w := d.Writes()
		full := len(current) == maxRecords || (maxWrites > 0 && writes+w > maxWrites)
		if len(current) > 0 && full {
			chunks = append(chunks, current)
			current, writes = nil, 0
		}
		current = append(current, d)
		writes += w
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks, nil
}

func docIDs(docs []record.Document) []string {
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	return ids
}

func writes(docs []record.Document) int {
	n := 0
	for _, d := range docs {
		n += d.Writes()
	}
	return n
}
