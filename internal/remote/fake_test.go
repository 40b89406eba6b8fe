package remote

import (
	"context"
	"sync"

	"github.com/parcelsync/parcelsync/internal/record"
)

// fakeCommitter records committed documents and fails chunks on demand.
type fakeCommitter struct {
	mu      sync.Mutex
	commits [][]string
	docs    map[string]record.Document
	failOn  map[string]error // fail any chunk containing this id
	hook    func()
}

func newFakeCommitter() *fakeCommitter {
	return &fakeCommitter{docs: map[string]record.Document{}, failOn: map[string]error{}}
}

func (f *fakeCommitter) Commit(ctx context.Context, collection string, docs []record.Document) error {
	if f.hook != nil {
		f.hook()
	}
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
	f.commits = append(f.commits, ids)
	return nil
}

func docs(n int, children int) []record.Document {
	out := make([]record.Document, n)
	for i := range out {
		d := record.Document{ID: string(rune('A' + i))}
		for c := 0; c < children; c++ {
			d.Children = append(d.Children, record.ChildDocument{Collection: "parcels", ID: string(rune('a' + c))})
		}
		out[i] = d
	}
	return out
}
