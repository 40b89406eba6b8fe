// Package record defines the two synchronized record kinds (invoices and
// return notes), their parcels, and the per-kind descriptor that every other
// package uses instead of branching on a kind name.
package record

import (
	"fmt"
	"strings"
)

// Kind describes how one record type is stored locally and remotely.
// Descriptors are resolved once (via Lookup or the package variables) and
// passed around by value.
type Kind struct {
	// Name is the canonical kind name used in config, logs and metrics.
	Name string

	// Table and ParcelTable are the local SQLite tables.
	Table       string
	ParcelTable string

	// Collection is the remote top-level collection; parcels live in the
	// ParcelCollection subcollection of each record document.
	Collection       string
	ParcelCollection string

	// IDField names the remote field that repeats the document id.
	IDField string

	// Dir is the export sub-directory the file source reads.
	Dir string

	// HasAmounts is set when records carry a total and parcels an amount.
	HasAmounts bool

	// DateFromID is set when the record date is derived from its identifier.
	DateFromID bool
}

var (
	// Invoices are priced delivery invoices.
	Invoices = Kind{
		Name:             "invoices",
		Table:            "invoices",
		ParcelTable:      "invoice_parcels",
		Collection:       "invoices",
		ParcelCollection: "parcels",
		IDField:          "invoiceId",
		Dir:              "invoices",
		HasAmounts:       true,
	}

	// ReturnNotes list parcels returned to the sender. They carry no amounts
	// and their date is encoded in the note identifier.
	ReturnNotes = Kind{
		Name:             "return_notes",
		Table:            "return_notes",
		ParcelTable:      "return_note_parcels",
		Collection:       "returnNotes",
		ParcelCollection: "parcels",
		IDField:          "returnNoteId",
		Dir:              "return-notes",
		DateFromID:       true,
	}
)

// Kinds returns every known kind in reconciliation order.
func Kinds() []Kind {
	return []Kind{Invoices, ReturnNotes}
}

// Lookup resolves a kind by name. Dashes and case are ignored, so
// "return-notes" and "Return_Notes" both resolve to ReturnNotes.
func Lookup(name string) (Kind, error) {
	n := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), "-", "_"))
	for _, k := range Kinds() {
		if k.Name == n {
			return k, nil
		}
	}
	return Kind{}, fmt.Errorf("unknown record kind %q", name)
}

// LookupAll resolves every name, failing on the first unknown one.
func LookupAll(names []string) ([]Kind, error) {
	kinds := make([]Kind, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		k, err := Lookup(name)
		if err != nil {
			return nil, err
		}
		if seen[k.Name] {
			continue
		}
		seen[k.Name] = true
		kinds = append(kinds, k)
	}
	return kinds, nil
}

func (k Kind) String() string {
	return k.Name
}
