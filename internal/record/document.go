package record

import "time"

// Document is the remote representation of one record: a parent document and
// its parcel children. A Document is always written as a whole.
type Document struct {
	ID       string
	Fields   map[string]any
	Children []ChildDocument
}

// ChildDocument lives in Collection under its parent document.
type ChildDocument struct {
	Collection string
	ID         string
	Fields     map[string]any
}

// Writes is the number of document writes committing d costs.
func (d Document) Writes() int {
	return 1 + len(d.Children)
}

// unknown is shown remotely in place of missing text values.
const unknown = "Unknown"

// Remote field names shared with the documents existing consumers read.
const (
	FieldParcelsCount = "parcelsCount"
	FieldTotalAmount  = "totalAmount"
	FieldSynced       = "syncedToFirebase"
)

// Document maps r to its remote form. The synced field is written as true:
// a document only exists remotely once its commit succeeded.
func (k Kind) Document(r Record) Document {
	updated := r.ProcessedAt.UTC()
	if updated.IsZero() {
		updated = time.Now().UTC()
	}

	fields := map[string]any{
		k.IDField:         r.ID,
		"date":            orUnknown(r.Date),
		"dateReliable":    r.DateReliable,
		FieldParcelsCount: r.ChildCount,
		"processedAt":     updated,
		"lastUpdated":     updated,
		FieldSynced:       true,
	}
	if k.HasAmounts {
		fields[FieldTotalAmount] = r.Total
	}

	children := make([]ChildDocument, 0, len(r.Parcels))
	for _, p := range r.Parcels {
		cf := map[string]any{
			"parcelNumber": p.Number,
			"status":       orUnknown(p.Status),
			"city":         orUnknown(p.City),
			"lastUpdated":  updated,
		}
		if k.HasAmounts {
			cf["amount"] = p.Amount
		}
		children = append(children, ChildDocument{
			Collection: k.ParcelCollection,
			ID:         p.Number,
			Fields:     cf,
		})
	}

	return Document{ID: r.ID, Fields: fields, Children: children}
}

// Documents maps every record with k.Document.
func (k Kind) Documents(records []Record) []Document {
	docs := make([]Document, len(records))
	for i, r := range records {
		docs[i] = k.Document(r)
	}
	return docs
}

func orUnknown(s string) string {
	if s == "" {
		return unknown
	}
	return s
}
