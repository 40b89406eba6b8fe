package record

import "time"

// Record is a normalized invoice or return note as persisted locally.
type Record struct {
	ID string

	// Date is DD-MM-YYYY for return notes, the exported value for invoices,
	// or datenorm.UnknownDate.
	Date string

	// DateReliable is false when Date is the sentinel because the source
	// value was missing or malformed.
	DateReliable bool

	// Total is zero for kinds without amounts.
	Total      float64
	ChildCount int
	Synced     bool

	ProcessedAt time.Time
	Parcels     []Parcel
}

// Parcel is a child of exactly one Record.
type Parcel struct {
	Number   string
	RecordID string
	Status   string
	City     string
	Amount   float64
	Synced   bool
}

// RawRecord is a record as produced by the extraction collaborator, before
// normalization. All values are the strings shown on the source pages.
type RawRecord struct {
	ID          string      `json:"id" yaml:"id"`
	Date        string      `json:"date,omitempty" yaml:"date,omitempty"`
	Total       string      `json:"total,omitempty" yaml:"total,omitempty"`
	ParcelCount string      `json:"parcelsCount,omitempty" yaml:"parcelsCount,omitempty"`
	Parcels     []RawParcel `json:"parcels" yaml:"parcels"`
}

// RawParcel is an un-normalized parcel row.
type RawParcel struct {
	Number string `json:"parcelNumber" yaml:"parcelNumber"`
	Status string `json:"status,omitempty" yaml:"status,omitempty"`
	City   string `json:"city,omitempty" yaml:"city,omitempty"`
	Date   string `json:"date,omitempty" yaml:"date,omitempty"`
	Amount string `json:"amount,omitempty" yaml:"amount,omitempty"`
}

// IDs returns the ids of records in order.
func IDs(records []Record) []string {
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	return ids
}
