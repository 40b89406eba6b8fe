package record

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/parcelsync/parcelsync/internal/datenorm"
)

// Normalize converts a raw record into its persisted form for kind k.
//
// Normalization never fails outright: values that cannot be interpreted are
// replaced (zero amounts, the UnknownDate sentinel, the parcel count) and
// reported in the returned warnings so the caller can log them per record.
// A *datenorm.MalformedIdentifierError among the warnings means Date is the
// sentinel.
func (k Kind) Normalize(raw RawRecord, now time.Time) (Record, []error) {
	var warnings []error

	rec := Record{
		ID:          strings.TrimSpace(raw.ID),
		ProcessedAt: now.UTC(),
	}

	switch {
	case k.DateFromID:
		date, err := datenorm.NormalizeOrUnknown(rec.ID)
		if err != nil {
			warnings = append(warnings, err)
		}
		rec.Date = date
		rec.DateReliable = err == nil
	case strings.TrimSpace(raw.Date) != "":
		rec.Date = strings.TrimSpace(raw.Date)
		rec.DateReliable = true
	default:
		rec.Date = datenorm.UnknownDate
	}

	if k.HasAmounts && strings.TrimSpace(raw.Total) != "" {
		total, err := ParseAmount(raw.Total)
		if err != nil {
			warnings = append(warnings, fmt.Errorf("total %q: %w", raw.Total, err))
		} else {
			rec.Total = total.InexactFloat64()
		}
	}

	// Later rows win when a parcel number repeats, matching the
	// replace-on-conflict rule of the store.
	index := make(map[string]int, len(raw.Parcels))
	for _, rp := range raw.Parcels {
		number := strings.TrimSpace(rp.Number)
		if number == "" {
			warnings = append(warnings, errors.New("parcel without number dropped"))
			continue
		}

		p := Parcel{
			Number:   number,
			RecordID: rec.ID,
			Status:   strings.TrimSpace(rp.Status),
			City:     strings.TrimSpace(rp.City),
		}
		if k.HasAmounts && strings.TrimSpace(rp.Amount) != "" {
			amount, err := ParseAmount(rp.Amount)
			if err != nil {
				warnings = append(warnings, fmt.Errorf("parcel %s amount %q: %w", number, rp.Amount, err))
			} else {
				p.Amount = amount.InexactFloat64()
			}
		}

		if i, ok := index[number]; ok {
			rec.Parcels[i] = p
			continue
		}
		index[number] = len(rec.Parcels)
		rec.Parcels = append(rec.Parcels, p)
	}

	rec.ChildCount = len(rec.Parcels)
	if s := strings.TrimSpace(raw.ParcelCount); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			warnings = append(warnings, fmt.Errorf("parcel count %q is not a count, using %d", raw.ParcelCount, rec.ChildCount))
		} else {
			rec.ChildCount = n
		}
	}

	return rec, warnings
}
