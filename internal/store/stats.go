package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/parcelsync/parcelsync/internal/record"
)

// Stats summarizes one kind's local state.
type Stats struct {
	Kind          string    `json:"kind"`
	Records       int       `json:"records"`
	Synced        int       `json:"synced"`
	Unsynced      int       `json:"unsynced"`
	Parcels       int       `json:"parcels"`
	LastProcessed time.Time `json:"last_processed,omitempty"`
}

// Stats counts the records and parcels of kind.
func (s *Store) Stats(ctx context.Context, kind record.Kind) (Stats, error) {
	st := Stats{Kind: kind.Name}

	err := s.read(func(db *sql.DB) error {
		var (
			synced sql.NullInt64
			last   sql.NullString
		)
		q := fmt.Sprintf(`SELECT COUNT(*), SUM(synced = TRUE), MAX(processed_at) FROM %s`, kind.Table)
		if err := db.QueryRowContext(ctx, q).Scan(&st.Records, &synced, &last); err != nil {
			return fmt.Errorf("failed to count records: %w", err)
		}
		st.Synced = int(synced.Int64)
		st.Unsynced = st.Records - st.Synced
		st.LastProcessed = parseTime(last.String)

		q = fmt.Sprintf(`SELECT COUNT(*) FROM %s`, kind.ParcelTable)
		if err := db.QueryRowContext(ctx, q).Scan(&st.Parcels); err != nil {
			return fmt.Errorf("failed to count parcels: %w", err)
		}
		return nil
	})
	return st, persistErr("stats", kind.Name, err)
}
