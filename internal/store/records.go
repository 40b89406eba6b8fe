package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/parcelsync/parcelsync/internal/datenorm"
	"github.com/parcelsync/parcelsync/internal/record"
)

// Upsert persists records and their parcels in one transaction.
//
// Existing rows are replaced field by field (ON CONFLICT DO UPDATE, never
// INSERT OR REPLACE, whose implicit delete would cascade to the parcels).
// Every written row is reset to unsynced: a record that changed locally is
// pending again until its next confirmed remote commit. Upserting the same
// batch twice leaves the store unchanged.
//
// If any row fails (constraint, context, I/O) nothing from the batch is kept.
func (s *Store) Upsert(ctx context.Context, kind record.Kind, records []record.Record) error {
	if len(records) == 0 {
		return nil
	}

	recordQuery := fmt.Sprintf(`
	INSERT INTO %s (id, date, total, child_count, synced, processed_at)
	VALUES (?, ?, ?, ?, FALSE, ?)
	ON CONFLICT(id) DO UPDATE SET
		date = excluded.date,
		total = excluded.total,
		child_count = excluded.child_count,
		synced = FALSE,
		processed_at = excluded.processed_at
	`, kind.Table)

	parcelQuery := fmt.Sprintf(`
	INSERT INTO %s (parcel_number, record_id, status, city, amount, synced)
	VALUES (?, ?, ?, ?, ?, FALSE)
	ON CONFLICT(parcel_number, record_id) DO UPDATE SET
		status = excluded.status,
		city = excluded.city,
		amount = excluded.amount,
		synced = FALSE
	`, kind.ParcelTable)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		recordStmt, err := tx.PrepareContext(ctx, recordQuery)
		if err != nil {
			return fmt.Errorf("failed to prepare record upsert: %w", err)
		}
		defer func() { _ = recordStmt.Close() }()

		parcelStmt, err := tx.PrepareContext(ctx, parcelQuery)
		if err != nil {
			return fmt.Errorf("failed to prepare parcel upsert: %w", err)
		}
		defer func() { _ = parcelStmt.Close() }()

		for _, r := range records {
			if _, err := recordStmt.ExecContext(ctx,
				r.ID,
				r.Date,
				amount(kind, r.Total),
				r.ChildCount,
				formatTime(r.ProcessedAt),
			); err != nil {
				return fmt.Errorf("failed to upsert %s: %w", r.ID, err)
			}

			for _, p := range r.Parcels {
				if _, err := parcelStmt.ExecContext(ctx,
					p.Number,
					r.ID,
					p.Status,
					p.City,
					amount(kind, p.Amount),
				); err != nil {
					return fmt.Errorf("failed to upsert parcel %s of %s: %w", p.Number, r.ID, err)
				}
			}
		}
		return nil
	})
	return persistErr("upsert", kind.Name, err)
}

// UnsyncedIDs returns the ids of records whose synced flag is false, in id
// order. Ids never persisted are not listed; callers treat an unknown id the
// same as an unsynced one.
func (s *Store) UnsyncedIDs(ctx context.Context, kind record.Kind) ([]string, error) {
	ids, err := s.ids(ctx, fmt.Sprintf("SELECT id FROM %s WHERE synced = FALSE ORDER BY id", kind.Table))
	return ids, persistErr("unsynced ids", kind.Name, err)
}

// SyncedIDs returns the ids of records confirmed remotely, in id order.
func (s *Store) SyncedIDs(ctx context.Context, kind record.Kind) ([]string, error) {
	ids, err := s.ids(ctx, fmt.Sprintf("SELECT id FROM %s WHERE synced = TRUE ORDER BY id", kind.Table))
	return ids, persistErr("synced ids", kind.Name, err)
}

func (s *Store) ids(ctx context.Context, query string) ([]string, error) {
	var ids []string
	err := s.read(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to query ids: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("failed to scan id: %w", err)
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	return ids, err
}

// MarkSynced sets the synced flag on the given records and all their parcels
// in one transaction. Unknown ids are ignored. Calling it twice is harmless.
func (s *Store) MarkSynced(ctx context.Context, kind record.Kind, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	recordQuery := fmt.Sprintf("UPDATE %s SET synced = TRUE WHERE id = ?", kind.Table)
	parcelQuery := fmt.Sprintf("UPDATE %s SET synced = TRUE WHERE record_id = ?", kind.ParcelTable)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, recordQuery, id); err != nil {
				return fmt.Errorf("failed to mark %s synced: %w", id, err)
			}
			if _, err := tx.ExecContext(ctx, parcelQuery, id); err != nil {
				return fmt.Errorf("failed to mark parcels of %s synced: %w", id, err)
			}
		}
		return nil
	})
	return persistErr("mark synced", kind.Name, err)
}

// Records loads the given records with their parcels. Ids that do not exist
// are skipped. Results follow the order of ids.
func (s *Store) Records(ctx context.Context, kind record.Kind, ids []string) ([]record.Record, error) {
	recordQuery := fmt.Sprintf(`
	SELECT id, date, total, child_count, synced, processed_at
	FROM %s WHERE id = ?`, kind.Table)
	parcelQuery := fmt.Sprintf(`
	SELECT parcel_number, status, city, amount, synced
	FROM %s WHERE record_id = ? ORDER BY parcel_number`, kind.ParcelTable)

	var out []record.Record
	err := s.read(func(db *sql.DB) error {
		for _, id := range ids {
			r, found, err := scanRecord(db.QueryRowContext(ctx, recordQuery, id))
			if err != nil {
				return fmt.Errorf("failed to load %s: %w", id, err)
			}
			if !found {
				continue
			}

			r.Parcels, err = loadParcels(ctx, db, parcelQuery, id)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	return out, persistErr("load records", kind.Name, err)
}

// Record loads a single record. The boolean is false when id is unknown.
func (s *Store) Record(ctx context.Context, kind record.Kind, id string) (record.Record, bool, error) {
	records, err := s.Records(ctx, kind, []string{id})
	if err != nil || len(records) == 0 {
		return record.Record{}, false, err
	}
	return records[0], true, nil
}

func scanRecord(row *sql.Row) (record.Record, bool, error) {
	var (
		r         record.Record
		date      sql.NullString
		total     sql.NullFloat64
		processed sql.NullString
	)
	err := row.Scan(&r.ID, &date, &total, &r.ChildCount, &r.Synced, &processed)
	if err == sql.ErrNoRows {
		return r, false, nil
	}
	if err != nil {
		return r, false, err
	}

	r.Date = date.String
	r.Total = total.Float64
	r.ProcessedAt = parseTime(processed.String)
	r.DateReliable = r.Date != "" && r.Date != datenorm.UnknownDate
	return r, true, nil
}

func loadParcels(ctx context.Context, db *sql.DB, query, id string) ([]record.Parcel, error) {
	rows, err := db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query parcels of %s: %w", id, err)
	}
	defer rows.Close()

	var parcels []record.Parcel
	for rows.Next() {
		var (
			p            record.Parcel
			status, city sql.NullString
			amt          sql.NullFloat64
		)
		if err := rows.Scan(&p.Number, &status, &city, &amt, &p.Synced); err != nil {
			return nil, fmt.Errorf("failed to scan parcel of %s: %w", id, err)
		}
		p.RecordID = id
		p.Status = status.String
		p.City = city.String
		p.Amount = amt.Float64
		parcels = append(parcels, p)
	}
	return parcels, rows.Err()
}

// amount stores NULL for kinds without amounts.
func amount(kind record.Kind, v float64) any {
	if !kind.HasAmounts {
		return nil
	}
	return v
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
