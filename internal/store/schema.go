package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/parcelsync/parcelsync/internal/record"
)

// SchemaVersion is written to PRAGMA user_version by Initialize.
const SchemaVersion = 1

// kindSchema is instantiated once per kind: %[1]s is the record table,
// %[2]s the parcel table. Table names come from record.Kind descriptors,
// never from input.
const kindSchema = `
CREATE TABLE IF NOT EXISTS %[1]s (
	id TEXT PRIMARY KEY CHECK (id <> ''),
	date TEXT,
	total REAL,
	child_count INTEGER NOT NULL DEFAULT 0,
	synced BOOLEAN NOT NULL DEFAULT FALSE,
	processed_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_%[1]s_synced ON %[1]s(synced);

CREATE TABLE IF NOT EXISTS %[2]s (
	parcel_number TEXT NOT NULL CHECK (parcel_number <> ''),
	record_id TEXT NOT NULL,
	status TEXT,
	city TEXT,
	amount REAL,
	synced BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (parcel_number, record_id),
	FOREIGN KEY (record_id) REFERENCES %[1]s(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_%[2]s_record ON %[2]s(record_id);
`

// Initialize creates the tables for every kind if they do not exist. It is
// idempotent. With no kinds, all known kinds are initialized. A store whose
// schema version is newer than SchemaVersion is left untouched and
// ErrNewerSchema is returned.
func (s *Store) Initialize(ctx context.Context, kinds ...record.Kind) error {
	if len(kinds) == 0 {
		kinds = record.Kinds()
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var current int
		if err := tx.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
			return fmt.Errorf("failed to read schema version: %w", err)
		}
		if current > SchemaVersion {
			return fmt.Errorf("%w: version %d, supported %d", ErrNewerSchema, current, SchemaVersion)
		}

		for _, k := range kinds {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(kindSchema, k.Table, k.ParcelTable)); err != nil {
				return fmt.Errorf("failed to create %s schema: %w", k.Name, err)
			}
		}
		if current == SchemaVersion {
			return nil
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", SchemaVersion)); err != nil {
			return fmt.Errorf("failed to set schema version: %w", err)
		}
		return nil
	})
	return persistErr("initialize", "", err)
}

// Version returns the schema version recorded in the database (0 when the
// store was never initialized).
func (s *Store) Version(ctx context.Context) (int, error) {
	var v int
	err := s.read(func(db *sql.DB) error {
		return db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v)
	})
	return v, persistErr("version", "", err)
}

// HasKind reports whether the tables of kind exist. Read-only callers use it
// instead of Initialize so that inspecting a store never writes to it.
func (s *Store) HasKind(ctx context.Context, kind record.Kind) (bool, error) {
	var n int
	err := s.read(func(db *sql.DB) error {
		return db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN (?, ?)",
			kind.Table, kind.ParcelTable,
		).Scan(&n)
	})
	return n == 2, persistErr("has kind", kind.Name, err)
}
