// Package store is the local SQLite store of invoices, return notes and their
// parcels.
//
// The store is the source of truth for what has been confirmed remotely:
// every record row carries a synced flag that is only set after the remote
// commit containing that record succeeded.
//
// Architecture:
//   - One pair of tables per record kind (records + parcels), created from
//     the kind descriptor
//   - WAL journal, foreign keys enforced, parcels cascade with their record
//   - A single connection and a write mutex: one transaction in flight
//   - An flock on <path>.lock so two processes never write the same file
//
// Every mutating call runs in one transaction and either fully applies or
// leaves no trace. All failures are *LocalPersistenceError.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// pragmas are applied to every connection through the DSN so they survive
// connection recycling.
var pragmas = []string{
	"foreign_keys(1)",
	"journal_mode(wal)",
	"busy_timeout(5000)",
	"synchronous(normal)",
}

// Store is an open local store. It must be closed with Close.
type Store struct {
	mu     sync.Mutex
	conn   *sql.DB
	lock   *os.File
	path   string
	closed bool
}

// Open opens (creating if needed) the store at path.
//
// Open fails with ErrLocked (wrapped) when another process has the store
// open. The caller MUST call Close when done.
//
// Example:
//
//	st, err := store.Open("data/parcelsync.db")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, persistErr("open", "", fmt.Errorf("empty database path"))
	}

	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, persistErr("open", "", fmt.Errorf("failed to create database directory: %w", err))
	}

	lock, err := acquireLock(path + ".lock")
	if err != nil {
		return nil, persistErr("open", "", err)
	}

	conn, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		_ = releaseLock(lock)
		return nil, persistErr("open", "", fmt.Errorf("failed to open database: %w", err))
	}

	// Single writer. Pragmas ride on the DSN, so a recycled connection is
	// configured the same way.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		_ = releaseLock(lock)
		return nil, persistErr("open", "", fmt.Errorf("failed to ping database: %w", err))
	}

	return &Store{conn: conn, lock: lock, path: path}, nil
}

func dsn(path string) string {
	s := "file:" + filepath.ToSlash(path) + "?_txlock=immediate"
	for _, p := range pragmas {
		s += "&_pragma=" + p
	}
	return s
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close checkpoints the WAL, closes the database and releases the writer
// lock. Calling Close more than once is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	// Checkpoint WAL before closing
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	closeErr := s.conn.Close()
	lockErr := releaseLock(s.lock)
	if closeErr != nil {
		return persistErr("close", "", fmt.Errorf("failed to close database: %w", closeErr))
	}
	if lockErr != nil {
		return persistErr("close", "", fmt.Errorf("failed to release lock: %w", lockErr))
	}
	return nil
}

// withTx runs fn in a transaction under the write mutex. Any error from fn
// rolls the transaction back.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// read runs fn under the mutex without a transaction.
func (s *Store) read(fn func(*sql.DB) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	return fn(s.conn)
}
