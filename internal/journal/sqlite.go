// Package journal implements the rewrite journal on SQLite. The journal
// records every engine-performed rewrite so later invocations can tell
// engine-made history apart from external rebases and amends.
package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"gitveil/internal/journal/migrations"
	"gitveil/internal/model"
	"gitveil/internal/veil"
)

// SQLiteJournal implements veil.Journal backed by a SQLite file, typically
// <gitdir>/gitveil/journal.db. The journal is engine-private, so the schema
// is migrated to the latest version on open.
type SQLiteJournal struct {
	db   *sql.DB
	path string
}

var _ veil.Journal = (*SQLiteJournal)(nil)

// Open opens (creating if necessary) the journal at path. ":memory:" gives
// an ephemeral journal for tests.
func Open(path string) (*SQLiteJournal, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("creating journal directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if err := migrations.Up(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteJournal{db: db, path: path}, nil
}

// Close releases the underlying database connection.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

// Record persists a completed operation and its old→new map in one
// transaction.
func (j *SQLiteJournal) Record(op model.Operation) error {
	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning journal transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"INSERT INTO operations (id, kind, created_at) VALUES (?, ?, ?)",
		op.ID, op.Kind, op.CreatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("inserting operation: %w", err)
	}
	for _, rw := range op.Rewrites {
		if _, err := tx.Exec(
			"INSERT INTO rewrites (operation_id, old_id, new_id) VALUES (?, ?, ?)",
			op.ID, string(rw.Old), string(rw.New),
		); err != nil {
			return fmt.Errorf("inserting rewrite %s: %w", rw.Old.Short(), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing journal transaction: %w", err)
	}
	return nil
}

// KnownIDs returns both sides of every recorded rewrite.
func (j *SQLiteJournal) KnownIDs() (map[model.Hash]bool, error) {
	rows, err := j.db.Query("SELECT old_id, new_id FROM rewrites")
	if err != nil {
		return nil, fmt.Errorf("querying rewrites: %w", err)
	}
	defer rows.Close()

	known := make(map[model.Hash]bool)
	for rows.Next() {
		var oldID, newID string
		if err := rows.Scan(&oldID, &newID); err != nil {
			return nil, fmt.Errorf("scanning rewrite row: %w", err)
		}
		known[model.Hash(oldID)] = true
		known[model.Hash(newID)] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rewrites: %w", err)
	}
	return known, nil
}

// Operations returns the most recent operations, newest first, without
// their rewrite pairs.
func (j *SQLiteJournal) Operations(limit int) ([]model.Operation, error) {
	rows, err := j.db.Query(
		"SELECT id, kind, created_at FROM operations ORDER BY created_at DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying operations: %w", err)
	}
	defer rows.Close()

	var ops []model.Operation
	for rows.Next() {
		var op model.Operation
		if err := rows.Scan(&op.ID, &op.Kind, &op.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning operation row: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating operations: %w", err)
	}
	return ops, nil
}
