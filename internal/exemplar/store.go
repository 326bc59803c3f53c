// Package exemplar manages the few-shot exemplar archive: pre-recorded
// true-positive callout crops that anchor the LLM validator's recognition.
// Exemplars live in a small SQLite archive loaded once at startup; a default
// set is embedded in the binary as a fallback.
package exemplar

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/MeKo-Tech/calloutscan/internal/types"
)

// Exemplar is one pre-recorded true-positive crop with its known reading.
type Exemplar struct {
	ID    int64
	Kind  types.ShapeKind
	Label string // the true marker text, e.g. "3/A7"
	PNG   []byte
}

// Store reads and writes an exemplar archive.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens (or creates) an exemplar archive at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open exemplar archive: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

func createSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS exemplars (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			label TEXT NOT NULL,
			png BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS metadata (
			name TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_exemplars_kind ON exemplars(kind)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// Put inserts an exemplar and returns its id.
func (s *Store) Put(e Exemplar) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`INSERT INTO exemplars (kind, label, png) VALUES (?, ?, ?)`,
		string(e.Kind), e.Label, e.PNG,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert exemplar: %w", err)
	}
	return res.LastInsertId()
}

// List returns all exemplars of the given kind, or all kinds when kind is
// empty, ordered by id.
func (s *Store) List(kind types.ShapeKind) ([]Exemplar, error) {
	var rows *sql.Rows
	var err error
	if kind == "" {
		rows, err = s.db.Query(`SELECT id, kind, label, png FROM exemplars ORDER BY id`)
	} else {
		rows, err = s.db.Query(`SELECT id, kind, label, png FROM exemplars WHERE kind = ? ORDER BY id`, string(kind))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query exemplars: %w", err)
	}
	defer rows.Close()

	var out []Exemplar
	for rows.Next() {
		var e Exemplar
		var k string
		if err := rows.Scan(&e.ID, &k, &e.Label, &e.PNG); err != nil {
			return nil, fmt.Errorf("failed to scan exemplar: %w", err)
		}
		e.Kind = types.ShapeKind(k)
		out = append(out, e)
	}
	return out, rows.Err()
}

// SetMetadata stores a key/value pair describing the archive.
func (s *Store) SetMetadata(name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO metadata (name, value) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET value = excluded.value`, name, value)
	return err
}

// Metadata returns the stored value for name, or "" when absent.
func (s *Store) Metadata(name string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM metadata WHERE name = ?`, name).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
