package session

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps all snapshots in a single SQLite database under the data
// directory, one row per session identifier. An alternative to FileStore for
// deployments that prefer a single-file durable record.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore opens (creating if necessary) the snapshot database
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{db: db, dbPath: dbPath}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// migrate ensures the database schema is up to date
func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		session_id TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		content BLOB NOT NULL,
		saved_at DATETIME NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Save upserts the record for its session
func (s *SQLiteStore) Save(rec *Record) error {
	_, err := s.db.Exec(`
		INSERT INTO snapshots (session_id, version, seq, content, saved_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			version = excluded.version,
			seq = excluded.seq,
			content = excluded.content,
			saved_at = excluded.saved_at`,
		rec.ID, rec.Version, rec.Seq, rec.Content, rec.SavedAt)
	if err != nil {
		return fmt.Errorf("failed to save snapshot for %s: %w", rec.ID, err)
	}
	return nil
}

// Load fetches the record for a session
func (s *SQLiteStore) Load(id string) (*Record, error) {
	rec := &Record{ID: id}
	err := s.db.QueryRow(`
		SELECT version, seq, content, saved_at FROM snapshots WHERE session_id = ?`, id).
		Scan(&rec.Version, &rec.Seq, &rec.Content, &rec.SavedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot for %s: %w", id, err)
	}
	return rec, nil
}

// Delete removes the record for a session; absent rows are fine
func (s *SQLiteStore) Delete(id string) error {
	if _, err := s.db.Exec(`DELETE FROM snapshots WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete snapshot for %s: %w", id, err)
	}
	return nil
}

// List returns a summary per stored snapshot. The content blob is never
// pulled out of the database, only its length.
func (s *SQLiteStore) List() ([]Summary, error) {
	rows, err := s.db.Query(`
		SELECT session_id, seq, length(content), saved_at
		FROM snapshots ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var summaries []Summary
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.ID, &sum.Seq, &sum.ContentSize, &sum.SavedAt); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
