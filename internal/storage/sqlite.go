// Package storage keeps the companion audit journal in SQLite: every
// profile archive and every training job transition is appended here so
// the history survives even when the JSON documents are rewritten.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DBFileName is the journal database file inside the data directory.
const DBFileName = "companion.db"

// timeLayout is fixed width so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store wraps a SQLite database holding the archive and training journals.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, DBFileName)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Single connection: avoids "database is locked" and keeps :memory: coherent.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies embedded SQL migrations that have not been recorded in
// schema_version, each in its own transaction.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Profile archives ---

func (s *Store) RecordArchive(ctx context.Context, a Archive) error {
	archivedAt := a.ArchivedAt
	if archivedAt.IsZero() {
		archivedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profile_archives (scope, session_id, archive_name, reason, archived_at)
		VALUES (?, ?, ?, ?, ?)`,
		a.Scope, a.SessionID, a.ArchiveName, a.Reason, archivedAt.UTC().Format(timeLayout),
	)
	return err
}

// ListArchives returns the archives of one session, newest first.
func (s *Store) ListArchives(ctx context.Context, scope, sessionID string, limit int) ([]Archive, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope, session_id, archive_name, reason, archived_at
		FROM profile_archives WHERE scope = ? AND session_id = ?
		ORDER BY id DESC LIMIT ?`, scope, sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Archive
	for rows.Next() {
		var a Archive
		var archivedAt string
		if err := rows.Scan(&a.ID, &a.Scope, &a.SessionID, &a.ArchiveName, &a.Reason, &archivedAt); err != nil {
			return nil, err
		}
		if a.ArchivedAt, err = time.Parse(timeLayout, archivedAt); err != nil {
			return nil, fmt.Errorf("parsing archived_at: %w", err)
		}
		results = append(results, a)
	}
	return results, rows.Err()
}

// --- Training events ---

func (s *Store) RecordTrainingEvent(ctx context.Context, e TrainingEvent) error {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO training_events (scope, session_id, job_id, kind, from_status, to_status, tier, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Scope, e.SessionID, e.JobID, e.Kind, e.FromStatus, e.ToStatus, e.Tier, e.Message,
		createdAt.UTC().Format(timeLayout),
	)
	return err
}

// ListTrainingEvents returns the transitions recorded for jobID in the
// order they happened. ErrNotFound is returned when the job has none.
func (s *Store) ListTrainingEvents(ctx context.Context, jobID string) ([]TrainingEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope, session_id, job_id, kind, from_status, to_status, tier, message, created_at
		FROM training_events WHERE job_id = ? ORDER BY id ASC`, jobID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []TrainingEvent
	for rows.Next() {
		var e TrainingEvent
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Scope, &e.SessionID, &e.JobID, &e.Kind, &e.FromStatus, &e.ToStatus, &e.Tier, &e.Message, &createdAt); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, ErrNotFound
	}
	return results, nil
}

// PruneTrainingEvents deletes events recorded before cutoff and reports
// how many rows were removed.
func (s *Store) PruneTrainingEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM training_events WHERE created_at < ?`,
		cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
