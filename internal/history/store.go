// Package history persists the command history and error log in SQLite,
// capped to a fixed number of recent rows.
package history

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/opooladz/EOpod/internal/config"
)

const (
	historyCap = 100 // rows kept in command_history
	errorCap   = 50  // rows kept in error_log
	outputClip = 500 // bytes of output stored per history row
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Entry is one recorded command run.
type Entry struct {
	ID        string
	Timestamp time.Time
	Command   string
	Status    string
	Output    string
	Profile   string
}

// ErrorEntry is one recorded command failure.
type ErrorEntry struct {
	ID        string
	Timestamp time.Time
	Command   string
	Error     string
}

// Store is the SQLite-backed history and error log.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// DefaultPath is the default database location, next to the config file.
func DefaultPath() string {
	return filepath.Join(config.DefaultDir(), "history.db")
}

// Open opens the store at path, creating and migrating it if needed.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// RecordCommand appends a history row, clipping output and pruning the
// table to its retention cap.
func (s *Store) RecordCommand(ctx context.Context, command, status, output, profile string) error {
	if len(output) > outputClip {
		output = output[:outputClip]
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO command_history (id, ts, command, status, output, profile) VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), s.now().UTC().Format(time.RFC3339Nano), command, status, output, profile)
	if err != nil {
		return fmt.Errorf("record command: %w", err)
	}
	return s.prune(ctx, "command_history", historyCap)
}

// RecordError appends an error-log row, pruning to its retention cap.
func (s *Store) RecordError(ctx context.Context, command, detail string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO error_log (id, ts, command, error) VALUES (?, ?, ?, ?)`,
		uuid.NewString(), s.now().UTC().Format(time.RFC3339Nano), command, detail)
	if err != nil {
		return fmt.Errorf("record error: %w", err)
	}
	return s.prune(ctx, "error_log", errorCap)
}

func (s *Store) prune(ctx context.Context, table string, keep int) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE id NOT IN (SELECT id FROM %s ORDER BY ts DESC, id DESC LIMIT %d)`,
		table, table, keep))
	if err != nil {
		return fmt.Errorf("prune %s: %w", table, err)
	}
	return nil
}

// RecentCommands returns up to limit history rows, oldest first.
func (s *Store) RecentCommands(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, command, status, output, profile FROM command_history ORDER BY ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e  Entry
			ts string
		)
		if err := rows.Scan(&e.ID, &ts, &e.Command, &e.Status, &e.Output, &e.Profile); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverse(entries)
	return entries, nil
}

// RecentErrors returns up to limit error rows, oldest first.
func (s *Store) RecentErrors(ctx context.Context, limit int) ([]ErrorEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, command, error FROM error_log ORDER BY ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query error log: %w", err)
	}
	defer rows.Close()

	var entries []ErrorEntry
	for rows.Next() {
		var (
			e  ErrorEntry
			ts string
		)
		if err := rows.Scan(&e.ID, &ts, &e.Command, &e.Error); err != nil {
			return nil, fmt.Errorf("scan error row: %w", err)
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverse(entries)
	return entries, nil
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
