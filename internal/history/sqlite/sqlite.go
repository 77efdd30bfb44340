package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/cmdloop/internal/history"
)

// Sink writes run events to SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}

	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" databases alive and serializes writers
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS run_history(
			id TEXT PRIMARY KEY,
			occurred_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
			command TEXT NOT NULL,
			slug TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			duration_ms INTEGER NOT NULL,
			exit_code INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			timed_out BOOLEAN NOT NULL,
			error TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_run_history_command ON run_history(command);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	r := e.Run
	var errText any
	if r.Err != "" {
		errText = r.Err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_history(id, occurred_at, command, slug, started_at, duration_ms, exit_code, outcome, timed_out, error)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		r.ID, e.OccurredAt.UTC(), r.Command, r.Slug, r.StartedAt.UTC(), r.Duration.Milliseconds(),
		r.ExitCode, r.Outcome, r.TimedOut, errText)
	return err
}

// Count returns the number of stored runs for command.
func (s *Sink) Count(ctx context.Context, command string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM run_history WHERE command = ?`, command).Scan(&n)
	return n, err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
