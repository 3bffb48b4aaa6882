// Package history keeps a local SQLite ledger of pipeline runs.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fgeck/remote-pipeline/internal/models"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// timeLayout is RFC 3339 with a fixed-width fraction so stored timestamps
// sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Recorder stores the outcome of a run.
type Recorder interface {
	Record(ctx context.Context, rec models.RunRecord) error
}

// Service defines the interface for the run history.
type Service interface {
	Recorder
	List(ctx context.Context, limit int) ([]models.RunRecord, error)
	Close() error
}

// Store is a Service backed by a SQLite database file.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (creating if needed) the history database at path.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	// One writer at a time; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing history schema: %w", err)
	}

	logger.Debug().Str("path", path).Msg("history database opened")

	return &Store{db: db, logger: logger}, nil
}

func initSchema(db *sql.DB) error {
	const createRuns = `
CREATE TABLE IF NOT EXISTS runs (
  id              TEXT PRIMARY KEY,
  pipeline        TEXT NOT NULL,
  host            TEXT,
  state           TEXT NOT NULL,
  failed_in       TEXT,
  exit_status     INTEGER,
  error           TEXT,
  input_dir       TEXT,
  output_dir      TEXT,
  upload_digest   TEXT,
  download_digest TEXT,
  started_at      TEXT NOT NULL,
  duration_ms     INTEGER
);`
	if _, err := db.Exec(createRuns); err != nil {
		return err
	}
	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS runs_started_at ON runs (started_at)`)
	return err
}

// Record inserts rec. Recording the same run ID twice is an error.
func (s *Store) Record(ctx context.Context, rec models.RunRecord) error {
	var exitStatus sql.NullInt64
	if rec.ExitStatus != nil {
		exitStatus = sql.NullInt64{Int64: int64(*rec.ExitStatus), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, pipeline, host, state, failed_in, exit_status, error, input_dir, output_dir,
                           upload_digest, download_digest, started_at, duration_ms)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Pipeline, rec.Host, rec.State, rec.FailedIn, exitStatus, rec.Error,
		rec.InputDir, rec.OutputDir, rec.UploadDigest, rec.DownloadDigest,
		rec.StartedAt.UTC().Format(timeLayout), rec.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", rec.ID, err)
	}

	s.logger.Debug().Str("run_id", rec.ID).Str("state", rec.State).Msg("run recorded")
	return nil
}

// List returns the most recent runs, newest first. A limit <= 0 returns
// every run.
func (s *Store) List(ctx context.Context, limit int) ([]models.RunRecord, error) {
	query := `SELECT id, pipeline, host, state, failed_in, exit_status, error, input_dir, output_dir,
                     upload_digest, download_digest, started_at, duration_ms
              FROM runs ORDER BY started_at DESC, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []models.RunRecord
	for rows.Next() {
		var rec models.RunRecord
		var host, failedIn, errMsg, inputDir, outputDir, upDigest, downDigest sql.NullString
		var exitStatus, durationMS sql.NullInt64
		var started string

		if err := rows.Scan(
			&rec.ID,
			&rec.Pipeline,
			&host,
			&rec.State,
			&failedIn,
			&exitStatus,
			&errMsg,
			&inputDir,
			&outputDir,
			&upDigest,
			&downDigest,
			&started,
			&durationMS,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}

		rec.Host = host.String
		rec.FailedIn = failedIn.String
		rec.Error = errMsg.String
		rec.InputDir = inputDir.String
		rec.OutputDir = outputDir.String
		rec.UploadDigest = upDigest.String
		rec.DownloadDigest = downDigest.String
		if exitStatus.Valid {
			status := int(exitStatus.Int64)
			rec.ExitStatus = &status
		}
		if durationMS.Valid {
			rec.Duration = time.Duration(durationMS.Int64) * time.Millisecond
		}
		if t, err := time.Parse(timeLayout, started); err == nil {
			rec.StartedAt = t
		}

		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}

	return records, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
