package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"redub/internal/config"
	"redub/internal/logging"
)

// Store manages job persistence backed by SQLite.
type Store struct {
	db     *sql.DB
	path   string
	cfg    *config.Config
	logger *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id               TEXT PRIMARY KEY,
    source_url       TEXT NOT NULL,
    target_language  TEXT NOT NULL,
    voice            TEXT,
    status           TEXT NOT NULL,
    progress         REAL NOT NULL DEFAULT 0,
    error_message    TEXT,
    cancel_requested INTEGER NOT NULL DEFAULT 0,
    outputs_json     TEXT,
    created_at       TEXT NOT NULL,
    updated_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
`

// Open initializes or connects to the job database.
func Open(cfg *config.Config, logger *slog.Logger) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	dbPath := filepath.Join(cfg.Paths.WorkspaceDir, "jobs.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, path: dbPath, cfg: cfg, logger: logger}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Save persists the full job record, inserting or overwriting by id. The
// cancel_requested column is written only on insert; after creation its sole
// writer is SetCancelRequested, so a flag raised while a caller holds a stale
// in-memory copy survives that caller's save.
func (s *Store) Save(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	if job.ID == "" {
		return errors.New("job id is empty")
	}
	job.UpdatedAt = time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = job.UpdatedAt
	}

	outputsJSON, err := json.Marshal(job.Outputs)
	if err != nil {
		return fmt.Errorf("marshal outputs: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (
            id, source_url, target_language, voice, status, progress,
            error_message, cancel_requested, outputs_json, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            source_url = excluded.source_url,
            target_language = excluded.target_language,
            voice = excluded.voice,
            status = excluded.status,
            progress = excluded.progress,
            error_message = excluded.error_message,
            outputs_json = excluded.outputs_json,
            updated_at = excluded.updated_at`,
		job.ID,
		job.SourceURL,
		job.TargetLanguage,
		nullableString(job.Voice),
		job.Status,
		job.Progress,
		nullableString(job.ErrorMessage),
		boolToInt(job.CancelRequested),
		string(outputsJSON),
		job.CreatedAt.Format(time.RFC3339Nano),
		job.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}

// Update rewrites an existing job row in place, never inserting, and leaves
// cancel_requested to SetCancelRequested. Returns false when no row with the
// id exists, so a job deleted mid-flight is not resurrected by a checkpoint.
func (s *Store) Update(ctx context.Context, job *Job) (bool, error) {
	if job == nil {
		return false, errors.New("job is nil")
	}
	if job.ID == "" {
		return false, errors.New("job id is empty")
	}
	job.UpdatedAt = time.Now().UTC()

	outputsJSON, err := json.Marshal(job.Outputs)
	if err != nil {
		return false, fmt.Errorf("marshal outputs: %w", err)
	}

	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET
            source_url = ?, target_language = ?, voice = ?, status = ?,
            progress = ?, error_message = ?, outputs_json = ?, updated_at = ?
        WHERE id = ?`,
		job.SourceURL,
		job.TargetLanguage,
		nullableString(job.Voice),
		job.Status,
		job.Progress,
		nullableString(job.ErrorMessage),
		string(outputsJSON),
		job.UpdatedAt.Format(time.RFC3339Nano),
		job.ID,
	)
	if err != nil {
		return false, fmt.Errorf("update job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// GetByID fetches a job by identifier. Returns nil when absent.
func (s *Store) GetByID(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// LoadAll returns every saved job, newest first. Individually corrupt rows are
// logged and skipped rather than failing the whole load.
func (s *Store) LoadAll(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			s.logger.Warn("skipping corrupt job record",
				logging.Error(err),
				logging.String(logging.FieldEventType, "job_record_corrupt"),
			)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// List returns jobs filtered by status set (or all jobs when no status is
// provided), newest first, capped at limit when limit is positive.
func (s *Store) List(ctx context.Context, limit int, statuses ...Status) ([]*Job, error) {
	baseQuery := `SELECT ` + jobColumns + ` FROM jobs`
	orderClause := ` ORDER BY created_at DESC`

	var args []any
	if len(statuses) > 0 {
		placeholders := makePlaceholders(len(statuses))
		baseQuery += ` WHERE status IN (` + placeholders + `)`
		for _, status := range statuses {
			args = append(args, status)
		}
	}
	if limit > 0 {
		orderClause += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, baseQuery+orderClause, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// SetCancelRequested flips the cooperative cancellation flag on a job record.
// The pipeline driver honors it at the next stage boundary.
func (s *Store) SetCancelRequested(ctx context.Context, id string, requested bool) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET cancel_requested = ?, updated_at = ? WHERE id = ?`,
		boolToInt(requested),
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("set cancel requested: %w", err)
	}
	return nil
}

// Delete removes a job record and, when deleteArtifacts is set, the job's
// workspace directory with every stage artifact in it. Returns false when the
// id did not exist.
func (s *Store) Delete(ctx context.Context, id string, deleteArtifacts bool) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}
	if deleteArtifacts {
		workspace := s.cfg.JobWorkspace(id)
		if err := os.RemoveAll(workspace); err != nil {
			return true, fmt.Errorf("delete artifacts: %w", err)
		}
	}
	return true, nil
}

// Stats returns a count of jobs grouped by status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

const jobColumns = "id, source_url, target_language, voice, status, progress, error_message, cancel_requested, outputs_json, created_at, updated_at"

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		id              string
		sourceURL       string
		targetLanguage  string
		voice           sql.NullString
		statusStr       string
		progress        sql.NullFloat64
		errorMessage    sql.NullString
		cancelRequested sql.NullInt64
		outputsRaw      sql.NullString
		createdRaw      string
		updatedRaw      string
	)

	if err := scanner.Scan(
		&id,
		&sourceURL,
		&targetLanguage,
		&voice,
		&statusStr,
		&progress,
		&errorMessage,
		&cancelRequested,
		&outputsRaw,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	status, ok := ParseStatus(statusStr)
	if !ok {
		return nil, fmt.Errorf("job %s: unknown status %q", id, statusStr)
	}

	job := &Job{
		ID:             id,
		SourceURL:      sourceURL,
		TargetLanguage: targetLanguage,
		Voice:          voice.String,
		Status:         status,
		Progress:       progress.Float64,
		ErrorMessage:   errorMessage.String,
	}
	if cancelRequested.Valid {
		job.CancelRequested = cancelRequested.Int64 != 0
	}

	// Unknown fields in outputs_json are ignored so older records survive
	// code upgrades; absent fields default to empty.
	if outputsRaw.Valid && outputsRaw.String != "" {
		if err := json.Unmarshal([]byte(outputsRaw.String), &job.Outputs); err != nil {
			return nil, fmt.Errorf("job %s: decode outputs: %w", id, err)
		}
	}

	created, err := parseTimeString(createdRaw)
	if err != nil {
		return nil, fmt.Errorf("job %s: parse created_at: %w", id, err)
	}
	job.CreatedAt = created
	updated, err := parseTimeString(updatedRaw)
	if err != nil {
		return nil, fmt.Errorf("job %s: parse updated_at: %w", id, err)
	}
	job.UpdatedAt = updated

	return job, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
