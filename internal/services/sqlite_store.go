package services

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/trobanga/mediaflow/internal/lib"
	"github.com/trobanga/mediaflow/internal/models"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const (
	busyRetryAttempts         = 6
	busyRetryInitialBackoffMs = 10
	busyRetryMaxBackoffMs     = 500
	severityWarning           = "WARNING"
	severityError             = "ERROR"
)

// SQLiteStore is a JobStore backed by a SQLite database file
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLiteStore opens or creates the database at path and applies migrations
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Transactions read then write; one connection keeps them serialized
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &SQLiteStore{db: db, path: path}
	if err := store.applyMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database file location
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) applyMigrations(ctx context.Context) error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY)"); err != nil {
			return fmt.Errorf("ensure schema_migrations: %w", err)
		}
		for _, name := range names {
			version := strings.TrimSuffix(name, ".sql")
			var applied int
			if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM schema_migrations WHERE version = ?", version).Scan(&applied); err != nil {
				return fmt.Errorf("check migration %s: %w", version, err)
			}
			if applied > 0 {
				continue
			}
			data, err := migrationFS.ReadFile("migrations/" + name)
			if err != nil {
				return fmt.Errorf("read migration %s: %w", name, err)
			}
			if _, err := tx.ExecContext(ctx, string(data)); err != nil {
				return fmt.Errorf("apply migration %s: %w", version, err)
			}
			if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
				return fmt.Errorf("record migration %s: %w", version, err)
			}
		}
		return nil
	})
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// withTx runs fn in a transaction, retrying when the database is busy
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = s.runTx(ctx, fn)
		if !isSQLiteBusy(lastErr) {
			return lastErr
		}
		if err := lib.Sleep(ctx, lib.CalculateBackoff(attempt, busyRetryInitialBackoffMs, busyRetryMaxBackoffMs)); err != nil {
			return err
		}
	}
	return lastErr
}

func (s *SQLiteStore) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job models.Job) error {
	if err := job.Validate(); err != nil {
		return lib.ErrInvalidJobRequest(job.ID, err)
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (id, status, current_task, task_count, cancelled, job_json, time_received, updated_at)
             VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			job.ID, string(job.Status), job.CurrentTask, job.TaskCount(), boolToInt(job.Cancelled), string(data),
			job.TimeReceived.UTC().Format(time.RFC3339Nano), now(),
		)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		for _, issue := range job.Warnings {
			if err := insertIssue(ctx, tx, job.ID, issue, severityWarning); err != nil {
				return err
			}
		}
		for _, issue := range job.Errors {
			if err := insertIssue(ctx, tx, job.ID, issue, severityError); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job *models.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		job, err = loadJob(ctx, tx, jobID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context) ([]models.Job, error) {
	return s.listJobs(ctx, "SELECT id FROM jobs ORDER BY time_received")
}

func (s *SQLiteStore) ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]models.Job, error) {
	return s.listJobs(ctx, "SELECT id FROM jobs WHERE status = ? ORDER BY time_received", string(status))
}

func (s *SQLiteStore) listJobs(ctx context.Context, query string, args ...any) ([]models.Job, error) {
	var jobs []models.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("list jobs: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan job id: %w", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		jobs = make([]models.Job, 0, len(ids))
		for _, id := range ids {
			job, err := loadJob(ctx, tx, id)
			if err != nil {
				return err
			}
			jobs = append(jobs, *job)
		}
		return nil
	})
	return jobs, err
}

// loadJob reads the JSON document and overlays the authoritative columns
// and issue rows
func loadJob(ctx context.Context, tx *sql.Tx, jobID string) (*models.Job, error) {
	var (
		status      string
		currentTask int
		cancelled   int
		jobJSON     string
		updatedRaw  string
	)
	err := tx.QueryRowContext(ctx,
		"SELECT status, current_task, cancelled, job_json, updated_at FROM jobs WHERE id = ?", jobID,
	).Scan(&status, &currentTask, &cancelled, &jobJSON, &updatedRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, lib.ErrJobNotFound(jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}

	var job models.Job
	if err := json.Unmarshal([]byte(jobJSON), &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	job.Status = models.JobStatus(status)
	job.CurrentTask = currentTask
	job.Cancelled = cancelled != 0
	if t, err := time.Parse(time.RFC3339Nano, updatedRaw); err == nil {
		job.UpdatedAt = t
	}

	rows, err := tx.QueryContext(ctx,
		"SELECT media_id, severity, code, message FROM job_issues WHERE job_id = ? ORDER BY id", jobID)
	if err != nil {
		return nil, fmt.Errorf("load issues: %w", err)
	}
	defer func() { _ = rows.Close() }()

	job.Warnings, job.Errors = nil, nil
	for rows.Next() {
		var (
			issue    models.Issue
			severity string
		)
		if err := rows.Scan(&issue.MediaID, &severity, &issue.Code, &issue.Message); err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		if severity == severityError {
			job.Errors = append(job.Errors, issue)
		} else {
			job.Warnings = append(job.Warnings, issue)
		}
	}
	return &job, rows.Err()
}

func insertIssue(ctx context.Context, tx *sql.Tx, jobID string, issue models.Issue, severity string) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO job_issues (job_id, media_id, severity, code, message, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		jobID, issue.MediaID, severity, issue.Code, issue.Message, now())
	if err != nil {
		return fmt.Errorf("insert issue: %w", err)
	}
	return nil
}

// updateJob applies a pure transition to the stored job and writes back the
// columns and document
func (s *SQLiteStore) updateJob(ctx context.Context, jobID string, fn func(job models.Job) models.Job) (*models.Job, error) {
	var updated models.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		job, err := loadJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		updated = fn(*job)
		return writeJob(ctx, tx, updated)
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func writeJob(ctx context.Context, tx *sql.Tx, job models.Job) error {
	doc := job
	doc.Warnings, doc.Errors = nil, nil
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		"UPDATE jobs SET status = ?, cancelled = ?, job_json = ?, updated_at = ? WHERE id = ?",
		string(job.Status), boolToInt(job.Cancelled), string(data), now(), job.ID)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	return nil
}

func (s *SQLiteStore) IncrementTask(ctx context.Context, jobID string) (int, error) {
	var current int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE jobs SET current_task = current_task + 1, updated_at = ? WHERE id = ? AND current_task < task_count",
			now(), jobID)
		if err != nil {
			return fmt.Errorf("increment task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var exists int
			if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM jobs WHERE id = ?", jobID).Scan(&exists); err != nil {
				return err
			}
			if exists == 0 {
				return lib.ErrJobNotFound(jobID)
			}
		}
		return tx.QueryRowContext(ctx, "SELECT current_task FROM jobs WHERE id = ?", jobID).Scan(&current)
	})
	return current, err
}

func (s *SQLiteStore) SetJobStatus(ctx context.Context, jobID string, status models.JobStatus) error {
	_, err := s.updateJob(ctx, jobID, func(job models.Job) models.Job {
		return models.UpdateJobStatus(job, status)
	})
	return err
}

func (s *SQLiteStore) AddFatalError(ctx context.Context, jobID string, code string, message string) error {
	return s.addIssue(ctx, jobID, models.Issue{Code: code, Message: message}, severityError, func(job models.Job, issue models.Issue) models.Job {
		return models.AddFatalError(job, issue)
	})
}

func (s *SQLiteStore) AddIssue(ctx context.Context, jobID string, issue models.Issue, isError bool) error {
	if isError {
		return s.addIssue(ctx, jobID, issue, severityError, models.AddError)
	}
	return s.addIssue(ctx, jobID, issue, severityWarning, models.AddWarning)
}

func (s *SQLiteStore) addIssue(ctx context.Context, jobID string, issue models.Issue, severity string, transition func(models.Job, models.Issue) models.Job) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		job, err := loadJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if err := insertIssue(ctx, tx, jobID, issue, severity); err != nil {
			return err
		}
		return writeJob(ctx, tx, transition(*job, issue))
	})
}

func (s *SQLiteStore) SetCancelled(ctx context.Context, jobID string) (*models.Job, error) {
	return s.updateJob(ctx, jobID, models.MarkCancelled)
}

func (s *SQLiteStore) SetCompleted(ctx context.Context, jobID string, status models.JobStatus) error {
	_, err := s.updateJob(ctx, jobID, func(job models.Job) models.Job {
		return models.MarkCompleted(job, status)
	})
	return err
}

func (s *SQLiteStore) SetCallbackStatus(ctx context.Context, jobID string, status string) error {
	_, err := s.updateJob(ctx, jobID, func(job models.Job) models.Job {
		job.CallbackStatus = status
		return job
	})
	return err
}

func (s *SQLiteStore) SetOutputPath(ctx context.Context, jobID string, path string) error {
	_, err := s.updateJob(ctx, jobID, func(job models.Job) models.Job {
		job.OutputObjectPath = path
		return job
	})
	return err
}

func (s *SQLiteStore) SetMediaMarkup(ctx context.Context, jobID string, mediaID int64, uri string) error {
	_, err := s.updateJob(ctx, jobID, func(job models.Job) models.Job {
		return models.UpdateMedia(job, mediaID, func(m models.Media) models.Media {
			m.MarkupURI = uri
			return m
		})
	})
	return err
}

func (s *SQLiteStore) SetMediaFailed(ctx context.Context, jobID string, mediaID int64) error {
	_, err := s.updateJob(ctx, jobID, func(job models.Job) models.Job {
		return models.UpdateMedia(job, mediaID, func(m models.Media) models.Media {
			m.Failed = true
			return m
		})
	})
	return err
}

func (s *SQLiteStore) SaveTracks(ctx context.Context, jobID string, tracks []models.Track) error {
	if len(tracks) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			"INSERT INTO tracks (job_id, media_id, task_idx, action_idx, type, track_json) VALUES (?, ?, ?, ?, ?, ?)")
		if err != nil {
			return fmt.Errorf("prepare track insert: %w", err)
		}
		defer func() { _ = stmt.Close() }()
		for _, t := range tracks {
			t = models.SortDetections(t)
			data, err := json.Marshal(t)
			if err != nil {
				return fmt.Errorf("marshal track: %w", err)
			}
			if _, err := stmt.ExecContext(ctx, jobID, t.MediaID, t.TaskIndex, t.ActionIndex, t.Type, string(data)); err != nil {
				return fmt.Errorf("insert track: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) GetTracks(ctx context.Context, jobID string, mediaID int64, taskIdx int, actionIdx int) ([]models.Track, error) {
	var tracks []models.Track
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			"SELECT track_json FROM tracks WHERE job_id = ? AND media_id = ? AND task_idx = ? AND action_idx = ? ORDER BY id",
			jobID, mediaID, taskIdx, actionIdx)
		if err != nil {
			return fmt.Errorf("query tracks: %w", err)
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var raw string
			if err := rows.Scan(&raw); err != nil {
				return fmt.Errorf("scan track: %w", err)
			}
			var t models.Track
			if err := json.Unmarshal([]byte(raw), &t); err != nil {
				return fmt.Errorf("decode track: %w", err)
			}
			tracks = append(tracks, t)
		}
		return rows.Err()
	})
	return tracks, err
}

func (s *SQLiteStore) GetTrackCount(ctx context.Context, jobID string, mediaID int64, taskIdx int, actionIdx int) (int, error) {
	var count int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx,
			"SELECT COUNT(1) FROM tracks WHERE job_id = ? AND media_id = ? AND task_idx = ? AND action_idx = ?",
			jobID, mediaID, taskIdx, actionIdx).Scan(&count)
	})
	return count, err
}

func (s *SQLiteStore) GetTrackType(ctx context.Context, jobID string, mediaID int64, taskIdx int, actionIdx int) (string, error) {
	var trackType sql.NullString
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			"SELECT type FROM tracks WHERE job_id = ? AND media_id = ? AND task_idx = ? AND action_idx = ? ORDER BY id LIMIT 1",
			jobID, mediaID, taskIdx, actionIdx).Scan(&trackType)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	})
	return trackType.String, err
}

func (s *SQLiteStore) AddDetectionErrors(ctx context.Context, jobID string, errs []models.DetectionError) error {
	if len(errs) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, e := range errs {
			data, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("marshal detection error: %w", err)
			}
			if _, err := tx.ExecContext(ctx, "INSERT INTO detection_errors (job_id, error_json) VALUES (?, ?)", jobID, string(data)); err != nil {
				return fmt.Errorf("insert detection error: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) GetDetectionErrors(ctx context.Context, jobID string) ([]models.DetectionError, error) {
	var out []models.DetectionError
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, "SELECT error_json FROM detection_errors WHERE job_id = ? ORDER BY id", jobID)
		if err != nil {
			return fmt.Errorf("query detection errors: %w", err)
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var raw string
			if err := rows.Scan(&raw); err != nil {
				return err
			}
			var e models.DetectionError
			if err := json.Unmarshal([]byte(raw), &e); err != nil {
				return fmt.Errorf("decode detection error: %w", err)
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	return out, err
}

func (s *SQLiteStore) AddProcessingTime(ctx context.Context, jobID string, taskIdx int, actionIdx int, ms int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO action_timings (job_id, task_idx, action_idx, time_ms) VALUES (?, ?, ?, ?)
             ON CONFLICT(job_id, task_idx, action_idx) DO UPDATE SET time_ms = time_ms + excluded.time_ms`,
			jobID, taskIdx, actionIdx, ms)
		if err != nil {
			return fmt.Errorf("add processing time: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) GetProcessingTimes(ctx context.Context, jobID string) ([]models.ActionTiming, error) {
	var out []models.ActionTiming
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			"SELECT task_idx, action_idx, time_ms FROM action_timings WHERE job_id = ? ORDER BY task_idx, action_idx", jobID)
		if err != nil {
			return fmt.Errorf("query timings: %w", err)
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var t models.ActionTiming
			if err := rows.Scan(&t.TaskIndex, &t.ActionIndex, &t.TimeMs); err != nil {
				return err
			}
			out = append(out, t)
		}
		return rows.Err()
	})
	return out, err
}

func (s *SQLiteStore) ClearJob(ctx context.Context, jobID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"tracks", "detection_errors", "action_timings"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE job_id = ?", jobID); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		return nil
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
