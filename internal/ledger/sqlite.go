package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"voicecard/internal/models"
)

const (
	sqliteBusyCode    = 5
	busyRetryAttempts = 5
	busyRetryInitial  = 10 * time.Millisecond
	busyRetryMax      = 200 * time.Millisecond

	// Fixed-width UTC layout keeps lexical order equal to time order for updated_at scans.
	sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"
)

// SQLite is the single-node ledger backend.
type SQLite struct {
	db *sql.DB
}

var _ Ledger = (*SQLite)(nil)

// OpenSQLite opens (creating if needed) the ledger database at path and applies migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection keeps pragmas in effect and serializes writers.
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

	s := &SQLite{db: db}
	if err := runMigrations(ctx, "sqlite", func(ctx context.Context, q string) error {
		_, err := db.ExecContext(ctx, q)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) Create(ctx context.Context, id, source string) (models.Job, error) {
	now := time.Now().UTC()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (id, source, stage, status, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, 0, ?, ?)
		`, id, source, models.StageCreated, models.StatusPending, fmtTime(now), fmtTime(now)); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		return insertAuditTx(ctx, tx, id, "created", source, now)
	})
	if err != nil {
		return models.Job{}, err
	}
	return models.Job{
		ID:        id,
		Source:    source,
		Stage:     models.StageCreated,
		Status:    models.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLite) Start(ctx context.Context, id, source string, upload models.StageArtifact) (models.Job, bool, error) {
	next, status, err := advanceTarget(models.StageCreated)
	if err != nil {
		return models.Job{}, false, err
	}
	now := time.Now().UTC()
	if upload.RecordedAt.IsZero() {
		upload.RecordedAt = now
	}
	var created bool
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (id, source, stage, status, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, 1, ?, ?)
			ON CONFLICT (id) DO NOTHING
		`, id, source, next, status, fmtTime(now), fmtTime(now))
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if created = n > 0; !created {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO job_artifacts (job_id, stage, artifact_key, mime_type, byte_length, sha256, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, id, models.StageCreated, upload.Key, upload.MimeType, upload.ByteLength, upload.SHA256, fmtTime(upload.RecordedAt.UTC())); err != nil {
			return fmt.Errorf("record artifact: %w", err)
		}
		if err := insertAuditTx(ctx, tx, id, "created", source, now); err != nil {
			return err
		}
		return insertAuditTx(ctx, tx, id, "advanced", fmt.Sprintf("%s -> %s", models.StageCreated, next), now)
	})
	if err != nil {
		return models.Job{}, false, err
	}
	job, err := s.Get(ctx, id)
	return job, created, err
}

func (s *SQLite) Get(ctx context.Context, id string) (models.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source, stage, status, last_error, version, created_at, updated_at
		FROM jobs WHERE id = ?
	`, id)
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, err
	}
	if job.Artifacts, err = s.artifacts(ctx, id); err != nil {
		return models.Job{}, err
	}
	return job, nil
}

func (s *SQLite) List(ctx context.Context, limit int) ([]models.Job, error) {
	return s.queryJobs(ctx, `
		SELECT id, source, stage, status, last_error, version, created_at, updated_at
		FROM jobs ORDER BY created_at DESC LIMIT ?
	`, limit)
}

func (s *SQLite) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	return s.queryJobs(ctx, `
		SELECT id, source, stage, status, last_error, version, created_at, updated_at
		FROM jobs WHERE status = ? AND updated_at < ? ORDER BY updated_at ASC LIMIT ?
	`, models.StatusRunning, fmtTime(cutoff.UTC()), limit)
}

func (s *SQLite) Advance(ctx context.Context, id string, from models.Stage, out models.StageArtifact) (bool, error) {
	next, status, err := advanceTarget(from)
	if err != nil {
		return false, err
	}
	now := time.Now().UTC()
	if out.RecordedAt.IsZero() {
		out.RecordedAt = now
	}
	var applied bool
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs SET stage = ?, status = ?, last_error = NULL, version = version + 1, updated_at = ?
			WHERE id = ? AND stage = ? AND status = ?
		`, next, status, fmtTime(now), id, from, ActiveStatus(from))
		if err != nil {
			return fmt.Errorf("advance job: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			applied = false
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO job_artifacts (job_id, stage, artifact_key, mime_type, byte_length, sha256, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (job_id, stage) DO UPDATE SET
				artifact_key = excluded.artifact_key,
				mime_type = excluded.mime_type,
				byte_length = excluded.byte_length,
				sha256 = excluded.sha256,
				recorded_at = excluded.recorded_at
		`, id, from, out.Key, out.MimeType, out.ByteLength, out.SHA256, fmtTime(out.RecordedAt.UTC())); err != nil {
			return fmt.Errorf("record artifact: %w", err)
		}
		applied = true
		return insertAuditTx(ctx, tx, id, "advanced", fmt.Sprintf("%s -> %s", from, next), now)
	})
	if err != nil {
		return false, err
	}
	if !applied {
		return false, s.ensureExists(ctx, id)
	}
	return true, nil
}

func (s *SQLite) Fail(ctx context.Context, id string, stage models.Stage, reason string) (bool, error) {
	if err := checkFailable(stage); err != nil {
		return false, err
	}
	now := time.Now().UTC()
	msg := FailureReason(stage, reason)
	var applied bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, last_error = ?, version = version + 1, updated_at = ?
			WHERE id = ? AND stage = ? AND status = ?
		`, models.StatusFailed, msg, fmtTime(now), id, stage, models.StatusRunning)
		if err != nil {
			return fmt.Errorf("fail job: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if applied = n > 0; !applied {
			return nil
		}
		return insertAuditTx(ctx, tx, id, "failed", msg, now)
	})
	if err != nil {
		return false, err
	}
	if !applied {
		return false, s.ensureExists(ctx, id)
	}
	return true, nil
}

func (s *SQLite) Retry(ctx context.Context, id string) (models.Job, error) {
	now := time.Now().UTC()
	var applied bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, last_error = NULL, version = version + 1, updated_at = ?
			WHERE id = ? AND status = ?
		`, models.StatusRunning, fmtTime(now), id, models.StatusFailed)
		if err != nil {
			return fmt.Errorf("retry job: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if applied = n > 0; !applied {
			return nil
		}
		return insertAuditTx(ctx, tx, id, "retried", "", now)
	})
	if err != nil {
		return models.Job{}, err
	}
	if !applied {
		if err := s.ensureExists(ctx, id); err != nil {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("%w: job %s is not failed", ErrInvalidTransition, id)
	}
	return s.Get(ctx, id)
}

func (s *SQLite) Claim(ctx context.Context, id string, version int64) (bool, error) {
	var applied bool
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET version = version + 1, updated_at = ?
			WHERE id = ? AND version = ? AND status = ?
		`, fmtTime(time.Now().UTC()), id, version, models.StatusRunning)
		if err != nil {
			return fmt.Errorf("claim job: %w", err)
		}
		n, err := res.RowsAffected()
		applied = n > 0
		return err
	})
	return applied, err
}

func (s *SQLite) AppendAudit(ctx context.Context, id, event, detail string) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO audit_logs (job_id, event, detail, ts) VALUES (?, ?, ?, ?)
		`, id, event, detail, fmtTime(time.Now().UTC()))
		return err
	})
}

func (s *SQLite) Audit(ctx context.Context, id string) ([]models.AuditLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, event, detail, ts FROM audit_logs WHERE job_id = ? ORDER BY id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()
	var out []models.AuditLog
	for rows.Next() {
		var (
			entry models.AuditLog
			ts    string
		)
		if err := rows.Scan(&entry.JobID, &entry.Event, &entry.Detail, &ts); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		if entry.Recorded, err = parseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *SQLite) queryJobs(ctx context.Context, query string, args ...any) ([]models.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	var jobs []models.Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	// Release the single connection before loading artifacts.
	rows.Close()
	for i := range jobs {
		if jobs[i].Artifacts, err = s.artifacts(ctx, jobs[i].ID); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

func (s *SQLite) artifacts(ctx context.Context, id string) ([]models.StageArtifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stage, artifact_key, mime_type, byte_length, sha256, recorded_at
		FROM job_artifacts WHERE job_id = ?
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()
	var out []models.StageArtifact
	for rows.Next() {
		var (
			a  models.StageArtifact
			ts string
		)
		if err := rows.Scan(&a.Stage, &a.Key, &a.MimeType, &a.ByteLength, &a.SHA256, &ts); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		if a.RecordedAt, err = parseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	sortArtifacts(out)
	return out, rows.Err()
}

func (s *SQLite) ensureExists(ctx context.Context, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *SQLite) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

func insertAuditTx(ctx context.Context, tx *sql.Tx, id, event, detail string, ts time.Time) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts) VALUES (?, ?, ?, ?)
	`, id, event, detail, fmtTime(ts)); err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (models.Job, error) {
	var (
		job              models.Job
		lastErr          sql.NullString
		created, updated string
	)
	if err := row.Scan(&job.ID, &job.Source, &job.Stage, &job.Status, &lastErr, &job.Version, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if lastErr.Valid {
		job.LastError = strPtr(lastErr.String)
	}
	var err error
	if job.CreatedAt, err = parseTime(created); err != nil {
		return models.Job{}, err
	}
	if job.UpdatedAt, err = parseTime(updated); err != nil {
		return models.Job{}, err
	}
	return job, nil
}

func fmtTime(t time.Time) string { return t.UTC().Format(sqliteTimeLayout) }

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", v, err)
	}
	return t, nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitial
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		if lastErr = op(); lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMax {
			delay = next
		}
	}
	return lastErr
}
