package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"voicecard/internal/models"
)

// Postgres wraps pgxpool for multi-node deployments.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Ledger = (*Postgres)(nil)

// OpenPostgres creates a pooled connection to Postgres and applies migrations.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := runMigrations(ctx, "postgres", func(ctx context.Context, q string) error {
		_, err := pool.Exec(ctx, q)
		return err
	}); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

const pgJobColumns = `id, source, stage, status, last_error, version, created_at, updated_at`

func (p *Postgres) Create(ctx context.Context, id, source string) (models.Job, error) {
	now := time.Now().UTC()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // no-op after commit

	if _, err := tx.Exec(ctx, `
		INSERT INTO jobs (id, source, stage, status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $5)
	`, id, source, models.StageCreated, models.StatusPending, now); err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts) VALUES ($1, 'created', $2, $3)
	`, id, source, now); err != nil {
		return models.Job{}, fmt.Errorf("insert audit: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
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

func (p *Postgres) Start(ctx context.Context, id, source string, upload models.StageArtifact) (models.Job, bool, error) {
	next, status, err := advanceTarget(models.StageCreated)
	if err != nil {
		return models.Job{}, false, err
	}
	now := time.Now().UTC()
	if upload.RecordedAt.IsZero() {
		upload.RecordedAt = now
	}
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO jobs (id, source, stage, status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 1, $5, $5)
		ON CONFLICT (id) DO NOTHING
	`, id, source, next, status, now)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}
	created := tag.RowsAffected() > 0
	if created {
		if _, err := tx.Exec(ctx, `
			INSERT INTO job_artifacts (job_id, stage, artifact_key, mime_type, byte_length, sha256, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, id, models.StageCreated, upload.Key, upload.MimeType, upload.ByteLength, upload.SHA256, upload.RecordedAt); err != nil {
			return models.Job{}, false, fmt.Errorf("record artifact: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO audit_logs (job_id, event, detail, ts) VALUES ($1, 'created', $2, $4), ($1, 'advanced', $3, $4)
		`, id, source, fmt.Sprintf("%s -> %s", models.StageCreated, next), now); err != nil {
			return models.Job{}, false, fmt.Errorf("insert audit: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, false, fmt.Errorf("commit: %w", err)
	}
	job, err := p.Get(ctx, id)
	return job, created, err
}

func (p *Postgres) Get(ctx context.Context, id string) (models.Job, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+pgJobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanPGJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, err
	}
	if job.Artifacts, err = p.artifacts(ctx, id); err != nil {
		return models.Job{}, err
	}
	return job, nil
}

func (p *Postgres) List(ctx context.Context, limit int) ([]models.Job, error) {
	return p.queryJobs(ctx, `SELECT `+pgJobColumns+` FROM jobs ORDER BY created_at DESC LIMIT $1`, limit)
}

func (p *Postgres) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	return p.queryJobs(ctx, `
		SELECT `+pgJobColumns+` FROM jobs
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC LIMIT $3
	`, models.StatusRunning, cutoff, limit)
}

func (p *Postgres) Advance(ctx context.Context, id string, from models.Stage, out models.StageArtifact) (bool, error) {
	next, status, err := advanceTarget(from)
	if err != nil {
		return false, err
	}
	if out.RecordedAt.IsZero() {
		out.RecordedAt = time.Now().UTC()
	}
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE jobs SET stage = $2, status = $3, last_error = NULL, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND stage = $4 AND status = $5
	`, id, next, status, from, ActiveStatus(from))
	if err != nil {
		return false, fmt.Errorf("advance job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		_ = tx.Rollback(ctx)
		return false, p.ensureExists(ctx, id)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO job_artifacts (job_id, stage, artifact_key, mime_type, byte_length, sha256, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (job_id, stage) DO UPDATE SET
			artifact_key = EXCLUDED.artifact_key,
			mime_type = EXCLUDED.mime_type,
			byte_length = EXCLUDED.byte_length,
			sha256 = EXCLUDED.sha256,
			recorded_at = EXCLUDED.recorded_at
	`, id, from, out.Key, out.MimeType, out.ByteLength, out.SHA256, out.RecordedAt); err != nil {
		return false, fmt.Errorf("record artifact: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts) VALUES ($1, 'advanced', $2, NOW())
	`, id, fmt.Sprintf("%s -> %s", from, next)); err != nil {
		return false, fmt.Errorf("insert audit: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func (p *Postgres) Fail(ctx context.Context, id string, stage models.Stage, reason string) (bool, error) {
	if err := checkFailable(stage); err != nil {
		return false, err
	}
	msg := FailureReason(stage, reason)
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE jobs SET status = $2, last_error = $3, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND stage = $4 AND status = $5
	`, id, models.StatusFailed, msg, stage, models.StatusRunning)
	if err != nil {
		return false, fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		_ = tx.Rollback(ctx)
		return false, p.ensureExists(ctx, id)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts) VALUES ($1, 'failed', $2, NOW())
	`, id, msg); err != nil {
		return false, fmt.Errorf("insert audit: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func (p *Postgres) Retry(ctx context.Context, id string) (models.Job, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, last_error = NULL, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.StatusRunning, models.StatusFailed)
	if err != nil {
		return models.Job{}, fmt.Errorf("retry job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if err := p.ensureExists(ctx, id); err != nil {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("%w: job %s is not failed", ErrInvalidTransition, id)
	}
	if err := p.AppendAudit(ctx, id, "retried", ""); err != nil {
		return models.Job{}, err
	}
	return p.Get(ctx, id)
}

func (p *Postgres) Claim(ctx context.Context, id string, version int64) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE jobs SET version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2 AND status = $3
	`, id, version, models.StatusRunning)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// AppendAudit adds an audit row.
func (p *Postgres) AppendAudit(ctx context.Context, id, event, detail string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, id, event, detail)
	return err
}

func (p *Postgres) Audit(ctx context.Context, id string) ([]models.AuditLog, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT job_id, event, detail, ts FROM audit_logs WHERE job_id = $1 ORDER BY id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()
	var out []models.AuditLog
	for rows.Next() {
		var entry models.AuditLog
		if err := rows.Scan(&entry.JobID, &entry.Event, &entry.Detail, &entry.Recorded); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (p *Postgres) queryJobs(ctx context.Context, query string, args ...any) ([]models.Job, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()
	var jobs []models.Job
	for rows.Next() {
		job, err := scanPGJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()
	for i := range jobs {
		if jobs[i].Artifacts, err = p.artifacts(ctx, jobs[i].ID); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

func (p *Postgres) artifacts(ctx context.Context, id string) ([]models.StageArtifact, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT stage, artifact_key, mime_type, byte_length, sha256, recorded_at
		FROM job_artifacts WHERE job_id = $1
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()
	var out []models.StageArtifact
	for rows.Next() {
		var a models.StageArtifact
		if err := rows.Scan(&a.Stage, &a.Key, &a.MimeType, &a.ByteLength, &a.SHA256, &a.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, a)
	}
	sortArtifacts(out)
	return out, rows.Err()
}

func (p *Postgres) ensureExists(ctx context.Context, id string) error {
	var one int
	err := p.pool.QueryRow(ctx, `SELECT 1 FROM jobs WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func scanPGJob(row pgx.Row) (models.Job, error) {
	var (
		job     models.Job
		lastErr pgtype.Text
	)
	if err := row.Scan(&job.ID, &job.Source, &job.Stage, &job.Status, &lastErr, &job.Version, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if lastErr.Valid {
		job.LastError = strPtr(lastErr.String)
	}
	return job, nil
}
