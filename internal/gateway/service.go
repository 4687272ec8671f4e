// Package gateway is the public edge of the pipeline: it accepts recordings and text,
// creates jobs, and serves the finished card once the ledger says it is complete.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"voicecard/internal/artifacts"
	"voicecard/internal/config"
	"voicecard/internal/ledger"
	"voicecard/internal/logging"
	"voicecard/internal/models"
	"voicecard/internal/router"
	"voicecard/internal/stage"
	"voicecard/internal/telemetry"
)

var (
	ErrNotFound        = errors.New("job not found")
	ErrEmptyInput      = errors.New("empty input")
	ErrTooLarge        = errors.New("input exceeds size limit")
	ErrUnsupportedType = errors.New("unsupported media type")
)

// NotReadyError means the job exists but has not produced the requested artifact yet.
type NotReadyError struct {
	Stage models.Stage
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("job not ready: %s", e.Stage)
}

// FailedError means the job stopped at Stage; Reason is the recorded last_error.
type FailedError struct {
	Stage  models.Stage
	Reason string
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("job failed at %s: %s", e.Stage, e.Reason)
}

// DeadLetters exposes the router's dead-letter list to operators.
type DeadLetters interface {
	DLQPeek(ctx context.Context, count int64) ([]router.DeadLetter, error)
}

// JobStatus is a job with its operator-facing state and audit trail.
type JobStatus struct {
	Job   models.Job        `json:"job"`
	State string            `json:"state"`
	Audit []models.AuditLog `json:"audit"`
}

type Service struct {
	ledger       ledger.Ledger
	store        artifacts.Store
	pub          stage.Publisher
	dlq          DeadLetters
	rdb          redis.Cmdable
	maxBytes     int64
	recordingTTL time.Duration
	log          *zap.Logger
}

func New(cfg config.Config, l ledger.Ledger, store artifacts.Store, pub stage.Publisher, dlq DeadLetters, rdb redis.Cmdable, log *zap.Logger) *Service {
	return &Service{
		ledger:       l,
		store:        store,
		pub:          pub,
		dlq:          dlq,
		rdb:          rdb,
		maxBytes:     cfg.IngestMaxBytes,
		recordingTTL: cfg.RecordingTTL,
		log:          logging.OrNop(log).Named("gateway"),
	}
}

// Ingest stores the raw input, creates the job, moves it into TRANSCRIBING and publishes
// audio.ingested. A publish failure leaves the job running; the recovery sweep re-publishes it.
func (s *Service) Ingest(ctx context.Context, r io.Reader, mimeType, source string) (models.Job, error) {
	mediaType, err := checkMediaType(mimeType, source)
	if err != nil {
		return models.Job{}, err
	}
	data, err := io.ReadAll(io.LimitReader(r, s.maxBytes+1))
	if err != nil {
		return models.Job{}, fmt.Errorf("read input: %w", err)
	}
	if int64(len(data)) > s.maxBytes {
		return models.Job{}, ErrTooLarge
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return models.Job{}, ErrEmptyInput
	}

	return s.start(ctx, uuid.NewString(), data, mediaType, source)
}

// start stores the upload and opens job id at TRANSCRIBING. Calling it again with the
// same id and bytes returns the existing job without publishing twice.
func (s *Service) start(ctx context.Context, id string, data []byte, mediaType, source string) (models.Job, error) {
	log := s.log.With(zap.String(logging.FieldJobID, id))
	ref, err := s.store.Put(ctx, artifacts.Key(id, models.StageCreated), data, artifacts.Metadata{
		Stage:     models.StageCreated,
		MimeType:  mediaType,
		Immutable: true,
	})
	if err != nil {
		return models.Job{}, fmt.Errorf("store raw input: %w", err)
	}
	job, created, err := s.ledger.Start(ctx, id, source, ref.StageArtifact())
	if err != nil {
		return models.Job{}, fmt.Errorf("start job: %w", err)
	}
	if !created {
		return job, nil
	}
	if err := s.pub.Publish(ctx, models.TopicAudioIngested, id, ref.Key); err != nil {
		log.Warn("publish after ingest failed; recovery will retry", zap.Error(err))
	}
	telemetry.IngestCounter.WithLabelValues(source).Inc()
	log.Info("job ingested", zap.String("source", source), zap.String("mime", mediaType), zap.Int("bytes", len(data)))
	return job, nil
}

func checkMediaType(mimeType, source string) (string, error) {
	mediaType, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, mimeType)
	}
	switch source {
	case models.SourceText:
		if !strings.HasPrefix(mediaType, "text/") {
			return "", fmt.Errorf("%w: text upload must be text/*, got %s", ErrUnsupportedType, mediaType)
		}
		if cs := params["charset"]; cs != "" && !strings.EqualFold(cs, "utf-8") {
			return "", fmt.Errorf("%w: charset %s", ErrUnsupportedType, cs)
		}
		return stage.MimeTranscript, nil
	case models.SourceBatch, models.SourceLive:
		if strings.HasPrefix(mediaType, "audio/") || mediaType == "video/webm" || mediaType == "application/octet-stream" {
			return mediaType, nil
		}
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, mediaType)
	default:
		return "", fmt.Errorf("unknown source %q", source)
	}
}

// Fetch returns the rendered card.
func (s *Service) Fetch(ctx context.Context, id string) ([]byte, string, error) {
	return s.artifactOf(ctx, id, models.StageRendering)
}

// Document returns the normalized recipe, which is what the card's QR code points at.
func (s *Service) Document(ctx context.Context, id string) ([]byte, string, error) {
	return s.artifactOf(ctx, id, models.StageNormalizing)
}

func (s *Service) artifactOf(ctx context.Context, id string, producer models.Stage) ([]byte, string, error) {
	job, err := s.job(ctx, id)
	if err != nil {
		return nil, "", err
	}
	a, ok := job.Artifact(producer)
	if !ok {
		if job.Status == models.StatusFailed {
			reason := ""
			if job.LastError != nil {
				reason = *job.LastError
			}
			return nil, "", &FailedError{Stage: job.Stage, Reason: reason}
		}
		return nil, "", &NotReadyError{Stage: job.Stage}
	}
	data, ref, err := s.store.Get(ctx, a.Key)
	if err != nil {
		return nil, "", fmt.Errorf("load %s: %w", a.Key, err)
	}
	return data, ref.MimeType, nil
}

// Retry re-enters FAILED(stage) at the same stage and re-publishes its input event.
func (s *Service) Retry(ctx context.Context, id string) (models.Job, error) {
	job, err := s.ledger.Retry(ctx, id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return models.Job{}, ErrNotFound
		}
		return models.Job{}, err
	}
	topic, ok := stage.InputTopic(job.Stage)
	if !ok {
		return job, fmt.Errorf("%w: no input topic for %s", ledger.ErrInvalidTransition, job.Stage)
	}
	inRef := ""
	if prev, ok := job.Stage.Prev(); ok {
		if a, ok := job.Artifact(prev); ok {
			inRef = a.Key
		}
	}
	if err := s.pub.Publish(ctx, topic, id, inRef); err != nil {
		s.log.Warn("publish after retry failed; recovery will retry", zap.String(logging.FieldJobID, id), zap.Error(err))
	}
	s.log.Info("job retried", zap.String(logging.FieldJobID, id), zap.String(logging.FieldStage, string(job.Stage)))
	return job, nil
}

// Cancel fails a running job at its current stage. In-flight work for it will lose its
// ledger update.
func (s *Service) Cancel(ctx context.Context, id, reason string) (models.Job, error) {
	job, err := s.job(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	if !job.Stage.InProgress() || job.Status != models.StatusRunning {
		return job, fmt.Errorf("%w: job is %s", ledger.ErrInvalidTransition, job.State())
	}
	if strings.TrimSpace(reason) == "" {
		reason = "cancelled by operator"
	}
	applied, err := s.ledger.Fail(ctx, id, job.Stage, reason)
	if err != nil {
		return job, err
	}
	if !applied {
		return job, fmt.Errorf("%w: job moved on from %s", ledger.ErrInvalidTransition, job.Stage)
	}
	return s.job(ctx, id)
}

func (s *Service) Status(ctx context.Context, id string) (JobStatus, error) {
	job, err := s.job(ctx, id)
	if err != nil {
		return JobStatus{}, err
	}
	audit, err := s.ledger.Audit(ctx, id)
	if err != nil {
		return JobStatus{}, err
	}
	return JobStatus{Job: job, State: job.State(), Audit: audit}, nil
}

func (s *Service) List(ctx context.Context, limit int) ([]models.Job, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.ledger.List(ctx, limit)
}

func (s *Service) DeadLetters(ctx context.Context, count int64) ([]router.DeadLetter, error) {
	if s.dlq == nil {
		return nil, nil
	}
	return s.dlq.DLQPeek(ctx, count)
}

func (s *Service) job(ctx context.Context, id string) (models.Job, error) {
	job, err := s.ledger.Get(ctx, id)
	if errors.Is(err, ledger.ErrNotFound) {
		return models.Job{}, ErrNotFound
	}
	return job, err
}
