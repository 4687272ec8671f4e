// Package recovery re-drives jobs whose progress stalled, for example after a worker crash
// between storing an artifact and advancing the ledger or publishing the next event.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"voicecard/internal/artifacts"
	"voicecard/internal/config"
	"voicecard/internal/logging"
	"voicecard/internal/models"
	"voicecard/internal/stage"
	"voicecard/internal/telemetry"
)

// Ledger is what the sweeper needs from the job ledger.
type Ledger interface {
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error)
	Claim(ctx context.Context, id string, version int64) (bool, error)
	Advance(ctx context.Context, id string, from models.Stage, out models.StageArtifact) (bool, error)
}

// Options tune the sweep cadence.
type Options struct {
	Interval   time.Duration
	StaleAfter time.Duration
	BatchSize  int
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Interval:   cfg.RecoveryInterval,
		StaleAfter: cfg.RecoveryStaleAfter,
		BatchSize:  cfg.RecoveryBatchSize,
	}
}

// Result counts what one sweep did.
type Result struct {
	Scanned     int
	Claimed     int
	Advanced    int
	Republished int
}

type Sweeper struct {
	ledger Ledger
	store  artifacts.Store
	pub    stage.Publisher
	opts   Options
	log    *zap.Logger
	now    func() time.Time
}

func New(l Ledger, store artifacts.Store, pub stage.Publisher, opts Options, log *zap.Logger) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 10 * time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	return &Sweeper{
		ledger: l,
		store:  store,
		pub:    pub,
		opts:   opts,
		log:    logging.OrNop(log).Named("recovery"),
		now:    time.Now,
	}
}

// Run sweeps every Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		if res, err := s.SweepOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn("recovery sweep failed", zap.Error(err))
		} else if res.Claimed > 0 {
			s.log.Info("recovery sweep",
				zap.Int("scanned", res.Scanned),
				zap.Int("advanced", res.Advanced),
				zap.Int("republished", res.Republished))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SweepOnce scans running jobs untouched for StaleAfter. Each is claimed by version so
// concurrent sweepers act on it at most once; then either its stored output is used to
// advance the ledger, or its input event is published again.
func (s *Sweeper) SweepOnce(ctx context.Context) (Result, error) {
	var res Result
	jobs, err := s.ledger.ListStale(ctx, s.now().Add(-s.opts.StaleAfter), s.opts.BatchSize)
	if err != nil {
		return res, fmt.Errorf("list stale jobs: %w", err)
	}
	res.Scanned = len(jobs)
	for _, job := range jobs {
		if !job.Stage.InProgress() {
			continue
		}
		log := s.log.With(zap.String(logging.FieldJobID, job.ID), zap.String(logging.FieldStage, string(job.Stage)))
		claimed, err := s.ledger.Claim(ctx, job.ID, job.Version)
		if err != nil {
			return res, fmt.Errorf("claim %s: %w", job.ID, err)
		}
		if !claimed {
			continue
		}
		res.Claimed++
		advanced, err := s.recover(ctx, log, job)
		if err != nil {
			log.Warn("recover job failed", zap.Error(err))
			continue
		}
		if advanced {
			res.Advanced++
		} else {
			res.Republished++
		}
	}
	return res, nil
}

func (s *Sweeper) recover(ctx context.Context, log *zap.Logger, job models.Job) (bool, error) {
	ref, err := s.store.Stat(ctx, artifacts.Key(job.ID, job.Stage))
	switch {
	case err == nil:
		applied, err := s.ledger.Advance(ctx, job.ID, job.Stage, ref.StageArtifact())
		if err != nil {
			return false, err
		}
		if !applied {
			return true, nil
		}
		topic, _ := stage.OutputTopic(job.Stage)
		if err := s.pub.Publish(ctx, topic, job.ID, ref.Key); err != nil {
			return true, err
		}
		log.Info("advanced from stored output", zap.String("artifact", ref.Key))
		telemetry.RecoveryActions.WithLabelValues("advanced").Inc()
		return true, nil
	case errors.Is(err, artifacts.ErrNotFound):
		topic, _ := stage.InputTopic(job.Stage)
		inRef := ""
		if prev, ok := job.Stage.Prev(); ok {
			if a, ok := job.Artifact(prev); ok {
				inRef = a.Key
			}
		}
		if err := s.pub.Publish(ctx, topic, job.ID, inRef); err != nil {
			return false, err
		}
		log.Info("republished input event", zap.String(logging.FieldTopic, topic))
		telemetry.RecoveryActions.WithLabelValues("republished").Inc()
		return false, nil
	default:
		return false, err
	}
}
