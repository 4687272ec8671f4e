package stage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"voicecard/internal/artifacts"
	"voicecard/internal/ledger"
	"voicecard/internal/logging"
	"voicecard/internal/models"
	"voicecard/internal/retry"
	"voicecard/internal/telemetry"
)

// JobLedger is the slice of the ledger a stage handler needs.
type JobLedger interface {
	Get(ctx context.Context, id string) (models.Job, error)
	Advance(ctx context.Context, id string, from models.Stage, out models.StageArtifact) (bool, error)
	Fail(ctx context.Context, id string, stage models.Stage, reason string) (bool, error)
}

// Publisher emits the next stage's event.
type Publisher interface {
	Publish(ctx context.Context, topic, jobID, artifactRef string) error
}

// Harness runs one stage: it loads the job, invokes the transform under a timeout with
// bounded retries, stores the output durably, advances the ledger and publishes the
// next topic, in that order.
type Harness struct {
	def       Definition
	transform Transform
	ledger    JobLedger
	store     artifacts.Store
	pub       Publisher
	log       *zap.Logger
}

func NewHarness(def Definition, transform Transform, l JobLedger, store artifacts.Store, pub Publisher, log *zap.Logger) *Harness {
	if def.Retry.MaxAttempts <= 0 {
		def.Retry.MaxAttempts = 1
	}
	return &Harness{
		def:       def,
		transform: transform,
		ledger:    l,
		store:     store,
		pub:       pub,
		log:       logging.OrNop(log).Named("stage").With(zap.String(logging.FieldStage, string(def.Stage))),
	}
}

func (h *Harness) Definition() Definition { return h.def }

// Handle processes one delivery. It returns an error only when the event should be
// redelivered; stale or duplicate events and recorded failures return nil.
func (h *Harness) Handle(ctx context.Context, ev models.Event) error {
	log := h.log.With(
		zap.String(logging.FieldJobID, ev.JobID),
		zap.String(logging.FieldEventID, ev.ID),
		zap.Int(logging.FieldAttempt, ev.Attempt))

	job, err := h.ledger.Get(ctx, ev.JobID)
	if errors.Is(err, ledger.ErrNotFound) {
		log.Warn("event for unknown job dropped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job %s: %w", ev.JobID, err)
	}
	if !ledger.Deliverable(job, h.def.Stage) {
		log.Debug("job no longer at this stage, dropping", zap.String("state", job.State()))
		telemetry.StageOutcomes.WithLabelValues(string(h.def.Stage), telemetry.OutcomeDuplicate).Inc()
		return nil
	}

	outKey := artifacts.Key(job.ID, h.def.Stage)
	ref, err := h.store.Stat(ctx, outKey)
	switch {
	case err == nil:
		// Output survived an earlier run that stopped before advancing.
		log.Info("reusing stored output", zap.String("key", outKey))
		telemetry.StageOutcomes.WithLabelValues(string(h.def.Stage), telemetry.OutcomeReused).Inc()
	case errors.Is(err, artifacts.ErrNotFound):
		var produced bool
		ref, produced, err = h.produce(ctx, log, job, ev)
		if err != nil || !produced {
			return err
		}
	default:
		return fmt.Errorf("stat %s: %w", outKey, err)
	}
	return h.complete(ctx, log, job.ID, ref)
}

// produce runs the transform and stores its output. produced is false when the job was
// failed instead.
func (h *Harness) produce(ctx context.Context, log *zap.Logger, job models.Job, ev models.Event) (artifacts.Ref, bool, error) {
	inKey := ev.ArtifactRef
	if prev, ok := h.def.Stage.Prev(); ok {
		if a, ok := job.Artifact(prev); ok {
			inKey = a.Key
		}
	}
	data, inRef, err := h.store.Get(ctx, inKey)
	if errors.Is(err, artifacts.ErrNotFound) {
		return artifacts.Ref{}, false, h.fail(ctx, log, job.ID, fmt.Errorf("%w: %s", errInputMissing, inKey))
	}
	if err != nil {
		return artifacts.Ref{}, false, fmt.Errorf("read input %s: %w", inKey, err)
	}

	out, err := h.run(ctx, log, Input{JobID: job.ID, Data: data, MimeType: inRef.MimeType})
	if err != nil {
		if ctx.Err() != nil {
			return artifacts.Ref{}, false, ctx.Err()
		}
		return artifacts.Ref{}, false, h.fail(ctx, log, job.ID, err)
	}

	outKey := artifacts.Key(job.ID, h.def.Stage)
	ref, err := h.store.Put(ctx, outKey, out.Data, artifacts.Metadata{
		Stage:     h.def.Stage,
		MimeType:  out.MimeType,
		Immutable: h.def.Idempotency == MustDedupe,
	})
	if errors.Is(err, artifacts.ErrConflict) {
		// A concurrent run stored its output first; that one wins.
		log.Info("output already written by another worker", zap.String("key", outKey))
		ref, err = h.store.Stat(ctx, outKey)
	}
	if err != nil {
		return artifacts.Ref{}, false, fmt.Errorf("store output %s: %w", outKey, err)
	}
	return ref, true, nil
}

// run invokes the transform with a per-attempt timeout and exponential backoff between
// transient failures.
func (h *Harness) run(ctx context.Context, log *zap.Logger, in Input) (Output, error) {
	stageLabel := string(h.def.Stage)
	for attempt := 1; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, h.timeout())
		start := time.Now()
		out, err := h.transform.Transform(callCtx, in)
		cancel()
		telemetry.StageDuration.WithLabelValues(stageLabel).Observe(time.Since(start).Seconds())
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return Output{}, ctx.Err()
		}
		timedOut := errors.Is(err, context.DeadlineExceeded)
		if timedOut {
			err = Transient(fmt.Errorf("timed out after %s", h.timeout()))
		}
		if IsPermanent(err) {
			telemetry.CollaboratorErrors.WithLabelValues(stageLabel, "permanent").Inc()
			return Output{}, err
		}
		telemetry.CollaboratorErrors.WithLabelValues(stageLabel, "transient").Inc()
		if attempt >= h.def.Retry.MaxAttempts {
			return Output{}, &exhaustedError{attempts: attempt, timedOut: timedOut, err: err}
		}
		delay := h.def.Retry.Delay(attempt)
		log.Warn("transient stage error, retrying", zap.Int("try", attempt), zap.Duration("delay", delay), zap.Error(err))
		telemetry.StageOutcomes.WithLabelValues(stageLabel, telemetry.OutcomeRetried).Inc()
		if err := retry.Sleep(ctx, delay); err != nil {
			return Output{}, err
		}
	}
}

func (h *Harness) timeout() time.Duration {
	if h.def.Timeout > 0 {
		return h.def.Timeout
	}
	return 2 * time.Minute
}

// fail records a public reason on the job; the cause itself only reaches the log.
func (h *Harness) fail(ctx context.Context, log *zap.Logger, jobID string, cause error) error {
	applied, err := h.ledger.Fail(ctx, jobID, h.def.Stage, PublicReason(h.def.Stage, cause))
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	if applied {
		log.Error("stage failed", zap.Error(cause))
		telemetry.StageOutcomes.WithLabelValues(string(h.def.Stage), telemetry.OutcomeFailed).Inc()
	}
	return nil
}

func (h *Harness) complete(ctx context.Context, log *zap.Logger, jobID string, ref artifacts.Ref) error {
	applied, err := h.ledger.Advance(ctx, jobID, h.def.Stage, ref.StageArtifact())
	if err != nil {
		return fmt.Errorf("advance: %w", err)
	}
	if !applied {
		log.Debug("advance lost to a concurrent writer")
		telemetry.StageOutcomes.WithLabelValues(string(h.def.Stage), telemetry.OutcomeDuplicate).Inc()
		return nil
	}
	telemetry.StageOutcomes.WithLabelValues(string(h.def.Stage), telemetry.OutcomeAdvanced).Inc()
	if err := h.pub.Publish(ctx, h.def.TopicOut, jobID, ref.Key); err != nil {
		// The ledger already moved on; the recovery sweep republishes stale jobs.
		log.Error("publish failed", zap.String(logging.FieldTopic, h.def.TopicOut), zap.Error(err))
		return nil
	}
	log.Info("stage completed", zap.String("artifact", ref.Key))
	return nil
}
