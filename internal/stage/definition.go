package stage

import (
	"time"

	"voicecard/internal/config"
	"voicecard/internal/models"
	"voicecard/internal/retry"
)

// Idempotency declares whether a stage's output may be overwritten by a re-run.
type Idempotency string

const (
	// SafeToRetry stages are deterministic; their output key stays mutable.
	SafeToRetry Idempotency = "safe_to_retry"
	// MustDedupe stages write their output once; later runs reuse it.
	MustDedupe Idempotency = "must_dedupe"
)

// Definition is the static wiring of one stage, fixed at startup.
type Definition struct {
	Stage       models.Stage
	TopicIn     string
	TopicOut    string
	Idempotency Idempotency
	Timeout     time.Duration
	Retry       retry.Policy
}

var layout = []struct {
	stage   models.Stage
	in, out string
	idem    Idempotency
}{
	{models.StageTranscribing, models.TopicAudioIngested, models.TopicTextTranscribed, MustDedupe},
	{models.StageNormalizing, models.TopicTextTranscribed, models.TopicDocumentNormalized, MustDedupe},
	{models.StageRendering, models.TopicDocumentNormalized, models.TopicCardRendered, SafeToRetry},
}

// Definitions builds the stage table from cfg.
func Definitions(cfg config.Config) []Definition {
	defs := make([]Definition, 0, len(layout))
	for _, l := range layout {
		defs = append(defs, Definition{
			Stage:       l.stage,
			TopicIn:     l.in,
			TopicOut:    l.out,
			Idempotency: l.idem,
			Timeout:     cfg.TimeoutFor(string(l.stage)),
			Retry: retry.Policy{
				Initial:     cfg.BackoffInitial,
				Max:         cfg.BackoffMax,
				MaxAttempts: cfg.StageMaxAttempts,
			},
		})
	}
	return defs
}

// ConsumerOf returns the stage a job must sit at for an event on topic to apply.
// The terminal topic is consumed once the job is COMPLETED.
func ConsumerOf(topic string) (models.Stage, bool) {
	if topic == models.TopicCardRendered {
		return models.StageCompleted, true
	}
	for _, l := range layout {
		if l.in == topic {
			return l.stage, true
		}
	}
	return "", false
}

// InputTopic returns the topic that feeds stage.
func InputTopic(stage models.Stage) (string, bool) {
	for _, l := range layout {
		if l.stage == stage {
			return l.in, true
		}
	}
	return "", false
}

// OutputTopic returns the topic stage publishes on success.
func OutputTopic(stage models.Stage) (string, bool) {
	for _, l := range layout {
		if l.stage == stage {
			return l.out, true
		}
	}
	return "", false
}
