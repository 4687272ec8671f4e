// Package pipeline assembles stage harnesses, collaborators and the event router into a
// running worker.
package pipeline

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"voicecard/internal/artifacts"
	"voicecard/internal/collab/normalize"
	"voicecard/internal/collab/render"
	"voicecard/internal/collab/transcribe"
	"voicecard/internal/config"
	"voicecard/internal/ledger"
	"voicecard/internal/models"
	"voicecard/internal/router"
	"voicecard/internal/stage"
)

// Collaborators are the external services each stage delegates to.
type Collaborators struct {
	Transcriber stage.Transcriber
	Normalizer  stage.Normalizer
	Renderer    stage.Renderer
}

// NewCollaborators builds the collaborators selected by cfg. The returned func releases
// client resources.
func NewCollaborators(ctx context.Context, cfg config.Config) (Collaborators, func() error, error) {
	var c Collaborators
	switch cfg.TranscribeBackend {
	case "local":
		c.Transcriber = transcribe.NewLocal(cfg.FFmpegPath, cfg.WhisperCPPPath, cfg.WhisperModelPath, cfg.WhisperLanguage)
	default:
		c.Transcriber = transcribe.NewHTTP(cfg.WhisperAPIURL, cfg.WhisperAPIKey, cfg.WhisperModel,
			&http.Client{Timeout: cfg.TimeoutFor(string(models.StageTranscribing))})
	}

	switch cfg.RenderBackend {
	case "browser":
		c.Renderer = render.NewBrowser(cfg.TimeoutFor(string(models.StageRendering)))
	default:
		r, err := render.NewRaster(cfg.RenderFontPath)
		if err != nil {
			return Collaborators{}, nil, err
		}
		c.Renderer = r
	}

	gemini, err := normalize.NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	if err != nil {
		return Collaborators{}, nil, err
	}
	n, err := normalize.New(gemini)
	if err != nil {
		_ = gemini.Close()
		return Collaborators{}, nil, err
	}
	c.Normalizer = n
	return c, gemini.Close, nil
}

// Transforms maps each stage onto the transform that performs it.
func Transforms(cfg config.Config, c Collaborators) map[models.Stage]stage.Transform {
	return map[models.Stage]stage.Transform{
		models.StageTranscribing: stage.Transcription(c.Transcriber, cfg.MinConfidence),
		models.StageNormalizing:  stage.Normalization(c.Normalizer),
		models.StageRendering:    stage.Rendering(c.Renderer, cfg.PublicBaseURL),
	}
}

// Register subscribes one harness per stage plus the completion notifier on r, and
// installs the ledger gate.
func Register(cfg config.Config, r *router.Router, l ledger.Ledger, store artifacts.Store, c Collaborators, log *zap.Logger) ([]*stage.Harness, error) {
	transforms := Transforms(cfg, c)
	concurrency := cfg.StageConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	var harnesses []*stage.Harness
	for _, def := range stage.Definitions(cfg) {
		t, ok := transforms[def.Stage]
		if !ok {
			return nil, fmt.Errorf("no transform for stage %s", def.Stage)
		}
		h := stage.NewHarness(def, t, l, store, r, log)
		r.Subscribe(def.TopicIn, concurrency, h.Handle)
		harnesses = append(harnesses, h)
	}
	r.Subscribe(models.TopicCardRendered, 1, stage.NewNotifier(l, cfg.PublicBaseURL, log).Handle)
	r.SetGate(stage.LedgerGate{Ledger: l})
	return harnesses, nil
}
