package stage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// MIME types of stage outputs.
const (
	MimeTranscript = "text/plain; charset=utf-8"
	MimeDocument   = "text/markdown; charset=utf-8"
	MimeCard       = "image/png"
)

// Input is the upstream artifact handed to a transform.
type Input struct {
	JobID    string
	Data     []byte
	MimeType string
}

// Output is what a transform produces for the artifact store.
type Output struct {
	Data     []byte
	MimeType string
}

// Transform is the stage-specific pure transformation the harness wraps.
type Transform interface {
	Transform(ctx context.Context, in Input) (Output, error)
}

// TransformFunc adapts a function to Transform.
type TransformFunc func(ctx context.Context, in Input) (Output, error)

func (f TransformFunc) Transform(ctx context.Context, in Input) (Output, error) { return f(ctx, in) }

// Transcriber turns audio into text with a confidence in [0,1].
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, float64, error)
}

// Normalizer turns a raw transcript into a structured recipe document.
type Normalizer interface {
	Normalize(ctx context.Context, transcript string) (string, error)
}

// Renderer draws a recipe document into PNG bytes with a QR code pointing at qrURL.
type Renderer interface {
	Render(ctx context.Context, document, qrURL string) ([]byte, error)
}

// Transcription wraps t. Text uploads skip the speech model. Transcripts under
// minConfidence fail permanently.
func Transcription(t Transcriber, minConfidence float64) TransformFunc {
	return func(ctx context.Context, in Input) (Output, error) {
		var (
			text       string
			confidence = 1.0
		)
		if strings.HasPrefix(in.MimeType, "text/") {
			text = string(in.Data)
		} else {
			if t == nil {
				return Output{}, Rejected(fmt.Sprintf("%s uploads are not supported", in.MimeType), nil)
			}
			var err error
			if text, confidence, err = t.Transcribe(ctx, in.Data, in.MimeType); err != nil {
				return Output{}, err
			}
		}
		text = norm.NFC.String(strings.TrimSpace(text))
		if text == "" {
			return Output{}, Rejected("no speech recognized", nil)
		}
		if confidence < minConfidence {
			return Output{}, Rejected(fmt.Sprintf("speech too unclear to transcribe (confidence %.2f, need %.2f)", confidence, minConfidence), nil)
		}
		return Output{Data: []byte(text), MimeType: MimeTranscript}, nil
	}
}

// Normalization wraps n.
func Normalization(n Normalizer) TransformFunc {
	return func(ctx context.Context, in Input) (Output, error) {
		doc, err := n.Normalize(ctx, string(in.Data))
		if err != nil {
			return Output{}, err
		}
		if strings.TrimSpace(doc) == "" {
			return Output{}, Transient(errors.New("normalizer returned an empty document"))
		}
		return Output{Data: []byte(doc), MimeType: MimeDocument}, nil
	}
}

// Rendering wraps r; the QR code links to the recipe page under publicBaseURL.
func Rendering(r Renderer, publicBaseURL string) TransformFunc {
	return func(ctx context.Context, in Input) (Output, error) {
		png, err := r.Render(ctx, string(in.Data), RecipeURL(publicBaseURL, in.JobID))
		if err != nil {
			return Output{}, err
		}
		if len(png) == 0 {
			return Output{}, Transient(fmt.Errorf("renderer returned no bytes"))
		}
		return Output{Data: png, MimeType: MimeCard}, nil
	}
}

// RecipeURL is the QR target for a job.
func RecipeURL(base, jobID string) string {
	return strings.TrimRight(base, "/") + "/recipes/" + jobID
}

// CardURL is the download location of a job's card.
func CardURL(base, jobID string) string {
	return strings.TrimRight(base, "/") + "/jobs/" + jobID + "/card"
}
