// Package normalize turns raw recipe transcripts into structured recipe documents with an LLM.
package normalize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/googleapis/gax-go/v2/apierror"
	"github.com/xeipuuv/gojsonschema"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"voicecard/internal/recipe"
	"voicecard/internal/stage"
)

const recipeSchema = `{
  "type": "object",
  "required": ["title", "ingredients", "steps"],
  "properties": {
    "title": {"type": "string", "minLength": 1},
    "ingredients": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "amount", "unit"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "amount": {"type": "string", "minLength": 1},
          "unit": {"type": "string"}
        }
      }
    },
    "steps": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}}
  }
}`

const promptTemplate = `You normalize spoken recipes into structured data.
Return only JSON with this shape:
{"title": string, "ingredients": [{"name": string, "amount": string, "unit": string}], "steps": [string]}

Rules:
- Keep the language of the transcript.
- Every ingredient needs a concrete amount and unit. Replace vague quantities such as "适量", "少许"
  or "a pinch" with a typical concrete value, e.g. "盐适量" becomes {"name": "盐", "amount": "5", "unit": "克"}.
- Steps are short imperative sentences in cooking order, without numbering.

Transcript:
%s`

// Normalizer implements stage.Normalizer.
type Normalizer struct {
	model  Model
	schema *gojsonschema.Schema
}

var _ stage.Normalizer = (*Normalizer)(nil)

func New(model Model) (*Normalizer, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(recipeSchema))
	if err != nil {
		return nil, fmt.Errorf("compile recipe schema: %w", err)
	}
	return &Normalizer{model: model, schema: schema}, nil
}

// Normalize returns the recipe markdown for transcript.
func (n *Normalizer) Normalize(ctx context.Context, transcript string) (string, error) {
	raw, err := n.model.GenerateJSON(ctx, fmt.Sprintf(promptTemplate, transcript))
	if err != nil {
		return "", classify(err)
	}
	doc, err := n.decode(cleanJSONBlock(raw))
	if err != nil {
		// Model output varies between calls, so a malformed reply is worth another try.
		return "", stage.Transient(err)
	}
	return doc.Markdown(), nil
}

func (n *Normalizer) decode(raw string) (recipe.Recipe, error) {
	result, err := n.schema.Validate(gojsonschema.NewStringLoader(raw))
	if err != nil {
		return recipe.Recipe{}, fmt.Errorf("model reply is not JSON: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return recipe.Recipe{}, fmt.Errorf("model reply does not match recipe schema: %s", strings.Join(msgs, "; "))
	}
	var r recipe.Recipe
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return recipe.Recipe{}, fmt.Errorf("decode recipe: %w", err)
	}
	return r, nil
}

// classify maps Gemini API failures onto the stage error taxonomy.
func classify(err error) error {
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return stage.Rejected("recipe text was blocked by the content filter", fmt.Errorf("content blocked: %w", err))
	}
	if ae, ok := apierror.FromError(err); ok {
		if s := ae.GRPCStatus(); s != nil {
			return byCode(s.Code(), err)
		}
		if c := ae.HTTPCode(); c >= 400 && c < 500 && c != 408 && c != 429 {
			return stage.Permanent(err)
		}
		return stage.Transient(err)
	}
	if s, ok := status.FromError(err); ok {
		return byCode(s.Code(), err)
	}
	return stage.Transient(err)
}

func byCode(code codes.Code, err error) error {
	switch code {
	case codes.InvalidArgument, codes.PermissionDenied, codes.Unauthenticated,
		codes.NotFound, codes.FailedPrecondition, codes.Unimplemented:
		return stage.Permanent(err)
	default:
		return stage.Transient(err)
	}
}
