// Package transcribe provides speech-to-text collaborators.
package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"voicecard/internal/stage"
)

// defaultConfidence is reported when the backend returns no per-segment scores.
const defaultConfidence = 0.9

// HTTPClient calls a Whisper-compatible /audio/transcriptions endpoint.
type HTTPClient struct {
	url    string
	apiKey string
	model  string
	http   *http.Client
}

var _ stage.Transcriber = (*HTTPClient)(nil)

func NewHTTP(url, apiKey, model string, client *http.Client) *HTTPClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPClient{url: url, apiKey: apiKey, model: model, http: client}
}

type verboseResponse struct {
	Text     string `json:"text"`
	Segments []struct {
		AvgLogprob float64 `json:"avg_logprob"`
	} `json:"segments"`
}

func (c *HTTPClient) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, float64, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", "audio"+extensionFor(mimeType))
	if err != nil {
		return "", 0, err
	}
	if _, err := part.Write(audio); err != nil {
		return "", 0, err
	}
	_ = w.WriteField("model", c.model)
	_ = w.WriteField("response_format", "verbose_json")
	if err := w.Close(); err != nil {
		return "", 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, &body)
	if err != nil {
		return "", 0, stage.Permanent(fmt.Errorf("build transcription request: %w", err))
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", 0, stage.Transient(fmt.Errorf("transcription request: %w", err))
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", 0, stage.Transient(fmt.Errorf("read transcription response: %w", err))
	}
	if resp.StatusCode >= 300 {
		err := fmt.Errorf("transcription service returned %d: %s", resp.StatusCode, snippet(payload))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout {
			return "", 0, stage.Transient(err)
		}
		return "", 0, stage.Permanent(err)
	}

	var out verboseResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return "", 0, stage.Transient(fmt.Errorf("decode transcription response: %w", err))
	}
	if strings.TrimSpace(out.Text) == "" {
		return "", 0, stage.Rejected("no speech recognized", nil)
	}
	return out.Text, confidence(out), nil
}

// confidence is the geometric mean token probability across segments.
func confidence(r verboseResponse) float64 {
	if len(r.Segments) == 0 {
		return defaultConfidence
	}
	var sum float64
	for _, s := range r.Segments {
		sum += s.AvgLogprob
	}
	c := math.Exp(sum / float64(len(r.Segments)))
	return math.Max(0, math.Min(1, c))
}

func extensionFor(mimeType string) string {
	base, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return ".bin"
	}
	switch base {
	case "audio/mpeg":
		return ".mp3"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/webm":
		return ".webm"
	case "audio/ogg":
		return ".ogg"
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		return ".m4a"
	}
	if exts, _ := mime.ExtensionsByType(base); len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if r := []rune(s); len(r) > 200 {
		return string(r[:200]) + "..."
	}
	return s
}
