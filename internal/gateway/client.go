package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"voicecard/internal/models"
	"voicecard/internal/router"
)

// Client talks to a gateway over HTTP and maps its replies back onto the service errors.
type Client struct {
	base string
	http *http.Client
}

func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: hc}
}

func (c *Client) Ingest(ctx context.Context, body io.Reader, mimeType string) (models.Job, error) {
	path := "/jobs"
	if strings.HasPrefix(mimeType, "text/") {
		path = "/jobs/text"
	}
	var job models.Job
	err := c.do(ctx, http.MethodPost, path, mimeType, body, &job)
	return job, err
}

func (c *Client) Status(ctx context.Context, id string) (JobStatus, error) {
	var st JobStatus
	err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), "", nil, &st)
	return st, err
}

func (c *Client) List(ctx context.Context, limit int) ([]models.Job, error) {
	var out struct {
		Jobs []models.Job `json:"jobs"`
	}
	err := c.do(ctx, http.MethodGet, "/jobs?limit="+strconv.Itoa(limit), "", nil, &out)
	return out.Jobs, err
}

// Fetch downloads the card. It returns *NotReadyError, *FailedError or ErrNotFound like
// Service.Fetch.
func (c *Client) Fetch(ctx context.Context, id string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/jobs/"+url.PathEscape(id)+"/card", nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch %s: %w", id, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("fetch %s: %w", id, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", decodeError(resp.StatusCode, data)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func (c *Client) Retry(ctx context.Context, id string) (models.Job, error) {
	var job models.Job
	err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/retry", "", nil, &job)
	return job, err
}

func (c *Client) Cancel(ctx context.Context, id, reason string) (models.Job, error) {
	body, err := json.Marshal(cancelRequest{Reason: reason})
	if err != nil {
		return models.Job{}, err
	}
	var job models.Job
	err = c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/fail", "application/json", bytes.NewReader(body), &job)
	return job, err
}

func (c *Client) DeadLetters(ctx context.Context, limit int) ([]router.DeadLetter, error) {
	var out struct {
		Items []router.DeadLetter `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "/dlq?limit="+strconv.Itoa(limit), "", nil, &out)
	return out.Items, err
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// APIError is a gateway reply that does not map onto a service error.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string { return fmt.Sprintf("gateway returned %d: %s", e.Code, e.Message) }

func decodeError(code int, data []byte) error {
	var body errorResponse
	if err := json.Unmarshal(data, &body); err != nil {
		return &APIError{Code: code, Message: strings.TrimSpace(string(data))}
	}
	switch body.Status {
	case "not_found":
		return ErrNotFound
	case "not_ready":
		return &NotReadyError{Stage: models.Stage(body.Stage)}
	case "failed":
		return &FailedError{Stage: models.Stage(body.Stage), Reason: body.Error}
	}
	return &APIError{Code: code, Message: body.Error}
}
