package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"voicecard/internal/ledger"
	"voicecard/internal/models"
	"voicecard/internal/ratelimit"
	"voicecard/internal/telemetry"
)

// Server wires HTTP handlers for the gateway.
type Server struct {
	svc     *Service
	limiter *ratelimit.TokenBucket
	log     *zap.Logger
}

func NewServer(svc *Service, limiter *ratelimit.TokenBucket) *Server {
	return &Server{svc: svc, limiter: limiter, log: svc.log}
}

// errorResponse is the body of every non-2xx reply.
type errorResponse struct {
	Error  string `json:"error"`
	Status string `json:"status,omitempty"`
	Stage  string `json:"stage,omitempty"`
}

type finishRequest struct {
	MimeType string `json:"mime_type"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/jobs", s.handleIngest(models.SourceBatch))
		r.Post("/jobs/text", s.handleIngest(models.SourceText))
		r.Post("/recordings", s.handleOpenRecording)
	})
	r.Put("/recordings/{id}/chunks/{seq}", s.handleAppendChunk)
	r.Post("/recordings/{id}/finish", s.handleFinishRecording)

	r.Get("/jobs", s.handleList)
	r.Get("/jobs/{id}", s.handleStatus)
	r.Get("/jobs/{id}/card", s.handleFetch)
	r.Get("/recipes/{id}", s.handleDocument)
	r.Post("/jobs/{id}/retry", s.handleRetry)
	r.Post("/jobs/{id}/fail", s.handleCancel)
	r.Get("/dlq", s.handleDLQ)
	return r
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d, err := s.limiter.Allow(r.Context(), uploaderFromRequest(r))
		if err != nil {
			s.log.Error("rate limiter unavailable", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, errorResponse{Error: "rate limiter unavailable"})
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, errorResponse{Error: "rate limited"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleIngest(source string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := s.svc.Ingest(r.Context(), r.Body, r.Header.Get("Content-Type"), source)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, job)
	}
}

func (s *Server) handleOpenRecording(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.OpenRecording(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleAppendChunk(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.Atoi(chi.URLParam(r, "seq"))
	if err != nil || seq < 0 {
		writeError(w, http.StatusBadRequest, errorResponse{Error: "seq must be a non-negative integer"})
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, s.svc.maxBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, errorResponse{Error: "read chunk"})
		return
	}
	if err := s.svc.AppendChunk(r.Context(), chi.URLParam(r, "id"), seq, data); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFinishRecording(w http.ResponseWriter, r *http.Request) {
	req := finishRequest{}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
			return
		}
	}
	if req.MimeType == "" {
		req.MimeType = "audio/webm"
	}
	job, err := s.svc.FinishRecording(r.Context(), chi.URLParam(r, "id"), req.MimeType)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	jobs, err := s.svc.List(r.Context(), limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	data, mimeType, err := s.svc.Fetch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeBlob(w, data, mimeType)
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	data, mimeType, err := s.svc.Document(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeBlob(w, data, mimeType)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	req := cancelRequest{}
	if r.ContentLength != 0 {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	job, err := s.svc.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleDLQ returns the oldest dead letters.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	count, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if count <= 0 {
		count = 100
	}
	items, err := s.svc.DeadLetters(r.Context(), int64(count))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var notReady *NotReadyError
	var failed *FailedError
	var gap *SequenceGapError
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrRecordingNotFound):
		writeError(w, http.StatusNotFound, errorResponse{Error: err.Error(), Status: "not_found"})
	case errors.As(err, &notReady):
		writeError(w, http.StatusAccepted, errorResponse{Error: err.Error(), Status: "not_ready", Stage: string(notReady.Stage)})
	case errors.As(err, &failed):
		writeError(w, http.StatusConflict, errorResponse{Error: failed.Reason, Status: "failed", Stage: string(failed.Stage)})
	case errors.As(err, &gap), errors.Is(err, ErrEmptyInput):
		writeError(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, errorResponse{Error: err.Error()})
	case errors.Is(err, ErrUnsupportedType):
		writeError(w, http.StatusUnsupportedMediaType, errorResponse{Error: err.Error()})
	case errors.Is(err, ErrChunkConflict), errors.Is(err, ledger.ErrInvalidTransition):
		writeError(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		s.log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func uploaderFromRequest(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-Uploader-ID")); v != "" {
		return v
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, body errorResponse) {
	writeJSON(w, code, body)
}

func writeBlob(w http.ResponseWriter, data []byte, mimeType string) {
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(int(24*time.Hour/time.Second)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
