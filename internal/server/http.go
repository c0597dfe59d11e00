// Package server exposes the visibility engine over HTTP: render decisions,
// the generated stylesheet, settings, and health.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/visly/visly/internal/repository"
	"github.com/visly/visly/internal/service"
)

const (
	defaultMaxJSONBodyBytes = 1 << 20
	maxBatchSize            = 200
	defaultInsightWindow    = 7 * 24 * time.Hour
)

var errJSONBodyTooLarge = errors.New("json request body too large")

// HTTPServer routes the public JSON API.
type HTTPServer struct {
	service          Service
	maxJSONBodyBytes int64
}

type renderBatchJSONRequest struct {
	Blocks []service.RenderRequest `json:"blocks"`
}

type renderBatchJSONResponse struct {
	Results []service.RenderResult `json:"results"`
}

// NewMux builds the API routing table. The caller wraps it with auth,
// logging, and instrumentation middleware.
func NewMux(svc Service, metricsHandler http.Handler) *http.ServeMux {
	return newMux(svc, metricsHandler, defaultMaxJSONBodyBytes)
}

// NewMuxWithBodyLimit builds the routing table with a custom JSON body limit.
func NewMuxWithBodyLimit(svc Service, metricsHandler http.Handler, maxJSONBodyBytes int64) *http.ServeMux {
	return newMux(svc, metricsHandler, maxJSONBodyBytes)
}

func newMux(svc Service, metricsHandler http.Handler, maxJSONBodyBytes int64) *http.ServeMux {
	if svc == nil {
		panic("service is nil")
	}
	if maxJSONBodyBytes <= 0 {
		maxJSONBodyBytes = defaultMaxJSONBodyBytes
	}

	server := &HTTPServer{
		service:          svc,
		maxJSONBodyBytes: maxJSONBodyBytes,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/render", server.handleRender)
	mux.HandleFunc("POST /v1/render/batch", server.handleRenderBatch)
	mux.HandleFunc("GET /v1/stylesheet.css", server.handleStylesheet)
	mux.HandleFunc("GET /v1/settings", server.handleGetSettings)
	mux.HandleFunc("PUT /v1/settings", server.handleUpdateSettings)
	mux.HandleFunc("GET /v1/roles", server.handleListRoles)
	mux.HandleFunc("GET /v1/insights", server.handleInsights)
	mux.HandleFunc("GET /healthz", server.handleHealthz)
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}

	return mux
}

func (s *HTTPServer) handleRender(w http.ResponseWriter, r *http.Request) {
	var req service.RenderRequest
	if err := s.decodeJSONBody(w, r, &req); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(req.BlockID) == "" {
		writeJSONError(w, http.StatusBadRequest, "block_id is required")
		return
	}

	writeJSON(w, http.StatusOK, s.service.Render(r.Context(), req))
}

func (s *HTTPServer) handleRenderBatch(w http.ResponseWriter, r *http.Request) {
	var req renderBatchJSONRequest
	if err := s.decodeJSONBody(w, r, &req); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if len(req.Blocks) == 0 {
		writeJSONError(w, http.StatusBadRequest, "blocks is required")
		return
	}
	if len(req.Blocks) > maxBatchSize {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("at most %d blocks per batch", maxBatchSize))
		return
	}
	for idx, block := range req.Blocks {
		if strings.TrimSpace(block.BlockID) == "" {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("blocks[%d].block_id is required", idx))
			return
		}
	}

	results := s.service.RenderBatch(r.Context(), req.Blocks)
	writeJSON(w, http.StatusOK, renderBatchJSONResponse{Results: results})
}

func (s *HTTPServer) handleStylesheet(w http.ResponseWriter, r *http.Request) {
	preview := isTruthyParam(r.URL.Query().Get("preview"))
	css, version := s.service.Stylesheet(r.Context(), preview)

	headers := w.Header()
	headers.Set("Content-Type", "text/css; charset=utf-8")
	headers.Set("Cache-Control", "public, max-age=31536000, immutable")
	headers.Set("ETag", stylesheetETag(version, preview))

	if match := r.Header.Get("If-None-Match"); match != "" && match == stylesheetETag(version, preview) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, css)
}

func (s *HTTPServer) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Settings(r.Context()))
}

func (s *HTTPServer) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var settings repository.Settings
	if err := s.decodeJSONBody(w, r, &settings); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	updated, err := s.service.UpdateSettings(r.Context(), settings)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := s.service.RegisteredRoles(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, roles)
}

func (s *HTTPServer) handleInsights(w http.ResponseWriter, r *http.Request) {
	window := defaultInsightWindow
	if raw := strings.TrimSpace(r.URL.Query().Get("window")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid window")
			return
		}
		window = parsed
	}

	summaries, err := s.service.InsightSummary(r.Context(), time.Now().Add(-window))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, summaries)
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func stylesheetETag(version int64, preview bool) string {
	return fmt.Sprintf(`"v%d-%s"`, version, map[bool]string{false: "site", true: "preview"}[preview])
}

func isTruthyParam(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidSettings):
		writeJSONError(w, http.StatusBadRequest, serviceErrorMessage(err))
	case errors.Is(err, service.ErrFallbackBlockNotFound):
		writeJSONError(w, http.StatusNotFound, serviceErrorMessage(err))
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusRequestTimeout, serviceErrorMessage(err))
	default:
		writeJSONError(w, http.StatusInternalServerError, serviceErrorMessage(err))
	}
}

func serviceErrorMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrInvalidSettings):
		if msg := err.Error(); msg != "" {
			return msg
		}
		return "invalid settings"
	case errors.Is(err, service.ErrFallbackBlockNotFound):
		return "fallback block not found"
	case errors.Is(err, context.Canceled):
		return "request canceled"
	default:
		return "internal server error"
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxJSONBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
