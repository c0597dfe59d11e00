package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/visly/visly/internal/repository"
	"github.com/visly/visly/internal/service"
)

type fakeService struct {
	renderFunc          func(ctx context.Context, req service.RenderRequest) service.RenderResult
	renderBatchFunc     func(ctx context.Context, reqs []service.RenderRequest) []service.RenderResult
	stylesheetFunc      func(ctx context.Context, preview bool) (string, int64)
	settingsFunc        func(ctx context.Context) repository.Settings
	updateSettingsFunc  func(ctx context.Context, settings repository.Settings) (repository.Settings, error)
	registeredRolesFunc func(ctx context.Context) ([]repository.RegisteredRole, error)
	insightSummaryFunc  func(ctx context.Context, since time.Time) ([]repository.InsightSummary, error)
}

func (f *fakeService) Render(ctx context.Context, req service.RenderRequest) service.RenderResult {
	if f.renderFunc == nil {
		return service.RenderResult{}
	}
	return f.renderFunc(ctx, req)
}

func (f *fakeService) RenderBatch(ctx context.Context, reqs []service.RenderRequest) []service.RenderResult {
	if f.renderBatchFunc == nil {
		return nil
	}
	return f.renderBatchFunc(ctx, reqs)
}

func (f *fakeService) Stylesheet(ctx context.Context, preview bool) (string, int64) {
	if f.stylesheetFunc == nil {
		return "", 1
	}
	return f.stylesheetFunc(ctx, preview)
}

func (f *fakeService) Settings(ctx context.Context) repository.Settings {
	if f.settingsFunc == nil {
		return repository.Settings{}
	}
	return f.settingsFunc(ctx)
}

func (f *fakeService) UpdateSettings(ctx context.Context, settings repository.Settings) (repository.Settings, error) {
	if f.updateSettingsFunc == nil {
		return settings, nil
	}
	return f.updateSettingsFunc(ctx, settings)
}

func (f *fakeService) RegisteredRoles(ctx context.Context) ([]repository.RegisteredRole, error) {
	if f.registeredRolesFunc == nil {
		return nil, nil
	}
	return f.registeredRolesFunc(ctx)
}

func (f *fakeService) InsightSummary(ctx context.Context, since time.Time) ([]repository.InsightSummary, error) {
	if f.insightSummaryFunc == nil {
		return nil, nil
	}
	return f.insightSummaryFunc(ctx, since)
}

func TestRenderEndpoint(t *testing.T) {
	svc := &fakeService{
		renderFunc: func(_ context.Context, req service.RenderRequest) service.RenderResult {
			if req.BlockID != "b-1" {
				t.Fatalf("Render block_id = %q, want %q", req.BlockID, "b-1")
			}
			return service.RenderResult{BlockID: req.BlockID, Decision: "show", Markup: req.Markup}
		},
	}

	body := `{"block_id":"b-1","markup":"<p>hello</p>","attrs":{"vislyVisible":true}}`
	mux := NewMux(svc, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/render", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); !strings.Contains(got, "application/json") {
		t.Fatalf("Content-Type = %q, want application/json", got)
	}

	var got service.RenderResult
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if got.Decision != "show" || got.Markup != "<p>hello</p>" {
		t.Fatalf("response = %#v, want show decision with original markup", got)
	}
}

func TestRenderEndpointMissingBlockID(t *testing.T) {
	svc := &fakeService{
		renderFunc: func(context.Context, service.RenderRequest) service.RenderResult {
			t.Fatal("Render should not be called without a block id")
			return service.RenderResult{}
		},
	}

	mux := NewMux(svc, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/render", strings.NewReader(`{"markup":"<p></p>"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if !strings.Contains(rec.Body.String(), "block_id is required") {
		t.Fatalf("body = %q, want block_id error", rec.Body.String())
	}
}

func TestRenderEndpointUnknownField(t *testing.T) {
	mux := NewMux(&fakeService{}, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/render", strings.NewReader(`{"block_id":"b-1","bogus":true}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if !strings.Contains(rec.Body.String(), "invalid JSON body") {
		t.Fatalf("body = %q, want invalid JSON body error", rec.Body.String())
	}
}

func TestRenderEndpointOversizedBody(t *testing.T) {
	svc := &fakeService{
		renderFunc: func(context.Context, service.RenderRequest) service.RenderResult {
			t.Fatal("Render should not be called for oversized request bodies")
			return service.RenderResult{}
		},
	}

	mux := NewMuxWithBodyLimit(svc, nil, 64)
	body := `{"block_id":"b-1","markup":"` + strings.Repeat("a", 256) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/render", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusRequestEntityTooLarge)
	}
	if !strings.Contains(rec.Body.String(), `"error":"request body too large"`) {
		t.Fatalf("body = %q, want request body too large error", rec.Body.String())
	}
}

func TestRenderBatchEndpointPreservesOrder(t *testing.T) {
	svc := &fakeService{
		renderBatchFunc: func(_ context.Context, reqs []service.RenderRequest) []service.RenderResult {
			results := make([]service.RenderResult, 0, len(reqs))
			for _, req := range reqs {
				results = append(results, service.RenderResult{BlockID: req.BlockID, Decision: "show"})
			}
			return results
		},
	}

	body := `{"blocks":[{"block_id":"b-1"},{"block_id":"b-2"},{"block_id":"b-3"}]}`
	mux := NewMux(svc, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/render/batch", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	var got renderBatchJSONResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(got.Results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(got.Results))
	}
	for idx, want := range []string{"b-1", "b-2", "b-3"} {
		if got.Results[idx].BlockID != want {
			t.Fatalf("results[%d].block_id = %q, want %q", idx, got.Results[idx].BlockID, want)
		}
	}
}

func TestRenderBatchEndpointValidation(t *testing.T) {
	tooMany := make([]string, 0, maxBatchSize+1)
	for i := 0; i <= maxBatchSize; i++ {
		tooMany = append(tooMany, fmt.Sprintf(`{"block_id":"b-%d"}`, i))
	}

	tests := []struct {
		name        string
		body        string
		wantMessage string
	}{
		{
			name:        "empty blocks",
			body:        `{"blocks":[]}`,
			wantMessage: "blocks is required",
		},
		{
			name:        "missing block id",
			body:        `{"blocks":[{"block_id":"b-1"},{"markup":"<p></p>"}]}`,
			wantMessage: "blocks[1].block_id is required",
		},
		{
			name:        "over batch limit",
			body:        `{"blocks":[` + strings.Join(tooMany, ",") + `]}`,
			wantMessage: fmt.Sprintf("at most %d blocks per batch", maxBatchSize),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{
				renderBatchFunc: func(context.Context, []service.RenderRequest) []service.RenderResult {
					t.Fatal("RenderBatch should not be called for invalid requests")
					return nil
				},
			}

			mux := NewMux(svc, nil)
			req := httptest.NewRequest(http.MethodPost, "/v1/render/batch", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
			if !strings.Contains(rec.Body.String(), tt.wantMessage) {
				t.Fatalf("body = %q, want %q", rec.Body.String(), tt.wantMessage)
			}
		})
	}
}

func TestStylesheetEndpoint(t *testing.T) {
	svc := &fakeService{
		stylesheetFunc: func(_ context.Context, preview bool) (string, int64) {
			if preview {
				return ".vb-preview{outline:1px dashed}", 7
			}
			return ".vb-hide{display:none}", 7
		},
	}

	mux := NewMux(svc, nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/stylesheet.css", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/css; charset=utf-8" {
		t.Fatalf("Content-Type = %q, want text/css", got)
	}
	if got := rec.Header().Get("ETag"); got != `"v7-site"` {
		t.Fatalf("ETag = %q, want %q", got, `"v7-site"`)
	}
	if !strings.Contains(rec.Body.String(), ".vb-hide") {
		t.Fatalf("body = %q, want site stylesheet", rec.Body.String())
	}
}

func TestStylesheetEndpointPreviewParam(t *testing.T) {
	svc := &fakeService{
		stylesheetFunc: func(_ context.Context, preview bool) (string, int64) {
			if !preview {
				t.Fatal("Stylesheet preview = false, want true")
			}
			return ".vb-preview{outline:1px dashed}", 3
		},
	}

	mux := NewMux(svc, nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/stylesheet.css?preview=1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Header().Get("ETag"); got != `"v3-preview"` {
		t.Fatalf("ETag = %q, want %q", got, `"v3-preview"`)
	}
}

func TestStylesheetEndpointNotModified(t *testing.T) {
	svc := &fakeService{
		stylesheetFunc: func(context.Context, bool) (string, int64) {
			return ".vb-hide{display:none}", 7
		},
	}

	mux := NewMux(svc, nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/stylesheet.css", nil)
	req.Header.Set("If-None-Match", `"v7-site"`)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotModified {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotModified)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("body = %q, want empty body on 304", rec.Body.String())
	}
}

func TestGetSettingsEndpoint(t *testing.T) {
	svc := &fakeService{
		settingsFunc: func(context.Context) repository.Settings {
			return repository.Settings{
				MobileBreakpoint: 781,
				TabletBreakpoint: 1024,
			}
		},
	}

	mux := NewMux(svc, nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/settings", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var got repository.Settings
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if got.MobileBreakpoint != 781 || got.TabletBreakpoint != 1024 {
		t.Fatalf("settings = %#v, want breakpoints 781/1024", got)
	}
}

func TestUpdateSettingsEndpoint(t *testing.T) {
	svc := &fakeService{
		updateSettingsFunc: func(_ context.Context, settings repository.Settings) (repository.Settings, error) {
			if settings.MobileBreakpoint != 600 {
				t.Fatalf("UpdateSettings mobile breakpoint = %d, want 600", settings.MobileBreakpoint)
			}
			settings.StylesheetVersion = 2
			return settings, nil
		},
	}

	body := `{"mobile_breakpoint":600,"tablet_breakpoint":1024}`
	mux := NewMux(svc, nil)
	req := httptest.NewRequest(http.MethodPut, "/v1/settings", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	var got repository.Settings
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if got.StylesheetVersion != 2 {
		t.Fatalf("stylesheet version = %d, want 2", got.StylesheetVersion)
	}
}

func TestUpdateSettingsEndpointInvalid(t *testing.T) {
	svc := &fakeService{
		updateSettingsFunc: func(context.Context, repository.Settings) (repository.Settings, error) {
			return repository.Settings{}, fmt.Errorf("%w: mobile breakpoint must be positive", service.ErrInvalidSettings)
		},
	}

	mux := NewMux(svc, nil)
	req := httptest.NewRequest(http.MethodPut, "/v1/settings", strings.NewReader(`{"mobile_breakpoint":0}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if !strings.Contains(rec.Body.String(), "mobile breakpoint must be positive") {
		t.Fatalf("body = %q, want validation message", rec.Body.String())
	}
}

func TestListRolesEndpoint(t *testing.T) {
	svc := &fakeService{
		registeredRolesFunc: func(context.Context) ([]repository.RegisteredRole, error) {
			return []repository.RegisteredRole{
				{Slug: "administrator", DisplayName: "Administrator"},
				{Slug: "editor", DisplayName: "Editor"},
			}, nil
		},
	}

	mux := NewMux(svc, nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/roles", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var got []repository.RegisteredRole
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(got) != 2 || got[0].Slug != "administrator" {
		t.Fatalf("roles = %#v, want administrator then editor", got)
	}
}

func TestInsightsEndpointWindow(t *testing.T) {
	svc := &fakeService{
		insightSummaryFunc: func(_ context.Context, since time.Time) ([]repository.InsightSummary, error) {
			if age := time.Since(since); age < 23*time.Hour || age > 25*time.Hour {
				t.Fatalf("since = %v, want roughly 24h ago", since)
			}
			return []repository.InsightSummary{{BlockID: "b-1", Event: "render", Count: 4}}, nil
		},
	}

	mux := NewMux(svc, nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/insights?window=24h", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var got []repository.InsightSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(got) != 1 || got[0].Count != 4 {
		t.Fatalf("summaries = %#v, want one render summary with count 4", got)
	}
}

func TestInsightsEndpointInvalidWindow(t *testing.T) {
	for _, window := range []string{"yesterday", "-1h", "0s"} {
		t.Run(window, func(t *testing.T) {
			svc := &fakeService{
				insightSummaryFunc: func(context.Context, time.Time) ([]repository.InsightSummary, error) {
					t.Fatal("InsightSummary should not be called for invalid windows")
					return nil, nil
				},
			}

			mux := NewMux(svc, nil)
			req := httptest.NewRequest(http.MethodGet, "/v1/insights?window="+window, nil)
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestInsightsEndpointRepositoryError(t *testing.T) {
	svc := &fakeService{
		insightSummaryFunc: func(context.Context, time.Time) ([]repository.InsightSummary, error) {
			return nil, errors.New("connection reset")
		},
	}

	mux := NewMux(svc, nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/insights", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if strings.Contains(rec.Body.String(), "connection reset") {
		t.Fatalf("body = %q, must not leak internal error detail", rec.Body.String())
	}
}

func TestHealthzEndpoint(t *testing.T) {
	mux := NewMux(&fakeService{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("body = %q, want status ok", rec.Body.String())
	}
}

func TestMetricsEndpointOptional(t *testing.T) {
	mux := NewMux(&fakeService{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d when no metrics handler is wired", rec.Code, http.StatusNotFound)
	}

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux = NewMux(&fakeService{}, handler)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d from injected metrics handler", rec.Code, http.StatusOK)
	}
}

func TestIsTruthyParam(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"1", true},
		{"true", true},
		{"TRUE", true},
		{" yes ", true},
		{"on", true},
		{"", false},
		{"0", false},
		{"false", false},
		{"nope", false},
	}

	for _, tt := range tests {
		if got := isTruthyParam(tt.value); got != tt.want {
			t.Fatalf("isTruthyParam(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}
