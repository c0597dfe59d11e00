// Package http provides an HTTP client for the visly block visibility service.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	visly "github.com/visly/visly/clients/go"
)

// ErrNotModified is returned by Stylesheet when the server answers a
// conditional request with 304: the caller's cached copy is still current.
var ErrNotModified = errors.New("visly: stylesheet not modified")

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the visly server, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is the bearer token in "id.secret" format.
	APIKey string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client implements visly.Renderer, visly.SettingsManager, and
// visly.StylesheetFetcher over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewHTTPClient returns a new HTTP client for the visly service.
func NewHTTPClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{cfg: cfg, httpClient: hc}
}

// -- wire types --------------------------------------------------------------

type wireViewer struct {
	LoggedIn         bool     `json:"logged_in"`
	Roles            []string `json:"roles"`
	CanPreviewHidden bool     `json:"can_preview_hidden"`
	PreviewRole      string   `json:"preview_role,omitempty"`
	ApplyPreviewRole bool     `json:"apply_preview_role,omitempty"`
}

type wireContent struct {
	PostID       int                 `json:"post_id"`
	PostType     string              `json:"post_type"`
	TemplateSlug string              `json:"template_slug"`
	Terms        map[string][]string `json:"terms,omitempty"`
}

type wireRenderRequest struct {
	BlockID   string         `json:"block_id"`
	BlockName string         `json:"block_name"`
	Markup    string         `json:"markup"`
	Attrs     map[string]any `json:"attrs"`
	Viewer    wireViewer     `json:"viewer"`
	Content   wireContent    `json:"content"`
}

type wireRenderResult struct {
	BlockID  string   `json:"block_id"`
	Decision string   `json:"decision"`
	Reason   string   `json:"reason"`
	Markup   string   `json:"markup"`
	Badges   []string `json:"badges,omitempty"`
}

type wireRenderBatchRequest struct {
	Blocks []wireRenderRequest `json:"blocks"`
}

type wireRenderBatchResponse struct {
	Results []wireRenderResult `json:"results"`
}

type wireSettings struct {
	MobileBreakpoint        int       `json:"mobile_breakpoint"`
	TabletBreakpoint        int       `json:"tablet_breakpoint"`
	AllowedPreviewRoles     []string  `json:"allowed_preview_roles"`
	DefaultFallbackBehavior string    `json:"default_fallback_behavior"`
	DefaultFallbackText     string    `json:"default_fallback_text"`
	SupportedBlocks         []string  `json:"supported_blocks"`
	StylesheetVersion       int64     `json:"stylesheet_version"`
	UpdatedAt               time.Time `json:"updated_at"`
}

type wireRole struct {
	Slug        string    `json:"slug"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

type wireInsightSummary struct {
	BlockID string `json:"block_id"`
	Event   string `json:"event"`
	Count   int64  `json:"count"`
}

// -- helpers -----------------------------------------------------------------

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("visly: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("visly: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("visly: http: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}
	return resp, nil
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("visly: HTTP %d: %s", e.StatusCode, e.Message)
}

// decodeAPIError extracts the {"error": "..."} payload the server emits;
// non-JSON bodies fall back to the raw text.
func decodeAPIError(resp *http.Response) *APIError {
	raw, _ := io.ReadAll(resp.Body)
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: payload.Error}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
}

func encodeRenderRequest(req visly.RenderRequest) wireRenderRequest {
	return wireRenderRequest{
		BlockID:   req.BlockID,
		BlockName: req.BlockName,
		Markup:    req.Markup,
		Attrs:     req.Attrs,
		Viewer: wireViewer{
			LoggedIn:         req.Viewer.LoggedIn,
			Roles:            req.Viewer.Roles,
			CanPreviewHidden: req.Viewer.CanPreviewHidden,
			PreviewRole:      req.Viewer.PreviewRole,
			ApplyPreviewRole: req.Viewer.ApplyPreviewRole,
		},
		Content: wireContent{
			PostID:       req.Content.PostID,
			PostType:     req.Content.PostType,
			TemplateSlug: req.Content.TemplateSlug,
			Terms:        req.Content.Terms,
		},
	}
}

func decodeRenderResult(wr wireRenderResult) visly.RenderResult {
	return visly.RenderResult{
		BlockID:  wr.BlockID,
		Decision: wr.Decision,
		Reason:   wr.Reason,
		Markup:   wr.Markup,
		Badges:   wr.Badges,
	}
}

func encodeSettings(s visly.Settings) wireSettings {
	return wireSettings{
		MobileBreakpoint:        s.MobileBreakpoint,
		TabletBreakpoint:        s.TabletBreakpoint,
		AllowedPreviewRoles:     s.AllowedPreviewRoles,
		DefaultFallbackBehavior: s.DefaultFallbackBehavior,
		DefaultFallbackText:     s.DefaultFallbackText,
		SupportedBlocks:         s.SupportedBlocks,
		StylesheetVersion:       s.StylesheetVersion,
		UpdatedAt:               s.UpdatedAt,
	}
}

func decodeSettings(ws wireSettings) visly.Settings {
	return visly.Settings{
		MobileBreakpoint:        ws.MobileBreakpoint,
		TabletBreakpoint:        ws.TabletBreakpoint,
		AllowedPreviewRoles:     ws.AllowedPreviewRoles,
		DefaultFallbackBehavior: ws.DefaultFallbackBehavior,
		DefaultFallbackText:     ws.DefaultFallbackText,
		SupportedBlocks:         ws.SupportedBlocks,
		StylesheetVersion:       ws.StylesheetVersion,
		UpdatedAt:               ws.UpdatedAt,
	}
}

// parseStylesheetETag extracts the stylesheet version and variant from an
// ETag of the form `"v<version>-site"` or `"v<version>-preview"`.
func parseStylesheetETag(etag string) (version int64, preview bool, ok bool) {
	trimmed := strings.Trim(etag, `"`)
	rest, found := strings.CutPrefix(trimmed, "v")
	if !found {
		return 0, false, false
	}
	digits, variant, found := strings.Cut(rest, "-")
	if !found {
		return 0, false, false
	}
	version, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || version < 0 {
		return 0, false, false
	}
	switch variant {
	case "site":
		return version, false, true
	case "preview":
		return version, true, true
	default:
		return 0, false, false
	}
}

// -- Renderer ----------------------------------------------------------------

func (c *Client) Render(ctx context.Context, req visly.RenderRequest) (visly.RenderResult, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/render", encodeRenderRequest(req))
	if err != nil {
		return visly.RenderResult{}, err
	}
	defer resp.Body.Close()
	var out wireRenderResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return visly.RenderResult{}, fmt.Errorf("visly: decode response: %w", err)
	}
	return decodeRenderResult(out), nil
}

func (c *Client) RenderBatch(ctx context.Context, reqs []visly.RenderRequest) ([]visly.RenderResult, error) {
	blocks := make([]wireRenderRequest, len(reqs))
	for i, req := range reqs {
		blocks[i] = encodeRenderRequest(req)
	}
	resp, err := c.do(ctx, http.MethodPost, "/v1/render/batch", wireRenderBatchRequest{Blocks: blocks})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out wireRenderBatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("visly: decode response: %w", err)
	}
	results := make([]visly.RenderResult, len(out.Results))
	for i, wr := range out.Results {
		results[i] = decodeRenderResult(wr)
	}
	return results, nil
}

// -- StylesheetFetcher -------------------------------------------------------

// Stylesheet fetches the generated CSS. When req.ETag matches the server's
// current version the call returns ErrNotModified and the caller keeps its
// cached copy.
func (c *Client) Stylesheet(ctx context.Context, req visly.StylesheetRequest) (visly.Stylesheet, error) {
	path := "/v1/stylesheet.css"
	if req.Preview {
		path += "?preview=1"
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return visly.Stylesheet{}, fmt.Errorf("visly: create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if req.ETag != "" {
		httpReq.Header.Set("If-None-Match", req.ETag)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return visly.Stylesheet{}, fmt.Errorf("visly: http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return visly.Stylesheet{}, ErrNotModified
	}
	if resp.StatusCode >= 400 {
		return visly.Stylesheet{}, decodeAPIError(resp)
	}

	css, err := io.ReadAll(resp.Body)
	if err != nil {
		return visly.Stylesheet{}, fmt.Errorf("visly: read stylesheet: %w", err)
	}

	sheet := visly.Stylesheet{
		CSS:     string(css),
		ETag:    resp.Header.Get("ETag"),
		Preview: req.Preview,
	}
	if version, _, ok := parseStylesheetETag(sheet.ETag); ok {
		sheet.Version = version
	}
	return sheet, nil
}

// -- SettingsManager ---------------------------------------------------------

func (c *Client) Settings(ctx context.Context) (visly.Settings, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/settings", nil)
	if err != nil {
		return visly.Settings{}, err
	}
	defer resp.Body.Close()
	var out wireSettings
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return visly.Settings{}, fmt.Errorf("visly: decode response: %w", err)
	}
	return decodeSettings(out), nil
}

func (c *Client) UpdateSettings(ctx context.Context, s visly.Settings) (visly.Settings, error) {
	resp, err := c.do(ctx, http.MethodPut, "/v1/settings", encodeSettings(s))
	if err != nil {
		return visly.Settings{}, err
	}
	defer resp.Body.Close()
	var out wireSettings
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return visly.Settings{}, fmt.Errorf("visly: decode response: %w", err)
	}
	return decodeSettings(out), nil
}

func (c *Client) Roles(ctx context.Context) ([]visly.RegisteredRole, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/roles", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out []wireRole
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("visly: decode response: %w", err)
	}
	roles := make([]visly.RegisteredRole, len(out))
	for i, wr := range out {
		roles[i] = visly.RegisteredRole{Slug: wr.Slug, DisplayName: wr.DisplayName, CreatedAt: wr.CreatedAt}
	}
	return roles, nil
}

func (c *Client) Insights(ctx context.Context, window time.Duration) ([]visly.InsightSummary, error) {
	path := "/v1/insights"
	if window > 0 {
		path += "?window=" + url.QueryEscape(window.String())
	}
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out []wireInsightSummary
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("visly: decode response: %w", err)
	}
	summaries := make([]visly.InsightSummary, len(out))
	for i, ws := range out {
		summaries[i] = visly.InsightSummary{BlockID: ws.BlockID, Event: ws.Event, Count: ws.Count}
	}
	return summaries, nil
}
