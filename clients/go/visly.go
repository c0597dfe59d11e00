// Package visly provides client interfaces and domain types for the visly
// block visibility service.
//
// Use the sub-package to create a transport-specific client:
//
//	import vislyhttp "github.com/visly/visly/clients/go/http"
package visly

import (
	"context"
	"time"
)

// Decision values returned for a rendered block.
const (
	DecisionShow     = "show"
	DecisionFallback = "fallback"
	DecisionPreview  = "preview"
	DecisionNothing  = "nothing"
)

// Renderer resolves visibility decisions for blocks.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) (RenderResult, error)
	RenderBatch(ctx context.Context, reqs []RenderRequest) ([]RenderResult, error)
}

// SettingsManager covers plugin-wide settings, the registered role set, and
// decision insights.
type SettingsManager interface {
	Settings(ctx context.Context) (Settings, error)
	UpdateSettings(ctx context.Context, s Settings) (Settings, error)
	Roles(ctx context.Context) ([]RegisteredRole, error)
	Insights(ctx context.Context, window time.Duration) ([]InsightSummary, error)
}

// StylesheetFetcher retrieves the generated responsive stylesheet, with
// support for conditional requests keyed by ETag.
type StylesheetFetcher interface {
	Stylesheet(ctx context.Context, req StylesheetRequest) (Stylesheet, error)
}

// Viewer describes the visitor a decision is made for.
type Viewer struct {
	LoggedIn         bool
	Roles            []string
	CanPreviewHidden bool
	PreviewRole      string
	ApplyPreviewRole bool
}

// Content describes the page context a block is rendered in.
type Content struct {
	PostID       int
	PostType     string
	TemplateSlug string
	Terms        map[string][]string
}

// RenderRequest is one block to decide on.
type RenderRequest struct {
	BlockID   string
	BlockName string
	Markup    string
	Attrs     map[string]any
	Viewer    Viewer
	Content   Content
}

// RenderResult is the decision for one block.
type RenderResult struct {
	BlockID  string
	Decision string // one of the Decision constants
	Reason   string
	Markup   string
	Badges   []string
}

// Settings holds the plugin-wide configuration.
type Settings struct {
	MobileBreakpoint        int
	TabletBreakpoint        int
	AllowedPreviewRoles     []string
	DefaultFallbackBehavior string
	DefaultFallbackText     string
	SupportedBlocks         []string
	StylesheetVersion       int64
	UpdatedAt               time.Time
}

// RegisteredRole is one entry in the site's role catalog.
type RegisteredRole struct {
	Slug        string
	DisplayName string
	CreatedAt   time.Time
}

// InsightSummary aggregates decision outcomes per block.
type InsightSummary struct {
	BlockID string
	Event   string
	Count   int64
}

// StylesheetRequest selects which stylesheet variant to fetch. ETag, when
// set, makes the request conditional: a matching server version yields
// ErrNotModified from the transport.
type StylesheetRequest struct {
	Preview bool
	ETag    string
}

// Stylesheet is the generated responsive CSS plus its cache validators.
type Stylesheet struct {
	CSS     string
	ETag    string
	Version int64 // parsed from the ETag; zero if the ETag is unrecognized
	Preview bool
}
