// Package service wires the pure decision engine to persistence: it caches
// site settings and registered roles, resolves fallback content, generates
// stylesheets, and records insight events.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/visly/visly/internal/cache"
	"github.com/visly/visly/internal/core"
	"github.com/visly/visly/internal/metrics"
	"github.com/visly/visly/internal/middleware"
	"github.com/visly/visly/internal/repository"
	"github.com/visly/visly/internal/responsive"
)

const (
	snapshotReloadTimeout = 5 * time.Second
	insightFlushInterval  = 5 * time.Second
	insightBatchSize      = 100
	insightBufferSize     = 1024
	insightWriteTimeout   = 2 * time.Second
)

var (
	ErrFallbackBlockNotFound = errors.New("fallback block not found")
	ErrInvalidSettings       = errors.New("invalid settings")
)

// Repository is the persistence surface the service needs.
type Repository interface {
	GetSettings(ctx context.Context) (repository.Settings, error)
	UpdateSettings(ctx context.Context, s repository.Settings) (repository.Settings, error)
	ListRegisteredRoles(ctx context.Context) ([]repository.RegisteredRole, error)
	ReplaceRegisteredRoles(ctx context.Context, roles []repository.RegisteredRole) error
	GetFallbackBlock(ctx context.Context, id int64) (repository.FallbackBlock, error)
	ListFallbackBlocks(ctx context.Context) ([]repository.FallbackBlock, error)
	CreateFallbackBlock(ctx context.Context, title, markup string) (repository.FallbackBlock, error)
	UpdateFallbackBlock(ctx context.Context, block repository.FallbackBlock) (repository.FallbackBlock, error)
	DeleteFallbackBlock(ctx context.Context, id int64) error
	InsertInsightEvents(ctx context.Context, events []repository.InsightEvent) error
	ListRecentInsightEvents(ctx context.Context, limit int) ([]repository.InsightEvent, error)
	SummarizeInsights(ctx context.Context, since time.Time) ([]repository.InsightSummary, error)
	ValidateAPIKey(ctx context.Context, id string) (string, error)
}

type settingsInvalidationSubscriber interface {
	SubscribeSettingsInvalidation(ctx context.Context) (<-chan struct{}, error)
}

// snapshot is the cached site configuration one render works against. It is
// replaced wholesale on reload, never mutated.
type snapshot struct {
	settings        repository.Settings
	overlay         core.IdentityOverlay
	fallbackBlocks  map[int64]string
	supportedBlocks map[string]bool // empty means every block is managed
}

// Viewer describes the requesting visitor as reported by the caller.
type Viewer struct {
	LoggedIn         bool     `json:"logged_in"`
	Roles            []string `json:"roles"`
	CanPreviewHidden bool     `json:"can_preview_hidden"`
	PreviewRole      string   `json:"preview_role,omitempty"`
	ApplyPreviewRole bool     `json:"apply_preview_role,omitempty"`
}

// Content describes the page context a block is rendered in.
type Content struct {
	PostID       int                 `json:"post_id"`
	PostType     string              `json:"post_type"`
	TemplateSlug string              `json:"template_slug"`
	Terms        map[string][]string `json:"terms,omitempty"`
}

// RenderRequest is one block to decide on.
type RenderRequest struct {
	BlockID   string         `json:"block_id"`
	BlockName string         `json:"block_name"`
	Markup    string         `json:"markup"`
	Attrs     map[string]any `json:"attrs"`
	Viewer    Viewer         `json:"viewer"`
	Content   Content        `json:"content"`
}

// RenderResult is the decision for one block.
type RenderResult struct {
	BlockID  string   `json:"block_id"`
	Decision string   `json:"decision"`
	Reason   string   `json:"reason"`
	Markup   string   `json:"markup"`
	Badges   []string `json:"badges,omitempty"`
}

// Service implements the render, stylesheet, and settings operations.
type Service struct {
	repo    Repository
	log     *slog.Logger
	metrics *metrics.Metrics
	loc     *time.Location
	now     func() time.Time

	mu   sync.RWMutex
	snap snapshot

	styles cache.StylesheetCache

	insightCh chan repository.InsightEvent
}

// Option configures optional Service collaborators.
type Option func(*Service)

// WithMetrics attaches a metrics registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithStylesheetCache replaces the default in-memory stylesheet cache.
func WithStylesheetCache(c cache.StylesheetCache) Option {
	return func(s *Service) { s.styles = c }
}

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service, loads the initial settings snapshot, and starts the
// invalidation listener and insight writer. loc is the site timezone used for
// schedule evaluation.
func New(ctx context.Context, repo Repository, loc *time.Location, log *slog.Logger, resyncInterval time.Duration, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = slog.Default()
	}
	if resyncInterval <= 0 {
		resyncInterval = time.Minute
	}

	svc := &Service{
		repo:      repo,
		log:       log,
		loc:       loc,
		now:       time.Now,
		styles:    cache.NewMemory(),
		insightCh: make(chan repository.InsightEvent, insightBufferSize),
	}
	for _, o := range opts {
		o(svc)
	}

	if err := svc.LoadSnapshot(ctx); err != nil {
		return nil, err
	}
	if subscriber, ok := repo.(settingsInvalidationSubscriber); ok {
		if err := svc.startInvalidationListener(ctx, subscriber, resyncInterval); err != nil {
			return nil, err
		}
	}
	go svc.runInsightWriter(ctx)

	return svc, nil
}

// LoadSnapshot reloads settings, registered roles, and fallback blocks from
// the repository into the cached snapshot.
func (s *Service) LoadSnapshot(ctx context.Context) error {
	settings, err := s.repo.GetSettings(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	roles, err := s.repo.ListRegisteredRoles(ctx)
	if err != nil {
		return fmt.Errorf("load registered roles: %w", err)
	}
	blocks, err := s.repo.ListFallbackBlocks(ctx)
	if err != nil {
		return fmt.Errorf("load fallback blocks: %w", err)
	}

	slugs := make([]string, 0, len(roles))
	for _, r := range roles {
		slugs = append(slugs, r.Slug)
	}
	markups := make(map[int64]string, len(blocks))
	for _, b := range blocks {
		markups[b.ID] = b.Markup
	}
	supported := make(map[string]bool, len(settings.SupportedBlocks))
	for _, name := range settings.SupportedBlocks {
		supported[name] = true
	}

	next := snapshot{
		settings: settings,
		overlay: core.IdentityOverlay{
			RegisteredRoles:     slugs,
			AllowedPreviewRoles: settings.AllowedPreviewRoles,
		},
		fallbackBlocks:  markups,
		supportedBlocks: supported,
	}

	s.mu.Lock()
	s.snap = next
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.IncSettingsLoads()
	}

	return nil
}

func (s *Service) snapshot() snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Render evaluates visibility for a single block. Blocks outside the
// configured supported set are not managed by this system and pass through
// unevaluated, with no insight recorded.
func (s *Service) Render(ctx context.Context, req RenderRequest) RenderResult {
	snap := s.snapshot()

	if len(snap.supportedBlocks) > 0 && req.BlockName != "" && !snap.supportedBlocks[req.BlockName] {
		return RenderResult{
			BlockID:  req.BlockID,
			Decision: core.DecisionShowOriginal.String(),
			Reason:   "unsupported",
			Markup:   req.Markup,
		}
	}

	attrs := core.NormalizeAttributes(req.Attrs, s.loc)

	input := core.RenderInput{
		BlockName: req.BlockName,
		Markup:    req.Markup,
		Attrs:     attrs,
		Viewer: core.ViewerContext{
			LoggedIn:         req.Viewer.LoggedIn,
			Roles:            req.Viewer.Roles,
			CanPreviewHidden: req.Viewer.CanPreviewHidden,
			ApplyPreviewRole: req.Viewer.ApplyPreviewRole,
			PreviewRole:      req.Viewer.PreviewRole,
		},
		Overlay: snap.overlay,
		Content: core.ContentContext{
			PostID:       req.Content.PostID,
			PostType:     req.Content.PostType,
			TemplateSlug: req.Content.TemplateSlug,
			Terms:        req.Content.Terms,
		},
		Now:            s.now(),
		Location:       s.loc,
		FallbackMarkup: s.resolveFallback(attrs.Fallback, snap),
	}

	decision := core.Compose(input)

	if s.metrics != nil {
		s.metrics.RecordDecision(decision.Kind.String(), decision.Reason)
	}
	s.recordInsight(req.BlockID, core.NewInsight(input, decision))

	return RenderResult{
		BlockID:  req.BlockID,
		Decision: decision.Kind.String(),
		Reason:   decision.Reason,
		Markup:   decision.Output(req.Markup),
		Badges:   decision.Badges,
	}
}

// RenderBatch evaluates visibility for a page worth of blocks.
func (s *Service) RenderBatch(ctx context.Context, reqs []RenderRequest) []RenderResult {
	results := make([]RenderResult, 0, len(reqs))
	for _, req := range reqs {
		results = append(results, s.Render(ctx, req))
	}
	return results
}

// resolveFallback turns the per-block fallback configuration into concrete
// markup, consulting the site defaults and the reusable fallback blocks.
func (s *Service) resolveFallback(fb core.Fallback, snap snapshot) string {
	if !fb.Enabled {
		return ""
	}

	behavior := fb.Behavior
	text := fb.CustomText
	if behavior == core.FallbackInherit {
		behavior = core.FallbackBehavior(snap.settings.DefaultFallbackBehavior)
		text = snap.settings.DefaultFallbackText
	}

	switch behavior {
	case core.FallbackText:
		if strings.TrimSpace(text) == "" {
			return ""
		}
		return `<p class="vb-fallback">` + text + `</p>`
	case core.FallbackBlock:
		return snap.fallbackBlocks[int64(fb.BlockID)]
	default:
		return ""
	}
}

// Stylesheet returns the responsive stylesheet for the current settings
// and its version. Results are cached per settings version.
func (s *Service) Stylesheet(ctx context.Context, preview bool) (string, int64) {
	snap := s.snapshot()
	key := cache.Key{
		Version: snap.settings.StylesheetVersion,
		Mobile:  snap.settings.MobileBreakpoint,
		Tablet:  snap.settings.TabletBreakpoint,
		Preview: preview,
	}

	if css, ok := s.styles.Get(ctx, key); ok {
		if s.metrics != nil {
			s.metrics.StylesheetCacheHits.Inc()
		}
		return css, key.Version
	}

	css := responsive.Stylesheet(snap.settings.MobileBreakpoint, snap.settings.TabletBreakpoint, preview)
	s.styles.Set(ctx, key, css)
	if s.metrics != nil {
		s.metrics.StylesheetBuilds.Inc()
	}
	return css, key.Version
}

// Settings returns the current cached settings.
func (s *Service) Settings(_ context.Context) repository.Settings {
	return s.snapshot().settings
}

// UpdateSettings validates and persists new settings, then reloads the
// snapshot so subsequent renders and stylesheets see them immediately.
func (s *Service) UpdateSettings(ctx context.Context, settings repository.Settings) (repository.Settings, error) {
	if err := validateSettings(settings); err != nil {
		return repository.Settings{}, err
	}

	updated, err := s.repo.UpdateSettings(ctx, settings)
	if err != nil {
		return repository.Settings{}, fmt.Errorf("update settings: %w", err)
	}

	if err := s.LoadSnapshot(ctx); err != nil {
		s.log.Warn("settings updated but snapshot reload failed", "error", err)
	}

	return updated, nil
}

func validateSettings(settings repository.Settings) error {
	if settings.MobileBreakpoint < 1 {
		return fmt.Errorf("%w: mobile breakpoint must be at least 1", ErrInvalidSettings)
	}
	if settings.TabletBreakpoint < 1 {
		return fmt.Errorf("%w: tablet breakpoint must be at least 1", ErrInvalidSettings)
	}
	switch settings.DefaultFallbackBehavior {
	case "inherit", "text", "block", "":
	default:
		return fmt.Errorf("%w: unknown fallback behavior %q", ErrInvalidSettings, settings.DefaultFallbackBehavior)
	}
	return nil
}

// RegisteredRoles returns the registered roles from the repository.
func (s *Service) RegisteredRoles(ctx context.Context) ([]repository.RegisteredRole, error) {
	return s.repo.ListRegisteredRoles(ctx)
}

// ReplaceRegisteredRoles replaces the registered role set and reloads the
// snapshot.
func (s *Service) ReplaceRegisteredRoles(ctx context.Context, roles []repository.RegisteredRole) error {
	if err := s.repo.ReplaceRegisteredRoles(ctx, roles); err != nil {
		return err
	}
	if err := s.LoadSnapshot(ctx); err != nil {
		s.log.Warn("roles replaced but snapshot reload failed", "error", err)
	}
	return nil
}

// FallbackBlocks lists the reusable fallback blocks.
func (s *Service) FallbackBlocks(ctx context.Context) ([]repository.FallbackBlock, error) {
	return s.repo.ListFallbackBlocks(ctx)
}

// CreateFallbackBlock creates a reusable fallback block.
func (s *Service) CreateFallbackBlock(ctx context.Context, title, markup string) (repository.FallbackBlock, error) {
	block, err := s.repo.CreateFallbackBlock(ctx, title, markup)
	if err != nil {
		return repository.FallbackBlock{}, err
	}
	if err := s.LoadSnapshot(ctx); err != nil {
		s.log.Warn("fallback block created but snapshot reload failed", "error", err)
	}
	return block, nil
}

// UpdateFallbackBlock updates a reusable fallback block.
func (s *Service) UpdateFallbackBlock(ctx context.Context, block repository.FallbackBlock) (repository.FallbackBlock, error) {
	updated, err := s.repo.UpdateFallbackBlock(ctx, block)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.FallbackBlock{}, ErrFallbackBlockNotFound
		}
		return repository.FallbackBlock{}, err
	}
	if err := s.LoadSnapshot(ctx); err != nil {
		s.log.Warn("fallback block updated but snapshot reload failed", "error", err)
	}
	return updated, nil
}

// DeleteFallbackBlock removes a reusable fallback block.
func (s *Service) DeleteFallbackBlock(ctx context.Context, id int64) error {
	if err := s.repo.DeleteFallbackBlock(ctx, id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrFallbackBlockNotFound
		}
		return err
	}
	if err := s.LoadSnapshot(ctx); err != nil {
		s.log.Warn("fallback block deleted but snapshot reload failed", "error", err)
	}
	return nil
}

// InsightSummary aggregates insight events since the given time.
func (s *Service) InsightSummary(ctx context.Context, since time.Time) ([]repository.InsightSummary, error) {
	return s.repo.SummarizeInsights(ctx, since)
}

// RecentInsightEvents returns the newest individual insight events, newest
// first.
func (s *Service) RecentInsightEvents(ctx context.Context, limit int) ([]repository.InsightEvent, error) {
	return s.repo.ListRecentInsightEvents(ctx, limit)
}

// ValidateToken implements [middleware.TokenValidator] for tokens of the form
// "keyID.secret".
func (s *Service) ValidateToken(ctx context.Context, token string) (string, error) {
	keyID, secret, ok := strings.Cut(token, ".")
	if !ok || keyID == "" || secret == "" {
		return "", errors.New("malformed token")
	}

	hash, err := s.repo.ValidateAPIKey(ctx, keyID)
	if err != nil {
		return "", fmt.Errorf("validate api key: %w", err)
	}
	if !middleware.APIKeyMatchesHash(hash, secret) {
		return "", errors.New("api key mismatch")
	}
	return keyID, nil
}

func (s *Service) recordInsight(blockID string, insight core.Insight) {
	if s.metrics != nil {
		s.metrics.RecordInsight(insight.Event)
	}
	event := repository.InsightEvent{
		BlockID:      blockID,
		Event:        insight.Event,
		Reason:       insight.Reason,
		BlockName:    insight.BlockName,
		PostID:       insight.PostID,
		PostType:     insight.PostType,
		IsPreview:    insight.IsPreview,
		UsesFallback: insight.UsesFallback,
	}
	select {
	case s.insightCh <- event:
	default:
		// Rendering never blocks on analytics.
		if s.metrics != nil {
			s.metrics.InsightDropsTotal.Inc()
		}
	}
}

// runInsightWriter drains the insight buffer in batches, flushing on size or
// on a timer, whichever comes first.
func (s *Service) runInsightWriter(ctx context.Context) {
	ticker := time.NewTicker(insightFlushInterval)
	defer ticker.Stop()

	batch := make([]repository.InsightEvent, 0, insightBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), insightWriteTimeout)
		if err := s.repo.InsertInsightEvents(writeCtx, batch); err != nil {
			s.log.Warn("insight batch write failed", "error", err, "events", len(batch))
			if s.metrics != nil {
				s.metrics.InsightDropsTotal.Add(float64(len(batch)))
			}
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-ticker.C:
			flush()
		case event := <-s.insightCh:
			batch = append(batch, event)
			if len(batch) >= insightBatchSize {
				flush()
			}
		}
	}
}

func (s *Service) startInvalidationListener(ctx context.Context, subscriber settingsInvalidationSubscriber, resyncInterval time.Duration) error {
	invalidations, err := subscriber.SubscribeSettingsInvalidation(ctx)
	if err != nil {
		return fmt.Errorf("subscribe settings invalidation: %w", err)
	}

	go func() {
		resyncTicker := time.NewTicker(resyncInterval)
		defer resyncTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-resyncTicker.C:
				if invalidations == nil {
					next, err := subscriber.SubscribeSettingsInvalidation(ctx)
					if err == nil {
						invalidations = next
					}
				}
				s.reloadSnapshot(ctx)
			case _, ok := <-invalidations:
				if !ok {
					next, err := subscriber.SubscribeSettingsInvalidation(ctx)
					if err != nil {
						invalidations = nil
						continue
					}
					invalidations = next
					continue
				}
				if s.metrics != nil {
					s.metrics.IncSettingsInvalidations()
				}
				s.reloadSnapshot(ctx)
			}
		}
	}()

	return nil
}

func (s *Service) reloadSnapshot(ctx context.Context) {
	reloadCtx, cancel := context.WithTimeout(ctx, snapshotReloadTimeout)
	defer cancel()
	if err := s.LoadSnapshot(reloadCtx); err != nil {
		s.log.Warn("snapshot reload failed", "error", err)
	}
}
