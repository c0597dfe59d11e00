// Package repository provides PostgreSQL-backed persistence for visibility
// settings, registered roles, fallback blocks, insight events, and API keys.
// It also handles LISTEN/NOTIFY-based cache invalidation so the service layer
// stays fresh without polling the database into submission.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultNotifyChannel = "settings_events"

// Settings is the singleton configuration row for the visibility engine.
type Settings struct {
	MobileBreakpoint        int       `json:"mobile_breakpoint"`
	TabletBreakpoint        int       `json:"tablet_breakpoint"`
	AllowedPreviewRoles     []string  `json:"allowed_preview_roles"`
	DefaultFallbackBehavior string    `json:"default_fallback_behavior"`
	DefaultFallbackText     string    `json:"default_fallback_text"`
	SupportedBlocks         []string  `json:"supported_blocks"`
	StylesheetVersion       int64     `json:"stylesheet_version"`
	UpdatedAt               time.Time `json:"updated_at"`
}

// RegisteredRole is a role known to the site, matched against the slugs in
// block visibility attributes.
type RegisteredRole struct {
	Slug        string    `json:"slug"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// FallbackBlock is a reusable piece of markup shown in place of restricted
// content when a block's fallback behavior is "block".
type FallbackBlock struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Markup    string    `json:"markup"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PostgresRepository implements settings, role, fallback block, insight, and
// API key persistence backed by a pgxpool connection pool. It also supports
// LISTEN/NOTIFY for real-time settings invalidation.
type PostgresRepository struct {
	pool          *pgxpool.Pool
	notifyChannel string
}

// NewPostgresRepository creates a [PostgresRepository] using the default
// "settings_events" notification channel.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return NewPostgresRepositoryWithChannel(pool, defaultNotifyChannel)
}

// NewPostgresRepositoryWithChannel creates a [PostgresRepository] using the
// specified LISTEN/NOTIFY channel name for settings change notifications.
func NewPostgresRepositoryWithChannel(pool *pgxpool.Pool, notifyChannel string) *PostgresRepository {
	return &PostgresRepository{
		pool:          pool,
		notifyChannel: normalizeNotifyChannel(notifyChannel),
	}
}

// GetSettings returns the singleton settings row.
func (r *PostgresRepository) GetSettings(ctx context.Context) (Settings, error) {
	var s Settings
	err := r.pool.QueryRow(ctx, `
		SELECT mobile_breakpoint, tablet_breakpoint, allowed_preview_roles,
		       default_fallback_behavior, default_fallback_text,
		       supported_blocks, stylesheet_version, updated_at
		FROM settings
		WHERE id = 1
	`).Scan(
		&s.MobileBreakpoint,
		&s.TabletBreakpoint,
		&s.AllowedPreviewRoles,
		&s.DefaultFallbackBehavior,
		&s.DefaultFallbackText,
		&s.SupportedBlocks,
		&s.StylesheetVersion,
		&s.UpdatedAt,
	)
	if err != nil {
		return Settings{}, fmt.Errorf("get settings: %w", err)
	}

	return s, nil
}

// UpdateSettings replaces the singleton settings row, bumps the stylesheet
// version, and sends a PostgreSQL NOTIFY on the configured channel within a
// single transaction. The updated record is returned.
func (r *PostgresRepository) UpdateSettings(ctx context.Context, s Settings) (Settings, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Settings{}, fmt.Errorf("begin update settings tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var updated Settings
	if err := tx.QueryRow(ctx, `
		UPDATE settings
		SET mobile_breakpoint = $1,
		    tablet_breakpoint = $2,
		    allowed_preview_roles = $3,
		    default_fallback_behavior = $4,
		    default_fallback_text = $5,
		    supported_blocks = $6,
		    stylesheet_version = stylesheet_version + 1,
		    updated_at = NOW()
		WHERE id = 1
		RETURNING mobile_breakpoint, tablet_breakpoint, allowed_preview_roles,
		          default_fallback_behavior, default_fallback_text,
		          supported_blocks, stylesheet_version, updated_at
	`,
		s.MobileBreakpoint,
		s.TabletBreakpoint,
		s.AllowedPreviewRoles,
		s.DefaultFallbackBehavior,
		s.DefaultFallbackText,
		s.SupportedBlocks,
	).Scan(
		&updated.MobileBreakpoint,
		&updated.TabletBreakpoint,
		&updated.AllowedPreviewRoles,
		&updated.DefaultFallbackBehavior,
		&updated.DefaultFallbackText,
		&updated.SupportedBlocks,
		&updated.StylesheetVersion,
		&updated.UpdatedAt,
	); err != nil {
		return Settings{}, fmt.Errorf("update settings: %w", err)
	}

	notifyPayload, err := marshalNotifyPayload(updated.StylesheetVersion)
	if err != nil {
		return Settings{}, fmt.Errorf("marshal notify payload: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, notifyPayload); err != nil {
		return Settings{}, fmt.Errorf("notify settings change: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Settings{}, fmt.Errorf("commit update settings tx: %w", err)
	}

	return updated, nil
}

// ListRegisteredRoles returns all registered roles ordered by slug.
func (r *PostgresRepository) ListRegisteredRoles(ctx context.Context) ([]RegisteredRole, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT slug, display_name, created_at
		FROM registered_roles
		ORDER BY slug
	`)
	if err != nil {
		return nil, fmt.Errorf("list registered roles: %w", err)
	}
	defer rows.Close()

	roles := make([]RegisteredRole, 0)
	for rows.Next() {
		var role RegisteredRole
		if err := rows.Scan(&role.Slug, &role.DisplayName, &role.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan registered role: %w", err)
		}
		roles = append(roles, role)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list registered roles rows: %w", err)
	}

	return roles, nil
}

// ReplaceRegisteredRoles replaces the full set of registered roles in a single
// transaction and notifies listeners so cached role sets are refreshed.
func (r *PostgresRepository) ReplaceRegisteredRoles(ctx context.Context, roles []RegisteredRole) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace roles tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM registered_roles`); err != nil {
		return fmt.Errorf("clear registered roles: %w", err)
	}
	for _, role := range roles {
		if _, err := tx.Exec(ctx, `
			INSERT INTO registered_roles (slug, display_name)
			VALUES ($1, $2)
			ON CONFLICT (slug) DO UPDATE SET display_name = EXCLUDED.display_name
		`, role.Slug, role.DisplayName); err != nil {
			return fmt.Errorf("insert registered role %q: %w", role.Slug, err)
		}
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, '{"changed":"roles"}')`, r.notifyChannel); err != nil {
		return fmt.Errorf("notify roles change: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit replace roles tx: %w", err)
	}

	return nil
}

// GetFallbackBlock retrieves a fallback block by ID. Returns pgx.ErrNoRows
// (wrapped) if not found.
func (r *PostgresRepository) GetFallbackBlock(ctx context.Context, id int64) (FallbackBlock, error) {
	var b FallbackBlock
	err := r.pool.QueryRow(ctx, `
		SELECT id, title, markup, created_at, updated_at
		FROM fallback_blocks
		WHERE id = $1
	`, id).Scan(&b.ID, &b.Title, &b.Markup, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return FallbackBlock{}, fmt.Errorf("get fallback block: %w", err)
	}

	return b, nil
}

// ListFallbackBlocks returns all fallback blocks ordered by title.
func (r *PostgresRepository) ListFallbackBlocks(ctx context.Context) ([]FallbackBlock, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, title, markup, created_at, updated_at
		FROM fallback_blocks
		ORDER BY title, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list fallback blocks: %w", err)
	}
	defer rows.Close()

	blocks := make([]FallbackBlock, 0)
	for rows.Next() {
		var b FallbackBlock
		if err := rows.Scan(&b.ID, &b.Title, &b.Markup, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan fallback block: %w", err)
		}
		blocks = append(blocks, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list fallback blocks rows: %w", err)
	}

	return blocks, nil
}

// CreateFallbackBlock inserts a new fallback block and returns the stored
// record with its generated ID.
func (r *PostgresRepository) CreateFallbackBlock(ctx context.Context, title, markup string) (FallbackBlock, error) {
	var stored FallbackBlock
	err := r.pool.QueryRow(ctx, `
		INSERT INTO fallback_blocks (title, markup)
		VALUES ($1, $2)
		RETURNING id, title, markup, created_at, updated_at
	`, title, markup).Scan(
		&stored.ID,
		&stored.Title,
		&stored.Markup,
		&stored.CreatedAt,
		&stored.UpdatedAt,
	)
	if err != nil {
		return FallbackBlock{}, fmt.Errorf("create fallback block: %w", err)
	}

	return stored, nil
}

// UpdateFallbackBlock updates an existing fallback block. Returns
// pgx.ErrNoRows (wrapped) if the block does not exist.
func (r *PostgresRepository) UpdateFallbackBlock(ctx context.Context, block FallbackBlock) (FallbackBlock, error) {
	var stored FallbackBlock
	err := r.pool.QueryRow(ctx, `
		UPDATE fallback_blocks
		SET title = $2,
		    markup = $3,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING id, title, markup, created_at, updated_at
	`, block.ID, block.Title, block.Markup).Scan(
		&stored.ID,
		&stored.Title,
		&stored.Markup,
		&stored.CreatedAt,
		&stored.UpdatedAt,
	)
	if err != nil {
		return FallbackBlock{}, fmt.Errorf("update fallback block: %w", err)
	}

	return stored, nil
}

// DeleteFallbackBlock removes a fallback block by ID. Returns pgx.ErrNoRows
// (wrapped) if the block does not exist.
func (r *PostgresRepository) DeleteFallbackBlock(ctx context.Context, id int64) error {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM fallback_blocks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete fallback block: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("delete fallback block: %w", pgx.ErrNoRows)
	}

	return nil
}

// SubscribeSettingsInvalidation returns a channel that receives a signal
// whenever a settings change notification arrives on the PostgreSQL LISTEN
// channel. The channel is closed if the context is cancelled.
func (r *PostgresRepository) SubscribeSettingsInvalidation(ctx context.Context) (<-chan struct{}, error) {
	invalidations := make(chan struct{}, 1)

	go r.runSettingsInvalidationListener(ctx, invalidations)

	return invalidations, nil
}

func (r *PostgresRepository) runSettingsInvalidationListener(ctx context.Context, invalidations chan<- struct{}) {
	defer close(invalidations)

	for {
		err := r.listenForSettingsInvalidation(ctx, invalidations)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForSettingsInvalidation(ctx context.Context, invalidations chan<- struct{}) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return fmt.Errorf("wait for settings notification: %w", err)
		}

		select {
		case invalidations <- struct{}{}:
		default:
		}
	}
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}

	return defaultNotifyChannel
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

func marshalNotifyPayload(stylesheetVersion int64) (string, error) {
	serialized, err := json.Marshal(struct {
		Changed           string `json:"changed"`
		StylesheetVersion int64  `json:"stylesheet_version"`
	}{
		Changed:           "settings",
		StylesheetVersion: stylesheetVersion,
	})
	if err != nil {
		return "", err
	}

	return string(serialized), nil
}
