//go:build integration

package integration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/docker/go-connections/nat"
	"golang.org/x/crypto/bcrypt"

	"github.com/visly/visly/internal/repository"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(runTests(m))
}

func runTests(m *testing.M) int {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "visly_test",
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
		},
		WaitingFor: wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
			return fmt.Sprintf("postgresql://test:test@%s:%s/visly_test?sslmode=disable", host, port.Port())
		}).WithStartupTimeout(30 * time.Second),
	}

	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		log.Printf("start postgres container: %v", err)
		return 1
	}
	defer func() { _ = pgContainer.Terminate(ctx) }()

	host, err := pgContainer.Host(ctx)
	if err != nil {
		log.Printf("get container host: %v", err)
		return 1
	}

	mappedPort, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Printf("get mapped port: %v", err)
		return 1
	}

	connStr := fmt.Sprintf(
		"postgresql://test:test@%s:%s/visly_test?sslmode=disable",
		host, mappedPort.Port(),
	)

	migrationsDir, err := findMigrationsDir()
	if err != nil {
		log.Printf("find migrations: %v", err)
		return 1
	}
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		log.Printf("open db for migrations: %v", err)
		return 1
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("close db after migrations: %v", err)
		}
	}()
	if err := goose.SetDialect("postgres"); err != nil {
		log.Printf("set goose dialect: %v", err)
		return 1
	}
	if err := goose.Up(db, migrationsDir); err != nil {
		log.Printf("run migrations: %v", err)
		return 1
	}

	testPool, err = pgxpool.New(ctx, connStr)
	if err != nil {
		log.Printf("create pool: %v", err)
		return 1
	}
	defer testPool.Close()

	return m.Run()
}

// findMigrationsDir walks up from the working directory until it finds a
// migrations/ directory (the repository root contains it).
func findMigrationsDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, "migrations")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("migrations directory not found")
		}
		dir = parent
	}
}

func newRepo() *repository.PostgresRepository {
	return repository.NewPostgresRepository(testPool)
}

// ---------------------------------------------------------------------------
// Settings
// ---------------------------------------------------------------------------

func TestSettingsRoundTrip(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	t.Run("migration seeds the singleton row", func(t *testing.T) {
		settings, err := repo.GetSettings(ctx)
		if err != nil {
			t.Fatalf("GetSettings: %v", err)
		}
		if settings.MobileBreakpoint != 781 || settings.TabletBreakpoint != 1024 {
			t.Errorf("seeded breakpoints = %d/%d, want 781/1024", settings.MobileBreakpoint, settings.TabletBreakpoint)
		}
		if settings.StylesheetVersion < 1 {
			t.Errorf("StylesheetVersion = %d, want >= 1", settings.StylesheetVersion)
		}
	})

	t.Run("update bumps the stylesheet version", func(t *testing.T) {
		before, err := repo.GetSettings(ctx)
		if err != nil {
			t.Fatalf("GetSettings: %v", err)
		}

		before.MobileBreakpoint = 640
		before.AllowedPreviewRoles = []string{"administrator", "editor"}
		before.DefaultFallbackBehavior = "text"
		before.DefaultFallbackText = "Members only."
		before.SupportedBlocks = []string{"core/paragraph", "core/group"}

		updated, err := repo.UpdateSettings(ctx, before)
		if err != nil {
			t.Fatalf("UpdateSettings: %v", err)
		}
		if updated.StylesheetVersion != before.StylesheetVersion+1 {
			t.Errorf("StylesheetVersion = %d, want %d", updated.StylesheetVersion, before.StylesheetVersion+1)
		}
		if updated.MobileBreakpoint != 640 {
			t.Errorf("MobileBreakpoint = %d, want 640", updated.MobileBreakpoint)
		}

		got, err := repo.GetSettings(ctx)
		if err != nil {
			t.Fatalf("GetSettings after update: %v", err)
		}
		if len(got.AllowedPreviewRoles) != 2 {
			t.Errorf("AllowedPreviewRoles = %v, want 2 entries", got.AllowedPreviewRoles)
		}
		if got.DefaultFallbackText != "Members only." {
			t.Errorf("DefaultFallbackText = %q, want %q", got.DefaultFallbackText, "Members only.")
		}
	})
}

func TestSettingsInvalidationNotify(t *testing.T) {
	repo := newRepo()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	invalidations, err := repo.SubscribeSettingsInvalidation(ctx)
	if err != nil {
		t.Fatalf("SubscribeSettingsInvalidation: %v", err)
	}

	// Give the LISTEN connection a moment to attach before updating.
	time.Sleep(500 * time.Millisecond)

	settings, err := repo.GetSettings(ctx)
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	settings.TabletBreakpoint++
	if _, err := repo.UpdateSettings(ctx, settings); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}

	select {
	case <-invalidations:
	case <-ctx.Done():
		t.Fatal("timed out waiting for settings invalidation notification")
	}
}

// ---------------------------------------------------------------------------
// Registered roles
// ---------------------------------------------------------------------------

func TestRegisteredRoles(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	t.Run("migration seeds the default roles", func(t *testing.T) {
		roles, err := repo.ListRegisteredRoles(ctx)
		if err != nil {
			t.Fatalf("ListRegisteredRoles: %v", err)
		}
		slugs := make(map[string]bool, len(roles))
		for _, role := range roles {
			slugs[role.Slug] = true
		}
		for _, want := range []string{"administrator", "editor", "author", "subscriber"} {
			if !slugs[want] {
				t.Errorf("seeded roles missing %q (got %v)", want, roles)
			}
		}
	})

	t.Run("replace role set", func(t *testing.T) {
		next := []repository.RegisteredRole{
			{Slug: "administrator", DisplayName: "Administrator"},
			{Slug: "paying-member", DisplayName: "Paying Member"},
		}
		if err := repo.ReplaceRegisteredRoles(ctx, next); err != nil {
			t.Fatalf("ReplaceRegisteredRoles: %v", err)
		}

		roles, err := repo.ListRegisteredRoles(ctx)
		if err != nil {
			t.Fatalf("ListRegisteredRoles: %v", err)
		}
		if len(roles) != 2 {
			t.Fatalf("got %d roles, want 2", len(roles))
		}
	})
}

// ---------------------------------------------------------------------------
// Fallback blocks
// ---------------------------------------------------------------------------

func TestFallbackBlockCRUD(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	created, err := repo.CreateFallbackBlock(ctx, "Teaser", "<p>Join to read more.</p>")
	if err != nil {
		t.Fatalf("CreateFallbackBlock: %v", err)
	}
	if created.ID == 0 {
		t.Fatal("created block has zero ID")
	}
	if created.CreatedAt.IsZero() {
		t.Error("CreatedAt is zero")
	}

	got, err := repo.GetFallbackBlock(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetFallbackBlock: %v", err)
	}
	if got.Title != "Teaser" || got.Markup != "<p>Join to read more.</p>" {
		t.Errorf("block = %+v, want Teaser markup", got)
	}

	got.Title = "Teaser v2"
	got.Markup = "<p>Join now.</p>"
	updated, err := repo.UpdateFallbackBlock(ctx, got)
	if err != nil {
		t.Fatalf("UpdateFallbackBlock: %v", err)
	}
	if updated.Title != "Teaser v2" {
		t.Errorf("Title = %q, want %q", updated.Title, "Teaser v2")
	}

	blocks, err := repo.ListFallbackBlocks(ctx)
	if err != nil {
		t.Fatalf("ListFallbackBlocks: %v", err)
	}
	found := false
	for _, block := range blocks {
		if block.ID == created.ID {
			found = true
		}
	}
	if !found {
		t.Error("created block missing from list")
	}

	if err := repo.DeleteFallbackBlock(ctx, created.ID); err != nil {
		t.Fatalf("DeleteFallbackBlock: %v", err)
	}
	if _, err := repo.GetFallbackBlock(ctx, created.ID); !errors.Is(err, pgx.ErrNoRows) {
		t.Errorf("GetFallbackBlock after delete error = %v, want wrapping pgx.ErrNoRows", err)
	}
	if err := repo.DeleteFallbackBlock(ctx, created.ID); !errors.Is(err, pgx.ErrNoRows) {
		t.Errorf("double delete error = %v, want wrapping pgx.ErrNoRows", err)
	}
}

// ---------------------------------------------------------------------------
// Insight events
// ---------------------------------------------------------------------------

func TestInsightEvents(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	events := []repository.InsightEvent{
		{BlockID: "block-1", Event: "render", Reason: "visible", BlockName: "core/paragraph", PostID: 7, PostType: "page"},
		{BlockID: "block-1", Event: "render", Reason: "visible", BlockName: "core/paragraph", PostID: 7, PostType: "page"},
		{BlockID: "block-2", Event: "fallback", Reason: "roles", BlockName: "core/group", PostID: 9, PostType: "post", IsPreview: true, UsesFallback: true},
	}
	if err := repo.InsertInsightEvents(ctx, events); err != nil {
		t.Fatalf("InsertInsightEvents: %v", err)
	}

	t.Run("recent returns newest first with full context", func(t *testing.T) {
		listed, err := repo.ListRecentInsightEvents(ctx, 2)
		if err != nil {
			t.Fatalf("ListRecentInsightEvents: %v", err)
		}
		if len(listed) != 2 {
			t.Fatalf("got %d events, want 2", len(listed))
		}
		if listed[0].ID <= listed[1].ID {
			t.Errorf("events not newest first: ids %d, %d", listed[0].ID, listed[1].ID)
		}

		newest := listed[0]
		if newest.BlockID != "block-2" || newest.Event != "fallback" || newest.Reason != "roles" {
			t.Errorf("newest event = %+v, want block-2 fallback/roles", newest)
		}
		if newest.BlockName != "core/group" || newest.PostID != 9 || newest.PostType != "post" {
			t.Errorf("event context = %q/%d/%q, want core/group/9/post", newest.BlockName, newest.PostID, newest.PostType)
		}
		if !newest.IsPreview || !newest.UsesFallback {
			t.Errorf("event flags = preview %t fallback %t, want both true", newest.IsPreview, newest.UsesFallback)
		}
		if newest.CreatedAt.IsZero() {
			t.Error("CreatedAt not populated")
		}
	})

	t.Run("summarize groups by block and event", func(t *testing.T) {
		summaries, err := repo.SummarizeInsights(ctx, time.Now().Add(-time.Hour))
		if err != nil {
			t.Fatalf("SummarizeInsights: %v", err)
		}

		var renders int64
		for _, summary := range summaries {
			if summary.BlockID == "block-1" && summary.Event == "render" {
				renders = summary.Count
			}
		}
		if renders < 2 {
			t.Errorf("block-1 render count = %d, want >= 2", renders)
		}
	})

	t.Run("empty insert is a no-op", func(t *testing.T) {
		if err := repo.InsertInsightEvents(ctx, nil); err != nil {
			t.Fatalf("InsertInsightEvents(nil): %v", err)
		}
	})

	t.Run("prune removes old events", func(t *testing.T) {
		_, err := testPool.Exec(ctx, `
			INSERT INTO insight_events (block_id, event, reason, created_at)
			VALUES ('stale-block', 'render', 'visible', NOW() - INTERVAL '100 days')
		`)
		if err != nil {
			t.Fatalf("insert stale event: %v", err)
		}

		pruned, err := repo.PruneInsightEvents(ctx, time.Now().Add(-90*24*time.Hour))
		if err != nil {
			t.Fatalf("PruneInsightEvents: %v", err)
		}
		if pruned < 1 {
			t.Errorf("pruned = %d, want >= 1", pruned)
		}
	})
}

// ---------------------------------------------------------------------------
// API keys
// ---------------------------------------------------------------------------

func TestAPIKeyLifecycle(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	keyID, rawSecret, err := repo.CreateAPIKey(ctx, "integration")
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	if keyID == "" || rawSecret == "" {
		t.Fatal("CreateAPIKey returned empty id or secret")
	}

	t.Run("validate returns the stored bcrypt hash", func(t *testing.T) {
		keyHash, err := repo.ValidateAPIKey(ctx, keyID)
		if err != nil {
			t.Fatalf("ValidateAPIKey: %v", err)
		}
		if err := bcrypt.CompareHashAndPassword([]byte(keyHash), []byte(rawSecret)); err != nil {
			t.Errorf("bcrypt hash mismatch: %v", err)
		}
	})

	t.Run("list includes the key", func(t *testing.T) {
		keys, err := repo.ListAPIKeys(ctx)
		if err != nil {
			t.Fatalf("ListAPIKeys: %v", err)
		}
		found := false
		for _, key := range keys {
			if key.ID == keyID {
				found = true
				if key.Name != "integration" {
					t.Errorf("Name = %q, want %q", key.Name, "integration")
				}
			}
		}
		if !found {
			t.Error("created key missing from list")
		}
	})

	t.Run("revoked key fails validation", func(t *testing.T) {
		if err := repo.DeleteAPIKey(ctx, keyID); err != nil {
			t.Fatalf("DeleteAPIKey: %v", err)
		}
		if _, err := repo.ValidateAPIKey(ctx, keyID); err == nil {
			t.Fatal("expected error for revoked key, got nil")
		}
	})

	t.Run("unknown key fails validation", func(t *testing.T) {
		if _, err := repo.ValidateAPIKey(ctx, "nonexistent-key-id"); err == nil {
			t.Fatal("expected error for unknown key, got nil")
		}
	})
}

// ---------------------------------------------------------------------------
// Admin users and sessions
// ---------------------------------------------------------------------------

func TestAdminUsersAndSessions(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	user, err := repo.CreateAdminUser(ctx, "integration-admin", "$argon2id$v=19$m=65536,t=4,p=4$c2FsdHNhbHRzYWx0c2FsdA$aGFzaGhhc2hoYXNoaGFzaGhhc2hoYXNoaGFzaGhhc2g")
	if err != nil {
		t.Fatalf("CreateAdminUser: %v", err)
	}
	if user.ID == "" {
		t.Fatal("created user has empty ID")
	}

	exists, err := repo.HasAdminUsers(ctx)
	if err != nil {
		t.Fatalf("HasAdminUsers: %v", err)
	}
	if !exists {
		t.Error("HasAdminUsers = false after create")
	}

	byName, err := repo.GetAdminUserByUsername(ctx, "integration-admin")
	if err != nil {
		t.Fatalf("GetAdminUserByUsername: %v", err)
	}
	if byName.ID != user.ID {
		t.Errorf("ID = %q, want %q", byName.ID, user.ID)
	}

	session := repository.AdminSession{
		IDHash:      "hash-integration-1",
		AdminUserID: user.ID,
		CSRFToken:   "csrf-integration",
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	if err := repo.CreateAdminSession(ctx, session); err != nil {
		t.Fatalf("CreateAdminSession: %v", err)
	}

	got, err := repo.GetAdminSession(ctx, session.IDHash)
	if err != nil {
		t.Fatalf("GetAdminSession: %v", err)
	}
	if got.AdminUserID != user.ID || got.CSRFToken != "csrf-integration" {
		t.Errorf("session = %+v, want matching user and CSRF token", got)
	}

	expired := repository.AdminSession{
		IDHash:      "hash-integration-expired",
		AdminUserID: user.ID,
		CSRFToken:   "csrf-expired",
		CreatedAt:   time.Now().Add(-2 * time.Hour),
		ExpiresAt:   time.Now().Add(-time.Hour),
	}
	if err := repo.CreateAdminSession(ctx, expired); err != nil {
		t.Fatalf("CreateAdminSession expired: %v", err)
	}
	if _, err := repo.GetAdminSession(ctx, expired.IDHash); err == nil {
		t.Error("expected error fetching expired session, got nil")
	}

	if err := repo.DeleteExpiredAdminSessions(ctx); err != nil {
		t.Fatalf("DeleteExpiredAdminSessions: %v", err)
	}
	if _, err := repo.GetAdminSession(ctx, session.IDHash); err != nil {
		t.Errorf("live session removed by expiry sweep: %v", err)
	}

	if err := repo.DeleteAdminSession(ctx, session.IDHash); err != nil {
		t.Fatalf("DeleteAdminSession: %v", err)
	}
	if _, err := repo.GetAdminSession(ctx, session.IDHash); err == nil {
		t.Error("expected error after session delete, got nil")
	}
}
