// Package admin serves the operator portal: initial setup, settings,
// registered roles, fallback blocks, insights, and API key management. It is
// intended to be exposed on a tailnet hostname, never on the public API
// listener.
package admin

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gosimple/slug"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/visly/visly/internal/repository"
	"github.com/visly/visly/internal/service"
)

type adminContextKey string

const sessionContextKey adminContextKey = "admin_session"

const (
	defaultInsightWindow = 7 * 24 * time.Hour
	recentInsightLimit   = 50
)

// Repository is the slice of the postgres repository the portal needs
// directly; everything content-related goes through Service.
type Repository interface {
	SessionStore

	HasAdminUsers(ctx context.Context) (bool, error)
	CreateAdminUser(ctx context.Context, username, passwordHash string) (repository.AdminUser, error)
	GetAdminUserByUsername(ctx context.Context, username string) (repository.AdminUser, error)
	GetAdminUserByID(ctx context.Context, id string) (repository.AdminUser, error)

	CreateAPIKey(ctx context.Context, name string) (string, string, error)
	ListAPIKeys(ctx context.Context) ([]repository.APIKeyMeta, error)
	DeleteAPIKey(ctx context.Context, keyID string) error
}

// Service is the application surface the portal edits.
type Service interface {
	Settings(ctx context.Context) repository.Settings
	UpdateSettings(ctx context.Context, settings repository.Settings) (repository.Settings, error)
	RegisteredRoles(ctx context.Context) ([]repository.RegisteredRole, error)
	ReplaceRegisteredRoles(ctx context.Context, roles []repository.RegisteredRole) error
	FallbackBlocks(ctx context.Context) ([]repository.FallbackBlock, error)
	CreateFallbackBlock(ctx context.Context, title, markup string) (repository.FallbackBlock, error)
	UpdateFallbackBlock(ctx context.Context, block repository.FallbackBlock) (repository.FallbackBlock, error)
	DeleteFallbackBlock(ctx context.Context, id int64) error
	InsightSummary(ctx context.Context, since time.Time) ([]repository.InsightSummary, error)
	RecentInsightEvents(ctx context.Context, limit int) ([]repository.InsightEvent, error)
}

var (
	_ Repository = (*repository.PostgresRepository)(nil)
	_ Service    = (*service.Service)(nil)
)

type Handler struct {
	repo     Repository
	svc      Service
	sessions *SessionManager
	log      *slog.Logger
	mux      *http.ServeMux
}

func NewHandler(repo Repository, svc Service, sessions *SessionManager, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		repo:     repo,
		svc:      svc,
		sessions: sessions,
		log:      log,
	}
	h.mux = h.buildMux()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /setup", h.handleSetupForm)
	mux.HandleFunc("POST /setup", h.handleSetupSubmit)
	mux.HandleFunc("GET /login", h.handleLoginForm)
	mux.HandleFunc("POST /login", h.handleLoginSubmit)
	mux.HandleFunc("POST /logout", h.handleLogout)

	mux.HandleFunc("GET /{$}", h.requireAuth(h.handleDashboard))
	mux.HandleFunc("GET /settings", h.requireAuth(h.handleSettingsForm))
	mux.HandleFunc("POST /settings", h.requireAuth(h.handleSettingsSubmit))
	mux.HandleFunc("GET /roles", h.requireAuth(h.handleRolesForm))
	mux.HandleFunc("POST /roles", h.requireAuth(h.handleRolesSubmit))
	mux.HandleFunc("GET /blocks", h.requireAuth(h.handleBlocks))
	mux.HandleFunc("POST /blocks", h.requireAuth(h.handleCreateBlock))
	mux.HandleFunc("POST /blocks/{id}", h.requireAuth(h.handleUpdateBlock))
	mux.HandleFunc("POST /blocks/{id}/delete", h.requireAuth(h.handleDeleteBlock))
	mux.HandleFunc("GET /insights", h.requireAuth(h.handleInsights))
	mux.HandleFunc("GET /api-keys", h.requireAuth(h.handleAPIKeys))
	mux.HandleFunc("POST /api-keys", h.requireAuth(h.handleCreateAPIKey))
	mux.HandleFunc("POST /api-keys/delete", h.requireAuth(h.handleDeleteAPIKey))

	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.FS(content))))

	return mux
}

// requireAuth resolves the session cookie and validates the CSRF token on
// state-changing requests.
func (h *Handler) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}

		session, err := h.sessions.ValidateSession(r.Context(), cookie.Value)
		if err != nil {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}

		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodDelete {
			token := r.FormValue("csrf_token")
			if token == "" {
				token = r.Header.Get("X-CSRF-Token")
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(session.CSRFToken)) != 1 {
				http.Error(w, "Forbidden: invalid CSRF token", http.StatusForbidden)
				return
			}
		}

		ctx := context.WithValue(r.Context(), sessionContextKey, session)
		next(w, r.WithContext(ctx))
	}
}

func sessionFromContext(ctx context.Context) (repository.AdminSession, bool) {
	session, ok := ctx.Value(sessionContextKey).(repository.AdminSession)
	return session, ok
}

func (h *Handler) handleSetupForm(w http.ResponseWriter, r *http.Request) {
	exists, err := h.repo.HasAdminUsers(r.Context())
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if exists {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	h.renderWithCSRFCookie(w, r, "setup.html", map[string]any{})
}

func (h *Handler) handleSetupSubmit(w http.ResponseWriter, r *http.Request) {
	exists, err := h.repo.HasAdminUsers(r.Context())
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if exists {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	if !h.validateDoubleSubmitCSRF(r) {
		http.Error(w, "Forbidden: invalid CSRF token", http.StatusForbidden)
		return
	}

	username := strings.TrimSpace(r.FormValue("username"))
	password := r.FormValue("password")
	confirm := r.FormValue("confirm_password")

	if msg := validateUsername(username); msg != "" {
		h.render(w, "setup.html", map[string]any{"Error": msg})
		return
	}
	if password != confirm {
		h.render(w, "setup.html", map[string]any{"Error": "Passwords do not match"})
		return
	}
	if len(password) < 12 {
		h.render(w, "setup.html", map[string]any{"Error": "Password must be at least 12 characters"})
		return
	}

	hash, err := HashPassword(password)
	if err != nil {
		http.Error(w, "Failed to hash password", http.StatusInternalServerError)
		return
	}

	if _, err := h.repo.CreateAdminUser(r.Context(), username, hash); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		h.log.Error("create admin user", "error", err)
		h.render(w, "setup.html", map[string]any{"Error": "Failed to create user"})
		return
	}

	http.Redirect(w, r, "/login", http.StatusFound)
}

func validateUsername(username string) string {
	if len(username) < 3 || len(username) > 50 {
		return "Username must be between 3 and 50 characters"
	}
	for _, c := range username {
		ok := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') ||
			c == '_' || c == '-' || c == '.'
		if !ok {
			return "Username may only contain letters, digits, underscores, hyphens, and dots"
		}
	}
	return ""
}

func (h *Handler) handleLoginForm(w http.ResponseWriter, r *http.Request) {
	h.renderWithCSRFCookie(w, r, "login.html", map[string]any{})
}

func (h *Handler) handleLoginSubmit(w http.ResponseWriter, r *http.Request) {
	if !h.validateDoubleSubmitCSRF(r) {
		http.Error(w, "Forbidden: invalid CSRF token", http.StatusForbidden)
		return
	}

	username := r.FormValue("username")
	password := r.FormValue("password")
	remoteAddr := clientAddr(r)

	if !h.sessions.CheckLoginRateLimit(remoteAddr) {
		h.render(w, "login.html", map[string]any{"Error": "Too many attempts. Please try again later."})
		return
	}

	user, err := h.repo.GetAdminUserByUsername(r.Context(), username)
	if err != nil {
		h.sessions.RecordLoginAttempt(remoteAddr)
		h.render(w, "login.html", map[string]any{"Error": "Invalid credentials"})
		return
	}

	match, err := VerifyPassword(password, user.PasswordHash)
	if err != nil || !match {
		h.sessions.RecordLoginAttempt(remoteAddr)
		h.render(w, "login.html", map[string]any{"Error": "Invalid credentials"})
		return
	}

	token, err := h.sessions.GenerateSession(r.Context(), user.ID)
	if err != nil {
		http.Error(w, "Failed to create session", http.StatusInternalServerError)
		return
	}
	h.sessions.SetSessionCookie(w, token)

	http.Redirect(w, r, "/", http.StatusFound)
}

// clientAddr trusts proxy headers only when the direct peer is a loopback or
// private address, i.e. a reverse proxy we control.
func clientAddr(r *http.Request) string {
	remoteAddr := r.RemoteAddr
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		remoteAddr = host
	}
	if ip := net.ParseIP(remoteAddr); ip != nil && (ip.IsLoopback() || ip.IsPrivate()) {
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
	}
	return remoteAddr
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		_ = h.sessions.InvalidateSession(r.Context(), cookie.Value)
	}
	h.sessions.ClearSessionCookie(w)
	http.Redirect(w, r, "/login", http.StatusFound)
}

func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFromContext(r.Context())
	if !ok {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	user, err := h.repo.GetAdminUserByID(r.Context(), session.AdminUserID)
	if err != nil {
		h.sessions.ClearSessionCookie(w)
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	settings := h.svc.Settings(r.Context())
	blocks, err := h.svc.FallbackBlocks(r.Context())
	if err != nil {
		http.Error(w, "Failed to load fallback blocks", http.StatusInternalServerError)
		return
	}

	h.render(w, "dashboard.html", map[string]any{
		"User":      user,
		"Settings":  settings,
		"Blocks":    blocks,
		"CSRFToken": session.CSRFToken,
	})
}

func (h *Handler) handleSettingsForm(w http.ResponseWriter, r *http.Request) {
	session, _ := sessionFromContext(r.Context())

	roles, err := h.svc.RegisteredRoles(r.Context())
	if err != nil {
		http.Error(w, "Failed to load roles", http.StatusInternalServerError)
		return
	}

	h.renderSettings(w, r, session.CSRFToken, h.svc.Settings(r.Context()), roles, "")
}

func (h *Handler) handleSettingsSubmit(w http.ResponseWriter, r *http.Request) {
	session, _ := sessionFromContext(r.Context())

	settings, parseErr := settingsFromForm(r)
	if parseErr == "" {
		updated, err := h.svc.UpdateSettings(r.Context(), settings)
		if err != nil {
			if errors.Is(err, service.ErrInvalidSettings) {
				parseErr = err.Error()
				settings = h.svc.Settings(r.Context())
			} else {
				h.log.Error("update settings", "error", err)
				http.Error(w, "Failed to update settings", http.StatusInternalServerError)
				return
			}
		} else {
			settings = updated
		}
	} else {
		settings = h.svc.Settings(r.Context())
	}

	roles, err := h.svc.RegisteredRoles(r.Context())
	if err != nil {
		http.Error(w, "Failed to load roles", http.StatusInternalServerError)
		return
	}

	h.renderSettings(w, r, session.CSRFToken, settings, roles, parseErr)
}

func (h *Handler) renderSettings(w http.ResponseWriter, r *http.Request, csrfToken string, settings repository.Settings, roles []repository.RegisteredRole, errMsg string) {
	allowed := make(map[string]bool, len(settings.AllowedPreviewRoles))
	for _, role := range settings.AllowedPreviewRoles {
		allowed[role] = true
	}

	data := map[string]any{
		"Settings":     settings,
		"Roles":        roles,
		"AllowedRoles": allowed,
		"CSRFToken":    csrfToken,
	}
	if errMsg != "" {
		data["Error"] = errMsg
	}
	h.render(w, "settings.html", data)
}

func settingsFromForm(r *http.Request) (repository.Settings, string) {
	mobile, err := strconv.Atoi(strings.TrimSpace(r.FormValue("mobile_breakpoint")))
	if err != nil {
		return repository.Settings{}, "Mobile breakpoint must be a number"
	}
	tablet, err := strconv.Atoi(strings.TrimSpace(r.FormValue("tablet_breakpoint")))
	if err != nil {
		return repository.Settings{}, "Tablet breakpoint must be a number"
	}

	return repository.Settings{
		MobileBreakpoint:        mobile,
		TabletBreakpoint:        tablet,
		AllowedPreviewRoles:     r.Form["allowed_preview_roles"],
		DefaultFallbackBehavior: r.FormValue("default_fallback_behavior"),
		DefaultFallbackText:     strings.TrimSpace(r.FormValue("default_fallback_text")),
		SupportedBlocks:         splitLines(r.FormValue("supported_blocks")),
	}, ""
}

func (h *Handler) handleRolesForm(w http.ResponseWriter, r *http.Request) {
	session, _ := sessionFromContext(r.Context())

	roles, err := h.svc.RegisteredRoles(r.Context())
	if err != nil {
		http.Error(w, "Failed to load roles", http.StatusInternalServerError)
		return
	}

	h.render(w, "roles.html", map[string]any{
		"Roles":     roles,
		"CSRFToken": session.CSRFToken,
	})
}

func (h *Handler) handleRolesSubmit(w http.ResponseWriter, r *http.Request) {
	roles := rolesFromForm(r.FormValue("roles"))
	if len(roles) == 0 {
		http.Error(w, "At least one role is required", http.StatusBadRequest)
		return
	}

	if err := h.svc.ReplaceRegisteredRoles(r.Context(), roles); err != nil {
		h.log.Error("replace roles", "error", err)
		http.Error(w, "Failed to update roles", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, "/roles", http.StatusFound)
}

// rolesFromForm parses one display name per line into registered roles,
// deriving slugs the same way block attributes do, so the editor side and the
// decision side agree on the canonical form.
func rolesFromForm(raw string) []repository.RegisteredRole {
	var roles []repository.RegisteredRole
	seen := make(map[string]bool)
	for _, line := range splitLines(raw) {
		s := slug.Make(line)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		roles = append(roles, repository.RegisteredRole{Slug: s, DisplayName: line})
	}
	return roles
}

func (h *Handler) handleBlocks(w http.ResponseWriter, r *http.Request) {
	session, _ := sessionFromContext(r.Context())

	blocks, err := h.svc.FallbackBlocks(r.Context())
	if err != nil {
		http.Error(w, "Failed to load fallback blocks", http.StatusInternalServerError)
		return
	}

	h.render(w, "blocks.html", map[string]any{
		"Blocks":    blocks,
		"CSRFToken": session.CSRFToken,
	})
}

func (h *Handler) handleCreateBlock(w http.ResponseWriter, r *http.Request) {
	title := strings.TrimSpace(r.FormValue("title"))
	markup := r.FormValue("markup")
	if title == "" {
		http.Error(w, "Title is required", http.StatusBadRequest)
		return
	}

	if _, err := h.svc.CreateFallbackBlock(r.Context(), title, markup); err != nil {
		h.log.Error("create fallback block", "error", err)
		http.Error(w, "Failed to create fallback block", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, "/blocks", http.StatusFound)
}

func (h *Handler) handleUpdateBlock(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	block := repository.FallbackBlock{
		ID:     id,
		Title:  strings.TrimSpace(r.FormValue("title")),
		Markup: r.FormValue("markup"),
	}
	if block.Title == "" {
		http.Error(w, "Title is required", http.StatusBadRequest)
		return
	}

	if _, err := h.svc.UpdateFallbackBlock(r.Context(), block); err != nil {
		if errors.Is(err, service.ErrFallbackBlockNotFound) {
			http.NotFound(w, r)
			return
		}
		h.log.Error("update fallback block", "block_id", id, "error", err)
		http.Error(w, "Failed to update fallback block", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, "/blocks", http.StatusFound)
}

func (h *Handler) handleDeleteBlock(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	if err := h.svc.DeleteFallbackBlock(r.Context(), id); err != nil {
		if errors.Is(err, service.ErrFallbackBlockNotFound) {
			http.NotFound(w, r)
			return
		}
		h.log.Error("delete fallback block", "block_id", id, "error", err)
		http.Error(w, "Failed to delete fallback block", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, "/blocks", http.StatusFound)
}

func (h *Handler) handleInsights(w http.ResponseWriter, r *http.Request) {
	session, _ := sessionFromContext(r.Context())

	window := defaultInsightWindow
	if raw := strings.TrimSpace(r.URL.Query().Get("window")); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
			window = parsed
		}
	}

	summaries, err := h.svc.InsightSummary(r.Context(), time.Now().Add(-window))
	if err != nil {
		http.Error(w, "Failed to load insights", http.StatusInternalServerError)
		return
	}

	recent, err := h.svc.RecentInsightEvents(r.Context(), recentInsightLimit)
	if err != nil {
		http.Error(w, "Failed to load insights", http.StatusInternalServerError)
		return
	}

	h.render(w, "insights.html", map[string]any{
		"Summaries": summaries,
		"Recent":    recent,
		"Window":    window.String(),
		"CSRFToken": session.CSRFToken,
	})
}

func (h *Handler) handleAPIKeys(w http.ResponseWriter, r *http.Request) {
	session, _ := sessionFromContext(r.Context())

	keys, err := h.repo.ListAPIKeys(r.Context())
	if err != nil {
		http.Error(w, "Failed to list API keys", http.StatusInternalServerError)
		return
	}

	h.render(w, "api_keys.html", map[string]any{
		"APIKeys":   keys,
		"CSRFToken": session.CSRFToken,
	})
}

func (h *Handler) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	session, _ := sessionFromContext(r.Context())

	name := strings.TrimSpace(r.FormValue("name"))
	keyID, secret, err := h.repo.CreateAPIKey(r.Context(), name)
	if err != nil {
		http.Error(w, "Failed to create API key", http.StatusInternalServerError)
		return
	}

	keys, err := h.repo.ListAPIKeys(r.Context())
	if err != nil {
		h.log.Error("list api keys", "error", err)
	}

	// The secret is shown exactly once; only its bcrypt hash is stored.
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	h.render(w, "api_keys.html", map[string]any{
		"APIKeys":   keys,
		"NewKeyID":  keyID,
		"NewSecret": secret,
		"CSRFToken": session.CSRFToken,
	})
}

func (h *Handler) handleDeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	keyID := r.FormValue("key_id")
	if keyID == "" {
		http.Error(w, "Missing key_id", http.StatusBadRequest)
		return
	}

	if err := h.repo.DeleteAPIKey(r.Context(), keyID); err != nil {
		h.log.Error("revoke api key", "key_id", keyID, "error", err)
		http.Error(w, "Failed to revoke API key", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, "/api-keys", http.StatusFound)
}

func (h *Handler) render(w http.ResponseWriter, name string, data any) {
	if err := Render(w, name, data); err != nil {
		h.log.Error("render template", "template", name, "error", err)
	}
}

// renderWithCSRFCookie issues a fresh double-submit CSRF cookie alongside a
// pre-authentication form (login, setup).
func (h *Handler) renderWithCSRFCookie(w http.ResponseWriter, r *http.Request, name string, data map[string]any) {
	token := generateCSRFToken()
	isSecure := r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   isSecure,
	})
	data["CSRFToken"] = token
	h.render(w, name, data)
}

func generateCSRFToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("failed to generate CSRF token: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// validateDoubleSubmitCSRF checks the form token against the CSRF cookie for
// pre-authentication forms.
func (h *Handler) validateDoubleSubmitCSRF(r *http.Request) bool {
	cookie, err := r.Cookie(csrfCookieName)
	if err != nil || cookie.Value == "" {
		return false
	}
	formToken := r.FormValue("csrf_token")
	if formToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(formToken)) == 1
}

func splitLines(raw string) []string {
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
