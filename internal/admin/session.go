package admin

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/visly/visly/internal/repository"
)

const (
	sessionCookieName  = "visly_admin_session"
	csrfCookieName     = "visly_csrf"
	sessionDuration    = 24 * time.Hour
	csrfTokenLength    = 32
	sessionTokenLength = 32
	maxLoginAttempts   = 5
	loginWindow        = 15 * time.Minute
)

var ErrUnauthorized = errors.New("unauthorized")

// SessionStore is the slice of the repository the session manager needs.
type SessionStore interface {
	CreateAdminSession(ctx context.Context, session repository.AdminSession) error
	GetAdminSession(ctx context.Context, idHash string) (repository.AdminSession, error)
	DeleteAdminSession(ctx context.Context, idHash string) error
}

// SessionManager issues and validates admin sessions. Only an HMAC-SHA256
// digest of the session token ever reaches the store, so a leaked sessions
// table cannot be replayed as cookies without the server secret.
type SessionManager struct {
	store  SessionStore
	secret []byte

	// In-memory failed-login limiter keyed by client IP.
	loginAttempts map[string][]time.Time
	mu            sync.Mutex
}

func NewSessionManager(store SessionStore, secret string) *SessionManager {
	return &SessionManager{
		store:         store,
		secret:        []byte(secret),
		loginAttempts: make(map[string][]time.Time),
	}
}

// GenerateSession creates a session for the user and returns the raw token
// destined for the cookie.
func (m *SessionManager) GenerateSession(ctx context.Context, userID string) (string, error) {
	tokenBytes := make([]byte, sessionTokenLength)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	rawToken := base64.RawURLEncoding.EncodeToString(tokenBytes)

	csrfBytes := make([]byte, csrfTokenLength)
	if _, err := rand.Read(csrfBytes); err != nil {
		return "", fmt.Errorf("generate csrf token: %w", err)
	}

	session := repository.AdminSession{
		IDHash:      m.hashToken(rawToken),
		AdminUserID: userID,
		CSRFToken:   base64.RawURLEncoding.EncodeToString(csrfBytes),
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(sessionDuration),
	}

	if err := m.store.CreateAdminSession(ctx, session); err != nil {
		return "", err
	}

	return rawToken, nil
}

// ValidateSession resolves the cookie token to a stored session.
func (m *SessionManager) ValidateSession(ctx context.Context, rawToken string) (repository.AdminSession, error) {
	if rawToken == "" {
		return repository.AdminSession{}, ErrUnauthorized
	}

	idHash := m.hashToken(rawToken)
	session, err := m.store.GetAdminSession(ctx, idHash)
	if err != nil {
		return repository.AdminSession{}, ErrUnauthorized
	}

	if time.Now().After(session.ExpiresAt) {
		_ = m.store.DeleteAdminSession(ctx, idHash)
		return repository.AdminSession{}, ErrUnauthorized
	}

	return session, nil
}

// InvalidateSession removes the session backing the raw token.
func (m *SessionManager) InvalidateSession(ctx context.Context, rawToken string) error {
	return m.store.DeleteAdminSession(ctx, m.hashToken(rawToken))
}

// SetSessionCookie writes the session cookie.
func (m *SessionManager) SetSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		// Lax rather than Strict so links into the portal keep working.
		SameSite: http.SameSiteLaxMode,
		// The portal is reached over the tailnet, which encrypts the
		// transport; Secure would break plain-HTTP serving there.
		Secure:  false,
		Expires: time.Now().Add(sessionDuration),
	})
}

// ClearSessionCookie deletes the session cookie.
func (m *SessionManager) ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   false,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

// CheckLoginRateLimit reports whether the IP may attempt another login.
func (m *SessionManager) CheckLoginRateLimit(ip string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	attempts, ok := m.loginAttempts[ip]
	if !ok {
		return true
	}

	recent := make([]time.Time, 0, len(attempts))
	for _, t := range attempts {
		if now.Sub(t) < loginWindow {
			recent = append(recent, t)
		}
	}
	m.loginAttempts[ip] = recent

	return len(recent) < maxLoginAttempts
}

// RecordLoginAttempt registers a failed login for the IP.
func (m *SessionManager) RecordLoginAttempt(ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.loginAttempts[ip] = append(m.loginAttempts[ip], time.Now())
}

func (m *SessionManager) hashToken(token string) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}
