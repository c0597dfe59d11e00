package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubValidator struct {
	keyID string
	err   error
}

func (s stubValidator) ValidateToken(_ context.Context, token string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.keyID, nil
}

func TestBearerAuth(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		validator  TokenValidator
		wantStatus int
		wantKeyID  string
	}{
		{
			name:       "valid token",
			header:     "Bearer key123.secret",
			validator:  stubValidator{keyID: "key123"},
			wantStatus: http.StatusOK,
			wantKeyID:  "key123",
		},
		{
			name:       "missing header",
			header:     "",
			validator:  stubValidator{keyID: "key123"},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "not a bearer scheme",
			header:     "Basic dXNlcjpwYXNz",
			validator:  stubValidator{keyID: "key123"},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "validator rejects",
			header:     "Bearer key123.wrong",
			validator:  stubValidator{err: errors.New("no match")},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "validator returns blank key id",
			header:     "Bearer key123.secret",
			validator:  stubValidator{keyID: "  "},
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotKeyID string
			handler := BearerAuth(tt.validator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotKeyID, _ = APIKeyIDFromContext(r.Context())
			}))

			req := httptest.NewRequest(http.MethodPost, "/v1/render", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK && gotKeyID != tt.wantKeyID {
				t.Errorf("key ID in context = %q, want %q", gotKeyID, tt.wantKeyID)
			}
			if tt.wantStatus == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") != "Bearer" {
				t.Error("missing WWW-Authenticate header on 401")
			}
		})
	}
}

func TestBearerAuthFailureCallback(t *testing.T) {
	failures := 0
	handler := BearerAuth(stubValidator{err: errors.New("bad key")},
		WithOnAuthFailure(func() { failures++ }),
	)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	req := httptest.NewRequest(http.MethodPost, "/v1/render", nil)
	req.Header.Set("Authorization", "Bearer key.bad")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if failures != 1 {
		t.Errorf("failure callback invoked %d times, want 1", failures)
	}
}

func TestBearerAuthRateLimitsFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fl := NewFailureLimiter(ctx, 3)
	defer fl.Stop()

	handler := BearerAuth(stubValidator{err: errors.New("bad key")},
		WithFailureLimiter(fl),
	)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	var last int
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/render", nil)
		req.RemoteAddr = "203.0.113.9:4001"
		req.Header.Set("Authorization", "Bearer key.bad")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("status after repeated failures = %d, want %d", last, http.StatusTooManyRequests)
	}
}

func TestParseBearerToken(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{"Bearer abc.def", "abc.def", false},
		{"bearer abc.def", "abc.def", false},
		{"Bearer", "", true},
		{"Bearer a b", "", true},
		{"Token abc", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := parseBearerToken(tt.header)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseBearerToken(%q) error = %v, wantErr %v", tt.header, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseBearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}
