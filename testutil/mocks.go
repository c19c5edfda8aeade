package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockTokenServer mocks an OAuth2 token endpoint for refresh-grant flows.
// Response fields are settable before the first request.
type MockTokenServer struct {
	*httptest.Server

	AccessToken  string
	RefreshToken string
	Scope        string
	ExpiresIn    int

	mu               sync.Mutex
	requests         int
	lastRefreshToken string
}

// NewMockTokenServer starts a server answering POST /token with a standard
// OAuth2 token response.
func NewMockTokenServer(t *testing.T) *MockTokenServer {
	t.Helper()
	m := &MockTokenServer{
		AccessToken:  "mock-access",
		RefreshToken: "mock-refresh",
		Scope:        "mock.scope",
		ExpiresIn:    3600,
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/token" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = r.ParseForm()
		m.mu.Lock()
		m.requests++
		m.lastRefreshToken = r.PostFormValue("refresh_token")
		m.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck // test mock response
			"access_token":  m.AccessToken,
			"refresh_token": m.RefreshToken,
			"expires_in":    m.ExpiresIn,
			"scope":         m.Scope,
			"token_type":    "Bearer",
		})
	}))
	t.Cleanup(m.Close)
	return m
}

// TokenURL returns the endpoint URL to plug into an oauth2 config.
func (m *MockTokenServer) TokenURL() string {
	return m.URL + "/token"
}

// Requests reports how many token requests the server has answered.
func (m *MockTokenServer) Requests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests
}

// LastRefreshToken reports the refresh token presented on the latest request.
func (m *MockTokenServer) LastRefreshToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRefreshToken
}
