// Package testutil provides shared test fixtures: a mock Twitch Helix server
// and a TEST_PG_DSN-gated database helper.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/oauth2"

	"github.com/onnwee/viewer-atlas/twitchapi"
)

// MockTwitchServer is a test server that mocks Twitch Helix API responses.
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockTwitchServer creates a new mock Twitch API server. Paths without a
// registered handler answer 404.
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := m.Handlers[r.URL.Path]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Client returns a Helix client wired to this server with a static app token,
// so tests never hit the token endpoint unless they register one.
func (m *MockTwitchServer) Client() *twitchapi.Client {
	c := twitchapi.NewClient("test-client-id", "test-secret")
	c.BaseURL = m.URL + "/helix"
	c.Auth.TokenURL = m.URL + "/oauth2/token"
	c.HTTPClient = m.Server.Client()
	c.SetTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test-token"}))
	return c
}

// MockStreamsResponse adds a handler for the /helix/streams endpoint. The
// same fixture serves metadata lookups and single-page top-stream discovery:
// no pagination cursor is returned, so paginated walks stop after one page.
func (m *MockTwitchServer) MockStreamsResponse(streams []map[string]interface{}) {
	m.Handlers["/helix/streams"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"data": streams,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockOAuthTokenResponse adds a handler for the client credentials token
// endpoint.
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// Stream builds a /helix/streams data entry for a live channel.
func Stream(login, game, language string, viewers int) map[string]interface{} {
	return map[string]interface{}{
		"user_login":   login,
		"user_name":    login,
		"game_name":    game,
		"title":        login + " plays " + game,
		"viewer_count": viewers,
		"language":     language,
		"started_at":   "2026-08-25T10:00:00Z",
	}
}
