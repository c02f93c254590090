// Package twitchapi contains minimal helpers to interact with Twitch Helix
// APIs for live stream lookups and top-stream discovery, using an app access
// token minted through the client credentials grant.
package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	// DefaultBaseURL is the production Helix endpoint.
	DefaultBaseURL = "https://api.twitch.tv/helix"
	// DefaultTokenURL is the production endpoint for the client credentials grant.
	DefaultTokenURL = "https://id.twitch.tv/oauth2/token"

	helixMaxRetries = 3
	helixPageSize   = 100
)

// Stream is one live broadcast as reported by the Helix streams endpoint.
type Stream struct {
	UserLogin   string `json:"user_login"`
	UserName    string `json:"user_name"`
	GameName    string `json:"game_name"`
	Title       string `json:"title"`
	ViewerCount int    `json:"viewer_count"`
	Language    string `json:"language"`
	StartedAt   string `json:"started_at"`
}

// Client provides the minimal Helix surface needed for channel discovery and
// metadata snapshots. BaseURL and HTTPClient are overridable for tests.
type Client struct {
	ClientID   string
	BaseURL    string
	Auth       *clientcredentials.Config
	HTTPClient *http.Client

	mu sync.Mutex
	ts oauth2.TokenSource
}

// NewClient builds a Helix client that mints app access tokens on demand.
// NOTE: app tokens cannot be used for IRC chat; chat needs a user token.
func NewClient(clientID, clientSecret string) *Client {
	return &Client{
		ClientID: clientID,
		BaseURL:  DefaultBaseURL,
		Auth: &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     DefaultTokenURL,
			AuthStyle:    oauth2.AuthStyleInParams,
		},
	}
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) baseURL() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return DefaultBaseURL
}

// SetTokenSource overrides the token source, primarily for tests.
func (c *Client) SetTokenSource(ts oauth2.TokenSource) {
	c.mu.Lock()
	c.ts = ts
	c.mu.Unlock()
}

func (c *Client) token() (string, error) {
	c.mu.Lock()
	if c.ts == nil {
		if c.Auth == nil {
			c.mu.Unlock()
			return "", fmt.Errorf("twitch app token: no credentials configured")
		}
		// The token source outlives any single request, so it gets its
		// own context; a custom HTTP client rides along for tests.
		authCtx := context.Background()
		if c.HTTPClient != nil {
			authCtx = context.WithValue(authCtx, oauth2.HTTPClient, c.HTTPClient)
		}
		c.ts = c.Auth.TokenSource(authCtx)
	}
	ts := c.ts
	c.mu.Unlock()

	tok, err := ts.Token()
	if err != nil {
		return "", fmt.Errorf("twitch app token: %w", err)
	}
	return tok.AccessToken, nil
}

// invalidateToken drops the cached token source so the next call mints a
// fresh token. Used after a 401 from Helix.
func (c *Client) invalidateToken() {
	c.mu.Lock()
	if c.Auth != nil {
		c.ts = nil
	}
	c.mu.Unlock()
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	refreshed := false
	for attempt := 1; ; attempt++ {
		tok, err := c.token()
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL()+path+"?"+q.Encode(), nil)
		if err != nil {
			return err
		}
		req.Header.Set("Client-Id", c.ClientID)
		req.Header.Set("Authorization", "Bearer "+tok)

		resp, err := c.http().Do(req)
		if err != nil {
			return err
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			err := json.NewDecoder(resp.Body).Decode(out)
			closeBody(resp)
			if err != nil {
				return fmt.Errorf("decode helix response: %w", err)
			}
			return nil
		case resp.StatusCode == http.StatusUnauthorized && !refreshed:
			closeBody(resp)
			refreshed = true
			c.invalidateToken()
		case (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt <= helixMaxRetries:
			delay := retryDelay(resp, attempt)
			closeBody(resp)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		default:
			b, _ := io.ReadAll(resp.Body)
			closeBody(resp)
			return fmt.Errorf("helix %s: %s: %s", path, resp.Status, string(b))
		}
	}
}

// GetStreams returns live streams for the given channel logins. Logins absent
// from the response are simply not live. Requests are chunked to the Helix
// page size.
func (c *Client) GetStreams(ctx context.Context, logins ...string) ([]Stream, error) {
	out := make([]Stream, 0, len(logins))
	for start := 0; start < len(logins); start += helixPageSize {
		end := start + helixPageSize
		if end > len(logins) {
			end = len(logins)
		}
		q := url.Values{}
		for _, login := range logins[start:end] {
			q.Add("user_login", login)
		}
		var body struct {
			Data []Stream `json:"data"`
		}
		if err := c.get(ctx, "/streams", q, &body); err != nil {
			return nil, err
		}
		out = append(out, body.Data...)
	}
	return out, nil
}

// TopStreams pages through the most-viewed live streams until limit entries
// have been collected or Twitch runs out of pages.
func (c *Client) TopStreams(ctx context.Context, limit int) ([]Stream, error) {
	if limit <= 0 {
		return nil, nil
	}
	out := make([]Stream, 0, limit)
	cursor := ""
	for len(out) < limit {
		first := helixPageSize
		if remaining := limit - len(out); remaining < first {
			first = remaining
		}
		q := url.Values{}
		q.Set("first", strconv.Itoa(first))
		if cursor != "" {
			q.Set("after", cursor)
		}
		var body struct {
			Data       []Stream `json:"data"`
			Pagination struct {
				Cursor string `json:"cursor"`
			} `json:"pagination"`
		}
		if err := c.get(ctx, "/streams", q, &body); err != nil {
			return nil, err
		}
		if len(body.Data) == 0 {
			break
		}
		out = append(out, body.Data...)
		if body.Pagination.Cursor == "" {
			break
		}
		cursor = body.Pagination.Cursor
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func retryDelay(resp *http.Response, attempt int) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Duration(attempt) * 250 * time.Millisecond
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}
