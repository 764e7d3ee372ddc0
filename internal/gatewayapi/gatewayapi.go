// Package gatewayapi fetches the Gateway connection URL and shard/session
// limits from Discord's REST API, the one REST call this client needs
// before it can open a Gateway connection.
package gatewayapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultBaseURL = "https://discord.com/api/v10"

// SessionStartLimit reports how many Identify attempts remain in the
// current rate-limit window, per Discord's /gateway/bot response.
type SessionStartLimit struct {
	Total          int `json:"total"`
	Remaining      int `json:"remaining"`
	ResetAfterMS   int `json:"reset_after"`
	MaxConcurrency int `json:"max_concurrency"`
}

// BotGateway is the decoded response of GET /gateway/bot.
type BotGateway struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

// Client fetches gateway connection info for a bot token.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the Discord API base URL, for testing against a
// local server.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = baseURL }
}

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient returns a Client that authenticates as a bot with token.
func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    defaultBaseURL,
		token:      token,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GatewayURLProvider adapts Fetch to gateway.GatewayURLProvider without
// internal/gateway needing to import this package's types.
func (c *Client) GatewayURLProvider() func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		bg, err := c.Fetch(ctx)
		if err != nil {
			return "", err
		}
		return bg.URL, nil
	}
}

// Fetch calls GET /gateway/bot and returns the decoded response.
func (c *Client) Fetch(ctx context.Context) (BotGateway, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/gateway/bot", nil)
	if err != nil {
		return BotGateway{}, fmt.Errorf("gatewayapi: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+c.token)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return BotGateway{}, fmt.Errorf("gatewayapi: request failed: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return BotGateway{}, fmt.Errorf("gatewayapi: read response: %w", err)
	}

	if res.StatusCode != http.StatusOK {
		return BotGateway{}, fmt.Errorf("gatewayapi: unexpected status %d: %s", res.StatusCode, body)
	}

	var bg BotGateway
	if err := json.Unmarshal(body, &bg); err != nil {
		return BotGateway{}, fmt.Errorf("gatewayapi: decode response: %w", err)
	}
	if bg.URL == "" {
		return BotGateway{}, fmt.Errorf("gatewayapi: response missing gateway url")
	}
	return bg, nil
}
