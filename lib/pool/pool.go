// Package pool is the HTTP client for the upstream browser pool: the external
// service that launches headless browsers, hands out opaque tokens, and serves
// each browser's CDP websocket at /browser?token=<token>.
package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Client talks to one browser pool over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a pool client for baseURL, e.g. http://localhost:8080.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type poolResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    struct {
		Token    string   `json:"token,omitempty"`
		Browsers []string `json:"browsers,omitempty"`
	} `json:"data"`
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*poolResponse, error) {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pool %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var parsed poolResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("pool %s %s: decode response: %w", method, path, err)
	}
	if resp.StatusCode >= 400 || !parsed.Success {
		msg := parsed.Message
		if msg == "" {
			msg = resp.Status
		}
		return nil, fmt.Errorf("pool %s %s: %s", method, path, msg)
	}
	return &parsed, nil
}

// Start launches a new browser and returns its token.
func (c *Client) Start(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/start", nil)
	if err != nil {
		return "", err
	}
	if resp.Data.Token == "" {
		return "", fmt.Errorf("pool returned no token")
	}
	return resp.Data.Token, nil
}

// Stop shuts down the browser addressed by token.
func (c *Client) Stop(ctx context.Context, token string) error {
	_, err := c.do(ctx, http.MethodPost, "/stop", map[string]string{"token": token})
	return err
}

// List returns the tokens of all running browsers.
func (c *Client) List(ctx context.Context) ([]string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/list", nil)
	if err != nil {
		return nil, err
	}
	return resp.Data.Browsers, nil
}

// EndpointURL returns the pool's CDP websocket URL for token.
func (c *Client) EndpointURL(token string) string {
	ws := "ws" + strings.TrimPrefix(c.baseURL, "http")
	return ws + "/browser?token=" + url.QueryEscape(token)
}

// IsWebSocketAvailable checks whether a websocket connection can actually be
// established to wsURL. A cheap TCP probe runs first so an absent host fails
// fast, then a real handshake confirms the upgrade path works.
func IsWebSocketAvailable(wsURL string) bool {
	u, err := url.Parse(wsURL)
	if err != nil {
		return false
	}

	host := u.Host
	if !strings.Contains(host, ":") {
		if u.Scheme == "ws" {
			host = host + ":80"
		} else if u.Scheme == "wss" {
			host = host + ":443"
		}
	}

	conn, err := net.DialTimeout("tcp", host, 200*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()

	dialer := websocket.Dialer{
		HandshakeTimeout: 200 * time.Millisecond,
	}
	wsConn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		return false
	}
	defer wsConn.Close()

	return true
}
