/*
client.go - Typed REST client for the backend

PURPOSE:
  Wraps the backend's HTTP endpoints behind typed methods. Two quirks of the
  backend are absorbed here and nowhere else:

  1. Responses may arrive wrapped as {success, data}. unwrapEnvelope peels
     the wrapper when present and passes bare payloads through untouched.
  2. A 401 triggers one transparent token-refresh-and-retry. The second 401
     surfaces as an error.

AUTH:
  The client holds the bearer token pair for the session. Credentials are
  injected at construction and replaced in-place on refresh; nothing is
  persisted.

SEE ALSO:
  - types.go: Wire types and normalization
  - engine/loader.go, engine/withdraw.go: Consumers
*/
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Client talks to the backend REST API.
type Client struct {
	baseURL string
	httpc   *http.Client

	mu           sync.Mutex
	token        string
	refreshToken string
}

// NewClient creates a client for the given base URL (e.g.
// "https://api.example.com/api") with the session's credentials.
func NewClient(baseURL, token, refreshToken string) *Client {
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpc:        &http.Client{Timeout: 15 * time.Second},
		token:        token,
		refreshToken: refreshToken,
	}
}

// SetHTTPClient overrides the underlying http.Client. Test hook.
func (c *Client) SetHTTPClient(h *http.Client) { c.httpc = h }

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// WebSocketURL derives the push channel endpoint from the base URL, with the
// bearer token as a query parameter.
func (c *Client) WebSocketURL() string {
	u := c.baseURL
	switch {
	case strings.HasPrefix(u, "https"):
		u = "wss" + u[len("https"):]
	case strings.HasPrefix(u, "http"):
		u = "ws" + u[len("http"):]
	}
	return u + "/ws?token=" + url.QueryEscape(c.Token())
}

// =============================================================================
// ENDPOINTS
// =============================================================================

// ListOptions filters the stream listing. Zero values are omitted.
type ListOptions struct {
	Status string
	Page   int
	Limit  int
}

// ListStreams fetches the user's streams.
func (c *Client) ListStreams(ctx context.Context, opts ListOptions) (StreamListDTO, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	path := "/streams"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out StreamListDTO
	err := c.request(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// GetBalance fetches the aggregate balance.
func (c *Client) GetBalance(ctx context.Context) (BalanceDTO, error) {
	var out BalanceDTO
	err := c.request(ctx, http.MethodGet, "/balance", nil, &out)
	return out, err
}

// Withdraw asks the backend to execute and settle a withdrawal.
func (c *Client) Withdraw(ctx context.Context, req WithdrawRequest) (WithdrawResultDTO, error) {
	var out WithdrawResultDTO
	err := c.request(ctx, http.MethodPost, "/withdraw", req, &out)
	return out, err
}

// =============================================================================
// TRANSPORT
// =============================================================================

// StatusError is a non-2xx response after any refresh retry.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("backend: %d: %s", e.Code, e.Body)
	}
	return fmt.Sprintf("backend: %d %s", e.Code, http.StatusText(e.Code))
}

func (c *Client) request(ctx context.Context, method, path string, body, out any) error {
	return c.do(ctx, method, path, body, out, true)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, retryOn401 bool) error {
	var payload io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if t := c.Token(); t != "" {
		req.Header.Set("Authorization", "Bearer "+t)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized && retryOn401 {
		if c.attemptRefresh(ctx) {
			return c.do(ctx, method, path, body, out, false)
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(unwrapEnvelope(raw), out)
}

// attemptRefresh exchanges the refresh token for fresh credentials. Returns
// false when no refresh token is held or the exchange fails; the caller then
// surfaces the original 401.
func (c *Client) attemptRefresh(ctx context.Context) bool {
	c.mu.Lock()
	refresh := c.refreshToken
	c.mu.Unlock()
	if refresh == "" {
		return false
	}

	buf, _ := json.Marshal(RefreshRequest{RefreshToken: refresh})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/refresh", bytes.NewReader(buf))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return false
	}
	var rr RefreshResponse
	if err := json.Unmarshal(unwrapEnvelope(raw), &rr); err != nil || rr.Token == "" {
		return false
	}

	c.mu.Lock()
	c.token = rr.Token
	if rr.RefreshToken != "" {
		c.refreshToken = rr.RefreshToken
	}
	c.mu.Unlock()
	return true
}

// unwrapEnvelope peels an optional {success, data} wrapper. Payloads without
// the wrapper pass through unchanged.
func unwrapEnvelope(raw []byte) []byte {
	var env struct {
		Success *bool           `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return raw
	}
	if env.Success != nil && len(env.Data) > 0 {
		return env.Data
	}
	return raw
}
