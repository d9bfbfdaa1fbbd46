package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// =============================================================================
// HTTP GATEWAY CLIENT
// =============================================================================

// HTTPClient reads and writes streams through a JSON gateway in front of the
// chain (a wallet provider or node front-end). Error bodies are passed
// through verbatim so the withdrawal coordinator can categorize them by
// message.
type HTTPClient struct {
	baseURL string
	httpc   *http.Client
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}
}

// SetHTTPClient overrides the underlying http.Client. Test hook.
func (c *HTTPClient) SetHTTPClient(h *http.Client) { c.httpc = h }

func (c *HTTPClient) StreamCount(ctx context.Context) (uint64, error) {
	var out struct {
		Count uint64 `json:"count"`
	}
	if err := c.do(ctx, http.MethodGet, "/streams/count", nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

func (c *HTTPClient) GetStream(ctx context.Context, id uint64) (StreamDetail, error) {
	var out StreamDetail
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/streams/%d", id), nil, &out)
	return out, err
}

func (c *HTTPClient) Withdraw(ctx context.Context, id uint64) (string, error) {
	var out struct {
		TxHash string `json:"txHash"`
	}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/streams/%d/withdraw", id), struct{}{}, &out); err != nil {
		return "", err
	}
	return out.TxHash, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(raw))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		// The gateway forwards node/contract error text in the body.
		return fmt.Errorf("ledger: %s", msg)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}
