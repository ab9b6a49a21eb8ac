package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vklachkov/glashatay/internal/pair"
)

const defaultClientTimeout = 15 * time.Second

// Client talks to a running admin API.
type Client struct {
	base   string
	token  string
	client *http.Client
}

// NewClient creates an API client. token may be empty when auth is off.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultClientTimeout}
	}
	return &Client{
		base:   strings.TrimRight(baseURL, "/"),
		token:  token,
		client: httpClient,
	}
}

// ListPairs returns all pairs ordered by id.
func (c *Client) ListPairs(ctx context.Context) ([]PairView, error) {
	var out struct {
		Pairs []PairView `json:"pairs"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/pairs", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out.Pairs, nil
}

// CreatePair adds a pair and returns its id.
func (c *Client) CreatePair(ctx context.Context, req CreatePairRequest) (pair.ID, error) {
	var out createPairResponse
	if err := c.do(ctx, http.MethodPost, "/api/pairs", req, http.StatusCreated, &out); err != nil {
		return 0, err
	}
	return pair.ID(out.ID), nil
}

// DeletePair removes a pair. Unknown ids yield pair.ErrNotFound.
func (c *Client) DeletePair(ctx context.Context, id pair.ID) error {
	return c.do(ctx, http.MethodDelete, "/api/pairs/"+id.String(), nil, http.StatusNoContent, nil)
}

func (c *Client) do(ctx context.Context, method, path string, payload any, want int, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != want {
		var apiErr errorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&apiErr)
		if resp.StatusCode == http.StatusNotFound && method == http.MethodDelete {
			return fmt.Errorf("%w: %s", pair.ErrNotFound, path)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("%s %s: HTTP %d: %s", method, path, resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
