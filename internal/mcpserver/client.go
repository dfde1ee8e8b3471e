package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the escrow API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	Token  string // Admin bearer token
}

// Client is a pure HTTP client for the escrow admin API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new client for the escrow API.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetEscrow returns one escrow with its derived settlement view.
func (c *Client) GetEscrow(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/escrows/"+url.PathEscape(id), nil, nil)
}

// EscrowHistory returns the audit trail of an escrow.
func (c *Client) EscrowHistory(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/escrows/"+url.PathEscape(id)+"/history", nil, nil)
}

// ListUserEscrows lists escrows a user pays or receives.
func (c *Client) ListUserEscrows(ctx context.Context, userID, status, role string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if role != "" {
		q.Set("role", role)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/users/"+url.PathEscape(userID)+"/escrows", q, nil)
}

// EscrowStats returns aggregate volume, optionally for one currency.
func (c *Client) EscrowStats(ctx context.Context, currency string) (json.RawMessage, error) {
	q := url.Values{}
	if currency != "" {
		q.Set("currency", currency)
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/escrows/stats", q, nil)
}

// GetUser returns a directory user including payout capability.
func (c *Client) GetUser(ctx context.Context, userID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/users/"+url.PathEscape(userID), nil, nil)
}
