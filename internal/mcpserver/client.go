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

// Config holds the configuration for connecting to the voicedesk API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	Token  string // user or client session token
}

// APIClient is a pure HTTP client for the voicedesk API.
type APIClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewAPIClient creates a new client for the voicedesk API.
func NewAPIClient(cfg Config) *APIClient {
	return &APIClient{
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
func (c *APIClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
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
	defer func() { _ = resp.Body.Close() }()

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

// GetSubscription returns a client's subscription and reset jobs. An empty
// clientID reads the caller's own subscription (client sessions).
func (c *APIClient) GetSubscription(ctx context.Context, clientID string) (json.RawMessage, error) {
	if clientID == "" {
		return c.doRequest(ctx, http.MethodGet, "/v1/client/subscription", nil, nil)
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/clients/"+url.PathEscape(clientID)+"/subscription", nil, nil)
}

// ListUsage returns a page of usage records, newest first. An empty
// clientID reads the caller's own history.
func (c *APIClient) ListUsage(ctx context.Context, clientID string, limit int, cursor string) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	path := "/v1/client/usage"
	if clientID != "" {
		path = "/v1/clients/" + url.PathEscape(clientID) + "/usage"
	}
	return c.doRequest(ctx, http.MethodGet, path, q, nil)
}

// ReportUsage reports one agent invocation's vendor cost.
func (c *APIClient) ReportUsage(ctx context.Context, externalAgentID, cost string) (json.RawMessage, error) {
	body := map[string]string{
		"externalAgentId": externalAgentID,
		"cost":            cost,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/usage", nil, body)
}

// ListTiers returns the subscription tier catalogue.
func (c *APIClient) ListTiers(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/tiers", nil, nil)
}
