package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ward-net/alertfeed/pkg/types"
)

// AlertLister is the pull-side read surface the poller consumes.
type AlertLister interface {
	ListAlerts(ctx context.Context, scopeID string) ([]types.AlertSnapshot, error)
}

// MetricsFetcher reads the aggregate metrics entry for a scope.
type MetricsFetcher interface {
	FetchMetrics(ctx context.Context, scopeID string) (*types.ScopeMetrics, error)
}

// PullClient reads alert state over plain HTTP. It backs the polling
// fallback and the aggregate metrics stream.
type PullClient struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// PullConfig for the pull client.
type PullConfig struct {
	BaseURL    string
	AuthToken  string
	HTTPClient *http.Client
}

// NewPullClient creates a pull client.
func NewPullClient(cfg PullConfig) *PullClient {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &PullClient{
		baseURL:    cfg.BaseURL,
		authToken:  cfg.AuthToken,
		httpClient: cfg.HTTPClient,
	}
}

// ListAlerts fetches the full current alert list for a scope.
func (c *PullClient) ListAlerts(ctx context.Context, scopeID string) ([]types.AlertSnapshot, error) {
	path := fmt.Sprintf("/api/v1/scopes/%s/alerts", scopeID)
	resp, err := c.doRequest(ctx, path)
	if err != nil {
		return nil, &types.TransportError{Op: "list alerts", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &types.TransportError{Op: "list alerts", Err: c.readError(resp)}
	}

	var result struct {
		Alerts  []types.AlertSnapshot `json:"alerts"`
		ScopeID string                `json:"scope_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &types.TransportError{Op: "list alerts", Err: fmt.Errorf("decoding response: %w", err)}
	}
	return result.Alerts, nil
}

// FetchMetrics fetches the aggregate metrics snapshot for a scope.
func (c *PullClient) FetchMetrics(ctx context.Context, scopeID string) (*types.ScopeMetrics, error) {
	path := fmt.Sprintf("/api/v1/scopes/%s/metrics", scopeID)
	resp, err := c.doRequest(ctx, path)
	if err != nil {
		return nil, &types.TransportError{Op: "fetch metrics", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &types.TransportError{Op: "fetch metrics", Err: c.readError(resp)}
	}

	var result types.ScopeMetrics
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &types.TransportError{Op: "fetch metrics", Err: fmt.Errorf("decoding response: %w", err)}
	}
	return &result, nil
}

func (c *PullClient) doRequest(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	return c.httpClient.Do(req)
}

func (c *PullClient) readError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
}
