// Package submit executes alert state-changing actions against the
// remote authority.
//
// # Operations
//
// - Acknowledge: staff member takes ownership of an alert
// - Resolve: alert handled, with a resolution note
// - Create: raise a new alert in a scope
//
// Failures map onto the mutation error taxonomy so the reconciler can
// roll back and callers can react: 4xx is validation/authorization,
// deadline expiry is a timeout, anything else is a network failure.
package submit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ward-net/alertfeed/pkg/types"
)

// Submitter executes mutations against the remote authority.
type Submitter interface {
	Acknowledge(ctx context.Context, alertID, actorID string) (*types.AlertSnapshot, error)
	Resolve(ctx context.Context, alertID, actorID, note string) (*types.AlertSnapshot, error)
	Create(ctx context.Context, scopeID string, fields types.AlertFields) (*types.AlertSnapshot, error)
}

// Client is the HTTP submitter.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// Config for the client.
type Config struct {
	BaseURL        string
	AuthToken      string
	RequestTimeout time.Duration
	HTTPClient     *http.Client
}

// NewClient creates a mutation submitter.
func NewClient(cfg Config) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		authToken:  cfg.AuthToken,
		httpClient: cfg.HTTPClient,
	}
}

type acknowledgeRequest struct {
	ActorID string `json:"actor_id"`
}

type resolveRequest struct {
	ActorID        string `json:"actor_id"`
	ResolutionNote string `json:"resolution_note,omitempty"`
}

// Acknowledge marks the alert as owned by actorID.
func (c *Client) Acknowledge(ctx context.Context, alertID, actorID string) (*types.AlertSnapshot, error) {
	path := fmt.Sprintf("/api/v1/alerts/%s/acknowledge", alertID)
	return c.doMutation(ctx, path, acknowledgeRequest{ActorID: actorID})
}

// Resolve marks the alert as handled.
func (c *Client) Resolve(ctx context.Context, alertID, actorID, note string) (*types.AlertSnapshot, error) {
	path := fmt.Sprintf("/api/v1/alerts/%s/resolve", alertID)
	return c.doMutation(ctx, path, resolveRequest{ActorID: actorID, ResolutionNote: note})
}

// Create raises a new alert in the scope.
func (c *Client) Create(ctx context.Context, scopeID string, fields types.AlertFields) (*types.AlertSnapshot, error) {
	path := fmt.Sprintf("/api/v1/scopes/%s/alerts", scopeID)
	return c.doMutation(ctx, path, fields)
}

// doMutation performs a POST and decodes the authoritative snapshot.
func (c *Client) doMutation(ctx context.Context, path string, body any) (*types.AlertSnapshot, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, &types.MutationError{Kind: types.MutationValidation, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, &types.MutationError{Kind: types.MutationNetwork, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &types.MutationError{Kind: types.MutationTimeout, Err: err}
		}
		return nil, &types.MutationError{Kind: types.MutationNetwork, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, c.readError(resp)
	}

	var snap types.AlertSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, &types.MutationError{Kind: types.MutationNetwork, Err: fmt.Errorf("decoding response: %w", err)}
	}
	return &snap, nil
}

// readError maps a failed response onto the mutation error taxonomy.
func (c *Client) readError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	kind := types.MutationNetwork
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		kind = types.MutationAuthorization
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		kind = types.MutationValidation
	}
	return &types.MutationError{
		Kind:       kind,
		StatusCode: resp.StatusCode,
		Message:    string(body),
	}
}
