package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/musterhq/muster/pkg/cluster"
	"github.com/musterhq/muster/pkg/registry"
	"github.com/musterhq/muster/pkg/types"
)

// Client talks to a muster control plane over its HTTP API
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the control plane at baseURL
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// WithHTTPClient overrides the underlying HTTP client
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

// AgentSpec describes an agent to register
type AgentSpec struct {
	ID           string             `json:"id,omitempty"`
	Runtime      string             `json:"runtime,omitempty"`
	Endpoint     string             `json:"endpoint,omitempty"`
	Capabilities types.Capabilities `json:"capabilities"`
	Metadata     map[string]any     `json:"metadata,omitempty"`
}

// RegisterAgent registers an agent and returns the stored record
func (c *Client) RegisterAgent(ctx context.Context, spec AgentSpec) (*types.Agent, error) {
	var agent types.Agent
	if err := c.do(ctx, http.MethodPost, "/v1/agents", spec, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

// UnregisterAgent removes an agent
func (c *Client) UnregisterAgent(ctx context.Context, id types.AgentID) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/v1/agents/%s", id), nil, nil)
}

// GetAgent fetches one agent record
func (c *Client) GetAgent(ctx context.Context, id types.AgentID) (*types.Agent, error) {
	var agent types.Agent
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/agents/%s", id), nil, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

// ListAgents fetches all agent records
func (c *Client) ListAgents(ctx context.Context) ([]*types.Agent, error) {
	var agents []*types.Agent
	if err := c.do(ctx, http.MethodGet, "/v1/agents", nil, &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// Heartbeat refreshes an agent's heartbeat
func (c *Client) Heartbeat(ctx context.Context, id types.AgentID) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/agents/%s/heartbeat", id), nil, nil)
}

// UpdateLoad reports an agent's current load
func (c *Client) UpdateLoad(ctx context.Context, id types.AgentID, load float64) error {
	payload := map[string]float64{"load": load}
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/v1/agents/%s/load", id), payload, nil)
}

// Stats fetches the pool statistics
func (c *Client) Stats(ctx context.Context) (*registry.Stats, error) {
	var stats registry.Stats
	if err := c.do(ctx, http.MethodGet, "/v1/agents/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// FederationStatus fetches the region-grouped federation view
func (c *Client) FederationStatus(ctx context.Context) (*cluster.FederationStatus, error) {
	var status cluster.FederationStatus
	if err := c.do(ctx, http.MethodGet, "/v1/federation", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// MigrateAgent asks the control plane to move an agent between clusters
func (c *Client) MigrateAgent(ctx context.Context, agentID types.AgentID, from, to types.ClusterID) (*types.Migration, error) {
	payload := map[string]string{
		"agent_id":     string(agentID),
		"from_cluster": string(from),
		"to_cluster":   string(to),
	}
	var migration types.Migration
	if err := c.do(ctx, http.MethodPost, "/v1/migrations", payload, &migration); err != nil {
		return nil, err
	}
	return &migration, nil
}

// apiError is the error envelope returned by the API
type apiError struct {
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var parsed apiError
		if json.NewDecoder(resp.Body).Decode(&parsed) == nil && parsed.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, parsed.Error)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return nil
}
