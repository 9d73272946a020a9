package migrate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/musterhq/muster/pkg/types"
)

// Transport is the wire surface the migrator drives against agent hosts.
// Implementations talk to the cluster that currently hosts (or will host)
// the agent.
type Transport interface {
	// ExportState asks the hosting cluster for the agent's serialized state
	ExportState(ctx context.Context, endpoint string, agentID types.AgentID) (*types.AgentState, error)

	// ImportState ships serialized state to the target cluster
	ImportState(ctx context.Context, endpoint string, state *types.AgentState) error

	// StartAgent starts the agent on the target, optionally resuming from
	// state
	StartAgent(ctx context.Context, endpoint string, agentID types.AgentID, state *types.AgentState, resume bool) error

	// VerifyAgent confirms the agent is live on the given cluster
	VerifyAgent(ctx context.Context, endpoint string, agentID types.AgentID) error

	// StopAgent stops the agent on the given cluster
	StopAgent(ctx context.Context, endpoint string, agentID types.AgentID, graceful bool) error

	// CleanupAgent removes the agent's residue from the given cluster
	CleanupAgent(ctx context.Context, endpoint string, agentID types.AgentID) error
}

// HTTPTransport implements Transport over the agent host HTTP contract
type HTTPTransport struct {
	Client *http.Client
}

// NewHTTPTransport creates a transport with a default client
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{Client: &http.Client{}}
}

// startRequest is the payload of the start call
type startRequest struct {
	State           *types.AgentState `json:"state,omitempty"`
	ResumeFromState bool              `json:"resumeFromState"`
}

// stopRequest selects the stop mode
type stopRequest struct {
	Mode string `json:"mode"`
}

// ExportState calls POST /agents/{id}/export
func (t *HTTPTransport) ExportState(ctx context.Context, endpoint string, agentID types.AgentID) (*types.AgentState, error) {
	resp, err := t.post(ctx, endpoint, fmt.Sprintf("/agents/%s/export", agentID), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrExportFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: export returned status %d", types.ErrExportFailed, resp.StatusCode)
	}

	var state types.AgentState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return nil, fmt.Errorf("%w: decoding state: %v", types.ErrExportFailed, err)
	}
	return &state, nil
}

// ImportState calls POST /agents/import
func (t *HTTPTransport) ImportState(ctx context.Context, endpoint string, state *types.AgentState) error {
	resp, err := t.post(ctx, endpoint, "/agents/import", state)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrTransferFailed, err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: import returned status %d", types.ErrTransferFailed, resp.StatusCode)
	}
	return nil
}

// StartAgent calls POST /agents/{id}/start
func (t *HTTPTransport) StartAgent(ctx context.Context, endpoint string, agentID types.AgentID, state *types.AgentState, resume bool) error {
	resp, err := t.post(ctx, endpoint, fmt.Sprintf("/agents/%s/start", agentID), startRequest{
		State:           state,
		ResumeFromState: resume,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrStartFailed, err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: start returned status %d", types.ErrStartFailed, resp.StatusCode)
	}
	return nil
}

// VerifyAgent calls GET /agents/{id}/health
func (t *HTTPTransport) VerifyAgent(ctx context.Context, endpoint string, agentID types.AgentID) error {
	url := strings.TrimSuffix(endpoint, "/") + fmt.Sprintf("/agents/%s/health", agentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrVerifyFailed, err)
	}

	resp, err := t.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrVerifyFailed, err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health returned status %d", types.ErrVerifyFailed, resp.StatusCode)
	}
	return nil
}

// StopAgent calls POST /agents/{id}/stop. Any response status is accepted.
func (t *HTTPTransport) StopAgent(ctx context.Context, endpoint string, agentID types.AgentID, graceful bool) error {
	mode := "force"
	if graceful {
		mode = "graceful"
	}
	resp, err := t.post(ctx, endpoint, fmt.Sprintf("/agents/%s/stop", agentID), stopRequest{Mode: mode})
	if err != nil {
		return err
	}
	drain(resp)
	return nil
}

// CleanupAgent calls POST /agents/{id}/cleanup. Any response status is
// accepted.
func (t *HTTPTransport) CleanupAgent(ctx context.Context, endpoint string, agentID types.AgentID) error {
	resp, err := t.post(ctx, endpoint, fmt.Sprintf("/agents/%s/cleanup", agentID), nil)
	if err != nil {
		return err
	}
	drain(resp)
	return nil
}

func (t *HTTPTransport) post(ctx context.Context, endpoint, path string, payload any) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(encoded)
	}

	url := strings.TrimSuffix(endpoint, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return t.Client.Do(req)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}
