package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/musterhq/muster/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func agentFor(server *httptest.Server) *types.Agent {
	return &types.Agent{ID: "a1", Endpoint: server.URL}
}

func TestHTTPProberHealthy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	result, err := NewHTTPProber().Probe(context.Background(), agentFor(server))
	require.NoError(t, err)
	assert.True(t, result.Healthy)
	assert.False(t, result.Degraded)
	assert.Greater(t, result.Latency, time.Duration(0))
}

func TestHTTPProberDegradedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"degraded"}`))
	}))
	defer server.Close()

	result, err := NewHTTPProber().Probe(context.Background(), agentFor(server))
	require.NoError(t, err)
	assert.True(t, result.Healthy)
	assert.True(t, result.Degraded)
}

func TestHTTPProberEmptyBodyIsHealthy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	result, err := NewHTTPProber().Probe(context.Background(), agentFor(server))
	require.NoError(t, err)
	assert.True(t, result.Healthy)
}

func TestHTTPProberNon2xxFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	result, err := NewHTTPProber().Probe(context.Background(), agentFor(server))
	require.Error(t, err)
	assert.False(t, result.Healthy)
	assert.Contains(t, err.Error(), "503")
}

func TestHTTPProberTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := NewHTTPProber().Probe(ctx, agentFor(server))
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrProbeTimeout) || errors.Is(err, context.DeadlineExceeded))
}

func TestHTTPProberTrailingSlashEndpoint(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	agent := &types.Agent{ID: "a1", Endpoint: server.URL + "/"}
	_, err := NewHTTPProber().Probe(context.Background(), agent)
	require.NoError(t, err)
	assert.Equal(t, "/health", gotPath)
}

func TestTCPProberSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	result, err := NewTCPProber().Probe(context.Background(), agentFor(server))
	require.NoError(t, err)
	assert.True(t, result.Healthy)
	assert.True(t, strings.Contains(result.Message, "successful"))
}

func TestTCPProberConnectionRefused(t *testing.T) {
	agent := &types.Agent{ID: "a1", Endpoint: "http://127.0.0.1:1"}

	_, err := NewTCPProber().Probe(context.Background(), agent)
	require.Error(t, err)
}
