package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/musterhq/muster/pkg/balancer"
	"github.com/musterhq/muster/pkg/breaker"
	"github.com/musterhq/muster/pkg/cluster"
	"github.com/musterhq/muster/pkg/events"
	"github.com/musterhq/muster/pkg/log"
	"github.com/musterhq/muster/pkg/registry"
	"github.com/musterhq/muster/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Disable()
}

func newTestServer() (*Server, *registry.Registry) {
	bus := events.NewBus()
	reg := registry.New(registry.DefaultConfig(), bus)
	breakers := breaker.NewRegistry(breaker.DefaultConfig(), bus)
	clusters := cluster.NewRegistry(cluster.DefaultConfig(), bus)
	bal := balancer.New(balancer.DefaultConfig(), reg, nil, breakers, bus)

	return NewServer(Deps{
		Registry: reg,
		Breakers: breakers,
		Balancer: bal,
		Clusters: clusters,
		Bus:      bus,
	}), reg
}

func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.GetHandler().ServeHTTP(rec, req)
	return rec
}

func TestRegisterAndGetAgent(t *testing.T) {
	s, _ := newTestServer()

	rec := doRequest(t, s, http.MethodPost, "/v1/agents", map[string]any{
		"id":      "a1",
		"runtime": "process",
		"capabilities": map[string]any{
			"skills": []string{"go"},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/v1/agents/a1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var agent types.Agent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agent))
	assert.Equal(t, types.AgentID("a1"), agent.ID)
	assert.Equal(t, types.AgentStatusIdle, agent.Status)
}

func TestRegisterDuplicateAgentConflicts(t *testing.T) {
	s, _ := newTestServer()

	first := doRequest(t, s, http.MethodPost, "/v1/agents", map[string]any{"id": "a1"})
	require.Equal(t, http.StatusCreated, first.Code)

	second := doRequest(t, s, http.MethodPost, "/v1/agents", map[string]any{"id": "a1"})
	assert.Equal(t, http.StatusConflict, second.Code)
}

func TestGetMissingAgent(t *testing.T) {
	s, _ := newTestServer()
	rec := doRequest(t, s, http.MethodGet, "/v1/agents/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateLoadValidation(t *testing.T) {
	s, _ := newTestServer()
	doRequest(t, s, http.MethodPost, "/v1/agents", map[string]any{"id": "a1"})

	ok := doRequest(t, s, http.MethodPut, "/v1/agents/a1/load", map[string]any{"load": 0.5})
	assert.Equal(t, http.StatusNoContent, ok.Code)

	bad := doRequest(t, s, http.MethodPut, "/v1/agents/a1/load", map[string]any{"load": 1.5})
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestHeartbeatAndStats(t *testing.T) {
	s, reg := newTestServer()
	doRequest(t, s, http.MethodPost, "/v1/agents", map[string]any{"id": "a1"})
	require.NoError(t, reg.UpdateStatus("a1", types.AgentStatusOffline))

	rec := doRequest(t, s, http.MethodPost, "/v1/agents/a1/heartbeat", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	stats := doRequest(t, s, http.MethodGet, "/v1/agents/stats", nil)
	require.Equal(t, http.StatusOK, stats.Code)

	var parsed registry.Stats
	require.NoError(t, json.Unmarshal(stats.Body.Bytes(), &parsed))
	assert.Equal(t, 1, parsed.Total)
	assert.Equal(t, 1, parsed.ByStatus[types.AgentStatusIdle])
}

func TestClusterEndpoints(t *testing.T) {
	s, _ := newTestServer()

	rec := doRequest(t, s, http.MethodPost, "/v1/clusters", map[string]any{
		"id":         "c1",
		"endpoint":   "http://c1.internal",
		"region":     "us-east",
		"max_agents": 4,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/v1/clusters/c1/load", types.ClusterLoad{Current: 2, Max: 4})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/v1/federation", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status cluster.FederationStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 1, status.TotalClusters)
	assert.Equal(t, 4, status.AvailableSlots)
}

func TestSelectAgent(t *testing.T) {
	s, _ := newTestServer()
	doRequest(t, s, http.MethodPost, "/v1/agents", map[string]any{
		"id": "go-agent",
		"capabilities": map[string]any{
			"skills": []string{"go"},
		},
	})

	rec := doRequest(t, s, http.MethodPost, "/v1/agents/select", map[string]any{
		"required_skills": []string{"go"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var agent types.Agent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agent))
	assert.Equal(t, types.AgentID("go-agent"), agent.ID)

	miss := doRequest(t, s, http.MethodPost, "/v1/agents/select", map[string]any{
		"required_skills": []string{"rust"},
	})
	assert.Equal(t, http.StatusNotFound, miss.Code)
}

func TestResolvePlan(t *testing.T) {
	s, _ := newTestServer()

	rec := doRequest(t, s, http.MethodPost, "/v1/plans/resolve", map[string]any{
		"tasks": []map[string]any{
			{"id": "A", "name": "A"},
			{"id": "B", "name": "B", "dependencies": []string{"A"}},
			{"id": "C", "name": "C", "dependencies": []string{"A"}},
			{"id": "D", "name": "D", "dependencies": []string{"B", "C"}},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var result struct {
		Valid bool `json:"valid"`
		Plan  struct {
			Levels       []types.ExecutionLevel `json:"levels"`
			CriticalPath []types.TaskID         `json:"critical_path"`
		} `json:"plan"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Valid)
	assert.Len(t, result.Plan.Levels, 3)
	assert.Len(t, result.Plan.CriticalPath, 3)
}

func TestResolvePlanCycle(t *testing.T) {
	s, _ := newTestServer()

	rec := doRequest(t, s, http.MethodPost, "/v1/plans/resolve", map[string]any{
		"tasks": []map[string]any{
			{"id": "A", "dependencies": []string{"B"}},
			{"id": "B", "dependencies": []string{"A"}},
		},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHealthAndReady(t *testing.T) {
	s, _ := newTestServer()

	assert.Equal(t, http.StatusOK, doRequest(t, s, http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusOK, doRequest(t, s, http.MethodGet, "/ready", nil).Code)
}
