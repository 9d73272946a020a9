package integration

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/musterhq/muster/pkg/balancer"
	"github.com/musterhq/muster/pkg/breaker"
	"github.com/musterhq/muster/pkg/engine"
	"github.com/musterhq/muster/pkg/events"
	"github.com/musterhq/muster/pkg/health"
	"github.com/musterhq/muster/pkg/log"
	"github.com/musterhq/muster/pkg/registry"
	"github.com/musterhq/muster/pkg/resolver"
	"github.com/musterhq/muster/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Disable()
}

// agentEndpoint serves the agent health contract with a switchable state
type agentEndpoint struct {
	server *httptest.Server
	down   atomic.Bool
}

func newAgentEndpoint(t *testing.T) *agentEndpoint {
	t.Helper()
	ep := &agentEndpoint{}
	ep.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ep.down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	t.Cleanup(ep.server.Close)
	return ep
}

// plane bundles a fully wired single-cluster control plane
type plane struct {
	bus      *events.Bus
	registry *registry.Registry
	breakers *breaker.Registry
	checker  *health.Checker
	balancer *balancer.Balancer
}

func newPlane(t *testing.T) *plane {
	t.Helper()
	bus := events.NewBus()
	reg := registry.New(registry.DefaultConfig(), bus)
	breakers := breaker.NewRegistry(breaker.DefaultConfig(), bus)
	checker := health.NewChecker(health.DefaultConfig(), reg, health.NewHTTPProber(), bus)
	bal := balancer.New(balancer.DefaultConfig(), reg, checker, breakers, bus)
	return &plane{bus: bus, registry: reg, breakers: breakers, checker: checker, balancer: bal}
}

func (p *plane) registerAgent(t *testing.T, id types.AgentID, endpoint string, skills ...string) {
	t.Helper()
	_, err := p.registry.Register(registry.RegisterRequest{
		ID:       id,
		Runtime:  "process",
		Endpoint: endpoint,
		Capabilities: types.Capabilities{
			Skills:      skills,
			Reliability: 0.9,
			AvgSpeed:    10,
		},
	})
	require.NoError(t, err)
}

func TestPlanExecutionAcrossLiveAgents(t *testing.T) {
	p := newPlane(t)

	for i := 0; i < 3; i++ {
		ep := newAgentEndpoint(t)
		p.registerAgent(t, types.AgentID(fmt.Sprintf("agent-%d", i)), ep.server.URL, "go")
	}
	p.checker.CheckAll(context.Background())

	// Every agent classified healthy by a real probe round
	for _, agent := range p.registry.List() {
		assert.Equal(t, types.HealthStatusHealthy, p.checker.StateFor(agent.ID).Status)
	}

	res := resolver.New()
	require.NoError(t, res.BuildGraph([]types.TaskWithDependencies{
		{ID: "fetch", Task: types.Subtask{ID: "fetch", RequiredSkills: []string{"go"}}},
		{ID: "parse", Task: types.Subtask{ID: "parse", RequiredSkills: []string{"go"}}, Dependencies: types.DependsOn("fetch")},
		{ID: "index", Task: types.Subtask{ID: "index", RequiredSkills: []string{"go"}}, Dependencies: types.DependsOn("fetch")},
		{ID: "report", Task: types.Subtask{ID: "report", RequiredSkills: []string{"go"}}, Dependencies: types.DependsOn("parse", "index")},
	}))
	plan, err := res.ExecutionPlan()
	require.NoError(t, err)
	assert.Len(t, plan.Levels, 3)
	assert.Equal(t, []types.TaskID{"fetch", "parse", "report"}, plan.CriticalPath)

	executor := execFunc(func(_ context.Context, agentID types.AgentID, task types.Subtask) (any, error) {
		return map[string]any{"result": string(task.ID) + "@" + string(agentID)}, nil
	})

	config := engine.DefaultConfig()
	config.RetryDelay = time.Millisecond
	eng := engine.New(config, p.balancer, executor, p.bus)

	result, err := eng.Execute(context.Background(), plan, res)
	require.NoError(t, err)
	assert.Equal(t, 4, result.Completed)

	// Results were unwrapped and stamped with real agent ids
	for id, taskResult := range result.Results {
		assert.Equal(t, types.TaskStatusCompleted, taskResult.Status)
		assert.Contains(t, taskResult.Result, string(id)+"@agent-")
		assert.NotEmpty(t, taskResult.AgentID)
	}
}

// execFunc adapts a function to the TaskExecutor port
type execFunc func(ctx context.Context, agentID types.AgentID, task types.Subtask) (any, error)

func (f execFunc) Execute(ctx context.Context, agentID types.AgentID, task types.Subtask) (any, error) {
	return f(ctx, agentID, task)
}

func (f execFunc) Cancel(types.TaskID) bool { return false }

func TestUnhealthyAgentExcludedFromSelection(t *testing.T) {
	p := newPlane(t)

	good := newAgentEndpoint(t)
	bad := newAgentEndpoint(t)
	bad.down.Store(true)

	p.registerAgent(t, "good", good.server.URL, "go")
	p.registerAgent(t, "bad", bad.server.URL, "go")

	// Three probe rounds push the dead agent over the unhealthy threshold
	for i := 0; i < 3; i++ {
		p.checker.CheckAll(context.Background())
	}
	require.Equal(t, types.HealthStatusUnhealthy, p.checker.StateFor("bad").Status)

	// The registry was driven to unhealthy too, via the checker
	agent, ok := p.registry.Get("bad")
	require.True(t, ok)
	assert.Equal(t, types.AgentStatusUnhealthy, agent.Status)

	for i := 0; i < 5; i++ {
		selected, err := p.balancer.SelectAgent(balancer.Criteria{RequiredSkills: []string{"go"}})
		require.NoError(t, err)
		assert.Equal(t, types.AgentID("good"), selected.ID)
	}
}

func TestRecoveryRestoresSelection(t *testing.T) {
	p := newPlane(t)

	ep := newAgentEndpoint(t)
	ep.down.Store(true)
	p.registerAgent(t, "flappy", ep.server.URL, "go")

	for i := 0; i < 3; i++ {
		p.checker.CheckAll(context.Background())
	}
	_, err := p.balancer.SelectAgent(balancer.Criteria{})
	require.ErrorIs(t, err, types.ErrNoHealthyAgent)

	var recovered int
	p.bus.On(events.EventHealthRecovered, func(*events.Event) { recovered++ })

	ep.down.Store(false)
	p.checker.CheckAll(context.Background())

	assert.Equal(t, 1, recovered)
	selected, err := p.balancer.SelectAgent(balancer.Criteria{})
	require.NoError(t, err)
	assert.Equal(t, types.AgentID("flappy"), selected.ID)
}

func TestBreakerIsolatesFailingAgentDuringFailover(t *testing.T) {
	p := newPlane(t)

	for _, id := range []types.AgentID{"a", "b"} {
		ep := newAgentEndpoint(t)
		p.registerAgent(t, id, ep.server.URL, "go")
	}
	p.checker.CheckAll(context.Background())

	// Fail operations on whichever agent is picked first; the failover
	// loop must move to the other one
	var firstFailed types.AgentID
	result, err := p.balancer.ExecuteWithFailover(context.Background(),
		balancer.Criteria{RequiredSkills: []string{"go"}},
		func(_ context.Context, agent *types.Agent) (any, error) {
			if firstFailed == "" {
				firstFailed = agent.ID
				return nil, fmt.Errorf("simulated crash on %s", agent.ID)
			}
			return "recovered", nil
		})

	require.NoError(t, err)
	assert.Equal(t, "recovered", result)
	require.NotEmpty(t, firstFailed)

	snap := p.breakers.Get(firstFailed).Snapshot()
	assert.Equal(t, 1, snap.WindowedFailures)
	assert.Equal(t, breaker.StateClosed, snap.State)
}
