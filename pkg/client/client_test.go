package client

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/musterhq/muster/pkg/api"
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

// newTestPlane spins up a control plane behind httptest and returns a
// client pointed at it
func newTestPlane(t *testing.T) *Client {
	t.Helper()

	bus := events.NewBus()
	reg := registry.New(registry.DefaultConfig(), bus)
	breakers := breaker.NewRegistry(breaker.DefaultConfig(), bus)
	clusters := cluster.NewRegistry(cluster.DefaultConfig(), bus)
	bal := balancer.New(balancer.DefaultConfig(), reg, nil, breakers, bus)

	server := api.NewServer(api.Deps{
		Registry: reg,
		Breakers: breakers,
		Balancer: bal,
		Clusters: clusters,
		Bus:      bus,
	})

	ts := httptest.NewServer(server.GetHandler())
	t.Cleanup(ts.Close)
	return New(ts.URL)
}

func TestClientAgentLifecycle(t *testing.T) {
	c := newTestPlane(t)
	ctx := context.Background()

	agent, err := c.RegisterAgent(ctx, AgentSpec{
		ID:      "a1",
		Runtime: "process",
		Capabilities: types.Capabilities{
			Skills:      []string{"go"},
			Reliability: 0.95,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, types.AgentID("a1"), agent.ID)

	require.NoError(t, c.Heartbeat(ctx, "a1"))
	require.NoError(t, c.UpdateLoad(ctx, "a1", 0.4))

	fetched, err := c.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 0.4, fetched.CurrentLoad)
	assert.Equal(t, []string{"go"}, fetched.Capabilities.Skills)

	agents, err := c.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, agents, 1)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)

	require.NoError(t, c.UnregisterAgent(ctx, "a1"))
	_, err = c.GetAgent(ctx, "a1")
	assert.ErrorContains(t, err, "agent not found")
}

func TestClientInvalidLoadSurfacesError(t *testing.T) {
	c := newTestPlane(t)
	ctx := context.Background()

	_, err := c.RegisterAgent(ctx, AgentSpec{ID: "a1"})
	require.NoError(t, err)

	err = c.UpdateLoad(ctx, "a1", 2.0)
	assert.ErrorContains(t, err, "between 0 and 1")
}

func TestClientFederationStatus(t *testing.T) {
	c := newTestPlane(t)
	ctx := context.Background()

	status, err := c.FederationStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, status.TotalClusters)
}
