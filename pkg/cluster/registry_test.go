package cluster

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/musterhq/muster/pkg/events"
	"github.com/musterhq/muster/pkg/log"
	"github.com/musterhq/muster/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Disable()
}

func newTestRegistry() (*Registry, *events.Bus) {
	bus := events.NewBus()
	return NewRegistry(DefaultConfig(), bus), bus
}

func registerCluster(t *testing.T, r *Registry, id types.ClusterID, region string, maxAgents int) {
	t.Helper()
	_, err := r.Register(RegisterRequest{
		ID:        id,
		Endpoint:  "http://" + string(id) + ".internal",
		Region:    region,
		Zone:      region + "-a",
		Role:      types.ClusterRoleSecondary,
		MaxAgents: maxAgents,
	})
	require.NoError(t, err)
}

func markHealthy(r *Registry, id types.ClusterID) {
	r.setHealth(id, types.HealthStatusHealthy, 0, false)
}

func TestRegisterAndSlotInvariant(t *testing.T) {
	r, _ := newTestRegistry()
	registerCluster(t, r, "c1", "us-east", 3)

	c, ok := r.Get("c1")
	require.True(t, ok)
	assert.Equal(t, 3, c.MaxAgents)
	assert.Equal(t, 3, c.AvailableSlots)
	assert.Zero(t, c.CurrentAgents)

	require.NoError(t, r.ReserveSlot("c1"))
	require.NoError(t, r.ReserveSlot("c1"))

	c, _ = r.Get("c1")
	assert.Equal(t, c.MaxAgents, c.CurrentAgents+c.AvailableSlots)
	assert.Equal(t, 2, c.CurrentAgents)

	require.NoError(t, r.ReleaseSlot("c1"))
	c, _ = r.Get("c1")
	assert.Equal(t, c.MaxAgents, c.CurrentAgents+c.AvailableSlots)
	assert.Equal(t, 1, c.CurrentAgents)
}

func TestReserveSlotFull(t *testing.T) {
	r, _ := newTestRegistry()
	registerCluster(t, r, "c1", "us-east", 1)

	require.NoError(t, r.ReserveSlot("c1"))
	assert.ErrorIs(t, r.ReserveSlot("c1"), types.ErrTargetFull)
}

func TestReleaseSlotClampsAtZero(t *testing.T) {
	r, _ := newTestRegistry()
	registerCluster(t, r, "c1", "us-east", 2)

	require.NoError(t, r.ReleaseSlot("c1"))
	c, _ := r.Get("c1")
	assert.Zero(t, c.CurrentAgents)
	assert.Equal(t, 2, c.AvailableSlots)
}

func TestRegisterDuplicate(t *testing.T) {
	r, _ := newTestRegistry()
	registerCluster(t, r, "c1", "us-east", 1)

	_, err := r.Register(RegisterRequest{ID: "c1"})
	assert.ErrorIs(t, err, types.ErrDuplicateID)
}

func TestUnregister(t *testing.T) {
	r, bus := newTestRegistry()
	registerCluster(t, r, "c1", "us-east", 1)

	var unregistered int
	bus.On(events.EventClusterUnregistered, func(*events.Event) { unregistered++ })

	assert.True(t, r.Unregister("c1"))
	assert.False(t, r.Unregister("c1"))
	assert.Equal(t, 1, unregistered)
}

func TestReportLoad(t *testing.T) {
	r, bus := newTestRegistry()
	registerCluster(t, r, "c1", "us-east", 10)

	var reports []*events.Event
	bus.On(events.EventClusterLoadReport, func(e *events.Event) { reports = append(reports, e) })

	require.NoError(t, r.ReportLoad("c1", types.ClusterLoad{Current: 5, Max: 10, QueueDepth: 2}))

	c, _ := r.Get("c1")
	assert.InDelta(t, 50.0, c.Load.UtilizationPct, 1e-9)
	require.Len(t, reports, 1)
	assert.Equal(t, 2, reports[0].Data["queue_depth"])
}

func TestSelectClusterForMigrationPrefersSameRegion(t *testing.T) {
	r, _ := newTestRegistry()
	registerCluster(t, r, "source", "us-east", 2)
	registerCluster(t, r, "near", "us-east", 2)
	registerCluster(t, r, "far", "eu-west", 2)
	for _, id := range []types.ClusterID{"source", "near", "far"} {
		markHealthy(r, id)
	}

	target, err := r.SelectClusterForMigration("source")
	require.NoError(t, err)
	assert.Equal(t, types.ClusterID("near"), target.ID)
}

func TestSelectClusterForMigrationLeastLoaded(t *testing.T) {
	r, _ := newTestRegistry()
	registerCluster(t, r, "source", "us-east", 2)
	registerCluster(t, r, "busy", "us-east", 4)
	registerCluster(t, r, "quiet", "us-east", 4)
	for _, id := range []types.ClusterID{"source", "busy", "quiet"} {
		markHealthy(r, id)
	}
	require.NoError(t, r.ReserveSlot("busy"))
	require.NoError(t, r.ReserveSlot("busy"))
	require.NoError(t, r.ReserveSlot("quiet"))

	target, err := r.SelectClusterForMigration("source")
	require.NoError(t, err)
	assert.Equal(t, types.ClusterID("quiet"), target.ID)
}

func TestSelectClusterForMigrationFallsBackAcrossRegions(t *testing.T) {
	r, _ := newTestRegistry()
	registerCluster(t, r, "source", "us-east", 2)
	registerCluster(t, r, "remote", "eu-west", 2)
	markHealthy(r, "source")
	markHealthy(r, "remote")

	target, err := r.SelectClusterForMigration("source")
	require.NoError(t, err)
	assert.Equal(t, types.ClusterID("remote"), target.ID)
}

func TestSelectClusterForMigrationSkipsFullAndNotAccepting(t *testing.T) {
	r, _ := newTestRegistry()
	registerCluster(t, r, "source", "us-east", 2)
	registerCluster(t, r, "full", "us-east", 1)
	registerCluster(t, r, "drained", "us-east", 5)
	for _, id := range []types.ClusterID{"source", "full", "drained"} {
		markHealthy(r, id)
	}
	require.NoError(t, r.ReserveSlot("full"))
	require.NoError(t, r.SetAcceptingTraffic("drained", false))

	_, err := r.SelectClusterForMigration("source")
	assert.ErrorIs(t, err, types.ErrNoTargetCluster)
}

func TestSelectClusterForMigrationNoClusters(t *testing.T) {
	r, _ := newTestRegistry()
	_, err := r.SelectClusterForMigration("source")
	assert.ErrorIs(t, err, types.ErrNoTargetCluster)
}

func TestFederationStatus(t *testing.T) {
	r, _ := newTestRegistry()
	registerCluster(t, r, "east-1", "us-east", 4)
	registerCluster(t, r, "east-2", "us-east", 4)
	registerCluster(t, r, "west-1", "eu-west", 2)
	markHealthy(r, "east-1")
	markHealthy(r, "west-1")
	require.NoError(t, r.ReserveSlot("east-1"))

	status := r.FederationStatus()
	assert.Equal(t, 3, status.TotalClusters)
	assert.Equal(t, 2, status.HealthyCount)
	assert.Equal(t, 1, status.TotalAgents)
	assert.Equal(t, 9, status.AvailableSlots)

	east := status.Regions["us-east"]
	require.NotNil(t, east)
	assert.Equal(t, 2, east.Clusters)
	assert.Equal(t, 1, east.Healthy)
}

func TestHealthTransitionEmitsFailedOnce(t *testing.T) {
	r, bus := newTestRegistry()
	registerCluster(t, r, "c1", "us-east", 1)

	var failed, changed int
	bus.On(events.EventClusterFailed, func(*events.Event) { failed++ })
	bus.On(events.EventClusterHealthChanged, func(*events.Event) { changed++ })

	// Three consecutive probe failures cross the threshold
	r.setHealth("c1", types.HealthStatusUnhealthy, 0, true)
	r.setHealth("c1", types.HealthStatusUnhealthy, 0, true)
	r.setHealth("c1", types.HealthStatusUnhealthy, 0, true)
	// Staying unhealthy must not re-emit
	r.setHealth("c1", types.HealthStatusUnhealthy, 0, true)

	c, _ := r.Get("c1")
	assert.Equal(t, types.HealthStatusUnhealthy, c.Health.Status)
	assert.Equal(t, 1, failed)
	// unknown -> degraded -> unhealthy
	assert.Equal(t, 2, changed)
}

func TestMonitorProbesEndpoint(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/health", req.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	r, _ := newTestRegistry()
	_, err := r.Register(RegisterRequest{ID: "c1", Endpoint: server.URL, Region: "local", MaxAgents: 1})
	require.NoError(t, err)

	r.CheckAll()

	c, _ := r.Get("c1")
	assert.Equal(t, types.HealthStatusHealthy, c.Health.Status)
	assert.Equal(t, int64(1), hits.Load())
}

func TestMonitorDegradedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"degraded"}`))
	}))
	defer server.Close()

	r, _ := newTestRegistry()
	_, err := r.Register(RegisterRequest{ID: "c1", Endpoint: server.URL, Region: "local", MaxAgents: 1})
	require.NoError(t, err)

	r.CheckAll()

	c, _ := r.Get("c1")
	assert.Equal(t, types.HealthStatusDegraded, c.Health.Status)
}

func TestMonitorProbeFailureCounts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	config := DefaultConfig()
	config.UnhealthyThreshold = 2
	r := NewRegistry(config, events.NewBus())
	_, err := r.Register(RegisterRequest{ID: "c1", Endpoint: server.URL, Region: "local", MaxAgents: 1})
	require.NoError(t, err)

	r.CheckAll()
	c, _ := r.Get("c1")
	assert.Equal(t, types.HealthStatusDegraded, c.Health.Status)
	assert.Equal(t, 1, c.Health.FailureCount)

	r.CheckAll()
	c, _ = r.Get("c1")
	assert.Equal(t, types.HealthStatusUnhealthy, c.Health.Status)
}

func TestMonitorRecoveryResetsFailureCount(t *testing.T) {
	healthy := atomic.Bool{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	r, _ := newTestRegistry()
	_, err := r.Register(RegisterRequest{ID: "c1", Endpoint: server.URL, Region: "local", MaxAgents: 1})
	require.NoError(t, err)

	r.CheckAll()
	healthy.Store(true)
	r.CheckAll()

	c, _ := r.Get("c1")
	assert.Equal(t, types.HealthStatusHealthy, c.Health.Status)
	assert.Zero(t, c.Health.FailureCount)
}

func TestStopMonitorIdempotent(t *testing.T) {
	r, _ := newTestRegistry()
	r.StartHealthMonitor()
	r.StopHealthMonitor()
	r.StopHealthMonitor()
}
