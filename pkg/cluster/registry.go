package cluster

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/musterhq/muster/pkg/events"
	"github.com/musterhq/muster/pkg/log"
	"github.com/musterhq/muster/pkg/metrics"
	"github.com/musterhq/muster/pkg/types"
	"github.com/rs/zerolog"
)

// Config holds cluster registry configuration
type Config struct {
	// HealthCheckInterval is the time between monitor cycles
	HealthCheckInterval time.Duration

	// HealthCheckTimeout bounds each cluster probe
	HealthCheckTimeout time.Duration

	// UnhealthyThreshold is the number of consecutive probe failures
	// before a cluster is marked unhealthy
	UnhealthyThreshold int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		HealthCheckInterval: 10 * time.Second,
		HealthCheckTimeout:  5 * time.Second,
		UnhealthyThreshold:  3,
	}
}

// RegisterRequest describes a peer cluster joining the federation
type RegisterRequest struct {
	ID            types.ClusterID
	Endpoint      string
	Region        string
	Zone          string
	Role          types.ClusterRole
	Capabilities  types.ClusterCapabilities
	MaxAgents     int
	RoutingWeight float64
}

// RegionStatus summarizes one region of the federation
type RegionStatus struct {
	Region         string
	Clusters       int
	Healthy        int
	TotalAgents    int
	AvailableSlots int
}

// FederationStatus is the region-grouped view of the federation
type FederationStatus struct {
	Regions        map[string]*RegionStatus
	TotalClusters  int
	HealthyCount   int
	TotalAgents    int
	AvailableSlots int
}

// Registry manages the peer clusters of the federation.
//
// The registry exclusively owns cluster records, including the
// CurrentAgents/AvailableSlots accounting: slots are reserved and released
// only through it, keeping currentAgents + availableSlots == maxAgents.
type Registry struct {
	config Config
	bus    *events.Bus
	logger zerolog.Logger

	mu       sync.RWMutex
	clusters map[types.ClusterID]*types.Cluster
	order    []types.ClusterID

	monitor *monitor
}

// NewRegistry creates an empty cluster registry
func NewRegistry(config Config, bus *events.Bus) *Registry {
	def := DefaultConfig()
	if config.HealthCheckInterval <= 0 {
		config.HealthCheckInterval = def.HealthCheckInterval
	}
	if config.HealthCheckTimeout <= 0 {
		config.HealthCheckTimeout = def.HealthCheckTimeout
	}
	if config.UnhealthyThreshold <= 0 {
		config.UnhealthyThreshold = def.UnhealthyThreshold
	}
	r := &Registry{
		config:   config,
		bus:      bus,
		logger:   log.WithComponent("cluster"),
		clusters: make(map[types.ClusterID]*types.Cluster),
	}
	r.monitor = newMonitor(r)
	return r
}

// Register adds a peer cluster
func (r *Registry) Register(req RegisterRequest) (*types.Cluster, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.clusters[req.ID]; exists {
		return nil, fmt.Errorf("cluster %q: %w", req.ID, types.ErrDuplicateID)
	}

	cluster := &types.Cluster{
		ID:                 req.ID,
		Endpoint:           req.Endpoint,
		Region:             req.Region,
		Zone:               req.Zone,
		Role:               req.Role,
		Capabilities:       req.Capabilities,
		Health:             types.ClusterHealth{Status: types.HealthStatusUnknown},
		MaxAgents:          req.MaxAgents,
		AvailableSlots:     req.MaxAgents,
		RoutingWeight:      req.RoutingWeight,
		IsActive:           true,
		IsAcceptingTraffic: true,
		RegisteredAt:       time.Now(),
	}
	r.clusters[req.ID] = cluster
	r.order = append(r.order, req.ID)

	r.logger.Info().
		Str("cluster_id", string(req.ID)).
		Str("region", req.Region).
		Int("max_agents", req.MaxAgents).
		Msg("Cluster registered")
	r.bus.Publish(&events.Event{
		Type:      events.EventClusterRegistered,
		ClusterID: string(req.ID),
	})

	return cluster.Clone(), nil
}

// Unregister removes a peer cluster, reporting whether it existed
func (r *Registry) Unregister(id types.ClusterID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clusters[id]; !ok {
		return false
	}
	delete(r.clusters, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	r.logger.Info().Str("cluster_id", string(id)).Msg("Cluster unregistered")
	r.bus.Publish(&events.Event{
		Type:      events.EventClusterUnregistered,
		ClusterID: string(id),
	})
	return true
}

// Get returns a copy of a cluster record
func (r *Registry) Get(id types.ClusterID) (*types.Cluster, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cluster, ok := r.clusters[id]
	if !ok {
		return nil, false
	}
	return cluster.Clone(), true
}

// List returns copies of all cluster records in registration order
func (r *Registry) List() []*types.Cluster {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.Cluster, 0, len(r.clusters))
	for _, id := range r.order {
		out = append(out, r.clusters[id].Clone())
	}
	return out
}

// SetAcceptingTraffic flips whether a cluster receives new work
func (r *Registry) SetAcceptingTraffic(id types.ClusterID, accepting bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cluster, ok := r.clusters[id]
	if !ok {
		return fmt.Errorf("cluster %q: %w", id, types.ErrClusterNotFound)
	}
	cluster.IsAcceptingTraffic = accepting
	return nil
}

// SetActive flips whether a cluster participates in the federation
func (r *Registry) SetActive(id types.ClusterID, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cluster, ok := r.clusters[id]
	if !ok {
		return fmt.Errorf("cluster %q: %w", id, types.ErrClusterNotFound)
	}
	cluster.IsActive = active
	return nil
}

// ReportLoad ingests a cluster's self-reported load
func (r *Registry) ReportLoad(id types.ClusterID, load types.ClusterLoad) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cluster, ok := r.clusters[id]
	if !ok {
		return fmt.Errorf("cluster %q: %w", id, types.ErrClusterNotFound)
	}
	if load.Max > 0 {
		load.UtilizationPct = float64(load.Current) / float64(load.Max) * 100
	}
	cluster.Load = load

	r.bus.Publish(&events.Event{
		Type:      events.EventClusterLoadReport,
		ClusterID: string(id),
		Data: map[string]any{
			"current":     load.Current,
			"utilization": load.UtilizationPct,
			"queue_depth": load.QueueDepth,
		},
	})
	return nil
}

// ReserveSlot claims one agent slot on a cluster, failing when it is full
func (r *Registry) ReserveSlot(id types.ClusterID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cluster, ok := r.clusters[id]
	if !ok {
		return fmt.Errorf("cluster %q: %w", id, types.ErrClusterNotFound)
	}
	if cluster.AvailableSlots <= 0 {
		return fmt.Errorf("cluster %q: %w", id, types.ErrTargetFull)
	}
	cluster.AvailableSlots--
	cluster.CurrentAgents++
	metrics.ClusterSlotsAvailable.WithLabelValues(string(id)).Set(float64(cluster.AvailableSlots))
	return nil
}

// ReleaseSlot returns one agent slot to a cluster
func (r *Registry) ReleaseSlot(id types.ClusterID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cluster, ok := r.clusters[id]
	if !ok {
		return fmt.Errorf("cluster %q: %w", id, types.ErrClusterNotFound)
	}
	if cluster.CurrentAgents > 0 {
		cluster.CurrentAgents--
		cluster.AvailableSlots++
	}
	metrics.ClusterSlotsAvailable.WithLabelValues(string(id)).Set(float64(cluster.AvailableSlots))
	return nil
}

// HealthyClusters returns active clusters currently classified healthy or
// degraded
func (r *Registry) HealthyClusters() []*types.Cluster {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.Cluster, 0)
	for _, id := range r.order {
		c := r.clusters[id]
		if !c.IsActive {
			continue
		}
		if c.Health.Status == types.HealthStatusHealthy || c.Health.Status == types.HealthStatusDegraded {
			out = append(out, c.Clone())
		}
	}
	return out
}

// SelectClusterForMigration picks the least-loaded healthy cluster with
// free capacity, preferring the source's region and falling back to any
// region
func (r *Registry) SelectClusterForMigration(source types.ClusterID) (*types.Cluster, error) {
	r.mu.RLock()
	src, ok := r.clusters[source]
	var sourceRegion string
	if ok {
		sourceRegion = src.Region
	}
	r.mu.RUnlock()

	candidates := make([]*types.Cluster, 0)
	for _, c := range r.HealthyClusters() {
		if c.ID == source || !c.IsAcceptingTraffic || c.AvailableSlots <= 0 {
			continue
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return nil, types.ErrNoTargetCluster
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return utilization(candidates[i]) < utilization(candidates[j])
	})

	if sourceRegion != "" {
		for _, c := range candidates {
			if c.Region == sourceRegion {
				return c, nil
			}
		}
	}
	return candidates[0], nil
}

// utilization estimates how full a cluster is
func utilization(c *types.Cluster) float64 {
	if c.Load.UtilizationPct > 0 {
		return c.Load.UtilizationPct
	}
	if c.MaxAgents == 0 {
		return 100
	}
	return float64(c.CurrentAgents) / float64(c.MaxAgents) * 100
}

// FederationStatus summarizes the federation grouped by region
func (r *Registry) FederationStatus() FederationStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := FederationStatus{Regions: make(map[string]*RegionStatus)}
	byStatus := make(map[types.HealthStatus]int)

	for _, c := range r.clusters {
		region, ok := status.Regions[c.Region]
		if !ok {
			region = &RegionStatus{Region: c.Region}
			status.Regions[c.Region] = region
		}
		region.Clusters++
		region.TotalAgents += c.CurrentAgents
		region.AvailableSlots += c.AvailableSlots

		status.TotalClusters++
		status.TotalAgents += c.CurrentAgents
		status.AvailableSlots += c.AvailableSlots
		byStatus[c.Health.Status]++

		if c.Health.Status == types.HealthStatusHealthy {
			region.Healthy++
			status.HealthyCount++
		}
	}

	for _, hs := range []types.HealthStatus{
		types.HealthStatusHealthy, types.HealthStatusDegraded,
		types.HealthStatusUnhealthy, types.HealthStatusUnknown,
	} {
		metrics.ClustersTotal.WithLabelValues(string(hs)).Set(float64(byStatus[hs]))
	}

	return status
}

// setHealth applies a probe outcome to a cluster. Transition into
// unhealthy emits cluster.failed exactly once.
func (r *Registry) setHealth(id types.ClusterID, status types.HealthStatus, latency time.Duration, probeFailed bool) {
	r.mu.Lock()
	cluster, ok := r.clusters[id]
	if !ok {
		r.mu.Unlock()
		return
	}

	prev := cluster.Health.Status
	if probeFailed {
		cluster.Health.FailureCount++
		if cluster.Health.FailureCount >= r.config.UnhealthyThreshold {
			status = types.HealthStatusUnhealthy
		} else if prev == types.HealthStatusHealthy || prev == types.HealthStatusUnknown {
			status = types.HealthStatusDegraded
		} else {
			status = prev
		}
	} else {
		cluster.Health.FailureCount = 0
	}

	cluster.Health.Status = status
	cluster.Health.LatencyMs = latency.Milliseconds()
	cluster.Health.LastCheckAt = time.Now()
	changed := prev != status
	r.mu.Unlock()

	r.bus.Publish(&events.Event{
		Type:      events.EventClusterCheckCompleted,
		ClusterID: string(id),
		Data:      map[string]any{"status": status, "latency_ms": latency.Milliseconds()},
	})

	if !changed {
		return
	}

	r.logger.Info().
		Str("cluster_id", string(id)).
		Str("from", string(prev)).
		Str("to", string(status)).
		Msg("Cluster health changed")
	r.bus.Publish(&events.Event{
		Type:      events.EventClusterHealthChanged,
		ClusterID: string(id),
		Data:      map[string]any{"previous": prev, "current": status},
	})

	if status == types.HealthStatusUnhealthy {
		r.bus.Publish(&events.Event{
			Type:      events.EventClusterFailed,
			ClusterID: string(id),
		})
	}
}

// StartHealthMonitor begins the periodic cluster probe loop
func (r *Registry) StartHealthMonitor() {
	r.monitor.start()
}

// StopHealthMonitor stops the probe loop. Safe to call more than once.
func (r *Registry) StopHealthMonitor() {
	r.monitor.stop()
}

// CheckAll probes every cluster once
func (r *Registry) CheckAll() {
	r.monitor.checkAll(r.monitor.ctx)
}
