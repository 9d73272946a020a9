package health

import (
	"context"
	"sync"
	"time"

	"github.com/musterhq/muster/pkg/events"
	"github.com/musterhq/muster/pkg/log"
	"github.com/musterhq/muster/pkg/metrics"
	"github.com/musterhq/muster/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// State is the derived health record the checker keeps per agent
type State struct {
	Status               types.HealthStatus
	LastCheck            time.Time
	LatencyMs            int64
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	TotalChecks          int
	TotalFailures        int

	// UnhealthySince is set when the agent crosses the unhealthy
	// threshold and cleared on recovery
	UnhealthySince time.Time
}

// Config holds health checker configuration
type Config struct {
	// Interval is the time between check cycles
	Interval time.Duration

	// ProbeTimeout bounds each individual probe
	ProbeTimeout time.Duration

	// UnhealthyThreshold is the number of consecutive failures before an
	// agent is marked unhealthy
	UnhealthyThreshold int

	// DegradedLatency is the probe latency above which a successful probe
	// still classifies the agent as degraded
	DegradedLatency time.Duration

	// HealthyLatency is accepted and defaulted but not read by
	// classification: a successful probe is healthy unless it reports
	// degraded or its latency exceeds DegradedLatency
	HealthyLatency time.Duration

	// AutoRemoveAfter unregisters agents that stay unhealthy this long.
	// Zero disables auto-removal.
	AutoRemoveAfter time.Duration

	// MaxConcurrentProbes bounds the probe fan-out per cycle
	MaxConcurrentProbes int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Interval:            5 * time.Second,
		ProbeTimeout:        5 * time.Second,
		UnhealthyThreshold:  3,
		DegradedLatency:     2 * time.Second,
		HealthyLatency:      5 * time.Second,
		MaxConcurrentProbes: 16,
	}
}

// AgentSource is the registry surface the checker needs
type AgentSource interface {
	List() []*types.Agent
	Unregister(id types.AgentID) bool
	UpdateStatus(id types.AgentID, status types.AgentStatus) error
}

// Checker periodically probes every registered agent and classifies it as
// healthy, degraded or unhealthy.
//
// The checker owns its probe history; it never touches agent records except
// through registry operations. Probes within a cycle run concurrently and
// independently. Stop cancels in-flight probes and is idempotent.
type Checker struct {
	config Config
	source AgentSource
	prober Prober
	bus    *events.Bus
	logger zerolog.Logger

	mu     sync.RWMutex
	states map[types.AgentID]*State

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
	startMu  sync.Mutex
}

// NewChecker creates a health checker over the given agent source
func NewChecker(config Config, source AgentSource, prober Prober, bus *events.Bus) *Checker {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = def.ProbeTimeout
	}
	if config.UnhealthyThreshold <= 0 {
		config.UnhealthyThreshold = def.UnhealthyThreshold
	}
	if config.DegradedLatency <= 0 {
		config.DegradedLatency = def.DegradedLatency
	}
	if config.HealthyLatency <= 0 {
		config.HealthyLatency = def.HealthyLatency
	}
	if config.MaxConcurrentProbes <= 0 {
		config.MaxConcurrentProbes = def.MaxConcurrentProbes
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Checker{
		config: config,
		source: source,
		prober: prober,
		bus:    bus,
		logger: log.WithComponent("health"),
		states: make(map[types.AgentID]*State),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins the periodic check loop
func (c *Checker) Start() {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.started {
		return
	}
	c.started = true

	c.bus.Publish(&events.Event{Type: events.EventHealthStarted})
	c.wg.Add(1)
	go c.run()
}

// Stop cancels outstanding probes and stops the loop. Safe to call more
// than once.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
		c.bus.Publish(&events.Event{Type: events.EventHealthStopped})
	})
}

// run is the main check loop
func (c *Checker) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	c.logger.Info().Dur("interval", c.config.Interval).Msg("Health checker started")

	// Run an initial cycle immediately
	c.CheckAll(c.ctx)

	for {
		select {
		case <-ticker.C:
			c.CheckAll(c.ctx)
		case <-c.ctx.Done():
			c.logger.Info().Msg("Health checker stopped")
			return
		}
	}
}

// CheckAll performs one full check cycle: every registered agent is probed
// concurrently, states are updated, and auto-removal is applied.
func (c *Checker) CheckAll(ctx context.Context) {
	agents := c.source.List()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.MaxConcurrentProbes)
	for _, agent := range agents {
		g.Go(func() error {
			c.checkAgent(gctx, agent)
			return nil
		})
	}
	_ = g.Wait()

	c.pruneStates(agents)

	healthy, degraded, unhealthy := 0, 0, 0
	c.mu.RLock()
	for _, st := range c.states {
		switch st.Status {
		case types.HealthStatusHealthy:
			healthy++
		case types.HealthStatusDegraded:
			degraded++
		case types.HealthStatusUnhealthy:
			unhealthy++
		}
	}
	c.mu.RUnlock()

	c.bus.Publish(&events.Event{
		Type: events.EventHealthCycleCompleted,
		Data: map[string]any{
			"checked":   len(agents),
			"healthy":   healthy,
			"degraded":  degraded,
			"unhealthy": unhealthy,
		},
	})

	c.autoRemove()
}

// checkAgent probes one agent and folds the outcome into its state
func (c *Checker) checkAgent(ctx context.Context, agent *types.Agent) {
	probeCtx, cancel := context.WithTimeout(ctx, c.config.ProbeTimeout)
	defer cancel()

	timer := metrics.NewTimer()
	result, err := c.prober.Probe(probeCtx, agent)
	timer.ObserveDuration(metrics.HealthCheckLatency)

	c.mu.Lock()
	st, ok := c.states[agent.ID]
	if !ok {
		st = &State{Status: types.HealthStatusUnknown}
		c.states[agent.ID] = st
	}

	st.TotalChecks++
	st.LastCheck = time.Now()
	st.LatencyMs = result.Latency.Milliseconds()

	var becameUnhealthy, recovered bool
	wasUnhealthy := st.Status == types.HealthStatusUnhealthy

	if err != nil || !result.Healthy {
		metrics.HealthChecksTotal.WithLabelValues("failure").Inc()
		st.TotalFailures++
		st.ConsecutiveFailures++
		st.ConsecutiveSuccesses = 0

		if st.ConsecutiveFailures >= c.config.UnhealthyThreshold {
			if !wasUnhealthy {
				becameUnhealthy = true
				st.UnhealthySince = time.Now()
			}
			st.Status = types.HealthStatusUnhealthy
		} else {
			st.Status = types.HealthStatusDegraded
		}
	} else {
		metrics.HealthChecksTotal.WithLabelValues("success").Inc()
		st.ConsecutiveSuccesses++
		st.ConsecutiveFailures = 0

		if result.Degraded || result.Latency > c.config.DegradedLatency {
			st.Status = types.HealthStatusDegraded
		} else {
			st.Status = types.HealthStatusHealthy
			if wasUnhealthy {
				recovered = true
				st.UnhealthySince = time.Time{}
			}
		}
	}
	status := st.Status
	latencyMs := st.LatencyMs
	c.mu.Unlock()

	c.bus.Publish(&events.Event{
		Type:    events.EventHealthChecked,
		AgentID: string(agent.ID),
		Data: map[string]any{
			"status":     status,
			"latency_ms": latencyMs,
		},
	})

	if becameUnhealthy {
		c.logger.Warn().
			Str("agent_id", string(agent.ID)).
			Err(err).
			Msg("Agent marked unhealthy")
		c.bus.Publish(&events.Event{
			Type:    events.EventHealthUnhealthy,
			AgentID: string(agent.ID),
		})
		if uerr := c.source.UpdateStatus(agent.ID, types.AgentStatusUnhealthy); uerr != nil {
			c.logger.Error().Err(uerr).Str("agent_id", string(agent.ID)).Msg("Failed to update agent status")
		}
	}
	if recovered {
		c.logger.Info().Str("agent_id", string(agent.ID)).Msg("Agent recovered")
		c.bus.Publish(&events.Event{
			Type:    events.EventHealthRecovered,
			AgentID: string(agent.ID),
		})
		if uerr := c.source.UpdateStatus(agent.ID, types.AgentStatusIdle); uerr != nil {
			c.logger.Error().Err(uerr).Str("agent_id", string(agent.ID)).Msg("Failed to update agent status")
		}
	}
}

// autoRemove unregisters agents unhealthy for longer than the configured
// grace period
func (c *Checker) autoRemove() {
	if c.config.AutoRemoveAfter <= 0 {
		return
	}

	now := time.Now()
	var expired []types.AgentID

	c.mu.RLock()
	for id, st := range c.states {
		if !st.UnhealthySince.IsZero() && now.Sub(st.UnhealthySince) > c.config.AutoRemoveAfter {
			expired = append(expired, id)
		}
	}
	c.mu.RUnlock()

	for _, id := range expired {
		if c.source.Unregister(id) {
			metrics.AgentsAutoRemovedTotal.Inc()
			c.logger.Warn().Str("agent_id", string(id)).Msg("Agent auto-removed after prolonged unhealthiness")
			c.bus.Publish(&events.Event{
				Type:    events.EventAgentAutoRemoved,
				AgentID: string(id),
			})
		}
		c.mu.Lock()
		delete(c.states, id)
		c.mu.Unlock()
	}
}

// pruneStates drops history for agents no longer registered
func (c *Checker) pruneStates(agents []*types.Agent) {
	present := make(map[types.AgentID]struct{}, len(agents))
	for _, a := range agents {
		present[a.ID] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.states {
		if _, ok := present[id]; !ok {
			delete(c.states, id)
		}
	}
}

// StateFor returns a copy of the health state for an agent. Agents never
// probed report unknown.
func (c *Checker) StateFor(id types.AgentID) State {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if st, ok := c.states[id]; ok {
		return *st
	}
	return State{Status: types.HealthStatusUnknown}
}

// States returns a copy of all tracked health states
func (c *Checker) States() map[types.AgentID]State {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[types.AgentID]State, len(c.states))
	for id, st := range c.states {
		out[id] = *st
	}
	return out
}
