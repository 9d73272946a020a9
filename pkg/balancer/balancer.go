package balancer

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/musterhq/muster/pkg/breaker"
	"github.com/musterhq/muster/pkg/events"
	"github.com/musterhq/muster/pkg/health"
	"github.com/musterhq/muster/pkg/log"
	"github.com/musterhq/muster/pkg/metrics"
	"github.com/musterhq/muster/pkg/types"
	"github.com/rs/zerolog"
)

// Strategy selects among the filtered candidates
type Strategy string

const (
	StrategyLeastConnections Strategy = "least_connections"
	StrategyRoundRobin       Strategy = "round_robin"
	StrategyWeighted         Strategy = "weighted"
	StrategyRandom           Strategy = "random"
	StrategyFirstAvailable   Strategy = "first_available"
)

// Criteria filters the candidate agents for a selection
type Criteria struct {
	// RequiredSkills must all be present on the agent (case-folded)
	RequiredSkills []string

	// RequiredCapabilities must all appear in the agent's metadata
	// "capabilities" list
	RequiredCapabilities []string

	// MaxCostPerHour caps the agent's rate; zero means unlimited
	MaxCostPerHour float64

	// MinReliability floors the agent's reliability; zero means any
	MinReliability float64

	// ExcludeAgents are skipped outright
	ExcludeAgents []types.AgentID
}

// Config holds load balancer configuration
type Config struct {
	Strategy Strategy

	// MaxFailoverAttempts bounds the failover loop
	MaxFailoverAttempts int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Strategy:            StrategyLeastConnections,
		MaxFailoverAttempts: 5,
	}
}

// AgentSource is the registry surface the balancer reads. HealthyAgents
// must return a consistent snapshot of copies.
type AgentSource interface {
	HealthyAgents() []*types.Agent
}

// HealthView exposes the health checker's classification
type HealthView interface {
	StateFor(id types.AgentID) health.State
}

// Operation is a unit of work executed against a selected agent
type Operation func(ctx context.Context, agent *types.Agent) (any, error)

// Balancer selects healthy, non-broken agents and runs operations with
// failover.
//
// The balancer holds no agent state of its own beyond per-agent connection
// counts, maintained with atomic increments. It consults the registry,
// health checker and breaker registry through read APIs only.
type Balancer struct {
	config   Config
	source   AgentSource
	healthy  HealthView
	breakers *breaker.Registry
	bus      *events.Bus
	logger   zerolog.Logger

	connMu      sync.Mutex
	connections map[types.AgentID]*atomic.Int64
	rrCounter   atomic.Uint64

	stopOnce sync.Once
}

// New creates a load balancer over the given registries
func New(config Config, source AgentSource, healthy HealthView, breakers *breaker.Registry, bus *events.Bus) *Balancer {
	if config.Strategy == "" {
		config.Strategy = DefaultConfig().Strategy
	}
	if config.MaxFailoverAttempts <= 0 {
		config.MaxFailoverAttempts = DefaultConfig().MaxFailoverAttempts
	}
	return &Balancer{
		config:      config,
		source:      source,
		healthy:     healthy,
		breakers:    breakers,
		bus:         bus,
		logger:      log.WithComponent("balancer"),
		connections: make(map[types.AgentID]*atomic.Int64),
	}
}

// Stop releases the balancer. Safe to call more than once.
func (b *Balancer) Stop() {
	b.stopOnce.Do(func() {
		b.logger.Debug().Msg("Load balancer stopped")
	})
}

// SelectAgent picks one agent matching the criteria by the configured
// strategy. The returned agent had a breaker that was not open (closed or
// half_open) and a non-unhealthy classification at the selection snapshot.
func (b *Balancer) SelectAgent(criteria Criteria) (*types.Agent, error) {
	timer := metrics.NewTimer()

	candidates := b.filterCandidates(criteria)
	if len(candidates) == 0 {
		metrics.SelectionsTotal.WithLabelValues(string(b.config.Strategy), "no_healthy_agent").Inc()
		b.bus.Publish(&events.Event{
			Type:    events.EventSelectionFailed,
			Message: "no healthy agent matches criteria",
		})
		return nil, types.ErrNoHealthyAgent
	}

	admitted := candidates[:0]
	for _, agent := range candidates {
		if b.breakers.IsOpen(agent.ID) {
			continue
		}
		admitted = append(admitted, agent)
	}
	if len(admitted) == 0 {
		metrics.SelectionsTotal.WithLabelValues(string(b.config.Strategy), "all_breakers_open").Inc()
		b.bus.Publish(&events.Event{
			Type:    events.EventSelectionFailed,
			Message: "all candidate breakers open",
		})
		return nil, types.ErrAllBreakersOpen
	}

	selected := b.pick(admitted)
	b.connCounter(selected.ID).Add(1)

	timer.ObserveDuration(metrics.SelectionLatency)
	metrics.SelectionsTotal.WithLabelValues(string(b.config.Strategy), "success").Inc()

	b.bus.Publish(&events.Event{
		Type:    events.EventAgentSelected,
		AgentID: string(selected.ID),
		Data:    map[string]any{"strategy": b.config.Strategy},
	})

	return selected, nil
}

// RecordSuccess reports a successful operation on an agent, releasing its
// connection slot and feeding the breaker
func (b *Balancer) RecordSuccess(id types.AgentID) {
	b.releaseConn(id)
	b.breakers.Get(id).RecordSuccess()
	b.bus.Publish(&events.Event{Type: events.EventAgentSuccess, AgentID: string(id)})
}

// RecordFailure reports a failed operation on an agent, releasing its
// connection slot and feeding the breaker
func (b *Balancer) RecordFailure(id types.AgentID, err error) {
	b.releaseConn(id)
	cb := b.breakers.Get(id)
	cb.RecordFailure()

	b.bus.Publish(&events.Event{
		Type:    events.EventAgentFailure,
		AgentID: string(id),
		Message: err.Error(),
	})
	if cb.IsOpen() {
		b.bus.Publish(&events.Event{Type: events.EventAgentCircuitOpen, AgentID: string(id)})
	}
}

// ExecuteWithFailover runs op against a selected agent, failing over to a
// different agent on each failure up to the configured attempt budget.
// Exhaustion returns a FailoverError carrying every attempt's error.
func (b *Balancer) ExecuteWithFailover(ctx context.Context, criteria Criteria, op Operation) (any, error) {
	attempts := make([]types.AttemptError, 0, b.config.MaxFailoverAttempts)
	exclude := append([]types.AgentID(nil), criteria.ExcludeAgents...)

	for attempt := 0; attempt < b.config.MaxFailoverAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			attempts = append(attempts, types.AttemptError{Err: err})
			break
		}

		attemptCriteria := criteria
		attemptCriteria.ExcludeAgents = exclude

		agent, err := b.SelectAgent(attemptCriteria)
		if err != nil {
			attempts = append(attempts, types.AttemptError{Err: err})
			continue
		}

		result, err := op(ctx, agent)
		if err == nil {
			b.RecordSuccess(agent.ID)
			return result, nil
		}

		b.RecordFailure(agent.ID, err)
		attempts = append(attempts, types.AttemptError{AgentID: agent.ID, Err: err})
		exclude = append(exclude, agent.ID)

		metrics.FailoversTotal.Inc()
		b.logger.Warn().
			Str("agent_id", string(agent.ID)).
			Int("attempt", attempt+1).
			Err(err).
			Msg("Operation failed, failing over")
		b.bus.Publish(&events.Event{
			Type:    events.EventFailover,
			AgentID: string(agent.ID),
			Data:    map[string]any{"attempt": attempt + 1},
		})
	}

	return nil, &types.FailoverError{Attempts: attempts}
}

// ConnectionCount returns the current in-flight count for an agent
func (b *Balancer) ConnectionCount(id types.AgentID) int64 {
	return b.connCounter(id).Load()
}

// filterCandidates applies criteria and health filtering to a registry
// snapshot
func (b *Balancer) filterCandidates(criteria Criteria) []*types.Agent {
	exclude := make(map[types.AgentID]struct{}, len(criteria.ExcludeAgents))
	for _, id := range criteria.ExcludeAgents {
		exclude[id] = struct{}{}
	}

	candidates := make([]*types.Agent, 0)
	for _, agent := range b.source.HealthyAgents() {
		if _, skip := exclude[agent.ID]; skip {
			continue
		}
		if len(criteria.RequiredSkills) > 0 && !agent.Capabilities.HasAllSkills(criteria.RequiredSkills) {
			continue
		}
		if len(criteria.RequiredCapabilities) > 0 && !hasCapabilities(agent, criteria.RequiredCapabilities) {
			continue
		}
		if criteria.MaxCostPerHour > 0 && agent.Capabilities.CostPerHour > criteria.MaxCostPerHour {
			continue
		}
		if criteria.MinReliability > 0 && agent.Capabilities.Reliability < criteria.MinReliability {
			continue
		}
		if b.healthy != nil && b.healthy.StateFor(agent.ID).Status == types.HealthStatusUnhealthy {
			continue
		}
		candidates = append(candidates, agent)
	}
	return candidates
}

// hasCapabilities checks the agent's metadata capability list
func hasCapabilities(agent *types.Agent, required []string) bool {
	have := types.Capabilities{Skills: agent.MetadataStringSlice("capabilities")}
	have.Normalize()
	return have.HasAllSkills(required)
}

// pick applies the configured strategy to a non-empty candidate list
func (b *Balancer) pick(candidates []*types.Agent) *types.Agent {
	switch b.config.Strategy {
	case StrategyRoundRobin:
		idx := b.rrCounter.Add(1) - 1
		return candidates[idx%uint64(len(candidates))]

	case StrategyWeighted:
		return b.pickWeighted(candidates)

	case StrategyRandom:
		return candidates[rand.IntN(len(candidates))]

	case StrategyFirstAvailable:
		return candidates[0]

	default: // least connections
		best := candidates[0]
		bestCount := b.connCounter(best.ID).Load()
		for _, agent := range candidates[1:] {
			if count := b.connCounter(agent.ID).Load(); count < bestCount {
				best = agent
				bestCount = count
			}
		}
		return best
	}
}

// pickWeighted draws by (reliability + min(avgSpeed/20, 1)) / 2
func (b *Balancer) pickWeighted(candidates []*types.Agent) *types.Agent {
	weights := make([]float64, len(candidates))
	total := 0.0
	for i, agent := range candidates {
		speed := agent.Capabilities.AvgSpeed / 20
		if speed > 1 {
			speed = 1
		}
		weights[i] = (agent.Capabilities.Reliability + speed) / 2
		total += weights[i]
	}
	if total <= 0 {
		return candidates[rand.IntN(len(candidates))]
	}

	target := rand.Float64() * total
	cumulative := 0.0
	for i, w := range weights {
		cumulative += w
		if cumulative >= target {
			return candidates[i]
		}
	}
	return candidates[len(candidates)-1]
}

// connCounter returns the atomic counter for an agent, creating it lazily
func (b *Balancer) connCounter(id types.AgentID) *atomic.Int64 {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	counter, ok := b.connections[id]
	if !ok {
		counter = &atomic.Int64{}
		b.connections[id] = counter
	}
	return counter
}

// releaseConn decrements an agent's connection count, never below zero
func (b *Balancer) releaseConn(id types.AgentID) {
	counter := b.connCounter(id)
	for {
		cur := counter.Load()
		if cur <= 0 {
			return
		}
		if counter.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// SeedConnections primes an agent's connection count. Intended for tests
// and for rebuilding state after a restart.
func (b *Balancer) SeedConnections(id types.AgentID, count int64) {
	b.connCounter(id).Store(count)
}
