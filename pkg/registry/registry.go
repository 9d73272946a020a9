package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/musterhq/muster/pkg/events"
	"github.com/musterhq/muster/pkg/log"
	"github.com/musterhq/muster/pkg/metrics"
	"github.com/musterhq/muster/pkg/types"
	"github.com/rs/zerolog"
)

// Match selects how capability queries combine their terms
type Match string

const (
	MatchAll Match = "all"
	MatchAny Match = "any"
)

// Config holds registry configuration
type Config struct {
	// HeartbeatWindow is how recent a heartbeat must be for an agent to
	// count as healthy
	HeartbeatWindow time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		HeartbeatWindow: 60 * time.Second,
	}
}

// RegisterRequest describes a new agent. ID may be empty, in which case one
// is generated.
type RegisterRequest struct {
	ID           types.AgentID
	Runtime      string
	Endpoint     string
	Capabilities types.Capabilities
	Metadata     map[string]any
}

// Stats summarizes the registered agent pool
type Stats struct {
	Total     int
	ByStatus  map[types.AgentStatus]int
	Healthy   int
	Available int
	AvgLoad   float64
}

// Registry is the authoritative set of agents in this cluster.
//
// The registry exclusively owns all agent records: every mutation goes
// through it and produces exactly one event of the corresponding kind.
// Accessors hand out copies, never the live records.
type Registry struct {
	config Config
	bus    *events.Bus
	logger zerolog.Logger

	mu     sync.RWMutex
	agents map[types.AgentID]*types.Agent
	order  []types.AgentID
}

// New creates a new agent registry
func New(config Config, bus *events.Bus) *Registry {
	if config.HeartbeatWindow <= 0 {
		config.HeartbeatWindow = DefaultConfig().HeartbeatWindow
	}
	return &Registry{
		config: config,
		bus:    bus,
		logger: log.WithComponent("registry"),
		agents: make(map[types.AgentID]*types.Agent),
	}
}

// Register adds a new agent to the registry
func (r *Registry) Register(req RegisterRequest) (*types.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := req.ID
	if id == "" {
		id = types.AgentID(uuid.New().String())
	} else if _, exists := r.agents[id]; exists {
		return nil, fmt.Errorf("agent %q: %w", id, types.ErrDuplicateID)
	}

	caps := req.Capabilities
	caps.Normalize()

	now := time.Now()
	agent := &types.Agent{
		ID:            id,
		Runtime:       req.Runtime,
		Endpoint:      req.Endpoint,
		Status:        types.AgentStatusIdle,
		Capabilities:  caps,
		LastHeartbeat: now,
		RegisteredAt:  now,
		Metadata:      req.Metadata,
	}
	r.agents[id] = agent
	r.order = append(r.order, id)

	metrics.AgentRegistrationsTotal.Inc()
	r.logger.Info().
		Str("agent_id", string(id)).
		Str("runtime", agent.Runtime).
		Msg("Agent registered")

	r.bus.Publish(&events.Event{
		Type:    events.EventAgentRegistered,
		AgentID: string(id),
	})

	return agent.Clone(), nil
}

// Unregister removes an agent, reporting whether it existed
func (r *Registry) Unregister(id types.AgentID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[id]; !ok {
		return false
	}
	delete(r.agents, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	r.logger.Info().Str("agent_id", string(id)).Msg("Agent unregistered")
	r.bus.Publish(&events.Event{
		Type:    events.EventAgentUnregistered,
		AgentID: string(id),
	})
	return true
}

// Get returns a copy of the agent record
func (r *Registry) Get(id types.AgentID) (*types.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[id]
	if !ok {
		return nil, false
	}
	return agent.Clone(), true
}

// List returns copies of all agent records
func (r *Registry) List() []*types.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.Agent, 0, len(r.agents))
	for _, id := range r.order {
		out = append(out, r.agents[id].Clone())
	}
	return out
}

// FindBySkills returns agents matching the given skills
func (r *Registry) FindBySkills(skills []string, match Match) []*types.Agent {
	return r.filter(func(a *types.Agent) bool {
		if match == MatchAny {
			return a.Capabilities.HasAnySkill(skills)
		}
		return a.Capabilities.HasAllSkills(skills)
	})
}

// FindByLanguages returns agents matching the given languages
func (r *Registry) FindByLanguages(languages []string, match Match) []*types.Agent {
	return r.filter(func(a *types.Agent) bool {
		caps := types.Capabilities{Skills: a.Capabilities.Languages}
		if match == MatchAny {
			return caps.HasAnySkill(languages)
		}
		return caps.HasAllSkills(languages)
	})
}

// FindBySpecialties returns agents matching the given specialties
func (r *Registry) FindBySpecialties(specialties []string, match Match) []*types.Agent {
	return r.filter(func(a *types.Agent) bool {
		caps := types.Capabilities{Skills: a.Capabilities.Specialties}
		if match == MatchAny {
			return caps.HasAnySkill(specialties)
		}
		return caps.HasAllSkills(specialties)
	})
}

// HealthyAgents returns agents with a recent heartbeat whose status is
// neither unhealthy nor offline
func (r *Registry) HealthyAgents() []*types.Agent {
	cutoff := time.Now().Add(-r.config.HeartbeatWindow)
	return r.filter(func(a *types.Agent) bool {
		return a.LastHeartbeat.After(cutoff) &&
			a.Status != types.AgentStatusUnhealthy &&
			a.Status != types.AgentStatusOffline
	})
}

// AvailableAgents returns healthy agents that are idle
func (r *Registry) AvailableAgents() []*types.Agent {
	cutoff := time.Now().Add(-r.config.HeartbeatWindow)
	return r.filter(func(a *types.Agent) bool {
		return a.LastHeartbeat.After(cutoff) && a.Status == types.AgentStatusIdle
	})
}

// UpdateStatus transitions an agent to a new status. A transition between
// two distinct statuses emits exactly one status_changed event; setting the
// same status is a no-op.
func (r *Registry) UpdateStatus(id types.AgentID, status types.AgentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("agent %q: %w", id, types.ErrAgentNotFound)
	}
	if agent.Status == status {
		return nil
	}

	prev := agent.Status
	agent.Status = status

	r.logger.Debug().
		Str("agent_id", string(id)).
		Str("from", string(prev)).
		Str("to", string(status)).
		Msg("Agent status changed")

	r.bus.Publish(&events.Event{
		Type:    events.EventAgentStatusChange,
		AgentID: string(id),
		Data:    map[string]any{"previous": prev, "current": status},
	})
	return nil
}

// UpdateLoad sets an agent's load, validating the 0..1 range
func (r *Registry) UpdateLoad(id types.AgentID, load float64) error {
	if load < 0 || load > 1 {
		return fmt.Errorf("load %f: %w", load, types.ErrInvalidLoad)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("agent %q: %w", id, types.ErrAgentNotFound)
	}

	prev := agent.CurrentLoad
	agent.CurrentLoad = load

	r.bus.Publish(&events.Event{
		Type:    events.EventAgentLoadChange,
		AgentID: string(id),
		Data:    map[string]any{"previous": prev, "current": load},
	})
	return nil
}

// Heartbeat refreshes an agent's heartbeat timestamp. An unhealthy or
// offline agent that heartbeats is revived to idle with a status event.
func (r *Registry) Heartbeat(id types.AgentID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("agent %q: %w", id, types.ErrAgentNotFound)
	}

	agent.LastHeartbeat = time.Now()
	metrics.AgentHeartbeatsTotal.Inc()

	r.bus.Publish(&events.Event{
		Type:    events.EventAgentHeartbeat,
		AgentID: string(id),
	})

	if agent.Status == types.AgentStatusUnhealthy || agent.Status == types.AgentStatusOffline {
		prev := agent.Status
		agent.Status = types.AgentStatusIdle

		r.logger.Info().
			Str("agent_id", string(id)).
			Str("from", string(prev)).
			Msg("Agent revived by heartbeat")

		r.bus.Publish(&events.Event{
			Type:    events.EventAgentStatusChange,
			AgentID: string(id),
			Data:    map[string]any{"previous": prev, "current": types.AgentStatusIdle},
		})
	}
	return nil
}

// Stats returns aggregate counts over the registered pool
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		Total:    len(r.agents),
		ByStatus: make(map[types.AgentStatus]int),
	}

	cutoff := time.Now().Add(-r.config.HeartbeatWindow)
	totalLoad := 0.0
	for _, agent := range r.agents {
		stats.ByStatus[agent.Status]++
		totalLoad += agent.CurrentLoad

		healthy := agent.LastHeartbeat.After(cutoff) &&
			agent.Status != types.AgentStatusUnhealthy &&
			agent.Status != types.AgentStatusOffline
		if healthy {
			stats.Healthy++
			if agent.Status == types.AgentStatusIdle {
				stats.Available++
			}
		}
	}
	if stats.Total > 0 {
		stats.AvgLoad = totalLoad / float64(stats.Total)
	}

	for _, status := range []types.AgentStatus{
		types.AgentStatusIdle, types.AgentStatusBusy,
		types.AgentStatusUnhealthy, types.AgentStatusOffline,
	} {
		metrics.AgentsTotal.WithLabelValues(string(status)).Set(float64(stats.ByStatus[status]))
	}

	return stats
}

// filter returns copies of all agents satisfying pred
func (r *Registry) filter(pred func(*types.Agent) bool) []*types.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.Agent, 0)
	for _, id := range r.order {
		if agent := r.agents[id]; pred(agent) {
			out = append(out, agent.Clone())
		}
	}
	return out
}
