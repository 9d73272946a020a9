package breaker

import (
	"sync"

	"github.com/musterhq/muster/pkg/events"
	"github.com/musterhq/muster/pkg/types"
)

// Registry owns one circuit breaker per agent id, created lazily on first
// access.
type Registry struct {
	config Config
	bus    *events.Bus

	mu       sync.RWMutex
	breakers map[types.AgentID]*CircuitBreaker
}

// NewRegistry creates an empty breaker registry
func NewRegistry(config Config, bus *events.Bus) *Registry {
	return &Registry{
		config:   config,
		bus:      bus,
		breakers: make(map[types.AgentID]*CircuitBreaker),
	}
}

// Get returns the breaker for an agent, creating it if needed
func (r *Registry) Get(id types.AgentID) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[id]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok = r.breakers[id]; ok {
		return cb
	}
	cb = New(id, r.config, r.bus)
	r.breakers[id] = cb
	return cb
}

// Remove deletes the breaker for an agent, reporting whether it existed
func (r *Registry) Remove(id types.AgentID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.breakers[id]; !ok {
		return false
	}
	delete(r.breakers, id)
	return true
}

// Len returns the number of tracked breakers
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.breakers)
}

// IsOpen reports whether the agent's breaker is open. Agents without a
// breaker yet are treated as closed.
func (r *Registry) IsOpen(id types.AgentID) bool {
	r.mu.RLock()
	cb, ok := r.breakers[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return cb.IsOpen()
}

// ForceOpenAll opens every tracked breaker
func (r *Registry) ForceOpenAll() {
	for _, cb := range r.all() {
		cb.ForceOpen()
	}
}

// ForceCloseAll closes every tracked breaker
func (r *Registry) ForceCloseAll() {
	for _, cb := range r.all() {
		cb.ForceClose()
	}
}

// ResetAll resets every tracked breaker
func (r *Registry) ResetAll() {
	for _, cb := range r.all() {
		cb.Reset()
	}
}

// OpenCount returns the number of currently open breakers
func (r *Registry) OpenCount() int {
	count := 0
	for _, cb := range r.all() {
		if cb.IsOpen() {
			count++
		}
	}
	return count
}

// Snapshots returns a point-in-time view of every breaker
func (r *Registry) Snapshots() map[types.AgentID]Snapshot {
	out := make(map[types.AgentID]Snapshot)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, cb := range r.breakers {
		out[id] = cb.Snapshot()
	}
	return out
}

// SyncWithAgentIDs adds breakers missing for the given ids and removes
// breakers for ids no longer present
func (r *Registry) SyncWithAgentIDs(ids []types.AgentID) {
	want := make(map[types.AgentID]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for id := range want {
		if _, ok := r.breakers[id]; !ok {
			r.breakers[id] = New(id, r.config, r.bus)
		}
	}
	for id := range r.breakers {
		if _, ok := want[id]; !ok {
			delete(r.breakers, id)
		}
	}
}

// all returns the current breakers without holding the lock during use
func (r *Registry) all() []*CircuitBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		out = append(out, cb)
	}
	return out
}
