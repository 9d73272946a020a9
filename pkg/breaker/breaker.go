package breaker

import (
	"sync"
	"time"

	"github.com/musterhq/muster/pkg/events"
	"github.com/musterhq/muster/pkg/log"
	"github.com/musterhq/muster/pkg/metrics"
	"github.com/musterhq/muster/pkg/types"
	"github.com/rs/zerolog"
)

// State represents the circuit breaker state
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config holds circuit breaker configuration
type Config struct {
	// FailureThreshold is the number of windowed failures that opens the
	// circuit
	FailureThreshold int

	// SuccessThreshold is the number of consecutive half-open successes
	// that closes the circuit
	SuccessThreshold int

	// OpenTimeout is how long an open circuit waits before probing
	OpenTimeout time.Duration

	// MonitoringWindow bounds how far back failures and successes count
	MonitoringWindow time.Duration

	// AutoRecovery enables the timed open -> half_open transition
	AutoRecovery bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
		MonitoringWindow: 60 * time.Second,
		AutoRecovery:     true,
	}
}

// Snapshot is a point-in-time view of a breaker
type Snapshot struct {
	AgentID              types.AgentID
	State                State
	WindowedFailures     int
	WindowedSuccesses    int
	LastFailureAt        time.Time
	LastSuccessAt        time.Time
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	OpenedAt             time.Time
}

// CircuitBreaker is a per-agent three-state breaker with windowed failure
// counting. State transitions are the only mutators and each emits a
// state_changed event plus a kind-specific event.
type CircuitBreaker struct {
	agentID types.AgentID
	config  Config
	bus     *events.Bus
	logger  zerolog.Logger

	mu                   sync.Mutex
	state                State
	failureTimes         []time.Time
	successTimes         []time.Time
	lastFailureAt        time.Time
	lastSuccessAt        time.Time
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time
}

// New creates a closed circuit breaker for an agent
func New(agentID types.AgentID, config Config, bus *events.Bus) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = DefaultConfig().OpenTimeout
	}
	if config.MonitoringWindow <= 0 {
		config.MonitoringWindow = DefaultConfig().MonitoringWindow
	}
	return &CircuitBreaker{
		agentID: agentID,
		config:  config,
		bus:     bus,
		logger:  log.WithComponent("breaker"),
		state:   StateClosed,
	}
}

// RecordFailure registers a failed call against the agent
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	cb.prune(now)
	cb.failureTimes = append(cb.failureTimes, now)
	cb.lastFailureAt = now
	cb.consecutiveFailures++
	cb.consecutiveSuccesses = 0

	switch cb.state {
	case StateClosed:
		if len(cb.failureTimes) >= cb.config.FailureThreshold {
			cb.transition(StateOpen, now)
		}
	case StateHalfOpen:
		// A single probe failure re-opens the circuit and restarts the timer
		cb.transition(StateOpen, now)
	}
}

// RecordSuccess registers a successful call against the agent
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	cb.prune(now)
	cb.successTimes = append(cb.successTimes, now)
	cb.lastSuccessAt = now
	cb.consecutiveSuccesses++
	cb.consecutiveFailures = 0

	if cb.state == StateHalfOpen && cb.consecutiveSuccesses >= cb.config.SuccessThreshold {
		cb.transition(StateClosed, now)
	}
}

// IsOpen reports whether calls should be short-circuited. An open breaker
// whose timeout has elapsed transitions to half_open and starts admitting
// probes.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return false
	}
	if cb.config.AutoRecovery && time.Since(cb.openedAt) > cb.config.OpenTimeout {
		cb.transition(StateHalfOpen, time.Now())
		return false
	}
	return true
}

// Allow reports whether a call may proceed
func (cb *CircuitBreaker) Allow() bool {
	return !cb.IsOpen()
}

// State returns the current state after applying any pending timed
// transition
func (cb *CircuitBreaker) State() State {
	cb.IsOpen()
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// ForceOpen opens the circuit regardless of history
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		cb.transition(StateOpen, time.Now())
	}
}

// ForceClose closes the circuit regardless of history
func (cb *CircuitBreaker) ForceClose() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateClosed {
		cb.transition(StateClosed, time.Now())
	}
}

// Reset closes the circuit and clears all history without regard to state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	prev := cb.state
	cb.clearHistory()
	if prev != StateClosed {
		cb.transition(StateClosed, time.Now())
	}
}

// Snapshot returns a point-in-time view of the breaker
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.prune(time.Now())
	return Snapshot{
		AgentID:              cb.agentID,
		State:                cb.state,
		WindowedFailures:     len(cb.failureTimes),
		WindowedSuccesses:    len(cb.successTimes),
		LastFailureAt:        cb.lastFailureAt,
		LastSuccessAt:        cb.lastSuccessAt,
		ConsecutiveFailures:  cb.consecutiveFailures,
		ConsecutiveSuccesses: cb.consecutiveSuccesses,
		OpenedAt:             cb.openedAt,
	}
}

// prune drops timestamps that fell out of the monitoring window. Callers
// must hold the lock.
func (cb *CircuitBreaker) prune(now time.Time) {
	cutoff := now.Add(-cb.config.MonitoringWindow)
	cb.failureTimes = pruneBefore(cb.failureTimes, cutoff)
	cb.successTimes = pruneBefore(cb.successTimes, cutoff)
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for ; idx < len(times); idx++ {
		if times[idx].After(cutoff) {
			break
		}
	}
	return times[idx:]
}

// clearHistory wipes windowed and consecutive counters. Callers must hold
// the lock.
func (cb *CircuitBreaker) clearHistory() {
	cb.failureTimes = nil
	cb.successTimes = nil
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
}

// transition moves the breaker to a new state, emitting state_changed plus
// the kind-specific event. Callers must hold the lock.
func (cb *CircuitBreaker) transition(to State, now time.Time) {
	prev := cb.state
	cb.state = to

	switch to {
	case StateOpen:
		cb.openedAt = now
		metrics.BreakersOpen.Inc()
	case StateClosed:
		cb.clearHistory()
		if prev == StateOpen {
			metrics.BreakersOpen.Dec()
		}
	case StateHalfOpen:
		cb.consecutiveSuccesses = 0
		if prev == StateOpen {
			metrics.BreakersOpen.Dec()
		}
	}
	metrics.BreakerTransitionsTotal.WithLabelValues(string(to)).Inc()

	cb.logger.Info().
		Str("agent_id", string(cb.agentID)).
		Str("from", string(prev)).
		Str("to", string(to)).
		Msg("Circuit breaker state changed")

	data := map[string]any{"previous": prev, "current": to}
	cb.bus.Publish(&events.Event{
		Type:    events.EventBreakerStateChanged,
		AgentID: string(cb.agentID),
		Data:    data,
	})

	switch to {
	case StateOpen:
		cb.bus.Publish(&events.Event{Type: events.EventBreakerOpened, AgentID: string(cb.agentID)})
		cb.bus.Publish(&events.Event{Type: events.EventBreakerUnhealthy, AgentID: string(cb.agentID)})
	case StateClosed:
		cb.bus.Publish(&events.Event{Type: events.EventBreakerClosed, AgentID: string(cb.agentID)})
		cb.bus.Publish(&events.Event{Type: events.EventBreakerHealthy, AgentID: string(cb.agentID)})
	case StateHalfOpen:
		cb.bus.Publish(&events.Event{Type: events.EventBreakerHalfOpen, AgentID: string(cb.agentID)})
	}
}
