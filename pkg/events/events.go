package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

// Registry events
const (
	EventAgentRegistered   EventType = "agent.registered"
	EventAgentUnregistered EventType = "agent.unregistered"
	EventAgentStatusChange EventType = "agent.status_changed"
	EventAgentLoadChange   EventType = "agent.load_changed"
	EventAgentHeartbeat    EventType = "agent.heartbeat"
)

// Health checker events
const (
	EventHealthStarted        EventType = "health.started"
	EventHealthStopped        EventType = "health.stopped"
	EventHealthChecked        EventType = "health.checked"
	EventHealthCycleCompleted EventType = "health.cycle_completed"
	EventHealthUnhealthy      EventType = "health.unhealthy"
	EventHealthRecovered      EventType = "health.recovered"
	EventAgentAutoRemoved     EventType = "agent.auto_removed"
)

// Circuit breaker events
const (
	EventBreakerStateChanged EventType = "breaker.state_changed"
	EventBreakerOpened       EventType = "breaker.opened"
	EventBreakerClosed       EventType = "breaker.closed"
	EventBreakerHalfOpen     EventType = "breaker.half_open"
	EventBreakerUnhealthy    EventType = "breaker.agent_unhealthy"
	EventBreakerHealthy      EventType = "breaker.agent_healthy"
)

// Load balancer events
const (
	EventAgentSelected    EventType = "balancer.agent_selected"
	EventSelectionFailed  EventType = "balancer.selection_failed"
	EventAgentSuccess     EventType = "balancer.agent_success"
	EventAgentFailure     EventType = "balancer.agent_failure"
	EventAgentCircuitOpen EventType = "balancer.agent_circuit_open"
	EventFailover         EventType = "balancer.failover"
)

// Execution engine events
const (
	EventExecutionStarted   EventType = "execution.started"
	EventExecutionCompleted EventType = "execution.completed"
	EventExecutionFailed    EventType = "execution.failed"
	EventExecutionCancelled EventType = "execution.cancelled"
	EventLevelStarted       EventType = "execution.level_started"
	EventLevelCompleted     EventType = "execution.level_completed"
	EventTaskStarted        EventType = "execution.task_started"
	EventTaskCompleted      EventType = "execution.task_completed"
	EventTaskFailed         EventType = "execution.task_failed"
	EventTaskRetry          EventType = "execution.task_retry"
	EventTaskCancelled      EventType = "execution.task_cancelled"
	EventTaskSkipped        EventType = "execution.task_skipped"
	EventProgressUpdated    EventType = "execution.progress_updated"
	EventTasksShouldSkip    EventType = "execution.tasks_should_skip"
)

// Cluster events
const (
	EventClusterRegistered     EventType = "cluster.registered"
	EventClusterUnregistered   EventType = "cluster.unregistered"
	EventClusterHealthChanged  EventType = "cluster.health_changed"
	EventClusterFailed         EventType = "cluster.failed"
	EventClusterCheckCompleted EventType = "cluster.health_check_completed"
	EventClusterLoadReport     EventType = "cluster.load_report"
)

// Migration events
const (
	EventMigrationStarted      EventType = "migration.started"
	EventMigrationPreparing    EventType = "migration.preparing"
	EventMigrationInProgress   EventType = "migration.in_progress"
	EventMigrationTransferring EventType = "migration.transferring_state"
	EventMigrationActivating   EventType = "migration.activating"
	EventMigrationCompleted    EventType = "migration.completed"
	EventMigrationFailed       EventType = "migration.failed"
	EventMigrationRolledBack   EventType = "migration.rolled_back"
	EventFailoverCompleted     EventType = "migration.failover_completed"
)

// Event represents a control-plane event
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	AgentID   string
	ClusterID string
	TaskID    string
	Message   string
	Data      map[string]any
}

// Handler is a callback invoked synchronously on publish. Handlers run under
// the publisher's call and must not block.
type Handler func(*Event)

// Subscriber is a channel that receives events asynchronously
type Subscriber chan *Event

// Bus distributes events to synchronous handlers and channel subscribers.
//
// Handler dispatch happens before Publish returns, preserving the mutator's
// ordering guarantees. Channel subscribers are best-effort: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu          sync.RWMutex
	handlers    map[EventType][]Handler
	anyHandlers []Handler
	subscribers map[Subscriber]struct{}
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		handlers:    make(map[EventType][]Handler),
		subscribers: make(map[Subscriber]struct{}),
	}
}

// On registers a handler for a single event type
func (b *Bus) On(t EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// OnAny registers a handler for every event type
func (b *Bus) OnAny(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.anyHandlers = append(b.anyHandlers, h)
}

// Subscribe creates a buffered channel subscription
func (b *Bus) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = struct{}{}
	return sub
}

// Unsubscribe removes a subscription and closes its channel
func (b *Bus) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish delivers the event to all matching handlers, then to channel
// subscribers. Missing ID and Timestamp fields are filled in.
func (b *Bus) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[event.Type]...)
	handlers = append(handlers, b.anyHandlers...)
	subs := make([]Subscriber, 0, len(b.subscribers))
	for sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}

	for _, sub := range subs {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// Emit is a convenience wrapper building and publishing an event
func (b *Bus) Emit(t EventType, message string, data map[string]any) {
	b.Publish(&Event{Type: t, Message: message, Data: data})
}

// SubscriberCount returns the number of active channel subscribers
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
