package reconciler

import (
	"sync"
	"time"

	"github.com/musterhq/muster/pkg/log"
	"github.com/musterhq/muster/pkg/types"
	"github.com/rs/zerolog"
)

// Config holds reconciler configuration
type Config struct {
	// Interval is the time between reconciliation cycles
	Interval time.Duration

	// OfflineAfter is how long an agent may go without a heartbeat before
	// it is marked offline
	OfflineAfter time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Interval:     10 * time.Second,
		OfflineAfter: 30 * time.Second,
	}
}

// AgentSource is the registry surface the reconciler needs
type AgentSource interface {
	List() []*types.Agent
	UpdateStatus(id types.AgentID, status types.AgentStatus) error
}

// Reconciler drives agents whose heartbeats have gone stale to offline.
// The health checker covers agents with probeable endpoints; the
// reconciler covers the rest through heartbeat age alone.
type Reconciler struct {
	config Config
	source AgentSource
	logger zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	startMu  sync.Mutex
	started  bool
}

// New creates a new reconciler
func New(config Config, source AgentSource) *Reconciler {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.OfflineAfter <= 0 {
		config.OfflineAfter = def.OfflineAfter
	}
	return &Reconciler{
		config: config,
		source: source,
		logger: log.WithComponent("reconciler"),
		stopCh: make(chan struct{}),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	r.startMu.Lock()
	defer r.startMu.Unlock()
	if r.started {
		return
	}
	r.started = true
	go r.run()
}

// Stop stops the reconciler. Safe to call more than once.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
}

// run is the main reconciliation loop
func (r *Reconciler) run() {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.logger.Info().Msg("Reconciler started")

	for {
		select {
		case <-ticker.C:
			r.Reconcile()
		case <-r.stopCh:
			r.logger.Info().Msg("Reconciler stopped")
			return
		}
	}
}

// Reconcile performs one cycle: agents without a recent heartbeat are
// marked offline
func (r *Reconciler) Reconcile() {
	now := time.Now()
	for _, agent := range r.source.List() {
		if agent.Status == types.AgentStatusOffline {
			continue
		}
		if now.Sub(agent.LastHeartbeat) <= r.config.OfflineAfter {
			continue
		}

		r.logger.Warn().
			Str("agent_id", string(agent.ID)).
			Dur("no_heartbeat_duration", now.Sub(agent.LastHeartbeat)).
			Msg("Agent heartbeat stale, marking offline")
		if err := r.source.UpdateStatus(agent.ID, types.AgentStatusOffline); err != nil {
			r.logger.Error().
				Err(err).
				Str("agent_id", string(agent.ID)).
				Msg("Failed to mark agent offline")
		}
	}
}
