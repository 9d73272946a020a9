package migrate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/musterhq/muster/pkg/cluster"
	"github.com/musterhq/muster/pkg/events"
	"github.com/musterhq/muster/pkg/log"
	"github.com/musterhq/muster/pkg/metrics"
	"github.com/musterhq/muster/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Mode selects how aggressively an agent is moved
type Mode string

const (
	ModeGraceful     Mode = "graceful"
	ModeForce        Mode = "force"
	ModeZeroDowntime Mode = "zero_downtime"
)

// Options tunes a single migration
type Options struct {
	Mode Mode

	// PreserveState exports and transfers the agent's state. Export
	// failure downgrades to a stateless migration unless RequireState is
	// set.
	PreserveState bool

	// RequireState turns an export failure into a hard stop
	RequireState bool

	// GracefulShutdown stops the agent on the source after activation
	GracefulShutdown bool

	// Timeout bounds each migration step
	Timeout time.Duration

	// MaxRetries is the extra attempts per remote step
	MaxRetries int

	// RollbackOnFailure undoes partial work when a step fails
	RollbackOnFailure bool
}

// DefaultOptions returns Options with sensible defaults
func DefaultOptions() Options {
	return Options{
		Mode:              ModeGraceful,
		PreserveState:     true,
		GracefulShutdown:  true,
		Timeout:           5 * time.Second,
		MaxRetries:        2,
		RollbackOnFailure: true,
	}
}

// Config holds migrator-wide configuration
type Config struct {
	// MaxConcurrentMigrations caps in-flight migrations
	MaxConcurrentMigrations int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{MaxConcurrentMigrations: 10}
}

// AgentLister enumerates the agents hosted on a cluster, used by cluster
// failover
type AgentLister interface {
	AgentsOn(clusterID types.ClusterID) []types.AgentID
}

// Migrator orchestrates cross-cluster agent moves: export, transfer,
// start, verify, stop, cleanup, each bounded by the step timeout, with
// optional rollback.
type Migrator struct {
	config    Config
	clusters  *cluster.Registry
	transport Transport
	agents    AgentLister
	bus       *events.Bus
	logger    zerolog.Logger

	mu      sync.Mutex
	active  map[string]*types.Migration
	history []*types.Migration

	ctx         context.Context
	cancel      context.CancelFunc
	disposeOnce sync.Once
}

// New creates a migrator over the cluster registry and transport
func New(config Config, clusters *cluster.Registry, transport Transport, agents AgentLister, bus *events.Bus) *Migrator {
	if config.MaxConcurrentMigrations <= 0 {
		config.MaxConcurrentMigrations = DefaultConfig().MaxConcurrentMigrations
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Migrator{
		config:    config,
		clusters:  clusters,
		transport: transport,
		agents:    agents,
		bus:       bus,
		logger:    log.WithComponent("migrator"),
		active:    make(map[string]*types.Migration),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Dispose cancels outstanding migrations. Safe to call more than once.
func (m *Migrator) Dispose() {
	m.disposeOnce.Do(func() {
		m.cancel()
	})
}

// ActiveCount returns the number of in-flight migrations
func (m *Migrator) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// History returns copies of all finished migrations
func (m *Migrator) History() []*types.Migration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Migration, len(m.history))
	for i, mg := range m.history {
		cp := *mg
		out[i] = &cp
	}
	return out
}

// MigrateAgent moves one agent from one cluster to another
func (m *Migrator) MigrateAgent(ctx context.Context, agentID types.AgentID, from, to types.ClusterID, opts Options) (*types.Migration, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}
	if opts.Mode == "" {
		opts.Mode = DefaultOptions().Mode
	}

	migration := &types.Migration{
		ID:          uuid.New().String(),
		AgentID:     agentID,
		FromCluster: from,
		ToCluster:   to,
		Status:      types.MigrationPending,
		StartedAt:   time.Now(),
	}

	m.mu.Lock()
	if len(m.active) >= m.config.MaxConcurrentMigrations {
		m.mu.Unlock()
		return nil, fmt.Errorf("%d in flight: %w", m.config.MaxConcurrentMigrations, types.ErrMaxConcurrentMigrations)
	}
	m.active[migration.ID] = migration
	m.mu.Unlock()

	metrics.MigrationsActive.Inc()
	defer func() {
		metrics.MigrationsActive.Dec()
		m.mu.Lock()
		delete(m.active, migration.ID)
		m.history = append(m.history, migration)
		m.mu.Unlock()
	}()

	timer := metrics.NewTimer()
	m.emit(migration, events.EventMigrationStarted)

	err := m.execute(ctx, migration, opts)

	migration.CompletedAt = time.Now()
	timer.ObserveDuration(metrics.MigrationDuration)
	metrics.MigrationsTotal.WithLabelValues(string(migration.Status)).Inc()

	if err != nil {
		migration.Err = err.Error()
		return migration, err
	}
	return migration, nil
}

// execute runs the migration steps, applying rollback on failure
func (m *Migrator) execute(ctx context.Context, migration *types.Migration, opts Options) error {
	logger := m.logger.With().
		Str("migration_id", migration.ID).
		Str("agent_id", string(migration.AgentID)).
		Str("from", string(migration.FromCluster)).
		Str("to", string(migration.ToCluster)).
		Logger()

	// Step 1: validate source and target
	source, ok := m.clusters.Get(migration.FromCluster)
	if !ok {
		return m.fail(migration, fmt.Errorf("source cluster %q: %w", migration.FromCluster, types.ErrClusterNotFound))
	}
	if source.Health.Status == types.HealthStatusUnhealthy {
		return m.fail(migration, fmt.Errorf("cluster %q: %w", source.ID, types.ErrSourceUnhealthy))
	}
	target, ok := m.clusters.Get(migration.ToCluster)
	if !ok {
		return m.fail(migration, fmt.Errorf("target cluster %q: %w", migration.ToCluster, types.ErrClusterNotFound))
	}

	m.setStatus(migration, types.MigrationPreparing, events.EventMigrationPreparing)

	// Step 2: reserve capacity on the target
	if err := m.clusters.ReserveSlot(target.ID); err != nil {
		return m.fail(migration, err)
	}
	reserved := true
	rollback := func(cause error) error {
		if !opts.RollbackOnFailure {
			return m.fail(migration, cause)
		}
		logger.Warn().Err(cause).Msg("Migration failed, rolling back")
		if reserved {
			if rerr := m.clusters.ReleaseSlot(target.ID); rerr != nil {
				logger.Error().Err(rerr).Msg("Failed to release target slot during rollback")
			}
		}
		// Best effort: stop any half-started agent on the target and make
		// sure the source copy is running again
		stopCtx, cancel := context.WithTimeout(m.ctx, opts.Timeout)
		_ = m.transport.StopAgent(stopCtx, target.Endpoint, migration.AgentID, false)
		cancel()
		startCtx, cancel := context.WithTimeout(m.ctx, opts.Timeout)
		_ = m.transport.StartAgent(startCtx, source.Endpoint, migration.AgentID, nil, true)
		cancel()

		migration.Status = types.MigrationRolledBack
		m.emit(migration, events.EventMigrationRolledBack)
		return cause
	}

	m.setStatus(migration, types.MigrationInProgress, events.EventMigrationInProgress)

	// Step 3: export state from the source
	var state *types.AgentState
	if opts.PreserveState {
		err := m.withRetry(ctx, migration, opts, func(stepCtx context.Context) error {
			exported, eerr := m.transport.ExportState(stepCtx, source.Endpoint, migration.AgentID)
			if eerr != nil {
				return eerr
			}
			state = exported
			return nil
		})
		if err != nil {
			if opts.RequireState {
				return rollback(fmt.Errorf("%w: %v", types.ErrExportFailed, err))
			}
			// Export failure downgrades to a stateless move
			logger.Warn().Err(err).Msg("State export failed, migrating without state")
			state = nil
		}
	}

	// Step 4: transfer state to the target
	m.setStatus(migration, types.MigrationTransferringState, events.EventMigrationTransferring)
	if state != nil {
		err := m.withRetry(ctx, migration, opts, func(stepCtx context.Context) error {
			return m.transport.ImportState(stepCtx, target.Endpoint, state)
		})
		if err != nil {
			return rollback(fmt.Errorf("%w: %v", types.ErrTransferFailed, err))
		}
		migration.StateTransferred = true
	}

	// Step 5: start the agent on the target
	m.setStatus(migration, types.MigrationActivating, events.EventMigrationActivating)
	err := m.withRetry(ctx, migration, opts, func(stepCtx context.Context) error {
		return m.transport.StartAgent(stepCtx, target.Endpoint, migration.AgentID, state, state != nil)
	})
	if err != nil {
		return rollback(fmt.Errorf("%w: %v", types.ErrStartFailed, err))
	}

	// Step 6: verify the agent is live on the target
	if err := m.verify(ctx, target.Endpoint, migration.AgentID, opts); err != nil {
		return rollback(err)
	}

	// Step 7: stop the agent on the source; errors are ignored
	if opts.GracefulShutdown || opts.Mode == ModeForce {
		stopCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
		if serr := m.transport.StopAgent(stopCtx, source.Endpoint, migration.AgentID, opts.Mode != ModeForce); serr != nil {
			logger.Debug().Err(serr).Msg("Source stop failed, ignoring")
		}
		cancel()
	}

	// Step 8: clean up the source and release its slot
	cleanupCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	if cerr := m.transport.CleanupAgent(cleanupCtx, source.Endpoint, migration.AgentID); cerr != nil {
		logger.Debug().Err(cerr).Msg("Source cleanup failed, ignoring")
	}
	cancel()
	if rerr := m.clusters.ReleaseSlot(source.ID); rerr != nil {
		logger.Error().Err(rerr).Msg("Failed to release source slot")
	}

	migration.Status = types.MigrationCompleted
	logger.Info().Bool("state_transferred", migration.StateTransferred).Msg("Migration completed")
	m.emit(migration, events.EventMigrationCompleted)
	return nil
}

// verify probes the agent on the target with bounded retry
func (m *Migrator) verify(ctx context.Context, endpoint string, agentID types.AgentID, opts Options) error {
	const probes = 5
	var lastErr error
	for i := 0; i < probes; i++ {
		stepCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
		lastErr = m.transport.VerifyAgent(stepCtx, endpoint, agentID)
		cancel()
		if lastErr == nil {
			return nil
		}
		select {
		case <-time.After(50 * time.Millisecond * time.Duration(i+1)):
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", types.ErrVerifyFailed, ctx.Err())
		}
	}
	return fmt.Errorf("%w: %v", types.ErrVerifyFailed, lastErr)
}

// withRetry runs one remote step with the per-step timeout and the
// configured retry budget
func (m *Migrator) withRetry(ctx context.Context, migration *types.Migration, opts Options, step func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if attempt > 0 {
			migration.RetryCount++
			select {
			case <-time.After(50 * time.Millisecond * time.Duration(attempt)):
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", types.ErrStepTimeout, ctx.Err())
			}
		}

		stepCtx, cancel := context.WithTimeoutCause(ctx, opts.Timeout, types.ErrStepTimeout)
		lastErr = step(stepCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// fail finalizes a migration that could not proceed
func (m *Migrator) fail(migration *types.Migration, err error) error {
	migration.Status = types.MigrationFailed
	migration.Err = err.Error()
	m.logger.Error().
		Str("migration_id", migration.ID).
		Str("agent_id", string(migration.AgentID)).
		Err(err).
		Msg("Migration failed")
	m.emit(migration, events.EventMigrationFailed)
	return err
}

// setStatus advances the migration and emits the matching event
func (m *Migrator) setStatus(migration *types.Migration, status types.MigrationStatus, event events.EventType) {
	migration.Status = status
	m.emit(migration, event)
}

func (m *Migrator) emit(migration *types.Migration, event events.EventType) {
	m.bus.Publish(&events.Event{
		Type:      event,
		AgentID:   string(migration.AgentID),
		ClusterID: string(migration.ToCluster),
		Data: map[string]any{
			"migration_id": migration.ID,
			"from":         migration.FromCluster,
			"to":           migration.ToCluster,
			"status":       migration.Status,
		},
	})
}

// MigrateMultipleAgents fans a batch of migrations out with bounded
// concurrency
func (m *Migrator) MigrateMultipleAgents(ctx context.Context, agentIDs []types.AgentID, from, to types.ClusterID, opts Options) []*types.Migration {
	concurrency := m.config.MaxConcurrentMigrations - m.ActiveCount()
	if concurrency > 5 {
		concurrency = 5
	}
	if concurrency < 1 {
		concurrency = 1
	}

	results := make([]*types.Migration, len(agentIDs))
	g := new(errgroup.Group)
	g.SetLimit(concurrency)
	for i, agentID := range agentIDs {
		g.Go(func() error {
			migration, err := m.MigrateAgent(ctx, agentID, from, to, opts)
			if err != nil {
				m.logger.Warn().
					Str("agent_id", string(agentID)).
					Err(err).
					Msg("Bulk migration entry failed")
			}
			results[i] = migration
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// FailoverCluster drains a failed cluster: it stops accepting traffic and
// force-migrates every hosted agent to the best available target.
func (m *Migrator) FailoverCluster(ctx context.Context, clusterID types.ClusterID) ([]*types.Migration, error) {
	if err := m.clusters.SetAcceptingTraffic(clusterID, false); err != nil {
		return nil, err
	}

	agentIDs := []types.AgentID{}
	if m.agents != nil {
		agentIDs = m.agents.AgentsOn(clusterID)
	}

	opts := Options{
		Mode:              ModeForce,
		PreserveState:     true,
		GracefulShutdown:  false,
		Timeout:           3 * time.Second,
		RollbackOnFailure: false,
	}

	migrations := make([]*types.Migration, 0, len(agentIDs))
	succeeded, failures := 0, 0
	for _, agentID := range agentIDs {
		target, err := m.clusters.SelectClusterForMigration(clusterID)
		if err != nil {
			m.logger.Error().
				Str("agent_id", string(agentID)).
				Err(err).
				Msg("No failover target for agent")
			failures++
			continue
		}

		migration, err := m.MigrateAgent(ctx, agentID, clusterID, target.ID, opts)
		if err != nil {
			failures++
		} else {
			succeeded++
		}
		if migration != nil {
			migrations = append(migrations, migration)
		}
	}

	m.bus.Publish(&events.Event{
		Type:      events.EventFailoverCompleted,
		ClusterID: string(clusterID),
		Data: map[string]any{
			"migrated": succeeded,
			"failed":   failures,
			"total":    len(agentIDs),
		},
	})

	m.logger.Info().
		Str("cluster_id", string(clusterID)).
		Int("agents", len(agentIDs)).
		Int("failed", failures).
		Msg("Cluster failover completed")
	return migrations, nil
}
