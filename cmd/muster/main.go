package main

import (
	"fmt"
	"net/http"
	_ "net/http/pprof" // pprof profiling endpoints on the debug listener
	"os"
	"os/signal"
	"syscall"

	"github.com/musterhq/muster/pkg/api"
	"github.com/musterhq/muster/pkg/balancer"
	"github.com/musterhq/muster/pkg/breaker"
	"github.com/musterhq/muster/pkg/cluster"
	"github.com/musterhq/muster/pkg/events"
	"github.com/musterhq/muster/pkg/health"
	"github.com/musterhq/muster/pkg/log"
	"github.com/musterhq/muster/pkg/metrics"
	"github.com/musterhq/muster/pkg/migrate"
	"github.com/musterhq/muster/pkg/reconciler"
	"github.com/musterhq/muster/pkg/registry"
	"github.com/musterhq/muster/pkg/types"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath string
	listenAddr string
	debugAddr  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "muster",
	Short: "Federated agent orchestration control plane",
	Long: `Muster manages a dynamic pool of compute agents distributed across
clusters: health-aware routing, circuit breaking, dependency-structured
execution and cross-cluster migration.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("muster %s (commit %s, built %s)\n", Version, Commit, BuildTime)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration file")
	serveCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "API listen address (overrides config)")
	serveCmd.Flags().StringVar(&debugAddr, "debug-listen", "", "pprof listen address (disabled when empty)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// clusterAgentLister enumerates the agents pinned to a cluster through
// their registry metadata
type clusterAgentLister struct {
	registry *registry.Registry
}

func (l *clusterAgentLister) AgentsOn(clusterID types.ClusterID) []types.AgentID {
	out := make([]types.AgentID, 0)
	for _, agent := range l.registry.List() {
		if agent.MetadataString("cluster", "") == string(clusterID) {
			out = append(out, agent.ID)
		}
	}
	return out
}

func serve() error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}

	log.Init(cfg.logConfig())
	logger := log.WithComponent("main")

	ready := metrics.NewReadiness()
	ready.SetVersion(Version)

	bus := events.NewBus()

	reg := registry.New(cfg.registryConfig(), bus)
	ready.Register("registry", func() (bool, string) {
		stats := reg.Stats()
		return true, fmt.Sprintf("%d agents (%d healthy)", stats.Total, stats.Healthy)
	})

	breakers := breaker.NewRegistry(cfg.breakerConfig(), bus)
	bus.On(events.EventAgentUnregistered, func(e *events.Event) {
		breakers.Remove(types.AgentID(e.AgentID))
	})
	ready.Register("breakers", func() (bool, string) {
		return true, fmt.Sprintf("%d open", breakers.OpenCount())
	})

	checker := health.NewChecker(cfg.healthConfig(), reg, health.NewHTTPProber(), bus)
	checker.Start()
	defer checker.Stop()
	ready.Register("health_checker", func() (bool, string) {
		return true, fmt.Sprintf("%d tracked", len(checker.States()))
	})

	bal := balancer.New(cfg.balancerConfig(), reg, checker, breakers, bus)
	defer bal.Stop()

	rec := reconciler.New(cfg.reconcilerConfig(), reg)
	rec.Start()
	defer rec.Stop()

	clusters := cluster.NewRegistry(cfg.clusterConfig(), bus)
	if err := cfg.seedClusters(clusters); err != nil {
		return err
	}
	clusters.StartHealthMonitor()
	defer clusters.StopHealthMonitor()
	ready.Register("clusters", func() (bool, string) {
		status := clusters.FederationStatus()
		// A federation with peers but none healthy cannot place work
		if status.TotalClusters > 0 && status.HealthyCount == 0 {
			return false, "no healthy peer clusters"
		}
		return true, fmt.Sprintf("%d/%d healthy", status.HealthyCount, status.TotalClusters)
	})

	migrator := migrate.New(cfg.migratorConfig(), clusters, migrate.NewHTTPTransport(),
		&clusterAgentLister{registry: reg}, bus)
	defer migrator.Dispose()
	ready.Register("migrator", func() (bool, string) {
		return true, fmt.Sprintf("%d active", migrator.ActiveCount())
	})

	// Keep breakers in lockstep with the registered agent set
	bus.On(events.EventHealthCycleCompleted, func(*events.Event) {
		ids := make([]types.AgentID, 0)
		for _, agent := range reg.List() {
			ids = append(ids, agent.ID)
		}
		breakers.SyncWithAgentIDs(ids)
	})

	server := api.NewServer(api.Deps{
		Registry:  reg,
		Checker:   checker,
		Breakers:  breakers,
		Balancer:  bal,
		Clusters:  clusters,
		Migrator:  migrator,
		Bus:       bus,
		Readiness: ready,
	})

	if debugAddr != "" {
		go func() {
			logger.Info().Str("addr", debugAddr).Msg("Debug server listening")
			if derr := http.ListenAndServe(debugAddr, nil); derr != nil {
				logger.Error().Err(derr).Msg("Debug server stopped")
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.Listen)
	}()

	logger.Info().
		Str("version", Version).
		Str("listen", cfg.Listen).
		Int("clusters", len(cfg.Clusters)).
		Msg("Muster control plane started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}
