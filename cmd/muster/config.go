package main

import (
	"fmt"
	"os"
	"time"

	"github.com/musterhq/muster/pkg/balancer"
	"github.com/musterhq/muster/pkg/breaker"
	"github.com/musterhq/muster/pkg/cluster"
	"github.com/musterhq/muster/pkg/health"
	"github.com/musterhq/muster/pkg/log"
	"github.com/musterhq/muster/pkg/migrate"
	"github.com/musterhq/muster/pkg/reconciler"
	"github.com/musterhq/muster/pkg/registry"
	"github.com/musterhq/muster/pkg/types"
	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML layout of the muster configuration file. Every
// section is optional; omitted values fall back to component defaults.
type fileConfig struct {
	Listen string `yaml:"listen"`

	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`

	Registry struct {
		HeartbeatWindow time.Duration `yaml:"heartbeat_window"`
	} `yaml:"registry"`

	Health struct {
		Interval           time.Duration `yaml:"interval"`
		ProbeTimeout       time.Duration `yaml:"probe_timeout"`
		UnhealthyThreshold int           `yaml:"unhealthy_threshold"`
		DegradedLatency    time.Duration `yaml:"degraded_latency"`
		HealthyLatency     time.Duration `yaml:"healthy_latency"`
		AutoRemoveAfter    time.Duration `yaml:"auto_remove_after"`
	} `yaml:"health"`

	Breaker struct {
		FailureThreshold int           `yaml:"failure_threshold"`
		SuccessThreshold int           `yaml:"success_threshold"`
		OpenTimeout      time.Duration `yaml:"open_timeout"`
		MonitoringWindow time.Duration `yaml:"monitoring_window"`
		AutoRecovery     *bool         `yaml:"auto_recovery"`
	} `yaml:"breaker"`

	Balancer struct {
		Strategy            string `yaml:"strategy"`
		MaxFailoverAttempts int    `yaml:"max_failover_attempts"`
	} `yaml:"balancer"`

	Reconciler struct {
		Interval     time.Duration `yaml:"interval"`
		OfflineAfter time.Duration `yaml:"offline_after"`
	} `yaml:"reconciler"`

	Cluster struct {
		HealthCheckInterval time.Duration `yaml:"health_check_interval"`
		HealthCheckTimeout  time.Duration `yaml:"health_check_timeout"`
		UnhealthyThreshold  int           `yaml:"unhealthy_threshold"`
	} `yaml:"cluster"`

	Migrator struct {
		MaxConcurrentMigrations int `yaml:"max_concurrent_migrations"`
	} `yaml:"migrator"`

	Clusters []struct {
		ID            string  `yaml:"id"`
		Endpoint      string  `yaml:"endpoint"`
		Region        string  `yaml:"region"`
		Zone          string  `yaml:"zone"`
		Role          string  `yaml:"role"`
		MaxAgents     int     `yaml:"max_agents"`
		RoutingWeight float64 `yaml:"routing_weight"`
	} `yaml:"clusters"`
}

// loadConfig reads and parses the configuration file. A missing path
// yields an all-defaults config.
func loadConfig(path string) (*fileConfig, error) {
	cfg := &fileConfig{Listen: ":8080"}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	return cfg, nil
}

func (c *fileConfig) logConfig() log.Config {
	return log.Config{
		Level:   c.Log.Level,
		Console: !c.Log.JSON,
	}
}

func (c *fileConfig) registryConfig() registry.Config {
	cfg := registry.DefaultConfig()
	if c.Registry.HeartbeatWindow > 0 {
		cfg.HeartbeatWindow = c.Registry.HeartbeatWindow
	}
	return cfg
}

func (c *fileConfig) healthConfig() health.Config {
	cfg := health.DefaultConfig()
	if c.Health.Interval > 0 {
		cfg.Interval = c.Health.Interval
	}
	if c.Health.ProbeTimeout > 0 {
		cfg.ProbeTimeout = c.Health.ProbeTimeout
	}
	if c.Health.UnhealthyThreshold > 0 {
		cfg.UnhealthyThreshold = c.Health.UnhealthyThreshold
	}
	if c.Health.DegradedLatency > 0 {
		cfg.DegradedLatency = c.Health.DegradedLatency
	}
	if c.Health.HealthyLatency > 0 {
		cfg.HealthyLatency = c.Health.HealthyLatency
	}
	cfg.AutoRemoveAfter = c.Health.AutoRemoveAfter
	return cfg
}

func (c *fileConfig) breakerConfig() breaker.Config {
	cfg := breaker.DefaultConfig()
	if c.Breaker.FailureThreshold > 0 {
		cfg.FailureThreshold = c.Breaker.FailureThreshold
	}
	if c.Breaker.SuccessThreshold > 0 {
		cfg.SuccessThreshold = c.Breaker.SuccessThreshold
	}
	if c.Breaker.OpenTimeout > 0 {
		cfg.OpenTimeout = c.Breaker.OpenTimeout
	}
	if c.Breaker.MonitoringWindow > 0 {
		cfg.MonitoringWindow = c.Breaker.MonitoringWindow
	}
	if c.Breaker.AutoRecovery != nil {
		cfg.AutoRecovery = *c.Breaker.AutoRecovery
	}
	return cfg
}

func (c *fileConfig) balancerConfig() balancer.Config {
	cfg := balancer.DefaultConfig()
	if c.Balancer.Strategy != "" {
		cfg.Strategy = balancer.Strategy(c.Balancer.Strategy)
	}
	if c.Balancer.MaxFailoverAttempts > 0 {
		cfg.MaxFailoverAttempts = c.Balancer.MaxFailoverAttempts
	}
	return cfg
}

func (c *fileConfig) reconcilerConfig() reconciler.Config {
	cfg := reconciler.DefaultConfig()
	if c.Reconciler.Interval > 0 {
		cfg.Interval = c.Reconciler.Interval
	}
	if c.Reconciler.OfflineAfter > 0 {
		cfg.OfflineAfter = c.Reconciler.OfflineAfter
	}
	return cfg
}

func (c *fileConfig) clusterConfig() cluster.Config {
	cfg := cluster.DefaultConfig()
	if c.Cluster.HealthCheckInterval > 0 {
		cfg.HealthCheckInterval = c.Cluster.HealthCheckInterval
	}
	if c.Cluster.HealthCheckTimeout > 0 {
		cfg.HealthCheckTimeout = c.Cluster.HealthCheckTimeout
	}
	if c.Cluster.UnhealthyThreshold > 0 {
		cfg.UnhealthyThreshold = c.Cluster.UnhealthyThreshold
	}
	return cfg
}

func (c *fileConfig) migratorConfig() migrate.Config {
	cfg := migrate.DefaultConfig()
	if c.Migrator.MaxConcurrentMigrations > 0 {
		cfg.MaxConcurrentMigrations = c.Migrator.MaxConcurrentMigrations
	}
	return cfg
}

// seedClusters registers the statically configured peer clusters
func (c *fileConfig) seedClusters(clusters *cluster.Registry) error {
	for _, entry := range c.Clusters {
		role := types.ClusterRole(entry.Role)
		if role == "" {
			role = types.ClusterRoleSecondary
		}
		_, err := clusters.Register(cluster.RegisterRequest{
			ID:            types.ClusterID(entry.ID),
			Endpoint:      entry.Endpoint,
			Region:        entry.Region,
			Zone:          entry.Zone,
			Role:          role,
			MaxAgents:     entry.MaxAgents,
			RoutingWeight: entry.RoutingWeight,
		})
		if err != nil {
			return fmt.Errorf("failed to register cluster %q: %w", entry.ID, err)
		}
	}
	return nil
}
