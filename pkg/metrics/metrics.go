package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry metrics
	AgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "muster_agents_total",
			Help: "Total number of registered agents by status",
		},
		[]string{"status"},
	)

	AgentRegistrationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "muster_agent_registrations_total",
			Help: "Total number of agent registrations",
		},
	)

	AgentHeartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "muster_agent_heartbeats_total",
			Help: "Total number of agent heartbeats received",
		},
	)

	// Health checker metrics
	HealthChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muster_health_checks_total",
			Help: "Total number of agent health probes by outcome",
		},
		[]string{"outcome"},
	)

	HealthCheckLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "muster_health_check_latency_seconds",
			Help:    "Agent health probe latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	AgentsAutoRemovedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "muster_agents_auto_removed_total",
			Help: "Total number of agents auto-removed after prolonged unhealthiness",
		},
	)

	// Circuit breaker metrics
	BreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muster_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions by target state",
		},
		[]string{"state"},
	)

	BreakersOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "muster_breakers_open",
			Help: "Number of circuit breakers currently open",
		},
	)

	// Load balancer metrics
	SelectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muster_selections_total",
			Help: "Total number of agent selections by strategy and outcome",
		},
		[]string{"strategy", "outcome"},
	)

	SelectionLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "muster_selection_latency_seconds",
			Help:    "Agent selection latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	FailoversTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "muster_failovers_total",
			Help: "Total number of failover attempts",
		},
	)

	// Execution engine metrics
	TasksExecutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muster_tasks_executed_total",
			Help: "Total number of tasks executed by final status",
		},
		[]string{"status"},
	)

	TaskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "muster_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	PlanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "muster_plan_duration_seconds",
			Help:    "Full plan execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	// Cluster metrics
	ClustersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "muster_clusters_total",
			Help: "Total number of peer clusters by health status",
		},
		[]string{"status"},
	)

	ClusterSlotsAvailable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "muster_cluster_slots_available",
			Help: "Available agent slots per cluster",
		},
		[]string{"cluster"},
	)

	// Migration metrics
	MigrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muster_migrations_total",
			Help: "Total number of migrations by final status",
		},
		[]string{"status"},
	)

	MigrationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "muster_migration_duration_seconds",
			Help:    "Migration duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	MigrationsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "muster_migrations_active",
			Help: "Number of migrations currently in flight",
		},
	)
)

func init() {
	prometheus.MustRegister(AgentsTotal)
	prometheus.MustRegister(AgentRegistrationsTotal)
	prometheus.MustRegister(AgentHeartbeatsTotal)
	prometheus.MustRegister(HealthChecksTotal)
	prometheus.MustRegister(HealthCheckLatency)
	prometheus.MustRegister(AgentsAutoRemovedTotal)
	prometheus.MustRegister(BreakerTransitionsTotal)
	prometheus.MustRegister(BreakersOpen)
	prometheus.MustRegister(SelectionsTotal)
	prometheus.MustRegister(SelectionLatency)
	prometheus.MustRegister(FailoversTotal)
	prometheus.MustRegister(TasksExecutedTotal)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(PlanDuration)
	prometheus.MustRegister(ClustersTotal)
	prometheus.MustRegister(ClusterSlotsAvailable)
	prometheus.MustRegister(MigrationsTotal)
	prometheus.MustRegister(MigrationDuration)
	prometheus.MustRegister(MigrationsActive)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
