package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/musterhq/muster/pkg/balancer"
	"github.com/musterhq/muster/pkg/breaker"
	"github.com/musterhq/muster/pkg/cluster"
	"github.com/musterhq/muster/pkg/events"
	"github.com/musterhq/muster/pkg/health"
	"github.com/musterhq/muster/pkg/log"
	"github.com/musterhq/muster/pkg/metrics"
	"github.com/musterhq/muster/pkg/migrate"
	"github.com/musterhq/muster/pkg/registry"
	"github.com/musterhq/muster/pkg/resolver"
	"github.com/musterhq/muster/pkg/types"
	"github.com/rs/zerolog"
)

// Server exposes the control plane over HTTP for operators and peer
// clusters
type Server struct {
	registry  *registry.Registry
	checker   *health.Checker
	breakers  *breaker.Registry
	balancer  *balancer.Balancer
	clusters  *cluster.Registry
	migrator  *migrate.Migrator
	bus       *events.Bus
	readiness *metrics.Readiness
	mux       *http.ServeMux
	logger    zerolog.Logger
}

// Deps bundles the components the server fronts
type Deps struct {
	Registry *registry.Registry
	Checker  *health.Checker
	Breakers *breaker.Registry
	Balancer *balancer.Balancer
	Clusters *cluster.Registry
	Migrator *migrate.Migrator
	Bus      *events.Bus

	// Readiness carries the caller's probe set; when nil the server
	// builds one covering the wired components
	Readiness *metrics.Readiness
}

// NewServer creates the admin API server
func NewServer(deps Deps) *Server {
	s := &Server{
		registry:  deps.Registry,
		checker:   deps.Checker,
		breakers:  deps.Breakers,
		balancer:  deps.Balancer,
		clusters:  deps.Clusters,
		migrator:  deps.Migrator,
		bus:       deps.Bus,
		readiness: deps.Readiness,
		mux:       http.NewServeMux(),
		logger:    log.WithComponent("api"),
	}
	if s.readiness == nil {
		s.readiness = metrics.NewReadiness()
		s.registerDefaultProbes()
	}
	s.routes()
	return s
}

// registerDefaultProbes covers the wired components with presence checks
func (s *Server) registerDefaultProbes() {
	s.readiness.Register("registry", func() (bool, string) {
		if s.registry == nil {
			return false, "not initialized"
		}
		return true, fmt.Sprintf("%d agents", s.registry.Stats().Total)
	})
	s.readiness.Register("clusters", func() (bool, string) {
		if s.clusters == nil {
			return false, "not initialized"
		}
		status := s.clusters.FederationStatus()
		return true, fmt.Sprintf("%d clusters", status.TotalClusters)
	})
	if s.breakers != nil {
		s.readiness.Register("breakers", func() (bool, string) {
			return true, fmt.Sprintf("%d open", s.breakers.OpenCount())
		})
	}
}

func (s *Server) routes() {
	s.mux.Handle("GET /health", s.readiness.AliveHandler())
	s.mux.Handle("GET /ready", s.readiness.ReadyHandler())
	s.mux.Handle("GET /metrics", metrics.Handler())

	s.mux.HandleFunc("POST /v1/agents", s.registerAgent)
	s.mux.HandleFunc("GET /v1/agents", s.listAgents)
	s.mux.HandleFunc("GET /v1/agents/stats", s.agentStats)
	s.mux.HandleFunc("POST /v1/agents/select", s.selectAgent)
	s.mux.HandleFunc("GET /v1/agents/{id}", s.getAgent)
	s.mux.HandleFunc("DELETE /v1/agents/{id}", s.unregisterAgent)
	s.mux.HandleFunc("POST /v1/agents/{id}/heartbeat", s.heartbeat)
	s.mux.HandleFunc("PUT /v1/agents/{id}/status", s.updateStatus)
	s.mux.HandleFunc("PUT /v1/agents/{id}/load", s.updateLoad)

	s.mux.HandleFunc("GET /v1/health/states", s.healthStates)
	s.mux.HandleFunc("GET /v1/breakers", s.breakerStates)

	s.mux.HandleFunc("POST /v1/clusters", s.registerCluster)
	s.mux.HandleFunc("GET /v1/clusters", s.listClusters)
	s.mux.HandleFunc("POST /v1/clusters/{id}/load", s.reportLoad)
	s.mux.HandleFunc("GET /v1/federation", s.federationStatus)

	s.mux.HandleFunc("POST /v1/plans/resolve", s.resolvePlan)

	s.mux.HandleFunc("POST /v1/migrations", s.startMigration)
	s.mux.HandleFunc("GET /v1/migrations", s.listMigrations)
	s.mux.HandleFunc("POST /v1/clusters/{id}/failover", s.failoverCluster)
}

// Start serves the API on addr, blocking until the listener fails
func (s *Server) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.withLogging(s.mux),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("API server listening")
	return server.ListenAndServe()
}

// GetHandler returns the HTTP handler for embedding in other servers
func (s *Server) GetHandler() http.Handler {
	return s.withLogging(s.mux)
}

// withLogging wraps the mux with request logging
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}

// agentPayload is the registration request body
type agentPayload struct {
	ID           string             `json:"id"`
	Runtime      string             `json:"runtime"`
	Endpoint     string             `json:"endpoint"`
	Capabilities types.Capabilities `json:"capabilities"`
	Metadata     map[string]any     `json:"metadata"`
}

func (s *Server) registerAgent(w http.ResponseWriter, r *http.Request) {
	var payload agentPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	agent, err := s.registry.Register(registry.RegisterRequest{
		ID:           types.AgentID(payload.ID),
		Runtime:      payload.Runtime,
		Endpoint:     payload.Endpoint,
		Capabilities: payload.Capabilities,
		Metadata:     payload.Metadata,
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) listAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.registry.Get(types.AgentID(r.PathValue("id")))
	if !ok {
		writeError(w, http.StatusNotFound, types.ErrAgentNotFound)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) unregisterAgent(w http.ResponseWriter, r *http.Request) {
	if !s.registry.Unregister(types.AgentID(r.PathValue("id"))) {
		writeError(w, http.StatusNotFound, types.ErrAgentNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Heartbeat(types.AgentID(r.PathValue("id"))); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) updateStatus(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Status types.AgentStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.registry.UpdateStatus(types.AgentID(r.PathValue("id")), payload.Status); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) updateLoad(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Load float64 `json:"load"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.registry.UpdateLoad(types.AgentID(r.PathValue("id")), payload.Load); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// selectionPayload is the selection criteria request body
type selectionPayload struct {
	RequiredSkills       []string `json:"required_skills"`
	RequiredCapabilities []string `json:"required_capabilities"`
	MaxCostPerHour       float64  `json:"max_cost_per_hour"`
	MinReliability       float64  `json:"min_reliability"`
	ExcludeAgents        []string `json:"exclude_agents"`
}

func (s *Server) selectAgent(w http.ResponseWriter, r *http.Request) {
	var payload selectionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	exclude := make([]types.AgentID, 0, len(payload.ExcludeAgents))
	for _, id := range payload.ExcludeAgents {
		exclude = append(exclude, types.AgentID(id))
	}

	agent, err := s.balancer.SelectAgent(balancer.Criteria{
		RequiredSkills:       payload.RequiredSkills,
		RequiredCapabilities: payload.RequiredCapabilities,
		MaxCostPerHour:       payload.MaxCostPerHour,
		MinReliability:       payload.MinReliability,
		ExcludeAgents:        exclude,
	})
	if err != nil {
		status := http.StatusConflict
		if errors.Is(err, types.ErrNoHealthyAgent) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) agentStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Stats())
}

func (s *Server) healthStates(w http.ResponseWriter, _ *http.Request) {
	if s.checker == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, s.checker.States())
}

func (s *Server) breakerStates(w http.ResponseWriter, _ *http.Request) {
	if s.breakers == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, s.breakers.Snapshots())
}

// clusterPayload is the cluster registration request body
type clusterPayload struct {
	ID            string                    `json:"id"`
	Endpoint      string                    `json:"endpoint"`
	Region        string                    `json:"region"`
	Zone          string                    `json:"zone"`
	Role          types.ClusterRole         `json:"role"`
	Capabilities  types.ClusterCapabilities `json:"capabilities"`
	MaxAgents     int                       `json:"max_agents"`
	RoutingWeight float64                   `json:"routing_weight"`
}

func (s *Server) registerCluster(w http.ResponseWriter, r *http.Request) {
	var payload clusterPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	c, err := s.clusters.Register(cluster.RegisterRequest{
		ID:            types.ClusterID(payload.ID),
		Endpoint:      payload.Endpoint,
		Region:        payload.Region,
		Zone:          payload.Zone,
		Role:          payload.Role,
		Capabilities:  payload.Capabilities,
		MaxAgents:     payload.MaxAgents,
		RoutingWeight: payload.RoutingWeight,
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) listClusters(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.clusters.List())
}

func (s *Server) reportLoad(w http.ResponseWriter, r *http.Request) {
	var payload types.ClusterLoad
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.clusters.ReportLoad(types.ClusterID(r.PathValue("id")), payload); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) federationStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.clusters.FederationStatus())
}

// planPayload is the task set submitted for resolution
type planPayload struct {
	MaxLevels int `json:"max_levels"`
	Tasks     []struct {
		ID             string   `json:"id"`
		Name           string   `json:"name"`
		Description    string   `json:"description"`
		RequiredSkills []string `json:"required_skills"`
		Priority       string   `json:"priority"`
		Dependencies   []string `json:"dependencies"`
	} `json:"tasks"`
}

func (s *Server) resolvePlan(w http.ResponseWriter, r *http.Request) {
	var payload planPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	tasks := make([]types.TaskWithDependencies, 0, len(payload.Tasks))
	for _, t := range payload.Tasks {
		priority := types.TaskPriority(t.Priority)
		if priority == "" {
			priority = types.PriorityMedium
		}
		deps := make([]types.TaskID, 0, len(t.Dependencies))
		for _, d := range t.Dependencies {
			deps = append(deps, types.TaskID(d))
		}
		tasks = append(tasks, types.TaskWithDependencies{
			ID: types.TaskID(t.ID),
			Task: types.Subtask{
				ID:             types.TaskID(t.ID),
				Name:           t.Name,
				Description:    t.Description,
				RequiredSkills: t.RequiredSkills,
				Priority:       priority,
			},
			Dependencies: types.DependsOn(deps...),
		})
	}

	result := resolver.New().Resolve(tasks, resolver.Options{MaxLevels: payload.MaxLevels})
	status := http.StatusOK
	if !result.Valid {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, result)
}

// migrationPayload is the migration request body
type migrationPayload struct {
	AgentID     string `json:"agent_id"`
	FromCluster string `json:"from_cluster"`
	ToCluster   string `json:"to_cluster"`
}

func (s *Server) startMigration(w http.ResponseWriter, r *http.Request) {
	var payload migrationPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	migration, err := s.migrator.MigrateAgent(r.Context(),
		types.AgentID(payload.AgentID),
		types.ClusterID(payload.FromCluster),
		types.ClusterID(payload.ToCluster),
		migrate.DefaultOptions())
	if err != nil {
		status := statusFor(err)
		if migration != nil {
			writeJSON(w, status, migration)
			return
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, migration)
}

func (s *Server) listMigrations(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.migrator.History())
}

func (s *Server) failoverCluster(w http.ResponseWriter, r *http.Request) {
	migrations, err := s.migrator.FailoverCluster(r.Context(), types.ClusterID(r.PathValue("id")))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, migrations)
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrAgentNotFound), errors.Is(err, types.ErrClusterNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrDuplicateID):
		return http.StatusConflict
	case errors.Is(err, types.ErrInvalidLoad):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrTargetFull),
		errors.Is(err, types.ErrMaxConcurrentMigrations),
		errors.Is(err, types.ErrSourceUnhealthy),
		errors.Is(err, types.ErrNoTargetCluster):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
