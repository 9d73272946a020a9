/*
Package api exposes the control plane over HTTP.

The server fronts the agent registry, health checker, breaker registry,
load balancer, cluster registry and migrator with a JSON API:

	POST   /v1/agents                  register an agent
	GET    /v1/agents                  list agents
	GET    /v1/agents/stats            pool statistics
	POST   /v1/agents/select           pick an agent by criteria
	POST   /v1/agents/{id}/heartbeat   refresh heartbeat
	PUT    /v1/agents/{id}/status      transition status
	PUT    /v1/agents/{id}/load        report load
	GET    /v1/health/states           health classifications
	GET    /v1/breakers                breaker snapshots
	POST   /v1/clusters                register a peer cluster
	POST   /v1/clusters/{id}/load      ingest a load report
	GET    /v1/federation              region-grouped federation view
	POST   /v1/plans/resolve           layer a task set into a plan
	POST   /v1/migrations              migrate an agent
	POST   /v1/clusters/{id}/failover  drain a failed cluster

/health and /ready serve liveness and readiness; /metrics serves the
Prometheus registry. Domain errors map to HTTP statuses (duplicate → 409,
not found → 404, invalid input → 400, capacity/availability → 409).
*/
package api
