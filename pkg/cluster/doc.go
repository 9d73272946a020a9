/*
Package cluster tracks the peer clusters of the federation.

The registry owns cluster records and their slot accounting: reservations
and releases keep currentAgents + availableSlots == maxAgents under
concurrent migrations. A background monitor probes each cluster's
GET /health endpoint; consecutive failures past the threshold mark the
cluster unhealthy, emitting cluster.failed exactly once per transition.

Migration target selection prefers the least-loaded healthy cluster in the
source's region with free slots, falling back to any region before
reporting ErrNoTargetCluster.
*/
package cluster
