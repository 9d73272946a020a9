/*
Package types defines the shared data model of the Muster control plane.

Three families of identifiers (AgentID, ClusterID, TaskID) key everything
else: agents with capabilities, load and heartbeat state; peer clusters with
health, load and slot accounting; and subtasks with dependency sets that the
resolver layers into execution plans.

Ownership rules:

  - The agent registry exclusively owns Agent records. All mutations go
    through it and each produces one event of its kind; a heartbeat that
    revives an agent also emits the status change.
  - The cluster registry exclusively owns Cluster records, including the
    CurrentAgents/AvailableSlots accounting used by the migrator.
  - The execution engine owns TaskResult records until a plan completes.

The package also carries the error taxonomy used across components: sentinel
errors for validation, topology, availability, timeout and upstream failures,
plus structured aggregates (CycleError, FailoverError, ExecutionError) that
carry their evidence and unwrap to the matching sentinel where one exists.
Callers branch with errors.Is / errors.As, never string comparison.
*/
package types
