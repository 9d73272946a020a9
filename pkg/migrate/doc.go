/*
Package migrate moves live agents between federation clusters.

A migration walks a fixed step sequence, each step bounded by the
configured timeout and reflected in the migration status:

	pending ──▶ preparing ──▶ in_progress ──▶ transferring_state
	                                                │
	     completed ◀── (stop, cleanup) ◀── activating

	validate source ▶ reserve target slot ▶ export ▶ transfer ▶
	start on target ▶ verify (≤5 probes) ▶ stop source ▶ cleanup source

Export failure is soft by default: the migration continues stateless and
records StateTransferred=false. Set RequireState to turn it into a hard
stop. Any hard failure after the slot reservation triggers rollback when
enabled: the target slot is released, a half-started target copy is
stopped best-effort, the source copy is restarted best-effort, and the
migration lands in rolled_back. A rolled-back migration leaves both
clusters' agent counts at their pre-migration values.

Bulk moves fan out with bounded concurrency, and FailoverCluster drains a
failed cluster by force-migrating every hosted agent to the best target
the cluster registry can offer.
*/
package migrate
