// Package reconciler sweeps the agent registry for stale heartbeats and
// drives the affected agents to offline. It complements the health
// checker: the checker needs a probeable endpoint, the reconciler only
// needs heartbeat age.
package reconciler
