/*
Package health probes registered agents and classifies them as healthy,
degraded, unhealthy or unknown.

Probing is pluggable through the Prober interface. The shipped HTTPProber
speaks the agent health contract: any 2xx from GET /health is healthy, a
2xx body carrying {"status":"degraded"} is degraded, and everything else
(including timeouts) is a failure. A TCPProber covers agents without an
HTTP surface.

Classification folds consecutive outcomes per agent: a run of failures
crossing the threshold marks the agent unhealthy (emitted exactly once,
with the registry driven to match); a fast successful probe after that
emits a single recovery. Agents stuck unhealthy past the auto-removal
grace period are unregistered.

Probes within a cycle run concurrently and independently; registering or
unregistering agents during a cycle is safe. Stop cancels in-flight probes
and is idempotent.
*/
package health
