/*
Package metrics defines the Prometheus collectors for the control plane
and small helpers around them.

Collectors are package-level and registered in init; components record
into them directly. The Timer helper measures operation latency into a
histogram.

The package also provides Readiness, a pull-based aggregator: components
register cheap probes at wiring time and the /ready endpoint served by
the API reports the aggregated outcome on every request; /health is a bare
liveness signal that answers 200 regardless of the probes.
*/
package metrics
