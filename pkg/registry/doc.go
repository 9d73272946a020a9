/*
Package registry holds the authoritative set of agents in this cluster.

Every agent mutation flows through the registry and emits exactly one
event of the corresponding kind; status transitions between distinct
values emit exactly one status_changed event each. Accessors return
copies, never the live records, so a snapshot taken by one reader is
immune to concurrent mutation.

Healthy means a heartbeat within the configured window and a status other
than unhealthy or offline; available additionally requires idle. A
heartbeat from an unhealthy or offline agent revives it to idle.
*/
package registry
