/*
Package events provides the in-process event bus shared by all control
plane components.

Two delivery modes coexist on one Bus:

  - Handlers registered with On/OnAny run synchronously inside Publish,
    before the mutating caller returns. This preserves per-entity event
    ordering; handlers must not block and must not call back into the
    publishing component.
  - Channel subscribers from Subscribe receive events asynchronously on a
    buffered channel. Delivery is best effort: a subscriber whose buffer
    is full misses the event rather than stalling the publisher.

Event type constants are grouped by emitting component (registry, health,
breaker, balancer, execution, cluster, migration).
*/
package events
