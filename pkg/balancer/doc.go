/*
Package balancer selects agents for work and runs operations with
failover.

Selection filters a consistent snapshot of the registry's healthy agents
by the caller's criteria (skills, metadata capabilities, cost ceiling,
reliability floor, exclusions), drops agents the health checker classifies
unhealthy, drops agents with open circuit breakers, and applies the
configured strategy: least connections (default), round robin, weighted by
reliability and speed, uniform random, or first available.

An empty candidate set before the breaker filter fails with
ErrNoHealthyAgent; a set emptied by the breaker filter fails with
ErrAllBreakersOpen — the caller can tell "nothing matches" apart from
"everything matching is tripped".

Per-agent connection counts are atomic: incremented on selection, released
on RecordSuccess/RecordFailure. ExecuteWithFailover loops selection and
execution, excluding each failed agent, until the operation succeeds or
the attempt budget is spent, and then reports every attempt's error in one
FailoverError.

The balancer never stores agent state beyond those counters; it consults
the registry, health checker and breaker registry through read-only
interfaces wired at construction.
*/
package balancer
