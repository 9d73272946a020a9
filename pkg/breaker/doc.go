/*
Package breaker implements per-agent circuit breakers with windowed
failure counting.

Each breaker is a three-state machine:

	closed ──(failures in window ≥ threshold)──▶ open
	open ──(timeout elapsed, auto-recovery)──▶ half_open
	half_open ──(consecutive successes ≥ threshold)──▶ closed
	half_open ──(single failure)──▶ open

Failure and success timestamps outside the monitoring window are pruned
lazily on every record, so only recent history can trip the circuit. With
auto-recovery enabled the open→closed path always passes through
half_open; ForceOpen, ForceClose and Reset bypass the machine for manual
operation. The Registry owns one breaker per agent id and keeps the set in
lockstep with the registered agents via SyncWithAgentIDs.
*/
package breaker
