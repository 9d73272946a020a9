/*
Package engine executes layered task plans across the agent pool.

The engine consumes an ExecutionPlan from the resolver and drives it one
level at a time:

	┌─────────────┐     ┌──────────────┐     ┌──────────────┐
	│  resolver   │────▶│    engine    │────▶│ TaskExecutor │
	│  (plan)     │     │  level loop  │     │  (injected)  │
	└─────────────┘     └──────┬───────┘     └──────────────┘
	                           │
	                    ┌──────▼───────┐
	                    │ AgentSelector │
	                    │  (balancer)   │
	                    └──────────────┘

Levels are strictly ordered: level k settles completely before level k+1
starts, and a level is never re-entered. Within a level, tasks run on a
bounded worker pool and are mutually unordered. Each task selects an agent
through the injected selector, executes through the injected executor, and
retries with linear-growth backoff on failure. When a task exhausts its
attempts, its transitive dependents are skipped; the rest of the plan
continues or aborts depending on ContinueOnFailure.

Cancellation observed between tasks marks the remaining tasks cancelled.
Cancellation during a task is the executor's responsibility: the engine
hands it the level context and records whatever outcome it reports.

The final Result accounts for every task in the plan: completed + failed +
cancelled + skipped always equals the task total.
*/
package engine
