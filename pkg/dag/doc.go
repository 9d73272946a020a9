/*
Package dag implements the labelled directed acyclic graph underlying
dependency resolution and execution planning.

The graph supports incremental construction with cycle rejection: an edge
that would close a cycle is refused, the graph is left untouched, and the
offending path is returned to the caller. Layering uses Kahn's algorithm,
so every node lands in the lowest level whose predecessors are all placed:

	level 0:  nodes with no dependencies
	level k:  nodes whose dependencies all sit in levels < k

All tie-breaking — traversal order, level membership order, critical-path
ties — is deterministic with respect to node insertion order, which keeps
plans reproducible across runs. The critical path (longest root-to-leaf
chain by node count) is memoised and recomputed lazily after mutations.
*/
package dag
