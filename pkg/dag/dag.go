package dag

import (
	"fmt"
	"sort"
	"sync"

	"github.com/musterhq/muster/pkg/types"
)

// Graph is a labelled directed acyclic graph keyed by string ids.
//
// All operations are safe for concurrent use. Tie-breaking in traversal,
// layering and critical-path computation is deterministic with respect to
// node insertion order.
type Graph struct {
	mu       sync.RWMutex
	nodes    map[string]any
	inserted map[string]int // id -> insertion sequence, for deterministic iteration
	seq      int
	out      map[string]map[string]struct{} // from -> set of to
	in       map[string]map[string]struct{} // to -> set of from

	// criticalPath is memoised until the next structural mutation
	criticalPath []string
	pathDirty    bool
}

// New creates an empty graph
func New() *Graph {
	return &Graph{
		nodes:     make(map[string]any),
		inserted:  make(map[string]int),
		out:       make(map[string]map[string]struct{}),
		in:        make(map[string]map[string]struct{}),
		pathDirty: true,
	}
}

// Len returns the number of nodes
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// NodeIDs returns all node ids in insertion order
func (g *Graph) NodeIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.orderedIDs()
}

// Data returns the payload stored for id
func (g *Graph) Data(id string) (any, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	data, ok := g.nodes[id]
	return data, ok
}

// HasNode reports whether id exists in the graph
func (g *Graph) HasNode(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[id]
	return ok
}

// AddNode inserts a node with an opaque payload
func (g *Graph) AddNode(id string, data any) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.nodes[id]; exists {
		return fmt.Errorf("node %q: %w", id, types.ErrDuplicateID)
	}
	g.nodes[id] = data
	g.inserted[id] = g.seq
	g.seq++
	g.out[id] = make(map[string]struct{})
	g.in[id] = make(map[string]struct{})
	g.pathDirty = true
	return nil
}

// AddEdge inserts a directed edge from -> to. Both nodes must exist. An edge
// that would close a cycle is rejected, the graph is left unchanged, and the
// returned error carries the cycle path.
func (g *Graph) AddEdge(from, to string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[from]; !ok {
		return fmt.Errorf("edge source %q: %w", from, types.ErrMissingNode)
	}
	if _, ok := g.nodes[to]; !ok {
		return fmt.Errorf("edge target %q: %w", to, types.ErrMissingNode)
	}

	g.out[from][to] = struct{}{}
	g.in[to][from] = struct{}{}

	if cycle := g.findCycle(); cycle != nil {
		delete(g.out[from], to)
		delete(g.in[to], from)
		return &types.CycleError{Path: cycle}
	}

	g.pathDirty = true
	return nil
}

// RemoveEdge deletes the edge from -> to, reporting whether it existed
func (g *Graph) RemoveEdge(from, to string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	set, ok := g.out[from]
	if !ok {
		return false
	}
	if _, ok := set[to]; !ok {
		return false
	}
	delete(set, to)
	delete(g.in[to], from)
	g.pathDirty = true
	return true
}

// RemoveNode deletes a node and all edges touching it, reporting whether it
// existed
func (g *Graph) RemoveNode(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[id]; !ok {
		return false
	}
	for to := range g.out[id] {
		delete(g.in[to], id)
	}
	for from := range g.in[id] {
		delete(g.out[from], id)
	}
	delete(g.out, id)
	delete(g.in, id)
	delete(g.nodes, id)
	delete(g.inserted, id)
	g.pathDirty = true
	return true
}

// Dependencies returns the direct predecessors of id in insertion order
func (g *Graph) Dependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.orderedSet(g.in[id])
}

// Dependents returns the direct successors of id in insertion order
func (g *Graph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.orderedSet(g.out[id])
}

// TransitiveDependencies returns every node reachable from id against edge
// direction
func (g *Graph) TransitiveDependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.reachable(id, g.in)
}

// TransitiveDependents returns every node reachable from id along edge
// direction
func (g *Graph) TransitiveDependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.reachable(id, g.out)
}

// HasCycle reports whether the graph currently contains a cycle
func (g *Graph) HasCycle() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.findCycle() != nil
}

// DetectCycle returns the first cycle as a closed id path (the last element
// repeats the first), or nil if the graph is acyclic. The first cycle is
// determined by insertion order.
func (g *Graph) DetectCycle() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.findCycle()
}

// TopologicalSort returns a linear ordering in which every edge points
// forward. Fails if the graph has a cycle.
func (g *Graph) TopologicalSort() ([]string, error) {
	levels, err := g.Levels()
	if err != nil {
		return nil, err
	}
	order := make([]string, 0, g.Len())
	for _, lvl := range levels {
		order = append(order, lvl...)
	}
	return order, nil
}

// Levels layers the graph with Kahn's algorithm: level 0 holds nodes with no
// dependencies, level k+1 holds nodes whose dependencies all sit in levels
// <= k. Fails if the graph has a cycle.
func (g *Graph) Levels() ([][]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if cycle := g.findCycle(); cycle != nil {
		return nil, &types.CycleError{Path: cycle}
	}

	indegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		indegree[id] = len(g.in[id])
	}

	frontier := make([]string, 0)
	for _, id := range g.orderedIDs() {
		if indegree[id] == 0 {
			frontier = append(frontier, id)
		}
	}

	var levels [][]string
	for len(frontier) > 0 {
		levels = append(levels, frontier)

		next := make([]string, 0)
		for _, id := range frontier {
			for _, dep := range g.orderedSet(g.out[id]) {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		sort.Slice(next, func(i, j int) bool {
			return g.inserted[next[i]] < g.inserted[next[j]]
		})
		frontier = next
	}

	return levels, nil
}

// CriticalPath returns the longest root-to-leaf path by node count, memoised
// until the next structural mutation. Ties break by insertion order. Returns
// nil when the graph is empty or cyclic.
func (g *Graph) CriticalPath() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.pathDirty {
		return append([]string(nil), g.criticalPath...)
	}
	if len(g.nodes) == 0 || g.findCycle() != nil {
		g.criticalPath = nil
		g.pathDirty = false
		return nil
	}

	// depth[id] = longest path length starting at id, next[id] = successor
	// on that path
	depth := make(map[string]int, len(g.nodes))
	next := make(map[string]string, len(g.nodes))

	var walk func(id string) int
	walk = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		best := 1
		bestNext := ""
		for _, succ := range g.orderedSet(g.out[id]) {
			if d := walk(succ) + 1; d > best {
				best = d
				bestNext = succ
			}
		}
		depth[id] = best
		next[id] = bestNext
		return best
	}

	start := ""
	startDepth := 0
	for _, id := range g.orderedIDs() {
		if len(g.in[id]) != 0 {
			continue
		}
		if d := walk(id); d > startDepth {
			startDepth = d
			start = id
		}
	}

	path := make([]string, 0, startDepth)
	for id := start; id != ""; id = next[id] {
		path = append(path, id)
	}

	g.criticalPath = path
	g.pathDirty = false
	return append([]string(nil), path...)
}

// Clone returns a deep structural copy. Node payloads are shared, not copied.
func (g *Graph) Clone() *Graph {
	g.mu.RLock()
	defer g.mu.RUnlock()

	cp := New()
	cp.seq = g.seq
	for id, data := range g.nodes {
		cp.nodes[id] = data
		cp.inserted[id] = g.inserted[id]
		cp.out[id] = make(map[string]struct{}, len(g.out[id]))
		cp.in[id] = make(map[string]struct{}, len(g.in[id]))
	}
	for from, set := range g.out {
		for to := range set {
			cp.out[from][to] = struct{}{}
			cp.in[to][from] = struct{}{}
		}
	}
	return cp
}

// orderedIDs returns all ids sorted by insertion sequence. Callers must hold
// at least a read lock.
func (g *Graph) orderedIDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return g.inserted[ids[i]] < g.inserted[ids[j]]
	})
	return ids
}

// orderedSet returns the members of set sorted by insertion sequence
func (g *Graph) orderedSet(set map[string]struct{}) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return g.inserted[ids[i]] < g.inserted[ids[j]]
	})
	return ids
}

// reachable collects every node reachable from id through adj, in insertion
// order
func (g *Graph) reachable(id string, adj map[string]map[string]struct{}) []string {
	if _, ok := g.nodes[id]; !ok {
		return nil
	}
	seen := make(map[string]struct{})
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for nbr := range adj[cur] {
			if _, ok := seen[nbr]; !ok {
				seen[nbr] = struct{}{}
				stack = append(stack, nbr)
			}
		}
	}
	return g.orderedSet(seen)
}

// findCycle runs a three-colour depth-first search and returns the first
// cycle as a closed path, or nil. Callers must hold at least a read lock.
func (g *Graph) findCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	state := make(map[string]int, len(g.nodes))
	path := make([]string, 0, len(g.nodes))

	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = gray
		path = append(path, id)

		for _, nbr := range g.orderedSet(g.out[id]) {
			switch state[nbr] {
			case white:
				if cycle := visit(nbr); cycle != nil {
					return cycle
				}
			case gray:
				// Back edge: close the cycle from nbr's position in the path
				idx := 0
				for i, v := range path {
					if v == nbr {
						idx = i
						break
					}
				}
				cycle := append([]string(nil), path[idx:]...)
				return append(cycle, nbr)
			}
		}

		path = path[:len(path)-1]
		state[id] = black
		return nil
	}

	for _, id := range g.orderedIDs() {
		if state[id] == white {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
