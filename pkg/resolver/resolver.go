package resolver

import (
	"errors"
	"fmt"

	"github.com/musterhq/muster/pkg/dag"
	"github.com/musterhq/muster/pkg/log"
	"github.com/musterhq/muster/pkg/types"
	"github.com/rs/zerolog"
)

// Options tunes a resolution pass
type Options struct {
	// MaxLevels bounds the plan depth; zero means unlimited
	MaxLevels int
}

// ResolutionResult is the outcome of a full resolve pipeline. Validation
// problems are reported in Errors rather than raised.
type ResolutionResult struct {
	Plan   *types.ExecutionPlan `json:"plan,omitempty"`
	Valid  bool                 `json:"valid"`
	Errors []string             `json:"errors,omitempty"`
}

// Resolver builds a task dependency graph and derives a layered execution
// plan from it.
type Resolver struct {
	graph  *dag.Graph
	tasks  map[types.TaskID]types.Subtask
	logger zerolog.Logger
}

// New creates an empty resolver
func New() *Resolver {
	return &Resolver{
		graph:  dag.New(),
		tasks:  make(map[types.TaskID]types.Subtask),
		logger: log.WithComponent("resolver"),
	}
}

// BuildGraph inserts all tasks, then all dependency edges. A dependency id
// that names no task fails with ErrMissingDependency; a dependency cycle
// fails with the cycle path.
func (r *Resolver) BuildGraph(tasks []types.TaskWithDependencies) error {
	for _, t := range tasks {
		if err := r.graph.AddNode(string(t.ID), t.Task); err != nil {
			return fmt.Errorf("task %q: %w", t.ID, types.ErrDuplicateID)
		}
		r.tasks[t.ID] = t.Task
	}

	for _, t := range tasks {
		for dep := range t.Dependencies {
			if !r.graph.HasNode(string(dep)) {
				return fmt.Errorf("task %q depends on %q: %w", t.ID, dep, types.ErrMissingDependency)
			}
			if err := r.graph.AddEdge(string(dep), string(t.ID)); err != nil {
				return err
			}
		}
	}
	return nil
}

// AddTask inserts a single task into an existing graph. If its dependencies
// are missing or would close a cycle, the graph is rolled back to its prior
// state.
func (r *Resolver) AddTask(t types.TaskWithDependencies) error {
	if err := r.graph.AddNode(string(t.ID), t.Task); err != nil {
		return fmt.Errorf("task %q: %w", t.ID, types.ErrDuplicateID)
	}

	added := make([]types.TaskID, 0, len(t.Dependencies))
	rollback := func() {
		for _, dep := range added {
			r.graph.RemoveEdge(string(dep), string(t.ID))
		}
		r.graph.RemoveNode(string(t.ID))
	}

	for dep := range t.Dependencies {
		if !r.graph.HasNode(string(dep)) {
			rollback()
			return fmt.Errorf("task %q depends on %q: %w", t.ID, dep, types.ErrMissingDependency)
		}
		if err := r.graph.AddEdge(string(dep), string(t.ID)); err != nil {
			rollback()
			return err
		}
		added = append(added, dep)
	}

	r.tasks[t.ID] = t.Task
	return nil
}

// TaskCount returns the number of tasks in the graph
func (r *Resolver) TaskCount() int {
	return r.graph.Len()
}

// Dependencies returns the direct dependencies of a task
func (r *Resolver) Dependencies(id types.TaskID) []types.TaskID {
	return toTaskIDs(r.graph.Dependencies(string(id)))
}

// Dependents returns the direct dependents of a task
func (r *Resolver) Dependents(id types.TaskID) []types.TaskID {
	return toTaskIDs(r.graph.Dependents(string(id)))
}

// TransitiveDependents returns every task downstream of the given one
func (r *Resolver) TransitiveDependents(id types.TaskID) []types.TaskID {
	return toTaskIDs(r.graph.TransitiveDependents(string(id)))
}

// ExecutionPlan layers the graph into parallelisable levels with the
// critical path and the widest level width.
func (r *Resolver) ExecutionPlan() (*types.ExecutionPlan, error) {
	rawLevels, err := r.graph.Levels()
	if err != nil {
		return nil, err
	}

	plan := &types.ExecutionPlan{
		Levels: make([]types.ExecutionLevel, len(rawLevels)),
	}
	for i, ids := range rawLevels {
		level := types.ExecutionLevel{Level: i, Tasks: make([]types.Subtask, len(ids))}
		for j, id := range ids {
			level.Tasks[j] = r.tasks[types.TaskID(id)]
		}
		plan.Levels[i] = level
		if len(ids) > plan.EstimatedParallelism {
			plan.EstimatedParallelism = len(ids)
		}
	}
	plan.CriticalPath = toTaskIDs(r.graph.CriticalPath())
	return plan, nil
}

// ExecutionOrder flattens the plan into one dependency-respecting sequence
func (r *Resolver) ExecutionOrder() ([]types.TaskID, error) {
	order, err := r.graph.TopologicalSort()
	if err != nil {
		return nil, err
	}
	return toTaskIDs(order), nil
}

// Resolve runs the full pipeline over a task set: build, validate, plan.
// Structural problems surface as entries in the result, not as an error
// return.
func (r *Resolver) Resolve(tasks []types.TaskWithDependencies, opts Options) ResolutionResult {
	fresh := New()
	result := ResolutionResult{Valid: true}

	if err := fresh.BuildGraph(tasks); err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, err.Error())

		var cerr *types.CycleError
		if errors.As(err, &cerr) {
			r.logger.Warn().Strs("cycle", cerr.Path).Msg("Task graph contains a cycle")
		}
		return result
	}

	plan, err := fresh.ExecutionPlan()
	if err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, err.Error())
		return result
	}

	if opts.MaxLevels > 0 && len(plan.Levels) > opts.MaxLevels {
		result.Valid = false
		result.Errors = append(result.Errors,
			fmt.Sprintf("plan depth %d exceeds maximum of %d levels", len(plan.Levels), opts.MaxLevels))
	}

	result.Plan = plan
	return result
}

func toTaskIDs(ids []string) []types.TaskID {
	out := make([]types.TaskID, len(ids))
	for i, id := range ids {
		out[i] = types.TaskID(id)
	}
	return out
}
