package resolver

import (
	"testing"

	"github.com/musterhq/muster/pkg/log"
	"github.com/musterhq/muster/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Disable()
}

func task(id types.TaskID, deps ...types.TaskID) types.TaskWithDependencies {
	return types.TaskWithDependencies{
		ID:           id,
		Task:         types.Subtask{ID: id, Name: string(id), Priority: types.PriorityMedium},
		Dependencies: types.DependsOn(deps...),
	}
}

func diamondTasks() []types.TaskWithDependencies {
	return []types.TaskWithDependencies{
		task("A"),
		task("B", "A"),
		task("C", "A"),
		task("D", "B", "C"),
	}
}

func TestBuildGraphAndPlan(t *testing.T) {
	r := New()
	require.NoError(t, r.BuildGraph(diamondTasks()))

	plan, err := r.ExecutionPlan()
	require.NoError(t, err)

	require.Len(t, plan.Levels, 3)
	assert.Equal(t, []types.Subtask{{ID: "A", Name: "A", Priority: types.PriorityMedium}}, plan.Levels[0].Tasks)
	assert.Len(t, plan.Levels[1].Tasks, 2)
	assert.Len(t, plan.Levels[2].Tasks, 1)
	assert.Equal(t, 2, plan.EstimatedParallelism)
	assert.Len(t, plan.CriticalPath, 3)
	assert.Equal(t, 4, plan.TotalTasks())
}

func TestBuildGraphMissingDependency(t *testing.T) {
	r := New()
	err := r.BuildGraph([]types.TaskWithDependencies{
		task("A"),
		task("B", "ghost"),
	})
	assert.ErrorIs(t, err, types.ErrMissingDependency)
}

func TestBuildGraphDuplicateTask(t *testing.T) {
	r := New()
	err := r.BuildGraph([]types.TaskWithDependencies{task("A"), task("A")})
	assert.ErrorIs(t, err, types.ErrDuplicateID)
}

func TestBuildGraphCycle(t *testing.T) {
	r := New()
	err := r.BuildGraph([]types.TaskWithDependencies{
		task("A", "C"),
		task("B", "A"),
		task("C", "B"),
	})
	assert.ErrorIs(t, err, types.ErrCycle)
}

func TestAddTaskRollsBackOnMissingDependency(t *testing.T) {
	r := New()
	require.NoError(t, r.BuildGraph([]types.TaskWithDependencies{
		task("A"),
		task("B", "A"),
	}))

	// B exists and "missing" does not; whichever edge is tried first, AddTask
	// must remove any edge it added and the new node, leaving the graph
	// untouched
	err := r.AddTask(types.TaskWithDependencies{
		ID:           "A2",
		Task:         types.Subtask{ID: "A2"},
		Dependencies: types.DependsOn("B", "missing"),
	})
	require.ErrorIs(t, err, types.ErrMissingDependency)
	assert.Equal(t, 2, r.TaskCount())

	order, err := r.ExecutionOrder()
	require.NoError(t, err)
	assert.Equal(t, []types.TaskID{"A", "B"}, order)
}

func TestAddTaskAppends(t *testing.T) {
	r := New()
	require.NoError(t, r.BuildGraph(diamondTasks()))
	require.NoError(t, r.AddTask(task("E", "D")))

	plan, err := r.ExecutionPlan()
	require.NoError(t, err)
	assert.Len(t, plan.Levels, 4)
	assert.Equal(t, []types.TaskID{"A", "B", "D", "E"}, plan.CriticalPath)
}

func TestExecutionOrderRoundTrip(t *testing.T) {
	tasks := diamondTasks()
	r := New()
	require.NoError(t, r.BuildGraph(tasks))

	order, err := r.ExecutionOrder()
	require.NoError(t, err)

	require.Len(t, order, len(tasks))
	seen := make(map[types.TaskID]bool)
	for _, id := range order {
		seen[id] = true
	}
	for _, tk := range tasks {
		assert.True(t, seen[tk.ID], "task %s missing from order", tk.ID)
	}
}

func TestDependentsQueries(t *testing.T) {
	r := New()
	require.NoError(t, r.BuildGraph(diamondTasks()))

	assert.Equal(t, []types.TaskID{"B", "C"}, r.Dependents("A"))
	assert.Equal(t, []types.TaskID{"A"}, r.Dependencies("B"))
	assert.Equal(t, []types.TaskID{"B", "C", "D"}, r.TransitiveDependents("A"))
}

func TestResolveValid(t *testing.T) {
	r := New()
	result := r.Resolve(diamondTasks(), Options{})

	assert.True(t, result.Valid)
	assert.Empty(t, result.Errors)
	require.NotNil(t, result.Plan)
	assert.Len(t, result.Plan.Levels, 3)
}

func TestResolveCycleReportedNotRaised(t *testing.T) {
	r := New()
	result := r.Resolve([]types.TaskWithDependencies{
		task("A", "B"),
		task("B", "A"),
	}, Options{})

	assert.False(t, result.Valid)
	require.NotEmpty(t, result.Errors)
	assert.Nil(t, result.Plan)
}

func TestResolveMaxLevelsExceeded(t *testing.T) {
	r := New()
	result := r.Resolve([]types.TaskWithDependencies{
		task("A"),
		task("B", "A"),
		task("C", "B"),
	}, Options{MaxLevels: 2})

	assert.False(t, result.Valid)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "exceeds maximum")
	// The plan is still returned so callers can inspect it
	assert.NotNil(t, result.Plan)
}

func TestResolveDoesNotMutateResolver(t *testing.T) {
	r := New()
	require.NoError(t, r.BuildGraph([]types.TaskWithDependencies{task("existing")}))

	_ = r.Resolve(diamondTasks(), Options{})
	assert.Equal(t, 1, r.TaskCount())
}
