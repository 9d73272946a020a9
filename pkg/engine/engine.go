package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/musterhq/muster/pkg/balancer"
	"github.com/musterhq/muster/pkg/events"
	"github.com/musterhq/muster/pkg/log"
	"github.com/musterhq/muster/pkg/metrics"
	"github.com/musterhq/muster/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// AgentSelector is the selection port the engine drives. The load balancer
// satisfies it.
type AgentSelector interface {
	SelectAgent(criteria balancer.Criteria) (*types.Agent, error)
	RecordSuccess(id types.AgentID)
	RecordFailure(id types.AgentID, err error)
}

// TaskExecutor runs a subtask on a concrete agent
type TaskExecutor interface {
	Execute(ctx context.Context, agentID types.AgentID, task types.Subtask) (any, error)
	Cancel(taskID types.TaskID) bool
}

// DependencyView resolves downstream tasks for skip propagation. The
// resolver satisfies it.
type DependencyView interface {
	TransitiveDependents(id types.TaskID) []types.TaskID
}

// Config holds execution engine configuration
type Config struct {
	// MaxConcurrency bounds how many tasks of one level run at once
	MaxConcurrency int

	// ContinueOnFailure keeps later levels running after a task failure;
	// dependents of the failed task are still skipped
	ContinueOnFailure bool

	// LevelTimeout bounds each level; zero means unbounded
	LevelTimeout time.Duration

	// TotalTimeout bounds the whole plan; zero means unbounded
	TotalTimeout time.Duration

	// RetryAttempts is the number of retries after the first attempt
	RetryAttempts int

	// RetryDelay is the base backoff; the delay grows linearly with the
	// attempt number
	RetryDelay time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 10,
		RetryAttempts:  2,
		RetryDelay:     time.Second,
	}
}

// Result is the final outcome of a plan execution
type Result struct {
	Results    map[types.TaskID]*types.TaskResult
	TotalTasks int
	Completed  int
	Failed     int
	Cancelled  int
	Skipped    int
	Errors     []error
	Duration   time.Duration
}

// Engine drives an execution plan level by level with bounded concurrency,
// retries and skip-on-dependency-failure.
//
// The engine owns all task results until the plan completes. Levels are
// strictly ordered: level k fully settles before level k+1 starts. A level
// is never re-entered.
type Engine struct {
	config   Config
	selector AgentSelector
	executor TaskExecutor
	bus      *events.Bus
	logger   zerolog.Logger
}

// New creates an execution engine over the injected ports
func New(config Config, selector AgentSelector, executor TaskExecutor, bus *events.Bus) *Engine {
	def := DefaultConfig()
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = def.MaxConcurrency
	}
	if config.RetryAttempts < 0 {
		config.RetryAttempts = 0
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = def.RetryDelay
	}
	return &Engine{
		config:   config,
		selector: selector,
		executor: executor,
		bus:      bus,
		logger:   log.WithComponent("engine"),
	}
}

// run tracks the mutable state of one Execute call
type run struct {
	mu      sync.Mutex
	results map[types.TaskID]*types.TaskResult
}

func (r *run) set(res *types.TaskResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[res.TaskID] = res
}

func (r *run) get(id types.TaskID) *types.TaskResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.results[id]
}

func (r *run) status(id types.TaskID) types.TaskStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if res, ok := r.results[id]; ok {
		return res.Status
	}
	return types.TaskStatusPending
}

func (r *run) completedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, res := range r.results {
		if res.Status == types.TaskStatusCompleted {
			count++
		}
	}
	return count
}

// Execute drives the plan to completion. The returned Result always
// accounts for every task; the error is an ExecutionError when the plan was
// aborted by task failure.
func (e *Engine) Execute(ctx context.Context, plan *types.ExecutionPlan, deps DependencyView) (*Result, error) {
	planTimer := metrics.NewTimer()
	start := time.Now()

	if e.config.TotalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, e.config.TotalTimeout, types.ErrExecutionTimeout)
		defer cancel()
	}

	state := &run{results: make(map[types.TaskID]*types.TaskResult)}
	total := 0
	for _, level := range plan.Levels {
		for _, task := range level.Tasks {
			state.set(&types.TaskResult{TaskID: task.ID, Status: types.TaskStatusPending})
			total++
		}
	}

	e.bus.Publish(&events.Event{
		Type: events.EventExecutionStarted,
		Data: map[string]any{"tasks": total, "levels": len(plan.Levels)},
	})

	var abortErr error
	cancelled := false

	for _, level := range plan.Levels {
		if err := ctx.Err(); err != nil {
			cancelled = true
			break
		}

		e.runLevel(ctx, level, state)

		failed := make([]types.TaskResult, 0)
		for _, task := range level.Tasks {
			if res := state.get(task.ID); res.Status == types.TaskStatusFailed {
				failed = append(failed, *res)
			}
		}
		e.bus.Publish(&events.Event{
			Type: events.EventProgressUpdated,
			Data: map[string]any{"completed": state.completedCount(), "total": total},
		})

		if len(failed) == 0 {
			continue
		}

		e.skipDependents(level.Tasks, failed, state, deps)

		if !e.config.ContinueOnFailure {
			abortErr = &types.ExecutionError{Level: level.Level, Failed: failed}
			break
		}
	}

	result := e.finalize(state, plan, total, cancelled, abortErr)
	result.Duration = time.Since(start)
	planTimer.ObserveDuration(metrics.PlanDuration)

	switch {
	case cancelled:
		e.bus.Publish(&events.Event{
			Type: events.EventExecutionCancelled,
			Data: map[string]any{"completed": result.Completed, "cancelled": result.Cancelled},
		})
	case abortErr != nil:
		e.bus.Publish(&events.Event{
			Type: events.EventExecutionFailed,
			Data: map[string]any{"failed": result.Failed},
		})
	default:
		e.bus.Publish(&events.Event{
			Type: events.EventExecutionCompleted,
			Data: map[string]any{"completed": result.Completed, "failed": result.Failed},
		})
	}

	return result, abortErr
}

// runLevel submits every runnable task of a level to a bounded pool and
// waits for the level to settle
func (e *Engine) runLevel(ctx context.Context, level types.ExecutionLevel, state *run) {
	levelCtx := ctx
	if e.config.LevelTimeout > 0 {
		var cancel context.CancelFunc
		levelCtx, cancel = context.WithTimeoutCause(ctx, e.config.LevelTimeout, types.ErrExecutionTimeout)
		defer cancel()
	}

	e.bus.Publish(&events.Event{
		Type: events.EventLevelStarted,
		Data: map[string]any{"level": level.Level, "tasks": len(level.Tasks)},
	})

	workers := len(level.Tasks)
	if workers > e.config.MaxConcurrency {
		workers = e.config.MaxConcurrency
	}

	g := new(errgroup.Group)
	g.SetLimit(workers)
	for _, task := range level.Tasks {
		if state.status(task.ID) == types.TaskStatusSkipped {
			continue
		}
		g.Go(func() error {
			// Cancellation observed between tasks marks the task without
			// running it
			if levelCtx.Err() != nil {
				e.markCancelled(task.ID, state)
				return nil
			}
			state.set(e.runTask(levelCtx, task))
			return nil
		})
	}
	_ = g.Wait()

	e.bus.Publish(&events.Event{
		Type: events.EventLevelCompleted,
		Data: map[string]any{"level": level.Level},
	})
}

// runTask executes one task with retry; the backoff between attempts
// scales with the attempt number
func (e *Engine) runTask(ctx context.Context, task types.Subtask) *types.TaskResult {
	result := &types.TaskResult{
		TaskID:    task.ID,
		Status:    types.TaskStatusRunning,
		StartedAt: time.Now(),
	}

	e.bus.Publish(&events.Event{
		Type:   events.EventTaskStarted,
		TaskID: string(task.ID),
	})

	taskTimer := metrics.NewTimer()
	criteria := balancer.Criteria{RequiredSkills: task.RequiredSkills}

	var lastErr error
	maxAttempts := e.config.RetryAttempts + 1
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			return e.cancelResult(result, taskTimer)
		}

		agent, err := e.selector.SelectAgent(criteria)
		if err != nil {
			lastErr = err
		} else {
			value, execErr := e.executor.Execute(ctx, agent.ID, task)
			if execErr == nil {
				e.selector.RecordSuccess(agent.ID)
				result.Status = types.TaskStatusCompleted
				result.Result = unwrapResult(value)
				result.AgentID = agent.ID
				result.CompletedAt = time.Now()

				taskTimer.ObserveDuration(metrics.TaskDuration)
				metrics.TasksExecutedTotal.WithLabelValues(string(types.TaskStatusCompleted)).Inc()
				e.bus.Publish(&events.Event{
					Type:    events.EventTaskCompleted,
					TaskID:  string(task.ID),
					AgentID: string(agent.ID),
				})
				return result
			}

			e.selector.RecordFailure(agent.ID, execErr)
			result.AgentID = agent.ID
			lastErr = execErr
		}

		if attempt < maxAttempts {
			e.bus.Publish(&events.Event{
				Type:    events.EventTaskRetry,
				TaskID:  string(task.ID),
				Message: lastErr.Error(),
				Data:    map[string]any{"attempt": attempt},
			})
			// Backoff grows with the attempt number
			select {
			case <-time.After(e.config.RetryDelay * time.Duration(attempt)):
			case <-ctx.Done():
				return e.cancelResult(result, taskTimer)
			}
		}
	}

	result.Status = types.TaskStatusFailed
	result.Err = lastErr.Error()
	result.CompletedAt = time.Now()

	taskTimer.ObserveDuration(metrics.TaskDuration)
	metrics.TasksExecutedTotal.WithLabelValues(string(types.TaskStatusFailed)).Inc()
	e.logger.Warn().
		Str("task_id", string(task.ID)).
		Int("attempts", result.Attempts).
		Err(lastErr).
		Msg("Task failed after all attempts")
	e.bus.Publish(&events.Event{
		Type:    events.EventTaskFailed,
		TaskID:  string(task.ID),
		Message: lastErr.Error(),
	})
	return result
}

// cancelResult finalizes a task interrupted by cancellation
func (e *Engine) cancelResult(result *types.TaskResult, timer *metrics.Timer) *types.TaskResult {
	result.Status = types.TaskStatusCancelled
	result.CompletedAt = time.Now()
	timer.ObserveDuration(metrics.TaskDuration)
	metrics.TasksExecutedTotal.WithLabelValues(string(types.TaskStatusCancelled)).Inc()
	e.bus.Publish(&events.Event{
		Type:   events.EventTaskCancelled,
		TaskID: string(result.TaskID),
	})
	return result
}

// markCancelled records a task that never ran because the plan was
// cancelled
func (e *Engine) markCancelled(id types.TaskID, state *run) {
	state.set(&types.TaskResult{
		TaskID:      id,
		Status:      types.TaskStatusCancelled,
		CompletedAt: time.Now(),
		Attempts:    0,
	})
	metrics.TasksExecutedTotal.WithLabelValues(string(types.TaskStatusCancelled)).Inc()
	e.bus.Publish(&events.Event{Type: events.EventTaskCancelled, TaskID: string(id)})
}

// skipDependents marks every transitive dependent of the failed tasks as
// skipped
func (e *Engine) skipDependents(levelTasks []types.Subtask, failed []types.TaskResult, state *run, deps DependencyView) {
	if deps == nil {
		return
	}

	toSkip := make(map[types.TaskID]struct{})
	failedIDs := make([]string, 0, len(failed))
	for _, f := range failed {
		failedIDs = append(failedIDs, string(f.TaskID))
		for _, dep := range deps.TransitiveDependents(f.TaskID) {
			toSkip[dep] = struct{}{}
		}
	}
	if len(toSkip) == 0 {
		return
	}

	skipIDs := make([]string, 0, len(toSkip))
	for id := range toSkip {
		if state.status(id) != types.TaskStatusPending {
			continue
		}
		skipIDs = append(skipIDs, string(id))
		state.set(&types.TaskResult{TaskID: id, Status: types.TaskStatusSkipped})
		metrics.TasksExecutedTotal.WithLabelValues(string(types.TaskStatusSkipped)).Inc()
		e.bus.Publish(&events.Event{Type: events.EventTaskSkipped, TaskID: string(id)})
	}

	e.bus.Publish(&events.Event{
		Type: events.EventTasksShouldSkip,
		Data: map[string]any{"failed": failedIDs, "skipped": skipIDs},
	})
}

// finalize settles every remaining pending task and computes the counts
func (e *Engine) finalize(state *run, plan *types.ExecutionPlan, total int, cancelled bool, abortErr error) *Result {
	result := &Result{
		Results:    make(map[types.TaskID]*types.TaskResult, total),
		TotalTasks: total,
	}

	for _, level := range plan.Levels {
		for _, task := range level.Tasks {
			res := state.get(task.ID)
			if res.Status == types.TaskStatusPending || res.Status == types.TaskStatusRunning {
				// Unreached tasks of an aborted or cancelled plan
				status := types.TaskStatusCancelled
				if abortErr != nil && !cancelled {
					status = types.TaskStatusSkipped
				}
				res = &types.TaskResult{TaskID: task.ID, Status: status}
				state.set(res)
				metrics.TasksExecutedTotal.WithLabelValues(string(status)).Inc()
				if status == types.TaskStatusSkipped {
					e.bus.Publish(&events.Event{Type: events.EventTaskSkipped, TaskID: string(task.ID)})
				} else {
					e.bus.Publish(&events.Event{Type: events.EventTaskCancelled, TaskID: string(task.ID)})
				}
			}

			result.Results[task.ID] = res
			switch res.Status {
			case types.TaskStatusCompleted:
				result.Completed++
			case types.TaskStatusFailed:
				result.Failed++
				result.Errors = append(result.Errors, fmt.Errorf("task %s: %s", res.TaskID, res.Err))
			case types.TaskStatusCancelled:
				result.Cancelled++
			case types.TaskStatusSkipped:
				result.Skipped++
			}
		}
	}
	return result
}

// unwrapResult unpacks executor return values shaped {"result": inner}
func unwrapResult(value any) any {
	if m, ok := value.(map[string]any); ok && len(m) == 1 {
		if inner, exists := m["result"]; exists {
			return inner
		}
	}
	return value
}
