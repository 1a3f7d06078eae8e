// Package discovery implements Viable Step Discovery: given a task_uuid, it
// answers which of that task's steps are eligible to run right now, and
// exposes the aggregate counters the Task Coordinator and Finalizer use to
// decide what happens next. Callers never recompute these by walking steps
// themselves.
package discovery

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// StepState is the closed set of step states relevant to discovery. It
// mirrors the step state machine: Pending -> Enqueued -> InProgress ->
// EnqueuedForOrchestration | EnqueuedAsErrorForOrchestration -> Complete |
// Error | WaitingForRetry -> Enqueued, plus the manual terminals Cancelled
// and ResolvedManually.
type StepState string

const (
	StepPending                         StepState = "pending"
	StepEnqueued                        StepState = "enqueued"
	StepInProgress                      StepState = "in_progress"
	StepEnqueuedForOrchestration        StepState = "enqueued_for_orchestration"
	StepEnqueuedAsErrorForOrchestration StepState = "enqueued_as_error_for_orchestration"
	StepComplete                        StepState = "complete"
	StepError                           StepState = "error"
	StepWaitingForRetry                 StepState = "waiting_for_retry"
	StepCancelled                       StepState = "cancelled"
	StepResolvedManually                StepState = "resolved_manually"
)

// IsTerminal reports whether the step can never transition again.
func (s StepState) IsTerminal() bool {
	switch s {
	case StepComplete, StepError, StepCancelled, StepResolvedManually:
		return true
	}
	return false
}

// IsClaimed reports whether the step is already in flight, and so is
// ineligible for (re-)discovery even though it is not yet terminal.
func (s StepState) IsClaimed() bool {
	switch s {
	case StepEnqueued, StepInProgress, StepEnqueuedForOrchestration, StepEnqueuedAsErrorForOrchestration:
		return true
	}
	return false
}

// StepNode is one step's state as seen by discovery: the join of its
// workflow_step row with its named_step template metadata.
type StepNode struct {
	WorkflowStepUUID uuid.UUID
	Name             string
	HandlerCallable  string
	State            StepState
	BackoffUntil     *time.Time
	Results          json.RawMessage
}

// TaskGraph is the full snapshot of one task's steps and dependency edges,
// as Store.LoadTaskGraph returns it.
type TaskGraph struct {
	TaskUUID    uuid.UUID
	TaskContext json.RawMessage
	Nodes       []StepNode
	// Edges maps a step's uuid to the uuids of its direct predecessors.
	Edges map[uuid.UUID][]uuid.UUID
}

func (g *TaskGraph) node(id uuid.UUID) (StepNode, bool) {
	for _, n := range g.Nodes {
		if n.WorkflowStepUUID == id {
			return n, true
		}
	}
	return StepNode{}, false
}

// Store is the persistence boundary discovery needs: load the full graph
// for a task. The aggregate counters are derived from that graph here in
// Go, not by the store. It returns (nil, nil) for a task_uuid that
// does not exist, mirroring the "no execution context available" case the
// Finalizer must special-case.
type Store interface {
	LoadTaskGraph(ctx context.Context, taskUUID uuid.UUID) (*TaskGraph, error)
}

// StepInfo describes one viable step.
type StepInfo struct {
	WorkflowStepUUID      uuid.UUID
	Name                  string
	DependenciesSatisfied bool
}

// ExecutionStatus is the closed set of task-level execution statuses the
// Finalizer (spec §4.6) dispatches on.
type ExecutionStatus string

const (
	StatusAllComplete            ExecutionStatus = "all_complete"
	StatusHasReadySteps          ExecutionStatus = "has_ready_steps"
	StatusBlockedByFailures      ExecutionStatus = "blocked_by_failures"
	StatusWaitingForDependencies ExecutionStatus = "waiting_for_dependencies"
	StatusProcessing             ExecutionStatus = "processing"
)

// ExecutionContext is the task's aggregate view: the counters behind
// find_viable_steps, plus the derived execution status and completion
// percentage.
type ExecutionContext struct {
	TaskUUID             uuid.UUID
	TotalSteps           int
	PendingSteps         int
	InProgressSteps      int
	CompletedSteps       int
	FailedSteps          int
	ReadySteps           int
	ExecutionStatus      ExecutionStatus
	CompletionPercentage float64
}

// IsComplete reports whether every step in the task has reached Complete.
func (c *ExecutionContext) IsComplete() bool {
	return c.ExecutionStatus == StatusAllComplete
}

// HasFailures reports whether any step is in a terminal failure state.
func (c *ExecutionContext) HasFailures() bool {
	return c.FailedSteps > 0
}

// StepExecutionRequest is the self-contained payload a worker needs to run
// one step: its own handler metadata, the task's original context, and the
// results of its already-completed predecessors keyed by step name.
type StepExecutionRequest struct {
	TaskUUID         uuid.UUID
	WorkflowStepUUID uuid.UUID
	StepName         string
	HandlerCallable  string
	TaskContext      json.RawMessage
	PreviousResults  map[string]json.RawMessage
}

// Discovery implements spec.md §4.3 over a Store.
type Discovery struct {
	store Store
	now   func() time.Time
}

// New builds a Discovery backed by store.
func New(store Store) *Discovery {
	return &Discovery{store: store, now: time.Now}
}

// FindViableSteps returns the steps of taskUUID that are eligible to run
// right now: not terminal, not claimed, all predecessors complete, and past
// any backoff_until. Returns (nil, nil) if the task does not exist.
func (d *Discovery) FindViableSteps(ctx context.Context, taskUUID uuid.UUID) ([]StepInfo, error) {
	graph, err := d.store.LoadTaskGraph(ctx, taskUUID)
	if err != nil {
		return nil, err
	}
	if graph == nil {
		return nil, nil
	}
	return findViableSteps(graph, d.now()), nil
}

func findViableSteps(graph *TaskGraph, now time.Time) []StepInfo {
	var viable []StepInfo
	for _, n := range graph.Nodes {
		if !isClaimable(n, now) {
			continue
		}
		if !predecessorsComplete(graph, n.WorkflowStepUUID) {
			continue
		}
		viable = append(viable, StepInfo{
			WorkflowStepUUID:      n.WorkflowStepUUID,
			Name:                  n.Name,
			DependenciesSatisfied: true,
		})
	}
	return viable
}

// isClaimable reports whether n is in a state that could be claimed right
// now: Pending outright, or WaitingForRetry whose backoff has elapsed.
func isClaimable(n StepNode, now time.Time) bool {
	switch n.State {
	case StepPending:
		return true
	case StepWaitingForRetry:
		return n.BackoffUntil == nil || !now.Before(*n.BackoffUntil)
	default:
		return false
	}
}

func predecessorsComplete(graph *TaskGraph, stepUUID uuid.UUID) bool {
	for _, predID := range graph.Edges[stepUUID] {
		pred, ok := graph.node(predID)
		if !ok || pred.State != StepComplete {
			return false
		}
	}
	return true
}

// GetExecutionContext returns taskUUID's aggregate counters and derived
// execution status. Returns (nil, nil) if the task does not exist.
func (d *Discovery) GetExecutionContext(ctx context.Context, taskUUID uuid.UUID) (*ExecutionContext, error) {
	graph, err := d.store.LoadTaskGraph(ctx, taskUUID)
	if err != nil {
		return nil, err
	}
	if graph == nil {
		return nil, nil
	}
	return executionContext(graph, d.now()), nil
}

// GetTaskReadinessSummary is the same aggregate view under the name the
// fallback poller and Finalizer use when they only care about readiness,
// not the full dispatch table.
func (d *Discovery) GetTaskReadinessSummary(ctx context.Context, taskUUID uuid.UUID) (*ExecutionContext, error) {
	return d.GetExecutionContext(ctx, taskUUID)
}

func executionContext(graph *TaskGraph, now time.Time) *ExecutionContext {
	c := &ExecutionContext{TaskUUID: graph.TaskUUID, TotalSteps: len(graph.Nodes)}

	failed := make(map[uuid.UUID]bool, len(graph.Nodes))
	for _, n := range graph.Nodes {
		blockedByFailure(graph, n.WorkflowStepUUID, failed)
	}

	for _, n := range graph.Nodes {
		ready := isClaimable(n, now) && predecessorsComplete(graph, n.WorkflowStepUUID)
		switch {
		case n.State == StepComplete:
			c.CompletedSteps++
		case failed[n.WorkflowStepUUID]:
			c.FailedSteps++
		case ready:
			c.ReadySteps++
		case n.State == StepPending || n.State == StepWaitingForRetry:
			c.PendingSteps++
		default:
			c.InProgressSteps++
		}
	}

	if c.TotalSteps > 0 {
		c.CompletionPercentage = float64(c.CompletedSteps) / float64(c.TotalSteps) * 100
	}

	switch {
	case c.TotalSteps > 0 && c.CompletedSteps == c.TotalSteps:
		c.ExecutionStatus = StatusAllComplete
	case c.ReadySteps > 0:
		c.ExecutionStatus = StatusHasReadySteps
	case c.FailedSteps > 0 && c.PendingSteps == 0 && c.InProgressSteps == 0:
		c.ExecutionStatus = StatusBlockedByFailures
	case c.PendingSteps > 0:
		c.ExecutionStatus = StatusWaitingForDependencies
	default:
		c.ExecutionStatus = StatusProcessing
	}

	return c
}

// blockedByFailure reports whether stepUUID is itself in a terminal failure
// state, or depends transitively on a step that is. memo caches results
// across the recursion so a wide graph is only walked once per node.
func blockedByFailure(graph *TaskGraph, stepUUID uuid.UUID, memo map[uuid.UUID]bool) bool {
	if v, ok := memo[stepUUID]; ok {
		return v
	}
	memo[stepUUID] = false // break cycles defensively; the graph is acyclic by construction
	node, ok := graph.node(stepUUID)
	if ok && (node.State == StepError || node.State == StepCancelled || node.State == StepResolvedManually) {
		memo[stepUUID] = true
		return true
	}
	for _, predID := range graph.Edges[stepUUID] {
		if blockedByFailure(graph, predID, memo) {
			memo[stepUUID] = true
			return true
		}
	}
	return memo[stepUUID]
}

// GetDependencyLevels returns each step's topological depth: 0 for a step
// with no predecessors, otherwise one more than the deepest predecessor.
// This walks the edge set in Go rather than in SQL, since it is an
// analytics query rather than hot-path discovery. Returns (nil, nil) if the
// task does not exist.
func (d *Discovery) GetDependencyLevels(ctx context.Context, taskUUID uuid.UUID) (map[uuid.UUID]int, error) {
	graph, err := d.store.LoadTaskGraph(ctx, taskUUID)
	if err != nil {
		return nil, err
	}
	if graph == nil {
		return nil, nil
	}
	return dependencyLevels(graph), nil
}

func dependencyLevels(graph *TaskGraph) map[uuid.UUID]int {
	levels := make(map[uuid.UUID]int, len(graph.Nodes))
	var level func(id uuid.UUID) int
	level = func(id uuid.UUID) int {
		if lv, ok := levels[id]; ok {
			return lv
		}
		preds := graph.Edges[id]
		if len(preds) == 0 {
			levels[id] = 0
			return 0
		}
		max := -1
		for _, predID := range preds {
			if lv := level(predID); lv > max {
				max = lv
			}
		}
		levels[id] = max + 1
		return max + 1
	}
	for _, n := range graph.Nodes {
		level(n.WorkflowStepUUID)
	}
	return levels
}

// BuildStepExecutionRequests joins template metadata with each viable
// step's already-completed predecessor results, so the worker payload is
// self-contained. Returns (nil, nil) if the task does not exist.
func (d *Discovery) BuildStepExecutionRequests(ctx context.Context, taskUUID uuid.UUID, viable []StepInfo) ([]StepExecutionRequest, error) {
	graph, err := d.store.LoadTaskGraph(ctx, taskUUID)
	if err != nil {
		return nil, err
	}
	if graph == nil {
		return nil, nil
	}

	requests := make([]StepExecutionRequest, 0, len(viable))
	for _, info := range viable {
		node, ok := graph.node(info.WorkflowStepUUID)
		if !ok {
			continue
		}
		previous := make(map[string]json.RawMessage)
		for _, predID := range graph.Edges[info.WorkflowStepUUID] {
			pred, ok := graph.node(predID)
			if !ok || pred.State != StepComplete {
				continue
			}
			previous[pred.Name] = pred.Results
		}
		requests = append(requests, StepExecutionRequest{
			TaskUUID:         graph.TaskUUID,
			WorkflowStepUUID: node.WorkflowStepUUID,
			StepName:         node.Name,
			HandlerCallable:  node.HandlerCallable,
			TaskContext:      graph.TaskContext,
			PreviousResults:  previous,
		})
	}
	return requests, nil
}
