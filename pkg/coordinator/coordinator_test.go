package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/jordigilh/kubernaut/pkg/discovery"
	"github.com/jordigilh/kubernaut/pkg/taskmodel"
)

type transitionCall struct {
	taskUUID uuid.UUID
	from, to TaskState
}

type fakeStore struct {
	states      map[uuid.UUID]TaskState
	transitions []transitionCall
	loseRace    map[uuid.UUID]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{states: map[uuid.UUID]TaskState{}, loseRace: map[uuid.UUID]bool{}}
}

func (s *fakeStore) LoadTaskState(ctx context.Context, taskUUID uuid.UUID) (TaskState, error) {
	state, ok := s.states[taskUUID]
	if !ok {
		return "", errors.New("task not found")
	}
	return state, nil
}

func (s *fakeStore) TransitionTask(ctx context.Context, taskUUID uuid.UUID, from, to TaskState, processorUUID uuid.UUID, metadata json.RawMessage) (bool, error) {
	s.transitions = append(s.transitions, transitionCall{taskUUID: taskUUID, from: from, to: to})
	if s.loseRace[taskUUID] {
		return false, nil
	}
	s.states[taskUUID] = to
	return true, nil
}

type fakeDiscoveryStore struct {
	graph *discovery.TaskGraph
}

func (s *fakeDiscoveryStore) LoadTaskGraph(ctx context.Context, taskUUID uuid.UUID) (*discovery.TaskGraph, error) {
	if s.graph == nil {
		return nil, nil
	}
	return s.graph, nil
}

type fakeEnqueuer struct {
	calls int
	count int
	err   error
}

func (e *fakeEnqueuer) EnqueueReadySteps(ctx context.Context, taskUUID uuid.UUID) (int, error) {
	e.calls++
	return e.count, e.err
}

type fakeDLQ struct {
	calls []uuid.UUID
}

func (d *fakeDLQ) RecordBlockedTask(ctx context.Context, taskUUID uuid.UUID, reason taskmodel.DLQReason) error {
	d.calls = append(d.calls, taskUUID)
	return nil
}

func allCompleteGraph(taskUUID uuid.UUID) *discovery.TaskGraph {
	stepID := uuid.New()
	return &discovery.TaskGraph{
		TaskUUID: taskUUID,
		Nodes: []discovery.StepNode{
			{WorkflowStepUUID: stepID, Name: "only_step", State: discovery.StepComplete},
		},
		Edges: map[uuid.UUID][]uuid.UUID{},
	}
}

func readyStepsGraph(taskUUID uuid.UUID) *discovery.TaskGraph {
	a, b := uuid.New(), uuid.New()
	return &discovery.TaskGraph{
		TaskUUID: taskUUID,
		Nodes: []discovery.StepNode{
			{WorkflowStepUUID: a, Name: "step_a", State: discovery.StepComplete},
			{WorkflowStepUUID: b, Name: "step_b", State: discovery.StepPending},
		},
		Edges: map[uuid.UUID][]uuid.UUID{b: {a}},
	}
}

func blockedGraph(taskUUID uuid.UUID) *discovery.TaskGraph {
	a, b := uuid.New(), uuid.New()
	return &discovery.TaskGraph{
		TaskUUID: taskUUID,
		Nodes: []discovery.StepNode{
			{WorkflowStepUUID: a, Name: "step_a", State: discovery.StepError},
			{WorkflowStepUUID: b, Name: "step_b", State: discovery.StepPending},
		},
		Edges: map[uuid.UUID][]uuid.UUID{b: {a}},
	}
}

func TestCoordinateFinalization_StepsInProcessAllCompleteTransitionsToComplete(t *testing.T) {
	store := newFakeStore()
	taskUUID := uuid.New()
	store.states[taskUUID] = TaskStepsInProcess
	disc := discovery.New(&fakeDiscoveryStore{graph: allCompleteGraph(taskUUID)})

	c := New(store, disc, &fakeEnqueuer{}, nil, uuid.New(), nil)
	if err := c.CoordinateFinalization(context.Background(), taskUUID); err != nil {
		t.Fatalf("CoordinateFinalization: %v", err)
	}
	if store.states[taskUUID] != TaskComplete {
		t.Fatalf("expected task complete, got %s", store.states[taskUUID])
	}
}

func TestCoordinateFinalization_HasReadyStepsReenqueues(t *testing.T) {
	store := newFakeStore()
	taskUUID := uuid.New()
	store.states[taskUUID] = TaskStepsInProcess
	disc := discovery.New(&fakeDiscoveryStore{graph: readyStepsGraph(taskUUID)})
	enq := &fakeEnqueuer{count: 1}

	c := New(store, disc, enq, nil, uuid.New(), nil)
	if err := c.CoordinateFinalization(context.Background(), taskUUID); err != nil {
		t.Fatalf("CoordinateFinalization: %v", err)
	}
	if enq.calls != 1 {
		t.Fatalf("expected enqueuer called once, got %d", enq.calls)
	}
	if store.states[taskUUID] != TaskEnqueuingSteps {
		t.Fatalf("expected task in enqueuing_steps, got %s", store.states[taskUUID])
	}
}

func TestCoordinateFinalization_BlockedByFailuresErrorsAndRecordsDLQ(t *testing.T) {
	store := newFakeStore()
	taskUUID := uuid.New()
	store.states[taskUUID] = TaskEvaluatingResults
	disc := discovery.New(&fakeDiscoveryStore{graph: blockedGraph(taskUUID)})
	dlq := &fakeDLQ{}

	c := New(store, disc, &fakeEnqueuer{}, dlq, uuid.New(), nil)
	if err := c.CoordinateFinalization(context.Background(), taskUUID); err != nil {
		t.Fatalf("CoordinateFinalization: %v", err)
	}
	if store.states[taskUUID] != TaskError {
		t.Fatalf("expected task error, got %s", store.states[taskUUID])
	}
	if len(dlq.calls) != 1 || dlq.calls[0] != taskUUID {
		t.Fatalf("expected DLQ recorded once, got %+v", dlq.calls)
	}
}

func TestCoordinateFinalization_TerminalStateIsNoOp(t *testing.T) {
	store := newFakeStore()
	taskUUID := uuid.New()
	store.states[taskUUID] = TaskComplete
	disc := discovery.New(&fakeDiscoveryStore{})

	c := New(store, disc, &fakeEnqueuer{}, nil, uuid.New(), nil)
	if err := c.CoordinateFinalization(context.Background(), taskUUID); err != nil {
		t.Fatalf("CoordinateFinalization: %v", err)
	}
	if len(store.transitions) != 0 {
		t.Fatalf("expected no transitions for terminal state, got %+v", store.transitions)
	}
}

func TestCoordinateFinalization_PendingIsUnexpectedState(t *testing.T) {
	store := newFakeStore()
	taskUUID := uuid.New()
	store.states[taskUUID] = TaskPending
	disc := discovery.New(&fakeDiscoveryStore{})

	c := New(store, disc, &fakeEnqueuer{}, nil, uuid.New(), nil)
	if err := c.CoordinateFinalization(context.Background(), taskUUID); err == nil {
		t.Fatalf("expected error for task in pending state")
	}
}

func TestCoordinateFinalization_WaitingForRetryIsNoOp(t *testing.T) {
	store := newFakeStore()
	taskUUID := uuid.New()
	store.states[taskUUID] = TaskWaitingForRetry
	disc := discovery.New(&fakeDiscoveryStore{})

	c := New(store, disc, &fakeEnqueuer{}, nil, uuid.New(), nil)
	if err := c.CoordinateFinalization(context.Background(), taskUUID); err != nil {
		t.Fatalf("CoordinateFinalization: %v", err)
	}
	if len(store.transitions) != 0 {
		t.Fatalf("expected no transitions, got %+v", store.transitions)
	}
}

func TestCoordinateFinalization_LostRaceToEvaluatingResultsIsNoOp(t *testing.T) {
	store := newFakeStore()
	taskUUID := uuid.New()
	store.states[taskUUID] = TaskStepsInProcess
	store.loseRace[taskUUID] = true
	disc := discovery.New(&fakeDiscoveryStore{graph: allCompleteGraph(taskUUID)})
	enq := &fakeEnqueuer{}

	c := New(store, disc, enq, nil, uuid.New(), nil)
	if err := c.CoordinateFinalization(context.Background(), taskUUID); err != nil {
		t.Fatalf("CoordinateFinalization: %v", err)
	}
	if enq.calls != 0 {
		t.Fatalf("expected no enqueue attempt after lost race, got %d", enq.calls)
	}
}

func TestCoordinateFinalization_NoExecutionContextErrorsTask(t *testing.T) {
	store := newFakeStore()
	taskUUID := uuid.New()
	store.states[taskUUID] = TaskEvaluatingResults
	disc := discovery.New(&fakeDiscoveryStore{graph: nil})

	c := New(store, disc, &fakeEnqueuer{}, nil, uuid.New(), nil)
	if err := c.CoordinateFinalization(context.Background(), taskUUID); err != nil {
		t.Fatalf("CoordinateFinalization: %v", err)
	}
	if store.states[taskUUID] != TaskError {
		t.Fatalf("expected task error when no execution context, got %s", store.states[taskUUID])
	}
}
