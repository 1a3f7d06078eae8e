package discovery

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
)

// fakeStore serves a single, hand-built TaskGraph, keyed by its TaskUUID.
type fakeStore struct {
	graphs map[uuid.UUID]*TaskGraph
}

func newFakeStore(graphs ...*TaskGraph) *fakeStore {
	s := &fakeStore{graphs: make(map[uuid.UUID]*TaskGraph)}
	for _, g := range graphs {
		s.graphs[g.TaskUUID] = g
	}
	return s
}

func (s *fakeStore) LoadTaskGraph(ctx context.Context, taskUUID uuid.UUID) (*TaskGraph, error) {
	return s.graphs[taskUUID], nil
}

// linearGraph builds a 4-step linear chain: step1 -> step2 -> step3 -> step4.
func linearGraph() (*TaskGraph, []uuid.UUID) {
	taskUUID := uuid.New()
	ids := make([]uuid.UUID, 4)
	names := []string{"linear_step_1", "linear_step_2", "linear_step_3", "linear_step_4"}
	nodes := make([]StepNode, 4)
	edges := make(map[uuid.UUID][]uuid.UUID)
	for i := range ids {
		ids[i] = uuid.New()
		nodes[i] = StepNode{WorkflowStepUUID: ids[i], Name: names[i], HandlerCallable: "handlers." + names[i], State: StepPending}
	}
	for i := 1; i < len(ids); i++ {
		edges[ids[i]] = []uuid.UUID{ids[i-1]}
	}
	return &TaskGraph{
		TaskUUID:    taskUUID,
		TaskContext: json.RawMessage(`{"input": 6}`),
		Nodes:       nodes,
		Edges:       edges,
	}, ids
}

// diamondGraph builds start -> {branch_b, branch_c} -> end.
func diamondGraph() (*TaskGraph, map[string]uuid.UUID) {
	taskUUID := uuid.New()
	names := map[string]string{
		"start": "diamond_start", "b": "diamond_branch_b", "c": "diamond_branch_c", "end": "diamond_end",
	}
	ids := make(map[string]uuid.UUID, 4)
	for k := range names {
		ids[k] = uuid.New()
	}
	nodes := []StepNode{
		{WorkflowStepUUID: ids["start"], Name: names["start"], State: StepPending},
		{WorkflowStepUUID: ids["b"], Name: names["b"], State: StepPending},
		{WorkflowStepUUID: ids["c"], Name: names["c"], State: StepPending},
		{WorkflowStepUUID: ids["end"], Name: names["end"], State: StepPending},
	}
	edges := map[uuid.UUID][]uuid.UUID{
		ids["b"]:   {ids["start"]},
		ids["c"]:   {ids["start"]},
		ids["end"]: {ids["b"], ids["c"]},
	}
	return &TaskGraph{TaskUUID: taskUUID, Nodes: nodes, Edges: edges}, ids
}

func hasStep(viable []StepInfo, name string) bool {
	for _, v := range viable {
		if v.Name == name {
			return true
		}
	}
	return false
}

func completeStep(graph *TaskGraph, id uuid.UUID, results json.RawMessage) {
	for i := range graph.Nodes {
		if graph.Nodes[i].WorkflowStepUUID == id {
			graph.Nodes[i].State = StepComplete
			graph.Nodes[i].Results = results
			return
		}
	}
}

func TestFindViableSteps_Linear(t *testing.T) {
	graph, ids := linearGraph()
	d := New(newFakeStore(graph))
	ctx := context.Background()

	viable, err := d.FindViableSteps(ctx, graph.TaskUUID)
	if err != nil {
		t.Fatalf("FindViableSteps: %v", err)
	}
	if len(viable) != 1 || !hasStep(viable, "linear_step_1") {
		t.Fatalf("expected only linear_step_1 viable, got %+v", viable)
	}

	completeStep(graph, ids[0], json.RawMessage(`{"ok": true}`))

	viable, err = d.FindViableSteps(ctx, graph.TaskUUID)
	if err != nil {
		t.Fatalf("FindViableSteps: %v", err)
	}
	if len(viable) != 1 || !hasStep(viable, "linear_step_2") {
		t.Fatalf("expected only linear_step_2 viable after step 1 completes, got %+v", viable)
	}
}

func TestFindViableSteps_Diamond(t *testing.T) {
	graph, ids := diamondGraph()
	d := New(newFakeStore(graph))
	ctx := context.Background()

	completeStep(graph, ids["start"], json.RawMessage(`{}`))

	viable, err := d.FindViableSteps(ctx, graph.TaskUUID)
	if err != nil {
		t.Fatalf("FindViableSteps: %v", err)
	}
	if len(viable) != 2 || !hasStep(viable, "diamond_branch_b") || !hasStep(viable, "diamond_branch_c") {
		t.Fatalf("expected both branches viable, got %+v", viable)
	}
	if hasStep(viable, "diamond_end") {
		t.Fatalf("diamond_end should not be viable with only one predecessor complete")
	}

	completeStep(graph, ids["b"], json.RawMessage(`{}`))

	viable, err = d.FindViableSteps(ctx, graph.TaskUUID)
	if err != nil {
		t.Fatalf("FindViableSteps: %v", err)
	}
	if hasStep(viable, "diamond_end") {
		t.Fatalf("diamond_end should still not be viable with only one of two predecessors complete")
	}

	completeStep(graph, ids["c"], json.RawMessage(`{}`))

	viable, err = d.FindViableSteps(ctx, graph.TaskUUID)
	if err != nil {
		t.Fatalf("FindViableSteps: %v", err)
	}
	if len(viable) != 1 || !hasStep(viable, "diamond_end") {
		t.Fatalf("expected only diamond_end viable once both branches complete, got %+v", viable)
	}
}

func TestFindViableSteps_NonexistentTaskReturnsNil(t *testing.T) {
	d := New(newFakeStore())
	viable, err := d.FindViableSteps(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("FindViableSteps: %v", err)
	}
	if viable != nil {
		t.Fatalf("expected nil for nonexistent task, got %+v", viable)
	}
}

func TestFindViableSteps_WaitingForRetryHonorsBackoff(t *testing.T) {
	graph, ids := linearGraph()
	future := time.Now().Add(time.Hour)
	graph.Nodes[0].State = StepWaitingForRetry
	graph.Nodes[0].BackoffUntil = &future

	d := New(newFakeStore(graph))
	viable, err := d.FindViableSteps(context.Background(), graph.TaskUUID)
	if err != nil {
		t.Fatalf("FindViableSteps: %v", err)
	}
	if len(viable) != 0 {
		t.Fatalf("expected no viable steps while backoff pending, got %+v", viable)
	}

	past := time.Now().Add(-time.Minute)
	graph.Nodes[0].BackoffUntil = &past

	viable, err = d.FindViableSteps(context.Background(), graph.TaskUUID)
	if err != nil {
		t.Fatalf("FindViableSteps: %v", err)
	}
	if len(viable) != 1 || viable[0].WorkflowStepUUID != ids[0] {
		t.Fatalf("expected linear_step_1 viable once backoff elapses, got %+v", viable)
	}
}

func TestGetDependencyLevels_Linear(t *testing.T) {
	graph, ids := linearGraph()
	d := New(newFakeStore(graph))

	levels, err := d.GetDependencyLevels(context.Background(), graph.TaskUUID)
	if err != nil {
		t.Fatalf("GetDependencyLevels: %v", err)
	}
	for i, id := range ids {
		if levels[id] != i {
			t.Fatalf("expected level %d for step %d, got %d", i, i, levels[id])
		}
	}
}

func TestGetDependencyLevels_Diamond(t *testing.T) {
	graph, ids := diamondGraph()
	d := New(newFakeStore(graph))

	levels, err := d.GetDependencyLevels(context.Background(), graph.TaskUUID)
	if err != nil {
		t.Fatalf("GetDependencyLevels: %v", err)
	}
	want := map[string]int{"start": 0, "b": 1, "c": 1, "end": 2}
	for k, lvl := range want {
		if levels[ids[k]] != lvl {
			t.Fatalf("expected level %d for %s, got %d", lvl, k, levels[ids[k]])
		}
	}
}

func TestGetExecutionContext(t *testing.T) {
	graph, ids := linearGraph()
	d := New(newFakeStore(graph))
	ctx := context.Background()

	execCtx, err := d.GetExecutionContext(ctx, graph.TaskUUID)
	if err != nil {
		t.Fatalf("GetExecutionContext: %v", err)
	}
	if execCtx.TotalSteps != 4 || execCtx.ReadySteps != 1 || execCtx.ExecutionStatus != StatusHasReadySteps {
		t.Fatalf("unexpected initial execution context: %+v", execCtx)
	}
	if execCtx.IsComplete() {
		t.Fatalf("fresh task should not be complete")
	}

	for _, id := range ids {
		completeStep(graph, id, json.RawMessage(`{}`))
	}

	execCtx, err = d.GetExecutionContext(ctx, graph.TaskUUID)
	if err != nil {
		t.Fatalf("GetExecutionContext: %v", err)
	}
	if !execCtx.IsComplete() || execCtx.CompletionPercentage != 100 {
		t.Fatalf("expected all-complete 100%%, got %+v", execCtx)
	}
}

func TestGetExecutionContext_BlockedByFailures(t *testing.T) {
	graph, ids := linearGraph()
	graph.Nodes[0].State = StepError

	d := New(newFakeStore(graph))
	execCtx, err := d.GetExecutionContext(context.Background(), graph.TaskUUID)
	if err != nil {
		t.Fatalf("GetExecutionContext: %v", err)
	}
	if execCtx.ExecutionStatus != StatusBlockedByFailures || !execCtx.HasFailures() {
		t.Fatalf("expected BlockedByFailures, got %+v", execCtx)
	}
	_ = ids
}

func TestBuildStepExecutionRequests_IncludesPredecessorResults(t *testing.T) {
	graph, ids := linearGraph()
	completeStep(graph, ids[0], json.RawMessage(`{"amount": 42}`))

	d := New(newFakeStore(graph))
	ctx := context.Background()

	viable, err := d.FindViableSteps(ctx, graph.TaskUUID)
	if err != nil {
		t.Fatalf("FindViableSteps: %v", err)
	}

	requests, err := d.BuildStepExecutionRequests(ctx, graph.TaskUUID, viable)
	if err != nil {
		t.Fatalf("BuildStepExecutionRequests: %v", err)
	}
	if len(requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(requests))
	}
	req := requests[0]
	if req.StepName != "linear_step_2" {
		t.Fatalf("expected linear_step_2, got %s", req.StepName)
	}
	if req.HandlerCallable != "handlers.linear_step_2" {
		t.Fatalf("unexpected handler callable: %s", req.HandlerCallable)
	}
	if string(req.TaskContext) != `{"input": 6}` {
		t.Fatalf("expected original task context carried through, got %s", req.TaskContext)
	}
	if string(req.PreviousResults["linear_step_1"]) != `{"amount": 42}` {
		t.Fatalf("expected predecessor result keyed by name, got %+v", req.PreviousResults)
	}
}

func TestBuildStepExecutionRequests_NoPredecessorsIsEmptyMap(t *testing.T) {
	graph, _ := linearGraph()
	d := New(newFakeStore(graph))
	ctx := context.Background()

	viable, _ := d.FindViableSteps(ctx, graph.TaskUUID)
	requests, err := d.BuildStepExecutionRequests(ctx, graph.TaskUUID, viable)
	if err != nil {
		t.Fatalf("BuildStepExecutionRequests: %v", err)
	}
	if len(requests[0].PreviousResults) != 0 {
		t.Fatalf("expected no previous results for a root step, got %+v", requests[0].PreviousResults)
	}
}
