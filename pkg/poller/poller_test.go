package poller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jordigilh/kubernaut/pkg/circuitbreaker"
)

type fakeStore struct {
	ready []ReadyTask
	err   error
	calls int
}

func (s *fakeStore) ScanReadyTasks(ctx context.Context, limit int) ([]ReadyTask, error) {
	s.calls++
	return s.ready, s.err
}

type fakeEnqueuer struct {
	calls    []uuid.UUID
	count    int
	err      error
}

func (e *fakeEnqueuer) EnqueueViableSteps(ctx context.Context, taskUUID uuid.UUID, namespace string) (int, error) {
	e.calls = append(e.calls, taskUUID)
	return e.count, e.err
}

func testBreaker() *circuitbreaker.CircuitBreaker {
	return circuitbreaker.New(circuitbreaker.Config{
		Name: "poller-test", FailureThreshold: 3, SuccessThreshold: 1, Timeout: time.Second,
	})
}

func TestRunOnce_EnqueuesEachReadyTask(t *testing.T) {
	taskA, taskB := uuid.New(), uuid.New()
	store := &fakeStore{ready: []ReadyTask{
		{TaskUUID: taskA, Namespace: "payments"},
		{TaskUUID: taskB, Namespace: "fulfillment"},
	}}
	enqueuer := &fakeEnqueuer{count: 2}

	p := New(store, enqueuer, testBreaker(), DefaultConfig(), nil)
	p.RunOnce(context.Background())

	if len(enqueuer.calls) != 2 {
		t.Fatalf("expected 2 enqueue calls, got %d", len(enqueuer.calls))
	}
	stats := p.Stats()
	if stats.SweepsRun != 1 {
		t.Fatalf("expected 1 sweep run, got %d", stats.SweepsRun)
	}
	if stats.TasksScanned != 2 {
		t.Fatalf("expected 2 tasks scanned, got %d", stats.TasksScanned)
	}
	if stats.StepsEnqueued != 4 {
		t.Fatalf("expected 4 steps enqueued (2 tasks x 2 each), got %d", stats.StepsEnqueued)
	}
}

func TestRunOnce_NoReadyTasksIsNoOp(t *testing.T) {
	store := &fakeStore{}
	enqueuer := &fakeEnqueuer{}

	p := New(store, enqueuer, testBreaker(), DefaultConfig(), nil)
	p.RunOnce(context.Background())

	if len(enqueuer.calls) != 0 {
		t.Fatalf("expected no enqueue calls, got %d", len(enqueuer.calls))
	}
}

func TestRunOnce_EnqueueErrorIsRecordedButDoesNotStopSweep(t *testing.T) {
	taskA, taskB := uuid.New(), uuid.New()
	store := &fakeStore{ready: []ReadyTask{
		{TaskUUID: taskA, Namespace: "payments"},
		{TaskUUID: taskB, Namespace: "payments"},
	}}
	enqueuer := &fakeEnqueuer{err: errors.New("publish failed")}

	p := New(store, enqueuer, testBreaker(), DefaultConfig(), nil)
	p.RunOnce(context.Background())

	if len(enqueuer.calls) != 2 {
		t.Fatalf("expected both tasks attempted despite errors, got %d calls", len(enqueuer.calls))
	}
	if p.Stats().SweepErrors != 2 {
		t.Fatalf("expected 2 sweep errors recorded, got %d", p.Stats().SweepErrors)
	}
}

func TestRunOnce_OpenBreakerSkipsSweepWithoutError(t *testing.T) {
	store := &fakeStore{err: errors.New("db down")}
	enqueuer := &fakeEnqueuer{}
	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name: "poller-test-open", FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Hour,
	})

	p := New(store, enqueuer, breaker, DefaultConfig(), nil)
	p.RunOnce(context.Background())
	p.RunOnce(context.Background())

	stats := p.Stats()
	if stats.SweepErrors == 0 {
		t.Fatalf("expected at least one sweep error from the first failing call")
	}
	if stats.SweepsSkipped == 0 {
		t.Fatalf("expected at least one sweep skipped once the breaker opened")
	}
}
