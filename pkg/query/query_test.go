package query

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/jordigilh/kubernaut/pkg/taskmodel"
)

type fakeStore struct {
	taskHistoryLimit int64
	stepHistoryLimit int64
}

func (f *fakeStore) GetTask(ctx context.Context, taskUUID uuid.UUID) (*TaskProgress, error) {
	return &TaskProgress{Task: taskmodel.Task{TaskUUID: taskUUID}}, nil
}

func (f *fakeStore) ListTasks(ctx context.Context, filter TaskFilter) ([]TaskProgress, error) {
	return nil, nil
}

func (f *fakeStore) TaskHistory(ctx context.Context, taskUUID uuid.UUID, limit int64) ([]taskmodel.TaskTransition, error) {
	f.taskHistoryLimit = limit
	return nil, nil
}

func (f *fakeStore) GetStep(ctx context.Context, stepUUID uuid.UUID) (*taskmodel.WorkflowStep, error) {
	return &taskmodel.WorkflowStep{WorkflowStepUUID: stepUUID}, nil
}

func (f *fakeStore) ListSteps(ctx context.Context, taskUUID uuid.UUID) ([]taskmodel.WorkflowStep, error) {
	return nil, nil
}

func (f *fakeStore) StepHistory(ctx context.Context, stepUUID uuid.UUID, limit int64) ([]taskmodel.StepTransition, error) {
	f.stepHistoryLimit = limit
	return nil, nil
}

func TestService_TaskHistory_DefaultsLimitWhenUnset(t *testing.T) {
	store := &fakeStore{}
	s := New(store)

	if _, err := s.TaskHistory(context.Background(), uuid.New(), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.taskHistoryLimit != 20 {
		t.Fatalf("expected default limit 20, got %d", store.taskHistoryLimit)
	}
}

func TestService_StepHistory_PassesThroughExplicitLimit(t *testing.T) {
	store := &fakeStore{}
	s := New(store)

	if _, err := s.StepHistory(context.Background(), uuid.New(), 5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.stepHistoryLimit != 5 {
		t.Fatalf("expected limit 5, got %d", store.stepHistoryLimit)
	}
}

func TestService_GetTask_ReturnsStoreResult(t *testing.T) {
	store := &fakeStore{}
	s := New(store)
	taskUUID := uuid.New()

	progress, err := s.GetTask(context.Background(), taskUUID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if progress.Task.TaskUUID != taskUUID {
		t.Fatalf("expected task uuid %s, got %s", taskUUID, progress.Task.TaskUUID)
	}
}
