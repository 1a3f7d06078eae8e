// Package query implements the read surfaces spec.md §6 lists for the
// external API: task lookup/listing, step lookup/listing, and audit
// history for both. It is a pure read path; every write goes through
// pkg/task, pkg/resultprocessor, pkg/coordinator or pkg/manualops instead.
package query

import (
	"context"

	"github.com/google/uuid"

	"github.com/jordigilh/kubernaut/pkg/taskmodel"
)

// TaskFilter narrows ListTasks. Zero-value fields are unfiltered.
type TaskFilter struct {
	Namespace string
	Name      string
	Complete  *bool
	Limit     int64
	Offset    int64
}

// TaskProgress summarizes a task's step completion, the shape tasker-ctl's
// "task get" response surfaces to operators.
type TaskProgress struct {
	Task                 taskmodel.Task
	TotalSteps           int
	CompletedSteps       int
	CompletionPercentage float64
	HealthStatus         string
}

// Store is the persistence seam query handlers read through.
type Store interface {
	GetTask(ctx context.Context, taskUUID uuid.UUID) (*TaskProgress, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]TaskProgress, error)
	TaskHistory(ctx context.Context, taskUUID uuid.UUID, limit int64) ([]taskmodel.TaskTransition, error)

	GetStep(ctx context.Context, stepUUID uuid.UUID) (*taskmodel.WorkflowStep, error)
	ListSteps(ctx context.Context, taskUUID uuid.UUID) ([]taskmodel.WorkflowStep, error)
	StepHistory(ctx context.Context, stepUUID uuid.UUID, limit int64) ([]taskmodel.StepTransition, error)
}

// Service implements the query read surface over Store.
type Service struct {
	store Store
}

// New builds a Service.
func New(store Store) *Service {
	return &Service{store: store}
}

func (s *Service) GetTask(ctx context.Context, taskUUID uuid.UUID) (*TaskProgress, error) {
	return s.store.GetTask(ctx, taskUUID)
}

func (s *Service) ListTasks(ctx context.Context, filter TaskFilter) ([]TaskProgress, error) {
	return s.store.ListTasks(ctx, filter)
}

func (s *Service) TaskHistory(ctx context.Context, taskUUID uuid.UUID, limit int64) ([]taskmodel.TaskTransition, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.store.TaskHistory(ctx, taskUUID, limit)
}

func (s *Service) GetStep(ctx context.Context, stepUUID uuid.UUID) (*taskmodel.WorkflowStep, error) {
	return s.store.GetStep(ctx, stepUUID)
}

func (s *Service) ListSteps(ctx context.Context, taskUUID uuid.UUID) ([]taskmodel.WorkflowStep, error) {
	return s.store.ListSteps(ctx, taskUUID)
}

func (s *Service) StepHistory(ctx context.Context, stepUUID uuid.UUID, limit int64) ([]taskmodel.StepTransition, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.store.StepHistory(ctx, stepUUID, limit)
}

