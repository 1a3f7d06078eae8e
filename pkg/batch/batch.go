// Package batch implements the Batch Processing Service: spec.md §4.9.
// A batchable step's result can return a BatchProcessingOutcome deciding
// whether the work fans out into parallel worker steps or stays
// single-threaded; either way a convergence step is materialized so
// downstream steps have exactly one step to depend on regardless of how
// many workers ran.
package batch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/jordigilh/kubernaut/pkg/taskmodel"
)

// OutcomeType discriminates the two shapes a BatchProcessingOutcome can take.
type OutcomeType string

const (
	OutcomeNoBatches     OutcomeType = "no_batches"
	OutcomeCreateBatches OutcomeType = "create_batches"
)

// CursorConfig is the slice of work one worker step is responsible for.
type CursorConfig struct {
	BatchID     string          `json:"batch_id"`
	StartCursor json.RawMessage `json:"start_cursor,omitempty"`
	EndCursor   json.RawMessage `json:"end_cursor,omitempty"`
	BatchSize   int             `json:"batch_size,omitempty"`
}

// Outcome is a batchable step's parsed batch_processing_outcome result
// field.
type Outcome struct {
	Type               OutcomeType    `json:"type"`
	WorkerTemplateName string         `json:"worker_template_name,omitempty"`
	WorkerCount        int            `json:"worker_count,omitempty"`
	CursorConfigs      []CursorConfig `json:"cursor_configs,omitempty"`
	TotalItems         int            `json:"total_items,omitempty"`
}

// IsNoBatches reports whether this outcome declares no batching (an unset
// Type defaults to no_batches, mirroring OutcomeNoBranches in pkg/decision).
func (o Outcome) IsNoBatches() bool {
	return o.Type == "" || o.Type == OutcomeNoBatches
}

// ErrInvalidOutcome is returned by ParseOutcome when raw isn't a well-formed
// BatchProcessingOutcome.
type ErrInvalidOutcome struct {
	Message string
}

func (e *ErrInvalidOutcome) Error() string {
	return fmt.Sprintf("batch processing outcome: %s", e.Message)
}

// ParseOutcome unmarshals a step result's batch_processing_outcome field.
func ParseOutcome(raw json.RawMessage) (Outcome, error) {
	if len(raw) == 0 {
		return Outcome{}, &ErrInvalidOutcome{Message: "missing batch processing outcome"}
	}
	var o Outcome
	if err := json.Unmarshal(raw, &o); err != nil {
		return Outcome{}, &ErrInvalidOutcome{Message: err.Error()}
	}
	if o.Type == OutcomeCreateBatches && o.WorkerTemplateName == "" {
		return Outcome{}, &ErrInvalidOutcome{Message: "create_batches outcome missing worker_template_name"}
	}
	return o, nil
}

// TaskNotFoundError means taskUUID or batchableStepUUID could not be
// resolved to a running task/step.
type TaskNotFoundError struct {
	TaskUUID uuid.UUID
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task %s not found", e.TaskUUID)
}

// BatchableStepTemplate carries the one piece of template metadata a
// batchable step needs: the name of its deferred convergence step and the
// declaration to materialize it from.
type BatchableStepTemplate struct {
	ConvergenceStepName        string
	ConvergenceHandlerCallable string
	ConvergenceMaxAttempts     int
}

// NewWorker is one worker step to materialize, either the single placeholder
// worker for a no_batches outcome or one of worker_count batch workers.
type NewWorker struct {
	WorkflowStepUUID uuid.UUID
	Name             string
	HandlerCallable  string
	MaxAttempts      int
	Inputs           json.RawMessage
}

// NewConvergence is the single aggregation step wired from every worker.
type NewConvergence struct {
	WorkflowStepUUID uuid.UUID
	Name             string
	HandlerCallable  string
	MaxAttempts      int
}

// Store is the persistence seam pkg/batch depends on.
type Store interface {
	// LoadBatchableStep resolves batchableStepUUID's owning template and
	// returns its declared convergence-step metadata. Returns (nil, nil)
	// if taskUUID/batchableStepUUID cannot be resolved.
	LoadBatchableStep(ctx context.Context, taskUUID, batchableStepUUID uuid.UUID) (*BatchableStepTemplate, error)

	// ExistingWorkers returns every worker step already wired to
	// batchableStepUUID by a batch_dependency edge, keyed by name, so a
	// repeated call creates nothing twice.
	ExistingWorkers(ctx context.Context, taskUUID, batchableStepUUID uuid.UUID) (map[string]uuid.UUID, error)

	// ExistingConvergence reports whether the named convergence step has
	// already been materialized for this task.
	ExistingConvergence(ctx context.Context, taskUUID uuid.UUID, name string) (uuid.UUID, bool, error)

	// CreateBatch materializes workers and, when non-nil, the convergence
	// step plus a worker_to_convergence edge from each worker in workers,
	// in one transaction.
	CreateBatch(ctx context.Context, taskUUID, batchableStepUUID uuid.UUID, workers []NewWorker, convergence *NewConvergence) error
}

// placeholderWorkerName is the fixed name given to the single worker step a
// no_batches outcome still creates, so the convergence step downstream has
// something to depend on.
const placeholderWorkerName = "batch_placeholder"

// placeholderHandlerCallable is the no-op handler dispatched for a
// placeholder worker; it does nothing but complete immediately.
const placeholderHandlerCallable = "batch.noop"

// Service implements the Batch Processing Service.
type Service struct {
	store Store
}

// New builds a Service.
func New(store Store) *Service {
	return &Service{store: store}
}

// ProcessBatchableStep materializes the worker/convergence steps a
// batchable step's outcome implies and returns the uuids of the worker
// steps it created or found already created.
func (s *Service) ProcessBatchableStep(ctx context.Context, taskUUID, batchableStepUUID uuid.UUID, outcome Outcome) (map[string]uuid.UUID, error) {
	tpl, err := s.store.LoadBatchableStep(ctx, taskUUID, batchableStepUUID)
	if err != nil {
		return nil, fmt.Errorf("load batchable step %s: %w", batchableStepUUID, err)
	}
	if tpl == nil {
		return nil, &TaskNotFoundError{TaskUUID: taskUUID}
	}

	existingWorkers, err := s.store.ExistingWorkers(ctx, taskUUID, batchableStepUUID)
	if err != nil {
		return nil, fmt.Errorf("load existing workers for %s: %w", batchableStepUUID, err)
	}
	if len(existingWorkers) > 0 {
		return existingWorkers, nil
	}

	var newWorkers []NewWorker
	if outcome.IsNoBatches() {
		newWorkers = []NewWorker{{
			WorkflowStepUUID: taskmodel.NewUUID(),
			Name:             placeholderWorkerName,
			HandlerCallable:  placeholderHandlerCallable,
			MaxAttempts:      1,
		}}
	} else {
		for _, cursor := range outcome.CursorConfigs {
			inputs, err := json.Marshal(struct {
				Cursor CursorConfig `json:"cursor"`
			}{Cursor: cursor})
			if err != nil {
				return nil, fmt.Errorf("marshal cursor config for batch %s: %w", cursor.BatchID, err)
			}
			newWorkers = append(newWorkers, NewWorker{
				WorkflowStepUUID: taskmodel.NewUUID(),
				Name:             fmt.Sprintf("%s_%s", outcome.WorkerTemplateName, cursor.BatchID),
				HandlerCallable:  outcome.WorkerTemplateName,
				MaxAttempts:      3,
				Inputs:           inputs,
			})
		}
	}

	result := make(map[string]uuid.UUID, len(newWorkers))
	for _, w := range newWorkers {
		result[w.Name] = w.WorkflowStepUUID
	}

	var convergence *NewConvergence
	_, convergenceExists, err := s.store.ExistingConvergence(ctx, taskUUID, tpl.ConvergenceStepName)
	if err != nil {
		return nil, fmt.Errorf("check existing convergence step %q: %w", tpl.ConvergenceStepName, err)
	}
	if !convergenceExists {
		convergence = &NewConvergence{
			WorkflowStepUUID: taskmodel.NewUUID(),
			Name:             tpl.ConvergenceStepName,
			HandlerCallable:  tpl.ConvergenceHandlerCallable,
			MaxAttempts:      tpl.ConvergenceMaxAttempts,
		}
	}

	if err := s.store.CreateBatch(ctx, taskUUID, batchableStepUUID, newWorkers, convergence); err != nil {
		return nil, fmt.Errorf("create batch for %s: %w", batchableStepUUID, err)
	}

	return result, nil
}
