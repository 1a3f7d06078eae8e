// Package manualops implements the operator-driven manual step/task
// transitions spec.md §6 names: cancelling a task, resetting a step for
// retry, resolving a step manually, and completing a step with an
// explicit result. Every action is CAS-guarded the same way the automated
// state machines are, so a manual action racing an automated one never
// silently clobbers it.
package manualops

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/jordigilh/kubernaut/pkg/coordinator"
	"github.com/jordigilh/kubernaut/pkg/discovery"
	apperrors "github.com/jordigilh/kubernaut/internal/errors"
)

// ResetStep re-arms a step for another attempt.
type ResetStep struct {
	StepUUID uuid.UUID
	Reason   string
	ResetBy  string
}

// ResolveStep marks a step resolved without it ever completing normally,
// e.g. an operator judging its side effect already happened out of band.
type ResolveStep struct {
	StepUUID   uuid.UUID
	Reason     string
	ResolvedBy string
}

// CompleteStep force-completes a step with an operator-supplied result.
type CompleteStep struct {
	StepUUID    uuid.UUID
	Result      json.RawMessage
	Metadata    json.RawMessage
	Reason      string
	CompletedBy string
}

// CancelTask stops all further processing of a task.
type CancelTask struct {
	TaskUUID    uuid.UUID
	Reason      string
	CancelledBy string
}

// StepStore is the step-transition persistence seam.
type StepStore interface {
	// CurrentStepState returns the step's current discovery.StepState.
	CurrentStepState(ctx context.Context, stepUUID uuid.UUID) (discovery.StepState, error)
	// TransitionStep CAS-guards a manual transition the same way
	// pkg/resultprocessor.Store.TransitionStep does: it only applies when
	// the step is still in `from`, reporting applied=false otherwise.
	TransitionStep(ctx context.Context, stepUUID uuid.UUID, from, to discovery.StepState, actor string, metadata json.RawMessage) (applied bool, err error)
	// RecordStepResult writes an operator-supplied result payload onto the
	// step row, used only by CompleteStep.
	RecordStepResult(ctx context.Context, stepUUID uuid.UUID, result json.RawMessage) error
}

// Service implements the manual operations surface. It reuses
// pkg/coordinator's TaskState machinery for CancelTask so the task-level
// and step-level CAS guards share one implementation.
type Service struct {
	steps StepStore
	tasks coordinator.Store
}

// New builds a Service.
func New(steps StepStore, tasks coordinator.Store) *Service {
	return &Service{steps: steps, tasks: tasks}
}

func manualMetadata(reason, actor string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"reason": reason, "actor": actor})
	return b
}

// ResetStepForRetry resets a step back to pending, per tasker-ctl's
// StepManualAction::ResetForRetry. It is only valid from a terminal,
// non-cancelled state.
func (s *Service) ResetStepForRetry(ctx context.Context, req ResetStep) error {
	current, err := s.steps.CurrentStepState(ctx, req.StepUUID)
	if err != nil {
		return fmt.Errorf("manualops: load step %s: %w", req.StepUUID, err)
	}
	if !current.IsTerminal() || current == discovery.StepCancelled {
		return apperrors.New(apperrors.ErrorTypeConflict, "step is not in a terminal, non-cancelled state").
			WithDetailsf("step %s is %s", req.StepUUID, current)
	}

	applied, err := s.steps.TransitionStep(ctx, req.StepUUID, current, discovery.StepPending, req.ResetBy, manualMetadata(req.Reason, req.ResetBy))
	if err != nil {
		return fmt.Errorf("manualops: reset step %s: %w", req.StepUUID, err)
	}
	if !applied {
		return apperrors.New(apperrors.ErrorTypeConflict, "step state changed before reset could apply")
	}
	return nil
}

// ResolveManually marks a step resolved without running its handler
// again, per StepManualAction::ResolveManually.
func (s *Service) ResolveManually(ctx context.Context, req ResolveStep) error {
	current, err := s.steps.CurrentStepState(ctx, req.StepUUID)
	if err != nil {
		return fmt.Errorf("manualops: load step %s: %w", req.StepUUID, err)
	}
	if current.IsTerminal() {
		return apperrors.New(apperrors.ErrorTypeConflict, "step is already in a terminal state").
			WithDetailsf("step %s is %s", req.StepUUID, current)
	}

	applied, err := s.steps.TransitionStep(ctx, req.StepUUID, current, discovery.StepResolvedManually, req.ResolvedBy, manualMetadata(req.Reason, req.ResolvedBy))
	if err != nil {
		return fmt.Errorf("manualops: resolve step %s: %w", req.StepUUID, err)
	}
	if !applied {
		return apperrors.New(apperrors.ErrorTypeConflict, "step state changed before resolution could apply")
	}
	return nil
}

// CompleteManually force-completes a step with an operator-supplied
// result, per StepManualAction::CompleteManually.
func (s *Service) CompleteManually(ctx context.Context, req CompleteStep) error {
	current, err := s.steps.CurrentStepState(ctx, req.StepUUID)
	if err != nil {
		return fmt.Errorf("manualops: load step %s: %w", req.StepUUID, err)
	}
	if current.IsTerminal() {
		return apperrors.New(apperrors.ErrorTypeConflict, "step is already in a terminal state").
			WithDetailsf("step %s is %s", req.StepUUID, current)
	}

	if err := s.steps.RecordStepResult(ctx, req.StepUUID, req.Result); err != nil {
		return fmt.Errorf("manualops: record result for step %s: %w", req.StepUUID, err)
	}

	metadata := req.Metadata
	if metadata == nil {
		metadata = manualMetadata(req.Reason, req.CompletedBy)
	}
	applied, err := s.steps.TransitionStep(ctx, req.StepUUID, current, discovery.StepComplete, req.CompletedBy, metadata)
	if err != nil {
		return fmt.Errorf("manualops: complete step %s: %w", req.StepUUID, err)
	}
	if !applied {
		return apperrors.New(apperrors.ErrorTypeConflict, "step state changed before completion could apply")
	}
	return nil
}

// Cancel stops a task. It is valid from any non-terminal task state.
func (s *Service) Cancel(ctx context.Context, req CancelTask) error {
	current, err := s.tasks.LoadTaskState(ctx, req.TaskUUID)
	if err != nil {
		return fmt.Errorf("manualops: load task %s: %w", req.TaskUUID, err)
	}
	if current.IsTerminal() {
		return apperrors.New(apperrors.ErrorTypeConflict, "task is already in a terminal state").
			WithDetailsf("task %s is %s", req.TaskUUID, current)
	}

	applied, err := s.tasks.TransitionTask(ctx, req.TaskUUID, current, coordinator.TaskCancelled, uuid.Nil, manualMetadata(req.Reason, req.CancelledBy))
	if err != nil {
		return fmt.Errorf("manualops: cancel task %s: %w", req.TaskUUID, err)
	}
	if !applied {
		return apperrors.New(apperrors.ErrorTypeConflict, "task state changed before cancellation could apply")
	}
	return nil
}
