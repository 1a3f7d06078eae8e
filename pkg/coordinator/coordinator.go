// Package coordinator implements the Task Coordinator and Finalizer: on
// each step completion it inspects the owning task's state, dispatches a
// closed set of actions, and when finalizing, dispatches again on the
// task's aggregate execution status (spec.md §4.6).
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jordigilh/kubernaut/pkg/discovery"
	"github.com/jordigilh/kubernaut/pkg/taskmodel"
)

// TaskState is the closed set of task states spec.md §4.7 defines.
type TaskState string

const (
	TaskPending               TaskState = "pending"
	TaskInitializing          TaskState = "initializing"
	TaskEnqueuingSteps        TaskState = "enqueuing_steps"
	TaskStepsInProcess        TaskState = "steps_in_process"
	TaskEvaluatingResults     TaskState = "evaluating_results"
	TaskComplete              TaskState = "complete"
	TaskError                 TaskState = "error"
	TaskWaitingForDependencies TaskState = "waiting_for_dependencies"
	TaskWaitingForRetry       TaskState = "waiting_for_retry"
	TaskBlockedByFailures     TaskState = "blocked_by_failures"
	TaskCancelled             TaskState = "cancelled"
	TaskResolvedManually      TaskState = "resolved_manually"
)

// IsTerminal reports whether s is one of the task state machine's terminal
// states.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskComplete, TaskError, TaskCancelled, TaskResolvedManually:
		return true
	default:
		return false
	}
}

// Store is the task-state persistence seam. TransitionTask is a
// compare-and-swap: it reports applied=false, not an error, when the
// task's current state no longer matches from.
type Store interface {
	LoadTaskState(ctx context.Context, taskUUID uuid.UUID) (TaskState, error)
	TransitionTask(ctx context.Context, taskUUID uuid.UUID, from, to TaskState, processorUUID uuid.UUID, metadata json.RawMessage) (applied bool, err error)
}

// Enqueuer re-enqueues a task's currently-viable steps (the Step Enqueuer,
// spec.md §4.4), resolving the worker namespace itself. It reports how
// many steps it published so the Finalizer can log it.
type Enqueuer interface {
	EnqueueReadySteps(ctx context.Context, taskUUID uuid.UUID) (enqueuedCount int, err error)
}

// DLQRecorder captures a permanently-blocked task for operator triage
// (spec.md §4.13).
type DLQRecorder interface {
	RecordBlockedTask(ctx context.Context, taskUUID uuid.UUID, reason taskmodel.DLQReason) error
}

// Coordinator implements spec.md §4.6 over a task Store, the Viable Step
// Discovery service, an Enqueuer, and an optional DLQRecorder.
type Coordinator struct {
	store         Store
	discovery     *discovery.Discovery
	enqueuer      Enqueuer
	dlq           DLQRecorder
	processorUUID uuid.UUID
	logger        *logrus.Logger
}

// New builds a Coordinator. dlq may be nil; a task that would otherwise
// land in the DLQ still transitions to Error, but no DLQ entry is
// recorded for it.
func New(store Store, disc *discovery.Discovery, enqueuer Enqueuer, dlq DLQRecorder, processorUUID uuid.UUID, logger *logrus.Logger) *Coordinator {
	if logger == nil {
		logger = logrus.New()
	}
	return &Coordinator{store: store, discovery: disc, enqueuer: enqueuer, dlq: dlq, processorUUID: processorUUID, logger: logger}
}

// CoordinateFinalization implements the Task Coordinator's closed action
// table (spec.md §4.6). It is the seam pkg/resultprocessor calls after
// every step state transition.
func (c *Coordinator) CoordinateFinalization(ctx context.Context, taskUUID uuid.UUID) error {
	state, err := c.store.LoadTaskState(ctx, taskUUID)
	if err != nil {
		return fmt.Errorf("coordinator: load task state for %s: %w", taskUUID, err)
	}

	switch state {
	case TaskStepsInProcess:
		applied, err := c.store.TransitionTask(ctx, taskUUID, TaskStepsInProcess, TaskEvaluatingResults, c.processorUUID, nil)
		if err != nil {
			return fmt.Errorf("coordinator: transition task %s to evaluating_results: %w", taskUUID, err)
		}
		if !applied {
			c.logger.WithField("task_uuid", taskUUID).Debug("coordinator: lost race transitioning to evaluating_results, treating as duplicate")
			return nil
		}
		return c.finalize(ctx, taskUUID)

	case TaskEvaluatingResults:
		return c.finalize(ctx, taskUUID)

	case TaskComplete, TaskError, TaskCancelled, TaskResolvedManually:
		return nil

	case TaskWaitingForDependencies, TaskWaitingForRetry, TaskEnqueuingSteps, TaskBlockedByFailures:
		return nil

	case TaskPending, TaskInitializing:
		return fmt.Errorf("coordinator: task %s received a step completion in unexpected state %s", taskUUID, state)

	default:
		return fmt.Errorf("coordinator: task %s in unrecognized state %q", taskUUID, state)
	}
}

// finalize dispatches on the task's aggregate execution status (spec.md
// §4.3/§4.6).
func (c *Coordinator) finalize(ctx context.Context, taskUUID uuid.UUID) error {
	execCtx, err := c.discovery.GetExecutionContext(ctx, taskUUID)
	if err != nil {
		return fmt.Errorf("coordinator: get execution context for task %s: %w", taskUUID, err)
	}
	if execCtx == nil {
		return c.errorTask(ctx, taskUUID, "no execution context available")
	}

	switch execCtx.ExecutionStatus {
	case discovery.StatusAllComplete:
		return c.completeTask(ctx, taskUUID)

	case discovery.StatusHasReadySteps:
		return c.reenqueue(ctx, taskUUID)

	case discovery.StatusBlockedByFailures:
		return c.errorTask(ctx, taskUUID, "blocked by failures")

	case discovery.StatusWaitingForDependencies:
		if execCtx.HasFailures() {
			return c.errorTask(ctx, taskUUID, "waiting for dependencies but blocked by permanent failures")
		}
		return c.reenqueue(ctx, taskUUID)

	case discovery.StatusProcessing:
		return nil

	default:
		return c.errorTask(ctx, taskUUID, fmt.Sprintf("unrecognized execution status %q", execCtx.ExecutionStatus))
	}
}

// reenqueue transitions the task to EnqueuingSteps and asks the Enqueuer
// to publish its currently-viable steps. It re-checks the task's current
// state first: if another finalization already escalated the task to
// BlockedByFailures, enqueuing is abandoned in favor of erroring, matching
// spec.md §4.6's defensive clause.
func (c *Coordinator) reenqueue(ctx context.Context, taskUUID uuid.UUID) error {
	state, err := c.store.LoadTaskState(ctx, taskUUID)
	if err != nil {
		return fmt.Errorf("coordinator: reload task state for %s: %w", taskUUID, err)
	}
	if state == TaskBlockedByFailures {
		c.logger.WithField("task_uuid", taskUUID).Warn("coordinator: task already blocked by failures, escalating to error instead of enqueuing")
		return c.errorTask(ctx, taskUUID, "already blocked by failures")
	}

	if state != TaskEnqueuingSteps {
		if _, err := c.store.TransitionTask(ctx, taskUUID, state, TaskEnqueuingSteps, c.processorUUID, nil); err != nil {
			return fmt.Errorf("coordinator: transition task %s to enqueuing_steps: %w", taskUUID, err)
		}
	}

	count, err := c.enqueuer.EnqueueReadySteps(ctx, taskUUID)
	if err != nil {
		return fmt.Errorf("coordinator: enqueue ready steps for task %s: %w", taskUUID, err)
	}
	c.logger.WithFields(logrus.Fields{"task_uuid": taskUUID, "enqueued_steps": count}).Debug("coordinator: re-enqueued ready steps")
	return nil
}

func (c *Coordinator) completeTask(ctx context.Context, taskUUID uuid.UUID) error {
	state, err := c.store.LoadTaskState(ctx, taskUUID)
	if err != nil {
		return fmt.Errorf("coordinator: reload task state for %s: %w", taskUUID, err)
	}
	if _, err := c.store.TransitionTask(ctx, taskUUID, state, TaskComplete, c.processorUUID, nil); err != nil {
		return fmt.Errorf("coordinator: transition task %s to complete: %w", taskUUID, err)
	}
	return nil
}

// errorTask transitions the task to its terminal Error state and, when a
// DLQRecorder is configured, captures it for operator triage.
func (c *Coordinator) errorTask(ctx context.Context, taskUUID uuid.UUID, reason string) error {
	state, err := c.store.LoadTaskState(ctx, taskUUID)
	if err != nil {
		return fmt.Errorf("coordinator: reload task state for %s: %w", taskUUID, err)
	}
	metadata, _ := json.Marshal(map[string]string{"reason": reason})
	if _, err := c.store.TransitionTask(ctx, taskUUID, state, TaskError, c.processorUUID, metadata); err != nil {
		return fmt.Errorf("coordinator: transition task %s to error: %w", taskUUID, err)
	}

	if c.dlq != nil {
		if err := c.dlq.RecordBlockedTask(ctx, taskUUID, taskmodel.DLQReasonBlockedByFailures); err != nil {
			c.logger.WithError(err).WithField("task_uuid", taskUUID).Error("coordinator: failed to record DLQ entry for blocked task")
		}
	}
	return nil
}
