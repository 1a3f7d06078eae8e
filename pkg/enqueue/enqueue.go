// Package enqueue implements the Step Enqueuer: it claims viable steps and
// publishes their execution requests to the worker queue for their
// namespace, rolling the claim back if publishing fails.
package enqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jordigilh/kubernaut/pkg/discovery"
	"github.com/jordigilh/kubernaut/pkg/messaging"
)

// Claimer transitions a step from Pending (or a backoff-elapsed
// WaitingForRetry) to Enqueued, appending the transition row. It reports
// claimed=false, not an error, when another enqueuer already claimed the
// step first — claiming races are expected under concurrent discovery, not
// exceptional.
type Claimer interface {
	ClaimStep(ctx context.Context, workflowStepUUID uuid.UUID) (claimed bool, err error)
	// RollbackClaim reverts a successful ClaimStep back to its prior state.
	// Used only when the subsequent publish fails, so the step remains
	// viable for the next discovery pass instead of being stranded
	// Enqueued with no message in flight.
	RollbackClaim(ctx context.Context, workflowStepUUID uuid.UUID) error
}

// StepMessage is the self-contained worker payload published to the
// namespace's worker queue.
type StepMessage struct {
	TaskUUID         uuid.UUID                  `json:"task_uuid"`
	WorkflowStepUUID uuid.UUID                  `json:"workflow_step_uuid"`
	StepName         string                     `json:"step_name"`
	HandlerCallable  string                     `json:"handler_callable"`
	TaskContext      json.RawMessage            `json:"task_context"`
	PreviousResults  map[string]json.RawMessage `json:"previous_results"`
}

// Outcome is the fate of one step within a single EnqueueViableSteps call.
type Outcome string

const (
	OutcomeEnqueued       Outcome = "enqueued"
	OutcomeAlreadyClaimed Outcome = "already_claimed"
	OutcomePublishFailed  Outcome = "publish_failed"
)

// Result reports what happened to one viable step.
type Result struct {
	WorkflowStepUUID uuid.UUID
	StepName         string
	Outcome          Outcome
	Err              error
}

// Enqueuer implements spec.md §4.4 over a Discovery, a Claimer, and a
// messaging Client.
type Enqueuer struct {
	discovery *discovery.Discovery
	claimer   Claimer
	client    *messaging.Client
	logger    *logrus.Logger
}

// New builds an Enqueuer.
func New(disc *discovery.Discovery, claimer Claimer, client *messaging.Client, logger *logrus.Logger) *Enqueuer {
	if logger == nil {
		logger = logrus.New()
	}
	return &Enqueuer{discovery: disc, claimer: claimer, client: client, logger: logger}
}

// EnqueueViableSteps discovers taskUUID's currently-viable steps and claims
// and publishes each one in ascending (dependency level, step_uuid) order,
// so the emitted message order is deterministic under replay.
func (e *Enqueuer) EnqueueViableSteps(ctx context.Context, taskUUID uuid.UUID, namespace string) ([]Result, error) {
	viable, err := e.discovery.FindViableSteps(ctx, taskUUID)
	if err != nil {
		return nil, fmt.Errorf("enqueue: find viable steps: %w", err)
	}
	if len(viable) == 0 {
		return nil, nil
	}

	levels, err := e.discovery.GetDependencyLevels(ctx, taskUUID)
	if err != nil {
		return nil, fmt.Errorf("enqueue: get dependency levels: %w", err)
	}

	requests, err := e.discovery.BuildStepExecutionRequests(ctx, taskUUID, viable)
	if err != nil {
		return nil, fmt.Errorf("enqueue: build step execution requests: %w", err)
	}

	sort.Slice(requests, func(i, j int) bool {
		li, lj := levels[requests[i].WorkflowStepUUID], levels[requests[j].WorkflowStepUUID]
		if li != lj {
			return li < lj
		}
		return requests[i].WorkflowStepUUID.String() < requests[j].WorkflowStepUUID.String()
	})

	queue, err := e.client.Router().StepQueue(namespace)
	if err != nil {
		return nil, fmt.Errorf("enqueue: resolve worker queue for namespace %s: %w", namespace, err)
	}

	results := make([]Result, 0, len(requests))
	for _, req := range requests {
		results = append(results, e.enqueueOne(ctx, queue, req))
	}
	return results, nil
}

func (e *Enqueuer) enqueueOne(ctx context.Context, queue string, req discovery.StepExecutionRequest) Result {
	claimed, err := e.claimer.ClaimStep(ctx, req.WorkflowStepUUID)
	if err != nil {
		return Result{WorkflowStepUUID: req.WorkflowStepUUID, StepName: req.StepName, Outcome: OutcomePublishFailed, Err: err}
	}
	if !claimed {
		return Result{WorkflowStepUUID: req.WorkflowStepUUID, StepName: req.StepName, Outcome: OutcomeAlreadyClaimed}
	}

	body, err := json.Marshal(StepMessage{
		TaskUUID:         req.TaskUUID,
		WorkflowStepUUID: req.WorkflowStepUUID,
		StepName:         req.StepName,
		HandlerCallable:  req.HandlerCallable,
		TaskContext:      req.TaskContext,
		PreviousResults:  req.PreviousResults,
	})
	if err != nil {
		e.rollback(ctx, req.WorkflowStepUUID)
		return Result{WorkflowStepUUID: req.WorkflowStepUUID, StepName: req.StepName, Outcome: OutcomePublishFailed, Err: err}
	}

	if err := e.client.Send(ctx, queue, body); err != nil {
		e.rollback(ctx, req.WorkflowStepUUID)
		return Result{WorkflowStepUUID: req.WorkflowStepUUID, StepName: req.StepName, Outcome: OutcomePublishFailed, Err: err}
	}

	return Result{WorkflowStepUUID: req.WorkflowStepUUID, StepName: req.StepName, Outcome: OutcomeEnqueued}
}

func (e *Enqueuer) rollback(ctx context.Context, stepUUID uuid.UUID) {
	if err := e.claimer.RollbackClaim(ctx, stepUUID); err != nil {
		e.logger.WithError(err).WithField("workflow_step_uuid", stepUUID).
			Error("failed to roll back step claim after publish failure")
	}
}
