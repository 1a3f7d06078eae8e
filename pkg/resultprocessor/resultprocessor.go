// Package resultprocessor implements the Step Result Processor: the
// central control loop that hydrates a worker's full execution result,
// feeds it to the Backoff Calculator, drives the step state machine, and
// hands off to dynamic expansion and task finalization (spec.md §4.5).
package resultprocessor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jordigilh/kubernaut/pkg/backoff"
	"github.com/jordigilh/kubernaut/pkg/discovery"
)

// ErrInvalidMessage marks a message that can never succeed no matter how
// many times it is redelivered: the referenced step is missing, or it has
// no results to hydrate. Callers nack these without requeueing.
var ErrInvalidMessage = errors.New("resultprocessor: invalid message")

// StepResultMessage is the minimal identifier a worker publishes to the
// orchestration step-results queue once it has written the full result
// onto the WorkflowStep row.
type StepResultMessage struct {
	TaskUUID      uuid.UUID `json:"task_uuid"`
	StepUUID      uuid.UUID `json:"step_uuid"`
	CorrelationID uuid.UUID `json:"correlation_id"`
}

// ResultError is a worker-reported failure detail.
type ResultError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Type    string `json:"type,omitempty"`
}

// BackoffHint mirrors backoff.Hint on the wire; worker payloads carry the
// hint type as a string so it round-trips through JSON without importing
// the backoff package's own type into worker code.
type BackoffHint struct {
	Type         backoff.HintType `json:"type"`
	DelaySeconds int              `json:"delay_seconds"`
	Context      string           `json:"context,omitempty"`
}

// ResultMetadata carries everything the Backoff Calculator and the state
// transition need beyond the bare success/failure outcome.
type ResultMetadata struct {
	ExecutionTimeMs int               `json:"execution_time_ms"`
	Retryable       bool              `json:"retryable"`
	Headers         map[string]string `json:"headers,omitempty"`
	ErrorContext    string            `json:"error_context,omitempty"`
	BackoffHint     *BackoffHint      `json:"backoff_hint,omitempty"`
}

// StepExecutionResult is the full result a worker persists onto
// WorkflowStep.Results before publishing a StepResultMessage.
type StepExecutionResult struct {
	StepUUID               uuid.UUID       `json:"step_uuid"`
	Success                 bool            `json:"success"`
	Result                  json.RawMessage `json:"result,omitempty"`
	Status                  string          `json:"status"`
	Error                   *ResultError    `json:"error,omitempty"`
	Metadata                ResultMetadata  `json:"metadata"`
	BatchProcessingOutcome  json.RawMessage `json:"batch_processing_outcome,omitempty"`
	DecisionPointOutcome    json.RawMessage `json:"decision_point_outcome,omitempty"`
}

// StepRecord is the subset of a WorkflowStep row needed to process one
// result.
type StepRecord struct {
	WorkflowStepUUID uuid.UUID
	TaskUUID         uuid.UUID
	State            discovery.StepState
	Attempts         int
	MaxAttempts      int
	Results          json.RawMessage
}

// Store is the persistence seam for result processing. TransitionStep is
// a compare-and-swap: it reports applied=false, not an error, when the
// step's current state no longer matches from, which is how a duplicate
// or racing delivery of the same result becomes a no-op instead of an
// illegal-transition error.
type Store interface {
	LoadStep(ctx context.Context, stepUUID uuid.UUID) (*StepRecord, error)
	ApplyBackoff(ctx context.Context, stepUUID uuid.UUID, nextRetryAt time.Time, delaySeconds int, processorUUID uuid.UUID) error
	TransitionStep(ctx context.Context, stepUUID uuid.UUID, from, to discovery.StepState, processorUUID uuid.UUID, metadata json.RawMessage) (applied bool, err error)
}

// BatchDelegate hands a completed batchable step's outcome to the Batch
// Processing Service (spec.md §4.9).
type BatchDelegate interface {
	ProcessBatchOutcome(ctx context.Context, taskUUID, stepUUID uuid.UUID, outcome json.RawMessage) error
}

// DecisionDelegate hands a completed decision-point step's outcome to the
// Decision-Point Service (spec.md §4.8).
type DecisionDelegate interface {
	ProcessDecisionOutcome(ctx context.Context, taskUUID, stepUUID uuid.UUID, outcome json.RawMessage) error
}

// Coordinator is the Task Coordinator seam: every processed message ends
// by asking it to re-evaluate the owning task (spec.md §4.6).
type Coordinator interface {
	CoordinateFinalization(ctx context.Context, taskUUID uuid.UUID) error
}

// Processor implements spec.md §4.5 over a Store, a Backoff Calculator,
// and the Batch/Decision/Coordinator seams. Batch and Decision may be nil
// until those services exist; a success result naming an outcome they
// would have handled is logged and otherwise ignored rather than failing
// the message.
type Processor struct {
	store         Store
	backoffCalc   *backoff.Calculator
	batch         BatchDelegate
	decision      DecisionDelegate
	coordinator   Coordinator
	processorUUID uuid.UUID
	logger        *logrus.Logger
}

// New builds a Processor. processorUUID identifies this processor
// instance in the transition audit log.
func New(store Store, backoffCalc *backoff.Calculator, coordinator Coordinator, processorUUID uuid.UUID, logger *logrus.Logger) *Processor {
	if logger == nil {
		logger = logrus.New()
	}
	return &Processor{store: store, backoffCalc: backoffCalc, coordinator: coordinator, processorUUID: processorUUID, logger: logger}
}

// WithBatchDelegate attaches the Batch Processing Service once it exists.
func (p *Processor) WithBatchDelegate(d BatchDelegate) *Processor {
	p.batch = d
	return p
}

// WithDecisionDelegate attaches the Decision-Point Service once it exists.
func (p *Processor) WithDecisionDelegate(d DecisionDelegate) *Processor {
	p.decision = d
	return p
}

// ProcessMessage runs the full per-message sequence for msg. A returned
// error wrapping ErrInvalidMessage is a protocol violation: the caller
// should nack the message without requeueing it. Any other error is
// transient and the caller should nack with requeue so the message is
// retried.
func (p *Processor) ProcessMessage(ctx context.Context, msg StepResultMessage) error {
	step, result, err := p.hydrate(ctx, msg)
	if err != nil {
		return err
	}

	// Only EnqueuedForOrchestration / EnqueuedAsErrorForOrchestration steps
	// have a pending notification to act on. Anything else means another
	// processor already handled this result, or it arrived out of order —
	// tolerate it as a duplicate rather than erroring (spec.md §4.11).
	if step.State != discovery.StepEnqueuedForOrchestration && step.State != discovery.StepEnqueuedAsErrorForOrchestration {
		p.logger.WithFields(logrus.Fields{
			"workflow_step_uuid": step.WorkflowStepUUID,
			"current_state":      step.State,
		}).Debug("resultprocessor: step not awaiting orchestration notification, treating as duplicate")
		return nil
	}

	// Any result that will route through errorState needs a backoff delay
	// computed and persisted before the transition, not just ones arriving
	// on the dedicated error queue: a success-queue message reporting
	// Success==false still lands in StepWaitingForRetry/StepError via
	// errorState below and needs the same treatment.
	if step.State == discovery.StepEnqueuedAsErrorForOrchestration || !result.Success {
		if err := p.processBackoff(ctx, step, result); err != nil {
			return fmt.Errorf("resultprocessor: process backoff for step %s: %w", step.WorkflowStepUUID, err)
		}
	}

	to, metadata, err := p.nextState(step, result)
	if err != nil {
		return err
	}

	applied, err := p.store.TransitionStep(ctx, step.WorkflowStepUUID, step.State, to, p.processorUUID, metadata)
	if err != nil {
		return fmt.Errorf("resultprocessor: transition step %s to %s: %w", step.WorkflowStepUUID, to, err)
	}
	if !applied {
		p.logger.WithFields(logrus.Fields{
			"workflow_step_uuid": step.WorkflowStepUUID,
			"to_state":           to,
		}).Debug("resultprocessor: transition lost the race, treating as duplicate")
		return nil
	}

	if to == discovery.StepComplete {
		p.expand(ctx, step, result)
	}

	if err := p.coordinator.CoordinateFinalization(ctx, step.TaskUUID); err != nil {
		return fmt.Errorf("resultprocessor: coordinate finalization for task %s: %w", step.TaskUUID, err)
	}
	return nil
}

// hydrate loads the step row and deserializes its results column into a
// full StepExecutionResult (spec.md §4.5 step 1).
func (p *Processor) hydrate(ctx context.Context, msg StepResultMessage) (*StepRecord, *StepExecutionResult, error) {
	step, err := p.store.LoadStep(ctx, msg.StepUUID)
	if err != nil {
		return nil, nil, fmt.Errorf("resultprocessor: load step %s: %w", msg.StepUUID, err)
	}
	if step == nil {
		return nil, nil, fmt.Errorf("%w: step %s not found", ErrInvalidMessage, msg.StepUUID)
	}
	if len(step.Results) == 0 {
		return nil, nil, fmt.Errorf("%w: step %s has no results to hydrate", ErrInvalidMessage, msg.StepUUID)
	}

	var result StepExecutionResult
	if err := json.Unmarshal(step.Results, &result); err != nil {
		return nil, nil, fmt.Errorf("%w: step %s results do not deserialize as a StepExecutionResult: %v", ErrInvalidMessage, msg.StepUUID, err)
	}
	return step, &result, nil
}

// processBackoff feeds the worker-supplied headers, error context, and
// backoff hint into the Backoff Calculator and persists the outcome onto
// the step row (spec.md §4.5 step 2).
func (p *Processor) processBackoff(ctx context.Context, step *StepRecord, result *StepExecutionResult) error {
	backoffCtx := backoff.Context{
		Attempt:      step.Attempts,
		Headers:      result.Metadata.Headers,
		ErrorContext: result.Metadata.ErrorContext,
	}
	if hint := result.Metadata.BackoffHint; hint != nil {
		backoffCtx.Hint = &backoff.Hint{Type: hint.Type, DelaySeconds: hint.DelaySeconds, Context: hint.Context}
	}

	calc := p.backoffCalc.Calculate(backoffCtx)
	return p.store.ApplyBackoff(ctx, step.WorkflowStepUUID, calc.NextRetryAt, calc.DelaySeconds, p.processorUUID)
}

// nextState implements spec.md §4.5 step 3's success/error branches and
// returns the transition metadata to record alongside it.
func (p *Processor) nextState(step *StepRecord, result *StepExecutionResult) (discovery.StepState, json.RawMessage, error) {
	if step.State == discovery.StepEnqueuedForOrchestration {
		if result.Success {
			return discovery.StepComplete, result.Result, nil
		}
		return p.errorState(step, result)
	}
	// EnqueuedAsErrorForOrchestration: always an error notification,
	// regardless of what Success reports.
	return p.errorState(step, result)
}

func (p *Processor) errorState(step *StepRecord, result *StepExecutionResult) (discovery.StepState, json.RawMessage, error) {
	nonRetryable := !result.Metadata.Retryable || step.Attempts >= step.MaxAttempts
	metadata, err := json.Marshal(result.Error)
	if err != nil {
		metadata = nil
	}
	if nonRetryable {
		return discovery.StepError, metadata, nil
	}
	return discovery.StepWaitingForRetry, metadata, nil
}

// expand delegates to the Batch Processing Service or Decision-Point
// Service when the result names one of their outcomes (spec.md §4.5 step
// 4). A nil delegate is logged and skipped rather than failing the
// message, since those services may not be wired in yet.
func (p *Processor) expand(ctx context.Context, step *StepRecord, result *StepExecutionResult) {
	if len(result.BatchProcessingOutcome) > 0 {
		if p.batch == nil {
			p.logger.WithField("workflow_step_uuid", step.WorkflowStepUUID).
				Warn("resultprocessor: batch_processing_outcome present but no batch delegate configured")
			return
		}
		if err := p.batch.ProcessBatchOutcome(ctx, step.TaskUUID, step.WorkflowStepUUID, result.BatchProcessingOutcome); err != nil {
			p.logger.WithError(err).WithField("workflow_step_uuid", step.WorkflowStepUUID).
				Error("resultprocessor: batch outcome processing failed")
		}
		return
	}
	if len(result.DecisionPointOutcome) > 0 {
		if p.decision == nil {
			p.logger.WithField("workflow_step_uuid", step.WorkflowStepUUID).
				Warn("resultprocessor: decision_point_outcome present but no decision delegate configured")
			return
		}
		if err := p.decision.ProcessDecisionOutcome(ctx, step.TaskUUID, step.WorkflowStepUUID, result.DecisionPointOutcome); err != nil {
			p.logger.WithError(err).WithField("workflow_step_uuid", step.WorkflowStepUUID).
				Error("resultprocessor: decision outcome processing failed")
		}
	}
}
