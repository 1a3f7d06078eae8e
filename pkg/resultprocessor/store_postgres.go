package resultprocessor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jordigilh/kubernaut/pkg/discovery"
	"github.com/jordigilh/kubernaut/pkg/taskmodel"
)

// PostgresStore implements Store over the same workflow_step /
// workflow_step_transitions tables pkg/discovery and pkg/enqueue read and
// write.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore builds a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// LoadStep fetches a step row and resolves its current state from the
// latest row in its transition log, returning (nil, nil) if the step does
// not exist.
func (s *PostgresStore) LoadStep(ctx context.Context, stepUUID uuid.UUID) (*StepRecord, error) {
	var rec StepRecord
	var state string
	err := s.pool.QueryRow(ctx, `
		SELECT ws.workflow_step_uuid, ws.task_uuid, ws.attempts, ws.max_attempts, ws.results,
		       COALESCE((
		           SELECT t.to_state FROM tasker_workflow_step_transitions t
		           WHERE t.workflow_step_uuid = ws.workflow_step_uuid
		           ORDER BY t.created_at DESC LIMIT 1
		       ), 'pending')
		FROM tasker_workflow_steps ws
		WHERE ws.workflow_step_uuid = $1`, stepUUID).
		Scan(&rec.WorkflowStepUUID, &rec.TaskUUID, &rec.Attempts, &rec.MaxAttempts, &rec.Results, &state)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resultprocessor: load step %s: %w", stepUUID, err)
	}
	rec.State = discovery.StepState(state)
	return &rec, nil
}

// ApplyBackoff persists the computed retry time and delay onto the step
// row.
func (s *PostgresStore) ApplyBackoff(ctx context.Context, stepUUID uuid.UUID, nextRetryAt time.Time, delaySeconds int, processorUUID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasker_workflow_steps
		SET next_retry_at = $2, backoff_request_seconds = $3
		WHERE workflow_step_uuid = $1`, stepUUID, nextRetryAt, delaySeconds)
	if err != nil {
		return fmt.Errorf("resultprocessor: apply backoff for step %s: %w", stepUUID, err)
	}
	return nil
}

// TransitionStep re-verifies the step's current state under a row lock on
// its latest transition, appends the new transition only if it still
// matches from, and reports applied=false without error when it does not
// — another processor already moved it.
func (s *PostgresStore) TransitionStep(ctx context.Context, stepUUID uuid.UUID, from, to discovery.StepState, processorUUID uuid.UUID, metadata json.RawMessage) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("resultprocessor: begin transition transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx, `
		SELECT COALESCE((
		    SELECT to_state FROM tasker_workflow_step_transitions
		    WHERE workflow_step_uuid = $1
		    ORDER BY created_at DESC LIMIT 1
		    FOR UPDATE
		), 'pending')`, stepUUID).Scan(&current)
	if err != nil {
		return false, fmt.Errorf("resultprocessor: lock current transition for step %s: %w", stepUUID, err)
	}
	if current != string(from) {
		return false, nil
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO tasker_workflow_step_transitions (step_transition_uuid, workflow_step_uuid, from_state, to_state, processor_uuid, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		taskmodel.NewUUID(), stepUUID, string(from), string(to), processorUUID, metadata); err != nil {
		return false, fmt.Errorf("resultprocessor: append transition for step %s: %w", stepUUID, err)
	}

	if to == discovery.StepComplete || to == discovery.StepError {
		if _, err := tx.Exec(ctx, `
			UPDATE tasker_workflow_steps
			SET processed = true, in_process = false
			WHERE workflow_step_uuid = $1`, stepUUID); err != nil {
			return false, fmt.Errorf("resultprocessor: mark step %s processed: %w", stepUUID, err)
		}
	} else if to == discovery.StepWaitingForRetry {
		if _, err := tx.Exec(ctx, `
			UPDATE tasker_workflow_steps SET in_process = false WHERE workflow_step_uuid = $1`, stepUUID); err != nil {
			return false, fmt.Errorf("resultprocessor: release step %s for retry: %w", stepUUID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("resultprocessor: commit transition for step %s: %w", stepUUID, err)
	}
	return true, nil
}
