package manualops

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jordigilh/kubernaut/pkg/discovery"
	"github.com/jordigilh/kubernaut/pkg/taskmodel"
)

// PostgresStore implements StepStore over tasker_workflow_steps and
// tasker_workflow_step_transitions, reusing the same row-lock CAS pattern
// pkg/resultprocessor.PostgresStore.TransitionStep applies to automated
// transitions.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an open connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CurrentStepState(ctx context.Context, stepUUID uuid.UUID) (discovery.StepState, error) {
	var state string
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE((
		    SELECT to_state FROM tasker_workflow_step_transitions
		    WHERE workflow_step_uuid = $1
		    ORDER BY created_at DESC LIMIT 1
		), 'pending')`, stepUUID).Scan(&state)
	if err == pgx.ErrNoRows {
		return "", fmt.Errorf("manualops: step %s not found", stepUUID)
	}
	if err != nil {
		return "", fmt.Errorf("manualops: load state for step %s: %w", stepUUID, err)
	}
	return discovery.StepState(state), nil
}

func (s *PostgresStore) TransitionStep(ctx context.Context, stepUUID uuid.UUID, from, to discovery.StepState, actor string, metadata json.RawMessage) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("manualops: begin transition transaction: %w", err)
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
		return false, fmt.Errorf("manualops: lock current transition for step %s: %w", stepUUID, err)
	}
	if current != string(from) {
		return false, nil
	}

	processorUUID := uuid.Nil
	if _, err := tx.Exec(ctx, `
		INSERT INTO tasker_workflow_step_transitions (step_transition_uuid, workflow_step_uuid, from_state, to_state, processor_uuid, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		taskmodel.NewUUID(), stepUUID, string(from), string(to), processorUUID, metadata); err != nil {
		return false, fmt.Errorf("manualops: append transition for step %s: %w", stepUUID, err)
	}

	switch to {
	case discovery.StepComplete, discovery.StepCancelled, discovery.StepResolvedManually:
		if _, err := tx.Exec(ctx, `
			UPDATE tasker_workflow_steps SET processed = true, in_process = false
			WHERE workflow_step_uuid = $1`, stepUUID); err != nil {
			return false, fmt.Errorf("manualops: mark step %s processed: %w", stepUUID, err)
		}
	case discovery.StepPending:
		if _, err := tx.Exec(ctx, `
			UPDATE tasker_workflow_steps SET processed = false, in_process = false, attempts = 0
			WHERE workflow_step_uuid = $1`, stepUUID); err != nil {
			return false, fmt.Errorf("manualops: reset step %s: %w", stepUUID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("manualops: commit transition for step %s: %w", stepUUID, err)
	}
	return true, nil
}

func (s *PostgresStore) RecordStepResult(ctx context.Context, stepUUID uuid.UUID, result json.RawMessage) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasker_workflow_steps SET results = $2 WHERE workflow_step_uuid = $1`, stepUUID, result)
	if err != nil {
		return fmt.Errorf("manualops: record result for step %s: %w", stepUUID, err)
	}
	return nil
}
