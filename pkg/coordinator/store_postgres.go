package coordinator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jordigilh/kubernaut/pkg/taskmodel"
)

// PostgresStore implements Store over tasker_tasks and
// tasker_task_transitions.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore builds a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// LoadTaskState resolves a task's current state from the latest row in
// its transition log, defaulting to Pending for a task with no
// transitions yet.
func (s *PostgresStore) LoadTaskState(ctx context.Context, taskUUID uuid.UUID) (TaskState, error) {
	var state string
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE((
		    SELECT to_state FROM tasker_task_transitions
		    WHERE task_uuid = $1
		    ORDER BY created_at DESC LIMIT 1
		), 'pending')`, taskUUID).Scan(&state)
	if err == pgx.ErrNoRows {
		return "", fmt.Errorf("coordinator: task %s not found", taskUUID)
	}
	if err != nil {
		return "", fmt.Errorf("coordinator: load task state for %s: %w", taskUUID, err)
	}
	return TaskState(state), nil
}

// TransitionTask re-verifies the task's current state under a row lock on
// its latest transition, appends the new transition only if it still
// matches from, and reports applied=false without error otherwise.
func (s *PostgresStore) TransitionTask(ctx context.Context, taskUUID uuid.UUID, from, to TaskState, processorUUID uuid.UUID, metadata json.RawMessage) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("coordinator: begin transition transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx, `
		SELECT COALESCE((
		    SELECT to_state FROM tasker_task_transitions
		    WHERE task_uuid = $1
		    ORDER BY created_at DESC LIMIT 1
		    FOR UPDATE
		), 'pending')`, taskUUID).Scan(&current)
	if err != nil {
		return false, fmt.Errorf("coordinator: lock current transition for task %s: %w", taskUUID, err)
	}
	if current != string(from) {
		return false, nil
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO tasker_task_transitions (task_transition_uuid, task_uuid, from_state, to_state, processor_uuid, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		taskmodel.NewUUID(), taskUUID, string(from), string(to), processorUUID, metadata); err != nil {
		return false, fmt.Errorf("coordinator: append transition for task %s: %w", taskUUID, err)
	}

	if to == TaskComplete {
		if _, err := tx.Exec(ctx, `UPDATE tasker_tasks SET complete = true WHERE task_uuid = $1`, taskUUID); err != nil {
			return false, fmt.Errorf("coordinator: mark task %s complete: %w", taskUUID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("coordinator: commit transition for task %s: %w", taskUUID, err)
	}
	return true, nil
}
