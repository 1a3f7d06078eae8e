package enqueue

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jordigilh/kubernaut/pkg/taskmodel"
)

// PostgresClaimer implements Claimer by appending a row to
// tasker_workflow_step_transitions guarded by a conditional update on the
// step's own row: a step is claimable only while its in_process flag is
// false, so two enqueuers racing on the same viable step cannot both
// succeed.
type PostgresClaimer struct {
	pool          *pgxpool.Pool
	processorUUID uuid.UUID
}

// NewPostgresClaimer builds a PostgresClaimer. processorUUID identifies
// this enqueuer instance in the transition audit log.
func NewPostgresClaimer(pool *pgxpool.Pool, processorUUID uuid.UUID) *PostgresClaimer {
	return &PostgresClaimer{pool: pool, processorUUID: processorUUID}
}

// ClaimStep marks workflowStepUUID in_process and appends a
// pending/waiting_for_retry -> enqueued transition, all within one
// transaction so the claim and the transition row are atomic.
func (c *PostgresClaimer) ClaimStep(ctx context.Context, workflowStepUUID uuid.UUID) (bool, error) {
	tx, err := c.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("enqueue: begin claim transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE tasker_workflow_steps
		SET in_process = true
		WHERE workflow_step_uuid = $1 AND in_process = false`, workflowStepUUID)
	if err != nil {
		return false, fmt.Errorf("enqueue: claim step %s: %w", workflowStepUUID, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO tasker_workflow_step_transitions (step_transition_uuid, workflow_step_uuid, from_state, to_state, processor_uuid)
		VALUES ($1, $2, COALESCE((
		    SELECT to_state FROM tasker_workflow_step_transitions
		    WHERE workflow_step_uuid = $2
		    ORDER BY created_at DESC LIMIT 1
		), 'pending'), 'enqueued', $3)`,
		taskmodel.NewUUID(), workflowStepUUID, c.processorUUID)
	if err != nil {
		return false, fmt.Errorf("enqueue: append enqueued transition for %s: %w", workflowStepUUID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("enqueue: commit claim for %s: %w", workflowStepUUID, err)
	}
	return true, nil
}

// RollbackClaim reverts in_process and appends a compensating transition
// back to the state the claim moved the step out of (pending or
// waiting_for_retry), used only when the publish following a successful
// claim fails.
func (c *PostgresClaimer) RollbackClaim(ctx context.Context, workflowStepUUID uuid.UUID) error {
	tx, err := c.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("enqueue: begin rollback transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `UPDATE tasker_workflow_steps SET in_process = false WHERE workflow_step_uuid = $1`, workflowStepUUID)
	if err != nil {
		return fmt.Errorf("enqueue: revert claim for %s: %w", workflowStepUUID, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO tasker_workflow_step_transitions (step_transition_uuid, workflow_step_uuid, from_state, to_state, processor_uuid)
		VALUES ($1, $2, 'enqueued', COALESCE((
		    SELECT from_state FROM tasker_workflow_step_transitions
		    WHERE workflow_step_uuid = $2 AND to_state = 'enqueued'
		    ORDER BY created_at DESC LIMIT 1
		), 'pending'), $3)`,
		taskmodel.NewUUID(), workflowStepUUID, c.processorUUID)
	if err != nil {
		return fmt.Errorf("enqueue: append rollback transition for %s: %w", workflowStepUUID, err)
	}

	return tx.Commit(ctx)
}
