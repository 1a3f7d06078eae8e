package query

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jordigilh/kubernaut/pkg/taskmodel"
)

// PostgresStore implements Store over tasker_tasks, tasker_workflow_steps
// and their transition audit tables.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an open connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const taskColumns = `task_uuid, named_task_uuid, context, correlation_id, parent_correlation_id,
	priority, identity_hash, initiator, source_system, reason, tags, complete,
	requested_at, created_at, updated_at`

func scanTask(row pgx.Row) (taskmodel.Task, error) {
	var t taskmodel.Task
	err := row.Scan(&t.TaskUUID, &t.NamedTaskUUID, &t.Context, &t.CorrelationID, &t.ParentCorrelationID,
		&t.Priority, &t.IdentityHash, &t.Initiator, &t.SourceSystem, &t.Reason, &t.Tags, &t.Complete,
		&t.RequestedAt, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func (s *PostgresStore) progressFor(ctx context.Context, task taskmodel.Task) (*TaskProgress, error) {
	var total, completed int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE processed = true)
		FROM tasker_workflow_steps WHERE task_uuid = $1`, task.TaskUUID).Scan(&total, &completed)
	if err != nil {
		return nil, fmt.Errorf("query: count steps for task %s: %w", task.TaskUUID, err)
	}

	pct := 0.0
	if total > 0 {
		pct = float64(completed) / float64(total) * 100
	}

	health := "in_progress"
	if task.Complete || (total > 0 && completed == total) {
		health = "healthy"
	}
	var errored int
	_ = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM tasker_workflow_steps
		WHERE task_uuid = $1 AND processed = true AND results IS NOT NULL
		AND results::jsonb ? 'error'`, task.TaskUUID).Scan(&errored)
	if errored > 0 && !task.Complete {
		health = "degraded"
	}

	return &TaskProgress{
		Task:                 task,
		TotalSteps:           total,
		CompletedSteps:       completed,
		CompletionPercentage: pct,
		HealthStatus:         health,
	}, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskUUID uuid.UUID) (*TaskProgress, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasker_tasks WHERE task_uuid = $1`, taskUUID)
	t, err := scanTask(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query: get task %s: %w", taskUUID, err)
	}
	return s.progressFor(ctx, t)
}

func (s *PostgresStore) ListTasks(ctx context.Context, filter TaskFilter) ([]TaskProgress, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	sql := `
		SELECT t.task_uuid, t.named_task_uuid, t.context, t.correlation_id, t.parent_correlation_id,
		       t.priority, t.identity_hash, t.initiator, t.source_system, t.reason, t.tags, t.complete,
		       t.requested_at, t.created_at, t.updated_at
		FROM tasker_tasks t
		JOIN tasker_named_tasks nt ON nt.named_task_uuid = t.named_task_uuid
		JOIN tasker_task_namespaces tns ON tns.task_namespace_uuid = nt.task_namespace_uuid
		WHERE ($1 = '' OR tns.name = $1)
		  AND ($2 = '' OR nt.name = $2)
		  AND ($3::boolean IS NULL OR t.complete = $3)
		ORDER BY t.created_at DESC
		LIMIT $4 OFFSET $5`

	rows, err := s.pool.Query(ctx, sql, filter.Namespace, filter.Name, filter.Complete, limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("query: list tasks: %w", err)
	}
	defer rows.Close()

	var out []TaskProgress
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("query: scan task row: %w", err)
		}
		progress, err := s.progressFor(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, *progress)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TaskHistory(ctx context.Context, taskUUID uuid.UUID, limit int64) ([]taskmodel.TaskTransition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT task_transition_uuid, task_uuid, from_state, to_state, processor_uuid, metadata, created_at
		FROM tasker_task_transitions WHERE task_uuid = $1 ORDER BY created_at DESC LIMIT $2`, taskUUID, limit)
	if err != nil {
		return nil, fmt.Errorf("query: task history for %s: %w", taskUUID, err)
	}
	defer rows.Close()

	var out []taskmodel.TaskTransition
	for rows.Next() {
		var tr taskmodel.TaskTransition
		if err := rows.Scan(&tr.TaskTransitionUUID, &tr.TaskUUID, &tr.FromState, &tr.ToState,
			&tr.ProcessorUUID, &tr.Metadata, &tr.CreatedAt); err != nil {
			return nil, fmt.Errorf("query: scan task transition: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

const stepColumns = `workflow_step_uuid, task_uuid, named_step_uuid, inputs, results, attempts,
	max_attempts, retryable, backoff_request_seconds, next_retry_at, last_attempted_at,
	processed, in_process, created_at, updated_at`

func scanStep(row pgx.Row) (taskmodel.WorkflowStep, error) {
	var ws taskmodel.WorkflowStep
	err := row.Scan(&ws.WorkflowStepUUID, &ws.TaskUUID, &ws.NamedStepUUID, &ws.Inputs, &ws.Results,
		&ws.Attempts, &ws.MaxAttempts, &ws.Retryable, &ws.BackoffRequestSeconds, &ws.NextRetryAt,
		&ws.LastAttemptedAt, &ws.Processed, &ws.InProcess, &ws.CreatedAt, &ws.UpdatedAt)
	return ws, err
}

func (s *PostgresStore) GetStep(ctx context.Context, stepUUID uuid.UUID) (*taskmodel.WorkflowStep, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+stepColumns+` FROM tasker_workflow_steps WHERE workflow_step_uuid = $1`, stepUUID)
	ws, err := scanStep(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query: get step %s: %w", stepUUID, err)
	}
	return &ws, nil
}

func (s *PostgresStore) ListSteps(ctx context.Context, taskUUID uuid.UUID) ([]taskmodel.WorkflowStep, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+stepColumns+` FROM tasker_workflow_steps WHERE task_uuid = $1 ORDER BY created_at ASC`, taskUUID)
	if err != nil {
		return nil, fmt.Errorf("query: list steps for task %s: %w", taskUUID, err)
	}
	defer rows.Close()

	var out []taskmodel.WorkflowStep
	for rows.Next() {
		ws, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("query: scan step row: %w", err)
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

func (s *PostgresStore) StepHistory(ctx context.Context, stepUUID uuid.UUID, limit int64) ([]taskmodel.StepTransition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT step_transition_uuid, workflow_step_uuid, from_state, to_state, processor_uuid, metadata, created_at
		FROM tasker_workflow_step_transitions WHERE workflow_step_uuid = $1 ORDER BY created_at DESC LIMIT $2`, stepUUID, limit)
	if err != nil {
		return nil, fmt.Errorf("query: step history for %s: %w", stepUUID, err)
	}
	defer rows.Close()

	var out []taskmodel.StepTransition
	for rows.Next() {
		var tr taskmodel.StepTransition
		if err := rows.Scan(&tr.StepTransitionUUID, &tr.WorkflowStepUUID, &tr.FromState, &tr.ToState,
			&tr.ProcessorUUID, &tr.Metadata, &tr.CreatedAt); err != nil {
			return nil, fmt.Errorf("query: scan step transition: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}
