package poller

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store by approximating claimability directly in
// SQL across every non-complete task, from the step row's flags rather
// than its transition log: not yet processed, not already claimed, its
// backoff window (if any) elapsed, and every upstream dependency already
// processed. A processed dependency may have ended in Error, whereas
// pkg/discovery (isClaimable plus predecessorsComplete) requires Complete,
// so a returned task can turn out to have no viable step.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an open connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) ScanReadyTasks(ctx context.Context, limit int) ([]ReadyTask, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT t.task_uuid, tns.name
		FROM tasker_tasks t
		JOIN tasker_named_tasks nt ON nt.named_task_uuid = t.named_task_uuid
		JOIN tasker_task_namespaces tns ON tns.task_namespace_uuid = nt.task_namespace_uuid
		JOIN tasker_workflow_steps ws ON ws.task_uuid = t.task_uuid
		WHERE t.complete = false
		  AND ws.processed = false
		  AND ws.in_process = false
		  AND (ws.next_retry_at IS NULL OR ws.next_retry_at <= now())
		  AND NOT EXISTS (
			SELECT 1 FROM tasker_workflow_step_edges e
			JOIN tasker_workflow_steps dep ON dep.workflow_step_uuid = e.from_step_uuid
			WHERE e.to_step_uuid = ws.workflow_step_uuid AND dep.processed = false
		  )
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("scan ready tasks: %w", err)
	}
	defer rows.Close()

	var ready []ReadyTask
	for rows.Next() {
		var r ReadyTask
		var taskUUID uuid.UUID
		if err := rows.Scan(&taskUUID, &r.Namespace); err != nil {
			return nil, fmt.Errorf("scan ready task row: %w", err)
		}
		r.TaskUUID = taskUUID
		ready = append(ready, r)
	}
	return ready, rows.Err()
}
