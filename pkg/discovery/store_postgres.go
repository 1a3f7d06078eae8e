package discovery

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// PostgresStore implements Store with three queries, so one load takes
// three round trips: the task row, the task's steps with their current
// state (the latest row of workflow_step_transitions), and its dependency
// edges. The step query is a CTE: one arm resolves each step's latest
// transition, the terminal SELECT joins that against workflow_step and
// named_step. No aggregate counters are computed in SQL.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore wraps an open sqlx handle.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type stepRow struct {
	WorkflowStepUUID uuid.UUID       `db:"workflow_step_uuid"`
	Name             string          `db:"name"`
	HandlerCallable  string          `db:"handler_callable"`
	State            string          `db:"state"`
	BackoffUntil     *time.Time      `db:"next_retry_at"`
	Results          json.RawMessage `db:"results"`
}

type edgeRow struct {
	FromStepUUID uuid.UUID `db:"from_step_uuid"`
	ToStepUUID   uuid.UUID `db:"to_step_uuid"`
}

type taskRow struct {
	TaskUUID uuid.UUID       `db:"task_uuid"`
	Context  json.RawMessage `db:"context"`
}

const stepsQuery = `
WITH latest_transition AS (
	SELECT DISTINCT ON (workflow_step_uuid) workflow_step_uuid, to_state
	FROM tasker_workflow_step_transitions
	WHERE workflow_step_uuid IN (SELECT workflow_step_uuid FROM tasker_workflow_steps WHERE task_uuid = $1)
	ORDER BY workflow_step_uuid, created_at DESC
)
SELECT
	ws.workflow_step_uuid,
	ns.name,
	ns.handler_callable,
	COALESCE(lt.to_state, 'pending') AS state,
	ws.next_retry_at,
	ws.results
FROM tasker_workflow_steps ws
JOIN tasker_named_steps ns ON ns.named_step_uuid = ws.named_step_uuid
LEFT JOIN latest_transition lt ON lt.workflow_step_uuid = ws.workflow_step_uuid
WHERE ws.task_uuid = $1`

const edgesQuery = `SELECT from_step_uuid, to_step_uuid FROM tasker_workflow_step_edges WHERE task_uuid = $1`

const taskQuery = `SELECT task_uuid, context FROM tasker_tasks WHERE task_uuid = $1`

// LoadTaskGraph loads a task's full step/edge snapshot in three queries
// (task row, step rows with resolved state, edge rows). They do not share a
// transaction, and the pooled sqlx handle may run each on a different
// connection. Returns (nil, nil) if the task does not exist.
func (s *PostgresStore) LoadTaskGraph(ctx context.Context, taskUUID uuid.UUID) (*TaskGraph, error) {
	var task taskRow
	if err := s.db.GetContext(ctx, &task, taskQuery, taskUUID); err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}

	var steps []stepRow
	if err := s.db.SelectContext(ctx, &steps, stepsQuery, taskUUID); err != nil {
		return nil, err
	}

	var edges []edgeRow
	if err := s.db.SelectContext(ctx, &edges, edgesQuery, taskUUID); err != nil {
		return nil, err
	}

	graph := &TaskGraph{
		TaskUUID:    task.TaskUUID,
		TaskContext: task.Context,
		Nodes:       make([]StepNode, 0, len(steps)),
		Edges:       make(map[uuid.UUID][]uuid.UUID, len(steps)),
	}
	for _, row := range steps {
		graph.Nodes = append(graph.Nodes, StepNode{
			WorkflowStepUUID: row.WorkflowStepUUID,
			Name:             row.Name,
			HandlerCallable:  row.HandlerCallable,
			State:            StepState(row.State),
			BackoffUntil:     row.BackoffUntil,
			Results:          row.Results,
		})
	}
	for _, e := range edges {
		graph.Edges[e.ToStepUUID] = append(graph.Edges[e.ToStepUUID], e.FromStepUUID)
	}
	return graph, nil
}

func isNoRows(err error) bool {
	return err != nil && err.Error() == "sql: no rows in result set"
}
