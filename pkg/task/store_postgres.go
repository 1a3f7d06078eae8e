package task

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jordigilh/kubernaut/pkg/taskmodel"
	"github.com/jordigilh/kubernaut/pkg/template"
)

// PostgresStore implements Store against the orchestrator's schema. The
// identity-hash lookup and the task/step/edge insert happen inside one
// REPEATABLE READ transaction so that two submissions racing on the same
// identity_hash cannot both observe "not found" — the second writer's
// insert fails the unique constraint on identity_hash and the caller's
// InsertTask returns that as a conflict.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an open connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) FindByIdentityHash(ctx context.Context, identityHash string) (*taskmodel.Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT task_uuid, named_task_uuid, context, correlation_id, parent_correlation_id,
		       priority, identity_hash, initiator, source_system, reason, tags, complete,
		       requested_at, created_at, updated_at
		FROM tasker_tasks
		WHERE identity_hash = $1
		ORDER BY created_at DESC
		LIMIT 1`, identityHash)

	var t taskmodel.Task
	err := row.Scan(&t.TaskUUID, &t.NamedTaskUUID, &t.Context, &t.CorrelationID, &t.ParentCorrelationID,
		&t.Priority, &t.IdentityHash, &t.Initiator, &t.SourceSystem, &t.Reason, &t.Tags, &t.Complete,
		&t.RequestedAt, &t.CreatedAt, &t.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query task by identity hash: %w", err)
	}
	return &t, nil
}

// ResolveTemplate finds or creates the task_namespace/named_task/named_step
// rows tpl implies. Each lookup is a plain SELECT followed, on a miss, by an
// ON CONFLICT DO NOTHING insert and a re-SELECT, rather than a
// single upsert RETURNING, since a named_step row for a Deferred step may
// already have been created by an earlier task submission of the same
// template and SQLite-style RETURNING-on-conflict isn't needed for what is,
// in practice, a rare first-submission race.
func (s *PostgresStore) ResolveTemplate(ctx context.Context, tpl *template.Template) (uuid.UUID, map[string]uuid.UUID, error) {
	namespaceUUID, err := s.resolveNamespace(ctx, tpl.Namespace)
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("resolve task namespace %q: %w", tpl.Namespace, err)
	}

	namedTaskUUID, err := s.resolveNamedTask(ctx, namespaceUUID, tpl.Name, tpl.Version)
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("resolve named task %s/%s@%s: %w", tpl.Namespace, tpl.Name, tpl.Version, err)
	}

	namedStepUUIDByName := make(map[string]uuid.UUID, len(tpl.Steps))
	for _, decl := range tpl.Steps {
		stepUUID, err := s.resolveNamedStep(ctx, namedTaskUUID, decl)
		if err != nil {
			return uuid.Nil, nil, fmt.Errorf("resolve named step %q: %w", decl.Name, err)
		}
		namedStepUUIDByName[decl.Name] = stepUUID
	}

	return namedTaskUUID, namedStepUUIDByName, nil
}

func (s *PostgresStore) resolveNamespace(ctx context.Context, name string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `SELECT task_namespace_uuid FROM tasker_task_namespaces WHERE name = $1`, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != pgx.ErrNoRows {
		return uuid.Nil, err
	}

	id = taskmodel.NewUUID()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasker_task_namespaces (task_namespace_uuid, name)
		VALUES ($1, $2)
		ON CONFLICT (name) DO NOTHING`, id, name)
	if err != nil {
		return uuid.Nil, err
	}
	if err := s.pool.QueryRow(ctx, `SELECT task_namespace_uuid FROM tasker_task_namespaces WHERE name = $1`, name).Scan(&id); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func (s *PostgresStore) resolveNamedTask(ctx context.Context, namespaceUUID uuid.UUID, name, version string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		SELECT named_task_uuid FROM tasker_named_tasks
		WHERE task_namespace_uuid = $1 AND name = $2 AND version = $3`, namespaceUUID, name, version).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != pgx.ErrNoRows {
		return uuid.Nil, err
	}

	id = taskmodel.NewUUID()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasker_named_tasks (named_task_uuid, task_namespace_uuid, name, version)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (task_namespace_uuid, name, version) DO NOTHING`, id, namespaceUUID, name, version)
	if err != nil {
		return uuid.Nil, err
	}
	if err := s.pool.QueryRow(ctx, `
		SELECT named_task_uuid FROM tasker_named_tasks
		WHERE task_namespace_uuid = $1 AND name = $2 AND version = $3`, namespaceUUID, name, version).Scan(&id); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func (s *PostgresStore) resolveNamedStep(ctx context.Context, namedTaskUUID uuid.UUID, decl template.StepDecl) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		SELECT named_step_uuid FROM tasker_named_steps
		WHERE named_task_uuid = $1 AND name = $2`, namedTaskUUID, decl.Name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != pgx.ErrNoRows {
		return uuid.Nil, err
	}

	id = taskmodel.NewUUID()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasker_named_steps
			(named_step_uuid, named_task_uuid, name, handler_callable, max_attempts, timeout_seconds)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (named_task_uuid, name) DO NOTHING`,
		id, namedTaskUUID, decl.Name, decl.Handler.Callable, decl.MaxAttempts, decl.TimeoutSeconds)
	if err != nil {
		return uuid.Nil, err
	}
	if err := s.pool.QueryRow(ctx, `
		SELECT named_step_uuid FROM tasker_named_steps
		WHERE named_task_uuid = $1 AND name = $2`, namedTaskUUID, decl.Name).Scan(&id); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func (s *PostgresStore) InsertTask(ctx context.Context, ins Insertion) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	t := ins.Task
	_, err = tx.Exec(ctx, `
		INSERT INTO tasker_tasks
			(task_uuid, named_task_uuid, context, correlation_id, parent_correlation_id,
			 priority, identity_hash, initiator, source_system, reason, tags, complete)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, false)`,
		t.TaskUUID, t.NamedTaskUUID, t.Context, t.CorrelationID, t.ParentCorrelationID,
		t.Priority, t.IdentityHash, t.Initiator, t.SourceSystem, t.Reason, t.Tags)
	if err != nil {
		return fmt.Errorf("insert task row: %w", err)
	}

	for _, step := range ins.Steps {
		_, err = tx.Exec(ctx, `
			INSERT INTO tasker_workflow_steps
				(workflow_step_uuid, task_uuid, named_step_uuid, inputs, attempts, max_attempts,
				 retryable, processed, in_process)
			VALUES ($1, $2, $3, $4, 0, $5, $6, false, false)`,
			step.WorkflowStepUUID, step.TaskUUID, step.NamedStepUUID, step.Inputs,
			step.MaxAttempts, step.Retryable)
		if err != nil {
			return fmt.Errorf("insert workflow step %s: %w", step.WorkflowStepUUID, err)
		}
	}

	for _, edge := range ins.Edges {
		_, err = tx.Exec(ctx, `
			INSERT INTO tasker_workflow_step_edges
				(workflow_step_edge_uuid, task_uuid, from_step_uuid, to_step_uuid, name)
			VALUES ($1, $2, $3, $4, $5)`,
			edge.WorkflowStepEdgeUUID, edge.TaskUUID, edge.FromStepUUID, edge.ToStepUUID, edge.Name)
		if err != nil {
			return fmt.Errorf("insert workflow step edge %s: %w", edge.WorkflowStepEdgeUUID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
