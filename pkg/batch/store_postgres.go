package batch

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jordigilh/kubernaut/pkg/taskmodel"
	"github.com/jordigilh/kubernaut/pkg/template"
)

// PostgresStore implements Store over tasker_tasks/tasker_named_tasks (to
// resolve a batchable step's owning template) joined with the in-memory
// template Registry, the only place a step's ConvergenceStep declaration
// lives.
type PostgresStore struct {
	pool     *pgxpool.Pool
	registry *template.Registry
}

// NewPostgresStore builds a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, registry *template.Registry) *PostgresStore {
	return &PostgresStore{pool: pool, registry: registry}
}

// LoadBatchableStep resolves batchableStepUUID's owning template and step
// name, then returns the deferred declaration its ConvergenceStep names.
func (s *PostgresStore) LoadBatchableStep(ctx context.Context, taskUUID, batchableStepUUID uuid.UUID) (*BatchableStepTemplate, error) {
	var namespace, name, version, stepName string
	err := s.pool.QueryRow(ctx, `
		SELECT tns.name, nt.name, nt.version, ns.name
		FROM tasker_tasks t
		JOIN tasker_named_tasks nt ON nt.named_task_uuid = t.named_task_uuid
		JOIN tasker_task_namespaces tns ON tns.task_namespace_uuid = nt.task_namespace_uuid
		JOIN tasker_workflow_steps ws ON ws.task_uuid = t.task_uuid AND ws.workflow_step_uuid = $2
		JOIN tasker_named_steps ns ON ns.named_step_uuid = ws.named_step_uuid
		WHERE t.task_uuid = $1`, taskUUID, batchableStepUUID).Scan(&namespace, &name, &version, &stepName)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve batchable step %s for task %s: %w", batchableStepUUID, taskUUID, err)
	}

	tpl, ok := s.registry.Lookup(namespace, name, version)
	if !ok {
		return nil, fmt.Errorf("no template registered for %s/%s@%s", namespace, name, version)
	}

	var batchableDecl *template.StepDecl
	for i := range tpl.Steps {
		if tpl.Steps[i].Name == stepName {
			batchableDecl = &tpl.Steps[i]
			break
		}
	}
	if batchableDecl == nil {
		return nil, fmt.Errorf("step %q not found in template %s/%s@%s", stepName, namespace, name, version)
	}
	if batchableDecl.ConvergenceStep == "" {
		return nil, fmt.Errorf("step %q has no convergence_step declared", stepName)
	}

	var convergenceDecl *template.StepDecl
	for i := range tpl.Steps {
		if tpl.Steps[i].Name == batchableDecl.ConvergenceStep {
			convergenceDecl = &tpl.Steps[i]
			break
		}
	}
	if convergenceDecl == nil {
		return nil, fmt.Errorf("convergence step %q not found in template %s/%s@%s", batchableDecl.ConvergenceStep, namespace, name, version)
	}

	return &BatchableStepTemplate{
		ConvergenceStepName:        convergenceDecl.Name,
		ConvergenceHandlerCallable: convergenceDecl.Handler.Callable,
		ConvergenceMaxAttempts:     convergenceDecl.MaxAttempts,
	}, nil
}

// ExistingWorkers returns every step already wired to batchableStepUUID by a
// batch_dependency edge, keyed by name.
func (s *PostgresStore) ExistingWorkers(ctx context.Context, taskUUID, batchableStepUUID uuid.UUID) (map[string]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ns.name, ws.workflow_step_uuid
		FROM tasker_workflow_step_edges e
		JOIN tasker_workflow_steps ws ON ws.workflow_step_uuid = e.to_step_uuid
		JOIN tasker_named_steps ns ON ns.named_step_uuid = ws.named_step_uuid
		WHERE e.task_uuid = $1 AND e.from_step_uuid = $2 AND e.name = $3`,
		taskUUID, batchableStepUUID, taskmodel.EdgeBatchDependency)
	if err != nil {
		return nil, fmt.Errorf("query existing workers for %s: %w", batchableStepUUID, err)
	}
	defer rows.Close()

	existing := make(map[string]uuid.UUID)
	for rows.Next() {
		var name string
		var stepUUID uuid.UUID
		if err := rows.Scan(&name, &stepUUID); err != nil {
			return nil, fmt.Errorf("scan existing worker row: %w", err)
		}
		existing[name] = stepUUID
	}
	return existing, rows.Err()
}

// ExistingConvergence reports whether name has already been materialized
// for taskUUID.
func (s *PostgresStore) ExistingConvergence(ctx context.Context, taskUUID uuid.UUID, name string) (uuid.UUID, bool, error) {
	var stepUUID uuid.UUID
	err := s.pool.QueryRow(ctx, `
		SELECT ws.workflow_step_uuid
		FROM tasker_workflow_steps ws
		JOIN tasker_named_steps ns ON ns.named_step_uuid = ws.named_step_uuid
		WHERE ws.task_uuid = $1 AND ns.name = $2`, taskUUID, name).Scan(&stepUUID)
	if err == pgx.ErrNoRows {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("query existing convergence step %q: %w", name, err)
	}
	return stepUUID, true, nil
}

// CreateBatch materializes workers and, when convergence is non-nil, the
// convergence step plus a worker_to_convergence edge from each worker in
// workers, in one transaction. Worker named_step_uuid rows
// are resolved find-or-create since a worker's name embeds a batch id that
// no template declares ahead of time.
func (s *PostgresStore) CreateBatch(ctx context.Context, taskUUID, batchableStepUUID uuid.UUID, workers []NewWorker, convergence *NewConvergence) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin create-batch transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var namedTaskUUID uuid.UUID
	if err := tx.QueryRow(ctx, `SELECT named_task_uuid FROM tasker_tasks WHERE task_uuid = $1`, taskUUID).Scan(&namedTaskUUID); err != nil {
		return fmt.Errorf("resolve named_task_uuid for task %s: %w", taskUUID, err)
	}

	for _, w := range workers {
		namedStepUUID, err := resolveOrCreateNamedStep(ctx, tx, namedTaskUUID, w.Name, w.HandlerCallable, w.MaxAttempts)
		if err != nil {
			return fmt.Errorf("resolve named step for worker %q: %w", w.Name, err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO tasker_workflow_steps
				(workflow_step_uuid, task_uuid, named_step_uuid, inputs, attempts, max_attempts, retryable, processed, in_process)
			VALUES ($1, $2, $3, $4, 0, $5, true, false, false)`,
			w.WorkflowStepUUID, taskUUID, namedStepUUID, w.Inputs, w.MaxAttempts); err != nil {
			return fmt.Errorf("insert worker step %q: %w", w.Name, err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO tasker_workflow_step_edges (workflow_step_edge_uuid, task_uuid, from_step_uuid, to_step_uuid, name)
			VALUES ($1, $2, $3, $4, $5)`,
			taskmodel.NewUUID(), taskUUID, batchableStepUUID, w.WorkflowStepUUID, taskmodel.EdgeBatchDependency); err != nil {
			return fmt.Errorf("insert batch_dependency edge for worker %q: %w", w.Name, err)
		}
	}

	if convergence != nil {
		namedStepUUID, err := resolveOrCreateNamedStep(ctx, tx, namedTaskUUID, convergence.Name, convergence.HandlerCallable, convergence.MaxAttempts)
		if err != nil {
			return fmt.Errorf("resolve named step for convergence %q: %w", convergence.Name, err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO tasker_workflow_steps
				(workflow_step_uuid, task_uuid, named_step_uuid, attempts, max_attempts, retryable, processed, in_process)
			VALUES ($1, $2, $3, 0, $4, true, false, false)`,
			convergence.WorkflowStepUUID, taskUUID, namedStepUUID, convergence.MaxAttempts); err != nil {
			return fmt.Errorf("insert convergence step %q: %w", convergence.Name, err)
		}
		for _, w := range workers {
			if _, err := tx.Exec(ctx, `
				INSERT INTO tasker_workflow_step_edges (workflow_step_edge_uuid, task_uuid, from_step_uuid, to_step_uuid, name)
				VALUES ($1, $2, $3, $4, $5)`,
				taskmodel.NewUUID(), taskUUID, w.WorkflowStepUUID, convergence.WorkflowStepUUID, taskmodel.EdgeWorkerToConvergence); err != nil {
				return fmt.Errorf("insert worker_to_convergence edge from %q: %w", w.Name, err)
			}
		}
	}

	return tx.Commit(ctx)
}

// resolveOrCreateNamedStep finds name's named_step_uuid under namedTaskUUID,
// creating it on first use. Worker names embed a dynamic batch id, so
// unlike a decision's candidate descendants, there's no pre-existing row
// from task initialization to resolve against.
func resolveOrCreateNamedStep(ctx context.Context, tx pgx.Tx, namedTaskUUID uuid.UUID, name, handlerCallable string, maxAttempts int) (uuid.UUID, error) {
	var id uuid.UUID
	err := tx.QueryRow(ctx, `
		SELECT named_step_uuid FROM tasker_named_steps
		WHERE named_task_uuid = $1 AND name = $2`, namedTaskUUID, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != pgx.ErrNoRows {
		return uuid.Nil, err
	}

	id = taskmodel.NewUUID()
	if _, err := tx.Exec(ctx, `
		INSERT INTO tasker_named_steps (named_step_uuid, named_task_uuid, name, handler_callable, max_attempts)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (named_task_uuid, name) DO NOTHING`,
		id, namedTaskUUID, name, handlerCallable, maxAttempts); err != nil {
		return uuid.Nil, err
	}
	if err := tx.QueryRow(ctx, `
		SELECT named_step_uuid FROM tasker_named_steps
		WHERE named_task_uuid = $1 AND name = $2`, namedTaskUUID, name).Scan(&id); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}
