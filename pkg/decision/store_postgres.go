package decision

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
// resolve a task's owning template) joined with the in-memory template
// Registry (the only place a template's candidate-descendant and deferred
// declarations live — they have no relational column of their own).
type PostgresStore struct {
	pool     *pgxpool.Pool
	registry *template.Registry
}

// NewPostgresStore builds a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, registry *template.Registry) *PostgresStore {
	return &PostgresStore{pool: pool, registry: registry}
}

// LoadDecisionStep resolves decisionStepUUID's owning template and step
// name, then returns its CandidateDescendants and every Deferred step
// declaration in that template.
func (s *PostgresStore) LoadDecisionStep(ctx context.Context, taskUUID, decisionStepUUID uuid.UUID) (*DecisionStepTemplate, error) {
	var namespace, name, version, stepName string
	err := s.pool.QueryRow(ctx, `
		SELECT tns.name, nt.name, nt.version, ns.name
		FROM tasker_tasks t
		JOIN tasker_named_tasks nt ON nt.named_task_uuid = t.named_task_uuid
		JOIN tasker_task_namespaces tns ON tns.task_namespace_uuid = nt.task_namespace_uuid
		JOIN tasker_workflow_steps ws ON ws.task_uuid = t.task_uuid AND ws.workflow_step_uuid = $2
		JOIN tasker_named_steps ns ON ns.named_step_uuid = ws.named_step_uuid
		WHERE t.task_uuid = $1`, taskUUID, decisionStepUUID).Scan(&namespace, &name, &version, &stepName)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve decision step %s for task %s: %w", decisionStepUUID, taskUUID, err)
	}

	tpl, ok := s.registry.Lookup(namespace, name, version)
	if !ok {
		return nil, fmt.Errorf("no template registered for %s/%s@%s", namespace, name, version)
	}

	var decisionDecl *template.StepDecl
	for i := range tpl.Steps {
		if tpl.Steps[i].Name == stepName {
			decisionDecl = &tpl.Steps[i]
			break
		}
	}
	if decisionDecl == nil {
		return nil, fmt.Errorf("step %q not found in template %s/%s@%s", stepName, namespace, name, version)
	}

	var deferred []DeferredStepTemplate
	for _, decl := range tpl.Steps {
		if !decl.Deferred {
			continue
		}
		deferred = append(deferred, DeferredStepTemplate{
			Name:            decl.Name,
			HandlerCallable: decl.Handler.Callable,
			MaxAttempts:     decl.MaxAttempts,
			DependsOn:       decl.DependsOn,
		})
	}

	return &DecisionStepTemplate{
		StepName:             stepName,
		CandidateDescendants: decisionDecl.CandidateDescendants,
		DeferredSteps:        deferred,
	}, nil
}

// ExistingDescendants returns every step already reachable from
// decisionStepUUID by a decision_branch or worker_to_convergence edge,
// keyed by name, so repeated processing of the same decision outcome
// creates nothing twice.
func (s *PostgresStore) ExistingDescendants(ctx context.Context, taskUUID, decisionStepUUID uuid.UUID) (map[string]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		WITH RECURSIVE descendants AS (
			SELECT to_step_uuid AS workflow_step_uuid
			FROM tasker_workflow_step_edges
			WHERE task_uuid = $1 AND from_step_uuid = $2 AND name = $3
			UNION
			SELECT e.to_step_uuid
			FROM tasker_workflow_step_edges e
			JOIN descendants d ON d.workflow_step_uuid = e.from_step_uuid
			WHERE e.task_uuid = $1 AND e.name = $4
		)
		SELECT ns.name, d.workflow_step_uuid
		FROM descendants d
		JOIN tasker_workflow_steps ws ON ws.workflow_step_uuid = d.workflow_step_uuid
		JOIN tasker_named_steps ns ON ns.named_step_uuid = ws.named_step_uuid`,
		taskUUID, decisionStepUUID, taskmodel.EdgeDecisionBranch, taskmodel.EdgeWorkerToConvergence)
	if err != nil {
		return nil, fmt.Errorf("query existing descendants of decision step %s: %w", decisionStepUUID, err)
	}
	defer rows.Close()

	existing := make(map[string]uuid.UUID)
	for rows.Next() {
		var name string
		var stepUUID uuid.UUID
		if err := rows.Scan(&name, &stepUUID); err != nil {
			return nil, fmt.Errorf("scan existing descendant row: %w", err)
		}
		existing[name] = stepUUID
	}
	return existing, rows.Err()
}

// CreateSteps materializes newSteps and newEdges in one transaction,
// resolving each new step's named_step_uuid from the template's already
// registered NamedStep row (created at task-initialization time by
// pkg/task.ResolveTemplate, covering Deferred steps too).
func (s *PostgresStore) CreateSteps(ctx context.Context, taskUUID uuid.UUID, newSteps []NewStep, newEdges []NewEdge) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin create-steps transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var namedTaskUUID uuid.UUID
	if err := tx.QueryRow(ctx, `SELECT named_task_uuid FROM tasker_tasks WHERE task_uuid = $1`, taskUUID).Scan(&namedTaskUUID); err != nil {
		return fmt.Errorf("resolve named_task_uuid for task %s: %w", taskUUID, err)
	}

	for _, step := range newSteps {
		var namedStepUUID uuid.UUID
		err := tx.QueryRow(ctx, `
			SELECT named_step_uuid FROM tasker_named_steps
			WHERE named_task_uuid = $1 AND name = $2`, namedTaskUUID, step.Name).Scan(&namedStepUUID)
		if err != nil {
			return fmt.Errorf("resolve named_step_uuid for step %q: %w", step.Name, err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO tasker_workflow_steps
				(workflow_step_uuid, task_uuid, named_step_uuid, attempts, max_attempts, retryable, processed, in_process)
			VALUES ($1, $2, $3, 0, $4, true, false, false)`,
			step.WorkflowStepUUID, taskUUID, namedStepUUID, step.MaxAttempts); err != nil {
			return fmt.Errorf("insert decision-created step %q: %w", step.Name, err)
		}
	}

	for _, edge := range newEdges {
		if _, err := tx.Exec(ctx, `
			INSERT INTO tasker_workflow_step_edges (workflow_step_edge_uuid, task_uuid, from_step_uuid, to_step_uuid, name)
			VALUES ($1, $2, $3, $4, $5)`,
			taskmodel.NewUUID(), taskUUID, edge.FromStepUUID, edge.ToStepUUID, edge.Name); err != nil {
			return fmt.Errorf("insert decision edge %s->%s: %w", edge.FromStepUUID, edge.ToStepUUID, err)
		}
	}

	return tx.Commit(ctx)
}
