// Package task implements the Task Initializer: it turns a validated task
// submission into a persisted Task plus its WorkflowSteps and
// WorkflowStepEdges, applying the configured duplicate policy before it
// writes anything.
package task

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/jordigilh/kubernaut/pkg/taskmodel"
	"github.com/jordigilh/kubernaut/pkg/template"

	apperrors "github.com/jordigilh/kubernaut/internal/errors"
	"github.com/sirupsen/logrus"
)

// DuplicatePolicy governs what happens when a task submission's
// identity_hash collides with an existing task.
type DuplicatePolicy string

const (
	// DuplicateStrict rejects the submission outright.
	DuplicateStrict DuplicatePolicy = "strict"
	// DuplicatePermissive returns the existing task's uuid instead of
	// creating a new one.
	DuplicatePermissive DuplicatePolicy = "permissive"
)

// Submission is one incoming task request.
type Submission struct {
	Namespace      string
	Name           string
	Version        string
	Context        json.RawMessage
	CorrelationID  uuid.UUID
	Initiator      string
	SourceSystem   string
	Priority       int
	Tags           []string
	IdempotencyKey string
}

// Result is what InitializeTask returns on success.
type Result struct {
	TaskUUID  uuid.UUID
	StepCount int
	// Deduplicated is true when the returned TaskUUID belongs to a
	// pre-existing task returned under DuplicatePermissive, rather than one
	// just created by this call.
	Deduplicated bool
}

// Store is the persistence boundary the Initializer needs: look up a task
// by identity hash, and transactionally insert a new Task with its steps
// and edges. Implementations MUST perform FindByIdentityHash and Insert
// within the same transaction so two concurrent submissions with the same
// identity_hash cannot both observe "not found".
type Store interface {
	FindByIdentityHash(ctx context.Context, identityHash string) (*taskmodel.Task, error)
	InsertTask(ctx context.Context, ins Insertion) error

	// ResolveTemplate finds or creates the NamedTask/NamedStep rows a
	// template's definition implies (one NamedStep per declared step,
	// including Deferred ones, since those still need a stable identity
	// for the Decision Point Service to create later). It is idempotent:
	// calling it again for the same template returns the same uuids.
	ResolveTemplate(ctx context.Context, tpl *template.Template) (namedTaskUUID uuid.UUID, namedStepUUIDByName map[string]uuid.UUID, err error)
}

// Insertion is everything the Store needs to write atomically: the Task
// row, one WorkflowStep per non-deferred template step, and the edges
// between them.
type Insertion struct {
	Task  taskmodel.Task
	Steps []taskmodel.WorkflowStep
	Edges []taskmodel.WorkflowStepEdge
}

// Notifier is told about newly-created tasks so the readiness subsystem can
// enqueue their initial viable steps promptly, without waiting for the
// fallback poller.
type Notifier interface {
	NotifyTaskReady(ctx context.Context, taskUUID uuid.UUID)
}

// Initializer implements spec.md §4.2.
type Initializer struct {
	registry *template.Registry
	store    Store
	notifier Notifier
	policy   DuplicatePolicy
	logger   *logrus.Logger
}

// New builds an Initializer. policy is applied to every submission handled
// by this instance; per spec.md §4.2 it is a deployment-wide setting, not
// per-submission.
func New(registry *template.Registry, store Store, notifier Notifier, policy DuplicatePolicy, logger *logrus.Logger) *Initializer {
	if logger == nil {
		logger = logrus.New()
	}
	return &Initializer{registry: registry, store: store, notifier: notifier, policy: policy, logger: logger}
}

// InitializeTask runs the full sequence from spec.md §4.2: template lookup,
// identity hash computation, duplicate policy, transactional insert, and
// post-commit readiness notification.
func (i *Initializer) InitializeTask(ctx context.Context, sub Submission) (*Result, error) {
	tpl, ok := i.registry.Lookup(sub.Namespace, sub.Name, sub.Version)
	if !ok {
		return nil, apperrors.NewValidationError(
			fmt.Sprintf("no template registered for %s/%s@%s", sub.Namespace, sub.Name, sub.Version))
	}

	namedTaskUUID, namedStepUUIDByName, err := i.store.ResolveTemplate(ctx, tpl)
	if err != nil {
		return nil, apperrors.NewDatabaseError("resolve named task/step rows", err)
	}

	var contextValue interface{}
	if len(sub.Context) > 0 {
		if err := json.Unmarshal(sub.Context, &contextValue); err != nil {
			return nil, apperrors.NewValidationError("task context is not valid JSON").WithDetails(err.Error())
		}
	}

	identityHash, err := taskmodel.IdentityHash(taskmodel.IdentityHashInput{
		Namespace:      sub.Namespace,
		Name:           sub.Name,
		Version:        sub.Version,
		Context:        contextValue,
		IdempotencyKey: sub.IdempotencyKey,
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to compute identity hash")
	}

	existing, err := i.store.FindByIdentityHash(ctx, identityHash)
	if err != nil {
		return nil, apperrors.NewDatabaseError("find task by identity hash", err)
	}
	if existing != nil {
		switch i.policy {
		case DuplicatePermissive:
			i.logger.WithFields(logrus.Fields{
				"task_uuid":     existing.TaskUUID,
				"identity_hash": identityHash,
			}).Info("duplicate task submission, returning existing task")
			return &Result{TaskUUID: existing.TaskUUID, Deduplicated: true}, nil
		default:
			return nil, apperrors.New(apperrors.ErrorTypeConflict, "duplicate task submission").
				WithDetailsf("identity_hash %s already belongs to task %s", identityHash, existing.TaskUUID)
		}
	}

	newTask, steps, edges := buildInsertion(tpl, sub, identityHash, namedTaskUUID, namedStepUUIDByName)

	if err := i.store.InsertTask(ctx, Insertion{Task: newTask, Steps: steps, Edges: edges}); err != nil {
		return nil, apperrors.NewDatabaseError("insert task", err)
	}

	i.notifier.NotifyTaskReady(ctx, newTask.TaskUUID)

	return &Result{TaskUUID: newTask.TaskUUID, StepCount: len(steps)}, nil
}

// buildInsertion materializes the Task row and one WorkflowStep per
// non-deferred template step declaration, plus the WorkflowStepEdges the
// template's depends_on graph implies between those steps, all keyed by
// freshly-minted uuids.
func buildInsertion(tpl *template.Template, sub Submission, identityHash string, namedTaskUUID uuid.UUID, namedStepUUIDByName map[string]uuid.UUID) (taskmodel.Task, []taskmodel.WorkflowStep, []taskmodel.WorkflowStepEdge) {
	taskUUID := taskmodel.NewUUID()

	newTask := taskmodel.Task{
		TaskUUID:      taskUUID,
		NamedTaskUUID: namedTaskUUID,
		Context:       sub.Context,
		CorrelationID: sub.CorrelationID,
		Priority:      sub.Priority,
		IdentityHash:  identityHash,
		Initiator:     sub.Initiator,
		SourceSystem:  sub.SourceSystem,
		Tags:          sub.Tags,
	}

	stepUUIDByName := make(map[string]uuid.UUID, len(tpl.Steps))
	steps := make([]taskmodel.WorkflowStep, 0, len(tpl.Steps))
	for _, decl := range tpl.Steps {
		if decl.Deferred {
			// Candidate descendants and convergence steps aren't
			// materialized until a decision point resolves (pkg/decision).
			continue
		}
		stepUUID := taskmodel.NewUUID()
		stepUUIDByName[decl.Name] = stepUUID

		maxAttempts := decl.MaxAttempts
		if maxAttempts == 0 {
			maxAttempts = 3
		}

		steps = append(steps, taskmodel.WorkflowStep{
			WorkflowStepUUID: stepUUID,
			TaskUUID:         taskUUID,
			NamedStepUUID:    namedStepUUIDByName[decl.Name],
			MaxAttempts:      maxAttempts,
			Retryable:        true,
		})
	}

	var edges []taskmodel.WorkflowStepEdge
	for _, decl := range tpl.Steps {
		if decl.Deferred {
			continue
		}
		to := stepUUIDByName[decl.Name]
		for _, dep := range decl.DependsOn {
			from, ok := stepUUIDByName[dep]
			if !ok {
				continue
			}
			edges = append(edges, taskmodel.WorkflowStepEdge{
				WorkflowStepEdgeUUID: taskmodel.NewUUID(),
				TaskUUID:             taskUUID,
				FromStepUUID:         from,
				ToStepUUID:           to,
				Name:                 taskmodel.EdgeDefault,
			})
		}
	}

	return newTask, steps, edges
}
