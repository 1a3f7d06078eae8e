// Package decision implements the Decision Point Service: given a decision
// step's runtime outcome, it validates and materializes the requested
// descendant steps plus any deferred convergence step whose dependencies
// now intersect what was just created (spec.md §4.8).
package decision

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/jordigilh/kubernaut/pkg/taskmodel"
)

// OutcomeType is the closed set of decision outcomes a worker can return.
type OutcomeType string

const (
	OutcomeNoBranches  OutcomeType = "no_branches"
	OutcomeCreateSteps OutcomeType = "create_steps"
)

// Outcome is the worker-reported DecisionPointOutcome payload.
type Outcome struct {
	Type      OutcomeType `json:"type"`
	StepNames []string    `json:"step_names,omitempty"`
}

// IsNoBranches reports whether the decision chose to create nothing. An
// empty/unset Type is treated the same as an explicit NoBranches, since a
// worker that omits the field entirely still means "nothing to branch to".
func (o Outcome) IsNoBranches() bool {
	return o.Type == "" || o.Type == OutcomeNoBranches
}

// TaskNotFoundError is returned when the owning task does not exist.
type TaskNotFoundError struct {
	TaskUUID uuid.UUID
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("decision: task %s not found", e.TaskUUID)
}

// InvalidDescendantError is returned when CreateSteps names a step that is
// not a declared candidate descendant of the decision step.
type InvalidDescendantError struct {
	StepName string
}

func (e *InvalidDescendantError) Error() string {
	return fmt.Sprintf("decision: %q is not a declared candidate descendant of this decision step", e.StepName)
}

// DeferredStepTemplate is one Deferred step declaration from the owning
// template: a candidate descendant, or a convergence step depending on one.
type DeferredStepTemplate struct {
	Name            string
	HandlerCallable string
	MaxAttempts     int
	DependsOn       []string
}

// DecisionStepTemplate is the template-level metadata the Service needs to
// process one decision step's outcome.
type DecisionStepTemplate struct {
	StepName             string
	CandidateDescendants []string
	DeferredSteps        []DeferredStepTemplate
}

// NewStep describes one WorkflowStep the Service wants materialized.
type NewStep struct {
	WorkflowStepUUID uuid.UUID
	Name             string
	HandlerCallable  string
	MaxAttempts      int
}

// NewEdge describes one WorkflowStepEdge the Service wants materialized.
type NewEdge struct {
	FromStepUUID uuid.UUID
	ToStepUUID   uuid.UUID
	Name         taskmodel.EdgeName
}

// Store is the persistence and template-lookup boundary the Service needs.
type Store interface {
	// LoadDecisionStep resolves decisionStepUUID's template metadata.
	// Returns (nil, nil) if taskUUID does not exist.
	LoadDecisionStep(ctx context.Context, taskUUID, decisionStepUUID uuid.UUID) (*DecisionStepTemplate, error)

	// ExistingDescendants returns, keyed by step name, every step already
	// materialized by a prior (possibly duplicate-delivered) invocation of
	// this same decision step: every step reached by a decision_branch
	// edge from decisionStepUUID, plus any convergence step depending on
	// one of them. Processing is idempotent on top of this: a name found
	// here is never recreated.
	ExistingDescendants(ctx context.Context, taskUUID, decisionStepUUID uuid.UUID) (map[string]uuid.UUID, error)

	// CreateSteps materializes newSteps and newEdges within a single
	// transaction.
	CreateSteps(ctx context.Context, taskUUID uuid.UUID, newSteps []NewStep, newEdges []NewEdge) error
}

// Service implements spec.md §4.8 over a Store.
type Service struct {
	store Store
}

// New builds a Service backed by store.
func New(store Store) *Service {
	return &Service{store: store}
}

// ProcessDecisionOutcome validates outcome against the decision step's
// declared candidate descendants, materializes whichever of them are not
// already present (idempotency), and materializes any deferred convergence
// step whose dependencies now intersect what was created. It returns the
// full name -> workflow_step_uuid mapping for every descendant named in
// outcome, including ones a prior delivery already created.
func (s *Service) ProcessDecisionOutcome(ctx context.Context, decisionStepUUID, taskUUID uuid.UUID, outcome Outcome) (map[string]uuid.UUID, error) {
	if outcome.IsNoBranches() {
		return map[string]uuid.UUID{}, nil
	}

	tpl, err := s.store.LoadDecisionStep(ctx, taskUUID, decisionStepUUID)
	if err != nil {
		return nil, fmt.Errorf("decision: load decision step %s for task %s: %w", decisionStepUUID, taskUUID, err)
	}
	if tpl == nil {
		return nil, &TaskNotFoundError{TaskUUID: taskUUID}
	}

	candidates := make(map[string]bool, len(tpl.CandidateDescendants))
	for _, c := range tpl.CandidateDescendants {
		candidates[c] = true
	}
	for _, name := range outcome.StepNames {
		if !candidates[name] {
			return nil, &InvalidDescendantError{StepName: name}
		}
	}

	existing, err := s.store.ExistingDescendants(ctx, taskUUID, decisionStepUUID)
	if err != nil {
		return nil, fmt.Errorf("decision: load existing descendants for step %s: %w", decisionStepUUID, err)
	}

	deferredByName := make(map[string]DeferredStepTemplate, len(tpl.DeferredSteps))
	for _, d := range tpl.DeferredSteps {
		deferredByName[d.Name] = d
	}

	result := make(map[string]uuid.UUID, len(outcome.StepNames))
	var newSteps []NewStep
	var newEdges []NewEdge

	for _, name := range outcome.StepNames {
		if stepUUID, ok := existing[name]; ok {
			result[name] = stepUUID
			continue
		}
		decl, ok := deferredByName[name]
		if !ok {
			return nil, &InvalidDescendantError{StepName: name}
		}
		stepUUID := taskmodel.NewUUID()
		result[name] = stepUUID
		newSteps = append(newSteps, NewStep{
			WorkflowStepUUID: stepUUID,
			Name:             decl.Name,
			HandlerCallable:  decl.HandlerCallable,
			MaxAttempts:      decl.MaxAttempts,
		})
		// Every freshly minted step is brand new and has no outgoing
		// edges of its own yet, so an edge into it can never close a
		// cycle back to an ancestor: acyclicity holds by construction,
		// not by a graph walk.
		newEdges = append(newEdges, NewEdge{
			FromStepUUID: decisionStepUUID,
			ToStepUUID:   stepUUID,
			Name:         taskmodel.EdgeDecisionBranch,
		})
	}

	for _, d := range tpl.DeferredSteps {
		if candidates[d.Name] {
			continue // handled as a candidate descendant above
		}
		if stepUUID, ok := existing[d.Name]; ok {
			result[d.Name] = stepUUID
			continue
		}
		var dependencyUUIDs []uuid.UUID
		for _, dep := range d.DependsOn {
			if stepUUID, ok := result[dep]; ok {
				dependencyUUIDs = append(dependencyUUIDs, stepUUID)
			}
		}
		if len(dependencyUUIDs) == 0 {
			continue
		}
		convergenceUUID := taskmodel.NewUUID()
		result[d.Name] = convergenceUUID
		newSteps = append(newSteps, NewStep{
			WorkflowStepUUID: convergenceUUID,
			Name:             d.Name,
			HandlerCallable:  d.HandlerCallable,
			MaxAttempts:      d.MaxAttempts,
		})
		for _, depUUID := range dependencyUUIDs {
			newEdges = append(newEdges, NewEdge{
				FromStepUUID: depUUID,
				ToStepUUID:   convergenceUUID,
				Name:         taskmodel.EdgeWorkerToConvergence,
			})
		}
	}

	if len(newSteps) == 0 {
		return result, nil
	}
	if err := s.store.CreateSteps(ctx, taskUUID, newSteps, newEdges); err != nil {
		return nil, fmt.Errorf("decision: materialize steps for decision %s: %w", decisionStepUUID, err)
	}
	return result, nil
}

// ParseOutcome unmarshals a step result's decision_point_outcome field.
func ParseOutcome(raw json.RawMessage) (Outcome, error) {
	var o Outcome
	if err := json.Unmarshal(raw, &o); err != nil {
		return Outcome{}, fmt.Errorf("decision: parse decision_point_outcome: %w", err)
	}
	return o, nil
}
