// Package template implements the Task Template Registry: it parses YAML
// task template files, validates their structure (duplicate/self/missing
// dependencies, DAG acyclicity, handler and schema sanity, namespace length),
// and serves validated templates by (namespace, name, version).
package template

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// StepDecl is one step declaration within a template file.
type StepDecl struct {
	Name           string                 `yaml:"name"`
	Handler        HandlerDecl            `yaml:"handler"`
	DependsOn      []string               `yaml:"depends_on"`
	MaxAttempts    int                    `yaml:"max_attempts"`
	TimeoutSeconds int                    `yaml:"timeout_seconds"`
	ResultSchema   map[string]interface{} `yaml:"result_schema"`

	// CandidateDescendants lists the step names a decision step's
	// DecisionPointOutcome.CreateSteps is allowed to materialize. Only
	// meaningful on a decision step; empty for every other step.
	CandidateDescendants []string `yaml:"candidate_descendants"`

	// Deferred marks a step the Task Initializer must NOT materialize at
	// task creation: a decision step's candidate descendant, a convergence
	// step depending on one (pkg/decision), or a batch convergence step
	// (pkg/batch) — all only created once their owning step resolves.
	Deferred bool `yaml:"deferred"`

	// ConvergenceStep names this batchable step's deferred aggregation
	// step, created once its BatchProcessingOutcome resolves. Only
	// meaningful on a step a worker can return batch outcomes from; empty
	// for every other step.
	ConvergenceStep string `yaml:"convergence_step"`
}

// HandlerDecl names the callable a worker dispatches a step execution to.
type HandlerDecl struct {
	Callable string `yaml:"callable" validate:"required"`
}

// Template is one parsed, not-yet-validated task template file.
type Template struct {
	Name      string     `yaml:"name"`
	Namespace string     `yaml:"namespace_name" validate:"max=29"`
	Version   string     `yaml:"version"`
	Steps     []StepDecl `yaml:"steps" validate:"dive"`

	// sourcePath is the file the template was loaded from, kept for
	// reload bookkeeping and error messages; it is not part of the YAML.
	sourcePath string
}

// Key identifies a template by its lookup triple.
type Key struct {
	Namespace string
	Name      string
	Version   string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s@%s", k.Namespace, k.Name, k.Version)
}

func (t *Template) Key() Key {
	return Key{Namespace: t.Namespace, Name: t.Name, Version: t.Version}
}

// Severity is a validation finding's level.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Finding is a single validation result.
type Finding struct {
	Code     string
	Severity Severity
	Message  string
	Step     string
}

// Report is the full validation outcome for one template.
type Report struct {
	Valid     bool
	Findings  []Finding
	StepCount int
	HasCycles bool
}

// ParseFile reads and unmarshals one YAML template file. It does not
// validate structural correctness — call Validate separately so that a
// caller can decide how to treat warnings vs. a hard parse failure.
func ParseFile(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template file %s: %w", path, err)
	}
	return ParseBytes(data, path)
}

// ParseBytes unmarshals raw YAML into a Template, tagging it with path for
// diagnostics (path may be empty for in-memory templates).
func ParseBytes(data []byte, path string) (*Template, error) {
	var t Template
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse template %s: %w", path, err)
	}
	t.sourcePath = path
	return &t, nil
}

// Validate runs every structural check spec.md §4.1 requires and returns a
// full report. A template with any Error-severity finding must not be
// registered.
func Validate(t *Template) Report {
	var findings []Finding

	checkDuplicateStepNames(t, &findings)
	checkDependencies(t, &findings)
	checkFieldRules(t, &findings)
	checkSchemas(t, &findings)
	checkOrphanSteps(t, &findings)
	checkCandidateDescendants(t, &findings)
	checkConvergenceStep(t, &findings)

	hasCycles := checkCycles(t, &findings)

	valid := true
	for _, f := range findings {
		if f.Severity == SeverityError {
			valid = false
			break
		}
	}

	return Report{
		Valid:     valid,
		Findings:  findings,
		StepCount: len(t.Steps),
		HasCycles: hasCycles,
	}
}

func checkDuplicateStepNames(t *Template, findings *[]Finding) {
	seen := make(map[string]bool, len(t.Steps))
	for _, s := range t.Steps {
		if seen[s.Name] {
			*findings = append(*findings, Finding{
				Code: "DUPLICATE_STEP_NAME", Severity: SeverityError,
				Message: fmt.Sprintf("duplicate step name: %q", s.Name), Step: s.Name,
			})
			continue
		}
		seen[s.Name] = true
	}
}

func checkDependencies(t *Template, findings *[]Finding) {
	names := make(map[string]bool, len(t.Steps))
	for _, s := range t.Steps {
		names[s.Name] = true
	}
	for _, s := range t.Steps {
		for _, dep := range s.DependsOn {
			switch {
			case dep == s.Name:
				*findings = append(*findings, Finding{
					Code: "SELF_DEPENDENCY", Severity: SeverityError,
					Message: fmt.Sprintf("step %q depends on itself", s.Name), Step: s.Name,
				})
			case !names[dep]:
				*findings = append(*findings, Finding{
					Code: "MISSING_DEP_REF", Severity: SeverityError,
					Message: fmt.Sprintf("step %q depends on %q which does not exist", s.Name, dep),
					Step:    s.Name,
				})
			}
		}
	}
}

// checkFieldRules runs the field-level rules declared as `validate` struct
// tags on Template/StepDecl/HandlerDecl (namespace length, non-empty handler
// callable) and translates any violation into a Finding. Graph-shaped rules
// (duplicates, missing deps, cycles, candidate descendants) can't be
// expressed as struct tags and stay hand-written below.
func checkFieldRules(t *Template, findings *[]Finding) {
	err := validate.Struct(t)
	if err == nil {
		return
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return
	}
	for _, fe := range verrs {
		switch fe.Tag() {
		case "max":
			// Namespace length: worker queue names are derived as
			// worker_{namespace}_queue and Postgres identifiers cap at 63
			// bytes. fe.Param() (29) keeps such a queue name at 42 bytes
			// and its pgqueue table (queue_messages_ plus the queue name)
			// at 57, inside that cap.
			*findings = append(*findings, Finding{
				Code: "NAMESPACE_TOO_LONG", Severity: SeverityWarning,
				Message: fmt.Sprintf("namespace %q is %d chars (max %s for queue names)",
					t.Namespace, len(t.Namespace), fe.Param()),
			})
		case "required":
			if fe.Field() != "Callable" {
				continue
			}
			stepName := ""
			if idx, ok := stepIndexFromNamespace(fe.Namespace()); ok && idx < len(t.Steps) {
				stepName = t.Steps[idx].Name
			}
			*findings = append(*findings, Finding{
				Code: "EMPTY_CALLABLE", Severity: SeverityError,
				Message: fmt.Sprintf("step %q has an empty handler callable", stepName), Step: stepName,
			})
		}
	}
}

// stepIndexFromNamespace pulls the slice index out of a validator namespace
// like "Template.Steps[2].Handler.Callable".
func stepIndexFromNamespace(ns string) (int, bool) {
	start := strings.Index(ns, "Steps[")
	if start == -1 {
		return 0, false
	}
	start += len("Steps[")
	end := strings.Index(ns[start:], "]")
	if end == -1 {
		return 0, false
	}
	idx, err := strconv.Atoi(ns[start : start+end])
	if err != nil {
		return 0, false
	}
	return idx, true
}

func checkSchemas(t *Template, findings *[]Finding) {
	for _, s := range t.Steps {
		if s.ResultSchema == nil {
			*findings = append(*findings, Finding{
				Code: "NO_RESULT_SCHEMA", Severity: SeverityInfo,
				Message: fmt.Sprintf("step %q has no result_schema defined", s.Name), Step: s.Name,
			})
			continue
		}
		if typ, ok := s.ResultSchema["type"]; ok {
			if typStr, _ := typ.(string); typStr != "object" {
				*findings = append(*findings, Finding{
					Code: "SCHEMA_NOT_OBJECT", Severity: SeverityWarning,
					Message: fmt.Sprintf("step %q result_schema type is %v, expected \"object\"", s.Name, typ),
					Step:    s.Name,
				})
			}
		}
	}
}

func checkOrphanSteps(t *Template, findings *[]Finding) {
	if len(t.Steps) <= 1 {
		return
	}
	dependedOn := make(map[string]bool)
	for _, s := range t.Steps {
		for _, dep := range s.DependsOn {
			dependedOn[dep] = true
		}
	}
	for _, s := range t.Steps {
		if len(s.DependsOn) == 0 && !dependedOn[s.Name] {
			*findings = append(*findings, Finding{
				Code: "ORPHAN_STEP", Severity: SeverityWarning,
				Message: fmt.Sprintf("step %q has no dependencies and nothing depends on it", s.Name),
				Step:    s.Name,
			})
		}
	}
}

// checkCandidateDescendants verifies every name a decision step lists is a
// declared, Deferred step within the same template.
func checkCandidateDescendants(t *Template, findings *[]Finding) {
	deferredByName := make(map[string]bool, len(t.Steps))
	for _, s := range t.Steps {
		if s.Deferred {
			deferredByName[s.Name] = true
		}
	}
	for _, s := range t.Steps {
		for _, candidate := range s.CandidateDescendants {
			if !deferredByName[candidate] {
				*findings = append(*findings, Finding{
					Code: "INVALID_CANDIDATE_DESCENDANT", Severity: SeverityError,
					Message: fmt.Sprintf("step %q lists %q as a candidate descendant, but it is not declared as a deferred step", s.Name, candidate),
					Step:    s.Name,
				})
			}
		}
	}
}

// checkConvergenceStep verifies every step naming a ConvergenceStep points at
// a declared, Deferred step within the same template.
func checkConvergenceStep(t *Template, findings *[]Finding) {
	deferredByName := make(map[string]bool, len(t.Steps))
	for _, s := range t.Steps {
		if s.Deferred {
			deferredByName[s.Name] = true
		}
	}
	for _, s := range t.Steps {
		if s.ConvergenceStep == "" {
			continue
		}
		if !deferredByName[s.ConvergenceStep] {
			*findings = append(*findings, Finding{
				Code: "INVALID_CONVERGENCE_STEP", Severity: SeverityError,
				Message: fmt.Sprintf("step %q names %q as its convergence step, but it is not declared as a deferred step", s.Name, s.ConvergenceStep),
				Step:    s.Name,
			})
		}
	}
}

type color int

const (
	white color = iota
	gray
	black
)

// checkCycles runs DFS with white/gray/black coloring over the dependency
// graph, appending a CYCLE_DETECTED finding (including the cycle path) for
// every back-edge found.
func checkCycles(t *Template, findings *[]Finding) bool {
	adj := make(map[string][]string, len(t.Steps))
	colors := make(map[string]color, len(t.Steps))
	for _, s := range t.Steps {
		adj[s.Name] = s.DependsOn
		colors[s.Name] = white
	}

	found := false
	var path []string

	var dfs func(node string)
	dfs = func(node string) {
		colors[node] = gray
		path = append(path, node)

		for _, dep := range adj[node] {
			switch colors[dep] {
			case gray:
				found = true
				start := 0
				for i, n := range path {
					if n == dep {
						start = i
						break
					}
				}
				cycle := append(append([]string{}, path[start:]...), dep)
				*findings = append(*findings, Finding{
					Code: "CYCLE_DETECTED", Severity: SeverityError,
					Message: fmt.Sprintf("dependency cycle detected: %s", strings.Join(cycle, " -> ")),
					Step:    dep,
				})
			case white:
				dfs(dep)
			case black:
				// already fully explored, no cycle through here
			}
		}

		path = path[:len(path)-1]
		colors[node] = black
	}

	for _, s := range t.Steps {
		if colors[s.Name] == white {
			dfs(s.Name)
		}
	}
	return found
}

// LoadDir parses every *.yaml/*.yml file directly under dir. Parse or
// validation failures drop only the offending file (returned in failed,
// logged by the caller) — the registry's population never aborts wholesale
// on one bad template.
func LoadDir(dir string) (valid []*Template, failed map[string]error) {
	failed = make(map[string]error)

	entries, err := os.ReadDir(dir)
	if err != nil {
		failed[dir] = fmt.Errorf("failed to read template directory %s: %w", dir, err)
		return valid, failed
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		path := filepath.Join(dir, name)
		t, err := ParseFile(path)
		if err != nil {
			failed[path] = err
			continue
		}
		report := Validate(t)
		if !report.Valid {
			failed[path] = fmt.Errorf("template failed validation: %s", summarizeErrors(report))
			continue
		}
		valid = append(valid, t)
	}
	return valid, failed
}

func summarizeErrors(r Report) string {
	var msgs []string
	for _, f := range r.Findings {
		if f.Severity == SeverityError {
			msgs = append(msgs, f.Message)
		}
	}
	return strings.Join(msgs, "; ")
}
