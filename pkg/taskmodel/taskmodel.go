// Package taskmodel defines the orchestrator's core entities: namespaces,
// named tasks/steps (template declarations), running tasks/steps, the
// dependency edges between them, and their append-only transition logs.
// Every entity owns only its own primary key and refers to others by uuid,
// never by embedded pointer — components look rows up by id through their
// own stores rather than holding cross-entity references.
package taskmodel

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
)

// EdgeName distinguishes why a WorkflowStepEdge exists.
type EdgeName string

const (
	EdgeDefault            EdgeName = "default"
	EdgeBatchDependency    EdgeName = "batch_dependency"
	EdgeWorkerToConvergence EdgeName = "worker_to_convergence"
	EdgeDecisionBranch     EdgeName = "decision_branch"
)

// TaskNamespace is a short logical grouping used to partition worker queues
// and template lookups.
type TaskNamespace struct {
	TaskNamespaceUUID uuid.UUID
	Name              string
	Description       string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// NamedTask is the declaration of a task kind, unique by
// (namespace, name, version).
type NamedTask struct {
	NamedTaskUUID     uuid.UUID
	TaskNamespaceUUID uuid.UUID
	Name              string
	Version           string
	Description       string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// NamedStep is a step declaration within a template, unique by name within
// that template.
type NamedStep struct {
	NamedStepUUID   uuid.UUID
	NamedTaskUUID   uuid.UUID
	Name            string
	HandlerCallable string
	ResultSchema    json.RawMessage
	MaxAttempts     int
	TimeoutSeconds  int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Task is a running task instance. Created by the Task Initializer,
// mutated only by the orchestrator, and destroyed only by a retention
// policy — never by a terminal transition.
type Task struct {
	TaskUUID            uuid.UUID
	NamedTaskUUID       uuid.UUID
	Context             json.RawMessage
	CorrelationID       uuid.UUID
	ParentCorrelationID *uuid.UUID
	Priority            int
	IdentityHash        string
	Initiator           string
	SourceSystem        string
	Reason              string
	Tags                []string
	Complete            bool
	RequestedAt         time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// WorkflowStep is a running instance of a NamedStep within a Task.
type WorkflowStep struct {
	WorkflowStepUUID      uuid.UUID
	TaskUUID              uuid.UUID
	NamedStepUUID         uuid.UUID
	Inputs                json.RawMessage
	Results               json.RawMessage
	Attempts              int
	MaxAttempts           int
	Retryable             bool
	BackoffRequestSeconds *int
	NextRetryAt           *time.Time
	LastAttemptedAt       *time.Time
	Processed             bool
	InProcess             bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// WorkflowStepEdge is a directed dependency edge within a single task's
// step graph. The edge set MUST remain acyclic at all times.
type WorkflowStepEdge struct {
	WorkflowStepEdgeUUID uuid.UUID
	TaskUUID             uuid.UUID
	FromStepUUID         uuid.UUID
	ToStepUUID           uuid.UUID
	Name                 EdgeName
	CreatedAt            time.Time
}

// TaskTransition is one append-only row in a task's state transition audit
// log.
type TaskTransition struct {
	TaskTransitionUUID uuid.UUID
	TaskUUID           uuid.UUID
	FromState          string
	ToState            string
	ProcessorUUID      uuid.UUID
	Metadata           json.RawMessage
	CreatedAt          time.Time
}

// StepTransition is one append-only row in a step's state transition audit
// log.
type StepTransition struct {
	StepTransitionUUID uuid.UUID
	WorkflowStepUUID   uuid.UUID
	FromState          string
	ToState            string
	ProcessorUUID      uuid.UUID
	Metadata           json.RawMessage
	CreatedAt          time.Time
}

// DLQResolutionStatus is the closed set of DLQ entry dispositions.
type DLQResolutionStatus string

const (
	DLQStatusPending           DLQResolutionStatus = "pending"
	DLQStatusManuallyResolved  DLQResolutionStatus = "manually_resolved"
	DLQStatusPermanentlyFailed DLQResolutionStatus = "permanently_failed"
	DLQStatusCancelled         DLQResolutionStatus = "cancelled"
)

// DLQReason is the closed set of reasons a task landed in the DLQ.
type DLQReason string

const (
	DLQReasonBlockedByFailures DLQReason = "blocked_by_failures"
	DLQReasonStale             DLQReason = "stale"
	DLQReasonManualEscalation  DLQReason = "manual_escalation"
)

// DLQEntry captures a permanently failed task for operator triage.
type DLQEntry struct {
	DLQEntryUUID        uuid.UUID
	TaskUUID             uuid.UUID
	OriginalState        string
	DLQReason            DLQReason
	DLQTimestamp         time.Time
	TaskSnapshot         json.RawMessage
	ResolutionStatus     DLQResolutionStatus
	ResolutionNotes      string
	ResolvedBy           string
	ResolutionTimestamp  *time.Time
	Metadata             json.RawMessage
}

// NewUUID mints a time-ordered UUIDv7, used for every primary key in this
// package so that identifiers sort chronologically without a separate
// timestamp column.
func NewUUID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		// uuid.NewV7 only fails if the runtime's random source is broken;
		// falling back to v4 keeps the orchestrator available rather than
		// panicking on a degraded entropy source.
		return uuid.New()
	}
	return id
}

// IdentityHashInput is the canonical tuple identity_hash is computed over.
type IdentityHashInput struct {
	Namespace     string      `json:"namespace"`
	Name          string      `json:"name"`
	Version       string      `json:"version"`
	Context       interface{} `json:"context"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
}

// IdentityHash computes the deduplication fingerprint for a task
// submission: SHA-256 over the canonical (sorted-key, whitespace-free) JSON
// encoding of its identity tuple, so that two submissions with
// semantically-equal-but-differently-ordered context JSON collide.
func IdentityHash(in IdentityHashInput) (string, error) {
	canonical, err := canonicalJSON(in)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON renders v as JSON with map keys sorted at every level and no
// insignificant whitespace, by round-tripping through a generic
// representation before re-encoding.
func canonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return marshalCanonical(generic)
}

func marshalCanonical(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf = append(buf, keyJSON...)
			buf = append(buf, ':')
			valJSON, err := marshalCanonical(val[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, valJSON...)
		}
		buf = append(buf, '}')
		return buf, nil
	case []interface{}:
		buf := []byte{'['}
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			itemJSON, err := marshalCanonical(item)
			if err != nil {
				return nil, err
			}
			buf = append(buf, itemJSON...)
		}
		buf = append(buf, ']')
		return buf, nil
	default:
		return json.Marshal(val)
	}
}
