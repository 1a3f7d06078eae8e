package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	apperrors "github.com/jordigilh/kubernaut/internal/errors"
	"github.com/jordigilh/kubernaut/pkg/query"
	"github.com/jordigilh/kubernaut/pkg/task"
	"github.com/jordigilh/kubernaut/pkg/taskmodel"
)

// QueryReader is the read-surface seam *pkg/query.Service satisfies.
type QueryReader interface {
	GetTask(ctx context.Context, taskUUID uuid.UUID) (*query.TaskProgress, error)
	ListTasks(ctx context.Context, filter query.TaskFilter) ([]query.TaskProgress, error)
	TaskHistory(ctx context.Context, taskUUID uuid.UUID, limit int64) ([]taskmodel.TaskTransition, error)
	GetStep(ctx context.Context, stepUUID uuid.UUID) (*taskmodel.WorkflowStep, error)
	ListSteps(ctx context.Context, taskUUID uuid.UUID) ([]taskmodel.WorkflowStep, error)
	StepHistory(ctx context.Context, stepUUID uuid.UUID, limit int64) ([]taskmodel.StepTransition, error)
}

// submitTaskRequest is the JSON body for POST /api/v1/tasks.
type submitTaskRequest struct {
	Namespace      string          `json:"namespace" validate:"required"`
	Name           string          `json:"name" validate:"required"`
	Version        string          `json:"version" validate:"required"`
	Context        json.RawMessage `json:"context"`
	CorrelationID  string          `json:"correlation_id"`
	Initiator      string          `json:"initiator" validate:"required"`
	SourceSystem   string          `json:"source_system"`
	Priority       int             `json:"priority"`
	Tags           []string        `json:"tags"`
	IdempotencyKey string          `json:"idempotency_key"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apperrors.NewValidationError("malformed request body").WithDetails(err.Error()))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, r, apperrors.NewValidationError("request validation failed").WithDetails(err.Error()))
		return
	}

	correlationID := uuid.New()
	if req.CorrelationID != "" {
		parsed, err := uuid.Parse(req.CorrelationID)
		if err != nil {
			writeError(w, r, apperrors.NewValidationError("correlation_id is not a valid uuid"))
			return
		}
		correlationID = parsed
	}

	result, err := s.submitter.InitializeTask(r.Context(), task.Submission{
		Namespace:      req.Namespace,
		Name:           req.Name,
		Version:        req.Version,
		Context:        req.Context,
		CorrelationID:  correlationID,
		Initiator:      req.Initiator,
		SourceSystem:   req.SourceSystem,
		Priority:       req.Priority,
		Tags:           req.Tags,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"task_uuid":    result.TaskUUID,
		"step_count":   result.StepCount,
		"deduplicated": result.Deduplicated,
	})
}

func parseUUIDParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, r, apperrors.NewValidationError(name+" is not a valid uuid"))
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskUUID, ok := parseUUIDParam(w, r, "taskID")
	if !ok {
		return
	}
	progress, err := s.query.GetTask(r.Context(), taskUUID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if progress == nil {
		writeError(w, r, apperrors.NewNotFoundError("task"))
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := query.TaskFilter{
		Namespace: q.Get("namespace"),
		Name:      q.Get("name"),
		Limit:     parseInt64(q.Get("limit"), 50),
		Offset:    parseInt64(q.Get("offset"), 0),
	}
	if raw := q.Get("complete"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err == nil {
			filter.Complete = &v
		}
	}

	tasks, err := s.query.ListTasks(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks})
}

func (s *Server) handleTaskHistory(w http.ResponseWriter, r *http.Request) {
	taskUUID, ok := parseUUIDParam(w, r, "taskID")
	if !ok {
		return
	}
	limit := parseInt64(r.URL.Query().Get("limit"), 20)
	history, err := s.query.TaskHistory(r.Context(), taskUUID, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transitions": history})
}

func parseInt64(raw string, fallback int64) int64 {
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return v
}
