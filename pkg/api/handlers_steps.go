package api

import (
	"context"
	"encoding/json"
	"net/http"

	apperrors "github.com/jordigilh/kubernaut/internal/errors"
	"github.com/jordigilh/kubernaut/pkg/manualops"
)

// ManualOps is the operator-action seam *pkg/manualops.Service satisfies.
type ManualOps interface {
	ResetStepForRetry(ctx context.Context, req manualops.ResetStep) error
	ResolveManually(ctx context.Context, req manualops.ResolveStep) error
	CompleteManually(ctx context.Context, req manualops.CompleteStep) error
	Cancel(ctx context.Context, req manualops.CancelTask) error
}

func (s *Server) handleListSteps(w http.ResponseWriter, r *http.Request) {
	taskUUID, ok := parseUUIDParam(w, r, "taskID")
	if !ok {
		return
	}
	steps, err := s.query.ListSteps(r.Context(), taskUUID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"steps": steps})
}

func (s *Server) handleGetStep(w http.ResponseWriter, r *http.Request) {
	stepUUID, ok := parseUUIDParam(w, r, "stepID")
	if !ok {
		return
	}
	step, err := s.query.GetStep(r.Context(), stepUUID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if step == nil {
		writeError(w, r, apperrors.NewNotFoundError("step"))
		return
	}
	writeJSON(w, http.StatusOK, step)
}

func (s *Server) handleStepHistory(w http.ResponseWriter, r *http.Request) {
	stepUUID, ok := parseUUIDParam(w, r, "stepID")
	if !ok {
		return
	}
	limit := parseInt64(r.URL.Query().Get("limit"), 20)
	history, err := s.query.StepHistory(r.Context(), stepUUID, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transitions": history})
}

type resetStepRequest struct {
	Reason  string `json:"reason" validate:"required"`
	ResetBy string `json:"reset_by" validate:"required"`
}

func (s *Server) handleResetStep(w http.ResponseWriter, r *http.Request) {
	stepUUID, ok := parseUUIDParam(w, r, "stepID")
	if !ok {
		return
	}
	var req resetStepRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	if err := s.manual.ResetStepForRetry(r.Context(), manualops.ResetStep{
		StepUUID: stepUUID, Reason: req.Reason, ResetBy: req.ResetBy,
	}); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

type resolveStepRequest struct {
	Reason     string `json:"reason" validate:"required"`
	ResolvedBy string `json:"resolved_by" validate:"required"`
}

func (s *Server) handleResolveStep(w http.ResponseWriter, r *http.Request) {
	stepUUID, ok := parseUUIDParam(w, r, "stepID")
	if !ok {
		return
	}
	var req resolveStepRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	if err := s.manual.ResolveManually(r.Context(), manualops.ResolveStep{
		StepUUID: stepUUID, Reason: req.Reason, ResolvedBy: req.ResolvedBy,
	}); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved_manually"})
}

type completeStepRequest struct {
	Result      json.RawMessage `json:"result" validate:"required"`
	Metadata    json.RawMessage `json:"metadata"`
	Reason      string          `json:"reason" validate:"required"`
	CompletedBy string          `json:"completed_by" validate:"required"`
}

func (s *Server) handleCompleteStep(w http.ResponseWriter, r *http.Request) {
	stepUUID, ok := parseUUIDParam(w, r, "stepID")
	if !ok {
		return
	}
	var req completeStepRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	if err := s.manual.CompleteManually(r.Context(), manualops.CompleteStep{
		StepUUID: stepUUID, Result: req.Result, Metadata: req.Metadata,
		Reason: req.Reason, CompletedBy: req.CompletedBy,
	}); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "complete"})
}

type cancelTaskRequest struct {
	Reason      string `json:"reason" validate:"required"`
	CancelledBy string `json:"cancelled_by" validate:"required"`
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskUUID, ok := parseUUIDParam(w, r, "taskID")
	if !ok {
		return
	}
	var req cancelTaskRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	if err := s.manual.Cancel(r.Context(), manualops.CancelTask{
		TaskUUID: taskUUID, Reason: req.Reason, CancelledBy: req.CancelledBy,
	}); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// decodeAndValidate decodes a JSON body into dst and runs struct
// validation, writing an RFC 7807 response and returning false on either
// failure.
func (s *Server) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, r, apperrors.NewValidationError("malformed request body").WithDetails(err.Error()))
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, r, apperrors.NewValidationError("request validation failed").WithDetails(err.Error()))
		return false
	}
	return true
}
