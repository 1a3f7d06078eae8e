package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/jordigilh/kubernaut/internal/errors"
	"github.com/jordigilh/kubernaut/pkg/dlq"
	"github.com/jordigilh/kubernaut/pkg/taskmodel"
)

// DLQReader is the DLQ operator surface *pkg/dlq.Service satisfies.
type DLQReader interface {
	List(ctx context.Context, params dlq.ListParams) ([]taskmodel.DLQEntry, error)
	FindByTask(ctx context.Context, taskUUID uuid.UUID) (*taskmodel.DLQEntry, error)
	UpdateInvestigation(ctx context.Context, dlqEntryUUID uuid.UUID, update dlq.InvestigationUpdate) (bool, error)
	GetStats(ctx context.Context) ([]dlq.Stats, error)
	InvestigationQueue(ctx context.Context, limit int64) ([]taskmodel.DLQEntry, error)
	StalenessMonitoring(ctx context.Context, staleAfter time.Duration, limit int64) ([]dlq.StalenessEntry, error)
}

func (s *Server) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := dlq.ListParams{
		Limit:  parseInt64(q.Get("limit"), 50),
		Offset: parseInt64(q.Get("offset"), 0),
	}
	if raw := q.Get("resolution_status"); raw != "" {
		status := taskmodel.DLQResolutionStatus(raw)
		params.ResolutionStatus = &status
	}

	entries, err := s.dlq.List(r.Context(), params)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (s *Server) handleDLQFindByTask(w http.ResponseWriter, r *http.Request) {
	taskUUID, ok := parseUUIDParam(w, r, "taskID")
	if !ok {
		return
	}
	entry, err := s.dlq.FindByTask(r.Context(), taskUUID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if entry == nil {
		writeError(w, r, apperrors.NewNotFoundError("dlq entry"))
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type updateInvestigationRequest struct {
	ResolutionStatus string `json:"resolution_status"`
	ResolutionNotes  string `json:"resolution_notes"`
	ResolvedBy       string `json:"resolved_by" validate:"required"`
}

func (s *Server) handleDLQUpdateInvestigation(w http.ResponseWriter, r *http.Request) {
	entryUUID, ok := parseUUIDParam(w, r, "entryID")
	if !ok {
		return
	}
	var req updateInvestigationRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	update := dlq.InvestigationUpdate{
		ResolutionNotes: req.ResolutionNotes,
		ResolvedBy:      req.ResolvedBy,
	}
	if req.ResolutionStatus != "" {
		status := taskmodel.DLQResolutionStatus(req.ResolutionStatus)
		update.ResolutionStatus = &status
	}

	applied, err := s.dlq.UpdateInvestigation(r.Context(), entryUUID, update)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !applied {
		writeError(w, r, apperrors.NewNotFoundError("dlq entry"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleDLQStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.dlq.GetStats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"stats": stats})
}

func (s *Server) handleDLQInvestigationQueue(w http.ResponseWriter, r *http.Request) {
	limit := parseInt64(r.URL.Query().Get("limit"), 50)
	entries, err := s.dlq.InvestigationQueue(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (s *Server) handleDLQStaleness(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	staleAfter := time.Duration(parseInt64(q.Get("stale_after_seconds"), 3600)) * time.Second
	limit := parseInt64(q.Get("limit"), 50)

	entries, err := s.dlq.StalenessMonitoring(r.Context(), staleAfter, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}
