package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	apperrors "github.com/jordigilh/kubernaut/internal/errors"
)

// problem is an RFC 7807 application/problem+json body, the error shape
// this codebase's HTTP surfaces use.
type problem struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail"`
	Instance  string `json:"instance"`
	RequestID string `json:"request_id,omitempty"`
}

func writeProblem(w http.ResponseWriter, r *http.Request, status int, problemType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem{
		Type:      problemType,
		Title:     title,
		Status:    status,
		Detail:    detail,
		Instance:  r.URL.Path,
		RequestID: middleware.GetReqID(r.Context()),
	})
}

// writeError maps any error through internal/errors' classification into
// an RFC 7807 response, reusing GetStatusCode/SafeErrorMessage rather than
// re-deriving status codes here.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.GetStatusCode(err)
	errType := apperrors.GetType(err)
	writeProblem(w, r, status, "https://tasker.dev/errors/"+string(errType), http.StatusText(status), apperrors.SafeErrorMessage(err))
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
