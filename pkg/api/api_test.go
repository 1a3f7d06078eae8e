package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jordigilh/kubernaut/pkg/api/permission"
	"github.com/jordigilh/kubernaut/pkg/dlq"
	"github.com/jordigilh/kubernaut/pkg/manualops"
	"github.com/jordigilh/kubernaut/pkg/query"
	"github.com/jordigilh/kubernaut/pkg/task"
	"github.com/jordigilh/kubernaut/pkg/taskmodel"
)

type allowAllAuth struct{}

func (allowAllAuth) Authenticate(r *http.Request) (Principal, error) {
	return Principal{ID: "test-operator", Scopes: permission.NewSet([]string{"*"})}, nil
}

type fakeSubmitter struct {
	lastSubmission task.Submission
	result         *task.Result
	err            error
}

func (f *fakeSubmitter) InitializeTask(ctx context.Context, sub task.Submission) (*task.Result, error) {
	f.lastSubmission = sub
	return f.result, f.err
}

type fakeQuery struct {
	task  *query.TaskProgress
	steps []taskmodel.WorkflowStep
	err   error
}

func (f *fakeQuery) GetTask(ctx context.Context, taskUUID uuid.UUID) (*query.TaskProgress, error) {
	return f.task, f.err
}
func (f *fakeQuery) ListTasks(ctx context.Context, filter query.TaskFilter) ([]query.TaskProgress, error) {
	return nil, f.err
}
func (f *fakeQuery) TaskHistory(ctx context.Context, taskUUID uuid.UUID, limit int64) ([]taskmodel.TaskTransition, error) {
	return nil, f.err
}
func (f *fakeQuery) GetStep(ctx context.Context, stepUUID uuid.UUID) (*taskmodel.WorkflowStep, error) {
	if len(f.steps) == 0 {
		return nil, f.err
	}
	return &f.steps[0], f.err
}
func (f *fakeQuery) ListSteps(ctx context.Context, taskUUID uuid.UUID) ([]taskmodel.WorkflowStep, error) {
	return f.steps, f.err
}
func (f *fakeQuery) StepHistory(ctx context.Context, stepUUID uuid.UUID, limit int64) ([]taskmodel.StepTransition, error) {
	return nil, f.err
}

type fakeManual struct {
	lastCancel manualops.CancelTask
	err        error
}

func (f *fakeManual) ResetStepForRetry(ctx context.Context, req manualops.ResetStep) error { return f.err }
func (f *fakeManual) ResolveManually(ctx context.Context, req manualops.ResolveStep) error  { return f.err }
func (f *fakeManual) CompleteManually(ctx context.Context, req manualops.CompleteStep) error {
	return f.err
}
func (f *fakeManual) Cancel(ctx context.Context, req manualops.CancelTask) error {
	f.lastCancel = req
	return f.err
}

type fakeDLQ struct {
	entries []taskmodel.DLQEntry
	stats   []dlq.Stats
	err     error
}

func (f *fakeDLQ) List(ctx context.Context, params dlq.ListParams) ([]taskmodel.DLQEntry, error) {
	return f.entries, f.err
}
func (f *fakeDLQ) FindByTask(ctx context.Context, taskUUID uuid.UUID) (*taskmodel.DLQEntry, error) {
	if len(f.entries) == 0 {
		return nil, f.err
	}
	return &f.entries[0], f.err
}
func (f *fakeDLQ) UpdateInvestigation(ctx context.Context, dlqEntryUUID uuid.UUID, update dlq.InvestigationUpdate) (bool, error) {
	return true, f.err
}
func (f *fakeDLQ) GetStats(ctx context.Context) ([]dlq.Stats, error) { return f.stats, f.err }
func (f *fakeDLQ) InvestigationQueue(ctx context.Context, limit int64) ([]taskmodel.DLQEntry, error) {
	return f.entries, f.err
}
func (f *fakeDLQ) StalenessMonitoring(ctx context.Context, staleAfter time.Duration, limit int64) ([]dlq.StalenessEntry, error) {
	return nil, f.err
}

func newTestServer() (*Server, *fakeSubmitter, *fakeQuery, *fakeManual, *fakeDLQ) {
	submitter := &fakeSubmitter{result: &task.Result{TaskUUID: uuid.New(), StepCount: 3}}
	q := &fakeQuery{}
	manual := &fakeManual{}
	d := &fakeDLQ{}
	s := NewServer(Config{
		Submitter:     submitter,
		Query:         q,
		Manual:        manual,
		DLQ:           d,
		Authenticator: allowAllAuth{},
	})
	return s, submitter, q, manual, d
}

func TestHandleSubmitTask_ValidRequestReturns201(t *testing.T) {
	s, submitter, _, _, _ := newTestServer()

	body, _ := json.Marshal(map[string]interface{}{
		"namespace": "payments", "name": "charge_card", "version": "1.0.0", "initiator": "checkout-svc",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if submitter.lastSubmission.Namespace != "payments" {
		t.Fatalf("expected namespace payments, got %s", submitter.lastSubmission.Namespace)
	}
}

func TestHandleSubmitTask_MissingRequiredFieldReturns400Problem(t *testing.T) {
	s, _, _, _, _ := newTestServer()

	body, _ := json.Marshal(map[string]interface{}{"namespace": "payments"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec.Header().Get("Content-Type") != "application/problem+json" {
		t.Fatalf("expected RFC 7807 content type, got %s", rec.Header().Get("Content-Type"))
	}
}

func TestHandleGetTask_NotFoundReturns404(t *testing.T) {
	s, _, _, _, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+uuid.New().String(), nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleGetTask_InvalidUUIDReturns400(t *testing.T) {
	s, _, _, _, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/not-a-uuid", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleCancelTask_DelegatesToManualOps(t *testing.T) {
	s, _, _, manual, _ := newTestServer()
	taskUUID := uuid.New()

	body, _ := json.Marshal(map[string]string{"reason": "operator abort", "cancelled_by": "op1"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks/"+taskUUID.String()+"/cancel", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if manual.lastCancel.TaskUUID != taskUUID {
		t.Fatalf("expected cancel delegated for task %s, got %s", taskUUID, manual.lastCancel.TaskUUID)
	}
}

func TestHandleListDLQ_ReturnsEntries(t *testing.T) {
	s, _, _, _, d := newTestServer()
	d.entries = []taskmodel.DLQEntry{{DLQEntryUUID: uuid.New(), TaskUUID: uuid.New()}}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/dlq", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHealthz_OK(t *testing.T) {
	s, _, _, _, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

type denyAllAuth struct{}

func (denyAllAuth) Authenticate(r *http.Request) (Principal, error) {
	return Principal{ID: "anon", Scopes: permission.NewSet(nil)}, nil
}

func TestRequireScope_RejectsPrincipalWithoutScope(t *testing.T) {
	s := NewServer(Config{
		Submitter:     &fakeSubmitter{},
		Query:         &fakeQuery{},
		Manual:        &fakeManual{},
		DLQ:           &fakeDLQ{},
		Authenticator: denyAllAuth{},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+uuid.New().String(), nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}
