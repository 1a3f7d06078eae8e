package task

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	apperrors "github.com/jordigilh/kubernaut/internal/errors"
	"github.com/jordigilh/kubernaut/pkg/taskmodel"
	"github.com/jordigilh/kubernaut/pkg/template"
)

type fakeStore struct {
	byHash   map[string]*taskmodel.Task
	inserted []Insertion
}

func newFakeStore() *fakeStore {
	return &fakeStore{byHash: make(map[string]*taskmodel.Task)}
}

func (s *fakeStore) FindByIdentityHash(ctx context.Context, identityHash string) (*taskmodel.Task, error) {
	return s.byHash[identityHash], nil
}

func (s *fakeStore) InsertTask(ctx context.Context, ins Insertion) error {
	s.inserted = append(s.inserted, ins)
	s.byHash[ins.Task.IdentityHash] = &ins.Task
	return nil
}

func (s *fakeStore) ResolveTemplate(ctx context.Context, tpl *template.Template) (uuid.UUID, map[string]uuid.UUID, error) {
	namedStepUUIDByName := make(map[string]uuid.UUID, len(tpl.Steps))
	for _, decl := range tpl.Steps {
		namedStepUUIDByName[decl.Name] = uuid.New()
	}
	return uuid.New(), namedStepUUIDByName, nil
}

type fakeNotifier struct {
	notified []uuid.UUID
}

func (n *fakeNotifier) NotifyTaskReady(ctx context.Context, taskUUID uuid.UUID) {
	n.notified = append(n.notified, taskUUID)
}

func testRegistry(t *testing.T) *template.Registry {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "order.yaml", `
name: order_fulfillment
namespace_name: payments
version: "1.0.0"
steps:
  - name: charge_card
    handler:
      callable: payments.charge_card
  - name: ship_order
    handler:
      callable: fulfillment.ship_order
    depends_on:
      - charge_card
`)
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	reg := template.NewRegistry(logger)
	reg.LoadSearchPaths([]string{dir})
	return reg
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := dir + "/" + name
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writeFile: %v", err)
	}
}

func TestInitializeTask_CreatesTaskWithStepsAndEdges(t *testing.T) {
	reg := testRegistry(t)
	store := newFakeStore()
	notifier := &fakeNotifier{}
	init := New(reg, store, notifier, DuplicateStrict, nil)

	sub := Submission{
		Namespace:     "payments",
		Name:          "order_fulfillment",
		Version:       "1.0.0",
		Context:       []byte(`{"order_id": 123}`),
		CorrelationID: uuid.New(),
	}

	result, err := init.InitializeTask(context.Background(), sub)
	if err != nil {
		t.Fatalf("InitializeTask: %v", err)
	}
	if result.StepCount != 2 {
		t.Fatalf("StepCount = %d, want 2", result.StepCount)
	}
	if len(store.inserted) != 1 {
		t.Fatalf("expected 1 insertion, got %d", len(store.inserted))
	}
	ins := store.inserted[0]
	if len(ins.Edges) != 1 {
		t.Fatalf("expected 1 edge, got %d", len(ins.Edges))
	}
	if len(notifier.notified) != 1 || notifier.notified[0] != result.TaskUUID {
		t.Fatalf("expected readiness notification for %s, got %+v", result.TaskUUID, notifier.notified)
	}
}

func TestInitializeTask_MissingTemplateFails(t *testing.T) {
	reg := testRegistry(t)
	init := New(reg, newFakeStore(), &fakeNotifier{}, DuplicateStrict, nil)

	_, err := init.InitializeTask(context.Background(), Submission{
		Namespace: "payments", Name: "nonexistent", Version: "1.0.0",
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !apperrors.IsType(err, apperrors.ErrorTypeValidation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestInitializeTask_StrictDuplicateRejected(t *testing.T) {
	reg := testRegistry(t)
	store := newFakeStore()
	init := New(reg, store, &fakeNotifier{}, DuplicateStrict, nil)

	sub := Submission{Namespace: "payments", Name: "order_fulfillment", Version: "1.0.0", CorrelationID: uuid.New()}

	_, err := init.InitializeTask(context.Background(), sub)
	if err != nil {
		t.Fatalf("first InitializeTask: %v", err)
	}

	_, err = init.InitializeTask(context.Background(), sub)
	if err == nil {
		t.Fatalf("expected conflict on duplicate submission")
	}
	if !apperrors.IsType(err, apperrors.ErrorTypeConflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
}

func TestInitializeTask_PermissiveDuplicateReturnsExisting(t *testing.T) {
	reg := testRegistry(t)
	store := newFakeStore()
	init := New(reg, store, &fakeNotifier{}, DuplicatePermissive, nil)

	sub := Submission{Namespace: "payments", Name: "order_fulfillment", Version: "1.0.0", CorrelationID: uuid.New()}

	first, err := init.InitializeTask(context.Background(), sub)
	if err != nil {
		t.Fatalf("first InitializeTask: %v", err)
	}

	second, err := init.InitializeTask(context.Background(), sub)
	if err != nil {
		t.Fatalf("second InitializeTask: %v", err)
	}
	if !second.Deduplicated {
		t.Fatalf("expected Deduplicated = true")
	}
	if second.TaskUUID != first.TaskUUID {
		t.Fatalf("expected same task uuid, got %s vs %s", second.TaskUUID, first.TaskUUID)
	}
	if len(store.inserted) != 1 {
		t.Fatalf("expected only 1 insertion across both calls, got %d", len(store.inserted))
	}
}

func TestInitializeTask_InvalidContextJSONFails(t *testing.T) {
	reg := testRegistry(t)
	init := New(reg, newFakeStore(), &fakeNotifier{}, DuplicateStrict, nil)

	_, err := init.InitializeTask(context.Background(), Submission{
		Namespace: "payments", Name: "order_fulfillment", Version: "1.0.0",
		Context: []byte(`not json`),
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !apperrors.IsType(err, apperrors.ErrorTypeValidation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}
