package dlq

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jordigilh/kubernaut/pkg/taskmodel"
)

type fakeStore struct {
	snapshotState string
	snapshot      json.RawMessage
	inserted      []taskmodel.DLQEntry
	byTask        map[uuid.UUID]taskmodel.DLQEntry
	updates       []InvestigationUpdate
	updateApplied bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{byTask: map[uuid.UUID]taskmodel.DLQEntry{}, updateApplied: true}
}

func (s *fakeStore) BuildSnapshot(ctx context.Context, taskUUID uuid.UUID) (string, json.RawMessage, error) {
	return s.snapshotState, s.snapshot, nil
}

func (s *fakeStore) InsertEntry(ctx context.Context, entry taskmodel.DLQEntry) error {
	s.inserted = append(s.inserted, entry)
	s.byTask[entry.TaskUUID] = entry
	return nil
}

func (s *fakeStore) List(ctx context.Context, params ListParams) ([]taskmodel.DLQEntry, error) {
	return s.inserted, nil
}

func (s *fakeStore) FindByTask(ctx context.Context, taskUUID uuid.UUID) (*taskmodel.DLQEntry, error) {
	if e, ok := s.byTask[taskUUID]; ok {
		return &e, nil
	}
	return nil, nil
}

func (s *fakeStore) UpdateInvestigation(ctx context.Context, dlqEntryUUID uuid.UUID, update InvestigationUpdate) (bool, error) {
	s.updates = append(s.updates, update)
	return s.updateApplied, nil
}

func (s *fakeStore) Stats(ctx context.Context) ([]Stats, error) { return nil, nil }

func (s *fakeStore) InvestigationQueue(ctx context.Context, limit int64) ([]taskmodel.DLQEntry, error) {
	return s.inserted, nil
}

func (s *fakeStore) StalenessMonitoring(ctx context.Context, staleAfter time.Duration, limit int64) ([]StalenessEntry, error) {
	return nil, nil
}

type fakeNotifier struct {
	notified []taskmodel.DLQEntry
	err      error
}

func (n *fakeNotifier) NotifyBlockedTask(ctx context.Context, entry taskmodel.DLQEntry) error {
	n.notified = append(n.notified, entry)
	return n.err
}

func TestRecordBlockedTask_InsertsPendingEntry(t *testing.T) {
	store := newFakeStore()
	store.snapshotState = "blocked_by_failures"
	store.snapshot = json.RawMessage(`{"task":{}}`)
	taskUUID := uuid.New()

	svc := New(store, nil, nil)
	if err := svc.RecordBlockedTask(context.Background(), taskUUID, taskmodel.DLQReasonBlockedByFailures); err != nil {
		t.Fatalf("RecordBlockedTask: %v", err)
	}
	if len(store.inserted) != 1 {
		t.Fatalf("expected 1 entry inserted, got %d", len(store.inserted))
	}
	entry := store.inserted[0]
	if entry.ResolutionStatus != taskmodel.DLQStatusPending {
		t.Fatalf("expected pending status, got %s", entry.ResolutionStatus)
	}
	if entry.OriginalState != "blocked_by_failures" {
		t.Fatalf("expected original state captured, got %q", entry.OriginalState)
	}
	if entry.TaskUUID != taskUUID {
		t.Fatalf("expected entry for task %s, got %s", taskUUID, entry.TaskUUID)
	}
}

func TestRecordBlockedTask_NotifiesWhenConfigured(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{}
	taskUUID := uuid.New()

	svc := New(store, notifier, nil)
	if err := svc.RecordBlockedTask(context.Background(), taskUUID, taskmodel.DLQReasonStale); err != nil {
		t.Fatalf("RecordBlockedTask: %v", err)
	}
	if len(notifier.notified) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(notifier.notified))
	}
}

func TestRecordBlockedTask_NotifierFailureDoesNotFailEntryCreation(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{err: errTestNotify}
	taskUUID := uuid.New()

	svc := New(store, notifier, nil)
	if err := svc.RecordBlockedTask(context.Background(), taskUUID, taskmodel.DLQReasonStale); err != nil {
		t.Fatalf("expected RecordBlockedTask to succeed despite notifier failure, got %v", err)
	}
	if len(store.inserted) != 1 {
		t.Fatalf("expected entry still inserted, got %d", len(store.inserted))
	}
}

func TestUpdateInvestigation_ReturnsAppliedFromStore(t *testing.T) {
	store := newFakeStore()
	store.updateApplied = false
	svc := New(store, nil, nil)

	applied, err := svc.UpdateInvestigation(context.Background(), uuid.New(), InvestigationUpdate{
		ResolutionNotes: "false alarm",
	})
	if err != nil {
		t.Fatalf("UpdateInvestigation: %v", err)
	}
	if applied {
		t.Fatalf("expected applied=false to propagate from store")
	}
	if len(store.updates) != 1 {
		t.Fatalf("expected 1 update recorded, got %d", len(store.updates))
	}
}

func TestSlackNotifier_EmptyWebhookIsNoOp(t *testing.T) {
	n := NewSlackNotifier("")
	if err := n.NotifyBlockedTask(context.Background(), taskmodel.DLQEntry{}); err != nil {
		t.Fatalf("expected no-op with empty webhook, got %v", err)
	}
}

var errTestNotify = &testNotifyError{}

type testNotifyError struct{}

func (e *testNotifyError) Error() string { return "slack webhook unreachable" }
