// Package dlq implements the Dead-Letter Queue: spec.md §4.13. It captures
// permanently blocked tasks for operator triage, and serves the read
// surfaces operators use to work the backlog (list, lookup, statistics,
// investigation queue, staleness monitoring).
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jordigilh/kubernaut/pkg/taskmodel"
)

// ListParams filters List; a nil ResolutionStatus returns entries
// in every status.
type ListParams struct {
	ResolutionStatus *taskmodel.DLQResolutionStatus
	Limit            int64
	Offset           int64
}

// InvestigationUpdate is an operator's disposition of one DLQ entry. Every
// field left at its zero value is left unchanged.
type InvestigationUpdate struct {
	ResolutionStatus *taskmodel.DLQResolutionStatus
	ResolutionNotes  string
	ResolvedBy       string
	Metadata         json.RawMessage
}

// Stats is one reason bucket of the DLQ statistics view.
type Stats struct {
	Reason            taskmodel.DLQReason
	Total             int64
	Pending           int64
	ManuallyResolved  int64
	PermanentFailures int64
	Oldest            *time.Time
	Newest            *time.Time
}

// StalenessEntry flags a task that hasn't transitioned within its expected
// bound, catching silent hangs that never produce a failure and so would
// otherwise never reach the DLQ through the normal blocked-by-failures path.
type StalenessEntry struct {
	TaskUUID         uuid.UUID
	CurrentState     string
	LastTransitionAt time.Time
	StaleFor         time.Duration
}

// Store is the DLQ persistence seam.
type Store interface {
	// BuildSnapshot captures taskUUID's current state plus its task/step
	// rows and recent transitions, for embedding in a new DLQEntry.
	BuildSnapshot(ctx context.Context, taskUUID uuid.UUID) (originalState string, snapshot json.RawMessage, err error)

	InsertEntry(ctx context.Context, entry taskmodel.DLQEntry) error
	List(ctx context.Context, params ListParams) ([]taskmodel.DLQEntry, error)
	FindByTask(ctx context.Context, taskUUID uuid.UUID) (*taskmodel.DLQEntry, error)
	UpdateInvestigation(ctx context.Context, dlqEntryUUID uuid.UUID, update InvestigationUpdate) (applied bool, err error)
	Stats(ctx context.Context) ([]Stats, error)
	InvestigationQueue(ctx context.Context, limit int64) ([]taskmodel.DLQEntry, error)
	StalenessMonitoring(ctx context.Context, staleAfter time.Duration, limit int64) ([]StalenessEntry, error)
}

// Notifier pushes a real-time alert for a newly created DLQ entry. It is
// best-effort: a notification failure is logged, never returned to the
// caller, since a missed Slack message must not block the entry itself
// from being recorded.
type Notifier interface {
	NotifyBlockedTask(ctx context.Context, entry taskmodel.DLQEntry) error
}

// Service implements the Dead-Letter Queue.
type Service struct {
	store    Store
	notifier Notifier
	logger   *logrus.Logger
}

// New builds a Service. notifier may be nil (no webhook configured).
func New(store Store, notifier Notifier, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	return &Service{store: store, notifier: notifier, logger: logger}
}

// RecordBlockedTask captures taskUUID for operator triage. It implements
// pkg/coordinator.DLQRecorder, called once the Finalizer has already
// transitioned the task to Error.
func (s *Service) RecordBlockedTask(ctx context.Context, taskUUID uuid.UUID, reason taskmodel.DLQReason) error {
	originalState, snapshot, err := s.store.BuildSnapshot(ctx, taskUUID)
	if err != nil {
		return fmt.Errorf("dlq: build snapshot for task %s: %w", taskUUID, err)
	}

	entry := taskmodel.DLQEntry{
		DLQEntryUUID:     taskmodel.NewUUID(),
		TaskUUID:         taskUUID,
		OriginalState:    originalState,
		DLQReason:        reason,
		DLQTimestamp:     time.Now(),
		TaskSnapshot:     snapshot,
		ResolutionStatus: taskmodel.DLQStatusPending,
	}

	if err := s.store.InsertEntry(ctx, entry); err != nil {
		return fmt.Errorf("dlq: insert entry for task %s: %w", taskUUID, err)
	}

	if s.notifier != nil {
		if err := s.notifier.NotifyBlockedTask(ctx, entry); err != nil {
			s.logger.WithError(err).WithField("task_uuid", taskUUID).Warn("dlq: notification failed")
		}
	}

	return nil
}

// List returns DLQ entries matching params, most recent first.
func (s *Service) List(ctx context.Context, params ListParams) ([]taskmodel.DLQEntry, error) {
	return s.store.List(ctx, params)
}

// FindByTask returns taskUUID's most recent DLQ entry, if any.
func (s *Service) FindByTask(ctx context.Context, taskUUID uuid.UUID) (*taskmodel.DLQEntry, error) {
	return s.store.FindByTask(ctx, taskUUID)
}

// UpdateInvestigation applies an operator's disposition. Writing the same
// (status, notes, actor) twice leaves those fields unchanged, but each
// write with a non-pending status sets resolution_timestamp to the current
// time again.
func (s *Service) UpdateInvestigation(ctx context.Context, dlqEntryUUID uuid.UUID, update InvestigationUpdate) (bool, error) {
	return s.store.UpdateInvestigation(ctx, dlqEntryUUID, update)
}

// GetStats returns the statistics-by-reason view.
func (s *Service) GetStats(ctx context.Context) ([]Stats, error) {
	return s.store.Stats(ctx)
}

// InvestigationQueue returns entries prioritized for operator triage
// (oldest pending first).
func (s *Service) InvestigationQueue(ctx context.Context, limit int64) ([]taskmodel.DLQEntry, error) {
	return s.store.InvestigationQueue(ctx, limit)
}

// StalenessMonitoring returns tasks that haven't transitioned within
// staleAfter, surfacing hangs that never produced a failure and so never
// reached the DLQ through RecordBlockedTask.
func (s *Service) StalenessMonitoring(ctx context.Context, staleAfter time.Duration, limit int64) ([]StalenessEntry, error) {
	return s.store.StalenessMonitoring(ctx, staleAfter, limit)
}
