package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/jordigilh/kubernaut/pkg/batch"
	"github.com/jordigilh/kubernaut/pkg/coordinator"
	"github.com/jordigilh/kubernaut/pkg/decision"
	"github.com/jordigilh/kubernaut/pkg/enqueue"
	"github.com/jordigilh/kubernaut/pkg/poller"
)

// namespaceEnqueuer adapts pkg/enqueue.Enqueuer's per-call namespace
// argument and []Result return to the two callers that each expect a
// narrower shape: pkg/coordinator.Enqueuer (resolves namespace itself,
// wants a count) and pkg/poller.Enqueuer (already has namespace from its
// own scan, wants a count). Both seams exist so coordinator and poller can
// compile and test independently of the concrete enqueue package; this
// type is the only place that bridges them to it.
type namespaceEnqueuer struct {
	enqueuer *enqueue.Enqueuer
	pool     *pgxpool.Pool
}

// EnqueueReadySteps implements pkg/coordinator.Enqueuer by resolving
// taskUUID's namespace from the database before delegating.
func (n *namespaceEnqueuer) EnqueueReadySteps(ctx context.Context, taskUUID uuid.UUID) (int, error) {
	namespace, err := n.taskNamespace(ctx, taskUUID)
	if err != nil {
		return 0, err
	}
	results, err := n.enqueuer.EnqueueViableSteps(ctx, taskUUID, namespace)
	if err != nil {
		return 0, err
	}
	return countEnqueued(results), nil
}

// EnqueueViableSteps implements pkg/poller.Enqueuer, which already knows
// the namespace from its own ready-task scan.
func (n *namespaceEnqueuer) EnqueueViableSteps(ctx context.Context, taskUUID uuid.UUID, namespace string) (int, error) {
	results, err := n.enqueuer.EnqueueViableSteps(ctx, taskUUID, namespace)
	if err != nil {
		return 0, err
	}
	return countEnqueued(results), nil
}

func countEnqueued(results []enqueue.Result) int {
	n := 0
	for _, r := range results {
		if r.Outcome == enqueue.OutcomeEnqueued {
			n++
		}
	}
	return n
}

func (n *namespaceEnqueuer) taskNamespace(ctx context.Context, taskUUID uuid.UUID) (string, error) {
	const q = `
SELECT tns.name
FROM tasker_tasks t
JOIN tasker_named_tasks nt ON nt.named_task_uuid = t.named_task_uuid
JOIN tasker_task_namespaces tns ON tns.task_namespace_uuid = nt.task_namespace_uuid
WHERE t.task_uuid = $1`
	var namespace string
	if err := n.pool.QueryRow(ctx, q, taskUUID).Scan(&namespace); err != nil {
		return "", fmt.Errorf("resolve namespace for task %s: %w", taskUUID, err)
	}
	return namespace, nil
}

// batchDelegate adapts pkg/batch.Service's typed Outcome parameter to the
// json.RawMessage pkg/resultprocessor.BatchDelegate passes, parsing the
// worker-reported outcome the same way pkg/batch.ParseOutcome already
// validates it elsewhere.
type batchDelegate struct {
	service *batch.Service
}

func (b *batchDelegate) ProcessBatchOutcome(ctx context.Context, taskUUID, stepUUID uuid.UUID, outcome json.RawMessage) error {
	parsed, err := batch.ParseOutcome(outcome)
	if err != nil {
		return fmt.Errorf("parse batch outcome for step %s: %w", stepUUID, err)
	}
	_, err = b.service.ProcessBatchableStep(ctx, taskUUID, stepUUID, parsed)
	return err
}

// decisionDelegate adapts pkg/decision.Service the same way batchDelegate
// adapts pkg/batch.Service.
type decisionDelegate struct {
	service *decision.Service
}

func (d *decisionDelegate) ProcessDecisionOutcome(ctx context.Context, taskUUID, stepUUID uuid.UUID, outcome json.RawMessage) error {
	parsed, err := decision.ParseOutcome(outcome)
	if err != nil {
		return fmt.Errorf("parse decision outcome for step %s: %w", stepUUID, err)
	}
	_, err = d.service.ProcessDecisionOutcome(ctx, stepUUID, taskUUID, parsed)
	return err
}

// taskReadyNotifier adapts pkg/task.Notifier to the namespaceEnqueuer so a
// freshly-initialized task's viable steps get a best-effort immediate
// enqueue attempt instead of waiting for the fallback poller's next tick.
// Failures are logged, never propagated: InitializeTask has already
// committed, and the poller guarantees eventual enqueueing regardless.
type taskReadyNotifier struct {
	coordinatorEnqueuer *namespaceEnqueuer
	logger              *logrus.Logger
}

func (t *taskReadyNotifier) NotifyTaskReady(ctx context.Context, taskUUID uuid.UUID) {
	if _, err := t.coordinatorEnqueuer.EnqueueReadySteps(ctx, taskUUID); err != nil {
		t.logger.WithError(err).Warn("notify: initial enqueue attempt failed, fallback poller will retry")
	}
}

// namespaceEnqueuer satisfies both pkg/coordinator.Enqueuer and
// pkg/poller.Enqueuer; asserted here so a signature drift in either
// interface fails at compile time instead of at wiring call sites below.
var (
	_ coordinator.Enqueuer = (*namespaceEnqueuer)(nil)
	_ poller.Enqueuer      = (*namespaceEnqueuer)(nil)
)
