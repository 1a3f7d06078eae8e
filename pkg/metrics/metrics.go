// Package metrics exposes the orchestrator's Prometheus instrumentation:
// task/step throughput, enqueue and messaging counters, circuit breaker
// state, DLQ volume and the fallback poller's sweep stats. All collectors
// are registered with the default Prometheus registry; the only Record*
// call made by any component is RecordMessagingRedelivery, from the result
// consumer in cmd/orchestrator-core, so the other series stay at zero.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksInitializedTotal counts successful pkg/task.Initializer calls.
	TasksInitializedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tasker_tasks_initialized_total",
		Help: "Total tasks initialized.",
	})

	// TaskDuplicatesTotal counts submissions resolved against an existing
	// task under DuplicatePermissive.
	TaskDuplicatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tasker_task_duplicates_total",
		Help: "Total task submissions deduplicated against an existing task.",
	})

	// TaskStateTransitionsTotal counts coordinator task state transitions,
	// labeled by the resulting state.
	TaskStateTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tasker_task_state_transitions_total",
		Help: "Total task state transitions, labeled by resulting state.",
	}, []string{"to_state"})

	// StepsEnqueuedTotal counts steps published by the Step Enqueuer.
	StepsEnqueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tasker_steps_enqueued_total",
		Help: "Total workflow steps enqueued for processing.",
	})

	// StepResultsProcessedTotal counts results the Step Result Processor
	// has applied, labeled by resulting state.
	StepResultsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tasker_step_results_processed_total",
		Help: "Total step results processed, labeled by resulting state.",
	}, []string{"to_state"})

	// StepDuration observes handler execution time per step, reported by
	// workers through the messaging layer.
	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tasker_step_duration_seconds",
		Help:    "Step handler execution duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"handler"})

	// MessagingPublishTotal counts publish attempts, labeled by outcome.
	MessagingPublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tasker_messaging_publish_total",
		Help: "Total message publish attempts, labeled by outcome.",
	}, []string{"outcome"})

	// MessagingRedeliveriesTotal counts redeliveries observed by the
	// at-least-once consumer path.
	MessagingRedeliveriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tasker_messaging_redeliveries_total",
		Help: "Total message redeliveries observed.",
	})

	// CircuitBreakerStateChangesTotal counts breaker state transitions,
	// labeled by breaker name and resulting state.
	CircuitBreakerStateChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tasker_circuit_breaker_state_changes_total",
		Help: "Total circuit breaker state changes, labeled by breaker and resulting state.",
	}, []string{"breaker", "state"})

	// DLQEntriesTotal counts tasks recorded to the dead-letter queue,
	// labeled by reason.
	DLQEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tasker_dlq_entries_total",
		Help: "Total tasks recorded to the dead-letter queue, labeled by reason.",
	}, []string{"reason"})

	// PollerSweepsTotal counts fallback poller sweep cycles, labeled by
	// outcome (ok, skipped, error).
	PollerSweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tasker_poller_sweeps_total",
		Help: "Total fallback poller sweep cycles, labeled by outcome.",
	}, []string{"outcome"})

	// BatchWorkersCreatedTotal counts workers materialized by the Batch
	// Processing Service.
	BatchWorkersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tasker_batch_workers_created_total",
		Help: "Total batch workers created.",
	})
)

// RecordTaskInitialized records a successful (or deduplicated) task
// submission.
func RecordTaskInitialized(deduplicated bool) {
	if deduplicated {
		TaskDuplicatesTotal.Inc()
		return
	}
	TasksInitializedTotal.Inc()
}

// RecordTaskTransition records a task reaching toState.
func RecordTaskTransition(toState string) {
	TaskStateTransitionsTotal.WithLabelValues(toState).Inc()
}

// RecordStepsEnqueued records n steps published in one enqueue call.
func RecordStepsEnqueued(n int) {
	StepsEnqueuedTotal.Add(float64(n))
}

// RecordStepResult records a step reaching toState.
func RecordStepResult(toState string) {
	StepResultsProcessedTotal.WithLabelValues(toState).Inc()
}

// RecordStepDuration observes a handler's execution time.
func RecordStepDuration(handler string, d time.Duration) {
	StepDuration.WithLabelValues(handler).Observe(d.Seconds())
}

// RecordMessagingPublish records a publish attempt's outcome ("ok" or
// "error").
func RecordMessagingPublish(outcome string) {
	MessagingPublishTotal.WithLabelValues(outcome).Inc()
}

// RecordMessagingRedelivery records one redelivered message.
func RecordMessagingRedelivery() {
	MessagingRedeliveriesTotal.Inc()
}

// RecordCircuitBreakerStateChange records a breaker moving to state.
func RecordCircuitBreakerStateChange(breaker, state string) {
	CircuitBreakerStateChangesTotal.WithLabelValues(breaker, state).Inc()
}

// RecordDLQEntry records a task landing in the dead-letter queue for
// reason.
func RecordDLQEntry(reason string) {
	DLQEntriesTotal.WithLabelValues(reason).Inc()
}

// RecordPollerSweep records one fallback poller sweep's outcome ("ok",
// "skipped" or "error").
func RecordPollerSweep(outcome string) {
	PollerSweepsTotal.WithLabelValues(outcome).Inc()
}

// RecordBatchWorkersCreated records n workers materialized by one
// ProcessBatchableStep call.
func RecordBatchWorkersCreated(n int) {
	BatchWorkersCreatedTotal.Add(float64(n))
}
