// Package poller implements the Task-Readiness Fallback Poller: spec.md
// §4.11. It runs alongside the LISTEN/NOTIFY fast path, periodically
// scanning ready-work tables to catch anything a missed or dropped NOTIFY
// event left stranded, and wraps every sweep in a circuit breaker so
// repeated DB failures degrade to fast-skip cycles rather than piling up
// blocked goroutines (spec.md §4.12).
package poller

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/jordigilh/kubernaut/pkg/circuitbreaker"
)

// ReadyTask is one task a sweep found with at least one step eligible for
// (re-)enqueueing.
type ReadyTask struct {
	TaskUUID  uuid.UUID
	Namespace string
}

// Store scans for tasks the fast path may have missed.
type Store interface {
	ScanReadyTasks(ctx context.Context, limit int) ([]ReadyTask, error)
}

// Enqueuer re-publishes a task's currently viable steps. Its shape differs
// from pkg/coordinator.Enqueuer (which resolves namespace internally)
// because the poller already has namespace from its own Store scan; a
// thin adapter over pkg/enqueue.Enqueuer bridges the two at wiring time.
type Enqueuer interface {
	EnqueueViableSteps(ctx context.Context, taskUUID uuid.UUID, namespace string) (enqueuedCount int, err error)
}

// Stats are the atomic counters spec.md §5 requires be visible via health
// endpoints.
type Stats struct {
	SweepsRun      uint64
	TasksScanned   uint64
	StepsEnqueued  uint64
	SweepsSkipped  uint64
	SweepErrors    uint64
}

// Config configures sweep cadence and batch size.
type Config struct {
	// Schedule is a robfig/cron expression; "@every 30s" is the documented
	// default poll interval.
	Schedule string
	// BatchLimit caps how many ready tasks one sweep processes.
	BatchLimit int
}

// DefaultConfig matches the orchestrator's documented fallback-poll cadence.
func DefaultConfig() Config {
	return Config{Schedule: "@every 30s", BatchLimit: 100}
}

// Poller runs Config.Schedule against Store/Enqueuer through a circuit
// breaker.
type Poller struct {
	store    Store
	enqueuer Enqueuer
	breaker  *circuitbreaker.CircuitBreaker
	cfg      Config
	logger   *logrus.Logger
	cron     *cron.Cron

	sweepsRun     atomic.Uint64
	tasksScanned  atomic.Uint64
	stepsEnqueued atomic.Uint64
	sweepsSkipped atomic.Uint64
	sweepErrors   atomic.Uint64
}

// New builds a Poller. breaker is shared with the messaging layer —
// callers pass the same instance. The HTTP API's database calls do not go
// through it.
func New(store Store, enqueuer Enqueuer, breaker *circuitbreaker.CircuitBreaker, cfg Config, logger *logrus.Logger) *Poller {
	if logger == nil {
		logger = logrus.New()
	}
	return &Poller{
		store:    store,
		enqueuer: enqueuer,
		breaker:  breaker,
		cfg:      cfg,
		logger:   logger,
		cron:     cron.New(),
	}
}

// Start schedules the sweep and begins running it in the background. The
// returned error is only non-nil if cfg.Schedule doesn't parse.
func (p *Poller) Start(ctx context.Context) error {
	_, err := p.cron.AddFunc(p.cfg.Schedule, func() {
		p.sweep(ctx)
	})
	if err != nil {
		return err
	}
	p.cron.Start()
	return nil
}

// Stop waits (up to ctx's deadline) for any in-flight sweep to finish, then
// stops the scheduler.
func (p *Poller) Stop(ctx context.Context) {
	stopCtx := p.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
}

// sweep runs one fallback cycle. A circuit-broken failure increments
// SweepsSkipped rather than SweepErrors — the breaker being open is the
// intended fast-skip behavior, not an unexpected failure.
func (p *Poller) sweep(ctx context.Context) {
	p.sweepsRun.Add(1)

	var ready []ReadyTask
	err := p.breaker.Call(func() error {
		var scanErr error
		ready, scanErr = p.store.ScanReadyTasks(ctx, p.cfg.BatchLimit)
		return scanErr
	})
	if err == circuitbreaker.ErrOpen {
		p.sweepsSkipped.Add(1)
		return
	}
	if err != nil {
		p.sweepErrors.Add(1)
		p.logger.WithError(err).Warn("poller: scan for ready tasks failed")
		return
	}

	p.tasksScanned.Add(uint64(len(ready)))
	for _, task := range ready {
		count, err := p.enqueuer.EnqueueViableSteps(ctx, task.TaskUUID, task.Namespace)
		if err != nil {
			p.sweepErrors.Add(1)
			p.logger.WithError(err).WithField("task_uuid", task.TaskUUID).Warn("poller: enqueue viable steps failed")
			continue
		}
		p.stepsEnqueued.Add(uint64(count))
	}
}

// Stats returns a snapshot of the poller's atomic counters.
func (p *Poller) Stats() Stats {
	return Stats{
		SweepsRun:     p.sweepsRun.Load(),
		TasksScanned:  p.tasksScanned.Load(),
		StepsEnqueued: p.stepsEnqueued.Load(),
		SweepsSkipped: p.sweepsSkipped.Load(),
		SweepErrors:   p.sweepErrors.Load(),
	}
}

// RunOnce runs a single sweep synchronously, for tests and for an operator
// manually triggering a catch-up cycle without waiting for the schedule.
func (p *Poller) RunOnce(ctx context.Context) {
	p.sweep(ctx)
}
