// Package timing provides deterministic goroutine-coordination helpers for
// tests that would otherwise rely on sleeps to avoid races: orchestration
// logic is concurrent by nature (messaging consumers, the fallback poller,
// the batch processor), and its tests need to synchronize without flakiness.
package timing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/onsi/gomega/types"
	. "github.com/onsi/gomega"
)

// SyncPoint lets a test hold N goroutines at a rendezvous point and release
// them all at once, rather than relying on a sleep to let them "get ready".
type SyncPoint struct {
	ready   chan struct{}
	proceed chan struct{}
	once    sync.Once
}

// NewSyncPoint creates an unreleased SyncPoint.
func NewSyncPoint() *SyncPoint {
	return &SyncPoint{
		ready:   make(chan struct{}),
		proceed: make(chan struct{}),
	}
}

// WaitForReady blocks until Proceed is called or ctx is done.
func (s *SyncPoint) WaitForReady(ctx context.Context) error {
	select {
	case <-s.proceed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Signal returns an already-closed channel, so reading from it never
// blocks. It does not track WaitForReady callers: a goroutine that reaches
// WaitForReady after Proceed still returns at once, since proceed stays
// closed.
func (s *SyncPoint) Signal() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Proceed releases every goroutine currently blocked in WaitForReady.
func (s *SyncPoint) Proceed() {
	s.once.Do(func() {
		close(s.proceed)
	})
}

// Barrier blocks n goroutines until all n have called Wait.
type Barrier struct {
	n       int
	mu      sync.Mutex
	count   int
	release chan struct{}
}

// NewBarrier creates a Barrier for n participants.
func NewBarrier(n int) *Barrier {
	return &Barrier{n: n, release: make(chan struct{})}
}

// Wait blocks until n goroutines have called Wait, or ctx is done.
func (b *Barrier) Wait(ctx context.Context) error {
	b.mu.Lock()
	b.count++
	last := b.count == b.n
	release := b.release
	b.mu.Unlock()

	if last {
		close(release)
		return nil
	}

	select {
	case <-release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EventuallyWithRetry calls fn up to maxAttempts times, sleeping backoff*attempt
// between attempts, and returns a Gomega matcher-compatible value: Succeed()
// when fn eventually returns nil, HaveOccurred() wrapping the last error
// otherwise.
func EventuallyWithRetry(fn func() error, maxAttempts int, backoff time.Duration) retryResult {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			break
		}
		if attempt < maxAttempts {
			time.Sleep(backoff * time.Duration(attempt))
		}
	}
	return retryResult{err: lastErr}
}

// retryResult adapts EventuallyWithRetry's outcome to a Gomega-style
// assertion: EventuallyWithRetry(fn, n, d).Should(Succeed()).
type retryResult struct {
	err error
}

func (r retryResult) Should(matcher types.GomegaMatcher, optionalDescription ...interface{}) {
	ExpectWithOffset(1, r.err).To(matcher, optionalDescription...)
}

// WaitForConditionWithDeadline polls cond every interval until it returns
// true, ctx is done, or deadline elapses.
func WaitForConditionWithDeadline(ctx context.Context, cond func() bool, interval, deadline time.Duration) error {
	if cond() {
		return nil
	}
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("condition not met after %s", deadline)
		case <-ticker.C:
			if cond() {
				return nil
			}
		}
	}
}

// RetryWithBackoff calls fn up to maxAttempts times with a fixed delay
// between attempts, stopping early on ctx cancellation.
func RetryWithBackoff(ctx context.Context, maxAttempts int, delay time.Duration, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt < maxAttempts {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("operation failed after %d attempts: %w", maxAttempts, lastErr)
}

// ConcurrentExecutor runs submitted tasks with a bounded concurrency limit
// and collects their errors.
type ConcurrentExecutor struct {
	ctx    context.Context
	sem    chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	errs   []error
}

// NewConcurrentExecutor creates an executor allowing up to limit tasks to
// run at once.
func NewConcurrentExecutor(ctx context.Context, limit int) *ConcurrentExecutor {
	return &ConcurrentExecutor{
		ctx: ctx,
		sem: make(chan struct{}, limit),
	}
}

// Submit schedules fn to run in its own goroutine and returns at once; that
// goroutine waits for a free slot while the concurrency limit is saturated.
func (e *ConcurrentExecutor) Submit(fn func(ctx context.Context) error) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.sem <- struct{}{}
		defer func() { <-e.sem }()

		if err := fn(e.ctx); err != nil {
			e.mu.Lock()
			e.errs = append(e.errs, err)
			e.mu.Unlock()
		}
	}()
}

// Wait blocks until all submitted tasks complete or timeout elapses,
// returning every collected error (plus a timeout error if the deadline
// was hit first).
func (e *ConcurrentExecutor) Wait(timeout time.Duration) []error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.errs
	case <-time.After(timeout):
		e.mu.Lock()
		defer e.mu.Unlock()
		return append(append([]error{}, e.errs...), fmt.Errorf("timeout waiting for tasks after %s", timeout))
	}
}
