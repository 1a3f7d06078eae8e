// Package messaging defines the orchestrator's transport-agnostic queue
// boundary: a single Client interface backed by one of two concrete
// providers (pkg/messaging/pgqueue, pkg/messaging/redisqueue), a Router that
// resolves domain operations to queue names, and circuit-breaker protection
// for the operations that matter (send/receive) without blocking the ones
// that must always work (ack, nack, stats, health).
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// ReceiptHandle identifies one delivered message for ack/nack/extend calls.
// Providers encode whatever they need into it (a pgqueue msg_id, a Redis
// stream entry id); callers treat it as opaque.
type ReceiptHandle string

// QueuedMessage is one received message: its deserialized body plus the
// delivery metadata needed to ack, nack, or extend it.
type QueuedMessage struct {
	ReceiptHandle ReceiptHandle
	Body          json.RawMessage
	ReadCount     int
	EnqueuedAt    time.Time
}

// QueueStats describes one queue's backlog, independent of provider.
type QueueStats struct {
	QueueName       string
	QueueLength     int
	OldestMessageAt *time.Time
	TotalMessages   int64
}

// Provider is the transport boundary a concrete messaging backend
// implements. Client wraps one Provider with routing and circuit-breaker
// concerns; nothing above Client ever talks to a Provider directly.
type Provider interface {
	Name() string
	EnsureQueue(ctx context.Context, queueName string) error
	Send(ctx context.Context, queueName string, body json.RawMessage) error
	Receive(ctx context.Context, queueName string, maxMessages int, visibilityTimeout time.Duration) ([]QueuedMessage, error)
	Ack(ctx context.Context, queueName string, handle ReceiptHandle) error
	Nack(ctx context.Context, queueName string, handle ReceiptHandle, requeue bool) error
	ExtendVisibility(ctx context.Context, queueName string, handle ReceiptHandle, extension time.Duration) error
	QueueStats(ctx context.Context, queueName string) (QueueStats, error)
	HealthCheck(ctx context.Context) (bool, error)
}

// Breaker is the subset of pkg/circuitbreaker.CircuitBreaker the client
// needs, kept as an interface so tests can substitute a fake without
// pulling gobreaker's timing into the test.
type Breaker interface {
	Call(fn func() error) error
}

const (
	maxQueueNameLength = 48
)

var queueNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// ValidateQueueName enforces the PGMQ-compatible naming rule shared by both
// providers: alphanumeric-and-underscore only, bounded length. Applying the
// same rule regardless of the active provider keeps a namespace portable
// between the two backends.
func ValidateQueueName(name string) error {
	if name == "" {
		return fmt.Errorf("invalid queue name: empty")
	}
	if len(name) > maxQueueNameLength {
		return fmt.Errorf("invalid queue name %q: exceeds %d characters", name, maxQueueNameLength)
	}
	if !queueNamePattern.MatchString(name) {
		return fmt.Errorf("invalid queue name %q: must match %s", name, queueNamePattern.String())
	}
	return nil
}

// Client is the domain-level facade every subsystem depends on. Send and
// Receive are protected by the optional circuit breaker; ack, nack, extend,
// stats, and health bypass it, per spec.md §4.11/§4.12.
type Client struct {
	provider Provider
	router   *Router
	breaker  Breaker
}

// New builds a Client without circuit breaker protection.
func New(provider Provider, router *Router) *Client {
	return &Client{provider: provider, router: router}
}

// WithBreaker returns a copy of the client with send/receive gated by b.
func (c *Client) WithBreaker(b Breaker) *Client {
	cp := *c
	cp.breaker = b
	return &cp
}

// Router exposes the underlying router for queue-name resolution.
func (c *Client) Router() *Router { return c.router }

// ProviderName returns the active provider's name, for logging and metrics.
func (c *Client) ProviderName() string { return c.provider.Name() }

func (c *Client) protected(fn func() error) error {
	if c.breaker == nil {
		return fn()
	}
	return c.breaker.Call(fn)
}

// Send publishes body to queueName. Protected.
func (c *Client) Send(ctx context.Context, queueName string, body json.RawMessage) error {
	return c.protected(func() error {
		return c.provider.Send(ctx, queueName, body)
	})
}

// Receive reads up to maxMessages from queueName with the given visibility
// timeout. Protected.
func (c *Client) Receive(ctx context.Context, queueName string, maxMessages int, visibilityTimeout time.Duration) ([]QueuedMessage, error) {
	var msgs []QueuedMessage
	err := c.protected(func() error {
		var innerErr error
		msgs, innerErr = c.provider.Receive(ctx, queueName, maxMessages, visibilityTimeout)
		return innerErr
	})
	return msgs, err
}

// Ack removes a processed message. Unprotected: a successful delivery
// should always be acknowledgeable even while the breaker is open.
func (c *Client) Ack(ctx context.Context, queueName string, handle ReceiptHandle) error {
	return c.provider.Ack(ctx, queueName, handle)
}

// Nack releases a message back to the queue, or discards it. Unprotected.
func (c *Client) Nack(ctx context.Context, queueName string, handle ReceiptHandle, requeue bool) error {
	return c.provider.Nack(ctx, queueName, handle, requeue)
}

// ExtendVisibility prolongs a receipt handle's invisibility window.
// Unprotected.
func (c *Client) ExtendVisibility(ctx context.Context, queueName string, handle ReceiptHandle, extension time.Duration) error {
	return c.provider.ExtendVisibility(ctx, queueName, handle, extension)
}

// EnsureQueue ensures a single queue exists. Unprotected admin operation.
func (c *Client) EnsureQueue(ctx context.Context, queueName string) error {
	return c.provider.EnsureQueue(ctx, queueName)
}

// EnsureNamespaceQueues ensures the worker queue for each namespace plus
// all orchestration-owned queues exist.
func (c *Client) EnsureNamespaceQueues(ctx context.Context, namespaces []string) error {
	for _, ns := range namespaces {
		queue, err := c.router.StepQueue(ns)
		if err != nil {
			return err
		}
		if err := c.provider.EnsureQueue(ctx, queue); err != nil {
			return err
		}
	}
	for _, queue := range []string{
		c.router.ResultQueue(),
		c.router.TaskRequestQueue(),
		c.router.TaskFinalizationQueue(),
	} {
		if err := c.provider.EnsureQueue(ctx, queue); err != nil {
			return err
		}
	}
	return nil
}

// QueueStats returns backlog statistics for queueName. Never circuit-broken.
func (c *Client) QueueStats(ctx context.Context, queueName string) (QueueStats, error) {
	return c.provider.QueueStats(ctx, queueName)
}

// HealthCheck reports whether the underlying provider is reachable. Never
// circuit-broken, so operators can see the true provider state even while
// the breaker is open.
func (c *Client) HealthCheck(ctx context.Context) (bool, error) {
	return c.provider.HealthCheck(ctx)
}
