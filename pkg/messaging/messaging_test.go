package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

type fakeProvider struct {
	name      string
	sendErr   error
	sendCalls int
	recvCalls int
	recvFunc  func() ([]QueuedMessage, error)
	acked     []ReceiptHandle
	nacked    []ReceiptHandle
	health    bool
	healthErr error
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) EnsureQueue(ctx context.Context, queueName string) error { return nil }

func (p *fakeProvider) Send(ctx context.Context, queueName string, body json.RawMessage) error {
	p.sendCalls++
	return p.sendErr
}

func (p *fakeProvider) Receive(ctx context.Context, queueName string, maxMessages int, visibilityTimeout time.Duration) ([]QueuedMessage, error) {
	p.recvCalls++
	if p.recvFunc != nil {
		return p.recvFunc()
	}
	return nil, nil
}

func (p *fakeProvider) Ack(ctx context.Context, queueName string, handle ReceiptHandle) error {
	p.acked = append(p.acked, handle)
	return nil
}

func (p *fakeProvider) Nack(ctx context.Context, queueName string, handle ReceiptHandle, requeue bool) error {
	p.nacked = append(p.nacked, handle)
	return nil
}

func (p *fakeProvider) ExtendVisibility(ctx context.Context, queueName string, handle ReceiptHandle, extension time.Duration) error {
	return nil
}

func (p *fakeProvider) QueueStats(ctx context.Context, queueName string) (QueueStats, error) {
	return QueueStats{QueueName: queueName}, nil
}

func (p *fakeProvider) HealthCheck(ctx context.Context) (bool, error) {
	return p.health, p.healthErr
}

// fakeBreaker rejects every call once forced open, otherwise passes through
// and records whether it was ever invoked.
type fakeBreaker struct {
	open    bool
	invoked int
}

var errBreakerOpen = errors.New("circuit breaker open")

func (b *fakeBreaker) Call(fn func() error) error {
	b.invoked++
	if b.open {
		return errBreakerOpen
	}
	return fn()
}

func TestClient_SendReceiveHappyPath(t *testing.T) {
	provider := &fakeProvider{name: "fake", health: true}
	client := New(provider, DefaultRouter())

	if err := client.Send(context.Background(), "worker_payments_queue", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if provider.sendCalls != 1 {
		t.Fatalf("expected 1 send call, got %d", provider.sendCalls)
	}

	if _, err := client.Receive(context.Background(), "worker_payments_queue", 10, 30*time.Second); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if provider.recvCalls != 1 {
		t.Fatalf("expected 1 receive call, got %d", provider.recvCalls)
	}
}

func TestClient_SendBlockedWhenBreakerOpen(t *testing.T) {
	provider := &fakeProvider{name: "fake"}
	breaker := &fakeBreaker{open: true}
	client := New(provider, DefaultRouter()).WithBreaker(breaker)

	err := client.Send(context.Background(), "worker_test_queue", json.RawMessage(`{}`))
	if !errors.Is(err, errBreakerOpen) {
		t.Fatalf("expected breaker-open error, got %v", err)
	}
	if provider.sendCalls != 0 {
		t.Fatalf("expected provider.Send not called while breaker open, got %d calls", provider.sendCalls)
	}
}

func TestClient_ReceiveBlockedWhenBreakerOpen(t *testing.T) {
	provider := &fakeProvider{name: "fake"}
	breaker := &fakeBreaker{open: true}
	client := New(provider, DefaultRouter()).WithBreaker(breaker)

	_, err := client.Receive(context.Background(), "worker_test_queue", 10, time.Second)
	if !errors.Is(err, errBreakerOpen) {
		t.Fatalf("expected breaker-open error, got %v", err)
	}
}

func TestClient_AckNackBypassBreaker(t *testing.T) {
	provider := &fakeProvider{name: "fake"}
	breaker := &fakeBreaker{open: true}
	client := New(provider, DefaultRouter()).WithBreaker(breaker)

	if err := client.Ack(context.Background(), "q", ReceiptHandle("h1")); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if err := client.Nack(context.Background(), "q", ReceiptHandle("h2"), true); err != nil {
		t.Fatalf("Nack: %v", err)
	}
	if len(provider.acked) != 1 || len(provider.nacked) != 1 {
		t.Fatalf("expected ack and nack to reach the provider despite open breaker")
	}
	if breaker.invoked != 0 {
		t.Fatalf("expected ack/nack to never touch the breaker, invoked=%d", breaker.invoked)
	}
}

func TestClient_HealthCheckBypassesBreaker(t *testing.T) {
	provider := &fakeProvider{name: "fake", health: true}
	breaker := &fakeBreaker{open: true}
	client := New(provider, DefaultRouter()).WithBreaker(breaker)

	ok, err := client.HealthCheck(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected healthy passthrough, got %v, %v", ok, err)
	}
}

func TestClient_EnsureNamespaceQueues(t *testing.T) {
	provider := &fakeProvider{name: "fake"}
	client := New(provider, DefaultRouter())

	if err := client.EnsureNamespaceQueues(context.Background(), []string{"payments", "fulfillment"}); err != nil {
		t.Fatalf("EnsureNamespaceQueues: %v", err)
	}
}

func TestClient_EnsureNamespaceQueuesRejectsInvalidNamespace(t *testing.T) {
	provider := &fakeProvider{name: "fake"}
	client := New(provider, DefaultRouter())

	if err := client.EnsureNamespaceQueues(context.Background(), []string{"bad namespace"}); err == nil {
		t.Fatalf("expected invalid namespace to be rejected")
	}
}
