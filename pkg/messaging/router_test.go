package messaging

import "testing"

func TestRouter_StepQueue(t *testing.T) {
	r := DefaultRouter()

	got, err := r.StepQueue("payments")
	if err != nil {
		t.Fatalf("StepQueue: %v", err)
	}
	if got != "worker_payments_queue" {
		t.Fatalf("got %q, want worker_payments_queue", got)
	}
}

func TestRouter_OrchestrationQueueDefaults(t *testing.T) {
	r := DefaultRouter()

	if r.ResultQueue() != "orchestration_step_results" {
		t.Fatalf("unexpected result queue: %s", r.ResultQueue())
	}
	if r.TaskRequestQueue() != "orchestration_task_requests" {
		t.Fatalf("unexpected task request queue: %s", r.TaskRequestQueue())
	}
	if r.TaskFinalizationQueue() != "orchestration_task_finalizations" {
		t.Fatalf("unexpected task finalization queue: %s", r.TaskFinalizationQueue())
	}
}

func TestRouter_DomainEventQueue(t *testing.T) {
	r := DefaultRouter()

	got, err := r.DomainEventQueue("orders")
	if err != nil {
		t.Fatalf("DomainEventQueue: %v", err)
	}
	if got != "orders_domain_events" {
		t.Fatalf("got %q, want orders_domain_events", got)
	}
}

func TestRouter_ExtractNamespace(t *testing.T) {
	r := DefaultRouter()

	ns, ok := r.ExtractNamespace("worker_payments_queue")
	if !ok || ns != "payments" {
		t.Fatalf("ExtractNamespace = %q, %v", ns, ok)
	}

	if _, ok := r.ExtractNamespace("orchestration_step_results"); ok {
		t.Fatalf("expected no match for orchestration_step_results")
	}
	if _, ok := r.ExtractNamespace("random_queue"); ok {
		t.Fatalf("expected no match for random_queue")
	}
}

func TestRouter_RejectsInvalidNamespace(t *testing.T) {
	r := DefaultRouter()

	cases := []string{"bad-namespace", "bad namespace", "bad;DROP TABLE"}
	for _, ns := range cases {
		if _, err := r.StepQueue(ns); err == nil {
			t.Fatalf("expected StepQueue(%q) to fail validation", ns)
		}
		if _, err := r.DomainEventQueue(ns); err == nil {
			t.Fatalf("expected DomainEventQueue(%q) to fail validation", ns)
		}
	}
}

func TestRouter_CustomQueueNames(t *testing.T) {
	r := NewRouter(RouterConfig{
		WorkerQueuePrefix:     "custom",
		ResultQueue:           "my_results",
		TaskRequestQueue:      "my_requests",
		TaskFinalizationQueue: "my_finalizations",
	})

	got, err := r.StepQueue("test")
	if err != nil {
		t.Fatalf("StepQueue: %v", err)
	}
	if got != "custom_test_queue" {
		t.Fatalf("got %q, want custom_test_queue", got)
	}
	if r.ResultQueue() != "my_results" {
		t.Fatalf("unexpected result queue: %s", r.ResultQueue())
	}
	ns, ok := r.ExtractNamespace("custom_test_queue")
	if !ok || ns != "test" {
		t.Fatalf("ExtractNamespace = %q, %v", ns, ok)
	}
}

func TestValidateQueueName_RejectsOverlong(t *testing.T) {
	long := ""
	for i := 0; i < maxQueueNameLength+1; i++ {
		long += "a"
	}
	if err := ValidateQueueName(long); err == nil {
		t.Fatalf("expected overlong queue name to be rejected")
	}
}
