package messaging

import "fmt"

// Router maps domain operations to concrete queue names. The worker queue
// and domain-event queue names are namespace-derived and validated; the
// three orchestration queue names are fixed per deployment.
type Router struct {
	workerQueuePrefix     string
	resultQueue           string
	taskRequestQueue      string
	taskFinalizationQueue string
}

// RouterConfig lets a deployment override the default queue names. Zero
// values fall back to the defaults below.
type RouterConfig struct {
	WorkerQueuePrefix     string
	ResultQueue           string
	TaskRequestQueue      string
	TaskFinalizationQueue string
}

// NewRouter builds a Router, filling unset fields with the defaults from
// spec.md §4.11.
func NewRouter(cfg RouterConfig) *Router {
	r := &Router{
		workerQueuePrefix:     "worker",
		resultQueue:           "orchestration_step_results",
		taskRequestQueue:      "orchestration_task_requests",
		taskFinalizationQueue: "orchestration_task_finalizations",
	}
	if cfg.WorkerQueuePrefix != "" {
		r.workerQueuePrefix = cfg.WorkerQueuePrefix
	}
	if cfg.ResultQueue != "" {
		r.resultQueue = cfg.ResultQueue
	}
	if cfg.TaskRequestQueue != "" {
		r.taskRequestQueue = cfg.TaskRequestQueue
	}
	if cfg.TaskFinalizationQueue != "" {
		r.taskFinalizationQueue = cfg.TaskFinalizationQueue
	}
	return r
}

// DefaultRouter builds a Router with spec.md's default queue names.
func DefaultRouter() *Router {
	return NewRouter(RouterConfig{})
}

// StepQueue returns the worker queue name for namespace: worker_{namespace}_queue.
func (r *Router) StepQueue(namespace string) (string, error) {
	name := fmt.Sprintf("%s_%s_queue", r.workerQueuePrefix, namespace)
	if err := ValidateQueueName(name); err != nil {
		return "", err
	}
	return name, nil
}

// ResultQueue returns the orchestration step-results queue name.
func (r *Router) ResultQueue() string { return r.resultQueue }

// TaskRequestQueue returns the orchestration task-requests queue name.
func (r *Router) TaskRequestQueue() string { return r.taskRequestQueue }

// TaskFinalizationQueue returns the orchestration task-finalizations queue name.
func (r *Router) TaskFinalizationQueue() string { return r.taskFinalizationQueue }

// DomainEventQueue returns the domain-event queue name for namespace:
// {namespace}_domain_events.
func (r *Router) DomainEventQueue(namespace string) (string, error) {
	name := fmt.Sprintf("%s_domain_events", namespace)
	if err := ValidateQueueName(name); err != nil {
		return "", err
	}
	return name, nil
}

// ExtractNamespace reverses StepQueue: returns the namespace embedded in a
// worker queue name, or "" with ok=false if queueName doesn't match the
// worker_{namespace}_queue pattern.
func (r *Router) ExtractNamespace(queueName string) (string, bool) {
	prefix := r.workerQueuePrefix + "_"
	const suffix = "_queue"
	if len(queueName) <= len(prefix)+len(suffix) {
		return "", false
	}
	if queueName[:len(prefix)] != prefix || queueName[len(queueName)-len(suffix):] != suffix {
		return "", false
	}
	return queueName[len(prefix) : len(queueName)-len(suffix)], true
}
