// Package worker drives flowgraph engines from a task queue.
//
// Triggers (start, resume, signal, cancel) are enqueued as tasks and
// applied asynchronously by one or more workers. Every dequeued task is
// leased to its worker; the lease is renewed by a heartbeat while the
// engine pass runs, and an unacknowledged task is redelivered once its
// lease expires.
//
// When the target instance is locked by another pass the engine returns
// api.ErrWorkflowInstanceLocked. The worker then nacks the task with an
// exponential backoff instead of failing it, up to Config.MaxAttempts
// deliveries. Every other result is acknowledged: activity faults are
// recorded on the instance and must not be replayed by redelivery.
//
// Multiple workers can safely consume the same queue.
package worker
