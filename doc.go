// Package flowgraph provides an embeddable, resumable workflow engine for Go.
//
// A workflow is a directed graph of activities connected by transitions
// labelled with outcomes. Each trigger (Start, Resume, Signal, Cancel) runs
// one execution pass over one instance under a lease: activities are taken
// from a FIFO work-list, completed activities enqueue the destinations of
// their matching outbound transitions, and blocked activities register an
// awaiting entry keyed by a correlation key. When the work-list drains the
// instance is checkpointed once, as IDLE while anything awaits and FINISHED
// otherwise.
//
// # Activities
//
// The activities package contains the built-in variants:
//
//   - Task runs a Go function and completes with one of its declared outcomes.
//   - Signal blocks until resumed with its correlation key.
//   - Fork completes with every branch outcome.
//   - Join synchronizes converging branches. WaitAll fires once every
//     inbound branch arrived; WaitAny fires on the first and withdraws the
//     awaiting entries of the other branches, so their late signals are
//     reported as ResultStaleSignal.
//   - Finish ends a branch.
//
// # Engine
//
// Engines differ by where instances live: in memory, SQLite, PostgreSQL,
// Redis or MongoDB. Definitions contain Go values and are registered again
// on every process start.
//
// # FlowBuilder
//
// FlowBuilder assembles definitions fluently:
//
//	flowgraph.New("approval").
//	    Step("prepare", prepare).
//	    WaitForSignal("approve", "").
//	    Finish("done").
//	    Chain("prepare", "approve", "done").
//	    MustRegister(engine)
//
// Definitions can also be loaded from YAML with the definition package.
//
// # Workers
//
// A Worker applies queued start, resume, signal and cancel tasks to an
// Engine. Tasks whose instance is busy are redelivered with exponential
// backoff. LocalRunner and WorkerBundle wire an engine, a queue and a
// worker together for development and for single-node SQLite deployments.
package flowgraph
