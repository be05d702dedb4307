// Package api contains the core building blocks of the flowgraph workflow
// engine: the graph model, instance state, the execution context handed to
// activities, and the trigger boundary implemented by engines.
//
// Most users interact with the higher-level flowgraph package, which
// re-exports selected types and adds a definition builder. The api package
// is intended for custom activities, custom stores and contributors
// extending the engine itself.
//
// # Definitions and Graphs
//
// A WorkflowDefinition is a directed graph of ActivityRecords connected by
// outcome-labeled TransitionRecords. NewGraph validates a definition once,
// when it is registered, and precomputes inbound and outbound adjacency and
// the inbound ancestor path of every activity. Graphs are immutable and
// shared by all instances of a definition.
//
// # Activities
//
// An Activity executes against an ExecutionContext and either blocks or
// completes with zero or more outcomes. The engine follows every outbound
// transition whose outcome was produced. Activities that wait for outside
// input register an AwaitingActivity and implement Resumer; activity kinds
// that must see every completion in a pass implement ExecutedHook.
//
// # Instances
//
// A WorkflowInstance carries the persisted runtime state of one execution:
// status, per-activity outputs and private state, and the awaiting registry.
// Each trigger (Start, Resume, Signal, Cancel) runs one pass under an
// exclusive instance lease and ends with a single checkpoint.
//
// # Observability
//
// Observer receives lifecycle callbacks from engines. LoggingObserver writes
// them with log/slog, BasicMetrics keeps in-memory counters and
// NewCompositeObserver fans out to several observers.
package api
