package api

import "time"

// EventType identifies a workflow history event.
type EventType string

const (
	EventWorkflowStarted   EventType = "workflow.started"
	EventWorkflowResumed   EventType = "workflow.resumed"
	EventWorkflowIdle      EventType = "workflow.idle"
	EventWorkflowFinished  EventType = "workflow.finished"
	EventWorkflowFaulted   EventType = "workflow.faulted"
	EventWorkflowCancelled EventType = "workflow.cancelled"

	EventSignalStale EventType = "signal.stale"

	EventActivityCompleted EventType = "activity.completed"
	EventActivityBlocked   EventType = "activity.blocked"
	EventActivityFaulted   EventType = "activity.faulted"
)

// WorkflowEvent is a minimal append-only history record for audit/debugging.
type WorkflowEvent struct {
	InstanceID string
	At         time.Time
	Type       EventType

	// Optional context.
	WorkflowName string
	ActivityID   string

	// Small, human-oriented details (e.g. outcomes, error string).
	// Keep this low-volume: do NOT dump large payloads here.
	Detail string
}
