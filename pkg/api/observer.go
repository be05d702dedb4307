package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the workflow engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay workflow execution.
type Observer interface {
	// OnWorkflowStart is called once when an instance is created by Start,
	// before its first activity runs.
	OnWorkflowStart(ctx context.Context, inst *WorkflowInstance)

	// OnWorkflowResumed is called when a pass is seeded by a resume of activityID.
	OnWorkflowResumed(ctx context.Context, inst *WorkflowInstance, activityID string)

	// OnWorkflowIdle is called when a pass ends with awaiting activities left.
	OnWorkflowIdle(ctx context.Context, inst *WorkflowInstance)

	// OnWorkflowFinished is called when an instance reaches StatusFinished.
	OnWorkflowFinished(ctx context.Context, inst *WorkflowInstance)

	// OnWorkflowFaulted is called when an instance transitions to StatusFaulted.
	OnWorkflowFaulted(ctx context.Context, inst *WorkflowInstance, err error)

	// OnWorkflowCancelled is called when an instance is cancelled.
	OnWorkflowCancelled(ctx context.Context, inst *WorkflowInstance)

	// OnStaleSignal is called when a resume found no matching awaiting entry.
	OnStaleSignal(ctx context.Context, instanceID, activityID, correlationKey string)

	// OnActivityStart is called before an activity is invoked.
	OnActivityStart(ctx context.Context, inst *WorkflowInstance, rec ActivityRecord)

	// OnActivityCompleted is called after an activity returns, for both
	// results and faults (err != nil).
	OnActivityCompleted(ctx context.Context, inst *WorkflowInstance, rec ActivityRecord, res Result, err error, duration time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance)              {}
func (NoopObserver) OnWorkflowResumed(ctx context.Context, inst *WorkflowInstance, id string) {}
func (NoopObserver) OnWorkflowIdle(ctx context.Context, inst *WorkflowInstance)               {}
func (NoopObserver) OnWorkflowFinished(ctx context.Context, inst *WorkflowInstance)           {}
func (NoopObserver) OnWorkflowFaulted(ctx context.Context, inst *WorkflowInstance, err error) {}
func (NoopObserver) OnWorkflowCancelled(ctx context.Context, inst *WorkflowInstance)          {}
func (NoopObserver) OnStaleSignal(ctx context.Context, instanceID, activityID, key string)    {}
func (NoopObserver) OnActivityStart(ctx context.Context, inst *WorkflowInstance, rec ActivityRecord) {
}
func (NoopObserver) OnActivityCompleted(ctx context.Context, inst *WorkflowInstance, rec ActivityRecord, res Result, err error, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance) {
	for _, o := range c.observers {
		o.OnWorkflowStart(ctx, inst)
	}
}

func (c *CompositeObserver) OnWorkflowResumed(ctx context.Context, inst *WorkflowInstance, activityID string) {
	for _, o := range c.observers {
		o.OnWorkflowResumed(ctx, inst, activityID)
	}
}

func (c *CompositeObserver) OnWorkflowIdle(ctx context.Context, inst *WorkflowInstance) {
	for _, o := range c.observers {
		o.OnWorkflowIdle(ctx, inst)
	}
}

func (c *CompositeObserver) OnWorkflowFinished(ctx context.Context, inst *WorkflowInstance) {
	for _, o := range c.observers {
		o.OnWorkflowFinished(ctx, inst)
	}
}

func (c *CompositeObserver) OnWorkflowFaulted(ctx context.Context, inst *WorkflowInstance, err error) {
	for _, o := range c.observers {
		o.OnWorkflowFaulted(ctx, inst, err)
	}
}

func (c *CompositeObserver) OnWorkflowCancelled(ctx context.Context, inst *WorkflowInstance) {
	for _, o := range c.observers {
		o.OnWorkflowCancelled(ctx, inst)
	}
}

func (c *CompositeObserver) OnStaleSignal(ctx context.Context, instanceID, activityID, key string) {
	for _, o := range c.observers {
		o.OnStaleSignal(ctx, instanceID, activityID, key)
	}
}

func (c *CompositeObserver) OnActivityStart(ctx context.Context, inst *WorkflowInstance, rec ActivityRecord) {
	for _, o := range c.observers {
		o.OnActivityStart(ctx, inst, rec)
	}
}

func (c *CompositeObserver) OnActivityCompleted(ctx context.Context, inst *WorkflowInstance, rec ActivityRecord, res Result, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnActivityCompleted(ctx, inst, rec, res, err, d)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs workflow / activity
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance) {
	o.Logger.InfoContext(ctx, "workflow_start",
		slog.String("workflow", inst.Name),
		slog.String("instance_id", inst.ID),
	)
}

func (o *LoggingObserver) OnWorkflowResumed(ctx context.Context, inst *WorkflowInstance, activityID string) {
	o.Logger.InfoContext(ctx, "workflow_resumed",
		slog.String("workflow", inst.Name),
		slog.String("instance_id", inst.ID),
		slog.String("activity", activityID),
	)
}

func (o *LoggingObserver) OnWorkflowIdle(ctx context.Context, inst *WorkflowInstance) {
	o.Logger.InfoContext(ctx, "workflow_idle",
		slog.String("workflow", inst.Name),
		slog.String("instance_id", inst.ID),
		slog.Int("awaiting", len(inst.Awaiting)),
	)
}

func (o *LoggingObserver) OnWorkflowFinished(ctx context.Context, inst *WorkflowInstance) {
	o.Logger.InfoContext(ctx, "workflow_finished",
		slog.String("workflow", inst.Name),
		slog.String("instance_id", inst.ID),
	)
}

func (o *LoggingObserver) OnWorkflowFaulted(ctx context.Context, inst *WorkflowInstance, err error) {
	o.Logger.ErrorContext(ctx, "workflow_faulted",
		slog.String("workflow", inst.Name),
		slog.String("instance_id", inst.ID),
		slog.String("activity", inst.FaultedActivity),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnWorkflowCancelled(ctx context.Context, inst *WorkflowInstance) {
	o.Logger.InfoContext(ctx, "workflow_cancelled",
		slog.String("workflow", inst.Name),
		slog.String("instance_id", inst.ID),
	)
}

func (o *LoggingObserver) OnStaleSignal(ctx context.Context, instanceID, activityID, key string) {
	o.Logger.WarnContext(ctx, "stale_signal",
		slog.String("instance_id", instanceID),
		slog.String("activity", activityID),
		slog.String("correlation_key", key),
	)
}

func (o *LoggingObserver) OnActivityStart(ctx context.Context, inst *WorkflowInstance, rec ActivityRecord) {
	o.Logger.DebugContext(ctx, "activity_start",
		slog.String("workflow", inst.Name),
		slog.String("instance_id", inst.ID),
		slog.String("activity", rec.ID),
		slog.String("kind", rec.Kind()),
	)
}

func (o *LoggingObserver) OnActivityCompleted(ctx context.Context, inst *WorkflowInstance, rec ActivityRecord, res Result, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "activity_completed",
		slog.String("workflow", inst.Name),
		slog.String("instance_id", inst.ID),
		slog.String("activity", rec.ID),
		slog.String("kind", rec.Kind()),
		slog.String("result", res.String()),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate activity durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	workflowsStarted   atomic.Int64
	workflowsFinished  atomic.Int64
	workflowsFaulted   atomic.Int64
	workflowsCancelled atomic.Int64
	staleSignals       atomic.Int64
	activitiesBlocked  atomic.Int64
	activitiesDone     atomic.Int64
	totalActivityNanos atomic.Int64
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	WorkflowsStarted   int64
	WorkflowsFinished  int64
	WorkflowsFaulted   int64
	WorkflowsCancelled int64
	ActiveWorkflows    int64
	StaleSignals       int64

	ActivitiesCompleted int64
	ActivitiesBlocked   int64
	AvgActivityDuration time.Duration
}

func (m *BasicMetrics) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance) {
	m.workflowsStarted.Add(1)
}

func (m *BasicMetrics) OnWorkflowFinished(ctx context.Context, inst *WorkflowInstance) {
	m.workflowsFinished.Add(1)
}

func (m *BasicMetrics) OnWorkflowFaulted(ctx context.Context, inst *WorkflowInstance, err error) {
	m.workflowsFaulted.Add(1)
}

func (m *BasicMetrics) OnWorkflowCancelled(ctx context.Context, inst *WorkflowInstance) {
	m.workflowsCancelled.Add(1)
}

func (m *BasicMetrics) OnStaleSignal(ctx context.Context, instanceID, activityID, key string) {
	m.staleSignals.Add(1)
}

func (m *BasicMetrics) OnActivityCompleted(ctx context.Context, inst *WorkflowInstance, rec ActivityRecord, res Result, err error, d time.Duration) {
	if err != nil {
		return
	}
	if res.IsBlocked() {
		m.activitiesBlocked.Add(1)
		return
	}
	// Only completed activities count towards the average duration.
	m.activitiesDone.Add(1)
	m.totalActivityNanos.Add(d.Nanoseconds())
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.workflowsStarted.Load()
	finished := m.workflowsFinished.Load()
	faulted := m.workflowsFaulted.Load()
	cancelled := m.workflowsCancelled.Load()
	done := m.activitiesDone.Load()
	totalNs := m.totalActivityNanos.Load()

	var avg time.Duration
	if done > 0 {
		avg = time.Duration(totalNs / done)
	}

	return BasicMetricsSnapshot{
		WorkflowsStarted:    started,
		WorkflowsFinished:   finished,
		WorkflowsFaulted:    faulted,
		WorkflowsCancelled:  cancelled,
		ActiveWorkflows:     started - finished - faulted - cancelled,
		StaleSignals:        m.staleSignals.Load(),
		ActivitiesCompleted: done,
		ActivitiesBlocked:   m.activitiesBlocked.Load(),
		AvgActivityDuration: avg,
	}
}
