// Package otelobserver exports engine lifecycle events as OpenTelemetry
// metrics.
package otelobserver

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petrijr/flowgraph/pkg/api"
)

const instrumentationName = "github.com/petrijr/flowgraph"

// Observer is an api.Observer recording counters and an activity duration
// histogram. Attributes are low-cardinality: workflow name, activity kind
// and result.
type Observer struct {
	api.NoopObserver

	workflows  metric.Int64Counter
	stale      metric.Int64Counter
	activities metric.Int64Counter
	duration   metric.Float64Histogram
}

// Ensure Observer implements api.Observer.
var _ api.Observer = (*Observer)(nil)

// New creates an Observer on meter. A nil meter uses the global
// MeterProvider.
func New(meter metric.Meter) (*Observer, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}

	var errs []error
	o := &Observer{}
	var err error
	o.workflows, err = meter.Int64Counter("flowgraph.workflow.transitions",
		metric.WithDescription("Workflow lifecycle transitions by event."),
		metric.WithUnit("{transition}"))
	errs = append(errs, err)
	o.stale, err = meter.Int64Counter("flowgraph.signal.stale",
		metric.WithDescription("Resumes that found no matching awaiting activity."),
		metric.WithUnit("{signal}"))
	errs = append(errs, err)
	o.activities, err = meter.Int64Counter("flowgraph.activity.executions",
		metric.WithDescription("Activity executions by kind and result."),
		metric.WithUnit("{execution}"))
	errs = append(errs, err)
	o.duration, err = meter.Float64Histogram("flowgraph.activity.duration",
		metric.WithDescription("Activity execution time."),
		metric.WithUnit("s"))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Observer) workflowEvent(ctx context.Context, inst *api.WorkflowInstance, event string) {
	o.workflows.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", inst.Name),
		attribute.String("event", event),
	))
}

func (o *Observer) OnWorkflowStart(ctx context.Context, inst *api.WorkflowInstance) {
	o.workflowEvent(ctx, inst, "started")
}

func (o *Observer) OnWorkflowResumed(ctx context.Context, inst *api.WorkflowInstance, activityID string) {
	o.workflowEvent(ctx, inst, "resumed")
}

func (o *Observer) OnWorkflowIdle(ctx context.Context, inst *api.WorkflowInstance) {
	o.workflowEvent(ctx, inst, "idle")
}

func (o *Observer) OnWorkflowFinished(ctx context.Context, inst *api.WorkflowInstance) {
	o.workflowEvent(ctx, inst, "finished")
}

func (o *Observer) OnWorkflowFaulted(ctx context.Context, inst *api.WorkflowInstance, err error) {
	o.workflowEvent(ctx, inst, "faulted")
}

func (o *Observer) OnWorkflowCancelled(ctx context.Context, inst *api.WorkflowInstance) {
	o.workflowEvent(ctx, inst, "cancelled")
}

func (o *Observer) OnStaleSignal(ctx context.Context, instanceID, activityID, key string) {
	o.stale.Add(ctx, 1)
}

func (o *Observer) OnActivityCompleted(ctx context.Context, inst *api.WorkflowInstance, rec api.ActivityRecord, res api.Result, err error, d time.Duration) {
	result := "completed"
	switch {
	case err != nil:
		result = "faulted"
	case res.IsBlocked():
		result = "blocked"
	}
	attrs := metric.WithAttributes(
		attribute.String("workflow", inst.Name),
		attribute.String("kind", rec.Kind()),
		attribute.String("result", result),
	)
	o.activities.Add(ctx, 1, attrs)
	o.duration.Record(ctx, d.Seconds(), attrs)
}
