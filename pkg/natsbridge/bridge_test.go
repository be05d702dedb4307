package natsbridge

import (
	"context"
	"errors"
	"testing"

	"github.com/petrijr/flowgraph/internal/engine"
	"github.com/petrijr/flowgraph/internal/taskqueue"
	"github.com/petrijr/flowgraph/pkg/activities"
	"github.com/petrijr/flowgraph/pkg/api"
	"github.com/petrijr/flowgraph/pkg/worker"
)

// shipmentWorkflow: wait (Signal "shipment-42") -> done.
func shipmentWorkflow() api.WorkflowDefinition {
	return api.WorkflowDefinition{
		Name: "shipment",
		Activities: []api.ActivityRecord{
			{ID: "wait", Start: true, Activity: activities.NewSignal("shipment-42")},
			{ID: "done", Activity: activities.NewFinish()},
		},
		Transitions: []api.TransitionRecord{
			{SourceActivityID: "wait", SourceOutcome: activities.OutcomeDone, DestinationActivityID: "done"},
		},
	}
}

func newTestEngine(t *testing.T) api.Engine {
	t.Helper()
	eng := engine.NewInMemoryEngine()
	if err := eng.RegisterWorkflow(shipmentWorkflow()); err != nil {
		t.Fatalf("RegisterWorkflow failed: %v", err)
	}
	return eng
}

func startShipment(t *testing.T, eng api.Engine) string {
	t.Helper()
	res, err := eng.Start(context.Background(), "shipment", nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if res.Code != api.ResultIdle {
		t.Fatalf("expected IDLE, got %s", res.Code)
	}
	return res.Instance.ID
}

func TestProcessSignalsAllAwaiting(t *testing.T) {
	eng := newTestEngine(t)
	a := startShipment(t, eng)
	b := startShipment(t, eng)

	bridge := New(nil, eng, Config{})
	reply, err := bridge.Process(context.Background(), []byte(`{"correlation_key":"shipment-42","payload":"delivered"}`))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(reply.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(reply.Results))
	}
	for _, r := range reply.Results {
		if r.Code != api.ResultFinished || r.Status != api.StatusFinished {
			t.Fatalf("unexpected result %+v", r)
		}
	}

	for _, id := range []string{a, b} {
		inst, err := eng.GetInstance(context.Background(), id)
		if err != nil {
			t.Fatalf("GetInstance failed: %v", err)
		}
		if inst.Outputs["wait"] != "delivered" {
			t.Fatalf("expected payload as output, got %v", inst.Outputs["wait"])
		}
	}
}

func TestProcessResumesOneInstance(t *testing.T) {
	eng := newTestEngine(t)
	a := startShipment(t, eng)
	b := startShipment(t, eng)

	bridge := New(nil, eng, Config{})
	reply, err := bridge.Process(context.Background(),
		[]byte(`{"correlation_key":"shipment-42","instance_id":"`+a+`","activity_id":"wait"}`))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(reply.Results) != 1 || reply.Results[0].InstanceID != a {
		t.Fatalf("unexpected reply %+v", reply)
	}

	inst, err := eng.GetInstance(context.Background(), b)
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if inst.Status != api.StatusIdle {
		t.Fatalf("expected other instance to stay IDLE, got %s", inst.Status)
	}

	// A repeated resume of the finished instance is stale.
	reply, err = bridge.Process(context.Background(),
		[]byte(`{"correlation_key":"shipment-42","instance_id":"`+a+`","activity_id":"wait"}`))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if reply.Results[0].Code != api.ResultStaleSignal {
		t.Fatalf("expected STALE_SIGNAL, got %s", reply.Results[0].Code)
	}
}

func TestProcessRejectsInvalidMessages(t *testing.T) {
	bridge := New(nil, newTestEngine(t), Config{})

	tests := map[string]string{
		"not json":             `{`,
		"no key":               `{"payload":1}`,
		"instance without act": `{"correlation_key":"k","instance_id":"x"}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := bridge.Process(context.Background(), []byte(body))
			if !errors.Is(err, ErrInvalidMessage) {
				t.Fatalf("expected ErrInvalidMessage, got %v", err)
			}
		})
	}
}

func TestProcessUnknownInstance(t *testing.T) {
	bridge := New(nil, newTestEngine(t), Config{})

	_, err := bridge.Process(context.Background(),
		[]byte(`{"correlation_key":"k","instance_id":"missing","activity_id":"wait"}`))
	if !errors.Is(err, api.ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}
}

func TestQueuedBridgeEnqueues(t *testing.T) {
	eng := newTestEngine(t)
	id := startShipment(t, eng)

	q := taskqueue.NewInMemoryQueue()
	w := worker.New(eng, q)
	bridge := NewQueued(nil, w, Config{})

	reply, err := bridge.Process(context.Background(), []byte(`{"correlation_key":"shipment-42"}`))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if reply.TaskID == "" {
		t.Fatalf("expected task id")
	}
	if n := q.Len(); n != 1 {
		t.Fatalf("expected 1 queued task, got %d", n)
	}

	if _, err := w.ProcessOne(context.Background()); err != nil {
		t.Fatalf("ProcessOne failed: %v", err)
	}
	inst, err := eng.GetInstance(context.Background(), id)
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if inst.Status != api.StatusFinished {
		t.Fatalf("expected FINISHED, got %s", inst.Status)
	}
}
