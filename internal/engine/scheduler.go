package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/petrijr/flowgraph/pkg/api"
)

// seed is an initial work-list entry of a pass.
type seed struct {
	activityID string
	// resume selects Resumer.Resume instead of Execute for the first
	// invocation of the activity.
	resume bool
}

// pass is the state of one execution pass over one instance.
type pass struct {
	e     *engineImpl
	g     *api.Graph
	inst  *api.WorkflowInstance
	ec    *api.ExecutionContext
	owner string

	queue    []string
	pending  map[string]bool
	resumeID string

	result *api.RunResult
}

// runPass drives the work-list until it drains, then writes the checkpoint.
// The caller must hold the instance lease as owner.
func (e *engineImpl) runPass(ctx context.Context, g *api.Graph, inst *api.WorkflowInstance, owner string, seeds []seed, input any) (*api.RunResult, error) {
	p := &pass{
		e:       e,
		g:       g,
		inst:    inst,
		ec:      api.NewExecutionContext(inst, g, input),
		owner:   owner,
		pending: make(map[string]bool),
		result:  &api.RunResult{},
	}
	for _, s := range seeds {
		if s.resume {
			p.resumeID = s.activityID
		}
		p.enqueue(s.activityID)
	}

	passCtx, stop := e.keepLease(ctx, inst.ID, owner)
	fault, err := p.drain(passCtx)
	stop()
	if err != nil {
		// The lease is gone; another pass may own the instance now.
		return nil, err
	}
	return p.finish(ctx, fault)
}

func (p *pass) enqueue(id string) {
	if p.pending[id] {
		return
	}
	p.pending[id] = true
	p.queue = append(p.queue, id)
}

// drain executes activities in FIFO order. fault is what ended the pass
// early, if anything; a non-nil err means the pass was abandoned.
func (p *pass) drain(ctx context.Context) (fault, err error) {
	executed := 0
	for len(p.queue) > 0 {
		next := p.queue[0]

		if err := ctx.Err(); err != nil {
			if lost := leaseLost(ctx); lost != nil {
				return nil, lost
			}
			p.inst.FaultedActivity = next
			return err, nil
		}
		if executed >= p.e.maxActivities {
			p.inst.FaultedActivity = next
			return fmt.Errorf("%w: limit %d", api.ErrPassBudgetExceeded, p.e.maxActivities), nil
		}

		p.queue = p.queue[1:]
		delete(p.pending, next)
		executed++

		rec, ok := p.g.Activity(next)
		if !ok {
			p.inst.FaultedActivity = next
			return &api.ActivityFaultError{ActivityID: next, Err: errors.New("activity not in graph")}, nil
		}

		if fault := p.step(ctx, rec); fault != nil {
			if lost := leaseLost(ctx); lost != nil {
				return nil, lost
			}
			return fault, nil
		}
	}
	return nil, nil
}

// step runs one activity. On error the instance is restored to its state
// before the activity and the fault is returned.
func (p *pass) step(ctx context.Context, rec api.ActivityRecord) error {
	snapshot := p.inst.Clone()
	p.ec.SetCurrent(rec)

	resume := p.resumeID == rec.ID
	p.resumeID = ""

	p.e.observer.OnActivityStart(ctx, p.inst, rec)
	started := time.Now()
	res, err := invoke(ctx, p.ec, rec, resume)
	if err == nil && !res.IsBlocked() {
		err = p.runHooks(ctx, rec, res.Outcomes())
	}
	p.e.observer.OnActivityCompleted(ctx, p.inst, rec, res, err, time.Since(started))

	if err != nil {
		*p.inst = *snapshot
		p.inst.FaultedActivity = rec.ID
		p.e.record(ctx, p.inst, api.EventActivityFaulted, rec.ID, err.Error())
		return &api.ActivityFaultError{ActivityID: rec.ID, Err: err}
	}

	if res.IsBlocked() {
		p.result.Blocked = append(p.result.Blocked, rec.ID)
		p.e.record(ctx, p.inst, api.EventActivityBlocked, rec.ID, "")
		return nil
	}

	outcomes := res.Outcomes()
	p.result.Executed = append(p.result.Executed, rec.ID)
	p.e.record(ctx, p.inst, api.EventActivityCompleted, rec.ID, strings.Join(outcomes, ","))

	for _, t := range p.g.Outbound(rec.ID) {
		if slices.Contains(outcomes, t.SourceOutcome) {
			p.enqueue(t.DestinationActivityID)
		}
	}
	return nil
}

// invoke calls the activity and converts a panic into an error.
func invoke(ctx context.Context, ec *api.ExecutionContext, rec api.ActivityRecord, resume bool) (res api.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = api.Result{}
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	if resume {
		if r, ok := rec.Activity.(api.Resumer); ok {
			return r.Resume(ctx, ec)
		}
	}
	return rec.Activity.Execute(ctx, ec)
}

func (p *pass) runHooks(ctx context.Context, rec api.ActivityRecord, outcomes []string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in executed hook: %v", r)
		}
	}()

	for _, h := range p.g.Hooks() {
		if err := h.OnActivityExecuted(ctx, p.ec, rec, outcomes); err != nil {
			return fmt.Errorf("executed hook: %w", err)
		}
	}
	return nil
}

// finish sets the end-of-pass status and writes the checkpoint.
func (p *pass) finish(ctx context.Context, fault error) (*api.RunResult, error) {
	inst := p.inst
	switch {
	case fault != nil:
		inst.Status = api.StatusFaulted
		inst.Err = fault
		p.result.Code = api.ResultFaulted
	case len(inst.Awaiting) == 0:
		inst.Status = api.StatusFinished
		p.result.Code = api.ResultFinished
	default:
		inst.Status = api.StatusIdle
		p.result.Code = api.ResultIdle
	}
	inst.UpdatedAt = p.e.now()

	// The checkpoint must be written even when ctx was cancelled mid-pass.
	if err := p.e.checkpoint(context.WithoutCancel(ctx), inst, p.owner); err != nil {
		return nil, err
	}
	p.result.Instance = inst.Clone()

	switch inst.Status {
	case api.StatusFaulted:
		p.e.observer.OnWorkflowFaulted(ctx, inst, fault)
		p.e.record(ctx, inst, api.EventWorkflowFaulted, inst.FaultedActivity, fault.Error())
		return p.result, fault
	case api.StatusFinished:
		p.e.observer.OnWorkflowFinished(ctx, inst)
		p.e.record(ctx, inst, api.EventWorkflowFinished, "", "")
	default:
		p.e.observer.OnWorkflowIdle(ctx, inst)
		p.e.record(ctx, inst, api.EventWorkflowIdle, "", fmt.Sprintf("awaiting=%d", len(inst.Awaiting)))
	}
	return p.result, nil
}
