package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/petrijr/flowgraph/internal/persistence"
	"github.com/petrijr/flowgraph/pkg/api"
)

// keepLease renews the instance lease every third of its TTL until stop is
// called. When a renewal fails the returned context is cancelled with an
// api.ErrLeaseLost cause, so the running activity sees ctx.Done.
func (e *engineImpl) keepLease(ctx context.Context, instanceID, owner string) (context.Context, func()) {
	passCtx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})

	var wg sync.WaitGroup
	wg.Go(func() {
		interval := max(e.leaseTTL/3, time.Millisecond)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-passCtx.Done():
				return
			case <-ticker.C:
				err := e.instances.RenewLease(context.WithoutCancel(passCtx), instanceID, owner, e.leaseTTL)
				if err != nil {
					cancel(fmt.Errorf("%w: instance %s: %w", api.ErrLeaseLost, instanceID, err))
					return
				}
			}
		}
	})

	return passCtx, func() {
		close(done)
		wg.Wait()
		cancel(nil)
	}
}

// leaseLost returns the cancellation cause of ctx when it is a lost lease.
func leaseLost(ctx context.Context) error {
	if cause := context.Cause(ctx); errors.Is(cause, api.ErrLeaseLost) {
		return cause
	}
	return nil
}

// checkpoint writes inst only while owner still holds its lease.
func (e *engineImpl) checkpoint(ctx context.Context, inst *api.WorkflowInstance, owner string) error {
	err := e.instances.CheckpointInstance(ctx, inst, owner)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, persistence.ErrLeaseNotHeld):
		return fmt.Errorf("%w: instance %s: checkpoint rejected", api.ErrLeaseLost, inst.ID)
	case errors.Is(err, persistence.ErrInstanceNotFound):
		return fmt.Errorf("%w: %s", api.ErrInstanceNotFound, inst.ID)
	}
	return fmt.Errorf("checkpoint instance %s: %w", inst.ID, err)
}
