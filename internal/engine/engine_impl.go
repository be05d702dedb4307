package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/flowgraph/internal/persistence"
	"github.com/petrijr/flowgraph/pkg/api"
)

const (
	// DefaultLeaseTTL is the instance lease duration used when Config.LeaseTTL is zero.
	DefaultLeaseTTL = 30 * time.Second

	// DefaultMaxActivitiesPerPass bounds a single pass when
	// Config.MaxActivitiesPerPass is zero.
	DefaultMaxActivitiesPerPass = 10000
)

// engineImpl is a synchronous, in-process engine. Each trigger runs one
// execution pass under the instance lease and ends with one checkpoint.
type engineImpl struct {
	instances persistence.InstanceStore
	events    persistence.EventStore
	graphs    *graphRegistry
	observer  api.Observer

	owner         string
	leaseTTL      time.Duration
	maxActivities int
	now           func() time.Time
}

// Config describes how to construct an engineImpl.
type Config struct {
	Persistence persistence.Persistence
	Observer    api.Observer

	// Owner prefixes the lease owner tokens of this engine. A random id is
	// used when empty.
	Owner string

	LeaseTTL             time.Duration
	MaxActivitiesPerPass int
}

var (
	_ api.Engine        = (*engineImpl)(nil)
	_ api.HistoryReader = (*engineImpl)(nil)
)

func NewInMemoryEngine() api.Engine {
	mem := persistence.NewInMemoryStore()
	return NewEngine(persistence.Persistence{
		Workflows: mem,
		Instances: mem,
		Events:    persistence.NewInMemoryEventStore(),
	})
}

func NewSQLiteEngine(db *sql.DB) (api.Engine, error) {
	inst, err := persistence.NewSQLiteInstanceStore(db)
	if err != nil {
		return nil, err
	}
	events, err := persistence.NewSQLiteEventStore(db)
	if err != nil {
		return nil, err
	}

	// Workflow definitions hold Go activities and stay in memory.
	return NewEngine(persistence.Persistence{
		Workflows: persistence.NewInMemoryStore(),
		Instances: inst,
		Events:    events,
	}), nil
}

func NewPostgresEngine(db *sql.DB) (api.Engine, error) {
	inst, err := persistence.NewPostgresInstanceStore(db)
	if err != nil {
		return nil, err
	}
	events, err := persistence.NewPostgresEventStore(db)
	if err != nil {
		return nil, err
	}

	return NewEngine(persistence.Persistence{
		Workflows: persistence.NewInMemoryStore(),
		Instances: inst,
		Events:    events,
	}), nil
}

// NewRedisEngine creates an engine that uses Redis for instance persistence.
// History is kept in memory.
func NewRedisEngine(client *redis.Client) api.Engine {
	return NewEngine(persistence.Persistence{
		Workflows: persistence.NewInMemoryStore(),
		Instances: persistence.NewRedisInstanceStore(client, "flowgraph:"),
		Events:    persistence.NewInMemoryEventStore(),
	})
}

// NewMongoEngine creates an engine that stores instances in the given
// MongoDB database. History is kept in memory.
func NewMongoEngine(client *mongo.Client, dbName string) api.Engine {
	return NewEngine(persistence.Persistence{
		Workflows: persistence.NewInMemoryStore(),
		Instances: persistence.NewMongoInstanceStore(client, dbName, ""),
		Events:    persistence.NewInMemoryEventStore(),
	})
}

// NewEngine returns an Engine over the given persistence with default settings.
func NewEngine(p persistence.Persistence) api.Engine {
	return NewEngineWithConfig(Config{
		Persistence: p,
	})
}

// NewEngineWithConfig creates a new Engine using the given configuration.
func NewEngineWithConfig(cfg Config) api.Engine {
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	workflows := cfg.Persistence.Workflows
	if workflows == nil {
		workflows = persistence.NewInMemoryStore()
	}
	events := cfg.Persistence.Events
	if events == nil {
		events = persistence.NoopEventStore{}
	}
	owner := cfg.Owner
	if owner == "" {
		owner = "engine-" + uuid.NewString()
	}
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	maxActivities := cfg.MaxActivitiesPerPass
	if maxActivities <= 0 {
		maxActivities = DefaultMaxActivitiesPerPass
	}

	return &engineImpl{
		instances:     cfg.Persistence.Instances,
		events:        events,
		graphs:        newGraphRegistry(workflows),
		observer:      obs,
		owner:         owner,
		leaseTTL:      ttl,
		maxActivities: maxActivities,
		now:           time.Now,
	}
}

func (e *engineImpl) RegisterWorkflow(def api.WorkflowDefinition) error {
	return e.graphs.Register(def)
}

func (e *engineImpl) Start(ctx context.Context, name string, input any) (*api.RunResult, error) {
	g, err := e.graphs.Get(name)
	if err != nil {
		return nil, err
	}

	now := e.now()
	inst := &api.WorkflowInstance{
		ID:        uuid.NewString(),
		Name:      name,
		Status:    api.StatusExecuting,
		Input:     input,
		CreatedAt: now,
		UpdatedAt: now,
	}

	owner := e.newOwner()
	if err := e.instances.SaveLeasedInstance(ctx, inst, owner, e.leaseTTL); err != nil {
		return nil, fmt.Errorf("save instance: %w", err)
	}
	defer e.release(ctx, inst.ID, owner)

	e.observer.OnWorkflowStart(ctx, inst)
	e.record(ctx, inst, api.EventWorkflowStarted, "", "")

	seeds := make([]seed, 0, len(g.StartActivities()))
	for _, id := range g.StartActivities() {
		seeds = append(seeds, seed{activityID: id})
	}
	return e.runPass(ctx, g, inst, owner, seeds, input)
}

func (e *engineImpl) Resume(ctx context.Context, instanceID, activityID, correlationKey string, input any) (*api.RunResult, error) {
	if _, err := e.getInstance(ctx, instanceID); err != nil {
		return nil, err
	}

	owner, err := e.acquire(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	defer e.release(ctx, instanceID, owner)

	// Re-read under the lease; the previous holder may have changed it.
	inst, err := e.getInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	if inst.Status == api.StatusExecuting {
		return nil, fmt.Errorf("cannot resume instance %s in status %s", instanceID, inst.Status)
	}
	entry, ok := inst.FindAwaiting(activityID, correlationKey)
	if inst.Status.Terminal() || !ok {
		e.observer.OnStaleSignal(ctx, instanceID, activityID, correlationKey)
		e.record(ctx, inst, api.EventSignalStale, activityID, correlationKey)
		return &api.RunResult{Instance: inst, Code: api.ResultStaleSignal}, nil
	}

	g, err := e.graphs.Get(inst.Name)
	if err != nil {
		return nil, err
	}

	ec := api.NewExecutionContext(inst, g, input)
	ec.RemoveAwaiting([]api.AwaitingActivity{entry})
	inst.Status = api.StatusExecuting

	e.observer.OnWorkflowResumed(ctx, inst, activityID)
	e.record(ctx, inst, api.EventWorkflowResumed, activityID, correlationKey)

	return e.runPass(ctx, g, inst, owner, []seed{{activityID: activityID, resume: true}}, input)
}

func (e *engineImpl) Signal(ctx context.Context, correlationKey string, input any) ([]*api.RunResult, error) {
	idle, err := e.instances.ListInstances(ctx, persistence.InstanceFilter{Status: api.StatusIdle})
	if err != nil {
		return nil, err
	}

	var (
		results []*api.RunResult
		errs    []error
	)
	for _, inst := range idle {
		for _, a := range inst.Awaiting {
			if a.CorrelationKey != correlationKey {
				continue
			}
			res, err := e.Resume(ctx, inst.ID, a.ActivityID, correlationKey, input)
			if res != nil {
				results = append(results, res)
			}
			if err != nil {
				errs = append(errs, &api.InstanceError{InstanceID: inst.ID, ActivityID: a.ActivityID, Err: err})
			}
		}
	}
	return results, errors.Join(errs...)
}

func (e *engineImpl) Cancel(ctx context.Context, instanceID string) (*api.WorkflowInstance, error) {
	if _, err := e.getInstance(ctx, instanceID); err != nil {
		return nil, err
	}

	owner, err := e.acquire(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	defer e.release(ctx, instanceID, owner)

	inst, err := e.getInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status.Terminal() {
		return inst, nil
	}

	inst.Awaiting = nil
	inst.Status = api.StatusCancelled
	inst.UpdatedAt = e.now()
	if err := e.checkpoint(ctx, inst, owner); err != nil {
		return nil, err
	}

	e.observer.OnWorkflowCancelled(ctx, inst)
	e.record(ctx, inst, api.EventWorkflowCancelled, "", "")
	return inst, nil
}

func (e *engineImpl) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	return e.getInstance(ctx, id)
}

func (e *engineImpl) ListInstances(ctx context.Context, opts api.InstanceListOptions) ([]*api.WorkflowInstance, error) {
	filter := persistence.InstanceFilter{
		WorkflowName: opts.WorkflowName,
		Status:       opts.Status,
	}
	return e.instances.ListInstances(ctx, filter)
}

func (e *engineImpl) RecoverStuckInstances(ctx context.Context) (int, error) {
	stuck, err := e.instances.ListInstances(ctx, persistence.InstanceFilter{Status: api.StatusExecuting})
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, candidate := range stuck {
		owner, err := e.acquire(ctx, candidate.ID)
		if errors.Is(err, api.ErrWorkflowInstanceLocked) {
			// A live pass still owns it.
			continue
		}
		if err != nil {
			return recovered, err
		}

		n, err := e.faultInterrupted(ctx, candidate.ID, owner)
		e.release(ctx, candidate.ID, owner)
		if err != nil {
			return recovered, err
		}
		recovered += n
	}
	return recovered, nil
}

func (e *engineImpl) faultInterrupted(ctx context.Context, id, owner string) (int, error) {
	inst, err := e.getInstance(ctx, id)
	if err != nil {
		return 0, err
	}
	if inst.Status != api.StatusExecuting {
		return 0, nil
	}

	inst.Status = api.StatusFaulted
	inst.Err = api.ErrPassInterrupted
	inst.UpdatedAt = e.now()
	if err := e.checkpoint(ctx, inst, owner); err != nil {
		return 0, err
	}

	e.observer.OnWorkflowFaulted(ctx, inst, inst.Err)
	e.record(ctx, inst, api.EventWorkflowFaulted, "", inst.Err.Error())
	return 1, nil
}

func (e *engineImpl) ListEvents(ctx context.Context, instanceID string) ([]api.WorkflowEvent, error) {
	return e.events.ListEvents(ctx, instanceID)
}

func (e *engineImpl) getInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	inst, err := e.instances.GetInstance(ctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrInstanceNotFound) {
			return nil, fmt.Errorf("%w: %s", api.ErrInstanceNotFound, id)
		}
		return nil, err
	}
	return inst, nil
}

// acquire takes the instance lease with a fresh owner token, so that two
// operations of the same engine exclude each other as well.
func (e *engineImpl) acquire(ctx context.Context, instanceID string) (string, error) {
	owner := e.newOwner()
	ok, err := e.instances.TryAcquireLease(ctx, instanceID, owner, e.leaseTTL)
	if err != nil {
		if errors.Is(err, persistence.ErrInstanceNotFound) {
			return "", fmt.Errorf("%w: %s", api.ErrInstanceNotFound, instanceID)
		}
		return "", fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", api.ErrWorkflowInstanceLocked, instanceID)
	}
	return owner, nil
}

func (e *engineImpl) newOwner() string {
	return e.owner + "/" + uuid.NewString()
}

func (e *engineImpl) release(ctx context.Context, instanceID, owner string) {
	// Release even when the caller's context is already done.
	_ = e.instances.ReleaseLease(context.WithoutCancel(ctx), instanceID, owner)
}

func (e *engineImpl) record(ctx context.Context, inst *api.WorkflowInstance, typ api.EventType, activityID, detail string) {
	_ = e.events.AppendEvent(context.WithoutCancel(ctx), api.WorkflowEvent{
		InstanceID:   inst.ID,
		At:           e.now(),
		Type:         typ,
		WorkflowName: inst.Name,
		ActivityID:   activityID,
		Detail:       detail,
	})
}
