package flowgraph

import (
	"context"
	"database/sql"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/flowgraph/internal/engine"
	"github.com/petrijr/flowgraph/internal/persistence"
	"github.com/petrijr/flowgraph/pkg/activities"
	"github.com/petrijr/flowgraph/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	WorkflowDefinition   = api.WorkflowDefinition
	WorkflowInstance     = api.WorkflowInstance
	ActivityRecord       = api.ActivityRecord
	TransitionRecord     = api.TransitionRecord
	Activity             = api.Activity
	ExecutionContext     = api.ExecutionContext
	Result               = api.Result
	RunResult            = api.RunResult
	ResultCode           = api.ResultCode
	InstanceListOptions  = api.InstanceListOptions
	Status               = api.Status
	StepFunc             = api.StepFunc
	TaskFunc             = activities.TaskFunc
	JoinMode             = activities.JoinMode
	RetryPolicy          = api.RetryPolicy
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

const (
	StatusExecuting = api.StatusExecuting
	StatusIdle      = api.StatusIdle
	StatusFinished  = api.StatusFinished
	StatusFaulted   = api.StatusFaulted
	StatusCancelled = api.StatusCancelled

	ResultIdle        = api.ResultIdle
	ResultFinished    = api.ResultFinished
	ResultFaulted     = api.ResultFaulted
	ResultCancelled   = api.ResultCancelled
	ResultStaleSignal = api.ResultStaleSignal

	WaitAll = activities.WaitAll
	WaitAny = activities.WaitAny

	OutcomeDone   = activities.OutcomeDone
	OutcomeJoined = activities.OutcomeJoined
)

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores.
func NewInMemoryEngine() Engine {
	return engine.NewInMemoryEngine()
}

// NewInMemoryEngineWithObserver returns an in-memory Engine with the given Observer.
func NewInMemoryEngineWithObserver(obs Observer) Engine {
	mem := persistence.NewInMemoryStore()
	return engine.NewEngineWithConfig(engine.Config{
		Persistence: persistence.Persistence{
			Workflows: mem,
			Instances: mem,
			Events:    persistence.NewInMemoryEventStore(),
		},
		Observer: obs,
	})
}

// NewSQLiteEngine returns an Engine that persists workflow instances and
// their history in a SQLite database. Workflow definitions are kept in-memory.
func NewSQLiteEngine(db *sql.DB) (Engine, error) {
	return engine.NewSQLiteEngine(db)
}

// NewSQLiteEngineWithObserver returns a SQLite-backed Engine with the given Observer.
func NewSQLiteEngineWithObserver(db *sql.DB, obs Observer) (Engine, error) {
	inst, err := persistence.NewSQLiteInstanceStore(db)
	if err != nil {
		return nil, err
	}
	events, err := persistence.NewSQLiteEventStore(db)
	if err != nil {
		return nil, err
	}
	return engine.NewEngineWithConfig(engine.Config{
		Persistence: persistence.Persistence{Instances: inst, Events: events},
		Observer:    obs,
	}), nil
}

// NewPostgresEngine returns an Engine that persists instances in PostgreSQL.
func NewPostgresEngine(db *sql.DB) (Engine, error) {
	return engine.NewPostgresEngine(db)
}

// NewRedisEngine returns an Engine that persists instances in Redis.
func NewRedisEngine(client *redis.Client) Engine {
	return engine.NewRedisEngine(client)
}

// NewMongoEngine returns an Engine that persists instances in the given
// MongoDB database.
func NewMongoEngine(client *mongo.Client, dbName string) Engine {
	return engine.NewMongoEngine(client, dbName)
}

// Convenience helpers that just forward to the underlying Engine.

// Start starts a registered workflow and runs its first pass.
func Start(ctx context.Context, eng Engine, name string, input any) (*RunResult, error) {
	return eng.Start(ctx, name, input)
}

// Resume resumes one awaiting activity of an instance.
func Resume(ctx context.Context, eng Engine, instanceID, activityID, correlationKey string, input any) (*RunResult, error) {
	return eng.Resume(ctx, instanceID, activityID, correlationKey, input)
}

// Signal resumes every idle instance awaiting correlationKey.
func Signal(ctx context.Context, eng Engine, correlationKey string, input any) ([]*RunResult, error) {
	return eng.Signal(ctx, correlationKey, input)
}

// Cancel cancels an instance.
func Cancel(ctx context.Context, eng Engine, instanceID string) (*WorkflowInstance, error) {
	return eng.Cancel(ctx, instanceID)
}

// GetInstance fetches an instance by ID.
func GetInstance(ctx context.Context, eng Engine, id string) (*WorkflowInstance, error) {
	return eng.GetInstance(ctx, id)
}

// ListInstances lists workflow instances according to the given options.
func ListInstances(ctx context.Context, eng Engine, opts InstanceListOptions) ([]*WorkflowInstance, error) {
	return eng.ListInstances(ctx, opts)
}

// RecoverStuckInstances delegates to eng.RecoverStuckInstances.
//
// It is typically called on process startup before starting any workers:
//
//	count, err := flowgraph.RecoverStuckInstances(ctx, engine)
func RecoverStuckInstances(ctx context.Context, eng Engine) (int, error) {
	return eng.RecoverStuckInstances(ctx)
}
