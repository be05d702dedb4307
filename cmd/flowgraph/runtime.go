package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/flowgraph/internal/config"
	"github.com/petrijr/flowgraph/internal/engine"
	"github.com/petrijr/flowgraph/internal/persistence"
	"github.com/petrijr/flowgraph/internal/taskqueue"
	"github.com/petrijr/flowgraph/pkg/api"
	"github.com/petrijr/flowgraph/pkg/otelobserver"
)

// runtime is an engine and a task queue sharing one store backend.
type runtime struct {
	Engine api.Engine
	Queue  taskqueue.Queue

	closers []func() error
}

func (r *runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i]())
	}
	return errors.Join(errs...)
}

func openRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{}
	p, err := rt.openStore(ctx, cfg)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}

	metrics, err := otelobserver.New(nil)
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("create metrics observer: %w", err)
	}

	rt.Engine = engine.NewEngineWithConfig(engine.Config{
		Persistence:          p,
		Observer:             api.NewCompositeObserver(api.NewLoggingObserver(logger), metrics),
		LeaseTTL:             cfg.Engine.LeaseTTL,
		MaxActivitiesPerPass: cfg.Engine.MaxActivitiesPerPass,
	})
	return rt, nil
}

func (rt *runtime) openStore(ctx context.Context, cfg *config.Config) (persistence.Persistence, error) {
	// Definitions hold Go activities and are always registered at startup.
	p := persistence.Persistence{Workflows: persistence.NewInMemoryStore()}

	switch cfg.Store.Driver {
	case config.DriverMemory:
		mem := persistence.NewInMemoryStore()
		p.Instances = mem
		p.Events = persistence.NewInMemoryEventStore()
		rt.Queue = taskqueue.NewInMemoryQueue()

	case config.DriverSQLite:
		db, err := sql.Open("sqlite", cfg.Store.DSN)
		if err != nil {
			return p, fmt.Errorf("open sqlite %s: %w", cfg.Store.DSN, err)
		}
		db.SetMaxOpenConns(1)
		rt.closers = append(rt.closers, db.Close)

		if p.Instances, err = persistence.NewSQLiteInstanceStore(db); err != nil {
			return p, err
		}
		if p.Events, err = persistence.NewSQLiteEventStore(db); err != nil {
			return p, err
		}
		if rt.Queue, err = taskqueue.NewSQLiteQueue(db); err != nil {
			return p, err
		}

	case config.DriverPostgres:
		db, err := sql.Open("pgx", cfg.Store.DSN)
		if err != nil {
			return p, fmt.Errorf("open postgres: %w", err)
		}
		rt.closers = append(rt.closers, db.Close)
		if err := db.PingContext(ctx); err != nil {
			return p, fmt.Errorf("ping postgres: %w", err)
		}

		if p.Instances, err = persistence.NewPostgresInstanceStore(db); err != nil {
			return p, err
		}
		if p.Events, err = persistence.NewPostgresEventStore(db); err != nil {
			return p, err
		}
		if rt.Queue, err = taskqueue.NewPostgresQueue(db); err != nil {
			return p, err
		}

	case config.DriverRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.Store.RedisAddr})
		rt.closers = append(rt.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return p, fmt.Errorf("ping redis %s: %w", cfg.Store.RedisAddr, err)
		}

		p.Instances = persistence.NewRedisInstanceStore(client, cfg.Store.Database+":")
		p.Events = persistence.NewInMemoryEventStore()
		rt.Queue = taskqueue.NewRedisQueue(client, cfg.Store.Database+":queue:")

	case config.DriverMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Store.MongoURI))
		if err != nil {
			return p, fmt.Errorf("connect mongo: %w", err)
		}
		rt.closers = append(rt.closers, func() error { return client.Disconnect(context.Background()) })
		if err := client.Ping(ctx, nil); err != nil {
			return p, fmt.Errorf("ping mongo: %w", err)
		}

		p.Instances = persistence.NewMongoInstanceStore(client, cfg.Store.Database, "")
		p.Events = persistence.NewInMemoryEventStore()
		rt.Queue = taskqueue.NewMongoQueue(client, cfg.Store.Database, "")

	default:
		return p, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	return p, nil
}
