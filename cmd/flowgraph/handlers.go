package main

import (
	"context"
	"log/slog"

	"github.com/petrijr/flowgraph/pkg/api"
	"github.com/petrijr/flowgraph/pkg/definition"
)

// registerBuiltinHandlers makes the handlers usable from YAML definitions
// served by the command available. Applications embedding the engine
// register their own.
func registerBuiltinHandlers(r *definition.Registry, logger *slog.Logger) {
	r.RegisterHandler("noop", func(ctx context.Context, ec *api.ExecutionContext) (string, error) {
		return "", nil
	})
	r.RegisterHandler("log", func(ctx context.Context, ec *api.ExecutionContext) (string, error) {
		logger.InfoContext(ctx, "task_log",
			slog.String("instance_id", ec.Instance().ID),
			slog.String("workflow", ec.Instance().Name),
			slog.String("activity", ec.Current().ID),
			slog.Any("input", ec.Input()),
		)
		return "", nil
	})
	r.RegisterHandler("copy-input", func(ctx context.Context, ec *api.ExecutionContext) (string, error) {
		ec.SetOutput(ec.Current().ID, ec.Instance().Input)
		return "", nil
	})
}
