package flowgraph

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	workerpkg "github.com/petrijr/flowgraph/pkg/worker"
)

func addOneFlow() *FlowBuilder {
	return New("async-add-one").
		Step("add-one", func(ctx context.Context, input any) (any, error) {
			n, _ := input.(int)
			return n + 1, nil
		}).
		WaitForSignal("confirm", "").
		Finish("end").
		Chain("add-one", "confirm", "end")
}

func openBundle(t *testing.T, dsn string) (*WorkerBundle, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	bundle, err := NewSQLiteBundle(db, workerpkg.Config{MaxAttempts: 3})
	require.NoError(t, err)
	// Definitions are in-memory only and must be registered on every start.
	require.NoError(t, addOneFlow().Register(bundle.Engine))
	return bundle, db
}

// A queued start task and an idle instance both survive a restart.
func TestSQLiteBundle_DurableAcrossRestart(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dsn := "file:" + filepath.Join(t.TempDir(), "flowgraph_bundle.db")

	// Phase 1: enqueue, nothing processed.
	bundle1, db1 := openBundle(t, dsn)
	_, err := bundle1.Worker.EnqueueStart(ctx, "async-add-one", 41)
	require.NoError(t, err)
	require.Equal(t, 1, bundle1.Pending())

	insts, err := ListInstances(ctx, bundle1.Engine, InstanceListOptions{WorkflowName: "async-add-one"})
	require.NoError(t, err)
	require.Empty(t, insts, "no instances should exist before the worker runs")
	require.NoError(t, db1.Close())

	// Phase 2: restart and process the start task.
	bundle2, db2 := openBundle(t, dsn)
	_, err = RecoverStuckInstances(ctx, bundle2.Engine)
	require.NoError(t, err)

	processed, err := bundle2.Worker.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)
	require.Zero(t, bundle2.Pending())

	insts, err = ListInstances(ctx, bundle2.Engine, InstanceListOptions{WorkflowName: "async-add-one"})
	require.NoError(t, err)
	require.Len(t, insts, 1)
	inst := insts[0]
	require.Equal(t, StatusIdle, inst.Status)
	require.Equal(t, 42, inst.Outputs["add-one"])
	require.Len(t, inst.Awaiting, 1)
	require.NoError(t, db2.Close())

	// Phase 3: restart again and resume the idle instance.
	bundle3, db3 := openBundle(t, dsn)
	defer db3.Close()

	a := inst.Awaiting[0]
	_, err = bundle3.Worker.EnqueueResume(ctx, inst.ID, a.ActivityID, a.CorrelationKey, "confirmed")
	require.NoError(t, err)

	processed, err = bundle3.Worker.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	got, err := GetInstance(ctx, bundle3.Engine, inst.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFinished, got.Status)
	require.Equal(t, "confirmed", got.Outputs["confirm"])
}
