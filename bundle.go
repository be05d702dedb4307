package flowgraph

import (
	"database/sql"

	"github.com/petrijr/flowgraph/internal/taskqueue"
	workerpkg "github.com/petrijr/flowgraph/pkg/worker"
)

// WorkerBundle is an Engine, a durable task queue and a Worker consuming
// it, all sharing one database.
type WorkerBundle struct {
	Engine Engine
	Worker *workerpkg.Worker

	queue taskqueue.Queue
}

// NewSQLiteBundle stores instances, history and queued tasks in db.
// Definitions are not persisted; register them again after a restart.
//
//	db, _ := sql.Open("sqlite", "file:flowgraph.db?_pragma=journal_mode(WAL)")
//	bundle, err := flowgraph.NewSQLiteBundle(db, worker.Config{MaxAttempts: 3})
func NewSQLiteBundle(db *sql.DB, cfg workerpkg.Config) (*WorkerBundle, error) {
	eng, err := NewSQLiteEngine(db)
	if err != nil {
		return nil, err
	}

	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}

	return &WorkerBundle{
		Engine: eng,
		Worker: workerpkg.NewWithConfig(eng, q, cfg),
		queue:  q,
	}, nil
}

// Pending returns the number of queued tasks, including leased ones.
func (b *WorkerBundle) Pending() int {
	return b.queue.Len()
}
