package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SQLQueue is a persistent Queue backed by a database/sql handle. Use
// NewSQLiteQueue or NewPostgresQueue to create one.
//
// Each row stores the gob-encoded task plus the scheduling columns.
// visible_at is the task's NotBefore while it waits and its lease expiry
// while it is leased; a dequeue claims the oldest visible row with a
// conditional UPDATE, so concurrent consumers never lease the same row.
type SQLQueue struct {
	db           *sql.DB
	postgres     bool
	pollInterval time.Duration
	now          func() time.Time
}

// Ensure SQLQueue implements Queue.
var _ Queue = (*SQLQueue)(nil)

// NewSQLiteQueue initializes the tasks table in the given SQLite database.
func NewSQLiteQueue(db *sql.DB) (*SQLQueue, error) {
	return newSQLQueue(db, false)
}

// NewPostgresQueue initializes the tasks table in the given PostgreSQL database.
func NewPostgresQueue(db *sql.DB) (*SQLQueue, error) {
	return newSQLQueue(db, true)
}

func newSQLQueue(db *sql.DB, postgres bool) (*SQLQueue, error) {
	q := &SQLQueue{
		db:           db,
		postgres:     postgres,
		pollInterval: defaultPollInterval,
		now:          time.Now,
	}
	if err := q.initSchema(); err != nil {
		return nil, fmt.Errorf("taskqueue: init schema: %w", err)
	}
	return q, nil
}

func (q *SQLQueue) initSchema() error {
	seq, blob := "seq INTEGER PRIMARY KEY AUTOINCREMENT", "BLOB"
	if q.postgres {
		seq, blob = "seq BIGSERIAL PRIMARY KEY", "BYTEA"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS flowgraph_tasks (
			` + seq + `,
			id TEXT NOT NULL UNIQUE,
			data ` + blob + ` NOT NULL,
			visible_at BIGINT NOT NULL,
			lease_owner TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_flowgraph_tasks_visible ON flowgraph_tasks (visible_at, seq)`,
	}
	for _, stmt := range stmts {
		if _, err := q.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites '?' placeholders to $1..$n for PostgreSQL.
func (q *SQLQueue) rebind(query string) string {
	if !q.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (q *SQLQueue) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := q.db.ExecContext(ctx, q.rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *SQLQueue) Enqueue(ctx context.Context, t Task) error {
	t = prepare(t, q.now())
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	_, err = q.exec(ctx, `INSERT INTO flowgraph_tasks (id, data, visible_at) VALUES (?, ?, ?)`,
		t.ID, data, t.NotBefore.UnixNano())
	return err
}

func (q *SQLQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	tmr := newStoppedTimer()
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		task, err := q.claim(ctx, owner, leaseTTL)
		if err != nil {
			return nil, err
		}
		if task != nil {
			return task, nil
		}
		if err := sleepCtx(ctx, tmr, q.pollInterval); err != nil {
			return nil, err
		}
	}
}

// claim leases the oldest visible task. It returns nil when none is visible.
func (q *SQLQueue) claim(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	for {
		now := q.now()
		var (
			seq  int64
			data []byte
		)
		err := q.db.QueryRowContext(ctx, q.rebind(`
			SELECT seq, data FROM flowgraph_tasks
			WHERE visible_at <= ?
			ORDER BY visible_at, seq
			LIMIT 1`), now.UnixNano()).Scan(&seq, &data)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		n, err := q.exec(ctx, `
			UPDATE flowgraph_tasks SET visible_at = ?, lease_owner = ?
			WHERE seq = ? AND visible_at <= ?`,
			now.Add(leaseTTL).UnixNano(), owner, seq, now.UnixNano())
		if err != nil {
			return nil, err
		}
		if n == 0 {
			// Another consumer claimed it first.
			continue
		}
		return DecodeTask(data)
	}
}

func (q *SQLQueue) Ack(ctx context.Context, taskID, owner string) error {
	n, err := q.exec(ctx, `DELETE FROM flowgraph_tasks WHERE id = ? AND lease_owner = ? AND lease_owner <> ''`, taskID, owner)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTaskNotLeased
	}
	return nil
}

func (q *SQLQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error {
	var data []byte
	err := q.db.QueryRowContext(ctx, q.rebind(`
		SELECT data FROM flowgraph_tasks WHERE id = ? AND lease_owner = ? AND lease_owner <> ''`),
		taskID, owner).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrTaskNotLeased
	}
	if err != nil {
		return err
	}

	t, err := DecodeTask(data)
	if err != nil {
		return err
	}
	t.NotBefore = notBefore
	t.Attempts = attempts
	if data, err = EncodeTask(*t); err != nil {
		return err
	}

	n, err := q.exec(ctx, `
		UPDATE flowgraph_tasks SET data = ?, visible_at = ?, lease_owner = ''
		WHERE id = ? AND lease_owner = ?`,
		data, notBefore.UnixNano(), taskID, owner)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTaskNotLeased
	}
	return nil
}

func (q *SQLQueue) RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error {
	n, err := q.exec(ctx, `
		UPDATE flowgraph_tasks SET visible_at = ?
		WHERE id = ? AND lease_owner = ? AND lease_owner <> ''`,
		q.now().Add(leaseTTL).UnixNano(), taskID, owner)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTaskNotLeased
	}
	return nil
}

func (q *SQLQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM flowgraph_tasks`).Scan(&n); err != nil {
		return 0
	}
	return n
}
