package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/petrijr/flowgraph/pkg/api"
)

// sqlDialect captures the few differences between the SQL backends.
type sqlDialect struct {
	name      string
	blobType  string
	dollarArg bool
}

var (
	sqliteDialect   = sqlDialect{name: "sqlite", blobType: "BLOB"}
	postgresDialect = sqlDialect{name: "postgres", blobType: "BYTEA", dollarArg: true}
)

// rebind rewrites '?' placeholders to $1..$n for dialects that need it.
func (d sqlDialect) rebind(query string) string {
	if !d.dollarArg {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLInstanceStore is an InstanceStore backed by a database/sql handle.
// Use NewSQLiteInstanceStore or NewPostgresInstanceStore to create one.
//
// Lease columns are only written by the lease methods and
// SaveLeasedInstance; checkpoints never touch them, so a checkpoint cannot
// drop the lease of the pass that wrote it.
type SQLInstanceStore struct {
	db      *sql.DB
	dialect sqlDialect
	now     func() time.Time
}

// Ensure SQLInstanceStore implements InstanceStore.
var _ InstanceStore = (*SQLInstanceStore)(nil)

// NewSQLiteInstanceStore initializes the required schema in the given
// database and returns a SQLite-backed store.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
func NewSQLiteInstanceStore(db *sql.DB) (*SQLInstanceStore, error) {
	return newSQLInstanceStore(db, sqliteDialect)
}

// NewPostgresInstanceStore initializes the required schema in the given
// database and returns a PostgreSQL-backed store.
//
// The caller is responsible for importing the driver for its side
// effects, e.g. _ "github.com/jackc/pgx/v5/stdlib".
func NewPostgresInstanceStore(db *sql.DB) (*SQLInstanceStore, error) {
	return newSQLInstanceStore(db, postgresDialect)
}

func newSQLInstanceStore(db *sql.DB, d sqlDialect) (*SQLInstanceStore, error) {
	s := &SQLInstanceStore{db: db, dialect: d, now: time.Now}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("%s: init schema: %w", d.name, err)
	}
	return s, nil
}

func (s *SQLInstanceStore) initSchema() error {
	blob := s.dialect.blobType
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS flowgraph_instances (
			id TEXT PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			status TEXT NOT NULL,
			input ` + blob + `,
			outputs ` + blob + `,
			activity_states ` + blob + `,
			awaiting ` + blob + `,
			error TEXT NOT NULL DEFAULT '',
			faulted_activity TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_flowgraph_instances_wf_status
			ON flowgraph_instances (workflow_name, status)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLInstanceStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLInstanceStore) SaveInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	return s.insert(ctx, inst, "", 0)
}

func (s *SQLInstanceStore) SaveLeasedInstance(ctx context.Context, inst *api.WorkflowInstance, owner string, ttl time.Duration) error {
	return s.insert(ctx, inst, owner, s.now().Add(ttl).UnixNano())
}

func (s *SQLInstanceStore) insert(ctx context.Context, inst *api.WorkflowInstance, owner string, leaseExpiresAt int64) error {
	b, err := encodeInstance(inst)
	if err != nil {
		return err
	}

	_, err = s.exec(ctx, `
		INSERT INTO flowgraph_instances
			(id, workflow_name, status, input, outputs, activity_states, awaiting, error, faulted_activity,
			 created_at, updated_at, lease_owner, lease_expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID,
		inst.Name,
		string(inst.Status),
		b.Input,
		b.Outputs,
		b.States,
		b.Awaiting,
		b.Error,
		inst.FaultedActivity,
		inst.CreatedAt.UnixNano(),
		inst.UpdatedAt.UnixNano(),
		owner,
		leaseExpiresAt,
	)
	return err
}

func (s *SQLInstanceStore) UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	affected, err := s.update(ctx, inst, "", nil)
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

func (s *SQLInstanceStore) CheckpointInstance(ctx context.Context, inst *api.WorkflowInstance, owner string) error {
	affected, err := s.update(ctx, inst, " AND lease_owner = ? AND lease_expires_at > ?", []any{owner, s.now().UnixNano()})
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var one int
	err = s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT 1 FROM flowgraph_instances WHERE id = ?`), inst.ID).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrInstanceNotFound
	case err != nil:
		return err
	}
	return ErrLeaseNotHeld
}

// update rewrites the instance columns of inst. fence is appended to the
// WHERE clause with its arguments.
func (s *SQLInstanceStore) update(ctx context.Context, inst *api.WorkflowInstance, fence string, fenceArgs []any) (int64, error) {
	b, err := encodeInstance(inst)
	if err != nil {
		return 0, err
	}

	args := []any{
		inst.Name,
		string(inst.Status),
		b.Input,
		b.Outputs,
		b.States,
		b.Awaiting,
		b.Error,
		inst.FaultedActivity,
		inst.UpdatedAt.UnixNano(),
		inst.ID,
	}
	res, err := s.exec(ctx, `
		UPDATE flowgraph_instances
		SET workflow_name = ?, status = ?, input = ?, outputs = ?, activity_states = ?, awaiting = ?,
			error = ?, faulted_activity = ?, updated_at = ?
		WHERE id = ?`+fence,
		append(args, fenceArgs...)...,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const sqlInstanceColumns = `id, workflow_name, status, input, outputs, activity_states, awaiting, error, faulted_activity, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*api.WorkflowInstance, error) {
	var (
		inst             api.WorkflowInstance
		status           string
		b                instanceBlobs
		created, updated int64
	)
	if err := row.Scan(&inst.ID, &inst.Name, &status, &b.Input, &b.Outputs, &b.States, &b.Awaiting,
		&b.Error, &inst.FaultedActivity, &created, &updated); err != nil {
		return nil, err
	}
	inst.Status = api.Status(status)
	inst.CreatedAt = time.Unix(0, created)
	inst.UpdatedAt = time.Unix(0, updated)
	if err := decodeInstance(&inst, b); err != nil {
		return nil, fmt.Errorf("instance %s: %w", inst.ID, err)
	}
	return &inst, nil
}

func (s *SQLInstanceStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT `+sqlInstanceColumns+`
		FROM flowgraph_instances
		WHERE id = ?`),
		id,
	)

	inst, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return inst, nil
}

func (s *SQLInstanceStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	query := `
		SELECT ` + sqlInstanceColumns + `
		FROM flowgraph_instances`
	var args []any
	var clauses []string

	if filter.WorkflowName != "" {
		clauses = append(clauses, "workflow_name = ?")
		args = append(args, filter.WorkflowName)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*api.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return instances, nil
}

func (s *SQLInstanceStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.exec(ctx, `
		UPDATE flowgraph_instances
		SET lease_owner = ?, lease_expires_at = ?
		WHERE id = ? AND (lease_owner = '' OR lease_expires_at <= ? OR lease_owner = ?)`,
		owner,
		now.Add(ttl).UnixNano(),
		instanceID,
		now.UnixNano(),
		owner,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		return true, nil
	}

	// Either the row is missing or somebody else holds the lease.
	var one int
	err = s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT 1 FROM flowgraph_instances WHERE id = ?`), instanceID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrInstanceNotFound
	}
	return false, err
}

func (s *SQLInstanceStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	res, err := s.exec(ctx, `
		UPDATE flowgraph_instances
		SET lease_expires_at = ?
		WHERE id = ? AND lease_owner = ?`,
		s.now().Add(ttl).UnixNano(),
		instanceID,
		owner,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

func (s *SQLInstanceStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	_, err := s.exec(ctx, `
		UPDATE flowgraph_instances
		SET lease_owner = '', lease_expires_at = 0
		WHERE id = ? AND lease_owner = ?`,
		instanceID,
		owner,
	)
	return err
}
