package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/petrijr/flowgraph/pkg/api"
)

// SQLEventStore stores workflow events in a SQL table.
type SQLEventStore struct {
	db      *sql.DB
	dialect sqlDialect
}

// Ensure SQLEventStore implements the interfaces.
var _ EventStore = (*SQLEventStore)(nil)

// NewSQLiteEventStore creates the event table in a SQLite database.
func NewSQLiteEventStore(db *sql.DB) (*SQLEventStore, error) {
	return newSQLEventStore(db, sqliteDialect)
}

// NewPostgresEventStore creates the event table in a PostgreSQL database.
func NewPostgresEventStore(db *sql.DB) (*SQLEventStore, error) {
	return newSQLEventStore(db, postgresDialect)
}

func newSQLEventStore(db *sql.DB, d sqlDialect) (*SQLEventStore, error) {
	s := &SQLEventStore{db: db, dialect: d}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLEventStore) initSchema() error {
	idColumn := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dialect.dollarArg {
		idColumn = "id BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS flowgraph_events (
			` + idColumn + `,
			instance_id TEXT NOT NULL,
			at BIGINT NOT NULL,
			type TEXT NOT NULL,
			workflow_name TEXT NOT NULL DEFAULT '',
			activity_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_flowgraph_events_instance_id ON flowgraph_events(instance_id, id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLEventStore) AppendEvent(ctx context.Context, ev api.WorkflowEvent) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO flowgraph_events (instance_id, at, type, workflow_name, activity_id, detail)
		VALUES (?, ?, ?, ?, ?, ?)`),
		ev.InstanceID,
		at.UnixNano(),
		string(ev.Type),
		ev.WorkflowName,
		ev.ActivityID,
		ev.Detail,
	)
	return err
}

func (s *SQLEventStore) ListEvents(ctx context.Context, instanceID string) ([]api.WorkflowEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT instance_id, at, type, workflow_name, activity_id, detail
		FROM flowgraph_events
		WHERE instance_id = ?
		ORDER BY id ASC`), instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.WorkflowEvent
	for rows.Next() {
		var (
			id       string
			atN      int64
			typ      string
			wname    string
			activity string
			detail   string
		)
		if err := rows.Scan(&id, &atN, &typ, &wname, &activity, &detail); err != nil {
			return nil, err
		}
		out = append(out, api.WorkflowEvent{
			InstanceID:   id,
			At:           time.Unix(0, atN),
			Type:         api.EventType(typ),
			WorkflowName: wname,
			ActivityID:   activity,
			Detail:       detail,
		})
	}
	return out, rows.Err()
}
