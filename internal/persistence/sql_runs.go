package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/petrijr/delaywatch/pkg/api"
)

// SQLRunStore is a RunStore on database/sql for SQLite and Postgres.
type SQLRunStore struct {
	db      *sql.DB
	dialect Dialect
}

var _ RunStore = (*SQLRunStore)(nil)

// NewSQLRunStore initializes the schema and returns the store.
func NewSQLRunStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLRunStore, error) {
	s := &SQLRunStore{db: db, dialect: dialect}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLRunStore) initSchema(ctx context.Context) error {
	blob := s.dialect.blob()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			delivery_id TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			payload ` + blob + `
		)`,
		`CREATE INDEX IF NOT EXISTS runs_workflow ON runs (workflow_id, created_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS runs_one_active ON runs (workflow_id) WHERE status = 'running'`,
		`CREATE TABLE IF NOT EXISTS run_signals (
			seq ` + s.dialect.serial() + `,
			run_id TEXT NOT NULL,
			payload ` + blob + `
		)`,
		`CREATE INDEX IF NOT EXISTS run_signals_run ON run_signals (run_id, seq)`,
		`CREATE TABLE IF NOT EXISTS run_events (
			seq ` + s.dialect.serial() + `,
			run_id TEXT NOT NULL,
			payload ` + blob + `
		)`,
		`CREATE INDEX IF NOT EXISTS run_events_run ON run_events (run_id, seq)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLRunStore) CreateRun(ctx context.Context, run *api.Run) error {
	payload, err := EncodeValue(*run)
	if err != nil {
		return err
	}
	if active, err := s.hasActive(ctx, run.WorkflowID); err != nil {
		return err
	} else if active {
		return ErrRunAlreadyActive
	}

	_, err = s.db.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO runs (run_id, workflow_id, kind, delivery_id, status, created_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		run.RunID, run.WorkflowID, string(run.Kind), run.DeliveryID, string(run.Status), unixNano(run.CreatedAt), payload)
	if err != nil {
		// The partial unique index rejects a concurrent second active run.
		if active, qerr := s.hasActive(ctx, run.WorkflowID); qerr == nil && active {
			return ErrRunAlreadyActive
		}
		return err
	}
	return nil
}

func (s *SQLRunStore) hasActive(ctx context.Context, workflowID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT COUNT(*) FROM runs WHERE workflow_id = ? AND status = ?`),
		workflowID, string(api.StatusRunning)).Scan(&n)
	return n > 0, err
}

func (s *SQLRunStore) SaveRun(ctx context.Context, run *api.Run) error {
	payload, err := EncodeValue(*run)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		UPDATE runs SET status = ?, payload = ? WHERE run_id = ?`),
		string(run.Status), payload, run.RunID)
	return affectedOrNotFound(res, err)
}

func (s *SQLRunStore) GetRun(ctx context.Context, workflowID string) (*api.Run, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT payload FROM runs WHERE workflow_id = ?
		ORDER BY created_at DESC LIMIT 1`), workflowID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodePtr[api.Run](payload)
}

func (s *SQLRunStore) ListRuns(ctx context.Context, filter RunFilter) ([]*api.Run, error) {
	q := `SELECT payload FROM runs`
	var where []string
	var args []any
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.DeliveryID != "" {
		where = append(where, "delivery_id = ?")
		args = append(args, filter.DeliveryID)
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Run
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		run, err := decodePtr[api.Run](payload)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *SQLRunStore) AppendSignal(ctx context.Context, runID string, sig api.Signal) (int64, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT COUNT(*) FROM runs WHERE run_id = ?`), runID).Scan(&exists)
	if err != nil {
		return 0, err
	}
	if exists == 0 {
		return 0, ErrNotFound
	}

	sig.Seq = 0
	payload, err := EncodeValue(sig)
	if err != nil {
		return 0, err
	}
	var seq int64
	err = s.db.QueryRowContext(ctx, s.dialect.rebind(
		`INSERT INTO run_signals (run_id, payload) VALUES (?, ?) RETURNING seq`),
		runID, payload).Scan(&seq)
	return seq, err
}

func (s *SQLRunStore) SignalsAfter(ctx context.Context, runID string, after int64) ([]api.Signal, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT seq, payload FROM run_signals WHERE run_id = ? AND seq > ? ORDER BY seq`),
		runID, after)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.Signal
	for rows.Next() {
		var (
			seq     int64
			payload []byte
		)
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, err
		}
		sig, err := DecodeValue[api.Signal](payload)
		if err != nil {
			return nil, err
		}
		sig.Seq = seq
		out = append(out, sig)
	}
	return out, rows.Err()
}

func (s *SQLRunStore) AppendEvent(ctx context.Context, ev api.WorkflowEvent) error {
	payload, err := EncodeValue(ev)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO run_events (run_id, payload) VALUES (?, ?)`), ev.RunID, payload)
	return err
}

func (s *SQLRunStore) ListEvents(ctx context.Context, runID string) ([]api.WorkflowEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		`SELECT payload FROM run_events WHERE run_id = ? ORDER BY seq`), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.WorkflowEvent
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		ev, err := DecodeValue[api.WorkflowEvent](payload)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLRunStore) Close() error { return s.db.Close() }
