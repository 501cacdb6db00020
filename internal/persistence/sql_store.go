package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/petrijr/delaywatch/pkg/api"
)

// Dialect selects SQL syntax differences between SQLite and Postgres.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

func (d Dialect) String() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// rebind converts ? placeholders to $n for Postgres.
func (d Dialect) rebind(q string) string {
	if d != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d Dialect) blob() string {
	if d == DialectPostgres {
		return "BYTEA"
	}
	return "BLOB"
}

func (d Dialect) serial() string {
	if d == DialectPostgres {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

// SQLBackend is a Backend on database/sql, shared by SQLite and Postgres.
//
// Records are stored as gob payloads next to the columns used for
// filtering, ordering and conditional updates. The checks counter and
// delivery status live in columns and override the payload on read.
//
// The caller is responsible for importing the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//	import _ "github.com/jackc/pgx/v5/stdlib"
type SQLBackend struct {
	db      *sql.DB
	dialect Dialect
	name    string
}

var _ Backend = (*SQLBackend)(nil)

// NewSQLBackend initializes the schema and returns the backend.
func NewSQLBackend(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLBackend, error) {
	s := &SQLBackend{db: db, dialect: dialect, name: dialect.String()}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLBackend) initSchema(ctx context.Context) error {
	blob := s.dialect.blob()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS deliveries (
			id TEXT PRIMARY KEY,
			tracking_number TEXT NOT NULL,
			status TEXT NOT NULL,
			checks_performed INTEGER NOT NULL DEFAULT 0,
			last_check_at BIGINT NOT NULL DEFAULT 0,
			updated_at BIGINT NOT NULL DEFAULT 0,
			payload ` + blob + `
		)`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			delivery_id TEXT NOT NULL,
			status TEXT NOT NULL,
			sent_at BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL DEFAULT 0,
			payload ` + blob + `
		)`,
		`CREATE INDEX IF NOT EXISTS notifications_delivery ON notifications (delivery_id, status, sent_at)`,
		`CREATE TABLE IF NOT EXISTS traffic_snapshots (
			id TEXT PRIMARY KEY,
			delivery_id TEXT NOT NULL,
			captured_at BIGINT NOT NULL,
			payload ` + blob + `
		)`,
		`CREATE INDEX IF NOT EXISTS traffic_snapshots_delivery ON traffic_snapshots (delivery_id, captured_at)`,
		`CREATE TABLE IF NOT EXISTS workflow_executions (
			workflow_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			delivery_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at BIGINT NOT NULL,
			payload ` + blob + `,
			PRIMARY KEY (workflow_id, run_id)
		)`,
		`CREATE INDEX IF NOT EXISTS workflow_executions_delivery ON workflow_executions (delivery_id, started_at)`,
		`CREATE TABLE IF NOT EXISTS thresholds (
			id TEXT PRIMARY KEY,
			payload ` + blob + `
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLBackend) Name() string { return s.name }

func (s *SQLBackend) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(q), args...)
}

func (s *SQLBackend) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.rebind(q), args...)
}

func (s *SQLBackend) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.rebind(q), args...)
}

func (s *SQLBackend) SaveDelivery(ctx context.Context, d *api.Delivery) error {
	payload, err := EncodeValue(*d)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
		INSERT INTO deliveries (id, tracking_number, status, checks_performed, last_check_at, updated_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			tracking_number = excluded.tracking_number,
			status = excluded.status,
			updated_at = excluded.updated_at,
			payload = excluded.payload`,
		d.ID, d.TrackingNumber, string(d.Status), d.ChecksPerformed, unixNano(d.LastCheckAt), unixNano(d.UpdatedAt), payload,
	)
	return err
}

func (s *SQLBackend) GetDelivery(ctx context.Context, id string) (*api.Delivery, error) {
	row := s.queryRow(ctx, `
		SELECT status, checks_performed, last_check_at, updated_at, payload
		FROM deliveries WHERE id = ?`, id)
	d, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDelivery(row rowScanner) (*api.Delivery, error) {
	var (
		status           string
		checks           int
		lastCheck, updAt int64
		payload          []byte
	)
	if err := row.Scan(&status, &checks, &lastCheck, &updAt, &payload); err != nil {
		return nil, err
	}
	d, err := decodePtr[api.Delivery](payload)
	if err != nil {
		return nil, err
	}
	d.Status = api.DeliveryStatus(status)
	d.ChecksPerformed = checks
	d.LastCheckAt = fromUnixNano(lastCheck)
	if updAt != 0 {
		d.UpdatedAt = fromUnixNano(updAt)
	}
	return d, nil
}

func (s *SQLBackend) ListDeliveries(ctx context.Context, filter DeliveryFilter) ([]*api.Delivery, error) {
	q := `SELECT status, checks_performed, last_check_at, updated_at, payload FROM deliveries`
	var args []any
	if filter.Status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	q += ` ORDER BY id`

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLBackend) UpdateDeliveryStatus(ctx context.Context, id string, status api.DeliveryStatus, at time.Time) error {
	res, err := s.exec(ctx, `UPDATE deliveries SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), unixNano(at), id)
	return affectedOrNotFound(res, err)
}

func (s *SQLBackend) DeleteDelivery(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM deliveries WHERE id = ?`, id)
	return affectedOrNotFound(res, err)
}

func affectedOrNotFound(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLBackend) IncrementChecks(ctx context.Context, id string, expected int, at time.Time) (int, error) {
	res, err := s.exec(ctx, `
		UPDATE deliveries SET checks_performed = checks_performed + 1, last_check_at = ?
		WHERE id = ? AND checks_performed = ?`,
		unixNano(at), id, expected)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 1 {
		return expected + 1, nil
	}

	var current int
	err = s.queryRow(ctx, `SELECT checks_performed FROM deliveries WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return current, ErrCounterConflict
}

func (s *SQLBackend) SaveNotification(ctx context.Context, n *api.Notification) error {
	payload, err := EncodeValue(*n)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
		INSERT INTO notifications (id, delivery_id, status, sent_at, created_at, payload)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		n.ID, n.DeliveryID, string(n.Status), unixNano(n.SentAt), unixNano(n.CreatedAt), payload,
	)
	return err
}

func (s *SQLBackend) UpdateNotification(ctx context.Context, n *api.Notification) error {
	payload, err := EncodeValue(*n)
	if err != nil {
		return err
	}
	res, err := s.exec(ctx, `
		UPDATE notifications SET status = ?, sent_at = ?, payload = ?
		WHERE id = ? AND status = ?`,
		string(n.Status), unixNano(n.SentAt), payload, n.ID, string(api.NotificationPending),
	)
	if err := affectedOrNotFound(res, err); !errors.Is(err, ErrNotFound) {
		return err
	}
	if _, err := s.GetNotification(ctx, n.ID); err != nil {
		return err
	}
	return ErrNotificationFinal
}

func (s *SQLBackend) GetNotification(ctx context.Context, id string) (*api.Notification, error) {
	var payload []byte
	err := s.queryRow(ctx, `SELECT payload FROM notifications WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodePtr[api.Notification](payload)
}

func (s *SQLBackend) ListNotifications(ctx context.Context, deliveryID string) ([]*api.Notification, error) {
	return queryPayloads[api.Notification](ctx, s,
		`SELECT payload FROM notifications WHERE delivery_id = ? ORDER BY created_at, id`, deliveryID)
}

func (s *SQLBackend) LastSentNotification(ctx context.Context, deliveryID string) (*api.Notification, error) {
	var payload []byte
	err := s.queryRow(ctx, `
		SELECT payload FROM notifications
		WHERE delivery_id = ? AND status = ?
		ORDER BY sent_at DESC LIMIT 1`,
		deliveryID, string(api.NotificationSent)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodePtr[api.Notification](payload)
}

func (s *SQLBackend) AppendSnapshot(ctx context.Context, snap *api.TrafficSnapshot) error {
	payload, err := EncodeValue(*snap)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
		INSERT INTO traffic_snapshots (id, delivery_id, captured_at, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		snap.ID, snap.DeliveryID, unixNano(snap.CapturedAt), payload)
	return err
}

func (s *SQLBackend) ListSnapshots(ctx context.Context, deliveryID string) ([]*api.TrafficSnapshot, error) {
	return queryPayloads[api.TrafficSnapshot](ctx, s,
		`SELECT payload FROM traffic_snapshots WHERE delivery_id = ? ORDER BY captured_at, id`, deliveryID)
}

func (s *SQLBackend) SaveExecution(ctx context.Context, e *api.WorkflowExecution) error {
	payload, err := EncodeValue(*e)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
		INSERT INTO workflow_executions (workflow_id, run_id, delivery_id, status, started_at, payload)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (workflow_id, run_id) DO UPDATE SET
			status = excluded.status,
			payload = excluded.payload`,
		e.WorkflowID, e.RunID, e.DeliveryID, string(e.Status), unixNano(e.StartedAt), payload)
	return err
}

func (s *SQLBackend) GetExecution(ctx context.Context, workflowID, runID string) (*api.WorkflowExecution, error) {
	var payload []byte
	err := s.queryRow(ctx, `SELECT payload FROM workflow_executions WHERE workflow_id = ? AND run_id = ?`,
		workflowID, runID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodePtr[api.WorkflowExecution](payload)
}

func (s *SQLBackend) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*api.WorkflowExecution, error) {
	q := `SELECT payload FROM workflow_executions`
	var where []string
	var args []any
	if filter.DeliveryID != "" {
		where = append(where, "delivery_id = ?")
		args = append(args, filter.DeliveryID)
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY started_at, workflow_id"
	return queryPayloads[api.WorkflowExecution](ctx, s, q, args...)
}

func (s *SQLBackend) SaveThreshold(ctx context.Context, t *api.Threshold) error {
	payload, err := EncodeValue(*t)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
		INSERT INTO thresholds (id, payload) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET payload = excluded.payload`, t.ID, payload)
	return err
}

func (s *SQLBackend) GetThreshold(ctx context.Context, id string) (*api.Threshold, error) {
	var payload []byte
	err := s.queryRow(ctx, `SELECT payload FROM thresholds WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodePtr[api.Threshold](payload)
}

func (s *SQLBackend) ListThresholds(ctx context.Context) ([]*api.Threshold, error) {
	return queryPayloads[api.Threshold](ctx, s, `SELECT payload FROM thresholds ORDER BY id`)
}

func (s *SQLBackend) DeleteThreshold(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM thresholds WHERE id = ?`, id)
	return affectedOrNotFound(res, err)
}

func (s *SQLBackend) Close() error { return s.db.Close() }

// queryPayloads runs q and decodes the single payload column of every row.
func queryPayloads[T any](ctx context.Context, s *SQLBackend, q string, args ...any) ([]*T, error) {
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		v, err := decodePtr[T](payload)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
