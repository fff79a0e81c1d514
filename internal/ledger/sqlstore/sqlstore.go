// Package sqlstore implements ledger.Store on database/sql for sqlite
// (modernc.org/sqlite) and postgres (lib/pq). Both dialects share one
// schema shape: indexed columns for filtering plus a body_json copy of the
// full record.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/davidahmann/finagent/internal/ledger"
	"github.com/davidahmann/finagent/pkg/types"
)

// timeLayout is fixed width so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type Store struct {
	db      *sql.DB
	dialect ledger.DBDriver
}

// Open connects with the driver matching dialect and pings the database.
func Open(dialect ledger.DBDriver, dsn string) (*Store, error) {
	var driverName string
	switch dialect {
	case ledger.DBSQLite:
		driverName = "sqlite"
	case ledger.DBPostgres:
		driverName = "postgres"
	default:
		return nil, fmt.Errorf("%w: %s", ledger.ErrUnsupportedDriver, dialect)
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if dialect == ledger.DBSQLite {
		if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return New(db, dialect), nil
}

func OpenSQLite(dsn string) (*Store, error) { return Open(ledger.DBSQLite, dsn) }

func OpenPostgres(dsn string) (*Store, error) { return Open(ledger.DBPostgres, dsn) }

func New(db *sql.DB, dialect ledger.DBDriver) *Store {
	return &Store{db: db, dialect: dialect}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Dialect() ledger.DBDriver { return s.dialect }

// Migrate applies the embedded schema for the store's dialect.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := ledger.Migrate(ctx, s.db, s.dialect)
	return err
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != ledger.DBPostgres {
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

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func marshalBody(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// queryBodies runs query and decodes the single body_json column of every row.
func queryBodies[T any](ctx context.Context, s *Store, query string, args ...any) ([]T, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []T{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal([]byte(body), &v); err != nil {
			return nil, fmt.Errorf("decode row: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func getBody[T any](ctx context.Context, s *Store, query string, args ...any) (T, error) {
	var v T
	var body string
	if err := s.db.QueryRowContext(ctx, s.rebind(query), args...).Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return v, ledger.ErrNotFound
		}
		return v, err
	}
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return v, fmt.Errorf("decode row: %w", err)
	}
	return v, nil
}

// Events

func (s *Store) AppendEvent(ctx context.Context, ev types.Event) error {
	payload := string(ev.Payload)
	if payload == "" {
		payload = "null"
	}
	res, err := s.exec(ctx, `INSERT INTO events(id, type, timestamp, payload_json, processed, processed_at, error)
VALUES(?,?,?,?,0,NULL,'')
ON CONFLICT(id) DO NOTHING`,
		ev.ID, ev.Type, formatTime(ev.Timestamp), payload,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ledger.ErrDuplicateID
	}
	return nil
}

func (s *Store) MarkEventProcessed(ctx context.Context, id string, at time.Time, errText string) error {
	res, err := s.exec(ctx, `UPDATE events SET processed = 1, processed_at = ?, error = ? WHERE id = ? AND processed = 0`,
		formatTime(at), errText, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetEvent(ctx, id); err != nil {
		return err
	}
	return ledger.ErrAlreadyProcessed
}

const eventColumns = `id, type, timestamp, payload_json, processed, processed_at, error`

func scanEvent(scan func(dest ...any) error) (types.Event, error) {
	var (
		ev          types.Event
		ts, payload string
		processed   int
		processedAt sql.NullString
	)
	if err := scan(&ev.ID, &ev.Type, &ts, &payload, &processed, &processedAt, &ev.Error); err != nil {
		return types.Event{}, err
	}
	t, err := parseTime(ts)
	if err != nil {
		return types.Event{}, err
	}
	ev.Timestamp = t
	ev.Payload = json.RawMessage(payload)
	ev.Processed = processed != 0
	if processedAt.Valid {
		pt, err := parseTime(processedAt.String)
		if err != nil {
			return types.Event{}, err
		}
		ev.ProcessedAt = &pt
	}
	return ev, nil
}

func (s *Store) GetEvent(ctx context.Context, id string) (types.Event, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+eventColumns+` FROM events WHERE id = ?`), id)
	ev, err := scanEvent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Event{}, ledger.ErrNotFound
	}
	return ev, err
}

func (s *Store) ListEvents(ctx context.Context, filter ledger.EventFilter) ([]types.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE 1=1`
	var args []any
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, filter.Type)
	}
	if filter.Processed != nil {
		query += ` AND processed = ?`
		args = append(args, boolToInt(*filter.Processed))
	}
	query += ` ORDER BY seq ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []types.Event{}
	for rows.Next() {
		ev, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Action log

func (s *Store) AppendAction(ctx context.Context, entry types.ActionLogEntry) error {
	body, err := marshalBody(entry)
	if err != nil {
		return err
	}
	var sequence sql.NullInt64
	if entry.Sequence > 0 {
		sequence = sql.NullInt64{Int64: int64(entry.Sequence), Valid: true}
	}
	res, err := s.exec(ctx, `INSERT INTO action_log(id, agent_name, action, item_id, timestamp, sequence, body_json)
VALUES(?,?,?,?,?,?,?)
ON CONFLICT(id) DO NOTHING`,
		entry.ID, entry.Agent, entry.Action, entry.ItemID, formatTime(entry.Timestamp), sequence, body,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %d", ledger.ErrSequenceConflict, entry.Sequence)
		}
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ledger.ErrDuplicateID
	}
	return nil
}

func (s *Store) LastAction(ctx context.Context) (types.ActionLogEntry, error) {
	return getBody[types.ActionLogEntry](ctx, s,
		`SELECT body_json FROM action_log WHERE sequence IS NOT NULL ORDER BY sequence DESC LIMIT 1`)
}

// isUniqueViolation reports a unique constraint failure from either driver.
// Id conflicts are absorbed by ON CONFLICT, so on action_log this is the
// sequence index.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return true
		case sqlite3.SQLITE_CONSTRAINT:
			return strings.Contains(liteErr.Error(), "UNIQUE")
		}
	}
	return false
}

func (s *Store) ListActions(ctx context.Context, filter ledger.ActionFilter) ([]types.ActionLogEntry, error) {
	query := `SELECT body_json FROM action_log WHERE 1=1`
	var args []any
	if filter.Agent != "" {
		query += ` AND agent_name = ?`
		args = append(args, filter.Agent)
	}
	if filter.Action != "" {
		query += ` AND action = ?`
		args = append(args, filter.Action)
	}
	if filter.ItemID != "" {
		query += ` AND item_id = ?`
		args = append(args, filter.ItemID)
	}
	query += ` ORDER BY seq ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	return queryBodies[types.ActionLogEntry](ctx, s, query, args...)
}

// Exceptions

func (s *Store) PutException(ctx context.Context, ex types.Exception) error {
	body, err := marshalBody(ex)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO exceptions(id, item_id, agent_name, type, status, created_at, body_json)
VALUES(?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  status=excluded.status,
  body_json=excluded.body_json`,
		ex.ID, ex.ItemID, ex.Agent, ex.Type, string(ex.Status), formatTime(ex.CreatedAt), body,
	)
	return err
}

func (s *Store) ListExceptions(ctx context.Context, filter ledger.ExceptionFilter) ([]types.Exception, error) {
	query := `SELECT body_json FROM exceptions WHERE 1=1`
	var args []any
	if filter.Agent != "" {
		query += ` AND agent_name = ?`
		args = append(args, filter.Agent)
	}
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, filter.Type)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at ASC`
	return queryBodies[types.Exception](ctx, s, query, args...)
}

// Approvals

func (s *Store) PutApproval(ctx context.Context, req types.ApprovalRequest) error {
	body, err := marshalBody(req)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO approvals(id, agent_name, status, created_at, body_json)
VALUES(?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  status=excluded.status,
  body_json=excluded.body_json`,
		req.ID, req.Agent, string(req.Status), formatTime(req.CreatedAt), body,
	)
	return err
}

func (s *Store) GetApproval(ctx context.Context, id string) (types.ApprovalRequest, error) {
	return getBody[types.ApprovalRequest](ctx, s, `SELECT body_json FROM approvals WHERE id = ?`, id)
}

// DecideApproval applies d inside a transaction. The update is guarded on
// status so a concurrent decision cannot overwrite a terminal state.
func (s *Store) DecideApproval(ctx context.Context, d ledger.ApprovalDecision) (types.ApprovalRequest, error) {
	var out types.ApprovalRequest
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var body string
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT body_json FROM approvals WHERE id = ?`), d.ID).Scan(&body)
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.ErrNotFound
		}
		if err != nil {
			return err
		}
		var req types.ApprovalRequest
		if err := json.Unmarshal([]byte(body), &req); err != nil {
			return fmt.Errorf("decode row: %w", err)
		}
		next, err := d.Apply(req)
		if err != nil {
			out = req
			return err
		}
		nextBody, err := marshalBody(next)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.rebind(`UPDATE approvals SET status = ?, body_json = ? WHERE id = ? AND status = ?`),
			string(next.Status), nextBody, d.ID, string(types.ApprovalPending),
		)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ledger.ErrApprovalDecided
		}
		out = next
		return nil
	})
	return out, err
}

func (s *Store) ListApprovals(ctx context.Context, filter ledger.ApprovalFilter) ([]types.ApprovalRequest, error) {
	query := `SELECT body_json FROM approvals WHERE 1=1`
	var args []any
	if filter.Agent != "" {
		query += ` AND agent_name = ?`
		args = append(args, filter.Agent)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.CreatedBefore.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, formatTime(filter.CreatedBefore))
	}
	query += ` ORDER BY created_at ASC`
	return queryBodies[types.ApprovalRequest](ctx, s, query, args...)
}

// Notification outbox

func (s *Store) PutNotification(ctx context.Context, n types.Notification) error {
	body, err := marshalBody(n)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO notifications(id, channel, status, next_attempt_at, created_at, body_json)
VALUES(?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  status=excluded.status,
  next_attempt_at=excluded.next_attempt_at,
  body_json=excluded.body_json`,
		n.ID, n.Channel, string(n.Status), formatTime(n.NextAttemptAt), formatTime(n.CreatedAt), body,
	)
	return err
}

func (s *Store) GetNotification(ctx context.Context, id string) (types.Notification, error) {
	return getBody[types.Notification](ctx, s, `SELECT body_json FROM notifications WHERE id = ?`, id)
}

func (s *Store) ListNotificationsDue(ctx context.Context, now time.Time, limit int) ([]types.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	return queryBodies[types.Notification](ctx, s, `SELECT body_json FROM notifications
WHERE status = ? AND next_attempt_at <= ?
ORDER BY created_at ASC
LIMIT ?`, string(types.NotificationPending), formatTime(now), limit)
}

// Bank transfers, RDTI activities, board packs

func (s *Store) PutTransfer(ctx context.Context, t types.BankTransfer) error {
	body, err := marshalBody(t)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO bank_transfers(id, transaction_id, created_at, body_json)
VALUES(?,?,?,?)
ON CONFLICT(id) DO UPDATE SET body_json=excluded.body_json`,
		t.ID, t.TransactionID, formatTime(t.CreatedAt), body,
	)
	return err
}

func (s *Store) ListTransfers(ctx context.Context, transactionID string) ([]types.BankTransfer, error) {
	if transactionID == "" {
		return queryBodies[types.BankTransfer](ctx, s, `SELECT body_json FROM bank_transfers ORDER BY created_at ASC`)
	}
	return queryBodies[types.BankTransfer](ctx, s, `SELECT body_json FROM bank_transfers WHERE transaction_id = ? ORDER BY created_at ASC`, transactionID)
}

func (s *Store) PutRDTIActivity(ctx context.Context, a types.RDTIActivity) error {
	body, err := marshalBody(a)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO rdti_activities(id, transaction_id, quarter, created_at, body_json)
VALUES(?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET quarter=excluded.quarter, body_json=excluded.body_json`,
		a.ID, a.TransactionID, a.Quarter, formatTime(a.CreatedAt), body,
	)
	return err
}

func (s *Store) ListRDTIActivities(ctx context.Context, quarter string) ([]types.RDTIActivity, error) {
	if quarter == "" {
		return queryBodies[types.RDTIActivity](ctx, s, `SELECT body_json FROM rdti_activities ORDER BY created_at ASC`)
	}
	return queryBodies[types.RDTIActivity](ctx, s, `SELECT body_json FROM rdti_activities WHERE quarter = ? ORDER BY created_at ASC`, quarter)
}

func (s *Store) PutBoardPack(ctx context.Context, pack types.BoardPack) error {
	body, err := marshalBody(pack)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO board_packs(period, created_at, body_json)
VALUES(?,?,?)
ON CONFLICT(period) DO UPDATE SET created_at=excluded.created_at, body_json=excluded.body_json`,
		pack.Period, formatTime(pack.CreatedAt), body,
	)
	return err
}

func (s *Store) GetBoardPack(ctx context.Context, period string) (types.BoardPack, error) {
	return getBody[types.BoardPack](ctx, s, `SELECT body_json FROM board_packs WHERE period = ?`, period)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ ledger.Store = (*Store)(nil)
