package task

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	_ "github.com/lib/pq"   // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver
)

// Clock returns the current time. Stores stamp records with it.
type Clock func() time.Time

func utcNow() time.Time { return time.Now().UTC() }

const recordColumns = `id, kind, status, priority, payload, parent_id, claimant_id,
	result, error, retry_count, max_retries, created_at, claimed_at, completed_at`

// SQLStore persists records in a SQL database. Every mutation is a single
// guarded statement, so concurrent executors never observe a double claim.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     Clock
}

// Option configures a store.
type Option func(*storeOptions)

type storeOptions struct {
	now Clock
}

// WithClock overrides the time source used to stamp records.
func WithClock(c Clock) Option {
	return func(o *storeOptions) { o.now = c }
}

func buildOptions(opts []Option) storeOptions {
	o := storeOptions{now: utcNow}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewSQLStore wraps an open database. It does not create the schema; call
// Migrate for that.
func NewSQLStore(db *sql.DB, d Dialect, opts ...Option) *SQLStore {
	o := buildOptions(opts)
	return &SQLStore{db: db, dialect: d, now: o.now}
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures
// the schema exists. The caller is responsible for calling Close.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLStore, error) {
	db, err := sql.Open(SQLite.Driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	s := NewSQLStore(db, SQLite, opts...)
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore connects to PostgreSQL and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string, opts ...Option) (*SQLStore, error) {
	db, err := sql.Open(Postgres.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := NewSQLStore(db, Postgres, opts...)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the tables and indexes if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.Schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// DB exposes the underlying handle so a Transcript can share it.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Close releases the underlying database connection.
func (s *SQLStore) Close() error { return s.db.Close() }

// Push persists a new pending record and sets its ID and CreatedAt.
func (s *SQLStore) Push(ctx context.Context, r *Record) (string, error) {
	r.ID = uuid.NewString()
	r.Status = StatusPending
	r.CreatedAt = s.now()
	r.ClaimantID, r.ClaimedAt, r.CompletedAt = "", nil, nil
	r.Result, r.Error, r.RetryCount = "", "", 0
	r.MaxRetries = normalizeMaxRetries(r.MaxRetries)

	err := s.withBusyRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck

		if r.ParentID != "" {
			var one int
			err := tx.QueryRowContext(ctx, s.q(`SELECT 1 FROM tasks WHERE id = ?`), r.ParentID).Scan(&one)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", ErrUnknownParent, r.ParentID)
			}
			if err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx, s.q(`
			INSERT INTO tasks (`+recordColumns+`)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
			r.ID, r.Kind, string(r.Status), r.Priority, string(r.Payload),
			r.ParentID, r.ClaimantID, r.Result, r.Error,
			r.RetryCount, r.MaxRetries,
			r.CreatedAt, nullTime(r.ClaimedAt), nullTime(r.CompletedAt),
		)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		if errors.Is(err, ErrUnknownParent) {
			return "", err
		}
		return "", fmt.Errorf("insert record: %w", err)
	}
	return r.ID, nil
}

// Claim atomically selects the highest-priority pending record (lowest
// priority value, then oldest) of the filter's kind and assigns it to
// executorID.
func (s *SQLStore) Claim(ctx context.Context, executorID string, filter Filter) (*Record, error) {
	var sub strings.Builder
	args := []any{executorID, s.now()}
	sub.WriteString(`SELECT id FROM tasks WHERE status = 'pending'`)
	if filter.Kind != "" {
		sub.WriteString(` AND kind = ?`)
		args = append(args, filter.Kind)
	}
	sub.WriteString(` ORDER BY priority ASC, created_at ASC, id ASC LIMIT 1`)
	sub.WriteString(s.dialect.lockClause)

	query := `UPDATE tasks SET status = 'claimed', claimant_id = ?, claimed_at = ?
		WHERE id = (` + sub.String() + `) AND status = 'pending'
		RETURNING ` + recordColumns

	var rec *Record
	err := s.withBusyRetry(ctx, func() error {
		var err error
		rec, err = scanRecord(s.db.QueryRowContext(ctx, s.q(query), args...))
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim record: %w", err)
	}
	return rec, nil
}

// ClaimByID atomically claims the pending record id.
func (s *SQLStore) ClaimByID(ctx context.Context, id, executorID string) (*Record, error) {
	query := `UPDATE tasks SET status = 'claimed', claimant_id = ?, claimed_at = ?
		WHERE id = ? AND status = 'pending'
		RETURNING ` + recordColumns

	var rec *Record
	err := s.withBusyRetry(ctx, func() error {
		var err error
		rec, err = scanRecord(s.db.QueryRowContext(ctx, s.q(query), executorID, s.now(), id))
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		cur, gerr := s.Get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return nil, fmt.Errorf("%w: %s -> %s (record %s)", ErrInvalidTransition, cur.Status, StatusClaimed, id)
	}
	if err != nil {
		return nil, fmt.Errorf("claim record %s: %w", id, err)
	}
	return rec, nil
}

// UpdateStatus validates the transition against the current row and applies
// it with a compare-and-swap on (status, retry_count). A lost race surfaces as
// ErrInvalidTransition.
func (s *SQLStore) UpdateStatus(ctx context.Context, id string, to Status, out Outcome) (*Record, error) {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := CheckTransition(cur, to); err != nil {
		return nil, err
	}
	from, fromRetries := cur.Status, cur.RetryCount
	apply(cur, to, out, s.now)

	var affected int64
	err = s.withBusyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, s.q(`
			UPDATE tasks SET status = ?, claimant_id = ?, result = ?, error = ?,
				retry_count = ?, claimed_at = ?, completed_at = ?
			WHERE id = ? AND status = ? AND retry_count = ?`),
			string(cur.Status), cur.ClaimantID, cur.Result, cur.Error,
			cur.RetryCount, nullTime(cur.ClaimedAt), nullTime(cur.CompletedAt),
			id, string(from), fromRetries,
		)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("update record %s: %w", id, err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: record %s changed concurrently (was %s)", ErrInvalidTransition, id, from)
	}
	return cur, nil
}

// Get retrieves a record by ID.
func (s *SQLStore) Get(ctx context.Context, id string) (*Record, error) {
	var rec *Record
	err := s.withBusyRetry(ctx, func() error {
		var err error
		rec, err = scanRecord(s.db.QueryRowContext(ctx, s.q(`SELECT `+recordColumns+` FROM tasks WHERE id = ?`), id))
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", id, err)
	}
	return rec, nil
}

// Children returns the direct children of parentID, oldest first.
func (s *SQLStore) Children(ctx context.Context, parentID string) ([]*Record, error) {
	if parentID == "" {
		return nil, nil
	}
	return s.List(ctx, Filter{ParentID: parentID})
}

// List returns records matching the filter.
func (s *SQLStore) List(ctx context.Context, filter Filter) ([]*Record, error) {
	q := strings.Builder{}
	q.WriteString("SELECT " + recordColumns + " FROM tasks WHERE 1=1")
	args := []any{}

	if filter.Kind != "" {
		q.WriteString(" AND kind=?")
		args = append(args, filter.Kind)
	}
	if filter.Status != nil {
		q.WriteString(" AND status=?")
		args = append(args, string(*filter.Status))
	}
	if filter.ParentID != "" {
		q.WriteString(" AND parent_id=?")
		args = append(args, filter.ParentID)
	}
	if filter.ClaimantID != "" {
		q.WriteString(" AND claimant_id=?")
		args = append(args, filter.ClaimantID)
	}
	q.WriteString(" ORDER BY created_at ASC, id ASC")
	if filter.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", filter.Limit))
		if filter.Offset > 0 {
			q.WriteString(fmt.Sprintf(" OFFSET %d", filter.Offset))
		}
	}

	rows, err := s.db.QueryContext(ctx, s.q(q.String()), args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

func (s *SQLStore) q(query string) string { return s.dialect.rebind(query) }

// withBusyRetry retries op while SQLite reports lock contention. Other errors
// are returned as is.
func (s *SQLStore) withBusyRetry(ctx context.Context, op func() error) error {
	if s.dialect.busy == nil {
		return op()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op()
		if err != nil && !s.dialect.busy(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(5))
	return err
}

// scanner abstracts sql.Row and sql.Rows for scanRecord.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	var r Record
	var status, payload string
	var createdAt, claimedAt, completedAt sqlTime

	err := s.Scan(
		&r.ID, &r.Kind, &status, &r.Priority, &payload,
		&r.ParentID, &r.ClaimantID, &r.Result, &r.Error,
		&r.RetryCount, &r.MaxRetries,
		&createdAt, &claimedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	if payload != "" {
		r.Payload = []byte(payload)
	}
	r.CreatedAt = createdAt.Time
	r.ClaimedAt = claimedAt.ptr()
	r.CompletedAt = completedAt.ptr()
	return &r, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

// sqlTime scans timestamps that drivers hand back either as time.Time or as
// text (SQLite RETURNING rows carry no declared column type).
type sqlTime struct {
	Time  time.Time
	Valid bool
}

var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func (t *sqlTime) Scan(v any) error {
	switch x := v.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = x.UTC(), true
		return nil
	case []byte:
		return t.parse(string(x))
	case string:
		return t.parse(x)
	case int64:
		t.Time, t.Valid = time.Unix(0, x).UTC(), true
		return nil
	}
	return fmt.Errorf("unsupported timestamp type %T", v)
}

func (t *sqlTime) parse(s string) error {
	// Go's time.String adds a monotonic suffix that no layout accepts.
	if i := strings.Index(s, " m="); i >= 0 {
		s = s[:i]
	}
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time, t.Valid = parsed.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("parse timestamp %q", s)
}

func (t sqlTime) ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	tt := t.Time
	return &tt
}
