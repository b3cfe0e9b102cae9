package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pbulloch/swaprouter/internal/model"

	_ "modernc.org/sqlite"
)

const createOrdersTable = `
CREATE TABLE IF NOT EXISTS orders (
    id              TEXT PRIMARY KEY,
    token_in        TEXT NOT NULL,
    token_out       TEXT NOT NULL,
    amount          REAL NOT NULL,
    slippage        REAL NOT NULL,
    status          TEXT NOT NULL,
    selected_venue  TEXT NOT NULL DEFAULT '',
    quote_snapshots TEXT,
    executed_price  REAL,
    amount_out      REAL,
    settlement_ref  TEXT NOT NULL DEFAULT '',
    error_message   TEXT NOT NULL DEFAULT '',
    retry_count     INTEGER NOT NULL DEFAULT 0,
    created_at      DATETIME NOT NULL,
    updated_at      DATETIME NOT NULL
)`

const createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
    order_id        TEXT PRIMARY KEY,
    status          TEXT NOT NULL,
    attempts        INTEGER NOT NULL DEFAULT 0,
    next_attempt_at DATETIME NOT NULL,
    created_at      DATETIME NOT NULL,
    updated_at      DATETIME NOT NULL
)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite. Orders and jobs share one
// database so a submission's order row and job row survive restarts together.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createOrdersTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create orders table: %w", err)
	}

	if _, err := db.Exec(createJobsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create jobs table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateOrder inserts a new order record after checking store invariants.
// Upstream validation is expected to have run already; the checks here are
// the store's own guarantee, not the user-facing one.
func (s *SQLiteStore) CreateOrder(ctx context.Context, o *model.Order) error {
	switch {
	case o.TokenIn == "" || o.TokenOut == "":
		return fmt.Errorf("%w: token pair must be set", ErrValidation)
	case o.TokenIn == o.TokenOut:
		return fmt.Errorf("%w: tokenIn equals tokenOut", ErrValidation)
	case o.Amount <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	case o.Slippage < 0 || o.Slippage >= 1:
		return fmt.Errorf("%w: slippage must be in [0,1)", ErrValidation)
	case o.Status != model.StatusPending:
		return fmt.Errorf("%w: new orders must be pending", ErrValidation)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO orders (
			id, token_in, token_out, amount, slippage, status,
			retry_count, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.TokenIn, o.TokenOut, o.Amount, o.Slippage, o.Status,
		o.RetryCount, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

const orderColumns = `id, token_in, token_out, amount, slippage, status,
	selected_venue, quote_snapshots, executed_price, amount_out,
	settlement_ref, error_message, retry_count, created_at, updated_at`

// scanOrder scans one order row from a *sql.Row or *sql.Rows.
func scanOrder(row interface{ Scan(...any) error }) (*model.Order, error) {
	o := &model.Order{}
	var snapshots sql.NullString
	err := row.Scan(
		&o.ID, &o.TokenIn, &o.TokenOut, &o.Amount, &o.Slippage, &o.Status,
		&o.SelectedVenue, &snapshots, &o.ExecutedPrice, &o.AmountOut,
		&o.SettlementRef, &o.ErrorMessage, &o.RetryCount, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if snapshots.Valid && snapshots.String != "" {
		if err := json.Unmarshal([]byte(snapshots.String), &o.QuoteSnapshots); err != nil {
			return nil, fmt.Errorf("decode quote snapshots: %w", err)
		}
	}
	return o, nil
}

// GetOrder retrieves an order by ID.
func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = ?`, id,
	)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

// ListOrders returns up to limit orders, most recent first.
func (s *SQLiteStore) ListOrders(ctx context.Context, limit int) ([]*model.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders ORDER BY created_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []*model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}

	return orders, nil
}

// UpdateOrderStatus atomically persists a status transition and the fields
// carried by its details variant. The transition is validated against the
// current status inside the transaction, so a confirmed order can never be
// mutated again and skipped states are rejected.
func (s *SQLiteStore) UpdateOrderStatus(ctx context.Context, id, status string, details model.StatusDetails) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM orders WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read current status: %w", err)
	}

	if !model.ValidTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	now := time.Now().UTC()

	switch d := details.(type) {
	case model.RoutingDetails:
		if status != model.StatusRouting {
			return fmt.Errorf("%w: RoutingDetails with status %q", ErrInvalidTransition, status)
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE orders SET status = ?, updated_at = ? WHERE id = ?",
			status, now, id,
		)
	case model.BuildingDetails:
		if status != model.StatusBuilding {
			return fmt.Errorf("%w: BuildingDetails with status %q", ErrInvalidTransition, status)
		}
		var snapshots []byte
		snapshots, err = json.Marshal(d.QuoteSnapshots)
		if err != nil {
			return fmt.Errorf("encode quote snapshots: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE orders SET status = ?, selected_venue = ?, quote_snapshots = ?, updated_at = ? WHERE id = ?",
			status, d.SelectedVenue, string(snapshots), now, id,
		)
	case model.SubmittedDetails:
		if status != model.StatusSubmitted {
			return fmt.Errorf("%w: SubmittedDetails with status %q", ErrInvalidTransition, status)
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE orders SET status = ?, updated_at = ? WHERE id = ?",
			status, now, id,
		)
	case model.ConfirmedDetails:
		if status != model.StatusConfirmed {
			return fmt.Errorf("%w: ConfirmedDetails with status %q", ErrInvalidTransition, status)
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE orders SET status = ?, executed_price = ?, amount_out = ?, settlement_ref = ?, updated_at = ? WHERE id = ?",
			status, d.ExecutedPrice, d.AmountOut, d.SettlementRef, now, id,
		)
	case model.FailedDetails:
		if status != model.StatusFailed {
			return fmt.Errorf("%w: FailedDetails with status %q", ErrInvalidTransition, status)
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE orders SET status = ?, error_message = ?, retry_count = ?, updated_at = ? WHERE id = ?",
			status, d.ErrorMessage, d.RetryCount, now, id,
		)
	default:
		return fmt.Errorf("%w: unknown details %T", ErrInvalidTransition, details)
	}
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit status update: %w", err)
	}
	return nil
}

// EnqueueJob inserts a waiting job for the order if no job with that id
// exists yet. It reports whether a new job was created; an existing row in
// any state, terminal included, makes this a no-op.
func (s *SQLiteStore) EnqueueJob(ctx context.Context, orderID string) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO jobs (order_id, status, attempts, next_attempt_at, created_at, updated_at)
		VALUES (?, ?, 0, ?, ?, ?)`,
		orderID, JobWaiting, now, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("enqueue job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n > 0, nil
}

// ClaimDueJobs atomically marks up to limit due waiting jobs as active and
// returns them. A claimed job is invisible to other claimers until it is
// completed, failed, or rescheduled, which gives at-most-one-in-flight per id.
func (s *SQLiteStore) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT order_id, status, attempts, next_attempt_at, created_at, updated_at
		FROM jobs WHERE status = ? AND next_attempt_at <= ?
		ORDER BY next_attempt_at ASC LIMIT ?`,
		JobWaiting, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select due jobs: %w", err)
	}

	var jobs []*Job
	for rows.Next() {
		j := &Job{}
		if err := rows.Scan(&j.OrderID, &j.Status, &j.Attempts, &j.NextAttemptAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	rows.Close()

	for _, j := range jobs {
		if _, err := tx.ExecContext(ctx,
			"UPDATE jobs SET status = ?, updated_at = ? WHERE order_id = ?",
			JobActive, now, j.OrderID,
		); err != nil {
			return nil, fmt.Errorf("claim job %s: %w", j.OrderID, err)
		}
		j.Status = JobActive
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return jobs, nil
}

// CompleteJob marks a job as completed.
func (s *SQLiteStore) CompleteJob(ctx context.Context, orderID string) error {
	return s.setJobStatus(ctx, orderID, JobCompleted, nil)
}

// FailJob marks a job as terminally failed with its final attempt count.
func (s *SQLiteStore) FailJob(ctx context.Context, orderID string, attempts int) error {
	return s.setJobStatus(ctx, orderID, JobFailed, &attempts)
}

func (s *SQLiteStore) setJobStatus(ctx context.Context, orderID, status string, attempts *int) error {
	var (
		res sql.Result
		err error
	)
	now := time.Now().UTC()
	if attempts != nil {
		res, err = s.db.ExecContext(ctx,
			"UPDATE jobs SET status = ?, attempts = ?, updated_at = ? WHERE order_id = ?",
			status, *attempts, now, orderID,
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			"UPDATE jobs SET status = ?, updated_at = ? WHERE order_id = ?",
			status, now, orderID,
		)
	}
	if err != nil {
		return fmt.Errorf("set job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RescheduleJob returns a job to the waiting state with an updated attempt
// count and a future delivery time.
func (s *SQLiteStore) RescheduleJob(ctx context.Context, orderID string, attempts int, nextAttemptAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET status = ?, attempts = ?, next_attempt_at = ?, updated_at = ? WHERE order_id = ?",
		JobWaiting, attempts, nextAttemptAt, time.Now().UTC(), orderID,
	)
	if err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetActiveJobs returns all active jobs to the waiting state, due
// immediately. Called once at startup so jobs orphaned by a crash are
// redelivered rather than stuck.
func (s *SQLiteStore) ResetActiveJobs(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET status = ?, next_attempt_at = ?, updated_at = ? WHERE status = ?",
		JobWaiting, now, now, JobActive,
	)
	if err != nil {
		return 0, fmt.Errorf("reset active jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return int(n), nil
}

// JobCounts returns the number of jobs per state plus the overall total.
func (s *SQLiteStore) JobCounts(ctx context.Context) (*QueueCounts, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := &QueueCounts{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		switch status {
		case JobWaiting:
			counts.Waiting = n
		case JobActive:
			counts.Active = n
		case JobCompleted:
			counts.Completed = n
		case JobFailed:
			counts.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job counts: %w", err)
	}

	counts.Total = counts.Waiting + counts.Active + counts.Completed + counts.Failed
	return counts, nil
}
