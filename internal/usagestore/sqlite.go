// Package usagestore implements the gateway repositories: per-user quota
// counters, forwarded log chunks and dispatch records. SQLite serves a
// single gateway; Redis lets several gateway replicas share counters.
package usagestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hochfrequenz/task-orchestrator/internal/domain"
)

// SQLite is the single-node repository
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (and migrates) the database at dbPath. ":memory:" works for tests.
func NewSQLite(dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite serializes writers anyway, and an in-memory
	// database exists per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close closes the database connection
func (s *SQLite) Close() error {
	return s.db.Close()
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

// GetOrCreate returns the user's counters, inserting a zero row on first use
func (s *SQLite) GetOrCreate(ctx context.Context, userID string, now time.Time) (*domain.UserUsage, error) {
	fresh := domain.NewUserUsage(userID, now)
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO user_usage (user_id, hour_started_at, day_started_at, month_started_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, userID, ms(fresh.HourStartedAt), ms(fresh.DayStartedAt), ms(fresh.MonthStartedAt), ms(fresh.UpdatedAt))
	if err != nil {
		return nil, err
	}

	var u domain.UserUsage
	var hour, day, month, updated int64
	err = s.db.QueryRowContext(ctx, `
		SELECT user_id, concurrent_tasks, tasks_this_hour, hour_started_at, cost_today, day_started_at,
		       cost_this_month, month_started_at, updated_at
		FROM user_usage WHERE user_id = ?
	`, userID).Scan(&u.UserID, &u.ConcurrentTasks, &u.TasksThisHour, &hour, &u.CostToday, &day,
		&u.CostThisMonth, &month, &updated)
	if err != nil {
		return nil, err
	}
	u.HourStartedAt = fromMS(hour)
	u.DayStartedAt = fromMS(day)
	u.MonthStartedAt = fromMS(month)
	u.UpdatedAt = fromMS(updated)
	return &u, nil
}

// Update writes the window fields
func (s *SQLite) Update(ctx context.Context, u *domain.UserUsage) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE user_usage SET
			tasks_this_hour = ?, hour_started_at = ?,
			cost_today = ?, day_started_at = ?,
			cost_this_month = ?, month_started_at = ?,
			updated_at = ?
		WHERE user_id = ?
	`, u.TasksThisHour, ms(u.HourStartedAt), u.CostToday, ms(u.DayStartedAt),
		u.CostThisMonth, ms(u.MonthStartedAt), ms(u.UpdatedAt), u.UserID)
	return err
}

// IncrementConcurrent takes a slot only if the user is below limit
func (s *SQLite) IncrementConcurrent(ctx context.Context, userID string, limit int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE user_usage SET concurrent_tasks = concurrent_tasks + 1
		WHERE user_id = ? AND concurrent_tasks < ?
	`, userID, limit)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// DecrementConcurrent returns a slot, never going below zero
func (s *SQLite) DecrementConcurrent(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE user_usage SET concurrent_tasks = MAX(concurrent_tasks - 1, 0) WHERE user_id = ?
	`, userID)
	return err
}

// RecordTaskStart counts the task against the hour and reserves its estimate
func (s *SQLite) RecordTaskStart(ctx context.Context, userID string, estimatedCost float64, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE user_usage SET
			tasks_this_hour = tasks_this_hour + 1,
			cost_today = cost_today + ?,
			cost_this_month = cost_this_month + ?,
			updated_at = ?
		WHERE user_id = ?
	`, estimatedCost, estimatedCost, ms(now), userID)
	return err
}

// RecordActualCost applies cost corrections, clamping totals at zero
func (s *SQLite) RecordActualCost(ctx context.Context, userID string, dayDelta, monthDelta float64, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE user_usage SET
			cost_today = MAX(cost_today + ?, 0),
			cost_this_month = MAX(cost_this_month + ?, 0),
			updated_at = ?
		WHERE user_id = ?
	`, dayDelta, monthDelta, ms(now), userID)
	return err
}

// StoreBatch saves log chunks. A chunk already stored for the same sequence is kept.
func (s *SQLite) StoreBatch(ctx context.Context, taskID string, chunks []domain.LogChunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO log_chunks (task_id, sequence, content, received_at) VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range chunks {
		received := c.ReceivedAt
		if received.IsZero() {
			received = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, taskID, c.Sequence, c.Content, ms(received)); err != nil {
			return fmt.Errorf("storing chunk %d: %w", c.Sequence, err)
		}
	}
	return tx.Commit()
}

// Chunks returns a task's stored chunks in sequence order
func (s *SQLite) Chunks(ctx context.Context, taskID string) ([]domain.LogChunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, content, received_at FROM log_chunks WHERE task_id = ? ORDER BY sequence
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []domain.LogChunk
	for rows.Next() {
		c := domain.LogChunk{TaskID: taskID}
		var received int64
		if err := rows.Scan(&c.Sequence, &c.Content, &received); err != nil {
			return nil, err
		}
		c.ReceivedAt = fromMS(received)
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// SaveDispatch records a dispatched task
func (s *SQLite) SaveDispatch(ctx context.Context, rec *domain.DispatchRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dispatches (task_id, user_id, worker, estimated_cost, webhook_secret,
		                        day_started_at, month_started_at, dispatched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			user_id = excluded.user_id,
			worker = excluded.worker,
			estimated_cost = excluded.estimated_cost,
			webhook_secret = excluded.webhook_secret,
			day_started_at = excluded.day_started_at,
			month_started_at = excluded.month_started_at,
			dispatched_at = excluded.dispatched_at,
			finalized_at = NULL
	`, rec.TaskID, rec.UserID, rec.Worker, rec.EstimatedCost, rec.WebhookSecret,
		ms(rec.DayStartedAt), ms(rec.MonthStartedAt), ms(rec.DispatchedAt))
	return err
}

// GetDispatch loads a dispatch record, or domain.ErrNotFound
func (s *SQLite) GetDispatch(ctx context.Context, taskID string) (*domain.DispatchRecord, error) {
	var rec domain.DispatchRecord
	var day, month, dispatched int64
	var finalized sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT task_id, user_id, worker, estimated_cost, webhook_secret,
		       day_started_at, month_started_at, dispatched_at, finalized_at
		FROM dispatches WHERE task_id = ?
	`, taskID).Scan(&rec.TaskID, &rec.UserID, &rec.Worker, &rec.EstimatedCost, &rec.WebhookSecret,
		&day, &month, &dispatched, &finalized)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.DayStartedAt = fromMS(day)
	rec.MonthStartedAt = fromMS(month)
	rec.DispatchedAt = fromMS(dispatched)
	if finalized.Valid {
		t := fromMS(finalized.Int64)
		rec.FinalizedAt = &t
	}
	return &rec, nil
}

// MarkFinalized sets finalized_at once. It reports true only for the call
// that actually finalized the record.
func (s *SQLite) MarkFinalized(ctx context.Context, taskID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dispatches SET finalized_at = ? WHERE task_id = ? AND finalized_at IS NULL
	`, ms(at), taskID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
