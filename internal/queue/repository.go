// Package queue is the durable inbound event queue and the dispatcher that
// drains it.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"wuzapi-bitrix-integration/internal/apperr"
	"wuzapi-bitrix-integration/internal/models"
)

// DefaultMaxAttempts is the attempt budget of a new event.
const DefaultMaxAttempts = 3

const maxErrorLen = 2000

// Repository stores queued events. Besides Enqueue every mutation is a
// conditional update guarded by the attempts value the caller observed, and
// reports whether it took effect.
type Repository interface {
	Enqueue(ctx context.Context, eventType string, payload []byte) (int64, error)
	Get(ctx context.Context, id int64) (*models.QueuedEvent, error)
	ListRunnable(ctx context.Context, limit int) ([]models.QueuedEvent, error)
	Claim(ctx context.Context, id int64, observedAttempts int) (bool, error)
	Complete(ctx context.Context, id int64, attempts int) (bool, error)
	Release(ctx context.Context, id int64, attempts int, lastError string) (bool, error)
	Fail(ctx context.Context, id int64, attempts int, lastError string) (bool, error)
	Counts(ctx context.Context) (map[models.EventStatus]int, error)
}

// SQLRepository is the sqlx-backed Repository.
type SQLRepository struct {
	db          *sqlx.DB
	maxAttempts int
	now         func() time.Time
}

func NewSQLRepository(db *sqlx.DB, maxAttempts int) *SQLRepository {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	return &SQLRepository{db: db, maxAttempts: maxAttempts, now: time.Now}
}

const eventColumns = `id, event_type, payload, status, attempts, max_attempts, last_error, created_at, processed_at, updated_at`

// Enqueue appends a pending event. Delivery is at least once: the same
// webhook may be enqueued more than once.
func (r *SQLRepository) Enqueue(ctx context.Context, eventType string, payload []byte) (int64, error) {
	if eventType == "" {
		return 0, apperr.Validation("enqueue", "event type is required")
	}
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	now := r.now().UTC()
	var id int64
	err := r.db.QueryRowxContext(ctx, r.db.Rebind(
		`INSERT INTO queued_events (event_type, payload, status, attempts, max_attempts, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, 0, ?, '', ?, ?) RETURNING id`),
		eventType, string(payload), models.EventStatusPending, r.maxAttempts, now, now).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", eventType, err)
	}
	return id, nil
}

func (r *SQLRepository) Get(ctx context.Context, id int64) (*models.QueuedEvent, error) {
	var ev models.QueuedEvent
	err := r.db.GetContext(ctx, &ev, r.db.Rebind(`SELECT `+eventColumns+` FROM queued_events WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("queued event", "event %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get event %d: %w", id, err)
	}
	return &ev, nil
}

// ListRunnable returns pending and processing events, oldest first.
// Processing rows are included so work left behind by a crashed pass is
// picked up again.
func (r *SQLRepository) ListRunnable(ctx context.Context, limit int) ([]models.QueuedEvent, error) {
	var events []models.QueuedEvent
	err := r.db.SelectContext(ctx, &events, r.db.Rebind(
		`SELECT `+eventColumns+` FROM queued_events
		 WHERE status IN (?, ?)
		 ORDER BY created_at, id
		 LIMIT ?`),
		models.EventStatusPending, models.EventStatusProcessing, limit)
	if err != nil {
		return nil, fmt.Errorf("list runnable events: %w", err)
	}
	return events, nil
}

// Claim moves an event to processing and counts the attempt. It succeeds only
// if no one else claimed the event since observedAttempts was read and the
// attempt budget is not exhausted.
func (r *SQLRepository) Claim(ctx context.Context, id int64, observedAttempts int) (bool, error) {
	return r.exec(ctx, "claim", id,
		`UPDATE queued_events SET status = ?, attempts = attempts + 1, updated_at = ?
		 WHERE id = ? AND attempts = ? AND status IN (?, ?) AND attempts < max_attempts`,
		models.EventStatusProcessing, r.now().UTC(), id, observedAttempts,
		models.EventStatusPending, models.EventStatusProcessing)
}

func (r *SQLRepository) Complete(ctx context.Context, id int64, attempts int) (bool, error) {
	now := r.now().UTC()
	return r.exec(ctx, "complete", id,
		`UPDATE queued_events SET status = ?, processed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND attempts = ?`,
		models.EventStatusDone, now, now, id, models.EventStatusProcessing, attempts)
}

// Release returns a claimed event to pending for the next pass.
func (r *SQLRepository) Release(ctx context.Context, id int64, attempts int, lastError string) (bool, error) {
	return r.exec(ctx, "release", id,
		`UPDATE queued_events SET status = ?, last_error = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND attempts = ?`,
		models.EventStatusPending, truncate(lastError), r.now().UTC(), id, models.EventStatusProcessing, attempts)
}

func (r *SQLRepository) Fail(ctx context.Context, id int64, attempts int, lastError string) (bool, error) {
	now := r.now().UTC()
	return r.exec(ctx, "fail", id,
		`UPDATE queued_events SET status = ?, last_error = ?, processed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND attempts = ?`,
		models.EventStatusFailed, truncate(lastError), now, now, id, models.EventStatusProcessing, attempts)
}

// Counts returns the number of events per status.
func (r *SQLRepository) Counts(ctx context.Context) (map[models.EventStatus]int, error) {
	var rows []struct {
		Status models.EventStatus `db:"status"`
		N      int                `db:"n"`
	}
	if err := r.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM queued_events GROUP BY status`); err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	counts := make(map[models.EventStatus]int, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.N
	}
	return counts, nil
}

func (r *SQLRepository) exec(ctx context.Context, op string, id int64, query string, args ...any) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return false, fmt.Errorf("%s event %d: %w", op, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s event %d: %w", op, id, err)
	}
	return n == 1, nil
}

func truncate(s string) string {
	if len(s) <= maxErrorLen {
		return s
	}
	return s[:maxErrorLen]
}
