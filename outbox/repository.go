package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mortgageflow/lifecycle"
)

var ErrEventNotFound = errors.New("outbox: event not found")

// Repository is the PostgreSQL store for outbox_events. Enqueue runs inside
// the domain transaction; everything else runs post-commit via the pool.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// EnqueueParams describes the event row to create.
type EnqueueParams struct {
	EventType     string
	AggregateType string
	AggregateID   string
	Topic         string
	Payload       []byte
	Actor         lifecycle.Actor
}

// Enqueue writes the event row inside the caller's transaction and returns
// its id. This is the correctness-critical half of the outbox pattern.
func (r *Repository) Enqueue(ctx context.Context, tx pgx.Tx, p EnqueueParams) (string, error) {
	const q = `
INSERT INTO outbox_events
    (event_type, aggregate_type, aggregate_id, topic, payload, actor_id, actor_kind, status, occurred_at)
VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, 'PENDING', now())
RETURNING id
`
	var id string
	if err := tx.QueryRow(ctx, q,
		p.EventType, p.AggregateType, p.AggregateID, p.Topic, p.Payload, p.Actor.ID, p.Actor.Kind,
	).Scan(&id); err != nil {
		return "", fmt.Errorf("outbox: enqueue: %w", err)
	}
	return id, nil
}

const selectColumns = `
id, event_type, aggregate_type, aggregate_id, topic, payload, actor_id, actor_kind,
status, failure_count, last_error, occurred_at, sent_at, message_id`

// Get loads one event row.
func (r *Repository) Get(ctx context.Context, id string) (Event, error) {
	q := `SELECT` + selectColumns + ` FROM outbox_events WHERE id = $1`
	ev, err := scanEvent(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Event{}, ErrEventNotFound
		}
		return Event{}, fmt.Errorf("outbox: get: %w", err)
	}
	return ev, nil
}

// MarkSent records a successful delivery with the bus message id.
func (r *Repository) MarkSent(ctx context.Context, id, messageID string, sentAt time.Time) error {
	const q = `
UPDATE outbox_events
SET status = 'SENT', message_id = $2, sent_at = $3, last_error = NULL
WHERE id = $1
`
	if _, err := r.pool.Exec(ctx, q, id, messageID, sentAt); err != nil {
		return fmt.Errorf("outbox: mark sent: %w", err)
	}
	return nil
}

// MarkFailed records a delivery failure for later redrive.
func (r *Repository) MarkFailed(ctx context.Context, id, lastErr string) error {
	const q = `
UPDATE outbox_events
SET status = 'FAILED', failure_count = failure_count + 1, last_error = $2
WHERE id = $1
`
	if _, err := r.pool.Exec(ctx, q, id, lastErr); err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	return nil
}

// Eligible lists events the redrive scheduler should re-publish: FAILED rows
// and PENDING rows whose immediate delivery never happened.
func (r *Repository) Eligible(ctx context.Context, olderThan time.Time, limit int) ([]string, error) {
	const q = `
SELECT id
FROM outbox_events
WHERE status = 'FAILED'
   OR (status = 'PENDING' AND occurred_at <= $1)
ORDER BY occurred_at
LIMIT $2
`
	rows, err := r.pool.Query(ctx, q, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: eligible: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanEvent(row pgx.Row) (Event, error) {
	var ev Event
	err := row.Scan(
		&ev.ID,
		&ev.EventType,
		&ev.AggregateType,
		&ev.AggregateID,
		&ev.Topic,
		&ev.Payload,
		&ev.Actor.ID,
		&ev.Actor.Kind,
		&ev.Status,
		&ev.FailureCount,
		&ev.LastError,
		&ev.OccurredAt,
		&ev.SentAt,
		&ev.MessageID,
	)
	if err != nil {
		return Event{}, err
	}
	return ev, nil
}
