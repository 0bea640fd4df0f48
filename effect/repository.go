package effect

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mortgageflow/lifecycle"
)

// Repository is the PostgreSQL store for side_effects rows. Creation happens
// inside the transition's transaction; status updates happen post-commit via
// the pool.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateParams is one effect row to create for an accepted transition.
type CreateParams struct {
	TransitionID   string
	Action         lifecycle.ActionKind
	ExecutionOrder int
	Payload        []byte
	MaxRetries     int
}

// Create inserts a pending effect row inside the caller's transaction. The
// idempotency key is derived, not supplied, so duplicates are impossible to
// author.
func (r *Repository) Create(ctx context.Context, tx pgx.Tx, p CreateParams) (SideEffect, error) {
	const q = `
INSERT INTO side_effects
    (transition_id, action, execution_order, status, idempotency_key, payload, max_retries)
VALUES ($1, $2, $3, 'pending', $4, $5::jsonb, $6)
RETURNING id, created_at, updated_at
`
	e := SideEffect{
		TransitionID:   p.TransitionID,
		Action:         p.Action,
		ExecutionOrder: p.ExecutionOrder,
		Status:         StatusPending,
		IdempotencyKey: IdempotencyKey(p.TransitionID, p.Action),
		Payload:        p.Payload,
		MaxRetries:     p.MaxRetries,
	}
	if err := tx.QueryRow(ctx, q,
		p.TransitionID, p.Action, p.ExecutionOrder, e.IdempotencyKey, p.Payload, p.MaxRetries,
	).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return SideEffect{}, fmt.Errorf("effect: insert side effect: %w", err)
	}
	return e, nil
}

const selectColumns = `
id, transition_id, action, execution_order, status, idempotency_key, payload,
result, retry_count, max_retries, next_retry_at, last_error, rollback_error,
created_at, updated_at`

// ListByTransition returns the transition's effects ordered by execution
// order.
func (r *Repository) ListByTransition(ctx context.Context, transitionID string) ([]SideEffect, error) {
	q := `SELECT` + selectColumns + `
FROM side_effects
WHERE transition_id = $1
ORDER BY execution_order`
	rows, err := r.pool.Query(ctx, q, transitionID)
	if err != nil {
		return nil, fmt.Errorf("effect: list by transition: %w", err)
	}
	defer rows.Close()

	var out []SideEffect
	for rows.Next() {
		e, err := scanEffect(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Claim moves a pending effect to executing. The conditional update is the
// defense against concurrent redrive: only one worker wins. An executing row
// untouched since staleBefore belonged to a worker that died mid-run and may
// be reclaimed.
func (r *Repository) Claim(ctx context.Context, id string, staleBefore time.Time) (bool, error) {
	const q = `
UPDATE side_effects
SET status = 'executing', updated_at = now()
WHERE id = $1 AND (status = 'pending' OR (status = 'executing' AND updated_at <= $2))
`
	tag, err := r.pool.Exec(ctx, q, id, staleBefore)
	if err != nil {
		return false, fmt.Errorf("effect: claim: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkCompleted records the handler result.
func (r *Repository) MarkCompleted(ctx context.Context, id string, result []byte) error {
	const q = `
UPDATE side_effects
SET status = 'completed', result = $2::jsonb, next_retry_at = NULL, updated_at = now()
WHERE id = $1
`
	if _, err := r.pool.Exec(ctx, q, id, result); err != nil {
		return fmt.Errorf("effect: mark completed: %w", err)
	}
	return nil
}

// ScheduleRetry returns the effect to pending with an increased retry count
// and the next eligible time for the redrive scheduler.
func (r *Repository) ScheduleRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, lastErr string) error {
	const q = `
UPDATE side_effects
SET status = 'pending', retry_count = $2, next_retry_at = $3, last_error = $4, updated_at = now()
WHERE id = $1
`
	if _, err := r.pool.Exec(ctx, q, id, retryCount, nextRetryAt, lastErr); err != nil {
		return fmt.Errorf("effect: schedule retry: %w", err)
	}
	return nil
}

// MarkFailed records a permanent failure after the retry budget is spent.
func (r *Repository) MarkFailed(ctx context.Context, id string, lastErr string) error {
	const q = `
UPDATE side_effects
SET status = 'failed', last_error = $2, next_retry_at = NULL, updated_at = now()
WHERE id = $1
`
	if _, err := r.pool.Exec(ctx, q, id, lastErr); err != nil {
		return fmt.Errorf("effect: mark failed: %w", err)
	}
	return nil
}

// MarkRolledBack records a compensation run. rollbackErr is empty when the
// compensation succeeded; a non-empty value requires operator intervention.
func (r *Repository) MarkRolledBack(ctx context.Context, id string, rollbackErr string) error {
	var errVal any
	if rollbackErr != "" {
		errVal = rollbackErr
	}
	const q = `
UPDATE side_effects
SET status = 'rolled_back', rollback_error = $2, updated_at = now()
WHERE id = $1
`
	if _, err := r.pool.Exec(ctx, q, id, errVal); err != nil {
		return fmt.Errorf("effect: mark rolled back: %w", err)
	}
	return nil
}

// DueTransitions lists transitions with effects awaiting redrive: pending
// rows whose retry time has arrived, plus executing rows abandoned by a dead
// worker (untouched since staleBefore). The redrive scheduler re-invokes
// Dispatch per transition.
func (r *Repository) DueTransitions(ctx context.Context, now, staleBefore time.Time, limit int) ([]string, error) {
	const q = `
SELECT DISTINCT transition_id
FROM side_effects
WHERE (status = 'pending' AND next_retry_at IS NOT NULL AND next_retry_at <= $1)
   OR (status = 'executing' AND updated_at <= $2)
LIMIT $3
`
	rows, err := r.pool.Query(ctx, q, now, staleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("effect: due transitions: %w", err)
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

func scanEffect(row pgx.Row) (SideEffect, error) {
	var e SideEffect
	err := row.Scan(
		&e.ID,
		&e.TransitionID,
		&e.Action,
		&e.ExecutionOrder,
		&e.Status,
		&e.IdempotencyKey,
		&e.Payload,
		&e.Result,
		&e.RetryCount,
		&e.MaxRetries,
		&e.NextRetryAt,
		&e.LastError,
		&e.RollbackError,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return SideEffect{}, err
	}
	return e, nil
}
