// Package ledger persists every transition attempt as an immutable
// append-only record. Rows are created at evaluation time and never updated.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"mortgageflow/lifecycle"
)

var ErrTransitionNotFound = errors.New("ledger: transition not found")

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// RecordParams is one transition row to append.
type RecordParams struct {
	AgreementID  string
	FromState    lifecycle.State
	ToState      lifecycle.State
	Event        lifecycle.Event
	TriggeredBy  lifecycle.Actor
	Success      bool
	ErrorDetail  string
	GuardResults []lifecycle.GuardResult
	StartedAt    time.Time
}

// Record appends the transition row inside the caller's transaction. The
// caller updates the agreement's cached state in the same transaction, so a
// ledger-write failure rolls back the whole operation.
func (r *Repository) Record(ctx context.Context, tx pgx.Tx, p RecordParams) (Transition, error) {
	if p.AgreementID == "" {
		return Transition{}, fmt.Errorf("ledger: missing agreement id")
	}

	guards, err := json.Marshal(p.GuardResults)
	if err != nil {
		return Transition{}, fmt.Errorf("ledger: marshal guard results: %w", err)
	}

	var errDetail any
	if p.ErrorDetail != "" {
		errDetail = p.ErrorDetail
	}

	completed := time.Now().UTC()
	duration := completed.Sub(p.StartedAt)
	if duration < 0 {
		duration = 0
	}

	const insertSQL = `
INSERT INTO transitions
    (agreement_id, from_state, to_state, event, actor_id, actor_kind,
     success, error_detail, guard_results, duration_ms, created_at, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10, $11, $12)
RETURNING id, created_at
`
	t := Transition{
		AgreementID:  p.AgreementID,
		FromState:    p.FromState,
		ToState:      p.ToState,
		Event:        p.Event,
		TriggeredBy:  p.TriggeredBy,
		Success:      p.Success,
		GuardResults: p.GuardResults,
		Duration:     duration,
		CompletedAt:  &completed,
	}
	if p.ErrorDetail != "" {
		t.ErrorDetail = &p.ErrorDetail
	}
	if err := tx.QueryRow(ctx, insertSQL,
		p.AgreementID,
		p.FromState,
		p.ToState,
		p.Event,
		p.TriggeredBy.ID,
		p.TriggeredBy.Kind,
		p.Success,
		errDetail,
		guards,
		duration.Milliseconds(),
		p.StartedAt.UTC(),
		completed,
	).Scan(&t.ID, &t.CreatedAt); err != nil {
		return Transition{}, fmt.Errorf("ledger: insert transition: %w", err)
	}

	return t, nil
}

// LatestSuccessful returns the most recent successful transition for the
// agreement, the row the cached state field must agree with.
func (r *Repository) LatestSuccessful(ctx context.Context, q querier, agreementID string) (Transition, error) {
	const sql = `
SELECT id, agreement_id, from_state, to_state, event, actor_id, actor_kind,
       success, error_detail, guard_results, duration_ms, created_at, completed_at
FROM transitions
WHERE agreement_id = $1 AND success
ORDER BY created_at DESC, id DESC
LIMIT 1
`
	t, err := scanTransition(q.QueryRow(ctx, sql, agreementID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transition{}, ErrTransitionNotFound
		}
		return Transition{}, fmt.Errorf("ledger: latest successful: %w", err)
	}
	return t, nil
}

// ListByAgreement returns the agreement's full audit trail in creation order.
func (r *Repository) ListByAgreement(ctx context.Context, q querier, agreementID string) ([]Transition, error) {
	const sql = `
SELECT id, agreement_id, from_state, to_state, event, actor_id, actor_kind,
       success, error_detail, guard_results, duration_ms, created_at, completed_at
FROM transitions
WHERE agreement_id = $1
ORDER BY created_at, id
`
	rows, err := q.Query(ctx, sql, agreementID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list by agreement: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		t, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// querier is the read surface shared by pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func scanTransition(row pgx.Row) (Transition, error) {
	var (
		t          Transition
		guards     []byte
		durationMs int64
	)
	err := row.Scan(
		&t.ID,
		&t.AgreementID,
		&t.FromState,
		&t.ToState,
		&t.Event,
		&t.TriggeredBy.ID,
		&t.TriggeredBy.Kind,
		&t.Success,
		&t.ErrorDetail,
		&guards,
		&durationMs,
		&t.CreatedAt,
		&t.CompletedAt,
	)
	if err != nil {
		return Transition{}, err
	}
	t.Duration = time.Duration(durationMs) * time.Millisecond
	if len(guards) > 0 {
		if err := json.Unmarshal(guards, &t.GuardResults); err != nil {
			return Transition{}, fmt.Errorf("ledger: decode guard results: %w", err)
		}
	}
	return t, nil
}
