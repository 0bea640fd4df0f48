package agreement

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"mortgageflow/lifecycle"
)

var (
	// ErrAgreementNotFound is returned when no agreement row exists for the
	// provided identifier.
	ErrAgreementNotFound = errors.New("agreement: not found")
	// ErrStaleAgreement signals the optimistic version check failed; another
	// transition committed between read and write.
	ErrStaleAgreement = errors.New("agreement: stale version")
	// ErrScheduleExists signals the agreement already carries a schedule
	// reference; only one live schedule is ever allowed.
	ErrScheduleExists = errors.New("agreement: schedule already generated")
)

// Repository provides the transaction-scoped data access the engine needs.
// All methods operate on the caller's pgx.Tx so the ledger row, the state
// update, the side-effect rows, and the outbox enqueue share one transaction.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// GetForUpdate loads the agreement and takes a row lock, serializing
// transitions for the same agreement.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Agreement, error) {
	const q = `
SELECT id, customer_id, state, principal, annual_rate_bps, term_months, frequency,
       schedule_ref, outstanding_balance, missed_payments, version, created_at, updated_at
FROM agreements
WHERE id = $1
FOR UPDATE
`
	ag, err := scanAgreement(tx.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, ErrAgreementNotFound
		}
		return Agreement{}, fmt.Errorf("agreement: get for update: %w", err)
	}
	return ag, nil
}

// UpdateState advances the cached state field. The version predicate is a
// second line of defense behind the row lock; zero rows means the caller read
// a stale fromState.
func (r *Repository) UpdateState(ctx context.Context, tx pgx.Tx, id string, to lifecycle.State, version int) error {
	const q = `
UPDATE agreements
SET state = $1, version = version + 1, updated_at = now()
WHERE id = $2 AND version = $3
`
	tag, err := tx.Exec(ctx, q, to, id, version)
	if err != nil {
		return fmt.Errorf("agreement: update state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleAgreement
	}
	return nil
}

// SetScheduleRef records the generated schedule reference on the agreement.
// The NULL predicate keeps a concurrent duplicate run from overwriting the
// winner's reference; the loser gets ErrScheduleExists.
func (r *Repository) SetScheduleRef(ctx context.Context, tx pgx.Tx, id, scheduleRef string) error {
	const q = `
UPDATE agreements
SET schedule_ref = $1, updated_at = now()
WHERE id = $2 AND schedule_ref IS NULL
`
	tag, err := tx.Exec(ctx, q, scheduleRef, id)
	if err != nil {
		return fmt.Errorf("agreement: set schedule ref: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrScheduleExists
	}
	return nil
}

// CountPendingPriorPhases counts phases before seq that have not completed.
// It feeds the previous_phases_completed guard's snapshot.
func (r *Repository) CountPendingPriorPhases(ctx context.Context, tx pgx.Tx, agreementID string, seq int) (int, error) {
	const q = `
SELECT COUNT(*)
FROM agreement_phases
WHERE agreement_id = $1 AND seq < $2 AND status <> 'completed'
`
	var n int
	if err := tx.QueryRow(ctx, q, agreementID, seq).Scan(&n); err != nil {
		return 0, fmt.Errorf("agreement: count pending prior phases: %w", err)
	}
	return n, nil
}

// ActivatePhase marks the phase active.
func (r *Repository) ActivatePhase(ctx context.Context, tx pgx.Tx, agreementID string, seq int) error {
	const q = `
UPDATE agreement_phases
SET status = 'active', activated_at = now()
WHERE agreement_id = $1 AND seq = $2 AND status = 'pending'
`
	if _, err := tx.Exec(ctx, q, agreementID, seq); err != nil {
		return fmt.Errorf("agreement: activate phase: %w", err)
	}
	return nil
}

// CompletePhase marks the phase completed.
func (r *Repository) CompletePhase(ctx context.Context, tx pgx.Tx, agreementID string, seq int) error {
	const q = `
UPDATE agreement_phases
SET status = 'completed', completed_at = now()
WHERE agreement_id = $1 AND seq = $2
`
	if _, err := tx.Exec(ctx, q, agreementID, seq); err != nil {
		return fmt.Errorf("agreement: complete phase: %w", err)
	}
	return nil
}

// PhaseSeqByKind returns the seq of the agreement's phase of the given kind.
// The second return is false when the agreement has no such phase.
func (r *Repository) PhaseSeqByKind(ctx context.Context, tx pgx.Tx, agreementID string, kind PhaseKind) (int, bool, error) {
	const q = `SELECT seq FROM agreement_phases WHERE agreement_id = $1 AND kind = $2`
	var seq int
	if err := tx.QueryRow(ctx, q, agreementID, kind).Scan(&seq); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("agreement: phase seq by kind: %w", err)
	}
	return seq, true, nil
}

// HasPhase reports whether the agreement defines a phase at seq.
func (r *Repository) HasPhase(ctx context.Context, tx pgx.Tx, agreementID string, seq int) (bool, error) {
	var exists bool
	const q = `SELECT EXISTS (SELECT 1 FROM agreement_phases WHERE agreement_id = $1 AND seq = $2)`
	if err := tx.QueryRow(ctx, q, agreementID, seq).Scan(&exists); err != nil {
		return false, fmt.Errorf("agreement: has phase: %w", err)
	}
	return exists, nil
}

func scanAgreement(row pgx.Row) (Agreement, error) {
	var ag Agreement
	err := row.Scan(
		&ag.ID,
		&ag.CustomerID,
		&ag.State,
		&ag.Principal,
		&ag.AnnualRateBps,
		&ag.TermMonths,
		&ag.Frequency,
		&ag.ScheduleRef,
		&ag.OutstandingBalance,
		&ag.MissedPayments,
		&ag.Version,
		&ag.CreatedAt,
		&ag.UpdatedAt,
	)
	if err != nil {
		return Agreement{}, err
	}
	return ag, nil
}
