package agreement

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"mortgageflow/lifecycle"
)

// CRUDService covers the plumbing around the engine: drafting agreements and
// reading them back. State changes go through the engine, never through here.
type CRUDService struct {
	pool *pgxpool.Pool
}

func NewCRUDService(pool *pgxpool.Pool) *CRUDService {
	return &CRUDService{pool: pool}
}

func (s *CRUDService) Create(ctx context.Context, params CreateParams) (Agreement, error) {
	if params.CustomerID == "" {
		return Agreement{}, fmt.Errorf("agreement: customer id required")
	}
	if params.Principal <= 0 {
		return Agreement{}, fmt.Errorf("agreement: principal must be positive")
	}
	if params.TermMonths <= 0 {
		return Agreement{}, fmt.Errorf("agreement: term must be positive")
	}
	if params.AnnualRateBps < 0 {
		return Agreement{}, fmt.Errorf("agreement: rate must not be negative")
	}
	if params.Frequency.PeriodsPerYear() == 0 {
		return Agreement{}, fmt.Errorf("agreement: unknown frequency %q", params.Frequency)
	}
	if len(params.Phases) == 0 {
		params.Phases = []PhaseKind{PhaseDocumentation, PhaseDownpayment, PhaseMortgage}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertSQL = `
        INSERT INTO agreements (customer_id, state, principal, annual_rate_bps, term_months, frequency, outstanding_balance)
        VALUES ($1, $2, $3, $4, $5, $6, $3)
        RETURNING id, customer_id, state, principal, annual_rate_bps, term_months, frequency,
                  schedule_ref, outstanding_balance, missed_payments, version, created_at, updated_at
    `
	ag, err := scanAgreement(tx.QueryRow(ctx, insertSQL,
		params.CustomerID,
		lifecycle.StateDraft,
		params.Principal,
		params.AnnualRateBps,
		params.TermMonths,
		params.Frequency,
	))
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: insert: %w", err)
	}

	for i, kind := range params.Phases {
		if _, err := tx.Exec(ctx, `
            INSERT INTO agreement_phases (agreement_id, seq, kind, status)
            VALUES ($1, $2, $3, 'pending')
        `, ag.ID, i+1, kind); err != nil {
			return Agreement{}, fmt.Errorf("agreement: insert phase %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("agreement: commit: %w", err)
	}

	return ag, nil
}

func (s *CRUDService) Get(ctx context.Context, id string) (Agreement, error) {
	const q = `
        SELECT id, customer_id, state, principal, annual_rate_bps, term_months, frequency,
               schedule_ref, outstanding_balance, missed_payments, version, created_at, updated_at
        FROM agreements
        WHERE id = $1
    `
	ag, err := scanAgreement(s.pool.QueryRow(ctx, q, id))
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: get: %w", err)
	}
	return ag, nil
}

func (s *CRUDService) List(ctx context.Context, filters ListFilters) ([]Agreement, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	const q = `
        SELECT id, customer_id, state, principal, annual_rate_bps, term_months, frequency,
               schedule_ref, outstanding_balance, missed_payments, version, created_at, updated_at
        FROM agreements
        WHERE customer_id = $1
        ORDER BY created_at DESC
        LIMIT $2 OFFSET $3
    `
	rows, err := s.pool.Query(ctx, q, filters.CustomerID, filters.PageSize, (filters.Page-1)*filters.PageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("agreement: list: %w", err)
	}
	defer rows.Close()

	records := []Agreement{}
	for rows.Next() {
		ag, err := scanAgreement(rows)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, ag)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("agreement: list: %w", err)
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM agreements WHERE customer_id = $1`, filters.CustomerID).Scan(&total); err != nil {
		return nil, 0, err
	}

	return records, total, nil
}

// Phases returns the ordered phase plan of an agreement.
func (s *CRUDService) Phases(ctx context.Context, agreementID string) ([]Phase, error) {
	const q = `
        SELECT id, agreement_id, seq, kind, status, activated_at, completed_at
        FROM agreement_phases
        WHERE agreement_id = $1
        ORDER BY seq
    `
	rows, err := s.pool.Query(ctx, q, agreementID)
	if err != nil {
		return nil, fmt.Errorf("agreement: phases: %w", err)
	}
	defer rows.Close()

	phases := []Phase{}
	for rows.Next() {
		var p Phase
		if err := rows.Scan(&p.ID, &p.AgreementID, &p.Seq, &p.Kind, &p.Status, &p.ActivatedAt, &p.CompletedAt); err != nil {
			return nil, err
		}
		phases = append(phases, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agreement: phases: %w", err)
	}
	return phases, nil
}
