package agreement

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Reconciler repairs agreements whose cached state field diverged from the
// transition ledger. The ledger is canonical: the cache is rewritten to the
// toState of the latest successful transition per agreement.
type Reconciler struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

func NewReconciler(pool *pgxpool.Pool, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{pool: pool, log: log}
}

// Divergence is one agreement whose cache disagreed with the ledger.
type Divergence struct {
	AgreementID string
	Cached      string
	Ledger      string
}

const latestSuccessfulSQL = `
SELECT DISTINCT ON (agreement_id) agreement_id, to_state
FROM transitions
WHERE success
ORDER BY agreement_id, created_at DESC, id DESC
`

// Check reports divergences without repairing them.
func (r *Reconciler) Check(ctx context.Context) ([]Divergence, error) {
	const q = `
SELECT a.id, a.state, l.to_state
FROM agreements a
JOIN (` + latestSuccessfulSQL + `) l ON l.agreement_id = a.id
WHERE a.state <> l.to_state
`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("agreement: check divergence: %w", err)
	}
	defer rows.Close()

	var out []Divergence
	for rows.Next() {
		var d Divergence
		if err := rows.Scan(&d.AgreementID, &d.Cached, &d.Ledger); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Repair rewrites every diverged cache field from the ledger and returns the
// repaired rows.
func (r *Reconciler) Repair(ctx context.Context) ([]Divergence, error) {
	diverged, err := r.Check(ctx)
	if err != nil {
		return nil, err
	}

	for _, d := range diverged {
		const q = `
UPDATE agreements
SET state = $1, version = version + 1, updated_at = now()
WHERE id = $2 AND state = $3
`
		tag, err := r.pool.Exec(ctx, q, d.Ledger, d.AgreementID, d.Cached)
		if err != nil {
			return nil, fmt.Errorf("agreement: repair %s: %w", d.AgreementID, err)
		}
		if tag.RowsAffected() == 0 {
			// A concurrent transition already moved the row; the ledger and
			// cache converged on their own.
			continue
		}
		r.log.Warn("repaired diverged agreement state",
			"agreement_id", d.AgreementID,
			"cached", d.Cached,
			"ledger", d.Ledger)
	}
	return diverged, nil
}
