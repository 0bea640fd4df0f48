// Package oracles holds the SQL invariants the stress harness checks while
// the actors run. An oracle returning any row is a correctness failure.
package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			// The cached state field must equal the toState of the latest
			// successful ledger entry. Cache and ledger commit atomically, so
			// any divergence is a bug, not a transient.
			Name: "O1_cache_matches_ledger",
			SQL: `SELECT a.id, a.state, l.to_state
                  FROM agreements a
                  JOIN (
                      SELECT DISTINCT ON (agreement_id) agreement_id, to_state
                      FROM transitions
                      WHERE success
                      ORDER BY agreement_id, created_at DESC, id DESC
                  ) l ON l.agreement_id = a.id
                  WHERE a.state <> l.to_state`,
		},
		{
			// Successful transitions chain: each one's fromState is the
			// previous successful one's toState.
			Name: "O2_ledger_chain_continuity",
			SQL: `WITH chain AS (
                      SELECT agreement_id, from_state, to_state,
                             LAG(to_state) OVER (PARTITION BY agreement_id ORDER BY created_at, id) AS prev_to
                      FROM transitions
                      WHERE success)
                  SELECT * FROM chain WHERE prev_to IS NOT NULL AND from_state <> prev_to`,
		},
		{
			// A rejected transition must carry the guard audit that blocked it.
			Name: "O3_rejections_carry_guard_results",
			SQL: `SELECT id, agreement_id, event FROM transitions
                  WHERE NOT success AND guard_results = '[]'::jsonb`,
		},
		{
			// A completed effect requires every earlier tier of the same
			// transition to be completed.
			Name: "O4_effect_order",
			SQL: `SELECT later.id, later.transition_id, later.execution_order
                  FROM side_effects later
                  JOIN side_effects earlier
                    ON earlier.transition_id = later.transition_id
                   AND earlier.execution_order < later.execution_order
                  WHERE later.status = 'completed' AND earlier.status <> 'completed'`,
		},
		{
			// One idempotency key per (transition, action); the derived key
			// makes duplicates an authoring bug.
			Name: "O5_effect_idempotency",
			SQL: `SELECT transition_id, action, COUNT(*) FROM side_effects
                  GROUP BY transition_id, action HAVING COUNT(*) > 1`,
		},
		{
			// Effects only attach to successful transitions.
			Name: "O6_effects_on_success_only",
			SQL: `SELECT e.id, e.transition_id FROM side_effects e
                  JOIN transitions t ON t.id = e.transition_id
                  WHERE NOT t.success`,
		},
		{
			// Outbox events must not rot: with the redriver running, nothing
			// stays undelivered for minutes.
			Name: "O7_outbox_staleness",
			SQL: `SELECT id, topic, status FROM outbox_events
                  WHERE status <> 'SENT' AND now() - occurred_at > interval '2 minutes'`,
		},
		{
			// At most one live schedule per agreement.
			Name: "O8_single_schedule",
			SQL: `SELECT agreement_id FROM installments
                  WHERE status = 'scheduled'
                  GROUP BY agreement_id HAVING COUNT(DISTINCT schedule_ref) > 1`,
		},
		{
			// Retry budget is a hard cap.
			Name: "O9_retry_budget",
			SQL:  `SELECT id, action, retry_count, max_retries FROM side_effects WHERE retry_count > max_retries`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
