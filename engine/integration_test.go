package engine_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mortgageflow/agreement"
	"mortgageflow/bus"
	"mortgageflow/effect"
	"mortgageflow/engine"
	"mortgageflow/handlers"
	"mortgageflow/ledger"
	"mortgageflow/lifecycle"
	"mortgageflow/outbox"
	"mortgageflow/schedule"
)

type integrationEnv struct {
	pool      *pgxpool.Pool
	crud      *agreement.CRUDService
	svc       *engine.Service
	sink      *bus.LocalSink
	ledger    *ledger.Repository
	outbox    *outbox.Repository
	agreement agreement.Agreement
}

func setupIntegration(t *testing.T) *integrationEnv {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	for _, tbl := range []string{"agreements", "agreement_phases", "transitions", "side_effects", "outbox_events", "installments"} {
		if !tableExists(ctx, t, pool, tbl) {
			t.Skipf("table %s does not exist; ensure migrations are applied", tbl)
		}
	}

	log := slog.New(slog.DiscardHandler)
	registry := effect.NewRegistry()
	require.NoError(t, handlers.NewSet(pool, log).Register(registry))

	effectRepo := effect.NewRepository(pool)
	outboxRepo := outbox.NewRepository(pool)
	sink := bus.NewLocalSink()

	env := &integrationEnv{
		pool:   pool,
		crud:   agreement.NewCRUDService(pool),
		sink:   sink,
		ledger: ledger.NewRepository(),
		outbox: outboxRepo,
	}
	env.svc = engine.NewService(engine.Deps{
		Pool:        pool,
		Agreements:  agreement.NewRepository(),
		Transitions: ledger.NewRepository(),
		Effects:     effectRepo,
		Outbox:      outboxRepo,
		Registry:    registry,
		Dispatcher:  effect.NewDispatcher(effectRepo, registry, log),
		Publisher:   outbox.NewPublisher(outboxRepo, sink, log),
		Log:         log,
	})

	ag, err := env.crud.Create(ctx, agreement.CreateParams{
		CustomerID:    "cust-integration",
		Principal:     1_200_000,
		AnnualRateBps: 1200,
		TermMonths:    12,
		Frequency:     schedule.FrequencyMonthly,
	})
	require.NoError(t, err)
	env.agreement = ag

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM outbox_events WHERE aggregate_id = $1`, ag.ID)
		pool.Exec(ctx2, `DELETE FROM notifications WHERE agreement_id = $1`, ag.ID)
		pool.Exec(ctx2, `DELETE FROM document_requests WHERE agreement_id = $1`, ag.ID)
		pool.Exec(ctx2, `DELETE FROM agreements WHERE id = $1`, ag.ID)
	})

	return env
}

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var exists bool
	err := pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`, name,
	).Scan(&exists)
	return err == nil && exists
}

func trigger(t *testing.T, env *integrationEnv, ev lifecycle.Event, payload map[string]any) engine.TriggerResult {
	t.Helper()
	res, err := env.svc.Trigger(context.Background(), engine.TriggerParams{
		AgreementID: env.agreement.ID,
		Event:       ev,
		Actor:       lifecycle.Actor{ID: "officer-integration", Kind: lifecycle.ActorUser},
		Payload:     payload,
	})
	require.NoError(t, err, "trigger %s", ev)
	return res
}

func TestEngine_FullLifecycle(t *testing.T) {
	env := setupIntegration(t)
	ctx := context.Background()

	trigger(t, env, lifecycle.EventSubmitForApproval, nil)
	trigger(t, env, lifecycle.EventApprove, nil)

	// Work off the documentation and downpayment phases; each completion
	// auto-advances into the next activation.
	trigger(t, env, lifecycle.EventActivatePhase, map[string]any{"phase_seq": 1})
	trigger(t, env, lifecycle.EventCompletePhase, map[string]any{"phase_seq": 1})
	trigger(t, env, lifecycle.EventCompletePhase, map[string]any{"phase_seq": 2})

	// With the prior phases done the payment phase can start; this edge
	// generates the installment schedule and moves the agreement to active.
	res := trigger(t, env, lifecycle.EventActivatePaymentPhase, nil)
	require.Len(t, res.Transitions, 1)
	for _, o := range res.Effects {
		assert.Equal(t, effect.StatusCompleted, o.Status, "effect %s", o.Action)
	}

	var state string
	require.NoError(t, env.pool.QueryRow(ctx, `SELECT state FROM agreements WHERE id = $1`, env.agreement.ID).Scan(&state))
	assert.Equal(t, string(lifecycle.StateActive), state)

	// Installments exist and the schedule reference points at them.
	var scheduleRef *string
	require.NoError(t, env.pool.QueryRow(ctx, `SELECT schedule_ref FROM agreements WHERE id = $1`, env.agreement.ID).Scan(&scheduleRef))
	require.NotNil(t, scheduleRef)

	var installments int
	require.NoError(t, env.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM installments WHERE agreement_id = $1 AND schedule_ref = $2`,
		env.agreement.ID, *scheduleRef).Scan(&installments))
	assert.Equal(t, 12, installments)

	// First installment matches the annuity formula for 1% per month.
	var amount, interest float64
	require.NoError(t, env.pool.QueryRow(ctx,
		`SELECT amount, interest FROM installments WHERE agreement_id = $1 AND number = 1`,
		env.agreement.ID).Scan(&amount, &interest))
	assert.InDelta(t, 106618.55, amount, 0.01)
	assert.InDelta(t, 12000.00, interest, 0.01)

	// The payment activation event was delivered to the bus and marked SENT.
	var sentCount int
	require.NoError(t, env.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM outbox_events WHERE aggregate_id = $1 AND event_type = 'phase.payment_activated' AND status = 'SENT'`,
		env.agreement.ID).Scan(&sentCount))
	assert.Equal(t, 1, sentCount)
	assert.NotEmpty(t, env.sink.Messages())

	// Every completed notify effect produced its own notification row, even
	// when two transitions shared a template.
	var notifyEffects, notifications int
	require.NoError(t, env.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM side_effects e
		JOIN transitions t ON t.id = e.transition_id
		WHERE t.agreement_id = $1 AND e.action = 'notify_party' AND e.status = 'completed'`,
		env.agreement.ID).Scan(&notifyEffects))
	require.NoError(t, env.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM notifications WHERE agreement_id = $1`,
		env.agreement.ID).Scan(&notifications))
	assert.Greater(t, notifyEffects, 1)
	assert.Equal(t, notifyEffects, notifications)

	// A duplicate schedule write is refused once the reference is set.
	tx, err := env.pool.Begin(ctx)
	require.NoError(t, err)
	err = agreement.NewRepository().SetScheduleRef(ctx, tx, env.agreement.ID, "sched-duplicate")
	assert.ErrorIs(t, err, agreement.ErrScheduleExists)
	require.NoError(t, tx.Rollback(ctx))

	// The ledger carries the whole story in order, every row successful.
	transitions, err := env.ledger.ListByAgreement(ctx, env.pool, env.agreement.ID)
	require.NoError(t, err)
	require.NotEmpty(t, transitions)
	for _, tr := range transitions {
		assert.True(t, tr.Success, "transition %s %s", tr.ID, tr.Event)
	}
	assert.Equal(t, lifecycle.EventSubmitForApproval, transitions[0].Event)
}

func TestEngine_GuardRejectionIsAudited(t *testing.T) {
	env := setupIntegration(t)
	ctx := context.Background()

	trigger(t, env, lifecycle.EventSubmitForApproval, nil)
	trigger(t, env, lifecycle.EventApprove, nil)

	// Payment phase activation with the documentation phase still pending.
	_, err := env.svc.Trigger(ctx, engine.TriggerParams{
		AgreementID: env.agreement.ID,
		Event:       lifecycle.EventActivatePaymentPhase,
		Actor:       lifecycle.Actor{ID: "officer-integration", Kind: lifecycle.ActorUser},
	})
	var rejected *engine.GuardRejectionError
	require.ErrorAs(t, err, &rejected)

	// The rejection is committed to the ledger with its guard audit, and the
	// cached state did not move.
	var success bool
	var guardCount int
	require.NoError(t, env.pool.QueryRow(ctx, `
		SELECT success, jsonb_array_length(guard_results)
		FROM transitions
		WHERE agreement_id = $1 AND event = $2
		ORDER BY created_at DESC LIMIT 1`,
		env.agreement.ID, lifecycle.EventActivatePaymentPhase).Scan(&success, &guardCount))
	assert.False(t, success)
	assert.Greater(t, guardCount, 0)

	var state string
	require.NoError(t, env.pool.QueryRow(ctx, `SELECT state FROM agreements WHERE id = $1`, env.agreement.ID).Scan(&state))
	assert.Equal(t, string(lifecycle.StateApproved), state)

	// No side effects and no outbox event were created for the rejection.
	var effects int
	require.NoError(t, env.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM side_effects e
		JOIN transitions t ON t.id = e.transition_id
		WHERE t.agreement_id = $1 AND NOT t.success`, env.agreement.ID).Scan(&effects))
	assert.Zero(t, effects)
}

func TestEngine_RepairRestoresCachedState(t *testing.T) {
	env := setupIntegration(t)
	ctx := context.Background()

	trigger(t, env, lifecycle.EventSubmitForApproval, nil)
	trigger(t, env, lifecycle.EventApprove, nil)

	// Corrupt the cache behind the engine's back.
	_, err := env.pool.Exec(ctx, `UPDATE agreements SET state = 'draft' WHERE id = $1`, env.agreement.ID)
	require.NoError(t, err)

	rec := agreement.NewReconciler(env.pool, slog.New(slog.DiscardHandler))
	diverged, err := rec.Repair(ctx)
	require.NoError(t, err)

	found := false
	for _, d := range diverged {
		if d.AgreementID == env.agreement.ID {
			found = true
			assert.Equal(t, "draft", d.Cached)
			assert.Equal(t, string(lifecycle.StateApproved), d.Ledger)
		}
	}
	assert.True(t, found, "expected the corrupted agreement in the repair report")

	var state string
	require.NoError(t, env.pool.QueryRow(ctx, `SELECT state FROM agreements WHERE id = $1`, env.agreement.ID).Scan(&state))
	assert.Equal(t, string(lifecycle.StateApproved), state)
}

func TestEngine_StaleVersionRejected(t *testing.T) {
	env := setupIntegration(t)
	ctx := context.Background()

	tx, err := env.pool.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	repo := agreement.NewRepository()
	ag, err := repo.GetForUpdate(ctx, tx, env.agreement.ID)
	require.NoError(t, err)

	err = repo.UpdateState(ctx, tx, ag.ID, lifecycle.StatePendingApproval, ag.Version+1)
	assert.ErrorIs(t, err, agreement.ErrStaleAgreement)
}

func TestEngine_OutboxEnqueueRollsBackWithTransaction(t *testing.T) {
	env := setupIntegration(t)
	ctx := context.Background()

	tx, err := env.pool.Begin(ctx)
	require.NoError(t, err)

	eventID, err := env.outbox.Enqueue(ctx, tx, outbox.EnqueueParams{
		EventType:     "agreement.submitted",
		AggregateType: "agreement",
		AggregateID:   env.agreement.ID,
		Topic:         engine.TopicAgreements,
		Payload:       []byte(`{"agreement_id":"` + env.agreement.ID + `"}`),
		Actor:         lifecycle.Actor{ID: "officer-integration", Kind: lifecycle.ActorUser},
	})
	require.NoError(t, err)
	require.NotEmpty(t, eventID)

	// The enqueue lives and dies with the domain transaction.
	require.NoError(t, tx.Rollback(ctx))

	var count int
	require.NoError(t, env.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM outbox_events WHERE id = $1`, eventID).Scan(&count))
	assert.Zero(t, count)
}
