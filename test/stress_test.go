package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"mortgageflow/agreement"
	"mortgageflow/bus"
	"mortgageflow/effect"
	"mortgageflow/engine"
	"mortgageflow/handlers"
	"mortgageflow/ledger"
	"mortgageflow/lifecycle"
	"mortgageflow/outbox"
	"mortgageflow/redrive"
	"mortgageflow/schedule"
	"mortgageflow/test/actors"
	"mortgageflow/test/chaos"
	"mortgageflow/test/infra"
	"mortgageflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func seedRNG(seed int64) { rand.Seed(seed) }

func TestLifecycleConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	// migrations
	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	log := slog.New(slog.DiscardHandler)
	crud := agreement.NewCRUDService(pool)

	registry := effect.NewRegistry()
	if err := handlers.NewSet(pool, log).Register(registry); err != nil {
		t.Fatalf("register handlers: %v", err)
	}
	effectRepo := effect.NewRepository(pool)
	dispatcher := effect.NewDispatcher(effectRepo, registry, log,
		effect.WithRetryBackoff(100*time.Millisecond, time.Second))
	outboxRepo := outbox.NewRepository(pool)
	publisher := outbox.NewPublisher(outboxRepo, bus.NewLocalSink(), log)

	svc := engine.NewService(engine.Deps{
		Pool:        pool,
		Agreements:  agreement.NewRepository(),
		Transitions: ledger.NewRepository(),
		Effects:     effectRepo,
		Outbox:      outboxRepo,
		Registry:    registry,
		Dispatcher:  dispatcher,
		Publisher:   publisher,
		Log:         log,
	})
	worker := redrive.NewWorker(effectRepo, outboxRepo, dispatcher, publisher, log, redrive.Config{
		PendingGrace: 5 * time.Second,
		ClaimLease:   5 * time.Second,
	})

	// seed one shared agreement the lifecycle actors fight over
	sharedID := mustSeed(t, ctx, crud)

	// run actors
	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for i := 0; i < *flConcurrency; i++ {
		actorID := fmt.Sprintf("stress-actor-%d", i)
		g.Go(func() error { return actors.Lifecycle(ctx2, svc, sharedID, actorID, stop) })
	}
	g.Go(func() error { return actors.Creator(ctx2, crud, svc, "stress-customer", stop) })
	g.Go(func() error { return actors.Redriver(ctx2, worker, stop) })
	g.Go(func() error { return actors.Repairer(ctx2, agreement.NewReconciler(pool, log), stop) })
	// chaos: kill random backend
	go chaos.TerminateRandomBackend(ctx2, pool, stop)

	// schedule oracle checks until duration reached
	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

func mustSeed(t *testing.T, ctx context.Context, crud *agreement.CRUDService) string {
	t.Helper()
	ag, err := crud.Create(ctx, agreement.CreateParams{
		CustomerID:    "stress-customer",
		Principal:     1_200_000,
		AnnualRateBps: 1200,
		TermMonths:    12,
		Frequency:     schedule.FrequencyMonthly,
	})
	if err != nil {
		t.Fatalf("seed agreement: %v", err)
	}
	if ag.State != lifecycle.StateDraft {
		t.Fatalf("seed agreement: expected draft, got %s", ag.State)
	}
	return ag.ID
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"transitions", `SELECT id, agreement_id, from_state, to_state, event, success, created_at FROM transitions ORDER BY created_at DESC LIMIT 50`},
		{"side_effects", `SELECT id, transition_id, action, execution_order, status, retry_count FROM side_effects ORDER BY updated_at DESC LIMIT 50`},
		{"outbox_events", `SELECT id, topic, event_type, status, failure_count, occurred_at FROM outbox_events ORDER BY occurred_at DESC LIMIT 50`},
		{"agreements", `SELECT id, state, version, schedule_ref FROM agreements ORDER BY updated_at DESC LIMIT 20`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			// compact print
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
