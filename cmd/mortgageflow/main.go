// Command mortgageflow runs the agreement lifecycle engine: the long-running
// server (redrive loop plus metrics endpoint), one-shot redrive and repair
// sweeps, and an operator-facing transition trigger.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"mortgageflow/agreement"
	"mortgageflow/auth"
	"mortgageflow/bus"
	"mortgageflow/config"
	"mortgageflow/db"
	"mortgageflow/effect"
	"mortgageflow/engine"
	"mortgageflow/handlers"
	"mortgageflow/ledger"
	"mortgageflow/lifecycle"
	"mortgageflow/outbox"
	"mortgageflow/redrive"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "mortgageflow",
		Short:         "Durable transition engine for mortgage agreements",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newRedriveCmd(), newRepairCmd(), newTriggerCmd())
	return root
}

// app bundles the wired components shared by the subcommands.
type app struct {
	cfg    config.Config
	log    *slog.Logger
	pool   *pgxpool.Pool
	auth   *auth.Service
	engine *engine.Service
	worker *redrive.Worker
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := slog.New(slog.NewTextHandler(os.Stdout, nil))

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("bootstrap database pool: %w", err)
	}

	registry := effect.NewRegistry()
	if err := handlers.NewSet(pool, log).Register(registry); err != nil {
		pool.Close()
		return nil, err
	}

	effectRepo := effect.NewRepository(pool)
	dispatcher := effect.NewDispatcher(effectRepo, registry, log,
		effect.WithHandlerTimeout(cfg.HandlerTimeout))

	sink := bus.NewRedisSink(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
	outboxRepo := outbox.NewRepository(pool)
	publisher := outbox.NewPublisher(outboxRepo, sink, log)

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
		Interval:     cfg.RedriveInterval,
		PendingGrace: cfg.PendingGrace,
		ClaimLease:   2 * cfg.HandlerTimeout,
	})

	authSvc := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret)

	return &app{cfg: cfg, log: log, pool: pool, auth: authSvc, engine: svc, worker: worker}, nil
}

func (a *app) close() {
	a.pool.Close()
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the redrive loop and the metrics endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			metricsSrv := &http.Server{
				Addr:    a.cfg.MetricsAddr,
				Handler: promhttp.Handler(),
			}

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				a.log.Info("redrive worker started", "interval", a.cfg.RedriveInterval)
				return a.worker.Run(ctx)
			})
			g.Go(func() error {
				a.log.Info("metrics endpoint listening", "addr", a.cfg.MetricsAddr)
				if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				return metricsSrv.Shutdown(context.Background())
			})

			err = g.Wait()
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}
}

func newRedriveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "redrive",
		Short: "Run one sweep over due side effects and undelivered outbox events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			return a.worker.RunOnce(cmd.Context())
		},
	}
}

func newRepairCmd() *cobra.Command {
	var checkOnly bool
	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Reconcile cached agreement states against the transition ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			rec := agreement.NewReconciler(a.pool, a.log)
			var diverged []agreement.Divergence
			if checkOnly {
				diverged, err = rec.Check(cmd.Context())
			} else {
				diverged, err = rec.Repair(cmd.Context())
			}
			if err != nil {
				return err
			}
			for _, d := range diverged {
				fmt.Printf("%s: cached=%s ledger=%s\n", d.AgreementID, d.Cached, d.Ledger)
			}
			fmt.Printf("%d diverged agreement(s)\n", len(diverged))
			return nil
		},
	}
	cmd.Flags().BoolVar(&checkOnly, "check", false, "report divergences without repairing")
	return cmd
}

func newTriggerCmd() *cobra.Command {
	var (
		agreementID string
		event       string
		token       string
		payloadJSON string
	)
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Trigger a lifecycle event on an agreement",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			actor, err := resolveActor(a.auth, token, lifecycle.Event(event))
			if err != nil {
				return err
			}

			var payload map[string]any
			if payloadJSON != "" {
				if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
					return fmt.Errorf("parse payload: %w", err)
				}
			}

			res, err := a.engine.Trigger(cmd.Context(), engine.TriggerParams{
				AgreementID: agreementID,
				Event:       lifecycle.Event(event),
				Actor:       actor,
				Payload:     payload,
			})
			if err != nil {
				return err
			}
			for _, tr := range res.Transitions {
				fmt.Printf("transition %s: %s -> %s (%s)\n", tr.ID, tr.FromState, tr.ToState, tr.Event)
			}
			for _, o := range res.Effects {
				fmt.Printf("effect %s: %s\n", o.Action, o.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&agreementID, "agreement", "", "agreement id")
	cmd.Flags().StringVar(&event, "event", "", "lifecycle event name")
	cmd.Flags().StringVar(&token, "token", "", "JWT of the acting user")
	cmd.Flags().StringVar(&payloadJSON, "payload", "", "event payload as JSON")
	cmd.MarkFlagRequired("agreement")
	cmd.MarkFlagRequired("event")
	cmd.MarkFlagRequired("token")
	return cmd
}

// resolveActor verifies the token and checks the bearer's role against the
// event before anything reaches the engine.
func resolveActor(svc *auth.Service, token string, ev lifecycle.Event) (lifecycle.Actor, error) {
	actor, role, err := svc.ActorFromToken(token)
	if err != nil {
		return lifecycle.Actor{}, err
	}
	if err := auth.AuthorizeEvent(role, ev); err != nil {
		return lifecycle.Actor{}, err
	}
	return actor, nil
}
