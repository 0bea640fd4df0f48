// Package redrive is the recovery loop for work the hot path could not
// finish: side-effect rows whose retry time has arrived and outbox events
// that were never delivered. It runs periodically in the server process and
// on demand from the CLI.
package redrive

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"mortgageflow/effect"
	"mortgageflow/outbox"
)

const defaultBatchSize = 100

// EffectSource lists transitions with due side effects.
type EffectSource interface {
	DueTransitions(ctx context.Context, now, staleBefore time.Time, limit int) ([]string, error)
}

// EventSource lists outbox events eligible for re-publication.
type EventSource interface {
	Eligible(ctx context.Context, olderThan time.Time, limit int) ([]string, error)
}

// Dispatcher re-runs a transition's pending effects.
type Dispatcher interface {
	Dispatch(ctx context.Context, transitionID string) ([]effect.Outcome, error)
}

// Publisher re-attempts outbox delivery.
type Publisher interface {
	PublishNow(ctx context.Context, eventID string) (outbox.PublishResult, error)
}

// Worker drives both recovery loops on one interval.
type Worker struct {
	effects    EffectSource
	events     EventSource
	dispatcher Dispatcher
	publisher  Publisher
	log        *slog.Logger

	interval time.Duration
	// pendingGrace keeps freshly enqueued PENDING events out of the redrive
	// batch while their immediate publish may still be in flight.
	pendingGrace time.Duration
	// claimLease is how long an executing effect claim is honored before the
	// sweep treats the claiming worker as dead and reclaims the row.
	claimLease time.Duration
	batchSize  int
	now        func() time.Time
}

// Config tunes the worker; zero values get defaults.
type Config struct {
	Interval     time.Duration
	PendingGrace time.Duration
	ClaimLease   time.Duration
	BatchSize    int
}

func NewWorker(effects EffectSource, events EventSource, d Dispatcher, p Publisher, log *slog.Logger, cfg Config) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.PendingGrace <= 0 {
		cfg.PendingGrace = time.Minute
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		effects:      effects,
		events:       events,
		dispatcher:   d,
		publisher:    p,
		log:          log,
		interval:     cfg.Interval,
		pendingGrace: cfg.PendingGrace,
		claimLease:   cfg.ClaimLease,
		batchSize:    cfg.BatchSize,
		now:          time.Now,
	}
}

// Run loops until the context is cancelled. The effect and outbox sweeps run
// concurrently; they touch disjoint tables.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.RunOnce(ctx); err != nil {
				w.log.Error("redrive sweep failed", "error", err)
			}
		}
	}
}

// RunOnce performs a single sweep of both queues.
func (w *Worker) RunOnce(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.sweepEffects(ctx) })
	g.Go(func() error { return w.sweepEvents(ctx) })
	return g.Wait()
}

func (w *Worker) sweepEffects(ctx context.Context) error {
	now := w.now()
	ids, err := w.effects.DueTransitions(ctx, now, now.Add(-w.claimLease), w.batchSize)
	if err != nil {
		return err
	}
	for _, trID := range ids {
		outcomes, err := w.dispatcher.Dispatch(ctx, trID)
		if err != nil {
			w.log.Error("redrive dispatch failed", "transition_id", trID, "error", err)
			continue
		}
		for _, o := range outcomes {
			if o.Status == effect.StatusFailed || o.Status == effect.StatusRolledBack {
				w.log.Warn("effect did not recover",
					"transition_id", trID,
					"action", o.Action,
					"status", o.Status)
			}
		}
	}
	if len(ids) > 0 {
		w.log.Info("redrove side effects", "transitions", len(ids))
	}
	return nil
}

func (w *Worker) sweepEvents(ctx context.Context) error {
	ids, err := w.events.Eligible(ctx, w.now().Add(-w.pendingGrace), w.batchSize)
	if err != nil {
		return err
	}
	sent := 0
	for _, eventID := range ids {
		if _, err := w.publisher.PublishNow(ctx, eventID); err != nil {
			w.log.Warn("redrive publish failed", "event_id", eventID, "error", err)
			continue
		}
		sent++
	}
	if len(ids) > 0 {
		w.log.Info("redrove outbox events", "eligible", len(ids), "sent", sent)
	}
	return nil
}
