// Package actors contains the concurrent workloads of the stress harness.
// Every actor swallows domain rejections and transport errors; the oracles
// in test/oracles are the arbiter of correctness, and the chaos actor makes
// transient connection failures expected.
package actors

import (
	"context"
	"math/rand"
	"time"

	"mortgageflow/agreement"
	"mortgageflow/engine"
	"mortgageflow/lifecycle"
	"mortgageflow/redrive"
	"mortgageflow/schedule"
)

// Lifecycle fires random events at one agreement through the engine. Most
// attempts are rejected as invalid pairs or guard failures; that is the
// point, the ledger must stay consistent under the barrage.
func Lifecycle(ctx context.Context, svc *engine.Service, agreementID, actorID string, stop <-chan struct{}) error {
	events := []lifecycle.Event{
		lifecycle.EventSubmitForApproval,
		lifecycle.EventApprove,
		lifecycle.EventReject,
		lifecycle.EventActivatePaymentPhase,
		lifecycle.EventActivatePhase,
		lifecycle.EventCompletePhase,
		lifecycle.EventMarkDelinquent,
		lifecycle.EventCureDelinquency,
		lifecycle.EventComplete,
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		ev := events[rand.Intn(len(events))]
		var payload map[string]any
		switch ev {
		case lifecycle.EventActivatePhase, lifecycle.EventCompletePhase:
			payload = map[string]any{"phase_seq": 1 + rand.Intn(3)}
		}
		_, _ = svc.Trigger(ctx, engine.TriggerParams{
			AgreementID: agreementID,
			Event:       ev,
			Actor:       lifecycle.Actor{ID: actorID, Kind: lifecycle.ActorUser},
			Payload:     payload,
		})
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// Creator drafts fresh agreements and immediately submits them, feeding the
// pool of in-flight lifecycles.
func Creator(ctx context.Context, crud *agreement.CRUDService, svc *engine.Service, customerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		ag, err := crud.Create(ctx, agreement.CreateParams{
			CustomerID:    customerID,
			Principal:     50_000 + float64(rand.Intn(1_000_000)),
			AnnualRateBps: 300 + rand.Intn(1500),
			TermMonths:    12 * (1 + rand.Intn(25)),
			Frequency:     schedule.FrequencyMonthly,
		})
		if err == nil {
			_, _ = svc.Trigger(ctx, engine.TriggerParams{
				AgreementID: ag.ID,
				Event:       lifecycle.EventSubmitForApproval,
				Actor:       lifecycle.Actor{ID: customerID, Kind: lifecycle.ActorUser},
			})
		}
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

// Redriver sweeps due side effects and undelivered outbox events, racing the
// hot path's own post-commit dispatch.
func Redriver(ctx context.Context, worker *redrive.Worker, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_ = worker.RunOnce(ctx)
		time.Sleep(time.Duration(100+rand.Intn(200)) * time.Millisecond)
	}
}

// Repairer runs the cache reconciler concurrently with live transitions. It
// must never produce a divergence of its own.
func Repairer(ctx context.Context, rec *agreement.Reconciler, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, _ = rec.Repair(ctx)
		time.Sleep(time.Duration(200+rand.Intn(300)) * time.Millisecond)
	}
}
