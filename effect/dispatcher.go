// Package effect executes the ordered side effects attached to accepted
// transitions. Each effect is independently retryable and idempotent.
package effect

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"mortgageflow/metrics"
)

// Store is the persistence surface the dispatcher mutates. Implemented by
// *Repository; tests substitute an in-memory store.
type Store interface {
	ListByTransition(ctx context.Context, transitionID string) ([]SideEffect, error)
	Claim(ctx context.Context, id string, staleBefore time.Time) (bool, error)
	MarkCompleted(ctx context.Context, id string, result []byte) error
	ScheduleRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, lastErr string) error
	MarkFailed(ctx context.Context, id string, lastErr string) error
	MarkRolledBack(ctx context.Context, id string, rollbackErr string) error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHandlerTimeout bounds each handler invocation. A timeout is a transient
// failure eligible for retry.
func WithHandlerTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.handlerTimeout = d }
}

// WithRetryBackoff sets the base and cap of the exponential retry delay.
func WithRetryBackoff(initial, max time.Duration) Option {
	return func(disp *Dispatcher) {
		disp.retryInitial = initial
		disp.retryMax = max
	}
}

// WithClaimLease sets how long a claim on an executing effect is honored. A
// claim older than the lease belonged to a worker that crashed between Claim
// and the terminal mark; the row becomes reclaimable. Defaults to twice the
// handler timeout.
func WithClaimLease(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.claimLease = d }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(disp *Dispatcher) { disp.now = now }
}

// Dispatcher walks a transition's effects in execution order. Dispatch is
// sequential within a transition, never parallel; a later tier never starts
// before the previous one completes. It is safe to call Dispatch twice for
// the same transition.
type Dispatcher struct {
	store          Store
	registry       *Registry
	log            *slog.Logger
	handlerTimeout time.Duration
	claimLease     time.Duration
	retryInitial   time.Duration
	retryMax       time.Duration
	now            func() time.Time
}

func NewDispatcher(store Store, registry *Registry, log *slog.Logger, opts ...Option) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		store:          store,
		registry:       registry,
		log:            log,
		handlerTimeout: 10 * time.Second,
		retryInitial:   5 * time.Second,
		retryMax:       10 * time.Minute,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.claimLease <= 0 {
		d.claimLease = 2 * d.handlerTimeout
	}
	return d
}

// Dispatch executes the transition's effects. It stops at the first effect
// that does not reach completed in this pass; the redrive scheduler picks the
// transition up again once the retry time arrives. The returned outcomes
// cover every effect of the transition, including untouched later tiers.
func (d *Dispatcher) Dispatch(ctx context.Context, transitionID string) ([]Outcome, error) {
	effects, err := d.store.ListByTransition(ctx, transitionID)
	if err != nil {
		return nil, err
	}

	outcomes := make([]Outcome, 0, len(effects))
	blocked := false
	for _, e := range effects {
		if blocked {
			outcomes = append(outcomes, Outcome{EffectID: e.ID, Action: e.Action, Status: e.Status})
			continue
		}

		switch e.Status {
		case StatusCompleted:
			// Idempotent re-entry: already done, move to the next tier.
			outcomes = append(outcomes, Outcome{EffectID: e.ID, Action: e.Action, Status: StatusCompleted})
			continue
		case StatusFailed, StatusRolledBack:
			// Terminal failure blocks every later tier.
			outcomes = append(outcomes, Outcome{EffectID: e.ID, Action: e.Action, Status: e.Status, Err: deref(e.LastError)})
			blocked = true
			continue
		case StatusExecuting:
			if e.UpdatedAt.After(d.now().Add(-d.claimLease)) {
				// Another worker holds a live claim on this effect.
				outcomes = append(outcomes, Outcome{EffectID: e.ID, Action: e.Action, Status: StatusExecuting})
				blocked = true
				continue
			}
			// The lease expired: the claiming worker died before reaching a
			// terminal status. Fall through and reclaim.
		}

		if e.NextRetryAt != nil && e.NextRetryAt.After(d.now()) {
			// Backoff window not yet elapsed.
			outcomes = append(outcomes, Outcome{EffectID: e.ID, Action: e.Action, Status: StatusPending})
			blocked = true
			continue
		}

		outcome := d.execute(ctx, e, effects)
		outcomes = append(outcomes, outcome)
		if outcome.Status != StatusCompleted {
			blocked = true
		}
	}
	return outcomes, nil
}

func (d *Dispatcher) execute(ctx context.Context, e SideEffect, siblings []SideEffect) Outcome {
	claimed, err := d.store.Claim(ctx, e.ID, d.now().Add(-d.claimLease))
	if err != nil {
		return Outcome{EffectID: e.ID, Action: e.Action, Status: e.Status, Err: err.Error()}
	}
	if !claimed {
		return Outcome{EffectID: e.ID, Action: e.Action, Status: StatusExecuting}
	}

	result, runErr := d.run(ctx, e)
	if runErr == nil {
		if err := d.store.MarkCompleted(ctx, e.ID, result); err != nil {
			return Outcome{EffectID: e.ID, Action: e.Action, Status: StatusExecuting, Err: err.Error()}
		}
		metrics.EffectExecutionsTotal.WithLabelValues(string(e.Action), "completed").Inc()
		return Outcome{EffectID: e.ID, Action: e.Action, Status: StatusCompleted}
	}

	if e.RetryCount < e.MaxRetries {
		retryCount := e.RetryCount + 1
		next := d.now().Add(d.retryDelay(retryCount))
		if err := d.store.ScheduleRetry(ctx, e.ID, retryCount, next, runErr.Error()); err != nil {
			return Outcome{EffectID: e.ID, Action: e.Action, Status: StatusExecuting, Err: err.Error()}
		}
		metrics.EffectExecutionsTotal.WithLabelValues(string(e.Action), "retried").Inc()
		d.log.Warn("side effect failed, retry scheduled",
			"effect_id", e.ID,
			"action", e.Action,
			"retry_count", retryCount,
			"next_retry_at", next,
			"error", runErr)
		return Outcome{EffectID: e.ID, Action: e.Action, Status: StatusPending, Err: runErr.Error()}
	}

	if err := d.store.MarkFailed(ctx, e.ID, runErr.Error()); err != nil {
		return Outcome{EffectID: e.ID, Action: e.Action, Status: StatusExecuting, Err: err.Error()}
	}
	metrics.EffectExecutionsTotal.WithLabelValues(string(e.Action), "failed").Inc()
	d.log.Error("side effect failed permanently",
		"effect_id", e.ID,
		"action", e.Action,
		"retry_count", e.RetryCount,
		"error", runErr)
	d.rollback(ctx, e, siblings)
	return Outcome{EffectID: e.ID, Action: e.Action, Status: StatusFailed, Err: runErr.Error()}
}

func (d *Dispatcher) run(ctx context.Context, e SideEffect) (result []byte, err error) {
	reg, ok := d.registry.registration(e.Action)
	if !ok {
		return nil, fmt.Errorf("effect: no handler registered for %s", e.Action)
	}

	payload, err := DecodePayload(e.Action, e.Payload)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, d.handlerTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("effect: handler %s panicked: %v", e.Action, r)
		}
	}()
	return reg.Execute(runCtx, payload)
}

// rollback compensates already-completed effects of the same transition in
// reverse execution order. Compensation failures are recorded on the row and
// left for operator intervention, never silently swallowed.
func (d *Dispatcher) rollback(ctx context.Context, failed SideEffect, siblings []SideEffect) {
	for i := len(siblings) - 1; i >= 0; i-- {
		prior := siblings[i]
		if prior.ExecutionOrder >= failed.ExecutionOrder || prior.Status != StatusCompleted {
			continue
		}
		reg, ok := d.registry.registration(prior.Action)
		if !ok || reg.Compensate == nil {
			// No compensation defined; the completed effect stands.
			continue
		}

		payload, err := DecodePayload(prior.Action, prior.Payload)
		if err == nil {
			compCtx, cancel := context.WithTimeout(ctx, d.handlerTimeout)
			_, err = reg.Compensate(compCtx, payload)
			cancel()
		}

		rollbackErr := ""
		if err != nil {
			rollbackErr = err.Error()
			d.log.Error("compensation failed, operator intervention required",
				"effect_id", prior.ID,
				"action", prior.Action,
				"error", err)
		}
		if markErr := d.store.MarkRolledBack(ctx, prior.ID, rollbackErr); markErr != nil {
			d.log.Error("mark rolled back failed", "effect_id", prior.ID, "error", markErr)
			continue
		}
		metrics.EffectExecutionsTotal.WithLabelValues(string(prior.Action), "rolled_back").Inc()
	}
}

// retryDelay computes the exponential backoff delay for the given attempt.
func (d *Dispatcher) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.retryInitial
	b.MaxInterval = d.retryMax
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0
	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
