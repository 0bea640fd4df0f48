// Package engine orchestrates agreement transitions: it evaluates the state
// machine inside a transaction, appends the ledger row, creates side-effect
// rows and the outbox event atomically, then runs best-effort dispatch and
// publish after commit.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"mortgageflow/agreement"
	"mortgageflow/effect"
	"mortgageflow/ledger"
	"mortgageflow/lifecycle"
	"mortgageflow/metrics"
	"mortgageflow/outbox"
)

// maxChainDepth bounds auto-advance chains against authoring mistakes in the
// transition table.
const maxChainDepth = 8

const aggregateAgreement = "agreement"

// TopicAgreements is the delivery topic for agreement domain events.
const TopicAgreements = "mortgage.agreements"

// ErrPhaseSeqRequired is returned when a phase-scoped event carries no
// phase_seq in its payload.
var ErrPhaseSeqRequired = errors.New("engine: phase_seq required in payload")

// GuardRejectionError is returned when guards blocked the transition. The
// rejected attempt is already committed to the ledger with its full guard
// results.
type GuardRejectionError struct {
	Transition ledger.Transition
}

func (e *GuardRejectionError) Error() string {
	if failure, ok := firstFailure(e.Transition.GuardResults); ok {
		return fmt.Sprintf("engine: transition %s rejected by guard %s: %s",
			e.Transition.Event, failure.Name, failure.Message)
	}
	return fmt.Sprintf("engine: transition %s rejected", e.Transition.Event)
}

func firstFailure(results []lifecycle.GuardResult) (lifecycle.GuardResult, bool) {
	for _, g := range results {
		if !g.Passed {
			return g, true
		}
	}
	return lifecycle.GuardResult{}, false
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// AgreementStore is the transaction-scoped agreement access the engine needs.
type AgreementStore interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (agreement.Agreement, error)
	UpdateState(ctx context.Context, tx pgx.Tx, id string, to lifecycle.State, version int) error
	CountPendingPriorPhases(ctx context.Context, tx pgx.Tx, agreementID string, seq int) (int, error)
	PhaseSeqByKind(ctx context.Context, tx pgx.Tx, agreementID string, kind agreement.PhaseKind) (int, bool, error)
	ActivatePhase(ctx context.Context, tx pgx.Tx, agreementID string, seq int) error
	CompletePhase(ctx context.Context, tx pgx.Tx, agreementID string, seq int) error
	HasPhase(ctx context.Context, tx pgx.Tx, agreementID string, seq int) (bool, error)
}

// TransitionStore appends ledger rows.
type TransitionStore interface {
	Record(ctx context.Context, tx pgx.Tx, p ledger.RecordParams) (ledger.Transition, error)
}

// EffectStore creates side-effect rows inside the transition's transaction.
type EffectStore interface {
	Create(ctx context.Context, tx pgx.Tx, p effect.CreateParams) (effect.SideEffect, error)
}

// OutboxStore enqueues domain events inside the transition's transaction.
type OutboxStore interface {
	Enqueue(ctx context.Context, tx pgx.Tx, p outbox.EnqueueParams) (string, error)
}

// EffectDispatcher runs a transition's effects post-commit.
type EffectDispatcher interface {
	Dispatch(ctx context.Context, transitionID string) ([]effect.Outcome, error)
}

// EventPublisher attempts immediate outbox delivery post-commit.
type EventPublisher interface {
	PublishNow(ctx context.Context, eventID string) (outbox.PublishResult, error)
}

// Service is the durable transition engine.
type Service struct {
	pool        TxBeginner
	agreements  AgreementStore
	transitions TransitionStore
	effects     EffectStore
	outbox      OutboxStore
	machine     *lifecycle.Machine
	registry    *effect.Registry
	dispatcher  EffectDispatcher
	publisher   EventPublisher
	log         *slog.Logger
	now         func() time.Time
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Pool        TxBeginner
	Agreements  AgreementStore
	Transitions TransitionStore
	Effects     EffectStore
	Outbox      OutboxStore
	Machine     *lifecycle.Machine
	Registry    *effect.Registry
	Dispatcher  EffectDispatcher
	Publisher   EventPublisher
	Log         *slog.Logger
}

func NewService(d Deps) *Service {
	if d.Machine == nil {
		d.Machine = lifecycle.NewMachine()
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	return &Service{
		pool:        d.Pool,
		agreements:  d.Agreements,
		transitions: d.Transitions,
		effects:     d.Effects,
		outbox:      d.Outbox,
		machine:     d.Machine,
		registry:    d.Registry,
		dispatcher:  d.Dispatcher,
		publisher:   d.Publisher,
		log:         d.Log,
		now:         time.Now,
	}
}

// TriggerParams is one transition request.
type TriggerParams struct {
	AgreementID string
	Event       lifecycle.Event
	Actor       lifecycle.Actor
	Payload     map[string]any
}

// TriggerResult reports everything one Trigger call did: the committed
// transition chain plus the post-commit effect and publish outcomes.
type TriggerResult struct {
	Transitions []ledger.Transition
	Effects     []effect.Outcome
	Published   []outbox.PublishResult
}

// Trigger requests an event on an agreement. Transitions for the same
// agreement are serialized by the row lock taken inside the transaction;
// transitions across agreements proceed independently.
func (s *Service) Trigger(ctx context.Context, p TriggerParams) (TriggerResult, error) {
	if p.AgreementID == "" {
		return TriggerResult{}, fmt.Errorf("engine: missing agreement id")
	}
	if p.Actor.ID == "" {
		return TriggerResult{}, fmt.Errorf("engine: missing actor")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return TriggerResult{}, fmt.Errorf("engine: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ag, err := s.agreements.GetForUpdate(ctx, tx, p.AgreementID)
	if err != nil {
		return TriggerResult{}, err
	}

	var (
		result      TriggerResult
		dispatchIDs []string
		publishIDs  []string
		rejected    *ledger.Transition
	)

	ev := p.Event
	payload := p.Payload
	for depth := 0; ; depth++ {
		if depth >= maxChainDepth {
			return TriggerResult{}, fmt.Errorf("engine: auto-advance chain exceeded %d transitions", maxChainDepth)
		}

		snap, err := s.snapshot(ctx, tx, ag, ev, payload)
		if err != nil {
			return TriggerResult{}, err
		}

		started := s.now()
		dec, err := s.machine.Evaluate(snap, ev, lifecycle.Context{
			Actor:   p.Actor,
			Now:     started,
			Payload: payload,
		})
		if err != nil {
			var invalid *lifecycle.InvalidTransitionError
			if errors.As(err, &invalid) {
				metrics.TransitionsTotal.WithLabelValues(string(ev), "invalid").Inc()
				if depth == 0 {
					// Rejected before guard evaluation: no ledger row is
					// written, the attempt is only logged.
					s.log.Info("invalid transition rejected",
						"agreement_id", ag.ID,
						"state", snap.State,
						"event", ev,
						"actor_id", p.Actor.ID)
					return TriggerResult{}, err
				}
				// The auto-advance target does not apply here; the chain
				// simply ends.
				s.log.Debug("auto-advance chain ended",
					"agreement_id", ag.ID,
					"state", snap.State,
					"event", ev)
				break
			}
			return TriggerResult{}, err
		}

		errDetail := ""
		if failure, ok := dec.FirstFailure(); ok {
			errDetail = fmt.Sprintf("guard %s failed: %s", failure.Name, failure.Message)
		}
		tr, err := s.transitions.Record(ctx, tx, ledger.RecordParams{
			AgreementID:  ag.ID,
			FromState:    dec.From,
			ToState:      dec.To,
			Event:        ev,
			TriggeredBy:  p.Actor,
			Success:      dec.Accept,
			ErrorDetail:  errDetail,
			GuardResults: dec.GuardResults,
			StartedAt:    started,
		})
		if err != nil {
			return TriggerResult{}, err
		}
		result.Transitions = append(result.Transitions, tr)

		if !dec.Accept {
			metrics.TransitionsTotal.WithLabelValues(string(ev), "rejected").Inc()
			if depth == 0 {
				rejected = &tr
			}
			// The rejected row is still committed: it is the audit record of
			// why the transition was blocked.
			break
		}
		metrics.TransitionsTotal.WithLabelValues(string(ev), "accepted").Inc()

		if err := s.agreements.UpdateState(ctx, tx, ag.ID, dec.To, ag.Version); err != nil {
			return TriggerResult{}, err
		}
		ag.State = dec.To
		ag.Version++

		if err := s.applyPhaseChange(ctx, tx, ag.ID, ev, snap.PhaseSeq); err != nil {
			return TriggerResult{}, err
		}

		created, err := s.createEffects(ctx, tx, tr.ID, ag, dec, payload)
		if err != nil {
			return TriggerResult{}, err
		}
		if created {
			dispatchIDs = append(dispatchIDs, tr.ID)
		}

		eventID, err := s.enqueueEvent(ctx, tx, ag, tr, dec, payload)
		if err != nil {
			return TriggerResult{}, err
		}
		publishIDs = append(publishIDs, eventID)

		next, nextPayload, ok, err := s.nextInChain(ctx, tx, ag, dec, snap)
		if err != nil {
			return TriggerResult{}, err
		}
		if !ok {
			break
		}
		ev = next
		payload = nextPayload
	}

	if err := tx.Commit(ctx); err != nil {
		return TriggerResult{}, fmt.Errorf("engine: commit transition: %w", err)
	}

	if rejected != nil {
		return result, &GuardRejectionError{Transition: *rejected}
	}

	// Post-commit: execute side effects in order, then attempt immediate
	// delivery. Failures here are recovered by the redrive scheduler and are
	// never surfaced as errors to the original caller.
	for _, trID := range dispatchIDs {
		outcomes, err := s.dispatcher.Dispatch(ctx, trID)
		if err != nil {
			s.log.Error("side effect dispatch failed", "transition_id", trID, "error", err)
			continue
		}
		result.Effects = append(result.Effects, outcomes...)
	}
	for _, eventID := range publishIDs {
		res, err := s.publisher.PublishNow(ctx, eventID)
		if err != nil {
			s.log.Warn("immediate outbox publish failed", "event_id", eventID, "error", err)
		}
		result.Published = append(result.Published, res)
	}

	return result, nil
}

// nextInChain resolves the auto-advance follow-up event, if any.
func (s *Service) nextInChain(ctx context.Context, tx pgx.Tx, ag agreement.Agreement, dec lifecycle.Decision, snap lifecycle.Snapshot) (lifecycle.Event, map[string]any, bool, error) {
	if dec.AutoAdvance == "" {
		return "", nil, false, nil
	}
	if dec.Event == lifecycle.EventCompletePhase {
		nextSeq := snap.PhaseSeq + 1
		has, err := s.agreements.HasPhase(ctx, tx, ag.ID, nextSeq)
		if err != nil {
			return "", nil, false, err
		}
		if !has {
			// Final phase completed; nothing to activate.
			return "", nil, false, nil
		}
		mseq, ok, err := s.agreements.PhaseSeqByKind(ctx, tx, ag.ID, agreement.PhaseMortgage)
		if err != nil {
			return "", nil, false, err
		}
		if ok && mseq == nextSeq {
			// The payment phase only starts via the explicit activation
			// event, which also generates the schedule.
			return "", nil, false, nil
		}
		return dec.AutoAdvance, map[string]any{"phase_seq": nextSeq}, true, nil
	}
	return dec.AutoAdvance, nil, true, nil
}

// applyPhaseChange projects phase-scoped events onto the phase plan.
func (s *Service) applyPhaseChange(ctx context.Context, tx pgx.Tx, agreementID string, ev lifecycle.Event, phaseSeq int) error {
	switch ev {
	case lifecycle.EventActivatePhase, lifecycle.EventActivatePaymentPhase:
		if phaseSeq > 0 {
			return s.agreements.ActivatePhase(ctx, tx, agreementID, phaseSeq)
		}
	case lifecycle.EventCompletePhase:
		if phaseSeq > 0 {
			return s.agreements.CompletePhase(ctx, tx, agreementID, phaseSeq)
		}
	}
	return nil
}

// snapshot assembles the machine's read view inside the transaction.
func (s *Service) snapshot(ctx context.Context, tx pgx.Tx, ag agreement.Agreement, ev lifecycle.Event, payload map[string]any) (lifecycle.Snapshot, error) {
	snap := lifecycle.Snapshot{
		AgreementID:        ag.ID,
		State:              ag.State,
		Principal:          ag.Principal,
		AnnualRateBps:      ag.AnnualRateBps,
		TermMonths:         ag.TermMonths,
		OutstandingBalance: ag.OutstandingBalance,
		MissedPayments:     ag.MissedPayments,
	}
	if ag.ScheduleRef != nil {
		snap.ScheduleRef = *ag.ScheduleRef
	}

	switch ev {
	case lifecycle.EventActivatePhase, lifecycle.EventCompletePhase:
		seq, ok := phaseSeqFromPayload(payload)
		if !ok {
			return lifecycle.Snapshot{}, fmt.Errorf("%w (event %s)", ErrPhaseSeqRequired, ev)
		}
		snap.PhaseSeq = seq
	case lifecycle.EventActivatePaymentPhase:
		seq, ok, err := s.agreements.PhaseSeqByKind(ctx, tx, ag.ID, agreement.PhaseMortgage)
		if err != nil {
			return lifecycle.Snapshot{}, err
		}
		if ok {
			snap.PhaseSeq = seq
		}
	default:
		return snap, nil
	}

	pivot := snap.PhaseSeq
	if pivot == 0 {
		// No phase plan row: every recorded phase must already be complete.
		pivot = 1 << 30
	}
	pending, err := s.agreements.CountPendingPriorPhases(ctx, tx, ag.ID, pivot)
	if err != nil {
		return lifecycle.Snapshot{}, err
	}
	snap.PendingPriorPhases = pending
	return snap, nil
}

func phaseSeqFromPayload(payload map[string]any) (int, bool) {
	if payload == nil {
		return 0, false
	}
	switch v := payload["phase_seq"].(type) {
	case int:
		return v, v > 0
	case float64:
		return int(v), v > 0
	default:
		return 0, false
	}
}
