package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"mortgageflow/agreement"
	"mortgageflow/effect"
	"mortgageflow/ledger"
	"mortgageflow/lifecycle"
	"mortgageflow/outbox"
)

// documentChecklist is requested from the customer when an agreement is
// submitted for approval.
var documentChecklist = []string{
	"proof_of_income",
	"property_valuation",
	"identity_document",
}

// createEffects writes the decision's effect rows inside the transaction.
// Returns whether any rows were created, so the caller knows to dispatch.
func (s *Service) createEffects(ctx context.Context, tx pgx.Tx, transitionID string, ag agreement.Agreement, dec lifecycle.Decision, payload map[string]any) (bool, error) {
	for _, tpl := range dec.Effects {
		blob, err := s.effectPayload(transitionID, tpl.Action, ag, dec, payload)
		if err != nil {
			return false, err
		}
		if _, err := s.effects.Create(ctx, tx, effect.CreateParams{
			TransitionID:   transitionID,
			Action:         tpl.Action,
			ExecutionOrder: tpl.ExecutionOrder,
			Payload:        blob,
			MaxRetries:     s.registry.MaxRetries(tpl.Action),
		}); err != nil {
			return false, err
		}
	}
	return len(dec.Effects) > 0, nil
}

func (s *Service) effectPayload(transitionID string, action lifecycle.ActionKind, ag agreement.Agreement, dec lifecycle.Decision, payload map[string]any) ([]byte, error) {
	var p effect.Payload
	switch action {
	case lifecycle.ActionGenerateInstallments, lifecycle.ActionCancelInstallments:
		p = effect.InstallmentsPayload{
			AgreementID:   ag.ID,
			Principal:     ag.Principal,
			AnnualRateBps: ag.AnnualRateBps,
			Installments:  installmentCount(ag),
			Frequency:     ag.Frequency,
			StartDate:     startDate(payload, s.now()),
		}
	case lifecycle.ActionNotifyParty:
		p = effect.NotifyPayload{
			AgreementID: ag.ID,
			Recipient:   ag.CustomerID,
			Template:    dec.EventType,
			DedupeKey:   effect.IdempotencyKey(transitionID, action),
		}
	case lifecycle.ActionRequestDocuments:
		p = effect.DocumentsPayload{
			AgreementID: ag.ID,
			Documents:   documentChecklist,
		}
	default:
		return nil, fmt.Errorf("engine: no payload builder for action %q", action)
	}
	blob, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("engine: marshal %s payload: %w", action, err)
	}
	return blob, nil
}

// installmentCount converts the monthly term to the number of payment periods
// for the agreement's payment frequency.
func installmentCount(ag agreement.Agreement) int {
	return ag.TermMonths * ag.Frequency.PeriodsPerYear() / 12
}

func startDate(payload map[string]any, fallback time.Time) time.Time {
	if payload != nil {
		if raw, ok := payload["start_date"].(string); ok {
			if t, err := time.Parse(time.RFC3339, raw); err == nil {
				return t
			}
		}
	}
	return fallback
}

// enqueueEvent writes the transition's domain event into the outbox inside
// the transaction and returns the event id for post-commit delivery.
func (s *Service) enqueueEvent(ctx context.Context, tx pgx.Tx, ag agreement.Agreement, tr ledger.Transition, dec lifecycle.Decision, payload map[string]any) (string, error) {
	body, err := json.Marshal(eventBody{
		AgreementID:  ag.ID,
		TransitionID: tr.ID,
		FromState:    dec.From,
		ToState:      dec.To,
		Event:        dec.Event,
		PhaseSeq:     phaseSeqOrZero(payload),
	})
	if err != nil {
		return "", fmt.Errorf("engine: marshal event payload: %w", err)
	}
	return s.outbox.Enqueue(ctx, tx, outbox.EnqueueParams{
		EventType:     dec.EventType,
		AggregateType: aggregateAgreement,
		AggregateID:   ag.ID,
		Topic:         TopicAgreements,
		Payload:       body,
		Actor:         tr.TriggeredBy,
	})
}

type eventBody struct {
	AgreementID  string          `json:"agreement_id"`
	TransitionID string          `json:"transition_id"`
	FromState    lifecycle.State `json:"from_state"`
	ToState      lifecycle.State `json:"to_state"`
	Event        lifecycle.Event `json:"event"`
	PhaseSeq     int             `json:"phase_seq,omitempty"`
}

func phaseSeqOrZero(payload map[string]any) int {
	seq, _ := phaseSeqFromPayload(payload)
	return seq
}
