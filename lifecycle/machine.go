package lifecycle

import (
	"fmt"
)

// InvalidTransitionError reports that no transition-table entry exists for
// the (state, event) pair. It is surfaced synchronously to the caller and no
// ledger row is written; rejected lookups are only logged by the caller.
type InvalidTransitionError struct {
	From  State
	Event Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("lifecycle: no transition for event %s in state %s", e.Event, e.From)
}

// rule is one transition-table entry.
type rule struct {
	from        State
	event       Event
	to          State
	guards      []Guard
	effects     []EffectTemplate
	eventType   string
	autoAdvance Event
}

// Machine holds the transition table. Evaluation is deterministic and free of
// side effects; all mutation happens in the caller.
type Machine struct {
	rules map[State]map[Event]rule
}

// NewMachine builds the machine with the mortgage agreement transition table.
func NewMachine() *Machine {
	m := &Machine{rules: make(map[State]map[Event]rule)}

	m.add(rule{
		from:   StateDraft,
		event:  EventSubmitForApproval,
		to:     StatePendingApproval,
		guards: []Guard{guardTermsComplete()},
		effects: []EffectTemplate{
			{Action: ActionRequestDocuments, ExecutionOrder: 1},
			{Action: ActionNotifyParty, ExecutionOrder: 2},
		},
		eventType: "agreement.submitted",
	})
	m.add(rule{
		from:      StateDraft,
		event:     EventCancel,
		to:        StateCancelled,
		eventType: "agreement.cancelled",
	})
	m.add(rule{
		from:   StatePendingApproval,
		event:  EventApprove,
		to:     StateApproved,
		guards: []Guard{guardTermsComplete()},
		effects: []EffectTemplate{
			{Action: ActionNotifyParty, ExecutionOrder: 1},
		},
		eventType: "agreement.approved",
	})
	m.add(rule{
		from:  StatePendingApproval,
		event: EventReject,
		to:    StateCancelled,
		effects: []EffectTemplate{
			{Action: ActionNotifyParty, ExecutionOrder: 1},
		},
		eventType: "agreement.rejected",
	})
	m.add(rule{
		from:      StatePendingApproval,
		event:     EventCancel,
		to:        StateCancelled,
		eventType: "agreement.cancelled",
	})
	// Pre-payment phases (documentation, downpayment) are worked while the
	// agreement sits in approved; the payment phase itself requires the
	// explicit ACTIVATE_PAYMENT_PHASE edge below.
	m.add(rule{
		from:   StateApproved,
		event:  EventActivatePhase,
		to:     StateApproved,
		guards: []Guard{guardPreviousPhasesCompleted()},
		effects: []EffectTemplate{
			{Action: ActionNotifyParty, ExecutionOrder: 1},
		},
		eventType: "phase.activated",
	})
	m.add(rule{
		from:  StateApproved,
		event: EventCompletePhase,
		to:    StateApproved,
		effects: []EffectTemplate{
			{Action: ActionNotifyParty, ExecutionOrder: 1},
		},
		eventType:   "phase.completed",
		autoAdvance: EventActivatePhase,
	})
	m.add(rule{
		from:   StateApproved,
		event:  EventActivatePaymentPhase,
		to:     StateActive,
		guards: []Guard{guardPreviousPhasesCompleted(), guardScheduleNotGenerated()},
		effects: []EffectTemplate{
			{Action: ActionGenerateInstallments, ExecutionOrder: 1},
			{Action: ActionNotifyParty, ExecutionOrder: 2},
		},
		eventType: "phase.payment_activated",
	})
	m.add(rule{
		from:   StateActive,
		event:  EventActivatePhase,
		to:     StateActive,
		guards: []Guard{guardPreviousPhasesCompleted()},
		effects: []EffectTemplate{
			{Action: ActionNotifyParty, ExecutionOrder: 1},
		},
		eventType: "phase.activated",
	})
	m.add(rule{
		from:  StateActive,
		event: EventCompletePhase,
		to:    StateActive,
		effects: []EffectTemplate{
			{Action: ActionNotifyParty, ExecutionOrder: 1},
		},
		eventType:   "phase.completed",
		autoAdvance: EventActivatePhase,
	})
	m.add(rule{
		from:   StateActive,
		event:  EventMarkDelinquent,
		to:     StateDelinquent,
		guards: []Guard{guardArrearsPresent()},
		effects: []EffectTemplate{
			{Action: ActionNotifyParty, ExecutionOrder: 1},
		},
		eventType: "agreement.delinquent",
	})
	m.add(rule{
		from:   StateActive,
		event:  EventComplete,
		to:     StateCompleted,
		guards: []Guard{guardOutstandingCleared()},
		effects: []EffectTemplate{
			{Action: ActionNotifyParty, ExecutionOrder: 1},
		},
		eventType: "agreement.completed",
	})
	m.add(rule{
		from:  StateDelinquent,
		event: EventCureDelinquency,
		to:    StateActive,
		effects: []EffectTemplate{
			{Action: ActionNotifyParty, ExecutionOrder: 1},
		},
		eventType: "agreement.cured",
	})
	m.add(rule{
		from:  StateDelinquent,
		event: EventDefault,
		to:    StateDefaulted,
		effects: []EffectTemplate{
			{Action: ActionCancelInstallments, ExecutionOrder: 1},
			{Action: ActionNotifyParty, ExecutionOrder: 2},
		},
		eventType: "agreement.defaulted",
	})

	return m
}

func (m *Machine) add(r rule) {
	byEvent, ok := m.rules[r.from]
	if !ok {
		byEvent = make(map[Event]rule)
		m.rules[r.from] = byEvent
	}
	if _, dup := byEvent[r.event]; dup {
		panic(fmt.Sprintf("lifecycle: duplicate rule %s/%s", r.from, r.event))
	}
	seen := make(map[int]bool, len(r.effects))
	for _, e := range r.effects {
		if seen[e.ExecutionOrder] {
			panic(fmt.Sprintf("lifecycle: duplicate execution order %d in rule %s/%s", e.ExecutionOrder, r.from, r.event))
		}
		seen[e.ExecutionOrder] = true
	}
	byEvent[r.event] = r
}

// Evaluate resolves the transition for (snapshot state, event). It returns an
// *InvalidTransitionError when no table entry exists. Otherwise every guard
// is run in table order and the full result list is returned; Accept is true
// only when all guards passed.
func (m *Machine) Evaluate(s Snapshot, event Event, c Context) (Decision, error) {
	byEvent, ok := m.rules[s.State]
	if !ok {
		return Decision{}, &InvalidTransitionError{From: s.State, Event: event}
	}
	r, ok := byEvent[event]
	if !ok {
		return Decision{}, &InvalidTransitionError{From: s.State, Event: event}
	}

	dec := Decision{
		From:  r.from,
		To:    r.to,
		Event: event,
	}

	accept := true
	for _, g := range r.guards {
		passed, msg := g.Check(s, c)
		dec.GuardResults = append(dec.GuardResults, GuardResult{
			Name:    g.Name,
			Passed:  passed,
			Message: msg,
		})
		if !passed {
			accept = false
		}
	}
	dec.Accept = accept
	if !accept {
		return dec, nil
	}

	dec.Effects = append(dec.Effects, r.effects...)
	dec.EventType = r.eventType
	dec.AutoAdvance = r.autoAdvance
	return dec, nil
}
