package lifecycle

import "time"

// State enumerates the agreement lifecycle states.
type State string

const (
	StateDraft           State = "draft"
	StatePendingApproval State = "pending_approval"
	StateApproved        State = "approved"
	StateActive          State = "active"
	StateDelinquent      State = "delinquent"
	StateCompleted       State = "completed"
	StateCancelled       State = "cancelled"
	StateDefaulted       State = "defaulted"
)

// Event enumerates the lifecycle events callers may trigger.
type Event string

const (
	EventSubmitForApproval    Event = "SUBMIT_FOR_APPROVAL"
	EventApprove              Event = "APPROVE"
	EventReject               Event = "REJECT"
	EventCancel               Event = "CANCEL"
	EventActivatePaymentPhase Event = "ACTIVATE_PAYMENT_PHASE"
	EventActivatePhase        Event = "ACTIVATE_PHASE"
	EventCompletePhase        Event = "COMPLETE_PHASE"
	EventMarkDelinquent       Event = "MARK_DELINQUENT"
	EventCureDelinquency      Event = "CURE_DELINQUENCY"
	EventComplete             Event = "COMPLETE"
	EventDefault              Event = "DEFAULT"
)

// ActorKind distinguishes who triggered a transition.
type ActorKind string

const (
	ActorUser      ActorKind = "user"
	ActorSystem    ActorKind = "system"
	ActorScheduler ActorKind = "scheduler"
)

// Actor identifies the already-authenticated party requesting a transition.
type Actor struct {
	ID   string
	Kind ActorKind
}

// ActionKind names a side-effect action executed after an accepted transition.
type ActionKind string

const (
	ActionGenerateInstallments ActionKind = "generate_installments"
	ActionCancelInstallments   ActionKind = "cancel_installments"
	ActionNotifyParty          ActionKind = "notify_party"
	ActionRequestDocuments     ActionKind = "request_documents"
)

// EffectTemplate is one entry of the ordered action list attached to a
// transition-table rule. ExecutionOrder values are distinct within a rule.
type EffectTemplate struct {
	Action         ActionKind
	ExecutionOrder int
}

// GuardResult records the outcome of a single guard evaluation. All guards of
// a candidate transition are evaluated and recorded, not just the first
// failure, so operators can audit why a transition was blocked.
type GuardResult struct {
	Name    string `json:"guard_name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
}

// Snapshot is the read-only view of an agreement the machine decides on. The
// caller assembles it inside the transaction so the decision is made against
// locked, consistent data.
type Snapshot struct {
	AgreementID        string
	State              State
	Principal          float64
	AnnualRateBps      int
	TermMonths         int
	ScheduleRef        string
	OutstandingBalance float64
	MissedPayments     int
	// PhaseSeq is the phase the event addresses (phase-scoped events only).
	PhaseSeq int
	// PendingPriorPhases counts phases before PhaseSeq not yet completed.
	PendingPriorPhases int
}

// Context carries the per-request inputs a guard may consult besides the
// agreement snapshot.
type Context struct {
	Actor   Actor
	Now     time.Time
	Payload map[string]any
}

// Decision is the outcome of evaluating one (state, event) pair. Accept is
// false when at least one guard failed; GuardResults then holds the full
// audit record.
type Decision struct {
	Accept       bool
	From         State
	To           State
	Event        Event
	GuardResults []GuardResult
	Effects      []EffectTemplate
	EventType    string
	// AutoAdvance, when set, is the follow-up event the caller must evaluate
	// synchronously after committing this transition's state change.
	AutoAdvance Event
}

// FirstFailure returns the first failing guard result, if any.
func (d Decision) FirstFailure() (GuardResult, bool) {
	for _, g := range d.GuardResults {
		if !g.Passed {
			return g, true
		}
	}
	return GuardResult{}, false
}
