package ledger

import (
	"time"

	"mortgageflow/lifecycle"
)

// Transition is one state-change attempt, immutable once written. The ordered
// sequence of transitions per agreement is the audit trail and the source of
// truth for current state.
type Transition struct {
	ID           string
	AgreementID  string
	FromState    lifecycle.State
	ToState      lifecycle.State
	Event        lifecycle.Event
	TriggeredBy  lifecycle.Actor
	Success      bool
	ErrorDetail  *string
	GuardResults []lifecycle.GuardResult
	Duration     time.Duration
	CreatedAt    time.Time
	CompletedAt  *time.Time
}
