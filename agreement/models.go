package agreement

import (
	"time"

	"mortgageflow/lifecycle"
	"mortgageflow/schedule"
)

// Agreement mirrors the agreements table columns touched by the engine. The
// State column is a denormalized cache of the transition ledger's latest
// successful entry; the ledger is authoritative when they diverge.
type Agreement struct {
	ID                 string
	CustomerID         string
	State              lifecycle.State
	Principal          float64
	AnnualRateBps      int
	TermMonths         int
	Frequency          schedule.Frequency
	ScheduleRef        *string
	OutstandingBalance float64
	MissedPayments     int
	// Version guards against concurrent transitions on a stale fromState.
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PhaseStatus tracks the progress of one agreement phase.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseActive    PhaseStatus = "active"
	PhaseCompleted PhaseStatus = "completed"
)

// PhaseKind names the ordered phases a mortgage moves through.
type PhaseKind string

const (
	PhaseDocumentation PhaseKind = "DOCUMENTATION"
	PhaseDownpayment   PhaseKind = "DOWNPAYMENT"
	PhaseMortgage      PhaseKind = "MORTGAGE"
)

// Phase is one entry of an agreement's ordered phase plan.
type Phase struct {
	ID          string
	AgreementID string
	Seq         int
	Kind        PhaseKind
	Status      PhaseStatus
	ActivatedAt *time.Time
	CompletedAt *time.Time
}

// CreateParams contains the write parameters for drafting an agreement.
type CreateParams struct {
	CustomerID    string
	Principal     float64
	AnnualRateBps int
	TermMonths    int
	Frequency     schedule.Frequency
	Phases        []PhaseKind
}

// ListFilters narrows agreement listings.
type ListFilters struct {
	CustomerID string
	Page       int
	PageSize   int
}
