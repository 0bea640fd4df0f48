package lifecycle

import "fmt"

// Guard is a pure predicate over the agreement snapshot and request context.
// Check returns whether the guard passed and a human-readable message for the
// audit record.
type Guard struct {
	Name  string
	Check func(s Snapshot, c Context) (bool, string)
}

const (
	GuardTermsComplete           = "terms_complete"
	GuardPreviousPhasesCompleted = "previous_phases_completed"
	GuardScheduleNotGenerated    = "schedule_not_generated"
	GuardOutstandingCleared      = "outstanding_cleared"
	GuardArrearsPresent          = "arrears_present"
)

func guardTermsComplete() Guard {
	return Guard{
		Name: GuardTermsComplete,
		Check: func(s Snapshot, _ Context) (bool, string) {
			if s.Principal <= 0 {
				return false, "principal must be positive"
			}
			if s.TermMonths <= 0 {
				return false, "term must be positive"
			}
			if s.AnnualRateBps < 0 {
				return false, "rate must not be negative"
			}
			return true, "terms complete"
		},
	}
}

func guardPreviousPhasesCompleted() Guard {
	return Guard{
		Name: GuardPreviousPhasesCompleted,
		Check: func(s Snapshot, _ Context) (bool, string) {
			if s.PendingPriorPhases > 0 {
				return false, fmt.Sprintf("%d prior phase(s) not completed", s.PendingPriorPhases)
			}
			return true, "all prior phases completed"
		},
	}
}

func guardScheduleNotGenerated() Guard {
	return Guard{
		Name: GuardScheduleNotGenerated,
		Check: func(s Snapshot, _ Context) (bool, string) {
			if s.ScheduleRef != "" {
				return false, fmt.Sprintf("schedule %s already generated", s.ScheduleRef)
			}
			return true, "no schedule yet"
		},
	}
}

func guardOutstandingCleared() Guard {
	return Guard{
		Name: GuardOutstandingCleared,
		Check: func(s Snapshot, _ Context) (bool, string) {
			if s.OutstandingBalance > 0 {
				return false, fmt.Sprintf("outstanding balance %.2f remains", s.OutstandingBalance)
			}
			return true, "outstanding balance cleared"
		},
	}
}

func guardArrearsPresent() Guard {
	return Guard{
		Name: GuardArrearsPresent,
		Check: func(s Snapshot, _ Context) (bool, string) {
			if s.MissedPayments == 0 {
				return false, "no missed payments on record"
			}
			return true, fmt.Sprintf("%d missed payment(s)", s.MissedPayments)
		},
	}
}
