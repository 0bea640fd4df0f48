// Package schedule computes installment schedules for mortgage agreements.
// It is pure: callers persist the result and feed it into side-effect
// payloads when a payment phase is activated.
package schedule

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Frequency is the payment cadence of a schedule.
type Frequency string

const (
	FrequencyWeekly    Frequency = "weekly"
	FrequencyMonthly   Frequency = "monthly"
	FrequencyQuarterly Frequency = "quarterly"
)

// PeriodsPerYear returns the number of installments per year for the
// frequency, or 0 for an unknown frequency.
func (f Frequency) PeriodsPerYear() int {
	switch f {
	case FrequencyWeekly:
		return 52
	case FrequencyMonthly:
		return 12
	case FrequencyQuarterly:
		return 4
	default:
		return 0
	}
}

// next advances a due date by one period.
func (f Frequency) next(t time.Time) time.Time {
	switch f {
	case FrequencyWeekly:
		return t.AddDate(0, 0, 7)
	case FrequencyQuarterly:
		return t.AddDate(0, 3, 0)
	default:
		return t.AddDate(0, 1, 0)
	}
}

// Terms are the inputs of an amortization run.
type Terms struct {
	Principal     float64
	AnnualRateBps int
	Installments  int
	Frequency     Frequency
	StartDate     time.Time
}

// Installment is one row of the produced schedule. Balance is the remaining
// principal after the installment is paid.
type Installment struct {
	Number    int
	DueDate   time.Time
	Amount    float64
	Principal float64
	Interest  float64
	Balance   float64
}

var ErrInvalidTerms = errors.New("schedule: invalid terms")

// Amortize produces the ordered installment sequence for the terms using the
// standard annuity formula payment = (P*r)/(1-(1+r)^-n) when r > 0, or P/n
// when r = 0. The remaining principal is recalculated after each installment
// and the final installment absorbs the rounding remainder, so the schedule
// always amortizes to exactly zero.
func Amortize(t Terms) ([]Installment, error) {
	if t.Principal <= 0 {
		return nil, fmt.Errorf("%w: principal must be positive", ErrInvalidTerms)
	}
	if t.Installments <= 0 {
		return nil, fmt.Errorf("%w: installment count must be positive", ErrInvalidTerms)
	}
	if t.AnnualRateBps < 0 {
		return nil, fmt.Errorf("%w: rate must not be negative", ErrInvalidTerms)
	}
	periods := t.Frequency.PeriodsPerYear()
	if periods == 0 {
		return nil, fmt.Errorf("%w: unknown frequency %q", ErrInvalidTerms, t.Frequency)
	}

	rate := float64(t.AnnualRateBps) / 10000 / float64(periods)
	n := t.Installments

	var payment float64
	if rate > 0 {
		payment = round2(t.Principal * rate / (1 - math.Pow(1+rate, float64(-n))))
	} else {
		payment = round2(t.Principal / float64(n))
	}

	out := make([]Installment, 0, n)
	balance := t.Principal
	due := t.StartDate
	for k := 1; k <= n; k++ {
		interest := round2(balance * rate)
		var principal float64
		if k < n {
			principal = round2(payment - interest)
		} else {
			// Last installment clears whatever principal remains.
			principal = balance
		}
		balance = round2(balance - principal)
		out = append(out, Installment{
			Number:    k,
			DueDate:   due,
			Amount:    round2(principal + interest),
			Principal: principal,
			Interest:  interest,
			Balance:   balance,
		})
		due = t.Frequency.next(due)
	}

	return out, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
