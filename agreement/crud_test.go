package agreement

import (
	"context"
	"strings"
	"testing"

	"mortgageflow/schedule"
)

func TestCreate_Validation(t *testing.T) {
	svc := NewCRUDService(nil)
	ctx := context.Background()

	valid := CreateParams{
		CustomerID:    "cust-1",
		Principal:     250_000,
		AnnualRateBps: 450,
		TermMonths:    240,
		Frequency:     schedule.FrequencyMonthly,
	}

	cases := []struct {
		name    string
		mutate  func(*CreateParams)
		wantErr string
	}{
		{"missing customer", func(p *CreateParams) { p.CustomerID = "" }, "customer id required"},
		{"zero principal", func(p *CreateParams) { p.Principal = 0 }, "principal must be positive"},
		{"negative principal", func(p *CreateParams) { p.Principal = -1 }, "principal must be positive"},
		{"zero term", func(p *CreateParams) { p.TermMonths = 0 }, "term must be positive"},
		{"negative rate", func(p *CreateParams) { p.AnnualRateBps = -1 }, "rate must not be negative"},
		{"unknown frequency", func(p *CreateParams) { p.Frequency = "fortnightly" }, "unknown frequency"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := valid
			tc.mutate(&p)
			_, err := svc.Create(ctx, p)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}
