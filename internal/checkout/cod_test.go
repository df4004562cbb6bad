package checkout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/brainnel/checkout-api/internal/domain"
)

func TestDecideCOD(t *testing.T) {
	tests := []struct {
		name      string
		in        EligibilityInput
		wantCOD   bool
		wantIsToc int
	}{
		{name: "ivorian order just below threshold", in: EligibilityInput{CountryCode: 225, Currency: "FCFA", TotalAmount: 49999.99}, wantCOD: false, wantIsToc: 1},
		{name: "ivorian order at threshold", in: EligibilityInput{CountryCode: 225, Currency: "FCFA", TotalAmount: 50000}, wantCOD: true, wantIsToc: 0},
		{name: "ivorian leader below threshold", in: EligibilityInput{CountryCode: 225, Currency: "FCFA", TotalAmount: 100, IsLeader: true}, wantCOD: true, wantIsToc: 0},
		{name: "senegalese order below threshold", in: EligibilityInput{CountryCode: 221, Currency: "FCFA", TotalAmount: 100}, wantCOD: true, wantIsToc: 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := DecideCOD(tc.in, DefaultCODThresholdFCFA)
			if d.IsCOD != tc.wantCOD || d.IsToc != tc.wantIsToc {
				t.Fatalf("expected isCOD=%v isToc=%d, got isCOD=%v isToc=%d", tc.wantCOD, tc.wantIsToc, d.IsCOD, d.IsToc)
			}
		})
	}
}

func TestCODEvaluatorConvertsThresholdForForeignCurrency(t *testing.T) {
	var calls int
	threshold := NewMinimumOrderThreshold(0, stubConverter{
		convertFunc: func(ctx context.Context, from, to string, amounts map[string]float64) ([]domain.ConvertedAmount, error) {
			calls++
			if from != domain.CurrencyFCFA || to != "USD" {
				t.Fatalf("unexpected conversion %s -> %s", from, to)
			}
			if amounts[thresholdKey] != DefaultCODThresholdFCFA {
				t.Fatalf("expected base threshold, got %v", amounts)
			}
			return []domain.ConvertedAmount{{ItemKey: thresholdKey, OriginalAmount: 50000, ConvertedAmount: 82.5}}, nil
		},
	})
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	evaluator := NewCODEvaluator(threshold, func() time.Time { return now })

	d, err := evaluator.Evaluate(context.Background(), EligibilityInput{CountryCode: 225, Currency: "USD", TotalAmount: 82.49})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.IsCOD || d.IsToc != 1 {
		t.Fatalf("expected low-value order, got %+v", d)
	}
	if d.Threshold != 82.5 || !d.DecidedAt.Equal(now) {
		t.Fatalf("unexpected decision metadata %+v", d)
	}

	d, err = evaluator.Evaluate(context.Background(), EligibilityInput{CountryCode: 221, Currency: "USD", TotalAmount: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.IsCOD || calls != 1 {
		t.Fatalf("expected non-ivorian order to skip the threshold, got %+v after %d calls", d, calls)
	}
}

func TestCODEvaluatorThresholdUnavailable(t *testing.T) {
	threshold := NewMinimumOrderThreshold(50000, stubConverter{
		convertFunc: func(ctx context.Context, from, to string, amounts map[string]float64) ([]domain.ConvertedAmount, error) {
			return nil, errors.New("rates down")
		},
	})
	evaluator := NewCODEvaluator(threshold, nil)

	_, err := evaluator.Evaluate(context.Background(), EligibilityInput{CountryCode: 225, Currency: "EUR", TotalAmount: 10})
	if !errors.Is(err, ErrThresholdUnavailable) {
		t.Fatalf("expected threshold unavailable, got %v", err)
	}
}

func TestDecisionMatches(t *testing.T) {
	in := EligibilityInput{CountryCode: 225, Currency: "FCFA", TotalAmount: 60000}
	d := DecideCOD(in, DefaultCODThresholdFCFA)
	if !DecisionMatches(d, EligibilityInput{CountryCode: 225, Currency: " fcfa ", TotalAmount: 60000}) {
		t.Fatalf("expected decision to match the same inputs")
	}
	if DecisionMatches(d, EligibilityInput{CountryCode: 225, Currency: "FCFA", TotalAmount: 59000}) {
		t.Fatalf("expected decision to be stale for a different total")
	}
}
