package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/brainnel/checkout-api/internal/domain"
)

// DefaultCODThresholdFCFA is the Ivorian order value, in FCFA, below which COD is refused.
const DefaultCODThresholdFCFA = 50000

const thresholdKey = "threshold"

var (
	// ErrThresholdUnavailable indicates the minimum order threshold could not be expressed in the order currency.
	ErrThresholdUnavailable = errors.New("checkout: minimum order threshold unavailable")
	// ErrStaleCODDecision indicates a COD decision was computed for a different cart snapshot.
	ErrStaleCODDecision = errors.New("checkout: cod decision does not match order")
)

// AmountConverter converts named amounts between currencies.
type AmountConverter interface {
	Convert(ctx context.Context, from, to string, amounts map[string]float64) ([]domain.ConvertedAmount, error)
}

// MinimumOrderThreshold expresses the FCFA minimum order value in any currency. It is the single
// source for both COD evaluation and the submission gate.
type MinimumOrderThreshold struct {
	baseFCFA  float64
	converter AmountConverter
}

// NewMinimumOrderThreshold constructs the threshold. A non-positive base falls back to the default.
func NewMinimumOrderThreshold(baseFCFA float64, converter AmountConverter) *MinimumOrderThreshold {
	if baseFCFA <= 0 {
		baseFCFA = DefaultCODThresholdFCFA
	}
	return &MinimumOrderThreshold{baseFCFA: baseFCFA, converter: converter}
}

// For returns the threshold in the given currency.
func (t *MinimumOrderThreshold) For(ctx context.Context, currency string) (float64, error) {
	if t == nil {
		return 0, ErrThresholdUnavailable
	}
	currency = strings.TrimSpace(currency)
	if currency == "" {
		return 0, fmt.Errorf("%w: currency is required", ErrThresholdUnavailable)
	}
	if domain.SameCurrency(currency, domain.CurrencyFCFA) {
		return t.baseFCFA, nil
	}
	if t.converter == nil {
		return 0, fmt.Errorf("%w: no converter", ErrThresholdUnavailable)
	}
	rows, err := t.converter.Convert(ctx, domain.CurrencyFCFA, currency, map[string]float64{thresholdKey: t.baseFCFA})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrThresholdUnavailable, err)
	}
	value, ok := ConvertedValue(rows, thresholdKey)
	if !ok {
		return 0, fmt.Errorf("%w: missing converted threshold", ErrThresholdUnavailable)
	}
	return value, nil
}

// EligibilityInput is everything COD eligibility depends on.
type EligibilityInput struct {
	CountryCode int
	Currency    string
	TotalAmount float64
	IsLeader    bool
}

// DecideCOD applies the COD rule for a known threshold. The threshold is only consulted for
// non-leader Ivorian orders, and the comparison is strict.
func DecideCOD(in EligibilityInput, threshold float64) domain.CODDecision {
	d := domain.CODDecision{
		IsCOD:       true,
		IsToc:       0,
		CountryCode: in.CountryCode,
		Currency:    strings.TrimSpace(in.Currency),
		TotalAmount: in.TotalAmount,
		IsLeader:    in.IsLeader,
	}
	if in.IsLeader || in.CountryCode != domain.CountryCodeCI {
		return d
	}
	d.Threshold = threshold
	if in.TotalAmount < threshold {
		d.IsToc = 1
	}
	d.IsCOD = d.IsToc == 0
	return d
}

// CODEvaluator resolves the threshold and decides COD eligibility.
type CODEvaluator struct {
	threshold *MinimumOrderThreshold
	now       func() time.Time
}

// NewCODEvaluator constructs an evaluator over the shared threshold.
func NewCODEvaluator(threshold *MinimumOrderThreshold, clock func() time.Time) *CODEvaluator {
	if clock == nil {
		clock = time.Now
	}
	return &CODEvaluator{threshold: threshold, now: clock}
}

// Evaluate decides COD eligibility. Only non-leader Ivorian orders need the threshold.
func (e *CODEvaluator) Evaluate(ctx context.Context, in EligibilityInput) (domain.CODDecision, error) {
	var threshold float64
	if !in.IsLeader && in.CountryCode == domain.CountryCodeCI {
		t, err := e.threshold.For(ctx, in.Currency)
		if err != nil {
			return domain.CODDecision{}, err
		}
		threshold = t
	}
	d := DecideCOD(in, threshold)
	d.DecidedAt = e.now().UTC()
	return d, nil
}

// DecisionMatches reports whether a decision was computed for exactly these inputs.
func DecisionMatches(d domain.CODDecision, in EligibilityInput) bool {
	return d.CountryCode == in.CountryCode &&
		strings.EqualFold(d.Currency, strings.TrimSpace(in.Currency)) &&
		d.TotalAmount == in.TotalAmount &&
		d.IsLeader == in.IsLeader
}
