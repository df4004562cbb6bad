package checkout

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/brainnel/checkout-api/internal/domain"
)

// ErrNoLineSelected indicates no cart line is selected for submission.
var ErrNoLineSelected = errors.New("checkout: no cart line selected")

// Shortfall names a product group whose selected quantity is below its minimum order quantity.
type Shortfall struct {
	ProductID   string
	ProductName string
	Required    int
	Selected    int
}

// Missing returns how many more units must be selected.
func (s Shortfall) Missing() int {
	return s.Required - s.Selected
}

// MinimumQuantityError blocks submission when product groups miss their minimum order quantity.
type MinimumQuantityError struct {
	Shortfalls []Shortfall
}

func (e *MinimumQuantityError) Error() string {
	parts := make([]string, 0, len(e.Shortfalls))
	for _, s := range e.Shortfalls {
		parts = append(parts, fmt.Sprintf("%s: selected %d, minimum %d", s.ProductID, s.Selected, s.Required))
	}
	return "checkout: minimum order quantity not met (" + strings.Join(parts, "; ") + ")"
}

// Message renders the shortfalls for the user's language.
func (e *MinimumQuantityError) Message(tag language.Tag) string {
	p := message.NewPrinter(tag)
	lines := make([]string, 0, len(e.Shortfalls))
	for _, s := range e.Shortfalls {
		name := s.ProductName
		if name == "" {
			name = s.ProductID
		}
		lines = append(lines, p.Sprintf("%s: add %d more (minimum %d)", name, s.Missing(), s.Required))
	}
	return strings.Join(lines, "\n")
}

// MinimumAmountError blocks submission when the selected total is below the minimum order amount.
type MinimumAmountError struct {
	Required float64
	Actual   float64
	Currency string
}

func (e *MinimumAmountError) Error() string {
	return fmt.Sprintf("checkout: order total %.2f %s below minimum %.2f", e.Actual, e.Currency, e.Required)
}

// Message renders the minimum amount for the user's language.
func (e *MinimumAmountError) Message(tag language.Tag) string {
	p := message.NewPrinter(tag)
	unit, err := currency.ParseISO(domain.ISOCurrency(e.Currency))
	if err != nil {
		return p.Sprintf("Minimum order amount is %.0f %s", e.Required, e.Currency)
	}
	return p.Sprintf("Minimum order amount is %v", currency.Symbol(unit.Amount(e.Required)))
}

// Submission is the cart snapshot presented for order creation.
type Submission struct {
	Lines       []domain.CartLine
	CountryCode int
	Currency    string
	IsLeader    bool
}

// SubmissionGate enforces the preconditions for creating an order.
type SubmissionGate struct {
	threshold      *MinimumOrderThreshold
	gateLowValueCI bool
}

// NewSubmissionGate constructs the gate over the shared threshold. gateLowValueCI controls whether
// low-value Ivorian orders are blocked before payment selection.
func NewSubmissionGate(threshold *MinimumOrderThreshold, gateLowValueCI bool) *SubmissionGate {
	return &SubmissionGate{threshold: threshold, gateLowValueCI: gateLowValueCI}
}

// Validate checks selection, per-product minimum quantities and the minimum order amount.
func (g *SubmissionGate) Validate(ctx context.Context, sub Submission) error {
	selected := SelectedLines(sub.Lines)
	if len(selected) == 0 {
		return ErrNoLineSelected
	}

	if shortfalls := quantityShortfalls(selected); len(shortfalls) > 0 {
		return &MinimumQuantityError{Shortfalls: shortfalls}
	}

	if sub.IsLeader {
		return nil
	}
	if sub.CountryCode == domain.CountryCodeCI && !g.gateLowValueCI {
		return nil
	}
	required, err := g.threshold.For(ctx, sub.Currency)
	if err != nil {
		return err
	}
	total := SelectedTotal(sub.Lines)
	if total < required {
		return &MinimumAmountError{Required: required, Actual: total, Currency: sub.Currency}
	}
	return nil
}

// SelectedLines returns the selected lines.
func SelectedLines(lines []domain.CartLine) []domain.CartLine {
	out := make([]domain.CartLine, 0, len(lines))
	for _, line := range lines {
		if line.Selected && line.Quantity > 0 {
			out = append(out, line)
		}
	}
	return out
}

// SelectedTotal sums the selected lines.
func SelectedTotal(lines []domain.CartLine) float64 {
	var total float64
	for _, line := range lines {
		if line.Selected && line.Quantity > 0 {
			total += line.Subtotal()
		}
	}
	return total
}

func quantityShortfalls(selected []domain.CartLine) []Shortfall {
	groups := make(map[string]*Shortfall)
	order := make([]string, 0)
	for _, line := range selected {
		g, ok := groups[line.ProductID]
		if !ok {
			g = &Shortfall{ProductID: line.ProductID, ProductName: line.ProductName}
			groups[line.ProductID] = g
			order = append(order, line.ProductID)
		}
		g.Selected += line.Quantity
		if line.MinOrderQuantity > g.Required {
			g.Required = line.MinOrderQuantity
		}
	}
	sort.Strings(order)
	var out []Shortfall
	for _, id := range order {
		if g := groups[id]; g.Selected < g.Required {
			out = append(out, *g)
		}
	}
	return out
}
