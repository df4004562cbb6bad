package payments

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"golang.org/x/text/currency"

	"github.com/brainnel/checkout-api/internal/domain"
)

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// StripeCardConfig configures the Stripe Checkout backed bank card strategy.
type StripeCardConfig struct {
	APIKey     string
	AccountID  string
	SuccessURL string
	CancelURL  string
	Backends   *stripe.Backends
	Logger     Logger
	Clock      func() time.Time

	sessions stripeSessionAPI
}

// StripeCardStrategy collects bank card payments through a hosted Stripe Checkout page.
type StripeCardStrategy struct {
	sessions   stripeSessionAPI
	account    string
	successURL string
	cancelURL  string
	clock      func() time.Time
	logger     Logger
}

// NewStripeCardStrategy constructs the bank card strategy.
func NewStripeCardStrategy(cfg StripeCardConfig) (*StripeCardStrategy, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.sessions == nil {
		return nil, errors.New("stripe: api key is required")
	}
	successURL := strings.TrimSpace(cfg.SuccessURL)
	cancelURL := strings.TrimSpace(cfg.CancelURL)
	if successURL == "" || cancelURL == "" {
		return nil, errors.New("stripe: success and cancel urls are required")
	}

	sessions := cfg.sessions
	if sessions == nil {
		sc := client.New(apiKey, cfg.Backends)
		sessions = sc.CheckoutSessions
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeCardStrategy{
		sessions:   sessions,
		account:    strings.TrimSpace(cfg.AccountID),
		successURL: successURL,
		cancelURL:  cancelURL,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Method reports the bank card method key.
func (p *StripeCardStrategy) Method() domain.MethodKey { return domain.MethodBankCard }

// Mode reports callback confirmation.
func (p *StripeCardStrategy) Mode() domain.ConfirmationMode { return domain.ConfirmCallback }

// Initiate creates a Stripe Checkout session for the order amount.
func (p *StripeCardStrategy) Initiate(ctx context.Context, req InitiateRequest) (Descriptor, error) {
	if p == nil {
		return Descriptor{}, errors.New("stripe: strategy is nil")
	}
	code := domain.ISOCurrency(req.Currency)
	unitAmount, err := minorUnits(req.Amount, code)
	if err != nil {
		return Failed(err.Error()), nil
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(withOrderQuery(p.successURL, req.OrderID, true)),
		CancelURL:         stripe.String(withOrderQuery(p.cancelURL, req.OrderID, false)),
		ClientReferenceID: stripe.String(req.OrderID),
		Metadata: map[string]string{
			"order_id": req.OrderID,
			"order_no": req.OrderNo,
		},
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(code)),
				UnitAmount: stripe.Int64(unitAmount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(orderLabel(req)),
				},
			},
		}},
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}

	session, err := p.sessions.New(params)
	if err != nil {
		return Descriptor{}, fmt.Errorf("stripe: create checkout session: %w", err)
	}
	p.logger(ctx, "payments.stripe.session.created", map[string]any{
		"sessionId": session.ID,
		"orderId":   req.OrderID,
		"currency":  code,
	})
	if strings.TrimSpace(session.URL) == "" {
		return Failed("payment page unavailable"), nil
	}
	return Redirect(session.URL, session.ID), nil
}

// Confirm retrieves the Checkout session and reports whether it was paid.
func (p *StripeCardStrategy) Confirm(ctx context.Context, req ConfirmRequest) (Confirmation, error) {
	if p == nil {
		return Confirmation{}, errors.New("stripe: strategy is nil")
	}
	sessionID := strings.TrimSpace(req.Reference)
	if id := strings.TrimSpace(req.Params.Get("session_id")); id != "" {
		sessionID = id
	}
	if sessionID == "" {
		return Confirmation{Status: StatusFailed, Msg: "missing checkout session"}, nil
	}

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	session, err := p.sessions.Get(sessionID, params)
	if err != nil {
		return Confirmation{}, fmt.Errorf("stripe: lookup checkout session: %w", err)
	}
	if session.ClientReferenceID != "" && req.OrderID != "" && session.ClientReferenceID != req.OrderID {
		return Confirmation{Status: StatusFailed, Msg: "checkout session does not belong to this order"}, nil
	}

	p.logger(ctx, "payments.stripe.session.finalized", map[string]any{
		"sessionId":     session.ID,
		"paymentStatus": session.PaymentStatus,
		"status":        session.Status,
	})
	switch {
	case session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		session.PaymentStatus == stripe.CheckoutSessionPaymentStatusNoPaymentRequired:
		return Confirmation{Status: StatusSucceeded}, nil
	case session.Status == stripe.CheckoutSessionStatusExpired:
		return Confirmation{Status: StatusFailed, Msg: "checkout session expired"}, nil
	default:
		return Confirmation{Status: StatusFailed, Msg: "card payment not completed"}, nil
	}
}

func minorUnits(amount float64, code string) (int64, error) {
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return 0, fmt.Errorf("stripe: invalid amount %v", amount)
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return 0, fmt.Errorf("stripe: unsupported currency %q", code)
	}
	scale, _ := currency.Standard.Rounding(unit)
	return int64(math.Round(amount * math.Pow10(scale))), nil
}

func withOrderQuery(base, orderID string, success bool) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("order_id", orderID)
	if success {
		// Stripe substitutes the literal placeholder; it must stay unescaped.
		u.RawQuery = q.Encode() + "&session_id={CHECKOUT_SESSION_ID}"
		return u.String()
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func orderLabel(req InitiateRequest) string {
	if no := strings.TrimSpace(req.OrderNo); no != "" {
		return "Order " + no
	}
	return "Order " + req.OrderID
}
