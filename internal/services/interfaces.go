package services

import (
	"context"
	"time"

	"github.com/brainnel/checkout-api/internal/checkout"
	"github.com/brainnel/checkout-api/internal/domain"
	"github.com/brainnel/checkout-api/internal/payments"
)

// CheckoutService orchestrates one checkout from eligibility through payment confirmation. Every
// call is scoped to the calling user; checkouts owned by another user are reported as not found.
type CheckoutService interface {
	BeginCheckout(ctx context.Context, cmd BeginCheckoutCommand) (CheckoutSummary, error)
	Checkout(ctx context.Context, userID, checkoutID string) (CheckoutSummary, error)
	ForwarderAddresses(ctx context.Context, mode domain.TransportMode) ([]domain.ForwarderAddress, error)
	QuoteShipping(ctx context.Context, cmd QuoteShippingCommand) (checkout.QuoteView, error)
	ShippingQuote(ctx context.Context, userID, checkoutID string) (checkout.QuoteView, error)
	ListPaymentMethods(ctx context.Context, userID, checkoutID string) (PaymentMethods, error)
	ConvertAmounts(ctx context.Context, cmd ConvertAmountsCommand) (ConversionResult, error)
	SubmitOrder(ctx context.Context, cmd SubmitOrderCommand) (domain.Order, error)
	Order(ctx context.Context, userID, orderID string) (domain.Order, error)
	InitiatePayment(ctx context.Context, cmd InitiatePaymentCommand) (PaymentStatus, error)
	PaymentStatus(ctx context.Context, userID, orderID string) (PaymentStatus, error)
	ObserveNavigation(ctx context.Context, cmd NavigationCommand) (NavigationResult, error)
	ReportLoadError(ctx context.Context, cmd LoadErrorCommand) (PaymentStatus, error)
	HandleDeepLink(ctx context.Context, userID, rawURL string) (PaymentStatus, error)
	CancelPayment(ctx context.Context, userID, orderID string) (PaymentStatus, error)
	// Prune forgets idle checkouts and returns how many were removed.
	Prune(ctx context.Context) int
}

// BeginCheckoutCommand is the cart snapshot a checkout is entered with.
type BeginCheckoutCommand struct {
	UserID      string
	IsLeader    bool
	CountryCode int
	Currency    string
	Lines       []domain.CartLine
}

// CheckoutSummary is the current state of one checkout.
type CheckoutSummary struct {
	CheckoutID    string
	CountryCode   int
	Currency      string
	SelectedTotal float64
	COD           domain.CODDecision
	Quote         checkout.QuoteView
	Conversion    checkout.ConversionView
	Order         *domain.Order
	Payment       *PaymentStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// QuoteShippingCommand selects a forwarder address and transport mode.
type QuoteShippingCommand struct {
	UserID             string
	CheckoutID         string
	ForwarderAddressID string
	TransportMode      domain.TransportMode
}

// PaymentMethods is the method list for a checkout.
type PaymentMethods struct {
	CheckoutID string
	Online     []checkout.MethodOption
	Offline    []checkout.MethodOption
}

// ConvertAmountsCommand converts the checkout amounts for a method and chosen currency.
type ConvertAmountsCommand struct {
	UserID     string
	CheckoutID string
	Method     domain.MethodKey
	Currency   string
}

// ConversionResult reports what the user pays with a method.
type ConversionResult struct {
	Method             domain.MethodKey
	SettlementCurrency string
	Converted          bool
	View               checkout.ConversionView
	// DisplayTotal excludes the shipping fee for COD orders.
	DisplayTotal float64
	ChargeAmount float64
}

// SubmitOrderCommand creates the backend order for a checkout. IsLeader is the caller's status
// at submission; it must match the status the checkout's COD decision was made for.
type SubmitOrderCommand struct {
	UserID         string
	CheckoutID     string
	IsLeader       bool
	Receiver       domain.Receiver
	IdempotencyKey string
}

// InitiatePaymentCommand starts a payment attempt for the checkout's order.
type InitiatePaymentCommand struct {
	UserID         string
	CheckoutID     string
	Method         domain.MethodKey
	Currency       string
	PhoneNumber    string
	Extra          map[string]string
	IdempotencyKey string
}

// PaymentStatus is the client view of a payment attempt.
type PaymentStatus struct {
	AttemptID  string
	CheckoutID string
	OrderID    string
	OrderNo    string
	Method     domain.MethodKey
	Amount     float64
	Currency   string
	State      checkout.State
	Descriptor payments.Descriptor
	Polls      int
	Outcome    *domain.Outcome
	StartedAt  time.Time
	UpdatedAt  time.Time
}

// NavigationCommand reports a navigation of the hosted payment page.
type NavigationCommand struct {
	UserID  string
	OrderID string
	URL     string
}

// NavigationResult tells the page whether to keep loading.
type NavigationResult struct {
	Decision checkout.NavigationDecision
	Payment  PaymentStatus
}

// LoadErrorCommand reports a transport failure on the hosted payment page.
type LoadErrorCommand struct {
	UserID  string
	OrderID string
	Reason  string
}
