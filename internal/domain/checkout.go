package domain

import (
	"strings"
	"time"
)

// CountryCodeCI is the dialling code of Côte d'Ivoire, the only country with a COD threshold.
const CountryCodeCI = 225

// CurrencyFCFA is the currency label the storefront uses for the CFA franc.
const CurrencyFCFA = "FCFA"

// TransportMode selects the international shipping leg.
type TransportMode string

const (
	// TransportSea ships the consolidated parcel by sea freight.
	TransportSea TransportMode = "sea"
	// TransportAir ships the consolidated parcel by air freight.
	TransportAir TransportMode = "air"
)

// Valid reports whether the mode is one of the supported transport modes.
func (m TransportMode) Valid() bool {
	return m == TransportSea || m == TransportAir
}

// ParseTransportMode normalises user input into a TransportMode.
func ParseTransportMode(value string) (TransportMode, bool) {
	mode := TransportMode(strings.ToLower(strings.TrimSpace(value)))
	return mode, mode.Valid()
}

// MethodKey identifies a payment method in the catalog.
type MethodKey string

const (
	MethodBalance      MethodKey = "balance"
	MethodMobileMoney  MethodKey = "mobile_money"
	MethodWave         MethodKey = "wave"
	MethodPayPal       MethodKey = "paypal"
	MethodBankCard     MethodKey = "bank_card"
	MethodCash         MethodKey = "cash"
	MethodBankTransfer MethodKey = "bank_transfer"
)

// ConfirmationMode describes how a payment method reaches a terminal state.
type ConfirmationMode string

const (
	// ConfirmImmediate resolves synchronously from the initiation response.
	ConfirmImmediate ConfirmationMode = "immediate"
	// ConfirmPolling polls the backend payment status at a fixed interval.
	ConfirmPolling ConfirmationMode = "polling"
	// ConfirmCallback waits for the hosted payment page to signal completion.
	ConfirmCallback ConfirmationMode = "callback"
	// ConfirmOffline records the order and settles outside the app.
	ConfirmOffline ConfirmationMode = "offline"
)

// Amount item keys used by conversions and order totals.
const (
	AmountKeyTotal            = "total_amount"
	AmountKeyShippingFee      = "shipping_fee"
	AmountKeyDomesticShipping = "domestic_shipping_fee"
)

// CartLine is a single cart row as presented at submission time.
type CartLine struct {
	ID               string
	ProductID        string
	ProductName      string
	SKUID            string
	Quantity         int
	UnitPrice        float64
	MinOrderQuantity int
	Selected         bool
}

// Subtotal returns the line amount.
func (l CartLine) Subtotal() float64 {
	return l.UnitPrice * float64(l.Quantity)
}

// Receiver carries the delivery contact for an order.
type Receiver struct {
	Name    string
	Phone   string
	Address string
	Country string
}

// OrderItem is a line of a created order.
type OrderItem struct {
	ProductID   string
	SKUID       string
	ProductName string
	Quantity    int
	UnitPrice   float64
}

// Order is the backend-owned record of a checkout attempt.
type Order struct {
	ID                  string
	OrderNo             string
	Currency            string
	TotalAmount         float64
	DiscountAmount      float64
	ShippingFee         float64
	DomesticShippingFee float64
	ActualAmount        float64
	PayStatus           int
	Receiver            Receiver
	Items               []OrderItem
	CreatedAt           time.Time
}

// Paid reports whether the backend marked the order as paid.
func (o Order) Paid() bool {
	return o.PayStatus == 1
}

// ForwarderAddress is a consolidation warehouse used for international shipping.
type ForwarderAddress struct {
	ID            string
	Name          string
	Country       string
	Address       string
	Phone         string
	TransportMode TransportMode
	IsDefault     bool
}

// QuoteItem is a cart item sent to the shipping fee endpoints.
type QuoteItem struct {
	ProductID string
	SKUID     string
	Quantity  int
}

// ShippingQuote is the combined international and domestic fee quote for one address and mode.
type ShippingQuote struct {
	ForwarderAddressID       string
	TransportMode            TransportMode
	TotalShippingFeeSea      float64
	TotalShippingFeeAir      float64
	TotalDomesticShippingFee float64
	Currency                 string
	QuotedAt                 time.Time
}

// InternationalFee returns the fee for the quoted transport mode.
func (q ShippingQuote) InternationalFee() float64 {
	if q.TransportMode == TransportAir {
		return q.TotalShippingFeeAir
	}
	return q.TotalShippingFeeSea
}

// ConvertedAmount is one row of an atomic currency conversion.
type ConvertedAmount struct {
	ItemKey         string  `json:"item_key"`
	OriginalAmount  float64 `json:"original_amount"`
	ConvertedAmount float64 `json:"converted_amount"`
}

// CODDecision is the COD eligibility computed for one checkout entry.
type CODDecision struct {
	IsCOD bool
	IsToc int

	CountryCode int
	Currency    string
	TotalAmount float64
	IsLeader    bool
	Threshold   float64
	DecidedAt   time.Time
}

// OutcomeScreen is the screen the app navigates to once a payment attempt ends.
type OutcomeScreen string

const (
	ScreenPaymentSuccess OutcomeScreen = "payment_success"
	ScreenPayError       OutcomeScreen = "pay_error"
	ScreenCheckout       OutcomeScreen = "checkout"
)

// Outcome is the client-visible result of a payment attempt.
type Outcome struct {
	Screen   OutcomeScreen
	OrderID  string
	OrderNo  string
	Amount   float64
	Currency string
	Msg      string
}

// ISOCurrency maps storefront currency labels to ISO 4217 codes.
func ISOCurrency(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	switch code {
	case CurrencyFCFA, "CFA", "F CFA":
		return "XOF"
	default:
		return code
	}
}

// SameCurrency reports whether two currency labels denote the same currency.
func SameCurrency(a, b string) bool {
	return ISOCurrency(a) == ISOCurrency(b)
}
