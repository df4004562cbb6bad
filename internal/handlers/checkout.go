package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/text/language"

	"github.com/brainnel/checkout-api/internal/backend"
	"github.com/brainnel/checkout-api/internal/checkout"
	"github.com/brainnel/checkout-api/internal/domain"
	"github.com/brainnel/checkout-api/internal/platform/auth"
	"github.com/brainnel/checkout-api/internal/platform/httpx"
	"github.com/brainnel/checkout-api/internal/platform/idempotency"
	"github.com/brainnel/checkout-api/internal/services"
)

const maxCheckoutRequestBody = 32 * 1024

// CheckoutHandlers exposes the checkout and payment endpoints for authenticated users.
type CheckoutHandlers struct {
	authn       *auth.Authenticator
	checkout    services.CheckoutService
	idempotency func(http.Handler) http.Handler
	paymentRate func(http.Handler) http.Handler
}

// CheckoutHandlerOption customises CheckoutHandlers.
type CheckoutHandlerOption func(*CheckoutHandlers)

// WithCheckoutIdempotency guards order submission and payment initiation with the middleware.
func WithCheckoutIdempotency(mw func(http.Handler) http.Handler) CheckoutHandlerOption {
	return func(h *CheckoutHandlers) {
		h.idempotency = mw
	}
}

// WithPaymentRateLimit throttles payment initiation with the middleware.
func WithPaymentRateLimit(mw func(http.Handler) http.Handler) CheckoutHandlerOption {
	return func(h *CheckoutHandlers) {
		h.paymentRate = mw
	}
}

// NewCheckoutHandlers constructs checkout handlers guarded by Firebase authentication.
func NewCheckoutHandlers(authn *auth.Authenticator, svc services.CheckoutService, opts ...CheckoutHandlerOption) *CheckoutHandlers {
	h := &CheckoutHandlers{authn: authn, checkout: svc}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireFirebaseAuth())
	}

	guarded := group
	if h.idempotency != nil {
		guarded = guarded.With(h.idempotency)
	}
	payments := guarded
	if h.paymentRate != nil {
		payments = payments.With(h.paymentRate)
	}

	group.Post("/sessions", h.beginCheckout)
	group.Get("/sessions/{checkoutId}", h.getCheckout)
	group.Get("/forwarder-addresses", h.listForwarderAddresses)
	group.Post("/sessions/{checkoutId}/quote", h.quoteShipping)
	group.Get("/sessions/{checkoutId}/quote", h.getQuote)
	group.Get("/sessions/{checkoutId}/payment-methods", h.listPaymentMethods)
	group.Post("/sessions/{checkoutId}/conversions", h.convertAmounts)
	guarded.Post("/sessions/{checkoutId}/order", h.submitOrder)
	group.Get("/orders/{orderId}", h.getOrder)
	payments.Post("/sessions/{checkoutId}/payments", h.initiatePayment)
	group.Post("/payments/deeplink", h.handleDeepLink)
	group.Get("/payments/{orderId}", h.getPayment)
	group.Post("/payments/{orderId}/navigation", h.observeNavigation)
	group.Post("/payments/{orderId}/load-error", h.reportLoadError)
	group.Delete("/payments/{orderId}", h.cancelPayment)
}

type cartLineRequest struct {
	ID               string  `json:"id"`
	ProductID        string  `json:"productId" validate:"required"`
	ProductName      string  `json:"productName"`
	SKUID            string  `json:"skuId"`
	Quantity         int     `json:"quantity" validate:"gte=0"`
	UnitPrice        float64 `json:"unitPrice" validate:"gte=0"`
	MinOrderQuantity int     `json:"minOrderQuantity" validate:"gte=0"`
	Selected         bool    `json:"selected"`
}

type beginCheckoutRequest struct {
	CountryCode int               `json:"countryCode" validate:"required,gt=0"`
	Currency    string            `json:"currency" validate:"required"`
	Lines       []cartLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type quoteShippingRequest struct {
	ForwarderAddressID string `json:"forwarderAddressId" validate:"required"`
	TransportMode      string `json:"transportMode" validate:"required"`
}

type convertAmountsRequest struct {
	Method   string `json:"method" validate:"required"`
	Currency string `json:"currency"`
}

type receiverRequest struct {
	Name    string `json:"name" validate:"required"`
	Phone   string `json:"phone" validate:"required"`
	Address string `json:"address"`
	Country string `json:"country"`
}

type submitOrderRequest struct {
	Receiver receiverRequest `json:"receiver"`
}

type shortfallPayload struct {
	ProductID   string `json:"productId"`
	ProductName string `json:"productName,omitempty"`
	Required    int    `json:"required"`
	Selected    int    `json:"selected"`
	Missing     int    `json:"missing"`
}

func (h *CheckoutHandlers) beginCheckout(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r) {
		return
	}
	identity, ctx, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var req beginCheckoutRequest
	if !decodeJSONBody(w, r, maxCheckoutRequestBody, &req) {
		return
	}

	lines := make([]domain.CartLine, 0, len(req.Lines))
	for _, line := range req.Lines {
		lines = append(lines, domain.CartLine{
			ID:               strings.TrimSpace(line.ID),
			ProductID:        strings.TrimSpace(line.ProductID),
			ProductName:      strings.TrimSpace(line.ProductName),
			SKUID:            strings.TrimSpace(line.SKUID),
			Quantity:         line.Quantity,
			UnitPrice:        line.UnitPrice,
			MinOrderQuantity: line.MinOrderQuantity,
			Selected:         line.Selected,
		})
	}

	summary, err := h.checkout.BeginCheckout(ctx, services.BeginCheckoutCommand{
		UserID:      identity.UID,
		IsLeader:    identity.IsLeader(),
		CountryCode: req.CountryCode,
		Currency:    strings.TrimSpace(req.Currency),
		Lines:       lines,
	})
	if err != nil {
		writeCheckoutError(ctx, w, err, requestLanguage(r, identity))
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, newCheckoutPayload(summary))
}

func (h *CheckoutHandlers) getCheckout(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r) {
		return
	}
	identity, ctx, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	summary, err := h.checkout.Checkout(ctx, identity.UID, chi.URLParam(r, "checkoutId"))
	if err != nil {
		writeCheckoutError(ctx, w, err, requestLanguage(r, identity))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newCheckoutPayload(summary))
}

func (h *CheckoutHandlers) listForwarderAddresses(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r) {
		return
	}
	identity, ctx, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	mode, valid := domain.ParseTransportMode(r.URL.Query().Get("mode"))
	if !valid {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "mode must be sea or air", http.StatusBadRequest))
		return
	}
	addresses, err := h.checkout.ForwarderAddresses(ctx, mode)
	if err != nil {
		writeCheckoutError(ctx, w, err, requestLanguage(r, identity))
		return
	}
	items := make([]forwarderAddressPayload, 0, len(addresses))
	for _, addr := range addresses {
		items = append(items, forwarderAddressPayload{
			ID:            addr.ID,
			Name:          addr.Name,
			Country:       addr.Country,
			Address:       addr.Address,
			Phone:         addr.Phone,
			TransportMode: string(addr.TransportMode),
			IsDefault:     addr.IsDefault,
		})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *CheckoutHandlers) quoteShipping(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r) {
		return
	}
	identity, ctx, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	var req quoteShippingRequest
	if !decodeJSONBody(w, r, maxCheckoutRequestBody, &req) {
		return
	}
	mode, valid := domain.ParseTransportMode(req.TransportMode)
	if !valid {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "transportMode must be sea or air", http.StatusBadRequest))
		return
	}
	view, err := h.checkout.QuoteShipping(ctx, services.QuoteShippingCommand{
		UserID:             identity.UID,
		CheckoutID:         chi.URLParam(r, "checkoutId"),
		ForwarderAddressID: strings.TrimSpace(req.ForwarderAddressID),
		TransportMode:      mode,
	})
	if err != nil {
		writeCheckoutError(ctx, w, err, requestLanguage(r, identity))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newQuotePayload(view))
}

func (h *CheckoutHandlers) getQuote(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r) {
		return
	}
	identity, ctx, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	view, err := h.checkout.ShippingQuote(ctx, identity.UID, chi.URLParam(r, "checkoutId"))
	if err != nil {
		writeCheckoutError(ctx, w, err, requestLanguage(r, identity))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newQuotePayload(view))
}

func (h *CheckoutHandlers) listPaymentMethods(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r) {
		return
	}
	identity, ctx, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	methods, err := h.checkout.ListPaymentMethods(ctx, identity.UID, chi.URLParam(r, "checkoutId"))
	if err != nil {
		writeCheckoutError(ctx, w, err, requestLanguage(r, identity))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, paymentMethodsPayload{
		CheckoutID: methods.CheckoutID,
		Online:     methodPayloads(methods.Online),
		Offline:    methodPayloads(methods.Offline),
	})
}

func (h *CheckoutHandlers) convertAmounts(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r) {
		return
	}
	identity, ctx, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	var req convertAmountsRequest
	if !decodeJSONBody(w, r, maxCheckoutRequestBody, &req) {
		return
	}
	result, err := h.checkout.ConvertAmounts(ctx, services.ConvertAmountsCommand{
		UserID:     identity.UID,
		CheckoutID: chi.URLParam(r, "checkoutId"),
		Method:     domain.MethodKey(strings.ToLower(strings.TrimSpace(req.Method))),
		Currency:   strings.TrimSpace(req.Currency),
	})
	if err != nil {
		writeCheckoutError(ctx, w, err, requestLanguage(r, identity))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, conversionResultPayload{
		Method:             string(result.Method),
		SettlementCurrency: result.SettlementCurrency,
		Converted:          result.Converted,
		Conversion:         newConversionPayload(result.View),
		DisplayTotal:       result.DisplayTotal,
		ChargeAmount:       result.ChargeAmount,
	})
}

func (h *CheckoutHandlers) submitOrder(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r) {
		return
	}
	identity, ctx, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	var req submitOrderRequest
	if !decodeJSONBody(w, r, maxCheckoutRequestBody, &req) {
		return
	}
	key, _ := idempotency.KeyFromContext(ctx)
	order, err := h.checkout.SubmitOrder(ctx, services.SubmitOrderCommand{
		UserID:     identity.UID,
		CheckoutID: chi.URLParam(r, "checkoutId"),
		IsLeader:   identity.IsLeader(),
		Receiver: domain.Receiver{
			Name:    strings.TrimSpace(req.Receiver.Name),
			Phone:   strings.TrimSpace(req.Receiver.Phone),
			Address: strings.TrimSpace(req.Receiver.Address),
			Country: strings.TrimSpace(req.Receiver.Country),
		},
		IdempotencyKey: key,
	})
	if err != nil {
		writeCheckoutError(ctx, w, err, requestLanguage(r, identity))
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, newOrderPayload(order))
}

func (h *CheckoutHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r) {
		return
	}
	identity, ctx, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	order, err := h.checkout.Order(ctx, identity.UID, chi.URLParam(r, "orderId"))
	if err != nil {
		writeCheckoutError(ctx, w, err, requestLanguage(r, identity))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newOrderPayload(order))
}

func (h *CheckoutHandlers) available(w http.ResponseWriter, r *http.Request) bool {
	if h.checkout == nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return false
	}
	return true
}

func writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error, tag language.Tag) {
	var (
		quantityErr *checkout.MinimumQuantityError
		amountErr   *checkout.MinimumAmountError
		fieldErr    *checkout.FieldError
		statusErr   *backend.StatusError
	)
	switch {
	case errors.As(err, &quantityErr):
		shortfalls := make([]shortfallPayload, 0, len(quantityErr.Shortfalls))
		for _, s := range quantityErr.Shortfalls {
			shortfalls = append(shortfalls, shortfallPayload{
				ProductID:   s.ProductID,
				ProductName: s.ProductName,
				Required:    s.Required,
				Selected:    s.Selected,
				Missing:     s.Missing(),
			})
		}
		httpx.WriteError(ctx, w, httpx.NewError("minimum_quantity_not_met", quantityErr.Message(tag), http.StatusUnprocessableEntity).
			WithDetails(map[string]any{"shortfalls": shortfalls}))
	case errors.As(err, &amountErr):
		httpx.WriteError(ctx, w, httpx.NewError("minimum_amount_not_met", amountErr.Message(tag), http.StatusUnprocessableEntity).
			WithDetails(map[string]any{"required": amountErr.Required, "actual": amountErr.Actual, "currency": amountErr.Currency}))
	case errors.Is(err, checkout.ErrNoLineSelected):
		httpx.WriteError(ctx, w, httpx.NewError("no_line_selected", "select at least one item", http.StatusUnprocessableEntity))
	case errors.As(err, &fieldErr):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_field", fieldErr.Reason, http.StatusBadRequest).
			WithDetails(map[string]any{"field": fieldErr.Field}))
	case errors.Is(err, checkout.ErrUnknownMethod):
		httpx.WriteError(ctx, w, httpx.NewError("unknown_method", "payment method is not supported", http.StatusBadRequest))
	case errors.Is(err, services.ErrMethodUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("method_unavailable", "payment method is not available for this order", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrCheckoutInvalidInput),
		errors.Is(err, checkout.ErrInvalidQuoteRequest),
		errors.Is(err, checkout.ErrInvalidConversion),
		errors.Is(err, checkout.ErrInvalidInitiation):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCheckoutNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_not_found", "checkout not found", http.StatusNotFound))
	case errors.Is(err, services.ErrPaymentNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("payment_not_found", "payment not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCheckoutQuoteNotReady):
		httpx.WriteError(ctx, w, httpx.NewError("quote_not_ready", "shipping quote is not ready", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutOrderMissing):
		httpx.WriteError(ctx, w, httpx.NewError("order_missing", "submit the order before paying", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutConflict),
		errors.Is(err, checkout.ErrQuoteSuperseded),
		errors.Is(err, checkout.ErrConversionSuperseded),
		errors.Is(err, checkout.ErrInitiationSuperseded):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_conflict", "checkout changed; refresh and retry", http.StatusConflict))
	case errors.Is(err, checkout.ErrQuoteUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("quote_unavailable", "shipping fees are unavailable", http.StatusBadGateway))
	case errors.Is(err, checkout.ErrConversionUnavailable), errors.Is(err, checkout.ErrConversionIncomplete):
		httpx.WriteError(ctx, w, httpx.NewError("conversion_unavailable", "currency conversion is unavailable", http.StatusBadGateway))
	case errors.Is(err, checkout.ErrThresholdUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("threshold_unavailable", "minimum order amount is unavailable", http.StatusBadGateway))
	case errors.As(err, &statusErr):
		httpx.WriteError(ctx, w, httpx.NewError("backend_error", "commerce backend rejected the request", http.StatusBadGateway))
	case errors.Is(err, services.ErrCheckoutUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("checkout_error", "failed to process checkout request", http.StatusInternalServerError))
	}
}
