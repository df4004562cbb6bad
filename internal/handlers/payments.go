package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/brainnel/checkout-api/internal/domain"
	"github.com/brainnel/checkout-api/internal/platform/httpx"
	"github.com/brainnel/checkout-api/internal/platform/idempotency"
	"github.com/brainnel/checkout-api/internal/platform/textutil"
	"github.com/brainnel/checkout-api/internal/services"
)

const (
	maxPaymentExtras      = 16
	maxPaymentExtraLength = 256
)

type initiatePaymentRequest struct {
	Method      string            `json:"method" validate:"required"`
	Currency    string            `json:"currency"`
	PhoneNumber string            `json:"phoneNumber"`
	Extra       map[string]string `json:"extra"`
}

type urlRequest struct {
	URL string `json:"url" validate:"required"`
}

type loadErrorRequest struct {
	Reason string `json:"reason"`
}

func (h *CheckoutHandlers) initiatePayment(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r) {
		return
	}
	identity, ctx, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	var req initiatePaymentRequest
	if !decodeJSONBody(w, r, maxCheckoutRequestBody, &req) {
		return
	}
	extra, err := textutil.NormalizeAttributes(req.Extra, maxPaymentExtras, maxPaymentExtraLength)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", fmt.Sprintf("extra accepts at most %d entries", maxPaymentExtras), http.StatusBadRequest))
		return
	}
	key, _ := idempotency.KeyFromContext(ctx)
	status, err := h.checkout.InitiatePayment(ctx, services.InitiatePaymentCommand{
		UserID:         identity.UID,
		CheckoutID:     chi.URLParam(r, "checkoutId"),
		Method:         domain.MethodKey(strings.ToLower(strings.TrimSpace(req.Method))),
		Currency:       strings.TrimSpace(req.Currency),
		PhoneNumber:    strings.TrimSpace(req.PhoneNumber),
		Extra:          extra,
		IdempotencyKey: key,
	})
	if err != nil {
		writeCheckoutError(ctx, w, err, requestLanguage(r, identity))
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, newPaymentPayload(status))
}

func (h *CheckoutHandlers) getPayment(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r) {
		return
	}
	identity, ctx, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	status, err := h.checkout.PaymentStatus(ctx, identity.UID, chi.URLParam(r, "orderId"))
	if err != nil {
		writeCheckoutError(ctx, w, err, requestLanguage(r, identity))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newPaymentPayload(status))
}

func (h *CheckoutHandlers) observeNavigation(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r) {
		return
	}
	identity, ctx, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	var req urlRequest
	if !decodeJSONBody(w, r, maxCheckoutRequestBody, &req) {
		return
	}
	result, err := h.checkout.ObserveNavigation(ctx, services.NavigationCommand{
		UserID:  identity.UID,
		OrderID: chi.URLParam(r, "orderId"),
		URL:     strings.TrimSpace(req.URL),
	})
	if err != nil {
		writeCheckoutError(ctx, w, err, requestLanguage(r, identity))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, navigationPayload{
		Decision: string(result.Decision),
		Payment:  newPaymentPayload(result.Payment),
	})
}

func (h *CheckoutHandlers) reportLoadError(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r) {
		return
	}
	identity, ctx, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	var req loadErrorRequest
	if !decodeJSONBody(w, r, maxCheckoutRequestBody, &req) {
		return
	}
	status, err := h.checkout.ReportLoadError(ctx, services.LoadErrorCommand{
		UserID:  identity.UID,
		OrderID: chi.URLParam(r, "orderId"),
		Reason:  strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeCheckoutError(ctx, w, err, requestLanguage(r, identity))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newPaymentPayload(status))
}

func (h *CheckoutHandlers) handleDeepLink(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r) {
		return
	}
	identity, ctx, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	var req urlRequest
	if !decodeJSONBody(w, r, maxCheckoutRequestBody, &req) {
		return
	}
	status, err := h.checkout.HandleDeepLink(ctx, identity.UID, strings.TrimSpace(req.URL))
	if err != nil {
		writeCheckoutError(ctx, w, err, requestLanguage(r, identity))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newPaymentPayload(status))
}

func (h *CheckoutHandlers) cancelPayment(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r) {
		return
	}
	identity, ctx, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	status, err := h.checkout.CancelPayment(ctx, identity.UID, chi.URLParam(r, "orderId"))
	if err != nil {
		writeCheckoutError(ctx, w, err, requestLanguage(r, identity))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newPaymentPayload(status))
}
