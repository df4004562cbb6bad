package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/brainnel/checkout-api/internal/backend"
	"github.com/brainnel/checkout-api/internal/checkout"
	"github.com/brainnel/checkout-api/internal/domain"
	"github.com/brainnel/checkout-api/internal/platform/events"
	"github.com/brainnel/checkout-api/internal/platform/requestctx"
)

const (
	checkoutIDPrefix         = "chk_"
	eventIDPrefix            = "evt_"
	defaultSessionRetention  = 30 * time.Minute
	checkoutMetricsNamespace = "github.com/brainnel/checkout-api/internal/services/checkout"
)

var (
	// ErrCheckoutInvalidInput indicates the caller supplied invalid input parameters.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutUnavailable indicates checkout dependencies are currently unavailable.
	ErrCheckoutUnavailable = errors.New("checkout: unavailable")
	// ErrCheckoutNotFound indicates the checkout does not exist for the caller.
	ErrCheckoutNotFound = errors.New("checkout: not found")
	// ErrCheckoutQuoteNotReady indicates the step needs a ready shipping quote.
	ErrCheckoutQuoteNotReady = errors.New("checkout: shipping quote not ready")
	// ErrCheckoutOrderMissing indicates the step needs the order to be submitted first.
	ErrCheckoutOrderMissing = errors.New("checkout: order not submitted")
	// ErrCheckoutConflict indicates the checkout state changed underneath the request.
	ErrCheckoutConflict = errors.New("checkout: conflict")
	// ErrMethodUnavailable indicates the payment method is not offered for this checkout.
	ErrMethodUnavailable = errors.New("checkout: payment method unavailable")
	// ErrPaymentNotFound indicates the order has no payment attempt.
	ErrPaymentNotFound = errors.New("checkout: payment not found")
)

// OrderBackend creates and reads backend orders.
type OrderBackend interface {
	CreateOrder(ctx context.Context, req backend.CreateOrderRequest) (domain.Order, error)
	Order(ctx context.Context, orderID string) (domain.Order, error)
}

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Orders      OrderBackend
	Quotes      *checkout.ShippingQuoteService
	Conversions *checkout.CurrencyConversionService
	Evaluator   *checkout.CODEvaluator
	Catalog     *checkout.Catalog
	Gate        *checkout.SubmissionGate
	Strategies  checkout.StrategyResolver
	Registry    *checkout.Registry
	Controller  checkout.ControllerConfig
	Events      events.Publisher
	Meter       metric.Meter
	Clock       func() time.Time
	Logger      func(ctx context.Context, event string, fields map[string]any)
	NewID       func() string
	Retention   time.Duration
}

// checkoutContext is everything one checkout entry carries forward. The cart snapshot and COD
// decision are fixed at entry; later steps read them but never recompute them.
type checkoutContext struct {
	id          string
	userID      string
	countryCode int
	currency    string
	lines       []domain.CartLine
	total       float64
	cod         domain.CODDecision
	order       *domain.Order
	submitting  bool
	createdAt   time.Time
	updatedAt   time.Time
}

type checkoutService struct {
	orders      OrderBackend
	quotes      *checkout.ShippingQuoteService
	conversions *checkout.CurrencyConversionService
	evaluator   *checkout.CODEvaluator
	catalog     *checkout.Catalog
	gate        *checkout.SubmissionGate
	registry    *checkout.Registry
	initiator   *checkout.Initiator
	events      events.Publisher
	outcomes    metric.Int64Counter
	now         func() time.Time
	logger      func(ctx context.Context, event string, fields map[string]any)
	newID       func() string
	retention   time.Duration

	mu        sync.Mutex
	checkouts map[string]*checkoutContext
	byOrder   map[string]string
}

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	switch {
	case deps.Orders == nil:
		return nil, errors.New("checkout service: order backend is required")
	case deps.Quotes == nil:
		return nil, errors.New("checkout service: shipping quote service is required")
	case deps.Conversions == nil:
		return nil, errors.New("checkout service: conversion service is required")
	case deps.Evaluator == nil:
		return nil, errors.New("checkout service: cod evaluator is required")
	case deps.Catalog == nil:
		return nil, errors.New("checkout service: payment catalog is required")
	case deps.Gate == nil:
		return nil, errors.New("checkout service: submission gate is required")
	case deps.Strategies == nil:
		return nil, errors.New("checkout service: payment strategies are required")
	case deps.Registry == nil:
		return nil, errors.New("checkout service: payment registry is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	newID := deps.NewID
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}
	publisher := deps.Events
	if publisher == nil {
		publisher = events.NewLogPublisher(logger)
	}
	retention := deps.Retention
	if retention <= 0 {
		retention = defaultSessionRetention
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(checkoutMetricsNamespace)
	}
	outcomes, err := meter.Int64Counter(
		"checkout.payment.outcomes",
		metric.WithDescription("Count of payment attempts reaching a terminal state"),
	)
	if err != nil {
		return nil, fmt.Errorf("checkout service: register outcome counter: %w", err)
	}

	svc := &checkoutService{
		orders:      deps.Orders,
		quotes:      deps.Quotes,
		conversions: deps.Conversions,
		evaluator:   deps.Evaluator,
		catalog:     deps.Catalog,
		gate:        deps.Gate,
		registry:    deps.Registry,
		events:      publisher,
		outcomes:    outcomes,
		now: func() time.Time {
			return clock().UTC()
		},
		logger:    logger,
		newID:     newID,
		retention: retention,
		checkouts: make(map[string]*checkoutContext),
		byOrder:   make(map[string]string),
	}

	controllerCfg := deps.Controller
	controllerCfg.OnTransition = svc.onTransition
	if controllerCfg.Logger == nil {
		controllerCfg.Logger = logger
	}
	initiator, err := checkout.NewInitiator(checkout.InitiatorDeps{
		Resolver:   deps.Strategies,
		Catalog:    deps.Catalog,
		Registry:   deps.Registry,
		Controller: controllerCfg,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("checkout service: %w", err)
	}
	svc.initiator = initiator
	return svc, nil
}

// BeginCheckout validates the cart snapshot, decides COD eligibility once and opens a checkout.
func (s *checkoutService) BeginCheckout(ctx context.Context, cmd BeginCheckoutCommand) (CheckoutSummary, error) {
	userID := strings.TrimSpace(cmd.UserID)
	currency := strings.TrimSpace(cmd.Currency)
	if userID == "" || currency == "" || cmd.CountryCode <= 0 {
		return CheckoutSummary{}, ErrCheckoutInvalidInput
	}
	lines := append([]domain.CartLine(nil), cmd.Lines...)

	if err := s.gate.Validate(ctx, checkout.Submission{
		Lines:       lines,
		CountryCode: cmd.CountryCode,
		Currency:    currency,
		IsLeader:    cmd.IsLeader,
	}); err != nil {
		return CheckoutSummary{}, err
	}

	selected := checkout.SelectedLines(lines)
	total := checkout.SelectedTotal(lines)
	decision, err := s.evaluator.Evaluate(ctx, checkout.EligibilityInput{
		CountryCode: cmd.CountryCode,
		Currency:    currency,
		TotalAmount: total,
		IsLeader:    cmd.IsLeader,
	})
	if err != nil {
		return CheckoutSummary{}, err
	}

	now := s.now()
	c := &checkoutContext{
		id:          checkoutIDPrefix + s.newID(),
		userID:      userID,
		countryCode: cmd.CountryCode,
		currency:    currency,
		lines:       selected,
		total:       total,
		cod:         decision,
		createdAt:   now,
		updatedAt:   now,
	}
	s.mu.Lock()
	s.checkouts[c.id] = c
	summary := s.summaryLocked(c)
	s.mu.Unlock()

	s.logger(ctx, "checkout.begun", map[string]any{
		"checkoutId":  c.id,
		"countryCode": c.countryCode,
		"currency":    c.currency,
		"isCod":       decision.IsCOD,
		"isToc":       decision.IsToc,
	})
	s.emit(ctx, c, "checkout_begun", map[string]any{
		"countryCode":   c.countryCode,
		"currency":      c.currency,
		"selectedTotal": total,
		"isCod":         decision.IsCOD,
		"isToc":         decision.IsToc,
	})
	return s.withViews(summary), nil
}

// Checkout returns the checkout's current state.
func (s *checkoutService) Checkout(ctx context.Context, userID, checkoutID string) (CheckoutSummary, error) {
	s.mu.Lock()
	c, err := s.lookupLocked(userID, checkoutID)
	if err != nil {
		s.mu.Unlock()
		return CheckoutSummary{}, err
	}
	summary := s.summaryLocked(c)
	s.mu.Unlock()

	summary = s.withViews(summary)
	if summary.Order != nil {
		if status, err := s.paymentStatus(summary.CheckoutID, summary.Order.ID); err == nil {
			summary.Payment = &status
		}
	}
	return summary, nil
}

// ForwarderAddresses lists the forwarder addresses for a transport mode.
func (s *checkoutService) ForwarderAddresses(ctx context.Context, mode domain.TransportMode) ([]domain.ForwarderAddress, error) {
	return s.quotes.ForwarderAddresses(ctx, mode)
}

// QuoteShipping re-quotes the checkout for the selected forwarder address and transport mode.
func (s *checkoutService) QuoteShipping(ctx context.Context, cmd QuoteShippingCommand) (checkout.QuoteView, error) {
	s.mu.Lock()
	c, err := s.lookupLocked(cmd.UserID, cmd.CheckoutID)
	if err != nil {
		s.mu.Unlock()
		return checkout.QuoteView{}, err
	}
	if c.order != nil || c.submitting {
		s.mu.Unlock()
		return checkout.QuoteView{}, fmt.Errorf("%w: order already submitted", ErrCheckoutConflict)
	}
	items := quoteItems(c.lines)
	id := c.id
	c.updatedAt = s.now()
	s.mu.Unlock()

	_, err = s.quotes.Quote(ctx, id, checkout.QuoteRequest{
		Items:              items,
		ForwarderAddressID: cmd.ForwarderAddressID,
		TransportMode:      cmd.TransportMode,
	})
	view := s.quotes.Current(id)
	if err != nil {
		if errors.Is(err, checkout.ErrQuoteUnavailable) {
			s.logger(ctx, "checkout.quote.unavailable", map[string]any{"checkoutId": id, "error": err.Error()})
		}
		return view, err
	}
	return view, nil
}

// ShippingQuote returns the checkout's quote state.
func (s *checkoutService) ShippingQuote(ctx context.Context, userID, checkoutID string) (checkout.QuoteView, error) {
	s.mu.Lock()
	c, err := s.lookupLocked(userID, checkoutID)
	if err != nil {
		s.mu.Unlock()
		return checkout.QuoteView{}, err
	}
	id := c.id
	s.mu.Unlock()
	return s.quotes.Current(id), nil
}

// ListPaymentMethods returns the methods available for the checkout's country and COD decision.
func (s *checkoutService) ListPaymentMethods(ctx context.Context, userID, checkoutID string) (PaymentMethods, error) {
	s.mu.Lock()
	c, err := s.lookupLocked(userID, checkoutID)
	if err != nil {
		s.mu.Unlock()
		return PaymentMethods{}, err
	}
	lc := s.listContext(c)
	id := c.id
	s.mu.Unlock()

	list := s.catalog.ListMethods(lc)
	return PaymentMethods{CheckoutID: id, Online: list.Online, Offline: list.Offline}, nil
}

// ConvertAmounts converts the checkout amounts into the currency the method settles in.
func (s *checkoutService) ConvertAmounts(ctx context.Context, cmd ConvertAmountsCommand) (ConversionResult, error) {
	s.mu.Lock()
	c, err := s.lookupLocked(cmd.UserID, cmd.CheckoutID)
	if err != nil {
		s.mu.Unlock()
		return ConversionResult{}, err
	}
	snap := *c
	s.mu.Unlock()

	option, err := s.availableOption(snap, cmd.Method)
	if err != nil {
		return ConversionResult{}, err
	}
	return s.convertFor(ctx, snap, option, cmd.Currency)
}

// SubmitOrder creates the backend order with the quoted fees and the COD flags decided at entry.
// A checkout creates at most one order; repeated submissions return it.
func (s *checkoutService) SubmitOrder(ctx context.Context, cmd SubmitOrderCommand) (domain.Order, error) {
	s.mu.Lock()
	c, err := s.lookupLocked(cmd.UserID, cmd.CheckoutID)
	if err != nil {
		s.mu.Unlock()
		return domain.Order{}, err
	}
	if c.order != nil {
		order := *c.order
		s.mu.Unlock()
		return order, nil
	}
	if c.submitting {
		s.mu.Unlock()
		return domain.Order{}, fmt.Errorf("%w: order submission in progress", ErrCheckoutConflict)
	}
	snap := *c
	c.submitting = true
	s.mu.Unlock()

	order, err := s.submit(ctx, snap, cmd)

	s.mu.Lock()
	c.submitting = false
	if err == nil {
		c.order = &order
		c.updatedAt = s.now()
		s.byOrder[order.ID] = c.id
	}
	s.mu.Unlock()
	if err != nil {
		return domain.Order{}, err
	}

	s.logger(ctx, "checkout.order.submitted", map[string]any{
		"checkoutId": snap.id,
		"orderId":    order.ID,
		"orderNo":    order.OrderNo,
	})
	s.emit(ctx, &snap, "order_submitted", map[string]any{
		"orderId":      order.ID,
		"actualAmount": order.ActualAmount,
		"currency":     order.Currency,
	})
	return order, nil
}

func (s *checkoutService) submit(ctx context.Context, c checkoutContext, cmd SubmitOrderCommand) (domain.Order, error) {
	if strings.TrimSpace(cmd.Receiver.Name) == "" || strings.TrimSpace(cmd.Receiver.Phone) == "" {
		return domain.Order{}, fmt.Errorf("%w: receiver name and phone are required", ErrCheckoutInvalidInput)
	}
	view := s.quotes.Current(c.id)
	if view.Status != checkout.QuoteReady || view.Quote == nil {
		return domain.Order{}, ErrCheckoutQuoteNotReady
	}
	quote := view.Quote
	if quote.Currency != "" && !domain.SameCurrency(quote.Currency, c.currency) {
		return domain.Order{}, fmt.Errorf("%w: quote currency %s differs from cart currency %s", ErrCheckoutQuoteNotReady, quote.Currency, c.currency)
	}
	if !checkout.DecisionMatches(c.cod, checkout.EligibilityInput{
		CountryCode: c.countryCode,
		Currency:    c.currency,
		TotalAmount: c.total,
		IsLeader:    cmd.IsLeader,
	}) {
		return domain.Order{}, fmt.Errorf("%w: %v", ErrCheckoutConflict, checkout.ErrStaleCODDecision)
	}

	order, err := s.orders.CreateOrder(ctx, backend.CreateOrderRequest{
		Lines:               c.lines,
		Receiver:            cmd.Receiver,
		ForwarderAddressID:  quote.ForwarderAddressID,
		TransportMode:       quote.TransportMode,
		Currency:            c.currency,
		ShippingFee:         quote.InternationalFee(),
		DomesticShippingFee: quote.TotalDomesticShippingFee,
		IsCOD:               c.cod.IsCOD,
		IsToc:               c.cod.IsToc,
		IdempotencyKey:      strings.TrimSpace(cmd.IdempotencyKey),
	})
	if err != nil {
		return domain.Order{}, fmt.Errorf("%w: create order: %v", ErrCheckoutUnavailable, err)
	}
	if order.Currency == "" {
		order.Currency = c.currency
	}
	return order, nil
}

// Order reads the order snapshot for confirmation screens.
func (s *checkoutService) Order(ctx context.Context, userID, orderID string) (domain.Order, error) {
	s.mu.Lock()
	_, err := s.lookupOrderLocked(userID, orderID)
	s.mu.Unlock()
	if err != nil {
		return domain.Order{}, err
	}
	order, err := s.orders.Order(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, fmt.Errorf("%w: read order: %v", ErrCheckoutUnavailable, err)
	}
	return order, nil
}

// InitiatePayment converts the order amount when the method needs it and starts a payment attempt.
// A new attempt for the same order supersedes any earlier one.
func (s *checkoutService) InitiatePayment(ctx context.Context, cmd InitiatePaymentCommand) (PaymentStatus, error) {
	s.mu.Lock()
	c, err := s.lookupLocked(cmd.UserID, cmd.CheckoutID)
	if err != nil {
		s.mu.Unlock()
		return PaymentStatus{}, err
	}
	if c.order == nil {
		s.mu.Unlock()
		return PaymentStatus{}, ErrCheckoutOrderMissing
	}
	snap := *c
	order := *c.order
	s.mu.Unlock()

	option, err := s.availableOption(snap, cmd.Method)
	if err != nil {
		return PaymentStatus{}, err
	}
	extra := make(map[string]string, len(cmd.Extra)+1)
	maps.Copy(extra, cmd.Extra)
	if phone := strings.TrimSpace(cmd.PhoneNumber); phone != "" {
		extra["phone_number"] = phone
	}
	if err := s.initiator.ValidatePhone(option.Key, snap.countryCode, extra["phone_number"]); err != nil {
		return PaymentStatus{}, err
	}
	conversion, err := s.convertFor(ctx, snap, option, cmd.Currency)
	if err != nil {
		return PaymentStatus{}, err
	}

	init, err := s.initiator.Initiate(ctx, checkout.InitiateRequest{
		OrderID:        order.ID,
		OrderNo:        order.OrderNo,
		Method:         option.Key,
		Amount:         conversion.ChargeAmount,
		Currency:       conversion.SettlementCurrency,
		CountryCode:    snap.countryCode,
		Extra:          extra,
		IdempotencyKey: strings.TrimSpace(cmd.IdempotencyKey),
	})
	if err != nil {
		return PaymentStatus{}, err
	}

	s.mu.Lock()
	c.updatedAt = s.now()
	s.mu.Unlock()

	s.emit(ctx, &snap, "payment_initiated", map[string]any{
		"orderId":   order.ID,
		"attemptId": init.AttemptID,
		"method":    string(option.Key),
		"kind":      string(init.Descriptor.Kind),
		"amount":    conversion.ChargeAmount,
		"currency":  conversion.SettlementCurrency,
	})
	return statusFromSnapshot(snap.id, init.Controller.Snapshot()), nil
}

// PaymentStatus returns the order's current payment attempt.
func (s *checkoutService) PaymentStatus(ctx context.Context, userID, orderID string) (PaymentStatus, error) {
	s.mu.Lock()
	c, err := s.lookupOrderLocked(userID, orderID)
	if err != nil {
		s.mu.Unlock()
		return PaymentStatus{}, err
	}
	id := c.id
	s.mu.Unlock()
	return s.paymentStatus(id, orderID)
}

// ObserveNavigation classifies a hosted payment page navigation for the order's attempt.
func (s *checkoutService) ObserveNavigation(ctx context.Context, cmd NavigationCommand) (NavigationResult, error) {
	ctrl, checkoutID, err := s.controllerFor(cmd.UserID, cmd.OrderID)
	if err != nil {
		return NavigationResult{}, err
	}
	decision := ctrl.ObserveNavigation(cmd.URL)
	return NavigationResult{Decision: decision, Payment: statusFromSnapshot(checkoutID, ctrl.Snapshot())}, nil
}

// ReportLoadError fails the order's attempt after a transport error on the hosted page.
func (s *checkoutService) ReportLoadError(ctx context.Context, cmd LoadErrorCommand) (PaymentStatus, error) {
	ctrl, checkoutID, err := s.controllerFor(cmd.UserID, cmd.OrderID)
	if err != nil {
		return PaymentStatus{}, err
	}
	ctrl.LoadError(strings.TrimSpace(cmd.Reason))
	return statusFromSnapshot(checkoutID, ctrl.Snapshot()), nil
}

// HandleDeepLink routes an app-scheme return to the attempt named by its order_id parameter.
// Links without one (PayPal returns carry only paymentId and PayerID) go to the caller's single
// live attempt.
func (s *checkoutService) HandleDeepLink(ctx context.Context, userID, rawURL string) (PaymentStatus, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || rawURL == "" {
		return PaymentStatus{}, fmt.Errorf("%w: deep link is not a url", ErrCheckoutInvalidInput)
	}
	q := u.Query()
	orderID := strings.TrimSpace(q.Get("order_id"))
	if orderID == "" {
		orderID = strings.TrimSpace(q.Get("orderId"))
	}
	var (
		ctrl       *checkout.Controller
		checkoutID string
	)
	if orderID == "" {
		ctrl, checkoutID, err = s.liveControllerFor(userID)
	} else {
		ctrl, checkoutID, err = s.controllerFor(userID, orderID)
	}
	if err != nil {
		return PaymentStatus{}, err
	}
	ctrl.DeepLink(rawURL)
	return statusFromSnapshot(checkoutID, ctrl.Snapshot()), nil
}

// CancelPayment tears down the order's attempt; the app returns to the checkout screen.
func (s *checkoutService) CancelPayment(ctx context.Context, userID, orderID string) (PaymentStatus, error) {
	ctrl, checkoutID, err := s.controllerFor(userID, orderID)
	if err != nil {
		return PaymentStatus{}, err
	}
	ctrl.Dispose()
	return statusFromSnapshot(checkoutID, ctrl.Snapshot()), nil
}

// Prune forgets checkouts idle for longer than the retention whose payment is no longer live.
func (s *checkoutService) Prune(ctx context.Context) int {
	cutoff := s.now().Add(-s.retention)
	var stale []*checkoutContext

	s.mu.Lock()
	for id, c := range s.checkouts {
		if !c.updatedAt.Before(cutoff) || c.submitting {
			continue
		}
		if c.order != nil {
			if ctrl, ok := s.registry.Get(c.order.ID); ok && !ctrl.State().Terminal() {
				continue
			}
			delete(s.byOrder, c.order.ID)
		}
		delete(s.checkouts, id)
		stale = append(stale, c)
	}
	s.mu.Unlock()

	for _, c := range stale {
		s.quotes.Forget(c.id)
		s.conversions.Forget(c.id)
		if c.order != nil {
			s.registry.Dispose(c.order.ID)
		}
	}
	pruned := s.registry.Prune(s.retention)
	if len(stale) > 0 || pruned > 0 {
		s.logger(ctx, "checkout.pruned", map[string]any{"checkouts": len(stale), "attempts": pruned})
	}
	return len(stale)
}

func (s *checkoutService) availableOption(c checkoutContext, method domain.MethodKey) (checkout.MethodOption, error) {
	option, ok := s.catalog.Option(method)
	if !ok {
		return checkout.MethodOption{}, fmt.Errorf("%w: %v %q", ErrCheckoutInvalidInput, checkout.ErrUnknownMethod, method)
	}
	list := s.catalog.ListMethods(s.listContext(&c))
	for _, opt := range append(list.Online, list.Offline...) {
		if opt.Key == option.Key {
			return opt, nil
		}
	}
	return checkout.MethodOption{}, fmt.Errorf("%w: %s", ErrMethodUnavailable, option.Key)
}

// convertFor resolves the settlement currency and the amounts to show and charge. Without an
// order the cart total and the ready quote stand in for the order amounts.
func (s *checkoutService) convertFor(ctx context.Context, c checkoutContext, option checkout.MethodOption, chosen string) (ConversionResult, error) {
	amounts, sourceCurrency, charge, err := s.amountsFor(c)
	if err != nil {
		return ConversionResult{}, err
	}
	if option.RequiresCurrencyChoice && strings.TrimSpace(chosen) == "" {
		return ConversionResult{}, fmt.Errorf("%w: currency choice is required for %s", ErrCheckoutInvalidInput, option.Key)
	}
	settlement := s.catalog.SettlementCurrency(option.Key, c.countryCode, sourceCurrency, chosen)
	result := ConversionResult{Method: option.Key, SettlementCurrency: settlement}

	if !checkout.NeedsConversion(option, sourceCurrency, settlement) || domain.SameCurrency(sourceCurrency, settlement) {
		result.SettlementCurrency = sourceCurrency
		rows, err := s.conversions.Convert(ctx, sourceCurrency, sourceCurrency, amounts)
		if err != nil {
			return ConversionResult{}, err
		}
		result.View = checkout.ConversionView{Status: checkout.ConversionReady, From: sourceCurrency, Target: sourceCurrency, Rows: rows}
		result.DisplayTotal = checkout.DisplayTotal(rows, c.cod.IsCOD)
		result.ChargeAmount = charge
		return result, nil
	}

	view := s.conversions.Current(c.id)
	if view.Status != checkout.ConversionReady || !domain.SameCurrency(view.Target, settlement) || !domain.SameCurrency(view.From, sourceCurrency) || !coversAmounts(view.Rows, amounts) {
		view, err = s.conversions.Select(ctx, c.id, sourceCurrency, settlement, amounts)
		if err != nil {
			return ConversionResult{}, err
		}
	}
	result.Converted = true
	result.View = view
	result.DisplayTotal = checkout.DisplayTotal(view.Rows, c.cod.IsCOD)
	result.ChargeAmount = checkout.DisplayTotal(view.Rows, false)
	return result, nil
}

// amountsFor returns the named amounts to convert, their currency and the unconverted charge.
// total_amount is net of any discount so the rows sum to the amount due.
func (s *checkoutService) amountsFor(c checkoutContext) (map[string]float64, string, float64, error) {
	if c.order != nil {
		o := c.order
		amounts := map[string]float64{
			domain.AmountKeyTotal:            o.TotalAmount - o.DiscountAmount,
			domain.AmountKeyShippingFee:      o.ShippingFee,
			domain.AmountKeyDomesticShipping: o.DomesticShippingFee,
		}
		charge := o.ActualAmount
		if charge <= 0 {
			charge = o.TotalAmount - o.DiscountAmount + o.ShippingFee + o.DomesticShippingFee
		}
		return amounts, o.Currency, charge, nil
	}
	view := s.quotes.Current(c.id)
	if view.Status != checkout.QuoteReady || view.Quote == nil {
		return nil, "", 0, ErrCheckoutQuoteNotReady
	}
	amounts := map[string]float64{
		domain.AmountKeyTotal:            c.total,
		domain.AmountKeyShippingFee:      view.Quote.InternationalFee(),
		domain.AmountKeyDomesticShipping: view.Quote.TotalDomesticShippingFee,
	}
	charge, _ := view.ActualAmount(c.total, 0)
	return amounts, c.currency, charge, nil
}

func (s *checkoutService) paymentStatus(checkoutID, orderID string) (PaymentStatus, error) {
	ctrl, ok := s.registry.Get(orderID)
	if !ok {
		return PaymentStatus{}, ErrPaymentNotFound
	}
	return statusFromSnapshot(checkoutID, ctrl.Snapshot()), nil
}

func (s *checkoutService) controllerFor(userID, orderID string) (*checkout.Controller, string, error) {
	s.mu.Lock()
	c, err := s.lookupOrderLocked(userID, orderID)
	if err != nil {
		s.mu.Unlock()
		return nil, "", err
	}
	id := c.id
	s.mu.Unlock()

	ctrl, ok := s.registry.Get(strings.TrimSpace(orderID))
	if !ok {
		return nil, "", ErrPaymentNotFound
	}
	return ctrl, id, nil
}

// liveControllerFor resolves the user's only non-terminal attempt. More than one is ambiguous.
func (s *checkoutService) liveControllerFor(userID string) (*checkout.Controller, string, error) {
	userID = strings.TrimSpace(userID)
	s.mu.Lock()
	candidates := make(map[string]string)
	for id, c := range s.checkouts {
		if c.userID == userID && c.order != nil {
			candidates[c.order.ID] = id
		}
	}
	s.mu.Unlock()

	var (
		found      *checkout.Controller
		checkoutID string
	)
	for orderID, id := range candidates {
		ctrl, ok := s.registry.Get(orderID)
		if !ok || ctrl.State().Terminal() {
			continue
		}
		if found != nil {
			return nil, "", fmt.Errorf("%w: deep link carries no order id and several payments are live", ErrCheckoutInvalidInput)
		}
		found, checkoutID = ctrl, id
	}
	if found == nil {
		return nil, "", ErrPaymentNotFound
	}
	return found, checkoutID, nil
}

func (s *checkoutService) onTransition(snap checkout.Snapshot) {
	if !snap.State.Terminal() {
		return
	}
	ctx := context.Background()
	s.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", string(snap.Attempt.Method)),
		attribute.String("state", string(snap.State)),
	))

	s.mu.Lock()
	var c *checkoutContext
	if id, ok := s.byOrder[snap.Attempt.OrderID]; ok {
		c = s.checkouts[id]
	}
	var ref checkoutContext
	if c != nil {
		c.updatedAt = s.now()
		ref = *c
	}
	s.mu.Unlock()

	props := map[string]any{
		"orderId":   snap.Attempt.OrderID,
		"attemptId": snap.Attempt.ID,
		"method":    string(snap.Attempt.Method),
		"state":     string(snap.State),
		"polls":     snap.Polls,
		"amount":    snap.Attempt.Amount,
		"currency":  snap.Attempt.Currency,
	}
	if snap.Msg != "" {
		props["msg"] = snap.Msg
	}
	s.emit(ctx, &ref, "payment_outcome", props)
}

func (s *checkoutService) emit(ctx context.Context, c *checkoutContext, name string, props map[string]any) {
	event := events.Event{
		ID:         eventIDPrefix + s.newID(),
		Name:       name,
		CheckoutID: c.id,
		UserID:     c.userID,
		RequestID:  requestctx.RequestID(ctx),
		TraceID:    requestctx.TraceID(ctx),
		Properties: props,
		OccurredAt: s.now(),
	}
	if orderID, ok := props["orderId"].(string); ok {
		event.OrderID = orderID
	} else if c.order != nil {
		event.OrderID = c.order.ID
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger(ctx, "checkout.analytics.publish_failed", map[string]any{"name": name, "error": err.Error()})
	}
}

func (s *checkoutService) lookupLocked(userID, checkoutID string) (*checkoutContext, error) {
	checkoutID = strings.TrimSpace(checkoutID)
	if checkoutID == "" {
		return nil, ErrCheckoutInvalidInput
	}
	c, ok := s.checkouts[checkoutID]
	if !ok || c.userID != strings.TrimSpace(userID) {
		return nil, ErrCheckoutNotFound
	}
	return c, nil
}

func (s *checkoutService) lookupOrderLocked(userID, orderID string) (*checkoutContext, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, ErrCheckoutInvalidInput
	}
	id, ok := s.byOrder[orderID]
	if !ok {
		return nil, ErrCheckoutNotFound
	}
	return s.lookupLocked(userID, id)
}

func (s *checkoutService) listContext(c *checkoutContext) checkout.ListContext {
	currency := c.currency
	if c.order != nil && c.order.Currency != "" {
		currency = c.order.Currency
	}
	return checkout.ListContext{CountryCode: c.countryCode, OrderCurrency: currency, COD: c.cod}
}

func (s *checkoutService) summaryLocked(c *checkoutContext) CheckoutSummary {
	summary := CheckoutSummary{
		CheckoutID:    c.id,
		CountryCode:   c.countryCode,
		Currency:      c.currency,
		SelectedTotal: c.total,
		COD:           c.cod,
		CreatedAt:     c.createdAt,
		UpdatedAt:     c.updatedAt,
	}
	if c.order != nil {
		order := *c.order
		summary.Order = &order
	}
	return summary
}

func (s *checkoutService) withViews(summary CheckoutSummary) CheckoutSummary {
	summary.Quote = s.quotes.Current(summary.CheckoutID)
	summary.Conversion = s.conversions.Current(summary.CheckoutID)
	return summary
}

func statusFromSnapshot(checkoutID string, snap checkout.Snapshot) PaymentStatus {
	status := PaymentStatus{
		AttemptID:  snap.Attempt.ID,
		CheckoutID: checkoutID,
		OrderID:    snap.Attempt.OrderID,
		OrderNo:    snap.Attempt.OrderNo,
		Method:     snap.Attempt.Method,
		Amount:     snap.Attempt.Amount,
		Currency:   snap.Attempt.Currency,
		State:      snap.State,
		Descriptor: snap.Attempt.Descriptor,
		Polls:      snap.Polls,
		StartedAt:  snap.StartedAt,
		UpdatedAt:  snap.UpdatedAt,
	}
	if out, ok := snap.Outcome(); ok {
		status.Outcome = &out
	}
	return status
}

func quoteItems(lines []domain.CartLine) []domain.QuoteItem {
	items := make([]domain.QuoteItem, 0, len(lines))
	for _, line := range lines {
		items = append(items, domain.QuoteItem{ProductID: line.ProductID, SKUID: line.SKUID, Quantity: line.Quantity})
	}
	return items
}

func coversAmounts(rows []domain.ConvertedAmount, amounts map[string]float64) bool {
	if len(rows) != len(amounts) {
		return false
	}
	for _, row := range rows {
		amount, ok := amounts[row.ItemKey]
		if !ok || amount != row.OriginalAmount {
			return false
		}
	}
	return true
}
