package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/brainnel/checkout-api/internal/domain"
	"github.com/brainnel/checkout-api/internal/payments"
)

const (
	extraPhoneNumber = "phone_number"
	attemptIDPrefix  = "pay_"
)

var (
	// ErrUnknownMethod indicates the method key is not in the catalog.
	ErrUnknownMethod = errors.New("checkout: unknown payment method")
	// ErrInvalidInitiation indicates the initiation request is incomplete.
	ErrInvalidInitiation = errors.New("checkout: invalid payment initiation")
)

// StrategyResolver returns the payment strategy for a method.
type StrategyResolver interface {
	Resolve(method domain.MethodKey) (payments.Strategy, error)
}

// InitiateRequest is one payment attempt for an existing order.
type InitiateRequest struct {
	OrderID        string
	OrderNo        string
	Method         domain.MethodKey
	Amount         float64
	Currency       string
	CountryCode    int
	Extra          map[string]string
	IdempotencyKey string
}

// Initiation is the result of starting a payment attempt.
type Initiation struct {
	AttemptID  string
	Descriptor payments.Descriptor
	Controller *Controller
}

// InitiatorDeps wires the initiator.
type InitiatorDeps struct {
	Resolver   StrategyResolver
	Catalog    *Catalog
	Registry   *Registry
	Controller ControllerConfig
	NewID      func() string
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

// Initiator starts payment attempts and hands their descriptors to a confirmation controller.
type Initiator struct {
	resolver StrategyResolver
	catalog  *Catalog
	registry *Registry
	cfg      ControllerConfig
	newID    func() string
	logger   func(ctx context.Context, event string, fields map[string]any)
}

// NewInitiator validates deps and constructs the initiator.
func NewInitiator(deps InitiatorDeps) (*Initiator, error) {
	if deps.Resolver == nil {
		return nil, errors.New("payment initiator: strategy resolver is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("payment initiator: catalog is required")
	}
	if deps.Registry == nil {
		return nil, errors.New("payment initiator: registry is required")
	}
	newID := deps.NewID
	if newID == nil {
		newID = func() string { return attemptIDPrefix + ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	cfg := deps.Controller
	if cfg.Logger == nil {
		cfg.Logger = logger
	}
	return &Initiator{
		resolver: deps.Resolver,
		catalog:  deps.Catalog,
		registry: deps.Registry,
		cfg:      cfg.withDefaults(),
		newID:    newID,
		logger:   logger,
	}, nil
}

// Initiate submits the attempt to the method's provider and starts its confirmation controller.
// Provider failures become a failed descriptor; only local validation and supersession are errors.
func (i *Initiator) Initiate(ctx context.Context, req InitiateRequest) (Initiation, error) {
	req.OrderID = strings.TrimSpace(req.OrderID)
	req.Currency = strings.TrimSpace(req.Currency)
	if req.OrderID == "" {
		return Initiation{}, fmt.Errorf("%w: order id is required", ErrInvalidInitiation)
	}
	if req.Currency == "" {
		return Initiation{}, fmt.Errorf("%w: currency is required", ErrInvalidInitiation)
	}
	if req.Amount < 0 {
		return Initiation{}, fmt.Errorf("%w: amount must not be negative", ErrInvalidInitiation)
	}

	option, ok := i.catalog.Option(req.Method)
	if !ok {
		return Initiation{}, fmt.Errorf("%w: %q", ErrUnknownMethod, req.Method)
	}
	extra, err := i.prepareExtra(option, req)
	if err != nil {
		return Initiation{}, err
	}
	strategy, err := i.resolver.Resolve(option.Key)
	if err != nil {
		if errors.Is(err, payments.ErrUnsupportedMethod) {
			return Initiation{}, fmt.Errorf("%w: %q", ErrUnknownMethod, req.Method)
		}
		return Initiation{}, err
	}

	callCtx, token := i.registry.Begin(ctx, req.OrderID)
	desc, err := strategy.Initiate(callCtx, payments.InitiateRequest{
		OrderID:        req.OrderID,
		OrderNo:        req.OrderNo,
		Method:         option.Key,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Extra:          extra,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		if callCtx.Err() != nil && ctx.Err() == nil {
			return Initiation{}, ErrInitiationSuperseded
		}
		if ctx.Err() != nil {
			i.registry.Abandon(req.OrderID, token)
			return Initiation{}, ctx.Err()
		}
		i.logger(ctx, "checkout.payment.initiate_failed", map[string]any{
			"orderId": req.OrderID,
			"method":  string(option.Key),
			"error":   err.Error(),
		})
		desc = payments.Failed("payment could not be started")
	}

	attempt := Attempt{
		ID:         i.newID(),
		OrderID:    req.OrderID,
		OrderNo:    req.OrderNo,
		Method:     option.Key,
		Amount:     req.Amount,
		Currency:   req.Currency,
		Descriptor: desc,
	}
	ctrl := NewController(attempt, strategy, i.cfg)
	if err := i.registry.Attach(req.OrderID, token, ctrl); err != nil {
		ctrl.Dispose()
		return Initiation{}, err
	}
	ctrl.Start()

	i.logger(ctx, "checkout.payment.initiated", map[string]any{
		"orderId":   req.OrderID,
		"attemptId": attempt.ID,
		"method":    string(option.Key),
		"kind":      string(desc.Kind),
		"currency":  req.Currency,
	})
	return Initiation{AttemptID: attempt.ID, Descriptor: desc, Controller: ctrl}, nil
}

func (i *Initiator) prepareExtra(option MethodOption, req InitiateRequest) (map[string]string, error) {
	extra := make(map[string]string, len(req.Extra)+1)
	for k, v := range req.Extra {
		extra[k] = strings.TrimSpace(v)
	}
	if option.RequiresCurrencyChoice && !isCurrencyChoice(req.Currency) {
		return nil, &FieldError{Field: "currency", Reason: "must be one of " + strings.Join(CurrencyChoices, ", ")}
	}
	if !option.RequiresPhone {
		return extra, nil
	}
	phone, err := i.formatPhone(req.CountryCode, extra[extraPhoneNumber])
	if err != nil {
		return nil, err
	}
	extra[extraPhoneNumber] = phone
	return extra, nil
}

// ValidatePhone checks the number a method requires against the country's numbering rules
// without starting anything. Methods that take no phone accept any input.
func (i *Initiator) ValidatePhone(method domain.MethodKey, countryCode int, raw string) error {
	option, ok := i.catalog.Option(method)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	if !option.RequiresPhone {
		return nil
	}
	_, err := i.formatPhone(countryCode, raw)
	return err
}

func (i *Initiator) formatPhone(countryCode int, raw string) (string, error) {
	country, ok := i.catalog.Country(countryCode)
	if !ok {
		return "", &FieldError{Field: phoneField, Reason: fmt.Sprintf("country %d is not supported", countryCode)}
	}
	return FormatE164(country, raw)
}

func isCurrencyChoice(code string) bool {
	for _, c := range CurrencyChoices {
		if strings.EqualFold(c, code) {
			return true
		}
	}
	return false
}
