package payments

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/brainnel/checkout-api/internal/domain"
)

// Status enumerates the normalised payment states shared across strategies.
type Status string

const (
	// StatusPending indicates the payment is awaiting customer action or provider confirmation.
	StatusPending Status = "pending"
	// StatusSucceeded indicates the provider reports the payment as completed.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the provider reports a failure and no further action is possible.
	StatusFailed Status = "failed"
)

// ErrUnsupportedMethod is returned when the manager has no strategy for a method key.
var ErrUnsupportedMethod = errors.New("payments: unsupported method")

// DescriptorKind tags the shape of an initiation result.
type DescriptorKind string

const (
	KindRedirect  DescriptorKind = "redirect"
	KindImmediate DescriptorKind = "immediate"
	KindFailed    DescriptorKind = "failed"
)

// Descriptor is the result of a payment initiation.
type Descriptor struct {
	Kind DescriptorKind
	// URL is set for redirect descriptors.
	URL string
	// Result is set for immediate descriptors.
	Result string
	// Reason is set for failed descriptors.
	Reason string
	// Reference identifies the provider session when the strategy needs it to confirm.
	Reference string
}

// Redirect builds a redirect descriptor.
func Redirect(paymentURL, reference string) Descriptor {
	return Descriptor{Kind: KindRedirect, URL: paymentURL, Reference: reference}
}

// Immediate builds an immediate descriptor.
func Immediate(result string) Descriptor {
	return Descriptor{Kind: KindImmediate, Result: result}
}

// Failed builds a failed descriptor.
func Failed(reason string) Descriptor {
	return Descriptor{Kind: KindFailed, Reason: reason}
}

// InitiateRequest carries the order, method and converted amount for a payment attempt.
type InitiateRequest struct {
	OrderID        string
	OrderNo        string
	Method         domain.MethodKey
	Amount         float64
	Currency       string
	Extra          map[string]string
	IdempotencyKey string
}

// ConfirmRequest carries whatever the confirmation path observed.
type ConfirmRequest struct {
	OrderID   string
	Reference string
	PaymentID string
	PayerID   string
	Params    url.Values
}

// Confirmation is the provider verdict for a confirm call.
type Confirmation struct {
	Status Status
	Msg    string
}

// Strategy is the per-method payment flow: how to start a payment and how to confirm it.
type Strategy interface {
	Method() domain.MethodKey
	Mode() domain.ConfirmationMode
	Initiate(ctx context.Context, req InitiateRequest) (Descriptor, error)
	Confirm(ctx context.Context, req ConfirmRequest) (Confirmation, error)
}

// Logger defines the logging contract for strategy operations.
type Logger func(ctx context.Context, event string, fields map[string]any)

// Manager resolves the strategy registered for a method key.
type Manager struct {
	strategies map[domain.MethodKey]Strategy
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithOverride replaces the strategy for the method the override reports.
func WithOverride(strategy Strategy) ManagerOption {
	return func(m *Manager) {
		if strategy == nil {
			return
		}
		m.strategies[normaliseMethod(strategy.Method())] = strategy
	}
}

// NewManager constructs a Manager over the supplied strategies.
func NewManager(strategies []Strategy, opts ...ManagerOption) (*Manager, error) {
	if len(strategies) == 0 {
		return nil, errors.New("payments: at least one strategy is required")
	}
	m := &Manager{strategies: make(map[domain.MethodKey]Strategy, len(strategies))}
	for i, s := range strategies {
		if s == nil {
			return nil, fmt.Errorf("payments: strategy %d is nil", i)
		}
		key := normaliseMethod(s.Method())
		if key == "" {
			return nil, fmt.Errorf("payments: strategy %d has no method key", i)
		}
		if _, dup := m.strategies[key]; dup {
			return nil, fmt.Errorf("payments: duplicate strategy for method %q", key)
		}
		m.strategies[key] = s
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Resolve returns the strategy for a method key.
func (m *Manager) Resolve(method domain.MethodKey) (Strategy, error) {
	if m == nil {
		return nil, errors.New("payments: manager is nil")
	}
	s, ok := m.strategies[normaliseMethod(method)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, method)
	}
	return s, nil
}

func normaliseMethod(method domain.MethodKey) domain.MethodKey {
	return domain.MethodKey(strings.ToLower(strings.TrimSpace(string(method))))
}
