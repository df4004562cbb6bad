package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/brainnel/checkout-api/internal/backend"
	"github.com/brainnel/checkout-api/internal/domain"
)

// ResultPaid and ResultOffline are the immediate results reported by backend strategies.
const (
	ResultPaid    = "paid"
	ResultOffline = "offline"
)

// BackendAPI is the subset of the backend client the strategies call.
type BackendAPI interface {
	PayInfo(ctx context.Context, req backend.PayInfoRequest) (backend.PayInfo, error)
	WavePayStatus(ctx context.Context, orderID string) (int, error)
	PayPalCallback(ctx context.Context, paymentID, payerID string) (string, error)
	Order(ctx context.Context, orderID string) (domain.Order, error)
}

// callbackRecheckDelay is how long a callback confirmation waits before reading an unpaid order
// a second time. The provider's return can land before its notification reaches the backend.
const callbackRecheckDelay = 2 * time.Second

// BackendStrategy initiates payments through get_pay_info and confirms through the
// method-specific backend endpoint.
type BackendStrategy struct {
	method       domain.MethodKey
	mode         domain.ConfirmationMode
	api          BackendAPI
	logger       Logger
	recheckDelay time.Duration
}

// NewBackendStrategy constructs the backend strategy for a single method.
func NewBackendStrategy(method domain.MethodKey, mode domain.ConfirmationMode, api BackendAPI, logger Logger) (*BackendStrategy, error) {
	if api == nil && mode != domain.ConfirmOffline {
		return nil, errors.New("payments: backend api is required")
	}
	if strings.TrimSpace(string(method)) == "" {
		return nil, errors.New("payments: method key is required")
	}
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &BackendStrategy{method: method, mode: mode, api: api, logger: logger, recheckDelay: callbackRecheckDelay}, nil
}

// NewBackendStrategies builds the default strategy for every catalog method.
func NewBackendStrategies(api BackendAPI, logger Logger) ([]Strategy, error) {
	modes := []struct {
		method domain.MethodKey
		mode   domain.ConfirmationMode
	}{
		{domain.MethodBalance, domain.ConfirmImmediate},
		{domain.MethodMobileMoney, domain.ConfirmPolling},
		{domain.MethodWave, domain.ConfirmPolling},
		{domain.MethodPayPal, domain.ConfirmCallback},
		{domain.MethodBankCard, domain.ConfirmCallback},
		{domain.MethodCash, domain.ConfirmOffline},
		{domain.MethodBankTransfer, domain.ConfirmOffline},
	}
	strategies := make([]Strategy, 0, len(modes))
	for _, m := range modes {
		s, err := NewBackendStrategy(m.method, m.mode, api, logger)
		if err != nil {
			return nil, err
		}
		strategies = append(strategies, s)
	}
	return strategies, nil
}

// Method reports the method key served by the strategy.
func (s *BackendStrategy) Method() domain.MethodKey { return s.method }

// Mode reports how the strategy confirms payments.
func (s *BackendStrategy) Mode() domain.ConfirmationMode { return s.mode }

// Initiate starts the payment. Offline methods settle outside the app and never reach get_pay_info.
func (s *BackendStrategy) Initiate(ctx context.Context, req InitiateRequest) (Descriptor, error) {
	if s.mode == domain.ConfirmOffline {
		return Immediate(ResultOffline), nil
	}

	info, err := s.api.PayInfo(ctx, backend.PayInfoRequest{
		OrderID:        req.OrderID,
		Method:         string(s.method),
		Currency:       req.Currency,
		Amount:         req.Amount,
		Extra:          req.Extra,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return Descriptor{}, fmt.Errorf("payments: %s get pay info: %w", s.method, err)
	}
	if !info.Success {
		s.logger(ctx, "payments.backend.initiate_rejected", map[string]any{
			"orderId": req.OrderID,
			"method":  string(s.method),
		})
		return Failed(SanitizeMessage(info.Msg)), nil
	}

	if s.mode == domain.ConfirmImmediate {
		return Immediate(ResultPaid), nil
	}
	if info.PaymentURL == "" {
		return Failed("payment page unavailable"), nil
	}
	return Redirect(info.PaymentURL, req.OrderID), nil
}

// Confirm asks the backend whether the order has been paid.
func (s *BackendStrategy) Confirm(ctx context.Context, req ConfirmRequest) (Confirmation, error) {
	switch s.method {
	case domain.MethodWave:
		status, err := s.api.WavePayStatus(ctx, req.OrderID)
		if err != nil {
			return Confirmation{}, err
		}
		if status == 1 {
			return Confirmation{Status: StatusSucceeded}, nil
		}
		return Confirmation{Status: StatusPending}, nil
	case domain.MethodPayPal:
		if req.PaymentID == "" || req.PayerID == "" {
			return Confirmation{Status: StatusFailed, Msg: "missing paypal approval"}, nil
		}
		status, err := s.api.PayPalCallback(ctx, req.PaymentID, req.PayerID)
		if err != nil {
			return Confirmation{}, err
		}
		if paypalApproved(status) {
			return Confirmation{Status: StatusSucceeded}, nil
		}
		return Confirmation{Status: StatusFailed, Msg: SanitizeMessage(status)}, nil
	case domain.MethodBalance, domain.MethodCash, domain.MethodBankTransfer:
		return Confirmation{Status: StatusSucceeded}, nil
	default:
		paid, err := s.orderPaid(ctx, req.OrderID)
		if err != nil {
			return Confirmation{}, err
		}
		if !paid && s.mode == domain.ConfirmCallback {
			// Callback methods get a single verdict, so an unpaid order is read once more.
			timer := time.NewTimer(s.recheckDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Confirmation{}, ctx.Err()
			case <-timer.C:
			}
			if paid, err = s.orderPaid(ctx, req.OrderID); err != nil {
				return Confirmation{}, err
			}
		}
		if paid {
			return Confirmation{Status: StatusSucceeded}, nil
		}
		return Confirmation{Status: StatusPending}, nil
	}
}

func (s *BackendStrategy) orderPaid(ctx context.Context, orderID string) (bool, error) {
	order, err := s.api.Order(ctx, orderID)
	if err != nil {
		return false, err
	}
	return order.Paid(), nil
}

func paypalApproved(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "success", "succeeded", "completed", "approved", "1":
		return true
	default:
		return false
	}
}
