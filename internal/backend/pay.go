package backend

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/brainnel/checkout-api/internal/domain"
)

// ConvertRequest asks the backend to convert a set of named amounts.
type ConvertRequest struct {
	FromCurrency string
	ToCurrency   string
	Amounts      map[string]float64
}

type convertPayload struct {
	FromCurrency string             `json:"from_currency"`
	ToCurrency   string             `json:"to_currency"`
	Amounts      map[string]float64 `json:"amounts"`
}

type convertResponse struct {
	ConvertedAmountsList []domain.ConvertedAmount `json:"converted_amounts_list"`
}

// ConvertCurrency converts every requested amount in one call. Rows are returned as received.
func (c *Client) ConvertCurrency(ctx context.Context, req ConvertRequest) ([]domain.ConvertedAmount, error) {
	var resp convertResponse
	if err := c.do(ctx, call{
		op:     "convert currency",
		method: http.MethodPost,
		path:   []string{"pay", "convert_currency"},
		body: convertPayload{
			FromCurrency: strings.TrimSpace(req.FromCurrency),
			ToCurrency:   strings.TrimSpace(req.ToCurrency),
			Amounts:      req.Amounts,
		},
	}, &resp); err != nil {
		return nil, err
	}
	if resp.ConvertedAmountsList == nil {
		return nil, ErrMalformedResponse
	}
	return resp.ConvertedAmountsList, nil
}

// PayInfoRequest starts a payment for an order with a given method.
type PayInfoRequest struct {
	OrderID        string
	Method         string
	Currency       string
	Amount         float64
	Extra          map[string]string
	IdempotencyKey string
}

// PayInfo is the backend answer to a payment initiation.
type PayInfo struct {
	Success    bool
	PaymentURL string
	Msg        string
}

type payInfoPayload struct {
	OrderID  string            `json:"order_id"`
	Method   string            `json:"method"`
	Currency string            `json:"currency"`
	Amount   float64           `json:"amount"`
	Extra    map[string]string `json:"extra,omitempty"`
}

type payInfoResponse struct {
	Success    *bool  `json:"success"`
	PaymentURL string `json:"payment_url"`
	Msg        string `json:"msg"`
}

// PayInfo calls get_pay_info to initiate the payment.
func (c *Client) PayInfo(ctx context.Context, req PayInfoRequest) (PayInfo, error) {
	var resp payInfoResponse
	if err := c.do(ctx, call{
		op:     "get pay info",
		method: http.MethodPost,
		path:   []string{"pay", "get_pay_info"},
		body: payInfoPayload{
			OrderID:  strings.TrimSpace(req.OrderID),
			Method:   strings.TrimSpace(req.Method),
			Currency: strings.TrimSpace(req.Currency),
			Amount:   req.Amount,
			Extra:    req.Extra,
		},
		idempotencyKey: req.IdempotencyKey,
	}, &resp); err != nil {
		return PayInfo{}, err
	}
	if resp.Success == nil {
		return PayInfo{}, ErrMalformedResponse
	}
	return PayInfo{
		Success:    *resp.Success,
		PaymentURL: strings.TrimSpace(resp.PaymentURL),
		Msg:        strings.TrimSpace(resp.Msg),
	}, nil
}

type waveStatusResponse struct {
	PayStatus *int `json:"pay_status"`
}

// WavePayStatus polls the Wave payment status of an order. 1 means paid.
func (c *Client) WavePayStatus(ctx context.Context, orderID string) (int, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return 0, errors.New("backend: order id is required")
	}
	var resp waveStatusResponse
	if err := c.do(ctx, call{
		op:     "wave pay status",
		method: http.MethodGet,
		path:   []string{"pay", "wave", url.PathEscape(orderID)},
	}, &resp); err != nil {
		return 0, err
	}
	if resp.PayStatus == nil {
		return 0, ErrMalformedResponse
	}
	return *resp.PayStatus, nil
}

type paypalCallbackPayload struct {
	PaymentID string `json:"paymentId"`
	PayerID   string `json:"payerId"`
}

type paypalCallbackResponse struct {
	Status string `json:"status"`
}

// PayPalCallback finalizes an approved PayPal payment and returns the backend status.
func (c *Client) PayPalCallback(ctx context.Context, paymentID, payerID string) (string, error) {
	paymentID = strings.TrimSpace(paymentID)
	payerID = strings.TrimSpace(payerID)
	if paymentID == "" || payerID == "" {
		return "", errors.New("backend: paymentId and payerId are required")
	}
	var resp paypalCallbackResponse
	if err := c.do(ctx, call{
		op:     "paypal callback",
		method: http.MethodPost,
		path:   []string{"pay", "paypal_callback"},
		body:   paypalCallbackPayload{PaymentID: paymentID, PayerID: payerID},
	}, &resp); err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Status), nil
}
