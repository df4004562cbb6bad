package backend

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/brainnel/checkout-api/internal/domain"
)

// CreateOrderRequest carries the selected cart lines, receiver and quoted fees for order creation.
type CreateOrderRequest struct {
	Lines               []domain.CartLine
	Receiver            domain.Receiver
	ForwarderAddressID  string
	TransportMode       domain.TransportMode
	Currency            string
	ShippingFee         float64
	DomesticShippingFee float64
	IsCOD               bool
	IsToc               int
	IdempotencyKey      string
}

type createOrderPayload struct {
	Items               []orderLinePayload `json:"items"`
	ReceiverName        string             `json:"receiver_name"`
	ReceiverPhone       string             `json:"receiver_phone"`
	ReceiverAddress     string             `json:"receiver_address"`
	ReceiverCountry     string             `json:"receiver_country"`
	ForwarderAddressID  string             `json:"forwarder_address_id"`
	TransportType       string             `json:"transport_type"`
	Currency            string             `json:"currency"`
	ShippingFee         float64            `json:"shipping_fee"`
	DomesticShippingFee float64            `json:"domestic_shipping_fee"`
	IsCOD               int                `json:"is_cod"`
	IsToc               int                `json:"is_toc"`
}

type orderLinePayload struct {
	CartItemID string `json:"cart_item_id,omitempty"`
	ProductID  string `json:"product_id"`
	SKUID      string `json:"sku_id,omitempty"`
	Quantity   int    `json:"quantity"`
}

type orderPayload struct {
	OrderID             string             `json:"order_id"`
	OrderNo             string             `json:"order_no"`
	Currency            string             `json:"currency"`
	TotalAmount         float64            `json:"total_amount"`
	DiscountAmount      float64            `json:"discount_amount"`
	ShippingFee         float64            `json:"shipping_fee"`
	DomesticShippingFee float64            `json:"domestic_shipping_fee"`
	ActualAmount        float64            `json:"actual_amount"`
	PayStatus           int                `json:"pay_status"`
	ReceiverName        string             `json:"receiver_name"`
	ReceiverPhone       string             `json:"receiver_phone"`
	ReceiverAddress     string             `json:"receiver_address"`
	ReceiverCountry     string             `json:"receiver_country"`
	Items               []orderItemPayload `json:"items"`
	CreateTime          string             `json:"create_time"`
}

type orderItemPayload struct {
	ProductID   string  `json:"product_id"`
	SKUID       string  `json:"sku_id"`
	ProductName string  `json:"product_name"`
	Quantity    int     `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
}

// CreateOrder submits the selected cart lines and returns the server-assigned order.
func (c *Client) CreateOrder(ctx context.Context, req CreateOrderRequest) (domain.Order, error) {
	body := createOrderPayload{
		Items:               make([]orderLinePayload, 0, len(req.Lines)),
		ReceiverName:        strings.TrimSpace(req.Receiver.Name),
		ReceiverPhone:       strings.TrimSpace(req.Receiver.Phone),
		ReceiverAddress:     strings.TrimSpace(req.Receiver.Address),
		ReceiverCountry:     strings.TrimSpace(req.Receiver.Country),
		ForwarderAddressID:  strings.TrimSpace(req.ForwarderAddressID),
		TransportType:       string(req.TransportMode),
		Currency:            strings.TrimSpace(req.Currency),
		ShippingFee:         req.ShippingFee,
		DomesticShippingFee: req.DomesticShippingFee,
		IsToc:               req.IsToc,
	}
	if req.IsCOD {
		body.IsCOD = 1
	}
	for _, line := range req.Lines {
		if !line.Selected {
			continue
		}
		body.Items = append(body.Items, orderLinePayload{
			CartItemID: line.ID,
			ProductID:  line.ProductID,
			SKUID:      line.SKUID,
			Quantity:   line.Quantity,
		})
	}

	var resp orderPayload
	if err := c.do(ctx, call{
		op:             "create order",
		method:         http.MethodPost,
		path:           []string{"orders", "cart"},
		body:           body,
		idempotencyKey: req.IdempotencyKey,
	}, &resp); err != nil {
		return domain.Order{}, err
	}
	return resp.toOrder()
}

// Order fetches the order snapshot used by confirmation screens.
func (c *Client) Order(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("backend: order id is required")
	}
	var resp orderPayload
	if err := c.do(ctx, call{
		op:     "get order",
		method: http.MethodGet,
		path:   []string{"orders", url.PathEscape(orderID)},
	}, &resp); err != nil {
		return domain.Order{}, err
	}
	return resp.toOrder()
}

func (p orderPayload) toOrder() (domain.Order, error) {
	id := strings.TrimSpace(p.OrderID)
	if id == "" {
		return domain.Order{}, ErrMalformedResponse
	}
	order := domain.Order{
		ID:                  id,
		OrderNo:             strings.TrimSpace(p.OrderNo),
		Currency:            strings.TrimSpace(p.Currency),
		TotalAmount:         p.TotalAmount,
		DiscountAmount:      p.DiscountAmount,
		ShippingFee:         p.ShippingFee,
		DomesticShippingFee: p.DomesticShippingFee,
		ActualAmount:        p.ActualAmount,
		PayStatus:           p.PayStatus,
		Receiver: domain.Receiver{
			Name:    strings.TrimSpace(p.ReceiverName),
			Phone:   strings.TrimSpace(p.ReceiverPhone),
			Address: strings.TrimSpace(p.ReceiverAddress),
			Country: strings.TrimSpace(p.ReceiverCountry),
		},
		CreatedAt: parseTime(p.CreateTime),
	}
	for _, item := range p.Items {
		order.Items = append(order.Items, domain.OrderItem{
			ProductID:   strings.TrimSpace(item.ProductID),
			SKUID:       strings.TrimSpace(item.SKUID),
			ProductName: strings.TrimSpace(item.ProductName),
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
		})
	}
	return order, nil
}

func parseTime(val string) time.Time {
	val = strings.TrimSpace(val)
	if val == "" {
		return time.Time{}
	}
	layouts := []string{time.RFC3339Nano, time.RFC3339, time.DateTime}
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, val); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}
