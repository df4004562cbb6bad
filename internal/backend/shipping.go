package backend

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/brainnel/checkout-api/internal/domain"
)

// InternationalFee holds the sea and air totals returned by the shipping fee endpoint.
type InternationalFee struct {
	TotalShippingFeeSea float64
	TotalShippingFeeAir float64
	Currency            string
}

// DomesticFee holds the domestic leg total.
type DomesticFee struct {
	TotalDomesticShippingFee float64
	Currency                 string
}

// ShippingFeeRequest identifies the cart snapshot and forwarder address being quoted.
type ShippingFeeRequest struct {
	Items              []domain.QuoteItem
	ForwarderAddressID string
	TransportMode      domain.TransportMode
}

type shippingFeePayload struct {
	Items              []quoteItemPayload `json:"items"`
	ForwarderAddressID string             `json:"forwarder_address_id"`
	TransportType      string             `json:"transport_type,omitempty"`
}

type quoteItemPayload struct {
	ProductID string `json:"product_id"`
	SKUID     string `json:"sku_id,omitempty"`
	Quantity  int    `json:"quantity"`
}

type internationalFeeResponse struct {
	TotalShippingFeeSea *float64 `json:"total_shipping_fee_sea"`
	TotalShippingFeeAir *float64 `json:"total_shipping_fee_air"`
	Currency            string   `json:"currency"`
}

type domesticFeeResponse struct {
	TotalDomesticShippingFee *float64 `json:"total_domestic_shipping_fee"`
	Currency                 string   `json:"currency"`
}

type forwarderListResponse struct {
	Addresses []forwarderPayload `json:"addresses"`
}

type forwarderPayload struct {
	AddressID     string `json:"address_id"`
	Name          string `json:"name"`
	Country       string `json:"country"`
	Address       string `json:"address"`
	Phone         string `json:"phone"`
	TransportType string `json:"transport_type"`
	IsDefault     int    `json:"is_default"`
}

func (r ShippingFeeRequest) payload(withMode bool) shippingFeePayload {
	body := shippingFeePayload{
		Items:              make([]quoteItemPayload, 0, len(r.Items)),
		ForwarderAddressID: strings.TrimSpace(r.ForwarderAddressID),
	}
	if withMode {
		body.TransportType = string(r.TransportMode)
	}
	for _, item := range r.Items {
		body.Items = append(body.Items, quoteItemPayload{
			ProductID: item.ProductID,
			SKUID:     item.SKUID,
			Quantity:  item.Quantity,
		})
	}
	return body
}

// InternationalShippingFee quotes the sea and air legs for the cart snapshot.
func (c *Client) InternationalShippingFee(ctx context.Context, req ShippingFeeRequest) (InternationalFee, error) {
	var resp internationalFeeResponse
	if err := c.do(ctx, call{
		op:     "calc shipping fee",
		method: http.MethodPost,
		path:   []string{"orders", "calc_shipping_fee"},
		body:   req.payload(true),
	}, &resp); err != nil {
		return InternationalFee{}, err
	}
	if resp.TotalShippingFeeSea == nil && resp.TotalShippingFeeAir == nil {
		return InternationalFee{}, ErrMalformedResponse
	}
	fee := InternationalFee{Currency: strings.TrimSpace(resp.Currency)}
	if resp.TotalShippingFeeSea != nil {
		fee.TotalShippingFeeSea = *resp.TotalShippingFeeSea
	}
	if resp.TotalShippingFeeAir != nil {
		fee.TotalShippingFeeAir = *resp.TotalShippingFeeAir
	}
	return fee, nil
}

// DomesticShippingFee quotes the domestic delivery leg for the cart snapshot.
func (c *Client) DomesticShippingFee(ctx context.Context, req ShippingFeeRequest) (DomesticFee, error) {
	var resp domesticFeeResponse
	if err := c.do(ctx, call{
		op:     "calc domestic shipping",
		method: http.MethodPost,
		path:   []string{"orders", "calc_domestic_shipping"},
		body:   req.payload(false),
	}, &resp); err != nil {
		return DomesticFee{}, err
	}
	if resp.TotalDomesticShippingFee == nil {
		return DomesticFee{}, ErrMalformedResponse
	}
	return DomesticFee{
		TotalDomesticShippingFee: *resp.TotalDomesticShippingFee,
		Currency:                 strings.TrimSpace(resp.Currency),
	}, nil
}

// ForwarderAddresses lists the consolidation warehouses for a transport mode.
func (c *Client) ForwarderAddresses(ctx context.Context, mode domain.TransportMode) ([]domain.ForwarderAddress, error) {
	query := url.Values{}
	if mode != "" {
		query.Set("transport_type", string(mode))
	}
	var resp forwarderListResponse
	if err := c.do(ctx, call{
		op:     "list forwarder addresses",
		method: http.MethodGet,
		path:   []string{"freight_forwarder_address"},
		query:  query,
	}, &resp); err != nil {
		return nil, err
	}
	addresses := make([]domain.ForwarderAddress, 0, len(resp.Addresses))
	for _, item := range resp.Addresses {
		id := strings.TrimSpace(item.AddressID)
		if id == "" {
			continue
		}
		transport, ok := domain.ParseTransportMode(item.TransportType)
		if !ok {
			transport = mode
		}
		addresses = append(addresses, domain.ForwarderAddress{
			ID:            id,
			Name:          strings.TrimSpace(item.Name),
			Country:       strings.TrimSpace(item.Country),
			Address:       strings.TrimSpace(item.Address),
			Phone:         strings.TrimSpace(item.Phone),
			TransportMode: transport,
			IsDefault:     item.IsDefault == 1,
		})
	}
	return addresses, nil
}
