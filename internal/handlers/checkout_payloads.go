package handlers

import (
	"github.com/brainnel/checkout-api/internal/checkout"
	"github.com/brainnel/checkout-api/internal/domain"
	"github.com/brainnel/checkout-api/internal/services"
)

type codPayload struct {
	IsCOD     bool    `json:"isCod"`
	IsToc     int     `json:"isToc"`
	Threshold float64 `json:"threshold,omitempty"`
}

type shippingQuotePayload struct {
	ForwarderAddressID       string  `json:"forwarderAddressId"`
	TransportMode            string  `json:"transportMode"`
	TotalShippingFeeSea      float64 `json:"totalShippingFeeSea"`
	TotalShippingFeeAir      float64 `json:"totalShippingFeeAir"`
	TotalDomesticShippingFee float64 `json:"totalDomesticShippingFee"`
	InternationalFee         float64 `json:"internationalFee"`
	Currency                 string  `json:"currency"`
	QuotedAt                 string  `json:"quotedAt,omitempty"`
}

type quotePayload struct {
	Status             string                `json:"status"`
	ForwarderAddressID string                `json:"forwarderAddressId,omitempty"`
	TransportMode      string                `json:"transportMode,omitempty"`
	Quote              *shippingQuotePayload `json:"quote,omitempty"`
	Reason             string                `json:"reason,omitempty"`
}

type convertedAmountPayload struct {
	ItemKey         string  `json:"itemKey"`
	OriginalAmount  float64 `json:"originalAmount"`
	ConvertedAmount float64 `json:"convertedAmount"`
}

type conversionPayload struct {
	Status string                   `json:"status"`
	From   string                   `json:"from,omitempty"`
	Target string                   `json:"target,omitempty"`
	Rows   []convertedAmountPayload `json:"rows,omitempty"`
	Reason string                   `json:"reason,omitempty"`
}

type conversionResultPayload struct {
	Method             string            `json:"method"`
	SettlementCurrency string            `json:"settlementCurrency"`
	Converted          bool              `json:"converted"`
	Conversion         conversionPayload `json:"conversion"`
	DisplayTotal       float64           `json:"displayTotal"`
	ChargeAmount       float64           `json:"chargeAmount"`
}

type receiverPayload struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Address string `json:"address,omitempty"`
	Country string `json:"country,omitempty"`
}

type orderItemPayload struct {
	ProductID   string  `json:"productId"`
	SKUID       string  `json:"skuId,omitempty"`
	ProductName string  `json:"productName,omitempty"`
	Quantity    int     `json:"quantity"`
	UnitPrice   float64 `json:"unitPrice"`
}

type orderPayload struct {
	ID                  string             `json:"id"`
	OrderNo             string             `json:"orderNo"`
	Currency            string             `json:"currency"`
	TotalAmount         float64            `json:"totalAmount"`
	DiscountAmount      float64            `json:"discountAmount"`
	ShippingFee         float64            `json:"shippingFee"`
	DomesticShippingFee float64            `json:"domesticShippingFee"`
	ActualAmount        float64            `json:"actualAmount"`
	Paid                bool               `json:"paid"`
	Receiver            receiverPayload    `json:"receiver"`
	Items               []orderItemPayload `json:"items,omitempty"`
	CreatedAt           string             `json:"createdAt,omitempty"`
}

type descriptorPayload struct {
	Kind   string `json:"kind"`
	URL    string `json:"url,omitempty"`
	Result string `json:"result,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type outcomePayload struct {
	Screen   string  `json:"screen"`
	OrderID  string  `json:"orderId,omitempty"`
	OrderNo  string  `json:"orderNo,omitempty"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency,omitempty"`
	Msg      string  `json:"msg,omitempty"`
}

type paymentPayload struct {
	AttemptID  string            `json:"attemptId"`
	CheckoutID string            `json:"checkoutId"`
	OrderID    string            `json:"orderId"`
	OrderNo    string            `json:"orderNo,omitempty"`
	Method     string            `json:"method"`
	Amount     float64           `json:"amount"`
	Currency   string            `json:"currency"`
	State      string            `json:"state"`
	Terminal   bool              `json:"terminal"`
	Descriptor descriptorPayload `json:"descriptor"`
	Polls      int               `json:"polls"`
	Outcome    *outcomePayload   `json:"outcome,omitempty"`
	StartedAt  string            `json:"startedAt,omitempty"`
	UpdatedAt  string            `json:"updatedAt,omitempty"`
}

type navigationPayload struct {
	Decision string         `json:"decision"`
	Payment  paymentPayload `json:"payment"`
}

type methodPayload struct {
	Key                    string   `json:"key"`
	Tab                    string   `json:"tab"`
	RequiresPhone          bool     `json:"requiresPhone"`
	RequiresCurrencyChoice bool     `json:"requiresCurrencyChoice"`
	SupportsCOD            bool     `json:"supportsCod"`
	Confirmation           string   `json:"confirmation"`
	CurrencyChoices        []string `json:"currencyChoices,omitempty"`
	DisplayValue           string   `json:"displayValue,omitempty"`
}

type paymentMethodsPayload struct {
	CheckoutID string          `json:"checkoutId"`
	Online     []methodPayload `json:"online"`
	Offline    []methodPayload `json:"offline"`
}

type forwarderAddressPayload struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Country       string `json:"country,omitempty"`
	Address       string `json:"address"`
	Phone         string `json:"phone,omitempty"`
	TransportMode string `json:"transportMode"`
	IsDefault     bool   `json:"isDefault"`
}

type checkoutPayload struct {
	CheckoutID    string            `json:"checkoutId"`
	CountryCode   int               `json:"countryCode"`
	Currency      string            `json:"currency"`
	SelectedTotal float64           `json:"selectedTotal"`
	COD           codPayload        `json:"cod"`
	Quote         quotePayload      `json:"quote"`
	Conversion    conversionPayload `json:"conversion"`
	Order         *orderPayload     `json:"order,omitempty"`
	Payment       *paymentPayload   `json:"payment,omitempty"`
	CreatedAt     string            `json:"createdAt,omitempty"`
	UpdatedAt     string            `json:"updatedAt,omitempty"`
}

func newCheckoutPayload(summary services.CheckoutSummary) checkoutPayload {
	payload := checkoutPayload{
		CheckoutID:    summary.CheckoutID,
		CountryCode:   summary.CountryCode,
		Currency:      summary.Currency,
		SelectedTotal: summary.SelectedTotal,
		COD: codPayload{
			IsCOD:     summary.COD.IsCOD,
			IsToc:     summary.COD.IsToc,
			Threshold: summary.COD.Threshold,
		},
		Quote:      newQuotePayload(summary.Quote),
		Conversion: newConversionPayload(summary.Conversion),
		CreatedAt:  formatTime(summary.CreatedAt),
		UpdatedAt:  formatTime(summary.UpdatedAt),
	}
	if summary.Order != nil {
		order := newOrderPayload(*summary.Order)
		payload.Order = &order
	}
	if summary.Payment != nil {
		payment := newPaymentPayload(*summary.Payment)
		payload.Payment = &payment
	}
	return payload
}

func newQuotePayload(view checkout.QuoteView) quotePayload {
	payload := quotePayload{
		Status:             string(view.Status),
		ForwarderAddressID: view.ForwarderAddressID,
		TransportMode:      string(view.TransportMode),
		Reason:             view.Reason,
	}
	if payload.Status == "" {
		payload.Status = string(checkout.QuoteNone)
	}
	if q := view.Quote; q != nil {
		payload.Quote = &shippingQuotePayload{
			ForwarderAddressID:       q.ForwarderAddressID,
			TransportMode:            string(q.TransportMode),
			TotalShippingFeeSea:      q.TotalShippingFeeSea,
			TotalShippingFeeAir:      q.TotalShippingFeeAir,
			TotalDomesticShippingFee: q.TotalDomesticShippingFee,
			InternationalFee:         q.InternationalFee(),
			Currency:                 q.Currency,
			QuotedAt:                 formatTime(q.QuotedAt),
		}
	}
	return payload
}

func newConversionPayload(view checkout.ConversionView) conversionPayload {
	payload := conversionPayload{
		Status: string(view.Status),
		From:   view.From,
		Target: view.Target,
		Reason: view.Reason,
	}
	if payload.Status == "" {
		payload.Status = string(checkout.ConversionNone)
	}
	for _, row := range view.Rows {
		payload.Rows = append(payload.Rows, convertedAmountPayload{
			ItemKey:         row.ItemKey,
			OriginalAmount:  row.OriginalAmount,
			ConvertedAmount: row.ConvertedAmount,
		})
	}
	return payload
}

func newOrderPayload(order domain.Order) orderPayload {
	payload := orderPayload{
		ID:                  order.ID,
		OrderNo:             order.OrderNo,
		Currency:            order.Currency,
		TotalAmount:         order.TotalAmount,
		DiscountAmount:      order.DiscountAmount,
		ShippingFee:         order.ShippingFee,
		DomesticShippingFee: order.DomesticShippingFee,
		ActualAmount:        order.ActualAmount,
		Paid:                order.Paid(),
		Receiver: receiverPayload{
			Name:    order.Receiver.Name,
			Phone:   order.Receiver.Phone,
			Address: order.Receiver.Address,
			Country: order.Receiver.Country,
		},
		CreatedAt: formatTime(order.CreatedAt),
	}
	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			ProductID:   item.ProductID,
			SKUID:       item.SKUID,
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
		})
	}
	return payload
}

func newPaymentPayload(status services.PaymentStatus) paymentPayload {
	payload := paymentPayload{
		AttemptID:  status.AttemptID,
		CheckoutID: status.CheckoutID,
		OrderID:    status.OrderID,
		OrderNo:    status.OrderNo,
		Method:     string(status.Method),
		Amount:     status.Amount,
		Currency:   status.Currency,
		State:      string(status.State),
		Terminal:   status.State.Terminal(),
		Descriptor: descriptorPayload{
			Kind:   string(status.Descriptor.Kind),
			URL:    status.Descriptor.URL,
			Result: status.Descriptor.Result,
			Reason: status.Descriptor.Reason,
		},
		Polls:     status.Polls,
		StartedAt: formatTime(status.StartedAt),
		UpdatedAt: formatTime(status.UpdatedAt),
	}
	if o := status.Outcome; o != nil {
		payload.Outcome = &outcomePayload{
			Screen:   string(o.Screen),
			OrderID:  o.OrderID,
			OrderNo:  o.OrderNo,
			Amount:   o.Amount,
			Currency: o.Currency,
			Msg:      o.Msg,
		}
	}
	return payload
}

func methodPayloads(options []checkout.MethodOption) []methodPayload {
	items := make([]methodPayload, 0, len(options))
	for _, opt := range options {
		items = append(items, methodPayload{
			Key:                    string(opt.Key),
			Tab:                    string(opt.Tab),
			RequiresPhone:          opt.RequiresPhone,
			RequiresCurrencyChoice: opt.RequiresCurrencyChoice,
			SupportsCOD:            opt.SupportsCOD,
			Confirmation:           string(opt.Confirmation),
			CurrencyChoices:        opt.CurrencyChoices,
			DisplayValue:           opt.DisplayValue,
		})
	}
	return items
}
