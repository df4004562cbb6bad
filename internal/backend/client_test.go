package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/brainnel/checkout-api/internal/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, WithHTTPClient(srv.Client()), WithServiceToken("svc-token"))
}

func TestClientConvertCurrency(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/pay/convert_currency" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer svc-token" {
			t.Fatalf("expected service token, got %q", got)
		}
		var body convertPayload
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body.FromCurrency != "FCFA" || body.ToCurrency != "USD" || body.Amounts["total_amount"] != 60000 {
			t.Fatalf("unexpected payload %#v", body)
		}
		_, _ = w.Write([]byte(`{"converted_amounts_list":[{"item_key":"total_amount","original_amount":60000,"converted_amount":100}]}`))
	})

	rows, err := client.ConvertCurrency(context.Background(), ConvertRequest{
		FromCurrency: "FCFA",
		ToCurrency:   "USD",
		Amounts:      map[string]float64{"total_amount": 60000},
	})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if len(rows) != 1 || rows[0].ConvertedAmount != 100 || rows[0].ItemKey != "total_amount" {
		t.Fatalf("unexpected rows %#v", rows)
	}
}

func TestClientForwardsUserToken(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer user-token" {
			t.Fatalf("expected user token, got %q", got)
		}
		_, _ = w.Write([]byte(`{"pay_status":1}`))
	})

	ctx := WithUserToken(context.Background(), "user-token")
	status, err := client.WavePayStatus(ctx, "ord-1")
	if err != nil {
		t.Fatalf("wave status: %v", err)
	}
	if status != 1 {
		t.Fatalf("expected status 1, got %d", status)
	}
}

func TestClientStatusError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	})

	_, err := client.PayInfo(context.Background(), PayInfoRequest{OrderID: "ord-1", Method: "wave", Currency: "FCFA", Amount: 1})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected status error, got %v", err)
	}
	if statusErr.Status != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", statusErr.Status)
	}
}

func TestClientPayInfoRequiresSuccessField(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(idempotencyHeader) != "attempt-1" {
			t.Fatalf("expected idempotency key to be forwarded")
		}
		_, _ = w.Write([]byte(`{"payment_url":"https://pay.example"}`))
	})

	_, err := client.PayInfo(context.Background(), PayInfoRequest{OrderID: "ord-1", Method: "wave", IdempotencyKey: "attempt-1"})
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected malformed response, got %v", err)
	}
}

func TestClientShippingFees(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body shippingFeePayload
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		switch r.URL.Path {
		case "/orders/calc_shipping_fee":
			if body.TransportType != "air" {
				t.Fatalf("expected transport type air, got %q", body.TransportType)
			}
			_, _ = w.Write([]byte(`{"total_shipping_fee_sea":1200,"total_shipping_fee_air":4800,"currency":"FCFA"}`))
		case "/orders/calc_domestic_shipping":
			if body.TransportType != "" {
				t.Fatalf("domestic quote must not carry transport type")
			}
			_, _ = w.Write([]byte(`{"total_domestic_shipping_fee":1500,"currency":"FCFA"}`))
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	req := ShippingFeeRequest{
		Items:              []domain.QuoteItem{{ProductID: "p1", SKUID: "s1", Quantity: 3}},
		ForwarderAddressID: "fw-1",
		TransportMode:      domain.TransportAir,
	}
	intl, err := client.InternationalShippingFee(context.Background(), req)
	if err != nil {
		t.Fatalf("international: %v", err)
	}
	if intl.TotalShippingFeeAir != 4800 || intl.TotalShippingFeeSea != 1200 {
		t.Fatalf("unexpected international fee %#v", intl)
	}
	dom, err := client.DomesticShippingFee(context.Background(), req)
	if err != nil {
		t.Fatalf("domestic: %v", err)
	}
	if dom.TotalDomesticShippingFee != 1500 {
		t.Fatalf("unexpected domestic fee %#v", dom)
	}
}

func TestClientCreateOrderSendsSelectedLinesOnly(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body createOrderPayload
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(body.Items) != 1 || body.Items[0].ProductID != "p1" {
			t.Fatalf("expected only selected line, got %#v", body.Items)
		}
		if body.IsCOD != 1 {
			t.Fatalf("expected is_cod=1")
		}
		_, _ = w.Write([]byte(`{"order_id":"ord-9","order_no":"NO-9","currency":"FCFA","total_amount":60000,"actual_amount":62700}`))
	})

	order, err := client.CreateOrder(context.Background(), CreateOrderRequest{
		Lines: []domain.CartLine{
			{ID: "l1", ProductID: "p1", Quantity: 2, Selected: true},
			{ID: "l2", ProductID: "p2", Quantity: 1},
		},
		Currency: "FCFA",
		IsCOD:    true,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if order.ID != "ord-9" || order.OrderNo != "NO-9" || order.ActualAmount != 62700 {
		t.Fatalf("unexpected order %#v", order)
	}
}

func TestClientNotConfigured(t *testing.T) {
	client := NewClient("")
	if _, err := client.Order(context.Background(), "ord-1"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}
