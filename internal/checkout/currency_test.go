package checkout

import (
	"context"
	"errors"
	"testing"

	"github.com/brainnel/checkout-api/internal/backend"
	"github.com/brainnel/checkout-api/internal/domain"
)

func TestDisplayTotalExcludesShippingForCOD(t *testing.T) {
	rows := []domain.ConvertedAmount{
		{ItemKey: domain.AmountKeyTotal, ConvertedAmount: 100},
		{ItemKey: domain.AmountKeyShippingFee, ConvertedAmount: 15},
		{ItemKey: domain.AmountKeyDomesticShipping, ConvertedAmount: 5},
	}
	if got := DisplayTotal(rows, true); got != 105 {
		t.Fatalf("expected cod total 105, got %v", got)
	}
	if got := DisplayTotal(rows, false); got != 120 {
		t.Fatalf("expected total 120, got %v", got)
	}
}

func TestConvertSameCurrencySkipsBackend(t *testing.T) {
	rates := &stubRateSource{convertFunc: func(ctx context.Context, req backend.ConvertRequest) ([]domain.ConvertedAmount, error) {
		t.Fatalf("unexpected backend call")
		return nil, nil
	}}
	svc, err := NewCurrencyConversionService(rates)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rows, err := svc.Convert(context.Background(), "FCFA", "XOF", map[string]float64{"total_amount": 60000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 1 || rows[0].ConvertedAmount != 60000 {
		t.Fatalf("unexpected rows %+v", rows)
	}
}

func TestConvertRejectsIncompleteResponse(t *testing.T) {
	rates := &stubRateSource{convertFunc: func(ctx context.Context, req backend.ConvertRequest) ([]domain.ConvertedAmount, error) {
		return []domain.ConvertedAmount{{ItemKey: "total_amount", ConvertedAmount: 91}}, nil
	}}
	svc, _ := NewCurrencyConversionService(rates)

	_, err := svc.Convert(context.Background(), "FCFA", "USD", map[string]float64{"total_amount": 60000, "shipping_fee": 3000})
	if !errors.Is(err, ErrConversionIncomplete) {
		t.Fatalf("expected incomplete conversion, got %v", err)
	}
}

func TestSelectIgnoresStaleCurrency(t *testing.T) {
	usdStarted := make(chan struct{})
	releaseUSD := make(chan struct{})
	rates := &stubRateSource{convertFunc: func(ctx context.Context, req backend.ConvertRequest) ([]domain.ConvertedAmount, error) {
		if req.ToCurrency == "USD" {
			close(usdStarted)
			<-releaseUSD
			return scaleRows(0.5)(ctx, req)
		}
		return scaleRows(0.25)(ctx, req)
	}}
	svc, _ := NewCurrencyConversionService(rates)
	amounts := map[string]float64{"total_amount": 60000}

	usdErr := make(chan error, 1)
	go func() {
		_, err := svc.Select(context.Background(), "chk-1", "FCFA", "USD", amounts)
		usdErr <- err
	}()
	<-usdStarted

	view, err := svc.Select(context.Background(), "chk-1", "FCFA", "EUR", amounts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if view.Target != "EUR" || view.Status != ConversionReady {
		t.Fatalf("unexpected view %+v", view)
	}

	close(releaseUSD)
	if err := <-usdErr; !errors.Is(err, ErrConversionSuperseded) {
		t.Fatalf("expected superseded, got %v", err)
	}

	current := svc.Current("chk-1")
	if current.Target != "EUR" || len(current.Rows) != 1 || current.Rows[0].ConvertedAmount != 15000 {
		t.Fatalf("expected EUR rows to remain applied, got %+v", current)
	}
}

func TestNeedsConversion(t *testing.T) {
	catalog := NewCatalog(nil)
	paypal, _ := catalog.Option(domain.MethodPayPal)
	balance, _ := catalog.Option(domain.MethodBalance)

	if !NeedsConversion(paypal, "FCFA", "FCFA") {
		t.Fatalf("expected currency choice methods to convert")
	}
	if NeedsConversion(balance, "FCFA", "XOF") {
		t.Fatalf("expected FCFA and XOF to be the same currency")
	}
	if !NeedsConversion(balance, "FCFA", "XAF") {
		t.Fatalf("expected a different settlement currency to convert")
	}
}
