package checkout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/brainnel/checkout-api/internal/domain"
	"github.com/brainnel/checkout-api/internal/payments"
)

func newTestInitiator(t *testing.T, clock *manualClock, strategies ...*stubStrategy) (*Initiator, *Registry) {
	t.Helper()
	resolver := stubResolver{strategies: make(map[domain.MethodKey]payments.Strategy)}
	for _, s := range strategies {
		resolver.strategies[s.method] = s
	}
	registry := NewRegistry(clock.Now)
	var n int
	initiator, err := NewInitiator(InitiatorDeps{
		Resolver:   resolver,
		Catalog:    NewCatalog(nil),
		Registry:   registry,
		Controller: ControllerConfig{Clock: clock},
		NewID: func() string {
			n++
			return "pay_" + string(rune('a'+n-1))
		},
	})
	if err != nil {
		t.Fatalf("unexpected error constructing initiator: %v", err)
	}
	return initiator, registry
}

func TestInitiateBalanceEndToEnd(t *testing.T) {
	clock := newManualClock(testNow)
	evaluator := NewCODEvaluator(NewMinimumOrderThreshold(0, nil), clock.Now)
	decision, err := evaluator.Evaluate(context.Background(), EligibilityInput{CountryCode: 225, Currency: "FCFA", TotalAmount: 60000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.IsCOD || decision.IsToc != 0 {
		t.Fatalf("expected cod eligible order, got %+v", decision)
	}

	catalog := NewCatalog(nil)
	balance, _ := catalog.Option(domain.MethodBalance)
	settlement := catalog.SettlementCurrency(domain.MethodBalance, 225, "FCFA", "")
	if NeedsConversion(balance, "FCFA", settlement) {
		t.Fatalf("expected no conversion for balance in FCFA")
	}

	strategy := &stubStrategy{
		method: domain.MethodBalance,
		mode:   domain.ConfirmImmediate,
		initiateFunc: func(ctx context.Context, req payments.InitiateRequest) (payments.Descriptor, error) {
			if req.Amount != 65500 || req.Currency != "FCFA" {
				t.Fatalf("unexpected initiate request %+v", req)
			}
			return payments.Immediate(payments.ResultPaid), nil
		},
	}
	initiator, registry := newTestInitiator(t, clock, strategy)

	init, err := initiator.Initiate(context.Background(), InitiateRequest{
		OrderID:     "ord-1",
		OrderNo:     "BN-0001",
		Method:      domain.MethodBalance,
		Amount:      65500,
		Currency:    "FCFA",
		CountryCode: 225,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if init.Descriptor.Kind != payments.KindImmediate || init.AttemptID != "pay_a" {
		t.Fatalf("unexpected initiation %+v", init)
	}
	out, ok := init.Controller.Outcome()
	if !ok || out.Screen != domain.ScreenPaymentSuccess || out.Amount != 65500 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if ctrl, ok := registry.Get("ord-1"); !ok || ctrl != init.Controller {
		t.Fatalf("expected controller registered for order")
	}
}

func TestInitiateWaveTimesOutToPayError(t *testing.T) {
	clock := newManualClock(testNow)
	strategy := &stubStrategy{
		method: domain.MethodWave,
		mode:   domain.ConfirmPolling,
		initiateFunc: func(ctx context.Context, req payments.InitiateRequest) (payments.Descriptor, error) {
			return payments.Redirect("https://pay.wave.com/c/cos-1", req.OrderID), nil
		},
	}
	initiator, _ := newTestInitiator(t, clock, strategy)

	init, err := initiator.Initiate(context.Background(), InitiateRequest{OrderID: "ord-9", OrderNo: "BN-0009", Method: domain.MethodWave, Amount: 70000, Currency: "FCFA", CountryCode: 225})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if init.Controller.State() != StatePolling {
		t.Fatalf("expected polling, got %s", init.Controller.State())
	}

	clock.Advance(DefaultPollTimeout)

	out, ok := init.Controller.Outcome()
	if !ok || out.Screen != domain.ScreenPayError {
		t.Fatalf("expected pay error, got %+v", out)
	}
	if out.OrderID != "ord-9" || out.OrderNo != "BN-0009" || out.Currency != "FCFA" || out.Msg == "" {
		t.Fatalf("expected pay error to carry the order, got %+v", out)
	}
}

func TestInitiateSupersedesPreviousAttempt(t *testing.T) {
	clock := newManualClock(testNow)
	strategy := &stubStrategy{
		method: domain.MethodWave,
		mode:   domain.ConfirmPolling,
		initiateFunc: func(ctx context.Context, req payments.InitiateRequest) (payments.Descriptor, error) {
			return payments.Redirect("https://pay.wave.com/c/cos-1", req.OrderID), nil
		},
	}
	initiator, registry := newTestInitiator(t, clock, strategy)
	req := InitiateRequest{OrderID: "ord-1", Method: domain.MethodWave, Amount: 70000, Currency: "FCFA", CountryCode: 225}

	first, err := initiator.Initiate(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := initiator.Initiate(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if first.Controller.State() != StateCancelled {
		t.Fatalf("expected first attempt cancelled, got %s", first.Controller.State())
	}
	clock.Advance(4 * time.Second)
	if first.Controller.Polls() != 0 || second.Controller.Polls() != 2 {
		t.Fatalf("expected only the new attempt to poll, got %d and %d", first.Controller.Polls(), second.Controller.Polls())
	}
	if ctrl, _ := registry.Get("ord-1"); ctrl != second.Controller {
		t.Fatalf("expected registry to hold the newest attempt")
	}
}

func TestInitiateInFlightSupersession(t *testing.T) {
	clock := newManualClock(testNow)
	started := make(chan struct{})
	strategy := &stubStrategy{
		method: domain.MethodWave,
		mode:   domain.ConfirmPolling,
		initiateFunc: func(ctx context.Context, req payments.InitiateRequest) (payments.Descriptor, error) {
			if req.IdempotencyKey == "first" {
				close(started)
				<-ctx.Done()
				return payments.Descriptor{}, ctx.Err()
			}
			return payments.Redirect("https://pay.wave.com/c/cos-2", req.OrderID), nil
		},
	}
	initiator, _ := newTestInitiator(t, clock, strategy)

	firstErr := make(chan error, 1)
	go func() {
		_, err := initiator.Initiate(context.Background(), InitiateRequest{OrderID: "ord-1", Method: domain.MethodWave, Amount: 1, Currency: "FCFA", IdempotencyKey: "first"})
		firstErr <- err
	}()
	<-started

	if _, err := initiator.Initiate(context.Background(), InitiateRequest{OrderID: "ord-1", Method: domain.MethodWave, Amount: 1, Currency: "FCFA", IdempotencyKey: "second"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := <-firstErr; !errors.Is(err, ErrInitiationSuperseded) {
		t.Fatalf("expected superseded, got %v", err)
	}
}

func TestInitiateCallerCancellationAbandonsAttempt(t *testing.T) {
	clock := newManualClock(testNow)
	ctx, cancel := context.WithCancel(context.Background())
	strategy := &stubStrategy{
		method: domain.MethodWave,
		mode:   domain.ConfirmPolling,
		initiateFunc: func(callCtx context.Context, req payments.InitiateRequest) (payments.Descriptor, error) {
			if req.IdempotencyKey == "first" {
				cancel()
				return payments.Descriptor{}, callCtx.Err()
			}
			return payments.Redirect("https://pay.wave.com/c/cos-2", req.OrderID), nil
		},
	}
	initiator, registry := newTestInitiator(t, clock, strategy)

	if _, err := initiator.Initiate(ctx, InitiateRequest{OrderID: "ord-1", Method: domain.MethodWave, Amount: 1, Currency: "FCFA", IdempotencyKey: "first"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected caller cancellation, got %v", err)
	}
	registry.mu.Lock()
	_, held := registry.entries["ord-1"]
	registry.mu.Unlock()
	if held {
		t.Fatalf("expected the abandoned attempt to be dropped")
	}

	init, err := initiator.Initiate(context.Background(), InitiateRequest{OrderID: "ord-1", Method: domain.MethodWave, Amount: 1, Currency: "FCFA", IdempotencyKey: "second"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if init.Controller.State() != StatePolling {
		t.Fatalf("expected polling, got %s", init.Controller.State())
	}
}

func TestInitiateProviderErrorBecomesFailedDescriptor(t *testing.T) {
	clock := newManualClock(testNow)
	strategy := &stubStrategy{
		method: domain.MethodPayPal,
		mode:   domain.ConfirmCallback,
		initiateFunc: func(ctx context.Context, req payments.InitiateRequest) (payments.Descriptor, error) {
			return payments.Descriptor{}, errors.New("dial tcp: connection refused")
		},
	}
	initiator, _ := newTestInitiator(t, clock, strategy)

	init, err := initiator.Initiate(context.Background(), InitiateRequest{OrderID: "ord-1", Method: domain.MethodPayPal, Amount: 100, Currency: "USD"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if init.Descriptor.Kind != payments.KindFailed || init.Controller.State() != StateFailed {
		t.Fatalf("expected failed attempt, got %+v in %s", init.Descriptor, init.Controller.State())
	}
}

func TestInitiateValidatesLocally(t *testing.T) {
	clock := newManualClock(testNow)
	mobile := &stubStrategy{
		method: domain.MethodMobileMoney,
		mode:   domain.ConfirmPolling,
		initiateFunc: func(ctx context.Context, req payments.InitiateRequest) (payments.Descriptor, error) {
			if req.Extra["phone_number"] != "+2250102030405" {
				t.Fatalf("expected E.164 phone, got %q", req.Extra["phone_number"])
			}
			return payments.Redirect("https://momo.example/pay", req.OrderID), nil
		},
	}
	paypal := &stubStrategy{method: domain.MethodPayPal, mode: domain.ConfirmCallback}
	initiator, registry := newTestInitiator(t, clock, mobile, paypal)

	_, err := initiator.Initiate(context.Background(), InitiateRequest{OrderID: "ord-1", Method: domain.MethodMobileMoney, Amount: 1, Currency: "FCFA", CountryCode: 225, Extra: map[string]string{"phone_number": "01020304"}})
	var fieldErr *FieldError
	if !errors.As(err, &fieldErr) {
		t.Fatalf("expected phone field error, got %v", err)
	}
	if _, ok := registry.Get("ord-1"); ok {
		t.Fatalf("expected no attempt registered after local rejection")
	}

	if _, err := initiator.Initiate(context.Background(), InitiateRequest{OrderID: "ord-1", Method: domain.MethodPayPal, Amount: 1, Currency: "FCFA"}); !errors.As(err, &fieldErr) || fieldErr.Field != "currency" {
		t.Fatalf("expected currency field error, got %v", err)
	}

	if _, err := initiator.Initiate(context.Background(), InitiateRequest{OrderID: "ord-1", Method: "crypto", Amount: 1, Currency: "FCFA"}); !errors.Is(err, ErrUnknownMethod) {
		t.Fatalf("expected unknown method, got %v", err)
	}

	init, err := initiator.Initiate(context.Background(), InitiateRequest{OrderID: "ord-1", Method: domain.MethodMobileMoney, Amount: 1, Currency: "FCFA", CountryCode: 225, Extra: map[string]string{"phone_number": "01 02 03 04 05"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if init.Controller.State() != StatePolling {
		t.Fatalf("expected polling, got %s", init.Controller.State())
	}
}

func TestRegistryPrune(t *testing.T) {
	clock := newManualClock(testNow)
	strategy := &stubStrategy{method: domain.MethodBalance, mode: domain.ConfirmImmediate}
	initiator, registry := newTestInitiator(t, clock, strategy)
	if _, err := initiator.Initiate(context.Background(), InitiateRequest{OrderID: "ord-1", Method: domain.MethodBalance, Amount: 1, Currency: "FCFA"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if n := registry.Prune(30 * time.Minute); n != 0 {
		t.Fatalf("expected fresh attempts kept, pruned %d", n)
	}
	clock.Advance(31 * time.Minute)
	if n := registry.Prune(30 * time.Minute); n != 1 {
		t.Fatalf("expected expired attempt pruned, got %d", n)
	}
	if _, ok := registry.Get("ord-1"); ok {
		t.Fatalf("expected attempt removed")
	}
}
