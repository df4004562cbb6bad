package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brainnel/checkout-api/internal/backend"
	"github.com/brainnel/checkout-api/internal/domain"
)

var (
	// ErrInvalidQuoteRequest indicates the quote inputs are incomplete.
	ErrInvalidQuoteRequest = errors.New("checkout: invalid shipping quote request")
	// ErrQuoteUnavailable indicates one of the fee lookups failed.
	ErrQuoteUnavailable = errors.New("checkout: shipping quote unavailable")
	// ErrQuoteSuperseded indicates a newer quote request replaced this one.
	ErrQuoteSuperseded = errors.New("checkout: shipping quote superseded")
)

// FeeSource provides the shipping fee endpoints.
type FeeSource interface {
	InternationalShippingFee(ctx context.Context, req backend.ShippingFeeRequest) (backend.InternationalFee, error)
	DomesticShippingFee(ctx context.Context, req backend.ShippingFeeRequest) (backend.DomesticFee, error)
	ForwarderAddresses(ctx context.Context, mode domain.TransportMode) ([]domain.ForwarderAddress, error)
}

// QuoteStatus is the display state of a checkout's shipping quote.
type QuoteStatus string

const (
	QuoteNone        QuoteStatus = "none"
	QuoteCalculating QuoteStatus = "calculating"
	QuoteReady       QuoteStatus = "ready"
	QuoteUnavailable QuoteStatus = "unavailable"
)

// QuoteRequest identifies the cart snapshot, forwarder address and transport mode to quote.
type QuoteRequest struct {
	Items              []domain.QuoteItem
	ForwarderAddressID string
	TransportMode      domain.TransportMode
}

// QuoteView is what a checkout currently shows for shipping.
type QuoteView struct {
	Status             QuoteStatus
	ForwarderAddressID string
	TransportMode      domain.TransportMode
	Quote              *domain.ShippingQuote
	Reason             string
}

// ActualAmount returns the order amount including shipping once the quote is ready.
func (v QuoteView) ActualAmount(totalAmount, discountAmount float64) (float64, bool) {
	if v.Status != QuoteReady || v.Quote == nil {
		return 0, false
	}
	return totalAmount - discountAmount + v.Quote.InternationalFee() + v.Quote.TotalDomesticShippingFee, true
}

type quoteState struct {
	generation uint64
	status     QuoteStatus
	address    string
	mode       domain.TransportMode
	quote      *domain.ShippingQuote
	reason     string
	cancel     context.CancelFunc
}

// ShippingQuoteService quotes international and domestic shipping for a checkout.
type ShippingQuoteService struct {
	fees FeeSource
	now  func() time.Time

	mu     sync.Mutex
	states map[string]*quoteState
}

// NewShippingQuoteService constructs the service over a fee source.
func NewShippingQuoteService(fees FeeSource, clock func() time.Time) (*ShippingQuoteService, error) {
	if fees == nil {
		return nil, errors.New("shipping quote: fee source is required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &ShippingQuoteService{fees: fees, now: clock, states: make(map[string]*quoteState)}, nil
}

// Quote clears the checkout's held quote, fetches both fee legs and stores the combined quote.
// A request overtaken by a newer one returns ErrQuoteSuperseded and leaves state untouched.
func (s *ShippingQuoteService) Quote(ctx context.Context, checkoutID string, req QuoteRequest) (domain.ShippingQuote, error) {
	checkoutID = strings.TrimSpace(checkoutID)
	if err := validateQuoteRequest(checkoutID, req); err != nil {
		return domain.ShippingQuote{}, err
	}
	address := strings.TrimSpace(req.ForwarderAddressID)

	s.mu.Lock()
	st, ok := s.states[checkoutID]
	if !ok {
		st = &quoteState{}
		s.states[checkoutID] = st
	}
	if st.cancel != nil {
		st.cancel()
	}
	st.generation++
	gen := st.generation
	st.status = QuoteCalculating
	st.quote = nil
	st.reason = ""
	st.address = address
	st.mode = req.TransportMode
	callCtx, cancel := context.WithCancel(ctx)
	st.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	feeReq := backend.ShippingFeeRequest{
		Items:              req.Items,
		ForwarderAddressID: address,
		TransportMode:      req.TransportMode,
	}
	var (
		intl backend.InternationalFee
		dom  backend.DomesticFee
	)
	g, gctx := errgroup.WithContext(callCtx)
	g.Go(func() error {
		fee, err := s.fees.InternationalShippingFee(gctx, feeReq)
		if err != nil {
			return fmt.Errorf("international fee: %w", err)
		}
		intl = fee
		return nil
	})
	g.Go(func() error {
		fee, err := s.fees.DomesticShippingFee(gctx, feeReq)
		if err != nil {
			return fmt.Errorf("domestic fee: %w", err)
		}
		dom = fee
		return nil
	})
	err := g.Wait()
	if err == nil && intl.Currency != "" && dom.Currency != "" && !domain.SameCurrency(intl.Currency, dom.Currency) {
		err = fmt.Errorf("fee currencies differ: %s and %s", intl.Currency, dom.Currency)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st.generation != gen {
		return domain.ShippingQuote{}, ErrQuoteSuperseded
	}
	st.cancel = nil
	if err != nil {
		st.status = QuoteUnavailable
		st.reason = err.Error()
		return domain.ShippingQuote{}, fmt.Errorf("%w: %v", ErrQuoteUnavailable, err)
	}

	currency := intl.Currency
	if currency == "" {
		currency = dom.Currency
	}
	quote := domain.ShippingQuote{
		ForwarderAddressID:       address,
		TransportMode:            req.TransportMode,
		TotalShippingFeeSea:      intl.TotalShippingFeeSea,
		TotalShippingFeeAir:      intl.TotalShippingFeeAir,
		TotalDomesticShippingFee: dom.TotalDomesticShippingFee,
		Currency:                 currency,
		QuotedAt:                 s.now().UTC(),
	}
	st.status = QuoteReady
	st.quote = &quote
	return quote, nil
}

// Current returns the checkout's quote state.
func (s *ShippingQuoteService) Current(checkoutID string) QuoteView {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[strings.TrimSpace(checkoutID)]
	if !ok {
		return QuoteView{Status: QuoteNone}
	}
	view := QuoteView{
		Status:             st.status,
		ForwarderAddressID: st.address,
		TransportMode:      st.mode,
		Reason:             st.reason,
	}
	if st.quote != nil {
		q := *st.quote
		view.Quote = &q
	}
	return view
}

// Forget drops the checkout's quote and cancels any in-flight request.
func (s *ShippingQuoteService) Forget(checkoutID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	checkoutID = strings.TrimSpace(checkoutID)
	if st, ok := s.states[checkoutID]; ok {
		if st.cancel != nil {
			st.cancel()
		}
		st.generation++
		delete(s.states, checkoutID)
	}
}

// ForwarderAddresses lists forwarder addresses for a transport mode.
func (s *ShippingQuoteService) ForwarderAddresses(ctx context.Context, mode domain.TransportMode) ([]domain.ForwarderAddress, error) {
	if mode != "" && !mode.Valid() {
		return nil, fmt.Errorf("%w: transport mode %q", ErrInvalidQuoteRequest, mode)
	}
	return s.fees.ForwarderAddresses(ctx, mode)
}

func validateQuoteRequest(checkoutID string, req QuoteRequest) error {
	if checkoutID == "" {
		return fmt.Errorf("%w: checkout id is required", ErrInvalidQuoteRequest)
	}
	if len(req.Items) == 0 {
		return fmt.Errorf("%w: at least one item is required", ErrInvalidQuoteRequest)
	}
	for _, item := range req.Items {
		if strings.TrimSpace(item.ProductID) == "" || item.Quantity <= 0 {
			return fmt.Errorf("%w: items need a product and a positive quantity", ErrInvalidQuoteRequest)
		}
	}
	if strings.TrimSpace(req.ForwarderAddressID) == "" {
		return fmt.Errorf("%w: forwarder address is required", ErrInvalidQuoteRequest)
	}
	if !req.TransportMode.Valid() {
		return fmt.Errorf("%w: transport mode must be sea or air", ErrInvalidQuoteRequest)
	}
	return nil
}
