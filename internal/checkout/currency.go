package checkout

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/brainnel/checkout-api/internal/backend"
	"github.com/brainnel/checkout-api/internal/domain"
)

var (
	// ErrInvalidConversion indicates the conversion request itself is unusable.
	ErrInvalidConversion = errors.New("checkout: invalid conversion request")
	// ErrConversionUnavailable indicates the rate source failed; callers fall back to the original currency.
	ErrConversionUnavailable = errors.New("checkout: conversion unavailable")
	// ErrConversionIncomplete indicates the rate source answered without every requested amount.
	ErrConversionIncomplete = errors.New("checkout: conversion incomplete")
	// ErrConversionSuperseded indicates a newer currency selection replaced this conversion.
	ErrConversionSuperseded = errors.New("checkout: conversion superseded")
)

// RateSource converts amounts through the backend.
type RateSource interface {
	ConvertCurrency(ctx context.Context, req backend.ConvertRequest) ([]domain.ConvertedAmount, error)
}

// ConversionStatus is the display state of a checkout's converted amounts.
type ConversionStatus string

const (
	ConversionNone        ConversionStatus = "none"
	ConversionConverting  ConversionStatus = "converting"
	ConversionReady       ConversionStatus = "ready"
	ConversionUnavailable ConversionStatus = "unavailable"
)

// ConversionView is what a checkout currently shows for the selected currency.
type ConversionView struct {
	Status ConversionStatus
	From   string
	Target string
	Rows   []domain.ConvertedAmount
	Reason string
}

type conversionState struct {
	generation uint64
	from       string
	target     string
	status     ConversionStatus
	rows       []domain.ConvertedAmount
	reason     string
	cancel     context.CancelFunc
}

// CurrencyConversionService converts named order amounts and guards per-checkout currency selections.
type CurrencyConversionService struct {
	rates RateSource

	mu     sync.Mutex
	states map[string]*conversionState
}

// NewCurrencyConversionService constructs the service over a rate source.
func NewCurrencyConversionService(rates RateSource) (*CurrencyConversionService, error) {
	if rates == nil {
		return nil, errors.New("currency conversion: rate source is required")
	}
	return &CurrencyConversionService{rates: rates, states: make(map[string]*conversionState)}, nil
}

// Convert converts every amount in one atomic call. A missing or invalid row discards the set.
func (s *CurrencyConversionService) Convert(ctx context.Context, from, to string, amounts map[string]float64) ([]domain.ConvertedAmount, error) {
	from = strings.TrimSpace(from)
	to = strings.TrimSpace(to)
	if from == "" || to == "" || len(amounts) == 0 {
		return nil, ErrInvalidConversion
	}
	for key, amount := range amounts {
		if strings.TrimSpace(key) == "" || math.IsNaN(amount) || math.IsInf(amount, 0) {
			return nil, fmt.Errorf("%w: amount %q", ErrInvalidConversion, key)
		}
	}

	if domain.SameCurrency(from, to) {
		rows := make([]domain.ConvertedAmount, 0, len(amounts))
		for key, amount := range amounts {
			rows = append(rows, domain.ConvertedAmount{ItemKey: key, OriginalAmount: amount, ConvertedAmount: amount})
		}
		sortRows(rows)
		return rows, nil
	}

	rows, err := s.rates.ConvertCurrency(ctx, backend.ConvertRequest{FromCurrency: from, ToCurrency: to, Amounts: amounts})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConversionUnavailable, err)
	}

	byKey := make(map[string]domain.ConvertedAmount, len(rows))
	for _, row := range rows {
		if _, requested := amounts[row.ItemKey]; !requested {
			continue
		}
		if math.IsNaN(row.ConvertedAmount) || math.IsInf(row.ConvertedAmount, 0) || row.ConvertedAmount < 0 {
			return nil, fmt.Errorf("%w: invalid amount for %q", ErrConversionIncomplete, row.ItemKey)
		}
		byKey[row.ItemKey] = row
	}
	out := make([]domain.ConvertedAmount, 0, len(amounts))
	for key := range amounts {
		row, ok := byKey[key]
		if !ok {
			return nil, fmt.Errorf("%w: missing %q", ErrConversionIncomplete, key)
		}
		out = append(out, row)
	}
	sortRows(out)
	return out, nil
}

// Select converts for the checkout's newly selected target currency. Only the response for the
// latest selection is applied; earlier in-flight selections return ErrConversionSuperseded.
func (s *CurrencyConversionService) Select(ctx context.Context, checkoutID, from, to string, amounts map[string]float64) (ConversionView, error) {
	checkoutID = strings.TrimSpace(checkoutID)
	if checkoutID == "" {
		return ConversionView{}, ErrInvalidConversion
	}

	s.mu.Lock()
	st, ok := s.states[checkoutID]
	if !ok {
		st = &conversionState{}
		s.states[checkoutID] = st
	}
	if st.cancel != nil {
		st.cancel()
	}
	st.generation++
	gen := st.generation
	st.from = strings.TrimSpace(from)
	st.target = strings.TrimSpace(to)
	st.status = ConversionConverting
	st.rows = nil
	st.reason = ""
	callCtx, cancel := context.WithCancel(ctx)
	st.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	rows, err := s.Convert(callCtx, from, to, amounts)

	s.mu.Lock()
	defer s.mu.Unlock()
	if st.generation != gen || !strings.EqualFold(st.target, strings.TrimSpace(to)) {
		return ConversionView{}, ErrConversionSuperseded
	}
	st.cancel = nil
	if err != nil {
		st.status = ConversionUnavailable
		st.reason = err.Error()
		return st.view(), err
	}
	st.status = ConversionReady
	st.rows = rows
	return st.view(), nil
}

// Current returns the checkout's conversion state.
func (s *CurrencyConversionService) Current(checkoutID string) ConversionView {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[strings.TrimSpace(checkoutID)]
	if !ok {
		return ConversionView{Status: ConversionNone}
	}
	return st.view()
}

// Forget drops the checkout's conversion state and cancels any in-flight conversion.
func (s *CurrencyConversionService) Forget(checkoutID string) {
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

func (st *conversionState) view() ConversionView {
	return ConversionView{
		Status: st.status,
		From:   st.from,
		Target: st.target,
		Rows:   append([]domain.ConvertedAmount(nil), st.rows...),
		Reason: st.reason,
	}
}

// DisplayTotal sums converted rows. COD orders exclude the shipping fee, which is collected on delivery.
func DisplayTotal(rows []domain.ConvertedAmount, cod bool) float64 {
	var sum, shipping float64
	for _, row := range rows {
		sum += row.ConvertedAmount
		if row.ItemKey == domain.AmountKeyShippingFee {
			shipping += row.ConvertedAmount
		}
	}
	if cod {
		return sum - shipping
	}
	return sum
}

// ConvertedValue returns the converted amount for an item key.
func ConvertedValue(rows []domain.ConvertedAmount, key string) (float64, bool) {
	for _, row := range rows {
		if row.ItemKey == key {
			return row.ConvertedAmount, true
		}
	}
	return 0, false
}

// NeedsConversion reports whether paying with the option requires converting the order amounts.
func NeedsConversion(option MethodOption, orderCurrency, settlementCurrency string) bool {
	if option.RequiresCurrencyChoice {
		return true
	}
	if strings.TrimSpace(settlementCurrency) == "" {
		return false
	}
	return !domain.SameCurrency(orderCurrency, settlementCurrency)
}

func sortRows(rows []domain.ConvertedAmount) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].ItemKey < rows[j].ItemKey })
}
