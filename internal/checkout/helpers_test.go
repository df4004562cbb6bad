package checkout

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/brainnel/checkout-api/internal/backend"
	"github.com/brainnel/checkout-api/internal/domain"
	"github.com/brainnel/checkout-api/internal/payments"
)

// manualClock fires due tasks synchronously from Advance, ordered by deadline then creation.
type manualClock struct {
	mu    sync.Mutex
	now   time.Time
	seq   int
	tasks []*manualTask
}

type manualTask struct {
	clock *manualClock
	at    time.Time
	every time.Duration
	seq   int
	f     func()
}

func newManualClock(now time.Time) *manualClock {
	return &manualClock{now: now}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	return c.schedule(d, 0, f)
}

func (c *manualClock) Every(d time.Duration, f func()) Timer {
	return c.schedule(d, d, f)
}

func (c *manualClock) schedule(d, every time.Duration, f func()) *manualTask {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	task := &manualTask{clock: c, at: c.now.Add(d), every: every, seq: c.seq, f: f}
	c.tasks = append(c.tasks, task)
	return task
}

func (c *manualClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		sort.Slice(c.tasks, func(i, j int) bool {
			if c.tasks[i].at.Equal(c.tasks[j].at) {
				return c.tasks[i].seq < c.tasks[j].seq
			}
			return c.tasks[i].at.Before(c.tasks[j].at)
		})
		if len(c.tasks) == 0 || c.tasks[0].at.After(target) {
			c.now = target
			c.mu.Unlock()
			return
		}
		task := c.tasks[0]
		c.now = task.at
		if task.every > 0 {
			task.at = task.at.Add(task.every)
		} else {
			c.tasks = c.tasks[1:]
		}
		c.mu.Unlock()
		task.f()
	}
}

func (t *manualTask) Stop() {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, task := range c.tasks {
		if task == t {
			c.tasks = append(c.tasks[:i], c.tasks[i+1:]...)
			return
		}
	}
}

type stubStrategy struct {
	method       domain.MethodKey
	mode         domain.ConfirmationMode
	initiateFunc func(ctx context.Context, req payments.InitiateRequest) (payments.Descriptor, error)
	confirmFunc  func(ctx context.Context, req payments.ConfirmRequest) (payments.Confirmation, error)

	mu       sync.Mutex
	confirms int
}

func (s *stubStrategy) Method() domain.MethodKey { return s.method }

func (s *stubStrategy) Mode() domain.ConfirmationMode { return s.mode }

func (s *stubStrategy) Initiate(ctx context.Context, req payments.InitiateRequest) (payments.Descriptor, error) {
	if s.initiateFunc != nil {
		return s.initiateFunc(ctx, req)
	}
	return payments.Immediate(payments.ResultPaid), nil
}

func (s *stubStrategy) Confirm(ctx context.Context, req payments.ConfirmRequest) (payments.Confirmation, error) {
	s.mu.Lock()
	s.confirms++
	s.mu.Unlock()
	if s.confirmFunc != nil {
		return s.confirmFunc(ctx, req)
	}
	return payments.Confirmation{Status: payments.StatusPending}, nil
}

func (s *stubStrategy) confirmCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirms
}

type stubResolver struct {
	strategies map[domain.MethodKey]payments.Strategy
}

func (r stubResolver) Resolve(method domain.MethodKey) (payments.Strategy, error) {
	if s, ok := r.strategies[method]; ok {
		return s, nil
	}
	return nil, payments.ErrUnsupportedMethod
}

type stubRateSource struct {
	convertFunc func(ctx context.Context, req backend.ConvertRequest) ([]domain.ConvertedAmount, error)
	calls       int
	mu          sync.Mutex
}

func (s *stubRateSource) ConvertCurrency(ctx context.Context, req backend.ConvertRequest) ([]domain.ConvertedAmount, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.convertFunc(ctx, req)
}

type stubConverter struct {
	convertFunc func(ctx context.Context, from, to string, amounts map[string]float64) ([]domain.ConvertedAmount, error)
}

func (s stubConverter) Convert(ctx context.Context, from, to string, amounts map[string]float64) ([]domain.ConvertedAmount, error) {
	return s.convertFunc(ctx, from, to, amounts)
}

type stubFeeSource struct {
	internationalFunc func(ctx context.Context, req backend.ShippingFeeRequest) (backend.InternationalFee, error)
	domesticFunc      func(ctx context.Context, req backend.ShippingFeeRequest) (backend.DomesticFee, error)
	addressesFunc     func(ctx context.Context, mode domain.TransportMode) ([]domain.ForwarderAddress, error)
}

func (s stubFeeSource) InternationalShippingFee(ctx context.Context, req backend.ShippingFeeRequest) (backend.InternationalFee, error) {
	return s.internationalFunc(ctx, req)
}

func (s stubFeeSource) DomesticShippingFee(ctx context.Context, req backend.ShippingFeeRequest) (backend.DomesticFee, error) {
	return s.domesticFunc(ctx, req)
}

func (s stubFeeSource) ForwarderAddresses(ctx context.Context, mode domain.TransportMode) ([]domain.ForwarderAddress, error) {
	if s.addressesFunc == nil {
		return nil, nil
	}
	return s.addressesFunc(ctx, mode)
}

func scaleRows(factor float64) func(ctx context.Context, req backend.ConvertRequest) ([]domain.ConvertedAmount, error) {
	return func(ctx context.Context, req backend.ConvertRequest) ([]domain.ConvertedAmount, error) {
		rows := make([]domain.ConvertedAmount, 0, len(req.Amounts))
		for key, amount := range req.Amounts {
			rows = append(rows, domain.ConvertedAmount{ItemKey: key, OriginalAmount: amount, ConvertedAmount: amount * factor})
		}
		return rows, nil
	}
}
