package checkout

import (
	"context"
	"sync"
	"time"

	"github.com/brainnel/checkout-api/internal/domain"
	"github.com/brainnel/checkout-api/internal/payments"
)

// State is a payment confirmation state.
type State string

const (
	StateIdle             State = "idle"
	StateInitiated        State = "initiated"
	StatePolling          State = "polling"
	StateAwaitingCallback State = "awaiting_callback"
	StateImmediate        State = "immediate"
	StateSucceeded        State = "succeeded"
	StateFailed           State = "failed"
	StateTimedOut         State = "timed_out"
	StateCancelled        State = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateTimedOut, StateCancelled:
		return true
	default:
		return false
	}
}

const (
	DefaultPollInterval    = 2 * time.Second
	DefaultPollTimeout     = 50 * time.Second
	DefaultCallbackTimeout = 15 * time.Minute
)

const (
	msgTimedOut      = "payment confirmation timed out"
	msgCancelled     = "payment was cancelled"
	msgProviderError = "payment provider reported an error"
	msgNotConfirmed  = "payment could not be confirmed"
)

// Attempt is one payment session for an order.
type Attempt struct {
	ID         string
	OrderID    string
	OrderNo    string
	Method     domain.MethodKey
	Amount     float64
	Currency   string
	Descriptor payments.Descriptor
}

// Snapshot is a point-in-time view of a controller.
type Snapshot struct {
	Attempt   Attempt
	State     State
	Msg       string
	Polls     int
	StartedAt time.Time
	UpdatedAt time.Time
}

// Outcome maps the snapshot to the screen the app shows. ok is false while the attempt is pending.
func (s Snapshot) Outcome() (domain.Outcome, bool) {
	out := domain.Outcome{
		OrderID:  s.Attempt.OrderID,
		OrderNo:  s.Attempt.OrderNo,
		Amount:   s.Attempt.Amount,
		Currency: s.Attempt.Currency,
	}
	switch s.State {
	case StateSucceeded:
		out.Screen = domain.ScreenPaymentSuccess
	case StateFailed, StateTimedOut:
		out.Screen = domain.ScreenPayError
		out.Msg = s.Msg
	case StateCancelled:
		out.Screen = domain.ScreenCheckout
	default:
		return domain.Outcome{}, false
	}
	return out, true
}

// ControllerConfig tunes a confirmation controller.
type ControllerConfig struct {
	PollInterval time.Duration
	PollTimeout  time.Duration
	// CallbackTimeout bounds how long a hosted payment page may stay open. Zero disables it.
	CallbackTimeout time.Duration
	Clock           Clock
	Logger          func(ctx context.Context, event string, fields map[string]any)
	// OnTransition observes every state change. It runs outside the controller lock.
	OnTransition func(Snapshot)
}

func (cfg ControllerConfig) withDefaults() ControllerConfig {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.CallbackTimeout < 0 {
		cfg.CallbackTimeout = 0
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = func(context.Context, string, map[string]any) {}
	}
	return cfg
}

// Controller drives one attempt from initiation to a terminal state. Every completion path
// (poll tick, timeout, callback, deep link, disposal) goes through complete, which assigns the
// terminal state at most once and cancels the shared context so competing paths stop.
type Controller struct {
	attempt  Attempt
	strategy payments.Strategy
	cfg      ControllerConfig

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	state      State
	msg        string
	polls      int
	finalizing bool
	interval   Timer
	timeout    Timer
	startedAt  time.Time
	updatedAt  time.Time
}

// NewController constructs an idle controller.
func NewController(attempt Attempt, strategy payments.Strategy, cfg ControllerConfig) *Controller {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	now := cfg.Clock.Now()
	return &Controller{
		attempt:   attempt,
		strategy:  strategy,
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     StateIdle,
		startedAt: now,
		updatedAt: now,
	}
}

// Start moves the controller out of idle according to the attempt's descriptor.
func (c *Controller) Start() {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return
	}
	c.setLocked(StateInitiated, "")
	initiated := c.snapshotLocked()
	desc := c.attempt.Descriptor
	mode := domain.ConfirmImmediate
	if c.strategy != nil {
		mode = c.strategy.Mode()
	}

	switch {
	case desc.Kind == payments.KindFailed:
		c.mu.Unlock()
		c.notify(initiated)
		c.complete(StateFailed, desc.Reason)
		return
	case desc.Kind == payments.KindImmediate:
		c.setLocked(StateImmediate, "")
		immediate := c.snapshotLocked()
		c.mu.Unlock()
		c.notify(initiated)
		c.notify(immediate)
		c.complete(StateSucceeded, "")
		return
	case desc.Kind == payments.KindRedirect && mode == domain.ConfirmPolling:
		c.setLocked(StatePolling, "")
		// The interval is scheduled before the timeout so a tick due at the deadline runs first.
		c.interval = c.cfg.Clock.Every(c.cfg.PollInterval, c.tick)
		c.timeout = c.cfg.Clock.AfterFunc(c.cfg.PollTimeout, c.expire)
	case desc.Kind == payments.KindRedirect && mode == domain.ConfirmCallback:
		c.setLocked(StateAwaitingCallback, "")
		if c.cfg.CallbackTimeout > 0 {
			c.timeout = c.cfg.Clock.AfterFunc(c.cfg.CallbackTimeout, c.expire)
		}
	default:
		c.mu.Unlock()
		c.notify(initiated)
		c.complete(StateFailed, msgNotConfirmed)
		return
	}
	s := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(initiated)
	c.notify(s)
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns a copy of the controller's current view.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Outcome returns the screen to show once the attempt has ended.
func (c *Controller) Outcome() (domain.Outcome, bool) {
	return c.Snapshot().Outcome()
}

// Polls returns how many poll ticks have run.
func (c *Controller) Polls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.polls
}

// Done is closed once the controller reaches a terminal state.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// ObserveNavigation classifies a navigation of the hosted payment page. Recognised success
// signals are finalized before returning; the decision tells the page whether to keep loading.
func (c *Controller) ObserveNavigation(rawURL string) NavigationDecision {
	signal := ClassifyNavigation(rawURL)
	if signal.Kind == SignalNone {
		return NavigationProceed
	}
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != StateAwaitingCallback {
		if state.Terminal() {
			return NavigationIntercept
		}
		return NavigationProceed
	}
	c.handleSignal(signal)
	return NavigationIntercept
}

// DeepLink handles an app-scheme return from an external wallet. It competes with polling and
// callbacks; whichever completes first wins.
func (c *Controller) DeepLink(rawURL string) bool {
	signal := ClassifyNavigation(rawURL)
	if signal.Kind == SignalNone {
		return false
	}
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	switch state {
	case StatePolling:
		if signal.Kind == SignalSuccess {
			return c.complete(StateSucceeded, "")
		}
		return c.complete(StateFailed, signalMessage(signal))
	case StateAwaitingCallback:
		c.handleSignal(signal)
		return true
	default:
		return false
	}
}

// LoadError reports a transport failure while loading the hosted payment page.
func (c *Controller) LoadError(reason string) bool {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != StateAwaitingCallback {
		return false
	}
	if reason == "" {
		reason = "payment page could not be loaded"
	}
	return c.complete(StateFailed, reason)
}

// Dispose cancels all timers and in-flight calls. No transition is observable afterwards.
func (c *Controller) Dispose() {
	c.complete(StateCancelled, "")
}

func (c *Controller) handleSignal(signal NavigationSignal) {
	switch signal.Kind {
	case SignalCancel, SignalError:
		c.complete(StateFailed, signalMessage(signal))
	case SignalSuccess:
		c.finalize(signal)
	}
}

func (c *Controller) finalize(signal NavigationSignal) {
	c.mu.Lock()
	if c.state.Terminal() || c.finalizing {
		c.mu.Unlock()
		return
	}
	c.finalizing = true
	ctx := c.ctx
	c.mu.Unlock()

	conf, err := c.strategy.Confirm(ctx, payments.ConfirmRequest{
		OrderID:   c.attempt.OrderID,
		Reference: c.attempt.Descriptor.Reference,
		PaymentID: signal.PaymentID,
		PayerID:   signal.PayerID,
		Params:    signal.Params,
	})
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		c.cfg.Logger(ctx, "checkout.confirmation.finalize_failed", map[string]any{
			"orderId": c.attempt.OrderID,
			"method":  string(c.attempt.Method),
			"error":   err.Error(),
		})
		c.complete(StateFailed, msgNotConfirmed)
		return
	}
	if conf.Status == payments.StatusSucceeded {
		c.complete(StateSucceeded, "")
		return
	}
	msg := conf.Msg
	if msg == "" {
		msg = msgNotConfirmed
	}
	c.complete(StateFailed, msg)
}

func (c *Controller) tick() {
	c.mu.Lock()
	if c.state != StatePolling {
		c.mu.Unlock()
		return
	}
	c.polls++
	n := c.polls
	ctx := c.ctx
	c.mu.Unlock()

	conf, err := c.strategy.Confirm(ctx, payments.ConfirmRequest{
		OrderID:   c.attempt.OrderID,
		Reference: c.attempt.Descriptor.Reference,
	})
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		// The next tick is the only repetition; the timeout bounds it.
		c.cfg.Logger(ctx, "checkout.confirmation.poll_failed", map[string]any{
			"orderId": c.attempt.OrderID,
			"tick":    n,
			"error":   err.Error(),
		})
		return
	}
	switch conf.Status {
	case payments.StatusSucceeded:
		c.complete(StateSucceeded, "")
	case payments.StatusFailed:
		msg := conf.Msg
		if msg == "" {
			msg = msgProviderError
		}
		c.complete(StateFailed, msg)
	}
}

func (c *Controller) expire() {
	c.complete(StateTimedOut, msgTimedOut)
}

// complete assigns a terminal state once. It returns false when the controller already ended.
func (c *Controller) complete(target State, msg string) bool {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return false
	}
	c.setLocked(target, msg)
	if c.interval != nil {
		c.interval.Stop()
		c.interval = nil
	}
	if c.timeout != nil {
		c.timeout.Stop()
		c.timeout = nil
	}
	c.cancel()
	close(c.done)
	s := c.snapshotLocked()
	c.mu.Unlock()

	c.cfg.Logger(context.Background(), "checkout.confirmation.completed", map[string]any{
		"orderId":   s.Attempt.OrderID,
		"attemptId": s.Attempt.ID,
		"method":    string(s.Attempt.Method),
		"state":     string(s.State),
		"polls":     s.Polls,
	})
	c.notify(s)
	return true
}

func (c *Controller) setLocked(state State, msg string) {
	c.state = state
	c.msg = msg
	c.updatedAt = c.cfg.Clock.Now()
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		Attempt:   c.attempt,
		State:     c.state,
		Msg:       c.msg,
		Polls:     c.polls,
		StartedAt: c.startedAt,
		UpdatedAt: c.updatedAt,
	}
}

func (c *Controller) notify(s Snapshot) {
	if c.cfg.OnTransition != nil {
		c.cfg.OnTransition(s)
	}
}

func signalMessage(signal NavigationSignal) string {
	if signal.Kind == SignalCancel {
		return msgCancelled
	}
	return msgProviderError
}
