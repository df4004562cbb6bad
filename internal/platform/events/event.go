package events

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// Event is an analytics record emitted by the checkout flow.
type Event struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	CheckoutID string         `json:"checkoutId,omitempty"`
	OrderID    string         `json:"orderId,omitempty"`
	UserID     string         `json:"userId,omitempty"`
	RequestID  string         `json:"requestId,omitempty"`
	TraceID    string         `json:"traceId,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// Publisher delivers events to an analytics sink.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Logger matches the service logger signature.
type Logger func(ctx context.Context, event string, fields map[string]any)

// LogPublisher writes events to the structured log. It is the default sink.
type LogPublisher struct {
	logger Logger
}

// NewLogPublisher constructs a log-backed publisher.
func NewLogPublisher(logger Logger) *LogPublisher {
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &LogPublisher{logger: logger}
}

// Publish logs the event.
func (p *LogPublisher) Publish(ctx context.Context, event Event) error {
	fields := map[string]any{
		"eventId":    event.ID,
		"checkoutId": event.CheckoutID,
		"orderId":    event.OrderID,
		"occurredAt": event.OccurredAt,
	}
	if event.TraceID != "" {
		fields["traceId"] = event.TraceID
	}
	for k, v := range event.Properties {
		fields[k] = v
	}
	p.logger(ctx, "analytics."+event.Name, fields)
	return nil
}

const defaultAsyncBuffer = 256

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("events: publisher closed")

// Async queues events and delivers them on a background goroutine. Publish never blocks; events
// arriving while the queue is full are dropped and logged.
type Async struct {
	next    Publisher
	logger  Logger
	timeout time.Duration

	queue chan Event
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// AsyncOption customises the async publisher.
type AsyncOption func(*Async)

// WithBuffer sets the queue size.
func WithBuffer(size int) AsyncOption {
	return func(a *Async) {
		if size > 0 {
			a.queue = make(chan Event, size)
		}
	}
}

// WithDeliveryTimeout bounds each delivery to the sink.
func WithDeliveryTimeout(d time.Duration) AsyncOption {
	return func(a *Async) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithLogger reports dropped and failed deliveries.
func WithLogger(logger Logger) AsyncOption {
	return func(a *Async) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewAsync starts the delivery goroutine.
func NewAsync(next Publisher, opts ...AsyncOption) (*Async, error) {
	if next == nil {
		return nil, errors.New("async publisher: sink is required")
	}
	a := &Async{
		next:    next,
		logger:  func(context.Context, string, map[string]any) {},
		timeout: 5 * time.Second,
		queue:   make(chan Event, defaultAsyncBuffer),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	a.wg.Add(1)
	go a.run()
	return a, nil
}

// Publish enqueues the event.
func (a *Async) Publish(ctx context.Context, event Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.queue <- event:
	default:
		a.logger(ctx, "analytics.dropped", map[string]any{"name": event.Name, "eventId": event.ID})
	}
	return nil
}

// Close stops accepting events and waits for queued ones to be delivered or ctx to end.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Async) run() {
	defer a.wg.Done()
	for event := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.next.Publish(ctx, event); err != nil {
			a.logger(ctx, "analytics.publish_failed", map[string]any{
				"name":    event.Name,
				"eventId": event.ID,
				"error":   err.Error(),
			})
		}
		cancel()
	}
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
