package checkout

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrInitiationSuperseded indicates a newer payment attempt for the same order replaced this one.
var ErrInitiationSuperseded = errors.New("checkout: payment initiation superseded")

type registryEntry struct {
	token      uint64
	cancel     context.CancelFunc
	controller *Controller
	attachedAt time.Time
}

// Registry keeps at most one live payment attempt per order.
type Registry struct {
	now func() time.Time

	mu      sync.Mutex
	seq     uint64
	entries map[string]*registryEntry
}

// NewRegistry constructs an empty registry.
func NewRegistry(clock func() time.Time) *Registry {
	if clock == nil {
		clock = time.Now
	}
	return &Registry{now: clock, entries: make(map[string]*registryEntry)}
}

// Begin starts a new attempt for the order. Any in-flight initiation is cancelled and the
// previous controller disposed before Begin returns.
func (r *Registry) Begin(ctx context.Context, orderID string) (context.Context, uint64) {
	orderID = strings.TrimSpace(orderID)
	callCtx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	r.seq++
	token := r.seq
	prev, hadPrev := r.entries[orderID]
	var prevCtrl *Controller
	if hadPrev {
		prevCtrl = prev.controller
	}
	r.entries[orderID] = &registryEntry{token: token, cancel: cancel}
	r.mu.Unlock()

	if hadPrev {
		release(prev.cancel, prevCtrl)
	}
	return callCtx, token
}

// Attach binds a started controller to the attempt identified by token.
func (r *Registry) Attach(orderID string, token uint64, ctrl *Controller) error {
	orderID = strings.TrimSpace(orderID)
	r.mu.Lock()
	entry, ok := r.entries[orderID]
	if !ok || entry.token != token {
		r.mu.Unlock()
		return ErrInitiationSuperseded
	}
	entry.controller = ctrl
	entry.attachedAt = r.now()
	r.mu.Unlock()
	return nil
}

// Abandon drops an attempt that never produced a controller.
func (r *Registry) Abandon(orderID string, token uint64) {
	orderID = strings.TrimSpace(orderID)
	r.mu.Lock()
	entry, ok := r.entries[orderID]
	if ok && entry.token == token && entry.controller == nil {
		delete(r.entries, orderID)
	} else {
		ok = false
	}
	r.mu.Unlock()
	if ok {
		entry.cancel()
	}
}

// Get returns the order's current controller.
func (r *Registry) Get(orderID string) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[strings.TrimSpace(orderID)]
	if !ok || entry.controller == nil {
		return nil, false
	}
	return entry.controller, true
}

// Dispose cancels the order's attempt. The entry is kept so the cancelled outcome stays visible
// until pruned.
func (r *Registry) Dispose(orderID string) bool {
	r.mu.Lock()
	entry, ok := r.entries[strings.TrimSpace(orderID)]
	var ctrl *Controller
	if ok {
		ctrl = entry.controller
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	release(entry.cancel, ctrl)
	return true
}

// Prune removes terminal attempts older than retention and returns how many were removed.
func (r *Registry) Prune(retention time.Duration) int {
	cutoff := r.now().Add(-retention)
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, entry := range r.entries {
		if entry.controller == nil {
			continue
		}
		snap := entry.controller.Snapshot()
		if snap.State.Terminal() && snap.UpdatedAt.Before(cutoff) {
			delete(r.entries, id)
			removed++
		}
	}
	return removed
}

// Close disposes every attempt.
func (r *Registry) Close() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*registryEntry)
	r.mu.Unlock()
	for _, entry := range entries {
		release(entry.cancel, entry.controller)
	}
}

func release(cancel context.CancelFunc, ctrl *Controller) {
	cancel()
	if ctrl != nil {
		ctrl.Dispose()
	}
}
