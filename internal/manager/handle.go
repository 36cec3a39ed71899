package manager

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/google/uuid"

	"feedmux/internal/domain"
)

// ClientHandle is a component's view of the manager. Close is the primary
// way to release subscriptions; a handle bound to an owner with WithOwner is
// also released by the sweep once the owner is garbage collected.
type ClientHandle struct {
	m  *Manager
	id string

	mu       sync.Mutex
	callback domain.Callback
	alive    func() bool

	closed atomic.Bool
}

type subscribeOptions struct {
	alive func() bool
}

// SubscribeOption tunes a Subscribe call.
type SubscribeOption func(*subscribeOptions)

// WithOwner ties the handle's lifetime to owner. The handle keeps only a weak
// reference, so it never keeps owner alive.
func WithOwner[T any](owner *T) SubscribeOption {
	wp := weak.Make(owner)
	return func(o *subscribeOptions) {
		o.alive = func() bool { return wp.Value() != nil }
	}
}

// NewComponentID returns a unique component id with a readable prefix.
func NewComponentID(prefix string) string {
	if prefix == "" {
		return uuid.NewString()
	}
	return prefix + "-" + uuid.NewString()
}

func (h *ClientHandle) update(cb domain.Callback, alive func() bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.callback = cb
	if alive != nil {
		h.alive = alive
	}
}

// ID returns the component id.
func (h *ClientHandle) ID() string {
	return h.id
}

// Types returns the data types currently registered for the component.
func (h *ClientHandle) Types() []domain.DataType {
	specs := h.m.registry.Specs(h.id)
	out := make([]domain.DataType, len(specs))
	for i, s := range specs {
		out[i] = s.DataType
	}
	return out
}

// Subscribe adds or replaces the spec for dataType using the handle's current
// callback.
func (h *ClientHandle) Subscribe(dataType domain.DataType, symbols []string, mode domain.StreamMode) error {
	if h.closed.Load() {
		return domain.ErrClosed
	}
	h.mu.Lock()
	cb := h.callback
	h.mu.Unlock()

	_, err := h.m.Subscribe(h.id, dataType, symbols, mode, cb)
	return err
}

// Unsubscribe drops the spec for dataType. The handle stays open.
func (h *ClientHandle) Unsubscribe(dataType domain.DataType) {
	if h.closed.Load() {
		return
	}
	h.m.unsubscribeType(h.id, dataType)
}

// Close unregisters every spec and stops delivery. It is idempotent.
func (h *ClientHandle) Close() {
	if h.closed.Load() {
		return
	}
	h.m.UnsubscribeAll(h.id)
}

// Closed reports whether Close (or the sweep, or Shutdown) released the handle.
func (h *ClientHandle) Closed() bool {
	return h.closed.Load()
}

func (h *ClientHandle) orphaned() bool {
	h.mu.Lock()
	alive := h.alive
	h.mu.Unlock()
	return alive != nil && !alive()
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweepOnce()
		}
	}
}

// sweepOnce releases handles whose owner was collected and returns how many.
func (m *Manager) sweepOnce() int {
	m.mu.Lock()
	var orphans []string
	for id, h := range m.handles {
		if h.orphaned() {
			orphans = append(orphans, id)
		}
	}
	m.mu.Unlock()

	for _, id := range orphans {
		m.logger.Warn("Releasing subscription of collected owner, call Close explicitly",
			slog.String("component", id))
		m.UnsubscribeAll(id)
	}
	return len(orphans)
}
