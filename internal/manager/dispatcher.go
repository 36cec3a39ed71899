package manager

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// dispatcher coalesces subscription changes of one channel into a single
// send per debounce window.
//
// States: idle -> pending (timer armed) -> in flight -> idle. Marks while
// pending only set dirty; a mark while in flight arms exactly one follow-up
// once the send returns.
type dispatcher struct {
	window time.Duration
	send   func(ctx context.Context) error
	ctx    context.Context
	logger *slog.Logger

	mu       sync.Mutex
	timer    *time.Timer
	pending  bool
	inFlight bool
	dirty    bool
	stopped  bool
}

func newDispatcher(ctx context.Context, window time.Duration, send func(context.Context) error, logger *slog.Logger) *dispatcher {
	return &dispatcher{window: window, send: send, ctx: ctx, logger: logger}
}

// Mark records a change and arms the timer if nothing is scheduled.
func (d *dispatcher) Mark() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.dirty = true
	if d.pending || d.inFlight {
		return
	}
	d.armLocked()
}

func (d *dispatcher) armLocked() {
	d.pending = true
	d.timer = time.AfterFunc(d.window, d.fire)
}

func (d *dispatcher) fire() {
	d.mu.Lock()
	d.pending = false
	if d.stopped || !d.dirty {
		d.mu.Unlock()
		return
	}
	d.dirty = false
	d.inFlight = true
	d.mu.Unlock()

	if err := d.send(d.ctx); err != nil && d.ctx.Err() == nil {
		d.logger.Warn("Subscription send failed", slog.Any("error", err))
	}

	d.mu.Lock()
	d.inFlight = false
	if d.dirty && !d.stopped {
		d.armLocked()
	}
	d.mu.Unlock()
}

// Busy reports whether a send is scheduled or running.
func (d *dispatcher) Busy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending || d.inFlight
}

// Stop disarms the timer. A send already in flight is not interrupted here;
// cancelling ctx does that.
func (d *dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
}
