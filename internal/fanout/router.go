package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"feedmux/internal/domain"
	"feedmux/internal/infra"
	"feedmux/internal/infra/upbit"
	"feedmux/internal/registry"
)

// Directory resolves which components want an event.
type Directory interface {
	Subscribers(dt domain.DataType, symbol string) []registry.Subscriber
}

// EpochSource reports the epoch of a channel's live session.
type EpochSource interface {
	CurrentEpoch(ch domain.Channel) uint64
}

type subscriber struct {
	id       string
	callback atomic.Pointer[domain.Callback]
	queue    *Queue
}

// Router parses raw frames and fans them out. Each subscriber owns one
// queue and one drain goroutine.
type Router struct {
	dir      Directory
	epochs   EpochSource
	metrics  *infra.Metrics
	logger   *slog.Logger
	capacity int
	policy   OverflowPolicy
	now      func() time.Time

	mu     sync.RWMutex
	subs   map[string]*subscriber
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Router.
type Option func(*Router)

func WithMetrics(m *infra.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

// WithQueue sets the per-subscriber capacity and overflow policy.
func WithQueue(capacity int, policy OverflowPolicy) Option {
	return func(r *Router) {
		r.capacity = capacity
		r.policy = policy
	}
}

// NewRouter creates a router.
func NewRouter(dir Directory, epochs EpochSource, opts ...Option) *Router {
	r := &Router{
		dir:      dir,
		epochs:   epochs,
		capacity: DefaultCapacity,
		policy:   DropOldest,
		now:      time.Now,
		subs:     make(map[string]*subscriber),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = infra.NewMetrics()
	}
	r.logger = infra.OrDefault(r.logger).With("module", "fanout")
	return r
}

// AddSubscriber registers id with cb, starting its drain goroutine. Calling
// it again for a live id only swaps the callback.
func (r *Router) AddSubscriber(id string, cb domain.Callback) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return domain.ErrClosed
	}
	if s, ok := r.subs[id]; ok {
		s.callback.Store(&cb)
		return nil
	}

	s := &subscriber{
		id:    id,
		queue: NewQueue(r.capacity, r.policy),
	}
	s.callback.Store(&cb)
	r.subs[id] = s

	r.wg.Add(1)
	go r.drain(s)
	return nil
}

// RemoveSubscriber stops id's drain. Queued events are dropped; a callback
// already running is allowed to finish.
func (r *Router) RemoveSubscriber(id string) {
	r.mu.Lock()
	s, ok := r.subs[id]
	delete(r.subs, id)
	r.mu.Unlock()

	if ok {
		s.queue.Close()
	}
}

// Route handles one raw frame read by ch's session at epoch.
func (r *Router) Route(ch domain.Channel, epoch uint64, data []byte) {
	receivedAt := r.now()
	r.metrics.RecordReceived(receivedAt)

	if epoch != r.epochs.CurrentEpoch(ch) {
		r.metrics.RecordStale()
		return
	}

	ev, err := upbit.ParseEvent(data, receivedAt)
	if err != nil {
		if errors.Is(err, upbit.ErrUnknownType) {
			r.logger.Debug("Ignoring frame", slog.Any("error", err))
			return
		}
		r.metrics.RecordParseError()
		r.logger.Warn("Failed to parse frame", slog.Any("error", err))
		return
	}
	ev.Meta().Epoch = epoch

	r.Dispatch(ev)
}

// Dispatch pushes an already stamped event to every interested subscriber.
func (r *Router) Dispatch(ev domain.Event) {
	h := ev.Meta()
	targets := r.dir.Subscribers(h.Type, h.Symbol)
	if len(targets) == 0 {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range targets {
		if !t.Mode.Accepts(h.Stream) {
			continue
		}
		s, ok := r.subs[t.ComponentID]
		if !ok {
			continue
		}
		if dropped := s.queue.Push(ev); dropped > 0 {
			r.metrics.RecordDropped(dropped)
		}
		r.metrics.RecordEnqueued()
	}
}

func (r *Router) drain(s *subscriber) {
	defer r.wg.Done()

	for {
		ev, ok := s.queue.Pop()
		if !ok {
			return
		}
		h := ev.Meta()
		if h.Epoch != r.epochs.CurrentEpoch(h.Type.Channel()) {
			r.metrics.RecordStale()
			continue
		}
		if err := r.invoke(s, ev); err != nil {
			r.metrics.RecordCallbackError()
			r.logger.Error("Subscriber callback failed", slog.String("component", s.id), slog.Any("error", err))
			continue
		}
		r.metrics.RecordDelivered()
	}
}

// invoke runs the callback, converting a panic or error into a CallbackError.
func (r *Router) invoke(s *subscriber, ev domain.Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Debug("Callback panic stack", slog.String("component", s.id), slog.String("stack", string(debug.Stack())))
			err = &domain.CallbackError{ComponentID: s.id, Err: fmt.Errorf("%v", p), Panicked: true}
		}
	}()

	cb := *s.callback.Load()
	if cbErr := cb(ev); cbErr != nil {
		return &domain.CallbackError{ComponentID: s.id, Err: cbErr}
	}
	return nil
}

// QueueDepths returns the queued event count per subscriber.
func (r *Router) QueueDepths() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.subs))
	for id, s := range r.subs {
		out[id] = s.queue.Len()
	}
	return out
}

// QueueStats returns queue statistics per subscriber.
func (r *Router) QueueStats() map[string]QueueStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]QueueStats, len(r.subs))
	for id, s := range r.subs {
		out[id] = s.queue.Stats()
	}
	return out
}

// Subscribers returns the ids with a live drain.
func (r *Router) Subscribers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.subs))
}

// Close stops every drain and waits for them until ctx is done.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	subs := r.subs
	r.subs = make(map[string]*subscriber)
	r.mu.Unlock()

	for _, s := range subs {
		s.queue.Close()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
