package infra

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics holds the multiplexer counters. Uses atomic operations for
// thread-safety; one instance per manager.
type Metrics struct {
	// Counters
	received       atomic.Uint64 // frames parsed into events
	enqueued       atomic.Uint64 // events pushed into subscriber queues
	delivered      atomic.Uint64 // callbacks invoked
	dropped        atomic.Uint64 // overflow discards, coalesce replacements included
	stale          atomic.Uint64 // epoch discards
	callbackErrors atomic.Uint64
	parseErrors    atomic.Uint64
	sendErrors     atomic.Uint64
	subscribeSends atomic.Uint64
	reconnects     atomic.Uint64

	// Gauges
	activeConnections atomic.Int32
	lastMessageAt     atomic.Int64 // unix nanos

	// Messages per second is sampled on read.
	rateMu       sync.Mutex
	sampleAt     time.Time
	sampleCount  uint64
	lastRate     float64
	rateInterval time.Duration
}

// NewMetrics returns an empty Metrics.
func NewMetrics() *Metrics {
	return &Metrics{sampleAt: time.Now(), rateInterval: time.Second}
}

func (m *Metrics) RecordReceived(at time.Time) {
	m.received.Add(1)
	m.lastMessageAt.Store(at.UnixNano())
}

func (m *Metrics) RecordEnqueued()      { m.enqueued.Add(1) }
func (m *Metrics) RecordDelivered()     { m.delivered.Add(1) }
func (m *Metrics) RecordDropped(n int)  { m.dropped.Add(uint64(n)) }
func (m *Metrics) RecordStale()         { m.stale.Add(1) }
func (m *Metrics) RecordCallbackError() { m.callbackErrors.Add(1) }
func (m *Metrics) RecordParseError()    { m.parseErrors.Add(1) }
func (m *Metrics) RecordSendError()     { m.sendErrors.Add(1) }
func (m *Metrics) RecordSubscribeSend() { m.subscribeSends.Add(1) }
func (m *Metrics) RecordReconnect()     { m.reconnects.Add(1) }

// IncrementConnections increments active connections by 1.
func (m *Metrics) IncrementConnections() {
	m.activeConnections.Add(1)
}

// DecrementConnections decrements active connections by 1.
func (m *Metrics) DecrementConnections() {
	m.activeConnections.Add(-1)
}

// LastMessageAt returns the time of the last received event, or zero.
func (m *Metrics) LastMessageAt() time.Time {
	ns := m.lastMessageAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// MessagesPerSecond returns the receive rate over the last full sample window.
func (m *Metrics) MessagesPerSecond(now time.Time) float64 {
	m.rateMu.Lock()
	defer m.rateMu.Unlock()

	if m.sampleAt.IsZero() {
		m.sampleAt = now
		m.sampleCount = m.received.Load()
		return 0
	}
	interval := m.rateInterval
	if interval <= 0 {
		interval = time.Second
	}
	elapsed := now.Sub(m.sampleAt)
	if elapsed < interval {
		return m.lastRate
	}
	count := m.received.Load()
	m.lastRate = float64(count-m.sampleCount) / elapsed.Seconds()
	m.sampleAt = now
	m.sampleCount = count
	return m.lastRate
}

// DropRate is dropped / enqueued, 0 when nothing was enqueued.
func (m *Metrics) DropRate() float64 {
	enq := m.enqueued.Load()
	if enq == 0 {
		return 0
	}
	return float64(m.dropped.Load()) / float64(enq)
}

// CounterSnapshot is a point-in-time view of all counters.
type CounterSnapshot struct {
	Received          uint64
	Enqueued          uint64
	Delivered         uint64
	Dropped           uint64
	Stale             uint64
	CallbackErrors    uint64
	ParseErrors       uint64
	SendErrors        uint64
	SubscribeSends    uint64
	Reconnects        uint64
	ActiveConnections int32
	LastMessageAt     time.Time
	Timestamp         time.Time
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		Received:          m.received.Load(),
		Enqueued:          m.enqueued.Load(),
		Delivered:         m.delivered.Load(),
		Dropped:           m.dropped.Load(),
		Stale:             m.stale.Load(),
		CallbackErrors:    m.callbackErrors.Load(),
		ParseErrors:       m.parseErrors.Load(),
		SendErrors:        m.sendErrors.Load(),
		SubscribeSends:    m.subscribeSends.Load(),
		Reconnects:        m.reconnects.Load(),
		ActiveConnections: m.activeConnections.Load(),
		LastMessageAt:     m.LastMessageAt(),
		Timestamp:         time.Now(),
	}
}
