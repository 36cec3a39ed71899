package manager

import (
	"time"

	"feedmux/internal/domain"
	"feedmux/internal/infra"
)

// Health levels reported by HealthCheck.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusCritical = "critical"
)

// ChannelHealth describes one socket.
type ChannelHealth struct {
	Enabled       bool             `json:"enabled"`
	State         domain.ConnState `json:"state"`
	Epoch         uint64           `json:"epoch"`
	LastHeartbeat time.Time        `json:"last_heartbeat"`
	Reconnecting  bool             `json:"reconnecting"`
	SendPending   bool             `json:"send_pending"`
	Attempt       int              `json:"attempt"`
	Exhausted     bool             `json:"exhausted"`
	LastError     string           `json:"last_error,omitempty"`
	Authenticated bool             `json:"authenticated,omitempty"`
}

// HealthStatus is the result of HealthCheck.
type HealthStatus struct {
	Status              string        `json:"status"`
	Uptime              time.Duration `json:"uptime"`
	LastMessageAt       time.Time     `json:"last_message_at"`
	ActiveSubscriptions int           `json:"active_subscriptions"`
	Public              ChannelHealth `json:"public"`
	Private             ChannelHealth `json:"private"`
}

// MetricsSnapshot is the result of GetMetrics.
type MetricsSnapshot struct {
	MessagesPerSecond      float64               `json:"messages_per_second"`
	ActiveSubscriptions    int                   `json:"active_subscriptions"`
	ActiveComponents       int                   `json:"active_components"`
	QueueDepthBySubscriber map[string]int        `json:"queue_depth_by_subscriber"`
	DroppedBySubscriber    map[string]uint64     `json:"dropped_by_subscriber"`
	DropRate               float64               `json:"drop_rate"`
	ReconnectCount         uint64                `json:"reconnect_count"`
	Counters               infra.CounterSnapshot `json:"counters"`
}

// HealthCheck summarizes both channels. A channel whose reconnect budget is
// exhausted is critical once that has lasted longer than the critical window;
// any other problem on a wanted channel is degraded.
func (m *Manager) HealthCheck() HealthStatus {
	now := m.now()

	m.mu.Lock()
	startedAt := m.startedAt
	m.mu.Unlock()

	hs := HealthStatus{
		Status:              StatusHealthy,
		LastMessageAt:       m.metrics.LastMessageAt(),
		ActiveSubscriptions: m.ActiveSubscriptions(),
		Public:              m.channelHealth(m.public),
		Private:             m.channelHealth(m.private),
	}
	if !startedAt.IsZero() {
		hs.Uptime = now.Sub(startedAt)
	}
	if hs.Private.Enabled {
		hs.Private.Authenticated = !m.authRejected.Load()
	}

	for _, cs := range []*channelState{m.public, m.private} {
		hs.Status = worse(hs.Status, m.channelLevel(cs, now))
	}
	return hs
}

func (m *Manager) channelHealth(cs *channelState) ChannelHealth {
	st := cs.recovery.Status()
	ch := ChannelHealth{
		Enabled:       cs.started.Load(),
		State:         cs.conn.State(),
		Epoch:         cs.conn.Epoch(),
		LastHeartbeat: cs.conn.LastHeartbeat(),
		Reconnecting:  st.Running,
		SendPending:   cs.dispatcher.Busy(),
		Attempt:       st.Attempt,
		Exhausted:     st.Exhausted,
	}
	if st.LastError != nil {
		ch.LastError = st.LastError.Error()
	}
	return ch
}

func (m *Manager) channelLevel(cs *channelState, now time.Time) string {
	if !cs.started.Load() {
		return StatusHealthy
	}
	st := cs.recovery.Status()
	if st.Exhausted && now.Sub(st.ExhaustedAt) > m.cfg.CriticalAfter() {
		return StatusCritical
	}
	if cs.conn.State() != domain.StateConnected {
		return StatusDegraded
	}
	if cs.kind == domain.ChannelPrivate && m.authRejected.Load() {
		return StatusDegraded
	}
	return StatusHealthy
}

func worse(a, b string) string {
	rank := map[string]int{StatusHealthy: 0, StatusDegraded: 1, StatusCritical: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// GetMetrics returns a point-in-time view of the counters.
func (m *Manager) GetMetrics() MetricsSnapshot {
	counters := m.metrics.Snapshot()
	stats := m.router.QueueStats()
	depths := make(map[string]int, len(stats))
	dropped := make(map[string]uint64, len(stats))
	for id, st := range stats {
		depths[id] = st.Len
		dropped[id] = st.Dropped
	}
	return MetricsSnapshot{
		MessagesPerSecond:      m.metrics.MessagesPerSecond(m.now()),
		ActiveSubscriptions:    m.ActiveSubscriptions(),
		ActiveComponents:       m.registry.Len(),
		QueueDepthBySubscriber: depths,
		DroppedBySubscriber:    dropped,
		DropRate:               m.metrics.DropRate(),
		ReconnectCount:         counters.Reconnects,
		Counters:               counters,
	}
}

// QueueDepths implements infra.GaugeSource.
func (m *Manager) QueueDepths() map[string]int {
	return m.router.QueueDepths()
}

// ActiveSubscriptions counts registered specs across components.
func (m *Manager) ActiveSubscriptions() int {
	return m.registry.SpecCount()
}

// ChannelUp implements infra.GaugeSource.
func (m *Manager) ChannelUp() map[string]bool {
	return map[string]bool{
		string(domain.ChannelPublic):  m.IsPublicAvailable(),
		string(domain.ChannelPrivate): m.IsPrivateAvailable(),
	}
}

var _ infra.GaugeSource = (*Manager)(nil)
