package infra

import (
	"testing"
	"time"
)

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()

	now := time.Now()
	m.RecordReceived(now)
	m.RecordReceived(now)
	m.RecordEnqueued()
	m.RecordEnqueued()
	m.RecordEnqueued()
	m.RecordEnqueued()
	m.RecordDropped(1)
	m.RecordStale()

	snap := m.Snapshot()
	if snap.Received != 2 {
		t.Errorf("Expected 2 received, got %d", snap.Received)
	}
	if snap.Stale != 1 {
		t.Errorf("Expected 1 stale, got %d", snap.Stale)
	}
	if !snap.LastMessageAt.Equal(time.Unix(0, now.UnixNano())) {
		t.Errorf("Expected last message at %v, got %v", now, snap.LastMessageAt)
	}
	if got := m.DropRate(); got != 0.25 {
		t.Errorf("Expected drop rate 0.25, got %v", got)
	}
}

func TestMetrics_DropRateEmpty(t *testing.T) {
	m := NewMetrics()
	if m.DropRate() != 0 {
		t.Error("Expected zero drop rate with nothing enqueued")
	}
}

func TestMetrics_MessagesPerSecond(t *testing.T) {
	m := NewMetrics()
	start := time.Unix(1000, 0)
	m.sampleAt = start

	for i := 0; i < 50; i++ {
		m.RecordReceived(start)
	}

	if got := m.MessagesPerSecond(start.Add(500 * time.Millisecond)); got != 0 {
		t.Errorf("Expected 0 before a full window, got %v", got)
	}
	if got := m.MessagesPerSecond(start.Add(2 * time.Second)); got != 25 {
		t.Errorf("Expected 25 msg/s, got %v", got)
	}
	// Within the next window the last rate is reported.
	if got := m.MessagesPerSecond(start.Add(2500 * time.Millisecond)); got != 25 {
		t.Errorf("Expected cached 25 msg/s, got %v", got)
	}
}

func TestMetrics_Connections(t *testing.T) {
	m := NewMetrics()

	m.IncrementConnections()
	m.IncrementConnections()
	m.DecrementConnections()

	if snap := m.Snapshot(); snap.ActiveConnections != 1 {
		t.Errorf("Expected 1 connection, got %d", snap.ActiveConnections)
	}
}
