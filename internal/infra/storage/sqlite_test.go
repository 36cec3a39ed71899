package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"feedmux/internal/domain"
)

func setupTestDB(t *testing.T) *Storage {
	s, err := NewStorage(filepath.Join(t.TempDir(), "journal", "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func TestRecordAndRecent(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	events := []domain.ConnectionEvent{
		{Channel: domain.ChannelPublic, Kind: "attempt_failed", Attempt: 1, Detail: "refused", At: base},
		{Channel: domain.ChannelPublic, Kind: "connected", Epoch: 1, Attempt: 2, At: base.Add(time.Second)},
		{Channel: domain.ChannelPrivate, Kind: "connected", Epoch: 2, Attempt: 1, At: base.Add(2 * time.Second)},
	}
	for _, ev := range events {
		if err := s.Record(ctx, ev); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	public, err := s.Recent(ctx, domain.ChannelPublic, 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(public) != 2 {
		t.Fatalf("Expected 2 public events, got %d", len(public))
	}
	if public[0].Kind != "connected" || public[0].Epoch != 1 {
		t.Errorf("Expected newest first, got %+v", public[0])
	}
	if public[1].Detail != "refused" {
		t.Errorf("Expected detail to round trip, got %q", public[1].Detail)
	}

	all, err := s.Recent(ctx, "", 1)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(all) != 1 || all[0].Channel != domain.ChannelPrivate {
		t.Errorf("Expected the private event only, got %+v", all)
	}
}

func TestRecordDefaultsTimestamp(t *testing.T) {
	s := setupTestDB(t)
	before := time.Now().Add(-time.Second)

	if err := s.Record(context.Background(), domain.ConnectionEvent{Channel: domain.ChannelPublic, Kind: "lost"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	got, _ := s.Recent(context.Background(), domain.ChannelPublic, 1)
	if len(got) != 1 || got[0].At.Before(before) {
		t.Errorf("Expected a current timestamp, got %+v", got)
	}
}

func TestPrune(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()

	s.Record(ctx, domain.ConnectionEvent{Channel: domain.ChannelPublic, Kind: "old", At: now.Add(-48 * time.Hour)})
	s.Record(ctx, domain.ConnectionEvent{Channel: domain.ChannelPublic, Kind: "new", At: now})

	n, err := s.Prune(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 pruned row, got %d", n)
	}

	left, _ := s.Recent(ctx, "", 0)
	if len(left) != 1 || left[0].Kind != "new" {
		t.Errorf("Expected only the new event, got %+v", left)
	}
}
