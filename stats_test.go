package canguard

import (
	"testing"
	"time"
)

func TestArrivalStatsTracking(t *testing.T) {
	stats := NewArrivalStats(0)
	base := time.Now()
	for i := 0; i < 5; i++ {
		stats.Track(Frame{ID: 0x310, Timestamp: base.Add(time.Duration(i) * 100 * time.Millisecond)})
	}
	stats.Track(Frame{ID: 0x510, Timestamp: base})

	if stats.Identifiers() != 2 {
		t.Fatalf("expected 2 tracked identifiers, got %d", stats.Identifiers())
	}

	snapshot := stats.Snapshot()
	if len(snapshot) != 2 || snapshot[0].ID != 0x310 || snapshot[1].ID != 0x510 {
		t.Fatalf("expected identifier-ordered snapshot, got %+v", snapshot)
	}
	if snapshot[0].Count != 5 {
		t.Fatalf("expected 5 arrivals for 0x310, got %d", snapshot[0].Count)
	}
	if snapshot[0].MeanInterval != 100*time.Millisecond {
		t.Fatalf("expected 100ms mean interval, got %v", snapshot[0].MeanInterval)
	}
	if snapshot[1].MeanInterval != 0 {
		t.Fatalf("expected no interval for a single arrival, got %v", snapshot[1].MeanInterval)
	}
}

func TestArrivalStatsBounded(t *testing.T) {
	stats := NewArrivalStats(3)
	for i := uint32(0); i < 10; i++ {
		stats.Track(Frame{ID: 0x300 + i, Timestamp: time.Now()})
	}
	if stats.Identifiers() != 3 {
		t.Fatalf("expected retention capped at 3, got %d", stats.Identifiers())
	}
	// Known identifiers keep counting at the cap.
	stats.Track(Frame{ID: 0x300, Timestamp: time.Now()})
	snapshot := stats.Snapshot()
	if snapshot[0].Count != 2 {
		t.Fatalf("expected known identifier to keep counting, got %d", snapshot[0].Count)
	}
}
