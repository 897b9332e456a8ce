package canguard

import (
	"testing"
	"time"
)

func findingNamed(findings []TrafficFinding, name string) *TrafficFinding {
	for i := range findings {
		if findings[i].Name == name {
			return &findings[i]
		}
	}
	return nil
}

func TestWindowNoFloodBeforeFull(t *testing.T) {
	w := NewTrafficWindow(10, nil)
	for i := 0; i < 9; i++ {
		if findings := w.Observe(Frame{ID: 0x321}); len(findings) != 0 {
			t.Fatalf("expected silence while the ring is filling, got %+v", findings)
		}
	}
}

func TestWindowFloodOnSingleIdentifier(t *testing.T) {
	w := NewTrafficWindow(10, nil)
	var findings []TrafficFinding
	for i := 0; i < 10; i++ {
		findings = w.Observe(Frame{ID: 0x321})
	}
	flood := findingNamed(findings, "identifier_flood")
	if flood == nil {
		t.Fatalf("expected flood once the ring filled with one identifier, got %+v", findings)
	}
	if flood.Reason != ReasonIdentifierFlood || flood.Severity != SeverityCritical {
		t.Fatalf("unexpected flood finding %+v", flood)
	}
	if flood.Metrics["dominant_count"] != 10 {
		t.Fatalf("expected dominant count 10, got %v", flood.Metrics)
	}
}

func TestWindowFloodAtExactThreshold(t *testing.T) {
	w := NewTrafficWindow(10, nil)
	for i := 0; i < 7; i++ {
		w.Observe(Frame{ID: 0x321})
	}
	w.Observe(Frame{ID: 0x322})
	w.Observe(Frame{ID: 0x322})
	findings := w.Observe(Frame{ID: 0x322})
	if findingNamed(findings, "identifier_flood") == nil {
		t.Fatalf("expected 7 of 10 to reach the 70%% threshold, got %+v", findings)
	}
}

func TestWindowBalancedTrafficNeverFloods(t *testing.T) {
	w := NewTrafficWindow(10, nil)
	ids := []uint32{0x310, 0x510, 0x610}
	for i := 0; i < 30; i++ {
		if findings := w.Observe(Frame{ID: ids[i%len(ids)]}); len(findings) != 0 {
			t.Fatalf("expected round-robin traffic to stay silent, got %+v", findings)
		}
	}
}

func TestWindowSlides(t *testing.T) {
	w := NewTrafficWindow(10, nil)
	for i := 0; i < 10; i++ {
		w.Observe(Frame{ID: 0x321})
	}
	// The attacker stops; fresh traffic displaces one entry at a time.
	// Dominance stays above threshold until the count drops to 6 of 10.
	for i := 0; i < 3; i++ {
		if findings := w.Observe(Frame{ID: 0x400 + uint32(i)}); findingNamed(findings, "identifier_flood") == nil {
			t.Fatalf("expected flood to persist at displacement %d", i+1)
		}
	}
	if findings := w.Observe(Frame{ID: 0x403}); len(findings) != 0 {
		t.Fatalf("expected flood to clear at 6 of 10, got %+v", findings)
	}
}

func TestWindowDominanceRatioOverride(t *testing.T) {
	w := NewTrafficWindow(10, map[string]DetectorConfig{
		"identifier_flood": {Enabled: true, Thresholds: map[string]float64{"dominance_ratio": 0.5}},
	})
	for i := 0; i < 5; i++ {
		w.Observe(Frame{ID: 0x321})
	}
	var findings []TrafficFinding
	for i := 0; i < 5; i++ {
		findings = w.Observe(Frame{ID: 0x500 + uint32(i)})
	}
	if findingNamed(findings, "identifier_flood") == nil {
		t.Fatalf("expected 5 of 10 to trip a 50%% ratio, got %+v", findings)
	}
}

func TestWindowBusSaturation(t *testing.T) {
	w := NewTrafficWindow(10, map[string]DetectorConfig{
		"bus_saturation": {Enabled: true},
	})
	base := time.Now()
	var findings []TrafficFinding
	for i := 0; i < 10; i++ {
		findings = w.Observe(Frame{ID: 0x300 + uint32(i), Timestamp: base.Add(time.Duration(i) * time.Millisecond)})
	}
	sat := findingNamed(findings, "bus_saturation")
	if sat == nil {
		t.Fatalf("expected millisecond-spaced traffic to saturate, got %+v", findings)
	}
	if sat.Reason != ReasonBusSaturation {
		t.Fatalf("unexpected reason %s", sat.Reason)
	}

	// Frames a second apart stay well under the rate.
	slow := NewTrafficWindow(10, map[string]DetectorConfig{
		"bus_saturation": {Enabled: true},
	})
	for i := 0; i < 10; i++ {
		findings = slow.Observe(Frame{ID: 0x300, Timestamp: base.Add(time.Duration(i) * time.Second)})
	}
	if len(findings) != 0 {
		t.Fatalf("expected slow traffic to stay silent, got %+v", findings)
	}
}

func TestWindowIdentifierRate(t *testing.T) {
	w := NewTrafficWindow(10, map[string]DetectorConfig{
		"identifier_rate": {Enabled: true, Thresholds: map[string]float64{"rate": 5}},
	})
	base := time.Now()
	var findings []TrafficFinding
	for i := 0; i < 6; i++ {
		findings = w.Observe(Frame{ID: 0x310, Timestamp: base.Add(time.Duration(i) * time.Millisecond)})
	}
	rate := findingNamed(findings, "identifier_rate")
	if rate == nil {
		t.Fatalf("expected 6 frames inside a second to trip rate 5, got %+v", findings)
	}
	if rate.Reason != ReasonIdentifierRate {
		t.Fatalf("unexpected reason %s", rate.Reason)
	}
}

func TestWindowDominantShare(t *testing.T) {
	w := NewTrafficWindow(10, nil)
	if w.DominantShare() != 0 {
		t.Fatalf("expected empty window share 0, got %f", w.DominantShare())
	}
	for i := 0; i < 7; i++ {
		w.Observe(Frame{ID: 0x321})
	}
	for i := 0; i < 3; i++ {
		w.Observe(Frame{ID: 0x322})
	}
	if share := w.DominantShare(); share != 0.7 {
		t.Fatalf("expected share 0.7, got %f", share)
	}
	if w.Admitted() != 10 {
		t.Fatalf("expected 10 admitted frames, got %d", w.Admitted())
	}
}
