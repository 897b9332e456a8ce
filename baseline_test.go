package canguard

import "testing"

func TestBaselineLearnAndLookup(t *testing.T) {
	store := NewBaselineStore(10)

	f := Frame{ID: 0x300, DLC: 2, Data: [MaxPayload]byte{0x1A, 0x2B}}
	store.Learn(f)

	p, ok := store.Lookup(0x300)
	if !ok {
		t.Fatalf("expected profile for 0x300")
	}
	if p.DLC != 2 {
		t.Fatalf("expected dlc 2, got %d", p.DLC)
	}
	if p.Pattern[0] != 0x1A || p.Pattern[1] != 0x2B {
		t.Fatalf("expected pattern snapshot, got %v", p.Pattern)
	}

	if _, ok := store.Lookup(0x301); ok {
		t.Fatalf("expected miss for unlearned identifier")
	}
}

func TestBaselineRelearnUpdatesLengthNotPattern(t *testing.T) {
	store := NewBaselineStore(10)
	store.Learn(Frame{ID: 0x300, DLC: 2, Data: [MaxPayload]byte{0x1A, 0x2B}})
	store.Learn(Frame{ID: 0x300, DLC: 4, Data: [MaxPayload]byte{0xFF, 0xFF, 0xFF, 0xFF}})

	p, _ := store.Lookup(0x300)
	if p.DLC != 4 {
		t.Fatalf("expected refreshed dlc 4, got %d", p.DLC)
	}
	if p.Pattern[0] != 0x1A {
		t.Fatalf("expected first-seen pattern to survive relearning, got %v", p.Pattern)
	}

	count, _ := store.Occupancy()
	if count != 1 {
		t.Fatalf("expected a single profile after relearning, got %d", count)
	}
}

func TestBaselineCapacityLaw(t *testing.T) {
	store := NewBaselineStore(100)
	for id := uint32(0); id < 150; id++ {
		store.Learn(Frame{ID: 0x300 + id, DLC: 1})
	}

	count, capacity := store.Occupancy()
	if count != 100 || capacity != 100 {
		t.Fatalf("expected store pinned at 100/100, got %d/%d", count, capacity)
	}
	if store.Rejected() != 50 {
		t.Fatalf("expected 50 rejected identifiers, got %d", store.Rejected())
	}

	// Known identifiers still update at capacity.
	store.Learn(Frame{ID: 0x300, DLC: 8})
	p, _ := store.Lookup(0x300)
	if p.DLC != 8 {
		t.Fatalf("expected known identifier to refresh at capacity, got dlc %d", p.DLC)
	}
	if store.Rejected() != 50 {
		t.Fatalf("expected refresh not to count as a rejection")
	}
}

func TestHammingDistance(t *testing.T) {
	if d := hammingDistance([]byte{0x00}, []byte{0xFF}); d != 8 {
		t.Fatalf("expected distance 8, got %d", d)
	}
	if d := hammingDistance([]byte{0xAA, 0xAA}, []byte{0xAA, 0xAA}); d != 0 {
		t.Fatalf("expected identical slices at distance 0, got %d", d)
	}
	// Compared up to the shorter length.
	if d := hammingDistance([]byte{0x0F}, []byte{0x0F, 0xFF}); d != 0 {
		t.Fatalf("expected trailing bytes to be ignored, got %d", d)
	}
}
