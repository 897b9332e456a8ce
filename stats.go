package canguard

import (
	"sort"
	"sync"
	"time"
)

// ArrivalStats keeps lightweight per-identifier arrival statistics so the
// API can report traffic shape without hitting the ledger. Retention is
// bounded: once maxIdentifiers distinct identifiers are tracked, new ones
// are ignored, mirroring the baseline store's silent-drop policy.
type ArrivalStats struct {
	mu             sync.RWMutex
	maxIdentifiers int
	entries        map[uint32]*arrivalEntry
}

type arrivalEntry struct {
	count uint64
	first time.Time
	last  time.Time
}

// IdentifierStats is the reported view for one identifier.
type IdentifierStats struct {
	ID           uint32        `json:"can_id"`
	Count        uint64        `json:"count"`
	FirstSeen    time.Time     `json:"first_seen"`
	LastSeen     time.Time     `json:"last_seen"`
	MeanInterval time.Duration `json:"mean_interval"`
}

func NewArrivalStats(maxIdentifiers int) *ArrivalStats {
	if maxIdentifiers <= 0 {
		maxIdentifiers = 256
	}
	return &ArrivalStats{
		maxIdentifiers: maxIdentifiers,
		entries:        make(map[uint32]*arrivalEntry),
	}
}

// Track records one frame arrival.
func (s *ArrivalStats) Track(f Frame) {
	ts := f.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, exists := s.entries[f.ID]
	if !exists {
		if len(s.entries) >= s.maxIdentifiers {
			return
		}
		entry = &arrivalEntry{first: ts}
		s.entries[f.ID] = entry
	}
	entry.count++
	entry.last = ts
}

// Snapshot returns per-identifier stats ordered by identifier.
func (s *ArrivalStats) Snapshot() []IdentifierStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]IdentifierStats, 0, len(s.entries))
	for id, entry := range s.entries {
		stat := IdentifierStats{
			ID:        id,
			Count:     entry.count,
			FirstSeen: entry.first,
			LastSeen:  entry.last,
		}
		if entry.count > 1 {
			stat.MeanInterval = entry.last.Sub(entry.first) / time.Duration(entry.count-1)
		}
		out = append(out, stat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Identifiers returns how many distinct identifiers are tracked.
func (s *ArrivalStats) Identifiers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
