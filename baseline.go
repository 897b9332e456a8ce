package canguard

import (
	"math/bits"
	"sync"
)

// DefaultBaselineCapacity bounds how many distinct identifiers the store
// will profile.
const DefaultBaselineCapacity = 100

// BaselineProfile is the learned expectation for one identifier: the data
// length its frames carry and a snapshot of the first payload seen.
type BaselineProfile struct {
	ID      uint32           `json:"can_id"`
	DLC     uint8            `json:"dlc"`
	Pattern [MaxPayload]byte `json:"pattern"`
}

// BaselineStore holds per-identifier profiles built during the learning
// phase. Capacity is fixed; once full, unseen identifiers are silently not
// learned and only the rejection counter moves. Profiles never expire.
type BaselineStore struct {
	mu       sync.RWMutex
	profiles []BaselineProfile
	capacity int
	rejected uint64
}

func NewBaselineStore(capacity int) *BaselineStore {
	if capacity <= 0 {
		capacity = DefaultBaselineCapacity
	}
	return &BaselineStore{
		profiles: make([]BaselineProfile, 0, capacity),
		capacity: capacity,
	}
}

// Learn refreshes the expected length for a known identifier or, while
// capacity remains, creates a profile capturing the frame's length and
// payload pattern. At capacity the call is a no-op apart from the rejection
// count: bounded memory is a policy here, not a failure.
func (s *BaselineStore) Learn(f Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.profiles {
		if s.profiles[i].ID == f.ID {
			s.profiles[i].DLC = f.DLC
			return
		}
	}
	if len(s.profiles) >= s.capacity {
		s.rejected++
		return
	}
	p := BaselineProfile{ID: f.ID, DLC: f.DLC}
	copy(p.Pattern[:], f.Payload())
	s.profiles = append(s.profiles, p)
}

// Lookup returns the profile for id, if one was learned. Linear over a
// bounded slice, so cost is bounded too.
func (s *BaselineStore) Lookup(id uint32) (BaselineProfile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.profiles {
		if p.ID == id {
			return p, true
		}
	}
	return BaselineProfile{}, false
}

// Occupancy returns how many profiles are held and the capacity.
func (s *BaselineStore) Occupancy() (count, capacity int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.profiles), s.capacity
}

// Rejected returns how many unseen identifiers were turned away at
// capacity.
func (s *BaselineStore) Rejected() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rejected
}

// Profiles returns a copy of the learned profiles, for reporting.
func (s *BaselineStore) Profiles() []BaselineProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]BaselineProfile, len(s.profiles))
	copy(out, s.profiles)
	return out
}

// hammingDistance counts differing bits between two byte slices, compared
// up to the shorter length.
func hammingDistance(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	distance := 0
	for i := 0; i < n; i++ {
		distance += bits.OnesCount8(a[i] ^ b[i])
	}
	return distance
}
