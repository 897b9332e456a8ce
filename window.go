package canguard

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// DefaultWindowSize is how many admitted frames the traffic ring retains.
const DefaultWindowSize = 10

// DefaultDominanceRatio is the share of the ring one identifier must reach
// to count as a flood.
const DefaultDominanceRatio = 0.7

// TrafficFinding is one volumetric detection produced while observing an
// admitted frame.
type TrafficFinding struct {
	Name     string             `json:"name"`
	Reason   AnomalyReason      `json:"reason"`
	Severity string             `json:"severity"`
	Detail   string             `json:"detail"`
	Metrics  map[string]float64 `json:"metrics,omitempty"`
}

// TrafficSnapshot is the view of the ring the detectors evaluate. Counts is
// keyed by the full identifier, not a lossy hash, so distinct identifiers
// can never alias into one bucket.
type TrafficSnapshot struct {
	Capacity      int
	Size          int
	Filled        bool
	Counts        map[uint32]int
	DominantID    uint32
	DominantCount int
	Oldest        time.Time
	Newest        time.Time
	Latest        Frame

	// timestamps of ring frames sharing the latest frame's identifier
	latestIDTimes []time.Time
}

// DominantShare is the fraction of the ring held by the busiest identifier.
func (s *TrafficSnapshot) DominantShare() float64 {
	if s.Size == 0 {
		return 0
	}
	return float64(s.DominantCount) / float64(s.Size)
}

// DetectorConfig enables one traffic detector and overrides its thresholds.
type DetectorConfig struct {
	Enabled    bool               `yaml:"enabled" json:"enabled"`
	Thresholds map[string]float64 `yaml:"thresholds" json:"thresholds,omitempty"`
}

type trafficDetector struct {
	Reason            AnomalyReason
	DefaultSeverity   string
	DefaultThresholds map[string]float64
	Detect            func(*TrafficSnapshot, map[string]float64) (bool, string, map[string]float64)
}

// trafficDetectors is the registry of volumetric checks run over the ring.
// Only identifier_flood is enabled unless configured otherwise.
var trafficDetectors = map[string]trafficDetector{
	"identifier_flood": {
		Reason:          ReasonIdentifierFlood,
		DefaultSeverity: SeverityCritical,
		DefaultThresholds: map[string]float64{
			"dominance_ratio": DefaultDominanceRatio,
		},
		Detect: detectIdentifierFlood,
	},
	"bus_saturation": {
		Reason:          ReasonBusSaturation,
		DefaultSeverity: SeverityCritical,
		DefaultThresholds: map[string]float64{
			"rate": 500,
		},
		Detect: detectBusSaturation,
	},
	"identifier_rate": {
		Reason:          ReasonIdentifierRate,
		DefaultSeverity: SeverityCritical,
		DefaultThresholds: map[string]float64{
			"rate": 100,
		},
		Detect: detectIdentifierRate,
	},
}

func detectIdentifierFlood(s *TrafficSnapshot, thresholds map[string]float64) (bool, string, map[string]float64) {
	if !s.Filled {
		return false, "", nil
	}
	ratio := thresholds["dominance_ratio"]
	if ratio <= 0 || ratio > 1 {
		ratio = DefaultDominanceRatio
	}
	need := int(math.Ceil(ratio * float64(s.Capacity)))
	if s.DominantCount < need {
		return false, "", nil
	}
	detail := fmt.Sprintf("identifier 0x%03X holds %d of %d recent frames", s.DominantID, s.DominantCount, s.Capacity)
	return true, detail, map[string]float64{
		"dominant_count": float64(s.DominantCount),
		"dominant_share": s.DominantShare(),
	}
}

func detectBusSaturation(s *TrafficSnapshot, thresholds map[string]float64) (bool, string, map[string]float64) {
	if !s.Filled {
		return false, "", nil
	}
	span := s.Newest.Sub(s.Oldest).Seconds()
	if span <= 0 {
		return false, "", nil
	}
	rate := float64(s.Size) / span
	if rate <= thresholds["rate"] {
		return false, "", nil
	}
	detail := fmt.Sprintf("bus carrying %.0f frames/s across the window", rate)
	return true, detail, map[string]float64{"frames_per_second": rate}
}

func detectIdentifierRate(s *TrafficSnapshot, thresholds map[string]float64) (bool, string, map[string]float64) {
	cutoff := s.Latest.Timestamp.Add(-time.Second)
	recent := 0
	for _, ts := range s.latestIDTimes {
		if ts.After(cutoff) {
			recent++
		}
	}
	if float64(recent) <= thresholds["rate"] {
		return false, "", nil
	}
	detail := fmt.Sprintf("identifier 0x%03X sent %d frames in the last second", s.Latest.ID, recent)
	return true, detail, map[string]float64{"frames_last_second": float64(recent)}
}

// TrafficWindow is the fixed-capacity ring of the most recently admitted
// frames plus the dominance histogram over its current contents. It is a
// true sliding window: once the ring has filled, the histogram is
// recomputed for every admitted frame, not only at the moment the ring
// first fills. The admitted counter is reporting-only and never compared
// against the capacity.
type TrafficWindow struct {
	mu        sync.Mutex
	frames    []Frame
	capacity  int
	cursor    int
	size      int
	admitted  uint64
	detectors map[string]DetectorConfig
}

// NewTrafficWindow builds a ring of the given capacity. The detectors map
// follows the registry names; missing entries fall back to
// identifier_flood-only with default thresholds.
func NewTrafficWindow(capacity int, detectors map[string]DetectorConfig) *TrafficWindow {
	if capacity <= 0 {
		capacity = DefaultWindowSize
	}
	if detectors == nil {
		detectors = map[string]DetectorConfig{
			"identifier_flood": {Enabled: true},
		}
	}
	return &TrafficWindow{
		frames:    make([]Frame, capacity),
		capacity:  capacity,
		detectors: detectors,
	}
}

// Observe admits a frame into the ring, overwriting the oldest entry once
// full, and runs the enabled detectors over the new contents. Only frames
// that passed classification reach this point.
func (w *TrafficWindow) Observe(f Frame) []TrafficFinding {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.frames[w.cursor] = f
	w.cursor = (w.cursor + 1) % w.capacity
	if w.size < w.capacity {
		w.size++
	}
	w.admitted++

	snapshot := w.snapshotLocked(f)

	var findings []TrafficFinding
	for name, def := range trafficDetectors {
		cfg, ok := w.detectors[name]
		if !ok || !cfg.Enabled {
			continue
		}
		thresholds := make(map[string]float64, len(def.DefaultThresholds))
		for k, v := range def.DefaultThresholds {
			thresholds[k] = v
		}
		for k, v := range cfg.Thresholds {
			thresholds[k] = v
		}
		triggered, detail, metrics := def.Detect(snapshot, thresholds)
		if !triggered {
			continue
		}
		findings = append(findings, TrafficFinding{
			Name:     name,
			Reason:   def.Reason,
			Severity: def.DefaultSeverity,
			Detail:   detail,
			Metrics:  metrics,
		})
	}
	return findings
}

func (w *TrafficWindow) snapshotLocked(latest Frame) *TrafficSnapshot {
	snapshot := &TrafficSnapshot{
		Capacity: w.capacity,
		Size:     w.size,
		Filled:   w.size == w.capacity,
		Counts:   make(map[uint32]int, w.size),
		Latest:   latest,
	}
	for i := 0; i < w.size; i++ {
		f := w.frames[i]
		snapshot.Counts[f.ID]++
		if snapshot.Oldest.IsZero() || f.Timestamp.Before(snapshot.Oldest) {
			snapshot.Oldest = f.Timestamp
		}
		if f.Timestamp.After(snapshot.Newest) {
			snapshot.Newest = f.Timestamp
		}
		if f.ID == latest.ID {
			snapshot.latestIDTimes = append(snapshot.latestIDTimes, f.Timestamp)
		}
	}
	for id, count := range snapshot.Counts {
		if count > snapshot.DominantCount {
			snapshot.DominantID = id
			snapshot.DominantCount = count
		}
	}
	return snapshot
}

// Admitted returns how many frames have ever been admitted.
func (w *TrafficWindow) Admitted() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.admitted
}

// DominantShare recomputes the busiest identifier's share of the current
// ring, for gauges and status reporting.
func (w *TrafficWindow) DominantShare() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.size == 0 {
		return 0
	}
	counts := make(map[uint32]int, w.size)
	max := 0
	for i := 0; i < w.size; i++ {
		counts[w.frames[i].ID]++
		if counts[w.frames[i].ID] > max {
			max = counts[w.frames[i].ID]
		}
	}
	return float64(max) / float64(w.size)
}
