package canguard

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AlertKind distinguishes content-level anomalies from volumetric ones.
type AlertKind string

const (
	AnomalyDetected AlertKind = "ANOMALY_DETECTED"
	DosDetected     AlertKind = "DOS_DETECTED"
)

// Alert is the record handed to every sink when a frame is rejected or a
// flood pattern is flagged. The JSON keys match the payload the legacy IDS
// published to its broker.
type Alert struct {
	ID        string        `json:"id"`
	Kind      AlertKind     `json:"kind"`
	Reason    AnomalyReason `json:"anomaly_type"`
	Severity  string        `json:"severity"`
	CANID     string        `json:"can_id"`
	DLC       uint8         `json:"dlc"`
	Data      string        `json:"data"`
	Timestamp time.Time     `json:"timestamp"`
	Detail    string        `json:"details,omitempty"`
}

// NewAlert builds an alert for the given frame and verdict context.
func NewAlert(f Frame, kind AlertKind, reason AnomalyReason, severity, detail string) *Alert {
	return &Alert{
		ID:        uuid.NewString(),
		Kind:      kind,
		Reason:    reason,
		Severity:  severity,
		CANID:     fmt.Sprintf("0x%03X", f.ID),
		DLC:       f.DLC,
		Data:      strings.ToUpper(hex.EncodeToString(f.Payload())),
		Timestamp: time.Now(),
		Detail:    detail,
	}
}

func (a *Alert) String() string {
	return fmt.Sprintf("%s %s id=%s severity=%s", a.Kind, a.Reason, a.CANID, a.Severity)
}

// AlertSink delivers one alert over a channel (log line, broker message,
// HTTP callback). Delivery is best-effort telemetry: an error means this
// alert is dropped for this sink, nothing retries it and nothing upstream
// stalls.
type AlertSink interface {
	Name() string
	Send(ctx context.Context, alert *Alert) error
}

// SinkRegistry manages the configured sinks and fans alerts out to all of
// them.
type SinkRegistry struct {
	mu    sync.RWMutex
	sinks map[string]AlertSink
}

func NewSinkRegistry() *SinkRegistry {
	return &SinkRegistry{sinks: make(map[string]AlertSink)}
}

func (r *SinkRegistry) Register(sink AlertSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[sink.Name()] = sink
}

func (r *SinkRegistry) Get(name string) (AlertSink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sink, exists := r.sinks[name]
	return sink, exists
}

// Names returns the registered sink names.
func (r *SinkRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sinks))
	for name := range r.sinks {
		names = append(names, name)
	}
	return names
}

// Fanout sends the alert to every sink and reports per-sink failures.
// Errors are returned for accounting only; the caller drops them into a
// counter, never back into the dispatch path.
func (r *SinkRegistry) Fanout(ctx context.Context, alert *Alert) map[string]error {
	r.mu.RLock()
	sinks := make([]AlertSink, 0, len(r.sinks))
	for _, sink := range r.sinks {
		sinks = append(sinks, sink)
	}
	r.mu.RUnlock()

	var failures map[string]error
	for _, sink := range sinks {
		if err := sink.Send(ctx, alert); err != nil {
			if failures == nil {
				failures = make(map[string]error)
			}
			failures[sink.Name()] = err
		}
	}
	return failures
}
