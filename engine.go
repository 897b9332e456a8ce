package canguard

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oarkflow/log"
)

// alertQueueDepth bounds the handoff between the dispatch path and the
// sink fan-out goroutine. When the queue is full the alert is dropped and
// counted; dispatch never blocks on a sink.
const alertQueueDepth = 64

// Engine is the per-frame entry point. It sequences classification,
// window observation and alert raising for one bus segment, serializing
// all shared state behind a single mutex so deployments feeding frames
// from more than one goroutine stay correct.
type Engine struct {
	mu         sync.Mutex
	cfg        *Config
	firewall   *RangeFirewall
	baselines  *BaselineStore
	classifier *Classifier
	window     *TrafficWindow
	stats      *ArrivalStats
	sinks      *SinkRegistry
	ledger     *DetectionLedger
	metrics    *Metrics
	logger     log.Logger

	learnLeft int

	frames    atomic.Uint64
	anomalies atomic.Uint64
	started   time.Time

	alertCh   chan *Alert
	done      chan struct{}
	closeOnce sync.Once
}

// EngineStatus is the snapshot served by the ops API.
type EngineStatus struct {
	Learning          bool      `json:"learning"`
	LearnRemaining    int       `json:"learn_remaining"`
	Frames            uint64    `json:"frames"`
	Anomalies         uint64    `json:"anomalies"`
	BaselineCount     int       `json:"baseline_count"`
	BaselineCapacity  int       `json:"baseline_capacity"`
	BaselineRejected  uint64    `json:"baseline_rejected"`
	WindowAdmitted    uint64    `json:"window_admitted"`
	DominantShare     float64   `json:"dominant_share"`
	TrackedIdentifers int       `json:"tracked_identifiers"`
	Started           time.Time `json:"started"`
	Sinks             []string  `json:"sinks"`
}

// NewEngine wires the detection core from a validated config. The ledger
// and metrics may be nil; sinks may be an empty registry.
func NewEngine(cfg *Config, sinks *SinkRegistry, ledger *DetectionLedger, metrics *Metrics, logger log.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sinks == nil {
		sinks = NewSinkRegistry()
	}

	firewall := NewRangeFirewall(cfg.Ranges)
	baselines := NewBaselineStore(cfg.Baseline.Capacity)
	e := &Engine{
		cfg:        cfg,
		firewall:   firewall,
		baselines:  baselines,
		classifier: NewClassifier(firewall, baselines, cfg.Pattern),
		window:     NewTrafficWindow(cfg.Window.Size, cfg.windowDetectors()),
		stats:      NewArrivalStats(0),
		sinks:      sinks,
		ledger:     ledger,
		metrics:    metrics,
		logger:     logger,
		learnLeft:  cfg.Learning.Frames,
		started:    time.Now(),
		alertCh:    make(chan *Alert, alertQueueDepth),
		done:       make(chan struct{}),
	}
	go e.dispatchAlerts()
	return e, nil
}

// Process classifies one frame and, when admitted, folds it into the
// traffic window. It returns the content verdict plus any volumetric
// findings the admission produced. Every input yields a verdict; there is
// no error path.
func (e *Engine) Process(f Frame) (Verdict, []TrafficFinding) {
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.frames.Add(1)
	e.stats.Track(f)
	if e.metrics != nil {
		e.metrics.FramesTotal.Inc()
	}

	if e.learnLeft > 0 {
		e.learnLocked(f)
		e.learnLeft--
		if e.learnLeft == 0 {
			count, capacity := e.baselines.Occupancy()
			e.logger.Info().
				Int("baselines", count).
				Int("capacity", capacity).
				Msg("learning phase complete, detection active")
		}
		e.recordFrame(f, false)
		return admit(), nil
	}

	verdict := e.classifier.Classify(f)
	if !verdict.Admitted {
		if e.metrics != nil {
			e.metrics.AnomaliesTotal.WithLabelValues(string(verdict.Reason)).Inc()
		}
		e.recordFrame(f, true)
		e.raise(NewAlert(f, AnomalyDetected, verdict.Reason, verdict.Severity, verdict.Detail))
		return verdict, nil
	}

	findings := e.window.Observe(f)
	e.recordFrame(f, false)
	for _, finding := range findings {
		if e.metrics != nil {
			e.metrics.FloodsTotal.WithLabelValues(finding.Name).Inc()
		}
		e.raise(NewAlert(f, DosDetected, finding.Reason, finding.Severity, finding.Detail))
	}
	e.updateGauges()
	return verdict, findings
}

// Learn feeds one frame to the baseline store outside the built-in
// learning phase, for callers that pre-train from a captured trace.
func (e *Engine) Learn(f Frame) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.learnLocked(f)
}

func (e *Engine) learnLocked(f Frame) {
	e.baselines.Learn(f)
	if e.metrics != nil {
		e.metrics.LearnedTotal.Inc()
		count, _ := e.baselines.Occupancy()
		e.metrics.BaselineOccupancy.Set(float64(count))
		e.metrics.BaselineRejected.Set(float64(e.baselines.Rejected()))
	}
}

func (e *Engine) recordFrame(f Frame, anomaly bool) {
	if e.ledger == nil {
		return
	}
	if err := e.ledger.RecordFrame(f, anomaly); err != nil {
		e.logger.Error().Err(err).Msg("ledger frame write failed")
	}
}

// raise accounts the alert and hands it to the fan-out goroutine. A full
// queue drops the alert: alerts are best-effort telemetry, and the
// dispatch path must never stall on them.
func (e *Engine) raise(alert *Alert) {
	e.anomalies.Add(1)
	e.logger.Warn().
		Str("kind", string(alert.Kind)).
		Str("anomaly_type", string(alert.Reason)).
		Str("can_id", alert.CANID).
		Uint64("total_anomalies", e.anomalies.Load()).
		Msg("anomaly detected")
	if e.ledger != nil {
		if err := e.ledger.RecordAlert(alert); err != nil {
			e.logger.Error().Err(err).Msg("ledger alert write failed")
		}
	}
	select {
	case e.alertCh <- alert:
	default:
		if e.metrics != nil {
			e.metrics.AlertsDroppedTotal.WithLabelValues("queue").Inc()
		}
	}
}

func (e *Engine) dispatchAlerts() {
	defer close(e.done)
	for alert := range e.alertCh {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		failures := e.sinks.Fanout(ctx, alert)
		cancel()
		for name, err := range failures {
			if e.metrics != nil {
				e.metrics.AlertsDroppedTotal.WithLabelValues(name).Inc()
			}
			e.logger.Warn().Str("sink", name).Err(err).Msg("alert delivery dropped")
		}
	}
}

func (e *Engine) updateGauges() {
	if e.metrics == nil {
		return
	}
	e.metrics.WindowDominantShare.Set(e.window.DominantShare())
}

// AnomalyCount is the process-wide running anomaly counter, read-only for
// collaborators.
func (e *Engine) AnomalyCount() uint64 {
	return e.anomalies.Load()
}

// FrameCount returns how many frames the engine has processed.
func (e *Engine) FrameCount() uint64 {
	return e.frames.Load()
}

// Learning reports whether the built-in learning phase is still running.
func (e *Engine) Learning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.learnLeft > 0
}

// Baselines exposes the baseline store for reporting.
func (e *Engine) Baselines() *BaselineStore {
	return e.baselines
}

// Window exposes the traffic window for reporting.
func (e *Engine) Window() *TrafficWindow {
	return e.window
}

// Stats exposes the per-identifier arrival statistics.
func (e *Engine) Stats() *ArrivalStats {
	return e.stats
}

// Ledger returns the attached detection ledger, if any.
func (e *Engine) Ledger() *DetectionLedger {
	return e.ledger
}

// Status assembles the snapshot served by the ops API.
func (e *Engine) Status() EngineStatus {
	e.mu.Lock()
	learnLeft := e.learnLeft
	e.mu.Unlock()

	count, capacity := e.baselines.Occupancy()
	return EngineStatus{
		Learning:          learnLeft > 0,
		LearnRemaining:    learnLeft,
		Frames:            e.frames.Load(),
		Anomalies:         e.anomalies.Load(),
		BaselineCount:     count,
		BaselineCapacity:  capacity,
		BaselineRejected:  e.baselines.Rejected(),
		WindowAdmitted:    e.window.Admitted(),
		DominantShare:     e.window.DominantShare(),
		TrackedIdentifers: e.stats.Identifiers(),
		Started:           e.started,
		Sinks:             e.sinks.Names(),
	}
}

// Close drains the alert queue and stops the fan-out goroutine. Process
// must not be called after Close.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.alertCh)
		<-e.done
	})
}
