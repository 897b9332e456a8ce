package canguard

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestLedger(t *testing.T, batch int) *DetectionLedger {
	t.Helper()
	ledger, err := NewDetectionLedger(filepath.Join(t.TempDir(), "ledger.db"), batch)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { ledger.Close() })
	return ledger
}

func TestLedgerRecordsFrames(t *testing.T) {
	ledger := newTestLedger(t, 2)

	now := time.Now()
	for i := uint32(0); i < 3; i++ {
		f := Frame{ID: 0x300 + i, DLC: 1, Data: [MaxPayload]byte{50}, Timestamp: now}
		if err := ledger.RecordFrame(f, false); err != nil {
			t.Fatalf("record frame: %v", err)
		}
	}
	// Two rows flushed by the batch, one still buffered.
	if err := ledger.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	summary, err := ledger.Summary()
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.Messages != 3 {
		t.Fatalf("expected 3 message rows, got %d", summary.Messages)
	}
	if summary.Anomalies != 0 {
		t.Fatalf("expected no anomaly rows, got %d", summary.Anomalies)
	}
}

func TestLedgerRecordsAlerts(t *testing.T) {
	ledger := newTestLedger(t, 10)

	f := Frame{ID: 0x050, DLC: 1, Timestamp: time.Now()}
	alert := NewAlert(f, AnomalyDetected, ReasonUnknownIdentifier, SeverityWarning, "identifier outside every range")
	if err := ledger.RecordAlert(alert); err != nil {
		t.Fatalf("record alert: %v", err)
	}

	alerts, err := ledger.RecentAlerts(10)
	if err != nil {
		t.Fatalf("recent alerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}
	got := alerts[0]
	if got.ID != alert.ID {
		t.Fatalf("expected alert id %s, got %s", alert.ID, got.ID)
	}
	if got.Kind != AnomalyDetected || got.Reason != ReasonUnknownIdentifier {
		t.Fatalf("unexpected alert row %+v", got)
	}
	if got.CANID != "0x050" {
		t.Fatalf("expected can_id 0x050, got %s", got.CANID)
	}
}

func TestLedgerRecentAlertsOrder(t *testing.T) {
	ledger := newTestLedger(t, 10)

	old := NewAlert(Frame{ID: 0x050}, AnomalyDetected, ReasonUnknownIdentifier, SeverityWarning, "")
	old.Timestamp = time.Now().Add(-time.Hour)
	recent := NewAlert(Frame{ID: 0x310}, DosDetected, ReasonIdentifierFlood, SeverityCritical, "")
	if err := ledger.RecordAlert(old); err != nil {
		t.Fatalf("record old alert: %v", err)
	}
	if err := ledger.RecordAlert(recent); err != nil {
		t.Fatalf("record recent alert: %v", err)
	}

	alerts, err := ledger.RecentAlerts(1)
	if err != nil {
		t.Fatalf("recent alerts: %v", err)
	}
	if len(alerts) != 1 || alerts[0].ID != recent.ID {
		t.Fatalf("expected the newest alert first, got %+v", alerts)
	}
}

func TestLedgerSummaryByType(t *testing.T) {
	ledger := newTestLedger(t, 10)

	ledger.RecordAlert(NewAlert(Frame{ID: 0x050}, AnomalyDetected, ReasonUnknownIdentifier, SeverityWarning, ""))
	ledger.RecordAlert(NewAlert(Frame{ID: 0x051}, AnomalyDetected, ReasonUnknownIdentifier, SeverityWarning, ""))
	ledger.RecordAlert(NewAlert(Frame{ID: 0x310}, DosDetected, ReasonIdentifierFlood, SeverityCritical, ""))

	summary, err := ledger.Summary()
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.Anomalies != 3 {
		t.Fatalf("expected 3 anomaly rows, got %d", summary.Anomalies)
	}
	if summary.ByType["unknown_id"] != 2 || summary.ByType["dos_attack"] != 1 {
		t.Fatalf("unexpected type rollup %v", summary.ByType)
	}
	if summary.LastAnomaly.IsZero() {
		t.Fatalf("expected last anomaly timestamp to be set")
	}
}

func TestLedgerThroughEngine(t *testing.T) {
	ledger := newTestLedger(t, 1)
	engine, err := NewEngine(DefaultConfig(), NewSinkRegistry(), ledger, nil, quietLogger())
	if err != nil {
		t.Fatalf("engine construction failed: %v", err)
	}
	defer engine.Close()

	engine.Process(Frame{ID: 0x310, DLC: 1, Data: [MaxPayload]byte{50}})
	engine.Process(Frame{ID: 0x050, DLC: 1})

	summary, err := ledger.Summary()
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.Messages != 2 {
		t.Fatalf("expected both frames recorded, got %d", summary.Messages)
	}
	if summary.Anomalies != 1 {
		t.Fatalf("expected the rejection recorded as an alert, got %d", summary.Anomalies)
	}
}
