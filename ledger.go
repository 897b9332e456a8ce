package canguard

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp REAL NOT NULL,
	can_id INTEGER NOT NULL,
	dlc INTEGER NOT NULL,
	data TEXT NOT NULL,
	is_anomaly BOOLEAN NOT NULL
);
CREATE TABLE IF NOT EXISTS anomalies (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	alert_id TEXT NOT NULL,
	timestamp REAL NOT NULL,
	can_id INTEGER NOT NULL,
	kind TEXT NOT NULL,
	anomaly_type TEXT NOT NULL,
	severity TEXT NOT NULL,
	details TEXT
);
CREATE INDEX IF NOT EXISTS idx_anomalies_ts ON anomalies(timestamp);
`

// DetectionLedger persists every observed frame and every raised alert to
// SQLite. Frame rows are buffered and written in batches; alert rows are
// committed immediately.
type DetectionLedger struct {
	db    *sqlx.DB
	mu    sync.Mutex
	batch int
	rows  []frameRow
}

type frameRow struct {
	Timestamp float64 `db:"timestamp"`
	CANID     int64   `db:"can_id"`
	DLC       int     `db:"dlc"`
	Data      string  `db:"data"`
	IsAnomaly bool    `db:"is_anomaly"`
}

type anomalyRow struct {
	AlertID   string  `db:"alert_id"`
	Timestamp float64 `db:"timestamp"`
	CANID     int64   `db:"can_id"`
	Kind      string  `db:"kind"`
	Type      string  `db:"anomaly_type"`
	Severity  string  `db:"severity"`
	Details   string  `db:"details"`
}

// LedgerSummary is the rollup served by the ops API.
type LedgerSummary struct {
	Messages    int64            `json:"messages"`
	Anomalies   int64            `json:"anomalies"`
	ByType      map[string]int64 `json:"by_type"`
	LastAnomaly time.Time        `json:"last_anomaly,omitempty"`
}

// NewDetectionLedger opens (or creates) the database at path and applies
// the schema. batch controls how many frame rows accumulate before a
// flush; values below one flush every row.
func NewDetectionLedger(path string, batch int) (*DetectionLedger, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	if _, err := db.Exec(ledgerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply ledger schema: %w", err)
	}
	if batch < 1 {
		batch = 1
	}
	return &DetectionLedger{db: db, batch: batch, rows: make([]frameRow, 0, batch)}, nil
}

// RecordFrame queues one observed frame. The write hits disk once the
// batch is full (or on Flush/Close).
func (l *DetectionLedger) RecordFrame(f Frame, anomaly bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rows = append(l.rows, frameRow{
		Timestamp: float64(f.Timestamp.UnixNano()) / float64(time.Second),
		CANID:     int64(f.ID),
		DLC:       int(f.DLC),
		Data:      strings.ToUpper(hex.EncodeToString(f.Payload())),
		IsAnomaly: anomaly,
	})
	if len(l.rows) < l.batch {
		return nil
	}
	return l.flushLocked()
}

// RecordAlert persists one raised alert immediately.
func (l *DetectionLedger) RecordAlert(a *Alert) error {
	canID, _ := strconv.ParseInt(strings.TrimPrefix(a.CANID, "0x"), 16, 64)
	row := anomalyRow{
		AlertID:   a.ID,
		Timestamp: float64(a.Timestamp.UnixNano()) / float64(time.Second),
		CANID:     canID,
		Kind:      string(a.Kind),
		Type:      string(a.Reason),
		Severity:  a.Severity,
		Details:   a.Detail,
	}
	_, err := l.db.NamedExec(`INSERT INTO anomalies
		(alert_id, timestamp, can_id, kind, anomaly_type, severity, details)
		VALUES (:alert_id, :timestamp, :can_id, :kind, :anomaly_type, :severity, :details)`, row)
	if err != nil {
		return fmt.Errorf("record alert: %w", err)
	}
	return nil
}

// Flush writes any buffered frame rows.
func (l *DetectionLedger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushLocked()
}

func (l *DetectionLedger) flushLocked() error {
	if len(l.rows) == 0 {
		return nil
	}
	tx, err := l.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin frame batch: %w", err)
	}
	for _, row := range l.rows {
		if _, err := tx.NamedExec(`INSERT INTO messages
			(timestamp, can_id, dlc, data, is_anomaly)
			VALUES (:timestamp, :can_id, :dlc, :data, :is_anomaly)`, row); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert frame: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit frame batch: %w", err)
	}
	l.rows = l.rows[:0]
	return nil
}

// RecentAlerts returns the newest alerts, most recent first.
func (l *DetectionLedger) RecentAlerts(limit int) ([]Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []anomalyRow
	err := l.db.Select(&rows, `SELECT alert_id, timestamp, can_id, kind, anomaly_type, severity, details
		FROM anomalies ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent alerts: %w", err)
	}
	alerts := make([]Alert, 0, len(rows))
	for _, row := range rows {
		sec := int64(row.Timestamp)
		nsec := int64((row.Timestamp - float64(sec)) * float64(time.Second))
		alerts = append(alerts, Alert{
			ID:        row.AlertID,
			Kind:      AlertKind(row.Kind),
			Reason:    AnomalyReason(row.Type),
			Severity:  row.Severity,
			CANID:     fmt.Sprintf("0x%03X", row.CANID),
			Timestamp: time.Unix(sec, nsec),
			Detail:    row.Details,
		})
	}
	return alerts, nil
}

// Summary aggregates ledger contents for reporting.
func (l *DetectionLedger) Summary() (LedgerSummary, error) {
	summary := LedgerSummary{ByType: make(map[string]int64)}
	if err := l.db.Get(&summary.Messages, `SELECT COUNT(*) FROM messages`); err != nil {
		return summary, fmt.Errorf("summary messages: %w", err)
	}
	if err := l.db.Get(&summary.Anomalies, `SELECT COUNT(*) FROM anomalies`); err != nil {
		return summary, fmt.Errorf("summary anomalies: %w", err)
	}
	type typeCount struct {
		Type  string `db:"anomaly_type"`
		Count int64  `db:"count"`
	}
	var counts []typeCount
	if err := l.db.Select(&counts, `SELECT anomaly_type, COUNT(*) AS count FROM anomalies GROUP BY anomaly_type`); err != nil {
		return summary, fmt.Errorf("summary by type: %w", err)
	}
	for _, tc := range counts {
		summary.ByType[tc.Type] = tc.Count
	}
	var last float64
	if err := l.db.Get(&last, `SELECT COALESCE(MAX(timestamp), 0) FROM anomalies`); err == nil && last > 0 {
		sec := int64(last)
		summary.LastAnomaly = time.Unix(sec, int64((last-float64(sec))*float64(time.Second)))
	}
	return summary, nil
}

// Close flushes buffered rows and closes the database.
func (l *DetectionLedger) Close() error {
	if err := l.Flush(); err != nil {
		return err
	}
	return l.db.Close()
}
