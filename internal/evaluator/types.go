// Package evaluator implements the telemetry alerting and billing core for
// the water metering backend. It keeps a per-device state table, evaluates
// each accepted reading against leak, excessive-usage and offline rules, and
// emits alert and bill-line events for the caller to persist and dispatch.
package evaluator

import (
	"time"
)

// AlertKind identifies the class of condition an alert reports.
type AlertKind string

const (
	AlertLeak           AlertKind = "leak"
	AlertExcessiveUsage AlertKind = "excessive"
	AlertOffline        AlertKind = "offline"
)

// Severity grades an alert for downstream notification routing.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Reading is one telemetry sample from a water meter. FlowRate is in liters
// per minute; TotalLiters and PulseCount are cumulative and must never
// decrease for a given device.
type Reading struct {
	DeviceID    string
	Timestamp   time.Time
	FlowRate    float64
	TotalLiters float64
	PulseCount  int64
}

// Device is a point-in-time snapshot of a device's evaluator state.
type Device struct {
	ID          string
	LastSeen    time.Time
	TotalLiters float64
	PulseCount  int64
	Retired     bool
}

// Alert records one threshold breach. An alert is open until it is either
// resolved by an operator or auto-closed by the evaluator; both are terminal.
// A later breach of the same kind produces a new Alert with a new ID.
type Alert struct {
	ID         string
	Kind       AlertKind
	DeviceID   string
	Severity   Severity
	Message    string
	Value      float64
	Threshold  float64
	OpenedAt   time.Time
	ResolvedAt *time.Time
	ResolvedBy string
	AutoClosed bool
}

// Open reports whether the alert has not yet reached a terminal state.
func (a Alert) Open() bool {
	return a.ResolvedAt == nil
}

// BillLine is one computed charge for a billing period. Immutable once
// emitted.
type BillLine struct {
	DeviceID     string
	PeriodStart  time.Time
	PeriodEnd    time.Time
	Liters       float64
	RatePerLiter float64
	Cost         float64
}

// EventType discriminates the events emitted by the evaluator.
type EventType string

const (
	EventAlertOpened EventType = "alert_opened"
	EventAlertClosed EventType = "alert_closed"
	EventBillLine    EventType = "bill_line"
)

// Event is an element of the evaluator's append-only output stream. Alert is
// set for alert events, BillLine for billing events.
type Event struct {
	Type     EventType
	At       time.Time
	Alert    *Alert
	BillLine *BillLine
}
