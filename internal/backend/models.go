// Package backend provides the water-metering backend service: it consumes
// meter readings from RabbitMQ and HTTP, runs them through the telemetry
// evaluator, and persists devices, readings, alerts and bill lines to
// PostgreSQL.
package backend

import (
	"time"

	"gorm.io/gorm"
)

// Device represents a registered water meter stored in the database.
type Device struct {
	DeviceID         string         `gorm:"uniqueIndex;not null"`
	Name             string         `gorm:"not null"`
	Location         string         `gorm:"not null"`
	APIKey           string         `gorm:"uniqueIndex;not null"`
	Firmware         string
	IsActive         bool           `gorm:"not null;default:true"`
	InstallationDate time.Time      `gorm:"autoCreateTime"`
	LastSeen         time.Time      `gorm:"index:idx_devices_last_seen"`
	// PulseRate is the meter's calibration in pulses per liter
	// (450 for the YF-S201 hall sensor).
	PulseRate   float64        `gorm:"not null;default:450"`
	TotalLiters float64        `gorm:"not null;default:0"`
	PulseCount  int64          `gorm:"not null;default:0"`
	CreatedAt   time.Time      `gorm:"autoCreateTime"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime"`
	DeletedAt   gorm.DeletedAt `gorm:"index"`
	ID          uint           `gorm:"primaryKey"`
}

// TableName specifies the table name for Device model.
func (Device) TableName() string {
	return "devices"
}

// MeterReading represents one accepted telemetry sample stored in the
// database. Delta is the consumption increase over the previous accepted
// reading, precomputed at ingest so usage aggregations stay a single SUM.
type MeterReading struct {
	Timestamp   time.Time `gorm:"index:idx_device_timestamp;index:idx_readings_timestamp;not null"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	DeviceID    string    `gorm:"index:idx_device_timestamp;not null"`
	FlowRate    float64   `gorm:"not null"`
	TotalLiters float64   `gorm:"not null"`
	PulseCount  int64     `gorm:"not null"`
	Delta       float64   `gorm:"not null;default:0"`
	ID          uint      `gorm:"primaryKey"`
}

// TableName specifies the table name for MeterReading model.
func (MeterReading) TableName() string {
	return "meter_readings"
}

// Alert represents one alert lifecycle record. AlertUID is the evaluator's
// identifier; a device never has more than one unresolved alert per kind.
type Alert struct {
	AlertUID   string     `gorm:"uniqueIndex;not null"`
	DeviceID   string     `gorm:"index:idx_alerts_device;not null"`
	Kind       string     `gorm:"index:idx_alerts_kind;not null"`
	Severity   string     `gorm:"not null"`
	Message    string     `gorm:"not null"`
	Value      float64    `gorm:"not null"`
	Threshold  float64    `gorm:"not null"`
	OpenedAt   time.Time  `gorm:"index:idx_alerts_opened;not null"`
	IsResolved bool       `gorm:"index:idx_alerts_resolved;not null;default:false"`
	ResolvedAt *time.Time
	ResolvedBy string
	AutoClosed bool      `gorm:"not null;default:false"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
	ID         uint      `gorm:"primaryKey"`
}

// TableName specifies the table name for Alert model.
func (Alert) TableName() string {
	return "alerts"
}

// BillLine represents one computed charge for a billing period. Rows are
// immutable once created; the unique index makes boundary replays idempotent.
type BillLine struct {
	DeviceID     string    `gorm:"uniqueIndex:idx_bill_period;not null"`
	PeriodStart  time.Time `gorm:"uniqueIndex:idx_bill_period;not null"`
	PeriodEnd    time.Time `gorm:"uniqueIndex:idx_bill_period;not null"`
	Liters       float64   `gorm:"not null"`
	RatePerLiter float64   `gorm:"not null"`
	Cost         float64   `gorm:"not null"`
	GeneratedAt  time.Time `gorm:"autoCreateTime"`
	ID           uint      `gorm:"primaryKey"`
}

// TableName specifies the table name for BillLine model.
func (BillLine) TableName() string {
	return "bill_lines"
}
