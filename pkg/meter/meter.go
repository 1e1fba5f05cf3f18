// Package meter defines the JSON wire types exchanged between the meter
// firmware (or simulator), the message queue and the backend.
package meter

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Reading is one water-meter telemetry sample as published on the queue or
// POSTed to the ingestion endpoint. FlowRate is liters per minute;
// TotalLiters and PulseCount are cumulative counters.
type Reading struct {
	DeviceID    string    `json:"device_id"`
	Timestamp   time.Time `json:"timestamp"`
	FlowRate    float64   `json:"flow_rate"`
	TotalLiters float64   `json:"total_consumption"`
	PulseCount  int64     `json:"pulse_count"`
}

// Announcement introduces a device to the backend: identity plus the meter
// hardware's pulses-per-liter calibration.
type Announcement struct {
	DeviceID  string    `json:"device_id"`
	Name      string    `json:"name"`
	Location  string    `json:"location"`
	PulseRate float64   `json:"pulse_rate"`
	Firmware  string    `json:"firmware"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks the reading for fields the backend cannot process.
func (r *Reading) Validate() error {
	if r.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if r.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	if r.FlowRate < 0 {
		return fmt.Errorf("flow_rate must not be negative, got %v", r.FlowRate)
	}
	if r.TotalLiters < 0 {
		return fmt.Errorf("total_consumption must not be negative, got %v", r.TotalLiters)
	}
	if r.PulseCount < 0 {
		return fmt.Errorf("pulse_count must not be negative, got %d", r.PulseCount)
	}
	return nil
}

// DecodeReading parses and validates a reading message.
func DecodeReading(data []byte) (*Reading, error) {
	var r Reading
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode reading: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("invalid reading: %w", err)
	}
	return &r, nil
}

// DecodeAnnouncement parses a device announcement message.
func DecodeAnnouncement(data []byte) (*Announcement, error) {
	var a Announcement
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to decode announcement: %w", err)
	}
	if a.DeviceID == "" {
		return nil, errors.New("invalid announcement: device_id is required")
	}
	return &a, nil
}
