package evaluator

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the evaluator's failure taxonomy. All are recoverable
// at the call site; the evaluator never mutates state on a rejected reading.
var (
	ErrStaleReading        = errors.New("stale reading")
	ErrNonMonotonicReading = errors.New("non-monotonic reading")
	ErrUnknownDevice       = errors.New("unknown device")
	ErrInvalidReading      = errors.New("invalid reading")
	ErrNoOpenAlert         = errors.New("no open alert")
)

// StaleReadingError reports a reading whose timestamp is not newer than the
// device's last accepted reading.
type StaleReadingError struct {
	DeviceID  string
	Timestamp time.Time
	LastSeen  time.Time
}

func (e *StaleReadingError) Error() string {
	return fmt.Sprintf("stale reading for device %s: timestamp %s not after last accepted %s",
		e.DeviceID, e.Timestamp.Format(time.RFC3339), e.LastSeen.Format(time.RFC3339))
}

func (e *StaleReadingError) Unwrap() error { return ErrStaleReading }

// NonMonotonicError reports a cumulative counter that decreased, which would
// otherwise silently book a device reset as negative usage.
type NonMonotonicError struct {
	DeviceID string
	Field    string
	Got      float64
	Have     float64
}

func (e *NonMonotonicError) Error() string {
	return fmt.Sprintf("non-monotonic reading for device %s: %s decreased from %v to %v",
		e.DeviceID, e.Field, e.Have, e.Got)
}

func (e *NonMonotonicError) Unwrap() error { return ErrNonMonotonicReading }

// UnknownDeviceError is returned under strict registration when a reading
// arrives for a device that was never registered.
type UnknownDeviceError struct {
	DeviceID string
}

func (e *UnknownDeviceError) Error() string {
	return fmt.Sprintf("unknown device %s", e.DeviceID)
}

func (e *UnknownDeviceError) Unwrap() error { return ErrUnknownDevice }

// ConfigurationError reports an invalid evaluator configuration value.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}
