package evaluator

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// usageRetention bounds the rolling consumption window. Excessive-usage
// evaluation only looks back 24 hours.
const usageRetention = 24 * time.Hour

type sample struct {
	at    time.Time
	value float64
}

// deviceState is the evaluator's mutable record for one device. All fields
// are guarded by mu; readings for the same device are evaluated strictly in
// timestamp order under that lock.
type deviceState struct {
	mu sync.Mutex

	id         string
	retired    bool
	hasReading bool

	lastSeen    time.Time
	totalLiters float64
	pulseCount  int64

	// flowSince marks the start of the current continuous non-zero flow run;
	// flowWindow holds the run's flow samples (liters/hour) within the
	// configured sustain window.
	flowSince  *time.Time
	flowWindow []sample
	// belowSince marks when flow last dropped to zero or under the leak
	// threshold, for cool-down auto-close.
	belowSince *time.Time

	// usage holds per-reading consumption deltas for the rolling 24h window.
	usage []sample

	// billStart is the start of the current billing period; billBase is the
	// cumulative consumption observed at that boundary.
	billStart time.Time
	billBase  float64

	open map[AlertKind]*Alert
}

// Evaluator ingests meter readings and emits alert and bill-line events.
// It is safe for concurrent use; ingestion for distinct devices proceeds in
// parallel while readings for one device serialize on its state lock.
type Evaluator struct {
	cfg Config
	now func() time.Time

	mu      sync.RWMutex
	devices map[string]*deviceState

	logMu sync.Mutex
	log   []Event
}

// New validates cfg and returns a ready evaluator.
func New(cfg Config) (*Evaluator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Evaluator{
		cfg:     cfg,
		now:     cfg.clock(),
		devices: make(map[string]*deviceState),
	}, nil
}

// Register creates state for a device ahead of its first reading. Required
// under strict registration; otherwise devices are created on first contact.
func (e *Evaluator) Register(deviceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.devices[deviceID]; !ok {
		e.devices[deviceID] = newDeviceState(deviceID)
	}
}

// Restore seeds device state from persisted history, without emitting
// events. Used to warm the evaluator from the database on startup.
func (e *Evaluator) Restore(d Device) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.devices[d.ID]
	if !ok {
		st = newDeviceState(d.ID)
		e.devices[d.ID] = st
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.retired = d.Retired
	if !d.LastSeen.IsZero() {
		st.hasReading = true
		st.lastSeen = d.LastSeen
		st.totalLiters = d.TotalLiters
		st.pulseCount = d.PulseCount
		st.billStart = periodStart(e.cfg.BillingCycle, d.LastSeen)
		st.billBase = d.TotalLiters
	}
}

// RestoreAlert seeds an open alert from persisted history, without emitting
// events. Alerts already in a terminal state are ignored.
func (e *Evaluator) RestoreAlert(a Alert) {
	if !a.Open() || a.DeviceID == "" {
		return
	}
	e.mu.Lock()
	st, ok := e.devices[a.DeviceID]
	if !ok {
		st = newDeviceState(a.DeviceID)
		e.devices[a.DeviceID] = st
	}
	e.mu.Unlock()
	st.mu.Lock()
	if st.open[a.Kind] == nil {
		restored := a
		st.open[a.Kind] = &restored
	}
	st.mu.Unlock()
}

// Retire soft-retires a device: its state is kept but the offline sweep
// skips it. Retired devices still accept readings.
func (e *Evaluator) Retire(deviceID string, retired bool) {
	e.mu.RLock()
	st, ok := e.devices[deviceID]
	e.mu.RUnlock()
	if !ok {
		return
	}
	st.mu.Lock()
	st.retired = retired
	st.mu.Unlock()
}

func newDeviceState(id string) *deviceState {
	return &deviceState{
		id:   id,
		open: make(map[AlertKind]*Alert),
	}
}

// Ingest evaluates one reading. On acceptance it updates the device state
// and returns the events the reading produced; on rejection it returns a
// typed error and leaves all state untouched.
func (e *Evaluator) Ingest(r Reading) ([]Event, error) {
	if r.DeviceID == "" || r.Timestamp.IsZero() {
		return nil, fmt.Errorf("%w: device id and timestamp are required", ErrInvalidReading)
	}
	if r.FlowRate < 0 || r.TotalLiters < 0 || r.PulseCount < 0 {
		return nil, fmt.Errorf("%w: negative value", ErrInvalidReading)
	}

	st, err := e.stateFor(r.DeviceID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.hasReading {
		if r.Timestamp.Equal(st.lastSeen) &&
			r.TotalLiters == st.totalLiters &&
			r.PulseCount == st.pulseCount {
			// Replay of the already-accepted reading: a no-op.
			return nil, nil
		}
		if !r.Timestamp.After(st.lastSeen) {
			return nil, &StaleReadingError{
				DeviceID:  r.DeviceID,
				Timestamp: r.Timestamp,
				LastSeen:  st.lastSeen,
			}
		}
		if r.TotalLiters < st.totalLiters {
			return nil, &NonMonotonicError{
				DeviceID: r.DeviceID,
				Field:    "total consumption",
				Got:      r.TotalLiters,
				Have:     st.totalLiters,
			}
		}
		if r.PulseCount < st.pulseCount {
			return nil, &NonMonotonicError{
				DeviceID: r.DeviceID,
				Field:    "pulse count",
				Got:      float64(r.PulseCount),
				Have:     float64(st.pulseCount),
			}
		}
	}

	var events []Event

	// Billing first: bill lines cover consumption observed up to the reading
	// that crosses the boundary, not the crossing reading itself.
	events = append(events, e.rollBillingPeriod(st, r.Timestamp)...)

	delta := 0.0
	if st.hasReading {
		delta = r.TotalLiters - st.totalLiters
	} else {
		st.billStart = periodStart(e.cfg.BillingCycle, r.Timestamp)
		st.billBase = r.TotalLiters
	}

	st.hasReading = true
	st.lastSeen = r.Timestamp
	st.totalLiters = r.TotalLiters
	st.pulseCount = r.PulseCount

	if delta > 0 {
		st.usage = append(st.usage, sample{at: r.Timestamp, value: delta})
	}
	pruneBefore(&st.usage, r.Timestamp.Add(-usageRetention))

	events = append(events, e.evalLeak(st, r)...)
	events = append(events, e.evalExcessive(st, r.Timestamp)...)

	// An accepted reading proves the device is back online.
	if a := st.open[AlertOffline]; a != nil {
		events = append(events, e.autoClose(st, a, r.Timestamp))
	}

	e.record(events)
	return events, nil
}

// SweepOffline compares each device's last-seen timestamp against now and
// opens device-offline alerts for those that have gone silent. It is meant
// to be driven by a periodic timer, not by ingestion.
func (e *Evaluator) SweepOffline(now time.Time) []Event {
	e.mu.RLock()
	states := make([]*deviceState, 0, len(e.devices))
	for _, st := range e.devices {
		states = append(states, st)
	}
	e.mu.RUnlock()

	var events []Event
	for _, st := range states {
		st.mu.Lock()
		if st.retired || !st.hasReading || st.open[AlertOffline] != nil {
			st.mu.Unlock()
			continue
		}
		gap := now.Sub(st.lastSeen)
		if gap > e.cfg.OfflineAfter {
			a := e.openAlert(st, AlertOffline, SeverityMedium, now,
				gap.Seconds(), e.cfg.OfflineAfter.Seconds(),
				fmt.Sprintf("Device silent for %s, last seen %s.",
					gap.Round(time.Second), st.lastSeen.Format(time.RFC3339)))
			events = append(events, a)
		}
		st.mu.Unlock()
	}

	e.record(events)
	return events
}

// Resolve marks an open alert as resolved by an operator. Resolution is
// terminal; a later breach of the same kind opens a new alert.
func (e *Evaluator) Resolve(deviceID string, kind AlertKind, by string) (Alert, error) {
	e.mu.RLock()
	st, ok := e.devices[deviceID]
	e.mu.RUnlock()
	if !ok {
		return Alert{}, &UnknownDeviceError{DeviceID: deviceID}
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	a := st.open[kind]
	if a == nil {
		return Alert{}, fmt.Errorf("%w: device %s kind %s", ErrNoOpenAlert, deviceID, kind)
	}
	now := e.now()
	a.ResolvedAt = &now
	a.ResolvedBy = by
	delete(st.open, kind)

	ev := Event{Type: EventAlertClosed, At: now, Alert: a}
	e.record([]Event{ev})
	return *a, nil
}

// Device returns a snapshot of one device's state.
func (e *Evaluator) Device(deviceID string) (Device, bool) {
	e.mu.RLock()
	st, ok := e.devices[deviceID]
	e.mu.RUnlock()
	if !ok {
		return Device{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return snapshot(st), true
}

// Devices returns snapshots of all known devices, ordered by id.
func (e *Evaluator) Devices() []Device {
	e.mu.RLock()
	states := make([]*deviceState, 0, len(e.devices))
	for _, st := range e.devices {
		states = append(states, st)
	}
	e.mu.RUnlock()

	out := make([]Device, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		out = append(out, snapshot(st))
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OpenAlerts returns all currently open alerts across devices.
func (e *Evaluator) OpenAlerts() []Alert {
	e.mu.RLock()
	states := make([]*deviceState, 0, len(e.devices))
	for _, st := range e.devices {
		states = append(states, st)
	}
	e.mu.RUnlock()

	var out []Alert
	for _, st := range states {
		st.mu.Lock()
		for _, a := range st.open {
			out = append(out, *a)
		}
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// Events returns a copy of the append-only event log.
func (e *Evaluator) Events() []Event {
	e.logMu.Lock()
	defer e.logMu.Unlock()
	out := make([]Event, len(e.log))
	copy(out, e.log)
	return out
}

func (e *Evaluator) stateFor(deviceID string) (*deviceState, error) {
	e.mu.RLock()
	st, ok := e.devices[deviceID]
	e.mu.RUnlock()
	if ok {
		return st, nil
	}
	if e.cfg.StrictRegistration {
		return nil, &UnknownDeviceError{DeviceID: deviceID}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok = e.devices[deviceID]; ok {
		return st, nil
	}
	st = newDeviceState(deviceID)
	e.devices[deviceID] = st
	return st, nil
}

// evalLeak tracks the current continuous-flow run and opens or cool-down
// closes the device's leak alert. Called with st.mu held.
func (e *Evaluator) evalLeak(st *deviceState, r Reading) []Event {
	var events []Event

	flowLPH := r.FlowRate * 60
	ts := r.Timestamp

	if r.FlowRate > 0 {
		if st.flowSince == nil {
			start := ts
			st.flowSince = &start
			st.flowWindow = st.flowWindow[:0]
		}
		st.flowWindow = append(st.flowWindow, sample{at: ts, value: flowLPH})
		pruneBefore(&st.flowWindow, ts.Add(-e.cfg.ContinuousFlowFor))
	} else {
		st.flowSince = nil
		st.flowWindow = st.flowWindow[:0]
	}

	sustained := mean(st.flowWindow)
	running := st.flowSince != nil && ts.Sub(*st.flowSince) >= e.cfg.ContinuousFlowFor

	if running && sustained > e.cfg.LeakThreshold {
		st.belowSince = nil
		if st.open[AlertLeak] == nil {
			events = append(events, e.openAlert(st, AlertLeak, SeverityHigh, ts,
				sustained, e.cfg.LeakThreshold,
				fmt.Sprintf("Potential leak: sustained flow of %.1f L/h for over %s.",
					sustained, e.cfg.ContinuousFlowFor)))
		}
		return events
	}

	// Flow is zero or under threshold. An open leak alert survives the
	// cool-down period before auto-closing.
	if a := st.open[AlertLeak]; a != nil {
		if flowLPH <= e.cfg.LeakThreshold {
			if st.belowSince == nil {
				start := ts
				st.belowSince = &start
			} else if ts.Sub(*st.belowSince) >= e.cfg.LeakCooldown {
				events = append(events, e.autoClose(st, a, ts))
				st.belowSince = nil
			}
		} else {
			st.belowSince = nil
		}
	}
	return events
}

// evalExcessive evaluates the rolling 24-hour consumption window. Called
// with st.mu held.
func (e *Evaluator) evalExcessive(st *deviceState, ts time.Time) []Event {
	total := 0.0
	for _, s := range st.usage {
		total += s.value
	}

	a := st.open[AlertExcessiveUsage]
	switch {
	case total > e.cfg.ExcessiveUsageThreshold && a == nil:
		return []Event{e.openAlert(st, AlertExcessiveUsage, SeverityMedium, ts,
			total, e.cfg.ExcessiveUsageThreshold,
			fmt.Sprintf("Excessive usage: %.1f liters in the last 24 hours.", total))}
	case total <= e.cfg.ExcessiveUsageThreshold && a != nil:
		// The window rolled back under the threshold; a later breach will
		// open a distinct alert.
		return []Event{e.autoClose(st, a, ts)}
	}
	return nil
}

// openAlert creates and indexes a new open alert and returns its event.
// Called with st.mu held.
func (e *Evaluator) openAlert(st *deviceState, kind AlertKind, sev Severity, at time.Time, value, threshold float64, msg string) Event {
	a := &Alert{
		ID:        uuid.NewString(),
		Kind:      kind,
		DeviceID:  st.id,
		Severity:  sev,
		Message:   msg,
		Value:     value,
		Threshold: threshold,
		OpenedAt:  at,
	}
	st.open[kind] = a
	return Event{Type: EventAlertOpened, At: at, Alert: a}
}

// autoClose transitions an open alert to its auto-closed terminal state.
// Called with st.mu held.
func (e *Evaluator) autoClose(st *deviceState, a *Alert, at time.Time) Event {
	closed := at
	a.ResolvedAt = &closed
	a.AutoClosed = true
	delete(st.open, a.Kind)
	return Event{Type: EventAlertClosed, At: at, Alert: a}
}

func (e *Evaluator) record(events []Event) {
	if len(events) == 0 {
		return
	}
	e.logMu.Lock()
	e.log = append(e.log, events...)
	e.logMu.Unlock()
}

func snapshot(st *deviceState) Device {
	return Device{
		ID:          st.id,
		LastSeen:    st.lastSeen,
		TotalLiters: st.totalLiters,
		PulseCount:  st.pulseCount,
		Retired:     st.retired,
	}
}

func pruneBefore(window *[]sample, cutoff time.Time) {
	w := *window
	i := 0
	for i < len(w) && !w[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		*window = append(w[:0], w[i:]...)
	}
}

func mean(w []sample) float64 {
	if len(w) == 0 {
		return 0
	}
	total := 0.0
	for _, s := range w {
		total += s.value
	}
	return total / float64(len(w))
}
