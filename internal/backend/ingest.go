package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"procodus.dev/watermeter/internal/evaluator"
	"procodus.dev/watermeter/internal/notify"
	"procodus.dev/watermeter/pkg/meter"
	"procodus.dev/watermeter/pkg/metrics"
)

// Ingestor runs readings through the evaluator and persists the results.
// It is shared by the AMQP consumer and the HTTP ingestion endpoint, so both
// paths apply identical evaluation and persistence rules.
type Ingestor struct {
	logger   *slog.Logger
	db       *gorm.DB
	eval     *evaluator.Evaluator
	notifier notify.Notifier
	metrics  *metrics.BackendMetrics // Optional metrics

	// locks serializes ingestion per device. The persisted delta is computed
	// against a snapshot taken before the evaluator applies the reading, so
	// two readings for one device must not interleave between the two.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewIngestor creates a new Ingestor instance.
func NewIngestor(logger *slog.Logger, db *gorm.DB, eval *evaluator.Evaluator, notifier notify.Notifier, m *metrics.BackendMetrics) (*Ingestor, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if db == nil {
		return nil, errors.New("database cannot be nil")
	}
	if eval == nil {
		return nil, errors.New("evaluator cannot be nil")
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Ingestor{
		logger:   logger,
		db:       db,
		eval:     eval,
		notifier: notifier,
		metrics:  m,
		locks:    make(map[string]*sync.Mutex),
	}, nil
}

// IngestReading evaluates and persists one reading. Evaluator rejections
// come back as the evaluator's typed errors; persistence failures leave the
// evaluator state intact (a replay of the same reading is a no-op there).
func (i *Ingestor) IngestReading(ctx context.Context, source string, r *meter.Reading) ([]evaluator.Event, error) {
	var timer *prometheus.Timer
	if i.metrics != nil {
		timer = prometheus.NewTimer(i.metrics.IngestDuration.WithLabelValues(source))
		defer timer.ObserveDuration()
	}

	lock := i.deviceLock(r.DeviceID)
	lock.Lock()
	defer lock.Unlock()

	before, _ := i.eval.Device(r.DeviceID)

	events, err := i.eval.Ingest(evaluator.Reading{
		DeviceID:    r.DeviceID,
		Timestamp:   r.Timestamp.UTC(),
		FlowRate:    r.FlowRate,
		TotalLiters: r.TotalLiters,
		PulseCount:  r.PulseCount,
	})
	if err != nil {
		if i.metrics != nil {
			i.metrics.ReadingsRejected.WithLabelValues(source, rejectReason(err)).Inc()
		}
		return nil, err
	}

	// A replay of the already-accepted reading is a no-op in the evaluator;
	// skip persistence too so redelivery never duplicates the reading row.
	if !before.LastSeen.IsZero() && !r.Timestamp.UTC().After(before.LastSeen) {
		return events, nil
	}

	delta := r.TotalLiters - before.TotalLiters
	if before.LastSeen.IsZero() || delta < 0 {
		delta = 0
	}

	if err := i.persistReading(ctx, r, delta); err != nil {
		return events, fmt.Errorf("failed to persist reading: %w", err)
	}

	if err := i.ApplyEvents(ctx, events); err != nil {
		return events, err
	}

	if i.metrics != nil {
		i.metrics.ReadingsIngested.WithLabelValues(source).Inc()
		i.metrics.TrackedDevices.Set(float64(len(i.eval.Devices())))
	}
	return events, nil
}

func (i *Ingestor) deviceLock(deviceID string) *sync.Mutex {
	i.locksMu.Lock()
	defer i.locksMu.Unlock()
	l, ok := i.locks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		i.locks[deviceID] = l
	}
	return l
}

// persistReading stores the reading row and rolls the device's cumulative
// counters forward.
func (i *Ingestor) persistReading(ctx context.Context, r *meter.Reading, delta float64) error {
	row := &MeterReading{
		DeviceID:    r.DeviceID,
		Timestamp:   r.Timestamp.UTC(),
		FlowRate:    r.FlowRate,
		TotalLiters: r.TotalLiters,
		PulseCount:  r.PulseCount,
		Delta:       delta,
	}
	if err := i.db.WithContext(ctx).Create(row).Error; err != nil {
		return err
	}

	updates := map[string]interface{}{
		"last_seen":    r.Timestamp.UTC(),
		"total_liters": r.TotalLiters,
		"pulse_count":  r.PulseCount,
	}
	return i.db.WithContext(ctx).Model(&Device{}).
		Where("device_id = ?", r.DeviceID).
		Updates(updates).Error
}

// ApplyEvents persists evaluator events and dispatches alert notifications.
// Bill-line creation is idempotent on the (device, period) unique index so a
// replayed boundary crossing never double-bills.
func (i *Ingestor) ApplyEvents(ctx context.Context, events []evaluator.Event) error {
	for _, ev := range events {
		switch ev.Type {
		case evaluator.EventAlertOpened:
			if err := i.applyAlertOpened(ctx, ev); err != nil {
				return err
			}
		case evaluator.EventAlertClosed:
			if err := i.applyAlertClosed(ctx, ev); err != nil {
				return err
			}
		case evaluator.EventBillLine:
			if err := i.applyBillLine(ctx, ev); err != nil {
				return err
			}
		}
	}
	return nil
}

func (i *Ingestor) applyAlertOpened(ctx context.Context, ev evaluator.Event) error {
	a := ev.Alert
	row := &Alert{
		AlertUID:  a.ID,
		DeviceID:  a.DeviceID,
		Kind:      string(a.Kind),
		Severity:  string(a.Severity),
		Message:   a.Message,
		Value:     a.Value,
		Threshold: a.Threshold,
		OpenedAt:  a.OpenedAt,
	}
	if err := i.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(row).Error; err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}

	if i.metrics != nil {
		i.metrics.AlertsOpened.WithLabelValues(string(a.Kind)).Inc()
		i.metrics.OpenAlerts.WithLabelValues(string(a.Kind)).Inc()
	}
	i.logger.Warn("alert opened",
		"alert_id", a.ID,
		"device_id", a.DeviceID,
		"kind", a.Kind,
		"value", a.Value,
		"threshold", a.Threshold,
	)

	// Notification failure must not poison ingestion; the dispatcher owns
	// its own retry and breaker policy.
	if err := i.notifier.AlertOpened(ctx, *a); err != nil {
		i.logger.Error("failed to dispatch alert notification",
			"alert_id", a.ID,
			"error", err,
		)
	}
	return nil
}

func (i *Ingestor) applyAlertClosed(ctx context.Context, ev evaluator.Event) error {
	a := ev.Alert
	updates := map[string]interface{}{
		"is_resolved": true,
		"resolved_at": a.ResolvedAt,
		"resolved_by": a.ResolvedBy,
		"auto_closed": a.AutoClosed,
	}
	if err := i.db.WithContext(ctx).Model(&Alert{}).
		Where("alert_uid = ?", a.ID).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to close alert: %w", err)
	}

	if i.metrics != nil {
		i.metrics.AlertsClosed.WithLabelValues(string(a.Kind)).Inc()
		i.metrics.OpenAlerts.WithLabelValues(string(a.Kind)).Dec()
	}
	i.logger.Info("alert closed",
		"alert_id", a.ID,
		"device_id", a.DeviceID,
		"kind", a.Kind,
		"auto_closed", a.AutoClosed,
	)

	if err := i.notifier.AlertClosed(ctx, *a); err != nil {
		i.logger.Error("failed to dispatch alert notification",
			"alert_id", a.ID,
			"error", err,
		)
	}
	return nil
}

func (i *Ingestor) applyBillLine(ctx context.Context, ev evaluator.Event) error {
	b := ev.BillLine
	row := &BillLine{
		DeviceID:     b.DeviceID,
		PeriodStart:  b.PeriodStart,
		PeriodEnd:    b.PeriodEnd,
		Liters:       b.Liters,
		RatePerLiter: b.RatePerLiter,
		Cost:         b.Cost,
	}
	if err := i.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(row).Error; err != nil {
		return fmt.Errorf("failed to create bill line: %w", err)
	}

	if i.metrics != nil {
		i.metrics.BillLinesCreated.Inc()
	}
	i.logger.Info("bill line created",
		"device_id", b.DeviceID,
		"period_start", b.PeriodStart.Format(time.RFC3339),
		"period_end", b.PeriodEnd.Format(time.RFC3339),
		"liters", b.Liters,
		"cost", b.Cost,
	)
	return nil
}

// rejectReason maps evaluator errors to a metrics label.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, evaluator.ErrStaleReading):
		return "stale"
	case errors.Is(err, evaluator.ErrNonMonotonicReading):
		return "non_monotonic"
	case errors.Is(err, evaluator.ErrUnknownDevice):
		return "unknown_device"
	default:
		return "invalid"
	}
}
