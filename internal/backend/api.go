package backend

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"

	"procodus.dev/watermeter/internal/evaluator"
	"procodus.dev/watermeter/pkg/meter"
	"procodus.dev/watermeter/pkg/metrics"
)

const readingsPageSize = 100

// APIHandler serves the device ingestion endpoint and the read-only query
// surface polled by the dashboard.
type APIHandler struct {
	logger   *slog.Logger
	db       *gorm.DB
	eval     *evaluator.Evaluator
	ingestor *Ingestor
	metrics  *metrics.BackendMetrics // Optional metrics
}

// NewAPIHandler creates a new APIHandler instance.
func NewAPIHandler(logger *slog.Logger, db *gorm.DB, eval *evaluator.Evaluator, ingestor *Ingestor, m *metrics.BackendMetrics) (*APIHandler, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if db == nil {
		return nil, errors.New("database cannot be nil")
	}
	if eval == nil {
		return nil, errors.New("evaluator cannot be nil")
	}
	if ingestor == nil {
		return nil, errors.New("ingestor cannot be nil")
	}
	return &APIHandler{
		logger:   logger,
		db:       db,
		eval:     eval,
		ingestor: ingestor,
		metrics:  m,
	}, nil
}

// Router builds the HTTP route tree.
func (h *APIHandler) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.handleHealthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.observeRequests)
		r.Post("/readings", h.authenticateDevice(h.handleIngestReading))
		r.Get("/devices", h.handleListDevices)
		r.Get("/devices/{deviceID}", h.handleGetDevice)
		r.Get("/devices/{deviceID}/readings", h.handleListReadings)
		r.Get("/alerts", h.handleListAlerts)
		r.Post("/alerts/{alertUID}/resolve", h.handleResolveAlert)
		r.Get("/bills", h.handleListBills)
		r.Get("/dashboard", h.handleDashboard)
	})

	return r
}

// deviceHandler receives the authenticated device along with the request.
type deviceHandler func(w http.ResponseWriter, r *http.Request, device *Device)

// authenticateDevice maps the X-API-Key header to an active device.
func (h *APIHandler) authenticateDevice(next deviceHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			h.writeError(w, r, http.StatusUnauthorized, "missing X-API-Key header")
			return
		}

		var device Device
		err := h.db.WithContext(r.Context()).
			Where("api_key = ? AND is_active = ?", apiKey, true).
			First(&device).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				h.writeError(w, r, http.StatusUnauthorized, "invalid API key")
				return
			}
			h.logger.Error("failed to authenticate device", "error", err)
			h.writeError(w, r, http.StatusInternalServerError, "authentication failed")
			return
		}

		next(w, r, &device)
	}
}

// handleIngestReading accepts one reading from an authenticated device.
func (h *APIHandler) handleIngestReading(w http.ResponseWriter, r *http.Request, device *Device) {
	var reading meter.Reading
	if err := json.NewDecoder(r.Body).Decode(&reading); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "malformed reading payload")
		return
	}
	if reading.DeviceID == "" {
		reading.DeviceID = device.DeviceID
	}
	if reading.DeviceID != device.DeviceID {
		h.writeError(w, r, http.StatusForbidden, "device_id does not match API key")
		return
	}
	if err := reading.Validate(); err != nil {
		h.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	events, err := h.ingestor.IngestReading(r.Context(), "http", &reading)
	if err != nil {
		switch {
		case errors.Is(err, evaluator.ErrStaleReading):
			h.writeError(w, r, http.StatusConflict, err.Error())
		case errors.Is(err, evaluator.ErrNonMonotonicReading):
			h.writeError(w, r, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, evaluator.ErrUnknownDevice):
			h.writeError(w, r, http.StatusNotFound, err.Error())
		case errors.Is(err, evaluator.ErrInvalidReading):
			h.writeError(w, r, http.StatusBadRequest, err.Error())
		default:
			h.logger.Error("failed to ingest reading",
				"device_id", reading.DeviceID,
				"error", err,
			)
			h.writeError(w, r, http.StatusInternalServerError, "failed to process reading")
		}
		return
	}

	h.writeJSON(w, r, http.StatusCreated, map[string]interface{}{
		"status": "accepted",
		"events": len(events),
	})
}

func (h *APIHandler) handleListDevices(w http.ResponseWriter, r *http.Request) {
	var devices []Device
	if err := h.db.WithContext(r.Context()).Order("device_id").Find(&devices).Error; err != nil {
		h.logger.Error("failed to fetch devices", "error", err)
		h.writeError(w, r, http.StatusInternalServerError, "failed to fetch devices")
		return
	}

	out := make([]map[string]interface{}, len(devices))
	for i, d := range devices {
		out[i] = deviceJSON(&d)
	}
	h.writeJSON(w, r, http.StatusOK, map[string]interface{}{"devices": out})
}

func (h *APIHandler) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	var device Device
	err := h.db.WithContext(r.Context()).Where("device_id = ?", deviceID).First(&device).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			h.writeError(w, r, http.StatusNotFound, "device not found")
			return
		}
		h.logger.Error("failed to fetch device", "device_id", deviceID, "error", err)
		h.writeError(w, r, http.StatusInternalServerError, "failed to fetch device")
		return
	}

	h.writeJSON(w, r, http.StatusOK, deviceJSON(&device))
}

// handleListReadings returns a device's readings, newest first, with
// page-token pagination.
func (h *APIHandler) handleListReadings(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	offset := 0
	if token := r.URL.Query().Get("page_token"); token != "" {
		var err error
		offset, err = strconv.Atoi(token)
		if err != nil || offset < 0 {
			h.writeError(w, r, http.StatusBadRequest, "invalid page_token")
			return
		}
	}

	var readings []MeterReading
	query := h.db.WithContext(r.Context()).
		Where("device_id = ?", deviceID).
		Order("timestamp DESC").
		Limit(readingsPageSize + 1). // Fetch one extra to detect a next page
		Offset(offset)

	if err := query.Find(&readings).Error; err != nil {
		h.logger.Error("failed to fetch readings", "device_id", deviceID, "error", err)
		h.writeError(w, r, http.StatusInternalServerError, "failed to fetch readings")
		return
	}

	nextPageToken := ""
	if len(readings) > readingsPageSize {
		readings = readings[:readingsPageSize]
		nextPageToken = strconv.Itoa(offset + readingsPageSize)
	}

	out := make([]map[string]interface{}, len(readings))
	for i, rr := range readings {
		out[i] = map[string]interface{}{
			"device_id":         rr.DeviceID,
			"timestamp":         rr.Timestamp,
			"flow_rate":         rr.FlowRate,
			"total_consumption": rr.TotalLiters,
			"pulse_count":       rr.PulseCount,
			"delta":             rr.Delta,
		}
	}
	h.writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"readings":        out,
		"next_page_token": nextPageToken,
	})
}

func (h *APIHandler) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	query := h.db.WithContext(r.Context()).Order("opened_at DESC")
	if resolved := r.URL.Query().Get("resolved"); resolved != "" {
		query = query.Where("is_resolved = ?", resolved == "true")
	}
	if deviceID := r.URL.Query().Get("device_id"); deviceID != "" {
		query = query.Where("device_id = ?", deviceID)
	}

	var alerts []Alert
	if err := query.Find(&alerts).Error; err != nil {
		h.logger.Error("failed to fetch alerts", "error", err)
		h.writeError(w, r, http.StatusInternalServerError, "failed to fetch alerts")
		return
	}

	out := make([]map[string]interface{}, len(alerts))
	for i, a := range alerts {
		out[i] = alertJSON(&a)
	}
	h.writeJSON(w, r, http.StatusOK, map[string]interface{}{"alerts": out})
}

// handleResolveAlert marks an open alert as resolved by an operator.
func (h *APIHandler) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	alertUID := chi.URLParam(r, "alertUID")

	var body struct {
		ResolvedBy string `json:"resolved_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "malformed request body")
		return
	}
	if body.ResolvedBy == "" {
		h.writeError(w, r, http.StatusBadRequest, "resolved_by is required")
		return
	}

	var row Alert
	err := h.db.WithContext(r.Context()).Where("alert_uid = ?", alertUID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			h.writeError(w, r, http.StatusNotFound, "alert not found")
			return
		}
		h.logger.Error("failed to fetch alert", "alert_uid", alertUID, "error", err)
		h.writeError(w, r, http.StatusInternalServerError, "failed to fetch alert")
		return
	}
	if row.IsResolved {
		h.writeError(w, r, http.StatusConflict, "alert already resolved")
		return
	}

	resolved, err := h.eval.Resolve(row.DeviceID, evaluator.AlertKind(row.Kind), body.ResolvedBy)
	if err != nil {
		if errors.Is(err, evaluator.ErrNoOpenAlert) {
			h.writeError(w, r, http.StatusConflict, "alert is not open")
			return
		}
		h.logger.Error("failed to resolve alert", "alert_uid", alertUID, "error", err)
		h.writeError(w, r, http.StatusInternalServerError, "failed to resolve alert")
		return
	}

	updates := map[string]interface{}{
		"is_resolved": true,
		"resolved_at": resolved.ResolvedAt,
		"resolved_by": resolved.ResolvedBy,
	}
	if err := h.db.WithContext(r.Context()).Model(&Alert{}).
		Where("alert_uid = ?", alertUID).
		Updates(updates).Error; err != nil {
		h.logger.Error("failed to persist alert resolution", "alert_uid", alertUID, "error", err)
		h.writeError(w, r, http.StatusInternalServerError, "failed to persist resolution")
		return
	}

	if h.metrics != nil {
		h.metrics.AlertsClosed.WithLabelValues(row.Kind).Inc()
		h.metrics.OpenAlerts.WithLabelValues(row.Kind).Dec()
	}

	row.IsResolved = true
	row.ResolvedAt = resolved.ResolvedAt
	row.ResolvedBy = resolved.ResolvedBy
	h.writeJSON(w, r, http.StatusOK, alertJSON(&row))
}

func (h *APIHandler) handleListBills(w http.ResponseWriter, r *http.Request) {
	query := h.db.WithContext(r.Context()).Order("period_start DESC")
	if deviceID := r.URL.Query().Get("device_id"); deviceID != "" {
		query = query.Where("device_id = ?", deviceID)
	}

	var bills []BillLine
	if err := query.Find(&bills).Error; err != nil {
		h.logger.Error("failed to fetch bills", "error", err)
		h.writeError(w, r, http.StatusInternalServerError, "failed to fetch bills")
		return
	}

	out := make([]map[string]interface{}, len(bills))
	for i, b := range bills {
		out[i] = map[string]interface{}{
			"device_id":      b.DeviceID,
			"period_start":   b.PeriodStart,
			"period_end":     b.PeriodEnd,
			"liters":         b.Liters,
			"rate_per_liter": b.RatePerLiter,
			"cost":           b.Cost,
			"generated_at":   b.GeneratedAt,
		}
	}
	h.writeJSON(w, r, http.StatusOK, map[string]interface{}{"bills": out})
}

// handleDashboard aggregates the summary the dashboard polls: device counts,
// today's and this month's consumption, open alert count and recent activity.
func (h *APIHandler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := time.Now().UTC()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	startOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	var totalDevices, activeDevices int64
	if err := h.db.WithContext(ctx).Model(&Device{}).Count(&totalDevices).Error; err != nil {
		h.logger.Error("failed to count devices", "error", err)
		h.writeError(w, r, http.StatusInternalServerError, "failed to build dashboard")
		return
	}
	if err := h.db.WithContext(ctx).Model(&Device{}).
		Where("is_active = ?", true).Count(&activeDevices).Error; err != nil {
		h.logger.Error("failed to count active devices", "error", err)
		h.writeError(w, r, http.StatusInternalServerError, "failed to build dashboard")
		return
	}

	todayLiters, err := h.sumDelta(r, startOfDay)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, "failed to build dashboard")
		return
	}
	monthLiters, err := h.sumDelta(r, startOfMonth)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, "failed to build dashboard")
		return
	}

	var openAlerts int64
	if err := h.db.WithContext(ctx).Model(&Alert{}).
		Where("is_resolved = ?", false).Count(&openAlerts).Error; err != nil {
		h.logger.Error("failed to count open alerts", "error", err)
		h.writeError(w, r, http.StatusInternalServerError, "failed to build dashboard")
		return
	}

	var recentAlerts []Alert
	if err := h.db.WithContext(ctx).Order("opened_at DESC").Limit(5).Find(&recentAlerts).Error; err != nil {
		h.logger.Error("failed to fetch recent alerts", "error", err)
		h.writeError(w, r, http.StatusInternalServerError, "failed to build dashboard")
		return
	}
	alerts := make([]map[string]interface{}, len(recentAlerts))
	for i, a := range recentAlerts {
		alerts[i] = alertJSON(&a)
	}

	h.writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"total_devices":          totalDevices,
		"active_devices":         activeDevices,
		"consumption_today":      todayLiters,
		"consumption_this_month": monthLiters,
		"open_alerts":            openAlerts,
		"recent_alerts":          alerts,
	})
}

func (h *APIHandler) sumDelta(r *http.Request, since time.Time) (float64, error) {
	var total float64
	err := h.db.WithContext(r.Context()).Model(&MeterReading{}).
		Where("timestamp >= ?", since).
		Select("COALESCE(SUM(delta), 0)").
		Scan(&total).Error
	if err != nil {
		h.logger.Error("failed to sum consumption", "error", err)
		return 0, err
	}
	return total, nil
}

func (h *APIHandler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := h.db.DB()
	if err != nil || sqlDB.PingContext(r.Context()) != nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// observeRequests records request metrics once the handler finishes. The
// route label is the chi pattern, not the raw path, to bound cardinality;
// the status label is the response code actually written.
func (h *APIHandler) observeRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		h.metrics.HTTPRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		h.metrics.HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
	})
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, r *http.Request, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response",
			"path", r.URL.Path,
			"error", err,
		)
	}
}

func (h *APIHandler) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	h.writeJSON(w, r, status, map[string]string{"error": msg})
}

func deviceJSON(d *Device) map[string]interface{} {
	return map[string]interface{}{
		"device_id":         d.DeviceID,
		"name":              d.Name,
		"location":          d.Location,
		"is_active":         d.IsActive,
		"installation_date": d.InstallationDate,
		"last_seen":         d.LastSeen,
		"pulse_rate":        d.PulseRate,
		"total_consumption": d.TotalLiters,
		"pulse_count":       d.PulseCount,
	}
}

func alertJSON(a *Alert) map[string]interface{} {
	return map[string]interface{}{
		"alert_id":    a.AlertUID,
		"device_id":   a.DeviceID,
		"kind":        a.Kind,
		"severity":    a.Severity,
		"message":     a.Message,
		"value":       a.Value,
		"threshold":   a.Threshold,
		"opened_at":   a.OpenedAt,
		"is_resolved": a.IsResolved,
		"resolved_at": a.ResolvedAt,
		"resolved_by": a.ResolvedBy,
		"auto_closed": a.AutoClosed,
	}
}
