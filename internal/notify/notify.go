// Package notify dispatches alert events to external notification channels.
// Email/SMS fan-out lives behind whatever receives the webhook; this package
// only guarantees time-bounded, circuit-broken delivery to that endpoint.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"procodus.dev/watermeter/internal/evaluator"
)

// Notifier receives alert lifecycle events.
type Notifier interface {
	AlertOpened(ctx context.Context, a evaluator.Alert) error
	AlertClosed(ctx context.Context, a evaluator.Alert) error
}

// Noop discards all notifications. Used when no webhook is configured.
type Noop struct{}

func (Noop) AlertOpened(context.Context, evaluator.Alert) error { return nil }
func (Noop) AlertClosed(context.Context, evaluator.Alert) error { return nil }

// WebhookConfig configures a Webhook notifier.
type WebhookConfig struct {
	Logger *slog.Logger
	// URL is the endpoint alerts are POSTed to.
	URL string
	// Timeout bounds each HTTP attempt.
	Timeout time.Duration
	// MaxElapsed bounds the total retry budget per notification.
	MaxElapsed time.Duration
}

// Webhook posts alert events as JSON. Failed deliveries retry with
// exponential backoff; a circuit breaker sheds load while the receiver is
// down so ingestion never stalls behind a dead endpoint.
type Webhook struct {
	logger  *slog.Logger
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	maxWait time.Duration
}

// alertPayload is the webhook wire format.
type alertPayload struct {
	Event     string     `json:"event"`
	AlertID   string     `json:"alert_id"`
	Kind      string     `json:"kind"`
	DeviceID  string     `json:"device_id"`
	Severity  string     `json:"severity"`
	Message   string     `json:"message"`
	Value     float64    `json:"value"`
	Threshold float64    `json:"threshold"`
	OpenedAt  time.Time  `json:"opened_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

// NewWebhook creates a webhook notifier.
func NewWebhook(cfg *WebhookConfig) (*Webhook, error) {
	if cfg == nil {
		return nil, errors.New("webhook config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.URL == "" {
		return nil, errors.New("webhook URL cannot be empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	maxWait := cfg.MaxElapsed
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "alert-webhook",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cfg.Logger.Warn("webhook breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &Webhook{
		logger:  cfg.Logger,
		url:     cfg.URL,
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
		maxWait: maxWait,
	}, nil
}

// AlertOpened delivers an alert-opened notification.
func (w *Webhook) AlertOpened(ctx context.Context, a evaluator.Alert) error {
	return w.deliver(ctx, "alert_opened", a)
}

// AlertClosed delivers an alert-closed notification.
func (w *Webhook) AlertClosed(ctx context.Context, a evaluator.Alert) error {
	return w.deliver(ctx, "alert_closed", a)
}

func (w *Webhook) deliver(ctx context.Context, event string, a evaluator.Alert) error {
	payload := alertPayload{
		Event:     event,
		AlertID:   a.ID,
		Kind:      string(a.Kind),
		DeviceID:  a.DeviceID,
		Severity:  string(a.Severity),
		Message:   a.Message,
		Value:     a.Value,
		Threshold: a.Threshold,
		OpenedAt:  a.OpenedAt,
		ClosedAt:  a.ResolvedAt,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal alert payload: %w", err)
	}

	policy := backoff.WithContext(newPolicy(w.maxWait), ctx)
	operation := func() error {
		_, err := w.breaker.Execute(func() (any, error) {
			return nil, w.post(ctx, body)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// No point retrying while the breaker sheds load.
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(operation, policy); err != nil {
		w.logger.Error("alert notification failed",
			"alert_id", a.ID,
			"device_id", a.DeviceID,
			"event", event,
			"error", err,
		)
		return err
	}

	w.logger.Debug("alert notification delivered",
		"alert_id", a.ID,
		"device_id", a.DeviceID,
		"event", event,
	)
	return nil
}

func (w *Webhook) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func newPolicy(maxElapsed time.Duration) backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = maxElapsed
	return policy
}
