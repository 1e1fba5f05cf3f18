package notify_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/watermeter/internal/evaluator"
	"procodus.dev/watermeter/internal/notify"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

var _ = Describe("Webhook", func() {
	var alert evaluator.Alert

	BeforeEach(func() {
		alert = evaluator.Alert{
			ID:        "alert-1",
			Kind:      evaluator.AlertLeak,
			DeviceID:  "meter-001",
			Severity:  evaluator.SeverityHigh,
			Message:   "Potential leak",
			Value:     60,
			Threshold: 50,
			OpenedAt:  time.Date(2026, 6, 15, 8, 0, 0, 0, time.UTC),
		}
	})

	newWebhook := func(url string) *notify.Webhook {
		webhook, err := notify.NewWebhook(&notify.WebhookConfig{
			Logger:     testLogger(),
			URL:        url,
			Timeout:    time.Second,
			MaxElapsed: 2 * time.Second,
		})
		Expect(err).NotTo(HaveOccurred())
		return webhook
	}

	Describe("NewWebhook", func() {
		It("should return error when config is nil", func() {
			webhook, err := notify.NewWebhook(nil)
			Expect(err).To(HaveOccurred())
			Expect(webhook).To(BeNil())
		})

		It("should return error when logger is nil", func() {
			webhook, err := notify.NewWebhook(&notify.WebhookConfig{URL: "http://example.com"})
			Expect(err).To(HaveOccurred())
			Expect(webhook).To(BeNil())
		})

		It("should return error when URL is empty", func() {
			webhook, err := notify.NewWebhook(&notify.WebhookConfig{Logger: testLogger()})
			Expect(err).To(HaveOccurred())
			Expect(webhook).To(BeNil())
		})
	})

	Describe("AlertOpened", func() {
		It("should POST the alert as JSON", func() {
			var received map[string]interface{}
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				Expect(r.Method).To(Equal(http.MethodPost))
				Expect(r.Header.Get("Content-Type")).To(Equal("application/json"))
				Expect(json.NewDecoder(r.Body).Decode(&received)).To(Succeed())
				w.WriteHeader(http.StatusOK)
			}))
			defer server.Close()

			webhook := newWebhook(server.URL)
			Expect(webhook.AlertOpened(context.Background(), alert)).To(Succeed())

			Expect(received["event"]).To(Equal("alert_opened"))
			Expect(received["alert_id"]).To(Equal("alert-1"))
			Expect(received["kind"]).To(Equal("leak"))
			Expect(received["device_id"]).To(Equal("meter-001"))
			Expect(received["severity"]).To(Equal("high"))
			Expect(received["value"]).To(Equal(60.0))
		})

		It("should retry transient failures", func() {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if calls.Add(1) < 3 {
					w.WriteHeader(http.StatusInternalServerError)
					return
				}
				w.WriteHeader(http.StatusOK)
			}))
			defer server.Close()

			webhook := newWebhook(server.URL)
			Expect(webhook.AlertOpened(context.Background(), alert)).To(Succeed())
			Expect(calls.Load()).To(Equal(int32(3)))
		})

		It("should give up when the retry budget is exhausted", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			}))
			defer server.Close()

			webhook := newWebhook(server.URL)
			Expect(webhook.AlertOpened(context.Background(), alert)).To(HaveOccurred())
		})

		It("should stop retrying once the breaker opens", func() {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(http.StatusInternalServerError)
			}))
			defer server.Close()

			webhook := newWebhook(server.URL)
			for i := 0; i < 3; i++ {
				_ = webhook.AlertOpened(context.Background(), alert)
			}
			tripped := calls.Load()

			// The breaker is open now; further notifications fail fast
			// without reaching the endpoint.
			Expect(webhook.AlertOpened(context.Background(), alert)).To(HaveOccurred())
			Expect(calls.Load()).To(Equal(tripped))
		})
	})

	Describe("AlertClosed", func() {
		It("should include the close timestamp", func() {
			var received map[string]interface{}
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				Expect(json.NewDecoder(r.Body).Decode(&received)).To(Succeed())
				w.WriteHeader(http.StatusOK)
			}))
			defer server.Close()

			closedAt := alert.OpenedAt.Add(time.Hour)
			alert.ResolvedAt = &closedAt
			alert.AutoClosed = true

			webhook := newWebhook(server.URL)
			Expect(webhook.AlertClosed(context.Background(), alert)).To(Succeed())

			Expect(received["event"]).To(Equal("alert_closed"))
			Expect(received["closed_at"]).NotTo(BeNil())
		})
	})
})

var _ = Describe("Noop", func() {
	It("should accept all notifications", func() {
		var n notify.Noop
		Expect(n.AlertOpened(context.Background(), evaluator.Alert{})).To(Succeed())
		Expect(n.AlertClosed(context.Background(), evaluator.Alert{})).To(Succeed())
	})
})

var _ = Describe("Recorder", func() {
	It("should record calls", func() {
		rec := &notify.Recorder{}
		Expect(rec.AlertOpened(context.Background(), evaluator.Alert{ID: "a"})).To(Succeed())
		Expect(rec.AlertClosed(context.Background(), evaluator.Alert{ID: "b"})).To(Succeed())

		Expect(rec.OpenedCount()).To(Equal(1))
		Expect(rec.ClosedCount()).To(Equal(1))
		Expect(rec.Opened[0].ID).To(Equal("a"))
		Expect(rec.Closed[0].ID).To(Equal("b"))
	})

	It("should return the configured error", func() {
		rec := &notify.Recorder{Err: context.Canceled}
		Expect(rec.AlertOpened(context.Background(), evaluator.Alert{})).To(MatchError(context.Canceled))
	})
})
