package backend_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"

	"procodus.dev/watermeter/internal/backend"
	"procodus.dev/watermeter/internal/evaluator"
	"procodus.dev/watermeter/internal/notify"
	"procodus.dev/watermeter/pkg/meter"
)

var _ = Describe("Ingestor", func() {
	var (
		ctx      context.Context
		db       *gorm.DB
		eval     *evaluator.Evaluator
		recorder *notify.Recorder
		ingestor *backend.Ingestor
		t0       time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()
		db = openTestDB()
		recorder = &notify.Recorder{}
		t0 = time.Date(2026, 6, 15, 8, 0, 0, 0, time.UTC)

		var err error
		eval, err = evaluator.New(testEvalConfig())
		Expect(err).NotTo(HaveOccurred())

		ingestor, err = backend.NewIngestor(testLogger(), db, eval, recorder, nil)
		Expect(err).NotTo(HaveOccurred())

		Expect(db.Create(&backend.Device{
			DeviceID:  "meter-001",
			Name:      "Test meter",
			Location:  "Lab",
			APIKey:    "key-123",
			IsActive:  true,
			PulseRate: 450,
		}).Error).To(Succeed())
	})

	reading := func(ts time.Time, flow, total float64) *meter.Reading {
		return &meter.Reading{
			DeviceID:    "meter-001",
			Timestamp:   ts,
			FlowRate:    flow,
			TotalLiters: total,
			PulseCount:  int64(total * 450),
		}
	}

	Describe("IngestReading", func() {
		It("should persist the reading and roll the device counters", func() {
			_, err := ingestor.IngestReading(ctx, "test", reading(t0, 0, 100))
			Expect(err).NotTo(HaveOccurred())
			_, err = ingestor.IngestReading(ctx, "test", reading(t0.Add(time.Minute), 0, 102.5))
			Expect(err).NotTo(HaveOccurred())

			var rows []backend.MeterReading
			Expect(db.Order("timestamp").Find(&rows).Error).To(Succeed())
			Expect(rows).To(HaveLen(2))
			Expect(rows[0].Delta).To(Equal(0.0))
			Expect(rows[1].Delta).To(Equal(2.5))

			var device backend.Device
			Expect(db.Where("device_id = ?", "meter-001").First(&device).Error).To(Succeed())
			Expect(device.TotalLiters).To(Equal(102.5))
			Expect(device.PulseCount).To(Equal(int64(102.5 * 450)))
			Expect(device.LastSeen).To(Equal(t0.Add(time.Minute)))
		})

		It("should not persist a rejected reading", func() {
			_, err := ingestor.IngestReading(ctx, "test", reading(t0, 0, 100))
			Expect(err).NotTo(HaveOccurred())

			_, err = ingestor.IngestReading(ctx, "test", reading(t0.Add(-time.Minute), 0, 101))
			Expect(errors.Is(err, evaluator.ErrStaleReading)).To(BeTrue())

			var count int64
			Expect(db.Model(&backend.MeterReading{}).Count(&count).Error).To(Succeed())
			Expect(count).To(Equal(int64(1)))
		})

		It("should not duplicate the reading row on a replay", func() {
			_, err := ingestor.IngestReading(ctx, "test", reading(t0, 0, 100))
			Expect(err).NotTo(HaveOccurred())
			_, err = ingestor.IngestReading(ctx, "test", reading(t0, 0, 100))
			Expect(err).NotTo(HaveOccurred())

			var count int64
			Expect(db.Model(&backend.MeterReading{}).Count(&count).Error).To(Succeed())
			Expect(count).To(Equal(int64(1)))
		})

		It("should persist opened alerts and notify", func() {
			for i := 0; i <= 12; i++ {
				ts := t0.Add(time.Duration(i) * time.Minute)
				_, err := ingestor.IngestReading(ctx, "test", reading(ts, 1.0, 100+float64(i)))
				Expect(err).NotTo(HaveOccurred())
			}

			var alerts []backend.Alert
			Expect(db.Find(&alerts).Error).To(Succeed())
			Expect(alerts).To(HaveLen(1))
			Expect(alerts[0].Kind).To(Equal("leak"))
			Expect(alerts[0].Severity).To(Equal("high"))
			Expect(alerts[0].IsResolved).To(BeFalse())
			Expect(alerts[0].AlertUID).NotTo(BeEmpty())

			Expect(recorder.OpenedCount()).To(Equal(1))
		})

		It("should mark auto-closed alerts resolved", func() {
			for i := 0; i <= 12; i++ {
				ts := t0.Add(time.Duration(i) * time.Minute)
				_, err := ingestor.IngestReading(ctx, "test", reading(ts, 1.0, 100+float64(i)))
				Expect(err).NotTo(HaveOccurred())
			}

			stop := t0.Add(13 * time.Minute)
			_, err := ingestor.IngestReading(ctx, "test", reading(stop, 0, 113))
			Expect(err).NotTo(HaveOccurred())
			_, err = ingestor.IngestReading(ctx, "test", reading(stop.Add(5*time.Minute), 0, 113))
			Expect(err).NotTo(HaveOccurred())

			var alert backend.Alert
			Expect(db.Where("kind = ?", "leak").First(&alert).Error).To(Succeed())
			Expect(alert.IsResolved).To(BeTrue())
			Expect(alert.AutoClosed).To(BeTrue())
			Expect(alert.ResolvedAt).NotTo(BeNil())

			Expect(recorder.ClosedCount()).To(Equal(1))
		})

		It("should not double-count deltas under concurrent ingestion", func() {
			const readings = 20

			var wg sync.WaitGroup
			for n := 0; n < readings; n++ {
				wg.Add(1)
				go func(n int) {
					defer wg.Done()
					defer GinkgoRecover()
					r := reading(t0.Add(time.Duration(n)*time.Second), 0, 100+float64(n)*2.5)
					_, err := ingestor.IngestReading(ctx, "test", r)
					// Scheduling can deliver a later reading first; the
					// earlier one is then rejected as stale.
					if err != nil {
						Expect(errors.Is(err, evaluator.ErrStaleReading)).To(BeTrue())
					}
				}(n)
			}
			wg.Wait()

			var rows []backend.MeterReading
			Expect(db.Order("timestamp").Find(&rows).Error).To(Succeed())
			Expect(rows).NotTo(BeEmpty())

			// Accepted totals are strictly increasing, so the persisted deltas
			// must sum to the span they cover. Double-counting breaks this.
			sum := 0.0
			for _, row := range rows {
				sum += row.Delta
			}
			span := rows[len(rows)-1].TotalLiters - rows[0].TotalLiters
			Expect(sum).To(BeNumerically("~", span, 1e-9))

			var device backend.Device
			Expect(db.Where("device_id = ?", "meter-001").First(&device).Error).To(Succeed())
			Expect(device.TotalLiters).To(Equal(rows[len(rows)-1].TotalLiters))
		})

		It("should persist bill lines exactly once per period", func() {
			_, err := ingestor.IngestReading(ctx, "test",
				reading(time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC), 0, 100))
			Expect(err).NotTo(HaveOccurred())
			_, err = ingestor.IngestReading(ctx, "test",
				reading(time.Date(2026, 1, 31, 8, 0, 0, 0, time.UTC), 0, 1100))
			Expect(err).NotTo(HaveOccurred())

			events, err := ingestor.IngestReading(ctx, "test",
				reading(time.Date(2026, 2, 2, 8, 0, 0, 0, time.UTC), 0, 1100))
			Expect(err).NotTo(HaveOccurred())

			var lines []backend.BillLine
			Expect(db.Find(&lines).Error).To(Succeed())
			Expect(lines).To(HaveLen(1))
			Expect(lines[0].Liters).To(Equal(1000.0))
			Expect(lines[0].Cost).To(Equal(2.00))

			// Redelivery applies the same events again without double-billing.
			Expect(ingestor.ApplyEvents(ctx, events)).To(Succeed())
			Expect(db.Find(&lines).Error).To(Succeed())
			Expect(lines).To(HaveLen(1))
		})
	})
})
