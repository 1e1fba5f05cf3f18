package backend

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/watermeter/internal/backend"
	"procodus.dev/watermeter/pkg/meter"
)

var _ = Describe("Database E2E", func() {
	It("should migrate all tables on startup", func() {
		for _, table := range []string{"devices", "meter_readings", "alerts", "bill_lines"} {
			Expect(testDB.Migrator().HasTable(table)).To(BeTrue(),
				"table %s should exist", table)
		}
	})

	It("should persist announced devices with a generated API key", func() {
		ctx := context.Background()
		deviceID := "e2e-meter-200"

		announceDevice(ctx, deviceID)

		var device backend.Device
		Expect(testDB.Where("device_id = ?", deviceID).First(&device).Error).To(Succeed())
		Expect(device.APIKey).NotTo(BeEmpty())
		Expect(device.IsActive).To(BeTrue())
		Expect(device.PulseRate).To(Equal(450.0))
	})

	It("should keep the API key stable across repeated announcements", func() {
		ctx := context.Background()
		deviceID := "e2e-meter-201"

		announceDevice(ctx, deviceID)
		keyBefore := apiKeyFor(deviceID)

		announceDevice(ctx, deviceID)

		Consistently(func() string {
			return apiKeyFor(deviceID)
		}, 3*time.Second, time.Second).Should(Equal(keyBefore))
	})

	It("should store readings with a precomputed consumption delta", func() {
		ctx := context.Background()
		deviceID := "e2e-meter-202"

		announceDevice(ctx, deviceID)

		now := time.Now().UTC()
		totals := []float64{100, 102.5, 110}
		for i, total := range totals {
			reading := meter.Reading{
				DeviceID:    deviceID,
				Timestamp:   now.Add(time.Duration(i) * time.Minute),
				FlowRate:    0.5,
				TotalLiters: total,
				PulseCount:  int64(total * 450),
			}
			Expect(publishJSON(ctx, readingQueueName, reading)).To(Succeed())
		}

		var rows []backend.MeterReading
		Eventually(func() int {
			rows = nil
			_ = testDB.Where("device_id = ?", deviceID).Order("timestamp").Find(&rows).Error
			return len(rows)
		}, 20*time.Second, 500*time.Millisecond).Should(Equal(3))

		Expect(rows[0].Delta).To(Equal(0.0)) // First contact has no previous total
		Expect(rows[1].Delta).To(Equal(2.5))
		Expect(rows[2].Delta).To(Equal(7.5))
	})
})
