package backend_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/watermeter/internal/backend"
)

var _ = Describe("Database", func() {
	Describe("NewDB", func() {
		Context("with invalid configuration", func() {
			It("should return error when config is nil", func() {
				db, err := backend.NewDB(nil)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("config cannot be nil"))
				Expect(db).To(BeNil())
			})

			It("should return error when logger is nil", func() {
				config := &backend.DBConfig{
					Logger:   nil,
					Host:     "localhost",
					Port:     5432,
					User:     "test",
					Password: "password",
					DBName:   "testdb",
					SSLMode:  "disable",
				}

				db, err := backend.NewDB(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("logger"))
				Expect(db).To(BeNil())
			})
		})
	})

	Describe("Migrate", func() {
		It("should create all tables", func() {
			db := openTestDB()

			for _, table := range []string{"devices", "meter_readings", "alerts", "bill_lines"} {
				Expect(db.Migrator().HasTable(table)).To(BeTrue(), table)
			}
		})
	})

	Describe("CloseDB", func() {
		It("should accept a nil database", func() {
			Expect(backend.CloseDB(nil, testLogger())).To(Succeed())
		})

		It("should close an open database", func() {
			db := openTestDB()
			Expect(backend.CloseDB(db, testLogger())).To(Succeed())
		})
	})
})
