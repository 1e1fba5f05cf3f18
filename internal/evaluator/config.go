package evaluator

import (
	"time"
)

// Cycle is the billing period granularity.
type Cycle string

const (
	CycleWeekly  Cycle = "weekly"
	CycleMonthly Cycle = "monthly"
)

// Tier is one progressive pricing band. Consumption up to UpToLiters
// (counted from the top of the previous tier) is charged at RatePerLiter.
// The last tier may set UpToLiters to zero for an unbounded band.
type Tier struct {
	UpToLiters   float64
	RatePerLiter float64
}

// Config holds the evaluator thresholds and billing parameters. All
// durations and thresholds must be positive; Validate rejects anything else
// before the evaluator accepts its first reading.
type Config struct {
	// LeakThreshold is the sustained flow rate, in liters per hour, above
	// which continuous flow is treated as a leak.
	LeakThreshold float64
	// ContinuousFlowFor is how long flow must remain continuously above zero
	// before a leak alert can open.
	ContinuousFlowFor time.Duration
	// LeakCooldown is how long flow must stay at zero or under the threshold
	// before an open leak alert auto-closes.
	LeakCooldown time.Duration

	// ExcessiveUsageThreshold is the rolling 24-hour consumption, in liters,
	// above which an excessive-usage alert opens.
	ExcessiveUsageThreshold float64

	// OfflineAfter is the silence gap after which the sweep opens a
	// device-offline alert.
	OfflineAfter time.Duration

	// RatePerLiter is the base water price.
	RatePerLiter float64
	// BillingCycle selects weekly or monthly bill periods.
	BillingCycle Cycle
	// Tiers optionally replaces the flat rate with progressive bands.
	Tiers []Tier
	// TaxRate and DiscountRate are fractional adjustments applied after the
	// tiered amount, in that order.
	TaxRate      float64
	DiscountRate float64

	// StrictRegistration rejects readings from devices that were never
	// registered instead of creating state on first contact.
	StrictRegistration bool

	// Now is the evaluator's clock, used only by tests. Defaults to time.Now.
	Now func() time.Time
}

// Validate checks the configuration for values the evaluator cannot operate
// with. It returns a ConfigurationError naming the first offending field.
func (c *Config) Validate() error {
	if c.LeakThreshold <= 0 {
		return &ConfigurationError{Field: "LeakThreshold", Reason: "must be positive"}
	}
	if c.ContinuousFlowFor <= 0 {
		return &ConfigurationError{Field: "ContinuousFlowFor", Reason: "must be positive"}
	}
	if c.LeakCooldown <= 0 {
		return &ConfigurationError{Field: "LeakCooldown", Reason: "must be positive"}
	}
	if c.ExcessiveUsageThreshold <= 0 {
		return &ConfigurationError{Field: "ExcessiveUsageThreshold", Reason: "must be positive"}
	}
	if c.OfflineAfter <= 0 {
		return &ConfigurationError{Field: "OfflineAfter", Reason: "must be positive"}
	}
	if c.RatePerLiter < 0 {
		return &ConfigurationError{Field: "RatePerLiter", Reason: "must not be negative"}
	}
	if c.BillingCycle != CycleWeekly && c.BillingCycle != CycleMonthly {
		return &ConfigurationError{Field: "BillingCycle", Reason: "must be weekly or monthly"}
	}
	if c.TaxRate < 0 {
		return &ConfigurationError{Field: "TaxRate", Reason: "must not be negative"}
	}
	if c.DiscountRate < 0 || c.DiscountRate > 1 {
		return &ConfigurationError{Field: "DiscountRate", Reason: "must be between 0 and 1"}
	}
	prev := 0.0
	for i, t := range c.Tiers {
		if t.RatePerLiter < 0 {
			return &ConfigurationError{Field: "Tiers", Reason: "tier rate must not be negative"}
		}
		last := i == len(c.Tiers)-1
		if t.UpToLiters == 0 && !last {
			return &ConfigurationError{Field: "Tiers", Reason: "only the last tier may be unbounded"}
		}
		if t.UpToLiters != 0 && t.UpToLiters <= prev {
			return &ConfigurationError{Field: "Tiers", Reason: "tier bounds must be increasing"}
		}
		if t.UpToLiters != 0 {
			prev = t.UpToLiters
		}
	}
	return nil
}

func (c *Config) clock() func() time.Time {
	if c.Now != nil {
		return c.Now
	}
	return time.Now
}
