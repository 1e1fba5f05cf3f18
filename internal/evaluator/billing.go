package evaluator

import (
	"math"
	"time"
)

// periodStart returns the start of the billing period containing t.
// Weekly periods start at 00:00 UTC Monday, monthly periods at 00:00 UTC on
// the first of the month.
func periodStart(cycle Cycle, t time.Time) time.Time {
	t = t.UTC()
	if cycle == CycleWeekly {
		day := t.Truncate(24 * time.Hour)
		offset := (int(day.Weekday()) + 6) % 7 // days since Monday
		return day.AddDate(0, 0, -offset)
	}
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// nextBoundary returns the start of the period following the one that
// starts at boundary.
func nextBoundary(cycle Cycle, boundary time.Time) time.Time {
	if cycle == CycleWeekly {
		return boundary.AddDate(0, 0, 7)
	}
	return boundary.AddDate(0, 1, 0)
}

// rollBillingPeriod emits bill lines for every period boundary crossed
// between the device's current period and the period containing ts. The
// consumption observed since the last boundary lands on the first emitted
// line; periods with no readings produce zero-consumption lines. Called with
// st.mu held, before the reading is applied to the cumulative counters.
func (e *Evaluator) rollBillingPeriod(st *deviceState, ts time.Time) []Event {
	if !st.hasReading {
		return nil
	}
	target := periodStart(e.cfg.BillingCycle, ts)
	if !target.After(st.billStart) {
		return nil
	}

	var events []Event
	liters := st.totalLiters - st.billBase
	for st.billStart.Before(target) {
		end := nextBoundary(e.cfg.BillingCycle, st.billStart)
		line := &BillLine{
			DeviceID:     st.id,
			PeriodStart:  st.billStart,
			PeriodEnd:    end,
			Liters:       liters,
			RatePerLiter: e.cfg.RatePerLiter,
			Cost:         e.cfg.cost(liters),
		}
		events = append(events, Event{Type: EventBillLine, At: ts, BillLine: line})
		st.billStart = end
		liters = 0
	}
	st.billBase = st.totalLiters
	return events
}

// cost prices a period's consumption: base cost, then tiered adjustment,
// then tax, then discount, rounded to cents.
func (c *Config) cost(liters float64) float64 {
	amount := liters * c.RatePerLiter
	if len(c.Tiers) > 0 {
		amount = c.tieredAmount(liters)
	}
	amount += amount * c.TaxRate
	amount -= amount * c.DiscountRate
	return math.Round(amount*100) / 100
}

// tieredAmount charges consumption progressively across the configured
// bands. A zero UpToLiters on the last tier is unbounded.
func (c *Config) tieredAmount(liters float64) float64 {
	amount := 0.0
	prev := 0.0
	remaining := liters
	for _, tier := range c.Tiers {
		if remaining <= 0 {
			break
		}
		span := remaining
		if tier.UpToLiters > 0 {
			span = math.Min(remaining, tier.UpToLiters-prev)
			prev = tier.UpToLiters
		}
		amount += span * tier.RatePerLiter
		remaining -= span
	}
	if remaining > 0 && len(c.Tiers) > 0 {
		// Consumption beyond the last bounded tier is charged at its rate.
		amount += remaining * c.Tiers[len(c.Tiers)-1].RatePerLiter
	}
	return amount
}
