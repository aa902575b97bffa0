/*
Package generic provides the billing-agnostic primitives of the retainer engine.

PURPOSE:
  This package contains domain-agnostic types and pure functions used by
  the retainer domain: decimal quantities (hours, money), calendar dates,
  billing intervals and cadences, rollover rules, tax math and the error
  taxonomy. Nothing in here performs I/O.

KEY CONCEPTS IN THIS FILE (types.go):
  - Hours and money are decimal.Decimal, never float64
  - Rounding is always 2 decimal places, half-up
  - Durations arrive as minutes and are converted to hours once

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal to avoid floating-point errors
  2. Purity: Every function here is deterministic and side-effect free
  3. Totality: Helpers never panic on zero or negative input

USAGE:
  consumed := generic.MinutesToHours(180)            // 3.00
  pct := generic.Percent(consumed, generic.Hours(4)) // 75
  unused := generic.UnusedHours(allocated, consumed)

SEE ALSO:
  - time.go: Date arithmetic
  - period.go: Interval and Frequency
  - policy.go: Rollover policies
  - tax.go: Line tax computation
*/
package generic

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// DECIMAL HELPERS
// =============================================================================

// MoneyScale is the number of decimal places kept for hours and money.
const MoneyScale = 2

var (
	hundred      = decimal.NewFromInt(100)
	minutesPerHr = decimal.NewFromInt(60)
)

// Hours builds an hour quantity from a float literal. Intended for tests and
// configuration defaults; stored values are parsed with ParseDecimal.
func Hours(value float64) decimal.Decimal {
	return decimal.NewFromFloat(value)
}

// ParseDecimal parses a decimal string, returning an error for bad input.
func ParseDecimal(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}

// Round2 rounds half-up (away from zero) to two decimal places.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyScale)
}

// MinutesToHours converts a duration in minutes to hours, rounded to 2 dp.
func MinutesToHours(minutes int64) decimal.Decimal {
	return decimal.NewFromInt(minutes).DivRound(minutesPerHr, MoneyScale)
}

// MaxZero clamps negative values to zero.
func MaxZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// UnusedHours is max(allocated - consumed, 0).
func UnusedHours(allocated, consumed decimal.Decimal) decimal.Decimal {
	return MaxZero(allocated.Sub(consumed))
}

// OverageHours is max(consumed - allocated, 0).
func OverageHours(allocated, consumed decimal.Decimal) decimal.Decimal {
	return MaxZero(consumed.Sub(allocated))
}

// Percent returns part/whole*100 rounded to 2 dp. A zero or negative whole
// yields zero.
func Percent(part, whole decimal.Decimal) decimal.Decimal {
	if !whole.IsPositive() {
		return decimal.Zero
	}
	return part.Mul(hundred).DivRound(whole, MoneyScale)
}

// DecimalPtr returns a pointer to a copy of d.
func DecimalPtr(d decimal.Decimal) *decimal.Decimal {
	return &d
}
