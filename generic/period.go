package generic

import "fmt"

// =============================================================================
// INTERVAL - Half-open billing window
// =============================================================================

// Interval is the billing window [Start, End). Consecutive billing cycles are
// contiguous: the next interval starts exactly where this one ends.
type Interval struct {
	Start Date
	End   Date
}

// Contains returns true if the date is within [Start, End).
func (i Interval) Contains(d Date) bool {
	return d.AfterOrEqual(i.Start) && d.Before(i.End)
}

// Days returns the number of days in the interval.
func (i Interval) Days() int {
	return DaysBetween(i.Start, i.End)
}

// EndedBy reports whether the interval is over as of the given day, which is
// the case once End <= today.
func (i Interval) EndedBy(today Date) bool {
	return i.End.BeforeOrEqual(today)
}

// Valid reports whether End is strictly after Start.
func (i Interval) Valid() bool {
	return i.End.After(i.Start)
}

// String returns a string representation of the interval.
func (i Interval) String() string {
	return "[" + i.Start.String() + ", " + i.End.String() + ")"
}

// =============================================================================
// FREQUENCY - Billing cadence
// =============================================================================

// Frequency defines how long one billing cycle lasts.
type Frequency string

const (
	FrequencyWeekly       Frequency = "WEEKLY"        // +7 days
	FrequencyFortnightly  Frequency = "FORTNIGHTLY"   // +14 days
	FrequencyMonthly      Frequency = "MONTHLY"       // +1 month, clamped
	FrequencyQuarterly    Frequency = "QUARTERLY"     // +3 months, clamped
	FrequencySemiAnnually Frequency = "SEMI_ANNUALLY" // +6 months, clamped
	FrequencyAnnually     Frequency = "ANNUALLY"      // +1 year, Feb 29 -> Feb 28
)

// Frequencies lists every supported cadence.
var Frequencies = []Frequency{
	FrequencyWeekly,
	FrequencyFortnightly,
	FrequencyMonthly,
	FrequencyQuarterly,
	FrequencySemiAnnually,
	FrequencyAnnually,
}

// ParseFrequency validates a cadence name.
func ParseFrequency(s string) (Frequency, error) {
	for _, f := range Frequencies {
		if string(f) == s {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown frequency %q", s)
}

// NextEnd maps a period start to the (exclusive) period end.
// Unknown cadences fall back to monthly so the function stays total.
func (f Frequency) NextEnd(start Date) Date {
	switch f {
	case FrequencyWeekly:
		return start.AddDays(7)
	case FrequencyFortnightly:
		return start.AddDays(14)
	case FrequencyQuarterly:
		return start.AddMonthsClamped(3)
	case FrequencySemiAnnually:
		return start.AddMonthsClamped(6)
	case FrequencyAnnually:
		return start.AddYearsClamped(1)
	default:
		return start.AddMonthsClamped(1)
	}
}

// IntervalFrom returns the billing window that starts at start.
func (f Frequency) IntervalFrom(start Date) Interval {
	return Interval{Start: start, End: f.NextEnd(start)}
}
