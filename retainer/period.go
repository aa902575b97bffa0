package retainer

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/retainer-engine/generic"
)

// =============================================================================
// PERIOD - One billing cycle of an agreement
// =============================================================================

// Period is a billing cycle over [PeriodStart, PeriodEnd).
//
// Allocation fields are nil for FIXED_FEE agreements. RemainingHours may go
// negative while the period is open; that is in-progress overage.
type Period struct {
	ID          string
	AgreementID string
	PeriodStart generic.Date
	PeriodEnd   generic.Date
	Status      PeriodStatus

	BaseAllocatedHours *decimal.Decimal
	RolloverHoursIn    decimal.Decimal
	AllocatedHours     *decimal.Decimal
	ConsumedHours      decimal.Decimal
	RemainingHours     *decimal.Decimal

	// Set at close
	OverageHours     decimal.Decimal
	RolloverHoursOut decimal.Decimal
	InvoiceID        string
	ClosedBy         string
	ClosedAt         *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewPeriod opens a billing cycle. base is the agreement's current allocation
// (nil for fixed fee) and rolloverIn what the previous cycle carried over.
func NewPeriod(id, agreementID string, window generic.Interval, base *decimal.Decimal, rolloverIn decimal.Decimal, now time.Time) *Period {
	p := &Period{
		ID:              id,
		AgreementID:     agreementID,
		PeriodStart:     window.Start,
		PeriodEnd:       window.End,
		Status:          PeriodOpen,
		RolloverHoursIn: rolloverIn,
		ConsumedHours:   decimal.Zero,
		OverageHours:    decimal.Zero,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if base != nil {
		p.BaseAllocatedHours = generic.DecimalPtr(*base)
		p.AllocatedHours = generic.DecimalPtr(base.Add(rolloverIn))
		p.RemainingHours = generic.DecimalPtr(*p.AllocatedHours)
	}
	p.RolloverHoursOut = decimal.Zero
	return p
}

// Interval returns the billing window.
func (p *Period) Interval() generic.Interval {
	return generic.Interval{Start: p.PeriodStart, End: p.PeriodEnd}
}

// IsOpen reports whether the period still accepts consumption.
func (p *Period) IsOpen() bool {
	return p.Status == PeriodOpen
}

// Allocated returns the allocation, zero for fixed fee.
func (p *Period) Allocated() decimal.Decimal {
	if p.AllocatedHours == nil {
		return decimal.Zero
	}
	return *p.AllocatedHours
}

// ApplyConsumption records a freshly recomputed consumed total.
func (p *Period) ApplyConsumption(consumed decimal.Decimal, now time.Time) {
	p.ConsumedHours = consumed
	if p.AllocatedHours != nil {
		p.RemainingHours = generic.DecimalPtr(p.AllocatedHours.Sub(consumed))
	}
	p.UpdatedAt = now
}

// PercentConsumed is consumed/allocated*100, zero when nothing is allocated.
func (p *Period) PercentConsumed() decimal.Decimal {
	return generic.Percent(p.ConsumedHours, p.Allocated())
}

// Close records the close-time results and flips the status.
func (p *Period) Close(overage, rolloverOut decimal.Decimal, invoiceID, actorID string, now time.Time) {
	p.Status = PeriodClosed
	p.OverageHours = overage
	p.RolloverHoursOut = rolloverOut
	p.InvoiceID = invoiceID
	p.ClosedBy = actorID
	p.ClosedAt = &now
	p.UpdatedAt = now
}

// =============================================================================
// CLOSE FIGURES
// =============================================================================

// CloseFigures are the hour results of closing a period.
type CloseFigures struct {
	Overage   decimal.Decimal
	Unused    decimal.Decimal
	Rollover  decimal.Decimal
	Forfeited decimal.Decimal
}

// ComputeCloseFigures derives overage and rollover for closing p under a.
// Fixed-fee agreements never have overage.
func ComputeCloseFigures(a *Agreement, p *Period) CloseFigures {
	allocated := p.Allocated()
	summary := a.Rollover.Apply(allocated, p.ConsumedHours)

	overage := decimal.Zero
	if a.IsHourBank() {
		overage = generic.OverageHours(allocated, p.ConsumedHours)
	}
	return CloseFigures{
		Overage:   overage,
		Unused:    summary.Unused,
		Rollover:  summary.CarriedOver,
		Forfeited: summary.Forfeited,
	}
}
