/*
close_test.go - Period close behaviour

Tests for:
- Rollover policies feeding the next period (FORFEIT, CARRY_FORWARD, CARRY_CAPPED)
- Overage pricing at the customer's billing rate
- Work logged while paused or terminated counted at close
- Exclusive and inclusive tax on the draft invoice
- Auto-termination when the end date is reached
- Close atomicity and the "not ready" guard
*/
package retainer_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/retainer-engine/generic"
	"github.com/warp/retainer-engine/retainer"
)

// =============================================================================
// ROLLOVER
// =============================================================================

func TestClose_ForfeitDropsUnusedHours(t *testing.T) {
	// GIVEN: 40h monthly hour bank, FORFEIT, 30h logged in January
	f := newFixture(t)
	a, _ := f.hourBank(t, "cust-1", "40", "4000", generic.RolloverForfeit, nil)
	f.logMinutes(t, "cust-1", jan10, 30*60)

	// WHEN: Closing on Feb 1
	f.at(2024, time.February, 1)
	result, err := f.svc.Closer.ClosePeriod(f.ctx, a.ID, "owner-1")
	require.NoError(t, err)

	// THEN: Nothing carries over; next period gets the base allocation only
	assertDecimal(t, "0", result.ClosedPeriod.RolloverHoursOut)
	assertDecimal(t, "0", result.ClosedPeriod.OverageHours)
	assertDecimal(t, "10", result.Figures.Forfeited)
	require.NotNil(t, result.NextPeriod)
	assert.Equal(t, feb1, result.NextPeriod.PeriodStart)
	assert.Equal(t, mar1, result.NextPeriod.PeriodEnd)
	assertDecimal(t, "0", result.NextPeriod.RolloverHoursIn)
	assertDecimalPtr(t, "40", result.NextPeriod.AllocatedHours)
	assert.Equal(t, retainer.StatusActive, result.Agreement.Status)
	assert.False(t, result.AutoTerminated)
}

func TestClose_CarryForwardMovesAllUnusedHours(t *testing.T) {
	// GIVEN: 40h CARRY_FORWARD with no work logged
	f := newFixture(t)
	a, _ := f.hourBank(t, "cust-1", "40", "4000", generic.RolloverCarryForward, nil)

	// WHEN: Closing on Feb 1
	f.at(2024, time.February, 1)
	result, err := f.svc.Closer.ClosePeriod(f.ctx, a.ID, "owner-1")
	require.NoError(t, err)

	// THEN: All 40h roll into February on top of the base
	assertDecimal(t, "40", result.ClosedPeriod.RolloverHoursOut)
	assertDecimal(t, "40", result.NextPeriod.RolloverHoursIn)
	assertDecimalPtr(t, "40", result.NextPeriod.BaseAllocatedHours)
	assertDecimalPtr(t, "80", result.NextPeriod.AllocatedHours)
	assertDecimalPtr(t, "80", result.NextPeriod.RemainingHours)
}

func TestClose_CarryCappedLimitsRollover(t *testing.T) {
	// GIVEN: 40h CARRY_CAPPED with a 10h cap and no work logged
	f := newFixture(t)
	a, _ := f.hourBank(t, "cust-1", "40", "4000", generic.RolloverCarryCapped, generic.DecimalPtr(dec("10")))

	// WHEN: Closing on Feb 1
	f.at(2024, time.February, 1)
	result, err := f.svc.Closer.ClosePeriod(f.ctx, a.ID, "owner-1")
	require.NoError(t, err)

	// THEN: Only the cap carries over
	assertDecimal(t, "10", result.ClosedPeriod.RolloverHoursOut)
	assertDecimal(t, "30", result.Figures.Forfeited)
	assertDecimalPtr(t, "50", result.NextPeriod.AllocatedHours)
}

func TestClose_NextPeriodPicksUpWorkAlreadyLogged(t *testing.T) {
	// GIVEN: Work logged in February before January is closed
	f := newFixture(t)
	a, _ := f.hourBank(t, "cust-1", "40", "4000", generic.RolloverForfeit, nil)
	f.logMinutes(t, "cust-1", generic.NewDate(2024, time.February, 2), 90)

	// WHEN: Closing January on Feb 3
	f.at(2024, time.February, 3)
	result, err := f.svc.Closer.ClosePeriod(f.ctx, a.ID, "owner-1")
	require.NoError(t, err)

	// THEN: January consumed nothing; February starts with 1.5h consumed
	assertDecimal(t, "0", result.ClosedPeriod.ConsumedHours)
	assertDecimal(t, "1.5", result.NextPeriod.ConsumedHours)
	assertDecimalPtr(t, "38.5", result.NextPeriod.RemainingHours)
}

// =============================================================================
// INVOICE
// =============================================================================

func TestClose_OverageBilledAtCustomerRate(t *testing.T) {
	// GIVEN: 2h allocated, fee 5000, 180 minutes logged, rate 300/h
	f := newFixture(t)
	require.NoError(t, f.store.SaveBillingRate(f.ctx, retainer.BillingRate{
		ID: "rate-1", CustomerID: "cust-1", HourlyRate: dec("300"), Currency: "USD", EffectiveFrom: jan1,
	}))
	a, _ := f.hourBank(t, "cust-1", "2", "5000", generic.RolloverForfeit, nil)
	f.logMinutes(t, "cust-1", jan10, 180)

	// WHEN: Closing on Feb 1
	f.at(2024, time.February, 1)
	result, err := f.svc.Closer.ClosePeriod(f.ctx, a.ID, "owner-1")
	require.NoError(t, err)

	// THEN: Base line 5000 plus 1h overage at 300
	assertDecimal(t, "3", result.ClosedPeriod.ConsumedHours)
	assertDecimal(t, "1", result.ClosedPeriod.OverageHours)

	inv, err := f.svc.GetInvoice(f.ctx, result.Invoice.ID)
	require.NoError(t, err)
	require.Len(t, inv.Lines, 2)
	assert.Equal(t, retainer.InvoiceDraft, inv.Status)
	assert.Equal(t, "USD", inv.Currency)
	assert.Equal(t, "cust-1", inv.CustomerID)

	base, overage := inv.Lines[0], inv.Lines[1]
	assert.Equal(t, "Retainer: Support cust-1 (2024-01-01 to 2024-02-01)", base.Description)
	assertDecimal(t, "1", base.Quantity)
	assertDecimal(t, "5000", base.Amount)
	assert.Equal(t, "Overage: Support cust-1 (1.00 hrs @ 300.00/hr)", overage.Description)
	assertDecimal(t, "1", overage.Quantity)
	assertDecimal(t, "300", overage.UnitPrice)
	assertDecimal(t, "300", overage.Amount)
	assert.Equal(t, result.ClosedPeriod.ID, overage.RetainerPeriodID)

	assertDecimal(t, "5300", inv.Subtotal)
	assertDecimal(t, "0", inv.TaxAmount)
	assertDecimal(t, "5300", inv.Total)

	// AND: The closed period links the invoice
	closed, err := f.svc.GetPeriod(f.ctx, a.ID, result.ClosedPeriod.ID)
	require.NoError(t, err)
	assert.Equal(t, retainer.PeriodClosed, closed.Status)
	assert.Equal(t, inv.ID, closed.InvoiceID)
	assert.Equal(t, "owner-1", closed.ClosedBy)
	assert.NotNil(t, closed.ClosedAt)
}

func TestClose_BillsWorkLoggedWhilePaused(t *testing.T) {
	// GIVEN: 2h allocated, fee 5000, rate 300/h, paused before any work
	f := newFixture(t)
	require.NoError(t, f.store.SaveBillingRate(f.ctx, retainer.BillingRate{
		ID: "rate-1", CustomerID: "cust-1", HourlyRate: dec("300"), Currency: "USD", EffectiveFrom: jan1,
	}))
	a, _ := f.hourBank(t, "cust-1", "2", "5000", generic.RolloverForfeit, nil)
	_, err := f.svc.Pause(f.ctx, a.ID)
	require.NoError(t, err)

	// WHEN: 180 minutes are logged during the pause and the agreement resumes
	f.logMinutes(t, "cust-1", jan10, 180)
	_, err = f.svc.Resume(f.ctx, a.ID)
	require.NoError(t, err)

	// THEN: The open period counts the work again and owners hear about it
	p := openPeriod(t, f, a.ID)
	assertDecimal(t, "3", p.ConsumedHours)
	assertDecimalPtr(t, "-1", p.RemainingHours)
	assert.Equal(t, 2, f.sent.count(retainer.NotifyFullyConsumed))

	// WHEN: Closing on Feb 1
	f.at(2024, time.February, 1)
	result, err := f.svc.Closer.ClosePeriod(f.ctx, a.ID, "owner-1")
	require.NoError(t, err)

	// THEN: One overage hour is billed
	assertDecimal(t, "3", result.ClosedPeriod.ConsumedHours)
	assertDecimal(t, "1", result.ClosedPeriod.OverageHours)
	require.Len(t, result.Invoice.Lines, 2)
	assertDecimal(t, "5300", result.Invoice.Total)
}

func TestClose_OrgDefaultRateUsedWhenCustomerHasNone(t *testing.T) {
	// GIVEN: Only an org-wide rate of 150/h
	f := newFixture(t)
	require.NoError(t, f.store.SaveBillingRate(f.ctx, retainer.BillingRate{
		ID: "rate-org", HourlyRate: dec("150"), Currency: "USD", EffectiveFrom: generic.NewDate(2023, time.January, 1),
	}))
	a, _ := f.hourBank(t, "cust-1", "1", "1000", generic.RolloverForfeit, nil)
	f.logMinutes(t, "cust-1", jan10, 150)

	// WHEN: Closing
	f.at(2024, time.February, 1)
	result, err := f.svc.Closer.ClosePeriod(f.ctx, a.ID, "owner-1")
	require.NoError(t, err)

	// THEN: 1.5h overage at 150 = 225
	require.Len(t, result.Invoice.Lines, 2)
	assertDecimal(t, "225", result.Invoice.Lines[1].Amount)
	assertDecimal(t, "1225", result.Invoice.Total)
}

func TestClose_ExclusiveTax(t *testing.T) {
	// GIVEN: Default VAT 15%, prices exclusive of tax
	f := newFixture(t)
	require.NoError(t, f.store.SaveTaxRate(f.ctx, generic.TaxRate{ID: "vat", Name: "VAT", Rate: dec("15")}, true))
	a, _ := f.hourBank(t, "cust-1", "10", "5000", generic.RolloverForfeit, nil)

	// WHEN: Closing
	f.at(2024, time.February, 1)
	result, err := f.svc.Closer.ClosePeriod(f.ctx, a.ID, "owner-1")
	require.NoError(t, err)

	// THEN: Tax is added on top
	inv := result.Invoice
	assert.False(t, inv.TaxInclusive)
	assertDecimal(t, "5000", inv.Subtotal)
	assertDecimal(t, "750", inv.TaxAmount)
	assertDecimal(t, "5750", inv.Total)
	require.Len(t, inv.Lines, 1)
	assert.Equal(t, "VAT", inv.Lines[0].TaxRateName)
	assertDecimalPtr(t, "15", inv.Lines[0].TaxRatePercent)
	assertDecimalPtr(t, "750", inv.Lines[0].TaxAmount)
}

func TestClose_InclusiveTax(t *testing.T) {
	// GIVEN: Default VAT 15%, prices inclusive of tax, EUR organization
	f := newFixture(t)
	require.NoError(t, f.store.SaveTaxRate(f.ctx, generic.TaxRate{ID: "vat", Name: "VAT", Rate: dec("15")}, true))
	require.NoError(t, f.store.SaveOrgSettings(f.ctx, retainer.OrgSettings{DefaultCurrency: "EUR", TaxInclusive: true}))
	a, _ := f.hourBank(t, "cust-1", "10", "5000", generic.RolloverForfeit, nil)

	// WHEN: Closing
	f.at(2024, time.February, 1)
	result, err := f.svc.Closer.ClosePeriod(f.ctx, a.ID, "owner-1")
	require.NoError(t, err)

	// THEN: Tax is extracted from the fee; total stays 5000
	inv, err := f.svc.GetInvoice(f.ctx, result.Invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, "EUR", inv.Currency)
	assert.True(t, inv.TaxInclusive)
	assertDecimal(t, "5000", inv.Subtotal)
	assertDecimal(t, "652.17", inv.TaxAmount)
	assertDecimal(t, "5000", inv.Total)
}

func TestClose_FixedFeeNeverBillsOverage(t *testing.T) {
	// GIVEN: Fixed fee agreement with 50h logged and no billing rate
	f := newFixture(t)
	a, _, err := f.svc.CreateAgreement(f.ctx, retainer.CreateAgreementInput{
		CustomerID: "cust-1",
		Name:       "Hosting",
		Type:       retainer.TypeFixedFee,
		Frequency:  generic.FrequencyMonthly,
		StartDate:  jan1,
		PeriodFee:  dec("1200"),
	})
	require.NoError(t, err)
	f.logMinutes(t, "cust-1", jan10, 50*60)

	// WHEN: Closing
	f.at(2024, time.February, 1)
	result, err := f.svc.Closer.ClosePeriod(f.ctx, a.ID, "owner-1")
	require.NoError(t, err)

	// THEN: One line, no overage, hours tracked only
	assertDecimal(t, "50", result.ClosedPeriod.ConsumedHours)
	assertDecimal(t, "0", result.ClosedPeriod.OverageHours)
	assert.Nil(t, result.ClosedPeriod.AllocatedHours)
	require.Len(t, result.Invoice.Lines, 1)
	assertDecimal(t, "1200", result.Invoice.Total)
	assert.Nil(t, result.NextPeriod.AllocatedHours)
	assert.Nil(t, result.NextPeriod.RemainingHours)
}

// =============================================================================
// TERMINATION
// =============================================================================

func TestClose_EndDateTerminatesAgreement(t *testing.T) {
	// GIVEN: An agreement whose end date equals the first period end
	f := newFixture(t)
	in := hourBankInput("cust-1", "10", "1000", generic.RolloverCarryForward, nil)
	in.EndDate = feb1
	a, _, err := f.svc.CreateAgreement(f.ctx, in)
	require.NoError(t, err)

	// WHEN: Closing the final period
	f.at(2024, time.February, 1)
	result, err := f.svc.Closer.ClosePeriod(f.ctx, a.ID, "owner-1")
	require.NoError(t, err)

	// THEN: The agreement is terminated and no next period exists
	assert.True(t, result.AutoTerminated)
	assert.Nil(t, result.NextPeriod)
	assert.Equal(t, retainer.StatusTerminated, result.Agreement.Status)

	detail, err := f.svc.GetAgreement(f.ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, retainer.StatusTerminated, detail.Agreement.Status)
	assert.Nil(t, detail.CurrentPeriod)
	assert.Len(t, detail.RecentPeriods, 1)

	// AND: Owners and admins were told
	assert.Equal(t, 2, f.sent.count(retainer.NotifyTerminated))
	assert.Equal(t, 2, f.sent.count(retainer.NotifyPeriodClosed))
	assert.Len(t, f.notifications(t, a.ID), 2)
}

func TestClose_ManuallyTerminatedAgreementClosesFinalPeriod(t *testing.T) {
	// GIVEN: A terminated agreement with its period still open, and 2h of
	// January work logged after the termination
	f := newFixture(t)
	a, opened := f.hourBank(t, "cust-1", "10", "1000", generic.RolloverForfeit, nil)
	_, err := f.svc.Terminate(f.ctx, a.ID)
	require.NoError(t, err)
	f.logMinutes(t, "cust-1", jan10, 120)

	// WHEN: Closing after the period ends
	f.at(2024, time.February, 5)
	result, err := f.svc.Closer.ClosePeriod(f.ctx, a.ID, "owner-1")
	require.NoError(t, err)

	// THEN: The period is invoiced with the late work and nothing follows it
	assert.Equal(t, opened.ID, result.ClosedPeriod.ID)
	assertDecimal(t, "2", result.ClosedPeriod.ConsumedHours)
	assertDecimal(t, "8", result.Figures.Forfeited)
	assert.Nil(t, result.NextPeriod)
	assert.False(t, result.AutoTerminated)
	assert.Equal(t, 0, f.sent.count(retainer.NotifyTerminated))
}

// =============================================================================
// GUARDS
// =============================================================================

func TestClose_NotReadyBeforePeriodEnd(t *testing.T) {
	// GIVEN: January period, clock on Jan 31
	f := newFixture(t)
	a, _ := f.hourBank(t, "cust-1", "10", "1000", generic.RolloverForfeit, nil)
	f.at(2024, time.January, 31)

	// WHEN: Closing early
	_, err := f.svc.Closer.ClosePeriod(f.ctx, a.ID, "owner-1")

	// THEN: Rejected
	require.Error(t, err)
	assert.True(t, generic.IsInvalidState(err))
	assert.Equal(t, "Period not ready to close", err.Error())
}

func TestClose_MissingAgreement(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Closer.ClosePeriod(f.ctx, "nope", "owner-1")
	assert.True(t, generic.IsNotFound(err))
}

func TestClose_MissingRateRollsBackEverything(t *testing.T) {
	// GIVEN: Overage with no billing rate configured anywhere
	f := newFixture(t)
	a, opened := f.hourBank(t, "cust-1", "1", "1000", generic.RolloverForfeit, nil)
	f.logMinutes(t, "cust-1", jan10, 120)
	f.sent.reset()

	// WHEN: Closing
	f.at(2024, time.February, 1)
	_, err := f.svc.Closer.ClosePeriod(f.ctx, a.ID, "owner-1")

	// THEN: Fails naming the agreement
	require.Error(t, err)
	assert.True(t, generic.IsInvalidState(err))
	assert.Contains(t, err.Error(), "no billing rate configured")
	assert.Contains(t, err.Error(), "Support cust-1")

	// AND: Nothing was written
	detail, err := f.svc.GetAgreement(f.ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, detail.CurrentPeriod)
	assert.Equal(t, opened.ID, detail.CurrentPeriod.ID)
	assert.Equal(t, retainer.PeriodOpen, detail.CurrentPeriod.Status)
	assert.Empty(t, detail.CurrentPeriod.InvoiceID)
	assert.Empty(t, detail.RecentPeriods)
	assert.Empty(t, f.notifications(t, opened.ID))
	assert.Empty(t, f.sent.sent)
}

func TestClose_SecondCloseFindsNextPeriodNotReady(t *testing.T) {
	// GIVEN: January already closed
	f := newFixture(t)
	a, _ := f.hourBank(t, "cust-1", "10", "1000", generic.RolloverForfeit, nil)
	f.at(2024, time.February, 1)
	_, err := f.svc.Closer.ClosePeriod(f.ctx, a.ID, "owner-1")
	require.NoError(t, err)

	// WHEN: Closing again the same day
	_, err = f.svc.Closer.ClosePeriod(f.ctx, a.ID, "owner-1")

	// THEN: February is not over yet; January stays closed once
	assert.True(t, generic.IsInvalidState(err))
	closed, err := f.svc.ListPeriods(f.ctx, a.ID, retainer.PeriodClosed, retainer.Page{})
	require.NoError(t, err)
	assert.Len(t, closed, 1)
}

func TestClose_ConsecutivePeriodsAreContiguous(t *testing.T) {
	// GIVEN: A monthly agreement closed three times
	f := newFixture(t)
	a, _ := f.hourBank(t, "cust-1", "10", "1000", generic.RolloverForfeit, nil)
	for _, m := range []time.Month{time.February, time.March, time.April} {
		f.at(2024, m, 1)
		_, err := f.svc.Closer.ClosePeriod(f.ctx, a.ID, "owner-1")
		require.NoError(t, err)
	}

	// THEN: Each period starts where the previous one ended
	periods, err := f.svc.ListPeriods(f.ctx, a.ID, "", retainer.Page{})
	require.NoError(t, err)
	require.Len(t, periods, 4)
	for i := 0; i < len(periods)-1; i++ {
		newer, older := periods[i], periods[i+1]
		assert.Equal(t, older.PeriodEnd, newer.PeriodStart)
	}
	assert.Equal(t, retainer.PeriodOpen, periods[0].Status)
}
