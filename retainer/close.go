/*
close.go - Period close into a draft invoice

PURPOSE:
  Closes the OPEN period of an agreement: prices overage, applies the
  rollover policy, creates the draft invoice, and either opens the next
  period or terminates the agreement when its end date is reached.

CLOSE STEPS (one transaction):
  1.  Lock the agreement row                 (NotFound when absent)
  2.  Lock its OPEN period                   (NotFound when absent)
  3.  Require period end <= today            ("Period not ready to close")
  4.  consumed = billable entries in the window, re-derived under the lock
      overage  = max(consumed - allocated, 0), HOUR_BANK only
  5.  unused   = max(allocated - consumed, 0); rollover = policy(unused, cap)
  6.  Draft invoice in the org currency, base line 1 x period fee
  7.  Overage line at the customer's rate    (InvalidState when no rate)
  8.  Tax pass with the org default tax rate
  9.  Totals
  10. Mark the period CLOSED                 (conditional on status OPEN)
  11. Next period from period end, or terminate when the end date is hit
  12. Return closed period, next period and invoice

  Any failure rolls the whole close back: the period stays OPEN and no
  invoice exists.

CONCURRENCY:
  Two closes of the same agreement serialize on the agreement row lock. The
  loser then finds no OPEN period (NotFound) or, if it got past the lock by
  other means, fails the conditional close with ErrConcurrentModification.

EXAMPLE (hour bank, 2h allocated, fee 5000, 3h consumed, rate 300):
  Lines: "Retainer: ..." 1 x 5000.00  = 5000.00
         "Overage: ..."  1.00 x 300.00 = 300.00
  Total: 5300.00 (no default tax rate)
*/
package retainer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/retainer-engine/generic"
)

// CloseResult is what a successful close produced. NextPeriod is nil when
// the agreement was (or became) terminated.
type CloseResult struct {
	Agreement    *Agreement
	ClosedPeriod *Period
	NextPeriod   *Period
	Invoice      *Invoice
	Figures      CloseFigures

	// AutoTerminated is set when this close reached the end date.
	AutoTerminated bool
}

// PeriodCloser runs period closes.
type PeriodCloser struct {
	*engine
}

// ClosePeriod closes the agreement's OPEN period on behalf of actorID.
// Failed closes are not retried.
func (c *PeriodCloser) ClosePeriod(ctx context.Context, agreementID, actorID string) (*CloseResult, error) {
	started := c.Clock.Now()
	log := c.Logger.WithFields(logrus.Fields{"agreement_id": agreementID, "actor_id": actorID})

	var result *CloseResult
	err := c.inTx(ctx, func(tx Store, outbox *Outbox) error {
		var err error
		result, err = c.close(ctx, tx, outbox, agreementID, actorID)
		return err
	})
	if err != nil {
		c.Metrics.CloseFailed(failureReason(err))
		log.WithError(err).Warn("retainer period close failed")
		return nil, err
	}

	c.Metrics.PeriodClosed(string(result.Agreement.Type()), c.Clock.Now().Sub(started))
	c.Metrics.InvoiceGenerated(result.Invoice.Currency)
	if result.AutoTerminated {
		c.Metrics.AgreementTransition(string(StatusTerminated))
	}
	log.WithFields(logrus.Fields{
		"period_id":  result.ClosedPeriod.ID,
		"invoice_id": result.Invoice.ID,
		"overage":    result.Figures.Overage.StringFixed(2),
		"rollover":   result.Figures.Rollover.StringFixed(2),
		"total":      result.Invoice.Total.StringFixed(2),
		"terminated": result.AutoTerminated,
	}).Info("retainer period closed")
	return result, nil
}

func (c *PeriodCloser) close(ctx context.Context, tx Store, outbox *Outbox, agreementID, actorID string) (*CloseResult, error) {
	now := c.Clock.Now()

	agreement, err := tx.LockAgreement(ctx, agreementID)
	if err != nil {
		return nil, err
	}
	period, err := tx.LockOpenPeriod(ctx, agreement.ID)
	if err != nil {
		return nil, err
	}
	if period == nil {
		return nil, generic.NotFound("open period for retainer", agreement.ID)
	}
	if !period.Interval().EndedBy(c.Clock.Today()) {
		return nil, generic.InvalidState("Period not ready to close")
	}

	// Entries logged while the agreement was paused or terminated never
	// reached the stored total.
	minutes, err := tx.BillableMinutes(ctx, agreement.CustomerID, period.Interval())
	if err != nil {
		return nil, fmt.Errorf("sum billable minutes: %w", err)
	}
	period.ApplyConsumption(generic.MinutesToHours(minutes), now)

	figures := ComputeCloseFigures(agreement, period)

	invoice, err := c.buildInvoice(ctx, tx, agreement, period, figures, actorID, now)
	if err != nil {
		return nil, err
	}
	if err := tx.InsertInvoice(ctx, invoice); err != nil {
		return nil, err
	}

	period.Close(figures.Overage, figures.Rollover, invoice.ID, actorID, now)
	if err := tx.MarkClosed(ctx, period); err != nil {
		return nil, err
	}

	members, err := tx.OwnersAndAdmins(ctx)
	if err != nil {
		return nil, err
	}

	wasTerminated := agreement.Status == StatusTerminated
	next, err := c.advance(ctx, tx, outbox, agreement, period, figures, members, now)
	if err != nil {
		return nil, err
	}

	closed := Notification{
		Type:          NotifyPeriodClosed,
		Title:         fmt.Sprintf("Retainer period closed: %s", agreement.Name),
		Body:          fmt.Sprintf("%s closed for %s. Draft invoice total %s %s.", agreement.Name, period.Interval(), invoice.Total.StringFixed(2), invoice.Currency),
		ReferenceType: RefPeriod,
		ReferenceID:   period.ID,
	}
	if _, err := outbox.Raise(ctx, tx, closed, members, false, now); err != nil {
		return nil, err
	}

	return &CloseResult{
		Agreement:    agreement,
		ClosedPeriod: period,
		NextPeriod:   next,
		Invoice:      invoice,
		Figures:      figures,

		AutoTerminated: !wasTerminated && agreement.Status == StatusTerminated,
	}, nil
}

// buildInvoice assembles the draft with base, overage and tax.
func (c *PeriodCloser) buildInvoice(ctx context.Context, tx Store, a *Agreement, p *Period, figures CloseFigures, actorID string, now time.Time) (*Invoice, error) {
	settings, err := tx.OrgSettings(ctx)
	if err != nil {
		return nil, err
	}
	invoice := NewDraftInvoice(uuid.NewString(), a.CustomerID, settings.DefaultCurrency, actorID, now)
	invoice.AddLine(uuid.NewString(), baseLineDescription(a, p), decimal.NewFromInt(1), a.PeriodFee, p.ID)

	if figures.Overage.IsPositive() {
		rate, err := tx.ResolveBillingRate(ctx, a.CustomerID, p.PeriodStart)
		if err != nil {
			return nil, err
		}
		if rate == nil {
			return nil, generic.InvalidState("Cannot calculate overage for retainer %s: no billing rate configured for customer", a.Name)
		}
		invoice.AddLine(uuid.NewString(), overageLineDescription(a, figures.Overage, rate.HourlyRate), figures.Overage, rate.HourlyRate, p.ID)
	}

	taxRate, err := tx.DefaultTaxRate(ctx)
	if err != nil {
		return nil, err
	}
	invoice.ApplyTax(taxRate, settings.TaxInclusive)
	invoice.RecalculateTotals()
	return invoice, nil
}

// advance opens the next period, or terminates the agreement when its end
// date has been reached. An agreement already terminated by hand gets no
// next period.
func (c *PeriodCloser) advance(ctx context.Context, tx Store, outbox *Outbox, a *Agreement, closed *Period, figures CloseFigures, members []string, now time.Time) (*Period, error) {
	window := a.Frequency.IntervalFrom(closed.PeriodEnd)

	switch {
	case a.Status == StatusTerminated:
		return nil, nil

	case a.EndsBy(window.Start):
		if err := a.Terminate(now); err != nil {
			return nil, err
		}
		if err := tx.UpdateAgreement(ctx, a); err != nil {
			return nil, err
		}
		n := Notification{
			Type:          NotifyTerminated,
			Title:         fmt.Sprintf("Retainer terminated: %s", a.Name),
			Body:          fmt.Sprintf("%s reached its end date %s and has been terminated.", a.Name, a.EndDate),
			ReferenceType: RefAgreement,
			ReferenceID:   a.ID,
		}
		_, err := outbox.Raise(ctx, tx, n, members, false, now)
		return nil, err
	}

	next := NewPeriod(uuid.NewString(), a.ID, window, a.AllocatedHours(), figures.Rollover, now)
	minutes, err := tx.BillableMinutes(ctx, a.CustomerID, window)
	if err != nil {
		return nil, err
	}
	next.ApplyConsumption(generic.MinutesToHours(minutes), now)
	if err := tx.InsertPeriod(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}
