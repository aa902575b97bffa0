/*
consumption.go - Consumption recomputation on work-unit changes

PURPOSE:
  Keeps the OPEN period's consumed and remaining hours in step with the time
  entries logged against the customer. Invoked synchronously, inside the same
  transaction as the time-entry mutation, so a read right after a write
  always sees consistent numbers.

RESOLUTION PATH:
  time entry -> task -> project -> linked customers
             -> each customer's ACTIVE agreement -> its OPEN period

  A missing link anywhere along the path is a silent no-op. A project shared
  by several customers counts toward each of them.

THRESHOLDS (HOUR_BANK with allocated > 0 only):
  previous < 80%  <= new < 100%  -> RETAINER_APPROACHING_CAPACITY
  previous < 100% <= new         -> RETAINER_FULLY_CONSUMED

  Only crossings fire. An update that stays above a threshold is silent,
  and a drop below followed by a new crossing fires again.

RECOMPUTATION:
  Consumed hours are re-derived from all billable entries in the period
  window rather than adjusted by deltas, so edits to date, duration or
  billable flag are all handled the same way.
*/
package retainer

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/retainer-engine/generic"
)

var (
	approachingThreshold = decimal.NewFromInt(80)
	fullThreshold        = decimal.NewFromInt(100)
)

// BillableUnitChange describes a created, updated or deleted time entry.
// PreviousTaskID is set on updates that move the entry to another task.
type BillableUnitChange struct {
	EntryID        string
	TaskID         string
	PreviousTaskID string
}

// ConsumptionRecomputation reacts to work-unit changes.
type ConsumptionRecomputation struct {
	Clock   generic.Clock
	Logger  logrus.FieldLogger
	Metrics MetricsRecorder
}

// OnBillableUnitChanged refreshes consumption for every customer the change
// touches. It must run in the transaction that made the change.
func (c *ConsumptionRecomputation) OnBillableUnitChanged(ctx context.Context, store Store, outbox *Outbox, change BillableUnitChange) error {
	seen := make(map[string]bool, 2)
	for _, taskID := range []string{change.PreviousTaskID, change.TaskID} {
		if taskID == "" {
			continue
		}
		customerIDs, err := store.CustomersForTask(ctx, taskID)
		if err != nil {
			return fmt.Errorf("resolve customers for task %s: %w", taskID, err)
		}
		for _, customerID := range customerIDs {
			if seen[customerID] {
				continue
			}
			seen[customerID] = true
			if _, err := c.RecomputeForCustomer(ctx, store, outbox, customerID); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecomputeForCustomer refreshes the customer's OPEN period. It returns the
// updated period, or nil when the customer has no active agreement or no
// open period.
func (c *ConsumptionRecomputation) RecomputeForCustomer(ctx context.Context, store Store, outbox *Outbox, customerID string) (*Period, error) {
	agreement, err := store.ActiveAgreementForCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if agreement == nil {
		return nil, nil
	}
	period, err := c.lockOpenPeriod(ctx, store, agreement.ID)
	if err != nil {
		return nil, err
	}
	if period == nil {
		return nil, nil
	}

	minutes, err := store.BillableMinutes(ctx, customerID, period.Interval())
	if err != nil {
		return nil, fmt.Errorf("sum billable minutes: %w", err)
	}
	previous := period.ConsumedHours
	now := c.Clock.Now()
	period.ApplyConsumption(generic.MinutesToHours(minutes), now)
	if err := store.UpdateConsumption(ctx, period); err != nil {
		return nil, err
	}
	c.Metrics.ConsumptionRecomputed(string(agreement.Type()))

	c.Logger.WithFields(logrus.Fields{
		"agreement_id": agreement.ID,
		"period_id":    period.ID,
		"consumed":     period.ConsumedHours.StringFixed(2),
	}).Debug("retainer consumption recomputed")

	if !agreement.IsHourBank() || !period.Allocated().IsPositive() {
		return period, nil
	}
	if crossing := thresholdCrossing(previous, period.ConsumedHours, period.Allocated()); crossing != "" {
		if err := c.raiseThreshold(ctx, store, outbox, crossing, agreement, period); err != nil {
			return nil, err
		}
	}
	return period, nil
}

// lockOpenPeriod looks a second time when the first lock finds no OPEN
// period. On PostgreSQL the lock can wait on a concurrent close and then see
// the row CLOSED. The next period that close opened is visible to a new
// statement, but its consumed total was summed without this transaction's
// entry.
func (c *ConsumptionRecomputation) lockOpenPeriod(ctx context.Context, store Store, agreementID string) (*Period, error) {
	period, err := store.LockOpenPeriod(ctx, agreementID)
	if err != nil || period != nil {
		return period, err
	}
	return store.LockOpenPeriod(ctx, agreementID)
}

// thresholdCrossing compares raw hours against the thresholds, so rounding
// of the displayed percentage never hides or invents a crossing.
func thresholdCrossing(previous, current, allocated decimal.Decimal) NotificationType {
	reached := func(consumed, pct decimal.Decimal) bool {
		return consumed.Mul(fullThreshold).GreaterThanOrEqual(allocated.Mul(pct))
	}
	switch {
	case !reached(previous, fullThreshold) && reached(current, fullThreshold):
		return NotifyFullyConsumed
	case !reached(previous, approachingThreshold) && reached(current, approachingThreshold) && !reached(current, fullThreshold):
		return NotifyApproachingCapacity
	default:
		return ""
	}
}

func (c *ConsumptionRecomputation) raiseThreshold(ctx context.Context, store Store, outbox *Outbox, t NotificationType, a *Agreement, p *Period) error {
	members, err := store.OwnersAndAdmins(ctx)
	if err != nil {
		return err
	}
	n := Notification{
		Type:          t,
		ReferenceType: RefAgreement,
		ReferenceID:   a.ID,
	}
	pct := p.PercentConsumed().StringFixed(2)
	switch t {
	case NotifyFullyConsumed:
		n.Title = fmt.Sprintf("Retainer fully consumed: %s", a.Name)
		n.Body = fmt.Sprintf("%s has used %s of %s allocated hours (%s%%) for %s.",
			a.Name, p.ConsumedHours.StringFixed(2), p.Allocated().StringFixed(2), pct, p.Interval())
	default:
		n.Title = fmt.Sprintf("Retainer approaching capacity: %s", a.Name)
		n.Body = fmt.Sprintf("%s has used %s%% of its allocated hours (%s of %s) for %s.",
			a.Name, pct, p.ConsumedHours.StringFixed(2), p.Allocated().StringFixed(2), p.Interval())
	}
	_, err = outbox.Raise(ctx, store, n, members, false, c.Clock.Now())
	return err
}
