/*
service.go - Agreement lifecycle and queries

PURPOSE:
  The exposed surface of the engine: create, update, pause, resume and
  terminate agreements, read agreement detail, list periods and report a
  customer's consumption. Close and scan live in close.go and scanner.go.

CREATE FLOW:
  1. Validate the input (NewAgreement)
  2. Customer must exist and be in an eligible lifecycle stage
  3. Customer must not already have an ACTIVE agreement (Conflict)
  4. Insert the agreement and its first OPEN period in one transaction,
     with consumption computed from work already logged in the window

STATE MACHINE:
  ACTIVE --pause--> PAUSED --resume--> ACTIVE
  ACTIVE|PAUSED --terminate--> TERMINATED (absorbing)

SEE ALSO:
  - agreement.go: Transition rules and messages
  - close.go: PeriodCloser
*/
package retainer

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/retainer-engine/generic"
)

// recentPeriodsLimit bounds the closed periods returned with a detail view.
const recentPeriodsLimit = 6

// Service is the retainer engine's entry point.
type Service struct {
	*engine

	Recompute *ConsumptionRecomputation
	Work      *WorkLog
	Closer    *PeriodCloser
	Scanner   *ReadyToCloseScanner
}

// NewService wires every component around one store.
func NewService(store TxStore, opts Options) *Service {
	e := newEngine(store, opts)
	return &Service{
		engine:    e,
		Recompute: e.recompute,
		Work:      &WorkLog{engine: e},
		Closer:    &PeriodCloser{engine: e},
		Scanner:   &ReadyToCloseScanner{engine: e},
	}
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// CreateAgreement creates an ACTIVE agreement with its first OPEN period.
func (s *Service) CreateAgreement(ctx context.Context, in CreateAgreementInput) (*Agreement, *Period, error) {
	now := s.Clock.Now()
	agreement, err := NewAgreement(uuid.NewString(), in, now)
	if err != nil {
		return nil, nil, err
	}

	var first *Period
	err = s.inTx(ctx, func(tx Store, _ *Outbox) error {
		customer, err := tx.GetCustomer(ctx, agreement.CustomerID)
		if err != nil {
			return err
		}
		if !customer.LifecycleStatus.CanReceiveRetainer() {
			return generic.InvalidState("Cannot create a retainer for a customer in %s stage", customer.LifecycleStatus)
		}
		existing, err := tx.ActiveAgreementForCustomer(ctx, customer.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return generic.Conflict("Customer already has an active retainer")
		}
		if err := tx.InsertAgreement(ctx, agreement); err != nil {
			return err
		}

		window := agreement.Frequency.IntervalFrom(agreement.StartDate)
		first = NewPeriod(uuid.NewString(), agreement.ID, window, agreement.AllocatedHours(), decimal.Zero, now)
		minutes, err := tx.BillableMinutes(ctx, customer.ID, window)
		if err != nil {
			return err
		}
		first.ApplyConsumption(generic.MinutesToHours(minutes), now)
		return tx.InsertPeriod(ctx, first)
	})
	if err != nil {
		return nil, nil, err
	}

	s.Metrics.AgreementTransition(string(StatusActive))
	s.Logger.WithFields(logrus.Fields{
		"agreement_id": agreement.ID,
		"customer_id":  agreement.CustomerID,
		"type":         agreement.Type(),
		"period_start": first.PeriodStart.String(),
		"period_end":   first.PeriodEnd.String(),
	}).Info("retainer created")
	return agreement, first, nil
}

// UpdateTerms replaces the agreement's mutable terms. The OPEN period keeps
// its allocation; the new terms apply from the next period.
func (s *Service) UpdateTerms(ctx context.Context, id string, in UpdateTermsInput) (*Agreement, error) {
	return s.transition(ctx, id, "terms_updated", nil, func(a *Agreement, _ Store) error {
		return a.UpdateTerms(in, s.Clock.Now())
	})
}

// Pause moves an ACTIVE agreement to PAUSED.
func (s *Service) Pause(ctx context.Context, id string) (*Agreement, error) {
	return s.transition(ctx, id, string(StatusPaused), nil, func(a *Agreement, _ Store) error {
		return a.Pause(s.Clock.Now())
	})
}

// Resume moves a PAUSED agreement back to ACTIVE. It fails with a conflict
// when the customer got another ACTIVE agreement in the meantime. The OPEN
// period picks up work logged during the pause, and a threshold crossed
// meanwhile is notified now.
func (s *Service) Resume(ctx context.Context, id string) (*Agreement, error) {
	return s.transition(ctx, id, string(StatusActive), s.resync, func(a *Agreement, tx Store) error {
		if err := a.Resume(s.Clock.Now()); err != nil {
			return err
		}
		other, err := tx.ActiveAgreementForCustomer(ctx, a.CustomerID)
		if err != nil {
			return err
		}
		if other != nil && other.ID != a.ID {
			return generic.Conflict("Customer already has an active retainer")
		}
		return nil
	})
}

// Terminate ends the agreement. Its OPEN period stays open so the final
// cycle can still be closed and invoiced.
func (s *Service) Terminate(ctx context.Context, id string) (*Agreement, error) {
	return s.transition(ctx, id, string(StatusTerminated), nil, func(a *Agreement, _ Store) error {
		return a.Terminate(s.Clock.Now())
	})
}

// transition locks the agreement, applies the change and saves it. after,
// when set, runs in the same transaction once the agreement is saved.
func (s *Service) transition(ctx context.Context, id, label string, after func(context.Context, Store, *Outbox, *Agreement) error, apply func(*Agreement, Store) error) (*Agreement, error) {
	var updated *Agreement
	err := s.inTx(ctx, func(tx Store, outbox *Outbox) error {
		a, err := tx.LockAgreement(ctx, id)
		if err != nil {
			return err
		}
		if err := apply(a, tx); err != nil {
			return err
		}
		updated = a
		if err := tx.UpdateAgreement(ctx, a); err != nil {
			return err
		}
		if after == nil {
			return nil
		}
		return after(ctx, tx, outbox, a)
	})
	if err != nil {
		return nil, err
	}
	s.Metrics.AgreementTransition(label)
	s.Logger.WithFields(logrus.Fields{
		"agreement_id": updated.ID,
		"status":       updated.Status,
		"change":       label,
	}).Info("retainer updated")
	return updated, nil
}

func (s *Service) resync(ctx context.Context, tx Store, outbox *Outbox, a *Agreement) error {
	_, err := s.recompute.RecomputeForCustomer(ctx, tx, outbox, a.CustomerID)
	return err
}

// =============================================================================
// QUERIES
// =============================================================================

// AgreementDetail is an agreement with its current and recent periods.
type AgreementDetail struct {
	Agreement     *Agreement
	CurrentPeriod *Period
	RecentPeriods []Period
}

// GetAgreement returns the agreement, its OPEN period (if any) and its most
// recent closed periods.
func (s *Service) GetAgreement(ctx context.Context, id string) (*AgreementDetail, error) {
	a, err := s.Store.GetAgreement(ctx, id)
	if err != nil {
		return nil, err
	}
	current, err := s.Store.OpenPeriod(ctx, id)
	if err != nil {
		return nil, err
	}
	recent, err := s.Store.ListPeriods(ctx, PeriodFilter{
		AgreementID: id,
		Status:      PeriodClosed,
		Page:        Page{Limit: recentPeriodsLimit},
	})
	if err != nil {
		return nil, err
	}
	return &AgreementDetail{Agreement: a, CurrentPeriod: current, RecentPeriods: recent}, nil
}

// ListAgreements returns agreements matching the filter.
func (s *Service) ListAgreements(ctx context.Context, filter AgreementFilter) ([]Agreement, error) {
	return s.Store.ListAgreements(ctx, filter)
}

// ListPeriods returns an agreement's periods, newest first.
func (s *Service) ListPeriods(ctx context.Context, agreementID string, status PeriodStatus, page Page) ([]Period, error) {
	if _, err := s.Store.GetAgreement(ctx, agreementID); err != nil {
		return nil, err
	}
	return s.Store.ListPeriods(ctx, PeriodFilter{
		AgreementID: agreementID,
		Status:      status,
		Page:        page.Normalize(),
	})
}

// GetPeriod returns one period of the agreement.
func (s *Service) GetPeriod(ctx context.Context, agreementID, periodID string) (*Period, error) {
	p, err := s.Store.GetPeriod(ctx, periodID)
	if err != nil {
		return nil, err
	}
	if p.AgreementID != agreementID {
		return nil, generic.NotFound("period", periodID)
	}
	return p, nil
}

// GetInvoice returns a generated invoice with its lines.
func (s *Service) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	return s.Store.GetInvoice(ctx, id)
}

// =============================================================================
// CONSUMPTION SUMMARY
// =============================================================================

// ConsumptionSummary is a customer's current retainer usage. Hour fields are
// nil when the customer has no active agreement; AllocatedHours and
// RemainingHours are nil for fixed fee.
type ConsumptionSummary struct {
	CustomerID        string
	HasActiveRetainer bool
	AgreementID       string
	AgreementName     string
	Type              AgreementType
	PeriodStart       generic.Date
	PeriodEnd         generic.Date
	AllocatedHours    *decimal.Decimal
	ConsumedHours     *decimal.Decimal
	RemainingHours    *decimal.Decimal
	PercentConsumed   decimal.Decimal
	IsOverage         bool
}

// ConsumptionSummary reports the customer's active agreement usage.
func (s *Service) ConsumptionSummary(ctx context.Context, customerID string) (*ConsumptionSummary, error) {
	if _, err := s.Store.GetCustomer(ctx, customerID); err != nil {
		return nil, err
	}
	summary := &ConsumptionSummary{CustomerID: customerID, PercentConsumed: decimal.Zero}

	a, err := s.Store.ActiveAgreementForCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return summary, nil
	}
	summary.HasActiveRetainer = true
	summary.AgreementID = a.ID
	summary.AgreementName = a.Name
	summary.Type = a.Type()

	p, err := s.Store.OpenPeriod(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return summary, nil
	}
	summary.PeriodStart = p.PeriodStart
	summary.PeriodEnd = p.PeriodEnd
	summary.AllocatedHours = p.AllocatedHours
	summary.ConsumedHours = generic.DecimalPtr(p.ConsumedHours)
	summary.RemainingHours = p.RemainingHours
	summary.PercentConsumed = p.PercentConsumed()
	summary.IsOverage = p.RemainingHours != nil && p.RemainingHours.IsNegative()
	return summary, nil
}
