package retainer

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/retainer-engine/generic"
)

// =============================================================================
// AGREEMENT - Commercial contract between the organization and a customer
// =============================================================================

// Agreement is a retainer. Lifecycle transitions go through Pause, Resume and
// Terminate; terms change only through UpdateTerms.
type Agreement struct {
	ID         string
	CustomerID string
	Name       string
	Terms      Terms
	Frequency  generic.Frequency
	StartDate  generic.Date
	EndDate    generic.Date // zero = open-ended
	PeriodFee  decimal.Decimal
	Rollover   generic.RolloverRule
	Notes      string
	Status     AgreementStatus

	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Type returns the agreement type carried by its terms.
func (a *Agreement) Type() AgreementType {
	return a.Terms.Type()
}

// IsHourBank reports whether the agreement bills overage.
func (a *Agreement) IsHourBank() bool {
	return a.Type() == TypeHourBank
}

// AllocatedHours returns the current per-period allocation, nil for fixed fee.
func (a *Agreement) AllocatedHours() *decimal.Decimal {
	return AllocatedHoursOf(a.Terms)
}

// HasEndDate reports whether the agreement is time-bounded.
func (a *Agreement) HasEndDate() bool {
	return !a.EndDate.IsZero()
}

// EndsBy reports whether a period starting at nextStart would begin on or
// after the end date, in which case the agreement is over.
func (a *Agreement) EndsBy(nextStart generic.Date) bool {
	return a.HasEndDate() && !nextStart.Before(a.EndDate)
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Pause moves ACTIVE -> PAUSED.
func (a *Agreement) Pause(now time.Time) error {
	if a.Status != StatusActive {
		return generic.InvalidState("Only active retainers can be paused")
	}
	a.Status = StatusPaused
	a.UpdatedAt = now
	return nil
}

// Resume moves PAUSED -> ACTIVE.
func (a *Agreement) Resume(now time.Time) error {
	if a.Status != StatusPaused {
		return generic.InvalidState("Only paused retainers can be resumed")
	}
	a.Status = StatusActive
	a.UpdatedAt = now
	return nil
}

// Terminate moves ACTIVE or PAUSED -> TERMINATED.
func (a *Agreement) Terminate(now time.Time) error {
	if a.Status == StatusTerminated {
		return generic.InvalidState("Retainer is already terminated")
	}
	a.Status = StatusTerminated
	a.UpdatedAt = now
	return nil
}

// UpdateTerms applies a terms change. Status and periods are untouched; the
// new allocation applies from the next period onwards.
func (a *Agreement) UpdateTerms(in UpdateTermsInput, now time.Time) error {
	if a.Status == StatusTerminated {
		return generic.InvalidState("Cannot update a terminated retainer")
	}

	terms, err := TermsFor(a.Type(), in.AllocatedHours)
	if err != nil {
		return err
	}
	rollover := generic.RolloverRule{Policy: in.RolloverPolicy, CapHours: in.RolloverCapHours}.Normalize()
	if err := rollover.Validate(); err != nil {
		return err
	}
	if err := validateCommon(in.Name, in.PeriodFee, a.StartDate, in.EndDate); err != nil {
		return err
	}

	a.Name = strings.TrimSpace(in.Name)
	a.Terms = terms
	a.PeriodFee = in.PeriodFee
	a.Rollover = rollover
	a.EndDate = in.EndDate
	a.Notes = in.Notes
	a.UpdatedAt = now
	return nil
}

// =============================================================================
// CONSTRUCTION
// =============================================================================

// CreateAgreementInput is the validated-on-construction request to create an
// agreement.
type CreateAgreementInput struct {
	CustomerID       string
	Name             string
	Type             AgreementType
	Frequency        generic.Frequency
	StartDate        generic.Date
	EndDate          generic.Date
	AllocatedHours   *decimal.Decimal
	PeriodFee        decimal.Decimal
	RolloverPolicy   generic.RolloverPolicy
	RolloverCapHours *decimal.Decimal
	Notes            string
	CreatedBy        string
}

// UpdateTermsInput replaces the mutable terms of an agreement.
type UpdateTermsInput struct {
	Name             string
	AllocatedHours   *decimal.Decimal
	PeriodFee        decimal.Decimal
	RolloverPolicy   generic.RolloverPolicy
	RolloverCapHours *decimal.Decimal
	EndDate          generic.Date
	Notes            string
}

// NewAgreement validates the input and builds an ACTIVE agreement. Customer
// eligibility and the one-active-per-customer rule need the store and are
// checked by Service.CreateAgreement.
func NewAgreement(id string, in CreateAgreementInput, now time.Time) (*Agreement, error) {
	if strings.TrimSpace(in.CustomerID) == "" {
		return nil, generic.InvalidState("Customer is required")
	}
	terms, err := TermsFor(in.Type, in.AllocatedHours)
	if err != nil {
		return nil, err
	}
	if _, err := generic.ParseFrequency(string(in.Frequency)); err != nil {
		return nil, generic.InvalidState("Unknown frequency %q", in.Frequency)
	}
	if in.StartDate.IsZero() {
		return nil, generic.InvalidState("Start date is required")
	}
	rollover := generic.RolloverRule{Policy: in.RolloverPolicy, CapHours: in.RolloverCapHours}.Normalize()
	if err := rollover.Validate(); err != nil {
		return nil, err
	}
	if err := validateCommon(in.Name, in.PeriodFee, in.StartDate, in.EndDate); err != nil {
		return nil, err
	}

	return &Agreement{
		ID:         id,
		CustomerID: in.CustomerID,
		Name:       strings.TrimSpace(in.Name),
		Terms:      terms,
		Frequency:  in.Frequency,
		StartDate:  in.StartDate,
		EndDate:    in.EndDate,
		PeriodFee:  in.PeriodFee,
		Rollover:   rollover,
		Notes:      in.Notes,
		Status:     StatusActive,
		CreatedBy:  in.CreatedBy,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func validateCommon(name string, fee decimal.Decimal, start, end generic.Date) error {
	if strings.TrimSpace(name) == "" {
		return generic.InvalidState("Retainer name is required")
	}
	if fee.IsNegative() {
		return generic.InvalidState("Period fee cannot be negative")
	}
	if !end.IsZero() && !(generic.Interval{Start: start, End: end}).Valid() {
		return generic.InvalidState("End date must be after start date")
	}
	return nil
}
