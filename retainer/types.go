// Package retainer implements recurring retainer billing on top of the generic
// primitives: agreements, billing periods, consumption tracking, period close
// into draft invoices, and ready-to-close sweeps.
package retainer

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/retainer-engine/generic"
)

// =============================================================================
// ENUMERATIONS
// =============================================================================

// AgreementType is derived from the Terms variant; it is never set directly.
type AgreementType string

const (
	TypeHourBank AgreementType = "HOUR_BANK"
	TypeFixedFee AgreementType = "FIXED_FEE"
)

// AgreementStatus is the agreement lifecycle. TERMINATED is absorbing.
type AgreementStatus string

const (
	StatusActive     AgreementStatus = "ACTIVE"
	StatusPaused     AgreementStatus = "PAUSED"
	StatusTerminated AgreementStatus = "TERMINATED"
)

// PeriodStatus is OPEN until the period is closed into an invoice.
type PeriodStatus string

const (
	PeriodOpen   PeriodStatus = "OPEN"
	PeriodClosed PeriodStatus = "CLOSED"
)

// CustomerLifecycle is the customer's stage as reported by the customer module.
type CustomerLifecycle string

const (
	CustomerProspect    CustomerLifecycle = "PROSPECT"
	CustomerOnboarding  CustomerLifecycle = "ONBOARDING"
	CustomerActive      CustomerLifecycle = "ACTIVE"
	CustomerDormant     CustomerLifecycle = "DORMANT"
	CustomerOffboarding CustomerLifecycle = "OFFBOARDING"
	CustomerOffboarded  CustomerLifecycle = "OFFBOARDED"
)

// CanReceiveRetainer reports whether a customer in this stage may get a new
// agreement. Prospects and offboarded customers may not.
func (c CustomerLifecycle) CanReceiveRetainer() bool {
	return c != CustomerProspect && c != CustomerOffboarded
}

// =============================================================================
// TERMS - Tagged variant replacing "type + nullable allocated hours"
// =============================================================================

// Terms is either HourBank or FixedFee.
type Terms interface {
	Type() AgreementType
	isTerms()
}

// HourBank bills a fixed fee for an allocation of hours per period; hours
// beyond the allocation are billed as overage.
type HourBank struct {
	AllocatedHours decimal.Decimal
}

// FixedFee bills a flat fee per period regardless of hours used. Hours are
// tracked for display only.
type FixedFee struct{}

func (HourBank) Type() AgreementType { return TypeHourBank }
func (HourBank) isTerms()            {}
func (FixedFee) Type() AgreementType { return TypeFixedFee }
func (FixedFee) isTerms()            {}

// Compile-time checks
var (
	_ Terms = HourBank{}
	_ Terms = FixedFee{}
)

// AllocatedHoursOf returns the per-period allocation, or nil for fixed fee.
func AllocatedHoursOf(t Terms) *decimal.Decimal {
	if hb, ok := t.(HourBank); ok {
		return generic.DecimalPtr(hb.AllocatedHours)
	}
	return nil
}

// TermsFor builds the variant for a type name. allocated is ignored for
// FIXED_FEE and required for HOUR_BANK.
func TermsFor(t AgreementType, allocated *decimal.Decimal) (Terms, error) {
	switch t {
	case TypeHourBank:
		if allocated == nil {
			return nil, generic.InvalidState("Allocated hours are required for HOUR_BANK retainers")
		}
		if !allocated.IsPositive() {
			return nil, generic.InvalidState("Allocated hours must be greater than zero")
		}
		return HourBank{AllocatedHours: *allocated}, nil
	case TypeFixedFee:
		return FixedFee{}, nil
	default:
		return nil, generic.InvalidState("Unknown retainer type %q", t)
	}
}

// =============================================================================
// COLLABORATOR RECORDS
// =============================================================================

// Customer is the slice of the customer record this engine reads.
type Customer struct {
	ID              string
	Name            string
	LifecycleStatus CustomerLifecycle
}

// TimeEntry is one billable unit of work logged against a task.
type TimeEntry struct {
	ID              string
	TaskID          string
	MemberID        string
	Date            generic.Date
	DurationMinutes int
	Billable        bool
	Description     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// BillingRate is an hourly rate effective over a date range. An empty
// CustomerID marks the organization default.
type BillingRate struct {
	ID            string
	CustomerID    string
	HourlyRate    decimal.Decimal
	Currency      string
	EffectiveFrom generic.Date
	EffectiveTo   generic.Date // zero = open-ended
}

// OrgSettings are the organization-wide billing settings.
type OrgSettings struct {
	DefaultCurrency string
	TaxInclusive    bool
}

// Member is an organization member; owners and admins receive retainer
// notifications.
type Member struct {
	ID      string
	Name    string
	OrgRole string // "owner", "admin", "member"
}

// Page bounds list queries.
type Page struct {
	Limit  int
	Offset int
}

// Normalize applies defaults: limit 20, max 100.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = 20
	}
	if p.Limit > 100 {
		p.Limit = 100
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
