/*
store.go - Persistence and collaborator contracts for the retainer engine

PURPOSE:
  Defines the interface between the retainer domain and the database plus
  the neighbouring modules it consumes (customers, members, rates, taxes,
  invoices, time entries). In the monolith these all live in the tenant's
  schema, so a single transaction can span them.

KEY INTERFACES:
  AgreementStore:    Retainer agreements (with row locks for close)
  PeriodStore:       Billing periods
  WorkStore:         Time entries and the task -> customer resolution path
  CustomerDirectory: Customer lookup (lifecycle stage gate)
  MemberDirectory:   Notification recipients
  RateResolver:      Billing rates, default tax rate, org settings
  InvoiceStore:      Draft invoice persistence
  NotificationStore: Notification outbox with deduplication
  TxStore:           Store + WithTx for atomic multi-table work

ATOMICITY:
  Every Service operation runs inside WithTx. A period close writes the
  closed period, the invoice with its lines, the next period (or the
  agreement termination) and the notification rows; either all commit or
  none do.

LOCKING:
  LockAgreement and LockOpenPeriod read under row-level exclusivity
  (SELECT ... FOR UPDATE on PostgreSQL, an IMMEDIATE transaction on SQLite).
  MarkClosed is conditional on status = 'OPEN' and returns
  generic.ErrConcurrentModification when another close won.

NOT FOUND CONVENTION:
  Get* methods return *generic.NotFoundError. Lookups that may legitimately
  find nothing (ActiveAgreementForCustomer, OpenPeriod, ResolveBillingRate,
  DefaultTaxRate) return nil, nil.

IMPLEMENTATIONS:
  - store/sqlstore: SQLite and PostgreSQL

SEE ALSO:
  - service.go: Uses these contracts
  - store/sqlstore/store.go: Concrete implementation
*/
package retainer

import (
	"context"

	"github.com/warp/retainer-engine/generic"
)

// =============================================================================
// DOMAIN STORES
// =============================================================================

// AgreementFilter narrows ListAgreements. Empty fields match everything.
type AgreementFilter struct {
	CustomerID string
	Status     AgreementStatus
}

type AgreementStore interface {
	InsertAgreement(ctx context.Context, a *Agreement) error
	UpdateAgreement(ctx context.Context, a *Agreement) error
	GetAgreement(ctx context.Context, id string) (*Agreement, error)

	// LockAgreement reads the agreement and holds a row lock until commit.
	LockAgreement(ctx context.Context, id string) (*Agreement, error)

	ActiveAgreementForCustomer(ctx context.Context, customerID string) (*Agreement, error)
	ListAgreements(ctx context.Context, filter AgreementFilter) ([]Agreement, error)
}

// PeriodFilter narrows ListPeriods. Empty Status matches both.
type PeriodFilter struct {
	AgreementID string
	Status      PeriodStatus
	Page        Page
}

type PeriodStore interface {
	InsertPeriod(ctx context.Context, p *Period) error
	GetPeriod(ctx context.Context, id string) (*Period, error)
	OpenPeriod(ctx context.Context, agreementID string) (*Period, error)

	// LockOpenPeriod reads the OPEN period and holds a row lock until commit.
	LockOpenPeriod(ctx context.Context, agreementID string) (*Period, error)

	UpdateConsumption(ctx context.Context, p *Period) error

	// MarkClosed persists close results; fails with
	// generic.ErrConcurrentModification unless the row is still OPEN.
	MarkClosed(ctx context.Context, p *Period) error

	// ListPeriods returns periods newest first.
	ListPeriods(ctx context.Context, filter PeriodFilter) ([]Period, error)

	// OverdueOpenPeriods returns OPEN periods with period_end <= asOf.
	OverdueOpenPeriods(ctx context.Context, asOf generic.Date) ([]Period, error)
}

// =============================================================================
// COLLABORATORS
// =============================================================================

type WorkStore interface {
	InsertTimeEntry(ctx context.Context, e *TimeEntry) error
	UpdateTimeEntry(ctx context.Context, e *TimeEntry) error
	DeleteTimeEntry(ctx context.Context, id string) error
	GetTimeEntry(ctx context.Context, id string) (*TimeEntry, error)

	// CustomersForTask resolves task -> project -> linked customers, ordered
	// by id. Empty when any link is missing.
	CustomersForTask(ctx context.Context, taskID string) ([]string, error)

	// BillableMinutes sums billable durations of entries dated inside window
	// on projects linked to the customer.
	BillableMinutes(ctx context.Context, customerID string, window generic.Interval) (int64, error)
}

type CustomerDirectory interface {
	GetCustomer(ctx context.Context, id string) (*Customer, error)
}

type MemberDirectory interface {
	// OwnersAndAdmins returns member ids with org role owner or admin.
	OwnersAndAdmins(ctx context.Context) ([]string, error)
}

type RateResolver interface {
	// ResolveBillingRate returns the customer's hourly rate effective on
	// asOf, falling back to the organization default rate.
	ResolveBillingRate(ctx context.Context, customerID string, asOf generic.Date) (*BillingRate, error)
	DefaultTaxRate(ctx context.Context) (*generic.TaxRate, error)
	OrgSettings(ctx context.Context) (OrgSettings, error)
}

type InvoiceStore interface {
	// InsertInvoice writes the invoice and all of its lines.
	InsertInvoice(ctx context.Context, inv *Invoice) error
	GetInvoice(ctx context.Context, id string) (*Invoice, error)
}

type NotificationStore interface {
	// RecordNotification stores the notification. It returns false without
	// error when DedupeKey is set and already present.
	RecordNotification(ctx context.Context, n *Notification) (bool, error)
}

// =============================================================================
// COMPOSITE
// =============================================================================

// Store is everything a retainer operation touches.
type Store interface {
	AgreementStore
	PeriodStore
	WorkStore
	CustomerDirectory
	MemberDirectory
	RateResolver
	InvoiceStore
	NotificationStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
