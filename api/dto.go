/*
dto.go - Data Transfer Objects for the HTTP API

PURPOSE:
  Defines the JSON shapes returned by the API. Domain types stay free of
  JSON tags; these DTOs decouple the wire format from the engine.

CONVENTIONS:
  - Field names are snake_case
  - Dates are "YYYY-MM-DD", timestamps RFC 3339
  - Hours and money are decimal strings ("40", "5300.00") so clients never
    see float rounding
  - Nullable allocation fields are omitted for fixed-fee agreements

SEE ALSO:
  - handlers.go: Uses these DTOs
  - factory/agreement.go: Request bodies for create and update
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/retainer-engine/factory"
	"github.com/warp/retainer-engine/generic"
	"github.com/warp/retainer-engine/retainer"
)

// =============================================================================
// AGREEMENT DTOs
// =============================================================================

// AgreementDTO is an agreement as returned by the API.
type AgreementDTO struct {
	factory.AgreementDocument
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AgreementDetailDTO adds the current and recent periods.
type AgreementDetailDTO struct {
	AgreementDTO
	CurrentPeriod *PeriodDTO  `json:"current_period"`
	RecentPeriods []PeriodDTO `json:"recent_periods"`
}

// CreateAgreementResponse is returned by POST /api/retainers.
type CreateAgreementResponse struct {
	Agreement AgreementDTO `json:"agreement"`
	Period    PeriodDTO    `json:"period"`
}

// =============================================================================
// PERIOD DTOs
// =============================================================================

// PeriodDTO is a billing period.
type PeriodDTO struct {
	ID                 string           `json:"id"`
	AgreementID        string           `json:"agreement_id"`
	PeriodStart        generic.Date     `json:"period_start"`
	PeriodEnd          generic.Date     `json:"period_end"`
	Status             string           `json:"status"`
	BaseAllocatedHours *decimal.Decimal `json:"base_allocated_hours,omitempty"`
	RolloverHoursIn    decimal.Decimal  `json:"rollover_hours_in"`
	AllocatedHours     *decimal.Decimal `json:"allocated_hours,omitempty"`
	ConsumedHours      decimal.Decimal  `json:"consumed_hours"`
	RemainingHours     *decimal.Decimal `json:"remaining_hours,omitempty"`
	OverageHours       decimal.Decimal  `json:"overage_hours"`
	RolloverHoursOut   decimal.Decimal  `json:"rollover_hours_out"`
	InvoiceID          string           `json:"invoice_id,omitempty"`
	ClosedBy           string           `json:"closed_by,omitempty"`
	ClosedAt           *time.Time       `json:"closed_at,omitempty"`
}

// CloseResponse is returned by POST /api/retainers/{id}/close.
type CloseResponse struct {
	Agreement      AgreementDTO `json:"agreement"`
	ClosedPeriod   PeriodDTO    `json:"closed_period"`
	NextPeriod     *PeriodDTO   `json:"next_period"`
	Invoice        InvoiceDTO   `json:"invoice"`
	AutoTerminated bool         `json:"auto_terminated"`
}

// ScanResponse is returned by POST /api/retainers/scan.
type ScanResponse struct {
	PeriodsScanned    int `json:"periods_scanned"`
	NotificationsSent int `json:"notifications_sent"`
}

// =============================================================================
// INVOICE DTOs
// =============================================================================

// InvoiceDTO is a draft invoice with its lines.
type InvoiceDTO struct {
	ID           string           `json:"id"`
	CustomerID   string           `json:"customer_id"`
	Currency     string           `json:"currency"`
	Status       string           `json:"status"`
	Subtotal     string           `json:"subtotal"`
	TaxAmount    string           `json:"tax_amount"`
	Total        string           `json:"total"`
	TaxInclusive bool             `json:"tax_inclusive"`
	Lines        []InvoiceLineDTO `json:"lines"`
	CreatedAt    time.Time        `json:"created_at"`
}

// InvoiceLineDTO is one invoice line.
type InvoiceLineDTO struct {
	ID               string           `json:"id"`
	Description      string           `json:"description"`
	Quantity         decimal.Decimal  `json:"quantity"`
	UnitPrice        decimal.Decimal  `json:"unit_price"`
	Amount           string           `json:"amount"`
	TaxRateName      string           `json:"tax_rate_name,omitempty"`
	TaxRatePercent   *decimal.Decimal `json:"tax_rate_percent,omitempty"`
	TaxAmount        *decimal.Decimal `json:"tax_amount,omitempty"`
	TaxExempt        bool             `json:"tax_exempt"`
	RetainerPeriodID string           `json:"retainer_period_id,omitempty"`
}

// =============================================================================
// CONSUMPTION DTOs
// =============================================================================

// SummaryDTO is a customer's current retainer usage.
type SummaryDTO struct {
	CustomerID        string           `json:"customer_id"`
	HasActiveRetainer bool             `json:"has_active_retainer"`
	AgreementID       string           `json:"agreement_id,omitempty"`
	AgreementName     string           `json:"agreement_name,omitempty"`
	Type              string           `json:"type,omitempty"`
	PeriodStart       generic.Date     `json:"period_start"`
	PeriodEnd         generic.Date     `json:"period_end"`
	AllocatedHours    *decimal.Decimal `json:"allocated_hours"`
	ConsumedHours     *decimal.Decimal `json:"consumed_hours"`
	RemainingHours    *decimal.Decimal `json:"remaining_hours"`
	PercentConsumed   decimal.Decimal  `json:"percent_consumed"`
	IsOverage         bool             `json:"is_overage"`
}

// TimeEntryRequest creates or replaces a time entry. Billable defaults to
// true.
type TimeEntryRequest struct {
	TaskID          string       `json:"task_id"`
	MemberID        string       `json:"member_id"`
	Date            generic.Date `json:"date"`
	DurationMinutes int          `json:"duration_minutes"`
	Billable        *bool        `json:"billable"`
	Description     string       `json:"description"`
}

// TimeEntryDTO is a stored time entry.
type TimeEntryDTO struct {
	ID              string       `json:"id"`
	TaskID          string       `json:"task_id"`
	MemberID        string       `json:"member_id,omitempty"`
	Date            generic.Date `json:"date"`
	DurationMinutes int          `json:"duration_minutes"`
	Billable        bool         `json:"billable"`
	Description     string       `json:"description,omitempty"`
}

// =============================================================================
// MISC DTOs
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the body of POST /api/scenarios/load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toAgreementDTO(a *retainer.Agreement) AgreementDTO {
	return AgreementDTO{
		AgreementDocument: factory.ToDocument(a),
		CreatedBy:         a.CreatedBy,
		CreatedAt:         a.CreatedAt,
		UpdatedAt:         a.UpdatedAt,
	}
}

func toPeriodDTO(p *retainer.Period) PeriodDTO {
	return PeriodDTO{
		ID:                 p.ID,
		AgreementID:        p.AgreementID,
		PeriodStart:        p.PeriodStart,
		PeriodEnd:          p.PeriodEnd,
		Status:             string(p.Status),
		BaseAllocatedHours: p.BaseAllocatedHours,
		RolloverHoursIn:    p.RolloverHoursIn,
		AllocatedHours:     p.AllocatedHours,
		ConsumedHours:      p.ConsumedHours,
		RemainingHours:     p.RemainingHours,
		OverageHours:       p.OverageHours,
		RolloverHoursOut:   p.RolloverHoursOut,
		InvoiceID:          p.InvoiceID,
		ClosedBy:           p.ClosedBy,
		ClosedAt:           p.ClosedAt,
	}
}

func toPeriodDTOs(periods []retainer.Period) []PeriodDTO {
	dtos := make([]PeriodDTO, len(periods))
	for i := range periods {
		dtos[i] = toPeriodDTO(&periods[i])
	}
	return dtos
}

func toInvoiceDTO(inv *retainer.Invoice) InvoiceDTO {
	dto := InvoiceDTO{
		ID:           inv.ID,
		CustomerID:   inv.CustomerID,
		Currency:     inv.Currency,
		Status:       string(inv.Status),
		Subtotal:     inv.Subtotal.StringFixed(2),
		TaxAmount:    inv.TaxAmount.StringFixed(2),
		Total:        inv.Total.StringFixed(2),
		TaxInclusive: inv.TaxInclusive,
		Lines:        make([]InvoiceLineDTO, len(inv.Lines)),
		CreatedAt:    inv.CreatedAt,
	}
	for i, l := range inv.Lines {
		dto.Lines[i] = InvoiceLineDTO{
			ID:               l.ID,
			Description:      l.Description,
			Quantity:         l.Quantity,
			UnitPrice:        l.UnitPrice,
			Amount:           l.Amount.StringFixed(2),
			TaxRateName:      l.TaxRateName,
			TaxRatePercent:   l.TaxRatePercent,
			TaxAmount:        l.TaxAmount,
			TaxExempt:        l.TaxExempt,
			RetainerPeriodID: l.RetainerPeriodID,
		}
	}
	return dto
}

func toSummaryDTO(s *retainer.ConsumptionSummary) SummaryDTO {
	return SummaryDTO{
		CustomerID:        s.CustomerID,
		HasActiveRetainer: s.HasActiveRetainer,
		AgreementID:       s.AgreementID,
		AgreementName:     s.AgreementName,
		Type:              string(s.Type),
		PeriodStart:       s.PeriodStart,
		PeriodEnd:         s.PeriodEnd,
		AllocatedHours:    s.AllocatedHours,
		ConsumedHours:     s.ConsumedHours,
		RemainingHours:    s.RemainingHours,
		PercentConsumed:   s.PercentConsumed,
		IsOverage:         s.IsOverage,
	}
}

func toTimeEntryDTO(e *retainer.TimeEntry) TimeEntryDTO {
	return TimeEntryDTO{
		ID:              e.ID,
		TaskID:          e.TaskID,
		MemberID:        e.MemberID,
		Date:            e.Date,
		DurationMinutes: e.DurationMinutes,
		Billable:        e.Billable,
		Description:     e.Description,
	}
}

func (req TimeEntryRequest) toInput() retainer.TimeEntryInput {
	billable := true
	if req.Billable != nil {
		billable = *req.Billable
	}
	return retainer.TimeEntryInput{
		TaskID:          req.TaskID,
		MemberID:        req.MemberID,
		Date:            req.Date,
		DurationMinutes: req.DurationMinutes,
		Billable:        billable,
		Description:     req.Description,
	}
}
