package retainer

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/retainer-engine/generic"
)

// =============================================================================
// INVOICE - Draft produced by a period close
// =============================================================================

// InvoiceStatus of generated invoices; the engine only ever creates drafts.
type InvoiceStatus string

const InvoiceDraft InvoiceStatus = "DRAFT"

// Invoice is a draft invoice with its lines.
type Invoice struct {
	ID           string
	CustomerID   string
	Currency     string
	Status       InvoiceStatus
	Subtotal     decimal.Decimal
	TaxAmount    decimal.Decimal
	Total        decimal.Decimal
	TaxInclusive bool
	Lines        []InvoiceLine
	CreatedBy    string
	CreatedAt    time.Time
}

// InvoiceLine is one priced line. Tax fields are nil when no tax applies.
type InvoiceLine struct {
	ID               string
	InvoiceID        string
	Description      string
	Quantity         decimal.Decimal
	UnitPrice        decimal.Decimal
	Amount           decimal.Decimal
	TaxRateID        string
	TaxRateName      string
	TaxRatePercent   *decimal.Decimal
	TaxAmount        *decimal.Decimal
	TaxExempt        bool
	RetainerPeriodID string
	SortOrder        int
}

// HasTax reports whether the line carries per-line tax fields.
func (l InvoiceLine) HasTax() bool {
	return l.TaxAmount != nil
}

// NewDraftInvoice starts an empty draft.
func NewDraftInvoice(id, customerID, currency, createdBy string, now time.Time) *Invoice {
	return &Invoice{
		ID:         id,
		CustomerID: customerID,
		Currency:   currency,
		Status:     InvoiceDraft,
		Subtotal:   decimal.Zero,
		TaxAmount:  decimal.Zero,
		Total:      decimal.Zero,
		CreatedBy:  createdBy,
		CreatedAt:  now,
	}
}

// AddLine appends a line priced at quantity x unit price (2 dp).
func (inv *Invoice) AddLine(id, description string, quantity, unitPrice decimal.Decimal, periodID string) *InvoiceLine {
	inv.Lines = append(inv.Lines, InvoiceLine{
		ID:               id,
		InvoiceID:        inv.ID,
		Description:      description,
		Quantity:         quantity,
		UnitPrice:        unitPrice,
		Amount:           generic.Round2(quantity.Mul(unitPrice)),
		RetainerPeriodID: periodID,
		SortOrder:        len(inv.Lines),
	})
	return &inv.Lines[len(inv.Lines)-1]
}

// ApplyTax tags every line with the rate. A nil rate leaves lines untaxed.
func (inv *Invoice) ApplyTax(rate *generic.TaxRate, inclusive bool) {
	inv.TaxInclusive = inclusive
	if rate == nil {
		return
	}
	for i := range inv.Lines {
		line := &inv.Lines[i]
		line.TaxRateID = rate.ID
		line.TaxRateName = rate.Name
		line.TaxRatePercent = generic.DecimalPtr(rate.Rate)
		line.TaxExempt = rate.Exempt
		line.TaxAmount = generic.DecimalPtr(generic.LineTax(line.Amount, *rate, inclusive))
	}
}

// RecalculateTotals recomputes subtotal, tax and total from the lines.
// The invoice-level tax amount is only overwritten when at least one line
// carries tax; otherwise a manually set amount is kept.
func (inv *Invoice) RecalculateTotals() {
	subtotal := decimal.Zero
	lineTax := decimal.Zero
	anyTaxed := false
	for _, l := range inv.Lines {
		subtotal = subtotal.Add(l.Amount)
		if l.HasTax() {
			anyTaxed = true
			lineTax = lineTax.Add(*l.TaxAmount)
		}
	}
	inv.Subtotal = subtotal
	if anyTaxed {
		inv.TaxAmount = lineTax
	}
	inv.Total = generic.InvoiceTotal(inv.Subtotal, inv.TaxAmount, inv.TaxInclusive)
}

// =============================================================================
// LINE DESCRIPTIONS
// =============================================================================

func baseLineDescription(a *Agreement, p *Period) string {
	return fmt.Sprintf("Retainer: %s (%s to %s)", a.Name, p.PeriodStart, p.PeriodEnd)
}

func overageLineDescription(a *Agreement, overage decimal.Decimal, rate decimal.Decimal) string {
	return fmt.Sprintf("Overage: %s (%s hrs @ %s/hr)", a.Name, overage.StringFixed(2), rate.StringFixed(2))
}
