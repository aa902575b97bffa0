package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/retainer-engine/generic"
	"github.com/warp/retainer-engine/retainer"
)

// defaultSettings apply until an org_settings row exists.
var defaultSettings = retainer.OrgSettings{DefaultCurrency: "USD"}

const settingsKey = "org"

// =============================================================================
// RATE RESOLVER
// =============================================================================

// ResolveBillingRate prefers the customer's own rate over the org default,
// then the most recent effective_from. effective_to is inclusive.
func (r *repo) ResolveBillingRate(ctx context.Context, customerID string, asOf generic.Date) (*retainer.BillingRate, error) {
	query := `
		SELECT id, customer_id, hourly_rate, currency, effective_from, effective_to
		FROM billing_rates
		WHERE (customer_id = ? OR customer_id IS NULL)
		  AND effective_from <= ?
		  AND (effective_to IS NULL OR effective_to >= ?)
		ORDER BY CASE WHEN customer_id IS NULL THEN 1 ELSE 0 END, effective_from DESC
		LIMIT 1
	`
	var (
		rate                   retainer.BillingRate
		rateCustomer, to       sql.NullString
		hourly, currency, from string
	)
	day := asOf.String()
	err := r.queryRow(ctx, query, customerID, day, day).
		Scan(&rate.ID, &rateCustomer, &hourly, &currency, &from, &to)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve billing rate: %w", err)
	}
	cols := columnParser{row: "billing rate " + rate.ID}
	rate.CustomerID = rateCustomer.String
	rate.HourlyRate = cols.parseDecimal("hourly_rate", hourly)
	rate.Currency = currency
	rate.EffectiveFrom = cols.parseDate("effective_from", from)
	rate.EffectiveTo = cols.parseNullDate("effective_to", to)
	if cols.err != nil {
		return nil, cols.err
	}
	return &rate, nil
}

func (r *repo) DefaultTaxRate(ctx context.Context) (*generic.TaxRate, error) {
	var (
		t        generic.TaxRate
		rateText string
		exempt   int
	)
	err := r.queryRow(ctx, `SELECT id, name, rate, is_exempt FROM tax_rates WHERE is_default = 1 ORDER BY id LIMIT 1`).
		Scan(&t.ID, &t.Name, &rateText, &exempt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get default tax rate: %w", err)
	}
	cols := columnParser{row: "tax rate " + t.ID}
	t.Rate = cols.parseDecimal("rate", rateText)
	t.Exempt = exempt != 0
	if cols.err != nil {
		return nil, cols.err
	}
	return &t, nil
}

// OrgSettings is read through an expiring LRU shared by the store and its
// transactions. SaveOrgSettings purges it.
func (r *repo) OrgSettings(ctx context.Context) (retainer.OrgSettings, error) {
	if cached, ok := r.settings.Get(settingsKey); ok {
		return cached, nil
	}
	var (
		settings  retainer.OrgSettings
		inclusive int
	)
	err := r.queryRow(ctx, `SELECT default_currency, tax_inclusive FROM org_settings WHERE id = 1`).
		Scan(&settings.DefaultCurrency, &inclusive)
	if errors.Is(err, sql.ErrNoRows) {
		settings = defaultSettings
	} else if err != nil {
		return retainer.OrgSettings{}, fmt.Errorf("failed to get org settings: %w", err)
	} else {
		settings.TaxInclusive = inclusive != 0
	}
	r.settings.Add(settingsKey, settings)
	return settings, nil
}

// =============================================================================
// INVOICE STORE
// =============================================================================

func (r *repo) InsertInvoice(ctx context.Context, inv *retainer.Invoice) error {
	_, err := r.exec(ctx, `
		INSERT INTO invoices (id, customer_id, currency, status, subtotal, tax_amount, total,
			tax_inclusive, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.CustomerID, inv.Currency, string(inv.Status),
		inv.Subtotal.StringFixed(2), inv.TaxAmount.StringFixed(2), inv.Total.StringFixed(2),
		boolInt(inv.TaxInclusive), nullString(inv.CreatedBy), formatTime(inv.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert invoice: %w", err)
	}

	for _, l := range inv.Lines {
		_, err := r.exec(ctx, `
			INSERT INTO invoice_lines (id, invoice_id, description, quantity, unit_price, amount,
				tax_rate_id, tax_rate_name, tax_rate_percent, tax_amount, tax_exempt,
				retainer_period_id, sort_order)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			l.ID, inv.ID, l.Description, l.Quantity.String(), l.UnitPrice.String(), l.Amount.StringFixed(2),
			nullString(l.TaxRateID), nullString(l.TaxRateName), nullDecimal(l.TaxRatePercent),
			nullDecimal(l.TaxAmount), boolInt(l.TaxExempt), nullString(l.RetainerPeriodID), l.SortOrder,
		)
		if err != nil {
			return fmt.Errorf("failed to insert invoice line: %w", err)
		}
	}
	return nil
}

func (r *repo) GetInvoice(ctx context.Context, id string) (*retainer.Invoice, error) {
	var (
		inv                  retainer.Invoice
		status               string
		subtotal, tax, total string
		inclusive            int
		createdBy            sql.NullString
		createdAt            string
	)
	err := r.queryRow(ctx, `
		SELECT id, customer_id, currency, status, subtotal, tax_amount, total,
			tax_inclusive, created_by, created_at
		FROM invoices WHERE id = ?`, id).
		Scan(&inv.ID, &inv.CustomerID, &inv.Currency, &status, &subtotal, &tax, &total,
			&inclusive, &createdBy, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, generic.NotFound("invoice", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}
	cols := columnParser{row: "invoice " + inv.ID}
	inv.Status = retainer.InvoiceStatus(status)
	inv.Subtotal = cols.parseDecimal("subtotal", subtotal)
	inv.TaxAmount = cols.parseDecimal("tax_amount", tax)
	inv.Total = cols.parseDecimal("total", total)
	inv.TaxInclusive = inclusive != 0
	inv.CreatedBy = createdBy.String
	inv.CreatedAt = cols.parseTime("created_at", createdAt)
	if cols.err != nil {
		return nil, cols.err
	}

	lines, err := r.invoiceLines(ctx, id)
	if err != nil {
		return nil, err
	}
	inv.Lines = lines
	return &inv, nil
}

func (r *repo) invoiceLines(ctx context.Context, invoiceID string) ([]retainer.InvoiceLine, error) {
	rows, err := r.query(ctx, `
		SELECT id, invoice_id, description, quantity, unit_price, amount, tax_rate_id,
			tax_rate_name, tax_rate_percent, tax_amount, tax_exempt, retainer_period_id, sort_order
		FROM invoice_lines WHERE invoice_id = ? ORDER BY sort_order`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoice lines: %w", err)
	}
	defer rows.Close()

	var lines []retainer.InvoiceLine
	for rows.Next() {
		var (
			l                                  retainer.InvoiceLine
			qty, price, amount                 string
			rateID, rateName, pct, tax, period sql.NullString
			exempt                             int
		)
		if err := rows.Scan(&l.ID, &l.InvoiceID, &l.Description, &qty, &price, &amount,
			&rateID, &rateName, &pct, &tax, &exempt, &period, &l.SortOrder); err != nil {
			return nil, fmt.Errorf("failed to scan invoice line: %w", err)
		}
		cols := columnParser{row: "invoice line " + l.ID}
		l.Quantity = cols.parseDecimal("quantity", qty)
		l.UnitPrice = cols.parseDecimal("unit_price", price)
		l.Amount = cols.parseDecimal("amount", amount)
		l.TaxRateID = rateID.String
		l.TaxRateName = rateName.String
		l.TaxRatePercent = cols.parseNullDecimal("tax_rate_percent", pct)
		l.TaxAmount = cols.parseNullDecimal("tax_amount", tax)
		l.TaxExempt = exempt != 0
		l.RetainerPeriodID = period.String
		if cols.err != nil {
			return nil, cols.err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// =============================================================================
// NOTIFICATION STORE
// =============================================================================

// RecordNotification inserts the row unless its dedupe key already exists.
func (r *repo) RecordNotification(ctx context.Context, n *retainer.Notification) (bool, error) {
	res, err := r.exec(ctx, `
		INSERT INTO notifications (id, type, title, body, reference_type, reference_id,
			recipient_id, dedupe_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		n.ID, string(n.Type), n.Title, n.Body, n.ReferenceType, n.ReferenceID,
		n.RecipientID, nullString(n.DedupeKey), formatTime(n.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to record notification: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to record notification: %w", err)
	}
	return affected > 0, nil
}
