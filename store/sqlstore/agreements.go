package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/retainer-engine/generic"
	"github.com/warp/retainer-engine/retainer"
)

// =============================================================================
// AGREEMENT STORE
// =============================================================================

const agreementColumns = `id, customer_id, name, type, frequency, start_date, end_date,
	allocated_hours, period_fee, rollover_policy, rollover_cap_hours, notes, status,
	created_by, created_at, updated_at`

func (r *repo) InsertAgreement(ctx context.Context, a *retainer.Agreement) error {
	query := `INSERT INTO retainer_agreements (` + agreementColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.exec(ctx, query,
		a.ID, a.CustomerID, a.Name, string(a.Type()), string(a.Frequency),
		a.StartDate.String(), nullDate(a.EndDate),
		nullDecimal(a.AllocatedHours()), a.PeriodFee.String(),
		string(a.Rollover.Policy), nullDecimal(a.Rollover.CapHours),
		nullString(a.Notes), string(a.Status), nullString(a.CreatedBy),
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return generic.Conflict("Customer already has an active retainer")
		}
		return fmt.Errorf("failed to insert agreement: %w", err)
	}
	return nil
}

func (r *repo) UpdateAgreement(ctx context.Context, a *retainer.Agreement) error {
	query := `
		UPDATE retainer_agreements SET
			name = ?, allocated_hours = ?, period_fee = ?, rollover_policy = ?,
			rollover_cap_hours = ?, end_date = ?, notes = ?, status = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := r.exec(ctx, query,
		a.Name, nullDecimal(a.AllocatedHours()), a.PeriodFee.String(),
		string(a.Rollover.Policy), nullDecimal(a.Rollover.CapHours),
		nullDate(a.EndDate), nullString(a.Notes), string(a.Status),
		formatTime(a.UpdatedAt), a.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return generic.Conflict("Customer already has an active retainer")
		}
		return fmt.Errorf("failed to update agreement: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return generic.NotFound("retainer", a.ID)
	}
	return nil
}

func (r *repo) GetAgreement(ctx context.Context, id string) (*retainer.Agreement, error) {
	return r.getAgreement(ctx, id, "")
}

func (r *repo) LockAgreement(ctx context.Context, id string) (*retainer.Agreement, error) {
	return r.getAgreement(ctx, id, r.dialect.forUpdate())
}

func (r *repo) getAgreement(ctx context.Context, id, suffix string) (*retainer.Agreement, error) {
	query := `SELECT ` + agreementColumns + ` FROM retainer_agreements WHERE id = ?` + suffix
	a, err := scanAgreement(r.queryRow(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, generic.NotFound("retainer", id)
	}
	return a, err
}

func (r *repo) ActiveAgreementForCustomer(ctx context.Context, customerID string) (*retainer.Agreement, error) {
	query := `SELECT ` + agreementColumns + ` FROM retainer_agreements
		WHERE customer_id = ? AND status = 'ACTIVE'`
	a, err := scanAgreement(r.queryRow(ctx, query, customerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (r *repo) ListAgreements(ctx context.Context, filter retainer.AgreementFilter) ([]retainer.Agreement, error) {
	var (
		where []string
		args  []any
	)
	if filter.CustomerID != "" {
		where = append(where, "customer_id = ?")
		args = append(args, filter.CustomerID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	query := `SELECT ` + agreementColumns + ` FROM retainer_agreements`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query agreements: %w", err)
	}
	defer rows.Close()

	var out []retainer.Agreement
	for rows.Next() {
		a, err := scanAgreement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgreement(row rowScanner) (*retainer.Agreement, error) {
	var (
		a                                   retainer.Agreement
		agreementType, frequency, status    string
		startDate, feeText, policy          string
		endDate, allocated, capHours, notes sql.NullString
		createdBy                           sql.NullString
		createdAt, updatedAt                string
	)
	err := row.Scan(
		&a.ID, &a.CustomerID, &a.Name, &agreementType, &frequency, &startDate, &endDate,
		&allocated, &feeText, &policy, &capHours, &notes, &status,
		&createdBy, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan agreement: %w", err)
	}

	cols := columnParser{row: "agreement " + a.ID}
	terms, err := retainer.TermsFor(retainer.AgreementType(agreementType), cols.parseNullDecimal("allocated_hours", allocated))
	if err != nil {
		return nil, fmt.Errorf("agreement %s has corrupt terms: %w", a.ID, err)
	}
	a.Terms = terms
	a.Frequency = generic.Frequency(frequency)
	a.StartDate = cols.parseDate("start_date", startDate)
	a.EndDate = cols.parseNullDate("end_date", endDate)
	a.PeriodFee = cols.parseDecimal("period_fee", feeText)
	a.Rollover = generic.RolloverRule{
		Policy:   generic.RolloverPolicy(policy),
		CapHours: cols.parseNullDecimal("rollover_cap_hours", capHours),
	}
	a.Notes = notes.String
	a.Status = retainer.AgreementStatus(status)
	a.CreatedBy = createdBy.String
	a.CreatedAt = cols.parseTime("created_at", createdAt)
	a.UpdatedAt = cols.parseTime("updated_at", updatedAt)
	if cols.err != nil {
		return nil, cols.err
	}
	return &a, nil
}

// =============================================================================
// PERIOD STORE
// =============================================================================

const periodColumns = `id, agreement_id, period_start, period_end, status,
	base_allocated_hours, rollover_hours_in, allocated_hours, consumed_hours,
	remaining_hours, overage_hours, rollover_hours_out, invoice_id, closed_by,
	closed_at, created_at, updated_at`

func (r *repo) InsertPeriod(ctx context.Context, p *retainer.Period) error {
	query := `INSERT INTO retainer_periods (` + periodColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.exec(ctx, query,
		p.ID, p.AgreementID, p.PeriodStart.String(), p.PeriodEnd.String(), string(p.Status),
		nullDecimal(p.BaseAllocatedHours), p.RolloverHoursIn.String(),
		nullDecimal(p.AllocatedHours), p.ConsumedHours.String(),
		nullDecimal(p.RemainingHours), p.OverageHours.String(), p.RolloverHoursOut.String(),
		nullString(p.InvoiceID), nullString(p.ClosedBy), nullTime(p.ClosedAt),
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("period %s for retainer %s: %w", p.PeriodStart, p.AgreementID, generic.ErrConcurrentModification)
		}
		return fmt.Errorf("failed to insert period: %w", err)
	}
	return nil
}

func (r *repo) GetPeriod(ctx context.Context, id string) (*retainer.Period, error) {
	query := `SELECT ` + periodColumns + ` FROM retainer_periods WHERE id = ?`
	p, err := scanPeriod(r.queryRow(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, generic.NotFound("period", id)
	}
	return p, err
}

func (r *repo) OpenPeriod(ctx context.Context, agreementID string) (*retainer.Period, error) {
	return r.openPeriod(ctx, agreementID, "")
}

func (r *repo) LockOpenPeriod(ctx context.Context, agreementID string) (*retainer.Period, error) {
	return r.openPeriod(ctx, agreementID, r.dialect.forUpdate())
}

func (r *repo) openPeriod(ctx context.Context, agreementID, suffix string) (*retainer.Period, error) {
	query := `SELECT ` + periodColumns + ` FROM retainer_periods
		WHERE agreement_id = ? AND status = 'OPEN'` + suffix
	p, err := scanPeriod(r.queryRow(ctx, query, agreementID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func (r *repo) UpdateConsumption(ctx context.Context, p *retainer.Period) error {
	query := `
		UPDATE retainer_periods
		SET consumed_hours = ?, remaining_hours = ?, updated_at = ?
		WHERE id = ? AND status = 'OPEN'
	`
	res, err := r.exec(ctx, query,
		p.ConsumedHours.String(), nullDecimal(p.RemainingHours), formatTime(p.UpdatedAt), p.ID)
	if err != nil {
		return fmt.Errorf("failed to update consumption: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("period %s is no longer open: %w", p.ID, generic.ErrConcurrentModification)
	}
	return nil
}

// MarkClosed only updates a row that is still OPEN, so a second close of
// the same period can never succeed.
func (r *repo) MarkClosed(ctx context.Context, p *retainer.Period) error {
	query := `
		UPDATE retainer_periods SET
			status = 'CLOSED', consumed_hours = ?, remaining_hours = ?, overage_hours = ?,
			rollover_hours_out = ?, invoice_id = ?, closed_by = ?, closed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'OPEN'
	`
	res, err := r.exec(ctx, query,
		p.ConsumedHours.String(), nullDecimal(p.RemainingHours), p.OverageHours.String(),
		p.RolloverHoursOut.String(), nullString(p.InvoiceID), nullString(p.ClosedBy),
		nullTime(p.ClosedAt), formatTime(p.UpdatedAt), p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to close period: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to close period: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("period %s already closed: %w", p.ID, generic.ErrConcurrentModification)
	}
	return nil
}

func (r *repo) ListPeriods(ctx context.Context, filter retainer.PeriodFilter) ([]retainer.Period, error) {
	page := filter.Page.Normalize()
	query := `SELECT ` + periodColumns + ` FROM retainer_periods WHERE agreement_id = ?`
	args := []any{filter.AgreementID}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY period_start DESC LIMIT ? OFFSET ?`
	args = append(args, page.Limit, page.Offset)
	return r.queryPeriods(ctx, query, args...)
}

func (r *repo) OverdueOpenPeriods(ctx context.Context, asOf generic.Date) ([]retainer.Period, error) {
	query := `SELECT ` + periodColumns + ` FROM retainer_periods
		WHERE status = 'OPEN' AND period_end <= ?
		ORDER BY period_end, id`
	return r.queryPeriods(ctx, query, asOf.String())
}

func (r *repo) queryPeriods(ctx context.Context, query string, args ...any) ([]retainer.Period, error) {
	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query periods: %w", err)
	}
	defer rows.Close()

	var out []retainer.Period
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanPeriod(row rowScanner) (*retainer.Period, error) {
	var (
		p                                       retainer.Period
		start, end, status                      string
		base, allocated, remaining              sql.NullString
		rolloverIn, consumed, overage, rollover string
		invoiceID, closedBy, closedAt           sql.NullString
		createdAt, updatedAt                    string
	)
	err := row.Scan(
		&p.ID, &p.AgreementID, &start, &end, &status,
		&base, &rolloverIn, &allocated, &consumed,
		&remaining, &overage, &rollover, &invoiceID, &closedBy,
		&closedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan period: %w", err)
	}
	cols := columnParser{row: "period " + p.ID}
	p.PeriodStart = cols.parseDate("period_start", start)
	p.PeriodEnd = cols.parseDate("period_end", end)
	p.Status = retainer.PeriodStatus(status)
	p.BaseAllocatedHours = cols.parseNullDecimal("base_allocated_hours", base)
	p.RolloverHoursIn = cols.parseDecimal("rollover_hours_in", rolloverIn)
	p.AllocatedHours = cols.parseNullDecimal("allocated_hours", allocated)
	p.ConsumedHours = cols.parseDecimal("consumed_hours", consumed)
	p.RemainingHours = cols.parseNullDecimal("remaining_hours", remaining)
	p.OverageHours = cols.parseDecimal("overage_hours", overage)
	p.RolloverHoursOut = cols.parseDecimal("rollover_hours_out", rollover)
	p.InvoiceID = invoiceID.String
	p.ClosedBy = closedBy.String
	if closedAt.Valid {
		t := cols.parseTime("closed_at", closedAt.String)
		p.ClosedAt = &t
	}
	p.CreatedAt = cols.parseTime("created_at", createdAt)
	p.UpdatedAt = cols.parseTime("updated_at", updatedAt)
	if cols.err != nil {
		return nil, cols.err
	}
	return &p, nil
}

// =============================================================================
// NULLABLE COLUMN HELPERS
// =============================================================================

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func nullDate(d generic.Date) sql.NullString {
	if d.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

// =============================================================================
// COLUMN PARSING
// =============================================================================

// columnParser turns stored text columns back into domain values. Only the
// first bad value is recorded, so a scanner parses every column and checks
// err once.
type columnParser struct {
	row string
	err error
}

func (c *columnParser) fail(column, value string, err error) {
	if c.err == nil {
		c.err = fmt.Errorf("%s has corrupt %s %q: %w", c.row, column, value, err)
	}
}

func (c *columnParser) parseDecimal(column, s string) decimal.Decimal {
	d, err := generic.ParseDecimal(s)
	if err != nil {
		c.fail(column, s, err)
		return decimal.Zero
	}
	return d
}

func (c *columnParser) parseNullDecimal(column string, s sql.NullString) *decimal.Decimal {
	if !s.Valid || s.String == "" {
		return nil
	}
	d := c.parseDecimal(column, s.String)
	return &d
}

func (c *columnParser) parseDate(column, s string) generic.Date {
	d, err := generic.ParseDate(s)
	if err != nil {
		c.fail(column, s, err)
	}
	return d
}

func (c *columnParser) parseNullDate(column string, s sql.NullString) generic.Date {
	if !s.Valid || s.String == "" {
		return generic.Date{}
	}
	return c.parseDate(column, s.String)
}

func (c *columnParser) parseTime(column, s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		c.fail(column, s, err)
	}
	return t
}
