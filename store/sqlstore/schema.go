package sqlstore

import (
	"context"
	"fmt"
	"strings"
)

// schema is valid for both SQLite and PostgreSQL. Every column that holds a
// decimal, date or timestamp is TEXT so the two dialects behave identically.
var schema = []string{
	// Collaborator tables (owned by neighbouring modules in the monolith)
	`CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		lifecycle_status TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS customer_projects (
		customer_id TEXT NOT NULL REFERENCES customers(id),
		project_id TEXT NOT NULL REFERENCES projects(id),
		PRIMARY KEY (customer_id, project_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_customer_projects_project
		ON customer_projects(project_id)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id),
		title TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS members (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		org_role TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS time_entries (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		member_id TEXT,
		entry_date TEXT NOT NULL,
		duration_minutes INTEGER NOT NULL,
		billable INTEGER NOT NULL DEFAULT 1,
		description TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_time_entries_task_date
		ON time_entries(task_id, entry_date)`,
	`CREATE TABLE IF NOT EXISTS billing_rates (
		id TEXT PRIMARY KEY,
		customer_id TEXT,
		hourly_rate TEXT NOT NULL,
		currency TEXT NOT NULL,
		effective_from TEXT NOT NULL,
		effective_to TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_billing_rates_customer
		ON billing_rates(customer_id, effective_from)`,
	`CREATE TABLE IF NOT EXISTS tax_rates (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		rate TEXT NOT NULL,
		is_exempt INTEGER NOT NULL DEFAULT 0,
		is_default INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS org_settings (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		default_currency TEXT NOT NULL,
		tax_inclusive INTEGER NOT NULL DEFAULT 0
	)`,

	// Invoices
	`CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		subtotal TEXT NOT NULL,
		tax_amount TEXT NOT NULL,
		total TEXT NOT NULL,
		tax_inclusive INTEGER NOT NULL DEFAULT 0,
		created_by TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS invoice_lines (
		id TEXT PRIMARY KEY,
		invoice_id TEXT NOT NULL REFERENCES invoices(id),
		description TEXT NOT NULL,
		quantity TEXT NOT NULL,
		unit_price TEXT NOT NULL,
		amount TEXT NOT NULL,
		tax_rate_id TEXT,
		tax_rate_name TEXT,
		tax_rate_percent TEXT,
		tax_amount TEXT,
		tax_exempt INTEGER NOT NULL DEFAULT 0,
		retainer_period_id TEXT,
		sort_order INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_invoice_lines_invoice
		ON invoice_lines(invoice_id, sort_order)`,

	// Retainers
	`CREATE TABLE IF NOT EXISTS retainer_agreements (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL REFERENCES customers(id),
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		frequency TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT,
		allocated_hours TEXT,
		period_fee TEXT NOT NULL,
		rollover_policy TEXT NOT NULL,
		rollover_cap_hours TEXT,
		notes TEXT,
		status TEXT NOT NULL,
		created_by TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	// CRITICAL: at most one ACTIVE agreement per customer
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_agreements_one_active
		ON retainer_agreements(customer_id) WHERE status = 'ACTIVE'`,
	`CREATE INDEX IF NOT EXISTS idx_agreements_customer
		ON retainer_agreements(customer_id, status)`,
	`CREATE TABLE IF NOT EXISTS retainer_periods (
		id TEXT PRIMARY KEY,
		agreement_id TEXT NOT NULL REFERENCES retainer_agreements(id),
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		status TEXT NOT NULL,
		base_allocated_hours TEXT,
		rollover_hours_in TEXT NOT NULL,
		allocated_hours TEXT,
		consumed_hours TEXT NOT NULL,
		remaining_hours TEXT,
		overage_hours TEXT NOT NULL,
		rollover_hours_out TEXT NOT NULL,
		invoice_id TEXT REFERENCES invoices(id),
		closed_by TEXT,
		closed_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CONSTRAINT uq_periods_agreement_start UNIQUE (agreement_id, period_start)
	)`,
	// CRITICAL: exactly one OPEN period per agreement
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_periods_one_open
		ON retainer_periods(agreement_id) WHERE status = 'OPEN'`,
	`CREATE INDEX IF NOT EXISTS idx_periods_status_end
		ON retainer_periods(status, period_end)`,

	// Notification outbox
	`CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		title TEXT NOT NULL,
		body TEXT NOT NULL,
		reference_type TEXT NOT NULL,
		reference_id TEXT NOT NULL,
		recipient_id TEXT NOT NULL,
		dedupe_key TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_notifications_dedupe
		ON notifications(dedupe_key) WHERE dedupe_key IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_reference
		ON notifications(reference_id)`,
}

// resetTables lists tables in delete order (children first).
var resetTables = []string{
	"notifications",
	"retainer_periods",
	"retainer_agreements",
	"invoice_lines",
	"invoices",
	"time_entries",
	"tasks",
	"customer_projects",
	"projects",
	"customers",
	"members",
	"billing_rates",
	"tax_rates",
	"org_settings",
}

// migrate creates the database schema.
func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// Reset deletes all data. Used by demo scenario loading and tests.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range resetTables {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.settings.Purge()
	return nil
}

func firstLine(stmt string) string {
	if i := strings.IndexByte(stmt, '\n'); i >= 0 {
		return strings.TrimSpace(stmt[:i])
	}
	return stmt
}
