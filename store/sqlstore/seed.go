package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/retainer-engine/generic"
	"github.com/warp/retainer-engine/retainer"
)

// =============================================================================
// COLLABORATOR RECORDS
//
// In the full application these tables are owned by the customer, project,
// member, rate and settings modules. The engine only reads them; the writers
// below exist for scenario seeding, the CLI and tests.
// =============================================================================

// SaveCustomer upserts a customer.
func (s *Store) SaveCustomer(ctx context.Context, c retainer.Customer) error {
	_, err := s.exec(ctx, `
		INSERT INTO customers (id, name, lifecycle_status, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			lifecycle_status = excluded.lifecycle_status`,
		c.ID, c.Name, string(c.LifecycleStatus), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to save customer: %w", err)
	}
	return nil
}

// SaveProject upserts a project and links it to the given customers.
func (s *Store) SaveProject(ctx context.Context, projectID, name string, customerIDs ...string) error {
	_, err := s.exec(ctx, `
		INSERT INTO projects (id, name, created_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name`,
		projectID, name, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to save project: %w", err)
	}
	for _, customerID := range customerIDs {
		_, err := s.exec(ctx, `
			INSERT INTO customer_projects (customer_id, project_id) VALUES (?, ?)
			ON CONFLICT DO NOTHING`, customerID, projectID)
		if err != nil {
			return fmt.Errorf("failed to link project: %w", err)
		}
	}
	return nil
}

// SaveTask upserts a task under a project.
func (s *Store) SaveTask(ctx context.Context, taskID, projectID, title string) error {
	_, err := s.exec(ctx, `
		INSERT INTO tasks (id, project_id, title) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET project_id = excluded.project_id, title = excluded.title`,
		taskID, projectID, title,
	)
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

// SaveMember upserts an organization member.
func (s *Store) SaveMember(ctx context.Context, m retainer.Member) error {
	_, err := s.exec(ctx, `
		INSERT INTO members (id, name, org_role) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, org_role = excluded.org_role`,
		m.ID, m.Name, m.OrgRole,
	)
	if err != nil {
		return fmt.Errorf("failed to save member: %w", err)
	}
	return nil
}

// SaveBillingRate upserts a rate. An empty CustomerID saves an org default.
func (s *Store) SaveBillingRate(ctx context.Context, rate retainer.BillingRate) error {
	_, err := s.exec(ctx, `
		INSERT INTO billing_rates (id, customer_id, hourly_rate, currency, effective_from, effective_to)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			customer_id = excluded.customer_id,
			hourly_rate = excluded.hourly_rate,
			currency = excluded.currency,
			effective_from = excluded.effective_from,
			effective_to = excluded.effective_to`,
		rate.ID, nullString(rate.CustomerID), rate.HourlyRate.String(), rate.Currency,
		rate.EffectiveFrom.String(), nullDate(rate.EffectiveTo),
	)
	if err != nil {
		return fmt.Errorf("failed to save billing rate: %w", err)
	}
	return nil
}

// SaveTaxRate upserts a tax rate. Marking it default clears any other
// default.
func (s *Store) SaveTaxRate(ctx context.Context, rate generic.TaxRate, isDefault bool) error {
	return s.WithTx(ctx, func(tx retainer.Store) error {
		r := tx.(*repo)
		if isDefault {
			if _, err := r.exec(ctx, `UPDATE tax_rates SET is_default = 0 WHERE id <> ?`, rate.ID); err != nil {
				return fmt.Errorf("failed to clear default tax rate: %w", err)
			}
		}
		_, err := r.exec(ctx, `
			INSERT INTO tax_rates (id, name, rate, is_exempt, is_default) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				name = excluded.name,
				rate = excluded.rate,
				is_exempt = excluded.is_exempt,
				is_default = excluded.is_default`,
			rate.ID, rate.Name, rate.Rate.String(), boolInt(rate.Exempt), boolInt(isDefault),
		)
		if err != nil {
			return fmt.Errorf("failed to save tax rate: %w", err)
		}
		return nil
	})
}

// SaveOrgSettings replaces the organization settings and drops the cached
// copy.
func (s *Store) SaveOrgSettings(ctx context.Context, settings retainer.OrgSettings) error {
	_, err := s.exec(ctx, `
		INSERT INTO org_settings (id, default_currency, tax_inclusive) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			default_currency = excluded.default_currency,
			tax_inclusive = excluded.tax_inclusive`,
		settings.DefaultCurrency, boolInt(settings.TaxInclusive),
	)
	if err != nil {
		return fmt.Errorf("failed to save org settings: %w", err)
	}
	s.settings.Remove(settingsKey)
	return nil
}

// =============================================================================
// NOTIFICATION READS
// =============================================================================

// ListNotifications returns recorded notifications for a reference entity,
// or all of them when referenceID is empty, oldest first.
func (s *Store) ListNotifications(ctx context.Context, referenceID string) ([]retainer.Notification, error) {
	query := `SELECT id, type, title, body, reference_type, reference_id, recipient_id,
			COALESCE(dedupe_key, ''), created_at
		FROM notifications`
	var args []any
	if referenceID != "" {
		query += ` WHERE reference_id = ?`
		args = append(args, referenceID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var out []retainer.Notification
	for rows.Next() {
		var (
			n         retainer.Notification
			nType     string
			createdAt string
		)
		if err := rows.Scan(&n.ID, &nType, &n.Title, &n.Body, &n.ReferenceType, &n.ReferenceID,
			&n.RecipientID, &n.DedupeKey, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		cols := columnParser{row: "notification " + n.ID}
		n.Type = retainer.NotificationType(nType)
		n.CreatedAt = cols.parseTime("created_at", createdAt)
		if cols.err != nil {
			return nil, cols.err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
