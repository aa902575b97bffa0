package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/retainer-engine/generic"
	"github.com/warp/retainer-engine/retainer"
)

// =============================================================================
// WORK STORE (time entries)
// =============================================================================

const timeEntryColumns = `id, task_id, member_id, entry_date, duration_minutes, billable,
	description, created_at, updated_at`

func (r *repo) InsertTimeEntry(ctx context.Context, e *retainer.TimeEntry) error {
	query := `INSERT INTO time_entries (` + timeEntryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.exec(ctx, query,
		e.ID, e.TaskID, nullString(e.MemberID), e.Date.String(), e.DurationMinutes,
		boolInt(e.Billable), nullString(e.Description),
		formatTime(e.CreatedAt), formatTime(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert time entry: %w", err)
	}
	return nil
}

func (r *repo) UpdateTimeEntry(ctx context.Context, e *retainer.TimeEntry) error {
	query := `
		UPDATE time_entries SET
			task_id = ?, member_id = ?, entry_date = ?, duration_minutes = ?,
			billable = ?, description = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := r.exec(ctx, query,
		e.TaskID, nullString(e.MemberID), e.Date.String(), e.DurationMinutes,
		boolInt(e.Billable), nullString(e.Description), formatTime(e.UpdatedAt), e.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update time entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return generic.NotFound("time entry", e.ID)
	}
	return nil
}

func (r *repo) DeleteTimeEntry(ctx context.Context, id string) error {
	res, err := r.exec(ctx, `DELETE FROM time_entries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete time entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return generic.NotFound("time entry", id)
	}
	return nil
}

func (r *repo) GetTimeEntry(ctx context.Context, id string) (*retainer.TimeEntry, error) {
	var (
		e                    retainer.TimeEntry
		memberID, desc       sql.NullString
		date                 string
		billable             int
		createdAt, updatedAt string
	)
	err := r.queryRow(ctx, `SELECT `+timeEntryColumns+` FROM time_entries WHERE id = ?`, id).Scan(
		&e.ID, &e.TaskID, &memberID, &date, &e.DurationMinutes, &billable,
		&desc, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, generic.NotFound("time entry", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get time entry: %w", err)
	}
	cols := columnParser{row: "time entry " + e.ID}
	e.MemberID = memberID.String
	e.Date = cols.parseDate("entry_date", date)
	e.Billable = billable != 0
	e.Description = desc.String
	e.CreatedAt = cols.parseTime("created_at", createdAt)
	e.UpdatedAt = cols.parseTime("updated_at", updatedAt)
	if cols.err != nil {
		return nil, cols.err
	}
	return &e, nil
}

// CustomersForTask follows task -> project -> customer_projects. A shared
// project yields every linked customer, matching BillableMinutes, which
// counts the entry for each of them.
func (r *repo) CustomersForTask(ctx context.Context, taskID string) ([]string, error) {
	query := `
		SELECT cp.customer_id
		FROM tasks t
		JOIN customer_projects cp ON cp.project_id = t.project_id
		WHERE t.id = ?
		ORDER BY cp.customer_id
	`
	rows, err := r.query(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve task customers: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan task customer: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *repo) BillableMinutes(ctx context.Context, customerID string, window generic.Interval) (int64, error) {
	query := `
		SELECT COALESCE(SUM(te.duration_minutes), 0)
		FROM time_entries te
		JOIN tasks t ON t.id = te.task_id
		JOIN customer_projects cp ON cp.project_id = t.project_id
		WHERE cp.customer_id = ?
		  AND te.billable = 1
		  AND te.entry_date >= ? AND te.entry_date < ?
	`
	var minutes int64
	err := r.queryRow(ctx, query, customerID, window.Start.String(), window.End.String()).Scan(&minutes)
	if err != nil {
		return 0, fmt.Errorf("failed to sum billable minutes: %w", err)
	}
	return minutes, nil
}

// =============================================================================
// CUSTOMER AND MEMBER DIRECTORIES
// =============================================================================

func (r *repo) GetCustomer(ctx context.Context, id string) (*retainer.Customer, error) {
	var (
		c     retainer.Customer
		stage string
	)
	err := r.queryRow(ctx, `SELECT id, name, lifecycle_status FROM customers WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &stage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, generic.NotFound("customer", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get customer: %w", err)
	}
	c.LifecycleStatus = retainer.CustomerLifecycle(stage)
	return &c, nil
}

func (r *repo) OwnersAndAdmins(ctx context.Context) ([]string, error) {
	rows, err := r.query(ctx, `SELECT id FROM members WHERE org_role IN ('owner', 'admin') ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query members: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
