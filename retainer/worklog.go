package retainer

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/warp/retainer-engine/generic"
)

// =============================================================================
// WORK LOG - Time entry mutations with synchronous recomputation
// =============================================================================

// TimeEntryInput is a time entry as submitted by a member.
type TimeEntryInput struct {
	TaskID          string
	MemberID        string
	Date            generic.Date
	DurationMinutes int
	Billable        bool
	Description     string
}

func (in TimeEntryInput) validate() error {
	if strings.TrimSpace(in.TaskID) == "" {
		return generic.InvalidState("Task is required")
	}
	if in.Date.IsZero() {
		return generic.InvalidState("Date is required")
	}
	if in.DurationMinutes <= 0 {
		return generic.InvalidState("Duration must be greater than zero")
	}
	return nil
}

// WorkLog records time entries. Every mutation recomputes the affected
// retainer consumption in the same transaction.
type WorkLog struct {
	*engine
}

// CreateTimeEntry logs a new entry.
func (w *WorkLog) CreateTimeEntry(ctx context.Context, in TimeEntryInput) (*TimeEntry, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	now := w.Clock.Now()
	entry := &TimeEntry{
		ID:              uuid.NewString(),
		TaskID:          in.TaskID,
		MemberID:        in.MemberID,
		Date:            in.Date,
		DurationMinutes: in.DurationMinutes,
		Billable:        in.Billable,
		Description:     in.Description,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err := w.inTx(ctx, func(tx Store, outbox *Outbox) error {
		if err := tx.InsertTimeEntry(ctx, entry); err != nil {
			return err
		}
		return w.recompute.OnBillableUnitChanged(ctx, tx, outbox, BillableUnitChange{
			EntryID: entry.ID,
			TaskID:  entry.TaskID,
		})
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// UpdateTimeEntry replaces an entry's fields. Moving it to a task of another
// customer recomputes both customers.
func (w *WorkLog) UpdateTimeEntry(ctx context.Context, id string, in TimeEntryInput) (*TimeEntry, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	var entry *TimeEntry
	err := w.inTx(ctx, func(tx Store, outbox *Outbox) error {
		existing, err := tx.GetTimeEntry(ctx, id)
		if err != nil {
			return err
		}
		previousTask := existing.TaskID

		existing.TaskID = in.TaskID
		existing.MemberID = in.MemberID
		existing.Date = in.Date
		existing.DurationMinutes = in.DurationMinutes
		existing.Billable = in.Billable
		existing.Description = in.Description
		existing.UpdatedAt = w.Clock.Now()
		if err := tx.UpdateTimeEntry(ctx, existing); err != nil {
			return err
		}
		entry = existing

		change := BillableUnitChange{EntryID: id, TaskID: existing.TaskID}
		if previousTask != existing.TaskID {
			change.PreviousTaskID = previousTask
		}
		return w.recompute.OnBillableUnitChanged(ctx, tx, outbox, change)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// DeleteTimeEntry removes an entry.
func (w *WorkLog) DeleteTimeEntry(ctx context.Context, id string) error {
	return w.inTx(ctx, func(tx Store, outbox *Outbox) error {
		existing, err := tx.GetTimeEntry(ctx, id)
		if err != nil {
			return err
		}
		if err := tx.DeleteTimeEntry(ctx, id); err != nil {
			return err
		}
		return w.recompute.OnBillableUnitChanged(ctx, tx, outbox, BillableUnitChange{
			EntryID: id,
			TaskID:  existing.TaskID,
		})
	})
}
