package retainer_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/retainer-engine/generic"
	"github.com/warp/retainer-engine/retainer"
	"github.com/warp/retainer-engine/store/sqlstore"
)

// =============================================================================
// TEST INFRASTRUCTURE
// =============================================================================

// recordingDispatcher keeps every dispatched notification.
type recordingDispatcher struct {
	mu   sync.Mutex
	sent []retainer.Notification
}

func (d *recordingDispatcher) Dispatch(_ context.Context, n retainer.Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, n)
	return nil
}

func (d *recordingDispatcher) count(t retainer.NotificationType) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, s := range d.sent {
		if s.Type == t {
			n++
		}
	}
	return n
}

func (d *recordingDispatcher) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = nil
}

// fixture is an engine over an in-memory SQLite store with a movable clock.
// Two notification recipients exist: owner-1 and admin-1.
type fixture struct {
	ctx   context.Context
	store *sqlstore.Store
	svc   *retainer.Service
	sent  *recordingDispatcher
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlstore.Open("sqlite3", ":memory:", sqlstore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		ctx:   context.Background(),
		store: store,
		sent:  &recordingDispatcher{},
		now:   time.Date(2024, time.January, 15, 9, 0, 0, 0, time.UTC),
	}
	logger, _ := logtest.NewNullLogger()
	f.svc = retainer.NewService(store, retainer.Options{
		Dispatcher: f.sent,
		Clock:      func() time.Time { return f.now },
		Logger:     logger,
	})

	for _, m := range []retainer.Member{
		{ID: "owner-1", Name: "Olive Owner", OrgRole: "owner"},
		{ID: "admin-1", Name: "Adam Admin", OrgRole: "admin"},
		{ID: "member-1", Name: "Mia Member", OrgRole: "member"},
	} {
		require.NoError(t, store.SaveMember(f.ctx, m))
	}
	f.addCustomer(t, "cust-1", retainer.CustomerActive)
	return f
}

// addCustomer creates a customer with one project and one task, named
// proj-<id> and task-<id>.
func (f *fixture) addCustomer(t *testing.T, id string, stage retainer.CustomerLifecycle) {
	t.Helper()
	require.NoError(t, f.store.SaveCustomer(f.ctx, retainer.Customer{ID: id, Name: "Customer " + id, LifecycleStatus: stage}))
	require.NoError(t, f.store.SaveProject(f.ctx, "proj-"+id, "Project "+id, id))
	require.NoError(t, f.store.SaveTask(f.ctx, "task-"+id, "proj-"+id, "Work for "+id))
}

// at moves the clock to the given day.
func (f *fixture) at(year int, month time.Month, day int) {
	f.now = time.Date(year, month, day, 9, 0, 0, 0, time.UTC)
}

func (f *fixture) logMinutes(t *testing.T, customerID string, date generic.Date, minutes int) *retainer.TimeEntry {
	t.Helper()
	entry, err := f.svc.Work.CreateTimeEntry(f.ctx, retainer.TimeEntryInput{
		TaskID:          "task-" + customerID,
		MemberID:        "member-1",
		Date:            date,
		DurationMinutes: minutes,
		Billable:        true,
	})
	require.NoError(t, err)
	return entry
}

// hourBank creates a monthly hour-bank agreement starting 2024-01-01.
func (f *fixture) hourBank(t *testing.T, customerID string, hours, fee string, rollover generic.RolloverPolicy, capHours *decimal.Decimal) (*retainer.Agreement, *retainer.Period) {
	t.Helper()
	a, p, err := f.svc.CreateAgreement(f.ctx, hourBankInput(customerID, hours, fee, rollover, capHours))
	require.NoError(t, err)
	return a, p
}

func hourBankInput(customerID, hours, fee string, rollover generic.RolloverPolicy, capHours *decimal.Decimal) retainer.CreateAgreementInput {
	return retainer.CreateAgreementInput{
		CustomerID:       customerID,
		Name:             "Support " + customerID,
		Type:             retainer.TypeHourBank,
		Frequency:        generic.FrequencyMonthly,
		StartDate:        jan1,
		AllocatedHours:   generic.DecimalPtr(dec(hours)),
		PeriodFee:        dec(fee),
		RolloverPolicy:   rollover,
		RolloverCapHours: capHours,
		CreatedBy:        "owner-1",
	}
}

func (f *fixture) notifications(t *testing.T, referenceID string) []retainer.Notification {
	t.Helper()
	ns, err := f.store.ListNotifications(f.ctx, referenceID)
	require.NoError(t, err)
	return ns
}

var (
	jan1  = generic.NewDate(2024, time.January, 1)
	jan10 = generic.NewDate(2024, time.January, 10)
	feb1  = generic.NewDate(2024, time.February, 1)
	mar1  = generic.NewDate(2024, time.March, 1)
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "want %s, got %s", want, got.String())
}

func assertDecimalPtr(t *testing.T, want string, got *decimal.Decimal) {
	t.Helper()
	if assert.NotNil(t, got, "want %s, got nil", want) {
		assertDecimal(t, want, *got)
	}
}
