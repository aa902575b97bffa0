/*
sqlite_test.go - Store behaviour against a real in-memory SQLite database

Tests for:
- Collaborator lookups (task -> customers, billable minutes, billing rates)
- Corrupt stored values surfacing as errors
- Database guards (one OPEN period, conditional close, notification dedupe)
- Org settings cache invalidation
- Reset
*/
package sqlstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/retainer-engine/generic"
	"github.com/warp/retainer-engine/retainer"
)

var (
	testNow = time.Date(2024, time.January, 15, 9, 0, 0, 0, time.UTC)
	jan1    = generic.NewDate(2024, time.January, 1)
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite3", ":memory:", Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	require.NoError(t, s.SaveCustomer(ctx, retainer.Customer{ID: "c1", Name: "Acme", LifecycleStatus: retainer.CustomerActive}))
	require.NoError(t, s.SaveCustomer(ctx, retainer.Customer{ID: "c2", Name: "Globex", LifecycleStatus: retainer.CustomerActive}))
	require.NoError(t, s.SaveProject(ctx, "p1", "Website", "c1"))
	require.NoError(t, s.SaveProject(ctx, "p2", "Shared", "c2", "c1"))
	require.NoError(t, s.SaveTask(ctx, "t1", "p1", "Build"))
	require.NoError(t, s.SaveTask(ctx, "t2", "p2", "Design"))
	return s
}

func insertAgreement(t *testing.T, s *Store, id, customerID string) *retainer.Agreement {
	t.Helper()
	a, err := retainer.NewAgreement(id, retainer.CreateAgreementInput{
		CustomerID:     customerID,
		Name:           "Gold",
		Type:           retainer.TypeHourBank,
		Frequency:      generic.FrequencyMonthly,
		StartDate:      jan1,
		AllocatedHours: generic.DecimalPtr(generic.Hours(40)),
		PeriodFee:      generic.Hours(4000),
	}, testNow)
	require.NoError(t, err)
	require.NoError(t, s.InsertAgreement(context.Background(), a))
	return a
}

func TestStore_AgreementRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	in := insertAgreement(t, s, "a1", "c1")

	got, err := s.GetAgreement(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, in.Name, got.Name)
	assert.Equal(t, retainer.TypeHourBank, got.Type())
	assert.True(t, got.AllocatedHours().Equal(generic.Hours(40)))
	assert.True(t, got.PeriodFee.Equal(generic.Hours(4000)))
	assert.Equal(t, jan1, got.StartDate)
	assert.True(t, got.EndDate.IsZero())
	assert.Equal(t, generic.RolloverForfeit, got.Rollover.Policy)
	assert.Equal(t, testNow, got.CreatedAt)

	_, err = s.GetAgreement(ctx, "missing")
	assert.True(t, generic.IsNotFound(err))
}

func TestStore_OneActiveAgreementPerCustomer(t *testing.T) {
	s := newTestStore(t)
	insertAgreement(t, s, "a1", "c1")

	a, err := retainer.NewAgreement("a2", retainer.CreateAgreementInput{
		CustomerID: "c1", Name: "Second", Type: retainer.TypeFixedFee,
		Frequency: generic.FrequencyMonthly, StartDate: jan1, PeriodFee: generic.Hours(10),
	}, testNow)
	require.NoError(t, err)

	err = s.InsertAgreement(context.Background(), a)
	assert.True(t, generic.IsConflict(err))

	// A paused duplicate is allowed
	a.Status = retainer.StatusPaused
	assert.NoError(t, s.InsertAgreement(context.Background(), a))
}

func TestStore_PeriodGuards(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertAgreement(t, s, "a1", "c1")

	window := generic.FrequencyMonthly.IntervalFrom(jan1)
	p := retainer.NewPeriod("per-1", "a1", window, generic.DecimalPtr(generic.Hours(40)), generic.Hours(0), testNow)
	require.NoError(t, s.InsertPeriod(ctx, p))

	// A second OPEN period for the same agreement is rejected
	dup := retainer.NewPeriod("per-2", "a1", generic.FrequencyMonthly.IntervalFrom(window.End), nil, generic.Hours(0), testNow)
	err := s.InsertPeriod(ctx, dup)
	assert.True(t, errors.Is(err, generic.ErrConcurrentModification))

	// Closing works once
	p.Close(generic.Hours(0), generic.Hours(5), "", "u1", testNow)
	require.NoError(t, s.MarkClosed(ctx, p))
	err = s.MarkClosed(ctx, p)
	assert.True(t, errors.Is(err, generic.ErrConcurrentModification))

	// Consumption of a closed period cannot change
	err = s.UpdateConsumption(ctx, p)
	assert.True(t, errors.Is(err, generic.ErrConcurrentModification))

	stored, err := s.GetPeriod(ctx, "per-1")
	require.NoError(t, err)
	assert.Equal(t, retainer.PeriodClosed, stored.Status)
	assert.True(t, stored.RolloverHoursOut.Equal(generic.Hours(5)))
	require.NotNil(t, stored.ClosedAt)
	assert.Equal(t, testNow, *stored.ClosedAt)

	open, err := s.OpenPeriod(ctx, "a1")
	require.NoError(t, err)
	assert.Nil(t, open)

	overdue, err := s.OverdueOpenPeriods(ctx, generic.NewDate(2030, time.January, 1))
	require.NoError(t, err)
	assert.Empty(t, overdue)
}

func TestStore_CustomersForTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ids, err := s.CustomersForTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, ids)

	// A shared project yields every linked customer
	ids, err = s.CustomersForTask(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, ids)

	ids, err = s.CustomersForTask(ctx, "nope")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestStore_CorruptColumnsAreErrors(t *testing.T) {
	// GIVEN: An agreement and a period whose stored text no longer parses
	s := newTestStore(t)
	ctx := context.Background()
	insertAgreement(t, s, "a1", "c1")
	window := generic.FrequencyMonthly.IntervalFrom(jan1)
	require.NoError(t, s.InsertPeriod(ctx, retainer.NewPeriod("per-1", "a1", window, nil, generic.Hours(0), testNow)))

	_, err := s.DB().ExecContext(ctx, `UPDATE retainer_agreements SET period_fee = 'lots' WHERE id = 'a1'`)
	require.NoError(t, err)
	_, err = s.DB().ExecContext(ctx, `UPDATE retainer_periods SET period_end = '2024-13-01' WHERE id = 'per-1'`)
	require.NoError(t, err)

	// WHEN/THEN: Reads fail with the column named instead of panicking or
	// returning zero
	_, err = s.GetAgreement(ctx, "a1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `agreement a1 has corrupt period_fee "lots"`)

	_, err = s.GetPeriod(ctx, "per-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `period per-1 has corrupt period_end "2024-13-01"`)
}

func TestStore_BillableMinutes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entries := []retainer.TimeEntry{
		{ID: "e1", TaskID: "t1", Date: generic.NewDate(2024, time.January, 1), DurationMinutes: 60, Billable: true},
		{ID: "e2", TaskID: "t1", Date: generic.NewDate(2024, time.January, 31), DurationMinutes: 30, Billable: true},
		{ID: "e3", TaskID: "t1", Date: generic.NewDate(2024, time.February, 1), DurationMinutes: 45, Billable: true},
		{ID: "e4", TaskID: "t1", Date: generic.NewDate(2024, time.January, 10), DurationMinutes: 15, Billable: false},
	}
	for i := range entries {
		entries[i].CreatedAt, entries[i].UpdatedAt = testNow, testNow
		require.NoError(t, s.InsertTimeEntry(ctx, &entries[i]))
	}

	minutes, err := s.BillableMinutes(ctx, "c1", generic.FrequencyMonthly.IntervalFrom(jan1))
	require.NoError(t, err)
	assert.Equal(t, int64(90), minutes, "start inclusive, end exclusive, non-billable skipped")

	minutes, err = s.BillableMinutes(ctx, "c2", generic.FrequencyMonthly.IntervalFrom(jan1))
	require.NoError(t, err)
	assert.Zero(t, minutes)
}

func TestStore_ResolveBillingRate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveBillingRate(ctx, retainer.BillingRate{
		ID: "org", HourlyRate: generic.Hours(100), Currency: "USD", EffectiveFrom: generic.NewDate(2020, time.January, 1),
	}))
	require.NoError(t, s.SaveBillingRate(ctx, retainer.BillingRate{
		ID: "c1-old", CustomerID: "c1", HourlyRate: generic.Hours(200), Currency: "USD",
		EffectiveFrom: generic.NewDate(2023, time.January, 1), EffectiveTo: generic.NewDate(2023, time.December, 31),
	}))
	require.NoError(t, s.SaveBillingRate(ctx, retainer.BillingRate{
		ID: "c1-new", CustomerID: "c1", HourlyRate: generic.Hours(250), Currency: "USD", EffectiveFrom: jan1,
	}))

	cases := []struct {
		customer string
		asOf     generic.Date
		want     string
	}{
		{"c1", generic.NewDate(2023, time.June, 1), "c1-old"},
		{"c1", generic.NewDate(2023, time.December, 31), "c1-old"},
		{"c1", jan1, "c1-new"},
		{"c2", jan1, "org"},
	}
	for _, tc := range cases {
		rate, err := s.ResolveBillingRate(ctx, tc.customer, tc.asOf)
		require.NoError(t, err)
		require.NotNil(t, rate)
		assert.Equal(t, tc.want, rate.ID, "%s as of %s", tc.customer, tc.asOf)
	}

	rate, err := s.ResolveBillingRate(ctx, "c2", generic.NewDate(2019, time.January, 1))
	require.NoError(t, err)
	assert.Nil(t, rate)
}

func TestStore_DefaultTaxRate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rate, err := s.DefaultTaxRate(ctx)
	require.NoError(t, err)
	assert.Nil(t, rate)

	require.NoError(t, s.SaveTaxRate(ctx, generic.TaxRate{ID: "gst", Name: "GST", Rate: generic.Hours(10)}, true))
	require.NoError(t, s.SaveTaxRate(ctx, generic.TaxRate{ID: "vat", Name: "VAT", Rate: generic.Hours(15)}, true))

	rate, err = s.DefaultTaxRate(ctx)
	require.NoError(t, err)
	require.NotNil(t, rate)
	assert.Equal(t, "vat", rate.ID)
	assert.True(t, rate.Rate.Equal(generic.Hours(15)))
}

func TestStore_OrgSettingsCache(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	settings, err := s.OrgSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "USD", settings.DefaultCurrency)
	assert.False(t, settings.TaxInclusive)

	require.NoError(t, s.SaveOrgSettings(ctx, retainer.OrgSettings{DefaultCurrency: "NZD", TaxInclusive: true}))

	// Transactions share the cache, so they see the new value too
	require.NoError(t, s.WithTx(ctx, func(tx retainer.Store) error {
		settings, err = tx.OrgSettings(ctx)
		return err
	}))
	assert.Equal(t, "NZD", settings.DefaultCurrency)
	assert.True(t, settings.TaxInclusive)
}

func TestStore_RecordNotificationDedupe(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n := retainer.Notification{
		ID: "n1", Type: retainer.NotifyReadyToClose, Title: "t", Body: "b",
		ReferenceType: retainer.RefPeriod, ReferenceID: "per-1", RecipientID: "u1",
		DedupeKey: retainer.DedupeKey(retainer.NotifyReadyToClose, "per-1", "u1"), CreatedAt: testNow,
	}
	ok, err := s.RecordNotification(ctx, &n)
	require.NoError(t, err)
	assert.True(t, ok)

	n.ID = "n2"
	ok, err = s.RecordNotification(ctx, &n)
	require.NoError(t, err)
	assert.False(t, ok, "same dedupe key is dropped")

	// Without a key every row is kept
	n.DedupeKey = ""
	for _, id := range []string{"n3", "n4"} {
		n.ID = id
		ok, err = s.RecordNotification(ctx, &n)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	all, err := s.ListNotifications(ctx, "per-1")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestStore_WithTxRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx retainer.Store) error {
		a, _ := retainer.NewAgreement("a1", retainer.CreateAgreementInput{
			CustomerID: "c1", Name: "Gold", Type: retainer.TypeFixedFee,
			Frequency: generic.FrequencyMonthly, StartDate: jan1, PeriodFee: generic.Hours(1),
		}, testNow)
		if err := tx.InsertAgreement(ctx, a); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetAgreement(ctx, "a1")
	assert.True(t, generic.IsNotFound(err))
}

func TestStore_Reset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertAgreement(t, s, "a1", "c1")
	require.NoError(t, s.SaveOrgSettings(ctx, retainer.OrgSettings{DefaultCurrency: "EUR"}))
	_, err := s.OrgSettings(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Reset(ctx))

	_, err = s.GetCustomer(ctx, "c1")
	assert.True(t, generic.IsNotFound(err))
	agreements, err := s.ListAgreements(ctx, retainer.AgreementFilter{})
	require.NoError(t, err)
	assert.Empty(t, agreements)
	settings, err := s.OrgSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "USD", settings.DefaultCurrency)
}

func TestSQLiteDSN(t *testing.T) {
	assert.Equal(t, ":memory:?_foreign_keys=on&_txlock=immediate&_busy_timeout=5000", sqliteDSN(":memory:"))
	assert.Equal(t, "data/r.db?cache=shared&_foreign_keys=on&_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL",
		sqliteDSN("data/r.db?cache=shared"))
}
