//go:build integration

/*
integration_test.go - Full retainer flow against a real PostgreSQL

Run with: go test -tags integration ./store/sqlstore/...
Requires Docker for testcontainers.
*/
package sqlstore

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/warp/retainer-engine/generic"
	"github.com/warp/retainer-engine/retainer"
)

func setupPostgres(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("retainer_test"),
		postgres.WithUsername("retainer"),
		postgres.WithPassword("retainer"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := New(db, Postgres, Options{})
	require.NoError(t, err)
	return s
}

type countingDispatcher struct {
	mu sync.Mutex
	n  map[retainer.NotificationType]int
}

func (d *countingDispatcher) Dispatch(_ context.Context, n retainer.Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.n == nil {
		d.n = map[retainer.NotificationType]int{}
	}
	d.n[n.Type]++
	return nil
}

func TestIntegration_PostgresCloseFlow(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()

	// GIVEN: A customer with a 10h hour bank, two recipients and a customer rate
	require.NoError(t, s.SaveCustomer(ctx, retainer.Customer{ID: "c1", Name: "Acme", LifecycleStatus: retainer.CustomerActive}))
	require.NoError(t, s.SaveProject(ctx, "p1", "Website", "c1"))
	require.NoError(t, s.SaveTask(ctx, "t1", "p1", "Build"))
	require.NoError(t, s.SaveMember(ctx, retainer.Member{ID: "owner", Name: "Olive", OrgRole: "owner"}))
	require.NoError(t, s.SaveMember(ctx, retainer.Member{ID: "admin", Name: "Adam", OrgRole: "admin"}))
	require.NoError(t, s.SaveBillingRate(ctx, retainer.BillingRate{
		ID: "r1", CustomerID: "c1", HourlyRate: generic.Hours(300), Currency: "USD", EffectiveFrom: jan1,
	}))

	now := testNow
	sent := &countingDispatcher{}
	svc := retainer.NewService(s, retainer.Options{
		Dispatcher: sent,
		Clock:      func() time.Time { return now },
	})

	agreement, first, err := svc.CreateAgreement(ctx, retainer.CreateAgreementInput{
		CustomerID:     "c1",
		Name:           "Support",
		Type:           retainer.TypeHourBank,
		Frequency:      generic.FrequencyMonthly,
		StartDate:      jan1,
		AllocatedHours: generic.DecimalPtr(generic.Hours(10)),
		PeriodFee:      generic.Hours(5000),
		CreatedBy:      "owner",
	})
	require.NoError(t, err)

	// WHEN: 11 hours are logged and the period is closed after it ends
	_, err = svc.Work.CreateTimeEntry(ctx, retainer.TimeEntryInput{
		TaskID: "t1", MemberID: "owner", Date: generic.NewDate(2024, time.January, 10),
		DurationMinutes: 11 * 60, Billable: true,
	})
	require.NoError(t, err)

	now = time.Date(2024, time.February, 2, 9, 0, 0, 0, time.UTC)
	result, err := svc.Closer.ClosePeriod(ctx, agreement.ID, "owner")
	require.NoError(t, err)

	// THEN: The invoice carries the base fee and one overage hour
	assert.Equal(t, first.ID, result.ClosedPeriod.ID)
	require.Len(t, result.Invoice.Lines, 2)
	assert.Equal(t, "5300.00", result.Invoice.Subtotal.StringFixed(2))
	require.NotNil(t, result.NextPeriod)
	assert.Equal(t, generic.NewDate(2024, time.February, 1), result.NextPeriod.PeriodStart)

	stored, err := s.GetPeriod(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, retainer.PeriodClosed, stored.Status)
	assert.True(t, stored.OverageHours.Equal(generic.Hours(1)))

	inv, err := s.GetInvoice(ctx, result.Invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, "5300.00", inv.Total.StringFixed(2))

	// AND: A second close of the same agreement is refused
	_, err = svc.Closer.ClosePeriod(ctx, agreement.ID, "owner")
	assert.True(t, generic.IsInvalidState(err))

	// AND: Both recipients heard about the full bank and the close
	assert.Equal(t, 2, sent.n[retainer.NotifyFullyConsumed])
	assert.Equal(t, 2, sent.n[retainer.NotifyPeriodClosed])
}

func TestIntegration_PostgresOneActivePerCustomer(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()
	require.NoError(t, s.SaveCustomer(ctx, retainer.Customer{ID: "c1", Name: "Acme", LifecycleStatus: retainer.CustomerActive}))

	insertAgreement(t, s, "a1", "c1")

	a, err := retainer.NewAgreement("a2", retainer.CreateAgreementInput{
		CustomerID: "c1", Name: "Second", Type: retainer.TypeFixedFee,
		Frequency: generic.FrequencyMonthly, StartDate: jan1, PeriodFee: generic.Hours(1),
	}, testNow)
	require.NoError(t, err)
	assert.True(t, generic.IsConflict(s.InsertAgreement(ctx, a)))
}
