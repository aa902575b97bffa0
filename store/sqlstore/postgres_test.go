/*
postgres_test.go - PostgreSQL dialect behaviour with sqlmock

Tests for:
- $n placeholder rebinding and FOR UPDATE row locks
- Mapping of pq unique violations
- Conditional close reporting concurrent modification
- Transaction commit and rollback
*/
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/retainer-engine/generic"
	"github.com/warp/retainer-engine/retainer"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := New(db, Postgres, Options{SkipMigrate: true})
	require.NoError(t, err)
	return s, mock
}

func agreementRow() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "customer_id", "name", "type", "frequency", "start_date", "end_date",
		"allocated_hours", "period_fee", "rollover_policy", "rollover_cap_hours", "notes", "status",
		"created_by", "created_at", "updated_at",
	}).AddRow(
		"a1", "c1", "Gold", "HOUR_BANK", "MONTHLY", "2024-01-01", nil,
		"40", "4000", "CARRY_CAPPED", "10", nil, "ACTIVE",
		"u1", "2024-01-01T00:00:00Z", "2024-01-01T00:00:00Z",
	)
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "a = $1 AND b IN ($2, $3)", Postgres.rebind("a = ? AND b IN (?, ?)"))
	assert.Equal(t, "a = ?", SQLite.rebind("a = ?"))
}

func TestParseDialect(t *testing.T) {
	for in, want := range map[string]Dialect{"sqlite": SQLite, "sqlite3": SQLite, "postgres": Postgres, "PostgreSQL": Postgres} {
		got, err := ParseDialect(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseDialect("mysql")
	assert.Error(t, err)
}

func TestPostgres_LockAgreementUsesForUpdate(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM retainer_agreements WHERE id = \$1 FOR UPDATE`).
		WithArgs("a1").
		WillReturnRows(agreementRow())
	mock.ExpectCommit()

	var got *retainer.Agreement
	err := s.WithTx(ctx, func(tx retainer.Store) error {
		var err error
		got, err = tx.LockAgreement(ctx, "a1")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, retainer.TypeHourBank, got.Type())
	assert.Equal(t, generic.RolloverCarryCapped, got.Rollover.Policy)
	require.NotNil(t, got.Rollover.CapHours)
	assert.Equal(t, "10", got.Rollover.CapHours.String())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_LockAgreementNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`FROM retainer_agreements WHERE id = \$1 FOR UPDATE`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := s.LockAgreement(context.Background(), "missing")
	assert.True(t, generic.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_InsertAgreementUniqueViolation(t *testing.T) {
	s, mock := newMockStore(t)
	a, err := retainer.NewAgreement("a2", retainer.CreateAgreementInput{
		CustomerID: "c1", Name: "Dup", Type: retainer.TypeFixedFee,
		Frequency: generic.FrequencyMonthly, StartDate: jan1, PeriodFee: generic.Hours(1),
	}, testNow)
	require.NoError(t, err)

	mock.ExpectExec(`INSERT INTO retainer_agreements`).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	err = s.InsertAgreement(context.Background(), a)
	assert.True(t, generic.IsConflict(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_MarkClosedLosesRace(t *testing.T) {
	s, mock := newMockStore(t)
	p := retainer.NewPeriod("per-1", "a1", generic.FrequencyMonthly.IntervalFrom(jan1), nil, generic.Hours(0), testNow)
	p.Close(generic.Hours(0), generic.Hours(0), "inv-1", "u1", testNow)

	mock.ExpectExec(regexp.QuoteMeta(`WHERE id = $9 AND status = 'OPEN'`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.MarkClosed(context.Background(), p)
	assert.True(t, errors.Is(err, generic.ErrConcurrentModification))
	assert.True(t, generic.IsRetryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_WithTxRollsBackOnError(t *testing.T) {
	s, mock := newMockStore(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := s.WithTx(context.Background(), func(retainer.Store) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_OrgSettingsCached(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT default_currency, tax_inclusive FROM org_settings`).
		WillReturnRows(sqlmock.NewRows([]string{"default_currency", "tax_inclusive"}).AddRow("GBP", 1))

	for i := 0; i < 3; i++ {
		settings, err := s.OrgSettings(ctx)
		require.NoError(t, err)
		assert.Equal(t, "GBP", settings.DefaultCurrency)
		assert.True(t, settings.TaxInclusive)
	}
	assert.NoError(t, mock.ExpectationsWereMet(), "one query, then cache hits")
}

func TestPostgres_RecordNotificationDeduped(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO notifications .+ ON CONFLICT DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.RecordNotification(context.Background(), &retainer.Notification{
		ID: "n1", Type: retainer.NotifyReadyToClose, DedupeKey: "k", CreatedAt: testNow,
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}
