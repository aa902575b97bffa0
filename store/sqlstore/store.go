/*
Package sqlstore provides a database/sql implementation of the retainer
storage and collaborator interfaces for SQLite and PostgreSQL.

PURPOSE:
  Implements retainer.TxStore against one relational schema. Both dialects
  share the same DDL and queries; the only differences are placeholder style
  ($1 vs ?), row locks, and how unique violations are reported.

INTERFACES IMPLEMENTED:
  retainer.AgreementStore:    retainer_agreements
  retainer.PeriodStore:       retainer_periods
  retainer.WorkStore:         time_entries, tasks, customer_projects
  retainer.CustomerDirectory: customers
  retainer.MemberDirectory:   members
  retainer.RateResolver:      billing_rates, tax_rates, org_settings
  retainer.InvoiceStore:      invoices, invoice_lines
  retainer.NotificationStore: notifications

KEY CONSTRAINTS:
  - idx_agreements_one_active:   one ACTIVE agreement per customer
  - idx_periods_one_open:        one OPEN period per agreement
  - uq_periods_agreement_start:  (agreement_id, period_start)
  - idx_notifications_dedupe:    deduplicated notification keys

CONCURRENCY:
  PostgreSQL: LockAgreement / LockOpenPeriod use SELECT ... FOR UPDATE.
  SQLite:     transactions are opened IMMEDIATE (_txlock=immediate) so the
              first statement takes the write lock, and WithTx also holds
              the store mutex. In-memory databases are pinned to a single
              connection because each connection would see its own database.

STORAGE FORMATS:
  Dates:      TEXT 'YYYY-MM-DD' (lexicographic order == date order)
  Timestamps: TEXT RFC3339
  Decimals:   TEXT, parsed with shopspring/decimal
  Booleans:   INTEGER 0/1

USAGE:
  store, err := sqlstore.Open("sqlite3", ":memory:", sqlstore.Options{})
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := retainer.NewService(store, retainer.Options{})

SEE ALSO:
  - retainer/store.go: Interface definitions
  - schema.go: DDL
*/
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/warp/retainer-engine/retainer"
)

// =============================================================================
// DIALECT
// =============================================================================

// Dialect names a supported database/sql driver.
type Dialect string

const (
	SQLite   Dialect = "sqlite3"
	Postgres Dialect = "postgres"
)

// ParseDialect accepts the driver names used in configuration.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pq":
		return Postgres, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (d Dialect) rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// forUpdate is the row lock suffix. SQLite relies on IMMEDIATE transactions.
func (d Dialect) forUpdate() string {
	if d == Postgres {
		return " FOR UPDATE"
	}
	return ""
}

// isUniqueViolation reports whether err is a unique constraint failure.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// =============================================================================
// STORE
// =============================================================================

// Options tunes the store.
type Options struct {
	SettingsCacheSize int           // default 16
	SettingsCacheTTL  time.Duration // default 1 minute

	// SkipMigrate leaves the schema alone (managed externally, or mocked).
	SkipMigrate bool
}

// Store implements retainer.TxStore.
type Store struct {
	*repo
	db *sql.DB
	mu sync.Mutex
}

var _ retainer.TxStore = (*Store)(nil)

// Open connects to the database and migrates the schema. For SQLite, dsn is
// a file path or ":memory:".
func Open(driver, dsn string, opts Options) (*Store, error) {
	dialect, err := ParseDialect(driver)
	if err != nil {
		return nil, err
	}

	var db *sql.DB
	switch dialect {
	case SQLite:
		db, err = sql.Open(string(SQLite), sqliteDSN(dsn))
		if err == nil && isMemoryDSN(dsn) {
			db.SetMaxOpenConns(1)
		}
	default:
		db, err = sql.Open(string(Postgres), dsn)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store, err := New(db, dialect, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// New wraps an already opened database. Used directly by tests that bring
// their own *sql.DB (sqlmock, testcontainers).
func New(db *sql.DB, dialect Dialect, opts Options) (*Store, error) {
	if opts.SettingsCacheSize <= 0 {
		opts.SettingsCacheSize = 16
	}
	if opts.SettingsCacheTTL <= 0 {
		opts.SettingsCacheTTL = time.Minute
	}
	s := &Store{
		db: db,
		repo: &repo{
			q:        db,
			dialect:  dialect,
			settings: expirable.NewLRU[string, retainer.OrgSettings](opts.SettingsCacheSize, nil, opts.SettingsCacheTTL),
		},
	}
	if opts.SkipMigrate {
		return s, nil
	}
	if err := s.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func isMemoryDSN(dsn string) bool {
	return dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
}

func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	params := "_foreign_keys=on&_txlock=immediate&_busy_timeout=5000"
	if !isMemoryDSN(path) {
		params += "&_journal_mode=WAL"
	}
	return path + sep + params
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns the store's SQL dialect.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// =============================================================================
// TRANSACTIONS (retainer.TxStore)
// =============================================================================

// WithTx executes fn within a database transaction. fn receives a Store
// bound to the transaction; it must not use the parent store.
func (s *Store) WithTx(ctx context.Context, fn func(retainer.Store) error) error {
	if s.dialect == SQLite {
		s.mu.Lock()
		defer s.mu.Unlock()
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	txRepo := &repo{q: sqlTx, dialect: s.dialect, settings: s.settings}
	if err := fn(txRepo); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// =============================================================================
// REPO - Queries shared by the store and its transactions
// =============================================================================

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type repo struct {
	q        queryer
	dialect  Dialect
	settings *expirable.LRU[string, retainer.OrgSettings]
}

var _ retainer.Store = (*repo)(nil)

func (r *repo) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return r.q.ExecContext(ctx, r.dialect.rebind(query), args...)
}

func (r *repo) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return r.q.QueryContext(ctx, r.dialect.rebind(query), args...)
}

func (r *repo) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return r.q.QueryRowContext(ctx, r.dialect.rebind(query), args...)
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}
