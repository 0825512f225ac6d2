/*
Package sqlite provides a SQLite-backed implementation of the ledger store.

PURPOSE:
  Implements ledger.TxStore on SQLite, plus the directory seeding and
  bank-sync cursor tables the outer layers need. The aggregators see only
  the transactional view returned inside WithTx.

INTERFACES IMPLEMENTED:
  ledger.TxStore:    serializable transactions over ledger.Store, deferred reads
  api.DirectoryAdmin: budget/account/category seeding
  banksync.CursorStore: per-account sync watermarks

KEY TABLES:
  transactions:              dated, signed movements (NULL category = unassigned)
  transfers:                 pair records, CHECK from <> to
  account_monthly_balances:  PK(account_id, year, month)
  category_monthly_balances: PK(budget_id, category_id, year, month), '' = unassigned
  budget_monthly_balances:   PK(budget_id, year, month)

CONCURRENCY:
  Transactions start with BEGIN IMMEDIATE (_txlock=immediate), so writers
  serialize on the database lock and every transaction is serializable.
  A writer that cannot get the lock within the busy timeout fails with
  SQLITE_BUSY, reported as ledger.ErrSerializationConflict so callers
  retry the whole mutation.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/budget.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewEngine(store)

MIGRATION:
  Versioned migrations in migrations/ are embedded and applied by
  golang-migrate on New().

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/mattn/go-sqlite3"
	"github.com/warp/budget-engine/ledger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is fixed width in UTC so text comparison orders instants.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements ledger.TxStore using SQLite.
type Store struct {
	db *sql.DB
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies the embedded migrations on the store's own handle.
func (s *Store) migrate() error {
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite driver: %w", err)
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create iofs source: %w", err)
	}
	// m.Close would close s.db through the driver, so only the source is closed.
	defer src.Close()

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a serializable database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return wrap("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return wrap("commit transaction", err)
	}
	return nil
}

// WithReadTx runs fn in a deferred transaction. Under _txlock=immediate
// BeginTx always takes the writer lock, so the read transaction is opened by
// hand on a dedicated connection.
func (s *Store) WithReadTx(ctx context.Context, fn func(ledger.Store) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return wrap("acquire connection", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN DEFERRED"); err != nil {
		return wrap("begin read transaction", err)
	}
	err = fn(&txStore{q: conn})
	if _, rbErr := conn.ExecContext(context.Background(), "ROLLBACK"); rbErr != nil && err == nil {
		err = wrap("end read transaction", rbErr)
	}
	return err
}

// =============================================================================
// DIRECTORY SEEDING
// =============================================================================

func (s *Store) SaveBudget(ctx context.Context, b ledger.Budget) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO budgets (id, name, timezone) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, timezone = excluded.timezone
	`, b.ID, b.Name, b.TimeZone)
	return wrap("save budget", err)
}

func (s *Store) SaveAccount(ctx context.Context, a ledger.Account) error {
	var deletedAt sql.NullString
	if a.Deleted {
		deletedAt = sql.NullString{String: formatTime(time.Now()), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, budget_id, name, deleted_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, deleted_at = excluded.deleted_at
	`, a.ID, a.BudgetID, a.Name, deletedAt)
	if isForeignKeyError(err) {
		return fmt.Errorf("%w: %s", ledger.ErrBudgetNotFound, a.BudgetID)
	}
	return wrap("save account", err)
}

func (s *Store) SaveCategory(ctx context.Context, c ledger.Category) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO categories (id, budget_id, name, is_income) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, is_income = excluded.is_income
	`, c.ID, c.BudgetID, c.Name, c.IsIncome)
	if isForeignKeyError(err) {
		return fmt.Errorf("%w: %s", ledger.ErrBudgetNotFound, c.BudgetID)
	}
	return wrap("save category", err)
}

// =============================================================================
// SYNC CURSORS
// =============================================================================

// SyncCursor returns the last applied bank-sync cursor, or "" if none.
func (s *Store) SyncCursor(ctx context.Context, accountID ledger.AccountID) (string, error) {
	return (&txStore{q: s.db}).SyncCursor(ctx, accountID)
}

// SaveSyncCursor writes a cursor outside any mutation. Bank sync writes its
// progress through ledger.Mutations instead, so it commits with the item.
func (s *Store) SaveSyncCursor(ctx context.Context, accountID ledger.AccountID, cursor string) error {
	return (&txStore{q: s.db}).SaveSyncCursor(ctx, accountID, cursor)
}

func (ts *txStore) SyncCursor(ctx context.Context, accountID ledger.AccountID) (string, error) {
	var cursor string
	err := ts.q.QueryRowContext(ctx, `SELECT cursor FROM sync_cursors WHERE account_id = ?`, accountID).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return cursor, wrap("load sync cursor", err)
}

func (ts *txStore) SaveSyncCursor(ctx context.Context, accountID ledger.AccountID, cursor string) error {
	_, err := ts.q.ExecContext(ctx, `
		INSERT INTO sync_cursors (account_id, cursor) VALUES (?, ?)
		ON CONFLICT(account_id) DO UPDATE SET cursor = excluded.cursor
	`, accountID, cursor)
	if isForeignKeyError(err) {
		return fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, accountID)
	}
	return wrap("save sync cursor", err)
}

// =============================================================================
// TRANSACTIONAL VIEW - implements ledger.Store
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txStore struct {
	q querier
}

// Directory

func (ts *txStore) Account(ctx context.Context, id ledger.AccountID) (*ledger.Account, error) {
	var a ledger.Account
	var deletedAt sql.NullString
	err := ts.q.QueryRowContext(ctx,
		`SELECT id, budget_id, name, deleted_at FROM accounts WHERE id = ?`, id,
	).Scan(&a.ID, &a.BudgetID, &a.Name, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, id)
	}
	if err != nil {
		return nil, wrap("load account", err)
	}
	a.Deleted = deletedAt.Valid
	return &a, nil
}

func (ts *txStore) IsIncome(ctx context.Context, budgetID ledger.BudgetID, id ledger.CategoryID) (bool, error) {
	var income bool
	err := ts.q.QueryRowContext(ctx,
		`SELECT is_income FROM categories WHERE id = ? AND budget_id = ?`, id, budgetID,
	).Scan(&income)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: %s", ledger.ErrCategoryNotFound, id)
	}
	return income, wrap("load category", err)
}

func (ts *txStore) TimeZone(ctx context.Context, budgetID ledger.BudgetID) (string, error) {
	var tz string
	err := ts.q.QueryRowContext(ctx, `SELECT timezone FROM budgets WHERE id = ?`, budgetID).Scan(&tz)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ledger.ErrBudgetNotFound, budgetID)
	}
	return tz, wrap("load budget time zone", err)
}

// Transactions

// The paired account is derived from the transfer row.
const selectTransaction = `
	SELECT t.id, t.account_id, t.date, t.amount, t.category_id, t.payee_id,
	       t.notes, t.is_reconciled, t.transfer_id,
	       CASE WHEN tr.from_account_id = t.account_id THEN tr.to_account_id ELSE tr.from_account_id END
	FROM transactions t
	LEFT JOIN transfers tr ON tr.id = t.transfer_id
`

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row scanner) (ledger.Transaction, error) {
	var tx ledger.Transaction
	var date string
	var category, payee, transfer, paired sql.NullString
	if err := row.Scan(&tx.ID, &tx.AccountID, &date, &tx.Amount, &category, &payee,
		&tx.Notes, &tx.Reconciled, &transfer, &paired); err != nil {
		return tx, err
	}
	t, err := time.Parse(timeLayout, date)
	if err != nil {
		return tx, fmt.Errorf("parse date of transaction %s: %w", tx.ID, err)
	}
	tx.Date = t
	tx.CategoryID = ledger.CategoryID(category.String)
	tx.PayeeID = ledger.PayeeID(payee.String)
	if transfer.Valid {
		tx.Leg = &ledger.TransferLeg{
			TransferID:      ledger.TransferID(transfer.String),
			PairedAccountID: ledger.AccountID(paired.String),
		}
	}
	return tx, nil
}

func (ts *txStore) GetTransaction(ctx context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	tx, err := scanTransaction(ts.q.QueryRowContext(ctx, selectTransaction+` WHERE t.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrTransactionNotFound, id)
	}
	if err != nil {
		return nil, wrap("load transaction", err)
	}
	return &tx, nil
}

func (ts *txStore) InsertTransaction(ctx context.Context, tx ledger.Transaction) error {
	_, err := ts.q.ExecContext(ctx, `
		INSERT INTO transactions
		(id, account_id, date, amount, category_id, payee_id, notes, is_reconciled, transfer_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, tx.ID, tx.AccountID, formatTime(tx.Date), tx.Amount,
		nullString(string(tx.CategoryID)), nullString(string(tx.PayeeID)),
		tx.Notes, tx.Reconciled, legID(tx))
	if isUniqueConstraintError(err) {
		return fmt.Errorf("transaction %s already exists", tx.ID)
	}
	return wrap("insert transaction", err)
}

func (ts *txStore) UpdateTransaction(ctx context.Context, tx ledger.Transaction) error {
	res, err := ts.q.ExecContext(ctx, `
		UPDATE transactions
		SET account_id = ?, date = ?, amount = ?, category_id = ?, payee_id = ?,
		    notes = ?, is_reconciled = ?, transfer_id = ?
		WHERE id = ?
	`, tx.AccountID, formatTime(tx.Date), tx.Amount,
		nullString(string(tx.CategoryID)), nullString(string(tx.PayeeID)),
		tx.Notes, tx.Reconciled, legID(tx), tx.ID)
	if err != nil {
		return wrap("update transaction", err)
	}
	return requireRow(res, ledger.ErrTransactionNotFound, string(tx.ID))
}

func (ts *txStore) DeleteTransaction(ctx context.Context, id ledger.TransactionID) error {
	res, err := ts.q.ExecContext(ctx, `DELETE FROM transactions WHERE id = ?`, id)
	if err != nil {
		return wrap("delete transaction", err)
	}
	return requireRow(res, ledger.ErrTransactionNotFound, string(id))
}

func (ts *txStore) TransferLegs(ctx context.Context, id ledger.TransferID) ([]ledger.Transaction, error) {
	rows, err := ts.q.QueryContext(ctx, selectTransaction+` WHERE t.transfer_id = ? ORDER BY t.id`, id)
	if err != nil {
		return nil, wrap("load transfer legs", err)
	}
	defer rows.Close()

	var legs []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, wrap("scan transfer leg", err)
		}
		legs = append(legs, tx)
	}
	return legs, wrap("iterate transfer legs", rows.Err())
}

func (ts *txStore) LatestTransactionDate(ctx context.Context, accountID ledger.AccountID) (time.Time, bool, error) {
	var date sql.NullString
	err := ts.q.QueryRowContext(ctx,
		`SELECT MAX(date) FROM transactions WHERE account_id = ?`, accountID,
	).Scan(&date)
	if err != nil {
		return time.Time{}, false, wrap("load latest transaction date", err)
	}
	if !date.Valid {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(timeLayout, date.String)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse latest transaction date: %w", err)
	}
	return t, true, nil
}

func (ts *txStore) SumAccountTransactions(ctx context.Context, accountID ledger.AccountID, from, to time.Time) (int64, error) {
	var sum int64
	err := ts.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM transactions
		WHERE account_id = ? AND date >= ? AND date < ?
	`, accountID, formatTime(from), formatTime(to)).Scan(&sum)
	return sum, wrap("sum account transactions", err)
}

func (ts *txStore) SumCategoryTransactions(ctx context.Context, budgetID ledger.BudgetID, categoryID ledger.CategoryID, from, to time.Time) (int64, error) {
	var sum int64
	err := ts.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(t.amount), 0)
		FROM transactions t
		JOIN accounts a ON a.id = t.account_id
		WHERE a.budget_id = ? AND COALESCE(t.category_id, '') = ? AND t.date >= ? AND t.date < ?
	`, budgetID, categoryID, formatTime(from), formatTime(to)).Scan(&sum)
	return sum, wrap("sum category transactions", err)
}

// Transfers

func (ts *txStore) GetTransfer(ctx context.Context, id ledger.TransferID) (*ledger.Transfer, error) {
	var t ledger.Transfer
	err := ts.q.QueryRowContext(ctx,
		`SELECT id, from_account_id, to_account_id FROM transfers WHERE id = ?`, id,
	).Scan(&t.ID, &t.FromAccountID, &t.ToAccountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrTransferNotFound, id)
	}
	if err != nil {
		return nil, wrap("load transfer", err)
	}
	return &t, nil
}

func (ts *txStore) InsertTransfer(ctx context.Context, t ledger.Transfer) error {
	_, err := ts.q.ExecContext(ctx,
		`INSERT INTO transfers (id, from_account_id, to_account_id) VALUES (?, ?, ?)`,
		t.ID, t.FromAccountID, t.ToAccountID)
	if isCheckConstraintError(err) {
		return ledger.ErrSameAccountTransfer
	}
	return wrap("insert transfer", err)
}

func (ts *txStore) UpdateTransfer(ctx context.Context, t ledger.Transfer) error {
	res, err := ts.q.ExecContext(ctx,
		`UPDATE transfers SET from_account_id = ?, to_account_id = ? WHERE id = ?`,
		t.FromAccountID, t.ToAccountID, t.ID)
	if isCheckConstraintError(err) {
		return ledger.ErrSameAccountTransfer
	}
	if err != nil {
		return wrap("update transfer", err)
	}
	return requireRow(res, ledger.ErrTransferNotFound, string(t.ID))
}

func (ts *txStore) DeleteTransfer(ctx context.Context, id ledger.TransferID) error {
	res, err := ts.q.ExecContext(ctx, `DELETE FROM transfers WHERE id = ?`, id)
	if err != nil {
		return wrap("delete transfer", err)
	}
	return requireRow(res, ledger.ErrTransferNotFound, string(id))
}

// Account balances

func (ts *txStore) AccountBalanceAsOf(ctx context.Context, accountID ledger.AccountID, m ledger.Month) (ledger.AccountMonthlyBalance, bool, error) {
	b := ledger.AccountMonthlyBalance{AccountID: accountID}
	var year, month int
	err := ts.q.QueryRowContext(ctx, `
		SELECT year, month, balance FROM account_monthly_balances
		WHERE account_id = ? AND year * 100 + month <= ?
		ORDER BY year DESC, month DESC LIMIT 1
	`, accountID, m.Key()).Scan(&year, &month, &b.Balance)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.AccountMonthlyBalance{}, false, nil
	}
	if err != nil {
		return ledger.AccountMonthlyBalance{}, false, wrap("load account balance", err)
	}
	b.Month = ledger.NewMonth(year, time.Month(month))
	return b, true, nil
}

func (ts *txStore) UpsertAccountBalance(ctx context.Context, b ledger.AccountMonthlyBalance) error {
	_, err := ts.q.ExecContext(ctx, `
		INSERT INTO account_monthly_balances (account_id, year, month, balance) VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id, year, month) DO UPDATE SET balance = excluded.balance
	`, b.AccountID, b.Month.Year, int(b.Month.Month), b.Balance)
	return wrap("upsert account balance", err)
}

func (ts *txStore) DeleteAccountBalancesAfter(ctx context.Context, accountID ledger.AccountID, m ledger.Month) error {
	_, err := ts.q.ExecContext(ctx,
		`DELETE FROM account_monthly_balances WHERE account_id = ? AND year * 100 + month > ?`,
		accountID, m.Key())
	return wrap("prune account balances", err)
}

func (ts *txStore) ListAccountBalances(ctx context.Context, accountID ledger.AccountID) ([]ledger.AccountMonthlyBalance, error) {
	rows, err := ts.q.QueryContext(ctx, `
		SELECT year, month, balance FROM account_monthly_balances
		WHERE account_id = ? ORDER BY year, month
	`, accountID)
	if err != nil {
		return nil, wrap("list account balances", err)
	}
	defer rows.Close()

	out := []ledger.AccountMonthlyBalance{}
	for rows.Next() {
		b := ledger.AccountMonthlyBalance{AccountID: accountID}
		var year, month int
		if err := rows.Scan(&year, &month, &b.Balance); err != nil {
			return nil, wrap("scan account balance", err)
		}
		b.Month = ledger.NewMonth(year, time.Month(month))
		out = append(out, b)
	}
	return out, wrap("iterate account balances", rows.Err())
}

// Category balances

const selectCategoryBalance = `
	SELECT budget_id, category_id, year, month, assigned_amount, balance
	FROM category_monthly_balances
`

func scanCategoryBalance(row scanner) (ledger.CategoryMonthlyBalance, error) {
	var b ledger.CategoryMonthlyBalance
	var year, month int
	if err := row.Scan(&b.BudgetID, &b.CategoryID, &year, &month, &b.AssignedAmount, &b.Balance); err != nil {
		return b, err
	}
	b.Month = ledger.NewMonth(year, time.Month(month))
	return b, nil
}

func (ts *txStore) categoryRow(ctx context.Context, query string, args ...any) (ledger.CategoryMonthlyBalance, bool, error) {
	b, err := scanCategoryBalance(ts.q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.CategoryMonthlyBalance{}, false, nil
	}
	if err != nil {
		return ledger.CategoryMonthlyBalance{}, false, wrap("load category balance", err)
	}
	return b, true, nil
}

func (ts *txStore) GetCategoryBalance(ctx context.Context, budgetID ledger.BudgetID, categoryID ledger.CategoryID, m ledger.Month) (ledger.CategoryMonthlyBalance, bool, error) {
	return ts.categoryRow(ctx, selectCategoryBalance+`
		WHERE budget_id = ? AND category_id = ? AND year = ? AND month = ?
	`, budgetID, categoryID, m.Year, int(m.Month))
}

func (ts *txStore) CategoryBalanceAsOf(ctx context.Context, budgetID ledger.BudgetID, categoryID ledger.CategoryID, m ledger.Month) (ledger.CategoryMonthlyBalance, bool, error) {
	return ts.categoryRow(ctx, selectCategoryBalance+`
		WHERE budget_id = ? AND category_id = ? AND year * 100 + month <= ?
		ORDER BY year DESC, month DESC LIMIT 1
	`, budgetID, categoryID, m.Key())
}

func (ts *txStore) LatestCategoryMonth(ctx context.Context, budgetID ledger.BudgetID, categoryID ledger.CategoryID) (ledger.Month, bool, error) {
	b, ok, err := ts.categoryRow(ctx, selectCategoryBalance+`
		WHERE budget_id = ? AND category_id = ?
		ORDER BY year DESC, month DESC LIMIT 1
	`, budgetID, categoryID)
	return b.Month, ok, err
}

func (ts *txStore) UpsertCategoryBalance(ctx context.Context, b ledger.CategoryMonthlyBalance) error {
	_, err := ts.q.ExecContext(ctx, `
		INSERT INTO category_monthly_balances
		(budget_id, category_id, year, month, assigned_amount, balance) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(budget_id, category_id, year, month) DO UPDATE SET
			assigned_amount = excluded.assigned_amount,
			balance = excluded.balance
	`, b.BudgetID, b.CategoryID, b.Month.Year, int(b.Month.Month), b.AssignedAmount, b.Balance)
	return wrap("upsert category balance", err)
}

func (ts *txStore) ListCategoryBalances(ctx context.Context, budgetID ledger.BudgetID, m ledger.Month) ([]ledger.CategoryMonthlyBalance, error) {
	rows, err := ts.q.QueryContext(ctx, selectCategoryBalance+`
		WHERE budget_id = ? AND year = ? AND month = ?
		ORDER BY category_id
	`, budgetID, m.Year, int(m.Month))
	if err != nil {
		return nil, wrap("list category balances", err)
	}
	defer rows.Close()

	var out []ledger.CategoryMonthlyBalance
	for rows.Next() {
		b, err := scanCategoryBalance(rows)
		if err != nil {
			return nil, wrap("scan category balance", err)
		}
		out = append(out, b)
	}
	return out, wrap("iterate category balances", rows.Err())
}

func (ts *txStore) LatestBudgetCategoryMonth(ctx context.Context, budgetID ledger.BudgetID) (ledger.Month, bool, error) {
	b, ok, err := ts.categoryRow(ctx, selectCategoryBalance+`
		WHERE budget_id = ?
		ORDER BY year DESC, month DESC LIMIT 1
	`, budgetID)
	return b.Month, ok, err
}

// Budget balances

func (ts *txStore) BudgetBalanceAsOf(ctx context.Context, budgetID ledger.BudgetID, m ledger.Month) (ledger.BudgetMonthlyBalance, bool, error) {
	b := ledger.BudgetMonthlyBalance{BudgetID: budgetID}
	var year, month int
	err := ts.q.QueryRowContext(ctx, `
		SELECT year, month, balance FROM budget_monthly_balances
		WHERE budget_id = ? AND year * 100 + month <= ?
		ORDER BY year DESC, month DESC LIMIT 1
	`, budgetID, m.Key()).Scan(&year, &month, &b.Balance)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.BudgetMonthlyBalance{}, false, nil
	}
	if err != nil {
		return ledger.BudgetMonthlyBalance{}, false, wrap("load budget balance", err)
	}
	b.Month = ledger.NewMonth(year, time.Month(month))
	return b, true, nil
}

func (ts *txStore) UpsertBudgetBalance(ctx context.Context, b ledger.BudgetMonthlyBalance) error {
	_, err := ts.q.ExecContext(ctx, `
		INSERT INTO budget_monthly_balances (budget_id, year, month, balance) VALUES (?, ?, ?, ?)
		ON CONFLICT(budget_id, year, month) DO UPDATE SET balance = excluded.balance
	`, b.BudgetID, b.Month.Year, int(b.Month.Month), b.Balance)
	return wrap("upsert budget balance", err)
}

func (ts *txStore) ListBudgetBalances(ctx context.Context, budgetID ledger.BudgetID) ([]ledger.BudgetMonthlyBalance, error) {
	rows, err := ts.q.QueryContext(ctx, `
		SELECT year, month, balance FROM budget_monthly_balances
		WHERE budget_id = ? ORDER BY year, month
	`, budgetID)
	if err != nil {
		return nil, wrap("list budget balances", err)
	}
	defer rows.Close()

	out := []ledger.BudgetMonthlyBalance{}
	for rows.Next() {
		b := ledger.BudgetMonthlyBalance{BudgetID: budgetID}
		var year, month int
		if err := rows.Scan(&year, &month, &b.Balance); err != nil {
			return nil, wrap("scan budget balance", err)
		}
		b.Month = ledger.NewMonth(year, time.Month(month))
		out = append(out, b)
	}
	return out, wrap("iterate budget balances", rows.Err())
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func legID(tx ledger.Transaction) sql.NullString {
	if tx.Leg == nil {
		return sql.NullString{}
	}
	return nullString(string(tx.Leg.TransferID))
}

func requireRow(res sql.Result, notFound error, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", notFound, id)
	}
	return nil
}

// wrap annotates driver errors. Lock contention becomes a retryable
// serialization conflict. A nil err stays nil.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%s: %w: %v", op, ledger.ErrSerializationConflict, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isCheckConstraintError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintCheck
}

func isForeignKeyError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintForeignKey
}
