/*
store.go - Persistence interface for the ledger engine

PURPOSE:
  Defines the boundary between the aggregation logic and the relational
  store. Every aggregator is a pure function of a Store handle: it reads
  and writes only through the handle it is given, so all of its effects
  belong to the caller's transaction.

KEY INTERFACES:
  Directory:        read-only account/category lookups (external CRUD)
  TimeZoneResolver: budget -> IANA zone name
  Store:            row operations available inside one transaction
  TxStore:          opens serializable and read-only transactions

ISOLATION CONTRACT:
  WithTx must run fn at the strictest isolation level the store offers.
  If a concurrent mutation conflicts, the store aborts and WithTx returns
  an error that satisfies IsRetryable. Nothing fn wrote is visible
  unless fn returns nil and the commit succeeds.

RANGES:
  Sum* methods take half-open instant ranges [from, to). Balance lookups
  keyed by Month use Month.Key() ordering.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: production SQLite store
  - ledger/store/memory.go: in-memory store for tests and dev
*/
package ledger

import (
	"context"
	"time"
)

// Directory answers the two questions the engine asks about identity.
type Directory interface {
	// Account returns ErrAccountNotFound for unknown IDs. Soft-deleted
	// accounts are returned with Deleted set.
	Account(ctx context.Context, id AccountID) (*Account, error)

	// IsIncome returns ErrCategoryNotFound if the category does not exist
	// in the budget.
	IsIncome(ctx context.Context, budgetID BudgetID, categoryID CategoryID) (bool, error)
}

// TimeZoneResolver returns the IANA zone name of a budget, or ErrBudgetNotFound.
type TimeZoneResolver interface {
	TimeZone(ctx context.Context, budgetID BudgetID) (string, error)
}

// Store is the transactional view handed to WithTx callbacks.
type Store interface {
	Directory
	TimeZoneResolver

	// Transactions
	GetTransaction(ctx context.Context, id TransactionID) (*Transaction, error)
	InsertTransaction(ctx context.Context, tx Transaction) error
	UpdateTransaction(ctx context.Context, tx Transaction) error
	DeleteTransaction(ctx context.Context, id TransactionID) error
	TransferLegs(ctx context.Context, id TransferID) ([]Transaction, error)
	LatestTransactionDate(ctx context.Context, accountID AccountID) (time.Time, bool, error)
	SumAccountTransactions(ctx context.Context, accountID AccountID, from, to time.Time) (int64, error)
	SumCategoryTransactions(ctx context.Context, budgetID BudgetID, categoryID CategoryID, from, to time.Time) (int64, error)

	// Transfers
	GetTransfer(ctx context.Context, id TransferID) (*Transfer, error)
	InsertTransfer(ctx context.Context, t Transfer) error
	UpdateTransfer(ctx context.Context, t Transfer) error
	DeleteTransfer(ctx context.Context, id TransferID) error

	// Account balances
	AccountBalanceAsOf(ctx context.Context, accountID AccountID, m Month) (AccountMonthlyBalance, bool, error)
	UpsertAccountBalance(ctx context.Context, b AccountMonthlyBalance) error
	DeleteAccountBalancesAfter(ctx context.Context, accountID AccountID, m Month) error
	ListAccountBalances(ctx context.Context, accountID AccountID) ([]AccountMonthlyBalance, error)

	// Category balances
	GetCategoryBalance(ctx context.Context, budgetID BudgetID, categoryID CategoryID, m Month) (CategoryMonthlyBalance, bool, error)
	CategoryBalanceAsOf(ctx context.Context, budgetID BudgetID, categoryID CategoryID, m Month) (CategoryMonthlyBalance, bool, error)
	LatestCategoryMonth(ctx context.Context, budgetID BudgetID, categoryID CategoryID) (Month, bool, error)
	UpsertCategoryBalance(ctx context.Context, b CategoryMonthlyBalance) error
	ListCategoryBalances(ctx context.Context, budgetID BudgetID, m Month) ([]CategoryMonthlyBalance, error)
	LatestBudgetCategoryMonth(ctx context.Context, budgetID BudgetID) (Month, bool, error)

	// Budget balances
	BudgetBalanceAsOf(ctx context.Context, budgetID BudgetID, m Month) (BudgetMonthlyBalance, bool, error)
	UpsertBudgetBalance(ctx context.Context, b BudgetMonthlyBalance) error
	ListBudgetBalances(ctx context.Context, budgetID BudgetID) ([]BudgetMonthlyBalance, error)

	// Sync cursors. SaveSyncCursor returns ErrAccountNotFound for unknown
	// accounts.
	SyncCursor(ctx context.Context, accountID AccountID) (string, error)
	SaveSyncCursor(ctx context.Context, accountID AccountID, cursor string) error
}

// TxStore opens serializable transactions.
type TxStore interface {
	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error

	// WithReadTx runs fn in a transaction that sees one consistent snapshot
	// and does not take the writer lock. fn must not write.
	WithReadTx(ctx context.Context, fn func(Store) error) error
}
