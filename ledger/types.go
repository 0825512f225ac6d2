/*
Package ledger provides the incremental balance recomputation engine.

PURPOSE:
  Accounts hold dated, signed money movements (transactions). Transactions
  are classified into envelope-style budget categories. Three families of
  monthly running balances are kept consistent whenever history is edited:
  per account, per (budget, category), and per budget.

KEY CONCEPTS IN THIS FILE (types.go):
  - Transaction: a signed movement in minor currency units
  - TransferLeg: the tag that makes a transaction one half of a transfer
  - Transfer: the pair record owning both legs
  - *MonthlyBalance: the stored aggregate rows, keyed by Month

DESIGN PRINCIPLES:
  1. Integers only: amounts are int64 in the smallest currency unit
  2. Cumulative: every month's balance is derived from the previous one
  3. No shared state: aggregators only touch the Store they are handed
  4. Type Safety: typed IDs prevent mixing accounts, categories and budgets

SEE ALSO:
  - month.go: Month bucketing in the budget's time zone
  - account.go, category.go, total.go: the three aggregators
  - transfer.go: paired-leg state machine
  - engine.go: mutation orchestrator
*/
package ledger

import "time"

// =============================================================================
// IDENTIFIERS
// =============================================================================

type BudgetID string
type AccountID string
type CategoryID string
type TransactionID string
type TransferID string
type PayeeID string

// Unassigned is the synthetic "available to budget" category bucket.
// Transactions without a category, including every transfer leg, land here.
const Unassigned CategoryID = ""

// =============================================================================
// DIRECTORY RECORDS - owned by external CRUD services, read-only here
// =============================================================================

type Budget struct {
	ID       BudgetID
	Name     string
	TimeZone string // IANA zone name used for month bucketing
}

type Account struct {
	ID       AccountID
	BudgetID BudgetID
	Name     string
	Deleted  bool
}

type Category struct {
	ID       CategoryID
	BudgetID BudgetID
	Name     string
	IsIncome bool
}

// =============================================================================
// TRANSACTION
// =============================================================================

// TransferLeg marks a transaction as one half of a transfer.
// A nil *TransferLeg on a Transaction means the transaction is plain.
type TransferLeg struct {
	TransferID      TransferID
	PairedAccountID AccountID
}

type Transaction struct {
	ID         TransactionID
	AccountID  AccountID
	Date       time.Time
	Amount     int64
	CategoryID CategoryID
	PayeeID    PayeeID
	Notes      string
	Reconciled bool
	Leg        *TransferLeg
}

// IsTransfer reports whether the transaction is a transfer leg.
func (t Transaction) IsTransfer() bool { return t.Leg != nil }

// Transfer owns exactly two transactions, one per account.
type Transfer struct {
	ID            TransferID
	FromAccountID AccountID
	ToAccountID   AccountID
}

// Other returns the account on the opposite side of the transfer.
func (t Transfer) Other(account AccountID) AccountID {
	if t.FromAccountID == account {
		return t.ToAccountID
	}
	return t.FromAccountID
}

// =============================================================================
// MONTHLY BALANCES
// =============================================================================

type AccountMonthlyBalance struct {
	AccountID AccountID
	Month     Month
	Balance   int64
}

type CategoryMonthlyBalance struct {
	BudgetID       BudgetID
	CategoryID     CategoryID
	Month          Month
	AssignedAmount int64
	Balance        int64
}

type BudgetMonthlyBalance struct {
	BudgetID BudgetID
	Month    Month
	Balance  int64
}
