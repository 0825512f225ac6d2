/*
engine.go - Transaction Mutation Orchestrator

PURPOSE:
  The single entry point for inserting, patching and deleting
  transactions. Each call opens one serializable transaction, performs
  the row mutations (delegating to the TransferManager for transfer legs),
  gathers every (account, date, category) location touched by the old and
  new states, and re-aggregates in a fixed order:

    accounts -> categories -> budget total

FAILURE:
  Any error aborts the whole transaction. Balances are never left half
  walked. Serialization conflicts surface as IsRetryable errors; the
  caller retries the entire call (see Retry).

UNIT OF WORK:
  Do runs several mutations (and a bank-sync cursor write) in one
  transaction. Each mutation re-aggregates before the next one reads.

SKIPPING:
  Edits that only change notes, payee or the reconciliation flag touch no
  aggregate and skip re-aggregation.

SEE ALSO:
  - transfer.go: paired-leg state machine
  - account.go, category.go, total.go: aggregators
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/warp/budget-engine/logger"
)

// Engine orchestrates mutations against a TxStore.
type Engine struct {
	Store     TxStore
	Transfers *TransferManager
	NewID     func() string
}

func NewEngine(store TxStore) *Engine {
	return &Engine{
		Store:     store,
		Transfers: NewTransferManager(),
		NewID:     uuid.NewString,
	}
}

// =============================================================================
// MUTATION INPUTS
// =============================================================================

// NewTransaction describes a transaction to insert.
type NewTransaction struct {
	AccountID  AccountID
	Date       time.Time
	Amount     int64
	CategoryID CategoryID
	PayeeID    PayeeID
	Notes      string
	Reconciled bool

	// TransferAccountID, when set, makes the transaction the source leg of
	// a transfer into that account. The category is dropped.
	TransferAccountID AccountID
}

// TransactionPatch lists the fields to change. Nil fields are left alone.
type TransactionPatch struct {
	AccountID  *AccountID
	Date       *time.Time
	Amount     *int64
	CategoryID *CategoryID
	PayeeID    *PayeeID
	Notes      *string
	Reconciled *bool

	// TransferAccountID sets or moves the transfer destination. A pointer
	// to the empty ID converts a transfer leg back into a plain transaction.
	TransferAccountID *AccountID
}

func (p TransactionPatch) apply(tx Transaction) Transaction {
	if p.AccountID != nil {
		tx.AccountID = *p.AccountID
	}
	if p.Date != nil {
		tx.Date = *p.Date
	}
	if p.Amount != nil {
		tx.Amount = *p.Amount
	}
	if p.CategoryID != nil {
		tx.CategoryID = *p.CategoryID
	}
	if p.PayeeID != nil {
		tx.PayeeID = *p.PayeeID
	}
	if p.Notes != nil {
		tx.Notes = *p.Notes
	}
	if p.Reconciled != nil {
		tx.Reconciled = *p.Reconciled
	}
	return tx
}

// =============================================================================
// MUTATIONS
// =============================================================================

// Mutations is the mutation surface inside Do. Everything done through it
// commits or rolls back together.
type Mutations interface {
	Insert(ctx context.Context, budgetID BudgetID, in NewTransaction) (Transaction, error)
	Patch(ctx context.Context, budgetID BudgetID, id TransactionID, p TransactionPatch) (Transaction, error)
	Delete(ctx context.Context, budgetID BudgetID, ids ...TransactionID) error

	// SaveSyncCursor records a bank-sync position in the same transaction.
	SaveSyncCursor(ctx context.Context, accountID AccountID, cursor string) error
}

// Do runs fn inside one serializable transaction. Each mutation made
// through m re-aggregates before the next one starts.
func (e *Engine) Do(ctx context.Context, fn func(m Mutations) error) error {
	return e.Store.WithTx(ctx, func(s Store) error {
		return fn(&session{e: e, s: s})
	})
}

// Insert adds a transaction, creating the transfer mirror when requested.
func (e *Engine) Insert(ctx context.Context, budgetID BudgetID, in NewTransaction) (Transaction, error) {
	var created Transaction
	err := e.Do(ctx, func(m Mutations) error {
		var err error
		created, err = m.Insert(ctx, budgetID, in)
		return err
	})
	if err != nil {
		return Transaction{}, err
	}

	logger.FromContext(ctx).Debug().
		Str("budget_id", string(budgetID)).
		Str("transaction_id", string(created.ID)).
		Bool("transfer", created.IsTransfer()).
		Msg("transaction inserted")
	return created, nil
}

// Patch edits one transaction and keeps its transfer mirror in step.
func (e *Engine) Patch(ctx context.Context, budgetID BudgetID, id TransactionID, p TransactionPatch) (Transaction, error) {
	var patched Transaction
	err := e.Do(ctx, func(m Mutations) error {
		var err error
		patched, err = m.Patch(ctx, budgetID, id, p)
		return err
	})
	if err != nil {
		return Transaction{}, err
	}

	logger.FromContext(ctx).Debug().
		Str("budget_id", string(budgetID)).
		Str("transaction_id", string(id)).
		Bool("transfer", patched.IsTransfer()).
		Msg("transaction patched")
	return patched, nil
}

// Delete removes transactions. Deleting a transfer leg removes its pair too;
// listing both legs is allowed.
func (e *Engine) Delete(ctx context.Context, budgetID BudgetID, ids ...TransactionID) error {
	err := e.Do(ctx, func(m Mutations) error {
		return m.Delete(ctx, budgetID, ids...)
	})
	if err != nil {
		return err
	}

	logger.FromContext(ctx).Debug().
		Str("budget_id", string(budgetID)).
		Int("requested", len(ids)).
		Msg("transactions deleted")
	return nil
}

// session implements Mutations over one open Store.
type session struct {
	e *Engine
	s Store
}

func (ss *session) SaveSyncCursor(ctx context.Context, accountID AccountID, cursor string) error {
	return ss.s.SaveSyncCursor(ctx, accountID, cursor)
}

func (ss *session) Insert(ctx context.Context, budgetID BudgetID, in NewTransaction) (Transaction, error) {
	if in.Date.IsZero() {
		return Transaction{}, invalid("date", ErrInvalidMutation, "date is required")
	}
	s, e := ss.s, ss.e

	if err := checkAccount(ctx, s, budgetID, in.AccountID); err != nil {
		return Transaction{}, err
	}

	tx := Transaction{
		ID:         TransactionID(e.NewID()),
		AccountID:  in.AccountID,
		Date:       in.Date,
		Amount:     in.Amount,
		CategoryID: in.CategoryID,
		PayeeID:    in.PayeeID,
		Notes:      in.Notes,
		Reconciled: in.Reconciled,
	}
	if in.TransferAccountID != "" {
		tx.CategoryID = Unassigned
		if err := validatePair(ctx, s, budgetID, tx.AccountID, in.TransferAccountID); err != nil {
			return Transaction{}, err
		}
	} else if err := checkCategory(ctx, s, budgetID, tx.CategoryID); err != nil {
		return Transaction{}, err
	}

	if err := s.InsertTransaction(ctx, tx); err != nil {
		return Transaction{}, fmt.Errorf("insert transaction: %w", err)
	}
	changes := Changes{Added: []Transaction{tx}}

	if in.TransferAccountID != "" {
		leg, c, err := e.Transfers.Create(ctx, s, budgetID, tx, in.TransferAccountID)
		if err != nil {
			return Transaction{}, err
		}
		tx = leg
		changes.Merge(c)
	}

	if err := e.reaggregate(ctx, s, budgetID, changes); err != nil {
		return Transaction{}, err
	}
	return tx, nil
}

func (ss *session) Patch(ctx context.Context, budgetID BudgetID, id TransactionID, p TransactionPatch) (Transaction, error) {
	if p.Date != nil && p.Date.IsZero() {
		return Transaction{}, invalid("date", ErrInvalidMutation, "date cannot be cleared")
	}
	if p.AccountID != nil && *p.AccountID == "" {
		return Transaction{}, invalid("account_id", ErrInvalidMutation, "account cannot be cleared")
	}
	s, e := ss.s, ss.e

	before, err := e.owned(ctx, s, budgetID, id)
	if err != nil {
		return Transaction{}, err
	}
	after := p.apply(*before)

	if after.AccountID != before.AccountID {
		if err := checkAccount(ctx, s, budgetID, after.AccountID); err != nil {
			return Transaction{}, err
		}
	}
	if endsPlain(*before, p) && after.CategoryID != before.CategoryID {
		if err := checkCategory(ctx, s, budgetID, after.CategoryID); err != nil {
			return Transaction{}, err
		}
	}

	var changes Changes
	if before.IsTransfer() || (p.TransferAccountID != nil && *p.TransferAccountID != "") {
		if after, changes, err = e.Transfers.Update(ctx, s, budgetID, *before, after, p.TransferAccountID); err != nil {
			return Transaction{}, err
		}
	} else {
		if err := s.UpdateTransaction(ctx, after); err != nil {
			return Transaction{}, fmt.Errorf("update transaction: %w", err)
		}
		changes.Updated = []Revision{{Before: *before, After: after}}
	}

	if err := e.reaggregate(ctx, s, budgetID, changes); err != nil {
		return Transaction{}, err
	}
	return after, nil
}

func (ss *session) Delete(ctx context.Context, budgetID BudgetID, ids ...TransactionID) error {
	if len(ids) == 0 {
		return invalid("ids", ErrInvalidMutation, "no transactions to delete")
	}
	s, e := ss.s, ss.e

	removed := make(map[TransactionID]bool)
	var changes Changes
	for _, id := range ids {
		if removed[id] {
			continue
		}
		tx, err := e.owned(ctx, s, budgetID, id)
		if err != nil {
			return err
		}

		if tx.IsTransfer() {
			c, err := e.Transfers.Delete(ctx, s, *tx)
			if err != nil {
				return err
			}
			changes.Merge(c)
			for _, l := range c.Removed {
				removed[l.ID] = true
			}
			continue
		}

		if err := s.DeleteTransaction(ctx, id); err != nil {
			return fmt.Errorf("delete transaction %s: %w", id, err)
		}
		changes.Removed = append(changes.Removed, *tx)
		removed[id] = true
	}
	return e.reaggregate(ctx, s, budgetID, changes)
}

// Assign records the amount assigned to a category for one month and
// re-walks that category and the budget total from there.
func (e *Engine) Assign(ctx context.Context, budgetID BudgetID, categoryID CategoryID, m Month, amount int64) (CategoryMonthlyBalance, error) {
	if categoryID == Unassigned {
		return CategoryMonthlyBalance{}, invalid("category_id", ErrInvalidMutation, "the unassigned bucket cannot be assigned to")
	}

	var row CategoryMonthlyBalance
	err := e.Store.WithTx(ctx, func(s Store) error {
		if _, err := s.IsIncome(ctx, budgetID, categoryID); err != nil {
			return err
		}
		loc, err := Location(ctx, s, budgetID)
		if err != nil {
			return err
		}

		current, _, err := s.GetCategoryBalance(ctx, budgetID, categoryID, m)
		if err != nil {
			return err
		}
		current.BudgetID, current.CategoryID, current.Month = budgetID, categoryID, m
		current.AssignedAmount = amount
		if err := s.UpsertCategoryBalance(ctx, current); err != nil {
			return fmt.Errorf("upsert assignment: %w", err)
		}

		start, through, ok, err := UpdateMonthlyBalances(ctx, s, budgetID, []CategoryTouch{{Date: m.Start(loc), Categories: []CategoryID{categoryID}}})
		if err != nil {
			return err
		}
		if ok {
			if err := UpdateBudgetMonthlyBalances(ctx, s, budgetID, start, through); err != nil {
				return err
			}
		}

		stored, _, err := s.GetCategoryBalance(ctx, budgetID, categoryID, m)
		row = stored
		return err
	})
	if err != nil {
		return CategoryMonthlyBalance{}, err
	}

	logger.FromContext(ctx).Debug().
		Str("budget_id", string(budgetID)).
		Str("category_id", string(categoryID)).
		Str("month", m.String()).
		Int64("assigned", amount).
		Msg("category assigned")
	return row, nil
}

// =============================================================================
// RE-AGGREGATION
// =============================================================================

func (e *Engine) reaggregate(ctx context.Context, s Store, budgetID BudgetID, changes Changes) error {
	touches := changes.Touches()
	if len(touches) == 0 {
		return nil
	}

	accounts, dates := byAccount(touches)
	for _, a := range accounts {
		if err := UpdateAccountBalance(ctx, s, budgetID, a, dates[a]); err != nil {
			return err
		}
	}

	start, through, ok, err := UpdateMonthlyBalances(ctx, s, budgetID, categoryTouches(touches))
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return UpdateBudgetMonthlyBalances(ctx, s, budgetID, start, through)
}

// owned loads a transaction and hides it unless its account is in budgetID.
func (e *Engine) owned(ctx context.Context, s Store, budgetID BudgetID, id TransactionID) (*Transaction, error) {
	tx, err := s.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	acc, err := s.Account(ctx, tx.AccountID)
	if err != nil {
		return nil, err
	}
	if acc.BudgetID != budgetID {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, id)
	}
	return tx, nil
}

// endsPlain reports whether the patched transaction will be a plain one.
func endsPlain(before Transaction, p TransactionPatch) bool {
	if p.TransferAccountID != nil {
		return *p.TransferAccountID == ""
	}
	return !before.IsTransfer()
}

func checkCategory(ctx context.Context, s Store, budgetID BudgetID, id CategoryID) error {
	if id == Unassigned {
		return nil
	}
	if _, err := s.IsIncome(ctx, budgetID, id); IsNotFound(err) {
		return invalid("category_id", err, "")
	} else if err != nil {
		return err
	}
	return nil
}
