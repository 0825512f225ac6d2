package ledger

import "context"

// =============================================================================
// READ MODELS - each runs in its own read transaction
// =============================================================================

// Transaction returns one transaction of the budget.
func (e *Engine) Transaction(ctx context.Context, budgetID BudgetID, id TransactionID) (Transaction, error) {
	var out Transaction
	err := e.Store.WithReadTx(ctx, func(s Store) error {
		tx, err := e.owned(ctx, s, budgetID, id)
		if err != nil {
			return err
		}
		out = *tx
		return nil
	})
	return out, err
}

// AccountBalances returns the stored monthly balances of an account, oldest first.
func (e *Engine) AccountBalances(ctx context.Context, budgetID BudgetID, accountID AccountID) ([]AccountMonthlyBalance, error) {
	var out []AccountMonthlyBalance
	err := e.Store.WithReadTx(ctx, func(s Store) error {
		if err := ownedAccount(ctx, s, budgetID, accountID); err != nil {
			return err
		}
		var err error
		out, err = s.ListAccountBalances(ctx, accountID)
		return err
	})
	return out, err
}

// BudgetBalances returns the stored monthly totals of a budget, oldest first.
func (e *Engine) BudgetBalances(ctx context.Context, budgetID BudgetID) ([]BudgetMonthlyBalance, error) {
	var out []BudgetMonthlyBalance
	err := e.Store.WithReadTx(ctx, func(s Store) error {
		if _, err := s.TimeZone(ctx, budgetID); err != nil {
			return err
		}
		var err error
		out, err = s.ListBudgetBalances(ctx, budgetID)
		return err
	})
	return out, err
}

// MonthSummary is the budget total of one month with its category rows.
type MonthSummary struct {
	Budget     BudgetMonthlyBalance
	Categories []CategoryMonthlyBalance
}

// BudgetMonth returns the budget's state for month m. A month with no stored
// budget row carries the latest earlier total forward.
func (e *Engine) BudgetMonth(ctx context.Context, budgetID BudgetID, m Month) (MonthSummary, error) {
	var out MonthSummary
	err := e.Store.WithReadTx(ctx, func(s Store) error {
		if _, err := s.TimeZone(ctx, budgetID); err != nil {
			return err
		}
		total, _, err := s.BudgetBalanceAsOf(ctx, budgetID, m)
		if err != nil {
			return err
		}
		total.BudgetID, total.Month = budgetID, m
		rows, err := s.ListCategoryBalances(ctx, budgetID, m)
		if err != nil {
			return err
		}
		out = MonthSummary{Budget: total, Categories: rows}
		return nil
	})
	return out, err
}

// VerifyAccount runs the account invariant check in a read transaction.
func (e *Engine) VerifyAccount(ctx context.Context, budgetID BudgetID, accountID AccountID) ([]Violation, error) {
	var out []Violation
	err := e.Store.WithReadTx(ctx, func(s Store) error {
		if err := ownedAccount(ctx, s, budgetID, accountID); err != nil {
			return err
		}
		var err error
		out, err = VerifyAccount(ctx, s, budgetID, accountID)
		return err
	})
	return out, err
}

func ownedAccount(ctx context.Context, s Store, budgetID BudgetID, id AccountID) error {
	acc, err := s.Account(ctx, id)
	if err != nil {
		return err
	}
	if acc.BudgetID != budgetID {
		return ErrAccountNotFound
	}
	return nil
}
