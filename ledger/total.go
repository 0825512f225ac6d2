package ledger

import (
	"context"
	"fmt"
)

// UpdateBudgetMonthlyBalances recomputes the budget's net available amount
// from start through the later of through and the latest month holding any
// category row:
//
//	balance(m) = balance(m-1) + Σ income balances(m) − Σ non-income assigned(m)
//
// It must run after UpdateMonthlyBalances, seeded with the span that call returned.
func UpdateBudgetMonthlyBalances(ctx context.Context, s Store, budgetID BudgetID, start, through Month) error {
	end := MaxMonth(start, through)
	latest, ok, err := s.LatestBudgetCategoryMonth(ctx, budgetID)
	if err != nil {
		return fmt.Errorf("latest category month for budget %s: %w", budgetID, err)
	}
	if ok {
		end = MaxMonth(end, latest)
	}

	var running int64
	prev, found, err := s.BudgetBalanceAsOf(ctx, budgetID, start.Prev())
	if err != nil {
		return fmt.Errorf("previous balance for budget %s: %w", budgetID, err)
	}
	if found {
		running = prev.Balance
		if prev.Month.Next().Before(start) {
			start = prev.Month.Next()
		}
	}

	// Income lookups are cached for this call only.
	income := map[CategoryID]bool{Unassigned: false}

	for m := start; !m.After(end); m = m.Next() {
		rows, err := s.ListCategoryBalances(ctx, budgetID, m)
		if err != nil {
			return fmt.Errorf("category balances for budget %s in %s: %w", budgetID, m, err)
		}

		var totalIncome, totalAssigned int64
		for _, r := range rows {
			isIncome, ok := income[r.CategoryID]
			if !ok {
				if isIncome, err = s.IsIncome(ctx, budgetID, r.CategoryID); err != nil {
					return err
				}
				income[r.CategoryID] = isIncome
			}
			if isIncome {
				totalIncome += r.Balance
			} else {
				totalAssigned += r.AssignedAmount
			}
		}

		running += totalIncome - totalAssigned
		if err := s.UpsertBudgetBalance(ctx, BudgetMonthlyBalance{BudgetID: budgetID, Month: m, Balance: running}); err != nil {
			return fmt.Errorf("upsert budget %s balance for %s: %w", budgetID, m, err)
		}
	}
	return nil
}
