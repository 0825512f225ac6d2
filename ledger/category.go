/*
category.go - Category Envelope Aggregator

PURPOSE:
  Maintains, per (budget, category), a monthly envelope balance:

    balance(m) = rollover + spent(m) + assigned(m)

  Expense categories and the Unassigned bucket roll over: rollover is the
  previous month's balance. Income categories reset every month: rollover
  is always zero.

NO PRUNING:
  assignedAmount may be set on future months independently of any
  transaction, so rows here are only ever recomputed, never deleted. The
  walk runs to the later of the latest affected month and the latest
  stored month so future assignments are carried forward.

ORDERING:
  Categories are independent of each other. Within one category, months
  are processed strictly in increasing order.
*/
package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// CategoryTouch is one affected date and the categories it touched.
type CategoryTouch struct {
	Date       time.Time
	Categories []CategoryID
}

// UpdateMonthlyBalances re-aggregates every touched category from its
// earliest affected month through the later of its latest affected month
// and its latest stored row. It returns the span it rewrote so the budget
// aggregator can be seeded with it.
func UpdateMonthlyBalances(ctx context.Context, s Store, budgetID BudgetID, affected []CategoryTouch) (first, last Month, ok bool, err error) {
	if len(affected) == 0 {
		return Month{}, Month{}, false, nil
	}

	loc, err := Location(ctx, s, budgetID)
	if err != nil {
		return Month{}, Month{}, false, err
	}

	type span struct{ from, through Month }
	spans := make(map[CategoryID]span)
	for _, a := range affected {
		m := MonthOf(a.Date, loc)
		for _, c := range a.Categories {
			if cur, seen := spans[c]; seen {
				spans[c] = span{from: MinMonth(cur.from, m), through: MaxMonth(cur.through, m)}
			} else {
				spans[c] = span{from: m, through: m}
			}
		}
	}
	if len(spans) == 0 {
		return Month{}, Month{}, false, nil
	}

	categories := make([]CategoryID, 0, len(spans))
	for c := range spans {
		categories = append(categories, c)
	}
	sort.Slice(categories, func(i, j int) bool { return categories[i] < categories[j] })

	for i, c := range categories {
		started, ended, err := updateCategory(ctx, s, budgetID, c, spans[c].from, spans[c].through, loc)
		if err != nil {
			return Month{}, Month{}, false, err
		}
		if i == 0 {
			first, last = started, ended
			continue
		}
		first, last = MinMonth(first, started), MaxMonth(last, ended)
	}
	return first, last, true, nil
}

// updateCategory walks one category forward and returns the months it
// started and ended at.
func updateCategory(ctx context.Context, s Store, budgetID BudgetID, categoryID CategoryID, start, through Month, loc *time.Location) (Month, Month, error) {
	income := false
	if categoryID != Unassigned {
		var err error
		if income, err = s.IsIncome(ctx, budgetID, categoryID); err != nil {
			return Month{}, Month{}, err
		}
	}

	end := MaxMonth(start, through)
	latest, ok, err := s.LatestCategoryMonth(ctx, budgetID, categoryID)
	if err != nil {
		return Month{}, Month{}, fmt.Errorf("latest month for category %q: %w", categoryID, err)
	}
	if ok {
		end = MaxMonth(end, latest)
	}

	var rollover int64
	if !income {
		prev, found, err := s.CategoryBalanceAsOf(ctx, budgetID, categoryID, start.Prev())
		if err != nil {
			return Month{}, Month{}, fmt.Errorf("previous balance for category %q: %w", categoryID, err)
		}
		if found {
			rollover = prev.Balance
			if prev.Month.Next().Before(start) {
				start = prev.Month.Next()
			}
		}
	}

	for m := start; !m.After(end); m = m.Next() {
		spent, err := s.SumCategoryTransactions(ctx, budgetID, categoryID, m.Start(loc), m.End(loc))
		if err != nil {
			return Month{}, Month{}, fmt.Errorf("sum category %q for %s: %w", categoryID, m, err)
		}
		row, _, err := s.GetCategoryBalance(ctx, budgetID, categoryID, m)
		if err != nil {
			return Month{}, Month{}, fmt.Errorf("category %q balance for %s: %w", categoryID, m, err)
		}
		row.BudgetID, row.CategoryID, row.Month = budgetID, categoryID, m
		row.Balance = rollover + spent + row.AssignedAmount
		if err := s.UpsertCategoryBalance(ctx, row); err != nil {
			return Month{}, Month{}, fmt.Errorf("upsert category %q balance for %s: %w", categoryID, m, err)
		}

		if income {
			rollover = 0
		} else {
			rollover = row.Balance
		}
	}
	return start, end, nil
}
