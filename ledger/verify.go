package ledger

import (
	"context"
	"fmt"
)

// Violation is one broken account invariant found by VerifyAccount.
type Violation struct {
	Kind     string // "recurrence" or "stale_row"
	Month    Month
	Expected int64
	Actual   int64
}

func (v Violation) String() string {
	return fmt.Sprintf("%s at %s: expected %d, got %d", v.Kind, v.Month, v.Expected, v.Actual)
}

// VerifyAccount re-derives the account recurrence from stored rows and the
// transactions between them. It never writes.
func VerifyAccount(ctx context.Context, s Store, budgetID BudgetID, accountID AccountID) ([]Violation, error) {
	loc, err := Location(ctx, s, budgetID)
	if err != nil {
		return nil, err
	}
	rows, err := s.ListAccountBalances(ctx, accountID)
	if err != nil {
		return nil, err
	}

	var violations []Violation
	var prev *AccountMonthlyBalance
	for i := range rows {
		row := rows[i]
		// The first row carries every transaction dated before it.
		from := Month{Year: 1, Month: 1}.Start(loc)
		var running int64
		if prev != nil {
			from = prev.Month.End(loc)
			running = prev.Balance
		}
		sum, err := s.SumAccountTransactions(ctx, accountID, from, row.Month.End(loc))
		if err != nil {
			return nil, err
		}
		if want := running + sum; want != row.Balance {
			violations = append(violations, Violation{Kind: "recurrence", Month: row.Month, Expected: want, Actual: row.Balance})
		}
		prev = &rows[i]
	}

	latest, ok, err := s.LatestTransactionDate(ctx, accountID)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if !ok || row.Month.After(MonthOf(latest, loc)) {
			violations = append(violations, Violation{Kind: "stale_row", Month: row.Month, Actual: row.Balance})
		}
	}
	return violations, nil
}
