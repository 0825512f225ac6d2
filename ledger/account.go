/*
account.go - Account Ledger Aggregator

PURPOSE:
  Maintains, per account, a monthly running balance that is the cumulative
  sum of every transaction amount up to and including that month.

INVARIANT:
  balance(m) == balance(m-1) + sum(amount of transactions in m)

ALGORITHM:
  1. start = earliest affected month (budget time zone)
  2. end   = month of the account's latest transaction
  3. running total = latest stored balance at or before start-1
  4. walk start..end, upserting every month
  5. delete every row after end
*/
package ledger

import (
	"context"
	"fmt"
	"time"
)

// UpdateAccountBalance re-aggregates an account from the earliest affected
// date forward and prunes rows no transaction justifies any more.
func UpdateAccountBalance(ctx context.Context, s Store, budgetID BudgetID, accountID AccountID, affected []time.Time) error {
	if len(affected) == 0 {
		return nil
	}

	loc, err := Location(ctx, s, budgetID)
	if err != nil {
		return err
	}
	start, _ := EarliestMonth(affected, loc)

	latest, ok, err := s.LatestTransactionDate(ctx, accountID)
	if err != nil {
		return fmt.Errorf("latest transaction for account %s: %w", accountID, err)
	}
	if !ok {
		// The last transaction is gone; nothing justifies any row.
		return s.DeleteAccountBalancesAfter(ctx, accountID, Month{})
	}
	end := MonthOf(latest, loc)

	var running int64
	prev, found, err := s.AccountBalanceAsOf(ctx, accountID, start.Prev())
	if err != nil {
		return fmt.Errorf("previous balance for account %s: %w", accountID, err)
	}
	if found {
		running = prev.Balance
		// Months between the last stored row and start had no activity;
		// walk them too so every month up to end has a row.
		if prev.Month.Next().Before(start) {
			start = prev.Month.Next()
		}
	}

	for m := start; !m.After(end); m = m.Next() {
		sum, err := s.SumAccountTransactions(ctx, accountID, m.Start(loc), m.End(loc))
		if err != nil {
			return fmt.Errorf("sum account %s for %s: %w", accountID, m, err)
		}
		running += sum
		if err := s.UpsertAccountBalance(ctx, AccountMonthlyBalance{AccountID: accountID, Month: m, Balance: running}); err != nil {
			return fmt.Errorf("upsert account %s balance for %s: %w", accountID, m, err)
		}
	}

	return s.DeleteAccountBalancesAfter(ctx, accountID, end)
}
