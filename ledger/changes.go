package ledger

import (
	"sort"
	"time"
)

// Revision is the before/after pair of an updated transaction.
type Revision struct {
	Before Transaction
	After  Transaction
}

// Changes reports what a mutation did to transaction rows. Both the old and
// the new state of every row are needed to know which months to re-walk.
type Changes struct {
	Added   []Transaction
	Updated []Revision
	Removed []Transaction
}

// Merge appends o to c.
func (c *Changes) Merge(o Changes) {
	c.Added = append(c.Added, o.Added...)
	c.Updated = append(c.Updated, o.Updated...)
	c.Removed = append(c.Removed, o.Removed...)
}

// Touch is one (account, date, category) location whose aggregates must be re-derived.
type Touch struct {
	AccountID  AccountID
	Date       time.Time
	CategoryID CategoryID
}

func touchOf(tx Transaction) Touch {
	return Touch{AccountID: tx.AccountID, Date: tx.Date, CategoryID: tx.CategoryID}
}

// Touches returns every location touched by the changes. Revisions that only
// changed notes, payee, reconciliation or similar fields contribute nothing.
func (c Changes) Touches() []Touch {
	var touches []Touch
	for _, tx := range c.Added {
		touches = append(touches, touchOf(tx))
	}
	for _, r := range c.Updated {
		if !affectsBalances(r.Before, r.After) {
			continue
		}
		touches = append(touches, touchOf(r.Before), touchOf(r.After))
	}
	for _, tx := range c.Removed {
		touches = append(touches, touchOf(tx))
	}
	return touches
}

func affectsBalances(before, after Transaction) bool {
	return before.AccountID != after.AccountID ||
		!before.Date.Equal(after.Date) ||
		before.Amount != after.Amount ||
		before.CategoryID != after.CategoryID ||
		before.IsTransfer() != after.IsTransfer()
}

// byAccount groups touch dates per account, in a stable account order.
func byAccount(touches []Touch) ([]AccountID, map[AccountID][]time.Time) {
	dates := make(map[AccountID][]time.Time)
	for _, t := range touches {
		dates[t.AccountID] = append(dates[t.AccountID], t.Date)
	}
	accounts := make([]AccountID, 0, len(dates))
	for a := range dates {
		accounts = append(accounts, a)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i] < accounts[j] })
	return accounts, dates
}

func categoryTouches(touches []Touch) []CategoryTouch {
	out := make([]CategoryTouch, len(touches))
	for i, t := range touches {
		out[i] = CategoryTouch{Date: t.Date, Categories: []CategoryID{t.CategoryID}}
	}
	return out
}
