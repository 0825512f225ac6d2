package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/budget-engine/ledger"
)

func TestVerifyAccount_DetectsTamperedRows(t *testing.T) {
	// GIVEN: A consistent account
	e, mem := newTestEngine(t)
	ctx := context.Background()
	insert(t, e, ledger.NewTransaction{AccountID: "A", Date: date(2024, time.January, 5), Amount: 100})
	insert(t, e, ledger.NewTransaction{AccountID: "A", Date: date(2024, time.February, 5), Amount: 50})
	assertConsistent(t, e, "A")

	// WHEN: February is overwritten and a row appears after the last transaction
	require.NoError(t, mem.WithTx(ctx, func(s ledger.Store) error {
		if err := s.UpsertAccountBalance(ctx, ledger.AccountMonthlyBalance{AccountID: "A", Month: ledger.NewMonth(2024, time.February), Balance: 999}); err != nil {
			return err
		}
		return s.UpsertAccountBalance(ctx, ledger.AccountMonthlyBalance{AccountID: "A", Month: ledger.NewMonth(2024, time.April), Balance: 999})
	}))
	violations, err := e.VerifyAccount(ctx, budget, "A")
	require.NoError(t, err)

	// THEN: Both problems are reported
	assert.Contains(t, violations, ledger.Violation{Kind: "recurrence", Month: ledger.NewMonth(2024, time.February), Expected: 150, Actual: 999})
	assert.Contains(t, violations, ledger.Violation{Kind: "stale_row", Month: ledger.NewMonth(2024, time.April), Actual: 999})
	assert.Equal(t, "stale_row at 2024-04: expected 0, got 999", ledger.Violation{Kind: "stale_row", Month: ledger.NewMonth(2024, time.April), Actual: 999}.String())

	// WHEN: Any edit re-walks the account
	insert(t, e, ledger.NewTransaction{AccountID: "A", Date: date(2024, time.January, 20), Amount: 1})

	// THEN: The account is consistent again
	assertConsistent(t, e, "A")
}

func TestVerifyAccount_ForeignAccountHidden(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.VerifyAccount(context.Background(), budget, "foreign")

	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}
