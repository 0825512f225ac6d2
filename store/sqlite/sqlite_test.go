package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/budget-engine/ledger"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T, tz string) *Store {
	return openSeeded(t, ":memory:", tz)
}

// newFileStore is for tests that need more than one connection.
func newFileStore(t *testing.T, tz string) *Store {
	return openSeeded(t, filepath.Join(t.TempDir(), "budget.db"), tz)
}

func openSeeded(t *testing.T, path, tz string) *Store {
	store, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	require.NoError(t, store.SaveBudget(ctx, ledger.Budget{ID: "b1", Name: "Home", TimeZone: tz}))
	require.NoError(t, store.SaveAccount(ctx, ledger.Account{ID: "checking", BudgetID: "b1", Name: "Checking"}))
	require.NoError(t, store.SaveAccount(ctx, ledger.Account{ID: "savings", BudgetID: "b1", Name: "Savings"}))
	require.NoError(t, store.SaveCategory(ctx, ledger.Category{ID: "groceries", BudgetID: "b1", Name: "Groceries"}))
	require.NoError(t, store.SaveCategory(ctx, ledger.Category{ID: "salary", BudgetID: "b1", Name: "Salary", IsIncome: true}))
	return store
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 12, 0, 0, 0, time.UTC)
}

// =============================================================================
// MIGRATION TESTS
// =============================================================================

func TestNew_ReopenAppliesNoMigrations(t *testing.T) {
	// GIVEN: A database file that was already migrated
	path := filepath.Join(t.TempDir(), "budget.db")
	first, err := New(path)
	require.NoError(t, err)
	require.NoError(t, first.SaveBudget(context.Background(), ledger.Budget{ID: "b1", Name: "Home", TimeZone: "UTC"}))
	require.NoError(t, first.Close())

	// WHEN: Opening it again
	second, err := New(path)
	require.NoError(t, err)
	defer second.Close()

	// THEN: The schema and data are intact
	err = second.WithTx(context.Background(), func(s ledger.Store) error {
		tz, err := s.TimeZone(context.Background(), "b1")
		assert.Equal(t, "UTC", tz)
		return err
	})
	assert.NoError(t, err)
}

// =============================================================================
// DIRECTORY TESTS
// =============================================================================

func TestSaveAccount_UnknownBudget(t *testing.T) {
	store := newTestStore(t, "UTC")

	err := store.SaveAccount(context.Background(), ledger.Account{ID: "x", BudgetID: "nope", Name: "X"})

	assert.ErrorIs(t, err, ledger.ErrBudgetNotFound)
}

func TestDirectory_Lookups(t *testing.T) {
	store := newTestStore(t, "UTC")
	ctx := context.Background()
	require.NoError(t, store.SaveAccount(ctx, ledger.Account{ID: "old", BudgetID: "b1", Name: "Old", Deleted: true}))

	err := store.WithTx(ctx, func(s ledger.Store) error {
		acc, err := s.Account(ctx, "old")
		require.NoError(t, err)
		assert.True(t, acc.Deleted)

		_, err = s.Account(ctx, "missing")
		assert.ErrorIs(t, err, ledger.ErrAccountNotFound)

		income, err := s.IsIncome(ctx, "b1", "salary")
		require.NoError(t, err)
		assert.True(t, income)

		_, err = s.IsIncome(ctx, "other-budget", "salary")
		assert.ErrorIs(t, err, ledger.ErrCategoryNotFound)

		_, err = s.TimeZone(ctx, "missing")
		assert.ErrorIs(t, err, ledger.ErrBudgetNotFound)
		return nil
	})
	require.NoError(t, err)
}

// =============================================================================
// ROW OPERATION TESTS
// =============================================================================

func TestWithTx_RollbackOnError(t *testing.T) {
	// GIVEN: A transaction that writes a row and then fails
	store := newTestStore(t, "UTC")
	ctx := context.Background()

	err := store.WithTx(ctx, func(s ledger.Store) error {
		require.NoError(t, s.UpsertAccountBalance(ctx, ledger.AccountMonthlyBalance{
			AccountID: "checking", Month: ledger.NewMonth(2025, time.January), Balance: 10,
		}))
		return ledger.ErrInvalidMutation
	})
	require.ErrorIs(t, err, ledger.ErrInvalidMutation)

	// THEN: Nothing was committed
	err = store.WithTx(ctx, func(s ledger.Store) error {
		rows, err := s.ListAccountBalances(ctx, "checking")
		assert.Empty(t, rows)
		return err
	})
	require.NoError(t, err)
}

func TestTransactions_RoundTrip(t *testing.T) {
	store := newTestStore(t, "UTC")
	ctx := context.Background()
	date := time.Date(2025, time.March, 3, 9, 30, 15, 123456789, time.FixedZone("CET", 3600))

	err := store.WithTx(ctx, func(s ledger.Store) error {
		require.NoError(t, s.InsertTransaction(ctx, ledger.Transaction{
			ID: "t1", AccountID: "checking", Date: date, Amount: -1250,
			CategoryID: "groceries", PayeeID: "market", Notes: "weekly", Reconciled: true,
		}))
		require.NoError(t, s.InsertTransaction(ctx, ledger.Transaction{
			ID: "t2", AccountID: "checking", Date: date.Add(time.Hour), Amount: 300,
		}))

		got, err := s.GetTransaction(ctx, "t1")
		require.NoError(t, err)
		assert.True(t, date.Equal(got.Date))
		assert.Equal(t, int64(-1250), got.Amount)
		assert.Equal(t, ledger.CategoryID("groceries"), got.CategoryID)
		assert.Equal(t, ledger.PayeeID("market"), got.PayeeID)
		assert.True(t, got.Reconciled)
		assert.Nil(t, got.Leg)

		unassigned, err := s.GetTransaction(ctx, "t2")
		require.NoError(t, err)
		assert.Equal(t, ledger.Unassigned, unassigned.CategoryID)

		latest, ok, err := s.LatestTransactionDate(ctx, "checking")
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, date.Add(time.Hour).Equal(latest))

		march := ledger.NewMonth(2025, time.March)
		sum, err := s.SumAccountTransactions(ctx, "checking", march.Start(time.UTC), march.End(time.UTC))
		require.NoError(t, err)
		assert.Equal(t, int64(-950), sum)

		sum, err = s.SumCategoryTransactions(ctx, "b1", ledger.Unassigned, march.Start(time.UTC), march.End(time.UTC))
		require.NoError(t, err)
		assert.Equal(t, int64(300), sum)

		_, err = s.GetTransaction(ctx, "missing")
		assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestTransfers_SameAccountRejected(t *testing.T) {
	store := newTestStore(t, "UTC")
	ctx := context.Background()

	err := store.WithTx(ctx, func(s ledger.Store) error {
		return s.InsertTransfer(ctx, ledger.Transfer{ID: "tr", FromAccountID: "checking", ToAccountID: "checking"})
	})

	assert.ErrorIs(t, err, ledger.ErrSameAccountTransfer)
}

func TestBalanceAsOf_FindsLatestEarlierRow(t *testing.T) {
	store := newTestStore(t, "UTC")
	ctx := context.Background()

	err := store.WithTx(ctx, func(s ledger.Store) error {
		for _, m := range []time.Month{time.January, time.March, time.April} {
			require.NoError(t, s.UpsertAccountBalance(ctx, ledger.AccountMonthlyBalance{
				AccountID: "checking", Month: ledger.NewMonth(2025, m), Balance: int64(m),
			}))
		}

		row, ok, err := s.AccountBalanceAsOf(ctx, "checking", ledger.NewMonth(2025, time.February))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, ledger.NewMonth(2025, time.January), row.Month)

		_, ok, err = s.AccountBalanceAsOf(ctx, "checking", ledger.NewMonth(2024, time.December))
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.DeleteAccountBalancesAfter(ctx, "checking", ledger.NewMonth(2025, time.March)))
		rows, err := s.ListAccountBalances(ctx, "checking")
		require.NoError(t, err)
		assert.Len(t, rows, 2)
		return nil
	})
	require.NoError(t, err)
}

// =============================================================================
// ENGINE INTEGRATION TESTS
// =============================================================================

func TestEngine_OnSQLite_TransferLifecycle(t *testing.T) {
	// GIVEN: Checking with a salary deposit in January
	store := newTestStore(t, "UTC")
	engine := ledger.NewEngine(store)
	ctx := context.Background()

	_, err := engine.Insert(ctx, "b1", ledger.NewTransaction{
		AccountID: "checking", Date: day(2025, time.January, 10), Amount: 300000, CategoryID: "salary",
	})
	require.NoError(t, err)

	// WHEN: Moving 500.00 to savings in February
	leg, err := engine.Insert(ctx, "b1", ledger.NewTransaction{
		AccountID: "checking", Date: day(2025, time.February, 5), Amount: -50000, TransferAccountID: "savings",
	})
	require.NoError(t, err)
	require.NotNil(t, leg.Leg)
	assert.Equal(t, ledger.AccountID("savings"), leg.Leg.PairedAccountID)

	// THEN: Both accounts carry mirrored movements
	checking, err := engine.AccountBalances(ctx, "b1", "checking")
	require.NoError(t, err)
	assert.Equal(t, []ledger.AccountMonthlyBalance{
		{AccountID: "checking", Month: ledger.NewMonth(2025, time.January), Balance: 300000},
		{AccountID: "checking", Month: ledger.NewMonth(2025, time.February), Balance: 250000},
	}, checking)

	savings, err := engine.AccountBalances(ctx, "b1", "savings")
	require.NoError(t, err)
	assert.Equal(t, []ledger.AccountMonthlyBalance{
		{AccountID: "savings", Month: ledger.NewMonth(2025, time.February), Balance: 50000},
	}, savings)

	// WHEN: Converting the transfer back into a plain withdrawal
	none := ledger.AccountID("")
	_, err = engine.Patch(ctx, "b1", leg.ID, ledger.TransactionPatch{TransferAccountID: &none})
	require.NoError(t, err)

	// THEN: Savings has no transactions and no rows left
	savings, err = engine.AccountBalances(ctx, "b1", "savings")
	require.NoError(t, err)
	assert.Empty(t, savings)

	err = store.WithTx(ctx, func(s ledger.Store) error {
		_, err := s.GetTransfer(ctx, leg.Leg.TransferID)
		assert.ErrorIs(t, err, ledger.ErrTransferNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestEngine_OnSQLite_BucketsInBudgetZone(t *testing.T) {
	// GIVEN: A budget in New York
	store := newTestStore(t, "America/New_York")
	engine := ledger.NewEngine(store)
	ctx := context.Background()

	// WHEN: A transaction lands at 03:00 UTC on Feb 1 (Jan 31 evening locally)
	_, err := engine.Insert(ctx, "b1", ledger.NewTransaction{
		AccountID: "checking", Date: time.Date(2025, time.February, 1, 3, 0, 0, 0, time.UTC), Amount: -700, CategoryID: "groceries",
	})
	require.NoError(t, err)

	// THEN: It is bucketed into January
	rows, err := engine.AccountBalances(ctx, "b1", "checking")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, ledger.NewMonth(2025, time.January), rows[0].Month)

	month, err := engine.BudgetMonth(ctx, "b1", ledger.NewMonth(2025, time.January))
	require.NoError(t, err)
	require.Len(t, month.Categories, 1)
	assert.Equal(t, ledger.CategoryID("groceries"), month.Categories[0].CategoryID)
	assert.Equal(t, int64(-700), month.Categories[0].Balance)
}

// =============================================================================
// CONCURRENCY TESTS
// =============================================================================

func TestEngine_OnSQLite_ConcurrentOverlappingMutations(t *testing.T) {
	// GIVEN: Two writers hitting the same category months from different accounts
	store := newFileStore(t, "UTC")
	engine := ledger.NewEngine(store)
	ctx := context.Background()
	months := []time.Month{time.January, time.February, time.March}

	var mu sync.Mutex
	committed := map[ledger.AccountID]map[time.Month]int64{"checking": {}, "savings": {}}
	conflicts := 0

	writer := func(account ledger.AccountID, sign int64) func() error {
		return func() error {
			for i := 0; i < 12; i++ {
				m := months[i%len(months)]
				amount := sign * int64(i+1) * 100
				err := ledger.Retry(ctx, 5, func() error {
					_, err := engine.Insert(ctx, "b1", ledger.NewTransaction{
						AccountID: account, Date: day(2024, m, 1+i), Amount: amount, CategoryID: "groceries",
					})
					return err
				})
				mu.Lock()
				switch {
				case err == nil:
					committed[account][m] += amount
				case ledger.IsRetryable(err):
					conflicts++
				default:
					mu.Unlock()
					return err
				}
				mu.Unlock()
			}
			return nil
		}
	}

	// WHEN: Both run at once
	var g errgroup.Group
	g.Go(writer("checking", -1))
	g.Go(writer("savings", 1))
	require.NoError(t, g.Wait())
	t.Logf("unresolved conflicts: %d", conflicts)

	// THEN: Every account row matches the committed transactions
	for account, byMonth := range committed {
		want := map[ledger.Month]int64{}
		var running int64
		for _, m := range months {
			running += byMonth[m]
			want[ledger.NewMonth(2024, m)] = running
		}
		rows, err := engine.AccountBalances(ctx, "b1", account)
		require.NoError(t, err)
		require.NotEmpty(t, rows, account)
		for _, r := range rows {
			assert.Equal(t, want[r.Month], r.Balance, "%s %s", account, r.Month)
		}
	}

	err := store.WithReadTx(ctx, func(s ledger.Store) error {
		for _, account := range []ledger.AccountID{"checking", "savings"} {
			violations, err := ledger.VerifyAccount(ctx, s, "b1", account)
			require.NoError(t, err)
			assert.Empty(t, violations, account)
		}
		return nil
	})
	require.NoError(t, err)

	// THEN: The shared category follows the rollover recurrence
	var category int64
	for _, m := range months {
		category += committed["checking"][m] + committed["savings"][m]
		summary, err := engine.BudgetMonth(ctx, "b1", ledger.NewMonth(2024, m))
		require.NoError(t, err)
		require.Len(t, summary.Categories, 1, m)
		assert.Equal(t, category, summary.Categories[0].Balance, m)
	}
}

func TestWithReadTx_DoesNotWaitForWriter(t *testing.T) {
	// GIVEN: A writer holding the database lock with an uncommitted row
	store := newFileStore(t, "UTC")
	ctx := context.Background()

	err := store.WithTx(ctx, func(s ledger.Store) error {
		require.NoError(t, s.UpsertAccountBalance(ctx, ledger.AccountMonthlyBalance{
			AccountID: "checking", Month: ledger.NewMonth(2025, time.January), Balance: 10,
		}))

		// WHEN: A read runs on another connection
		done := make(chan error, 1)
		go func() {
			done <- store.WithReadTx(ctx, func(r ledger.Store) error {
				rows, err := r.ListAccountBalances(ctx, "checking")
				assert.Empty(t, rows)
				return err
			})
		}()

		// THEN: It sees the last committed state without hitting the busy timeout
		select {
		case err := <-done:
			return err
		case <-time.After(2 * time.Second):
			t.Fatal("read transaction waited for the writer")
		}
		return nil
	})
	require.NoError(t, err)
}

// =============================================================================
// ERROR MAPPING & CURSORS
// =============================================================================

func TestWrap_LockContentionIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{name: "busy", err: sqlite3.Error{Code: sqlite3.ErrBusy}, retryable: true},
		{name: "locked", err: sqlite3.Error{Code: sqlite3.ErrLocked}, retryable: true},
		{name: "constraint", err: sqlite3.Error{Code: sqlite3.ErrConstraint}, retryable: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := wrap("commit transaction", tt.err)
			assert.Equal(t, tt.retryable, ledger.IsRetryable(err))
		})
	}
	assert.NoError(t, wrap("noop", nil))
}

func TestSyncCursor_RoundTrip(t *testing.T) {
	store := newTestStore(t, "UTC")
	ctx := context.Background()

	cursor, err := store.SyncCursor(ctx, "checking")
	require.NoError(t, err)
	assert.Empty(t, cursor)

	require.NoError(t, store.SaveSyncCursor(ctx, "checking", "page-1"))
	require.NoError(t, store.SaveSyncCursor(ctx, "checking", "page-2"))

	cursor, err = store.SyncCursor(ctx, "checking")
	require.NoError(t, err)
	assert.Equal(t, "page-2", cursor)
}

func TestSaveSyncCursor_UnknownAccount(t *testing.T) {
	store := newTestStore(t, "UTC")

	err := store.SaveSyncCursor(context.Background(), "nope", "page-1")

	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}
