package banksync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/budget-engine/ledger"
	"github.com/warp/budget-engine/ledger/store"
)

func newTestApplier(t *testing.T) (*Applier, *ledger.Engine, *store.Memory) {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.SaveBudget(ctx, ledger.Budget{ID: "home", Name: "Home", TimeZone: "UTC"}))
	require.NoError(t, mem.SaveAccount(ctx, ledger.Account{ID: "checking", BudgetID: "home", Name: "Checking"}))
	require.NoError(t, mem.SaveAccount(ctx, ledger.Account{ID: "savings", BudgetID: "home", Name: "Savings"}))
	require.NoError(t, mem.SaveCategory(ctx, ledger.Category{ID: "groceries", BudgetID: "home", Name: "Groceries"}))

	e := ledger.NewEngine(mem)
	return NewApplier(e, mem, 3), e, mem
}

func insertItem(day int, amount int64) Item {
	d := time.Date(2024, time.March, day, 12, 0, 0, 0, time.UTC)
	return Item{Action: ActionInsert, Date: &d, Amount: &amount}
}

func balanceRows(t *testing.T, e *ledger.Engine, account ledger.AccountID) map[string]int64 {
	t.Helper()
	rows, err := e.AccountBalances(context.Background(), "home", account)
	require.NoError(t, err)
	out := map[string]int64{}
	for _, r := range rows {
		out[r.Month.String()] = r.Balance
	}
	return out
}

func TestApply_InsertsAndRecordsCursor(t *testing.T) {
	// GIVEN: A batch with two inserts
	a, e, mem := newTestApplier(t)
	ctx := context.Background()
	batch := Batch{BudgetID: "home", AccountID: "checking", Cursor: "2024-03-31", Items: []Item{insertItem(2, -1000), insertItem(9, -250)}}

	// WHEN: It is applied twice
	first, err := a.Apply(ctx, batch)
	require.NoError(t, err)
	second, err := a.Apply(ctx, batch)
	require.NoError(t, err)

	// THEN: The second delivery is a no-op
	assert.Equal(t, Result{Inserted: 2}, first)
	assert.Equal(t, Result{Skipped: true}, second)
	assert.Equal(t, map[string]int64{"2024-03": -1250}, balanceRows(t, e, "checking"))

	cursor, err := mem.SyncCursor(ctx, "checking")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-31", cursor)
}

func TestApply_SkipsOlderCursor(t *testing.T) {
	a, e, mem := newTestApplier(t)
	ctx := context.Background()
	require.NoError(t, mem.SaveSyncCursor(ctx, "checking", "2024-04-30"))

	res, err := a.Apply(ctx, Batch{BudgetID: "home", AccountID: "checking", Cursor: "2024-03-31", Items: []Item{insertItem(2, -1000)}})

	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, balanceRows(t, e, "checking"))
}

func TestApply_ResumesPartialBatch(t *testing.T) {
	// GIVEN: The first item of this batch was applied before a crash
	a, e, mem := newTestApplier(t)
	ctx := context.Background()
	require.NoError(t, mem.SaveSyncCursor(ctx, "checking", "c2#1"))

	// WHEN: The batch is redelivered
	res, err := a.Apply(ctx, Batch{BudgetID: "home", AccountID: "checking", Cursor: "c2", Items: []Item{insertItem(2, -1000), insertItem(9, -250)}})

	// THEN: Only the second item is applied
	require.NoError(t, err)
	assert.Equal(t, Result{Inserted: 1}, res)
	assert.Equal(t, map[string]int64{"2024-03": -250}, balanceRows(t, e, "checking"))
}

func TestApply_PatchAndDelete(t *testing.T) {
	// GIVEN: Two synced transactions already in the ledger
	a, e, _ := newTestApplier(t)
	ctx := context.Background()
	keep, err := e.Insert(ctx, "home", ledger.NewTransaction{AccountID: "checking", Date: time.Date(2024, time.March, 2, 12, 0, 0, 0, time.UTC), Amount: -1000})
	require.NoError(t, err)
	drop, err := e.Insert(ctx, "home", ledger.NewTransaction{AccountID: "checking", Date: time.Date(2024, time.March, 3, 12, 0, 0, 0, time.UTC), Amount: -50})
	require.NoError(t, err)

	// WHEN: The feed corrects one and retracts the other
	amount, category, reconciled := int64(-1200), "groceries", true
	res, err := a.Apply(ctx, Batch{BudgetID: "home", AccountID: "checking", Cursor: "c1", Items: []Item{
		{Action: ActionPatch, TransactionID: string(keep.ID), Amount: &amount, CategoryID: &category, Reconciled: &reconciled},
		{Action: ActionDelete, TransactionID: string(drop.ID)},
	}})

	// THEN: The balances follow
	require.NoError(t, err)
	assert.Equal(t, Result{Patched: 1, Deleted: 1}, res)
	assert.Equal(t, map[string]int64{"2024-03": -1200}, balanceRows(t, e, "checking"))

	got, err := e.Transaction(ctx, "home", keep.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.CategoryID("groceries"), got.CategoryID)
	assert.True(t, got.Reconciled)
}

func TestApply_RejectsBadItemsAndContinues(t *testing.T) {
	a, e, _ := newTestApplier(t)
	dest := "checking"

	res, err := a.Apply(context.Background(), Batch{BudgetID: "home", AccountID: "checking", Cursor: "c1", Items: []Item{
		{Action: ActionPatch, TransactionID: "missing"},
		{Action: ActionInsert},
		{Action: "refund"},
		func() Item { it := insertItem(4, -10); it.TransferAccountID = &dest; return it }(),
		insertItem(5, 700),
	}})

	require.NoError(t, err)
	assert.Equal(t, Result{Inserted: 1, Rejected: 4}, res)
	assert.Equal(t, map[string]int64{"2024-03": 700}, balanceRows(t, e, "checking"))
}

func TestApply_InvalidBatch(t *testing.T) {
	a, _, _ := newTestApplier(t)

	tests := []struct {
		name  string
		batch Batch
	}{
		{name: "no budget", batch: Batch{AccountID: "checking", Cursor: "c"}},
		{name: "no account", batch: Batch{BudgetID: "home", Cursor: "c"}},
		{name: "no cursor", batch: Batch{BudgetID: "home", AccountID: "checking"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Apply(context.Background(), tt.batch)
			assert.ErrorIs(t, err, ErrInvalidBatch)
		})
	}
}

// failingMutator fails inserts after the first ok, and cursor writes after
// the first okCursors. A negative budget never fails.
type failingMutator struct {
	Mutator
	ok        int
	okCursors int
	err       error
}

func (f *failingMutator) Do(ctx context.Context, fn func(m ledger.Mutations) error) error {
	return f.Mutator.Do(ctx, func(m ledger.Mutations) error {
		return fn(&failingMutations{Mutations: m, f: f})
	})
}

type failingMutations struct {
	ledger.Mutations
	f *failingMutator
}

func (m *failingMutations) Insert(ctx context.Context, budgetID ledger.BudgetID, in ledger.NewTransaction) (ledger.Transaction, error) {
	if m.f.ok == 0 {
		return ledger.Transaction{}, m.f.err
	}
	m.f.ok--
	return m.Mutations.Insert(ctx, budgetID, in)
}

func (m *failingMutations) SaveSyncCursor(ctx context.Context, accountID ledger.AccountID, cursor string) error {
	if m.f.okCursors == 0 {
		return m.f.err
	}
	m.f.okCursors--
	return m.Mutations.SaveSyncCursor(ctx, accountID, cursor)
}

func TestApply_InfrastructureFailureKeepsProgress(t *testing.T) {
	// GIVEN: A store that breaks after one insert
	a, e, mem := newTestApplier(t)
	ctx := context.Background()
	a.Mutator = &failingMutator{Mutator: e, ok: 1, okCursors: -1, err: errors.New("disk I/O error")}
	batch := Batch{BudgetID: "home", AccountID: "checking", Cursor: "c1", Items: []Item{insertItem(2, -1000), insertItem(9, -250)}}

	// WHEN: The batch is applied
	_, err := a.Apply(ctx, batch)

	// THEN: The error surfaces and the position points at the failed item
	require.Error(t, err)
	assert.False(t, ledger.IsClientError(err))
	cursor, err := mem.SyncCursor(ctx, "checking")
	require.NoError(t, err)
	assert.Equal(t, "c1#1", cursor)

	// WHEN: The store recovers and the batch is redelivered
	a.Mutator = e
	res, err := a.Apply(ctx, batch)

	// THEN: Nothing is applied twice
	require.NoError(t, err)
	assert.Equal(t, Result{Inserted: 1}, res)
	assert.Equal(t, map[string]int64{"2024-03": -1250}, balanceRows(t, e, "checking"))
}

func TestApply_CursorFailureRollsBackItem(t *testing.T) {
	// GIVEN: A store whose first cursor write fails
	a, e, mem := newTestApplier(t)
	ctx := context.Background()
	a.Mutator = &failingMutator{Mutator: e, ok: -1, okCursors: 0, err: errors.New("disk I/O error")}
	batch := Batch{BudgetID: "home", AccountID: "checking", Cursor: "c1", Items: []Item{insertItem(2, -1000), insertItem(9, -250)}}

	// WHEN: The batch is applied
	_, err := a.Apply(ctx, batch)

	// THEN: The insert rolled back with its position
	require.Error(t, err)
	assert.Empty(t, balanceRows(t, e, "checking"))
	cursor, err := mem.SyncCursor(ctx, "checking")
	require.NoError(t, err)
	assert.Empty(t, cursor)

	// WHEN: The batch is redelivered
	a.Mutator = e
	res, err := a.Apply(ctx, batch)

	// THEN: Every item lands exactly once
	require.NoError(t, err)
	assert.Equal(t, Result{Inserted: 2}, res)
	assert.Equal(t, map[string]int64{"2024-03": -1250}, balanceRows(t, e, "checking"))
}

func TestApply_EmptyBatchRecordsCursor(t *testing.T) {
	a, _, mem := newTestApplier(t)
	ctx := context.Background()

	res, err := a.Apply(ctx, Batch{BudgetID: "home", AccountID: "checking", Cursor: "c3"})

	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	cursor, err := mem.SyncCursor(ctx, "checking")
	require.NoError(t, err)
	assert.Equal(t, "c3", cursor)
}

func TestPosition_Parse(t *testing.T) {
	tests := []struct {
		in   string
		want position
	}{
		{in: "", want: position{}},
		{in: "page-7", want: position{cursor: "page-7", complete: true}},
		{in: "page-7#3", want: position{cursor: "page-7", next: 3}},
		{in: "tag#v2", want: position{cursor: "tag#v2", complete: true}},
		{in: "a#b#2", want: position{cursor: "a#b", next: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := parsePosition(tt.in)
			assert.Equal(t, tt.want, got)
			if tt.in != "" {
				assert.Equal(t, tt.in, got.String())
			}
		})
	}
}
