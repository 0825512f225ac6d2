// Package store provides Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/budget-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements ledger.TxStore. WithTx holds one lock for the whole
// callback, so transactions are trivially serializable.
type Memory struct {
	mu   sync.Mutex
	data *memoryData
}

type categoryKey struct {
	BudgetID   ledger.BudgetID
	CategoryID ledger.CategoryID
}

type memoryData struct {
	budgets      map[ledger.BudgetID]ledger.Budget
	accounts     map[ledger.AccountID]ledger.Account
	categories   map[ledger.CategoryID]ledger.Category
	transfers    map[ledger.TransferID]ledger.Transfer
	transactions map[ledger.TransactionID]ledger.Transaction
	cursors      map[ledger.AccountID]string

	accountBalances  map[ledger.AccountID]map[int]ledger.AccountMonthlyBalance
	categoryBalances map[categoryKey]map[int]ledger.CategoryMonthlyBalance
	budgetBalances   map[ledger.BudgetID]map[int]ledger.BudgetMonthlyBalance
}

func NewMemory() *Memory {
	return &Memory{data: &memoryData{
		budgets:          make(map[ledger.BudgetID]ledger.Budget),
		accounts:         make(map[ledger.AccountID]ledger.Account),
		categories:       make(map[ledger.CategoryID]ledger.Category),
		transfers:        make(map[ledger.TransferID]ledger.Transfer),
		transactions:     make(map[ledger.TransactionID]ledger.Transaction),
		cursors:          make(map[ledger.AccountID]string),
		accountBalances:  make(map[ledger.AccountID]map[int]ledger.AccountMonthlyBalance),
		categoryBalances: make(map[categoryKey]map[int]ledger.CategoryMonthlyBalance),
		budgetBalances:   make(map[ledger.BudgetID]map[int]ledger.BudgetMonthlyBalance),
	}}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.data.clone()
	if err := fn(&view{d: m.data}); err != nil {
		m.data = snapshot
		return err
	}
	return nil
}

// WithReadTx runs fn under the same lock without taking a snapshot.
func (m *Memory) WithReadTx(ctx context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&view{d: m.data})
}

// =============================================================================
// DIRECTORY SEEDING
// =============================================================================

func (m *Memory) SaveBudget(_ context.Context, b ledger.Budget) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.budgets[b.ID] = b
	return nil
}

func (m *Memory) SaveAccount(_ context.Context, a ledger.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.budgets[a.BudgetID]; !ok {
		return ledger.ErrBudgetNotFound
	}
	m.data.accounts[a.ID] = a
	return nil
}

func (m *Memory) SaveCategory(_ context.Context, c ledger.Category) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.budgets[c.BudgetID]; !ok {
		return ledger.ErrBudgetNotFound
	}
	m.data.categories[c.ID] = c
	return nil
}

// =============================================================================
// SYNC CURSORS
// =============================================================================

func (m *Memory) SyncCursor(ctx context.Context, accountID ledger.AccountID) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&view{d: m.data}).SyncCursor(ctx, accountID)
}

func (m *Memory) SaveSyncCursor(ctx context.Context, accountID ledger.AccountID, cursor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&view{d: m.data}).SaveSyncCursor(ctx, accountID, cursor)
}

func (v *view) SyncCursor(_ context.Context, accountID ledger.AccountID) (string, error) {
	return v.d.cursors[accountID], nil
}

func (v *view) SaveSyncCursor(_ context.Context, accountID ledger.AccountID, cursor string) error {
	if _, ok := v.d.accounts[accountID]; !ok {
		return fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, accountID)
	}
	v.d.cursors[accountID] = cursor
	return nil
}

// =============================================================================
// SNAPSHOT
// =============================================================================

func (d *memoryData) clone() *memoryData {
	c := &memoryData{
		budgets:          make(map[ledger.BudgetID]ledger.Budget, len(d.budgets)),
		accounts:         make(map[ledger.AccountID]ledger.Account, len(d.accounts)),
		categories:       make(map[ledger.CategoryID]ledger.Category, len(d.categories)),
		transfers:        make(map[ledger.TransferID]ledger.Transfer, len(d.transfers)),
		transactions:     make(map[ledger.TransactionID]ledger.Transaction, len(d.transactions)),
		cursors:          make(map[ledger.AccountID]string, len(d.cursors)),
		accountBalances:  make(map[ledger.AccountID]map[int]ledger.AccountMonthlyBalance, len(d.accountBalances)),
		categoryBalances: make(map[categoryKey]map[int]ledger.CategoryMonthlyBalance, len(d.categoryBalances)),
		budgetBalances:   make(map[ledger.BudgetID]map[int]ledger.BudgetMonthlyBalance, len(d.budgetBalances)),
	}
	for k, v := range d.budgets {
		c.budgets[k] = v
	}
	for k, v := range d.accounts {
		c.accounts[k] = v
	}
	for k, v := range d.categories {
		c.categories[k] = v
	}
	for k, v := range d.transfers {
		c.transfers[k] = v
	}
	for k, v := range d.transactions {
		c.transactions[k] = v
	}
	for k, v := range d.cursors {
		c.cursors[k] = v
	}
	for k, rows := range d.accountBalances {
		c.accountBalances[k] = cloneRows(rows)
	}
	for k, rows := range d.categoryBalances {
		c.categoryBalances[k] = cloneRows(rows)
	}
	for k, rows := range d.budgetBalances {
		c.budgetBalances[k] = cloneRows(rows)
	}
	return c
}

func cloneRows[T any](rows map[int]T) map[int]T {
	out := make(map[int]T, len(rows))
	for k, v := range rows {
		out[k] = v
	}
	return out
}

// asOf returns the row with the greatest key <= key.
func asOf[T any](rows map[int]T, key int) (T, bool) {
	best, found := -1, false
	for k := range rows {
		if k <= key && k > best {
			best, found = k, true
		}
	}
	if !found {
		var zero T
		return zero, false
	}
	return rows[best], true
}

func sortedKeys[T any](rows map[int]T) []int {
	keys := make([]int, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// =============================================================================
// TRANSACTIONAL VIEW - implements ledger.Store
// =============================================================================

type view struct {
	d *memoryData
}

func (v *view) Account(_ context.Context, id ledger.AccountID) (*ledger.Account, error) {
	a, ok := v.d.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, id)
	}
	return &a, nil
}

func (v *view) IsIncome(_ context.Context, budgetID ledger.BudgetID, id ledger.CategoryID) (bool, error) {
	c, ok := v.d.categories[id]
	if !ok || c.BudgetID != budgetID {
		return false, fmt.Errorf("%w: %s", ledger.ErrCategoryNotFound, id)
	}
	return c.IsIncome, nil
}

func (v *view) TimeZone(_ context.Context, budgetID ledger.BudgetID) (string, error) {
	b, ok := v.d.budgets[budgetID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ledger.ErrBudgetNotFound, budgetID)
	}
	return b.TimeZone, nil
}

// Transactions

func (v *view) GetTransaction(_ context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	tx, ok := v.d.transactions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrTransactionNotFound, id)
	}
	return &tx, nil
}

func (v *view) InsertTransaction(_ context.Context, tx ledger.Transaction) error {
	if _, ok := v.d.transactions[tx.ID]; ok {
		return fmt.Errorf("transaction %s already exists", tx.ID)
	}
	if err := v.checkLeg(tx); err != nil {
		return err
	}
	v.d.transactions[tx.ID] = copyTx(tx)
	return nil
}

func (v *view) UpdateTransaction(_ context.Context, tx ledger.Transaction) error {
	if _, ok := v.d.transactions[tx.ID]; !ok {
		return fmt.Errorf("%w: %s", ledger.ErrTransactionNotFound, tx.ID)
	}
	if err := v.checkLeg(tx); err != nil {
		return err
	}
	v.d.transactions[tx.ID] = copyTx(tx)
	return nil
}

func (v *view) DeleteTransaction(_ context.Context, id ledger.TransactionID) error {
	if _, ok := v.d.transactions[id]; !ok {
		return fmt.Errorf("%w: %s", ledger.ErrTransactionNotFound, id)
	}
	delete(v.d.transactions, id)
	return nil
}

// checkLeg mirrors the foreign key from transactions to transfers.
func (v *view) checkLeg(tx ledger.Transaction) error {
	if tx.Leg == nil {
		return nil
	}
	if _, ok := v.d.transfers[tx.Leg.TransferID]; !ok {
		return fmt.Errorf("%w: %s", ledger.ErrTransferNotFound, tx.Leg.TransferID)
	}
	return nil
}

func copyTx(tx ledger.Transaction) ledger.Transaction {
	if tx.Leg != nil {
		leg := *tx.Leg
		tx.Leg = &leg
	}
	return tx
}

func (v *view) TransferLegs(_ context.Context, id ledger.TransferID) ([]ledger.Transaction, error) {
	var legs []ledger.Transaction
	for _, tx := range v.d.transactions {
		if tx.Leg != nil && tx.Leg.TransferID == id {
			legs = append(legs, copyTx(tx))
		}
	}
	sort.Slice(legs, func(i, j int) bool { return legs[i].ID < legs[j].ID })
	return legs, nil
}

func (v *view) LatestTransactionDate(_ context.Context, accountID ledger.AccountID) (time.Time, bool, error) {
	var latest time.Time
	found := false
	for _, tx := range v.d.transactions {
		if tx.AccountID == accountID && (!found || tx.Date.After(latest)) {
			latest, found = tx.Date, true
		}
	}
	return latest, found, nil
}

func (v *view) SumAccountTransactions(_ context.Context, accountID ledger.AccountID, from, to time.Time) (int64, error) {
	var sum int64
	for _, tx := range v.d.transactions {
		if tx.AccountID == accountID && inRange(tx.Date, from, to) {
			sum += tx.Amount
		}
	}
	return sum, nil
}

func (v *view) SumCategoryTransactions(_ context.Context, budgetID ledger.BudgetID, categoryID ledger.CategoryID, from, to time.Time) (int64, error) {
	var sum int64
	for _, tx := range v.d.transactions {
		if tx.CategoryID != categoryID || !inRange(tx.Date, from, to) {
			continue
		}
		if a, ok := v.d.accounts[tx.AccountID]; ok && a.BudgetID == budgetID {
			sum += tx.Amount
		}
	}
	return sum, nil
}

func inRange(t, from, to time.Time) bool {
	return !t.Before(from) && t.Before(to)
}

// Transfers

func (v *view) GetTransfer(_ context.Context, id ledger.TransferID) (*ledger.Transfer, error) {
	t, ok := v.d.transfers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrTransferNotFound, id)
	}
	return &t, nil
}

func (v *view) InsertTransfer(_ context.Context, t ledger.Transfer) error {
	if t.FromAccountID == t.ToAccountID {
		return ledger.ErrSameAccountTransfer
	}
	v.d.transfers[t.ID] = t
	return nil
}

func (v *view) UpdateTransfer(_ context.Context, t ledger.Transfer) error {
	if _, ok := v.d.transfers[t.ID]; !ok {
		return fmt.Errorf("%w: %s", ledger.ErrTransferNotFound, t.ID)
	}
	if t.FromAccountID == t.ToAccountID {
		return ledger.ErrSameAccountTransfer
	}
	v.d.transfers[t.ID] = t
	return nil
}

func (v *view) DeleteTransfer(_ context.Context, id ledger.TransferID) error {
	if _, ok := v.d.transfers[id]; !ok {
		return fmt.Errorf("%w: %s", ledger.ErrTransferNotFound, id)
	}
	for _, tx := range v.d.transactions {
		if tx.Leg != nil && tx.Leg.TransferID == id {
			return fmt.Errorf("transfer %s still has leg %s", id, tx.ID)
		}
	}
	delete(v.d.transfers, id)
	return nil
}

// Account balances

func (v *view) AccountBalanceAsOf(_ context.Context, accountID ledger.AccountID, m ledger.Month) (ledger.AccountMonthlyBalance, bool, error) {
	row, ok := asOf(v.d.accountBalances[accountID], m.Key())
	return row, ok, nil
}

func (v *view) UpsertAccountBalance(_ context.Context, b ledger.AccountMonthlyBalance) error {
	rows, ok := v.d.accountBalances[b.AccountID]
	if !ok {
		rows = make(map[int]ledger.AccountMonthlyBalance)
		v.d.accountBalances[b.AccountID] = rows
	}
	rows[b.Month.Key()] = b
	return nil
}

func (v *view) DeleteAccountBalancesAfter(_ context.Context, accountID ledger.AccountID, m ledger.Month) error {
	rows := v.d.accountBalances[accountID]
	for k := range rows {
		if k > m.Key() {
			delete(rows, k)
		}
	}
	return nil
}

func (v *view) ListAccountBalances(_ context.Context, accountID ledger.AccountID) ([]ledger.AccountMonthlyBalance, error) {
	rows := v.d.accountBalances[accountID]
	out := make([]ledger.AccountMonthlyBalance, 0, len(rows))
	for _, k := range sortedKeys(rows) {
		out = append(out, rows[k])
	}
	return out, nil
}

// Category balances

func (v *view) GetCategoryBalance(_ context.Context, budgetID ledger.BudgetID, categoryID ledger.CategoryID, m ledger.Month) (ledger.CategoryMonthlyBalance, bool, error) {
	row, ok := v.d.categoryBalances[categoryKey{budgetID, categoryID}][m.Key()]
	return row, ok, nil
}

func (v *view) CategoryBalanceAsOf(_ context.Context, budgetID ledger.BudgetID, categoryID ledger.CategoryID, m ledger.Month) (ledger.CategoryMonthlyBalance, bool, error) {
	row, ok := asOf(v.d.categoryBalances[categoryKey{budgetID, categoryID}], m.Key())
	return row, ok, nil
}

func (v *view) LatestCategoryMonth(_ context.Context, budgetID ledger.BudgetID, categoryID ledger.CategoryID) (ledger.Month, bool, error) {
	keys := sortedKeys(v.d.categoryBalances[categoryKey{budgetID, categoryID}])
	if len(keys) == 0 {
		return ledger.Month{}, false, nil
	}
	return v.d.categoryBalances[categoryKey{budgetID, categoryID}][keys[len(keys)-1]].Month, true, nil
}

func (v *view) UpsertCategoryBalance(_ context.Context, b ledger.CategoryMonthlyBalance) error {
	k := categoryKey{b.BudgetID, b.CategoryID}
	rows, ok := v.d.categoryBalances[k]
	if !ok {
		rows = make(map[int]ledger.CategoryMonthlyBalance)
		v.d.categoryBalances[k] = rows
	}
	rows[b.Month.Key()] = b
	return nil
}

func (v *view) ListCategoryBalances(_ context.Context, budgetID ledger.BudgetID, m ledger.Month) ([]ledger.CategoryMonthlyBalance, error) {
	var out []ledger.CategoryMonthlyBalance
	for k, rows := range v.d.categoryBalances {
		if k.BudgetID != budgetID {
			continue
		}
		if row, ok := rows[m.Key()]; ok {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CategoryID < out[j].CategoryID })
	return out, nil
}

func (v *view) LatestBudgetCategoryMonth(_ context.Context, budgetID ledger.BudgetID) (ledger.Month, bool, error) {
	var latest ledger.Month
	found := false
	for k, rows := range v.d.categoryBalances {
		if k.BudgetID != budgetID {
			continue
		}
		for _, row := range rows {
			if !found || row.Month.After(latest) {
				latest, found = row.Month, true
			}
		}
	}
	return latest, found, nil
}

// Budget balances

func (v *view) BudgetBalanceAsOf(_ context.Context, budgetID ledger.BudgetID, m ledger.Month) (ledger.BudgetMonthlyBalance, bool, error) {
	row, ok := asOf(v.d.budgetBalances[budgetID], m.Key())
	return row, ok, nil
}

func (v *view) UpsertBudgetBalance(_ context.Context, b ledger.BudgetMonthlyBalance) error {
	rows, ok := v.d.budgetBalances[b.BudgetID]
	if !ok {
		rows = make(map[int]ledger.BudgetMonthlyBalance)
		v.d.budgetBalances[b.BudgetID] = rows
	}
	rows[b.Month.Key()] = b
	return nil
}

func (v *view) ListBudgetBalances(_ context.Context, budgetID ledger.BudgetID) ([]ledger.BudgetMonthlyBalance, error) {
	rows := v.d.budgetBalances[budgetID]
	out := make([]ledger.BudgetMonthlyBalance, 0, len(rows))
	for _, k := range sortedKeys(rows) {
		out = append(out, rows[k])
	}
	return out, nil
}
