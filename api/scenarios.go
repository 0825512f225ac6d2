/*
scenarios.go - Demo budget loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate a fresh budget with realistic
	accounts, categories and transactions. Every transaction goes through the
	engine, so the loaded balances are exactly what the API would produce.

AVAILABLE SCENARIOS:

	household:      Checking + savings, salary income, rent and groceries
	transfers:      Monthly savings transfers, one of them retargeted and one deleted
	back-dated:     A late edit deep in history that rewrites every later month

HOW SCENARIOS WORK:
 1. Create a budget with a fresh ID (scenario ID plus a random suffix)
 2. Create accounts and categories
 3. Insert and edit transactions through the engine
 4. Return the budget ID so the caller can explore it

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "transfers"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx, budgetID)
 3. Add case to LoadScenario handler

SEE ALSO:
  - handlers.go: Handler and error mapping
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/warp/budget-engine/ledger"
)

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	BudgetID    string `json:"budget_id,omitempty"`
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "household",
		Name:        "Household",
		Description: "Checking and savings with salary income, rent and groceries over three months",
	},
	{
		ID:          "transfers",
		Name:        "Savings Transfers",
		Description: "Monthly transfers to savings, one retargeted and one deleted",
	},
	{
		ID:          "back-dated",
		Name:        "Back-Dated Edit",
		Description: "A forgotten expense inserted months in the past, rippling through every later month",
	},
}

type scenarioState struct {
	mu       sync.Mutex
	current  string
	budgetID ledger.BudgetID
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the most recently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.scenarios.mu.Lock()
	current, budgetID := h.scenarios.current, h.scenarios.budgetID
	h.scenarios.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			s.BudgetID = string(budgetID)
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
}

// LoadScenario loads a predefined scenario into a new budget.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var load func(context.Context, ledger.BudgetID) error
	switch req.ScenarioID {
	case "household":
		load = h.loadHouseholdScenario
	case "transfers":
		load = h.loadTransfersScenario
	case "back-dated":
		load = h.loadBackDatedScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	ctx := r.Context()
	budgetID := ledger.BudgetID(req.ScenarioID + "-" + uuid.NewString()[:8])
	if err := h.seedDirectory(ctx, budgetID, req.ScenarioID); err != nil {
		writeDomainError(ctx, w, "Failed to create scenario budget", err)
		return
	}
	if err := load(ctx, budgetID); err != nil {
		writeDomainError(ctx, w, fmt.Sprintf("Failed to load scenario %q", req.ScenarioID), err)
		return
	}

	h.scenarios.mu.Lock()
	h.scenarios.current, h.scenarios.budgetID = req.ScenarioID, budgetID
	h.scenarios.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID, "budget_id": string(budgetID)})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// seedDirectory creates the accounts and categories every scenario shares.
func (h *Handler) seedDirectory(ctx context.Context, budgetID ledger.BudgetID, name string) error {
	if err := h.Directory.SaveBudget(ctx, ledger.Budget{ID: budgetID, Name: name, TimeZone: "Europe/Berlin"}); err != nil {
		return err
	}
	for _, a := range []ledger.Account{
		{ID: ledger.AccountID(budgetID + "-checking"), BudgetID: budgetID, Name: "Checking"},
		{ID: ledger.AccountID(budgetID + "-savings"), BudgetID: budgetID, Name: "Savings"},
		{ID: ledger.AccountID(budgetID + "-wallet"), BudgetID: budgetID, Name: "Wallet"},
	} {
		if err := h.Directory.SaveAccount(ctx, a); err != nil {
			return err
		}
	}
	for _, c := range []ledger.Category{
		{ID: categoryOf(budgetID, "salary"), BudgetID: budgetID, Name: "Salary", IsIncome: true},
		{ID: categoryOf(budgetID, "rent"), BudgetID: budgetID, Name: "Rent"},
		{ID: categoryOf(budgetID, "groceries"), BudgetID: budgetID, Name: "Groceries"},
	} {
		if err := h.Directory.SaveCategory(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// Account and category IDs are global, so scenario records carry the budget ID.
func categoryOf(budgetID ledger.BudgetID, name string) ledger.CategoryID {
	return ledger.CategoryID(string(budgetID) + "-" + name)
}

func scenarioDate(month time.Month, day int) time.Time {
	return time.Date(time.Now().Year()-1, month, day, 12, 0, 0, 0, time.UTC)
}

func (h *Handler) insertAll(ctx context.Context, budgetID ledger.BudgetID, txs []ledger.NewTransaction) ([]ledger.Transaction, error) {
	out := make([]ledger.Transaction, 0, len(txs))
	for _, in := range txs {
		var created ledger.Transaction
		err := h.mutate(ctx, func() error {
			var err error
			created, err = h.Engine.Insert(ctx, budgetID, in)
			return err
		})
		if err != nil {
			return nil, err
		}
		out = append(out, created)
	}
	return out, nil
}

func (h *Handler) loadHouseholdScenario(ctx context.Context, budgetID ledger.BudgetID) error {
	checking := ledger.AccountID(budgetID + "-checking")
	salary, rent, groceries := categoryOf(budgetID, "salary"), categoryOf(budgetID, "rent"), categoryOf(budgetID, "groceries")

	var txs []ledger.NewTransaction
	for _, m := range []time.Month{time.January, time.February, time.March} {
		txs = append(txs,
			ledger.NewTransaction{AccountID: checking, Date: scenarioDate(m, 1), Amount: 320000, CategoryID: salary, Notes: "Salary"},
			ledger.NewTransaction{AccountID: checking, Date: scenarioDate(m, 3), Amount: -120000, CategoryID: rent, Notes: "Rent"},
			ledger.NewTransaction{AccountID: checking, Date: scenarioDate(m, 14), Amount: -28550, CategoryID: groceries},
		)
	}
	if _, err := h.insertAll(ctx, budgetID, txs); err != nil {
		return err
	}

	for _, m := range []time.Month{time.January, time.February, time.March} {
		month := ledger.NewMonth(scenarioDate(m, 1).Year(), m)
		for _, a := range []struct {
			category ledger.CategoryID
			amount   int64
		}{{rent, 120000}, {groceries, 30000}} {
			err := h.mutate(ctx, func() error {
				_, err := h.Engine.Assign(ctx, budgetID, a.category, month, a.amount)
				return err
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *Handler) loadTransfersScenario(ctx context.Context, budgetID ledger.BudgetID) error {
	checking := ledger.AccountID(budgetID + "-checking")
	savings := ledger.AccountID(budgetID + "-savings")
	wallet := ledger.AccountID(budgetID + "-wallet")

	created, err := h.insertAll(ctx, budgetID, []ledger.NewTransaction{
		{AccountID: checking, Date: scenarioDate(time.January, 1), Amount: 500000, CategoryID: categoryOf(budgetID, "salary")},
		{AccountID: checking, Date: scenarioDate(time.January, 28), Amount: -50000, TransferAccountID: savings},
		{AccountID: checking, Date: scenarioDate(time.February, 28), Amount: -50000, TransferAccountID: savings},
		{AccountID: checking, Date: scenarioDate(time.March, 28), Amount: -50000, TransferAccountID: savings},
	})
	if err != nil {
		return err
	}

	// February's transfer actually went to the wallet.
	err = h.mutate(ctx, func() error {
		_, err := h.Engine.Patch(ctx, budgetID, created[2].ID, ledger.TransactionPatch{TransferAccountID: &wallet})
		return err
	})
	if err != nil {
		return err
	}

	// March's never happened.
	return h.mutate(ctx, func() error { return h.Engine.Delete(ctx, budgetID, created[3].ID) })
}

func (h *Handler) loadBackDatedScenario(ctx context.Context, budgetID ledger.BudgetID) error {
	checking := ledger.AccountID(budgetID + "-checking")

	var txs []ledger.NewTransaction
	for m := time.January; m <= time.June; m++ {
		txs = append(txs, ledger.NewTransaction{AccountID: checking, Date: scenarioDate(m, 1), Amount: 250000, CategoryID: categoryOf(budgetID, "salary")})
	}
	if _, err := h.insertAll(ctx, budgetID, txs); err != nil {
		return err
	}

	// Inserted last, dated first: every later month is rewritten.
	_, err := h.insertAll(ctx, budgetID, []ledger.NewTransaction{
		{AccountID: checking, Date: scenarioDate(time.February, 10), Amount: -89900, CategoryID: categoryOf(budgetID, "groceries"), Notes: "Forgotten receipt"},
	})
	return err
}
