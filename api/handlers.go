/*
handlers.go - HTTP API handlers for the budget ledger

PURPOSE:
  Exposes the ledger engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the engine. No balance arithmetic
  happens here.

ENDPOINTS:
  Directory:
    POST   /api/budgets                               Create budget
    POST   /api/budgets/{budgetID}/accounts           Create account
    POST   /api/budgets/{budgetID}/categories         Create category

  Transactions:
    POST   /api/budgets/{budgetID}/transactions       Insert (optionally a transfer)
    GET    /api/budgets/{budgetID}/transactions/{id}  Get one
    PATCH  /api/budgets/{budgetID}/transactions/{id}  Patch fields
    DELETE /api/budgets/{budgetID}/transactions/{id}  Delete (and its pair)
    POST   /api/budgets/{budgetID}/transactions/delete Batch delete

  Balances:
    PUT    /api/budgets/{budgetID}/categories/{categoryID}/months/{month}  Assign
    GET    /api/budgets/{budgetID}/balances                 Budget totals
    GET    /api/budgets/{budgetID}/months/{month}           Month summary
    GET    /api/budgets/{budgetID}/accounts/{accountID}/balances
    GET    /api/budgets/{budgetID}/accounts/{accountID}/verify

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Engine: mutation orchestrator and read models
  - Directory: seeding of budgets, accounts and categories
  - Retries: attempts per mutation on serialization conflicts

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed input
  - 404: Resource not found
  - 409: Serialization conflict that survived every retry
  - 422: Domain validation errors
  - 500: Invariant violations and internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. Callers are trusted to
  act on the budget in the URL.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/warp/budget-engine/ledger"
	"github.com/warp/budget-engine/logger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// DirectoryAdmin seeds the records the engine only reads.
type DirectoryAdmin interface {
	SaveBudget(ctx context.Context, b ledger.Budget) error
	SaveAccount(ctx context.Context, a ledger.Account) error
	SaveCategory(ctx context.Context, c ledger.Category) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine    *ledger.Engine
	Directory DirectoryAdmin
	Retries   int
	Exponent  int32

	scenarios scenarioState
}

// NewHandler creates a new handler with default retry and currency settings.
func NewHandler(engine *ledger.Engine, directory DirectoryAdmin) *Handler {
	return &Handler{
		Engine:    engine,
		Directory: directory,
		Retries:   3,
		Exponent:  2,
	}
}

// mutate runs fn, replaying it on serialization conflicts.
func (h *Handler) mutate(ctx context.Context, fn func() error) error {
	return ledger.Retry(ctx, h.Retries, fn)
}

// =============================================================================
// DIRECTORY HANDLERS
// =============================================================================

// CreateBudget creates a budget with its bucketing time zone.
func (h *Handler) CreateBudget(w http.ResponseWriter, r *http.Request) {
	var req CreateBudgetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required", nil)
		return
	}
	if req.TimeZone == "" {
		req.TimeZone = "UTC"
	}
	if _, err := time.LoadLocation(req.TimeZone); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid time_zone (use an IANA name)", err)
		return
	}

	b := ledger.Budget{ID: ledger.BudgetID(orNewID(req.ID)), Name: req.Name, TimeZone: req.TimeZone}
	if err := h.Directory.SaveBudget(r.Context(), b); err != nil {
		writeDomainError(r.Context(), w, "Failed to create budget", err)
		return
	}

	writeJSON(w, http.StatusCreated, BudgetDTO{ID: string(b.ID), Name: b.Name, TimeZone: b.TimeZone})
}

// CreateAccount creates an account in the budget.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required", nil)
		return
	}

	a := ledger.Account{
		ID:       ledger.AccountID(orNewID(req.ID)),
		BudgetID: budgetParam(r),
		Name:     req.Name,
		Deleted:  req.Deleted,
	}
	if err := h.Directory.SaveAccount(r.Context(), a); err != nil {
		writeDomainError(r.Context(), w, "Failed to create account", err)
		return
	}

	writeJSON(w, http.StatusCreated, AccountDTO{ID: string(a.ID), BudgetID: string(a.BudgetID), Name: a.Name, Deleted: a.Deleted})
}

// CreateCategory creates an expense or income category in the budget.
func (h *Handler) CreateCategory(w http.ResponseWriter, r *http.Request) {
	var req CreateCategoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required", nil)
		return
	}

	c := ledger.Category{
		ID:       ledger.CategoryID(orNewID(req.ID)),
		BudgetID: budgetParam(r),
		Name:     req.Name,
		IsIncome: req.IsIncome,
	}
	if err := h.Directory.SaveCategory(r.Context(), c); err != nil {
		writeDomainError(r.Context(), w, "Failed to create category", err)
		return
	}

	writeJSON(w, http.StatusCreated, CategoryDTO{ID: string(c.ID), BudgetID: string(c.BudgetID), Name: c.Name, IsIncome: c.IsIncome})
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// CreateTransaction inserts a plain transaction or the source leg of a transfer.
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req CreateTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required", nil)
		return
	}

	in := ledger.NewTransaction{
		AccountID:         ledger.AccountID(req.AccountID),
		Date:              req.Date,
		Amount:            req.Amount,
		CategoryID:        ledger.CategoryID(req.CategoryID),
		PayeeID:           ledger.PayeeID(req.PayeeID),
		Notes:             req.Notes,
		Reconciled:        req.Reconciled,
		TransferAccountID: ledger.AccountID(req.TransferAccountID),
	}

	ctx := r.Context()
	var created ledger.Transaction
	err := h.mutate(ctx, func() error {
		var err error
		created, err = h.Engine.Insert(ctx, budgetParam(r), in)
		return err
	})
	if err != nil {
		writeDomainError(ctx, w, "Failed to create transaction", err)
		return
	}

	writeJSON(w, http.StatusCreated, h.toTransactionDTO(created))
}

// GetTransaction returns one transaction.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.Engine.Transaction(r.Context(), budgetParam(r), ledger.TransactionID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(r.Context(), w, "Failed to load transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, h.toTransactionDTO(tx))
}

// PatchTransaction edits the given fields of a transaction.
func (h *Handler) PatchTransaction(w http.ResponseWriter, r *http.Request) {
	var req PatchTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx := r.Context()
	id := ledger.TransactionID(chi.URLParam(r, "id"))
	var patched ledger.Transaction
	err := h.mutate(ctx, func() error {
		var err error
		patched, err = h.Engine.Patch(ctx, budgetParam(r), id, req.toPatch())
		return err
	})
	if err != nil {
		writeDomainError(ctx, w, "Failed to update transaction", err)
		return
	}

	writeJSON(w, http.StatusOK, h.toTransactionDTO(patched))
}

// DeleteTransaction deletes a transaction, and its pair if it is a transfer leg.
func (h *Handler) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := ledger.TransactionID(chi.URLParam(r, "id"))
	if err := h.mutate(ctx, func() error { return h.Engine.Delete(ctx, budgetParam(r), id) }); err != nil {
		writeDomainError(ctx, w, "Failed to delete transaction", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteTransactions deletes several transactions in one transaction.
func (h *Handler) DeleteTransactions(w http.ResponseWriter, r *http.Request) {
	var req DeleteTransactionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ids := make([]ledger.TransactionID, len(req.IDs))
	for i, id := range req.IDs {
		ids[i] = ledger.TransactionID(id)
	}

	ctx := r.Context()
	if err := h.mutate(ctx, func() error { return h.Engine.Delete(ctx, budgetParam(r), ids...) }); err != nil {
		writeDomainError(ctx, w, "Failed to delete transactions", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// BALANCE HANDLERS
// =============================================================================

// AssignCategory sets the amount assigned to a category for one month.
func (h *Handler) AssignCategory(w http.ResponseWriter, r *http.Request) {
	m, ok := monthParam(w, r)
	if !ok {
		return
	}
	var req AssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx := r.Context()
	categoryID := ledger.CategoryID(chi.URLParam(r, "categoryID"))
	var row ledger.CategoryMonthlyBalance
	err := h.mutate(ctx, func() error {
		var err error
		row, err = h.Engine.Assign(ctx, budgetParam(r), categoryID, m, req.Amount)
		return err
	})
	if err != nil {
		writeDomainError(ctx, w, "Failed to assign category", err)
		return
	}

	writeJSON(w, http.StatusOK, h.toCategoryBalanceDTO(row))
}

// ListBudgetBalances returns the budget's monthly available amounts.
func (h *Handler) ListBudgetBalances(w http.ResponseWriter, r *http.Request) {
	rows, err := h.Engine.BudgetBalances(r.Context(), budgetParam(r))
	if err != nil {
		writeDomainError(r.Context(), w, "Failed to load budget balances", err)
		return
	}

	dtos := make([]BalanceDTO, len(rows))
	for i, b := range rows {
		dtos[i] = h.toBalanceDTO(b.Month, b.Balance)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetBudgetMonth returns the available amount and every category row of a month.
func (h *Handler) GetBudgetMonth(w http.ResponseWriter, r *http.Request) {
	m, ok := monthParam(w, r)
	if !ok {
		return
	}

	summary, err := h.Engine.BudgetMonth(r.Context(), budgetParam(r), m)
	if err != nil {
		writeDomainError(r.Context(), w, "Failed to load month", err)
		return
	}

	dto := MonthDTO{
		Month:            m.String(),
		Available:        summary.Budget.Balance,
		AvailableDisplay: formatAmount(summary.Budget.Balance, h.Exponent),
		Categories:       make([]CategoryBalanceDTO, len(summary.Categories)),
	}
	for i, c := range summary.Categories {
		dto.Categories[i] = h.toCategoryBalanceDTO(c)
	}
	writeJSON(w, http.StatusOK, dto)
}

// ListAccountBalances returns the account's monthly running balances.
func (h *Handler) ListAccountBalances(w http.ResponseWriter, r *http.Request) {
	rows, err := h.Engine.AccountBalances(r.Context(), budgetParam(r), ledger.AccountID(chi.URLParam(r, "accountID")))
	if err != nil {
		writeDomainError(r.Context(), w, "Failed to load account balances", err)
		return
	}

	dtos := make([]BalanceDTO, len(rows))
	for i, b := range rows {
		dtos[i] = h.toBalanceDTO(b.Month, b.Balance)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// VerifyAccount re-derives the account's recurrence from stored rows.
func (h *Handler) VerifyAccount(w http.ResponseWriter, r *http.Request) {
	accountID := ledger.AccountID(chi.URLParam(r, "accountID"))
	violations, err := h.Engine.VerifyAccount(r.Context(), budgetParam(r), accountID)
	if err != nil {
		writeDomainError(r.Context(), w, "Failed to verify account", err)
		return
	}

	dto := VerifyDTO{
		AccountID:  string(accountID),
		Consistent: len(violations) == 0,
		Violations: make([]ViolationDTO, len(violations)),
	}
	for i, v := range violations {
		dto.Violations[i] = ViolationDTO{Kind: v.Kind, Month: v.Month.String(), Expected: v.Expected, Actual: v.Actual}
	}
	if !dto.Consistent {
		logger.FromContext(r.Context()).Error().
			Str("account_id", string(accountID)).
			Int("violations", len(violations)).
			Msg("account balances inconsistent")
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// HELPERS
// =============================================================================

func budgetParam(r *http.Request) ledger.BudgetID {
	return ledger.BudgetID(chi.URLParam(r, "budgetID"))
}

func monthParam(w http.ResponseWriter, r *http.Request) (ledger.Month, bool) {
	m, err := ledger.ParseMonth(chi.URLParam(r, "month"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month (use YYYY-MM)", err)
		return ledger.Month{}, false
	}
	return m, true
}

func orNewID(id string) string {
	if id == "" {
		return uuid.NewString()
	}
	return id
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps the ledger error taxonomy onto HTTP statuses.
func writeDomainError(ctx context.Context, w http.ResponseWriter, message string, err error) {
	var ve *ledger.ValidationError
	switch {
	case ledger.IsClientError(err):
		resp := ErrorResponse{Error: message, Code: "validation", Details: err.Error()}
		if errors.As(err, &ve) {
			resp.Code = "invalid_" + ve.Field
		}
		writeJSON(w, http.StatusUnprocessableEntity, resp)
	case ledger.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: message, Code: "not_found", Details: err.Error()})
	case ledger.IsRetryable(err):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: message, Code: "conflict", Details: err.Error()})
	default:
		log := logger.FromContext(ctx)
		log.Error().Err(err).Bool("invariant", ledger.IsInvariant(err)).Msg(message)
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
