/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

AMOUNTS:
  Amounts travel as integers in minor units. Every amount is paired with a
  *_display string formatted with the configured currency exponent
  (12345 with exponent 2 -> "123.45").

VALIDATION:
  Validation is done in handlers and the engine, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/budget-engine/ledger"
)

// =============================================================================
// DIRECTORY
// =============================================================================

type CreateBudgetRequest struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	TimeZone string `json:"time_zone"`
}

type BudgetDTO struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	TimeZone string `json:"time_zone"`
}

type CreateAccountRequest struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	Deleted bool   `json:"deleted,omitempty"`
}

type AccountDTO struct {
	ID       string `json:"id"`
	BudgetID string `json:"budget_id"`
	Name     string `json:"name"`
	Deleted  bool   `json:"deleted"`
}

type CreateCategoryRequest struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	IsIncome bool   `json:"is_income"`
}

type CategoryDTO struct {
	ID       string `json:"id"`
	BudgetID string `json:"budget_id"`
	Name     string `json:"name"`
	IsIncome bool   `json:"is_income"`
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// CreateTransactionRequest inserts a transaction. A transfer_account_id makes
// it the source leg of a transfer.
type CreateTransactionRequest struct {
	AccountID         string    `json:"account_id"`
	Date              time.Time `json:"date"`
	Amount            int64     `json:"amount"`
	CategoryID        string    `json:"category_id,omitempty"`
	PayeeID           string    `json:"payee_id,omitempty"`
	Notes             string    `json:"notes,omitempty"`
	Reconciled        bool      `json:"reconciled,omitempty"`
	TransferAccountID string    `json:"transfer_account_id,omitempty"`
}

// PatchTransactionRequest changes only the fields present.
// transfer_account_id "" turns a transfer leg back into a plain transaction.
type PatchTransactionRequest struct {
	AccountID         *string    `json:"account_id,omitempty"`
	Date              *time.Time `json:"date,omitempty"`
	Amount            *int64     `json:"amount,omitempty"`
	CategoryID        *string    `json:"category_id,omitempty"`
	PayeeID           *string    `json:"payee_id,omitempty"`
	Notes             *string    `json:"notes,omitempty"`
	Reconciled        *bool      `json:"reconciled,omitempty"`
	TransferAccountID *string    `json:"transfer_account_id,omitempty"`
}

type DeleteTransactionsRequest struct {
	IDs []string `json:"ids"`
}

type TransactionDTO struct {
	ID                string    `json:"id"`
	AccountID         string    `json:"account_id"`
	Date              time.Time `json:"date"`
	Amount            int64     `json:"amount"`
	AmountDisplay     string    `json:"amount_display"`
	CategoryID        string    `json:"category_id,omitempty"`
	PayeeID           string    `json:"payee_id,omitempty"`
	Notes             string    `json:"notes,omitempty"`
	Reconciled        bool      `json:"reconciled"`
	TransferID        string    `json:"transfer_id,omitempty"`
	TransferAccountID string    `json:"transfer_account_id,omitempty"`
}

// =============================================================================
// BALANCES
// =============================================================================

type AssignRequest struct {
	Amount int64 `json:"amount"`
}

type BalanceDTO struct {
	Month          string `json:"month"`
	Balance        int64  `json:"balance"`
	BalanceDisplay string `json:"balance_display"`
}

type CategoryBalanceDTO struct {
	CategoryID      string `json:"category_id"`
	Month           string `json:"month"`
	Assigned        int64  `json:"assigned"`
	AssignedDisplay string `json:"assigned_display"`
	Balance         int64  `json:"balance"`
	BalanceDisplay  string `json:"balance_display"`
}

type MonthDTO struct {
	Month            string               `json:"month"`
	Available        int64                `json:"available"`
	AvailableDisplay string               `json:"available_display"`
	Categories       []CategoryBalanceDTO `json:"categories"`
}

type ViolationDTO struct {
	Kind     string `json:"kind"`
	Month    string `json:"month"`
	Expected int64  `json:"expected"`
	Actual   int64  `json:"actual"`
}

type VerifyDTO struct {
	AccountID  string         `json:"account_id"`
	Consistent bool           `json:"consistent"`
	Violations []ViolationDTO `json:"violations"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

// formatAmount renders minor units as a fixed-point string.
func formatAmount(amount int64, exponent int32) string {
	return decimal.New(amount, -exponent).StringFixed(exponent)
}

func (h *Handler) toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	dto := TransactionDTO{
		ID:            string(tx.ID),
		AccountID:     string(tx.AccountID),
		Date:          tx.Date,
		Amount:        tx.Amount,
		AmountDisplay: formatAmount(tx.Amount, h.Exponent),
		CategoryID:    string(tx.CategoryID),
		PayeeID:       string(tx.PayeeID),
		Notes:         tx.Notes,
		Reconciled:    tx.Reconciled,
	}
	if tx.Leg != nil {
		dto.TransferID = string(tx.Leg.TransferID)
		dto.TransferAccountID = string(tx.Leg.PairedAccountID)
	}
	return dto
}

func (h *Handler) toBalanceDTO(m ledger.Month, balance int64) BalanceDTO {
	return BalanceDTO{Month: m.String(), Balance: balance, BalanceDisplay: formatAmount(balance, h.Exponent)}
}

func (h *Handler) toCategoryBalanceDTO(b ledger.CategoryMonthlyBalance) CategoryBalanceDTO {
	return CategoryBalanceDTO{
		CategoryID:      string(b.CategoryID),
		Month:           b.Month.String(),
		Assigned:        b.AssignedAmount,
		AssignedDisplay: formatAmount(b.AssignedAmount, h.Exponent),
		Balance:         b.Balance,
		BalanceDisplay:  formatAmount(b.Balance, h.Exponent),
	}
}

func (r PatchTransactionRequest) toPatch() ledger.TransactionPatch {
	var p ledger.TransactionPatch
	if r.AccountID != nil {
		id := ledger.AccountID(*r.AccountID)
		p.AccountID = &id
	}
	if r.CategoryID != nil {
		id := ledger.CategoryID(*r.CategoryID)
		p.CategoryID = &id
	}
	if r.PayeeID != nil {
		id := ledger.PayeeID(*r.PayeeID)
		p.PayeeID = &id
	}
	if r.TransferAccountID != nil {
		id := ledger.AccountID(*r.TransferAccountID)
		p.TransferAccountID = &id
	}
	p.Date, p.Amount, p.Notes, p.Reconciled = r.Date, r.Amount, r.Notes, r.Reconciled
	return p
}
