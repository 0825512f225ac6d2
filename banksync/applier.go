/*
Package banksync applies normalized bank-feed batches to the ledger.

PURPOSE:
  An external sync job fetches a bank's feed, normalizes it into insert,
  patch and delete items for one account, and publishes the result as a
  Batch. This package is the receiving end: it replays each item through
  the engine so the usual serializable mutation contract holds. No network
  call happens while an aggregation transaction is open.

CURSORS:
  Every batch carries the feed's watermark cursor. Cursors are opaque to the
  ledger but must sort in delivery order as plain strings. The applier keeps
  one position per account:

    "<cursor>"      the batch with this cursor was applied completely
    "<cursor>#<n>"  items [0, n) of that batch were applied

  Each item commits in the same engine transaction as the position after
  it, so a redelivered batch resumes after its last applied item instead
  of inserting its first items twice.

REJECTED ITEMS:
  An item the engine refuses as invalid input (unknown transaction, same
  account transfer, deleted account, ...) is logged and counted, and the
  batch moves on. Only transient or infrastructure failures stop a batch.

SEE ALSO:
  - consumer.go: AMQP transport
  - ledger/engine.go: Insert, Patch, Delete
*/
package banksync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/warp/budget-engine/ledger"
	"github.com/warp/budget-engine/logger"
)

// ErrInvalidBatch is returned for a batch that can never be applied.
var ErrInvalidBatch = errors.New("invalid sync batch")

// Action is what an item does to the ledger.
type Action string

const (
	ActionInsert Action = "insert"
	ActionPatch  Action = "patch"
	ActionDelete Action = "delete"
)

// Item is one normalized feed entry. Inserts land in the batch's account;
// patches and deletes name the transaction they change.
type Item struct {
	Action            Action     `json:"action"`
	TransactionID     string     `json:"transaction_id,omitempty"`
	Date              *time.Time `json:"date,omitempty"`
	Amount            *int64     `json:"amount,omitempty"`
	CategoryID        *string    `json:"category_id,omitempty"`
	PayeeID           *string    `json:"payee_id,omitempty"`
	Notes             *string    `json:"notes,omitempty"`
	Reconciled        *bool      `json:"reconciled,omitempty"`
	TransferAccountID *string    `json:"transfer_account_id,omitempty"`
}

// Batch is everything the feed produced for one account since the last cursor.
type Batch struct {
	BudgetID  string `json:"budget_id"`
	AccountID string `json:"account_id"`
	Cursor    string `json:"cursor"`
	Items     []Item `json:"items"`
}

// Mutator is the part of ledger.Engine the applier drives. Each item and
// the position after it are written inside one Do call.
type Mutator interface {
	Do(ctx context.Context, fn func(m ledger.Mutations) error) error
}

// CursorStore reads the per-account sync position.
type CursorStore interface {
	SyncCursor(ctx context.Context, accountID ledger.AccountID) (string, error)
}

// Result counts what one Apply did.
type Result struct {
	Skipped  bool
	Inserted int
	Patched  int
	Deleted  int
	Rejected int
}

// Applier replays batches through the engine.
type Applier struct {
	Mutator Mutator
	Cursors CursorStore
	Retries int
}

func NewApplier(m Mutator, cursors CursorStore, retries int) *Applier {
	return &Applier{Mutator: m, Cursors: cursors, Retries: retries}
}

// =============================================================================
// APPLY
// =============================================================================

// Apply applies every item of b not applied yet, then records b.Cursor.
func (a *Applier) Apply(ctx context.Context, b Batch) (Result, error) {
	if err := b.validate(); err != nil {
		return Result{}, err
	}
	log := logger.FromContext(ctx).With().
		Str("budget_id", b.BudgetID).
		Str("account_id", b.AccountID).
		Str("cursor", b.Cursor).
		Logger()

	accountID := ledger.AccountID(b.AccountID)
	stored, err := a.Cursors.SyncCursor(ctx, accountID)
	if err != nil {
		return Result{}, fmt.Errorf("load sync cursor: %w", err)
	}
	pos := parsePosition(stored)

	var res Result
	start := 0
	switch {
	case pos.cursor == "":
	case b.Cursor < pos.cursor, b.Cursor == pos.cursor && pos.complete:
		log.Debug().Str("stored", stored).Msg("batch already applied")
		return Result{Skipped: true}, nil
	case b.Cursor == pos.cursor:
		start = pos.next
	}

	for i := start; i < len(b.Items); i++ {
		item := b.Items[i]
		next := position{cursor: b.Cursor, next: i + 1, complete: i == len(b.Items)-1}.String()

		err := a.do(ctx, func(m ledger.Mutations) error {
			if err := applyItem(ctx, m, b, item); err != nil {
				return err
			}
			return m.SaveSyncCursor(ctx, accountID, next)
		})
		switch {
		case err == nil:
			res.count(item.Action)
			continue
		case ledger.IsClientError(err) || ledger.IsNotFound(err):
			res.Rejected++
			log.Warn().Err(err).Int("item", i).Str("action", string(item.Action)).Msg("sync item rejected")
		default:
			return res, fmt.Errorf("apply item %d: %w", i, err)
		}

		// The item rolled back with its position; record that it was passed.
		if err := a.saveCursor(ctx, accountID, next); err != nil {
			return res, fmt.Errorf("save sync progress: %w", err)
		}
	}

	if start >= len(b.Items) {
		if err := a.saveCursor(ctx, accountID, b.Cursor); err != nil {
			return res, fmt.Errorf("save sync cursor: %w", err)
		}
	}

	log.Info().
		Int("inserted", res.Inserted).
		Int("patched", res.Patched).
		Int("deleted", res.Deleted).
		Int("rejected", res.Rejected).
		Msg("sync batch applied")
	return res, nil
}

// do runs fn in one engine transaction, replaying it on serialization conflicts.
func (a *Applier) do(ctx context.Context, fn func(m ledger.Mutations) error) error {
	return ledger.Retry(ctx, a.Retries, func() error { return a.Mutator.Do(ctx, fn) })
}

func (a *Applier) saveCursor(ctx context.Context, accountID ledger.AccountID, cursor string) error {
	return a.do(ctx, func(m ledger.Mutations) error {
		return m.SaveSyncCursor(ctx, accountID, cursor)
	})
}

func applyItem(ctx context.Context, m ledger.Mutations, b Batch, item Item) error {
	budgetID := ledger.BudgetID(b.BudgetID)
	switch item.Action {
	case ActionInsert:
		in, err := item.newTransaction(ledger.AccountID(b.AccountID))
		if err != nil {
			return err
		}
		_, err = m.Insert(ctx, budgetID, in)
		return err
	case ActionPatch:
		_, err := m.Patch(ctx, budgetID, ledger.TransactionID(item.TransactionID), item.patch())
		return err
	case ActionDelete:
		return m.Delete(ctx, budgetID, ledger.TransactionID(item.TransactionID))
	}
	return &ledger.ValidationError{Field: "action", Reason: string(item.Action), Err: ledger.ErrInvalidMutation}
}

func (r *Result) count(action Action) {
	switch action {
	case ActionInsert:
		r.Inserted++
	case ActionPatch:
		r.Patched++
	case ActionDelete:
		r.Deleted++
	}
}

// =============================================================================
// ITEMS
// =============================================================================

func (b Batch) validate() error {
	switch {
	case b.BudgetID == "":
		return fmt.Errorf("%w: budget_id is required", ErrInvalidBatch)
	case b.AccountID == "":
		return fmt.Errorf("%w: account_id is required", ErrInvalidBatch)
	case b.Cursor == "":
		return fmt.Errorf("%w: cursor is required", ErrInvalidBatch)
	}
	return nil
}

func (it Item) newTransaction(accountID ledger.AccountID) (ledger.NewTransaction, error) {
	if it.Date == nil || it.Amount == nil {
		return ledger.NewTransaction{}, &ledger.ValidationError{Field: "item", Reason: "insert needs date and amount", Err: ledger.ErrInvalidMutation}
	}
	in := ledger.NewTransaction{AccountID: accountID, Date: *it.Date, Amount: *it.Amount}
	if it.CategoryID != nil {
		in.CategoryID = ledger.CategoryID(*it.CategoryID)
	}
	if it.PayeeID != nil {
		in.PayeeID = ledger.PayeeID(*it.PayeeID)
	}
	if it.Notes != nil {
		in.Notes = *it.Notes
	}
	if it.Reconciled != nil {
		in.Reconciled = *it.Reconciled
	}
	if it.TransferAccountID != nil {
		in.TransferAccountID = ledger.AccountID(*it.TransferAccountID)
	}
	return in, nil
}

func (it Item) patch() ledger.TransactionPatch {
	p := ledger.TransactionPatch{Date: it.Date, Amount: it.Amount, Notes: it.Notes, Reconciled: it.Reconciled}
	if it.CategoryID != nil {
		id := ledger.CategoryID(*it.CategoryID)
		p.CategoryID = &id
	}
	if it.PayeeID != nil {
		id := ledger.PayeeID(*it.PayeeID)
		p.PayeeID = &id
	}
	if it.TransferAccountID != nil {
		id := ledger.AccountID(*it.TransferAccountID)
		p.TransferAccountID = &id
	}
	return p
}

// =============================================================================
// POSITION
// =============================================================================

type position struct {
	cursor   string
	next     int
	complete bool
}

func parsePosition(s string) position {
	if i := strings.LastIndexByte(s, '#'); i >= 0 {
		if n, err := strconv.Atoi(s[i+1:]); err == nil && n >= 0 {
			return position{cursor: s[:i], next: n}
		}
	}
	return position{cursor: s, complete: s != ""}
}

func (p position) String() string {
	if p.complete {
		return p.cursor
	}
	return p.cursor + "#" + strconv.Itoa(p.next)
}
