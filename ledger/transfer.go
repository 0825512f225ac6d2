/*
transfer.go - Transfer Manager

PURPOSE:
  Creates, updates and deletes the two legs of an inter-account transfer
  and reports the rows it touched so the aggregators can re-walk both
  accounts.

STATES:
  plain         Transaction.Leg == nil
  transfer-leg  Transaction.Leg != nil; exactly one other transaction
                shares the TransferID and carries the negated amount

TRANSITIONS:
  Create   plain + destination      -> transfer-leg (mirror inserted)
  Update   leg, same destination    -> mirror follows the edit
  Update   leg, new destination     -> mirror moves to the new account
  Update   leg, destination cleared -> plain (mirror and transfer deleted)
  Delete   leg                      -> both legs and the transfer deleted

VALIDATION:
  Both accounts must exist, be undeleted, belong to the budget and differ.
  Validation runs before any write.
*/
package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// TransferManager maintains paired transfer legs.
type TransferManager struct {
	NewID func() string
}

func NewTransferManager() *TransferManager {
	return &TransferManager{NewID: uuid.NewString}
}

// Create turns a stored plain transaction into the source leg of a new
// transfer to dest. The source loses its category.
func (m *TransferManager) Create(ctx context.Context, s Store, budgetID BudgetID, source Transaction, dest AccountID) (Transaction, Changes, error) {
	if source.IsTransfer() {
		return source, Changes{}, &InvariantError{Op: "create transfer", Detail: fmt.Sprintf("transaction %s is already a transfer leg", source.ID)}
	}
	if err := validatePair(ctx, s, budgetID, source.AccountID, dest); err != nil {
		return source, Changes{}, err
	}

	t := Transfer{ID: TransferID(m.NewID()), FromAccountID: source.AccountID, ToAccountID: dest}
	if err := s.InsertTransfer(ctx, t); err != nil {
		return source, Changes{}, fmt.Errorf("insert transfer: %w", err)
	}

	updated := source
	updated.CategoryID = Unassigned
	updated.Leg = &TransferLeg{TransferID: t.ID, PairedAccountID: dest}
	if err := s.UpdateTransaction(ctx, updated); err != nil {
		return source, Changes{}, fmt.Errorf("update source leg: %w", err)
	}

	mirror := Transaction{
		ID:        TransactionID(m.NewID()),
		AccountID: dest,
		Date:      updated.Date,
		Amount:    -updated.Amount,
		PayeeID:   updated.PayeeID,
		Notes:     updated.Notes,
		Leg:       &TransferLeg{TransferID: t.ID, PairedAccountID: updated.AccountID},
	}
	if err := s.InsertTransaction(ctx, mirror); err != nil {
		return source, Changes{}, fmt.Errorf("insert mirror leg: %w", err)
	}

	return updated, Changes{
		Added:   []Transaction{mirror},
		Updated: []Revision{{Before: source, After: updated}},
	}, nil
}

// Update applies an edit to a transaction that is, or is becoming, a
// transfer leg. after holds the patched fields of before. A nil dest keeps
// the current destination, an empty one converts the leg back to a plain
// transaction, anything else names the new destination account.
func (m *TransferManager) Update(ctx context.Context, s Store, budgetID BudgetID, before, after Transaction, dest *AccountID) (Transaction, Changes, error) {
	switch {
	case !before.IsTransfer() && dest != nil && *dest != "":
		updated, changes, err := m.Create(ctx, s, budgetID, plain(after), *dest)
		if err != nil {
			return before, Changes{}, err
		}
		// Report the pre-edit state so the month being left is re-walked.
		changes.Updated[0].Before = before
		return updated, changes, nil

	case !before.IsTransfer():
		return before, Changes{}, &InvariantError{Op: "update transfer", Detail: fmt.Sprintf("transaction %s is not a transfer leg", before.ID)}

	case dest != nil && *dest == "":
		return m.detach(ctx, s, before, after)

	default:
		target := before.Leg.PairedAccountID
		if dest != nil {
			target = *dest
		}
		return m.sync(ctx, s, budgetID, before, after, target)
	}
}

// sync keeps the mirror leg in step with the edited leg, moving it to
// target when the destination changed.
func (m *TransferManager) sync(ctx context.Context, s Store, budgetID BudgetID, before, after Transaction, target AccountID) (Transaction, Changes, error) {
	if after.CategoryID != Unassigned {
		return before, Changes{}, invalid("category_id", ErrCategorizedTransfer, "clear the transfer first")
	}

	repointed := after.AccountID != before.AccountID || target != before.Leg.PairedAccountID
	if repointed {
		if err := validatePair(ctx, s, budgetID, after.AccountID, target); err != nil {
			return before, Changes{}, err
		}
	}

	mirror, err := mirrorOf(ctx, s, before)
	if err != nil {
		return before, Changes{}, err
	}

	if repointed {
		t, err := s.GetTransfer(ctx, before.Leg.TransferID)
		if err != nil {
			return before, Changes{}, err
		}
		if t.FromAccountID == before.AccountID {
			t.FromAccountID, t.ToAccountID = after.AccountID, target
		} else {
			t.FromAccountID, t.ToAccountID = target, after.AccountID
		}
		if err := s.UpdateTransfer(ctx, *t); err != nil {
			return before, Changes{}, fmt.Errorf("repoint transfer: %w", err)
		}
	}

	updated := after
	updated.Leg = &TransferLeg{TransferID: before.Leg.TransferID, PairedAccountID: target}
	if err := s.UpdateTransaction(ctx, updated); err != nil {
		return before, Changes{}, fmt.Errorf("update leg: %w", err)
	}

	moved := mirror
	moved.AccountID = target
	moved.Date = updated.Date
	moved.Amount = -updated.Amount
	moved.PayeeID = updated.PayeeID
	moved.Notes = updated.Notes
	moved.Leg = &TransferLeg{TransferID: before.Leg.TransferID, PairedAccountID: updated.AccountID}
	if moved.AccountID != mirror.AccountID {
		moved.Reconciled = false
	}
	if err := s.UpdateTransaction(ctx, moved); err != nil {
		return before, Changes{}, fmt.Errorf("update mirror leg: %w", err)
	}

	return updated, Changes{Updated: []Revision{
		{Before: before, After: updated},
		{Before: mirror, After: moved},
	}}, nil
}

// detach converts a leg back into a plain transaction.
func (m *TransferManager) detach(ctx context.Context, s Store, before, after Transaction) (Transaction, Changes, error) {
	mirror, err := mirrorOf(ctx, s, before)
	if err != nil {
		return before, Changes{}, err
	}

	updated := plain(after)
	if err := s.UpdateTransaction(ctx, updated); err != nil {
		return before, Changes{}, fmt.Errorf("clear transfer on leg: %w", err)
	}
	if err := s.DeleteTransaction(ctx, mirror.ID); err != nil {
		return before, Changes{}, fmt.Errorf("delete mirror leg: %w", err)
	}
	if err := s.DeleteTransfer(ctx, before.Leg.TransferID); err != nil {
		return before, Changes{}, fmt.Errorf("delete transfer: %w", err)
	}

	return updated, Changes{
		Updated: []Revision{{Before: before, After: updated}},
		Removed: []Transaction{mirror},
	}, nil
}

// Delete removes both legs of the transfer leg belongs to, then the transfer.
func (m *TransferManager) Delete(ctx context.Context, s Store, leg Transaction) (Changes, error) {
	if !leg.IsTransfer() {
		return Changes{}, &InvariantError{Op: "delete transfer", Detail: fmt.Sprintf("transaction %s is not a transfer leg", leg.ID)}
	}
	legs, err := transferLegs(ctx, s, leg.Leg.TransferID)
	if err != nil {
		return Changes{}, err
	}
	for _, l := range legs {
		if err := s.DeleteTransaction(ctx, l.ID); err != nil {
			return Changes{}, fmt.Errorf("delete leg %s: %w", l.ID, err)
		}
	}
	if err := s.DeleteTransfer(ctx, leg.Leg.TransferID); err != nil {
		return Changes{}, fmt.Errorf("delete transfer: %w", err)
	}
	return Changes{Removed: legs}, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func plain(tx Transaction) Transaction {
	tx.Leg = nil
	return tx
}

func transferLegs(ctx context.Context, s Store, id TransferID) ([]Transaction, error) {
	legs, err := s.TransferLegs(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load legs of transfer %s: %w", id, err)
	}
	if len(legs) != 2 {
		return nil, &InvariantError{Op: "load transfer legs", Detail: fmt.Sprintf("transfer %s has %d legs", id, len(legs))}
	}
	return legs, nil
}

func mirrorOf(ctx context.Context, s Store, leg Transaction) (Transaction, error) {
	legs, err := transferLegs(ctx, s, leg.Leg.TransferID)
	if err != nil {
		return Transaction{}, err
	}
	for _, l := range legs {
		if l.ID != leg.ID {
			return l, nil
		}
	}
	return Transaction{}, &InvariantError{Op: "find mirror leg", Detail: fmt.Sprintf("transfer %s has no leg besides %s", leg.Leg.TransferID, leg.ID)}
}

func validatePair(ctx context.Context, s Store, budgetID BudgetID, from, to AccountID) error {
	if from == to {
		return invalid("transfer_account_id", ErrSameAccountTransfer, string(from))
	}
	for _, id := range []AccountID{from, to} {
		if err := checkAccount(ctx, s, budgetID, id); err != nil {
			return err
		}
	}
	return nil
}

// checkAccount verifies the account exists, is undeleted and belongs to budgetID.
func checkAccount(ctx context.Context, s Store, budgetID BudgetID, id AccountID) error {
	acc, err := s.Account(ctx, id)
	if IsNotFound(err) {
		return invalid("account_id", err, "")
	}
	if err != nil {
		return err
	}
	if acc.BudgetID != budgetID {
		return invalid("account_id", ErrCrossBudgetAccount, string(id))
	}
	if acc.Deleted {
		return invalid("account_id", ErrAccountDeleted, string(id))
	}
	return nil
}
