package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestChanges_Touches(t *testing.T) {
	jan := time.Date(2024, time.January, 10, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2024, time.February, 10, 0, 0, 0, 0, time.UTC)
	base := Transaction{ID: "t1", AccountID: "A", Date: jan, Amount: -10, CategoryID: "food"}

	notesOnly := base
	notesOnly.Notes, notesOnly.Reconciled, notesOnly.PayeeID = "n", true, "p"

	moved := base
	moved.Date, moved.CategoryID = feb, "rent"

	leg := base
	leg.Leg = &TransferLeg{TransferID: "tr", PairedAccountID: "B"}

	c := Changes{
		Added:   []Transaction{{ID: "t2", AccountID: "B", Date: feb}},
		Updated: []Revision{{Before: base, After: notesOnly}, {Before: base, After: moved}, {Before: base, After: leg}},
		Removed: []Transaction{{ID: "t3", AccountID: "C", Date: jan}},
	}

	assert.Equal(t, []Touch{
		{AccountID: "B", Date: feb},
		{AccountID: "A", Date: jan, CategoryID: "food"},
		{AccountID: "A", Date: feb, CategoryID: "rent"},
		{AccountID: "A", Date: jan, CategoryID: "food"},
		{AccountID: "A", Date: jan, CategoryID: "food"},
		{AccountID: "C", Date: jan},
	}, c.Touches())
}

func TestByAccount_StableOrder(t *testing.T) {
	jan := time.Date(2024, time.January, 10, 0, 0, 0, 0, time.UTC)
	accounts, dates := byAccount([]Touch{
		{AccountID: "C", Date: jan},
		{AccountID: "A", Date: jan},
		{AccountID: "C", Date: jan.AddDate(0, 1, 0)},
	})

	assert.Equal(t, []AccountID{"A", "C"}, accounts)
	assert.Len(t, dates["C"], 2)
}
