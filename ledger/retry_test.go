package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/budget-engine/ledger"
	"github.com/warp/budget-engine/ledger/store"
)

// conflictingStore aborts the first n transactions after fn ran, the way a
// serializable store aborts the loser of a conflict at commit.
type conflictingStore struct {
	*store.Memory
	failures int
	calls    int
}

func (c *conflictingStore) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	c.calls++
	if c.calls <= c.failures {
		err := c.Memory.WithTx(ctx, func(s ledger.Store) error {
			if err := fn(s); err != nil {
				return err
			}
			return fmt.Errorf("commit: %w", ledger.ErrSerializationConflict)
		})
		return err
	}
	return c.Memory.WithTx(ctx, fn)
}

func TestRetry_ReplaysWholeMutationAfterConflict(t *testing.T) {
	// GIVEN: A store that aborts the first two attempts
	_, mem := newTestEngine(t)
	cs := &conflictingStore{Memory: mem, failures: 2}
	e := ledger.NewEngine(cs)
	ctx := context.Background()

	// WHEN: Inserting with three attempts
	err := ledger.Retry(ctx, 3, func() error {
		_, err := e.Insert(ctx, budget, ledger.NewTransaction{AccountID: "A", Date: date(2024, time.March, 1), Amount: -500})
		return err
	})

	// THEN: The third attempt commits exactly once
	require.NoError(t, err)
	assert.Equal(t, 3, cs.calls)
	assert.Equal(t, map[string]int64{"2024-03": -500}, accountRows(t, ledger.NewEngine(mem), "A"))
}

func TestRetry_GivesUpAfterAttempts(t *testing.T) {
	_, mem := newTestEngine(t)
	cs := &conflictingStore{Memory: mem, failures: 5}
	e := ledger.NewEngine(cs)
	ctx := context.Background()

	err := ledger.Retry(ctx, 2, func() error {
		_, err := e.Insert(ctx, budget, ledger.NewTransaction{AccountID: "A", Date: date(2024, time.March, 1), Amount: -500})
		return err
	})

	assert.True(t, ledger.IsRetryable(err))
	assert.Equal(t, 2, cs.calls)
	assert.Empty(t, accountRows(t, ledger.NewEngine(mem), "A"))
}

func TestRetry_DomainErrorsAreNotRetried(t *testing.T) {
	calls := 0
	err := ledger.Retry(context.Background(), 5, func() error {
		calls++
		return ledger.ErrAccountDeleted
	})

	assert.ErrorIs(t, err, ledger.ErrAccountDeleted)
	assert.Equal(t, 1, calls)
}

func TestRetry_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := ledger.Retry(ctx, 5, func() error {
		calls++
		return ledger.ErrSerializationConflict
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestErrorHelpers(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		client    bool
		notFound  bool
		retryable bool
		invariant bool
	}{
		{name: "same account", err: ledger.ErrSameAccountTransfer, client: true},
		{name: "wrapped conflict", err: fmt.Errorf("commit: %w", ledger.ErrSerializationConflict), retryable: true},
		{name: "transfer not found", err: ledger.ErrTransferNotFound, notFound: true},
		{name: "invariant", err: &ledger.InvariantError{Op: "walk", Detail: "x"}, invariant: true},
		{name: "validation wrapping not found", err: &ledger.ValidationError{Field: "account_id", Err: ledger.ErrAccountNotFound}, client: true, notFound: true},
		{name: "plain", err: errors.New("disk full")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.client, ledger.IsClientError(tt.err))
			assert.Equal(t, tt.notFound, ledger.IsNotFound(tt.err))
			assert.Equal(t, tt.retryable, ledger.IsRetryable(tt.err))
			assert.Equal(t, tt.invariant, ledger.IsInvariant(tt.err))
		})
	}
}
