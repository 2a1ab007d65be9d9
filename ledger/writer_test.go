package ledger_test

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartrx/reward-engine/ledger"
	"github.com/smartrx/reward-engine/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestWriter() (*ledger.Writer, *store.Memory) {
	mem := store.NewMemory()
	return ledger.NewWriter(mem, ledger.NewGuard()), mem
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func earnInput(userID ledger.UserID, delta string) ledger.ApplyInput {
	return ledger.ApplyInput{
		UserID:       userID,
		Denomination: ledger.NonCashable,
		Delta:        dec(delta),
		Kind:         ledger.KindEarn,
		RuleCode:     "UPLOAD_RX",
	}
}

// =============================================================================
// APPLY DELTA TESTS
// =============================================================================

func TestApplyDelta_FirstEarnCreatesZeroRow(t *testing.T) {
	// GIVEN: A user with no prior activity
	// WHEN: Earning 1000 points
	// THEN: The balance starts from zero and ends at 1000

	w, mem := newTestWriter()
	ctx := context.Background()

	entry, err := w.ApplyDelta(ctx, earnInput("user-1", "1000"))
	require.NoError(t, err)

	assert.True(t, entry.Balance.NonCashable.Equal(dec("1000")))
	assert.True(t, entry.Balance.Cashable.IsZero())
	assert.True(t, entry.Balance.Money.IsZero())

	bal, err := mem.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, bal.NonCashable.Equal(dec("1000")))
}

func TestApplyDelta_TransactionRecordsSnapshot(t *testing.T) {
	// GIVEN: Two sequential earns
	// WHEN: Reading the transaction stream
	// THEN: Each transaction carries the balance after its own commit

	w, mem := newTestWriter()
	ctx := context.Background()

	_, err := w.ApplyDelta(ctx, earnInput("user-1", "100"))
	require.NoError(t, err)
	_, err = w.ApplyDelta(ctx, earnInput("user-1", "50"))
	require.NoError(t, err)

	txs, total, err := mem.Transactions(ctx, "user-1", ledger.HistoryFilter{}, ledger.Page{Size: 10, SortDesc: false}.Normalize())
	require.NoError(t, err)
	require.Equal(t, 2, total)

	assert.True(t, txs[0].Snapshot.NonCashable.Equal(dec("100")))
	assert.True(t, txs[1].Snapshot.NonCashable.Equal(dec("150")))
	assert.Greater(t, txs[1].ID, txs[0].ID, "ids are monotonic in commit order")
}

func TestApplyDelta_InsufficientBalance_NoSideEffects(t *testing.T) {
	// GIVEN: A user holding 100 points
	// WHEN: Deducting 150 with negatives disallowed
	// THEN: The mutation is rejected and nothing is written

	w, mem := newTestWriter()
	ctx := context.Background()

	_, err := w.ApplyDelta(ctx, earnInput("user-1", "100"))
	require.NoError(t, err)

	_, err = w.ApplyDelta(ctx, ledger.ApplyInput{
		UserID:       "user-1",
		Denomination: ledger.NonCashable,
		Delta:        dec("-150"),
		Kind:         ledger.KindDeduct,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	var insErr *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &insErr)
	assert.True(t, insErr.Available.Equal(dec("100")))
	assert.True(t, insErr.Requested.Equal(dec("150")))

	bal, err := mem.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, bal.NonCashable.Equal(dec("100")), "balance unchanged after rejection")

	_, total, err := mem.Transactions(ctx, "user-1", ledger.HistoryFilter{}, ledger.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, total, "no transaction appended for the rejected deduction")
}

func TestApplyDelta_AllowNegative(t *testing.T) {
	// GIVEN: The negative-balance setting enabled
	// WHEN: Deducting more than the user holds
	// THEN: The balance goes below zero

	w, _ := newTestWriter()
	ctx := context.Background()

	entry, err := w.ApplyDelta(ctx, ledger.ApplyInput{
		UserID:        "user-1",
		Denomination:  ledger.NonCashable,
		Delta:         dec("-25"),
		Kind:          ledger.KindDeduct,
		AllowNegative: true,
	})
	require.NoError(t, err)
	assert.True(t, entry.Balance.NonCashable.Equal(dec("-25")))
}

func TestApplyDelta_ZeroDeltaRejected(t *testing.T) {
	w, _ := newTestWriter()

	_, err := w.ApplyDelta(context.Background(), ledger.ApplyInput{
		UserID:       "user-1",
		Denomination: ledger.NonCashable,
		Delta:        decimal.Zero,
		Kind:         ledger.KindEarn,
	})
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

func TestApplyDelta_UnknownDenominationRejected(t *testing.T) {
	w, _ := newTestWriter()

	_, err := w.ApplyDelta(context.Background(), ledger.ApplyInput{
		UserID:       "user-1",
		Denomination: "doubloons",
		Delta:        dec("10"),
		Kind:         ledger.KindEarn,
	})
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

func TestApplyDelta_MissingUserRejected(t *testing.T) {
	w, _ := newTestWriter()

	_, err := w.ApplyDelta(context.Background(), earnInput("", "10"))
	assert.ErrorIs(t, err, ledger.ErrUserNotFound)
}

// =============================================================================
// CONCURRENCY TESTS
// =============================================================================

func TestApplyDelta_ConcurrentEarns_NoLostUpdate(t *testing.T) {
	// GIVEN: Two earns for the same user racing from a zero balance
	// WHEN: Both commit
	// THEN: The final balance is the sum of both deltas

	w, mem := newTestWriter()
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, amount := range []string{"50", "30"} {
		wg.Add(1)
		go func(amount string) {
			defer wg.Done()
			_, err := w.ApplyDelta(ctx, earnInput("user-1", amount))
			assert.NoError(t, err)
		}(amount)
	}
	wg.Wait()

	bal, err := mem.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, bal.NonCashable.Equal(dec("80")), "got %s", bal.NonCashable)
}

func TestApplyDelta_ManyConcurrentWriters(t *testing.T) {
	// GIVEN: 20 goroutines each earning 1 point for the same user
	// WHEN: All complete
	// THEN: The balance is exactly 20 and the stream has 20 entries

	w, mem := newTestWriter()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := w.ApplyDelta(ctx, earnInput("user-1", "1"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	bal, err := mem.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, bal.NonCashable.Equal(dec("20")))

	_, total, err := mem.Transactions(ctx, "user-1", ledger.HistoryFilter{}, ledger.Page{})
	require.NoError(t, err)
	assert.Equal(t, 20, total)
}
