package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartrx/reward-engine/badge"
	"github.com/smartrx/reward-engine/catalog"
	"github.com/smartrx/reward-engine/ledger"
	"github.com/smartrx/reward-engine/reward"
	"github.com/smartrx/reward-engine/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// earn appends one earn transaction through the atomic unit.
func earn(t *testing.T, store *sqlite.Store, userID ledger.UserID, amount string) ledger.UpdateResult {
	t.Helper()
	res, err := store.Update(context.Background(), userID, func(current ledger.Balance) (ledger.Mutation, error) {
		next := current.Add(ledger.NonCashable, dec(amount))
		return ledger.Mutation{
			Balance: next,
			Transactions: []ledger.Transaction{{
				UserID:       userID,
				Kind:         ledger.KindEarn,
				Denomination: ledger.NonCashable,
				RuleCode:     "UPLOAD_RX",
				Delta:        dec(amount),
				Snapshot:     next.Snapshot(),
			}},
		}, nil
	})
	require.NoError(t, err)
	return res
}

// =============================================================================
// BALANCE TESTS
// =============================================================================

func TestBalance_LazyZeroRow(t *testing.T) {
	// GIVEN: A user with no prior activity
	// WHEN: Reading their balance
	// THEN: A zero row is created and returned

	store := newTestStore(t)
	ctx := context.Background()

	bal, err := store.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.UserID("user-1"), bal.UserID)
	assert.True(t, bal.NonCashable.IsZero())
	assert.True(t, bal.Cashable.IsZero())
	assert.True(t, bal.Money.IsZero())

	// Reading again returns the same row, not an error
	again, err := store.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, again.NonCashable.IsZero())
}

func TestUpdate_CommitsBalanceAndTransactionTogether(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	res := earn(t, store, "user-1", "1000")
	require.Len(t, res.TransactionIDs, 1)
	assert.NotZero(t, res.TransactionIDs[0])
	assert.True(t, res.Balance.NonCashable.Equal(dec("1000")))

	bal, err := store.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, bal.NonCashable.Equal(dec("1000")))

	txs, total, err := store.Transactions(ctx, "user-1", ledger.HistoryFilter{}, ledger.Page{})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, "UPLOAD_RX", txs[0].RuleCode)
	assert.True(t, txs[0].Snapshot.NonCashable.Equal(dec("1000")))
}

func TestUpdate_FailedFuncLeavesNothingBehind(t *testing.T) {
	// GIVEN: An Update whose mutation func rejects
	// WHEN: Inspecting state afterwards
	// THEN: Neither the balance nor the stream changed

	store := newTestStore(t)
	ctx := context.Background()

	earn(t, store, "user-1", "100")

	_, err := store.Update(ctx, "user-1", func(current ledger.Balance) (ledger.Mutation, error) {
		return ledger.Mutation{}, &ledger.InsufficientBalanceError{
			UserID:       "user-1",
			Denomination: ledger.NonCashable,
			Available:    current.NonCashable,
			Requested:    dec("500"),
		}
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	bal, err := store.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, bal.NonCashable.Equal(dec("100")))

	_, total, err := store.Transactions(ctx, "user-1", ledger.HistoryFilter{}, ledger.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestUpdate_DecimalPrecisionRoundTrip(t *testing.T) {
	// Amounts that are classic float troublemakers must survive storage
	// exactly.

	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Update(ctx, "user-1", func(current ledger.Balance) (ledger.Mutation, error) {
		next := current.Add(ledger.Money, dec("0.1")).Add(ledger.Money, dec("0.2"))
		return ledger.Mutation{
			Balance: next,
			Transactions: []ledger.Transaction{{
				UserID:       "user-1",
				Kind:         ledger.KindAdjust,
				Denomination: ledger.Money,
				Delta:        dec("0.3"),
				Snapshot:     next.Snapshot(),
			}},
		}, nil
	})
	require.NoError(t, err)

	bal, err := store.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, bal.Money.Equal(dec("0.3")), "got %s", bal.Money)
}

func TestUpdate_ConversionLinksLegs(t *testing.T) {
	// GIVEN: A mutation carrying a conversion record and two convert legs
	// WHEN: Committed
	// THEN: Both legs carry the assigned conversion id

	store := newTestStore(t)
	ctx := context.Background()

	earn(t, store, "user-1", "1000")

	res, err := store.Update(ctx, "user-1", func(current ledger.Balance) (ledger.Mutation, error) {
		next := current.Add(ledger.NonCashable, dec("-400")).Add(ledger.Cashable, dec("400"))
		snap := next.Snapshot()
		return ledger.Mutation{
			Balance: next,
			Transactions: []ledger.Transaction{
				{UserID: "user-1", Kind: ledger.KindConvert, Denomination: ledger.NonCashable, Delta: dec("-400"), IsDeduct: true, Snapshot: snap},
				{UserID: "user-1", Kind: ledger.KindConvert, Denomination: ledger.Cashable, Delta: dec("400"), Snapshot: snap},
			},
			Conversion: &ledger.Conversion{
				UserID: "user-1", From: ledger.NonCashable, To: ledger.Cashable,
				Amount: dec("400"), Rate: dec("1"), Converted: dec("400"),
			},
		}, nil
	})
	require.NoError(t, err)
	require.NotZero(t, res.ConversionID)

	txs, _, err := store.Transactions(ctx, "user-1", ledger.HistoryFilter{}, ledger.Page{})
	require.NoError(t, err)
	for _, tx := range txs {
		if tx.Kind == ledger.KindConvert {
			assert.Equal(t, res.ConversionID, tx.ConversionID)
		}
	}

	convs, err := store.Conversions(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, res.ConversionID, convs[0].ID)
	assert.True(t, convs[0].Rate.Equal(dec("1")))
}

// =============================================================================
// QUERY TESTS
// =============================================================================

func TestTransactions_FilterAndPage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		earn(t, store, "user-1", "10")
	}
	_, err := store.Update(ctx, "user-1", func(current ledger.Balance) (ledger.Mutation, error) {
		next := current.Add(ledger.NonCashable, dec("-5"))
		return ledger.Mutation{
			Balance: next,
			Transactions: []ledger.Transaction{{
				UserID: "user-1", Kind: ledger.KindDeduct, Denomination: ledger.NonCashable,
				Delta: dec("-5"), IsDeduct: true, Snapshot: next.Snapshot(),
			}},
		}, nil
	})
	require.NoError(t, err)

	// Earned only
	txs, total, err := store.Transactions(ctx, "user-1", ledger.HistoryFilter{Kind: ledger.HistoryEarned}, ledger.Page{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, txs, 3)

	// Consumed only
	_, total, err = store.Transactions(ctx, "user-1", ledger.HistoryFilter{Kind: ledger.HistoryConsumed}, ledger.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	// Page 2 of size 2, newest first
	txs, total, err = store.Transactions(ctx, "user-1", ledger.HistoryFilter{}, ledger.Page{Number: 2, Size: 2, SortDesc: true})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Len(t, txs, 2)

	// Other users never leak in
	_, total, err = store.Transactions(ctx, "user-2", ledger.HistoryFilter{}, ledger.Page{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestTransactions_DateRange(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	earn(t, store, "user-1", "10")

	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)

	_, total, err := store.Transactions(ctx, "user-1", ledger.HistoryFilter{From: &past, To: &future}, ledger.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	_, total, err = store.Transactions(ctx, "user-1", ledger.HistoryFilter{To: &past}, ledger.Page{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestTransactions_DateRangeBoundarySecond(t *testing.T) {
	// GIVEN: A transaction committed at a sub-second instant
	// WHEN: Filtering from the enclosing whole second
	// THEN: The transaction is inside the range on both boundaries

	store := newTestStore(t)
	ctx := context.Background()

	earn(t, store, "user-1", "10")

	txs, _, err := store.Transactions(ctx, "user-1", ledger.HistoryFilter{}, ledger.Page{})
	require.NoError(t, err)
	require.Len(t, txs, 1)

	from := txs[0].CreatedAt.Truncate(time.Second)
	to := from.Add(time.Second)

	_, total, err := store.Transactions(ctx, "user-1", ledger.HistoryFilter{From: &from}, ledger.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, total, "whole-second From must not exclude later fractions of that second")

	_, total, err = store.Transactions(ctx, "user-1", ledger.HistoryFilter{From: &from, To: &to}, ledger.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestTotals_ExcludesConversionLegs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	earn(t, store, "user-1", "1000")

	_, err := store.Update(ctx, "user-1", func(current ledger.Balance) (ledger.Mutation, error) {
		next := current.Add(ledger.NonCashable, dec("-400")).Add(ledger.Cashable, dec("400"))
		snap := next.Snapshot()
		return ledger.Mutation{
			Balance: next,
			Transactions: []ledger.Transaction{
				{UserID: "user-1", Kind: ledger.KindConvert, Denomination: ledger.NonCashable, Delta: dec("-400"), IsDeduct: true, Snapshot: snap},
				{UserID: "user-1", Kind: ledger.KindConvert, Denomination: ledger.Cashable, Delta: dec("400"), Snapshot: snap},
			},
			Conversion: &ledger.Conversion{UserID: "user-1", From: ledger.NonCashable, To: ledger.Cashable, Amount: dec("400"), Rate: dec("1"), Converted: dec("400")},
		}, nil
	})
	require.NoError(t, err)

	totals, err := store.Totals(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, totals.LifetimeEarned.Equal(dec("1000")), "got %s", totals.LifetimeEarned)
	assert.True(t, totals.LifetimeConsumed.IsZero())
	assert.Equal(t, 1, totals.ActivityCount)
}

func TestSumDeltas_ReproducesBalance(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	earn(t, store, "user-1", "1000")
	earn(t, store, "user-1", "250")

	snap, err := store.SumDeltas(ctx, "user-1")
	require.NoError(t, err)

	bal, err := store.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, snap.Equal(bal.Snapshot()))
}

// =============================================================================
// RULE TESTS
// =============================================================================

func TestRules_SaveResolveDeactivate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rule := catalog.Rule{
		Code:    "UPLOAD_RX",
		Name:    "Upload prescription",
		Points:  dec("1000"),
		Active:  true,
		Visible: true,
	}
	require.NoError(t, store.SaveRule(ctx, rule))

	got, err := store.Rule(ctx, "UPLOAD_RX")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Points.Equal(dec("1000")))
	assert.True(t, got.Active)

	// Upsert changes the amount, not the identity
	rule.Points = dec("1500")
	require.NoError(t, store.SaveRule(ctx, rule))
	got, err = store.Rule(ctx, "UPLOAD_RX")
	require.NoError(t, err)
	assert.True(t, got.Points.Equal(dec("1500")))

	// Deactivation keeps the row
	require.NoError(t, store.DeactivateRule(ctx, "UPLOAD_RX"))
	got, err = store.Rule(ctx, "UPLOAD_RX")
	require.NoError(t, err)
	require.NotNil(t, got, "deactivated rules must remain resolvable")
	assert.False(t, got.Active)
}

func TestRules_UnknownCode(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	got, err := store.Rule(ctx, "NOPE")
	require.NoError(t, err)
	assert.Nil(t, got)

	err = store.DeactivateRule(ctx, "NOPE")
	assert.ErrorIs(t, err, catalog.ErrRuleNotFound)
}

// =============================================================================
// BADGE TESTS
// =============================================================================

func TestBadges_SaveAndListByRank(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	bonus := dec("50")
	require.NoError(t, store.SaveBadge(ctx, catalog.Badge{
		ID: "silver", Name: "Silver", Rank: 2,
		RequiredPoints: catalog.RequirePoints(500),
		BonusPoints:    &bonus,
	}))
	require.NoError(t, store.SaveBadge(ctx, catalog.Badge{
		ID: "bronze", Name: "Bronze", Rank: 1,
		RequiredPoints:     catalog.RequirePoints(100),
		RequiredActivities: catalog.RequireActivities(2),
	}))

	badges, err := store.Badges(ctx)
	require.NoError(t, err)
	require.Len(t, badges, 2)
	assert.Equal(t, "bronze", badges[0].ID, "listing must be rank ascending")
	assert.Equal(t, "silver", badges[1].ID)
	require.NotNil(t, badges[0].RequiredActivities)
	assert.Equal(t, 2, *badges[0].RequiredActivities)
	assert.Nil(t, badges[0].BonusPoints)
	require.NotNil(t, badges[1].BonusPoints)
	assert.True(t, badges[1].BonusPoints.Equal(dec("50")))
}

func TestBadges_DuplicateRankRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveBadge(ctx, catalog.Badge{ID: "a", Name: "A", Rank: 1}))

	err := store.SaveBadge(ctx, catalog.Badge{ID: "b", Name: "B", Rank: 1})
	assert.ErrorIs(t, err, catalog.ErrDuplicateRank)
}

func TestBadges_ZeroRankRejected(t *testing.T) {
	store := newTestStore(t)

	err := store.SaveBadge(context.Background(), catalog.Badge{ID: "a", Name: "A", Rank: 0})
	assert.ErrorIs(t, err, catalog.ErrMissingRank)
}

// =============================================================================
// AWARD TESTS
// =============================================================================

func TestAwards_AppendAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := badge.Award{ID: "award-1", UserID: "user-1", BadgeID: "bronze", EarnedAt: time.Now().UTC()}
	require.NoError(t, store.Append(ctx, a))

	awards, err := store.Awards(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, awards, 1)
	assert.Equal(t, "bronze", awards[0].BadgeID)

	other, err := store.Awards(ctx, "user-2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestAwards_DuplicateBadgeRejected(t *testing.T) {
	// GIVEN: A user already holding a badge
	// WHEN: A second award for the same badge is appended
	// THEN: The append loses and the stream keeps one record

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, badge.Award{
		ID: "award-1", UserID: "user-1", BadgeID: "bronze", EarnedAt: time.Now().UTC(),
	}))

	err := store.Append(ctx, badge.Award{
		ID: "award-2", UserID: "user-1", BadgeID: "bronze", EarnedAt: time.Now().UTC(),
	})
	assert.ErrorIs(t, err, badge.ErrDuplicateAward)

	awards, err := store.Awards(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, awards, 1)

	// A different user may hold the same badge
	require.NoError(t, store.Append(ctx, badge.Award{
		ID: "award-3", UserID: "user-2", BadgeID: "bronze", EarnedAt: time.Now().UTC(),
	}))
}

// =============================================================================
// SETTINGS TESTS
// =============================================================================

func TestSettings_DefaultsWhenUnset(t *testing.T) {
	store := newTestStore(t)

	settings, err := store.Settings(context.Background())
	require.NoError(t, err)
	assert.False(t, settings.AllowNegativeBalance)
	assert.Empty(t, settings.PromotionBadgeType)
}

func TestSettings_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	want := reward.Settings{AllowNegativeBalance: true, PromotionBadgeType: "loyalty"}
	require.NoError(t, store.SaveSettings(ctx, want))

	got, err := store.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// Upsert flips the flag back
	want.AllowNegativeBalance = false
	require.NoError(t, store.SaveSettings(ctx, want))
	got, err = store.Settings(ctx)
	require.NoError(t, err)
	assert.False(t, got.AllowNegativeBalance)
}
