/*
queries.go - Read-only aggregation over the ledger

Summary, paginated history, and the reconciliation audit. None of these
take the per-user guard: reads never block writers, and display reads may
trail an in-flight mutation by a moment.
*/
package reward

import (
	"context"
	"errors"

	"github.com/smartrx/reward-engine/catalog"
	"github.com/smartrx/reward-engine/ledger"
)

// =============================================================================
// SUMMARY
// =============================================================================

// Summary is the user-facing rollup: current balances, lifetime totals,
// and the derived current badge.
type Summary struct {
	UserID  ledger.UserID
	Balance ledger.Snapshot
	Totals  ledger.Totals
	Badge   *catalog.Badge
}

// Summary computes the rollup without mutating anything.
func (s *Service) Summary(ctx context.Context, userID ledger.UserID) (*Summary, error) {
	bal, err := s.store.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	totals, err := s.store.Totals(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := &Summary{UserID: userID, Balance: bal.Snapshot(), Totals: totals}
	if s.evaluator != nil {
		badge, err := s.evaluator.Current(ctx, userID)
		if err != nil {
			// Badge lookup failing must not hide the balances.
			s.logger.Printf("current badge lookup failed for user %s: %v", userID, err)
		} else {
			out.Badge = badge
		}
	}
	return out, nil
}

// =============================================================================
// HISTORY
// =============================================================================

// HistoryPage is one page of the transaction stream.
type HistoryPage struct {
	Transactions []ledger.Transaction
	Total        int
	Page         ledger.Page
}

// History returns a filtered, paginated transaction listing.
func (s *Service) History(ctx context.Context, userID ledger.UserID, filter ledger.HistoryFilter, page ledger.Page) (*HistoryPage, error) {
	page = page.Normalize()
	txs, total, err := s.store.Transactions(ctx, userID, filter, page)
	if err != nil {
		return nil, err
	}
	return &HistoryPage{Transactions: txs, Total: total, Page: page}, nil
}

// Conversions returns the user's conversion records, newest first.
func (s *Service) Conversions(ctx context.Context, userID ledger.UserID) ([]ledger.Conversion, error) {
	return s.store.Conversions(ctx, userID)
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// ErrBalanceDrift is returned by Reconcile when the stored row disagrees
// with the replayed ledger. It should never happen; it exists so audits
// can prove that.
var ErrBalanceDrift = errors.New("balance does not match ledger replay")

// ReconcileReport compares the stored balance row with the balance
// implied by replaying every transaction delta.
type ReconcileReport struct {
	UserID   ledger.UserID
	Stored   ledger.Snapshot
	Replayed ledger.Snapshot
	Clean    bool
}

// Drift lists the denominations whose stored and replayed amounts
// disagree, in display order. Empty when the report is clean.
func (r *ReconcileReport) Drift() []ledger.Denomination {
	var drift []ledger.Denomination
	for _, d := range ledger.Denominations() {
		if !r.Stored.Get(d).Equal(r.Replayed.Get(d)) {
			drift = append(drift, d)
		}
	}
	return drift
}

// Reconcile rebuilds the user's balances from the ledger and reports any
// drift against the stored row. Read-only.
func (s *Service) Reconcile(ctx context.Context, userID ledger.UserID) (*ReconcileReport, error) {
	bal, err := s.store.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	replayed, err := s.store.SumDeltas(ctx, userID)
	if err != nil {
		return nil, err
	}

	report := &ReconcileReport{
		UserID:   userID,
		Stored:   bal.Snapshot(),
		Replayed: replayed,
		Clean:    bal.Snapshot().Equal(replayed),
	}
	if !report.Clean {
		return report, ErrBalanceDrift
	}
	return report, nil
}
