/*
store.go - Persistence interfaces for balances and the transaction streams

PURPOSE:
  Defines the interface between the engine and the database. The Store
  carries the atomicity guarantee: a balance update and the transaction(s)
  recording it are persisted as one unit or not at all.

APPEND-ONLY CONTRACT:
  Transactions and conversions have no Update or Delete operations.
  The only mutable row is the per-user balance, and only Update may
  touch it.

ATOMIC UNIT:
  Update(userID, fn) loads the user's current balance (lazily creating a
  zero row), calls fn to produce the mutation, and commits the new balance
  together with the appended records. If fn returns an error nothing is
  persisted. No reader may observe a transaction whose snapshot disagrees
  with the balance row, or a balance change without its transaction.

IMPLEMENTATIONS:
  - store/sqlite: Production SQLite (WAL mode)
  - ledger/store:  In-memory for tests

SEE ALSO:
  - writer.go: Builds mutations for single-denomination deltas
  - convert.go: Builds two-legged conversion mutations
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// MUTATION - What one atomic unit persists
// =============================================================================

// Mutation is the output of an Update callback: the new balance row plus
// the records appended alongside it. Transactions must carry the snapshot
// of the new balance. When Conversion is set, the store assigns its id to
// every transaction with Kind==KindConvert before inserting them.
type Mutation struct {
	Balance      Balance
	Transactions []Transaction
	Conversion   *Conversion
}

// UpdateFunc inspects the current balance and returns the mutation to
// commit. Returning an error aborts the unit with nothing persisted.
type UpdateFunc func(current Balance) (Mutation, error)

// UpdateResult reports what was committed: the persisted balance and the
// store-assigned ids, in the order the transactions were given.
type UpdateResult struct {
	Balance        Balance
	TransactionIDs []TransactionID
	ConversionID   ConversionID
}

// =============================================================================
// STORE - Persistence interface
// =============================================================================

// Store handles persistence of balances, transactions, and conversions.
// Transaction and conversion streams are APPEND-ONLY.
type Store interface {
	// Balance returns the user's balance row, lazily creating a
	// zero-initialized row on first access.
	Balance(ctx context.Context, userID UserID) (Balance, error)

	// Update runs fn against the user's current balance inside one atomic
	// unit and persists the returned mutation. Either the balance update
	// and every appended record become durable together, or none do.
	Update(ctx context.Context, userID UserID, fn UpdateFunc) (UpdateResult, error)

	// Transactions returns a page of the user's transaction stream plus
	// the total count matching the filter. Read-only.
	Transactions(ctx context.Context, userID UserID, filter HistoryFilter, page Page) ([]Transaction, int, error)

	// Conversions returns the user's conversion records, newest first.
	// Read-only.
	Conversions(ctx context.Context, userID UserID) ([]Conversion, error)

	// Totals returns lifetime aggregates over the user's stream.
	// Read-only.
	Totals(ctx context.Context, userID UserID) (Totals, error)

	// SumDeltas replays the transaction stream and returns the balance it
	// implies per denomination. Used by reconciliation audits.
	SumDeltas(ctx context.Context, userID UserID) (Snapshot, error)
}

// =============================================================================
// HISTORY FILTERING AND PAGING
// =============================================================================

type HistoryKind string

const (
	HistoryAll      HistoryKind = "all"
	HistoryEarned   HistoryKind = "earned"   // Positive deltas only
	HistoryConsumed HistoryKind = "consumed" // Negative deltas only
)

type HistoryFilter struct {
	Kind HistoryKind
	From *time.Time
	To   *time.Time
}

// Page is 1-based. Zero values fall back to the first page of a sane size.
type Page struct {
	Number   int
	Size     int
	SortDesc bool
}

const defaultPageSize = 20

// Normalize fills defaults for zero values.
func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size < 1 {
		p.Size = defaultPageSize
	}
	return p
}

// Offset returns the number of rows to skip.
func (p Page) Offset() int {
	return (p.Number - 1) * p.Size
}
