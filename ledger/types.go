/*
Package ledger provides the core reward point engine.

PURPOSE:
  This package owns per-user point balances and the append-only transaction
  streams they are derived from. Every earn, deduction, manual adjustment,
  and denomination conversion flows through here. The balance row is a
  materialization of the ledger: at any time it must equal the sum of all
  committed deltas for that user and denomination.

KEY CONCEPTS IN THIS FILE (types.go):
  - Denomination: One of the three buckets a user holds (non-cashable points,
    cashable points, cashed money)
  - Balance: The per-user row holding all three buckets
  - Snapshot: The three buckets frozen at the moment a transaction committed
  - Transaction: An immutable ledger entry recording a single balance change
  - Conversion: An immutable record of a denomination-to-denomination exchange

DESIGN PRINCIPLES:
  1. Immutability: Transactions and conversions are never modified
  2. Precision: Uses decimal.Decimal to avoid floating-point drift
  3. Closed types: Denominations are an enumerated set, not free-form strings
  4. Auditability: Every transaction carries the resulting snapshot, the rule
     it was created under, and the actor who caused it

SEE ALSO:
  - writer.go: The only component allowed to mutate balances
  - convert.go: Denomination exchange on top of the writer's atomic unit
  - store.go: Persistence interfaces
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// DENOMINATION - Closed set of balance buckets
// =============================================================================

type Denomination string

const (
	// NonCashable points are earned through platform activity and can only
	// be converted, never cashed out directly.
	NonCashable Denomination = "non_cashable"

	// Cashable points are eligible for conversion to money.
	Cashable Denomination = "cashable"

	// Money is the terminal bucket. It is never a conversion source unless
	// a rate is explicitly configured for it.
	Money Denomination = "money"
)

// Denominations lists all buckets in display order.
func Denominations() []Denomination {
	return []Denomination{NonCashable, Cashable, Money}
}

// Valid reports whether d is one of the known denominations.
func (d Denomination) Valid() bool {
	switch d {
	case NonCashable, Cashable, Money:
		return true
	}
	return false
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string

// TransactionID and ConversionID are assigned by the store on append
// (auto-incrementing, monotonic per stream).
type TransactionID int64
type ConversionID int64

// =============================================================================
// BALANCE - One row per user, mutated only by the Writer
// =============================================================================

type Balance struct {
	UserID      UserID
	NonCashable decimal.Decimal
	Cashable    decimal.Decimal
	Money       decimal.Decimal
	UpdatedAt   time.Time
}

// ZeroBalance returns the lazily-created initial row for a user.
func ZeroBalance(userID UserID) Balance {
	return Balance{UserID: userID}
}

// Get returns the amount held in the given denomination.
func (b Balance) Get(d Denomination) decimal.Decimal {
	switch d {
	case NonCashable:
		return b.NonCashable
	case Cashable:
		return b.Cashable
	case Money:
		return b.Money
	}
	return decimal.Zero
}

// Add returns a copy of the balance with delta applied to the given
// denomination. Delta may be negative.
func (b Balance) Add(d Denomination, delta decimal.Decimal) Balance {
	switch d {
	case NonCashable:
		b.NonCashable = b.NonCashable.Add(delta)
	case Cashable:
		b.Cashable = b.Cashable.Add(delta)
	case Money:
		b.Money = b.Money.Add(delta)
	}
	return b
}

// Snapshot freezes the three buckets for storage on a transaction.
func (b Balance) Snapshot() Snapshot {
	return Snapshot{
		NonCashable: b.NonCashable,
		Cashable:    b.Cashable,
		Money:       b.Money,
	}
}

// Snapshot is the balance state recorded at the moment a transaction
// committed. Snapshot N is the starting point for transaction N+1.
type Snapshot struct {
	NonCashable decimal.Decimal
	Cashable    decimal.Decimal
	Money       decimal.Decimal
}

// Get returns the snapshotted amount for a denomination.
func (s Snapshot) Get(d Denomination) decimal.Decimal {
	switch d {
	case NonCashable:
		return s.NonCashable
	case Cashable:
		return s.Cashable
	case Money:
		return s.Money
	}
	return decimal.Zero
}

// Equal reports whether two snapshots hold identical amounts.
func (s Snapshot) Equal(other Snapshot) bool {
	return s.NonCashable.Equal(other.NonCashable) &&
		s.Cashable.Equal(other.Cashable) &&
		s.Money.Equal(other.Money)
}

// =============================================================================
// TRANSACTION - Atomic change to a single denomination
// =============================================================================

type EventKind string

const (
	KindEarn    EventKind = "earn"    // Activity reward (rule-driven)
	KindDeduct  EventKind = "deduct"  // Activity deduction (rule-driven)
	KindAdjust  EventKind = "adjust"  // Manual admin correction
	KindConvert EventKind = "convert" // Leg of a denomination exchange
	KindBadge   EventKind = "badge"   // Bonus granted on badge promotion
)

// Context carries opaque correlation ids from the calling workflow. The
// ledger stores them on the transaction and never interprets them.
type Context struct {
	PrescriptionID string
	PatientID      string
	SourceID       string
}

// Transaction is an immutable audit record. Conversions write two of these
// (a debit leg and a credit leg) linked by ConversionID, so the sum of
// transaction deltas per denomination always reproduces the balance row.
type Transaction struct {
	ID           TransactionID
	UserID       UserID
	Kind         EventKind
	Denomination Denomination
	RuleCode     string       // Rule the amount was resolved from, if any
	BadgeID      string       // Badge that triggered the change, if any
	ConversionID ConversionID // Linking id for convert legs, 0 otherwise
	Delta        decimal.Decimal
	IsDeduct     bool
	Snapshot     Snapshot
	Context      Context
	Remarks      string
	ActorID      string
	CreatedAt    time.Time
}

// =============================================================================
// CONVERSION - Denomination-to-denomination exchange record
// =============================================================================

// Conversion records an exchange between two denominations. The rate is
// captured at conversion time; historical rates never change retroactively.
// Invariant: Converted == Amount.Mul(Rate).Round(2).
type Conversion struct {
	ID        ConversionID
	UserID    UserID
	From      Denomination
	To        Denomination
	Amount    decimal.Decimal
	Rate      decimal.Decimal
	Converted decimal.Decimal
	CreatedAt time.Time
}

// =============================================================================
// DERIVED TOTALS - Read-only aggregates over the transaction stream
// =============================================================================

// Totals are lifetime aggregates used for summaries and badge promotion.
// Conversion legs are excluded from all three: they move points between
// buckets without earning or consuming anything.
type Totals struct {
	LifetimeEarned   decimal.Decimal // Sum of positive non-convert deltas
	LifetimeConsumed decimal.Decimal // Absolute sum of negative non-convert deltas
	ActivityCount    int             // Number of earn transactions
}
