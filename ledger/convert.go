/*
convert.go - Denomination exchange engine

PURPOSE:
  Moves an amount from one denomination to another at a configured rate.
  Both balance changes, the conversion record, and the two audit
  transactions commit as one atomic unit: a crash between the decrement
  and the increment is never observable.

RATE TABLE:
  Conversion validity is an explicit allowed-pairs table, not an
  assumption. Money is terminal by default: no pair with Money as the
  source exists unless an operator configures one. The rate used is
  captured on the conversion record and never changes retroactively.

AUDIT SYMMETRY:
  A conversion writes two transaction legs (debit on the source, credit
  on the destination) tagged KindConvert and linked to the conversion
  record. Summing transaction deltas per denomination therefore
  reconstructs the balance row without consulting the conversion stream.

TOCTOU:
  The source balance is checked inside the atomic unit, against the row
  the commit will replace, never from an earlier read.

SEE ALSO:
  - writer.go: Shares the per-user guard
  - store.go: Mutation contract (conversion id linking)
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RATE TABLE - Explicit allowed-pairs configuration
// =============================================================================

// RateProvider supplies the active rate for a denomination pair.
// A (pair, false) result means the pair is not convertible.
type RateProvider interface {
	Rate(from, to Denomination) (decimal.Decimal, bool)
}

type ratePair struct {
	from Denomination
	to   Denomination
}

// RateTable is a static RateProvider.
type RateTable struct {
	rates map[ratePair]decimal.Decimal
}

func NewRateTable() *RateTable {
	return &RateTable{rates: make(map[ratePair]decimal.Decimal)}
}

// Set configures (or replaces) the rate for a pair.
func (t *RateTable) Set(from, to Denomination, rate decimal.Decimal) *RateTable {
	t.rates[ratePair{from, to}] = rate
	return t
}

func (t *RateTable) Rate(from, to Denomination) (decimal.Decimal, bool) {
	rate, ok := t.rates[ratePair{from, to}]
	return rate, ok
}

// DefaultRates returns the standard table: non-cashable points convert
// to cashable 1:1, cashable points cash out to money at 0.13. Money has
// no outbound pairs.
func DefaultRates() *RateTable {
	return NewRateTable().
		Set(NonCashable, Cashable, decimal.NewFromInt(1)).
		Set(Cashable, Money, decimal.RequireFromString("0.13"))
}

// =============================================================================
// CONVERTER
// =============================================================================

// Converter exchanges amounts between denominations. It shares the
// Writer's guard so conversions serialize with every other mutation for
// the same user.
type Converter struct {
	store Store
	guard *Guard

	LockWait   time.Duration
	MaxRetries int
}

func NewConverter(store Store, guard *Guard) *Converter {
	return &Converter{
		store:      store,
		guard:      guard,
		LockWait:   DefaultLockWait,
		MaxRetries: DefaultMaxRetries,
	}
}

// ConvertInput describes one exchange request.
type ConvertInput struct {
	UserID  UserID
	From    Denomination
	To      Denomination
	Amount  decimal.Decimal
	Rates   RateProvider
	ActorID string
	Remarks string
}

// ConvertResult reports the committed exchange.
type ConvertResult struct {
	ConversionID ConversionID
	Rate         decimal.Decimal
	Converted    decimal.Decimal
	Balance      Snapshot
}

// Convert moves Amount from one denomination to another at the active
// rate. The destination is credited round(amount*rate, 2).
func (c *Converter) Convert(ctx context.Context, in ConvertInput) (*ConvertResult, error) {
	if err := validateConvert(in); err != nil {
		return nil, err
	}

	rate, ok := in.Rates.Rate(in.From, in.To)
	if !ok {
		return nil, &UnsupportedConversionError{From: in.From, To: in.To}
	}
	converted := in.Amount.Mul(rate).Round(2)

	release, err := c.acquire(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	defer release()

	result, err := c.store.Update(ctx, in.UserID, func(current Balance) (Mutation, error) {
		if current.Get(in.From).LessThan(in.Amount) {
			return Mutation{}, &InsufficientBalanceError{
				UserID:       in.UserID,
				Denomination: in.From,
				Available:    current.Get(in.From),
				Requested:    in.Amount,
			}
		}

		next := current.Add(in.From, in.Amount.Neg()).Add(in.To, converted)
		snap := next.Snapshot()

		conv := &Conversion{
			UserID:    in.UserID,
			From:      in.From,
			To:        in.To,
			Amount:    in.Amount,
			Rate:      rate,
			Converted: converted,
		}

		debit := Transaction{
			UserID:       in.UserID,
			Kind:         KindConvert,
			Denomination: in.From,
			Delta:        in.Amount.Neg(),
			IsDeduct:     true,
			Snapshot:     snap,
			Remarks:      in.Remarks,
			ActorID:      in.ActorID,
		}
		credit := Transaction{
			UserID:       in.UserID,
			Kind:         KindConvert,
			Denomination: in.To,
			Delta:        converted,
			Snapshot:     snap,
			Remarks:      in.Remarks,
			ActorID:      in.ActorID,
		}

		return Mutation{
			Balance:      next,
			Transactions: []Transaction{debit, credit},
			Conversion:   conv,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	return &ConvertResult{
		ConversionID: result.ConversionID,
		Rate:         rate,
		Converted:    converted,
		Balance:      result.Balance.Snapshot(),
	}, nil
}

func validateConvert(in ConvertInput) error {
	if in.UserID == "" {
		return ErrUserNotFound
	}
	if !in.From.Valid() || !in.To.Valid() {
		return ErrInvalidAmount
	}
	if in.From == in.To {
		return ErrSameDenomination
	}
	if !in.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if in.Rates == nil {
		return &UnsupportedConversionError{From: in.From, To: in.To}
	}
	return nil
}

func (c *Converter) acquire(ctx context.Context, userID UserID) (func(), error) {
	w := Writer{guard: c.guard, LockWait: c.LockWait, MaxRetries: c.MaxRetries}
	return w.acquire(ctx, userID)
}
