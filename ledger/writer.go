/*
writer.go - The sole authority for balance mutation

PURPOSE:
  ApplyDelta is the one path through which a user's balance changes.
  It serializes against other mutations for the same user, validates the
  delta against the negative-balance policy, and commits the balance
  update together with its audit transaction as one atomic unit.

GUARANTEES:
  - The balance row and the appended transaction are durable together
    or not at all
  - Transactions for one user are totally ordered by commit order; the
    snapshot on transaction N is the starting point for N+1
  - A rejected mutation (invalid amount, insufficient balance) has no
    side effects

CONTENTION:
  The per-user guard is acquired with a bounded wait. On timeout the
  writer retries internally a bounded number of times before surfacing
  ErrContention to the caller as a transient failure.

CANCELLATION:
  ctx is honored while waiting for the guard. Once the atomic unit has
  begun, the mutation runs to completion or fails cleanly; a cancelled
  context can never leave a balance change without its transaction.

SEE ALSO:
  - convert.go: Two-denomination mutations built on the same guard
  - store.go: The atomic unit contract
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// WRITER CONFIGURATION
// =============================================================================

const (
	// DefaultLockWait bounds how long one mutation waits behind another
	// in-flight mutation for the same user.
	DefaultLockWait = 2 * time.Second

	// DefaultMaxRetries bounds internal retries on guard contention
	// before ErrContention reaches the caller.
	DefaultMaxRetries = 3

	retryBackoff = 25 * time.Millisecond
)

// Writer mutates balances and appends the corresponding transactions.
// Construct with NewWriter; the zero value has no guard.
type Writer struct {
	store Store
	guard *Guard

	LockWait   time.Duration
	MaxRetries int
}

// NewWriter creates a writer. The guard must be shared with every other
// component that mutates balances (see Converter) so that all mutations
// for one user serialize on the same slot.
func NewWriter(store Store, guard *Guard) *Writer {
	return &Writer{
		store:      store,
		guard:      guard,
		LockWait:   DefaultLockWait,
		MaxRetries: DefaultMaxRetries,
	}
}

// =============================================================================
// APPLY DELTA - Single-denomination balance change
// =============================================================================

// ApplyInput describes one balance change. Delta is signed: positive
// earns, negative deducts.
type ApplyInput struct {
	UserID       UserID
	Denomination Denomination
	Delta        decimal.Decimal
	Kind         EventKind
	RuleCode     string
	BadgeID      string
	Context      Context
	Remarks      string
	ActorID      string

	// AllowNegative mirrors the process-wide setting, injected per call
	// so both policies are testable deterministically.
	AllowNegative bool
}

// Entry is the result of a committed mutation.
type Entry struct {
	TransactionID TransactionID
	Balance       Snapshot
}

// ApplyDelta applies a signed delta to one denomination of the user's
// balance and appends the audit transaction, atomically.
func (w *Writer) ApplyDelta(ctx context.Context, in ApplyInput) (*Entry, error) {
	if err := validateApply(in); err != nil {
		return nil, err
	}

	release, err := w.acquire(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	defer release()

	result, err := w.store.Update(ctx, in.UserID, func(current Balance) (Mutation, error) {
		next := current.Add(in.Denomination, in.Delta)

		if in.Delta.IsNegative() && !in.AllowNegative && next.Get(in.Denomination).IsNegative() {
			return Mutation{}, &InsufficientBalanceError{
				UserID:       in.UserID,
				Denomination: in.Denomination,
				Available:    current.Get(in.Denomination),
				Requested:    in.Delta.Neg(),
			}
		}

		tx := Transaction{
			UserID:       in.UserID,
			Kind:         in.Kind,
			Denomination: in.Denomination,
			RuleCode:     in.RuleCode,
			BadgeID:      in.BadgeID,
			Delta:        in.Delta,
			IsDeduct:     in.Delta.IsNegative(),
			Snapshot:     next.Snapshot(),
			Context:      in.Context,
			Remarks:      in.Remarks,
			ActorID:      in.ActorID,
		}

		return Mutation{Balance: next, Transactions: []Transaction{tx}}, nil
	})
	if err != nil {
		return nil, err
	}

	return &Entry{
		TransactionID: result.TransactionIDs[0],
		Balance:       result.Balance.Snapshot(),
	}, nil
}

func validateApply(in ApplyInput) error {
	if in.UserID == "" {
		return ErrUserNotFound
	}
	if !in.Denomination.Valid() {
		return ErrInvalidAmount
	}
	if in.Delta.IsZero() {
		return ErrInvalidAmount
	}
	if in.Kind == "" {
		return ErrInvalidAmount
	}
	return nil
}

// acquire takes the user's guard slot, retrying bounded contention.
func (w *Writer) acquire(ctx context.Context, userID UserID) (func(), error) {
	attempts := w.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		release, err := w.guard.Acquire(ctx, userID, w.LockWait)
		if err == nil {
			return release, nil
		}
		if !IsRetryable(err) {
			return nil, err
		}
		lastErr = err

		select {
		case <-time.After(retryBackoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}
