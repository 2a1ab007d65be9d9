/*
Package badge decides when a user graduates to a higher reward tier.

PURPOSE:
  After any balance-affecting write, the evaluator checks whether the
  user's lifetime totals newly satisfy a higher badge in the hierarchy
  and, if so, appends an award record.

MONOTONICITY:
  Badge rank never regresses. The "current" badge is never stored as a
  mutable pointer; it is derived as the highest rank among the user's
  earned badges, a pure function over immutable history. Spending points
  later cannot take an earned badge away.

BEST EFFORT:
  Promotion runs after the triggering balance mutation has committed.
  If evaluation fails, the mutation stands; promotion is retried on the
  next balance-affecting event. Badge lag is acceptable, balance
  corruption is not.
*/
package badge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smartrx/reward-engine/catalog"
	"github.com/smartrx/reward-engine/ledger"
)

// =============================================================================
// AWARD STORAGE
// =============================================================================

// Award is one earned-badge record. Append-only: corrections would be a
// separate administrative stream, never an edit here.
type Award struct {
	ID       string
	UserID   ledger.UserID
	BadgeID  string
	EarnedAt time.Time
}

// ErrDuplicateAward is returned by Append when the user already holds
// the badge. Evaluations for one user are not serialized, so two
// concurrent mutations can both decide to promote; the store is the
// arbiter of which append wins.
var ErrDuplicateAward = errors.New("badge already awarded")

type AwardStore interface {
	// Awards returns all badges the user has earned, any order.
	Awards(ctx context.Context, userID ledger.UserID) ([]Award, error)

	// Append records a new award. Returns ErrDuplicateAward when the
	// user already holds the badge.
	Append(ctx context.Context, award Award) error
}

// TotalsReader is the slice of the ledger store the evaluator needs.
type TotalsReader interface {
	Totals(ctx context.Context, userID ledger.UserID) (ledger.Totals, error)
}

// =============================================================================
// EVALUATOR
// =============================================================================

type Evaluator struct {
	Badges catalog.BadgeSource
	Awards AwardStore
	Totals TotalsReader
}

func NewEvaluator(badges catalog.BadgeSource, awards AwardStore, totals TotalsReader) *Evaluator {
	return &Evaluator{Badges: badges, Awards: awards, Totals: totals}
}

// Current returns the user's current badge: the highest rank among earned
// badges, or nil when none has been earned.
func (e *Evaluator) Current(ctx context.Context, userID ledger.UserID) (*catalog.Badge, error) {
	awards, err := e.Awards.Awards(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(awards) == 0 {
		return nil, nil
	}

	byID, err := e.badgeIndex(ctx)
	if err != nil {
		return nil, err
	}

	var current *catalog.Badge
	for _, a := range awards {
		b, ok := byID[a.BadgeID]
		if !ok {
			continue // Badge removed from catalog; the award record remains
		}
		if current == nil || b.Rank > current.Rank {
			bc := b
			current = &bc
		}
	}
	return current, nil
}

// Evaluate promotes the user if a strictly higher tier is now satisfied.
// badgeType, when non-empty, restricts candidates to that type (the
// operator-configured promotion program). Returns the new award or nil
// when no promotion happened.
func (e *Evaluator) Evaluate(ctx context.Context, userID ledger.UserID, badgeType string) (*Award, error) {
	badges, err := e.Badges.Badges(ctx)
	if err != nil {
		return nil, err
	}

	totals, err := e.Totals.Totals(ctx, userID)
	if err != nil {
		return nil, err
	}

	// Highest-rank badge whose thresholds are all met. Catalog is rank
	// ascending, so scan forward and keep the last hit.
	var qualifying *catalog.Badge
	for i := range badges {
		b := badges[i]
		if badgeType != "" && b.Type != badgeType {
			continue
		}
		if b.Satisfied(totals.LifetimeEarned, totals.ActivityCount) {
			qualifying = &badges[i]
		}
	}
	if qualifying == nil {
		return nil, nil
	}

	current, err := e.Current(ctx, userID)
	if err != nil {
		return nil, err
	}
	if current != nil && qualifying.Rank <= current.Rank {
		return nil, nil
	}

	award := Award{
		ID:       uuid.NewString(),
		UserID:   userID,
		BadgeID:  qualifying.ID,
		EarnedAt: time.Now().UTC(),
	}
	if err := e.Awards.Append(ctx, award); err != nil {
		if errors.Is(err, ErrDuplicateAward) {
			// A concurrent evaluation got there first. Not a promotion.
			return nil, nil
		}
		return nil, err
	}
	return &award, nil
}

func (e *Evaluator) badgeIndex(ctx context.Context) (map[string]catalog.Badge, error) {
	badges, err := e.Badges.Badges(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]catalog.Badge, len(badges))
	for _, b := range badges {
		byID[b.ID] = b
	}
	return byID, nil
}

// =============================================================================
// MEMORY AWARD STORE - For tests
// =============================================================================

type MemoryAwards struct {
	mu     sync.Mutex
	awards map[ledger.UserID][]Award
}

func NewMemoryAwards() *MemoryAwards {
	return &MemoryAwards{awards: make(map[ledger.UserID][]Award)}
}

func (m *MemoryAwards) Awards(_ context.Context, userID ledger.UserID) ([]Award, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Award, len(m.awards[userID]))
	copy(out, m.awards[userID])
	return out, nil
}

func (m *MemoryAwards) Append(_ context.Context, award Award) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.awards[award.UserID] {
		if a.BadgeID == award.BadgeID {
			return ErrDuplicateAward
		}
	}
	m.awards[award.UserID] = append(m.awards[award.UserID], award)
	return nil
}
