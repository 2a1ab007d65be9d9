package catalog

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// BADGE HIERARCHY
// =============================================================================

// Badge is one tier in a strictly ordered hierarchy. Thresholds are
// optional: a badge may require points, an activity count, or both.
// A nil threshold is always satisfied.
type Badge struct {
	ID                 string
	Name               string
	Rank               int    // Unique, strictly increasing across tiers
	Type               string // Grouping tag, e.g. "loyalty", "promotion"
	RequiredPoints     *decimal.Decimal
	RequiredActivities *int

	// BonusPoints, when set, is a one-time non-cashable grant credited
	// the moment the badge is awarded.
	BonusPoints *decimal.Decimal

	CreatedAt time.Time
}

// Satisfied reports whether the given lifetime totals meet every
// configured threshold.
func (b Badge) Satisfied(lifetimePoints decimal.Decimal, activityCount int) bool {
	if b.RequiredPoints != nil && lifetimePoints.LessThan(*b.RequiredPoints) {
		return false
	}
	if b.RequiredActivities != nil && activityCount < *b.RequiredActivities {
		return false
	}
	return true
}

// BadgeSource lists the badge catalog.
type BadgeSource interface {
	// Badges returns the catalog ordered by Rank ascending.
	Badges(ctx context.Context) ([]Badge, error)
}

var (
	ErrBadgeNotFound = errors.New("badge not found")
	ErrDuplicateRank = errors.New("badge rank already taken")
	ErrMissingRank   = errors.New("badge rank must be positive")
)

// FindBadge looks a badge up by id in a catalog listing.
func FindBadge(badges []Badge, id string) (*Badge, error) {
	for i := range badges {
		if badges[i].ID == id {
			return &badges[i], nil
		}
	}
	return nil, ErrBadgeNotFound
}

// ValidateHierarchy checks rank uniqueness and positivity across a
// catalog. Admin write paths call this before persisting.
func ValidateHierarchy(badges []Badge) error {
	seen := make(map[int]bool, len(badges))
	for _, b := range badges {
		if b.Rank <= 0 {
			return ErrMissingRank
		}
		if seen[b.Rank] {
			return ErrDuplicateRank
		}
		seen[b.Rank] = true
	}
	return nil
}

// =============================================================================
// STATIC BADGE SOURCE - For tests and seed data
// =============================================================================

type StaticBadges struct {
	badges []Badge
}

func NewStaticBadges(badges ...Badge) (*StaticBadges, error) {
	if err := ValidateHierarchy(badges); err != nil {
		return nil, err
	}
	sorted := make([]Badge, len(badges))
	copy(sorted, badges)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Rank < sorted[j].Rank })
	return &StaticBadges{badges: sorted}, nil
}

func (s *StaticBadges) Badges(_ context.Context) ([]Badge, error) {
	out := make([]Badge, len(s.badges))
	copy(out, s.badges)
	return out, nil
}

// RequirePoints is a convenience for building threshold pointers.
func RequirePoints(n int64) *decimal.Decimal {
	d := decimal.NewFromInt(n)
	return &d
}

// RequireActivities is a convenience for building threshold pointers.
func RequireActivities(n int) *int {
	return &n
}
