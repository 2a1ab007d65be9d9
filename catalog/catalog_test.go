package catalog_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/smartrx/reward-engine/catalog"
)

// =============================================================================
// RULE TESTS
// =============================================================================

func TestResolveActive_KnownRule(t *testing.T) {
	src := catalog.NewStaticRules(catalog.Rule{
		Code:   "UPLOAD_RX",
		Name:   "Upload prescription",
		Points: decimal.NewFromInt(1000),
		Active: true,
	})

	rule, err := catalog.ResolveActive(context.Background(), src, "UPLOAD_RX")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rule.Points.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("expected 1000 points, got %v", rule.Points)
	}
}

func TestResolveActive_UnknownRule(t *testing.T) {
	src := catalog.NewStaticRules()

	_, err := catalog.ResolveActive(context.Background(), src, "NO_SUCH_CODE")
	if !errors.Is(err, catalog.ErrRuleNotFound) {
		t.Errorf("expected ErrRuleNotFound, got %v", err)
	}

	var ruleErr *catalog.RuleError
	if !errors.As(err, &ruleErr) {
		t.Fatalf("expected RuleError, got %T", err)
	}
	if ruleErr.Code != "NO_SUCH_CODE" {
		t.Errorf("error should name the failing code, got %q", ruleErr.Code)
	}
}

func TestResolveActive_InactiveRule(t *testing.T) {
	src := catalog.NewStaticRules(catalog.Rule{
		Code:   "RETIRED",
		Points: decimal.NewFromInt(10),
		Active: false,
	})

	_, err := catalog.ResolveActive(context.Background(), src, "RETIRED")
	if !errors.Is(err, catalog.ErrRuleInactive) {
		t.Errorf("expected ErrRuleInactive, got %v", err)
	}
}

func TestRule_Delta(t *testing.T) {
	award := catalog.Rule{Points: decimal.NewFromInt(50)}
	if !award.Delta().Equal(decimal.NewFromInt(50)) {
		t.Errorf("award rule should apply +50, got %v", award.Delta())
	}

	charge := catalog.Rule{Points: decimal.NewFromInt(50), Deductible: true}
	if !charge.Delta().Equal(decimal.NewFromInt(-50)) {
		t.Errorf("deductible rule should apply -50, got %v", charge.Delta())
	}
}

// =============================================================================
// BADGE TESTS
// =============================================================================

func TestBadge_Satisfied(t *testing.T) {
	b := catalog.Badge{
		Rank:               1,
		RequiredPoints:     catalog.RequirePoints(500),
		RequiredActivities: catalog.RequireActivities(3),
	}

	cases := []struct {
		name   string
		points int64
		count  int
		want   bool
	}{
		{"both met", 500, 3, true},
		{"both exceeded", 900, 10, true},
		{"points short", 499, 3, false},
		{"activities short", 500, 2, false},
		{"both short", 0, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := b.Satisfied(decimal.NewFromInt(tc.points), tc.count)
			if got != tc.want {
				t.Errorf("Satisfied(%d, %d) = %v, want %v", tc.points, tc.count, got, tc.want)
			}
		})
	}
}

func TestBadge_NilThresholdsAlwaysSatisfied(t *testing.T) {
	b := catalog.Badge{Rank: 1}
	if !b.Satisfied(decimal.Zero, 0) {
		t.Error("badge with no thresholds should be satisfied from day one")
	}
}

func TestFindBadge(t *testing.T) {
	badges := []catalog.Badge{{ID: "bronze", Rank: 1}, {ID: "silver", Rank: 2}}

	b, err := catalog.FindBadge(badges, "silver")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Rank != 2 {
		t.Errorf("rank = %d, want 2", b.Rank)
	}

	if _, err := catalog.FindBadge(badges, "gold"); !errors.Is(err, catalog.ErrBadgeNotFound) {
		t.Errorf("expected ErrBadgeNotFound, got %v", err)
	}
}

func TestValidateHierarchy(t *testing.T) {
	ok := []catalog.Badge{{ID: "bronze", Rank: 1}, {ID: "silver", Rank: 2}}
	if err := catalog.ValidateHierarchy(ok); err != nil {
		t.Errorf("valid hierarchy rejected: %v", err)
	}

	dup := []catalog.Badge{{ID: "a", Rank: 1}, {ID: "b", Rank: 1}}
	if err := catalog.ValidateHierarchy(dup); !errors.Is(err, catalog.ErrDuplicateRank) {
		t.Errorf("expected ErrDuplicateRank, got %v", err)
	}

	zero := []catalog.Badge{{ID: "a", Rank: 0}}
	if err := catalog.ValidateHierarchy(zero); !errors.Is(err, catalog.ErrMissingRank) {
		t.Errorf("expected ErrMissingRank, got %v", err)
	}
}

func TestStaticBadges_SortedByRank(t *testing.T) {
	src, err := catalog.NewStaticBadges(
		catalog.Badge{ID: "gold", Rank: 3},
		catalog.Badge{ID: "bronze", Rank: 1},
		catalog.Badge{ID: "silver", Rank: 2},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	badges, err := src.Badges(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"bronze", "silver", "gold"}
	for i, id := range want {
		if badges[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, badges[i].ID)
		}
	}
}
