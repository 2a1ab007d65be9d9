/*
Package catalog holds the static-ish configuration the ledger consults:
reward rules (activity code -> point award) and the badge hierarchy.

Rules are administered rarely and referenced constantly. A rule that has
ever been referenced by a transaction is never physically deleted, only
deactivated, so every historical transaction can still resolve the rule
it was created under.
*/
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// REWARD RULES
// =============================================================================

// Rule maps an activity code to a point amount.
type Rule struct {
	Code       string // Unique short string, e.g. "UPLOAD_RX"
	Name       string
	Points     decimal.Decimal
	Deductible bool // True when the activity costs points instead of awarding them
	Active     bool
	Visible    bool // Shown to end users in the activity list
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Delta returns the signed amount this rule applies: negative for
// deductible rules.
func (r Rule) Delta() decimal.Decimal {
	if r.Deductible {
		return r.Points.Neg()
	}
	return r.Points
}

// RuleSource resolves rules by activity code.
type RuleSource interface {
	// Rule returns the rule for code, or nil when no such rule exists.
	// Inactive rules are returned (callers decide whether that matters).
	Rule(ctx context.Context, code string) (*Rule, error)

	// Rules lists the whole catalog.
	Rules(ctx context.Context) ([]Rule, error)
}

var (
	ErrRuleNotFound = errors.New("reward rule not found")
	ErrRuleInactive = errors.New("reward rule is inactive")
)

// RuleError names the activity code that failed to resolve.
type RuleError struct {
	Code string
	Err  error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("activity %q: %v", e.Code, e.Err)
}

func (e *RuleError) Unwrap() error { return e.Err }

// ResolveActive looks up code and requires it to be active.
func ResolveActive(ctx context.Context, src RuleSource, code string) (*Rule, error) {
	rule, err := src.Rule(ctx, code)
	if err != nil {
		return nil, err
	}
	if rule == nil {
		return nil, &RuleError{Code: code, Err: ErrRuleNotFound}
	}
	if !rule.Active {
		return nil, &RuleError{Code: code, Err: ErrRuleInactive}
	}
	return rule, nil
}

// =============================================================================
// STATIC RULE SOURCE - For tests and seed data
// =============================================================================

type StaticRules struct {
	byCode map[string]Rule
	order  []string
}

func NewStaticRules(rules ...Rule) *StaticRules {
	s := &StaticRules{byCode: make(map[string]Rule)}
	for _, r := range rules {
		if _, ok := s.byCode[r.Code]; !ok {
			s.order = append(s.order, r.Code)
		}
		s.byCode[r.Code] = r
	}
	return s
}

func (s *StaticRules) Rule(_ context.Context, code string) (*Rule, error) {
	r, ok := s.byCode[code]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *StaticRules) Rules(_ context.Context) ([]Rule, error) {
	out := make([]Rule, 0, len(s.order))
	for _, code := range s.order {
		out = append(out, s.byCode[code])
	}
	return out, nil
}
