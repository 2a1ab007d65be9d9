/*
Package reward is the single public surface of the point economy.

PURPOSE:
  Translates caller intents ("award points for activity X", "convert N
  cashable points to money", "show my history") into the ledger, catalog,
  and badge components, and provides the read-only aggregations.

OPERATION FLOW:
  1. Read settings (negative-balance policy, promotion badge type),
     re-read per operation because administrators can change them live
  2. Resolve the rule / rate
  3. Run the atomic ledger mutation
  4. Trigger badge evaluation best-effort (failures logged, never
     surfaced; retried on the next balance-affecting event)
  5. Return the new balance snapshot

ERROR POLICY:
  Validation errors (unknown rule, inactive rule, bad amount, unsupported
  pair) reject synchronously with no side effects. Contention surfaces as
  a transient failure after bounded internal retries. Anything failing
  after the ledger committed is not a ledger failure.

SEE ALSO:
  - ledger/writer.go: The atomic unit behind Earn/Deduct
  - ledger/convert.go: The atomic unit behind Convert
  - badge/evaluator.go: Promotion rules
*/
package reward

import (
	"context"
	"log"

	"github.com/shopspring/decimal"

	"github.com/smartrx/reward-engine/badge"
	"github.com/smartrx/reward-engine/catalog"
	"github.com/smartrx/reward-engine/ledger"
)

// =============================================================================
// SETTINGS
// =============================================================================

// Settings mirror the administrator-controlled configuration rows. They
// are fetched per operation rather than cached indefinitely.
type Settings struct {
	// AllowNegativeBalance permits deductions below zero.
	AllowNegativeBalance bool

	// PromotionBadgeType restricts badge evaluation to one badge type.
	// Empty means every type is eligible.
	PromotionBadgeType string
}

type SettingsProvider interface {
	Settings(ctx context.Context) (Settings, error)
}

// StaticSettings is a fixed SettingsProvider for tests and simple setups.
type StaticSettings Settings

func (s StaticSettings) Settings(context.Context) (Settings, error) {
	return Settings(s), nil
}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	writer    *ledger.Writer
	converter *ledger.Converter
	store     ledger.Store
	rules     catalog.RuleSource
	evaluator *badge.Evaluator
	settings  SettingsProvider
	rates     ledger.RateProvider
	logger    *log.Logger
}

// Config wires a Service. Writer and Converter must share one Guard.
type Config struct {
	Store     ledger.Store
	Guard     *ledger.Guard
	Rules     catalog.RuleSource
	Evaluator *badge.Evaluator
	Settings  SettingsProvider
	Rates     ledger.RateProvider
	Logger    *log.Logger
}

func NewService(cfg Config) *Service {
	guard := cfg.Guard
	if guard == nil {
		guard = ledger.NewGuard()
	}
	rates := cfg.Rates
	if rates == nil {
		rates = ledger.DefaultRates()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		writer:    ledger.NewWriter(cfg.Store, guard),
		converter: ledger.NewConverter(cfg.Store, guard),
		store:     cfg.Store,
		rules:     cfg.Rules,
		evaluator: cfg.Evaluator,
		settings:  cfg.Settings,
		rates:     rates,
		logger:    logger,
	}
}

// Result is the outcome of a committed mutation.
type Result struct {
	TransactionID ledger.TransactionID
	Balance       ledger.Snapshot
	PromotedTo    *catalog.Badge // Set when the write triggered a promotion
}

// =============================================================================
// EARN / DEDUCT
// =============================================================================

// Earn awards (or, for deductible rules, charges) the points configured
// for an activity code.
func (s *Service) Earn(ctx context.Context, userID ledger.UserID, activityCode string, opCtx ledger.Context, actorID string) (*Result, error) {
	rule, err := catalog.ResolveActive(ctx, s.rules, activityCode)
	if err != nil {
		return nil, err
	}
	kind := ledger.KindEarn
	if rule.Deductible {
		kind = ledger.KindDeduct
	}
	return s.apply(ctx, ledger.ApplyInput{
		UserID:       userID,
		Denomination: ledger.NonCashable,
		Delta:        rule.Delta(),
		Kind:         kind,
		RuleCode:     rule.Code,
		Context:      opCtx,
		Remarks:      rule.Name,
		ActorID:      actorID,
	})
}

// Deduct charges the points configured for an activity code, regardless
// of whether the rule is marked deductible.
func (s *Service) Deduct(ctx context.Context, userID ledger.UserID, activityCode string, opCtx ledger.Context, actorID string) (*Result, error) {
	rule, err := catalog.ResolveActive(ctx, s.rules, activityCode)
	if err != nil {
		return nil, err
	}
	return s.apply(ctx, ledger.ApplyInput{
		UserID:       userID,
		Denomination: ledger.NonCashable,
		Delta:        rule.Points.Neg(),
		Kind:         ledger.KindDeduct,
		RuleCode:     rule.Code,
		Context:      opCtx,
		Remarks:      rule.Name,
		ActorID:      actorID,
	})
}

// Adjust applies a manual admin correction to any denomination.
func (s *Service) Adjust(ctx context.Context, userID ledger.UserID, denom ledger.Denomination, delta decimal.Decimal, remarks, actorID string) (*Result, error) {
	return s.apply(ctx, ledger.ApplyInput{
		UserID:       userID,
		Denomination: denom,
		Delta:        delta,
		Kind:         ledger.KindAdjust,
		Remarks:      remarks,
		ActorID:      actorID,
	})
}

func (s *Service) apply(ctx context.Context, in ledger.ApplyInput) (*Result, error) {
	settings, err := s.settings.Settings(ctx)
	if err != nil {
		return nil, err
	}
	in.AllowNegative = settings.AllowNegativeBalance

	entry, err := s.writer.ApplyDelta(ctx, in)
	if err != nil {
		return nil, err
	}

	res := &Result{TransactionID: entry.TransactionID, Balance: entry.Balance}
	res.PromotedTo = s.promote(ctx, in.UserID, settings.PromotionBadgeType)
	return res, nil
}

// =============================================================================
// CONVERT
// =============================================================================

// ConversionOutcome reports a committed exchange.
type ConversionOutcome struct {
	ConversionID ledger.ConversionID
	Rate         decimal.Decimal
	Converted    decimal.Decimal
	Balance      ledger.Snapshot
	PromotedTo   *catalog.Badge
}

// Convert exchanges amount from one denomination to another at the
// configured rate.
func (s *Service) Convert(ctx context.Context, userID ledger.UserID, from, to ledger.Denomination, amount decimal.Decimal, actorID string) (*ConversionOutcome, error) {
	settings, err := s.settings.Settings(ctx)
	if err != nil {
		return nil, err
	}

	res, err := s.converter.Convert(ctx, ledger.ConvertInput{
		UserID:  userID,
		From:    from,
		To:      to,
		Amount:  amount,
		Rates:   s.rates,
		ActorID: actorID,
	})
	if err != nil {
		return nil, err
	}

	out := &ConversionOutcome{
		ConversionID: res.ConversionID,
		Rate:         res.Rate,
		Converted:    res.Converted,
		Balance:      res.Balance,
	}
	out.PromotedTo = s.promote(ctx, userID, settings.PromotionBadgeType)
	return out, nil
}

// promote runs badge evaluation best-effort. The triggering mutation has
// already committed; a failure here is logged and left to the next event.
func (s *Service) promote(ctx context.Context, userID ledger.UserID, badgeType string) *catalog.Badge {
	if s.evaluator == nil {
		return nil
	}
	award, err := s.evaluator.Evaluate(ctx, userID, badgeType)
	if err != nil {
		s.logger.Printf("badge evaluation deferred for user %s: %v", userID, err)
		return nil
	}
	if award == nil {
		return nil
	}
	badges, err := s.evaluator.Badges.Badges(ctx)
	if err != nil {
		return nil
	}
	promoted, err := catalog.FindBadge(badges, award.BadgeID)
	if err != nil {
		s.logger.Printf("awarded badge %s missing from catalog: %v", award.BadgeID, err)
		return nil
	}
	s.grantBonus(ctx, userID, promoted)
	return promoted
}

// grantBonus credits the badge's one-time promotion grant, if any. The
// award has already committed, so a failure here is logged and the award
// stands. A bonus that itself satisfies the next tier is picked up on
// the next balance-affecting event.
func (s *Service) grantBonus(ctx context.Context, userID ledger.UserID, b *catalog.Badge) {
	if b.BonusPoints == nil || !b.BonusPoints.IsPositive() {
		return
	}
	_, err := s.writer.ApplyDelta(ctx, ledger.ApplyInput{
		UserID:       userID,
		Denomination: ledger.NonCashable,
		Delta:        *b.BonusPoints,
		Kind:         ledger.KindBadge,
		BadgeID:      b.ID,
		Remarks:      b.Name + " promotion bonus",
	})
	if err != nil {
		s.logger.Printf("promotion bonus for user %s badge %s not credited: %v", userID, b.ID, err)
	}
}
