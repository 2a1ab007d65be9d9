/*
dto.go - Request/response data structures

Amounts cross the wire as strings to keep decimal precision; float64
would reintroduce the drift the engine exists to avoid.
*/
package api

import (
	"time"

	"github.com/smartrx/reward-engine/badge"
	"github.com/smartrx/reward-engine/catalog"
	"github.com/smartrx/reward-engine/ledger"
	"github.com/smartrx/reward-engine/reward"
)

// =============================================================================
// REQUESTS
// =============================================================================

// EarnRequestDTO awards or deducts points for an activity.
type EarnRequestDTO struct {
	ActivityCode   string `json:"activity_code"`
	PrescriptionID string `json:"prescription_id,omitempty"`
	PatientID      string `json:"patient_id,omitempty"`
	SourceID       string `json:"source_id,omitempty"`
	ActorID        string `json:"actor_id,omitempty"`
}

// ConvertRequestDTO exchanges an amount between denominations.
type ConvertRequestDTO struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Amount  string `json:"amount"`
	ActorID string `json:"actor_id,omitempty"`
}

// AdjustRequestDTO is a manual admin correction.
type AdjustRequestDTO struct {
	Denomination string `json:"denomination"`
	Delta        string `json:"delta"`
	Remarks      string `json:"remarks"`
	ActorID      string `json:"actor_id,omitempty"`
}

// RuleDTO creates or updates a reward rule.
type RuleDTO struct {
	Code       string `json:"code"`
	Name       string `json:"name"`
	Points     string `json:"points"`
	Deductible bool   `json:"deductible"`
	Active     bool   `json:"active"`
	Visible    bool   `json:"visible"`
}

// BadgeDTO creates a badge tier.
type BadgeDTO struct {
	ID                 string  `json:"id"`
	Name               string  `json:"name"`
	Rank               int     `json:"rank"`
	Type               string  `json:"type,omitempty"`
	RequiredPoints     *string `json:"required_points,omitempty"`
	RequiredActivities *int    `json:"required_activities,omitempty"`
	BonusPoints        *string `json:"bonus_points,omitempty"`
}

// SettingsDTO mirrors the administrator-controlled flags.
type SettingsDTO struct {
	AllowNegativeBalance bool   `json:"allow_negative_balance"`
	PromotionBadgeType   string `json:"promotion_badge_type,omitempty"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// BalanceDTO is the three-bucket snapshot.
type BalanceDTO struct {
	NonCashable string `json:"non_cashable"`
	Cashable    string `json:"cashable"`
	Money       string `json:"money"`
}

// MutationResultDTO reports a committed earn/deduct/adjust.
type MutationResultDTO struct {
	TransactionID int64      `json:"transaction_id"`
	Balance       BalanceDTO `json:"balance"`
	PromotedTo    *string    `json:"promoted_to,omitempty"`
}

// ConversionResultDTO reports a committed exchange.
type ConversionResultDTO struct {
	ConversionID int64      `json:"conversion_id"`
	Rate         string     `json:"rate"`
	Converted    string     `json:"converted"`
	Balance      BalanceDTO `json:"balance"`
	PromotedTo   *string    `json:"promoted_to,omitempty"`
}

// TransactionDTO is one ledger entry.
type TransactionDTO struct {
	ID           int64      `json:"id"`
	UserID       string     `json:"user_id"`
	Kind         string     `json:"kind"`
	Denomination string     `json:"denomination"`
	RuleCode     string     `json:"rule_code,omitempty"`
	BadgeID      string     `json:"badge_id,omitempty"`
	ConversionID int64      `json:"conversion_id,omitempty"`
	Delta        string     `json:"delta"`
	IsDeduct     bool       `json:"is_deduct"`
	Snapshot     BalanceDTO `json:"snapshot"`
	Prescription string     `json:"prescription_id,omitempty"`
	PatientID    string     `json:"patient_id,omitempty"`
	SourceID     string     `json:"source_id,omitempty"`
	Remarks      string     `json:"remarks,omitempty"`
	ActorID      string     `json:"actor_id,omitempty"`
	CreatedAt    string     `json:"created_at"`
}

// HistoryPageDTO is one page of transactions.
type HistoryPageDTO struct {
	Transactions []TransactionDTO `json:"transactions"`
	Total        int              `json:"total"`
	Page         int              `json:"page"`
	PageSize     int              `json:"page_size"`
}

// ConversionDTO is one exchange record.
type ConversionDTO struct {
	ID        int64  `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    string `json:"amount"`
	Rate      string `json:"rate"`
	Converted string `json:"converted"`
	CreatedAt string `json:"created_at"`
}

// SummaryDTO is the user-facing rollup.
type SummaryDTO struct {
	UserID           string        `json:"user_id"`
	Balance          BalanceDTO    `json:"balance"`
	LifetimeEarned   string        `json:"lifetime_earned"`
	LifetimeConsumed string        `json:"lifetime_consumed"`
	ActivityCount    int           `json:"activity_count"`
	CurrentBadge     *BadgeInfoDTO `json:"current_badge,omitempty"`
}

// BadgeInfoDTO describes one badge tier.
type BadgeInfoDTO struct {
	ID                 string  `json:"id"`
	Name               string  `json:"name"`
	Rank               int     `json:"rank"`
	Type               string  `json:"type,omitempty"`
	RequiredPoints     *string `json:"required_points,omitempty"`
	RequiredActivities *int    `json:"required_activities,omitempty"`
	BonusPoints        *string `json:"bonus_points,omitempty"`
}

// AwardDTO is one earned-badge record.
type AwardDTO struct {
	ID       string `json:"id"`
	BadgeID  string `json:"badge_id"`
	EarnedAt string `json:"earned_at"`
}

// ReconcileReportDTO is the reconstructibility audit result.
type ReconcileReportDTO struct {
	UserID   string     `json:"user_id"`
	Stored   BalanceDTO `json:"stored"`
	Replayed BalanceDTO `json:"replayed"`
	Clean    bool       `json:"clean"`
	Drift    []string   `json:"drift,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toBalanceDTO(s ledger.Snapshot) BalanceDTO {
	return BalanceDTO{
		NonCashable: s.NonCashable.String(),
		Cashable:    s.Cashable.String(),
		Money:       s.Money.String(),
	}
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:           int64(tx.ID),
		UserID:       string(tx.UserID),
		Kind:         string(tx.Kind),
		Denomination: string(tx.Denomination),
		RuleCode:     tx.RuleCode,
		BadgeID:      tx.BadgeID,
		ConversionID: int64(tx.ConversionID),
		Delta:        tx.Delta.String(),
		IsDeduct:     tx.IsDeduct,
		Snapshot:     toBalanceDTO(tx.Snapshot),
		Prescription: tx.Context.PrescriptionID,
		PatientID:    tx.Context.PatientID,
		SourceID:     tx.Context.SourceID,
		Remarks:      tx.Remarks,
		ActorID:      tx.ActorID,
		CreatedAt:    tx.CreatedAt.Format(time.RFC3339),
	}
}

func toConversionDTO(c ledger.Conversion) ConversionDTO {
	return ConversionDTO{
		ID:        int64(c.ID),
		From:      string(c.From),
		To:        string(c.To),
		Amount:    c.Amount.String(),
		Rate:      c.Rate.String(),
		Converted: c.Converted.String(),
		CreatedAt: c.CreatedAt.Format(time.RFC3339),
	}
}

func toBadgeInfoDTO(b catalog.Badge) BadgeInfoDTO {
	dto := BadgeInfoDTO{
		ID:   b.ID,
		Name: b.Name,
		Rank: b.Rank,
		Type: b.Type,
	}
	if b.RequiredPoints != nil {
		s := b.RequiredPoints.String()
		dto.RequiredPoints = &s
	}
	if b.RequiredActivities != nil {
		n := *b.RequiredActivities
		dto.RequiredActivities = &n
	}
	if b.BonusPoints != nil {
		s := b.BonusPoints.String()
		dto.BonusPoints = &s
	}
	return dto
}

func toAwardDTO(a badge.Award) AwardDTO {
	return AwardDTO{
		ID:       a.ID,
		BadgeID:  a.BadgeID,
		EarnedAt: a.EarnedAt.Format(time.RFC3339),
	}
}

func toSummaryDTO(s *reward.Summary) SummaryDTO {
	dto := SummaryDTO{
		UserID:           string(s.UserID),
		Balance:          toBalanceDTO(s.Balance),
		LifetimeEarned:   s.Totals.LifetimeEarned.String(),
		LifetimeConsumed: s.Totals.LifetimeConsumed.String(),
		ActivityCount:    s.Totals.ActivityCount,
	}
	if s.Badge != nil {
		b := toBadgeInfoDTO(*s.Badge)
		dto.CurrentBadge = &b
	}
	return dto
}

func promotedName(b *catalog.Badge) *string {
	if b == nil {
		return nil
	}
	name := b.Name
	return &name
}
