/*
catalog.go - Rule, badge, award, and settings persistence

Rules are soft-deactivated, never deleted: a transaction must always be
able to resolve the rule it was created under. Badge ranks are enforced
unique by the schema; a duplicate maps to catalog.ErrDuplicateRank.
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/smartrx/reward-engine/badge"
	"github.com/smartrx/reward-engine/catalog"
	"github.com/smartrx/reward-engine/ledger"
	"github.com/smartrx/reward-engine/reward"
)

// =============================================================================
// RULE STORE (catalog.RuleSource interface + admin writes)
// =============================================================================

// Rule returns the rule for code, nil when absent.
func (s *Store) Rule(ctx context.Context, code string) (*catalog.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT code, name, points, deductible, active, visible, created_at, updated_at
		FROM reward_rules WHERE code = ?`, code)

	rule, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// Rules lists the whole catalog.
func (s *Store) Rules(ctx context.Context) ([]catalog.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT code, name, points, deductible, active, visible, created_at, updated_at
		FROM reward_rules ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var rules []catalog.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *rule)
	}
	return rules, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*catalog.Rule, error) {
	var (
		r                    catalog.Rule
		points               string
		createdAt, updatedAt string
	)
	err := row.Scan(&r.Code, &r.Name, &points, &r.Deductible, &r.Active, &r.Visible, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	r.Points = mustDecimal(points)
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &r, nil
}

// SaveRule inserts or updates a rule definition.
func (s *Store) SaveRule(ctx context.Context, r catalog.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(timeFormat)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reward_rules (code, name, points, deductible, active, visible, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET
			name = excluded.name,
			points = excluded.points,
			deductible = excluded.deductible,
			active = excluded.active,
			visible = excluded.visible,
			updated_at = excluded.updated_at`,
		r.Code, r.Name, r.Points.String(), r.Deductible, r.Active, r.Visible, now, now,
	)
	return err
}

// DeactivateRule soft-deletes a rule. There is no hard delete.
func (s *Store) DeactivateRule(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE reward_rules SET active = FALSE, updated_at = ? WHERE code = ?",
		time.Now().UTC().Format(timeFormat), code,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &catalog.RuleError{Code: code, Err: catalog.ErrRuleNotFound}
	}
	return nil
}

// =============================================================================
// BADGE STORE (catalog.BadgeSource interface + admin writes)
// =============================================================================

// Badges returns the catalog ordered by rank ascending.
func (s *Store) Badges(ctx context.Context) ([]catalog.Badge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, rank, badge_type, required_points, required_activities, bonus_points, created_at
		FROM reward_badges ORDER BY rank ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query badges: %w", err)
	}
	defer rows.Close()

	var badges []catalog.Badge
	for rows.Next() {
		var (
			b             catalog.Badge
			reqPoints     sql.NullString
			reqActivities sql.NullInt64
			bonusPoints   sql.NullString
			createdAt     string
		)
		if err := rows.Scan(&b.ID, &b.Name, &b.Rank, &b.Type, &reqPoints, &reqActivities, &bonusPoints, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan badge: %w", err)
		}
		if reqPoints.Valid {
			d := mustDecimal(reqPoints.String)
			b.RequiredPoints = &d
		}
		if reqActivities.Valid {
			n := int(reqActivities.Int64)
			b.RequiredActivities = &n
		}
		if bonusPoints.Valid {
			d := mustDecimal(bonusPoints.String)
			b.BonusPoints = &d
		}
		b.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		badges = append(badges, b)
	}
	return badges, rows.Err()
}

// SaveBadge inserts a badge tier. Duplicate ranks are rejected.
func (s *Store) SaveBadge(ctx context.Context, b catalog.Badge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.Rank <= 0 {
		return catalog.ErrMissingRank
	}

	var reqPoints sql.NullString
	if b.RequiredPoints != nil {
		reqPoints = sql.NullString{String: b.RequiredPoints.String(), Valid: true}
	}
	var reqActivities sql.NullInt64
	if b.RequiredActivities != nil {
		reqActivities = sql.NullInt64{Int64: int64(*b.RequiredActivities), Valid: true}
	}
	var bonusPoints sql.NullString
	if b.BonusPoints != nil {
		bonusPoints = sql.NullString{String: b.BonusPoints.String(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reward_badges (id, name, rank, badge_type, required_points, required_activities, bonus_points, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Name, b.Rank, b.Type, reqPoints, reqActivities, bonusPoints,
		time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return catalog.ErrDuplicateRank
		}
		return fmt.Errorf("failed to save badge: %w", err)
	}
	return nil
}

// =============================================================================
// AWARD STORE (badge.AwardStore interface)
// =============================================================================

// Awards returns all badges the user has earned.
func (s *Store) Awards(ctx context.Context, userID ledger.UserID) ([]badge.Award, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, badge_id, earned_at
		FROM user_reward_badges
		WHERE user_id = ?
		ORDER BY earned_at ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query awards: %w", err)
	}
	defer rows.Close()

	var awards []badge.Award
	for rows.Next() {
		var a badge.Award
		var earnedAt string
		if err := rows.Scan(&a.ID, &a.UserID, &a.BadgeID, &earnedAt); err != nil {
			return nil, fmt.Errorf("failed to scan award: %w", err)
		}
		a.EarnedAt, _ = time.Parse(time.RFC3339Nano, earnedAt)
		awards = append(awards, a)
	}
	return awards, rows.Err()
}

// Append records a new award. Append-only; the (user, badge) unique
// index makes a concurrent double-promotion lose cleanly.
func (s *Store) Append(ctx context.Context, a badge.Award) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_reward_badges (id, user_id, badge_id, earned_at)
		VALUES (?, ?, ?, ?)`,
		a.ID, a.UserID, a.BadgeID, a.EarnedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return badge.ErrDuplicateAward
		}
		return fmt.Errorf("failed to append award: %w", err)
	}
	return nil
}

// =============================================================================
// SETTINGS (reward.SettingsProvider interface + admin writes)
// =============================================================================

const (
	settingAllowNegative  = "allow_negative_balance"
	settingPromotionBadge = "promotion_badge_type"
)

// Settings reads the administrator-controlled flags. Missing keys fall
// back to safe defaults (negative balances disallowed, all badge types).
func (s *Store) Settings(ctx context.Context) (reward.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM settings")
	if err != nil {
		return reward.Settings{}, fmt.Errorf("failed to query settings: %w", err)
	}
	defer rows.Close()

	var settings reward.Settings
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return reward.Settings{}, err
		}
		switch key {
		case settingAllowNegative:
			settings.AllowNegativeBalance, _ = strconv.ParseBool(value)
		case settingPromotionBadge:
			settings.PromotionBadgeType = value
		}
	}
	return settings, rows.Err()
}

// SaveSettings upserts the flags.
func (s *Store) SaveSettings(ctx context.Context, settings reward.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pairs := map[string]string{
		settingAllowNegative:  strconv.FormatBool(settings.AllowNegativeBalance),
		settingPromotionBadge: settings.PromotionBadgeType,
	}
	for key, value := range pairs {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO settings (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			key, value,
		)
		if err != nil {
			return err
		}
	}
	return nil
}
