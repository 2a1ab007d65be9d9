/*
Package sqlite provides a SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements every persistence interface (ledger.Store, catalog rule and
  badge sources, badge.AwardStore, settings) using SQLite. In production
  the same patterns apply to PostgreSQL - only minor SQL dialect
  differences.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements exist for reward_transactions,
    reward_conversions, or user_reward_badges
  - Rules are soft-deactivated, never removed

ATOMIC UNIT:
  Update() wraps the balance read, the balance write, and every appended
  record in one BEGIN..COMMIT. A reader can never observe a transaction
  row whose snapshot disagrees with user_balances, or a balance change
  without its transaction.

KEY TABLES:
  user_balances:       One mutable row per user (three denominations)
  reward_transactions: Immutable ledger of all balance changes
  reward_conversions:  Immutable exchange records (rate captured per row)
  reward_rules:        Activity catalog (soft-deactivate only)
  reward_badges:       Ordered tier hierarchy (unique rank)
  user_reward_badges:  Append-only earned-badge records
  settings:            Administrator-controlled flags

INDEXES:
  - idx_transactions_user_created: History paging (hot path)
  - idx_transactions_user:         Balance replay and totals
  - idx_conversions_user:          Conversion listing

CONCURRENCY:
  Uses sync.RWMutex for thread-safety on top of SQLite WAL mode.
  Per-user serialization of mutations is the ledger.Guard's job; the
  store mutex only protects the connection.

USAGE:
  store, err := sqlite.New("./data/rewards.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/smartrx/reward-engine/badge"
	"github.com/smartrx/reward-engine/catalog"
	"github.com/smartrx/reward-engine/ledger"
	"github.com/smartrx/reward-engine/reward"
)

// timeFormat is RFC 3339 with the fraction padded to nanosecond width.
// time.RFC3339Nano trims trailing zeros, which breaks lexicographic
// range comparisons on the TEXT created_at columns; fixed width keeps
// string order identical to chronological order.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Balances (one mutable row per user, written only inside Update)
	CREATE TABLE IF NOT EXISTS user_balances (
		user_id TEXT PRIMARY KEY,
		non_cashable TEXT NOT NULL DEFAULT '0',
		cashable TEXT NOT NULL DEFAULT '0',
		money TEXT NOT NULL DEFAULT '0',
		updated_at TEXT NOT NULL
	);

	-- Transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS reward_transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		denomination TEXT NOT NULL,
		rule_code TEXT,
		badge_id TEXT,
		conversion_id INTEGER,
		delta TEXT NOT NULL,
		is_deduct BOOLEAN NOT NULL DEFAULT FALSE,
		snap_non_cashable TEXT NOT NULL,
		snap_cashable TEXT NOT NULL,
		snap_money TEXT NOT NULL,
		prescription_id TEXT,
		patient_id TEXT,
		source_id TEXT,
		remarks TEXT,
		actor_id TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_user
		ON reward_transactions(user_id);
	CREATE INDEX IF NOT EXISTS idx_transactions_user_created
		ON reward_transactions(user_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_transactions_rule
		ON reward_transactions(rule_code) WHERE rule_code IS NOT NULL;

	-- Conversions (append-only, rate captured per row)
	CREATE TABLE IF NOT EXISTS reward_conversions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		from_denomination TEXT NOT NULL,
		to_denomination TEXT NOT NULL,
		amount TEXT NOT NULL,
		rate TEXT NOT NULL,
		converted TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_conversions_user
		ON reward_conversions(user_id, created_at DESC);

	-- Rules (soft-deactivate only; referenced rules are never deleted)
	CREATE TABLE IF NOT EXISTS reward_rules (
		code TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		points TEXT NOT NULL,
		deductible BOOLEAN NOT NULL DEFAULT FALSE,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		visible BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Badges (strictly ordered hierarchy)
	CREATE TABLE IF NOT EXISTS reward_badges (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		rank INTEGER NOT NULL UNIQUE,
		badge_type TEXT NOT NULL DEFAULT '',
		required_points TEXT,
		required_activities INTEGER,
		bonus_points TEXT,
		created_at TEXT NOT NULL
	);

	-- Earned badges (append-only; a user holds each badge at most once)
	CREATE TABLE IF NOT EXISTS user_reward_badges (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		badge_id TEXT NOT NULL,
		earned_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_user_badges_user_badge
		ON user_reward_badges(user_id, badge_id);

	-- Settings (administrator-controlled)
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// BALANCE + LEDGER (ledger.Store interface)
// =============================================================================

// Balance returns the user's row, lazily creating a zero row.
func (s *Store) Balance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Balance{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	bal, err := s.balanceTx(ctx, tx, userID)
	if err != nil {
		return ledger.Balance{}, err
	}
	return bal, tx.Commit()
}

// balanceTx loads the balance row inside tx, inserting a zero row when
// the user has no row yet.
func (s *Store) balanceTx(ctx context.Context, tx *sql.Tx, userID ledger.UserID) (ledger.Balance, error) {
	var (
		bal                          ledger.Balance
		nonCashable, cashable, money string
		updatedAt                    string
	)

	err := tx.QueryRowContext(ctx,
		"SELECT user_id, non_cashable, cashable, money, updated_at FROM user_balances WHERE user_id = ?",
		userID,
	).Scan(&bal.UserID, &nonCashable, &cashable, &money, &updatedAt)

	if err == sql.ErrNoRows {
		now := time.Now().UTC()
		_, err = tx.ExecContext(ctx,
			"INSERT INTO user_balances (user_id, non_cashable, cashable, money, updated_at) VALUES (?, '0', '0', '0', ?)",
			userID, now.Format(timeFormat),
		)
		if err != nil {
			return ledger.Balance{}, fmt.Errorf("failed to create balance row: %w", err)
		}
		bal = ledger.ZeroBalance(userID)
		bal.UpdatedAt = now
		return bal, nil
	}
	if err != nil {
		return ledger.Balance{}, fmt.Errorf("failed to load balance: %w", err)
	}

	bal.NonCashable = mustDecimal(nonCashable)
	bal.Cashable = mustDecimal(cashable)
	bal.Money = mustDecimal(money)
	bal.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return bal, nil
}

// Update runs fn against the current balance and persists the mutation
// in one database transaction.
func (s *Store) Update(ctx context.Context, userID ledger.UserID, fn ledger.UpdateFunc) (ledger.UpdateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.UpdateResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	current, err := s.balanceTx(ctx, sqlTx, userID)
	if err != nil {
		return ledger.UpdateResult{}, err
	}

	mut, err := fn(current)
	if err != nil {
		return ledger.UpdateResult{}, err
	}

	now := time.Now().UTC()
	result := ledger.UpdateResult{}

	if mut.Conversion != nil {
		conv := mut.Conversion
		res, err := sqlTx.ExecContext(ctx, `
			INSERT INTO reward_conversions
			(user_id, from_denomination, to_denomination, amount, rate, converted, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			conv.UserID, conv.From, conv.To,
			conv.Amount.String(), conv.Rate.String(), conv.Converted.String(),
			now.Format(timeFormat),
		)
		if err != nil {
			return ledger.UpdateResult{}, fmt.Errorf("failed to append conversion: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return ledger.UpdateResult{}, err
		}
		result.ConversionID = ledger.ConversionID(id)
	}

	for _, tx := range mut.Transactions {
		if tx.Kind == ledger.KindConvert {
			tx.ConversionID = result.ConversionID
		}
		res, err := sqlTx.ExecContext(ctx, `
			INSERT INTO reward_transactions
			(user_id, kind, denomination, rule_code, badge_id, conversion_id, delta, is_deduct,
			 snap_non_cashable, snap_cashable, snap_money,
			 prescription_id, patient_id, source_id, remarks, actor_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			tx.UserID, tx.Kind, tx.Denomination,
			nullString(tx.RuleCode), nullString(tx.BadgeID), nullInt64(int64(tx.ConversionID)),
			tx.Delta.String(), tx.IsDeduct,
			tx.Snapshot.NonCashable.String(), tx.Snapshot.Cashable.String(), tx.Snapshot.Money.String(),
			nullString(tx.Context.PrescriptionID), nullString(tx.Context.PatientID), nullString(tx.Context.SourceID),
			tx.Remarks, tx.ActorID, now.Format(timeFormat),
		)
		if err != nil {
			return ledger.UpdateResult{}, fmt.Errorf("failed to append transaction: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return ledger.UpdateResult{}, err
		}
		result.TransactionIDs = append(result.TransactionIDs, ledger.TransactionID(id))
	}

	_, err = sqlTx.ExecContext(ctx, `
		UPDATE user_balances SET non_cashable = ?, cashable = ?, money = ?, updated_at = ?
		WHERE user_id = ?`,
		mut.Balance.NonCashable.String(), mut.Balance.Cashable.String(), mut.Balance.Money.String(),
		now.Format(timeFormat), userID,
	)
	if err != nil {
		return ledger.UpdateResult{}, fmt.Errorf("failed to update balance: %w", err)
	}

	if err := sqlTx.Commit(); err != nil {
		return ledger.UpdateResult{}, fmt.Errorf("failed to commit: %w", err)
	}

	mut.Balance.UserID = userID
	mut.Balance.UpdatedAt = now
	result.Balance = mut.Balance
	return result, nil
}

// Transactions returns a filtered page plus total count.
func (s *Store) Transactions(ctx context.Context, userID ledger.UserID, filter ledger.HistoryFilter, page ledger.Page) ([]ledger.Transaction, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where := []string{"user_id = ?"}
	args := []any{userID}

	switch filter.Kind {
	case ledger.HistoryEarned:
		where = append(where, "is_deduct = FALSE")
	case ledger.HistoryConsumed:
		where = append(where, "is_deduct = TRUE")
	}
	if filter.From != nil {
		where = append(where, "created_at >= ?")
		args = append(args, filter.From.UTC().Format(timeFormat))
	}
	if filter.To != nil {
		where = append(where, "created_at <= ?")
		args = append(args, filter.To.UTC().Format(timeFormat))
	}
	clause := strings.Join(where, " AND ")

	var total int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM reward_transactions WHERE "+clause, args...,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}

	page = page.Normalize()
	order := "ASC"
	if page.SortDesc {
		order = "DESC"
	}

	query := fmt.Sprintf(`
		SELECT id, user_id, kind, denomination, rule_code, badge_id, conversion_id, delta, is_deduct,
		       snap_non_cashable, snap_cashable, snap_money,
		       prescription_id, patient_id, source_id, remarks, actor_id, created_at
		FROM reward_transactions
		WHERE %s
		ORDER BY id %s
		LIMIT ? OFFSET ?`, clause, order)

	args = append(args, page.Size, page.Offset())
	txs, err := s.queryTransactions(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return txs, total, nil
}

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

func scanTransaction(rows *sql.Rows) (ledger.Transaction, error) {
	var (
		tx                         ledger.Transaction
		ruleCode, badgeID          sql.NullString
		conversionID               sql.NullInt64
		delta                      string
		snapNC, snapC, snapM       string
		prescription, patient, src sql.NullString
		remarks, actor             sql.NullString
		createdAt                  string
	)

	err := rows.Scan(
		&tx.ID, &tx.UserID, &tx.Kind, &tx.Denomination,
		&ruleCode, &badgeID, &conversionID, &delta, &tx.IsDeduct,
		&snapNC, &snapC, &snapM,
		&prescription, &patient, &src, &remarks, &actor, &createdAt,
	)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	tx.RuleCode = ruleCode.String
	tx.BadgeID = badgeID.String
	tx.ConversionID = ledger.ConversionID(conversionID.Int64)
	tx.Delta = mustDecimal(delta)
	tx.Snapshot = ledger.Snapshot{
		NonCashable: mustDecimal(snapNC),
		Cashable:    mustDecimal(snapC),
		Money:       mustDecimal(snapM),
	}
	tx.Context = ledger.Context{
		PrescriptionID: prescription.String,
		PatientID:      patient.String,
		SourceID:       src.String,
	}
	tx.Remarks = remarks.String
	tx.ActorID = actor.String
	tx.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return tx, nil
}

// Conversions returns the user's conversions, newest first.
func (s *Store) Conversions(ctx context.Context, userID ledger.UserID) ([]ledger.Conversion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, from_denomination, to_denomination, amount, rate, converted, created_at
		FROM reward_conversions
		WHERE user_id = ?
		ORDER BY id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversions: %w", err)
	}
	defer rows.Close()

	var conversions []ledger.Conversion
	for rows.Next() {
		var (
			c                  ledger.Conversion
			amount, rate, conv string
			createdAt          string
		)
		if err := rows.Scan(&c.ID, &c.UserID, &c.From, &c.To, &amount, &rate, &conv, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversion: %w", err)
		}
		c.Amount = mustDecimal(amount)
		c.Rate = mustDecimal(rate)
		c.Converted = mustDecimal(conv)
		c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		conversions = append(conversions, c)
	}
	return conversions, rows.Err()
}

// Totals aggregates lifetime earned/consumed, excluding conversion legs.
func (s *Store) Totals(ctx context.Context, userID ledger.UserID) (ledger.Totals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT delta, kind FROM reward_transactions
		WHERE user_id = ? AND kind != ?`,
		userID, ledger.KindConvert)
	if err != nil {
		return ledger.Totals{}, fmt.Errorf("failed to query totals: %w", err)
	}
	defer rows.Close()

	t := ledger.Totals{
		LifetimeEarned:   decimal.Zero,
		LifetimeConsumed: decimal.Zero,
	}
	for rows.Next() {
		var deltaStr string
		var kind ledger.EventKind
		if err := rows.Scan(&deltaStr, &kind); err != nil {
			return ledger.Totals{}, err
		}
		delta := mustDecimal(deltaStr)
		if delta.IsNegative() {
			t.LifetimeConsumed = t.LifetimeConsumed.Add(delta.Neg())
		} else {
			t.LifetimeEarned = t.LifetimeEarned.Add(delta)
		}
		if kind == ledger.KindEarn {
			t.ActivityCount++
		}
	}
	return t, rows.Err()
}

// SumDeltas replays the transaction stream into a per-denomination
// snapshot. Decimal sums are done in Go; SQLite SUM() would fall back to
// floating point on the TEXT column.
func (s *Store) SumDeltas(ctx context.Context, userID ledger.UserID) (ledger.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT denomination, delta FROM reward_transactions WHERE user_id = ? ORDER BY id ASC",
		userID)
	if err != nil {
		return ledger.Snapshot{}, fmt.Errorf("failed to replay ledger: %w", err)
	}
	defer rows.Close()

	var snap ledger.Snapshot
	for rows.Next() {
		var denom ledger.Denomination
		var deltaStr string
		if err := rows.Scan(&denom, &deltaStr); err != nil {
			return ledger.Snapshot{}, err
		}
		delta := mustDecimal(deltaStr)
		switch denom {
		case ledger.NonCashable:
			snap.NonCashable = snap.NonCashable.Add(delta)
		case ledger.Cashable:
			snap.Cashable = snap.Cashable.Add(delta)
		case ledger.Money:
			snap.Money = snap.Money.Add(delta)
		}
	}
	return snap, rows.Err()
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt64(n int64) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: n, Valid: true}
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Compile-time interface checks.
var (
	_ ledger.Store            = (*Store)(nil)
	_ catalog.RuleSource      = (*Store)(nil)
	_ catalog.BadgeSource     = (*Store)(nil)
	_ badge.AwardStore        = (*Store)(nil)
	_ reward.SettingsProvider = (*Store)(nil)
)
