// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/smartrx/reward-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	balances     map[ledger.UserID]ledger.Balance
	transactions map[ledger.UserID][]ledger.Transaction
	conversions  map[ledger.UserID][]ledger.Conversion
	nextTxID     ledger.TransactionID
	nextConvID   ledger.ConversionID
}

func NewMemory() *Memory {
	return &Memory{
		balances:     make(map[ledger.UserID]ledger.Balance),
		transactions: make(map[ledger.UserID][]ledger.Transaction),
		conversions:  make(map[ledger.UserID][]ledger.Conversion),
	}
}

// Balance returns the user's row, lazily creating a zero row.
func (m *Memory) Balance(_ context.Context, userID ledger.UserID) (ledger.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balanceLocked(userID), nil
}

func (m *Memory) balanceLocked(userID ledger.UserID) ledger.Balance {
	b, ok := m.balances[userID]
	if !ok {
		b = ledger.ZeroBalance(userID)
		m.balances[userID] = b
	}
	return b
}

// Update runs fn under the store lock and commits the mutation, or leaves
// state untouched when fn fails.
func (m *Memory) Update(_ context.Context, userID ledger.UserID, fn ledger.UpdateFunc) (ledger.UpdateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.balanceLocked(userID)
	mut, err := fn(current)
	if err != nil {
		return ledger.UpdateResult{}, err
	}

	now := time.Now().UTC()
	result := ledger.UpdateResult{}

	if mut.Conversion != nil {
		m.nextConvID++
		conv := *mut.Conversion
		conv.ID = m.nextConvID
		conv.CreatedAt = now
		m.conversions[userID] = append(m.conversions[userID], conv)
		result.ConversionID = conv.ID
	}

	for _, tx := range mut.Transactions {
		m.nextTxID++
		tx.ID = m.nextTxID
		tx.CreatedAt = now
		if tx.Kind == ledger.KindConvert {
			tx.ConversionID = result.ConversionID
		}
		m.transactions[userID] = append(m.transactions[userID], tx)
		result.TransactionIDs = append(result.TransactionIDs, tx.ID)
	}

	mut.Balance.UserID = userID
	mut.Balance.UpdatedAt = now
	m.balances[userID] = mut.Balance
	result.Balance = mut.Balance

	return result, nil
}

// Transactions returns a filtered page plus the total match count.
func (m *Memory) Transactions(_ context.Context, userID ledger.UserID, filter ledger.HistoryFilter, page ledger.Page) ([]ledger.Transaction, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []ledger.Transaction
	for _, tx := range m.transactions[userID] {
		if matchesFilter(tx, filter) {
			matched = append(matched, tx)
		}
	}

	page = page.Normalize()
	if page.SortDesc {
		sort.SliceStable(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })
	}

	total := len(matched)
	start := page.Offset()
	if start >= total {
		return nil, total, nil
	}
	end := start + page.Size
	if end > total {
		end = total
	}

	out := make([]ledger.Transaction, end-start)
	copy(out, matched[start:end])
	return out, total, nil
}

func matchesFilter(tx ledger.Transaction, filter ledger.HistoryFilter) bool {
	switch filter.Kind {
	case ledger.HistoryEarned:
		if tx.Delta.IsNegative() {
			return false
		}
	case ledger.HistoryConsumed:
		if !tx.Delta.IsNegative() {
			return false
		}
	}
	if filter.From != nil && tx.CreatedAt.Before(*filter.From) {
		return false
	}
	if filter.To != nil && tx.CreatedAt.After(*filter.To) {
		return false
	}
	return true
}

// Conversions returns the user's conversions, newest first.
func (m *Memory) Conversions(_ context.Context, userID ledger.UserID) ([]ledger.Conversion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	convs := m.conversions[userID]
	out := make([]ledger.Conversion, len(convs))
	for i, c := range convs {
		out[len(convs)-1-i] = c
	}
	return out, nil
}

// Totals aggregates lifetime earned/consumed, excluding conversion legs.
func (m *Memory) Totals(_ context.Context, userID ledger.UserID) (ledger.Totals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t := ledger.Totals{
		LifetimeEarned:   decimal.Zero,
		LifetimeConsumed: decimal.Zero,
	}
	for _, tx := range m.transactions[userID] {
		if tx.Kind == ledger.KindConvert {
			continue
		}
		if tx.Delta.IsNegative() {
			t.LifetimeConsumed = t.LifetimeConsumed.Add(tx.Delta.Neg())
		} else {
			t.LifetimeEarned = t.LifetimeEarned.Add(tx.Delta)
		}
		if tx.Kind == ledger.KindEarn {
			t.ActivityCount++
		}
	}
	return t, nil
}

// SumDeltas replays the stream into a per-denomination snapshot.
func (m *Memory) SumDeltas(_ context.Context, userID ledger.UserID) (ledger.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var snap ledger.Snapshot
	for _, tx := range m.transactions[userID] {
		switch tx.Denomination {
		case ledger.NonCashable:
			snap.NonCashable = snap.NonCashable.Add(tx.Delta)
		case ledger.Cashable:
			snap.Cashable = snap.Cashable.Add(tx.Delta)
		case ledger.Money:
			snap.Money = snap.Money.Add(tx.Delta)
		}
	}
	return snap, nil
}
