/*
locks.go - Per-user serialization guard

PURPOSE:
  All mutating operations on a given user's balance must be serialized
  relative to each other, while operations for different users proceed
  independently. The Guard hands out one slot per user: whoever holds the
  slot owns the user's read-modify-write window.

WHY NOT A GLOBAL LOCK?
  A single mutex would serialize the whole economy. Contention is per-user
  by nature: two workers crediting the same patient must queue, two workers
  crediting different patients must not.

BOUNDED WAIT:
  Acquire gives up after the configured wait and returns ErrContention
  rather than hanging the caller behind a stalled mutation. The writer
  retries a bounded number of times before surfacing the error.

CLEANUP:
  Slots are reference-counted and removed from the map when the last
  waiter releases, so the map does not grow with the user population.
*/
package ledger

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// GUARD - One mutation slot per user
// =============================================================================

type Guard struct {
	mu    sync.Mutex
	slots map[UserID]*slot
}

type slot struct {
	ch   chan struct{} // capacity 1; holding the token = holding the lock
	refs int
}

func NewGuard() *Guard {
	return &Guard{slots: make(map[UserID]*slot)}
}

// Acquire blocks until the user's slot is free, the wait elapses, or ctx is
// cancelled. On success it returns a release function that must be called
// exactly once.
func (g *Guard) Acquire(ctx context.Context, userID UserID, wait time.Duration) (func(), error) {
	g.mu.Lock()
	s, ok := g.slots[userID]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		s.ch <- struct{}{}
		g.slots[userID] = s
	}
	s.refs++
	g.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-s.ch:
		return func() { g.release(userID, s) }, nil
	case <-timer.C:
		g.unref(userID, s)
		return nil, ErrContention
	case <-ctx.Done():
		g.unref(userID, s)
		return nil, ctx.Err()
	}
}

func (g *Guard) release(userID UserID, s *slot) {
	s.ch <- struct{}{}
	g.unref(userID, s)
}

func (g *Guard) unref(userID UserID, s *slot) {
	g.mu.Lock()
	s.refs--
	if s.refs == 0 {
		delete(g.slots, userID)
	}
	g.mu.Unlock()
}
