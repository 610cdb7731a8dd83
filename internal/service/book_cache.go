package service

import (
	"sort"
	"sync/atomic"
	"time"

	"latency_arb/internal/domain"
)

// MarketBookCache keeps the latest top-of-book snapshot per market.
// Snapshots are swapped atomically and never mutated, so reads never block.
type MarketBookCache struct {
	books map[string]*atomic.Pointer[domain.OrderBookSnapshot] // fixed at construction
	now   func() time.Time
}

// NewMarketBookCache creates a cache for the given market ids.
func NewMarketBookCache(marketIDs []string) *MarketBookCache {
	books := make(map[string]*atomic.Pointer[domain.OrderBookSnapshot], len(marketIDs))
	for _, id := range marketIDs {
		books[id] = &atomic.Pointer[domain.OrderBookSnapshot]{}
	}
	return &MarketBookCache{books: books, now: time.Now}
}

// Store replaces the snapshot of a market. Older snapshots never overwrite newer ones.
func (c *MarketBookCache) Store(snap domain.OrderBookSnapshot) {
	slot, ok := c.books[snap.MarketID]
	if !ok {
		return
	}
	next := &snap
	for {
		cur := slot.Load()
		if cur != nil && cur.FetchedAt.After(snap.FetchedAt) {
			return
		}
		if slot.CompareAndSwap(cur, next) {
			return
		}
	}
}

// Get returns the latest snapshot and its age. ok is false if the market
// is unknown or was never refreshed.
func (c *MarketBookCache) Get(marketID string) (domain.OrderBookSnapshot, time.Duration, bool) {
	slot, ok := c.books[marketID]
	if !ok {
		return domain.OrderBookSnapshot{}, 0, false
	}
	snap := slot.Load()
	if snap == nil {
		return domain.OrderBookSnapshot{}, 0, false
	}
	return *snap, snap.Age(c.now()), true
}

// All returns every known snapshot sorted by market id (for state dumps).
func (c *MarketBookCache) All() []domain.OrderBookSnapshot {
	result := make([]domain.OrderBookSnapshot, 0, len(c.books))
	for _, slot := range c.books {
		if snap := slot.Load(); snap != nil {
			result = append(result, *snap)
		}
	}

	// Sort by market for consistent ordering
	sort.Slice(result, func(i, j int) bool {
		return result[i].MarketID < result[j].MarketID
	})
	return result
}
