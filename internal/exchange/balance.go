package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// balanceTTL bounds how stale a served balance may be. Fill events
// invalidate the affected entries immediately, so the TTL only covers
// balance changes the user feed did not see (deposits, external trades).
const balanceTTL = 1 * time.Second

const collateralKey = "__collateral__"

type balanceEntry struct {
	value     decimal.Decimal
	fetchedAt time.Time
}

// balanceCache is a read-through cache over /balance-allowance.
// One entry per token plus one for collateral.
type balanceCache struct {
	client *Client

	mu      sync.Mutex
	entries map[string]balanceEntry
}

func newBalanceCache(client *Client) *balanceCache {
	return &balanceCache{
		client:  client,
		entries: make(map[string]balanceEntry),
	}
}

func (b *balanceCache) collateral(ctx context.Context) (decimal.Decimal, error) {
	return b.get(ctx, collateralKey, "COLLATERAL", "")
}

func (b *balanceCache) token(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	return b.get(ctx, tokenID, "CONDITIONAL", tokenID)
}

func (b *balanceCache) get(ctx context.Context, key, assetType, tokenID string) (decimal.Decimal, error) {
	b.mu.Lock()
	if entry, ok := b.entries[key]; ok && time.Since(entry.fetchedAt) < balanceTTL {
		b.mu.Unlock()
		return entry.value, nil
	}
	b.mu.Unlock()

	// Fetch outside the lock; a duplicate fetch under contention is cheaper
	// than holding the mutex across a network call.
	value, err := b.client.fetchBalance(ctx, assetType, tokenID)
	if err != nil {
		return decimal.Zero, err
	}

	b.mu.Lock()
	b.entries[key] = balanceEntry{value: value, fetchedAt: time.Now()}
	b.mu.Unlock()
	return value, nil
}

// invalidate drops the token's entry and the collateral entry: a fill on any
// token moves USDC as well.
func (b *balanceCache) invalidate(tokenID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, tokenID)
	delete(b.entries, collateralKey)
}
