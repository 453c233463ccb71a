package market

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-hedger/pkg/types"
)

// TopOfBook mirrors the best bid and ask for the two tokens of one window.
// It is fed from REST snapshots (initial load) and WebSocket events, and
// read by the pricing and liquidation layers. Full depth is not kept; every
// decision in this bot uses only the touch.
type TopOfBook struct {
	mu      sync.RWMutex
	quotes  map[string]quote // tokenID -> best bid/ask
	updated time.Time
}

type quote struct {
	bid decimal.Decimal
	ask decimal.Decimal
}

// NewTopOfBook creates an empty mirror.
func NewTopOfBook() *TopOfBook {
	return &TopOfBook{quotes: make(map[string]quote)}
}

// ApplyBookResponse seeds a token's quote from a REST book snapshot.
// Bids arrive best-first descending, asks best-first ascending.
func (t *TopOfBook) ApplyBookResponse(resp *types.BookResponse) {
	var bid, ask decimal.Decimal
	if len(resp.Bids) > 0 {
		bid = parsePrice(resp.Bids[0].Price)
	}
	if len(resp.Asks) > 0 {
		ask = parsePrice(resp.Asks[0].Price)
	}
	t.set(resp.AssetID, bid, ask)
}

// ApplyBookEvent replaces a token's quote from a full WS snapshot.
func (t *TopOfBook) ApplyBookEvent(event types.WSBookEvent) {
	var bid, ask decimal.Decimal
	if len(event.Buys) > 0 {
		bid = parsePrice(event.Buys[0].Price)
	}
	if len(event.Sells) > 0 {
		ask = parsePrice(event.Sells[0].Price)
	}
	t.set(event.AssetID, bid, ask)
}

// ApplyPriceChange applies the best bid/ask carried on incremental updates.
func (t *TopOfBook) ApplyPriceChange(event types.WSPriceChangeEvent) {
	for _, pc := range event.PriceChanges {
		if pc.BestBid == "" && pc.BestAsk == "" {
			continue
		}
		t.set(pc.AssetID, parsePrice(pc.BestBid), parsePrice(pc.BestAsk))
	}
}

func (t *TopOfBook) set(tokenID string, bid, ask decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.quotes[tokenID] = quote{bid: bid, ask: ask}
	t.updated = time.Now()
}

// BestBid returns the highest resting buy for a token. ok is false when the
// bid side is empty or the token has never been quoted.
func (t *TopOfBook) BestBid(tokenID string) (decimal.Decimal, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	q, found := t.quotes[tokenID]
	if !found || q.bid.IsZero() {
		return decimal.Zero, false
	}
	return q.bid, true
}

// BestAsk returns the lowest resting sell for a token.
func (t *TopOfBook) BestAsk(tokenID string) (decimal.Decimal, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	q, found := t.quotes[tokenID]
	if !found || q.ask.IsZero() {
		return decimal.Zero, false
	}
	return q.ask, true
}

// MidPrice returns (bid+ask)/2 for a token, false if either side is empty.
func (t *TopOfBook) MidPrice(tokenID string) (decimal.Decimal, bool) {
	bid, okBid := t.BestBid(tokenID)
	ask, okAsk := t.BestAsk(tokenID)
	if !okBid || !okAsk {
		return decimal.Zero, false
	}
	return bid.Add(ask).Div(decimal.NewFromInt(2)), true
}

// IsStale reports whether no update has arrived within maxAge.
func (t *TopOfBook) IsStale(maxAge time.Duration) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.updated.IsZero() {
		return true
	}
	return time.Since(t.updated) > maxAge
}

func parsePrice(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
