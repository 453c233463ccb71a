package pricing

import (
	"sync"

	"polymarket-hedger/pkg/types"
)

// FailurePolicy tracks consecutive POST_ONLY crossing rejections per symbol
// and switches that symbol to GTC once the budget is exhausted. POST_ONLY
// earns a maker rebate; chronic crossing means the market structurally wants
// a taker, so we stop fighting it.
//
// The counter is monotone within a window and resets to zero whenever both
// legs of a placement are accepted, whatever the order type.
type FailurePolicy struct {
	mu          sync.Mutex
	maxAttempts int
	counts      map[string]int
}

// NewFailurePolicy creates the counter with the configured budget.
func NewFailurePolicy(maxAttempts int) *FailurePolicy {
	return &FailurePolicy{
		maxAttempts: maxAttempts,
		counts:      make(map[string]int),
	}
}

// OrderType returns the order type the next placement for symbol should use.
func (f *FailurePolicy) OrderType(symbol string) types.OrderType {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts[symbol] >= f.maxAttempts {
		return types.OrderTypeGTC
	}
	return types.OrderTypePostOnly
}

// RecordCrossing bumps the symbol's counter after a crossing rejection on
// either leg.
func (f *FailurePolicy) RecordCrossing(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[symbol]++
}

// RecordAccepted resets the counter after a placement where both legs were
// accepted, GTC included. Any accepted pair ends the crossing streak; the
// next window starts with a fresh POST_ONLY budget.
func (f *FailurePolicy) RecordAccepted(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[symbol] = 0
}

// Count reports the current counter, for logging and tests.
func (f *FailurePolicy) Count(symbol string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[symbol]
}
