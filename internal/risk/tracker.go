// Package risk enforces the portfolio exposure cap: the sum of collateral
// committed to open pairs may not exceed maxPortfolioExposure of the
// available balance.
//
// Durable exposure lives in the store (bet_collateral of OPEN records); the
// tracker adds an in-memory reservation layer so that two lifecycles pricing
// concurrently cannot both pass the check and jointly blow the cap. A
// reservation is taken before placement and released once the pair's records
// are committed (they then count through the store) or the placement is
// abandoned.
package risk

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"polymarket-hedger/internal/store"
)

// ErrExposureCap is returned when a new pair would push open collateral past
// the cap. The window is skipped, never retried.
var ErrExposureCap = errors.New("portfolio exposure cap reached")

// Tracker gates new pairs against the exposure cap.
type Tracker struct {
	store  *store.Store
	maxPct decimal.Decimal
	logger *slog.Logger

	mu       sync.Mutex
	reserved map[string]decimal.Decimal // pairID -> in-flight collateral
}

// NewTracker builds the tracker. maxPortfolioExposure is a fraction in (0, 1].
func NewTracker(st *store.Store, maxPortfolioExposure float64, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:    st,
		maxPct:   decimal.NewFromFloat(maxPortfolioExposure),
		logger:   logger.With("component", "risk"),
		reserved: make(map[string]decimal.Decimal),
	}
}

// Reserve admits a pair worth collateral USDC against the cap, computed from
// the current balance. On success the reservation is held until Release.
func (t *Tracker) Reserve(ctx context.Context, pairID string, collateral, balance decimal.Decimal) error {
	open, err := t.store.OpenExposure(ctx)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	inFlight := decimal.Zero
	for _, c := range t.reserved {
		inFlight = inFlight.Add(c)
	}

	limit := balance.Mul(t.maxPct)
	total := open.Add(inFlight).Add(collateral)
	if total.GreaterThan(limit) {
		t.logger.Warn("exposure cap reached",
			"pair_id", pairID,
			"open", open.String(),
			"in_flight", inFlight.String(),
			"requested", collateral.String(),
			"limit", limit.String(),
		)
		return ErrExposureCap
	}

	t.reserved[pairID] = collateral
	return nil
}

// Release drops the in-flight reservation for a pair. Safe to call for a
// pair that was never reserved.
func (t *Tracker) Release(pairID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.reserved, pairID)
}

// Reserved reports the total in-flight collateral, for logging and tests.
func (t *Tracker) Reserved() decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := decimal.Zero
	for _, c := range t.reserved {
		total = total.Add(c)
	}
	return total
}
