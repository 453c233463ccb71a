package lifecycle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-hedger/internal/clock"
	"polymarket-hedger/internal/exchange"
	"polymarket-hedger/internal/store"
	"polymarket-hedger/pkg/types"
)

// mockExchange is a deterministic scripted exchange driven by the fake
// clock: orders fill once the clock passes their scripted fill instant.
type mockExchange struct {
	mu  sync.Mutex
	clk *clock.Fake
	seq int

	orders  map[string]*mockOrder
	bids    map[string]decimal.Decimal
	balance decimal.Decimal
	tokens  map[string]decimal.Decimal

	// Script knobs.
	crossingBatches int                       // first N POST_ONLY batches bounce as crossing
	buyFillDelay    map[string]time.Duration  // token -> delay to fill; absent = never
	buyFillSize     map[string]decimal.Decimal // token -> partial fill size; absent = full
	phantomTokens   map[string]bool           // placement response claims FILLED for these
	sellFillAttempt int                       // 1-based sell placement that fills; 0 = first

	batchCount int
	sellCount  int
	cancels    []string
}

type mockOrder struct {
	order    types.UserOrder
	fillAt   time.Time
	fillSize decimal.Decimal
	canceled bool
}

func newMockExchange(clk *clock.Fake) *mockExchange {
	return &mockExchange{
		clk:           clk,
		orders:        make(map[string]*mockOrder),
		bids:          make(map[string]decimal.Decimal),
		balance:       decimal.RequireFromString("1000"),
		tokens:        make(map[string]decimal.Decimal),
		buyFillDelay:  make(map[string]time.Duration),
		buyFillSize:   make(map[string]decimal.Decimal),
		phantomTokens: make(map[string]bool),
	}
}

func (m *mockExchange) PlaceBatch(_ context.Context, orders []types.UserOrder, _ bool) ([]types.PlacedOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.batchCount++
	if m.crossingBatches > 0 && orders[0].OrderType == types.OrderTypePostOnly {
		m.crossingBatches--
		results := make([]types.PlacedOrder, len(orders))
		for i := range results {
			results[i] = types.PlacedOrder{Err: exchange.ErrCrossing}
		}
		return results, nil
	}

	results := make([]types.PlacedOrder, len(orders))
	for i, o := range orders {
		m.seq++
		id := fmt.Sprintf("ord-%d", m.seq)
		mo := &mockOrder{order: o}

		if o.Side == types.BUY {
			if delay, ok := m.buyFillDelay[o.TokenID]; ok {
				mo.fillAt = m.clk.Now().Add(delay)
				mo.fillSize = o.Size
				if partial, ok := m.buyFillSize[o.TokenID]; ok {
					mo.fillSize = partial
				}
			}
		} else {
			m.sellCount++
			want := m.sellFillAttempt
			if want == 0 {
				want = 1
			}
			if m.sellCount >= want {
				mo.fillAt = m.clk.Now().Add(time.Second)
				mo.fillSize = o.Size
			}
		}

		m.orders[id] = mo
		status := types.OrderLive
		if m.phantomTokens[o.TokenID] {
			status = types.OrderFilled // claimed, never backed by fill size
		}
		results[i] = types.PlacedOrder{ExchangeID: id, Status: status}
	}
	return results, nil
}

func (m *mockExchange) GetOrder(_ context.Context, exchangeID string) (types.OrderState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mo, ok := m.orders[exchangeID]
	if !ok {
		return types.OrderState{}, exchange.ErrNotFound
	}

	state := types.OrderState{ExchangeID: exchangeID, Status: types.OrderLive, FilledSize: decimal.Zero}
	filled := !mo.fillAt.IsZero() && !m.clk.Now().Before(mo.fillAt)
	if filled {
		state.FilledSize = mo.fillSize
		state.AvgFillPrice = mo.order.Price
		if mo.fillSize.GreaterThanOrEqual(mo.order.Size) {
			state.Status = types.OrderFilled
		} else {
			state.Status = types.OrderPartiallyFilled
		}
	}
	if mo.canceled && state.Status != types.OrderFilled {
		state.Status = types.OrderCanceled
	}
	// A phantom placement also phantoms the first verify read: claim FILLED
	// with zero size until the real fill (if any) lands.
	if m.phantomTokens[mo.order.TokenID] && !filled && !mo.canceled {
		state.Status = types.OrderFilled
		state.FilledSize = decimal.Zero
	}
	return state, nil
}

func (m *mockExchange) Cancel(_ context.Context, exchangeID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels = append(m.cancels, exchangeID)
	if mo, ok := m.orders[exchangeID]; ok {
		mo.canceled = true
		// A cancel freezes any future fill.
		if !mo.fillAt.IsZero() && m.clk.Now().Before(mo.fillAt) {
			mo.fillAt = time.Time{}
		}
	}
	return true, nil
}

func (m *mockExchange) BestBid(_ context.Context, tokenID string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bids[tokenID], nil
}

func (m *mockExchange) CollateralBalance(_ context.Context) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance, nil
}

func (m *mockExchange) TokenBalance(_ context.Context, tokenID string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[tokenID], nil
}

func (m *mockExchange) canceledIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.cancels...)
}

// mockResolver resolves the market at a scripted instant.
type mockResolver struct {
	clk       *clock.Fake
	resolveAt time.Time
	winnerTok string
}

func (r *mockResolver) CheckResolution(_ context.Context, _ *types.Window) (bool, string, error) {
	if r.clk.Now().Before(r.resolveAt) {
		return false, "", nil
	}
	return true, r.winnerTok, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "trades.db"), discardLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func testWindow(start time.Time) *types.Window {
	return &types.Window{
		Symbol:       "BTC",
		ConditionID:  "0xcond",
		Slug:         "bitcoin-up-or-down",
		UpTokenID:    "tok-up",
		DownTokenID:  "tok-down",
		WindowStart:  start,
		WindowEnd:    start.Add(15 * time.Minute),
		TickSize:     types.Tick001,
		MinOrderSize: decimal.RequireFromString("5.0"),
	}
}
