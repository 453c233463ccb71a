package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-hedger/internal/clock"
	"polymarket-hedger/pkg/types"
)

func monitorFixture(t *testing.T) (*FillMonitor, *mockExchange, *clock.Fake, *Pair) {
	t.Helper()
	start := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start.Add(7 * time.Second))
	ex := newMockExchange(clk)
	st := openTestStore(t)

	m := NewFillMonitor(ex, st, clk, 120*time.Second, 5*time.Second,
		decimal.RequireFromString("5.0"), discardLogger())

	// Seed two live legs through the mock so GetOrder knows them.
	placed, err := ex.PlaceBatch(context.Background(), []types.UserOrder{
		{TokenID: "tok-up", Price: decimal.RequireFromString("0.52"), Size: decimal.RequireFromString("10"), Side: types.BUY},
		{TokenID: "tok-down", Price: decimal.RequireFromString("0.46"), Size: decimal.RequireFromString("10"), Side: types.BUY},
	}, false)
	if err != nil {
		t.Fatalf("seed orders: %v", err)
	}

	pair := &Pair{
		ID: "pair-test",
		Entry: &Leg{
			Role:       types.LegEntry,
			Side:       types.UP,
			TokenID:    "tok-up",
			Price:      decimal.RequireFromString("0.52"),
			Intended:   decimal.RequireFromString("10"),
			ExchangeID: placed[0].ExchangeID,
			Status:     types.OrderLive,
		},
		Hedge: &Leg{
			Role:       types.LegHedge,
			Side:       types.DOWN,
			TokenID:    "tok-down",
			Price:      decimal.RequireFromString("0.46"),
			Intended:   decimal.RequireFromString("10"),
			ExchangeID: placed[1].ExchangeID,
			Status:     types.OrderLive,
		},
	}

	// Back the legs with store rows so status updates have a target.
	for _, leg := range pair.Legs() {
		id, err := st.InsertTradeRecord(context.Background(), &types.TradeRecord{
			PairID:       pair.ID,
			Role:         leg.Role,
			Symbol:       "BTC",
			TokenID:      leg.TokenID,
			WindowStart:  start,
			WindowEnd:    start.Add(15 * time.Minute),
			Side:         leg.Side,
			EntryPrice:   leg.Price,
			IntendedSize: leg.Intended,
			OrderStatus:  types.OrderLive,
			Outcome:      types.OutcomeOpen,
			CreatedAt:    clk.Now(),
		})
		if err != nil {
			t.Fatalf("insert leg: %v", err)
		}
		leg.RecordID = id
	}
	return m, ex, clk, pair
}

// rescheduleFill makes an already-placed mock order fill at a given offset.
func rescheduleFill(ex *mockExchange, exchangeID string, at time.Time, size decimal.Decimal) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	mo := ex.orders[exchangeID]
	mo.fillAt = at
	mo.fillSize = size
}

func TestMonitorBothFilled(t *testing.T) {
	t.Parallel()
	m, ex, clk, pair := monitorFixture(t)
	full := decimal.RequireFromString("10")
	rescheduleFill(ex, pair.Entry.ExchangeID, clk.Now().Add(10*time.Second), full)
	rescheduleFill(ex, pair.Hedge.ExchangeID, clk.Now().Add(20*time.Second), full)

	res, err := m.Watch(context.Background(), pair)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if res.Outcome != BothFilled {
		t.Fatalf("outcome = %s, want BOTH_FILLED", res.Outcome)
	}
	// Early exit: no cancels needed.
	if n := len(ex.canceledIDs()); n != 0 {
		t.Errorf("cancels = %d, want 0", n)
	}
}

func TestMonitorTimeoutCancelsLive(t *testing.T) {
	t.Parallel()
	m, ex, clk, pair := monitorFixture(t)
	full := decimal.RequireFromString("10")
	rescheduleFill(ex, pair.Entry.ExchangeID, clk.Now().Add(10*time.Second), full)
	// Hedge never fills.

	deadline := clk.Now().Add(120 * time.Second)
	res, err := m.Watch(context.Background(), pair)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if res.Outcome != OneFilled {
		t.Fatalf("outcome = %s, want ONE_FILLED", res.Outcome)
	}
	if res.FilledLeg != pair.Entry {
		t.Error("filled leg should be the entry")
	}

	// The live hedge was cancel-requested at the deadline.
	cancels := ex.canceledIDs()
	if len(cancels) != 1 || cancels[0] != pair.Hedge.ExchangeID {
		t.Errorf("cancels = %v, want exactly the hedge", cancels)
	}
	if clk.Now().Before(deadline) {
		t.Error("monitor returned before the fill timeout")
	}
}

func TestMonitorPartialClassification(t *testing.T) {
	t.Parallel()
	m, ex, clk, pair := monitorFixture(t)
	rescheduleFill(ex, pair.Entry.ExchangeID, clk.Now().Add(10*time.Second), decimal.RequireFromString("7.5"))
	// Hedge untouched.

	res, err := m.Watch(context.Background(), pair)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if res.Outcome != PartialOne {
		t.Fatalf("outcome = %s, want PARTIAL_ONE", res.Outcome)
	}
	if !res.FilledLeg.Filled.Equal(decimal.RequireFromString("7.5")) {
		t.Errorf("filled = %s, want 7.5", res.FilledLeg.Filled)
	}
}

func TestMonitorNeitherFilled(t *testing.T) {
	t.Parallel()
	m, ex, _, pair := monitorFixture(t)

	res, err := m.Watch(context.Background(), pair)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if res.Outcome != NeitherFilled {
		t.Fatalf("outcome = %s, want NEITHER_FILLED", res.Outcome)
	}
	if n := len(ex.canceledIDs()); n != 2 {
		t.Errorf("cancels = %d, want both legs", n)
	}
}

func TestMonitorPhantomFilledStaysLive(t *testing.T) {
	t.Parallel()
	m, ex, _, pair := monitorFixture(t)
	ex.phantomTokens["tok-down"] = true

	res, err := m.Watch(context.Background(), pair)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	// The phantom hedge never counts as holding a position.
	if res.Outcome != NeitherFilled {
		t.Fatalf("outcome = %s, want NEITHER_FILLED", res.Outcome)
	}
	if !pair.Hedge.Filled.IsZero() {
		t.Errorf("hedge filled = %s, want 0", pair.Hedge.Filled)
	}
}
