package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-hedger/internal/clock"
	"polymarket-hedger/internal/config"
	"polymarket-hedger/internal/pricing"
	"polymarket-hedger/internal/risk"
	"polymarket-hedger/internal/signal"
	"polymarket-hedger/internal/store"
	"polymarket-hedger/pkg/types"
)

// scriptedSignal returns base until lateAt, then late. Driven by the fake
// clock so optimizer-window flips are deterministic.
type scriptedSignal struct {
	clk    *clock.Fake
	base   signal.Signal
	lateAt time.Time
	late   signal.Signal
}

func (s *scriptedSignal) GetSignal(_ context.Context, _ *types.Window) (signal.Signal, error) {
	if !s.lateAt.IsZero() && !s.clk.Now().Before(s.lateAt) {
		return s.late, nil
	}
	return s.base, nil
}

type harness struct {
	clk      *clock.Fake
	ex       *mockExchange
	st       *store.Store
	failures *pricing.FailurePolicy
	resolver *mockResolver
	window   *types.Window
	sig      *scriptedSignal
	lc       *TradeLifecycle
}

func testTradingConfig() config.TradingConfig {
	return config.TradingConfig{
		Symbols:             []string{"BTC"},
		MinEdge:             0.35,
		CombinedCap:         decimal.RequireFromString("0.99"),
		FillTimeout:         120 * time.Second,
		PollInterval:        5 * time.Second,
		SettleDelay:         2 * time.Second,
		MaxPostOnlyAttempts: 3,
		CrossingRetryBudget: 3,
		MinOrderSize:        decimal.RequireFromString("5.0"),
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	start := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start.Add(5 * time.Second))
	ex := newMockExchange(clk)
	st := openTestStore(t)
	w := testWindow(start)
	logger := discardLogger()

	ex.bids["tok-up"] = decimal.RequireFromString("0.52")
	ex.bids["tok-down"] = decimal.RequireFromString("0.46")

	trading := testTradingConfig()
	sizing := config.SizingConfig{
		BetPercent:           0.02,
		ScalingFactor:        1.0,
		MaxSize:              decimal.RequireFromString("100"),
		MaxSizeMode:          config.SizeCap,
		MaxPortfolioExposure: 0.5,
	}
	emergency := config.EmergencyConfig{
		WaitShort:     5 * time.Second,
		WaitMedium:    8 * time.Second,
		WaitLong:      10 * time.Second,
		FallbackPrice: decimal.RequireFromString("0.01"),
		HoldIfWinning: true,
	}
	preSettle := config.PreSettlementConfig{
		Enable:        true,
		MinConfidence: 0.80,
		Start:         180 * time.Second,
		Stop:          45 * time.Second,
		Interval:      30 * time.Second,
	}

	sig := &scriptedSignal{
		clk:  clk,
		base: signal.Signal{Confidence: 0.65, Bias: types.UP, PYes: 0.52},
	}
	signals := signal.NewFallback(sig, logger)
	failures := pricing.NewFailurePolicy(trading.MaxPostOnlyAttempts)
	policy := pricing.NewPolicy(config.Config{Trading: trading, Sizing: sizing})
	liq := NewEmergencyLiquidator(ex, clk, emergency, trading.MinOrderSize, logger)
	resolver := &mockResolver{clk: clk, resolveAt: w.WindowEnd, winnerTok: "tok-up"}

	deps := Deps{
		Exchange:   ex,
		Store:      st,
		Clock:      clk,
		Signals:    signals,
		Policy:     policy,
		Placer:     NewAtomicPlacer(ex, st, clk, failures, trading.SettleDelay, logger),
		Monitor:    NewFillMonitor(ex, st, clk, trading.FillTimeout, trading.PollInterval, trading.MinOrderSize, logger),
		Liquidator: liq,
		Optimizer:  NewPreSettlementOptimizer(signals, liq, clk, preSettle, logger),
		Tracker:    risk.NewTracker(st, sizing.MaxPortfolioExposure, logger),
		Resolver:   resolver,
		Logger:     logger,
	}

	return &harness{
		clk:      clk,
		ex:       ex,
		st:       st,
		failures: failures,
		resolver: resolver,
		window:   w,
		sig:      sig,
		lc:       New(w, trading, deps),
	}
}

func (h *harness) pairRecords(t *testing.T) (entry, hedge *types.TradeRecord) {
	t.Helper()
	recs, err := h.st.ListPair(context.Background(), h.lc.pair.ID)
	if err != nil {
		t.Fatalf("list pair: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("pair has %d records, want 2", len(recs))
	}
	return &recs[0], &recs[1]
}

func TestHappyPath(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.ex.buyFillDelay["tok-up"] = 30 * time.Second
	h.ex.buyFillDelay["tok-down"] = 30 * time.Second

	state, err := h.lc.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if state != StateFinalized {
		t.Fatalf("state = %s, want FINALIZED", state)
	}

	entry, hedge := h.pairRecords(t)
	if entry.Outcome != types.OutcomeResolvedWin {
		t.Errorf("entry outcome = %s, want RESOLVED_WIN", entry.Outcome)
	}
	if hedge.Outcome != types.OutcomeResolvedLoss {
		t.Errorf("hedge outcome = %s, want RESOLVED_LOSS", hedge.Outcome)
	}

	// Combined-price invariant.
	if entry.EntryPrice.Add(hedge.EntryPrice).GreaterThan(decimal.RequireFromString("0.99")) {
		t.Error("combined price exceeds cap")
	}

	// Net PnL per share = 1.00 - 0.52 - 0.46 = +0.02.
	s := entry.FilledSize
	wantNet := decimal.RequireFromString("0.02").Mul(s)
	net := entry.PnL.Add(hedge.PnL)
	if !net.Equal(wantNet) {
		t.Errorf("net pnl = %s, want %s", net, wantNet)
	}
	if entry.SettledAt.IsZero() || hedge.SettledAt.IsZero() {
		t.Error("settled timestamps missing")
	}
}

func TestCrossingFallbackResetsCounter(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.ex.crossingBatches = 1
	h.ex.buyFillDelay["tok-up"] = 20 * time.Second
	h.ex.buyFillDelay["tok-down"] = 20 * time.Second

	state, err := h.lc.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if state != StateFinalized {
		t.Fatalf("state = %s, want FINALIZED", state)
	}

	// The second attempt accepted as POST_ONLY, so the counter is clean.
	if got := h.failures.Count("BTC"); got != 0 {
		t.Errorf("failure count = %d, want 0 after accepted placement", got)
	}
	// Two batches: one rejected, one accepted.
	if h.ex.batchCount != 2 {
		t.Errorf("batches = %d, want 2", h.ex.batchCount)
	}
}

func TestCrossingBudgetExhausted(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.ex.crossingBatches = 100 // every POST_ONLY attempt bounces

	state, err := h.lc.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// After maxPostOnlyAttempts the policy flips to GTC, which the mock
	// accepts, so the lifecycle still completes. The accepted GTC pair then
	// clears the streak for the next window.
	if state != StateFinalized && state != StateIdleSkipped {
		t.Fatalf("state = %s, want terminal", state)
	}
	if got := h.failures.Count("BTC"); got != 0 {
		t.Errorf("failure count = %d, want 0 after accepted GTC pair", got)
	}
	if h.ex.batchCount != 4 {
		t.Errorf("batches = %d, want 3 rejected + 1 accepted", h.ex.batchCount)
	}
}

func TestOneSidedFillEmergencySell(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.ex.buyFillDelay["tok-up"] = 10 * time.Second // entry fills, hedge never
	h.ex.bids["tok-up"] = decimal.RequireFromString("0.50")
	h.ex.sellFillAttempt = 2

	state, err := h.lc.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if state != StateFinalized {
		t.Fatalf("state = %s, want FINALIZED", state)
	}

	entry, hedge := h.pairRecords(t)
	if entry.Outcome != types.OutcomeEmergencySold {
		t.Errorf("entry outcome = %s, want EMERGENCY_SOLD", entry.Outcome)
	}
	if hedge.Outcome != types.OutcomeCanceledUnfilled {
		t.Errorf("hedge outcome = %s, want CANCELED_UNFILLED", hedge.Outcome)
	}

	// Patient mode sells one cent under the bid: exit 0.49, entry 0.50.
	if entry.ExitPrice.String() != "0.49" {
		t.Errorf("exit = %s, want 0.49", entry.ExitPrice)
	}
	wantPnL := decimal.RequireFromString("-0.01").Mul(entry.FilledSize)
	if !entry.PnL.Equal(wantPnL) {
		t.Errorf("pnl = %s, want %s", entry.PnL, wantPnL)
	}
}

func TestPhantomFilledNeverTrusted(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.ex.buyFillDelay["tok-up"] = 10 * time.Second
	h.ex.phantomTokens["tok-down"] = true // hedge claims FILLED, never fills
	h.ex.bids["tok-up"] = decimal.RequireFromString("0.50")
	h.ex.sellFillAttempt = 1

	state, err := h.lc.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if state != StateFinalized {
		t.Fatalf("state = %s, want FINALIZED", state)
	}

	_, hedge := h.pairRecords(t)
	// The phantom claim must never have produced a FILLED hedge.
	if hedge.OrderStatus == types.OrderFilled {
		t.Error("phantom FILLED was trusted")
	}
	if hedge.Outcome != types.OutcomeCanceledUnfilled {
		t.Errorf("hedge outcome = %s, want CANCELED_UNFILLED", hedge.Outcome)
	}
	if !hedge.FilledSize.IsZero() {
		t.Errorf("hedge filled = %s, want 0", hedge.FilledSize)
	}
}

func TestPreSettlementExit(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.ex.buyFillDelay["tok-up"] = 30 * time.Second
	h.ex.buyFillDelay["tok-down"] = 30 * time.Second
	h.ex.sellFillAttempt = 1
	h.ex.bids["tok-down"] = decimal.RequireFromString("0.15")

	// At T+750s the signal flips hard UP.
	h.sig.lateAt = h.window.WindowStart.Add(750 * time.Second)
	h.sig.late = signal.Signal{Confidence: 0.85, Bias: types.UP, PYes: 0.9}

	state, err := h.lc.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if state != StateFinalized {
		t.Fatalf("state = %s, want FINALIZED", state)
	}

	entry, hedge := h.pairRecords(t)
	if entry.Outcome != types.OutcomeResolvedWin {
		t.Errorf("entry outcome = %s, want RESOLVED_WIN (kept leg)", entry.Outcome)
	}
	if hedge.Outcome != types.OutcomePreSettled {
		t.Errorf("hedge outcome = %s, want PRE_SETTLED", hedge.Outcome)
	}
	// Aggressive urgency at T+750: sell at bid 0.15 - 0.05 = 0.10.
	if hedge.ExitPrice.String() != "0.1" {
		t.Errorf("hedge exit = %s, want 0.1", hedge.ExitPrice)
	}
	// Recovered value beats the 0 the leg would pay at resolution.
	wantPnL := decimal.RequireFromString("0.1").Sub(hedge.EntryPrice).Mul(hedge.FilledSize)
	if !hedge.PnL.Equal(wantPnL) {
		t.Errorf("hedge pnl = %s, want %s", hedge.PnL, wantPnL)
	}
}

func TestPartialHedgeOrphaned(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.ex.buyFillDelay["tok-up"] = 10 * time.Second
	h.ex.buyFillDelay["tok-down"] = 20 * time.Second
	h.ex.buyFillSize["tok-down"] = decimal.RequireFromString("3.77") // below minimum
	h.ex.bids["tok-up"] = decimal.RequireFromString("0.50")
	h.ex.bids["tok-down"] = decimal.RequireFromString("0.05")
	h.ex.sellFillAttempt = 1

	state, err := h.lc.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if state != StateFinalized {
		t.Fatalf("state = %s, want FINALIZED", state)
	}

	entry, hedge := h.pairRecords(t)
	// Hedge dust is losing (bid 0.05 < entry 0.46): orphaned, written down.
	if hedge.Outcome != types.OutcomeOrphaned {
		t.Errorf("hedge outcome = %s, want ORPHANED", hedge.Outcome)
	}
	wantLoss := hedge.EntryPrice.Mul(decimal.RequireFromString("3.77")).Neg()
	if !hedge.PnL.Equal(wantLoss) {
		t.Errorf("hedge pnl = %s, want %s", hedge.PnL, wantLoss)
	}
	// Entry had its own liquidation path.
	if entry.Outcome != types.OutcomeEmergencySold {
		t.Errorf("entry outcome = %s, want EMERGENCY_SOLD", entry.Outcome)
	}
}

func TestLowConfidenceSkips(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.sig.base = signal.Signal{Confidence: 0.20, Bias: types.UP, PYes: 0.52}

	state, err := h.lc.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if state != StateIdleSkipped {
		t.Errorf("state = %s, want IDLE_SKIPPED", state)
	}
	if h.ex.batchCount != 0 {
		t.Errorf("batches = %d, want 0 for skipped window", h.ex.batchCount)
	}
}

func TestExposureCapSkips(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	// Pre-load the store with open exposure at the cap (limit = 500).
	insertOpenRecord(t, h.st, "existing", "500")

	state, err := h.lc.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if state != StateIdleSkipped {
		t.Errorf("state = %s, want IDLE_SKIPPED at exposure cap", state)
	}
	if h.ex.batchCount != 0 {
		t.Errorf("batches = %d, want 0", h.ex.batchCount)
	}
}

func TestRestartResumesExistingPair(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	// A previous run placed a pair that filled on both legs, then crashed
	// before resolution. The records are the only survivors.
	seedWindowLeg(t, h, "prior-pair", types.LegEntry, types.UP, "tok-up", "0.52",
		types.OrderFilled, types.OutcomeOpen)
	seedWindowLeg(t, h, "prior-pair", types.LegHedge, types.DOWN, "tok-down", "0.46",
		types.OrderFilled, types.OutcomeOpen)

	state, err := h.lc.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if state != StateFinalized {
		t.Fatalf("state = %s, want FINALIZED", state)
	}

	// The restart must not have priced a second pair into the window.
	if h.ex.batchCount != 0 {
		t.Errorf("batches = %d, want 0 when resuming a persisted pair", h.ex.batchCount)
	}
	recs, err := h.st.ListWindowTrades(context.Background(), "BTC", h.window.WindowStart)
	if err != nil {
		t.Fatalf("list window trades: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("window holds %d records, want the original 2", len(recs))
	}
	pairIDs := map[string]bool{}
	for _, rec := range recs {
		pairIDs[rec.PairID] = true
	}
	if len(pairIDs) != 1 {
		t.Errorf("window holds %d distinct pairs, want 1", len(pairIDs))
	}

	// The resumed pair still resolves instead of staying open forever.
	entry, hedge := h.pairRecords(t)
	if entry.Outcome != types.OutcomeResolvedWin {
		t.Errorf("entry outcome = %s, want RESOLVED_WIN", entry.Outcome)
	}
	if hedge.Outcome != types.OutcomeResolvedLoss {
		t.Errorf("hedge outcome = %s, want RESOLVED_LOSS", hedge.Outcome)
	}
	wantWin := decimal.RequireFromString("0.48").Mul(entry.FilledSize)
	if !entry.PnL.Equal(wantWin) {
		t.Errorf("entry pnl = %s, want %s", entry.PnL, wantWin)
	}
}

func TestRestartSkipsSettledWindow(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	seedWindowLeg(t, h, "done-pair", types.LegEntry, types.UP, "tok-up", "0.52",
		types.OrderFilled, types.OutcomeResolvedWin)
	seedWindowLeg(t, h, "done-pair", types.LegHedge, types.DOWN, "tok-down", "0.46",
		types.OrderFilled, types.OutcomeResolvedLoss)

	state, err := h.lc.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if state != StateIdleSkipped {
		t.Errorf("state = %s, want IDLE_SKIPPED for a settled window", state)
	}
	if h.ex.batchCount != 0 {
		t.Errorf("batches = %d, want 0", h.ex.batchCount)
	}
}

// seedWindowLeg persists one leg of a pre-crash pair for the harness window,
// fully filled at its intended size.
func seedWindowLeg(t *testing.T, h *harness, pairID string, role types.LegRole, side types.MarketSide, token, price string, status types.OrderStatus, outcome types.Outcome) {
	t.Helper()
	size := decimal.RequireFromString("10")
	_, err := h.st.InsertTradeRecord(context.Background(), &types.TradeRecord{
		PairID:        pairID,
		Role:          role,
		Symbol:        h.window.Symbol,
		ConditionID:   h.window.ConditionID,
		TokenID:       token,
		WindowStart:   h.window.WindowStart,
		WindowEnd:     h.window.WindowEnd,
		Side:          side,
		EntryPrice:    decimal.RequireFromString(price),
		IntendedSize:  size,
		FilledSize:    size,
		BetCollateral: decimal.RequireFromString(price).Mul(size),
		OrderID:       "ord-prior-" + string(role),
		OrderStatus:   status,
		Outcome:       outcome,
		CreatedAt:     h.window.WindowStart,
	})
	if err != nil {
		t.Fatalf("seed %s leg: %v", role, err)
	}
}

func insertOpenRecord(t *testing.T, st *store.Store, pairID, collateral string) {
	t.Helper()
	start := time.Date(2026, 8, 24, 11, 45, 0, 0, time.UTC)
	_, err := st.InsertTradeRecord(context.Background(), &types.TradeRecord{
		PairID:        pairID,
		Role:          types.LegEntry,
		Symbol:        "ETH",
		TokenID:       "tok-other",
		WindowStart:   start,
		WindowEnd:     start.Add(15 * time.Minute),
		Side:          types.UP,
		EntryPrice:    decimal.RequireFromString("0.5"),
		IntendedSize:  decimal.RequireFromString("10"),
		BetCollateral: decimal.RequireFromString(collateral),
		OrderStatus:   types.OrderLive,
		Outcome:       types.OutcomeOpen,
		CreatedAt:     start,
	})
	if err != nil {
		t.Fatalf("insert open record: %v", err)
	}
}
