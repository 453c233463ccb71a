package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
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

// State is the lifecycle's position in the per-window state machine.
type State string

const (
	StateIdle              State = "IDLE"
	StatePricing           State = "PRICING"
	StatePlacing           State = "PLACING"
	StateMonitoring        State = "MONITORING"
	StateHolding           State = "HOLDING"
	StateOptimizing        State = "OPTIMIZING"
	StateLiquidating       State = "LIQUIDATING"
	StateWaitingResolution State = "WAITING_RESOLUTION"
	StateFinalized         State = "FINALIZED"
	StateIdleSkipped       State = "IDLE_SKIPPED"
	StateFailed            State = "FAILED"
)

// resolutionPoll is how often the resolver is re-queried after window end.
const resolutionPoll = 10 * time.Second

// resolutionGrace bounds how long we wait for the market to resolve before
// giving up the run; the reconciler finishes the record on next startup.
const resolutionGrace = 10 * time.Minute

// Resolver observes market resolution. Satisfied by the window scanner.
type Resolver interface {
	CheckResolution(ctx context.Context, w *types.Window) (resolved bool, winnerTok string, err error)
}

// Deps are the collaborators a lifecycle composes. All are shared across
// lifecycles except the window itself.
type Deps struct {
	Exchange   Exchange
	Store      *store.Store
	Clock      clock.Clock
	Signals    *signal.Fallback
	Policy     *pricing.Policy
	Placer     *AtomicPlacer
	Monitor    *FillMonitor
	Liquidator *EmergencyLiquidator
	Optimizer  *PreSettlementOptimizer
	Tracker    *risk.Tracker
	Resolver   Resolver
	Logger     *slog.Logger
}

// TradeLifecycle drives one (symbol, window) from signal to finalized
// records. It runs sequentially with respect to itself; different windows'
// lifecycles run concurrently.
type TradeLifecycle struct {
	window  *types.Window
	cfg     config.TradingConfig
	deps    Deps
	logger  *slog.Logger
	state   State
	pair    *Pair
	lastSig signal.Signal
}

// New creates a lifecycle for one window.
func New(w *types.Window, cfg config.TradingConfig, deps Deps) *TradeLifecycle {
	return &TradeLifecycle{
		window: w,
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With(
			"component", "lifecycle",
			"symbol", w.Symbol,
			"window_end", w.WindowEnd.Format(time.RFC3339),
		),
		state: StateIdle,
	}
}

// State reports the current state, for logging and tests.
func (t *TradeLifecycle) State() State { return t.state }

// Run drives the machine to a terminal state. Errors are already mapped to
// states; the returned error is non-nil only for infrastructure failures
// (store down, shutdown) that leave the window to the reconciler.
func (t *TradeLifecycle) Run(ctx context.Context) (State, error) {
	// A crash can leave a placed pair behind while the window is still
	// running. At most one pair ever trades a window: a restart resumes the
	// durable pair instead of pricing a second one.
	existing, err := t.deps.Store.ListWindowTrades(ctx, t.window.Symbol, t.window.WindowStart)
	if err != nil {
		return t.fail(err)
	}
	if len(existing) > 0 {
		return t.resume(ctx, existing)
	}

	reservation := t.window.Symbol + "@" + t.window.WindowEnd.Format(time.RFC3339)
	reserved := false
	defer func() {
		if reserved {
			t.deps.Tracker.Release(reservation)
		}
	}()

	// PRICING
	t.state = StatePricing
	plan, err := t.price(ctx)
	if err != nil {
		return t.skip(err), nil
	}

	balance, err := t.deps.Exchange.CollateralBalance(ctx)
	if err != nil {
		return t.fail(err)
	}
	if err := t.deps.Tracker.Reserve(ctx, reservation, plan.PairCollateral, balance); err != nil {
		return t.skip(err), nil
	}
	reserved = true

	// PLACING with a bounded crossing-retry loop.
	t.state = StatePlacing
	placement, err := t.placeWithRetries(ctx, plan)
	if err != nil {
		return t.fail(err)
	}
	switch placement.Result {
	case PlacementCrossingRetry:
		return t.skip(fmt.Errorf("crossing retry budget exhausted")), nil
	case PlacementFailed:
		return t.fail(placement.Err)
	}
	t.pair = placement.Pair

	// The pair's collateral is now durable in the store; the in-flight
	// reservation would double-count it.
	t.deps.Tracker.Release(reservation)
	reserved = false

	return t.runActivePair(ctx)
}

// resume rejoins the machine for a pair persisted by a previous run of this
// window. The reconciler has already synced each record with the exchange at
// startup; the normal monitoring path takes over from there.
func (t *TradeLifecycle) resume(ctx context.Context, recs []types.TradeRecord) (State, error) {
	pair := pairFromRecords(recs)
	if pair == nil {
		return t.skip(fmt.Errorf("window already settled")), nil
	}
	if pair.Entry == nil || pair.Hedge == nil {
		t.logger.Warn("persisted pair is missing a leg, leaving to reconciler",
			"pair_id", pair.ID)
		return t.skip(fmt.Errorf("incomplete pair %s", pair.ID)), nil
	}
	t.pair = pair
	t.logger.Info("resuming pair from durable records",
		"pair_id", pair.ID,
		"entry_status", string(pair.Entry.Status),
		"hedge_status", string(pair.Hedge.Status),
	)
	return t.runActivePair(ctx)
}

// runActivePair drives an already-placed pair through monitoring, the
// fill-outcome branches, and resolution.
func (t *TradeLifecycle) runActivePair(ctx context.Context) (State, error) {
	// MONITORING
	t.state = StateMonitoring
	result, err := t.deps.Monitor.Watch(ctx, t.pair)
	if err != nil {
		return t.fail(err)
	}

	switch result.Outcome {
	case NeitherFilled:
		if err := t.abandonUnfilled(ctx, t.pair.Legs()...); err != nil {
			return t.fail(err)
		}
		return t.skip(fmt.Errorf("no fills within timeout")), nil

	case OneFilled, PartialOne:
		t.state = StateLiquidating
		if err := t.liquidateOneSided(ctx, result.FilledLeg); err != nil {
			return t.fail(err)
		}

	case BothFilled:
		t.state = StateHolding
		if err := t.markHedged(ctx); err != nil {
			return t.fail(err)
		}
		t.state = StateOptimizing
		decision, err := t.deps.Optimizer.Run(ctx, t.window, t.pair)
		if err != nil {
			return t.fail(err)
		}
		if decision.Sold {
			if err := t.applyOptimizerSale(ctx, decision); err != nil {
				return t.fail(err)
			}
		}
	}

	// WAITING_RESOLUTION
	t.state = StateWaitingResolution
	if err := t.awaitResolution(ctx); err != nil {
		return t.fail(err)
	}

	t.state = StateFinalized
	return t.state, nil
}

// price evaluates the signal and builds a plan for the current touch.
func (t *TradeLifecycle) price(ctx context.Context) (*pricing.Plan, error) {
	sig := t.deps.Signals.GetSignal(ctx, t.window)
	t.lastSig = sig
	if sig.Confidence < t.cfg.MinEdge {
		return nil, fmt.Errorf("confidence %.2f below edge %.2f", sig.Confidence, t.cfg.MinEdge)
	}

	bidUp, bidDown, err := t.readBids(ctx)
	if err != nil {
		return nil, err
	}
	balance, err := t.deps.Exchange.CollateralBalance(ctx)
	if err != nil {
		return nil, err
	}

	return t.deps.Policy.BuildPlan(pricing.Inputs{
		Bias:             sig.Bias,
		Confidence:       sig.Confidence,
		AvailableBalance: balance,
		BestBidUp:        bidUp,
		BestBidDown:      bidDown,
		TickSize:         t.window.TickSize,
		MinOrderSize:     t.window.MinOrderSize,
	})
}

func (t *TradeLifecycle) readBids(ctx context.Context) (decimal.Decimal, decimal.Decimal, error) {
	bidUp, err := t.deps.Exchange.BestBid(ctx, t.window.UpTokenID)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	bidDown, err := t.deps.Exchange.BestBid(ctx, t.window.DownTokenID)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return bidUp, bidDown, nil
}

// placeWithRetries loops PRICING -> PLACING while placements bounce off the
// crossing rejection, re-reading the touch each time. The failure policy
// flips the order type to GTC once the per-symbol budget is spent.
func (t *TradeLifecycle) placeWithRetries(ctx context.Context, plan *pricing.Plan) (*Placement, error) {
	var placement *Placement
	var err error
	for attempt := 0; attempt <= t.cfg.CrossingRetryBudget; attempt++ {
		placement, err = t.deps.Placer.Place(ctx, t.window, plan, t.lastSig)
		if err != nil {
			return nil, err
		}
		if placement.Result != PlacementCrossingRetry {
			return placement, nil
		}
		// Re-price against the moved touch before the next attempt.
		plan, err = t.price(ctx)
		if err != nil {
			return &Placement{Result: PlacementCrossingRetry}, nil
		}
	}
	return placement, nil
}

// skip records the reason and parks the lifecycle in IDLE_SKIPPED.
func (t *TradeLifecycle) skip(reason error) State {
	t.logger.Info("window skipped", "reason", reason.Error())
	t.state = StateIdleSkipped
	return t.state
}

func (t *TradeLifecycle) fail(err error) (State, error) {
	t.logger.Error("lifecycle failed", "state", string(t.state), "error", err)
	t.state = StateFailed
	return t.state, err
}

// abandonUnfilled closes records for legs that never held a position.
func (t *TradeLifecycle) abandonUnfilled(ctx context.Context, legs ...*Leg) error {
	for _, leg := range legs {
		outcome := types.OutcomeCanceledUnfilled
		status := types.OrderCanceled
		settled := t.deps.Clock.Now().UTC()
		if err := t.deps.Store.UpdateTradeRecord(ctx, leg.RecordID, store.TradePatch{
			OrderStatus: &status,
			Outcome:     &outcome,
			SettledAt:   &settled,
		}); err != nil {
			return err
		}
	}
	return nil
}

// liquidateOneSided handles ONE_FILLED / PARTIAL_ONE. The filled leg is sold
// under time pressure. The other leg is closed as unfilled when empty; if it
// holds dust below the exchange minimum, the liquidator's min-size branch
// classifies it (hold if winning, orphan if losing) instead.
func (t *TradeLifecycle) liquidateOneSided(ctx context.Context, filled *Leg) error {
	other := t.pair.Hedge
	if filled == t.pair.Hedge {
		other = t.pair.Entry
	}
	if other.Filled.IsPositive() {
		other.Held = other.Filled
		sale, err := t.deps.Liquidator.Run(ctx, t.window, other)
		if err != nil {
			return err
		}
		if err := t.recordSale(ctx, other, sale, sale.Final); err != nil {
			return err
		}
	} else if err := t.abandonUnfilled(ctx, other); err != nil {
		return err
	}

	filled.Held = filled.Filled
	sale, err := t.deps.Liquidator.Run(ctx, t.window, filled)
	if err != nil {
		return err
	}
	return t.recordSale(ctx, filled, sale, sale.Final)
}

// recordSale persists a liquidation result against a leg. For PRE_SETTLED
// sales the outcome argument overrides the liquidator's EMERGENCY_SOLD.
func (t *TradeLifecycle) recordSale(ctx context.Context, leg *Leg, sale *LiquidationResult, outcome types.Outcome) error {
	leg.Held = sale.Remaining

	// Realized PnL on what was sold, plus the writedown on anything
	// orphaned. A held-through remainder stays unrealized until resolution.
	pnl := sale.AvgPrice.Sub(leg.Price).Mul(sale.Sold)
	if sale.Final == types.OutcomeOrphaned {
		pnl = pnl.Sub(leg.Price.Mul(sale.Remaining))
	}

	patch := store.TradePatch{
		Outcome:   &outcome,
		ExitPrice: &sale.AvgPrice,
		PnL:       &pnl,
	}
	if outcome.Terminal() {
		settled := t.deps.Clock.Now().UTC()
		patch.SettledAt = &settled
	}
	return t.deps.Store.UpdateTradeRecord(ctx, leg.RecordID, patch)
}

// markHedged flags both legs as a complete hedge.
func (t *TradeLifecycle) markHedged(ctx context.Context) error {
	for _, leg := range t.pair.Legs() {
		leg.Held = leg.Filled
		outcome := types.OutcomeHedgedComplete
		if err := t.deps.Store.UpdateTradeRecord(ctx, leg.RecordID, store.TradePatch{
			Outcome: &outcome,
		}); err != nil {
			return err
		}
	}
	return nil
}

// applyOptimizerSale persists the optimizer's early exit: the losing leg's
// sale and the winning leg's keeper status.
func (t *TradeLifecycle) applyOptimizerSale(ctx context.Context, d *OptimizerDecision) error {
	outcome := types.OutcomePreSettled
	if d.Sale.Final != types.OutcomeEmergencySold {
		outcome = d.Sale.Final
	}
	if err := t.recordSale(ctx, d.LosingLeg, d.Sale, outcome); err != nil {
		return err
	}

	keeper := types.OutcomePreSettledKeeper
	return t.deps.Store.UpdateTradeRecord(ctx, d.WinningLeg.RecordID, store.TradePatch{
		Outcome: &keeper,
	})
}

// awaitResolution sleeps to window end, then polls the resolver and settles
// every leg that still holds a position.
func (t *TradeLifecycle) awaitResolution(ctx context.Context) error {
	if wait := t.window.WindowEnd.Sub(t.deps.Clock.Now()); wait > 0 {
		if err := t.deps.Clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}

	giveUp := t.deps.Clock.Now().Add(resolutionGrace)
	for {
		resolved, winner, err := t.deps.Resolver.CheckResolution(ctx, t.window)
		if err != nil {
			t.logger.Warn("resolution check failed", "error", err)
		} else if resolved {
			return t.finalize(ctx, winner)
		}
		if !t.deps.Clock.Now().Before(giveUp) {
			return fmt.Errorf("market did not resolve within %s", resolutionGrace)
		}
		if err := t.deps.Clock.Sleep(ctx, resolutionPoll); err != nil {
			return err
		}
	}
}

// finalize settles every leg that still awaits resolution. A winning token
// pays 1.0 per held share; a losing one pays nothing.
func (t *TradeLifecycle) finalize(ctx context.Context, winnerTok string) error {
	if t.pair == nil {
		return nil
	}
	one := decimal.NewFromInt(1)
	settled := t.deps.Clock.Now().UTC()

	for _, leg := range t.pair.Legs() {
		rec, err := t.deps.Store.GetTradeRecord(ctx, leg.RecordID)
		if err != nil {
			return err
		}
		if rec.Outcome.Terminal() {
			continue
		}

		var outcome types.Outcome
		var exit, pnl decimal.Decimal
		if leg.TokenID == winnerTok {
			outcome = types.OutcomeResolvedWin
			exit = one
			pnl = one.Sub(leg.Price).Mul(leg.Held)
		} else {
			outcome = types.OutcomeResolvedLoss
			exit = decimal.Zero
			pnl = leg.Price.Mul(leg.Held).Neg()
		}
		// Keep any realized PnL from earlier partial sales.
		pnl = pnl.Add(rec.PnL)

		if err := t.deps.Store.UpdateTradeRecord(ctx, leg.RecordID, store.TradePatch{
			Outcome:   &outcome,
			ExitPrice: &exit,
			PnL:       &pnl,
			SettledAt: &settled,
		}); err != nil {
			return err
		}
		t.logger.Info("leg settled",
			"role", string(leg.Role),
			"outcome", string(outcome),
			"pnl", pnl.String(),
		)
	}
	return nil
}

// pairFromRecords rebuilds the in-memory pair from one window's durable
// records. Returns nil when every pair in the window is already terminal.
func pairFromRecords(recs []types.TradeRecord) *Pair {
	pairs := make(map[string]*Pair)
	openID := ""
	for i := range recs {
		rec := &recs[i]
		p := pairs[rec.PairID]
		if p == nil {
			p = &Pair{ID: rec.PairID}
			pairs[rec.PairID] = p
		}
		leg := legFromRecord(rec)
		switch rec.Role {
		case types.LegEntry:
			p.Entry = leg
		case types.LegHedge:
			p.Hedge = leg
		}
		if !rec.Outcome.Terminal() {
			openID = rec.PairID
		}
	}
	if openID == "" {
		return nil
	}
	return pairs[openID]
}

func legFromRecord(rec *types.TradeRecord) *Leg {
	return &Leg{
		RecordID:   rec.ID,
		Role:       rec.Role,
		Side:       rec.Side,
		TokenID:    rec.TokenID,
		Price:      rec.EntryPrice,
		Intended:   rec.IntendedSize,
		ExchangeID: rec.OrderID,
		Status:     rec.OrderStatus,
		Filled:     rec.FilledSize,
		Held:       rec.FilledSize,
	}
}
