package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"polymarket-hedger/internal/clock"
	"polymarket-hedger/internal/exchange"
	"polymarket-hedger/internal/pricing"
	"polymarket-hedger/internal/signal"
	"polymarket-hedger/internal/store"
	"polymarket-hedger/pkg/types"
)

// PlacementResult classifies the outcome of one atomic placement attempt.
type PlacementResult int

const (
	// PlacementActive means both legs were accepted and verified; the fill
	// monitor takes over.
	PlacementActive PlacementResult = iota
	// PlacementCrossingRetry means at least one POST_ONLY leg would have
	// crossed; the attempt was unwound and the caller may re-price.
	PlacementCrossingRetry
	// PlacementFailed means a non-retryable placement error; the window is
	// abandoned.
	PlacementFailed
)

// Placement is the result of AtomicPlacer.Place.
type Placement struct {
	Result PlacementResult
	Pair   *Pair
	Err    error // set when Result == PlacementFailed
}

// AtomicPlacer submits both legs of a hedged pair in a single batch, commits
// their records, and verifies the exchange's claimed statuses after a short
// settle delay. The exchange occasionally reports FILLED with a zero filled
// size at placement time; such claims are recorded as PENDING_VERIFY and
// only upgraded once a re-query shows an actual filled size.
type AtomicPlacer struct {
	exchange    Exchange
	store       *store.Store
	clk         clock.Clock
	failures    *pricing.FailurePolicy
	settleDelay time.Duration
	logger      *slog.Logger
}

// NewAtomicPlacer wires the placer.
func NewAtomicPlacer(ex Exchange, st *store.Store, clk clock.Clock, failures *pricing.FailurePolicy, settleDelay time.Duration, logger *slog.Logger) *AtomicPlacer {
	return &AtomicPlacer{
		exchange:    ex,
		store:       st,
		clk:         clk,
		failures:    failures,
		settleDelay: settleDelay,
		logger:      logger.With("component", "placer"),
	}
}

// Place runs the placement protocol for one plan. The pair's TradeRecords
// are committed before Place returns an ACTIVE placement, so a crash after
// placement cannot lose track of live orders.
func (a *AtomicPlacer) Place(ctx context.Context, w *types.Window, plan *pricing.Plan, sig signal.Signal) (*Placement, error) {
	orderType := a.failures.OrderType(w.Symbol)

	entryOrder := types.UserOrder{
		TokenID:   w.TokenFor(plan.EntrySide),
		Price:     plan.EntryPrice,
		Size:      plan.Size,
		Side:      types.BUY,
		OrderType: orderType,
		TickSize:  w.TickSize,
	}
	hedgeOrder := types.UserOrder{
		TokenID:   w.TokenFor(plan.HedgeSide),
		Price:     plan.HedgePrice,
		Size:      plan.Size,
		Side:      types.BUY,
		OrderType: orderType,
		TickSize:  w.TickSize,
	}

	placed, err := a.exchange.PlaceBatch(ctx, []types.UserOrder{entryOrder, hedgeOrder}, w.NegRisk)
	if err != nil {
		return nil, fmt.Errorf("place batch: %w", err)
	}
	if len(placed) != 2 {
		return nil, fmt.Errorf("place batch: expected 2 results, got %d", len(placed))
	}
	entryRes, hedgeRes := placed[0], placed[1]

	if leg := crossingLeg(entryRes, hedgeRes); leg != "" {
		a.unwindAccepted(ctx, entryRes, hedgeRes)
		a.failures.RecordCrossing(w.Symbol)
		a.logger.Info("crossing rejection, will re-price",
			"symbol", w.Symbol,
			"leg", leg,
			"failures", a.failures.Count(w.Symbol),
		)
		return &Placement{Result: PlacementCrossingRetry}, nil
	}

	if entryRes.Err != nil || hedgeRes.Err != nil {
		a.unwindAccepted(ctx, entryRes, hedgeRes)
		return &Placement{
			Result: PlacementFailed,
			Err:    errors.Join(entryRes.Err, hedgeRes.Err),
		}, nil
	}

	a.failures.RecordAccepted(w.Symbol)

	pair := &Pair{
		ID:    uuid.NewString(),
		Entry: newLeg(types.LegEntry, plan.EntrySide, entryOrder, entryRes),
		Hedge: newLeg(types.LegHedge, plan.HedgeSide, hedgeOrder, hedgeRes),
	}

	// Durability before anything else: both rows in one transaction. If the
	// store write fails we unwind the live orders; the placement never
	// happened as far as the scheduler is concerned.
	if err := a.persistPair(ctx, w, pair, sig); err != nil {
		a.unwindAccepted(ctx, entryRes, hedgeRes)
		return nil, fmt.Errorf("persist pair: %w", err)
	}

	// Let the exchange settle before trusting any claimed fill.
	if err := a.clk.Sleep(ctx, a.settleDelay); err != nil {
		return nil, err
	}

	for _, leg := range pair.Legs() {
		if err := a.verifyLeg(ctx, leg); err != nil {
			return nil, err
		}
	}

	return &Placement{Result: PlacementActive, Pair: pair}, nil
}

// crossingLeg names the first leg rejected for crossing, or "" if neither.
func crossingLeg(entry, hedge types.PlacedOrder) string {
	if errors.Is(entry.Err, exchange.ErrCrossing) {
		return string(types.LegEntry)
	}
	if errors.Is(hedge.Err, exchange.ErrCrossing) {
		return string(types.LegHedge)
	}
	return ""
}

// unwindAccepted cancels whichever legs the exchange did accept. Cancel
// treats not-found as success, so this is safe for legs that never rested.
func (a *AtomicPlacer) unwindAccepted(ctx context.Context, results ...types.PlacedOrder) {
	for _, r := range results {
		if r.Err != nil || r.ExchangeID == "" {
			continue
		}
		if _, err := a.exchange.Cancel(ctx, r.ExchangeID); err != nil {
			a.logger.Error("failed to unwind accepted leg",
				"exchange_id", r.ExchangeID, "error", err)
		}
	}
}

func newLeg(role types.LegRole, side types.MarketSide, order types.UserOrder, res types.PlacedOrder) *Leg {
	status := res.Status
	// Never trust a FILLED claim straight off the placement response.
	if status == types.OrderFilled || status == types.OrderPartiallyFilled {
		status = types.OrderPendingVerify
	}
	return &Leg{
		Role:       role,
		Side:       side,
		TokenID:    order.TokenID,
		Price:      order.Price,
		Intended:   order.Size,
		ExchangeID: res.ExchangeID,
		Status:     status,
		Filled:     decimal.Zero,
	}
}

func (a *AtomicPlacer) persistPair(ctx context.Context, w *types.Window, pair *Pair, sig signal.Signal) error {
	return a.store.Transaction(ctx, func(tx *sql.Tx) error {
		for _, leg := range pair.Legs() {
			rec := &types.TradeRecord{
				PairID:           pair.ID,
				Role:             leg.Role,
				Symbol:           w.Symbol,
				ConditionID:      w.ConditionID,
				TokenID:          leg.TokenID,
				WindowStart:      w.WindowStart,
				WindowEnd:        w.WindowEnd,
				Side:             leg.Side,
				EntryPrice:       leg.Price,
				IntendedSize:     leg.Intended,
				FilledSize:       decimal.Zero,
				BetCollateral:    leg.Price.Mul(leg.Intended),
				OrderID:          leg.ExchangeID,
				OrderStatus:      leg.Status,
				Outcome:          types.OutcomeOpen,
				ExitPrice:        decimal.Zero,
				PnL:              decimal.Zero,
				SignalConfidence: sig.Confidence,
				SignalBias:       sig.Bias,
				SignalPYes:       sig.PYes,
				CreatedAt:        a.clk.Now().UTC(),
			}
			id, err := a.store.InsertTradeRecordTx(ctx, tx, rec)
			if err != nil {
				return err
			}
			leg.RecordID = id
		}
		return nil
	})
}

// verifyLeg re-queries one leg and applies the no-phantom-fill rule: a
// FILLED status with zero filled size is demoted to LIVE.
func (a *AtomicPlacer) verifyLeg(ctx context.Context, leg *Leg) error {
	state, err := a.exchange.GetOrder(ctx, leg.ExchangeID)
	if err != nil {
		if errors.Is(err, exchange.ErrNotFound) {
			// Not indexed yet; the monitor will re-query. Treat as live.
			a.logger.Warn("order not found during verify, treating as live",
				"exchange_id", leg.ExchangeID)
			return a.setLegStatus(ctx, leg, types.OrderLive, decimal.Zero)
		}
		return fmt.Errorf("verify leg %s: %w", leg.Role, err)
	}

	switch {
	case state.Status == types.OrderFilled && state.FilledSize.IsZero():
		a.logger.Warn("phantom FILLED with zero size, treating as live",
			"exchange_id", leg.ExchangeID, "role", leg.Role)
		return a.setLegStatus(ctx, leg, types.OrderLive, decimal.Zero)
	case (state.Status == types.OrderFilled || state.Status == types.OrderPartiallyFilled) &&
		state.FilledSize.IsPositive():
		return a.setLegStatus(ctx, leg, state.Status, state.FilledSize)
	default:
		return a.setLegStatus(ctx, leg, types.OrderLive, state.FilledSize)
	}
}

func (a *AtomicPlacer) setLegStatus(ctx context.Context, leg *Leg, status types.OrderStatus, filled decimal.Decimal) error {
	leg.Status = status
	leg.Filled = filled
	return a.store.UpdateTradeRecord(ctx, leg.RecordID, store.TradePatch{
		OrderStatus: &status,
		FilledSize:  &filled,
	})
}
