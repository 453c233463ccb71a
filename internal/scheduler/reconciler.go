package scheduler

import (
	"context"
	"errors"
	"log/slog"

	"github.com/shopspring/decimal"

	"polymarket-hedger/internal/clock"
	"polymarket-hedger/internal/exchange"
	"polymarket-hedger/internal/lifecycle"
	"polymarket-hedger/internal/store"
	"polymarket-hedger/pkg/types"
)

// balanceTolerance is the largest token-balance excess over the recorded
// filled size that passes without a warning.
var balanceTolerance = decimal.RequireFromString("0.0001")

// Reconciler repairs the divergence between the store and the exchange after
// a restart. It re-queries every open order, expires orders whose window has
// passed, and finalizes pairs whose market resolved while the process was
// down. Token balances are cross-checked but never auto-trusted: a balance
// above the recorded fill is logged, not written back, because only a
// confirmed fill justifies growing a position on paper.
type Reconciler struct {
	exchange lifecycle.Exchange
	store    *store.Store
	clk      clock.Clock
	resolver lifecycle.Resolver
	logger   *slog.Logger
}

// NewReconciler wires a reconciler over the shared collaborators.
func NewReconciler(ex lifecycle.Exchange, st *store.Store, clk clock.Clock, resolver lifecycle.Resolver, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		exchange: ex,
		store:    st,
		clk:      clk,
		resolver: resolver,
		logger:   logger.With("component", "reconciler"),
	}
}

// Run performs one full reconciliation pass. Individual record failures are
// logged and skipped so one bad row cannot block startup; only store-level
// failures abort.
func (r *Reconciler) Run(ctx context.Context) error {
	recs, err := r.store.ListOpenTrades(ctx)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		r.logger.Info("nothing to reconcile")
		return nil
	}
	r.logger.Info("reconciling open trades", "count", len(recs))

	for i := range recs {
		if recs[i].Outcome != types.OutcomeOpen {
			continue
		}
		if err := r.reconcileOrder(ctx, &recs[i]); err != nil {
			r.logger.Error("order reconciliation failed",
				"record_id", recs[i].ID, "pair_id", recs[i].PairID, "error", err)
		}
	}

	return r.finalizeResolved(ctx, recs)
}

// reconcileOrder brings one OPEN record in line with the exchange's view of
// its order, then cross-checks the token balance.
func (r *Reconciler) reconcileOrder(ctx context.Context, rec *types.TradeRecord) error {
	if rec.OrderID == "" {
		// Crash between insert and placement ack: no order can exist.
		r.logger.Warn("open record without order id, closing",
			"record_id", rec.ID, "pair_id", rec.PairID)
		return r.closeUnfilled(ctx, rec)
	}

	state, err := r.exchange.GetOrder(ctx, rec.OrderID)
	if errors.Is(err, exchange.ErrNotFound) {
		if rec.FilledSize.IsPositive() {
			// Order gone but a position was recorded; keep the record open
			// for resolution, just mark the order terminal.
			status := types.OrderCanceled
			return r.store.UpdateTradeRecord(ctx, rec.ID, store.TradePatch{OrderStatus: &status})
		}
		return r.closeUnfilled(ctx, rec)
	}
	if err != nil {
		return err
	}

	filled := state.FilledSize
	if state.Status == types.OrderFilled && filled.IsZero() {
		// Same phantom class the placer guards against: a FILLED claim with
		// no size backs no position.
		r.logger.Warn("exchange claims FILLED with zero size, not trusting",
			"order_id", rec.OrderID, "record_id", rec.ID)
		state.Status = types.OrderLive
	}
	// Fills never shrink across a restart either.
	if filled.LessThan(rec.FilledSize) {
		filled = rec.FilledSize
	}

	switch {
	case state.Status == types.OrderFilled || state.Status == types.OrderPartiallyFilled:
		if err := r.store.UpdateTradeRecord(ctx, rec.ID, store.TradePatch{
			OrderStatus: &state.Status,
			FilledSize:  &filled,
		}); err != nil {
			return err
		}
		rec.OrderStatus = state.Status
		rec.FilledSize = filled
		r.logger.Info("order filled while down",
			"record_id", rec.ID, "order_id", rec.OrderID, "filled", filled.String())

	case state.Status == types.OrderCanceled:
		if filled.IsZero() {
			return r.closeUnfilled(ctx, rec)
		}
		status := types.OrderCanceled
		if err := r.store.UpdateTradeRecord(ctx, rec.ID, store.TradePatch{
			OrderStatus: &status,
			FilledSize:  &filled,
		}); err != nil {
			return err
		}
		rec.FilledSize = filled

	default: // still live on the book
		if r.clk.Now().Before(rec.WindowEnd) {
			break
		}
		// The window is over; the order has no reason to rest.
		if _, err := r.exchange.Cancel(ctx, rec.OrderID); err != nil {
			return err
		}
		// One final read: a fill can land ahead of the cancel ack.
		final, err := r.exchange.GetOrder(ctx, rec.OrderID)
		if err == nil && final.FilledSize.GreaterThan(filled) {
			filled = final.FilledSize
		}
		if filled.IsZero() {
			return r.closeUnfilled(ctx, rec)
		}
		status := types.OrderCanceled
		if err := r.store.UpdateTradeRecord(ctx, rec.ID, store.TradePatch{
			OrderStatus: &status,
			FilledSize:  &filled,
		}); err != nil {
			return err
		}
		rec.FilledSize = filled
	}

	r.checkBalance(ctx, rec)
	return nil
}

// checkBalance compares the on-exchange token balance against the recorded
// fill. An excess is logged only; filledSize grows solely on confirmed fills.
func (r *Reconciler) checkBalance(ctx context.Context, rec *types.TradeRecord) {
	bal, err := r.exchange.TokenBalance(ctx, rec.TokenID)
	if err != nil {
		r.logger.Warn("token balance check failed", "token", rec.TokenID, "error", err)
		return
	}
	if bal.Sub(rec.FilledSize).GreaterThan(balanceTolerance) {
		r.logger.Warn("token balance exceeds recorded fill, not syncing",
			"record_id", rec.ID,
			"token", rec.TokenID,
			"balance", bal.String(),
			"filled", rec.FilledSize.String(),
		)
	}
}

// closeUnfilled terminates a record that never held a position.
func (r *Reconciler) closeUnfilled(ctx context.Context, rec *types.TradeRecord) error {
	status := types.OrderCanceled
	outcome := types.OutcomeCanceledUnfilled
	settled := r.clk.Now().UTC()
	if err := r.store.UpdateTradeRecord(ctx, rec.ID, store.TradePatch{
		OrderStatus: &status,
		Outcome:     &outcome,
		SettledAt:   &settled,
	}); err != nil {
		return err
	}
	rec.Outcome = outcome
	return nil
}

// finalizeResolved settles pairs whose window ended while the process was
// down. Records grouped by pair reconstruct enough of the window to ask the
// resolver which side won.
func (r *Reconciler) finalizeResolved(ctx context.Context, recs []types.TradeRecord) error {
	pairs := make(map[string][]*types.TradeRecord)
	for i := range recs {
		pairs[recs[i].PairID] = append(pairs[recs[i].PairID], &recs[i])
	}

	now := r.clk.Now()
	for pairID, legs := range pairs {
		if now.Before(legs[0].WindowEnd) {
			continue // window still running, the scheduler resumes it
		}
		if !holdsPosition(legs) {
			continue
		}

		w := windowFromRecords(legs)
		resolved, winnerTok, err := r.resolver.CheckResolution(ctx, w)
		if err != nil {
			r.logger.Warn("resolution check failed", "pair_id", pairID, "error", err)
			continue
		}
		if !resolved {
			r.logger.Info("market not yet resolved, leaving pair open", "pair_id", pairID)
			continue
		}
		for _, rec := range legs {
			if rec.Outcome.Terminal() {
				continue
			}
			if err := r.settleRecord(ctx, rec, winnerTok); err != nil {
				r.logger.Error("settle failed", "record_id", rec.ID, "error", err)
			}
		}
	}
	return nil
}

// settleRecord writes the resolution outcome for one leg. An unfilled leg
// that slipped through earlier phases closes as unfilled instead.
func (r *Reconciler) settleRecord(ctx context.Context, rec *types.TradeRecord, winnerTok string) error {
	if rec.FilledSize.IsZero() {
		return r.closeUnfilled(ctx, rec)
	}

	one := decimal.NewFromInt(1)
	var outcome types.Outcome
	var exit, pnl decimal.Decimal
	if rec.TokenID == winnerTok {
		outcome = types.OutcomeResolvedWin
		exit = one
		pnl = one.Sub(rec.EntryPrice).Mul(rec.FilledSize)
	} else {
		outcome = types.OutcomeResolvedLoss
		exit = decimal.Zero
		pnl = rec.EntryPrice.Mul(rec.FilledSize).Neg()
	}
	pnl = pnl.Add(rec.PnL)

	settled := r.clk.Now().UTC()
	if err := r.store.UpdateTradeRecord(ctx, rec.ID, store.TradePatch{
		Outcome:   &outcome,
		ExitPrice: &exit,
		PnL:       &pnl,
		SettledAt: &settled,
	}); err != nil {
		return err
	}
	r.logger.Info("leg settled by reconciler",
		"record_id", rec.ID,
		"outcome", string(outcome),
		"pnl", pnl.String(),
	)
	return nil
}

func holdsPosition(legs []*types.TradeRecord) bool {
	for _, rec := range legs {
		if !rec.Outcome.Terminal() && rec.FilledSize.IsPositive() {
			return true
		}
	}
	return false
}

// windowFromRecords rebuilds the window identity the resolver needs from the
// durable legs. A pair missing one side leaves that token empty, which can
// only make the present leg a loser, never a phantom winner.
func windowFromRecords(legs []*types.TradeRecord) *types.Window {
	w := &types.Window{
		Symbol:      legs[0].Symbol,
		ConditionID: legs[0].ConditionID,
		WindowStart: legs[0].WindowStart,
		WindowEnd:   legs[0].WindowEnd,
	}
	for _, rec := range legs {
		switch rec.Side {
		case types.UP:
			w.UpTokenID = rec.TokenID
		case types.DOWN:
			w.DownTokenID = rec.TokenID
		}
	}
	return w
}
