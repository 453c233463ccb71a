package lifecycle

import (
	"context"
	"log/slog"

	"polymarket-hedger/internal/clock"
	"polymarket-hedger/internal/config"
	"polymarket-hedger/internal/signal"
	"polymarket-hedger/pkg/types"
)

// OptimizerDecision is the outcome of one optimizer run over a fully hedged
// pair. When Sold is true the losing leg was liquidated and the winning leg
// is kept for the 1.0 payoff.
type OptimizerDecision struct {
	Sold       bool
	LosingLeg  *Leg
	WinningLeg *Leg
	Sale       *LiquidationResult
}

// PreSettlementOptimizer watches a hedged pair near resolution. Holding both
// sides caps the payoff at 1.0 per share; if an independent signal flips
// hard late in the window, selling the losing leg at its residual value
// recovers capital that would otherwise pay zero.
//
// Active only inside [windowEnd-start, windowEnd-stop], checking every
// interval. Acts at most once per pair.
type PreSettlementOptimizer struct {
	signals    *signal.Fallback
	liquidator *EmergencyLiquidator
	clk        clock.Clock
	cfg        config.PreSettlementConfig
	logger     *slog.Logger
}

// NewPreSettlementOptimizer wires the optimizer.
func NewPreSettlementOptimizer(signals *signal.Fallback, liq *EmergencyLiquidator, clk clock.Clock, cfg config.PreSettlementConfig, logger *slog.Logger) *PreSettlementOptimizer {
	return &PreSettlementOptimizer{
		signals:    signals,
		liquidator: liq,
		clk:        clk,
		cfg:        cfg,
		logger:     logger.With("component", "optimizer"),
	}
}

// Run blocks through the optimizer window and returns the decision. A nil
// error with Sold=false means the pair rides to resolution untouched.
func (o *PreSettlementOptimizer) Run(ctx context.Context, w *types.Window, pair *Pair) (*OptimizerDecision, error) {
	hold := &OptimizerDecision{Sold: false}
	if !o.cfg.Enable {
		return hold, nil
	}

	activeFrom := w.WindowEnd.Add(-o.cfg.Start)
	activeUntil := w.WindowEnd.Add(-o.cfg.Stop)

	if wait := activeFrom.Sub(o.clk.Now()); wait > 0 {
		if err := o.clk.Sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	for {
		now := o.clk.Now()
		if !now.Before(activeUntil) {
			return hold, nil
		}

		sig := o.signals.GetSignal(ctx, w)
		if sig.Confidence >= o.cfg.MinConfidence && sig.Bias != types.NEUTRAL {
			return o.sellLosingLeg(ctx, w, pair, sig)
		}

		wait := o.cfg.Interval
		if until := activeUntil.Sub(now); until < wait {
			wait = until
		}
		if err := o.clk.Sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

func (o *PreSettlementOptimizer) sellLosingLeg(ctx context.Context, w *types.Window, pair *Pair, sig signal.Signal) (*OptimizerDecision, error) {
	losing, winning := pair.Hedge, pair.Entry
	if pair.Entry.Side == sig.Bias.Opposite() {
		losing, winning = pair.Entry, pair.Hedge
	}

	o.logger.Info("late signal flip, selling losing leg",
		"pair_id", pair.ID,
		"bias", string(sig.Bias),
		"confidence", sig.Confidence,
		"losing_side", string(losing.Side),
	)

	sale, err := o.liquidator.Run(ctx, w, losing)
	if err != nil {
		return nil, err
	}
	return &OptimizerDecision{
		Sold:       true,
		LosingLeg:  losing,
		WinningLeg: winning,
		Sale:       sale,
	}, nil
}
