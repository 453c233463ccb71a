package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-hedger/internal/clock"
	"polymarket-hedger/internal/config"
	"polymarket-hedger/internal/exchange"
	"polymarket-hedger/internal/pricing"
	"polymarket-hedger/pkg/types"
)

// Urgency selects how hard the liquidator leans on price to get out.
type Urgency int

const (
	// Patient: plenty of runway, shave one tick-ish off the bid and wait.
	Patient Urgency = iota
	// Balanced: mid-window, escalate drops moderately.
	Balanced
	// Aggressive: close to resolution, cross the spread if that is what it
	// takes.
	Aggressive
)

func (u Urgency) String() string {
	switch u {
	case Patient:
		return "PATIENT"
	case Balanced:
		return "BALANCED"
	default:
		return "AGGRESSIVE"
	}
}

// urgencyFor maps time-to-resolution onto an urgency mode.
func urgencyFor(remaining time.Duration) Urgency {
	switch {
	case remaining > 600*time.Second:
		return Patient
	case remaining >= 300*time.Second:
		return Balanced
	default:
		return Aggressive
	}
}

// endGuard stops the loop shortly before resolution; an order resting at
// that point can no longer realistically fill.
const endGuard = 5 * time.Second

// LiquidationResult summarizes one liquidation run.
//
// Final is EMERGENCY_SOLD when the position was sold down to zero (or dust
// below share precision), HOLD_THROUGH_RESOLUTION when an unsellable
// remainder is winning, ORPHANED when it is losing.
type LiquidationResult struct {
	Final     types.Outcome
	Sold      decimal.Decimal
	AvgPrice  decimal.Decimal // volume-weighted over all sell fills
	Remaining decimal.Decimal
}

// EmergencyLiquidator sells one leg's position before window end with a
// progressive-price loop: start near the bid, drop harder as resolution
// approaches, cancel and re-price whenever a step's wait expires unfilled.
type EmergencyLiquidator struct {
	exchange Exchange
	clk      clock.Clock
	cfg      config.EmergencyConfig
	minSize  decimal.Decimal
	logger   *slog.Logger
}

// NewEmergencyLiquidator wires the liquidator.
func NewEmergencyLiquidator(ex Exchange, clk clock.Clock, cfg config.EmergencyConfig, minSize decimal.Decimal, logger *slog.Logger) *EmergencyLiquidator {
	return &EmergencyLiquidator{
		exchange: ex,
		clk:      clk,
		cfg:      cfg,
		minSize:  minSize,
		logger:   logger.With("component", "liquidator"),
	}
}

// Run liquidates the leg's current position. The caller persists the
// returned result; the liquidator itself only touches the exchange.
func (l *EmergencyLiquidator) Run(ctx context.Context, w *types.Window, leg *Leg) (*LiquidationResult, error) {
	remaining := leg.Filled
	sold := decimal.Zero
	proceeds := decimal.Zero
	stopAt := w.WindowEnd.Add(-endGuard)
	attempt := 0

	for {
		now := l.clk.Now()
		if !now.Before(stopAt) {
			l.logger.Warn("liquidation ran out of time",
				"pair_leg", leg.Role, "remaining", remaining.String())
			return l.classifyRemainder(ctx, leg, sold, proceeds, remaining)
		}
		if remaining.LessThan(l.minSize) {
			return l.classifyRemainder(ctx, leg, sold, proceeds, remaining)
		}

		urgency := urgencyFor(w.WindowEnd.Sub(now))
		price, err := l.stepPrice(ctx, leg.TokenID, w.TickSize, urgency, attempt)
		if err != nil {
			return nil, err
		}

		placed, err := l.exchange.PlaceBatch(ctx, []types.UserOrder{{
			TokenID:   leg.TokenID,
			Price:     price,
			Size:      remaining,
			Side:      types.SELL,
			OrderType: types.OrderTypeGTC,
			TickSize:  w.TickSize,
		}}, w.NegRisk)
		if err != nil {
			return nil, fmt.Errorf("place sell: %w", err)
		}
		if len(placed) != 1 || placed[0].Err != nil {
			var perr error
			if len(placed) == 1 {
				perr = placed[0].Err
			}
			return nil, fmt.Errorf("sell rejected at %s: %w", price, perr)
		}
		orderID := placed[0].ExchangeID

		l.logger.Info("liquidation step",
			"urgency", urgency.String(),
			"attempt", attempt,
			"price", price.String(),
			"size", remaining.String(),
		)

		wait := l.stepWait(urgency)
		if until := stopAt.Sub(l.clk.Now()); until < wait {
			wait = until
		}
		if wait > 0 {
			if err := l.clk.Sleep(ctx, wait); err != nil {
				// Shutdown: best-effort cancel before surfacing.
				l.cancel(context.WithoutCancel(ctx), orderID)
				return nil, err
			}
		}

		// Cancel first, then read the final state; a fill racing the cancel
		// is captured by the re-query.
		l.cancel(ctx, orderID)
		filled, avg, err := l.finalFill(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if filled.IsPositive() {
			fillPrice := price
			if avg.IsPositive() {
				fillPrice = avg
			}
			sold = sold.Add(filled)
			proceeds = proceeds.Add(filled.Mul(fillPrice))
			remaining = remaining.Sub(filled)
		}

		if !remaining.IsPositive() {
			return &LiquidationResult{
				Final:     types.OutcomeEmergencySold,
				Sold:      sold,
				AvgPrice:  safeDiv(proceeds, sold),
				Remaining: decimal.Zero,
			}, nil
		}
		attempt++
	}
}

// stepPrice computes the next sell price: the bid minus the urgency drop,
// floored at the configured fallback and aligned down to the tick.
func (l *EmergencyLiquidator) stepPrice(ctx context.Context, tokenID string, tick types.TickSize, urgency Urgency, attempt int) (decimal.Decimal, error) {
	bid, err := l.exchange.BestBid(ctx, tokenID)
	if err != nil && !errors.Is(err, exchange.ErrNotFound) {
		return decimal.Zero, fmt.Errorf("read bid: %w", err)
	}
	if bid.IsZero() {
		return pricing.RoundSellPrice(l.cfg.FallbackPrice, tick), nil
	}

	price := decimal.Max(l.cfg.FallbackPrice, bid.Sub(l.stepDrop(urgency, attempt)))
	return pricing.RoundSellPrice(price, tick), nil
}

// stepDrop escalates within a mode as attempts accumulate.
func (l *EmergencyLiquidator) stepDrop(urgency Urgency, attempt int) decimal.Decimal {
	step := decimal.NewFromInt(int64(attempt)).Shift(-2) // 0.01 per attempt
	switch urgency {
	case Patient:
		return decimal.RequireFromString("0.01")
	case Balanced:
		return decimal.Min(decimal.RequireFromString("0.02").Add(step), decimal.RequireFromString("0.05"))
	default:
		return decimal.Min(decimal.RequireFromString("0.05").Add(step), decimal.RequireFromString("0.10"))
	}
}

func (l *EmergencyLiquidator) stepWait(urgency Urgency) time.Duration {
	switch urgency {
	case Patient:
		return l.cfg.WaitLong
	case Balanced:
		return l.cfg.WaitMedium
	default:
		return l.cfg.WaitShort
	}
}

func (l *EmergencyLiquidator) cancel(ctx context.Context, orderID string) {
	if _, err := l.exchange.Cancel(ctx, orderID); err != nil {
		l.logger.Error("cancel sell failed", "exchange_id", orderID, "error", err)
	}
}

func (l *EmergencyLiquidator) finalFill(ctx context.Context, orderID string) (decimal.Decimal, decimal.Decimal, error) {
	state, err := l.exchange.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, exchange.ErrNotFound) {
			return decimal.Zero, decimal.Zero, nil
		}
		return decimal.Zero, decimal.Zero, fmt.Errorf("read sell state: %w", err)
	}
	return state.FilledSize, state.AvgFillPrice, nil
}

// classifyRemainder applies the min-size policy to whatever could not be
// sold: a winning remainder is held for the 1.0 payoff, a losing one is
// orphaned rather than spun on.
func (l *EmergencyLiquidator) classifyRemainder(ctx context.Context, leg *Leg, sold, proceeds, remaining decimal.Decimal) (*LiquidationResult, error) {
	result := &LiquidationResult{
		Sold:      sold,
		AvgPrice:  safeDiv(proceeds, sold),
		Remaining: remaining,
	}
	if !remaining.IsPositive() {
		result.Final = types.OutcomeEmergencySold
		return result, nil
	}

	bid, err := l.exchange.BestBid(ctx, leg.TokenID)
	if err != nil && !errors.Is(err, exchange.ErrNotFound) {
		return nil, fmt.Errorf("read bid for min-size policy: %w", err)
	}

	if l.cfg.HoldIfWinning && bid.GreaterThan(leg.Price) {
		result.Final = types.OutcomeHoldThrough
		l.logger.Info("remainder winning, holding through resolution",
			"remaining", remaining.String(), "bid", bid.String(), "entry", leg.Price.String())
		return result, nil
	}

	result.Final = types.OutcomeOrphaned
	l.logger.Warn("remainder losing and below minimum, orphaning",
		"remaining", remaining.String(), "bid", bid.String(), "entry", leg.Price.String())
	return result, nil
}

func safeDiv(num, den decimal.Decimal) decimal.Decimal {
	if den.IsZero() {
		return decimal.Zero
	}
	return num.Div(den)
}
