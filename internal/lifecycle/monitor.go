package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-hedger/internal/clock"
	"polymarket-hedger/internal/exchange"
	"polymarket-hedger/internal/store"
	"polymarket-hedger/pkg/types"
)

// MonitorOutcome classifies the pair's fill state at the end of monitoring.
type MonitorOutcome int

const (
	// BothFilled: both legs hold at least the exchange minimum; the pair is
	// hedged at the smaller of the two filled sizes.
	BothFilled MonitorOutcome = iota
	// OneFilled: one leg filled completely, the other holds less than the
	// minimum. The filled leg needs liquidation.
	OneFilled
	// PartialOne: one leg holds a sellable partial position, the other
	// effectively nothing. The partial leg needs liquidation.
	PartialOne
	// NeitherFilled: neither leg reached the minimum; both were cancelled.
	NeitherFilled
)

func (o MonitorOutcome) String() string {
	switch o {
	case BothFilled:
		return "BOTH_FILLED"
	case OneFilled:
		return "ONE_FILLED"
	case PartialOne:
		return "PARTIAL_ONE"
	default:
		return "NEITHER_FILLED"
	}
}

// MonitorResult carries the classification plus the leg that needs follow-up
// work (nil for BothFilled and NeitherFilled).
type MonitorResult struct {
	Outcome   MonitorOutcome
	FilledLeg *Leg
}

// FillMonitor polls both legs until both fill or the fill timeout elapses.
// On exit every still-live order is cancelled synchronously before the
// result is returned, so no leg can fill during the handover to the next
// stage.
type FillMonitor struct {
	exchange Exchange
	store    *store.Store
	clk      clock.Clock
	timeout  time.Duration
	poll     time.Duration
	minSize  decimal.Decimal
	logger   *slog.Logger
}

// NewFillMonitor wires the monitor.
func NewFillMonitor(ex Exchange, st *store.Store, clk clock.Clock, timeout, poll time.Duration, minSize decimal.Decimal, logger *slog.Logger) *FillMonitor {
	return &FillMonitor{
		exchange: ex,
		store:    st,
		clk:      clk,
		timeout:  timeout,
		poll:     poll,
		minSize:  minSize,
		logger:   logger.With("component", "monitor"),
	}
}

// Watch runs the monitoring loop for one pair.
func (m *FillMonitor) Watch(ctx context.Context, pair *Pair) (*MonitorResult, error) {
	deadline := m.clk.Now().Add(m.timeout)

	for {
		for _, leg := range pair.Legs() {
			if leg.Status.Terminal() {
				continue
			}
			if err := m.refreshLeg(ctx, leg); err != nil {
				return nil, err
			}
		}

		if pair.Entry.Status == types.OrderFilled && pair.Hedge.Status == types.OrderFilled {
			m.logger.Info("both legs filled", "pair_id", pair.ID)
			return &MonitorResult{Outcome: BothFilled}, nil
		}

		remaining := deadline.Sub(m.clk.Now())
		if remaining <= 0 {
			break
		}
		wait := m.poll
		if remaining < wait {
			wait = remaining
		}
		if err := m.clk.Sleep(ctx, wait); err != nil {
			// Shutdown mid-monitor: still cancel live legs before leaving.
			m.cancelLive(context.WithoutCancel(ctx), pair)
			return nil, err
		}
	}

	// Deadline reached: cancel first, then take one final reading. A leg can
	// fill in the gap between our last poll and the cancel ack; the final
	// re-query captures that.
	m.cancelLive(ctx, pair)
	for _, leg := range pair.Legs() {
		if err := m.refreshLeg(ctx, leg); err != nil {
			return nil, err
		}
	}

	result := m.classify(pair)
	m.logger.Info("fill window closed",
		"pair_id", pair.ID,
		"outcome", result.Outcome.String(),
		"entry_filled", pair.Entry.Filled.String(),
		"hedge_filled", pair.Hedge.Filled.String(),
	)
	return result, nil
}

// refreshLeg re-queries one leg and persists any change. A FILLED status
// with zero filled size is never trusted; the leg stays live.
func (m *FillMonitor) refreshLeg(ctx context.Context, leg *Leg) error {
	state, err := m.exchange.GetOrder(ctx, leg.ExchangeID)
	if err != nil {
		if errors.Is(err, exchange.ErrNotFound) {
			return m.applyLeg(ctx, leg, types.OrderCanceled, leg.Filled)
		}
		return fmt.Errorf("refresh leg %s: %w", leg.Role, err)
	}

	status := state.Status
	filled := state.FilledSize
	if status == types.OrderFilled && filled.IsZero() {
		m.logger.Warn("phantom FILLED with zero size, keeping leg live",
			"exchange_id", leg.ExchangeID, "role", leg.Role)
		status = types.OrderLive
	}
	// Fills never shrink; keep the high-water mark.
	if filled.LessThan(leg.Filled) {
		filled = leg.Filled
	}
	return m.applyLeg(ctx, leg, status, filled)
}

func (m *FillMonitor) applyLeg(ctx context.Context, leg *Leg, status types.OrderStatus, filled decimal.Decimal) error {
	if status == leg.Status && filled.Equal(leg.Filled) {
		return nil
	}
	leg.Status = status
	leg.Filled = filled
	return m.store.UpdateTradeRecord(ctx, leg.RecordID, store.TradePatch{
		OrderStatus: &status,
		FilledSize:  &filled,
	})
}

// cancelLive sends cancels for every non-terminal leg. Not-found counts as
// success; other errors are logged and the loop continues so that the other
// leg is still cancelled.
func (m *FillMonitor) cancelLive(ctx context.Context, pair *Pair) {
	for _, leg := range pair.Legs() {
		if leg.Status.Terminal() {
			continue
		}
		if _, err := m.exchange.Cancel(ctx, leg.ExchangeID); err != nil {
			m.logger.Error("cancel failed",
				"exchange_id", leg.ExchangeID, "role", leg.Role, "error", err)
		}
	}
}

// classify maps the two filled sizes onto the monitor outcomes. A leg
// "holds" when its filled size is at least the exchange minimum; below that
// the position cannot even be sold. When only one leg holds, the label keys
// on the holding leg even if the other carries dust; the dust is routed by
// the liquidator's min-size branch downstream, so the follow-up actions are
// the same either way.
func (m *FillMonitor) classify(pair *Pair) *MonitorResult {
	entryHolds := pair.Entry.Filled.GreaterThanOrEqual(m.minSize)
	hedgeHolds := pair.Hedge.Filled.GreaterThanOrEqual(m.minSize)

	switch {
	case entryHolds && hedgeHolds:
		return &MonitorResult{Outcome: BothFilled}
	case entryHolds:
		return m.oneSided(pair.Entry)
	case hedgeHolds:
		return m.oneSided(pair.Hedge)
	default:
		return &MonitorResult{Outcome: NeitherFilled}
	}
}

func (m *FillMonitor) oneSided(leg *Leg) *MonitorResult {
	if leg.Filled.GreaterThanOrEqual(leg.Intended) {
		return &MonitorResult{Outcome: OneFilled, FilledLeg: leg}
	}
	return &MonitorResult{Outcome: PartialOne, FilledLeg: leg}
}
