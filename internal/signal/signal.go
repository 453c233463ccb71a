// Package signal defines the directional-signal contract consumed at window
// entry, plus a fallback wrapper that bounds how long a slow source can stall
// the trading path.
package signal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"polymarket-hedger/internal/market"
	"polymarket-hedger/pkg/types"
)

// maxConfidence caps what any source may claim. Signals above the cap are
// clamped, not rejected: a miscalibrated source should shade sizing, never
// bypass the hedge.
const maxConfidence = 0.85

// fallbackBudget bounds one signal evaluation. Past it the caller proceeds
// with the neutral signal rather than miss the entry window.
const fallbackBudget = 2 * time.Second

// Signal is a directional read on one window, produced just before entry.
// Confidence in [0, maxConfidence]; PYes is the source's probability that
// the UP outcome resolves to 1.
type Signal struct {
	Confidence float64
	Bias       types.MarketSide
	PYes       float64
}

// Neutral is the signal used when no source is available or a source fails:
// no directional read, even odds.
func Neutral() Signal {
	return Signal{Confidence: 0, Bias: types.NEUTRAL, PYes: 0.5}
}

// Validate clamps confidence into range and normalizes an inconsistent bias.
func (s Signal) Validate() Signal {
	if s.Confidence < 0 {
		s.Confidence = 0
	}
	if s.Confidence > maxConfidence {
		s.Confidence = maxConfidence
	}
	if s.PYes < 0 || s.PYes > 1 {
		s.PYes = 0.5
	}
	switch s.Bias {
	case types.UP, types.DOWN, types.NEUTRAL:
	default:
		s.Bias = types.NEUTRAL
	}
	return s
}

// Source produces a signal for one window. Implementations must respect ctx;
// the wrapper cancels it after the fallback budget.
type Source interface {
	GetSignal(ctx context.Context, w *types.Window) (Signal, error)
}

// Fallback wraps a source with a time budget and error absorption: the
// trading path always gets a signal, degraded to Neutral on any failure.
type Fallback struct {
	source Source
	budget time.Duration
	logger *slog.Logger
}

// NewFallback wraps src. A nil src yields Neutral immediately.
func NewFallback(src Source, logger *slog.Logger) *Fallback {
	return &Fallback{
		source: src,
		budget: fallbackBudget,
		logger: logger.With("component", "signal"),
	}
}

// GetSignal evaluates the wrapped source within the budget.
func (f *Fallback) GetSignal(ctx context.Context, w *types.Window) Signal {
	if f.source == nil {
		return Neutral()
	}

	ctx, cancel := context.WithTimeout(ctx, f.budget)
	defer cancel()

	type result struct {
		sig Signal
		err error
	}
	ch := make(chan result, 1)
	go func() {
		sig, err := f.source.GetSignal(ctx, w)
		ch <- result{sig, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			f.logger.Warn("signal source failed, using neutral",
				"symbol", w.Symbol, "error", r.err)
			return Neutral()
		}
		return r.sig.Validate()
	case <-ctx.Done():
		f.logger.Warn("signal source timed out, using neutral",
			"symbol", w.Symbol, "budget", f.budget)
		return Neutral()
	}
}

// BookSource derives a signal from the window's own order book: the UP mid
// price is the market's probability for UP, and the distance from 0.5 is the
// (damped) confidence. It is a baseline source, not an edge; it exists so
// the bot runs end to end without an external model.
type BookSource struct {
	book *market.TopOfBook
}

// NewBookSource builds a book-derived source over the shared mirror.
func NewBookSource(book *market.TopOfBook) *BookSource {
	return &BookSource{book: book}
}

// GetSignal reads the UP token's mid price.
func (b *BookSource) GetSignal(_ context.Context, w *types.Window) (Signal, error) {
	mid, ok := b.book.MidPrice(w.UpTokenID)
	if !ok {
		return Neutral(), fmt.Errorf("no quotes for %s", w.Symbol)
	}

	pYes, _ := mid.Float64()
	bias := types.NEUTRAL
	switch {
	case pYes > 0.5:
		bias = types.UP
	case pYes < 0.5:
		bias = types.DOWN
	}

	// Distance from even odds, damped so the book alone never claims strong
	// conviction. |pYes-0.5| in [0, 0.5] maps to confidence in [0, 0.5].
	conf := pYes - 0.5
	if conf < 0 {
		conf = -conf
	}

	return Signal{Confidence: conf, Bias: bias, PYes: pYes}.Validate(), nil
}
