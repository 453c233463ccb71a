package signal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"polymarket-hedger/internal/market"
	"polymarket-hedger/pkg/types"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testWindow() *types.Window {
	return &types.Window{
		Symbol:      "BTC",
		UpTokenID:   "tok-up",
		DownTokenID: "tok-down",
	}
}

type stubSource struct {
	sig   Signal
	err   error
	delay time.Duration
}

func (s *stubSource) GetSignal(ctx context.Context, _ *types.Window) (Signal, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return Neutral(), ctx.Err()
		}
	}
	return s.sig, s.err
}

func TestValidateClampsConfidence(t *testing.T) {
	t.Parallel()

	got := Signal{Confidence: 0.99, Bias: types.UP, PYes: 0.9}.Validate()
	if got.Confidence != maxConfidence {
		t.Errorf("confidence = %v, want clamp to %v", got.Confidence, maxConfidence)
	}

	got = Signal{Confidence: -0.1, Bias: "SIDEWAYS", PYes: 1.5}.Validate()
	if got.Confidence != 0 || got.Bias != types.NEUTRAL || got.PYes != 0.5 {
		t.Errorf("invalid signal not normalized: %+v", got)
	}
}

func TestFallbackNilSource(t *testing.T) {
	t.Parallel()

	f := NewFallback(nil, discard())
	got := f.GetSignal(context.Background(), testWindow())
	if got != Neutral() {
		t.Errorf("nil source = %+v, want neutral", got)
	}
}

func TestFallbackPassesThrough(t *testing.T) {
	t.Parallel()

	src := &stubSource{sig: Signal{Confidence: 0.7, Bias: types.DOWN, PYes: 0.3}}
	f := NewFallback(src, discard())

	got := f.GetSignal(context.Background(), testWindow())
	if got.Confidence != 0.7 || got.Bias != types.DOWN {
		t.Errorf("got %+v, want source signal", got)
	}
}

func TestFallbackAbsorbsError(t *testing.T) {
	t.Parallel()

	src := &stubSource{err: errors.New("feed down")}
	f := NewFallback(src, discard())

	got := f.GetSignal(context.Background(), testWindow())
	if got != Neutral() {
		t.Errorf("got %+v, want neutral on error", got)
	}
}

func TestFallbackTimeout(t *testing.T) {
	t.Parallel()

	src := &stubSource{sig: Signal{Confidence: 0.8, Bias: types.UP, PYes: 0.8}, delay: time.Minute}
	f := NewFallback(src, discard())
	f.budget = 20 * time.Millisecond

	start := time.Now()
	got := f.GetSignal(context.Background(), testWindow())
	if got != Neutral() {
		t.Errorf("got %+v, want neutral on timeout", got)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout not enforced, took %v", elapsed)
	}
}

func TestBookSource(t *testing.T) {
	t.Parallel()

	book := market.NewTopOfBook()
	src := NewBookSource(book)
	w := testWindow()

	// No quotes yet.
	if _, err := src.GetSignal(context.Background(), w); err == nil {
		t.Error("expected error with empty book")
	}

	book.ApplyBookEvent(types.WSBookEvent{
		AssetID: "tok-up",
		Buys:    []types.PriceLevel{{Price: "0.60", Size: "10"}},
		Sells:   []types.PriceLevel{{Price: "0.64", Size: "10"}},
	})

	sig, err := src.GetSignal(context.Background(), w)
	if err != nil {
		t.Fatalf("GetSignal: %v", err)
	}
	if sig.Bias != types.UP {
		t.Errorf("bias = %v, want UP for mid 0.62", sig.Bias)
	}
	if sig.PYes < 0.61 || sig.PYes > 0.63 {
		t.Errorf("pYes = %v, want ~0.62", sig.PYes)
	}
	if sig.Confidence < 0.11 || sig.Confidence > 0.13 {
		t.Errorf("confidence = %v, want ~0.12", sig.Confidence)
	}
}
