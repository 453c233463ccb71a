package risk_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-hedger/internal/risk"
	"polymarket-hedger/internal/store"
	"polymarket-hedger/pkg/types"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := store.Open(filepath.Join(t.TempDir(), "trades.db"), logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func insertOpen(t *testing.T, s *store.Store, pairID string, collateral string) {
	t.Helper()
	start := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	_, err := s.InsertTradeRecord(context.Background(), &types.TradeRecord{
		PairID:        pairID,
		Role:          types.LegEntry,
		Symbol:        "BTC",
		TokenID:       "tok",
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
		t.Fatalf("insert: %v", err)
	}
}

func TestReserveWithinCap(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tr := risk.NewTracker(s, 0.5, logger)

	balance := decimal.RequireFromString("1000") // limit 500
	if err := tr.Reserve(context.Background(), "p1", decimal.RequireFromString("200"), balance); err != nil {
		t.Fatalf("reserve p1: %v", err)
	}
	if err := tr.Reserve(context.Background(), "p2", decimal.RequireFromString("200"), balance); err != nil {
		t.Fatalf("reserve p2: %v", err)
	}

	// 200 + 200 + 150 > 500.
	err := tr.Reserve(context.Background(), "p3", decimal.RequireFromString("150"), balance)
	if !errors.Is(err, risk.ErrExposureCap) {
		t.Errorf("err = %v, want ErrExposureCap", err)
	}
}

func TestReserveCountsDurableExposure(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	insertOpen(t, s, "durable", "400")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tr := risk.NewTracker(s, 0.5, logger)

	balance := decimal.RequireFromString("1000")
	err := tr.Reserve(context.Background(), "p1", decimal.RequireFromString("150"), balance)
	if !errors.Is(err, risk.ErrExposureCap) {
		t.Errorf("err = %v, want cap with 400 already open", err)
	}

	if err := tr.Reserve(context.Background(), "p2", decimal.RequireFromString("100"), balance); err != nil {
		t.Errorf("reserve within remaining headroom: %v", err)
	}
}

func TestRelease(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tr := risk.NewTracker(s, 0.5, logger)

	balance := decimal.RequireFromString("1000")
	if err := tr.Reserve(context.Background(), "p1", decimal.RequireFromString("500"), balance); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := tr.Reserve(context.Background(), "p2", decimal.RequireFromString("10"), balance); !errors.Is(err, risk.ErrExposureCap) {
		t.Fatalf("expected cap, got %v", err)
	}

	tr.Release("p1")
	if !tr.Reserved().IsZero() {
		t.Errorf("reserved = %s after release, want 0", tr.Reserved())
	}
	if err := tr.Reserve(context.Background(), "p2", decimal.RequireFromString("10"), balance); err != nil {
		t.Errorf("reserve after release: %v", err)
	}

	// Releasing an unknown pair is a no-op.
	tr.Release("never-reserved")
}
