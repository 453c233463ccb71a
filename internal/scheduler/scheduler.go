// Package scheduler drives the bot's outer loop: it wakes on every 15-minute
// window boundary, discovers the up/down markets for the configured symbols,
// and runs one trade lifecycle per discovered window. It also owns the
// startup reconciler that repairs store/exchange divergence after a crash.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"polymarket-hedger/internal/config"
	"polymarket-hedger/internal/exchange"
	"polymarket-hedger/internal/lifecycle"
	"polymarket-hedger/internal/market"
	"polymarket-hedger/pkg/types"
)

// minRunway is the least time that must remain in an in-progress window for
// the scheduler to enter it at startup. Below this there is no room for the
// fill timeout plus an orderly exit.
const minRunway = 5 * time.Minute

// WindowSource discovers the windows ending at a given boundary.
// Satisfied by market.Scanner.
type WindowSource interface {
	Discover(ctx context.Context, windowEnd time.Time) ([]*types.Window, error)
}

// BookFetcher seeds the top-of-book mirror with REST snapshots before the
// WebSocket stream takes over. Satisfied by exchange.Client.
type BookFetcher interface {
	GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error)
}

// Scheduler fans windows out to trade lifecycles, one goroutine per
// (symbol, window), and keeps the shared book mirror fed.
type Scheduler struct {
	cfg     config.Config
	windows WindowSource
	deps    lifecycle.Deps
	book    *market.TopOfBook
	books   BookFetcher
	mktFeed *exchange.WSFeed // nil disables the live book stream
	usrFeed *exchange.WSFeed // nil disables per-window fill subscriptions
	logger  *slog.Logger

	mu     sync.Mutex
	active map[string]bool // symbol@windowEnd currently running

	wg sync.WaitGroup

	// launch runs one window's lifecycle; replaced in tests.
	launch func(ctx context.Context, w *types.Window)
}

// New wires a scheduler over the shared lifecycle collaborators.
func New(cfg config.Config, windows WindowSource, deps lifecycle.Deps, book *market.TopOfBook, books BookFetcher, mktFeed, usrFeed *exchange.WSFeed) *Scheduler {
	s := &Scheduler{
		cfg:     cfg,
		windows: windows,
		deps:    deps,
		book:    book,
		books:   books,
		mktFeed: mktFeed,
		usrFeed: usrFeed,
		logger:  deps.Logger.With("component", "scheduler"),
		active:  make(map[string]bool),
	}
	s.launch = s.runWindow
	return s
}

// Run blocks until ctx is cancelled, waking at each quarter-hour boundary.
// On startup it also enters the in-progress window when enough of it remains.
// Returns after every launched lifecycle has exited.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.mktFeed != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.pumpBookEvents(ctx)
		}()
	}

	first := market.NextBoundary(s.deps.Clock.Now())
	if first.Sub(s.deps.Clock.Now()) >= minRunway {
		s.startCycle(ctx, first)
	}

	for {
		boundary := market.NextBoundary(s.deps.Clock.Now())
		if err := s.deps.Clock.Sleep(ctx, boundary.Sub(s.deps.Clock.Now())); err != nil {
			break
		}
		// The window opening at this boundary resolves one window-length out.
		s.startCycle(ctx, boundary.Add(market.WindowLength))
	}

	s.logger.Info("scheduler stopping, waiting for lifecycles")
	s.wg.Wait()
	return ctx.Err()
}

// startCycle discovers the windows ending at windowEnd and launches a
// lifecycle for each one not already running.
func (s *Scheduler) startCycle(ctx context.Context, windowEnd time.Time) {
	windows, err := s.windows.Discover(ctx, windowEnd)
	if err != nil {
		s.logger.Error("window discovery failed",
			"window_end", windowEnd.Format(time.RFC3339), "error", err)
		return
	}

	for _, w := range windows {
		key := windowKey(w)
		s.mu.Lock()
		if s.active[key] {
			s.mu.Unlock()
			continue
		}
		s.active[key] = true
		s.mu.Unlock()

		s.wg.Add(1)
		go func(w *types.Window, key string) {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.active, key)
				s.mu.Unlock()
			}()
			s.launch(ctx, w)
		}(w, key)
	}
}

// runWindow subscribes market data for the window's tokens, runs the
// lifecycle to a terminal state, and cleans the subscriptions up.
func (s *Scheduler) runWindow(ctx context.Context, w *types.Window) {
	tokens := []string{w.UpTokenID, w.DownTokenID}
	if s.mktFeed != nil {
		if err := s.mktFeed.Subscribe(tokens); err != nil {
			s.logger.Warn("market feed subscribe failed", "symbol", w.Symbol, "error", err)
		}
		defer s.mktFeed.Unsubscribe(tokens)
	}
	if s.usrFeed != nil && w.ConditionID != "" {
		if err := s.usrFeed.Subscribe([]string{w.ConditionID}); err != nil {
			s.logger.Warn("user feed subscribe failed", "symbol", w.Symbol, "error", err)
		}
		defer s.usrFeed.Unsubscribe([]string{w.ConditionID})
	}
	s.seedBook(ctx, tokens)

	lc := lifecycle.New(w, s.cfg.Trading, s.deps)
	state, err := lc.Run(ctx)
	if err != nil {
		s.logger.Error("lifecycle exited with error",
			"symbol", w.Symbol,
			"window_end", w.WindowEnd.Format(time.RFC3339),
			"state", string(state),
			"error", err,
		)
		return
	}
	s.logger.Info("lifecycle finished",
		"symbol", w.Symbol,
		"window_end", w.WindowEnd.Format(time.RFC3339),
		"state", string(state),
	)
}

// seedBook loads initial REST snapshots so the mirror answers before the
// first WS event lands.
func (s *Scheduler) seedBook(ctx context.Context, tokens []string) {
	if s.book == nil || s.books == nil {
		return
	}
	for _, tok := range tokens {
		resp, err := s.books.GetOrderBook(ctx, tok)
		if err != nil {
			s.logger.Warn("initial book snapshot failed", "token", tok, "error", err)
			continue
		}
		s.book.ApplyBookResponse(resp)
	}
}

// pumpBookEvents keeps the shared mirror current from the market feed.
func (s *Scheduler) pumpBookEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-s.mktFeed.BookEvents():
			s.book.ApplyBookEvent(evt)
		case evt := <-s.mktFeed.PriceChangeEvents():
			s.book.ApplyPriceChange(evt)
		}
	}
}

func windowKey(w *types.Window) string {
	return w.Symbol + "@" + w.WindowEnd.UTC().Format(time.RFC3339)
}
